package dism

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/winops/wimcmd/image"
)

// fakeRunner records executed commands and returns scripted output
// keyed by the first argument that matches.
type fakeRunner struct {
	mu    sync.Mutex
	calls [][]string

	// out and err are returned from every run unless a responder is
	// set for a matching argument.
	out string
	err error
}

func (f *fakeRunner) run(_ context.Context, name string, args ...string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, append([]string{name}, args...))
	return f.out, f.err
}

func (f *fakeRunner) lastCall() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return nil
	}
	return f.calls[len(f.calls)-1]
}

func newTestClient(f *fakeRunner) *Client {
	return New(WithRunner(f.run))
}

func TestClassify(t *testing.T) {
	toolErr := errors.New("exit status 1")
	for _, test := range []struct {
		name string
		out  string
		err  error
		want error
	}{
		{"no error", "all good", nil, nil},
		{"busy code", "Error: 0xC1420117\nThe directory could not be completely unmounted.", toolErr, image.ErrBusy},
		{"sharing violation", "Error: 0x80070020", toolErr, image.ErrBusy},
		{"in use message", "The process cannot access the file because it is being used by another process.", toolErr, image.ErrBusy},
		{"not found code", "Error: 0x80070002", toolErr, image.ErrNotFound},
		{"not found message", "The system cannot find the file specified.", toolErr, image.ErrNotFound},
	} {
		t.Run(test.name, func(t *testing.T) {
			err := classify(test.out, test.err)
			if test.want == nil {
				if err != nil {
					t.Fatalf("got %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, test.want) {
				t.Errorf("got %v, want %v", err, test.want)
			}
		})
	}
}

func TestClassifyHardFailure(t *testing.T) {
	err := classify("Error: 87\nThe parameter is incorrect.\nMore detail here.", errors.New("exit status 1"))
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, image.ErrBusy) || errors.Is(err, image.ErrNotFound) {
		t.Errorf("hard failure misclassified: %v", err)
	}
	if !strings.Contains(err.Error(), "Error: 87") {
		t.Errorf("error missing first output line: %v", err)
	}
	if strings.Contains(err.Error(), "More detail") {
		t.Errorf("error carries more than the first line: %v", err)
	}
}

func TestMount(t *testing.T) {
	ctx := context.Background()
	f := &fakeRunner{out: "The operation completed successfully."}
	c := newTestClient(f)

	dir := t.TempDir()
	imagePath := filepath.Join(dir, "install.wim")
	if err := os.WriteFile(imagePath, []byte("wim"), 0644); err != nil {
		t.Fatal(err)
	}
	mountPath := filepath.Join(dir, "mnt")

	res, err := c.Mount(ctx, imagePath, 3, mountPath)
	if err != nil {
		t.Fatal(err)
	}
	if res.MountPath != mountPath || res.Index != 3 {
		t.Errorf("unexpected result: %+v", res)
	}
	want := []string{
		"dism.exe",
		"/Mount-Image",
		"/ImageFile:" + imagePath,
		"/Index:3",
		"/MountDir:" + mountPath,
	}
	if have := f.lastCall(); !equalSlices(have, want) {
		t.Errorf("dism args:\nhave %v\nwant %v", have, want)
	}
	if _, err = os.Stat(mountPath); err != nil {
		t.Errorf("mount dir not created: %v", err)
	}
}

func TestMountMissingImage(t *testing.T) {
	f := new(fakeRunner)
	c := newTestClient(f)
	_, err := c.Mount(context.Background(), filepath.Join(t.TempDir(), "nope.wim"), 1, t.TempDir())
	if !errors.Is(err, image.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
	if len(f.calls) != 0 {
		t.Error("dism invoked for a missing image file")
	}
}

func TestUnmount(t *testing.T) {
	ctx := context.Background()
	f := new(fakeRunner)
	c := newTestClient(f)

	if err := c.Unmount(ctx, `C:\mnt`, true); err != nil {
		t.Fatal(err)
	}
	want := []string{"dism.exe", "/Unmount-Image", `/MountDir:C:\mnt`, "/Commit"}
	if have := f.lastCall(); !equalSlices(have, want) {
		t.Errorf("commit args:\nhave %v\nwant %v", have, want)
	}

	if err := c.Unmount(ctx, `C:\mnt`, false); err != nil {
		t.Fatal(err)
	}
	want = []string{"dism.exe", "/Unmount-Image", `/MountDir:C:\mnt`, "/Discard"}
	if have := f.lastCall(); !equalSlices(have, want) {
		t.Errorf("discard args:\nhave %v\nwant %v", have, want)
	}
}

const imageInfoOutput = `
Deployment Image Servicing and Management tool
Version: 10.0.22621.1

Details for image : C:\images\install.wim

Index : 3
Name : Windows 11 Pro
Description : Windows 11 Pro
Edition : Professional
Version : 10.0.22631
Size : 14,942,045,695 bytes

The operation completed successfully.
`

func TestGetInfo(t *testing.T) {
	f := &fakeRunner{out: imageInfoOutput}
	c := newTestClient(f)

	info, err := c.GetInfo(context.Background(), `C:\images\install.wim`, 3)
	if err != nil {
		t.Fatal(err)
	}
	if info.Name != "Windows 11 Pro" {
		t.Errorf("name: got %q", info.Name)
	}
	if info.Edition != "Professional" {
		t.Errorf("edition: got %q", info.Edition)
	}
	if info.Version != "10.0.22631" {
		t.Errorf("version: got %q", info.Version)
	}
	if info.SizeBytes != 14942045695 {
		t.Errorf("size: got %d", info.SizeBytes)
	}
}

func equalSlices(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
