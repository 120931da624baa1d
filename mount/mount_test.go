package mount

import (
	"context"
	"errors"
	"testing"
	"time"

	imagetest "github.com/winops/wimcmd/image/test"
)

func TestAcquireRelease(t *testing.T) {
	ctx := context.Background()
	h := imagetest.NewHandler()
	m := New(h, WithMountRoot("testmounts"))

	lease, err := m.Acquire(ctx, `C:\images\a.wim`, 1)
	if err != nil {
		t.Fatal(err)
	}
	if lease.MountPath == "" {
		t.Error("empty mount path")
	}
	if !m.Held(`C:\images\a.wim`) {
		t.Error("lease should be held after acquire")
	}
	if h.MountedCount() != 1 {
		t.Errorf("mounted: got %d, want 1", h.MountedCount())
	}

	if err = m.Release(ctx, lease, Commit); err != nil {
		t.Fatal(err)
	}
	if m.Held(`C:\images\a.wim`) {
		t.Error("lease should not be held after release")
	}
	if h.MountedCount() != 0 {
		t.Errorf("mounted after release: got %d, want 0", h.MountedCount())
	}

	// releasing again is a no-op
	if err = m.Release(ctx, lease, Commit); err != nil {
		t.Errorf("double release: %v", err)
	}
	if got := len(h.Unmounts()); got != 1 {
		t.Errorf("unmount calls: got %d, want 1", got)
	}
}

func TestAcquireSameImageConflicts(t *testing.T) {
	h := imagetest.NewHandler()
	m := New(h)

	lease, err := m.Acquire(context.Background(), `C:\images\a.wim`, 1)
	if err != nil {
		t.Fatal(err)
	}

	// second acquire on the same path gives up when its context ends
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = m.Acquire(ctx, `C:\images\a.wim`, 1)
	if !errors.Is(err, ErrMountConflict) {
		t.Fatalf("got %v, want ErrMountConflict", err)
	}

	// a waiter acquires once the holder releases
	acquired := make(chan *Lease)
	go func() {
		l, aerr := m.Acquire(context.Background(), `C:\images\a.wim`, 1)
		if aerr != nil {
			t.Error(aerr)
		}
		acquired <- l
	}()

	time.Sleep(20 * time.Millisecond)
	if err = m.Release(context.Background(), lease, Discard); err != nil {
		t.Fatal(err)
	}

	select {
	case l := <-acquired:
		if err = m.Release(context.Background(), l, Discard); err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never acquired the lease")
	}
}

func TestAcquireDifferentImagesParallel(t *testing.T) {
	ctx := context.Background()
	h := imagetest.NewHandler()
	m := New(h)

	a, err := m.Acquire(ctx, `C:\images\a.wim`, 1)
	if err != nil {
		t.Fatal(err)
	}
	b, err := m.Acquire(ctx, `C:\images\b.wim`, 1)
	if err != nil {
		t.Fatal(err)
	}
	if a.MountPath == b.MountPath {
		t.Error("distinct images share a mount path")
	}
	m.Release(ctx, a, Discard)
	m.Release(ctx, b, Discard)
}

func TestMountPathDisambiguation(t *testing.T) {
	m := New(imagetest.NewHandler())
	// same base name, different directories
	p1 := m.mountPathFor(`C:\lab1\install.wim`, 1)
	p2 := m.mountPathFor(`C:\lab2\install.wim`, 1)
	if p1 == p2 {
		t.Error("images with the same base name share a mount path")
	}
	// stable for the same input
	if p1 != m.mountPathFor(`C:\lab1\install.wim`, 1) {
		t.Error("mount path is not stable")
	}
}

func TestAcquireMountFailure(t *testing.T) {
	h := imagetest.NewHandler()
	h.MountErr = errors.New("device error")
	m := New(h)

	_, err := m.Acquire(context.Background(), `C:\images\bad.wim`, 1)
	if !errors.Is(err, ErrMountFailure) {
		t.Fatalf("got %v, want ErrMountFailure", err)
	}
	// failed acquire leaves no lease behind
	if m.Held(`C:\images\bad.wim`) {
		t.Error("lease held after failed mount")
	}

	h.MountErr = nil
	lease, err := m.Acquire(context.Background(), `C:\images\bad.wim`, 1)
	if err != nil {
		t.Fatalf("acquire after failure: %v", err)
	}
	m.Release(context.Background(), lease, Discard)
}

func TestReleaseUnmountFailure(t *testing.T) {
	ctx := context.Background()
	h := imagetest.NewHandler()
	h.UnmountErr = errors.New("commit error")
	m := New(h)

	lease, err := m.Acquire(ctx, `C:\images\a.wim`, 1)
	if err != nil {
		t.Fatal(err)
	}
	err = m.Release(ctx, lease, Commit)
	if !errors.Is(err, ErrUnmountFailure) {
		t.Fatalf("got %v, want ErrUnmountFailure", err)
	}
	// the record is removed even though unmount failed
	if m.Held(`C:\images\a.wim`) {
		t.Error("lease still held after failed release")
	}
}

func TestReleaseNilLease(t *testing.T) {
	m := New(imagetest.NewHandler())
	if err := m.Release(context.Background(), nil, Discard); !errors.Is(err, ErrNotHeld) {
		t.Errorf("got %v, want ErrNotHeld", err)
	}
}
