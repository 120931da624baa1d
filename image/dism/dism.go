// Package dism implements image handling by shelling out to the
// Windows Deployment Image Servicing and Management tool (dism.exe)
// and its companion media tools.
package dism

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
	"github.com/winops/wimcmd/image"
	"github.com/winops/wimcmd/logkeys"
)

// runFunc executes an external command and returns its combined
// output. Swapped out in tests.
type runFunc func(ctx context.Context, name string, args ...string) (string, error)

func execRun(ctx context.Context, name string, args ...string) (string, error) {
	var buf bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	return buf.String(), err
}

// Client shells out to dism.exe for image servicing. A Client is
// stateless and safe for concurrent use; DISM itself serializes
// access to a given mount directory.
type Client struct {
	dismPath    string
	oscdimgPath string
	logger      log.Logger
	run         runFunc
}

type Option func(*Client)

func WithLogger(logger log.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithDISMPath sets the dism executable path.
func WithDISMPath(path string) Option {
	return func(c *Client) {
		c.dismPath = path
	}
}

// WithOscdimgPath sets the oscdimg executable path used for ISO
// creation.
func WithOscdimgPath(path string) Option {
	return func(c *Client) {
		c.oscdimgPath = path
	}
}

// WithRunner replaces the command runner. Intended for tests.
func WithRunner(run runFunc) Option {
	return func(c *Client) {
		c.run = run
	}
}

func New(opts ...Option) *Client {
	c := &Client{
		dismPath:    "dism.exe",
		oscdimgPath: "oscdimg.exe",
		logger:      log.NopLogger,
		run:         execRun,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("service", "dism")
	return c
}

// busyMarkers are DISM error codes and messages that indicate the
// image or mount directory is transiently in use.
var busyMarkers = []string{
	"0xc1420117", // mount directory in use
	"0xc1420127", // image already mounted
	"0x80070020", // sharing violation
	"being used by another process",
}

// classify maps raw tool failures onto the image error taxonomy so
// the engine can tell transient busy conditions from hard failures.
func classify(out string, err error) error {
	if err == nil {
		return nil
	}
	lower := strings.ToLower(out)
	for _, m := range busyMarkers {
		if strings.Contains(lower, m) {
			return fmt.Errorf("%w: %v", image.ErrBusy, err)
		}
	}
	if strings.Contains(lower, "0x80070002") || strings.Contains(lower, "cannot find the file") {
		return fmt.Errorf("%w: %v", image.ErrNotFound, err)
	}
	return fmt.Errorf("%v: %s", err, firstLine(out))
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}

// Mount mounts the image at index to mountPath.
func (c *Client) Mount(ctx context.Context, imagePath string, index int, mountPath string) (*image.MountResult, error) {
	if _, err := os.Stat(imagePath); err != nil {
		return nil, fmt.Errorf("%w: %s", image.ErrNotFound, imagePath)
	}
	if err := os.MkdirAll(mountPath, 0755); err != nil {
		return nil, fmt.Errorf("creating mount dir: %w", err)
	}
	ctxlog.Logger(ctx, c.logger).Debug(
		logkeys.Message, "mounting image",
		logkeys.ImagePath, imagePath,
		logkeys.MountPath, mountPath,
	)
	out, err := c.run(ctx, c.dismPath,
		"/Mount-Image",
		"/ImageFile:"+imagePath,
		"/Index:"+strconv.Itoa(index),
		"/MountDir:"+mountPath,
	)
	if err = classify(out, err); err != nil {
		return nil, err
	}
	return &image.MountResult{
		ImagePath: imagePath,
		Index:     index,
		MountPath: mountPath,
		MountedAt: time.Now(),
	}, nil
}

// Unmount unmounts mountPath, committing or discarding changes.
func (c *Client) Unmount(ctx context.Context, mountPath string, commit bool) error {
	arg := "/Discard"
	if commit {
		arg = "/Commit"
	}
	ctxlog.Logger(ctx, c.logger).Debug(
		logkeys.Message, "unmounting image",
		logkeys.MountPath, mountPath,
		"commit", commit,
	)
	out, err := c.run(ctx, c.dismPath,
		"/Unmount-Image",
		"/MountDir:"+mountPath,
		arg,
	)
	return classify(out, err)
}

// AddFile copies a file from the host into the mounted image.
func (c *Client) AddFile(_ context.Context, mountPath, src, dst string) error {
	target := filepath.Join(mountPath, dst)
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}
	return copyFile(src, target)
}

// RemoveFile deletes a file within the mounted image.
func (c *Client) RemoveFile(_ context.Context, mountPath, path string) error {
	return os.Remove(filepath.Join(mountPath, path))
}

// ExtractFile copies a file out of the mounted image to the host.
func (c *Client) ExtractFile(_ context.Context, mountPath, src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	return copyFile(filepath.Join(mountPath, src), dst)
}

// ListFiles lists paths under dir within the mounted image, relative
// to the mount root.
func (c *Client) ListFiles(_ context.Context, mountPath, dir string) ([]string, error) {
	root := filepath.Join(mountPath, dir)
	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(mountPath, path)
		if err != nil {
			return err
		}
		paths = append(paths, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return paths, nil
}

// GetInfo reports metadata for the image at index by parsing DISM
// image info output.
func (c *Client) GetInfo(ctx context.Context, imagePath string, index int) (*image.Info, error) {
	out, err := c.run(ctx, c.dismPath,
		"/Get-ImageInfo",
		"/ImageFile:"+imagePath,
		"/Index:"+strconv.Itoa(index),
	)
	if err = classify(out, err); err != nil {
		return nil, err
	}
	info := &image.Info{ImagePath: imagePath, Index: index}
	for _, line := range strings.Split(out, "\n") {
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		v = strings.TrimSpace(v)
		switch strings.TrimSpace(k) {
		case "Name":
			info.Name = v
		case "Edition":
			info.Edition = v
		case "Version":
			info.Version = v
		case "Size":
			// "Size : 14,942,045,695 bytes"
			v = strings.TrimSuffix(v, " bytes")
			v = strings.ReplaceAll(v, ",", "")
			if n, perr := strconv.ParseInt(v, 10, 64); perr == nil {
				info.SizeBytes = n
			}
		}
	}
	return info, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err = io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

var _ image.Handler = (*Client)(nil)

// errors surfaced by appliers on bad step configuration.
var ErrWrongConfig = errors.New("unexpected config type")
