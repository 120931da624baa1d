// Package test contains image collaborator fakes for engine and mount
// manager tests.
package test

import (
	"context"
	"sync"

	"github.com/winops/wimcmd/image"
)

// Handler is a fake image.Handler that records calls and returns
// configured errors.
type Handler struct {
	mu sync.Mutex

	MountErr   error
	UnmountErr error

	mounts   []string // image paths mounted, in order
	unmounts []string // mount paths unmounted, in order
	mounted  map[string]bool
}

func NewHandler() *Handler {
	return &Handler{mounted: make(map[string]bool)}
}

func (h *Handler) Mount(_ context.Context, imagePath string, index int, mountPath string) (*image.MountResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.MountErr != nil {
		return nil, h.MountErr
	}
	h.mounts = append(h.mounts, imagePath)
	h.mounted[mountPath] = true
	return &image.MountResult{ImagePath: imagePath, Index: index, MountPath: mountPath}, nil
}

func (h *Handler) Unmount(_ context.Context, mountPath string, commit bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unmounts = append(h.unmounts, mountPath)
	delete(h.mounted, mountPath)
	return h.UnmountErr
}

func (h *Handler) AddFile(context.Context, string, string, string) error     { return nil }
func (h *Handler) RemoveFile(context.Context, string, string) error          { return nil }
func (h *Handler) ExtractFile(context.Context, string, string, string) error { return nil }

func (h *Handler) ListFiles(context.Context, string, string) ([]string, error) {
	return nil, nil
}

func (h *Handler) GetInfo(_ context.Context, imagePath string, index int) (*image.Info, error) {
	return &image.Info{ImagePath: imagePath, Index: index, Name: "Test Image"}, nil
}

// Mounts returns the image paths mounted so far.
func (h *Handler) Mounts() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.mounts...)
}

// Unmounts returns the mount paths unmounted so far.
func (h *Handler) Unmounts() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.unmounts...)
}

// MountedCount returns the number of currently mounted paths.
func (h *Handler) MountedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.mounted)
}

// Applier is a fake image.Applier. Each Apply increments a counter,
// optionally blocks until ctx is done, and returns Err if set.
type Applier struct {
	mu    sync.Mutex
	calls int

	// Err is returned from Apply when set.
	Err error

	// Block makes Apply wait for ctx cancellation before returning
	// ctx.Err(). Used for timeout tests.
	Block bool

	// OnApply, if set, is called with the mount path before returning.
	OnApply func(mountPath string, req *image.ApplyRequest)
}

func (a *Applier) Apply(ctx context.Context, mountPath string, req *image.ApplyRequest) (*image.ApplyResult, error) {
	a.mu.Lock()
	a.calls++
	onApply := a.OnApply
	a.mu.Unlock()
	if onApply != nil {
		onApply(mountPath, req)
	}
	if a.Block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if a.Err != nil {
		return nil, a.Err
	}
	return &image.ApplyResult{Message: "ok"}, nil
}

// Calls returns the number of times Apply was invoked.
func (a *Applier) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}
