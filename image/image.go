// Package image defines the collaborator contracts the engine drives:
// mounting and unmounting image files and applying customization
// operations to a mounted image. Concrete implementations shell out to
// platform tooling; the engine treats their errors opaquely as step
// failures.
package image

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrBusy indicates the underlying tool reported the image or
	// mount point as in use. Busy errors are transient and candidates
	// for retry under the engine's policy.
	ErrBusy = errors.New("image resource busy")

	// ErrNotFound indicates the image file does not exist.
	ErrNotFound = errors.New("image not found")
)

// MountResult describes a successful mount.
type MountResult struct {
	ImagePath string
	Index     int
	MountPath string
	MountedAt time.Time
}

// Info is metadata reported for an image file.
type Info struct {
	ImagePath string `json:"image_path"`
	Index     int    `json:"index"`
	Name      string `json:"name"`
	Edition   string `json:"edition,omitempty"`
	Version   string `json:"version,omitempty"`
	SizeBytes int64  `json:"size_bytes,omitempty"`
}

// Handler mounts, unmounts, and inspects image files. All calls block
// until the underlying tool completes or ctx is cancelled.
type Handler interface {
	// Mount mounts the image at index to mountPath.
	Mount(ctx context.Context, imagePath string, index int, mountPath string) (*MountResult, error)

	// Unmount unmounts mountPath, committing or discarding changes.
	Unmount(ctx context.Context, mountPath string, commit bool) error

	// AddFile copies a file from the host into the mounted image.
	AddFile(ctx context.Context, mountPath, src, dst string) error

	// RemoveFile deletes a file within the mounted image.
	RemoveFile(ctx context.Context, mountPath, path string) error

	// ExtractFile copies a file out of the mounted image to the host.
	ExtractFile(ctx context.Context, mountPath, src, dst string) error

	// ListFiles lists paths under dir within the mounted image.
	ListFiles(ctx context.Context, mountPath, dir string) ([]string, error)

	// GetInfo reports metadata for the image at index.
	GetInfo(ctx context.Context, imagePath string, index int) (*Info, error)
}

// ApplyRequest carries one operation's typed configuration to an
// applier. Config is the step's typed payload (a workflow.StepConfig);
// appliers type-assert to the config they expect.
type ApplyRequest struct {
	ImagePath string
	Config    interface{}
}

// ApplyResult reports the per-item outcome of an operation.
type ApplyResult struct {
	SuccessfulItems []string `json:"successful_items,omitempty"`
	FailedItems     []string `json:"failed_items,omitempty"`
	Message         string   `json:"message,omitempty"`
}

// Applier applies one kind of customization operation to a mounted
// image. One applier exists per mount-dependent step type; media and
// answer-file appliers receive an empty mountPath.
type Applier interface {
	Apply(ctx context.Context, mountPath string, req *ApplyRequest) (*ApplyResult, error)
}
