// Package mount implements the mount lifecycle manager. It serializes
// mount access per image path so two workers never mount the same
// image concurrently (the underlying platform tool does not support
// it) while unrelated images proceed fully in parallel.
package mount

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"path/filepath"
	"sync"
	"time"

	"github.com/winops/wimcmd/image"
	"github.com/winops/wimcmd/logkeys"

	"github.com/micromdm/nanolib/log"
)

var (
	// ErrMountConflict is returned when waiting for a contended image
	// path is abandoned (context cancelled or deadline exceeded).
	ErrMountConflict = errors.New("mount conflict")

	// ErrMountFailure wraps an underlying mount tool failure. No lease
	// is held after this error.
	ErrMountFailure = errors.New("mount failure")

	// ErrUnmountFailure wraps an underlying unmount tool failure. The
	// lease record is removed regardless, but the image may be left in
	// an indeterminate (possibly still mounted) state requiring manual
	// recovery.
	ErrUnmountFailure = errors.New("unmount failure")

	// ErrNotHeld is returned when releasing a nil lease.
	ErrNotHeld = errors.New("lease not held")
)

// Outcome selects what happens to image changes on release.
type Outcome int

const (
	// Discard throws away changes made while mounted.
	Discard Outcome = iota

	// Commit writes changes back to the image file.
	Commit
)

func (o Outcome) String() string {
	if o == Commit {
		return "commit"
	}
	return "discard"
}

// Lease is exclusive ownership of one image's mount point by one
// worker. A lease is released exactly once; Release on an
// already-released lease is a no-op.
type Lease struct {
	ImagePath  string
	Index      int
	MountPath  string
	AcquiredAt time.Time

	released bool          // guarded by the manager mutex
	done     chan struct{} // closed once released
}

// Manager is the sole arbiter of mount lease acquisition and release.
// Safe for concurrent use by all workers; the lease table is the only
// shared mutable state.
type Manager struct {
	handler   image.Handler
	mountRoot string
	logger    log.Logger

	mu     sync.Mutex
	leases map[string]*Lease // keyed by image path
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(logger log.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithMountRoot sets the directory mount points are created under.
func WithMountRoot(root string) Option {
	return func(m *Manager) {
		m.mountRoot = root
	}
}

// New creates a new mount lifecycle manager driving handler.
func New(handler image.Handler, opts ...Option) *Manager {
	m := &Manager{
		handler:   handler,
		mountRoot: "mounts",
		logger:    log.NopLogger,
		leases:    make(map[string]*Lease),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Held reports whether a lease is currently outstanding for imagePath.
// This is a point-in-time query; use Acquire to take ownership.
func (m *Manager) Held(imagePath string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.leases[imagePath]
	return ok
}

// mountPathFor derives a stable per-image mount directory. The path
// hash disambiguates images that share a base name.
func (m *Manager) mountPathFor(imagePath string, index int) string {
	h := fnv.New32a()
	h.Write([]byte(imagePath))
	name := fmt.Sprintf("%s-%x-%d", filepath.Base(imagePath), h.Sum32(), index)
	return filepath.Join(m.mountRoot, name)
}

// Acquire takes the exclusive lease for imagePath and mounts the
// image. It blocks only while another worker holds a lease on the
// same image path, never on unrelated images. A cancelled context
// while waiting returns ErrMountConflict wrapping the context error.
func (m *Manager) Acquire(ctx context.Context, imagePath string, index int) (*Lease, error) {
	var lease *Lease
	for {
		m.mu.Lock()
		cur, ok := m.leases[imagePath]
		if !ok {
			lease = &Lease{
				ImagePath:  imagePath,
				Index:      index,
				MountPath:  m.mountPathFor(imagePath, index),
				AcquiredAt: time.Now(),
				done:       make(chan struct{}),
			}
			m.leases[imagePath] = lease
			m.mu.Unlock()
			break
		}
		wait := cur.done
		m.mu.Unlock()
		m.logger.Debug(
			logkeys.Message, "waiting for mount lease",
			logkeys.ImagePath, imagePath,
		)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %v", ErrMountConflict, imagePath, ctx.Err())
		case <-wait:
		}
	}

	if _, err := m.handler.Mount(ctx, imagePath, index, lease.MountPath); err != nil {
		m.drop(lease)
		return nil, fmt.Errorf("%w: %s: %v", ErrMountFailure, imagePath, err)
	}

	m.logger.Debug(
		logkeys.Message, "acquired mount lease",
		logkeys.ImagePath, imagePath,
		logkeys.MountPath, lease.MountPath,
	)
	return lease, nil
}

// Release unmounts and releases a lease. It is safe to call from any
// cleanup path: releasing an already-released or nil lease does
// nothing. The in-memory lease record is removed even if the
// underlying unmount fails; the failure is surfaced, never swallowed.
func (m *Manager) Release(ctx context.Context, lease *Lease, outcome Outcome) error {
	if lease == nil {
		return ErrNotHeld
	}
	m.mu.Lock()
	if lease.released {
		m.mu.Unlock()
		return nil
	}
	lease.released = true
	m.mu.Unlock()

	err := m.handler.Unmount(ctx, lease.MountPath, outcome == Commit)
	m.drop(lease)

	if err != nil {
		m.logger.Info(
			logkeys.Message, "releasing mount lease",
			logkeys.ImagePath, lease.ImagePath,
			logkeys.MountPath, lease.MountPath,
			logkeys.Error, err,
		)
		return fmt.Errorf("%w: %s: %v", ErrUnmountFailure, lease.ImagePath, err)
	}
	m.logger.Debug(
		logkeys.Message, "released mount lease",
		logkeys.ImagePath, lease.ImagePath,
		"outcome", outcome.String(),
	)
	return nil
}

// drop removes the lease record and wakes any waiters.
func (m *Manager) drop(lease *Lease) {
	m.mu.Lock()
	if m.leases[lease.ImagePath] == lease {
		delete(m.leases, lease.ImagePath)
	}
	close(lease.done)
	m.mu.Unlock()
}
