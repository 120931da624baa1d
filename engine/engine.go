// Package engine orchestrates batch image customization: workflow
// compilation, bounded parallel execution across target images, mount
// lifecycle, retry policy, and lifecycle events.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
	"github.com/winops/wimcmd/engine/storage"
	"github.com/winops/wimcmd/image"
	"github.com/winops/wimcmd/logkeys"
	"github.com/winops/wimcmd/mount"
	"github.com/winops/wimcmd/utils/uuid"
	"github.com/winops/wimcmd/workflow"
)

var (
	// ErrBatchNotFound is returned when a batch ID is unknown.
	ErrBatchNotFound = errors.New("batch not found")

	// ErrBatchNotRunning is returned when cancelling a batch that has
	// already reached a terminal status.
	ErrBatchNotRunning = errors.New("batch not running")
)

// Handlers bundles the image tooling a batch executes against.
type Handlers struct {
	// Image performs mount, unmount, and file operations.
	Image image.Handler

	// Appliers dispatch customization step types to their
	// implementations. Mount and unmount steps are handled by the
	// engine itself and need no applier.
	Appliers map[workflow.StepType]image.Applier
}

// Engine accepts batch operations, compiles their workflows, and runs
// them on a bounded worker pool per batch.
type Engine struct {
	store    storage.Storage
	handlers Handlers
	mounts   *mount.Manager
	executor *StepExecutor
	policy   *Policy
	sink     Sink
	logger   log.Logger
	ider     uuid.IDer

	mu      sync.Mutex
	running map[string]context.CancelFunc
	wg      sync.WaitGroup
}

type Option func(*Engine)

func WithLogger(logger log.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithEventSink sets the sink receiving lifecycle events.
func WithEventSink(sink Sink) Option {
	return func(e *Engine) {
		e.sink = sink
	}
}

// WithRetryPolicy sets the retry policy for transient step and mount
// failures.
func WithRetryPolicy(p *Policy) Option {
	return func(e *Engine) {
		e.policy = p
	}
}

// WithMountManager sets the mount manager. Without this option the
// engine creates one over the configured image handler.
func WithMountManager(m *mount.Manager) Option {
	return func(e *Engine) {
		e.mounts = m
	}
}

// WithIDer sets the batch ID generator.
func WithIDer(ider uuid.IDer) Option {
	return func(e *Engine) {
		e.ider = ider
	}
}

// New creates a new batch engine using store for persistence and
// handlers for image operations.
func New(store storage.Storage, handlers Handlers, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		handlers: handlers,
		logger:   log.NopLogger,
		sink:     nopSink{},
		policy:   DefaultPolicy(),
		ider:     uuid.NewUUID(),
		running:  make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("service", "engine")
	if e.mounts == nil {
		e.mounts = mount.New(handlers.Image, mount.WithLogger(e.logger))
	}
	e.executor = NewStepExecutor(handlers, e.policy, e.logger)
	return e
}

// SubmitBatch validates op, compiles its workflow, persists it, and
// starts it running in the background. The returned ID identifies the
// batch for status queries and cancellation. Compilation errors,
// including dependency cycles, reject the batch before anything runs.
func (e *Engine) SubmitBatch(ctx context.Context, op *storage.BatchOperation) (string, error) {
	if op == nil {
		return "", storage.ErrEmptyBatchOperation
	}
	if op.ID == "" {
		op.ID = e.ider.ID()
	}
	if op.MaxParallel < 1 {
		op.MaxParallel = 1
	}
	if err := op.Validate(); err != nil {
		return "", fmt.Errorf("validating batch: %w", err)
	}
	if op.Operation != nil {
		op.Type = op.Operation.Type
	}
	plan, err := workflow.Compile(op.Definition())
	if err != nil {
		return "", fmt.Errorf("compiling workflow: %w", err)
	}

	now := time.Now()
	op.Status = storage.BatchPending
	op.Created = now
	op.Updated = now
	for _, t := range op.Targets {
		t.Status = storage.TargetPending
	}
	if err := e.store.StoreBatchOperation(ctx, op); err != nil {
		return "", fmt.Errorf("storing batch: %w", err)
	}

	ctxlog.Logger(ctx, e.logger).Debug(
		logkeys.Message, "batch submitted",
		logkeys.BatchID, op.ID,
		logkeys.GenericCount, len(op.Targets),
	)

	// The batch outlives the submitting request.
	runCtx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.running[op.ID] = cancel
	e.mu.Unlock()
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.unregister(op.ID)
		e.runBatch(runCtx, op, plan)
	}()
	return op.ID, nil
}

// CancelBatch requests cancellation of a running batch. In-flight
// images finish their current step; images not yet dispatched are
// marked cancelled.
func (e *Engine) CancelBatch(ctx context.Context, id string) error {
	e.mu.Lock()
	cancel, ok := e.running[id]
	e.mu.Unlock()
	if ok {
		cancel()
		return nil
	}
	if _, err := e.store.RetrieveBatchOperation(ctx, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrBatchNotFound, id)
		}
		return err
	}
	return fmt.Errorf("%w: %s", ErrBatchNotRunning, id)
}

// Wait blocks until all running batches have finished. Intended for
// shutdown and tests.
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) unregister(id string) {
	e.mu.Lock()
	if cancel, ok := e.running[id]; ok {
		cancel()
		delete(e.running, id)
	}
	e.mu.Unlock()
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
