package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/micromdm/nanolib/log"
	"github.com/winops/wimcmd/engine/storage"
	"github.com/winops/wimcmd/logkeys"
)

const DefaultDuration = time.Minute * 5
const DefaultStaleDuration = time.Minute * 30
const DefaultRetentionDuration = time.Hour * 24 * 30

// Worker polls the storage backend for batch hygiene on an interval:
// failing batches orphaned by a crash and purging old terminal
// batches past retention.
type Worker struct {
	storage storage.AllStorage
	logger  log.Logger

	// duration is the interval at which the worker will wake up to
	// continue polling the storage backend.
	duration time.Duration

	// staleDuration is how long a non-terminal batch may go without a
	// storage update before it is considered orphaned and failed.
	staleDuration time.Duration

	// retentionDuration is how long terminal batches are kept before
	// being purged. Zero disables purging.
	retentionDuration time.Duration
}

type WorkerOption func(w *Worker)

func WithWorkerLogger(logger log.Logger) WorkerOption {
	return func(w *Worker) {
		w.logger = logger
	}
}

// WithWorkerDuration configures the polling interval for the worker.
func WithWorkerDuration(d time.Duration) WorkerOption {
	return func(w *Worker) {
		w.duration = d
	}
}

// WithWorkerStaleDuration configures how long a batch record can sit
// without updates before it is failed as orphaned.
func WithWorkerStaleDuration(d time.Duration) WorkerOption {
	return func(w *Worker) {
		w.staleDuration = d
	}
}

// WithWorkerRetentionDuration configures how long finished batches are
// retained before purging.
func WithWorkerRetentionDuration(d time.Duration) WorkerOption {
	return func(w *Worker) {
		w.retentionDuration = d
	}
}

func NewWorker(storage storage.AllStorage, opts ...WorkerOption) *Worker {
	w := &Worker{
		storage:  storage,
		logger:   log.NopLogger,
		duration: DefaultDuration,

		staleDuration:     DefaultStaleDuration,
		retentionDuration: DefaultRetentionDuration,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// RunOnce runs the processes of the worker and logs errors.
func (w *Worker) RunOnce(ctx context.Context) error {
	if err := w.processStale(ctx); err != nil {
		return logAndError(err, w.logger, "processing stale batches")
	}
	if w.retentionDuration > 0 {
		if err := w.processPurge(ctx); err != nil {
			return logAndError(err, w.logger, "processing purge")
		}
	}
	return nil
}

// Run starts and runs the worker forever on an interval.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Debug(logkeys.Message, "starting worker", "duration", w.duration)

	ticker := time.NewTicker(w.duration)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.RunOnce(ctx)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// processStale fails non-terminal batches whose records have not been
// updated within the stale horizon. Their engine is gone; nothing will
// finish them.
func (w *Worker) processStale(ctx context.Context) error {
	ops, err := w.storage.RetrieveStaleBatchOperations(ctx, time.Now().Add(-w.staleDuration))
	if err != nil {
		return fmt.Errorf("retrieving stale batches: %w", err)
	}
	for _, op := range ops {
		logger := w.logger.With(logkeys.BatchID, op.ID)
		for _, t := range op.Targets {
			if !t.Status.Terminal() {
				t.Status = storage.TargetCancelled
			}
		}
		op.Summarize()
		op.Status = storage.BatchFailed
		op.Updated = time.Now()
		op.Finished = op.Updated
		if err = w.storage.UpdateBatchOperation(ctx, op); err != nil {
			logger.Info(logkeys.Message, "failing stale batch", logkeys.Error, err)
			continue
		}
		logger.Info(
			logkeys.Message, "failed stale batch",
			logkeys.Status, string(op.Status),
		)
	}
	if len(ops) > 0 {
		w.logger.Debug(
			logkeys.Message, "processed stale batches",
			logkeys.GenericCount, len(ops),
		)
	}
	return nil
}

// processPurge deletes terminal batches past the retention horizon.
func (w *Worker) processPurge(ctx context.Context) error {
	n, err := w.storage.PurgeBatchOperations(ctx, time.Now().Add(-w.retentionDuration))
	if err != nil {
		return fmt.Errorf("purging batches: %w", err)
	}
	if n > 0 {
		w.logger.Debug(
			logkeys.Message, "purged batches",
			logkeys.GenericCount, n,
		)
	}
	return nil
}

func logAndError(err error, logger log.Logger, msg string) error {
	logger.Info(
		logkeys.Message, msg,
		logkeys.Error, err,
	)
	return fmt.Errorf("%s: %w", msg, err)
}
