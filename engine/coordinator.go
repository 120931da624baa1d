package engine

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/micromdm/nanolib/log"
	"github.com/winops/wimcmd/engine/storage"
	"github.com/winops/wimcmd/logkeys"
	"github.com/winops/wimcmd/mount"
	"github.com/winops/wimcmd/workflow"
)

// runState guards a running batch operation. Workers mutate their own
// target through it so that checkpoints never marshal the operation
// concurrently with a write.
type runState struct {
	mu    sync.Mutex
	op    *storage.BatchOperation
	store storage.Storage
}

// mutate applies f to the operation under the state lock.
func (rs *runState) mutate(f func()) {
	rs.mu.Lock()
	f()
	rs.op.Updated = time.Now()
	rs.mu.Unlock()
}

// checkpoint persists the current operation state. Persistence
// failures are logged and execution continues; the worker recovers
// batches whose records go stale.
func (rs *runState) checkpoint(ctx context.Context, logger log.Logger) {
	rs.mu.Lock()
	err := rs.store.UpdateBatchOperation(ctx, rs.op)
	rs.mu.Unlock()
	if err != nil {
		logger.Info(logkeys.Message, "checkpoint batch", logkeys.Error, err)
	}
}

// runBatch executes a compiled batch on a bounded worker pool. It is
// the only writer of the operation while the batch runs.
func (e *Engine) runBatch(ctx context.Context, op *storage.BatchOperation, plan *workflow.Plan) {
	logger := e.logger.With(logkeys.BatchID, op.ID)
	rs := &runState{op: op, store: e.store}

	rs.mutate(func() {
		op.Status = storage.BatchRunning
		op.Started = time.Now()
	})
	rs.checkpoint(ctx, logger)
	e.emit(&Event{Type: EventBatchStarted, BatchID: op.ID})
	logger.Info(
		logkeys.Message, "batch started",
		logkeys.GenericCount, len(op.Targets),
		logkeys.Wave, len(plan.Waves),
	)

	workers := op.MaxParallel
	if workers > len(op.Targets) {
		workers = len(op.Targets)
	}
	if workers < 1 {
		workers = 1
	}

	// stopDispatch halts handing out further images after a failure
	// when the batch is not ContinueOnError.
	var stopDispatch atomic.Bool
	idxCh := make(chan int)
	go func() {
		defer close(idxCh)
		for i := range op.Targets {
			if ctx.Err() != nil || stopDispatch.Load() {
				return
			}
			t := op.Targets[i]
			rs.mutate(func() { t.Status = storage.TargetQueued })
			select {
			case idxCh <- i:
			case <-ctx.Done():
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			wlog := logger.With(logkeys.Worker, strconv.Itoa(w))
			for i := range idxCh {
				t := op.Targets[i]
				if ctx.Err() != nil {
					rs.mutate(func() { t.Status = storage.TargetCancelled })
					continue
				}
				e.runTarget(ctx, rs, plan, t, wlog)
				rs.checkpoint(ctx, logger)
				if t.Status == storage.TargetFailed && !op.ContinueOnError {
					stopDispatch.Store(true)
				}
			}
		}(w)
	}
	wg.Wait()

	rs.mutate(func() {
		for _, t := range op.Targets {
			if !t.Status.Terminal() {
				t.Status = storage.TargetCancelled
			}
		}
		op.Summarize()
		op.Status = batchOutcome(ctx, op)
		op.Finished = time.Now()
	})
	rs.checkpoint(context.Background(), logger)
	e.emit(&Event{
		Type:    EventBatchCompleted,
		BatchID: op.ID,
		Status:  string(op.Status),
	})
	logger.Info(
		logkeys.Message, "batch finished",
		logkeys.Status, string(op.Status),
		"successful", op.Summary.SuccessfulImages,
		"failed", op.Summary.FailedImages,
	)
}

// batchOutcome maps the terminal target statuses onto the batch
// status. Cancellation wins; then all-success, no-success, and the
// mixed case in between.
func batchOutcome(ctx context.Context, op *storage.BatchOperation) storage.BatchStatus {
	s := op.Summary
	switch {
	case ctx.Err() != nil:
		return storage.BatchCancelled
	case s.FailedImages == 0 && s.CancelledImages == 0:
		return storage.BatchCompleted
	case s.SuccessfulImages == 0 && s.FailedImages > 0:
		return storage.BatchFailed
	}
	return storage.BatchCompletedWithErrors
}

// runTarget runs the full workflow for one target image: mount
// acquisition when the plan needs it, waves in order with steps
// sequential within the image, and exactly one release of any held
// mount on every exit path.
func (e *Engine) runTarget(ctx context.Context, rs *runState, plan *workflow.Plan, t *storage.BatchTargetImage, logger log.Logger) {
	logger = logger.With(logkeys.ImagePath, t.ImagePath)
	rs.mutate(func() {
		t.Status = storage.TargetRunning
		t.Started = time.Now()
		t.Progress = 0
	})
	e.emit(&Event{
		Type:      EventTargetStarted,
		BatchID:   rs.op.ID,
		ImagePath: t.ImagePath,
		Status:    string(storage.TargetRunning),
	})

	def := plan.Definition
	env := &StepEnv{
		ImagePath:  t.ImagePath,
		Index:      t.Index,
		Variables:  cloneVariables(def.Variables),
		StepStatus: make(map[string]string),
		Mounts:     e.mounts,
		FileExists: fileExists,
	}

	finish := func(status storage.TargetStatus, msg, code string) {
		rs.mutate(func() {
			t.Status = status
			t.Finished = time.Now()
			t.Error = msg
			t.ErrorCode = code
		})
		e.emit(&Event{
			Type:      EventTargetFinished,
			BatchID:   rs.op.ID,
			ImagePath: t.ImagePath,
			Status:    string(status),
			Message:   msg,
		})
		logger.Info(
			logkeys.Message, "target finished",
			logkeys.Status, string(status),
		)
	}

	if plan.RequiresMount() {
		lease, err := e.acquireMount(ctx, t.ImagePath, t.Index, logger)
		if err != nil {
			if ctx.Err() != nil {
				finish(storage.TargetCancelled, "", "")
				return
			}
			finish(storage.TargetFailed, err.Error(), ErrorCode(err))
			return
		}
		env.Lease = lease
		rs.mutate(func() { t.MountPath = lease.MountPath })
	}
	// Released exactly once even when a step panics, unless an
	// unmount step already gave it back.
	failed := false
	defer func() {
		if env.Lease == nil {
			return
		}
		outcome := mount.Discard
		if !failed && ctx.Err() == nil {
			outcome = mount.Commit
		}
		if err := e.mounts.Release(context.Background(), env.Lease, outcome); err != nil {
			logger.Info(logkeys.Message, "release mount", logkeys.Error, err)
			rs.mutate(func() {
				if t.Error == "" {
					t.Error = err.Error()
					t.ErrorCode = ErrorCode(err)
				}
			})
		}
		env.Lease = nil
	}()

	total := plan.StepCount()
	done := 0
	skipped := 0
	var tolerated string
	for _, wave := range plan.Waves {
		for _, step := range wave {
			if ctx.Err() != nil {
				failed = true
				finish(storage.TargetCancelled, "", "")
				return
			}
			res := e.executor.Execute(ctx, step, env)
			env.StepStatus[step.ID] = string(res.Status)
			done++
			rs.mutate(func() { t.Progress = done * 100 / total })
			e.emit(&Event{
				Type:      EventStepTransition,
				BatchID:   rs.op.ID,
				ImagePath: t.ImagePath,
				StepID:    step.ID,
				Status:    string(res.Status),
				Message:   res.Message,
			})
			switch res.Status {
			case StepSkipped:
				skipped++
			case StepFailed:
				if res.HaltWorkflow {
					failed = true
					// a batch cancel arriving mid-step surfaces as a
					// step failure; record it as cancellation, not an
					// image failure
					if ctx.Err() != nil {
						finish(storage.TargetCancelled, "", "")
						return
					}
					finish(storage.TargetFailed, res.Message, ErrorCode(res.Err))
					return
				}
				tolerated = res.Message
			}
		}
	}

	if skipped == total {
		finish(storage.TargetSkipped, "", "")
		return
	}
	finish(storage.TargetCompleted, tolerated, "")
}

// acquireMount acquires the mount for a target image, retrying
// transient conflicts per the engine policy.
func (e *Engine) acquireMount(ctx context.Context, imagePath string, index int, logger log.Logger) (*mount.Lease, error) {
	for attempt := 0; ; attempt++ {
		lease, err := e.mounts.Acquire(ctx, imagePath, index)
		if err == nil {
			return lease, nil
		}
		delay, retry := e.policy.Decide(err, attempt)
		if !retry {
			return nil, err
		}
		logger.Info(
			logkeys.Message, "retrying mount",
			logkeys.Attempt, attempt+1,
			logkeys.Error, err,
		)
		if serr := sleep(ctx, delay); serr != nil {
			return nil, err
		}
	}
}

func cloneVariables(vars map[string]string) map[string]string {
	out := make(map[string]string, len(vars))
	for k, v := range vars {
		out[k] = v
	}
	return out
}
