package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
	"github.com/winops/wimcmd/image"
	"github.com/winops/wimcmd/logkeys"
	"github.com/winops/wimcmd/mount"
	"github.com/winops/wimcmd/workflow"
)

var (
	// ErrStepTimeout is returned when a step exceeds its configured
	// timeout for a single attempt.
	ErrStepTimeout = errors.New("step timeout")

	// ErrNoApplier is returned when no applier is registered for a
	// step type. This is a configuration error and is never retried.
	ErrNoApplier = errors.New("no applier for step type")

	// ErrNotMounted is returned when a step requires a mounted image
	// but no mount is held for the target.
	ErrNotMounted = errors.New("image not mounted")
)

// StepStatus is the terminal disposition of a single step execution.
type StepStatus string

const (
	StepCompleted StepStatus = "Completed"
	StepFailed    StepStatus = "Failed"
	StepSkipped   StepStatus = "Skipped"
)

// StepResult reports the outcome of executing one step against one
// target image.
type StepResult struct {
	Status  StepStatus
	Message string
	Output  *image.ApplyResult
	Err     error

	// HaltWorkflow is set when the step failed and was not marked
	// ContinueOnError. The remaining steps for this image must not run.
	HaltWorkflow bool
}

// StepEnv is the per-image execution environment threaded through a
// workflow run. Steps read variables and prior step results from it
// and record mount state on it.
type StepEnv struct {
	ImagePath  string
	Index      int
	Variables  map[string]string
	StepStatus map[string]string

	// Lease is the currently held mount for this image, or nil.
	Lease  *mount.Lease
	Mounts *mount.Manager

	// FileExists answers FileExists conditions. Nil means no file
	// is ever considered present.
	FileExists func(path string) bool
}

func (env *StepEnv) conditionEnv() *workflow.Env {
	return &workflow.Env{
		Variables:  env.Variables,
		StepStatus: env.StepStatus,
		FileExists: env.FileExists,
	}
}

// StepExecutor runs individual workflow steps: condition gating,
// per-attempt timeouts, retry of transient failures, and dispatch to
// the configured image appliers.
type StepExecutor struct {
	handlers Handlers
	policy   *Policy
	logger   log.Logger
}

func NewStepExecutor(handlers Handlers, policy *Policy, logger log.Logger) *StepExecutor {
	if policy == nil {
		policy = DefaultPolicy()
	}
	if logger == nil {
		logger = log.NopLogger
	}
	return &StepExecutor{handlers: handlers, policy: policy, logger: logger}
}

// Execute runs step against the image described by env and returns
// its result. Conditions are evaluated first: if any is false the
// step is skipped and no handler is invoked. A skipped step never
// halts the workflow.
func (x *StepExecutor) Execute(ctx context.Context, step *workflow.Step, env *StepEnv) *StepResult {
	logger := ctxlog.Logger(ctx, x.logger).With(
		logkeys.StepID, step.ID,
		logkeys.StepType, string(step.Type),
		logkeys.ImagePath, env.ImagePath,
	)

	for i := range step.Conditions {
		ok, err := step.Conditions[i].Evaluate(env.conditionEnv())
		if err != nil {
			return &StepResult{
				Status:       StepFailed,
				Message:      "condition: " + err.Error(),
				Err:          err,
				HaltWorkflow: !step.ContinueOnError,
			}
		}
		if !ok {
			logger.Debug(logkeys.Message, "step skipped", "condition", i)
			return &StepResult{Status: StepSkipped, Message: "condition not met"}
		}
	}

	var res *StepResult
	for attempt := 0; ; attempt++ {
		res = x.attempt(ctx, step, env)
		if res.Err == nil {
			break
		}
		delay, retry := x.policy.Decide(res.Err, attempt)
		if !retry {
			break
		}
		logger.Info(
			logkeys.Message, "retrying step",
			logkeys.Attempt, attempt+1,
			logkeys.Error, res.Err,
		)
		if err := sleep(ctx, delay); err != nil {
			break
		}
	}

	if res.Status == StepFailed {
		res.HaltWorkflow = !step.ContinueOnError
		logger.Info(
			logkeys.Message, "step failed",
			logkeys.Error, res.Err,
			"halt", res.HaltWorkflow,
		)
	} else {
		logger.Debug(logkeys.Message, "step "+string(res.Status))
	}
	return res
}

// attempt performs a single execution attempt with the step's timeout
// applied. Each attempt gets the full timeout budget.
func (x *StepExecutor) attempt(ctx context.Context, step *workflow.Step, env *StepEnv) *StepResult {
	if step.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(step.TimeoutSeconds)*time.Second)
		defer cancel()
	}
	res := x.dispatch(ctx, step, env)
	if res.Err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		res.Err = fmt.Errorf("%w after %ds: %v", ErrStepTimeout, step.TimeoutSeconds, res.Err)
		res.Message = res.Err.Error()
	}
	return res
}

func (x *StepExecutor) dispatch(ctx context.Context, step *workflow.Step, env *StepEnv) *StepResult {
	switch step.Type {
	case workflow.TypeMountImage:
		return x.mountStep(ctx, step, env)
	case workflow.TypeUnmountImage:
		return x.unmountStep(ctx, step, env)
	}
	return x.applyStep(ctx, step, env)
}

// mountStep acquires a mount for the target image. An already held
// mount is reported as success without touching the handler.
func (x *StepExecutor) mountStep(ctx context.Context, step *workflow.Step, env *StepEnv) *StepResult {
	if env.Lease != nil {
		return &StepResult{Status: StepCompleted, Message: "already mounted"}
	}
	cfg, ok := step.Config.(*workflow.MountImageConfig)
	if !ok {
		return failResult(workflow.ErrIncorrectConfigType)
	}
	index := cfg.Index
	if index < 1 {
		index = env.Index
	}
	lease, err := env.Mounts.Acquire(ctx, env.ImagePath, index)
	if err != nil {
		return failResult(err)
	}
	env.Lease = lease
	return &StepResult{Status: StepCompleted, Message: "mounted at " + lease.MountPath}
}

// unmountStep releases the held mount. Unmounting an image that is
// not mounted is a failure, not a no-op.
func (x *StepExecutor) unmountStep(ctx context.Context, step *workflow.Step, env *StepEnv) *StepResult {
	if env.Lease == nil {
		return failResult(ErrNotMounted)
	}
	cfg, ok := step.Config.(*workflow.UnmountImageConfig)
	if !ok {
		return failResult(workflow.ErrIncorrectConfigType)
	}
	outcome := mount.Discard
	if cfg.Commit {
		outcome = mount.Commit
	}
	err := env.Mounts.Release(ctx, env.Lease, outcome)
	env.Lease = nil
	if err != nil {
		return failResult(err)
	}
	return &StepResult{Status: StepCompleted, Message: "unmounted (" + outcome.String() + ")"}
}

func (x *StepExecutor) applyStep(ctx context.Context, step *workflow.Step, env *StepEnv) *StepResult {
	applier, ok := x.handlers.Appliers[step.Type]
	if !ok {
		return failResult(fmt.Errorf("%w: %s", ErrNoApplier, step.Type))
	}
	mountPath := ""
	if step.Type.RequiresMount() {
		if env.Lease == nil {
			return failResult(ErrNotMounted)
		}
		mountPath = env.Lease.MountPath
	}
	out, err := applier.Apply(ctx, mountPath, &image.ApplyRequest{
		ImagePath: env.ImagePath,
		Config:    step.Config,
	})
	if err != nil {
		res := failResult(err)
		res.Output = out
		return res
	}
	res := &StepResult{Status: StepCompleted, Output: out}
	if out != nil {
		res.Message = out.Message
	}
	return res
}

func failResult(err error) *StepResult {
	return &StepResult{Status: StepFailed, Message: err.Error(), Err: err}
}

// ErrorCode maps err onto the short code recorded on failed targets.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrStepTimeout):
		return "StepTimeout"
	case errors.Is(err, ErrNoApplier):
		return "NoApplier"
	case errors.Is(err, ErrNotMounted):
		return "NotMounted"
	case errors.Is(err, image.ErrBusy):
		return "ResourceBusy"
	case errors.Is(err, image.ErrNotFound):
		return "NotFound"
	case errors.Is(err, mount.ErrMountConflict):
		return "MountConflict"
	case errors.Is(err, mount.ErrMountFailure):
		return "MountFailure"
	case errors.Is(err, mount.ErrUnmountFailure):
		return "UnmountFailure"
	}
	return "StepFailure"
}

// sleep pauses for d or until ctx is cancelled.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
