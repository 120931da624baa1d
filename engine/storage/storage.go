// Package storage defines types and primitives for batch operation and
// workflow definition storage backends.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/winops/wimcmd/workflow"
)

var (
	// ErrEmptyBatchOperation is returned when validating a nil batch operation.
	ErrEmptyBatchOperation = errors.New("empty batch operation")

	ErrMissingBatchID   = errors.New("missing batch id")
	ErrMissingTargets   = errors.New("missing target images")
	ErrMissingOperation = errors.New("missing workflow or operation")

	// ErrNotFound is returned when a batch operation or workflow
	// definition is not in storage.
	ErrNotFound = errors.New("not found")
)

// BatchStatus is the batch operation state machine. A batch is
// terminal once Completed, CompletedWithErrors, Failed, or Cancelled.
type BatchStatus string

const (
	BatchPending             BatchStatus = "Pending"
	BatchRunning             BatchStatus = "Running"
	BatchCompleted           BatchStatus = "Completed"
	BatchCompletedWithErrors BatchStatus = "CompletedWithErrors"
	BatchFailed              BatchStatus = "Failed"
	BatchCancelled           BatchStatus = "Cancelled"
)

// Terminal reports whether s is a terminal batch status.
func (s BatchStatus) Terminal() bool {
	switch s {
	case BatchCompleted, BatchCompletedWithErrors, BatchFailed, BatchCancelled:
		return true
	}
	return false
}

// TargetStatus is the per-image state machine.
type TargetStatus string

const (
	TargetPending   TargetStatus = "Pending"
	TargetQueued    TargetStatus = "Queued"
	TargetRunning   TargetStatus = "Running"
	TargetCompleted TargetStatus = "Completed"
	TargetFailed    TargetStatus = "Failed"
	TargetSkipped   TargetStatus = "Skipped"
	TargetCancelled TargetStatus = "Cancelled"
)

// Terminal reports whether s is a terminal target status.
func (s TargetStatus) Terminal() bool {
	switch s {
	case TargetCompleted, TargetFailed, TargetSkipped, TargetCancelled:
		return true
	}
	return false
}

// BatchTargetImage is one (batch, image) pair. Owned exclusively by
// the worker processing it; the coordinator owns all records between
// worker runs.
type BatchTargetImage struct {
	ImagePath string       `json:"image_path"`
	Index     int          `json:"index,omitempty"` // image index within the file
	MountPath string       `json:"mount_path,omitempty"`
	Status    TargetStatus `json:"status"`
	Progress  int          `json:"progress"` // percent of steps finished
	Started   time.Time    `json:"started,omitempty"`
	Finished  time.Time    `json:"finished,omitempty"`
	Error     string       `json:"error,omitempty"`
	ErrorCode string       `json:"error_code,omitempty"`
}

// Duration returns the target's wall-clock run time, or zero if it
// never ran to a terminal state.
func (t *BatchTargetImage) Duration() time.Duration {
	if t.Started.IsZero() || t.Finished.IsZero() {
		return 0
	}
	return t.Finished.Sub(t.Started)
}

// BatchSummary aggregates per-image outcomes. The four outcome counts
// always sum to TotalImages once the batch is terminal; partial
// success is representable and never coerced into a single boolean.
type BatchSummary struct {
	TotalImages      int           `json:"total_images"`
	SuccessfulImages int           `json:"successful_images"`
	FailedImages     int           `json:"failed_images"`
	SkippedImages    int           `json:"skipped_images"`
	CancelledImages  int           `json:"cancelled_images"`
	SuccessRate      float64       `json:"success_rate"`
	AverageDuration  time.Duration `json:"average_duration"`
}

// BatchOperation is one request to apply a workflow (or a single
// operation) across multiple target images. Created once per
// submission; mutated only by the coordinator.
type BatchOperation struct {
	ID              string               `json:"id"`
	Type            workflow.StepType    `json:"type,omitempty"` // set for single-operation batches
	Workflow        *workflow.Definition `json:"workflow,omitempty"`
	Operation       *workflow.Step       `json:"operation,omitempty"`
	Status          BatchStatus          `json:"status"`
	Targets         []*BatchTargetImage  `json:"targets"`
	MaxParallel     int                  `json:"max_parallel"`
	ContinueOnError bool                 `json:"continue_on_error"`
	Priority        int                  `json:"priority,omitempty"`
	Summary         *BatchSummary        `json:"summary,omitempty"`
	Created         time.Time            `json:"created"`
	Updated         time.Time            `json:"updated"`
	Started         time.Time            `json:"started,omitempty"`
	Finished        time.Time            `json:"finished,omitempty"`
}

// Validate checks a batch operation for required values.
func (op *BatchOperation) Validate() error {
	if op == nil {
		return ErrEmptyBatchOperation
	}
	if op.ID == "" {
		return ErrMissingBatchID
	}
	if len(op.Targets) < 1 {
		return ErrMissingTargets
	}
	if op.Workflow == nil && op.Operation == nil {
		return ErrMissingOperation
	}
	if op.Workflow != nil && op.Operation != nil {
		return fmt.Errorf("%w: both workflow and operation set", ErrMissingOperation)
	}
	return nil
}

// Definition returns the workflow to execute: the referenced
// definition, or the single operation wrapped into one.
func (op *BatchOperation) Definition() *workflow.Definition {
	if op.Workflow != nil {
		return op.Workflow
	}
	if op.Operation != nil {
		return workflow.SingleStep(op.Operation)
	}
	return nil
}

// Summarize recomputes the batch summary from the per-target statuses.
// The outcome counts sum to TotalImages when every target is terminal.
func (op *BatchOperation) Summarize() *BatchSummary {
	s := &BatchSummary{TotalImages: len(op.Targets)}
	var total time.Duration
	var timed int
	for _, t := range op.Targets {
		switch t.Status {
		case TargetCompleted:
			s.SuccessfulImages++
		case TargetFailed:
			s.FailedImages++
		case TargetSkipped:
			s.SkippedImages++
		case TargetCancelled:
			s.CancelledImages++
		}
		if d := t.Duration(); d > 0 {
			total += d
			timed++
		}
	}
	if s.TotalImages > 0 {
		s.SuccessRate = float64(s.SuccessfulImages) / float64(s.TotalImages) * 100
	}
	if timed > 0 {
		s.AverageDuration = total / time.Duration(timed)
	}
	op.Summary = s
	return s
}

// BatchQuery filters and pages batch operation listings. Zero values
// mean "no filter". Results are ordered newest-first by creation time.
type BatchQuery struct {
	Status        BatchStatus       `json:"status,omitempty"`
	Type          workflow.StepType `json:"type,omitempty"`
	CreatedBefore time.Time         `json:"created_before,omitempty"`
	CreatedAfter  time.Time         `json:"created_after,omitempty"`
	Offset        int               `json:"offset,omitempty"`
	Limit         int               `json:"limit,omitempty"` // 0 = no limit
}

// Match reports whether op passes the query's filters (paging is the
// backend's concern).
func (q *BatchQuery) Match(op *BatchOperation) bool {
	if q == nil {
		return true
	}
	if q.Status != "" && op.Status != q.Status {
		return false
	}
	if q.Type != "" && op.Type != q.Type {
		return false
	}
	if !q.CreatedBefore.IsZero() && !op.Created.Before(q.CreatedBefore) {
		return false
	}
	if !q.CreatedAfter.IsZero() && !op.Created.After(q.CreatedAfter) {
		return false
	}
	return true
}

// BatchStorage stores and queries batch operations.
type BatchStorage interface {
	// StoreBatchOperation stores a new batch operation.
	StoreBatchOperation(ctx context.Context, op *BatchOperation) error

	// UpdateBatchOperation overwrites a stored batch operation. The
	// coordinator checkpoints state transitions through this method.
	UpdateBatchOperation(ctx context.Context, op *BatchOperation) error

	// RetrieveBatchOperation returns a batch operation by ID.
	// ErrNotFound is returned for an unknown ID.
	RetrieveBatchOperation(ctx context.Context, id string) (*BatchOperation, error)

	// RetrieveBatchOperations returns batch operations matching q,
	// newest first, paged by q.Offset and q.Limit.
	RetrieveBatchOperations(ctx context.Context, q *BatchQuery) ([]*BatchOperation, error)

	// DeleteBatchOperation removes a batch operation by ID.
	DeleteBatchOperation(ctx context.Context, id string) error
}

// WorkflowStorage stores workflow definitions by ID.
type WorkflowStorage interface {
	// StoreWorkflowDefinition stores def keyed by def.ID.
	// Definitions are validated and compiled by the caller first.
	StoreWorkflowDefinition(ctx context.Context, def *workflow.Definition) error

	// RetrieveWorkflowDefinition returns the definition by ID.
	// ErrNotFound is returned for an unknown ID.
	RetrieveWorkflowDefinition(ctx context.Context, id string) (*workflow.Definition, error)

	// RetrieveWorkflowDefinitionIDs returns the stored definition IDs.
	RetrieveWorkflowDefinitionIDs(ctx context.Context) ([]string, error)

	// DeleteWorkflowDefinition removes the definition by ID.
	DeleteWorkflowDefinition(ctx context.Context, id string) error
}

// WorkerStorage is used by the engine worker for async janitorial actions.
type WorkerStorage interface {
	// RetrieveStaleBatchOperations returns non-terminal batch
	// operations not updated since the horizon. These are batches
	// orphaned by a crash: no coordinator is driving them.
	RetrieveStaleBatchOperations(ctx context.Context, horizon time.Time) ([]*BatchOperation, error)

	// PurgeBatchOperations deletes terminal batch operations finished
	// before the horizon and returns how many were deleted.
	PurgeBatchOperations(ctx context.Context, horizon time.Time) (int, error)
}

// Storage is the primary interface for engine storage backends.
type Storage interface {
	BatchStorage
	WorkflowStorage
}

// AllStorage is the full set of engine storage capabilities.
type AllStorage interface {
	Storage
	WorkerStorage
}
