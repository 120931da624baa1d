// Package logkeys defines some static logging keys for consistent structured logging output.
// Mostly exists as a mental aid when drafting log messages.
package logkeys

const (
	Message = "msg"
	Error   = "err"

	BatchID    = "batch_id"
	WorkflowID = "workflow_id"
	StepID     = "step_id"
	StepType   = "step_type"

	// a target image file path
	ImagePath = "image_path"
	MountPath = "mount_path"

	// in cases where we might need to log many image paths but only
	// want to log the first (to avoid massive lists in logs).
	FirstImagePath = "image_path_first"

	Wave    = "wave"
	Worker  = "worker"
	Status  = "status"
	Attempt = "attempt"

	// a context-dependent numerical count/length of something
	GenericCount = "count"
)
