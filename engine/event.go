package engine

import (
	"context"
	"time"

	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
	"github.com/winops/wimcmd/logkeys"
)

// EventType identifies a lifecycle notification.
type EventType string

const (
	EventBatchStarted   EventType = "BatchStarted"
	EventBatchCompleted EventType = "BatchCompleted"
	EventTargetStarted  EventType = "TargetStarted"
	EventTargetFinished EventType = "TargetFinished"
	EventStepTransition EventType = "StepTransition"
)

// Event describes a batch, target image, or step lifecycle transition.
type Event struct {
	Type      EventType `json:"type"`
	Time      time.Time `json:"time"`
	BatchID   string    `json:"batch_id"`
	ImagePath string    `json:"image_path,omitempty"`
	StepID    string    `json:"step_id,omitempty"`
	Status    string    `json:"status,omitempty"`
	Message   string    `json:"message,omitempty"`
}

// Sink receives lifecycle events. Delivery is best effort: a slow or
// failing sink must not stall batch execution, so sends happen on
// their own goroutine with a bounded context.
type Sink interface {
	Send(ctx context.Context, ev *Event) error
}

type nopSink struct{}

func (nopSink) Send(_ context.Context, _ *Event) error { return nil }

// LogSink writes events to a structured logger.
type LogSink struct {
	logger log.Logger
}

func NewLogSink(logger log.Logger) *LogSink {
	if logger == nil {
		panic("nil logger")
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Send(ctx context.Context, ev *Event) error {
	logs := []interface{}{
		logkeys.Message, "event",
		"event_type", string(ev.Type),
		logkeys.BatchID, ev.BatchID,
	}
	if ev.ImagePath != "" {
		logs = append(logs, logkeys.ImagePath, ev.ImagePath)
	}
	if ev.StepID != "" {
		logs = append(logs, logkeys.StepID, ev.StepID)
	}
	if ev.Status != "" {
		logs = append(logs, logkeys.Status, ev.Status)
	}
	ctxlog.Logger(ctx, s.logger).Debug(logs...)
	return nil
}

// emit dispatches ev to the configured sink without blocking the
// caller. Errors are logged and otherwise ignored.
func (e *Engine) emit(ev *Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.sink.Send(ctx, ev); err != nil {
			e.logger.Info(
				logkeys.Message, "send event",
				"event_type", string(ev.Type),
				logkeys.BatchID, ev.BatchID,
				logkeys.Error, err,
			)
		}
	}()
}
