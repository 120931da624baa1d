package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/winops/wimcmd/engine/storage"
	"github.com/winops/wimcmd/engine/storage/inmem"
	"github.com/winops/wimcmd/image"
	imagetest "github.com/winops/wimcmd/image/test"
	"github.com/winops/wimcmd/utils/uuid"
	"github.com/winops/wimcmd/workflow"
)

// collectSink gathers events for assertion after the batch finishes.
type collectSink struct {
	mu     sync.Mutex
	events []*Event
}

func (s *collectSink) Send(_ context.Context, ev *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *collectSink) countOf(t EventType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ev := range s.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func scriptWorkflow(id string) *workflow.Definition {
	return &workflow.Definition{
		ID: id,
		Steps: []workflow.Step{{
			ID:     "script",
			Type:   workflow.TypeCustomScript,
			Config: &workflow.CustomScriptConfig{Path: "noop.cmd"},
		}},
	}
}

func targets(paths ...string) []*storage.BatchTargetImage {
	ts := make([]*storage.BatchTargetImage, len(paths))
	for i, p := range paths {
		ts[i] = &storage.BatchTargetImage{ImagePath: p, Index: 1}
	}
	return ts
}

func newTestEngine(applier image.Applier, opts ...Option) (*Engine, storage.AllStorage, *imagetest.Handler) {
	store := inmem.New()
	h := imagetest.NewHandler()
	opts = append([]Option{
		WithIDer(uuid.NewStaticIDs()),
		WithRetryPolicy(&Policy{MaxRetryAttempts: 0}),
	}, opts...)
	e := New(store, Handlers{
		Image: h,
		Appliers: map[workflow.StepType]image.Applier{
			workflow.TypeCustomScript: applier,
		},
	}, opts...)
	return e, store, h
}

func TestBatchCompletes(t *testing.T) {
	ctx := context.Background()
	applier := &imagetest.Applier{}
	sink := new(collectSink)
	e, store, h := newTestEngine(applier, WithEventSink(sink))

	id, err := e.SubmitBatch(ctx, &storage.BatchOperation{
		Workflow:    scriptWorkflow("wf"),
		Targets:     targets(`C:\a.wim`, `C:\b.wim`, `C:\c.wim`),
		MaxParallel: 3,
	})
	if err != nil {
		t.Fatal(err)
	}
	e.Wait()

	op, err := store.RetrieveBatchOperation(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if op.Status != storage.BatchCompleted {
		t.Fatalf("batch status: got %s, want Completed", op.Status)
	}
	for _, tgt := range op.Targets {
		if tgt.Status != storage.TargetCompleted {
			t.Errorf("target %s: got %s", tgt.ImagePath, tgt.Status)
		}
		if tgt.Progress != 100 {
			t.Errorf("target %s progress: got %d", tgt.ImagePath, tgt.Progress)
		}
		if tgt.Finished.IsZero() {
			t.Errorf("target %s has no finish time", tgt.ImagePath)
		}
	}
	if op.Summary == nil {
		t.Fatal("no summary")
	}
	if op.Summary.SuccessfulImages != 3 || op.Summary.TotalImages != 3 {
		t.Errorf("summary: %+v", op.Summary)
	}
	if applier.Calls() != 3 {
		t.Errorf("applier calls: got %d, want 3", applier.Calls())
	}
	// every mount released
	if h.MountedCount() != 0 {
		t.Errorf("mounted after batch: got %d, want 0", h.MountedCount())
	}

	// events are async; give them a moment
	deadline := time.Now().Add(2 * time.Second)
	for sink.countOf(EventBatchCompleted) < 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if sink.countOf(EventBatchStarted) != 1 {
		t.Errorf("batch started events: got %d", sink.countOf(EventBatchStarted))
	}
	if sink.countOf(EventBatchCompleted) != 1 {
		t.Errorf("batch completed events: got %d", sink.countOf(EventBatchCompleted))
	}
	if sink.countOf(EventTargetFinished) != 3 {
		t.Errorf("target finished events: got %d", sink.countOf(EventTargetFinished))
	}
}

// boundApplier records the maximum number of concurrent Apply calls.
type boundApplier struct {
	cur int32
	max int32
}

func (a *boundApplier) Apply(_ context.Context, _ string, _ *image.ApplyRequest) (*image.ApplyResult, error) {
	cur := atomic.AddInt32(&a.cur, 1)
	for {
		max := atomic.LoadInt32(&a.max)
		if cur <= max || atomic.CompareAndSwapInt32(&a.max, max, cur) {
			break
		}
	}
	time.Sleep(20 * time.Millisecond)
	atomic.AddInt32(&a.cur, -1)
	return &image.ApplyResult{Message: "ok"}, nil
}

func TestBatchParallelismBound(t *testing.T) {
	ctx := context.Background()
	applier := new(boundApplier)
	e, store, _ := newTestEngine(applier)

	var paths []string
	for i := 0; i < 6; i++ {
		paths = append(paths, fmt.Sprintf(`C:\img%d.wim`, i))
	}
	id, err := e.SubmitBatch(ctx, &storage.BatchOperation{
		Workflow:    scriptWorkflow("wf"),
		Targets:     targets(paths...),
		MaxParallel: 2,
	})
	if err != nil {
		t.Fatal(err)
	}
	e.Wait()

	if got := atomic.LoadInt32(&applier.max); got > 2 {
		t.Errorf("concurrent applies: got %d, want at most 2", got)
	}
	op, err := store.RetrieveBatchOperation(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if op.Status != storage.BatchCompleted {
		t.Errorf("batch status: got %s", op.Status)
	}
}

// pathApplier fails for one image path and succeeds for the rest.
type pathApplier struct {
	failPath string
}

func (a *pathApplier) Apply(_ context.Context, _ string, req *image.ApplyRequest) (*image.ApplyResult, error) {
	if req.ImagePath == a.failPath {
		return nil, errors.New("tool failure")
	}
	return &image.ApplyResult{Message: "ok"}, nil
}

func TestBatchCompletedWithErrors(t *testing.T) {
	ctx := context.Background()
	e, store, h := newTestEngine(&pathApplier{failPath: `C:\bad.wim`})

	id, err := e.SubmitBatch(ctx, &storage.BatchOperation{
		Workflow:        scriptWorkflow("wf"),
		Targets:         targets(`C:\good.wim`, `C:\bad.wim`, `C:\fine.wim`),
		MaxParallel:     3,
		ContinueOnError: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	e.Wait()

	op, err := store.RetrieveBatchOperation(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if op.Status != storage.BatchCompletedWithErrors {
		t.Fatalf("batch status: got %s, want CompletedWithErrors", op.Status)
	}
	for _, tgt := range op.Targets {
		want := storage.TargetCompleted
		if tgt.ImagePath == `C:\bad.wim` {
			want = storage.TargetFailed
		}
		if tgt.Status != want {
			t.Errorf("target %s: got %s, want %s", tgt.ImagePath, tgt.Status, want)
		}
	}
	bad := op.Targets[1]
	if bad.Error == "" || bad.ErrorCode == "" {
		t.Errorf("failed target missing error info: %q %q", bad.Error, bad.ErrorCode)
	}

	s := op.Summary
	if s.SuccessfulImages != 2 || s.FailedImages != 1 {
		t.Errorf("summary: %+v", s)
	}
	if got := s.SuccessfulImages + s.FailedImages + s.SkippedImages + s.CancelledImages; got != s.TotalImages {
		t.Errorf("summary counts sum to %d, want %d", got, s.TotalImages)
	}
	if h.MountedCount() != 0 {
		t.Errorf("mounted after batch: got %d", h.MountedCount())
	}
}

func TestBatchFailFast(t *testing.T) {
	ctx := context.Background()
	applier := &imagetest.Applier{Err: errors.New("tool failure")}
	e, store, _ := newTestEngine(applier)

	id, err := e.SubmitBatch(ctx, &storage.BatchOperation{
		Workflow:    scriptWorkflow("wf"),
		Targets:     targets(`C:\first.wim`, `C:\second.wim`, `C:\third.wim`),
		MaxParallel: 1,
	})
	if err != nil {
		t.Fatal(err)
	}
	e.Wait()

	op, err := store.RetrieveBatchOperation(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if op.Status != storage.BatchFailed {
		t.Fatalf("batch status: got %s, want Failed", op.Status)
	}
	if op.Targets[0].Status != storage.TargetFailed {
		t.Errorf("first target: got %s", op.Targets[0].Status)
	}
	// dispatch stops after the first failure; at most the one image
	// already queued runs before the stop takes effect
	if calls := applier.Calls(); calls > 2 {
		t.Errorf("applier calls after failure: got %d, want at most 2", calls)
	}
	cancelled := 0
	for _, tgt := range op.Targets {
		if tgt.Status == storage.TargetCancelled {
			cancelled++
		}
	}
	if cancelled < 1 {
		t.Error("no targets cancelled after fail-fast stop")
	}
	if op.Summary.SuccessfulImages != 0 {
		t.Errorf("successful images: got %d, want 0", op.Summary.SuccessfulImages)
	}
}

func TestBatchSkipped(t *testing.T) {
	ctx := context.Background()
	applier := &imagetest.Applier{}
	e, store, _ := newTestEngine(applier)

	def := scriptWorkflow("wf")
	def.Steps[0].Conditions = []workflow.Condition{{
		Type:  workflow.ConditionVariable,
		Key:   "never",
		Op:    workflow.OpEquals,
		Value: "set",
	}}

	id, err := e.SubmitBatch(ctx, &storage.BatchOperation{
		Workflow:    def,
		Targets:     targets(`C:\a.wim`),
		MaxParallel: 1,
	})
	if err != nil {
		t.Fatal(err)
	}
	e.Wait()

	op, err := store.RetrieveBatchOperation(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if op.Targets[0].Status != storage.TargetSkipped {
		t.Errorf("target: got %s, want Skipped", op.Targets[0].Status)
	}
	if op.Status != storage.BatchCompleted {
		t.Errorf("batch status: got %s", op.Status)
	}
	if applier.Calls() != 0 {
		t.Errorf("applier called %d times for a skipped workflow", applier.Calls())
	}
}

func TestCancelBatch(t *testing.T) {
	ctx := context.Background()
	applier := &imagetest.Applier{Block: true}
	e, store, h := newTestEngine(applier)

	id, err := e.SubmitBatch(ctx, &storage.BatchOperation{
		Workflow:    scriptWorkflow("wf"),
		Targets:     targets(`C:\a.wim`, `C:\b.wim`, `C:\c.wim`),
		MaxParallel: 1,
	})
	if err != nil {
		t.Fatal(err)
	}

	// wait for the first apply to start
	deadline := time.Now().Add(2 * time.Second)
	for applier.Calls() < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if err = e.CancelBatch(ctx, id); err != nil {
		t.Fatal(err)
	}
	e.Wait()

	op, err := store.RetrieveBatchOperation(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if op.Status != storage.BatchCancelled {
		t.Fatalf("batch status: got %s, want Cancelled", op.Status)
	}
	// the in-flight image is cancelled, not failed
	for _, tgt := range op.Targets {
		if tgt.Status != storage.TargetCancelled {
			t.Errorf("target %s: got %s, want Cancelled", tgt.ImagePath, tgt.Status)
		}
		if tgt.Error != "" || tgt.ErrorCode != "" {
			t.Errorf("target %s: unexpected error %q (%s)", tgt.ImagePath, tgt.Error, tgt.ErrorCode)
		}
	}
	if op.Summary.CancelledImages != 3 || op.Summary.FailedImages != 0 {
		t.Errorf("summary: got %d cancelled / %d failed, want 3 / 0",
			op.Summary.CancelledImages, op.Summary.FailedImages)
	}
	if h.MountedCount() != 0 {
		t.Errorf("mounted after cancel: got %d", h.MountedCount())
	}

	// cancelling a finished batch
	if err = e.CancelBatch(ctx, id); !errors.Is(err, ErrBatchNotRunning) {
		t.Errorf("cancel finished: got %v, want ErrBatchNotRunning", err)
	}
	if err = e.CancelBatch(ctx, "no-such-id"); !errors.Is(err, ErrBatchNotFound) {
		t.Errorf("cancel missing: got %v, want ErrBatchNotFound", err)
	}
}

func TestSubmitBatchRejectsBadWorkflow(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(&imagetest.Applier{})

	// dependency cycle
	def := &workflow.Definition{
		ID: "cyclic",
		Steps: []workflow.Step{
			{ID: "a", Type: workflow.TypeCustomScript, Config: &workflow.CustomScriptConfig{Path: "x"}, DependsOn: []string{"b"}},
			{ID: "b", Type: workflow.TypeCustomScript, Config: &workflow.CustomScriptConfig{Path: "x"}, DependsOn: []string{"a"}},
		},
	}
	_, err := e.SubmitBatch(ctx, &storage.BatchOperation{
		Workflow:    def,
		Targets:     targets(`C:\a.wim`),
		MaxParallel: 1,
	})
	if !errors.Is(err, workflow.ErrDependencyCycle) {
		t.Errorf("got %v, want ErrDependencyCycle", err)
	}

	// no targets
	_, err = e.SubmitBatch(ctx, &storage.BatchOperation{
		Workflow:    scriptWorkflow("wf"),
		MaxParallel: 1,
	})
	if !errors.Is(err, storage.ErrMissingTargets) {
		t.Errorf("got %v, want ErrMissingTargets", err)
	}
}

func TestSingleOperationBatch(t *testing.T) {
	ctx := context.Background()
	applier := &imagetest.Applier{}
	e, store, _ := newTestEngine(applier)

	id, err := e.SubmitBatch(ctx, &storage.BatchOperation{
		Operation: &workflow.Step{
			ID:     "cleanup",
			Type:   workflow.TypeCustomScript,
			Config: &workflow.CustomScriptConfig{Path: "clean.cmd"},
		},
		Targets:     targets(`C:\a.wim`, `C:\b.wim`),
		MaxParallel: 2,
	})
	if err != nil {
		t.Fatal(err)
	}
	e.Wait()

	op, err := store.RetrieveBatchOperation(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if op.Status != storage.BatchCompleted {
		t.Fatalf("batch status: got %s", op.Status)
	}
	if applier.Calls() != 2 {
		t.Errorf("applier calls: got %d, want 2", applier.Calls())
	}
}
