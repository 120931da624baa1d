package engine

import (
	"context"
	"testing"
	"time"

	"github.com/winops/wimcmd/engine/storage"
	"github.com/winops/wimcmd/engine/storage/inmem"
)

func storeBatch(t *testing.T, s storage.AllStorage, id string, status storage.BatchStatus, updated, finished time.Time) {
	t.Helper()
	op := &storage.BatchOperation{
		ID:          id,
		Workflow:    scriptWorkflow("wf"),
		Targets:     targets(`C:\a.wim`, `C:\b.wim`),
		MaxParallel: 1,
		Status:      status,
		Created:     updated,
		Updated:     updated,
		Finished:    finished,
	}
	if status == storage.BatchRunning {
		op.Targets[0].Status = storage.TargetRunning
		op.Targets[1].Status = storage.TargetPending
	}
	if err := s.StoreBatchOperation(context.Background(), op); err != nil {
		t.Fatal(err)
	}
}

func TestWorkerFailsStaleBatches(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()
	now := time.Now()

	storeBatch(t, store, "stale-1", storage.BatchRunning, now.Add(-2*time.Hour), time.Time{})
	storeBatch(t, store, "fresh-1", storage.BatchRunning, now, time.Time{})
	storeBatch(t, store, "done-1", storage.BatchCompleted, now, now)

	w := NewWorker(store,
		WithWorkerStaleDuration(30*time.Minute),
		WithWorkerRetentionDuration(0),
	)
	if err := w.RunOnce(ctx); err != nil {
		t.Fatal(err)
	}

	op, err := store.RetrieveBatchOperation(ctx, "stale-1")
	if err != nil {
		t.Fatal(err)
	}
	if op.Status != storage.BatchFailed {
		t.Errorf("stale batch status: got %s, want Failed", op.Status)
	}
	if op.Finished.IsZero() {
		t.Error("stale batch has no finish time")
	}
	for _, tgt := range op.Targets {
		if !tgt.Status.Terminal() {
			t.Errorf("target %s left non-terminal: %s", tgt.ImagePath, tgt.Status)
		}
	}
	if op.Summary == nil {
		t.Error("stale batch not summarized")
	} else if op.Summary.CancelledImages != 2 {
		t.Errorf("cancelled images: got %d, want 2", op.Summary.CancelledImages)
	}

	op, err = store.RetrieveBatchOperation(ctx, "fresh-1")
	if err != nil {
		t.Fatal(err)
	}
	if op.Status != storage.BatchRunning {
		t.Errorf("fresh batch status: got %s, want Running", op.Status)
	}
}

func TestWorkerPurgesOldBatches(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()
	now := time.Now()

	storeBatch(t, store, "old-done", storage.BatchCompleted, now.Add(-48*time.Hour), now.Add(-48*time.Hour))
	storeBatch(t, store, "recent-done", storage.BatchCompleted, now, now)
	storeBatch(t, store, "running", storage.BatchRunning, now, time.Time{})

	w := NewWorker(store,
		WithWorkerStaleDuration(72*time.Hour),
		WithWorkerRetentionDuration(24*time.Hour),
	)
	if err := w.RunOnce(ctx); err != nil {
		t.Fatal(err)
	}

	if _, err := store.RetrieveBatchOperation(ctx, "old-done"); err == nil {
		t.Error("old terminal batch not purged")
	}
	if _, err := store.RetrieveBatchOperation(ctx, "recent-done"); err != nil {
		t.Errorf("recent terminal batch purged: %v", err)
	}
	if _, err := store.RetrieveBatchOperation(ctx, "running"); err != nil {
		t.Errorf("running batch purged: %v", err)
	}
}
