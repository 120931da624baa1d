// Package test contains storage backend tests shared between the
// engine storage implementations.
package test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/winops/wimcmd/engine/storage"
	"github.com/winops/wimcmd/workflow"
)

func testDefinition(id string) *workflow.Definition {
	return &workflow.Definition{
		ID:   id,
		Name: "test workflow",
		Steps: []workflow.Step{
			{
				ID:     "mount",
				Type:   workflow.TypeMountImage,
				Config: &workflow.MountImageConfig{Index: 2},
			},
			{
				ID:        "drivers",
				Type:      workflow.TypeAddDrivers,
				Config:    &workflow.AddDriversConfig{DriverPaths: []string{`C:\drivers`}, Recurse: true},
				DependsOn: []string{"mount"},
			},
			{
				ID:        "unmount",
				Type:      workflow.TypeUnmountImage,
				Config:    &workflow.UnmountImageConfig{Commit: true},
				DependsOn: []string{"drivers"},
			},
		},
		Variables: map[string]string{"edition": "Pro"},
	}
}

func testBatch(id string) *storage.BatchOperation {
	now := time.Now()
	return &storage.BatchOperation{
		ID:          id,
		Workflow:    testDefinition("wf." + id),
		Status:      storage.BatchPending,
		MaxParallel: 2,
		Targets: []*storage.BatchTargetImage{
			{ImagePath: `C:\images\a.wim`, Index: 1, Status: storage.TargetPending},
			{ImagePath: `C:\images\b.wim`, Index: 1, Status: storage.TargetPending},
		},
		Created: now,
		Updated: now,
	}
}

// TestEngineStorage runs the storage test suite against the backend
// produced by newStorage.
func TestEngineStorage(t *testing.T, newStorage func() storage.AllStorage) {
	s := newStorage()

	t.Run("testBatchCRUD", func(t *testing.T) {
		testBatchCRUD(t, s)
	})

	t.Run("testBatchQuery", func(t *testing.T) {
		testBatchQuery(t, newStorage())
	})

	t.Run("testWorkflowCRUD", func(t *testing.T) {
		testWorkflowCRUD(t, s)
	})

	t.Run("testWorkerStorage", func(t *testing.T) {
		testWorkerStorage(t, newStorage())
	})
}

func testBatchCRUD(t *testing.T, s storage.AllStorage) {
	ctx := context.Background()

	op := testBatch("batch-crud-1")
	if err := s.StoreBatchOperation(ctx, op); err != nil {
		t.Fatal(err)
	}

	got, err := s.RetrieveBatchOperation(ctx, op.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != op.ID {
		t.Errorf("id: got %q, want %q", got.ID, op.ID)
	}
	if got.Status != storage.BatchPending {
		t.Errorf("status: got %q, want %q", got.Status, storage.BatchPending)
	}
	if len(got.Targets) != 2 {
		t.Fatalf("targets: got %d, want 2", len(got.Targets))
	}
	if got.Workflow == nil {
		t.Fatal("expected workflow definition")
	}
	if len(got.Workflow.Steps) != 3 {
		t.Fatalf("steps: got %d, want 3", len(got.Workflow.Steps))
	}

	// typed step config survives the storage round trip
	cfg, ok := got.Workflow.Steps[1].Config.(*workflow.AddDriversConfig)
	if !ok {
		t.Fatalf("step config: unexpected type %T", got.Workflow.Steps[1].Config)
	}
	if !cfg.Recurse || len(cfg.DriverPaths) != 1 {
		t.Error("driver config did not round trip")
	}

	got.Status = storage.BatchRunning
	got.Targets[0].Status = storage.TargetRunning
	got.Targets[0].Progress = 40
	if err = s.UpdateBatchOperation(ctx, got); err != nil {
		t.Fatal(err)
	}
	got, err = s.RetrieveBatchOperation(ctx, op.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != storage.BatchRunning {
		t.Errorf("status after update: got %q", got.Status)
	}
	if got.Targets[0].Progress != 40 {
		t.Errorf("progress after update: got %d", got.Targets[0].Progress)
	}

	if err = s.DeleteBatchOperation(ctx, op.ID); err != nil {
		t.Fatal(err)
	}
	if _, err = s.RetrieveBatchOperation(ctx, op.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("retrieve after delete: got %v, want ErrNotFound", err)
	}

	if _, err = s.RetrieveBatchOperation(ctx, "no-such-batch"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("retrieve missing: got %v, want ErrNotFound", err)
	}
	if err = s.UpdateBatchOperation(ctx, testBatch("never-stored")); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("update missing: got %v, want ErrNotFound", err)
	}
}

func testBatchQuery(t *testing.T, s storage.AllStorage) {
	ctx := context.Background()

	for _, id := range []string{"q1", "q2", "q3"} {
		op := testBatch(id)
		if err := s.StoreBatchOperation(ctx, op); err != nil {
			t.Fatal(err)
		}
	}
	done := testBatch("q4")
	done.Status = storage.BatchCompleted
	if err := s.StoreBatchOperation(ctx, done); err != nil {
		t.Fatal(err)
	}

	ops, err := s.RetrieveBatchOperations(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(ops) != 4 {
		t.Errorf("unfiltered: got %d, want 4", len(ops))
	}

	ops, err = s.RetrieveBatchOperations(ctx, &storage.BatchQuery{Status: storage.BatchPending})
	if err != nil {
		t.Fatal(err)
	}
	if len(ops) != 3 {
		t.Errorf("status filter: got %d, want 3", len(ops))
	}

	ops, err = s.RetrieveBatchOperations(ctx, &storage.BatchQuery{Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(ops) != 2 {
		t.Errorf("limit: got %d, want 2", len(ops))
	}

	ops, err = s.RetrieveBatchOperations(ctx, &storage.BatchQuery{Offset: 3})
	if err != nil {
		t.Fatal(err)
	}
	if len(ops) != 1 {
		t.Errorf("offset: got %d, want 1", len(ops))
	}

	ops, err = s.RetrieveBatchOperations(ctx, &storage.BatchQuery{CreatedBefore: time.Now().Add(-time.Hour)})
	if err != nil {
		t.Fatal(err)
	}
	if len(ops) != 0 {
		t.Errorf("created before: got %d, want 0", len(ops))
	}
}

func testWorkflowCRUD(t *testing.T, s storage.AllStorage) {
	ctx := context.Background()

	def := testDefinition("wf-crud-1")
	if err := s.StoreWorkflowDefinition(ctx, def); err != nil {
		t.Fatal(err)
	}

	got, err := s.RetrieveWorkflowDefinition(ctx, def.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != def.ID || len(got.Steps) != 3 {
		t.Errorf("definition did not round trip: %q, %d steps", got.ID, len(got.Steps))
	}
	if got.Variables["edition"] != "Pro" {
		t.Error("variables did not round trip")
	}

	ids, err := s.RetrieveWorkflowDefinitionIDs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, id := range ids {
		if id == def.ID {
			found = true
		}
	}
	if !found {
		t.Errorf("definition ID %q not listed in %v", def.ID, ids)
	}

	if err = s.DeleteWorkflowDefinition(ctx, def.ID); err != nil {
		t.Fatal(err)
	}
	if _, err = s.RetrieveWorkflowDefinition(ctx, def.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("retrieve after delete: got %v, want ErrNotFound", err)
	}
}

func testWorkerStorage(t *testing.T, s storage.AllStorage) {
	ctx := context.Background()

	stale := testBatch("stale-1")
	stale.Status = storage.BatchRunning
	stale.Updated = time.Now().Add(-2 * time.Hour)
	if err := s.StoreBatchOperation(ctx, stale); err != nil {
		t.Fatal(err)
	}

	fresh := testBatch("fresh-1")
	fresh.Status = storage.BatchRunning
	if err := s.StoreBatchOperation(ctx, fresh); err != nil {
		t.Fatal(err)
	}

	old := testBatch("old-done-1")
	old.Status = storage.BatchCompleted
	old.Finished = time.Now().Add(-48 * time.Hour)
	if err := s.StoreBatchOperation(ctx, old); err != nil {
		t.Fatal(err)
	}

	ops, err := s.RetrieveStaleBatchOperations(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(ops) != 1 || ops[0].ID != "stale-1" {
		ids := make([]string, len(ops))
		for i, op := range ops {
			ids[i] = op.ID
		}
		t.Errorf("stale batches: got %v, want [stale-1]", ids)
	}

	n, err := s.PurgeBatchOperations(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("purged: got %d, want 1", n)
	}
	if _, err = s.RetrieveBatchOperation(ctx, "old-done-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("retrieve purged batch: got %v, want ErrNotFound", err)
	}
	if _, err = s.RetrieveBatchOperation(ctx, "stale-1"); err != nil {
		t.Errorf("stale running batch should not be purged: %v", err)
	}
}
