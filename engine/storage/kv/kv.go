// Package kv implements an engine storage backend using a key-value interface.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/winops/wimcmd/engine/storage"
	"github.com/winops/wimcmd/workflow"

	"github.com/micromdm/nanolib/storage/kv"
)

const (
	// batch bucket
	keySfxBatchOp     = ".op"     // marshalled batch operation document
	keySfxBatchStatus = ".status" // batch status (for scans without unmarshalling)
	keySfxBatchUpd    = ".upd"    // last update time
	keySfxBatchFin    = ".fin"    // finish time (empty until terminal)

	// workflow definition bucket
	keySfxWfDef = ".def" // marshalled definition
)

// KV is an engine storage backend using a key-value interface.
type KV struct {
	mu      sync.RWMutex
	batches kv.KeysPrefixTraversingBucket
	wfs     kv.KeysPrefixTraversingBucket
}

// New creates a new key-value engine storage backend.
func New(batches kv.KeysPrefixTraversingBucket, wfs kv.KeysPrefixTraversingBucket) *KV {
	return &KV{batches: batches, wfs: wfs}
}

func batchKeys(op *storage.BatchOperation) (map[string][]byte, error) {
	raw, err := json.Marshal(op)
	if err != nil {
		return nil, fmt.Errorf("marshalling batch operation: %w", err)
	}
	var fin []byte
	if !op.Finished.IsZero() {
		fin = []byte(op.Finished.Format(time.RFC3339Nano))
	}
	return map[string][]byte{
		op.ID + keySfxBatchOp:     raw,
		op.ID + keySfxBatchStatus: []byte(op.Status),
		op.ID + keySfxBatchUpd:    []byte(op.Updated.Format(time.RFC3339Nano)),
		op.ID + keySfxBatchFin:    fin,
	}, nil
}

// StoreBatchOperation implements the storage interface method.
func (s *KV) StoreBatchOperation(ctx context.Context, op *storage.BatchOperation) error {
	if err := op.Validate(); err != nil {
		return fmt.Errorf("validating batch operation: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := batchKeys(op)
	if err != nil {
		return err
	}
	return kv.SetMap(ctx, s.batches, m)
}

// UpdateBatchOperation implements the storage interface method.
func (s *KV) UpdateBatchOperation(ctx context.Context, op *storage.BatchOperation) error {
	if err := op.Validate(); err != nil {
		return fmt.Errorf("validating batch operation: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if ok, err := s.batches.Has(ctx, op.ID+keySfxBatchOp); err != nil {
		return fmt.Errorf("checking batch %s: %w", op.ID, err)
	} else if !ok {
		return fmt.Errorf("%w: batch %s", storage.ErrNotFound, op.ID)
	}
	m, err := batchKeys(op)
	if err != nil {
		return err
	}
	return kv.SetMap(ctx, s.batches, m)
}

func (s *KV) getBatch(ctx context.Context, id string) (*storage.BatchOperation, error) {
	raw, err := s.batches.Get(ctx, id+keySfxBatchOp)
	if errors.Is(err, kv.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: batch %s", storage.ErrNotFound, id)
	} else if err != nil {
		return nil, fmt.Errorf("getting batch %s: %w", id, err)
	}
	op := new(storage.BatchOperation)
	if err = json.Unmarshal(raw, op); err != nil {
		return nil, fmt.Errorf("unmarshalling batch %s: %w", id, err)
	}
	return op, nil
}

// RetrieveBatchOperation implements the storage interface method.
func (s *KV) RetrieveBatchOperation(ctx context.Context, id string) (*storage.BatchOperation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getBatch(ctx, id)
}

// batchIDs returns the IDs of all stored batch operations.
func (s *KV) batchIDs(ctx context.Context) (ids []string) {
	for k := range s.batches.KeysPrefix(ctx, "", nil) {
		if len(k) > len(keySfxBatchOp) && k[len(k)-len(keySfxBatchOp):] == keySfxBatchOp {
			ids = append(ids, k[:len(k)-len(keySfxBatchOp)])
		}
	}
	return
}

// RetrieveBatchOperations implements the storage interface method.
func (s *KV) RetrieveBatchOperations(ctx context.Context, q *storage.BatchQuery) ([]*storage.BatchOperation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ops []*storage.BatchOperation
	for _, id := range s.batchIDs(ctx) {
		op, err := s.getBatch(ctx, id)
		if err != nil {
			return ops, err
		}
		if q.Match(op) {
			ops = append(ops, op)
		}
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i].Created.After(ops[j].Created) })
	return page(ops, q), nil
}

// page applies offset/limit to an already-filtered, sorted result.
func page(ops []*storage.BatchOperation, q *storage.BatchQuery) []*storage.BatchOperation {
	if q == nil {
		return ops
	}
	if q.Offset > 0 {
		if q.Offset >= len(ops) {
			return nil
		}
		ops = ops[q.Offset:]
	}
	if q.Limit > 0 && q.Limit < len(ops) {
		ops = ops[:q.Limit]
	}
	return ops
}

// DeleteBatchOperation implements the storage interface method.
func (s *KV) DeleteBatchOperation(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return kv.DeleteSlice(ctx, s.batches, []string{
		id + keySfxBatchOp,
		id + keySfxBatchStatus,
		id + keySfxBatchUpd,
		id + keySfxBatchFin,
	})
}

// StoreWorkflowDefinition implements the storage interface method.
func (s *KV) StoreWorkflowDefinition(ctx context.Context, def *workflow.Definition) error {
	if err := def.Validate(); err != nil {
		return fmt.Errorf("validating workflow definition: %w", err)
	}
	raw, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshalling workflow definition: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wfs.Set(ctx, def.ID+keySfxWfDef, raw)
}

// RetrieveWorkflowDefinition implements the storage interface method.
func (s *KV) RetrieveWorkflowDefinition(ctx context.Context, id string) (*workflow.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	raw, err := s.wfs.Get(ctx, id+keySfxWfDef)
	if errors.Is(err, kv.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: workflow %s", storage.ErrNotFound, id)
	} else if err != nil {
		return nil, fmt.Errorf("getting workflow %s: %w", id, err)
	}
	def := new(workflow.Definition)
	if err = json.Unmarshal(raw, def); err != nil {
		return nil, fmt.Errorf("unmarshalling workflow %s: %w", id, err)
	}
	return def, nil
}

// RetrieveWorkflowDefinitionIDs implements the storage interface method.
func (s *KV) RetrieveWorkflowDefinitionIDs(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for k := range s.wfs.KeysPrefix(ctx, "", nil) {
		if len(k) > len(keySfxWfDef) && k[len(k)-len(keySfxWfDef):] == keySfxWfDef {
			ids = append(ids, k[:len(k)-len(keySfxWfDef)])
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// DeleteWorkflowDefinition implements the storage interface method.
func (s *KV) DeleteWorkflowDefinition(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wfs.Delete(ctx, id+keySfxWfDef)
}

// RetrieveStaleBatchOperations implements the worker storage interface method.
func (s *KV) RetrieveStaleBatchOperations(ctx context.Context, horizon time.Time) ([]*storage.BatchOperation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var stale []*storage.BatchOperation
	for _, id := range s.batchIDs(ctx) {
		status, err := s.batches.Get(ctx, id+keySfxBatchStatus)
		if err != nil {
			return stale, fmt.Errorf("getting status for %s: %w", id, err)
		}
		if storage.BatchStatus(status).Terminal() {
			continue
		}
		rawUpd, err := s.batches.Get(ctx, id+keySfxBatchUpd)
		if err != nil {
			return stale, fmt.Errorf("getting update time for %s: %w", id, err)
		}
		upd, err := time.Parse(time.RFC3339Nano, string(rawUpd))
		if err != nil {
			return stale, fmt.Errorf("parsing update time for %s: %w", id, err)
		}
		if upd.Before(horizon) {
			op, err := s.getBatch(ctx, id)
			if err != nil {
				return stale, err
			}
			stale = append(stale, op)
		}
	}
	return stale, nil
}

// PurgeBatchOperations implements the worker storage interface method.
func (s *KV) PurgeBatchOperations(ctx context.Context, horizon time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	purged := 0
	for _, id := range s.batchIDs(ctx) {
		status, err := s.batches.Get(ctx, id+keySfxBatchStatus)
		if err != nil {
			return purged, fmt.Errorf("getting status for %s: %w", id, err)
		}
		if !storage.BatchStatus(status).Terminal() {
			continue
		}
		rawFin, err := s.batches.Get(ctx, id+keySfxBatchFin)
		if err != nil {
			return purged, fmt.Errorf("getting finish time for %s: %w", id, err)
		}
		if len(rawFin) < 1 {
			continue
		}
		fin, err := time.Parse(time.RFC3339Nano, string(rawFin))
		if err != nil {
			return purged, fmt.Errorf("parsing finish time for %s: %w", id, err)
		}
		if !fin.Before(horizon) {
			continue
		}
		err = kv.DeleteSlice(ctx, s.batches, []string{
			id + keySfxBatchOp,
			id + keySfxBatchStatus,
			id + keySfxBatchUpd,
			id + keySfxBatchFin,
		})
		if err != nil {
			return purged, fmt.Errorf("deleting batch %s: %w", id, err)
		}
		purged++
	}
	return purged, nil
}
