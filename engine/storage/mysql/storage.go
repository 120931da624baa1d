package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/winops/wimcmd/engine/storage"
	"github.com/winops/wimcmd/workflow"
)

// StoreBatchOperation implements the storage interface method.
func (s *MySQLStorage) StoreBatchOperation(ctx context.Context, op *storage.BatchOperation) error {
	if err := op.Validate(); err != nil {
		return fmt.Errorf("validating batch operation: %w", err)
	}
	doc, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("marshalling batch operation: %w", err)
	}
	_, err = s.db.ExecContext(
		ctx, `
INSERT INTO batch_operations
    (id, status, op_type, priority, document, created_at, updated_at, finished_at)
VALUES
    (?, ?, ?, ?, ?, ?, ?, ?);`,
		op.ID,
		string(op.Status),
		string(op.Type),
		op.Priority,
		doc,
		op.Created,
		op.Updated,
		sqlNullTime(op.Finished),
	)
	return err
}

// UpdateBatchOperation implements the storage interface method.
func (s *MySQLStorage) UpdateBatchOperation(ctx context.Context, op *storage.BatchOperation) error {
	if err := op.Validate(); err != nil {
		return fmt.Errorf("validating batch operation: %w", err)
	}
	doc, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("marshalling batch operation: %w", err)
	}
	result, err := s.db.ExecContext(
		ctx, `
UPDATE batch_operations
SET status = ?, op_type = ?, priority = ?, document = ?, updated_at = ?, finished_at = ?
WHERE id = ?;`,
		string(op.Status),
		string(op.Type),
		op.Priority,
		doc,
		op.Updated,
		sqlNullTime(op.Finished),
		op.ID,
	)
	if err != nil {
		return err
	}
	if n, err := result.RowsAffected(); err == nil && n < 1 {
		// RowsAffected is also 0 for a no-change update; distinguish
		// a genuinely missing row.
		var one int
		err = s.db.QueryRowContext(ctx, `SELECT 1 FROM batch_operations WHERE id = ?;`, op.ID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: batch %s", storage.ErrNotFound, op.ID)
		}
		return err
	}
	return nil
}

func unmarshalBatch(doc []byte) (*storage.BatchOperation, error) {
	op := new(storage.BatchOperation)
	if err := json.Unmarshal(doc, op); err != nil {
		return nil, fmt.Errorf("unmarshalling batch operation: %w", err)
	}
	return op, nil
}

// RetrieveBatchOperation implements the storage interface method.
func (s *MySQLStorage) RetrieveBatchOperation(ctx context.Context, id string) (*storage.BatchOperation, error) {
	var doc []byte
	err := s.db.QueryRowContext(
		ctx,
		`SELECT document FROM batch_operations WHERE id = ?;`,
		id,
	).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: batch %s", storage.ErrNotFound, id)
	} else if err != nil {
		return nil, err
	}
	return unmarshalBatch(doc)
}

// RetrieveBatchOperations implements the storage interface method.
func (s *MySQLStorage) RetrieveBatchOperations(ctx context.Context, q *storage.BatchQuery) ([]*storage.BatchOperation, error) {
	query := `SELECT document FROM batch_operations WHERE 1=1`
	var args []interface{}
	if q != nil {
		if q.Status != "" {
			query += ` AND status = ?`
			args = append(args, string(q.Status))
		}
		if q.Type != "" {
			query += ` AND op_type = ?`
			args = append(args, string(q.Type))
		}
		if !q.CreatedBefore.IsZero() {
			query += ` AND created_at < ?`
			args = append(args, q.CreatedBefore)
		}
		if !q.CreatedAfter.IsZero() {
			query += ` AND created_at > ?`
			args = append(args, q.CreatedAfter)
		}
	}
	query += ` ORDER BY created_at DESC`
	if q != nil && (q.Limit > 0 || q.Offset > 0) {
		limit := q.Limit
		if limit < 1 {
			// MySQL has no offset without limit
			limit = math.MaxInt
		}
		query += ` LIMIT ? OFFSET ?`
		args = append(args, limit, q.Offset)
	}
	query += `;`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ops []*storage.BatchOperation
	for rows.Next() {
		var doc []byte
		if err = rows.Scan(&doc); err != nil {
			return ops, err
		}
		op, err := unmarshalBatch(doc)
		if err != nil {
			return ops, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// DeleteBatchOperation implements the storage interface method.
func (s *MySQLStorage) DeleteBatchOperation(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM batch_operations WHERE id = ?;`, id)
	return err
}

// StoreWorkflowDefinition implements the storage interface method.
func (s *MySQLStorage) StoreWorkflowDefinition(ctx context.Context, def *workflow.Definition) error {
	if err := def.Validate(); err != nil {
		return fmt.Errorf("validating workflow definition: %w", err)
	}
	doc, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshalling workflow definition: %w", err)
	}
	_, err = s.db.ExecContext(
		ctx, `
INSERT INTO workflow_definitions (id, document) VALUES (?, ?)
ON DUPLICATE KEY UPDATE document = VALUES(document);`,
		def.ID, doc,
	)
	return err
}

// RetrieveWorkflowDefinition implements the storage interface method.
func (s *MySQLStorage) RetrieveWorkflowDefinition(ctx context.Context, id string) (*workflow.Definition, error) {
	var doc []byte
	err := s.db.QueryRowContext(
		ctx,
		`SELECT document FROM workflow_definitions WHERE id = ?;`,
		id,
	).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: workflow %s", storage.ErrNotFound, id)
	} else if err != nil {
		return nil, err
	}
	def := new(workflow.Definition)
	if err = json.Unmarshal(doc, def); err != nil {
		return nil, fmt.Errorf("unmarshalling workflow %s: %w", id, err)
	}
	return def, nil
}

// RetrieveWorkflowDefinitionIDs implements the storage interface method.
func (s *MySQLStorage) RetrieveWorkflowDefinitionIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM workflow_definitions ORDER BY id;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err = rows.Scan(&id); err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteWorkflowDefinition implements the storage interface method.
func (s *MySQLStorage) DeleteWorkflowDefinition(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM workflow_definitions WHERE id = ?;`, id)
	return err
}

// RetrieveStaleBatchOperations implements the worker storage interface method.
func (s *MySQLStorage) RetrieveStaleBatchOperations(ctx context.Context, horizon time.Time) ([]*storage.BatchOperation, error) {
	rows, err := s.db.QueryContext(
		ctx, `
SELECT document FROM batch_operations
WHERE status NOT IN (?, ?, ?, ?) AND updated_at < ?;`,
		string(storage.BatchCompleted),
		string(storage.BatchCompletedWithErrors),
		string(storage.BatchFailed),
		string(storage.BatchCancelled),
		horizon,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ops []*storage.BatchOperation
	for rows.Next() {
		var doc []byte
		if err = rows.Scan(&doc); err != nil {
			return ops, err
		}
		op, err := unmarshalBatch(doc)
		if err != nil {
			return ops, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// PurgeBatchOperations implements the worker storage interface method.
func (s *MySQLStorage) PurgeBatchOperations(ctx context.Context, horizon time.Time) (int, error) {
	result, err := s.db.ExecContext(
		ctx, `
DELETE FROM batch_operations
WHERE status IN (?, ?, ?, ?) AND finished_at IS NOT NULL AND finished_at < ?;`,
		string(storage.BatchCompleted),
		string(storage.BatchCompletedWithErrors),
		string(storage.BatchFailed),
		string(storage.BatchCancelled),
		horizon,
	)
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	return int(n), err
}
