// Package http contains HTTP handlers that work with the batch engine.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/winops/wimcmd/engine"
	"github.com/winops/wimcmd/engine/storage"
	"github.com/winops/wimcmd/http/api"
	"github.com/winops/wimcmd/logkeys"
	"github.com/winops/wimcmd/workflow"

	"github.com/alexedwards/flow"
	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
)

var ErrNoEngine = errors.New("missing batch engine")

type BatchSubmitter interface {
	SubmitBatch(ctx context.Context, op *storage.BatchOperation) (string, error)
}

type BatchCanceller interface {
	CancelBatch(ctx context.Context, id string) error
}

// SubmitBatchHandler creates a HandlerFunc that submits a batch
// operation for execution.
func SubmitBatchHandler(submitter BatchSubmitter, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)
		if submitter == nil {
			logger.Info(logkeys.Message, "submitting batch", logkeys.Error, ErrNoEngine)
			api.JSONError(w, ErrNoEngine, 0)
			return
		}

		op := new(storage.BatchOperation)
		if err := json.NewDecoder(r.Body).Decode(op); err != nil {
			logger.Info(logkeys.Message, "decoding body", logkeys.Error, err)
			api.JSONError(w, err, http.StatusBadRequest)
			return
		}

		id, err := submitter.SubmitBatch(r.Context(), op)
		if err != nil {
			logger.Info(logkeys.Message, "submitting batch", logkeys.Error, err)
			api.JSONError(w, err, http.StatusBadRequest)
			return
		}

		logger.Debug(logkeys.Message, "submitted batch", logkeys.BatchID, id)
		jsonResp := &struct {
			BatchID string `json:"batch_id"`
		}{BatchID: id}
		w.WriteHeader(http.StatusCreated)
		if err = json.NewEncoder(w).Encode(jsonResp); err != nil {
			logger.Info(logkeys.Message, "encoding json response", logkeys.Error, err)
		}
	}
}

// GetBatchHandler creates a HandlerFunc that retrieves a batch
// operation with its per-image statuses and summary.
func GetBatchHandler(store storage.BatchStorage, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)
		id := flow.Param(r.Context(), "id")
		logger = logger.With(logkeys.BatchID, id)

		op, err := store.RetrieveBatchOperation(r.Context(), id)
		if err != nil {
			status := 0
			if errors.Is(err, storage.ErrNotFound) {
				status = http.StatusNotFound
			}
			logger.Info(logkeys.Message, "retrieving batch", logkeys.Error, err)
			api.JSONError(w, err, status)
			return
		}

		w.Header().Set("Content-type", "application/json")
		if err = json.NewEncoder(w).Encode(op); err != nil {
			logger.Info(logkeys.Message, "encoding json response", logkeys.Error, err)
		}
	}
}

// ListBatchesHandler creates a HandlerFunc that lists batch operations
// with optional filtering and paging via query parameters.
func ListBatchesHandler(store storage.BatchStorage, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)

		q, err := batchQueryFromRequest(r)
		if err != nil {
			logger.Info(logkeys.Message, "parameters", logkeys.Error, err)
			api.JSONError(w, err, http.StatusBadRequest)
			return
		}

		ops, err := store.RetrieveBatchOperations(r.Context(), q)
		if err != nil {
			logger.Info(logkeys.Message, "retrieving batches", logkeys.Error, err)
			api.JSONError(w, err, 0)
			return
		}

		w.Header().Set("Content-type", "application/json")
		if err = json.NewEncoder(w).Encode(ops); err != nil {
			logger.Info(logkeys.Message, "encoding json response", logkeys.Error, err)
		}
	}
}

// CancelBatchHandler creates a HandlerFunc that cancels a running
// batch operation.
func CancelBatchHandler(canceller BatchCanceller, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)
		id := flow.Param(r.Context(), "id")
		logger = logger.With(logkeys.BatchID, id)

		if canceller == nil {
			logger.Info(logkeys.Message, "cancelling batch", logkeys.Error, ErrNoEngine)
			api.JSONError(w, ErrNoEngine, 0)
			return
		}

		if err := canceller.CancelBatch(r.Context(), id); err != nil {
			status := 0
			switch {
			case errors.Is(err, engine.ErrBatchNotFound):
				status = http.StatusNotFound
			case errors.Is(err, engine.ErrBatchNotRunning):
				status = http.StatusConflict
			}
			logger.Info(logkeys.Message, "cancelling batch", logkeys.Error, err)
			api.JSONError(w, err, status)
			return
		}

		logger.Debug(logkeys.Message, "cancelled batch")
		w.WriteHeader(http.StatusNoContent)
	}
}

func batchQueryFromRequest(r *http.Request) (*storage.BatchQuery, error) {
	q := new(storage.BatchQuery)
	v := r.URL.Query()
	if s := v.Get("status"); s != "" {
		q.Status = storage.BatchStatus(s)
	}
	if t := v.Get("type"); t != "" {
		q.Type = workflow.StepType(t)
	}
	if s := v.Get("created_before"); s != "" {
		ts, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return nil, err
		}
		q.CreatedBefore = ts
	}
	if s := v.Get("created_after"); s != "" {
		ts, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return nil, err
		}
		q.CreatedAfter = ts
	}
	if s := v.Get("offset"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return nil, err
		}
		q.Offset = n
	}
	if s := v.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return nil, err
		}
		q.Limit = n
	}
	return q, nil
}
