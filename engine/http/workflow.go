package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/winops/wimcmd/engine/storage"
	"github.com/winops/wimcmd/http/api"
	"github.com/winops/wimcmd/logkeys"
	"github.com/winops/wimcmd/workflow"

	"github.com/alexedwards/flow"
	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
)

var ErrIDMismatch = errors.New("workflow ID does not match URL")

// PutWorkflowHandler creates a HandlerFunc that stores a workflow
// definition after validating and compiling it.
func PutWorkflowHandler(store storage.WorkflowStorage, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)
		id := flow.Param(r.Context(), "id")
		logger = logger.With(logkeys.WorkflowID, id)

		def := new(workflow.Definition)
		if err := json.NewDecoder(r.Body).Decode(def); err != nil {
			logger.Info(logkeys.Message, "decoding body", logkeys.Error, err)
			api.JSONError(w, err, http.StatusBadRequest)
			return
		}
		if def.ID == "" {
			def.ID = id
		} else if def.ID != id {
			logger.Info(logkeys.Message, "parameters", logkeys.Error, ErrIDMismatch)
			api.JSONError(w, ErrIDMismatch, http.StatusBadRequest)
			return
		}

		// Definitions that cannot compile are rejected at the door.
		if _, err := workflow.Compile(def); err != nil {
			logger.Info(logkeys.Message, "compiling workflow", logkeys.Error, err)
			api.JSONError(w, err, http.StatusBadRequest)
			return
		}

		if err := store.StoreWorkflowDefinition(r.Context(), def); err != nil {
			logger.Info(logkeys.Message, "storing workflow", logkeys.Error, err)
			api.JSONError(w, err, 0)
			return
		}

		logger.Debug(logkeys.Message, "stored workflow")
		w.WriteHeader(http.StatusNoContent)
	}
}

// GetWorkflowHandler creates a HandlerFunc that retrieves a stored
// workflow definition.
func GetWorkflowHandler(store storage.WorkflowStorage, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)
		id := flow.Param(r.Context(), "id")
		logger = logger.With(logkeys.WorkflowID, id)

		def, err := store.RetrieveWorkflowDefinition(r.Context(), id)
		if err != nil {
			status := 0
			if errors.Is(err, storage.ErrNotFound) {
				status = http.StatusNotFound
			}
			logger.Info(logkeys.Message, "retrieving workflow", logkeys.Error, err)
			api.JSONError(w, err, status)
			return
		}

		w.Header().Set("Content-type", "application/json")
		if err = json.NewEncoder(w).Encode(def); err != nil {
			logger.Info(logkeys.Message, "encoding json response", logkeys.Error, err)
		}
	}
}

// ListWorkflowsHandler creates a HandlerFunc that lists stored
// workflow definition IDs.
func ListWorkflowsHandler(store storage.WorkflowStorage, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)

		ids, err := store.RetrieveWorkflowDefinitionIDs(r.Context())
		if err != nil {
			logger.Info(logkeys.Message, "retrieving workflow IDs", logkeys.Error, err)
			api.JSONError(w, err, 0)
			return
		}
		if ids == nil {
			ids = []string{}
		}

		w.Header().Set("Content-type", "application/json")
		if err = json.NewEncoder(w).Encode(ids); err != nil {
			logger.Info(logkeys.Message, "encoding json response", logkeys.Error, err)
		}
	}
}

// DeleteWorkflowHandler creates a HandlerFunc that deletes a stored
// workflow definition.
func DeleteWorkflowHandler(store storage.WorkflowStorage, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)
		id := flow.Param(r.Context(), "id")
		logger = logger.With(logkeys.WorkflowID, id)

		if err := store.DeleteWorkflowDefinition(r.Context(), id); err != nil {
			status := 0
			if errors.Is(err, storage.ErrNotFound) {
				status = http.StatusNotFound
			}
			logger.Info(logkeys.Message, "deleting workflow", logkeys.Error, err)
			api.JSONError(w, err, status)
			return
		}

		logger.Debug(logkeys.Message, "deleted workflow")
		w.WriteHeader(http.StatusNoContent)
	}
}
