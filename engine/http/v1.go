package http

import (
	"net/http"

	"github.com/winops/wimcmd/engine/storage"

	"github.com/micromdm/nanolib/log"
)

type APIStorage interface {
	storage.BatchStorage
	storage.WorkflowStorage
}

type APIEngine interface {
	BatchSubmitter
	BatchCanceller
}

// Mux can register HTTP handlers.
// Ostensibly this supports flow router.
type Mux interface {
	// Handle registers the handler for the given pattern.
	Handle(pattern string, handler http.Handler, methods ...string)
}

// HandleAPIv1 registers the various API handlers into mux.
// API endpoint paths are prepended with prefix.
// Authentication or any other layered handlers are not present.
// They are assumed to be layered with mux, possibly at the Handle call.
// The logger is adorned with a "handler" key of the endpoint name.
func HandleAPIv1(prefix string, mux Mux, logger log.Logger, e APIEngine, s APIStorage) {
	// batch operations

	mux.Handle(
		prefix+"/batch",
		SubmitBatchHandler(e, logger.With("handler", "submit batch")),
		"POST",
	)
	mux.Handle(
		prefix+"/batch",
		ListBatchesHandler(s, logger.With("handler", "list batches")),
		"GET",
	)
	mux.Handle(
		prefix+"/batch/:id",
		GetBatchHandler(s, logger.With("handler", "get batch")),
		"GET",
	)
	mux.Handle(
		prefix+"/batch/:id/cancel",
		CancelBatchHandler(e, logger.With("handler", "cancel batch")),
		"POST",
	)

	// workflow definitions

	mux.Handle(
		prefix+"/workflow",
		ListWorkflowsHandler(s, logger.With("handler", "list workflows")),
		"GET",
	)
	mux.Handle(
		prefix+"/workflow/:id",
		PutWorkflowHandler(s, logger.With("handler", "put workflow")),
		"PUT",
	)
	mux.Handle(
		prefix+"/workflow/:id",
		GetWorkflowHandler(s, logger.With("handler", "get workflow")),
		"GET",
	)
	mux.Handle(
		prefix+"/workflow/:id",
		DeleteWorkflowHandler(s, logger.With("handler", "delete workflow")),
		"DELETE",
	)
}
