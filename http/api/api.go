package api

import (
	"encoding/json"
	"net/http"
)

type jsonError struct {
	Err string `json:"error"`
}

// JSONError writes err to w as a JSON error body with statusCode.
// A statusCode less than 1 falls back to 500.
func JSONError(w http.ResponseWriter, err error, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	if statusCode < 1 {
		statusCode = http.StatusInternalServerError
	}
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(&jsonError{Err: err.Error()})
}
