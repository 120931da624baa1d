// Package http contains handler helpers shared by the API endpoints.
package http

import (
	"bytes"
	"io"
	"net/http"
)

// ReadAllAndReplaceBody consumes r.Body and swaps in a fresh reader
// over the same bytes so downstream handlers can read it again.
func ReadAllAndReplaceBody(r *http.Request) ([]byte, error) {
	b, err := io.ReadAll(r.Body)
	if err != nil {
		return b, err
	}
	defer r.Body.Close()
	r.Body = io.NopCloser(bytes.NewBuffer(b))
	return b, nil
}

// DumpHandler writes each request body to output before passing the
// request on to next.
func DumpHandler(next http.Handler, output io.Writer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := ReadAllAndReplaceBody(r)
		output.Write(append(body, '\n'))
		next.ServeHTTP(w, r)
	}
}
