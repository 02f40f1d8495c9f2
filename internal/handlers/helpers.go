// Package handlers implements the HTTP API surface
package handlers

import (
	"encoding/json"
	"net/http"
	"regexp"
	"strings"

	"github.com/isengard-ai/isengard/internal/correlation"
)

// Job IDs and artifact names are path segments; reject anything that could
// escape them before touching storage or the filesystem.
var (
	validJobID        = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	validArtifactName = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)
)

type errorResponse struct {
	Error         string `json:"error"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

// writeError writes a JSON error response carrying the request's correlation ID
func writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	writeJSON(w, status, errorResponse{
		Error:         message,
		CorrelationID: correlation.Get(r.Context()),
	})
}

// decodeBody decodes a JSON request body, rejecting unknown shapes lazily;
// handlers validate semantics themselves.
func decodeBody(r *http.Request, dst interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(dst)
}

// shiftPath splits the next path segment off a trimmed path
func shiftPath(path string) (head, rest string) {
	path = strings.Trim(path, "/")
	if path == "" {
		return "", ""
	}
	if i := strings.Index(path, "/"); i >= 0 {
		return path[:i], path[i+1:]
	}
	return path, ""
}
