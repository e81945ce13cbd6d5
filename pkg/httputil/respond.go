// Package httputil holds the JSON response helpers and middleware shared by
// every HTTP surface.
package httputil

import (
	"encoding/json"
	"net/http"

	"github.com/meridianhq/meridian/pkg/api"
	"github.com/meridianhq/meridian/pkg/observability"
)

// ErrorResponse is the uniform JSON error body.
type ErrorResponse struct {
	Error     string `json:"error"`
	Kind      string `json:"kind"`
	RequestID string `json:"request_id,omitempty"`
}

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// WriteError maps a service error onto a status code and uniform body.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	status := api.HTTPStatus(err)
	kind := api.KindOf(err)

	message := err.Error()
	if status == http.StatusInternalServerError {
		// Do not leak storage details to clients.
		message = "internal server error"
	}

	WriteJSON(w, status, ErrorResponse{
		Error:     message,
		Kind:      kind.String(),
		RequestID: observability.GetRequestID(r.Context()),
	})
}

// WriteBadRequest rejects a malformed request body or parameter.
func WriteBadRequest(w http.ResponseWriter, r *http.Request, message string) {
	WriteJSON(w, http.StatusBadRequest, ErrorResponse{
		Error:     message,
		Kind:      "bad_request",
		RequestID: observability.GetRequestID(r.Context()),
	})
}

// DecodeJSON parses the request body into v. A false return means the
// response has already been written.
func DecodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		WriteBadRequest(w, r, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}
