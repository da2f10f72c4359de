// Package httpapi exposes the admission core over HTTP: the client surface,
// the worker ingress, and the operational endpoints.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/wezzauk/ReelContent-sub000/apierr"
)

type errorBody struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

type errorEnvelope struct {
	Success bool      `json:"success"`
	Error   errorBody `json:"error"`
}

// writeJSON serializes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			slog.Default().Error("encode response failed", "error", err)
		}
	}
}

// writeError maps err onto the wire error envelope. This is the single place
// the error taxonomy meets HTTP.
func writeError(w http.ResponseWriter, err error) {
	apiErr := apierr.From(err)
	if apiErr.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(apiErr.RetryAfter))
	}
	writeJSON(w, apierr.HTTPStatus(apiErr.Code), errorEnvelope{
		Error: errorBody{
			Code:    string(apiErr.Code),
			Message: apiErr.Message,
			Details: apiErr.Details,
		},
	})
}
