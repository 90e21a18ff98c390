package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/capitalize-ai/turn-orchestrator/internal/operation"
	"github.com/capitalize-ai/turn-orchestrator/internal/orchestrator"
	"github.com/capitalize-ai/turn-orchestrator/internal/service"
)

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

// statusFor maps a service error to an HTTP status.
func statusFor(err error) int {
	var perr *orchestrator.ProtocolError
	switch {
	case errors.Is(err, orchestrator.ErrTurnInProgress):
		return http.StatusConflict
	case errors.Is(err, service.ErrEmptyQuery), errors.As(err, &perr):
		return http.StatusBadRequest
	case operation.IsFailure(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody decodes a JSON request body. An empty body leaves v untouched.
func decodeBody(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
