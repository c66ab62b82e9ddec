package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/verityai/verity/internal/graph"
	"github.com/verityai/verity/internal/index"
	"github.com/verityai/verity/internal/ingest"
	"github.com/verityai/verity/internal/provider"
	"github.com/verityai/verity/internal/session"
)

// writeJSON writes a JSON response with the given status code.
// Note: if encoding fails after WriteHeader there is no way to notify the
// client; the error is only logged.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

// ErrorResponse represents a JSON error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, code string, message string) {
	writeJSON(w, status, ErrorResponse{Error: code, Message: message})
}

// mapError translates domain errors into an HTTP status and machine-readable
// code.
func mapError(err error) (int, string) {
	switch {
	case errors.Is(err, session.ErrSessionBusy):
		return http.StatusConflict, "session_busy"
	case errors.Is(err, provider.ErrRateLimited):
		return http.StatusTooManyRequests, "rate_limited"
	case errors.Is(err, ingest.ErrUnsupportedFormat):
		return http.StatusUnsupportedMediaType, "unsupported_format"
	case errors.Is(err, index.ErrDimensionMismatch), errors.Is(err, index.ErrModelMismatch):
		return http.StatusInternalServerError, "index_error"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, provider.ErrProvider), errors.Is(err, graph.ErrExecutionFailed):
		return http.StatusBadGateway, "execution_failed"
	case errors.Is(err, ingest.ErrIngestion):
		return http.StatusUnprocessableEntity, "ingestion_failed"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
