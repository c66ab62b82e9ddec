package api

import (
	"log/slog"
	"net/http"

	"github.com/verityai/verity/internal/session"
)

type sessionsHandler struct {
	store  session.Store
	logger *slog.Logger
}

// remove closes a session and discards its history. Idempotent: closing an
// unknown session also returns 204.
func (h *sessionsHandler) remove(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "session id is required")
		return
	}

	if err := h.store.Close(r.Context(), id); err != nil {
		status, code := mapError(err)
		h.logger.Error("session close failed", "session_id", id, "error", err)
		writeError(w, status, code, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
