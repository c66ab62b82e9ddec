package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/verityai/verity/internal/graph"
)

// maxChatBytes caps a chat request body.
const maxChatBytes = 1 << 20 // 1 MiB

type chatHandler struct {
	engine *graph.Engine
	logger *slog.Logger
}

// ChatRequest is the request payload for both chat endpoints.
type ChatRequest struct {
	SessionID   string   `json:"sessionId"`
	Message     string   `json:"message"`
	DocumentIDs []string `json:"documentIds,omitempty"`
}

// ChatResponse is the synchronous chat response.
type ChatResponse struct {
	Answer     string   `json:"answer"`
	SessionID  string   `json:"sessionId"`
	PassageIDs []string `json:"passageIds"`
	Escalated  bool     `json:"escalated,omitempty"`
}

// SSE event types.
const (
	EventChunk = "chunk" // partial answer text
	EventDone  = "done"  // stream completed successfully
	EventError = "error" // stream failed
)

// ChunkPayload is the SSE data payload for streaming text chunks.
type ChunkPayload struct {
	Text string `json:"text"`
}

// DonePayload is the SSE data payload when streaming completes.
type DonePayload struct {
	Answer     string   `json:"answer"`
	SessionID  string   `json:"sessionId"`
	PassageIDs []string `json:"passageIds"`
	Escalated  bool     `json:"escalated,omitempty"`
}

// ErrorPayload is the SSE data payload when an error occurs.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (h *chatHandler) parseRequest(w http.ResponseWriter, r *http.Request) (ChatRequest, bool) {
	var req ChatRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxChatBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return req, false
	}
	return req, true
}

// send handles synchronous chat. An omitted session ID starts a new session
// under a generated UUID, returned in the response.
func (h *chatHandler) send(w http.ResponseWriter, r *http.Request) {
	req, ok := h.parseRequest(w, r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "message is required")
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.New().String()
	}

	res, err := h.engine.Run(r.Context(), graph.Request{
		SessionID:   req.SessionID,
		Message:     req.Message,
		DocumentIDs: req.DocumentIDs,
	}, nil)
	if err != nil {
		status, code := mapError(err)
		h.logger.Error("chat failed", "session_id", req.SessionID, "error", err)
		writeError(w, status, code, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, ChatResponse{
		Answer:     res.Answer,
		SessionID:  req.SessionID,
		PassageIDs: res.PassageIDs,
		Escalated:  res.Escalated,
	})
}

// stream handles SSE streaming chat. Events: chunk (partial text), done
// (final answer and grounding), error.
func (h *chatHandler) stream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	req, ok := h.parseRequest(w, r)
	if !ok {
		_ = writeEvent(w, flusher, EventError, ErrorPayload{Code: "INVALID_REQUEST", Message: "invalid request body"})
		return
	}
	if req.Message == "" {
		_ = writeEvent(w, flusher, EventError, ErrorPayload{Code: "INVALID_REQUEST", Message: "message is required"})
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.New().String()
	}

	ctx := r.Context()
	h.logger.Debug("SSE stream started", "session_id", req.SessionID)

	cb := func(ctx context.Context, chunk string) error {
		if chunk == "" {
			return nil
		}
		return writeEvent(w, flusher, EventChunk, ChunkPayload{Text: chunk})
	}

	res, err := h.engine.Run(ctx, graph.Request{
		SessionID:   req.SessionID,
		Message:     req.Message,
		DocumentIDs: req.DocumentIDs,
	}, cb)
	if err != nil {
		if ctx.Err() != nil {
			h.logger.Info("client disconnected", "session_id", req.SessionID)
			return
		}
		_, code := mapError(err)
		_ = writeEvent(w, flusher, EventError, ErrorPayload{Code: code, Message: err.Error()})
		return
	}

	_ = writeEvent(w, flusher, EventDone, DonePayload{
		Answer:     res.Answer,
		SessionID:  req.SessionID,
		PassageIDs: res.PassageIDs,
		Escalated:  res.Escalated,
	})
	h.logger.Debug("SSE stream completed", "session_id", req.SessionID)
}

// writeEvent writes a single SSE event with JSON-encoded data.
// SSE format: "event: <type>\ndata: <json>\n\n".
func writeEvent[T any](w io.Writer, flusher http.Flusher, event string, data T) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	flusher.Flush()
	return nil
}
