package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verityai/verity/internal/chunk"
	"github.com/verityai/verity/internal/index"
)

func seedPassages(t *testing.T, idx *index.Memory, docID string, texts ...string) {
	t.Helper()
	entries := make([]index.Entry, len(texts))
	for i, text := range texts {
		entries[i] = index.Entry{
			Passage: chunk.Passage{
				ID:         chunk.PassageID(docID, i),
				DocumentID: docID,
				Ordinal:    i,
				Text:       text,
			},
			Vector: []float32{1, 0, 0, 0},
		}
	}
	require.NoError(t, idx.Upsert(t.Context(), entries))
}

func postJSON(t *testing.T, handler http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func TestChatSend(t *testing.T) {
	env := newTestServer(t, []genStep{
		{text: "positive"},
		{text: "Pgvector stores embeddings inside Postgres."},
	})
	seedPassages(t, env.index, "doc", "pgvector is a Postgres extension.")

	w := postJSON(t, env.server.Handler(), "/api/chat", ChatRequest{
		SessionID: "sess-1",
		Message:   "What is pgvector?",
	})

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var resp ChatResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "Pgvector stores embeddings inside Postgres.", resp.Answer)
	assert.Equal(t, "sess-1", resp.SessionID)
	assert.Equal(t, []string{chunk.PassageID("doc", 0)}, resp.PassageIDs)
	assert.False(t, resp.Escalated)

	// The conversation is persisted for the next turn.
	turns, err := env.sessions.Context(t.Context(), "sess-1")
	require.NoError(t, err)
	assert.Len(t, turns, 2)
}

func TestChatSendGeneratesSessionID(t *testing.T) {
	env := newTestServer(t, []genStep{
		{text: "positive"},
		{text: "answer"},
	})
	seedPassages(t, env.index, "doc", "some context")

	w := postJSON(t, env.server.Handler(), "/api/chat", ChatRequest{Message: "hello"})

	require.Equal(t, http.StatusOK, w.Code)
	var resp ChatResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.SessionID)
}

func TestChatSendValidation(t *testing.T) {
	env := newTestServer(t, nil)

	t.Run("missing message", func(t *testing.T) {
		w := postJSON(t, env.server.Handler(), "/api/chat", ChatRequest{SessionID: "s"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("malformed body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader("{not json"))
		w := httptest.NewRecorder()
		env.server.Handler().ServeHTTP(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestChatSendEscalates(t *testing.T) {
	env := newTestServer(t, []genStep{
		{text: "negative"},
	})
	seedPassages(t, env.index, "doc", "irrelevant")

	w := postJSON(t, env.server.Handler(), "/api/chat", ChatRequest{
		SessionID: "angry",
		Message:   "This is completely broken and useless!",
	})

	require.Equal(t, http.StatusOK, w.Code)
	var resp ChatResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Escalated)
	assert.NotEmpty(t, resp.Answer)
	assert.Empty(t, resp.PassageIDs)
}

func TestChatSendGenerationFailure(t *testing.T) {
	env := newTestServer(t, []genStep{
		{text: "positive"},
		{err: assert.AnError},
		{err: assert.AnError},
	})
	seedPassages(t, env.index, "doc", "context")

	w := postJSON(t, env.server.Handler(), "/api/chat", ChatRequest{
		SessionID: "s",
		Message:   "question",
	})

	assert.Equal(t, http.StatusBadGateway, w.Code)
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "execution_failed", resp.Error)
}

func TestChatStream(t *testing.T) {
	env := newTestServer(t, []genStep{
		{text: "positive"},
		{text: "Streaming answers arrive in small chunks."},
	})
	seedPassages(t, env.index, "doc", "streaming context")

	w := postJSON(t, env.server.Handler(), "/api/chat/stream", ChatRequest{
		SessionID: "stream-1",
		Message:   "How does streaming work?",
	})

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	events := parseSSE(t, w.Body.String())
	require.NotEmpty(t, events)

	var text strings.Builder
	var done *DonePayload
	for _, ev := range events {
		switch ev.name {
		case EventChunk:
			var p ChunkPayload
			decodeInto(t, ev.data, &p)
			text.WriteString(p.Text)
		case EventDone:
			var p DonePayload
			decodeInto(t, ev.data, &p)
			done = &p
		case EventError:
			t.Fatalf("unexpected error event: %s", ev.data)
		}
	}

	require.NotNil(t, done, "stream must end with a done event")
	assert.Equal(t, "Streaming answers arrive in small chunks.", text.String())
	assert.Equal(t, text.String(), done.Answer)
	assert.Equal(t, "stream-1", done.SessionID)
	assert.NotEmpty(t, done.PassageIDs)
}

func TestChatStreamValidation(t *testing.T) {
	env := newTestServer(t, nil)

	w := postJSON(t, env.server.Handler(), "/api/chat/stream", ChatRequest{SessionID: "s"})

	// SSE responses report errors in-band, not via HTTP status.
	require.Equal(t, http.StatusOK, w.Code)
	events := parseSSE(t, w.Body.String())
	require.Len(t, events, 1)
	assert.Equal(t, EventError, events[0].name)
}

func TestChatStreamFailureEmitsErrorEvent(t *testing.T) {
	env := newTestServer(t, []genStep{
		{text: "positive"},
		{err: assert.AnError},
		{err: assert.AnError},
	})
	seedPassages(t, env.index, "doc", "context")

	w := postJSON(t, env.server.Handler(), "/api/chat/stream", ChatRequest{
		SessionID: "s",
		Message:   "question",
	})

	require.Equal(t, http.StatusOK, w.Code)
	events := parseSSE(t, w.Body.String())
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, EventError, last.name)
}

func TestSessionDelete(t *testing.T) {
	env := newTestServer(t, []genStep{
		{text: "positive"},
		{text: "answer"},
	})
	seedPassages(t, env.index, "doc", "context")

	w := postJSON(t, env.server.Handler(), "/api/chat", ChatRequest{SessionID: "gone", Message: "hi"})
	require.Equal(t, http.StatusOK, w.Code)

	req := httptest.NewRequest(http.MethodDelete, "/api/sessions/gone", nil)
	w = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)

	turns, err := env.sessions.Context(t.Context(), "gone")
	require.NoError(t, err)
	assert.Empty(t, turns)

	// Deleting an unknown session is idempotent.
	req = httptest.NewRequest(http.MethodDelete, "/api/sessions/never-existed", nil)
	w = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
}
