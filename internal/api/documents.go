package api

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/verityai/verity/internal/ingest"
)

// maxUploadBytes caps a single document upload.
const maxUploadBytes = 32 << 20 // 32 MiB

type documentsHandler struct {
	pipeline *ingest.Pipeline
	logger   *slog.Logger
}

// UploadResponse is returned after a successful ingestion.
type UploadResponse struct {
	DocumentID string `json:"documentId"`
	Passages   int    `json:"passages"`
}

// upload accepts a document either as multipart form data (field "file",
// optional field "id") or as a raw body with a Content-Type header. An
// omitted document ID gets a generated UUID; re-uploading under an existing
// ID replaces the document.
func (h *documentsHandler) upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)

	doc, ok := h.readDocument(w, r)
	if !ok {
		return
	}
	if doc.ID == "" {
		doc.ID = uuid.New().String()
	}

	passages, err := h.pipeline.Ingest(r.Context(), doc)
	if err != nil {
		status, code := mapError(err)
		h.logger.Error("ingestion failed", "document_id", doc.ID, "error", err)
		writeError(w, status, code, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, UploadResponse{DocumentID: doc.ID, Passages: passages})
}

func (h *documentsHandler) readDocument(w http.ResponseWriter, r *http.Request) (ingest.Document, bool) {
	contentType := r.Header.Get("Content-Type")

	if r.MultipartForm != nil || isMultipart(contentType) {
		if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "malformed multipart body")
			return ingest.Document{}, false
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "multipart field \"file\" is required")
			return ingest.Document{}, false
		}
		defer file.Close()

		data, err := io.ReadAll(file)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "reading upload failed")
			return ingest.Document{}, false
		}
		return ingest.Document{
			ID:        r.FormValue("id"),
			Name:      header.Filename,
			MediaType: header.Header.Get("Content-Type"),
			Data:      data,
		}, true
	}

	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "reading request body failed")
		return ingest.Document{}, false
	}
	if len(data) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "request body is empty")
		return ingest.Document{}, false
	}
	return ingest.Document{
		ID:        r.URL.Query().Get("id"),
		Name:      r.URL.Query().Get("name"),
		MediaType: contentType,
		Data:      data,
	}, true
}

// remove deletes a document's passages. Deleting an unknown document is
// idempotent and still returns 204.
func (h *documentsHandler) remove(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "document id is required")
		return
	}

	if err := h.pipeline.Delete(r.Context(), id); err != nil {
		status, code := mapError(err)
		h.logger.Error("document deletion failed", "document_id", id, "error", err)
		writeError(w, status, code, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func isMultipart(contentType string) bool {
	return len(contentType) >= 19 && contentType[:19] == "multipart/form-data"
}
