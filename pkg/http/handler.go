package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"dropxfer/pkg/logger"
	"dropxfer/pkg/shared"
	"dropxfer/pkg/store"
	"dropxfer/pkg/transfer"
)

type Publisher interface {
	PublishUpload(payload shared.UploadPayload) (string, error)
	PublishDownload(payload shared.DownloadPayload) (string, error)
}

type Canceller interface {
	Cancel(batchID string) error
	CancelAll() int
}

type BatchReader interface {
	GetBatch(ctx context.Context, id string) (store.BatchRecord, error)
}

type HTTPHandler struct {
	publisher Publisher
	registry  *transfer.Registry
	canceller Canceller
	batches   BatchReader
	files     *transfer.FileAccess
	opener    *transfer.TempOpener
	logger    *logger.Logger
}

type PublishResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	BatchID string `json:"batch_id,omitempty"`
	Error   string `json:"error,omitempty"`
}

type CancelResponse struct {
	Success   bool `json:"success"`
	Cancelled int  `json:"cancelled"`
}

func NewHTTPHandler(publisher Publisher, registry *transfer.Registry, canceller Canceller, batches BatchReader, l *logger.Logger) *HTTPHandler {
	if l == nil {
		l = logger.NewDefault()
	}
	return &HTTPHandler{
		publisher: publisher,
		registry:  registry,
		canceller: canceller,
		batches:   batches,
		logger:    l,
	}
}

func (h *HTTPHandler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /upload", h.UploadHandler)
	mux.HandleFunc("POST /download", h.DownloadHandler)
	mux.HandleFunc("GET /tasks", h.ListTasksHandler)
	mux.HandleFunc("GET /tasks/{id}", h.GetTaskHandler)
	mux.HandleFunc("DELETE /tasks/{id}", h.DismissTaskHandler)
	mux.HandleFunc("POST /cancel", h.CancelAllHandler)
	mux.HandleFunc("POST /cancel/{batch_id}", h.CancelBatchHandler)
	mux.HandleFunc("GET /batches/{batch_id}", h.GetBatchHandler)
	h.fileRoutes(mux)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	return mux
}

func (h *HTTPHandler) UploadHandler(w http.ResponseWriter, r *http.Request) {
	var req shared.UploadPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendErrorResponse(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}

	batchID, err := h.publisher.PublishUpload(req)
	if err != nil {
		h.logger.Error("failed to publish upload", err, map[string]any{
			"session_id": req.SessionID,
			"target_dir": req.TargetDir,
		})
		h.sendErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	h.writeJSON(w, http.StatusAccepted, PublishResponse{
		Success: true,
		Message: "upload queued",
		BatchID: batchID,
	})
}

func (h *HTTPHandler) DownloadHandler(w http.ResponseWriter, r *http.Request) {
	var req shared.DownloadPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendErrorResponse(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}

	batchID, err := h.publisher.PublishDownload(req)
	if err != nil {
		h.logger.Error("failed to publish download", err, map[string]any{
			"session_id":  req.SessionID,
			"remote_path": req.RemotePath,
		})
		h.sendErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	h.writeJSON(w, http.StatusAccepted, PublishResponse{
		Success: true,
		Message: "download queued",
		BatchID: batchID,
	})
}

func (h *HTTPHandler) ListTasksHandler(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.registry.List())
}

func (h *HTTPHandler) GetTaskHandler(w http.ResponseWriter, r *http.Request) {
	task, ok := h.registry.Get(r.PathValue("id"))
	if !ok {
		h.sendErrorResponse(w, http.StatusNotFound, "task not found")
		return
	}
	h.writeJSON(w, http.StatusOK, task)
}

// DismissTaskHandler removes a finished task from the list.
func (h *HTTPHandler) DismissTaskHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	task, ok := h.registry.Get(id)
	if !ok {
		h.sendErrorResponse(w, http.StatusNotFound, "task not found")
		return
	}
	if !task.Status.IsTerminal() {
		h.sendErrorResponse(w, http.StatusConflict, "task is still running")
		return
	}
	h.registry.Dismiss(id)
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTPHandler) CancelAllHandler(w http.ResponseWriter, r *http.Request) {
	n := h.canceller.CancelAll()
	h.writeJSON(w, http.StatusOK, CancelResponse{Success: true, Cancelled: n})
}

func (h *HTTPHandler) CancelBatchHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.canceller.Cancel(r.PathValue("batch_id")); err != nil {
		h.sendErrorResponse(w, http.StatusNotFound, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, CancelResponse{Success: true, Cancelled: 1})
}

func (h *HTTPHandler) GetBatchHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("batch_id")
	rec, err := h.batches.GetBatch(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.sendErrorResponse(w, http.StatusNotFound, "batch not found")
			return
		}
		h.logger.Error("failed to load batch", err, map[string]any{"batch_id": id})
		h.sendErrorResponse(w, http.StatusInternalServerError, "internal server error")
		return
	}
	h.writeJSON(w, http.StatusOK, rec)
}

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", err, nil)
	}
}

func (h *HTTPHandler) sendErrorResponse(w http.ResponseWriter, statusCode int, message string) {
	h.writeJSON(w, statusCode, PublishResponse{
		Success: false,
		Error:   message,
	})
}
