package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"dropxfer/pkg/storage"
	"dropxfer/pkg/transfer"
)

type WriteFileRequest struct {
	ConnectionID string `json:"connection_id"`
	SessionID    string `json:"session_id,omitempty"`
	Path         string `json:"path"`
	Content      string `json:"content"`
}

type OpenFileRequest struct {
	ConnectionID string `json:"connection_id"`
	SessionID    string `json:"session_id,omitempty"`
	RemotePath   string `json:"remote_path"`
	FileName     string `json:"file_name,omitempty"`
	AppPath      string `json:"app_path"`
	Watch        bool   `json:"watch"`
}

type OpenFileResponse struct {
	Success   bool   `json:"success"`
	LocalPath string `json:"local_path"`
	WatchID   string `json:"watch_id,omitempty"`
}

type FileContentResponse struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// WithFiles enables the single-file routes. Without it Routes serves transfers only.
func (h *HTTPHandler) WithFiles(files *transfer.FileAccess, opener *transfer.TempOpener) *HTTPHandler {
	h.files = files
	h.opener = opener
	return h
}

func (h *HTTPHandler) fileRoutes(mux *http.ServeMux) {
	if h.files != nil {
		mux.HandleFunc("GET /files", h.ReadFileHandler)
		mux.HandleFunc("PUT /files", h.WriteFileHandler)
	}
	if h.opener != nil {
		mux.HandleFunc("POST /open", h.OpenFileHandler)
		mux.HandleFunc("DELETE /watches/{id}", h.StopWatchHandler)
	}
}

// side treats a request without a session id as addressing the local filesystem.
func side(connectionID, sessionID string) transfer.Side {
	return transfer.Side{ConnectionID: connectionID, SessionID: sessionID, IsLocal: sessionID == ""}
}

func fileErrorStatus(err error) int {
	var storageErr *storage.StorageError
	switch {
	case errors.Is(err, transfer.ErrNoConnection):
		return http.StatusBadRequest
	case errors.Is(err, transfer.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, transfer.ErrUnsupported), errors.Is(err, transfer.ErrBridgeUnavailable):
		return http.StatusNotImplemented
	case errors.As(err, &storageErr):
		switch storageErr.Type {
		case storage.ErrorTypeNotFound:
			return http.StatusNotFound
		case storage.ErrorTypeInvalidInput:
			return http.StatusBadRequest
		case storage.ErrorTypeAccessDenied:
			return http.StatusForbidden
		}
	}
	return http.StatusInternalServerError
}

// ReadFileHandler returns a file as JSON text, or as raw bytes when binary=1.
func (h *HTTPHandler) ReadFileHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	p := q.Get("path")
	if p == "" {
		h.sendErrorResponse(w, http.StatusBadRequest, "path is required")
		return
	}
	s := side(q.Get("connection_id"), q.Get("session_id"))

	if q.Get("binary") == "1" {
		data, err := h.files.ReadBinary(r.Context(), s, p)
		if err != nil {
			h.logger.Error("failed to read file", err, map[string]any{"path": p, "session_id": s.SessionID})
			h.sendErrorResponse(w, fileErrorStatus(err), err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
		return
	}

	content, err := h.files.ReadText(r.Context(), s, p)
	if err != nil {
		h.logger.Error("failed to read file", err, map[string]any{"path": p, "session_id": s.SessionID})
		h.sendErrorResponse(w, fileErrorStatus(err), err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, FileContentResponse{Path: p, Content: content})
}

func (h *HTTPHandler) WriteFileHandler(w http.ResponseWriter, r *http.Request) {
	var req WriteFileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendErrorResponse(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if req.Path == "" {
		h.sendErrorResponse(w, http.StatusBadRequest, "path is required")
		return
	}

	if err := h.files.WriteText(r.Context(), side(req.ConnectionID, req.SessionID), req.Path, req.Content); err != nil {
		h.logger.Error("failed to write file", err, map[string]any{"path": req.Path, "session_id": req.SessionID})
		h.sendErrorResponse(w, fileErrorStatus(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTPHandler) OpenFileHandler(w http.ResponseWriter, r *http.Request) {
	var req OpenFileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendErrorResponse(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if req.RemotePath == "" || req.AppPath == "" {
		h.sendErrorResponse(w, http.StatusBadRequest, "remote_path and app_path are required")
		return
	}

	res, err := h.opener.DownloadToTempAndOpen(r.Context(), side(req.ConnectionID, req.SessionID), req.RemotePath, req.FileName, req.AppPath, req.Watch)
	if err != nil {
		h.logger.Error("failed to open file", err, map[string]any{
			"remote_path": req.RemotePath,
			"session_id":  req.SessionID,
		})
		h.sendErrorResponse(w, fileErrorStatus(err), err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, OpenFileResponse{Success: true, LocalPath: res.LocalPath, WatchID: res.WatchID})
}

func (h *HTTPHandler) StopWatchHandler(w http.ResponseWriter, r *http.Request) {
	stopped, err := h.opener.StopWatch(r.PathValue("id"))
	if err != nil {
		h.sendErrorResponse(w, fileErrorStatus(err), err.Error())
		return
	}
	if !stopped {
		h.sendErrorResponse(w, http.StatusNotFound, "watch not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
