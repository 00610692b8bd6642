package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"pdftranslate-server/internal/logger"
	"pdftranslate-server/internal/task"
	"pdftranslate-server/internal/types"
)

// SubmitResponse is the POST /translate response.
type SubmitResponse struct {
	TaskID  string `json:"task_id"`
	Message string `json:"message"`
}

// SubmitMessage confirms an accepted upload.
const SubmitMessage = "translation task created"

// multipart parts beyond this are spooled to disk.
const formMemory = 32 << 20

func (s *Server) handleTranslate(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	if err := r.ParseMultipartForm(formMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeDetail(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("upload exceeds %d MB", s.maxUpload>>20))
			return
		}
		writeDetail(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	if !strings.HasSuffix(strings.ToLower(header.Filename), ".pdf") {
		writeDetail(w, http.StatusBadRequest, "only PDF files are supported")
		return
	}

	req, err := parseRequest(r.MultipartForm.Value)
	if err != nil {
		writeError(w, err)
		return
	}

	taskID := s.newID()
	ws, err := s.workspaces.Allocate(taskID, header.Filename)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := saveUpload(file, ws.InputPath); err != nil {
		s.release(ws.Dir)
		writeError(w, types.NewAppError(types.ErrInternal, "failed to store upload", err))
		return
	}
	if _, err := s.store.Create(r.Context(), taskID, ws.Dir); err != nil {
		s.release(ws.Dir)
		writeError(w, err)
		return
	}

	logger.Info("translation task created",
		logger.String("taskID", taskID),
		logger.String("file", filepath.Base(ws.InputPath)),
		logger.Int("size", int(header.Size)))

	s.dispatcher.Dispatch(taskID, ws.InputPath, ws.OutputDir, req)
	writeJSON(w, http.StatusOK, SubmitResponse{TaskID: taskID, Message: SubmitMessage})
}

func saveUpload(src io.Reader, path string) error {
	dst, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}

func (s *Server) release(dir string) {
	if err := s.workspaces.Release(dir); err != nil {
		logger.Warn("failed to remove workspace", logger.String("dir", dir), logger.Err(err))
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ts, err := s.store.Get(r.Context(), r.PathValue("task_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ts)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("task_id")
	kind := r.PathValue("file_type")

	ts, err := s.store.Get(r.Context(), taskID)
	if err != nil {
		writeError(w, err)
		return
	}
	if ts.Status != task.StatusCompleted {
		writeError(w, types.NewAppErrorWithDetails(types.ErrNotReady, "translation not finished", string(ts.Status), nil))
		return
	}

	files, err := s.store.Files(r.Context(), taskID)
	if err != nil {
		writeError(w, err)
		return
	}
	path, ok := files[kind]
	if !ok {
		writeDetail(w, http.StatusNotFound, "file not found")
		return
	}

	f, err := os.Open(path)
	if err != nil {
		writeDetail(w, http.StatusNotFound, "file not found")
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil || info.IsDir() {
		writeDetail(w, http.StatusNotFound, "file not found")
		return
	}

	name := filepath.Base(path)
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	http.ServeContent(w, r, name, info.ModTime(), f)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": ServiceName,
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"message": ServiceName,
		"version": Version,
		"config":  s.info,
		"endpoints": map[string]string{
			"translate": "POST /translate - upload a PDF for translation",
			"status":    "GET /status/{task_id} - query translation status",
			"download":  "GET /download/{task_id}/{file_type} - download a translated PDF",
			"health":    "GET /health - health check",
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		logger.Error("failed to encode response", err)
		status = http.StatusInternalServerError
		data = []byte(`{"detail":"internal server error"}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// writeError maps an AppError code onto an HTTP status.
func writeError(w http.ResponseWriter, err error) {
	switch types.CodeOf(err) {
	case types.ErrValidation, types.ErrNotReady:
		writeDetail(w, http.StatusBadRequest, err.Error())
	case types.ErrNotFound:
		writeDetail(w, http.StatusNotFound, "task not found")
	case types.ErrDuplicateTask:
		writeDetail(w, http.StatusConflict, err.Error())
	default:
		logger.Error("request failed", err)
		writeDetail(w, http.StatusInternalServerError, "internal server error")
	}
}
