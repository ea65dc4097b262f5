package server

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"perpustakaan/internal/util"
	"perpustakaan/services/renderer/internal/app"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App           *app.App
	// InternalToken guards /internal/; empty disables those routes.
	InternalToken string
	Logger        *slog.Logger
	AccessLogger  *slog.Logger
}

// Server exposes health and job status endpoints for the renderer.
type Server struct {
	app           *app.App
	internalToken string
	logger        *slog.Logger
	accessLogger  *slog.Logger
	mux           *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		app:           cfg.App,
		internalToken: strings.TrimSpace(cfg.InternalToken),
		logger:        logger,
		accessLogger:  cfg.AccessLogger,
		mux:           http.NewServeMux(),
	}
	s.routes()
	return s
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("renderer", s.accessLogger, nil, s.mux))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.Handle("/internal/jobs", s.withInternal(s.handleJobs))
	s.mux.Handle("/internal/jobs/", s.withInternal(s.handleJobByID))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) withInternal(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.internalToken == "" {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		token := strings.TrimSpace(r.Header.Get("X-Internal-Token"))
		if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.internalToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	})
}

// POST /internal/jobs schedules a re-render of a document.
func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req renderRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.DocumentID <= 0 {
		writeError(w, http.StatusBadRequest, "documentId required")
		return
	}
	job, err := s.app.Enqueue(r.Context(), req.DocumentID)
	if err != nil {
		s.logger.Warn("enqueue render failed", "document_id", req.DocumentID, "err", err, "request_id", util.RequestIDFromRequest(r))
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleJobByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/internal/jobs/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	job, err := s.app.GetJob(r.Context(), id)
	if err != nil {
		if errors.Is(err, app.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error("job lookup failed", "job_id", id, "err", err, "request_id", util.RequestIDFromRequest(r))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type renderRequest struct {
	DocumentID int64 `json:"documentId"`
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      errorCode(status, msg),
		RequestID: strings.TrimSpace(w.Header().Get("X-Request-Id")),
	})
}

func errorCode(status int, msg string) string {
	switch strings.ToLower(strings.TrimSpace(msg)) {
	case "unauthorized":
		return "AUTH_INVALID_TOKEN"
	case "job not found":
		return "RENDER_JOB_NOT_FOUND"
	case "documentid required":
		return "RENDER_DOCUMENT_REQUIRED"
	case "method not allowed":
		return "SYSTEM_METHOD_NOT_ALLOWED"
	}
	switch status {
	case http.StatusBadRequest:
		return "RENDER_INVALID_REQUEST"
	case http.StatusNotFound:
		return "SYSTEM_NOT_FOUND"
	default:
		if status >= http.StatusInternalServerError {
			return "SYSTEM_INTERNAL_ERROR"
		}
		return "REQUEST_ERROR"
	}
}
