package server

import (
	"context"
	"encoding/json"
	"errors"
	"html/template"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"perpustakaan/internal/ratelimit"
	"perpustakaan/internal/util"
	"perpustakaan/pkg/domain"
	"perpustakaan/services/library/internal/app"
)

const maxFormBytes = 64 << 10

// Pinger reports whether a backing dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	App                *app.App
	// LoginLimiter is nil when Redis is not configured; login is then unlimited.
	LoginLimiter       *ratelimit.FixedWindowLimiter
	// Database is checked by /healthz; nil for the in-memory store.
	Database           Pinger
	TrustedProxies     *util.TrustedProxies
	CORSAllowedOrigins []string
	MaxUploadBytes     int64
	SessionTTL         time.Duration
	CookieSecure       bool
	Logger             *slog.Logger
	AccessLogger       *slog.Logger
}

// Server exposes the library web pages and the read-only JSON API.
type Server struct {
	app            *app.App
	loginLimiter   *ratelimit.FixedWindowLimiter
	database       Pinger
	trusted        *util.TrustedProxies
	corsOrigins    []string
	maxUploadBytes int64
	sessionTTL     time.Duration
	cookieSecure   bool
	logger         *slog.Logger
	accessLogger   *slog.Logger
	templates      map[string]*template.Template
	mux            *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("server: app required")
	}
	templates, err := parseTemplates()
	if err != nil {
		return nil, err
	}
	maxUploadBytes := cfg.MaxUploadBytes
	if maxUploadBytes <= 0 {
		maxUploadBytes = 50 * 1024 * 1024
	}
	sessionTTL := cfg.SessionTTL
	if sessionTTL <= 0 {
		sessionTTL = 12 * time.Hour
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		app:            cfg.App,
		loginLimiter:   cfg.LoginLimiter,
		database:       cfg.Database,
		trusted:        cfg.TrustedProxies,
		corsOrigins:    cfg.CORSAllowedOrigins,
		maxUploadBytes: maxUploadBytes,
		sessionTTL:     sessionTTL,
		cookieSecure:   cfg.CookieSecure,
		logger:         logger,
		accessLogger:   cfg.AccessLogger,
		templates:      templates,
		mux:            http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("library", s.accessLogger, s.trusted, util.WithSecurityHeaders(s.mux)))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	// JSON API
	s.mux.Handle("/api/documents", util.WithCORS(s.corsOrigins, http.HandlerFunc(s.handleAPIDocuments)))
	s.mux.Handle("/api/documents/", util.WithCORS(s.corsOrigins, http.HandlerFunc(s.handleAPIDocumentByID)))

	// pages
	s.mux.Handle("/", s.withState(http.HandlerFunc(s.handleCatalog)))
	s.mux.Handle("/documents/", s.withState(http.HandlerFunc(s.handleDocumentRoutes)))
	s.mux.Handle("/login", s.withState(http.HandlerFunc(s.handleLogin)))
	s.mux.Handle("/logout", s.withState(http.HandlerFunc(s.handleLogout)))
	s.mux.Handle("/admin", s.withState(http.HandlerFunc(s.handleAdmin)))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.database != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		err := s.database.Ping(ctx)
		cancel()
		if err != nil {
			s.logger.Warn("health check: database unreachable", "err", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		s.renderError(w, r, http.StatusNotFound, "Page not found.")
		return
	}
	if !isRead(r) {
		s.renderError(w, r, http.StatusMethodNotAllowed, "Method not allowed.")
		return
	}
	docs, err := s.app.ListDocuments(r.Context())
	if err != nil {
		s.internalError(w, r, "list documents failed", err)
		return
	}
	s.render(w, r, http.StatusOK, "catalog.html", "Catalog", map[string]any{"Documents": docs})
}

// /documents/{id}, /documents/{id}/download, /documents/{id}/flipbook,
// /documents/{id}/pages/{name}
func (s *Server) handleDocumentRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/documents/")
	parts := strings.SplitN(rest, "/", 3)
	id, ok := parseID(parts[0])
	if !ok {
		s.renderError(w, r, http.StatusNotFound, "Document not found.")
		return
	}
	switch {
	case len(parts) == 1:
		s.handleDocument(w, r, id)
	case len(parts) == 2 && parts[1] == "download":
		s.handleDownload(w, r, id)
	case len(parts) == 2 && parts[1] == "flipbook":
		s.handleFlipbook(w, r, id)
	case len(parts) == 3 && parts[1] == "pages":
		s.handlePage(w, r, id, parts[2])
	default:
		s.renderError(w, r, http.StatusNotFound, "Page not found.")
	}
}

func (s *Server) handleDocument(w http.ResponseWriter, r *http.Request, id int64) {
	switch {
	case isRead(r):
	case r.Method == http.MethodPost:
		s.handleAddComment(w, r, id)
		return
	default:
		s.renderError(w, r, http.StatusMethodNotAllowed, "Method not allowed.")
		return
	}
	doc, err := s.app.GetDocument(r.Context(), id)
	if err != nil {
		s.appError(w, r, err)
		return
	}
	comments, err := s.app.ListComments(r.Context(), id)
	if err != nil {
		s.internalError(w, r, "list comments failed", err)
		return
	}
	s.render(w, r, http.StatusOK, "document.html", doc.Title, map[string]any{
		"Document": doc,
		"Comments": comments,
	})
}

func (s *Server) handleAddComment(w http.ResponseWriter, r *http.Request, id int64) {
	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	if err := r.ParseForm(); err != nil {
		s.renderError(w, r, http.StatusBadRequest, "Invalid form data.")
		return
	}
	_, err := s.app.AddComment(r.Context(), id, r.PostFormValue("author"), r.PostFormValue("body"))
	switch {
	case err == nil:
		s.setFlash(w, "Comment posted.")
	case errors.Is(err, app.ErrCommentIncomplete):
	case errors.Is(err, app.ErrCommentTooLong):
		s.setFlash(w, "Comment is too long.")
	case errors.Is(err, app.ErrDocumentNotFound):
		s.renderError(w, r, http.StatusNotFound, "Document not found.")
		return
	default:
		s.internalError(w, r, "add comment failed", err)
		return
	}
	redirect(w, r, "/documents/"+strconv.FormatInt(id, 10))
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request, id int64) {
	if !isRead(r) {
		s.renderError(w, r, http.StatusMethodNotAllowed, "Method not allowed.")
		return
	}
	doc, rc, info, err := s.app.OpenDocumentFile(r.Context(), id)
	if err != nil {
		s.appError(w, r, err)
		return
	}
	defer rc.Close()
	disposition := "attachment"
	if r.URL.Query().Get("inline") == "1" {
		disposition = "inline"
	}
	w.Header().Set("Content-Disposition", mime.FormatMediaType(disposition, map[string]string{"filename": doc.OriginalFilename}))
	contentType := info.ContentType
	if contentType == "" {
		contentType = "application/pdf"
	}
	w.Header().Set("Content-Type", contentType)
	http.ServeContent(w, r, doc.OriginalFilename, info.ModTime, rc)
}

func (s *Server) handleFlipbook(w http.ResponseWriter, r *http.Request, id int64) {
	if !isRead(r) {
		s.renderError(w, r, http.StatusMethodNotAllowed, "Method not allowed.")
		return
	}
	doc, err := s.app.GetDocument(r.Context(), id)
	if err != nil {
		s.appError(w, r, err)
		return
	}
	set, err := s.app.DocumentPages(r.Context(), id)
	if err != nil {
		s.appError(w, r, err)
		return
	}
	s.render(w, r, http.StatusOK, "flipbook.html", doc.Title, map[string]any{
		"Document": doc,
		"Pages":    pageURLs(set),
	})
}

func (s *Server) handlePage(w http.ResponseWriter, r *http.Request, id int64, name string) {
	if !isRead(r) {
		s.renderError(w, r, http.StatusMethodNotAllowed, "Method not allowed.")
		return
	}
	path, err := s.app.PageFile(r.Context(), id, name)
	if err != nil {
		s.appError(w, r, err)
		return
	}
	f, err := os.Open(path)
	if err != nil {
		s.internalError(w, r, "open page failed", err)
		return
	}
	defer f.Close()
	stat, err := f.Stat()
	if err != nil {
		s.internalError(w, r, "stat page failed", err)
		return
	}
	w.Header().Set("Content-Type", s.app.PageContentType())
	// A complete page set is never rewritten.
	w.Header().Set("Cache-Control", "public, max-age=86400, immutable")
	http.ServeContent(w, r, name, stat.ModTime(), f)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	st := stateFromRequest(r)
	switch r.Method {
	case http.MethodGet, http.MethodHead:
		if st.account != nil {
			redirect(w, r, "/admin")
			return
		}
		s.render(w, r, http.StatusOK, "login.html", "Sign in", nil)
	case http.MethodPost:
		if !s.allowLogin(r) {
			s.audit(r, "login", "rate_limited")
			w.Header().Set("Retry-After", "60")
			st.flash = "Too many sign-in attempts. Try again in a minute."
			s.render(w, r, http.StatusTooManyRequests, "login.html", "Sign in", nil)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
		if err := r.ParseForm(); err != nil {
			s.renderError(w, r, http.StatusBadRequest, "Invalid form data.")
			return
		}
		username := strings.TrimSpace(r.PostFormValue("username"))
		acct, token, err := s.app.Login(r.Context(), username, r.PostFormValue("password"))
		if err != nil {
			if errors.Is(err, app.ErrInvalidCredentials) {
				s.audit(r, "login", "failure", "username", username)
				s.setFlash(w, app.ErrInvalidCredentials.Error())
				redirect(w, r, "/login")
				return
			}
			s.internalError(w, r, "login failed", err)
			return
		}
		s.audit(r, "login", "success", "account_id", acct.ID)
		s.setSession(w, token)
		s.setFlash(w, "Signed in.")
		redirect(w, r, "/admin")
	default:
		s.renderError(w, r, http.StatusMethodNotAllowed, "Method not allowed.")
	}
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		s.renderError(w, r, http.StatusMethodNotAllowed, "Method not allowed.")
		return
	}
	st := stateFromRequest(r)
	if st.token != "" {
		if err := s.app.Logout(r.Context(), st.token); err != nil {
			s.logger.Warn("session revoke failed", "err", err, "request_id", requestID(w))
		}
		if st.account != nil {
			s.audit(r, "logout", "success", "account_id", st.account.ID)
		}
	}
	s.clearSession(w)
	s.setFlash(w, "Signed out.")
	redirect(w, r, "/")
}

func (s *Server) handleAdmin(w http.ResponseWriter, r *http.Request) {
	st := stateFromRequest(r)
	if st.account == nil {
		redirect(w, r, "/login")
		return
	}
	switch r.Method {
	case http.MethodGet, http.MethodHead:
		docs, err := s.app.ListDocuments(r.Context())
		if err != nil {
			s.internalError(w, r, "list documents failed", err)
			return
		}
		exts := s.app.AllowedExtensions()
		sort.Strings(exts)
		s.render(w, r, http.StatusOK, "admin.html", "Admin", map[string]any{
			"Documents":  docs,
			"Extensions": exts,
		})
	case http.MethodPost:
		s.handleUpload(w, r, *st.account)
	default:
		s.renderError(w, r, http.StatusMethodNotAllowed, "Method not allowed.")
	}
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, acct domain.Account) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.setFlash(w, "File too large.")
		} else {
			s.setFlash(w, "Invalid upload form.")
		}
		redirect(w, r, "/admin")
		return
	}
	defer r.MultipartForm.RemoveAll()
	file, header, err := r.FormFile("file")
	if err != nil {
		s.setFlash(w, "Choose a file to upload.")
		redirect(w, r, "/admin")
		return
	}
	defer file.Close()

	doc, err := s.app.UploadDocument(r.Context(), app.UploadInput{
		Title:       r.FormValue("title"),
		Author:      r.FormValue("author"),
		Description: r.FormValue("description"),
		Filename:    header.Filename,
		File:        file,
		Size:        header.Size,
	})
	switch {
	case err == nil:
		s.audit(r, "document_upload", "success", "account_id", acct.ID, "document_id", doc.ID)
		s.setFlash(w, "Uploaded "+doc.Title+".")
	case errors.Is(err, app.ErrUnsupportedFileType):
		exts := s.app.AllowedExtensions()
		sort.Strings(exts)
		s.audit(r, "document_upload", "rejected", "account_id", acct.ID, "filename", header.Filename)
		s.setFlash(w, "File type not allowed. Accepted: "+strings.Join(exts, ", ")+".")
	case errors.Is(err, app.ErrInvalidUpload):
		s.setFlash(w, "Title, author and file are required.")
	default:
		s.internalError(w, r, "upload failed", err)
		return
	}
	redirect(w, r, "/admin")
}

func (s *Server) handleAPIDocuments(w http.ResponseWriter, r *http.Request) {
	if !isRead(r) {
		methodNotAllowed(w)
		return
	}
	docs, err := s.app.ListDocuments(r.Context())
	if err != nil {
		s.logger.Error("list documents failed", "err", err, "request_id", requestID(w))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": docs,
		"count": len(docs),
	})
}

// /api/documents/{id} or /api/documents/{id}/pages
func (s *Server) handleAPIDocumentByID(w http.ResponseWriter, r *http.Request) {
	if !isRead(r) {
		methodNotAllowed(w)
		return
	}
	parts := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/api/documents/"), "/", 2)
	id, ok := parseID(parts[0])
	if !ok {
		notFound(w, "document not found")
		return
	}
	if len(parts) == 2 && parts[1] != "pages" {
		notFound(w, "not found")
		return
	}
	if len(parts) == 1 {
		doc, err := s.app.GetDocument(r.Context(), id)
		if err != nil {
			s.writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, doc)
		return
	}
	set, err := s.app.DocumentPages(r.Context(), id)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	urls := pageURLs(set)
	writeJSON(w, http.StatusOK, map[string]any{
		"items": urls,
		"count": len(urls),
	})
}

// appError maps application errors onto HTML error pages.
func (s *Server) appError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, app.ErrDocumentNotFound):
		s.renderError(w, r, http.StatusNotFound, "Document not found.")
	case errors.Is(err, app.ErrPageNotFound):
		s.renderError(w, r, http.StatusNotFound, "Page not found.")
	default:
		s.internalError(w, r, "request failed", err)
	}
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	s.logger.Error(msg, "err", err, "path", r.URL.Path, "request_id", requestID(w))
	s.renderError(w, r, http.StatusInternalServerError, "Something went wrong. Please try again later.")
}

func (s *Server) writeAppError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, app.ErrDocumentNotFound):
		notFound(w, "document not found")
	case errors.Is(err, app.ErrPageNotFound):
		notFound(w, "page not found")
	default:
		s.logger.Error("api request failed", "err", err, "request_id", requestID(w))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) allowLogin(r *http.Request) bool {
	if s.loginLimiter == nil {
		return true
	}
	return s.loginLimiter.Allow(r.Context(), "login|"+util.ClientIP(r, s.trusted))
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", util.ClientIP(r, s.trusted),
		"request_id", util.RequestIDFromRequest(r),
	}
	logAttrs = append(logAttrs, attrs...)
	if outcome == "success" {
		s.logger.Info("security_event", logAttrs...)
		return
	}
	s.logger.Warn("security_event", logAttrs...)
}

func pageURLs(set domain.PageSet) []string {
	base := "/documents/" + strconv.FormatInt(set.DocumentID, 10) + "/pages/"
	urls := make([]string, len(set.Pages))
	for i, name := range set.Pages {
		urls[i] = base + name
	}
	return urls
}

func parseID(raw string) (int64, bool) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func isRead(r *http.Request) bool {
	return r.Method == http.MethodGet || r.Method == http.MethodHead
}

func requestID(w http.ResponseWriter) string {
	return strings.TrimSpace(w.Header().Get("X-Request-Id"))
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func notFound(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusNotFound, msg)
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
		RequestID: requestID(w),
	})
}

func errorCode(status int, msg string) string {
	switch strings.ToLower(strings.TrimSpace(msg)) {
	case "document not found":
		return "DOCUMENT_NOT_FOUND"
	case "page not found":
		return "DOCUMENT_PAGE_NOT_FOUND"
	case "method not allowed":
		return "SYSTEM_METHOD_NOT_ALLOWED"
	case "not found":
		return "SYSTEM_NOT_FOUND"
	}
	switch status {
	case http.StatusBadRequest:
		return "REQUEST_INVALID"
	case http.StatusNotFound:
		return "SYSTEM_NOT_FOUND"
	case http.StatusMethodNotAllowed:
		return "SYSTEM_METHOD_NOT_ALLOWED"
	default:
		if status >= http.StatusInternalServerError {
			return "SYSTEM_INTERNAL_ERROR"
		}
		return "REQUEST_ERROR"
	}
}
