package server

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"perpustakaan/pkg/domain"
)

//go:embed templates/*.html
var templateFS embed.FS

var pageNames = []string{
	"catalog.html",
	"document.html",
	"flipbook.html",
	"login.html",
	"admin.html",
	"error.html",
}

var templateFuncs = template.FuncMap{
	"bytes": func(n int64) string {
		if n < 0 {
			n = 0
		}
		return humanize.Bytes(uint64(n))
	},
	"ago": func(t time.Time) string {
		return humanize.Time(t)
	},
	"date": func(t time.Time) string {
		return t.Local().Format("2 Jan 2006 15:04")
	},
	"inc":  func(i int) int { return i + 1 },
	"join": strings.Join,
}

func parseTemplates() (map[string]*template.Template, error) {
	out := make(map[string]*template.Template, len(pageNames))
	for _, name := range pageNames {
		t, err := template.New(name).Funcs(templateFuncs).ParseFS(templateFS, "templates/layout.html", "templates/"+name)
		if err != nil {
			return nil, fmt.Errorf("parse template %s: %w", name, err)
		}
		out[name] = t
	}
	return out, nil
}

// view is the data handed to every page template.
type view struct {
	Title   string
	Account *domain.Account
	Flash   string
	Data    any
}

func (s *Server) render(w http.ResponseWriter, r *http.Request, status int, name, title string, data any) {
	t, ok := s.templates[name]
	if !ok {
		s.logger.Error("unknown template", "template", name, "request_id", requestID(w))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	st := stateFromRequest(r)
	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, "layout", view{
		Title:   title,
		Account: st.account,
		Flash:   st.flash,
		Data:    data,
	}); err != nil {
		s.logger.Error("render template failed", "template", name, "err", err, "request_id", requestID(w))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
}

func (s *Server) renderError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	s.render(w, r, status, "error.html", http.StatusText(status), map[string]any{
		"Status":    status,
		"Message":   msg,
		"RequestID": requestID(w),
	})
}
