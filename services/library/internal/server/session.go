package server

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"time"

	"perpustakaan/pkg/domain"
	"perpustakaan/services/library/internal/app"
)

const (
	sessionCookie = "perpustakaan_session"
	flashCookie   = "perpustakaan_flash"
)

// requestState is resolved once per request: the signed-in account, if any,
// and the flash message left by the previous response.
type requestState struct {
	account *domain.Account
	token   string
	flash   string
}

type stateContextKey struct{}

func stateFromRequest(r *http.Request) *requestState {
	if st, ok := r.Context().Value(stateContextKey{}).(*requestState); ok && st != nil {
		return st
	}
	return &requestState{}
}

// withState resolves the session cookie and consumes the flash cookie.
func (s *Server) withState(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		st := &requestState{}
		if c, err := r.Cookie(sessionCookie); err == nil && c.Value != "" {
			st.token = c.Value
			acct, err := s.app.Authenticate(r.Context(), c.Value)
			switch {
			case err == nil:
				st.account = &acct
			case errors.Is(err, app.ErrUnauthenticated):
				s.clearSession(w)
			default:
				s.logger.Error("session lookup failed", "err", err, "request_id", requestID(w))
			}
		}
		if c, err := r.Cookie(flashCookie); err == nil && c.Value != "" {
			if raw, err := base64.RawURLEncoding.DecodeString(c.Value); err == nil {
				st.flash = string(raw)
			}
			http.SetCookie(w, &http.Cookie{Name: flashCookie, Value: "", Path: "/", MaxAge: -1, HttpOnly: true, SameSite: http.SameSiteLaxMode})
		}
		ctx := context.WithValue(r.Context(), stateContextKey{}, st)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) setFlash(w http.ResponseWriter, msg string) {
	http.SetCookie(w, &http.Cookie{
		Name:     flashCookie,
		Value:    base64.RawURLEncoding.EncodeToString([]byte(msg)),
		Path:     "/",
		MaxAge:   60,
		HttpOnly: true,
		Secure:   s.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Server) setSession(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    token,
		Path:     "/",
		Expires:  time.Now().Add(s.sessionTTL),
		MaxAge:   int(s.sessionTTL.Seconds()),
		HttpOnly: true,
		Secure:   s.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Server) clearSession(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

// redirect answers with 303 so a POST is followed by a GET.
func redirect(w http.ResponseWriter, r *http.Request, target string) {
	http.Redirect(w, r, target, http.StatusSeeOther)
}
