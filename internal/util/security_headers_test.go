package util

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWithSecurityHeaders(t *testing.T) {
	h := WithSecurityHeaders(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	plain := httptest.NewRecorder()
	h.ServeHTTP(plain, httptest.NewRequest(http.MethodGet, "/documents/1/flipbook", nil))
	want := map[string]string{
		"X-Content-Type-Options":     "nosniff",
		"X-Frame-Options":            "SAMEORIGIN",
		"Cross-Origin-Opener-Policy": "same-origin",
		"Strict-Transport-Security":  "",
	}
	for k, v := range want {
		if got := plain.Header().Get(k); got != v {
			t.Fatalf("%s = %q, want %q", k, got, v)
		}
	}
	csp := plain.Header().Get("Content-Security-Policy")
	for _, directive := range []string{"img-src 'self' data:", "script-src 'self' 'unsafe-inline'", "form-action 'self'"} {
		if !strings.Contains(csp, directive) {
			t.Fatalf("CSP %q lacks %q", csp, directive)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Forwarded-Proto", "HTTPS")
	proxied := httptest.NewRecorder()
	h.ServeHTTP(proxied, req)
	if proxied.Header().Get("Strict-Transport-Security") == "" {
		t.Fatalf("expected HSTS behind a TLS-terminating proxy")
	}
}
