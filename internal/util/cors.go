package util

import (
	"net/http"

	"github.com/rs/cors"
)

// WithCORS allows read-only cross-origin access for the listed origins.
// An empty list allows any origin.
func WithCORS(origins []string, next http.Handler) http.Handler {
	opts := cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodHead, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}
	if len(origins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	return cors.New(opts).Handler(next)
}
