package util

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

type loggerContextKey struct{}

// ParseLevel maps debug, info, warn, error to slog levels. Unknown input is info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// InitLogger configures the global slog logger with JSON output and level.
// When path is non-empty, records are appended to that file instead of stdout;
// the returned closer releases it.
func InitLogger(level, path string) (*slog.Logger, io.Closer, error) {
	w, closer, err := OpenLogWriter(path)
	if err != nil {
		return nil, nil, err
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:     ParseLevel(level),
		AddSource: true,
	})
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, closer, nil
}

// NewAccessLogger builds a JSON logger for per-request records.
// An empty path writes to stdout.
func NewAccessLogger(path string) (*slog.Logger, io.Closer, error) {
	w, closer, err := OpenLogWriter(path)
	if err != nil {
		return nil, nil, err
	}
	return slog.New(slog.NewJSONHandler(w, nil)), closer, nil
}

// OpenLogWriter opens path for appending, creating parent directories.
func OpenLogWriter(path string) (io.Writer, io.Closer, error) {
	path = strings.TrimSpace(path)
	if path == "" || path == "-" {
		return os.Stdout, io.NopCloser(nil), nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	return f, f, nil
}

// ContextWithLogger stores logger in ctx.
func ContextWithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerContextKey{}, logger)
}

// LoggerFromContext returns the request logger, or slog.Default.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if ctx != nil {
		if logger, ok := ctx.Value(loggerContextKey{}).(*slog.Logger); ok && logger != nil {
			return logger
		}
	}
	return slog.Default()
}

// Fatal logs msg at error level on the default logger and exits.
func Fatal(msg string, args ...any) {
	slog.Error(msg, args...)
	os.Exit(1)
}
