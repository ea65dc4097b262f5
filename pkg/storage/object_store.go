// Package storage keeps original uploads, either on local disk or in a
// MinIO/S3 bucket.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"
)

var (
	ErrNotFound   = errors.New("object not found")
	ErrInvalidKey = errors.New("invalid object key")
)

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key         string
	Size        int64
	ContentType string
	ModTime     time.Time
}

// ObjectStore provides access to stored uploads.
type ObjectStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Open(ctx context.Context, key string) (io.ReadSeekCloser, ObjectInfo, error)
	// LocalPath returns a filesystem path holding the object's bytes, for
	// tools that can only read files.
	LocalPath(ctx context.Context, key string) (string, error)
	Delete(ctx context.Context, key string) error
}

// cleanKey accepts slash-separated relative keys and rejects anything that
// could escape the store root.
func cleanKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" || strings.Contains(key, "\\") || strings.HasPrefix(key, "/") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	cleaned := path.Clean(key)
	if cleaned != key || cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return cleaned, nil
}
