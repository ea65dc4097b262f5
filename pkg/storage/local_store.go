package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"strings"
)

// LocalStore saves uploaded files to disk under a base directory.
type LocalStore struct {
	basePath string
}

// NewLocalStore creates the base directory if missing.
func NewLocalStore(basePath string) (*LocalStore, error) {
	if strings.TrimSpace(basePath) == "" {
		return nil, fmt.Errorf("storage base path is required")
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &LocalStore{basePath: basePath}, nil
}

func (f *LocalStore) pathFor(key string) (string, error) {
	key, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(f.basePath, filepath.FromSlash(key)), nil
}

// Put writes the object through a temp file so readers never see a partial
// upload. Existing keys are not overwritten.
func (f *LocalStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	target, err := f.pathFor(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create object dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), ".upload-*")
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		return fmt.Errorf("write file: %w", err)
	}
	if size >= 0 && n != size {
		tmp.Close()
		return fmt.Errorf("write file: wrote %d of %d bytes", n, size)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close file: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	// Link fails if the target exists, unlike Rename.
	if err := os.Link(tmp.Name(), target); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("object %q already exists", key)
		}
		return fmt.Errorf("publish file: %w", err)
	}
	return nil
}

// Open opens the object for reading.
func (f *LocalStore) Open(_ context.Context, key string) (io.ReadSeekCloser, ObjectInfo, error) {
	p, err := f.pathFor(key)
	if err != nil {
		return nil, ObjectInfo{}, err
	}
	file, err := os.Open(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ObjectInfo{}, ErrNotFound
		}
		return nil, ObjectInfo{}, err
	}
	st, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, ObjectInfo{}, err
	}
	if st.IsDir() {
		file.Close()
		return nil, ObjectInfo{}, ErrNotFound
	}
	return file, ObjectInfo{
		Key:         key,
		Size:        st.Size(),
		ContentType: mime.TypeByExtension(filepath.Ext(p)),
		ModTime:     st.ModTime(),
	}, nil
}

// LocalPath returns the on-disk path of the object.
func (f *LocalStore) LocalPath(_ context.Context, key string) (string, error) {
	p, err := f.pathFor(key)
	if err != nil {
		return "", err
	}
	st, err := os.Stat(p)
	if err != nil || st.IsDir() {
		return "", ErrNotFound
	}
	return p, nil
}

// Delete removes the object and its directory when that becomes empty.
func (f *LocalStore) Delete(_ context.Context, key string) error {
	p, err := f.pathFor(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if dir := filepath.Dir(p); dir != filepath.Clean(f.basePath) {
		_ = os.Remove(dir)
	}
	return nil
}
