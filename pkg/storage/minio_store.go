package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"golang.org/x/sync/singleflight"
)

// MinioStore implements ObjectStore for MinIO/S3 compatible storage.
// LocalPath downloads objects into cacheDir on first use.
type MinioStore struct {
	client   *minio.Client
	bucket   string
	cacheDir string

	downloads singleflight.Group
}

// NewMinioStore connects to MinIO and ensures the bucket exists.
func NewMinioStore(endpoint, accessKey, secretKey, bucket string, useSSL bool, cacheDir string) (*MinioStore, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio client: %w", err)
	}
	return newMinioStore(client, bucket, cacheDir)
}

func newMinioStore(client *minio.Client, bucket, cacheDir string) (*MinioStore, error) {
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("create minio cache dir: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
	}
	return &MinioStore{client: client, bucket: bucket, cacheDir: cacheDir}, nil
}

// Put uploads an object.
func (m *MinioStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	key, err := cleanKey(key)
	if err != nil {
		return err
	}
	_, err = m.client.PutObject(ctx, m.bucket, key, r, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	return nil
}

// Open streams an object. The returned reader supports Seek for range requests.
func (m *MinioStore) Open(ctx context.Context, key string) (io.ReadSeekCloser, ObjectInfo, error) {
	key, err := cleanKey(key)
	if err != nil {
		return nil, ObjectInfo{}, err
	}
	obj, err := m.client.GetObject(ctx, m.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, ObjectInfo{}, mapMinioErr(err)
	}
	st, err := obj.Stat()
	if err != nil {
		obj.Close()
		return nil, ObjectInfo{}, mapMinioErr(err)
	}
	return obj, ObjectInfo{
		Key:         key,
		Size:        st.Size,
		ContentType: st.ContentType,
		ModTime:     st.LastModified,
	}, nil
}

// LocalPath materializes the object under the cache dir and returns its path.
// Concurrent calls for one key share a single download, and the file only
// appears under its final name once complete.
func (m *MinioStore) LocalPath(ctx context.Context, key string) (string, error) {
	key, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	target := filepath.Join(m.cacheDir, filepath.FromSlash(key))
	if isFile(target) {
		return target, nil
	}
	ch := m.downloads.DoChan(key, func() (any, error) {
		if isFile(target) {
			return target, nil
		}
		return target, m.download(context.WithoutCancel(ctx), key, target)
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return target, nil
	}
}

func (m *MinioStore) download(ctx context.Context, key, target string) error {
	obj, err := m.client.GetObject(ctx, m.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return mapMinioErr(err)
	}
	defer obj.Close()
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), "."+filepath.Base(target)+".*.part")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	n, err := io.Copy(tmp, obj)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return mapMinioErr(err)
	}
	if st, err := obj.Stat(); err == nil && st.Size != n {
		return fmt.Errorf("download %s: got %d of %d bytes", key, n, st.Size)
	}
	if err := os.Rename(tmpPath, target); err != nil {
		return fmt.Errorf("publish local copy: %w", err)
	}
	return nil
}

func isFile(path string) bool {
	st, err := os.Stat(path)
	return err == nil && st.Mode().IsRegular()
}

// Delete removes an object and any local copy.
func (m *MinioStore) Delete(ctx context.Context, key string) error {
	key, err := cleanKey(key)
	if err != nil {
		return err
	}
	if err := m.client.RemoveObject(ctx, m.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("delete object: %w", err)
	}
	_ = os.Remove(filepath.Join(m.cacheDir, filepath.FromSlash(key)))
	return nil
}

func mapMinioErr(err error) error {
	resp := minio.ToErrorResponse(err)
	if resp.Code == "NoSuchKey" || resp.StatusCode == 404 {
		return ErrNotFound
	}
	return fmt.Errorf("minio: %w", err)
}
