package app

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"perpustakaan/internal/pdftest"
	"perpustakaan/pkg/domain"
	"perpustakaan/pkg/queue"
	"perpustakaan/pkg/storage"
	"perpustakaan/pkg/store"
)

type recordingRenderer struct {
	mu      sync.Mutex
	calls   []int64
	sources []string
	err     error
}

func (r *recordingRenderer) Pages(_ context.Context, id int64, src string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, id)
	r.sources = append(r.sources, src)
	if r.err != nil {
		return nil, r.err
	}
	return []string{"page_1.png"}, nil
}

func (r *recordingRenderer) snapshot() ([]int64, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.calls...), append([]string(nil), r.sources...)
}

type fixture struct {
	app      *App
	store    *store.MemoryStore
	objects  *storage.LocalStore
	queue    *queue.RedisJobQueue
	renderer *recordingRenderer
}

func newFixture(t *testing.T, maxRetries int) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	q, err := queue.NewRedisJobQueue(client, queue.RedisQueueConfig{
		Stream:     "test:render",
		Consumer:   "renderer-test",
		MaxRetries: maxRetries,
		RetryDelay: time.Millisecond,
		Block:      20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	objects, err := storage.NewLocalStore(filepath.Join(t.TempDir(), "uploads"))
	if err != nil {
		t.Fatalf("local store: %v", err)
	}
	f := &fixture{
		store:    store.NewMemoryStore(),
		objects:  objects,
		queue:    q,
		renderer: &recordingRenderer{},
	}
	a, err := New(Config{
		Store:   f.store,
		Objects: f.objects,
		Pages:   f.renderer,
		Queue:   f.queue,
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	f.app = a
	return f
}

func (f *fixture) addDocument(t *testing.T) domain.Document {
	t.Helper()
	raw := pdftest.Minimal(2, nil)
	key := "abc/buku.pdf"
	if err := f.objects.Put(context.Background(), key, bytes.NewReader(raw), int64(len(raw)), "application/pdf"); err != nil {
		t.Fatalf("put: %v", err)
	}
	doc, err := f.store.CreateDocument(domain.Document{
		Title:            "Buku",
		Author:           "Ani",
		Filename:         key,
		OriginalFilename: "buku.pdf",
		SizeBytes:        int64(len(raw)),
		CreatedAt:        time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return doc
}

func waitForStatus(t *testing.T, a *App, jobID string, want domain.JobStatus) queue.Job {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		job, err := a.GetJob(context.Background(), jobID)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if job.Status == want {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	job, _ := a.GetJob(context.Background(), jobID)
	t.Fatalf("job %s never reached %s, last state %+v", jobID, want, job)
	return queue.Job{}
}

func TestRendersQueuedDocument(t *testing.T) {
	f := newFixture(t, 3)
	doc := f.addDocument(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	job, err := f.app.Enqueue(ctx, doc.ID)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := f.app.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitForStatus(t, f.app, job.ID, domain.JobDone)

	calls, sources := f.renderer.snapshot()
	if len(calls) != 1 || calls[0] != doc.ID {
		t.Fatalf("unexpected render calls %v", calls)
	}
	if _, err := os.Stat(sources[0]); err != nil {
		t.Fatalf("render source is not a readable file: %v", err)
	}
}

func TestRenderFailureRetriesThenFails(t *testing.T) {
	f := newFixture(t, 2)
	f.renderer.err = errors.New("pdftoppm exploded")
	doc := f.addDocument(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	job, err := f.app.Enqueue(ctx, doc.ID)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := f.app.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	failed := waitForStatus(t, f.app, job.ID, domain.JobFailed)
	if failed.Attempts != 2 || failed.ErrorMessage == "" {
		t.Fatalf("unexpected failed job %+v", failed)
	}
}

func TestEnqueueUnknownDocument(t *testing.T) {
	f := newFixture(t, 1)
	if _, err := f.app.Enqueue(context.Background(), 404); err == nil {
		t.Fatalf("expected error for unknown document")
	}
}

func TestHandleJobForDeletedDocumentCompletes(t *testing.T) {
	f := newFixture(t, 1)
	if err := f.app.HandleJob(context.Background(), queue.Job{ID: "j", DocumentID: 77}); err != nil {
		t.Fatalf("expected nil for missing document, got %v", err)
	}
	if calls, _ := f.renderer.snapshot(); len(calls) != 0 {
		t.Fatalf("renderer should not run, got %v", calls)
	}
}

func TestGetJobNotFound(t *testing.T) {
	f := newFixture(t, 1)
	if _, err := f.app.GetJob(context.Background(), "missing"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}
