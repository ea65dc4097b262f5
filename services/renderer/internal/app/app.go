package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"perpustakaan/pkg/queue"
	"perpustakaan/pkg/storage"
	"perpustakaan/pkg/store"
)

// ErrJobNotFound is returned for unknown or expired job ids.
var ErrJobNotFound = errors.New("job not found")

// PageRenderer builds page sets; satisfied by *pageset.Cache.
type PageRenderer interface {
	Pages(ctx context.Context, documentID int64, sourcePath string) ([]string, error)
}

// JobQueue is the render job queue; satisfied by *queue.RedisJobQueue.
type JobQueue interface {
	Enqueue(ctx context.Context, documentID int64) (queue.Job, error)
	GetJob(ctx context.Context, jobID string) (queue.Job, bool, error)
	Start(ctx context.Context, concurrency int, handler queue.Handler) error
}

// Config holds runtime dependencies.
type Config struct {
	Store       store.Store
	Objects     storage.ObjectStore
	Pages       PageRenderer
	Queue       JobQueue
	Concurrency int
	Logger      *slog.Logger
}

// App consumes render jobs and pre-builds page sets.
type App struct {
	store       store.Store
	objects     storage.ObjectStore
	pages       PageRenderer
	queue       JobQueue
	concurrency int
	logger      *slog.Logger
}

// New validates cfg and constructs the renderer.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, errors.New("store required")
	}
	if cfg.Objects == nil {
		return nil, errors.New("object store required")
	}
	if cfg.Pages == nil {
		return nil, errors.New("page renderer required")
	}
	if cfg.Queue == nil {
		return nil, errors.New("job queue required")
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &App{
		store:       cfg.Store,
		objects:     cfg.Objects,
		pages:       cfg.Pages,
		queue:       cfg.Queue,
		concurrency: concurrency,
		logger:      logger,
	}, nil
}

// Start launches the queue consumers; they stop when ctx is done.
func (a *App) Start(ctx context.Context) error {
	return a.queue.Start(ctx, a.concurrency, a.HandleJob)
}

// HandleJob renders the page set of the job's document. A document deleted
// after the job was queued completes the job without rendering.
func (a *App) HandleJob(ctx context.Context, job queue.Job) error {
	start := time.Now()
	doc, ok, err := a.store.GetDocument(job.DocumentID)
	if err != nil {
		return fmt.Errorf("load document %d: %w", job.DocumentID, err)
	}
	if !ok {
		a.logger.Warn("render job for unknown document", "job_id", job.ID, "document_id", job.DocumentID)
		return nil
	}
	source, err := a.objects.LocalPath(ctx, doc.Filename)
	if err != nil {
		return fmt.Errorf("resolve source of document %d: %w", doc.ID, err)
	}
	pages, err := a.pages.Pages(ctx, doc.ID, source)
	if err != nil {
		return err
	}
	a.logger.Info("render job done",
		"job_id", job.ID,
		"document_id", doc.ID,
		"pages", len(pages),
		"attempt", job.Attempts,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// Enqueue schedules a render of documentID after checking it exists.
func (a *App) Enqueue(ctx context.Context, documentID int64) (queue.Job, error) {
	_, ok, err := a.store.GetDocument(documentID)
	if err != nil {
		return queue.Job{}, fmt.Errorf("load document %d: %w", documentID, err)
	}
	if !ok {
		return queue.Job{}, fmt.Errorf("document %d not found", documentID)
	}
	return a.queue.Enqueue(ctx, documentID)
}

// GetJob reports the status of a render job.
func (a *App) GetJob(ctx context.Context, jobID string) (queue.Job, error) {
	job, ok, err := a.queue.GetJob(ctx, jobID)
	if err != nil {
		return queue.Job{}, err
	}
	if !ok {
		return queue.Job{}, ErrJobNotFound
	}
	return job, nil
}
