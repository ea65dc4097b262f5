package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"perpustakaan/pkg/domain"
)

func newTestQueue(t *testing.T, cfg RedisQueueConfig) *RedisJobQueue {
	t.Helper()
	redisSrv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: redisSrv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	if cfg.Stream == "" {
		cfg.Stream = "test:render"
	}
	if cfg.Group == "" {
		cfg.Group = "test-group"
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "consumer-1"
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = time.Millisecond
	}
	if cfg.Block == 0 {
		cfg.Block = 20 * time.Millisecond
	}
	q, err := NewRedisJobQueue(client, cfg)
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	return q
}

func waitForStatus(t *testing.T, q *RedisJobQueue, jobID string, want domain.JobStatus) Job {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		job, ok, err := q.GetJob(context.Background(), jobID)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if ok && job.Status == want {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	job, _, _ := q.GetJob(context.Background(), jobID)
	t.Fatalf("job %s never reached %s, last state %+v", jobID, want, job)
	return Job{}
}

func TestRedisJobQueueEnqueueRejectsInvalidDocument(t *testing.T) {
	q := newTestQueue(t, RedisQueueConfig{})
	if _, err := q.Enqueue(context.Background(), 0); err == nil {
		t.Fatalf("expected error for zero document id")
	}
}

func TestRedisJobQueueProcessesBacklog(t *testing.T) {
	q := newTestQueue(t, RedisQueueConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Enqueued before any consumer group exists.
	job, err := q.Enqueue(ctx, 12)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if job.Status != domain.JobQueued {
		t.Fatalf("expected queued status, got %s", job.Status)
	}

	seen := make(chan int64, 1)
	if err := q.Start(ctx, 1, func(_ context.Context, j Job) error {
		seen <- j.DocumentID
		return nil
	}); err != nil {
		t.Fatalf("start: %v", err)
	}
	select {
	case id := <-seen:
		if id != 12 {
			t.Fatalf("handler got document %d", id)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("handler never invoked")
	}
	done := waitForStatus(t, q, job.ID, domain.JobDone)
	if done.Attempts != 1 || done.DocumentID != 12 {
		t.Fatalf("unexpected final job %+v", done)
	}
}

func TestRedisJobQueueRetriesThenFails(t *testing.T) {
	q := newTestQueue(t, RedisQueueConfig{MaxRetries: 2})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	if err := q.Start(ctx, 1, func(context.Context, Job) error {
		calls.Add(1)
		return errors.New("pdftoppm exploded")
	}); err != nil {
		t.Fatalf("start: %v", err)
	}
	job, err := q.Enqueue(ctx, 3)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	failed := waitForStatus(t, q, job.ID, domain.JobFailed)
	if failed.Attempts != 2 || failed.ErrorMessage != "pdftoppm exploded" {
		t.Fatalf("unexpected failed job %+v", failed)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("expected 2 handler calls, got %d", got)
	}
}

func TestRedisJobQueueRequeueAndAckSuccess(t *testing.T) {
	q, ctx, msgID, jobID := newPendingQueueMessage(t)

	if err := q.requeueAndAck(ctx, msgID, jobID, 5); err != nil {
		t.Fatalf("requeue and ack: %v", err)
	}

	pending, err := q.client.XPending(ctx, q.stream, q.group).Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if pending.Count != 0 {
		t.Fatalf("expected no pending messages, got %d", pending.Count)
	}

	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: "consumer-2",
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    0,
	}).Result()
	if err != nil {
		t.Fatalf("read requeued message: %v", err)
	}
	if len(streams) != 1 || len(streams[0].Messages) != 1 {
		t.Fatalf("expected one requeued message, got %+v", streams)
	}
	got := streams[0].Messages[0]
	if got.Values["job_id"] != jobID || got.Values["document_id"] != "5" {
		t.Fatalf("unexpected requeued payload: %+v", got.Values)
	}
}

func TestRedisJobQueueRequeueAndAckFailureKeepsPendingMessage(t *testing.T) {
	q, ctx, msgID, jobID := newPendingQueueMessage(t)

	canceledCtx, cancel := context.WithCancel(ctx)
	cancel()
	if err := q.requeueAndAck(canceledCtx, msgID, jobID, 5); err == nil {
		t.Fatalf("expected requeueAndAck to fail on canceled context")
	}

	pending, err := q.client.XPending(ctx, q.stream, q.group).Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if pending.Count != 1 {
		t.Fatalf("expected original message to remain pending, got %d", pending.Count)
	}
	streamLen, err := q.client.XLen(ctx, q.stream).Result()
	if err != nil {
		t.Fatalf("xlen: %v", err)
	}
	if streamLen != 1 {
		t.Fatalf("expected no new message in stream on failure, got len=%d", streamLen)
	}
}

func newPendingQueueMessage(t *testing.T) (*RedisJobQueue, context.Context, string, string) {
	t.Helper()
	q := newTestQueue(t, RedisQueueConfig{})
	ctx := context.Background()
	if err := q.ensureGroup(ctx); err != nil {
		t.Fatalf("ensure group: %v", err)
	}

	job, err := q.Enqueue(ctx, 5)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: "consumer-1",
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    0,
	}).Result()
	if err != nil {
		t.Fatalf("readgroup: %v", err)
	}
	if len(streams) != 1 || len(streams[0].Messages) != 1 {
		t.Fatalf("expected one pending message, got %+v", streams)
	}
	return q, ctx, streams[0].Messages[0].ID, job.ID
}
