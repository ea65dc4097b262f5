// Package queue carries background render jobs over a Redis stream.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"perpustakaan/internal/util"
	"perpustakaan/pkg/domain"
)

// Job is the persisted state of one render job.
type Job struct {
	ID           string           `json:"id"`
	DocumentID   int64            `json:"documentId"`
	Status       domain.JobStatus `json:"status"`
	ErrorMessage string           `json:"errorMessage,omitempty"`
	Attempts     int              `json:"attempts"`
	CreatedAt    time.Time        `json:"createdAt"`
	UpdatedAt    time.Time        `json:"updatedAt"`
}

// Handler processes one job. A returned error schedules a retry until the
// attempt budget is spent.
type Handler func(context.Context, Job) error

type RedisJobQueue struct {
	client       *redis.Client
	stream       string
	group        string
	consumerBase string
	jobTTL       time.Duration
	maxRetries   int
	block        time.Duration
	claimIdle    time.Duration
	retryDelay   time.Duration
	maxLen       int64
	readCount    int64
	claimCount   int64
	logger       *slog.Logger
	once         sync.Once
	groupErr     error
}

type RedisQueueConfig struct {
	Stream     string
	Group      string
	Consumer   string
	JobTTL     time.Duration
	MaxRetries int
	Block      time.Duration
	ClaimIdle  time.Duration
	RetryDelay time.Duration
	MaxLen     int64
	ReadCount  int64
	ClaimCount int64
	Logger     *slog.Logger
}

func NewRedisJobQueue(client *redis.Client, cfg RedisQueueConfig) (*RedisJobQueue, error) {
	if client == nil {
		return nil, errors.New("redis client required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		return nil, errors.New("queue stream required")
	}
	group := strings.TrimSpace(cfg.Group)
	if group == "" {
		group = "renderers"
	}
	consumer := strings.TrimSpace(cfg.Consumer)
	if consumer == "" {
		consumer = util.NewID()
	}
	jobTTL := cfg.JobTTL
	if jobTTL <= 0 {
		jobTTL = 24 * time.Hour
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	block := cfg.Block
	if block <= 0 {
		block = 5 * time.Second
	}
	claimIdle := cfg.ClaimIdle
	if claimIdle <= 0 {
		claimIdle = 5 * time.Minute
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 2 * time.Second
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = 10000
	}
	readCount := cfg.ReadCount
	if readCount <= 0 {
		readCount = 1
	}
	claimCount := cfg.ClaimCount
	if claimCount <= 0 {
		claimCount = 10
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &RedisJobQueue{
		client:       client,
		stream:       stream,
		group:        group,
		consumerBase: consumer,
		jobTTL:       jobTTL,
		maxRetries:   maxRetries,
		block:        block,
		claimIdle:    claimIdle,
		retryDelay:   retryDelay,
		maxLen:       maxLen,
		readCount:    readCount,
		claimCount:   claimCount,
		logger:       logger,
	}, nil
}

// Enqueue records a queued job for documentID and appends it to the stream.
func (q *RedisJobQueue) Enqueue(ctx context.Context, documentID int64) (Job, error) {
	if documentID <= 0 {
		return Job{}, errors.New("documentId required")
	}
	now := time.Now().UTC()
	job := Job{
		ID:         util.NewID(),
		DocumentID: documentID,
		Status:     domain.JobQueued,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := q.writeStatus(ctx, job); err != nil {
		return Job{}, err
	}
	if err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: messageValues(job.ID, job.DocumentID),
	}).Err(); err != nil {
		return Job{}, err
	}
	return job, nil
}

func (q *RedisJobQueue) GetJob(ctx context.Context, jobID string) (Job, bool, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return Job{}, false, nil
	}
	data, err := q.client.HGetAll(ctx, q.jobKey(jobID)).Result()
	if err != nil {
		return Job{}, false, err
	}
	if len(data) == 0 {
		return Job{}, false, nil
	}
	return decodeJob(jobID, data), true, nil
}

// Start launches concurrency consumers that run until ctx is done.
func (q *RedisJobQueue) Start(ctx context.Context, concurrency int, handler Handler) error {
	if concurrency <= 0 {
		concurrency = 1
	}
	if err := q.ensureGroup(ctx); err != nil {
		return err
	}
	for i := 0; i < concurrency; i++ {
		consumer := fmt.Sprintf("%s-%d", q.consumerBase, i)
		go q.consumeLoop(ctx, consumer, handler)
	}
	return nil
}

// ensureGroup creates the consumer group from the start of the stream so jobs
// enqueued before the first worker came up are still delivered.
func (q *RedisJobQueue) ensureGroup(ctx context.Context) error {
	q.once.Do(func() {
		err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			q.groupErr = fmt.Errorf("create consumer group: %w", err)
		}
	})
	return q.groupErr
}

func (q *RedisJobQueue) consumeLoop(ctx context.Context, consumer string, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := q.claimPending(ctx, consumer)
		if err != nil && ctx.Err() == nil {
			q.logger.Warn("queue claim failed", "stream", q.stream, "consumer", consumer, "err", err)
		}
		for _, msg := range msgs {
			q.handleMessage(ctx, msg, handler)
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: consumer,
			Streams:  []string{q.stream, ">"},
			Count:    q.readCount,
			Block:    q.block,
		}).Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
				q.logger.Warn("queue read failed", "stream", q.stream, "consumer", consumer, "err", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(q.retryDelay):
				}
			}
			continue
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				q.handleMessage(ctx, msg, handler)
			}
		}
	}
}

func (q *RedisJobQueue) claimPending(ctx context.Context, consumer string) ([]redis.XMessage, error) {
	res, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: consumer,
		MinIdle:  q.claimIdle,
		Start:    "0-0",
		Count:    q.claimCount,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (q *RedisJobQueue) handleMessage(ctx context.Context, msg redis.XMessage, handler Handler) {
	jobID, _ := msg.Values["job_id"].(string)
	rawDoc, _ := msg.Values["document_id"].(string)
	documentID, err := strconv.ParseInt(rawDoc, 10, 64)
	if jobID == "" || err != nil || documentID <= 0 {
		q.logger.Warn("dropping malformed queue message", "stream", q.stream, "msg_id", msg.ID)
		q.ackAndDel(ctx, msg.ID)
		return
	}
	job, err := q.markProcessing(ctx, jobID, documentID)
	if err != nil {
		q.logger.Error("queue status update failed", "job_id", jobID, "err", err)
		q.ackAndDel(ctx, msg.ID)
		return
	}
	herr := handler(ctx, job)
	if herr == nil {
		_ = q.markDone(ctx, jobID)
		q.ackAndDel(ctx, msg.ID)
		return
	}
	if job.Attempts >= q.maxRetries {
		q.logger.Error("render job failed", "job_id", jobID, "document_id", documentID, "attempts", job.Attempts, "err", herr)
		_ = q.markFailed(ctx, jobID, herr.Error())
		q.ackAndDel(ctx, msg.ID)
		return
	}
	q.logger.Warn("render job will retry", "job_id", jobID, "document_id", documentID, "attempts", job.Attempts, "err", herr)
	_ = q.markQueued(ctx, jobID, herr.Error())
	if q.retryDelay > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(q.retryDelay):
		}
	}
	// On failure the message stays pending and is reclaimed after claimIdle.
	_ = q.requeueAndAck(ctx, msg.ID, jobID, documentID)
}

func (q *RedisJobQueue) ackAndDel(ctx context.Context, msgID string) {
	_, _ = q.client.XAck(ctx, q.stream, q.group, msgID).Result()
	_, _ = q.client.XDel(ctx, q.stream, msgID).Result()
}

func (q *RedisJobQueue) requeueAndAck(ctx context.Context, msgID, jobID string, documentID int64) error {
	pipe := q.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: messageValues(jobID, documentID),
	})
	pipe.XAck(ctx, q.stream, q.group, msgID)
	pipe.XDel(ctx, q.stream, msgID)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RedisJobQueue) markProcessing(ctx context.Context, jobID string, documentID int64) (Job, error) {
	job, ok, err := q.GetJob(ctx, jobID)
	if err != nil {
		return Job{}, err
	}
	if !ok {
		job = Job{ID: jobID}
	}
	job.DocumentID = documentID
	job.Attempts++
	job.Status = domain.JobProcessing
	job.UpdatedAt = time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = job.UpdatedAt
	}
	if err := q.writeStatus(ctx, job); err != nil {
		return Job{}, err
	}
	return job, nil
}

func (q *RedisJobQueue) markQueued(ctx context.Context, jobID, errMsg string) error {
	return q.transition(ctx, jobID, domain.JobQueued, errMsg)
}

func (q *RedisJobQueue) markDone(ctx context.Context, jobID string) error {
	return q.transition(ctx, jobID, domain.JobDone, "")
}

func (q *RedisJobQueue) markFailed(ctx context.Context, jobID, errMsg string) error {
	return q.transition(ctx, jobID, domain.JobFailed, errMsg)
}

func (q *RedisJobQueue) transition(ctx context.Context, jobID string, status domain.JobStatus, errMsg string) error {
	job, _, err := q.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	job.ID = jobID
	job.Status = status
	job.ErrorMessage = errMsg
	job.UpdatedAt = time.Now().UTC()
	return q.writeStatus(ctx, job)
}

func (q *RedisJobQueue) writeStatus(ctx context.Context, job Job) error {
	key := q.jobKey(job.ID)
	payload := map[string]any{
		"id":         job.ID,
		"documentId": strconv.FormatInt(job.DocumentID, 10),
		"status":     string(job.Status),
		"error":      job.ErrorMessage,
		"attempts":   strconv.Itoa(job.Attempts),
		"createdAt":  job.CreatedAt.Format(time.RFC3339Nano),
		"updatedAt":  job.UpdatedAt.Format(time.RFC3339Nano),
	}
	if err := q.client.HSet(ctx, key, payload).Err(); err != nil {
		return err
	}
	_ = q.client.Expire(ctx, key, q.jobTTL).Err()
	return nil
}

func (q *RedisJobQueue) jobKey(jobID string) string {
	return fmt.Sprintf("job:%s:%s", q.stream, jobID)
}

func messageValues(jobID string, documentID int64) map[string]any {
	return map[string]any{
		"job_id":      jobID,
		"document_id": strconv.FormatInt(documentID, 10),
	}
}

func decodeJob(jobID string, data map[string]string) Job {
	job := Job{ID: jobID}
	if v := data["documentId"]; v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			job.DocumentID = n
		}
	}
	job.Status = domain.JobStatus(data["status"])
	job.ErrorMessage = data["error"]
	if v := data["attempts"]; v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			job.Attempts = n
		}
	}
	if v := data["createdAt"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			job.CreatedAt = t
		}
	}
	if v := data["updatedAt"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			job.UpdatedAt = t
		}
	}
	return job
}
