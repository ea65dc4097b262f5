package store

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenRevoker remembers revoked session ids (JWT jti) until the session
// would have expired anyway.
type TokenRevoker interface {
	Revoke(sessionID string, until time.Time) error
	IsRevoked(sessionID string) (bool, error)
}

// MemoryTokenRevoker is a per-process revoker for single-instance setups.
type MemoryTokenRevoker struct {
	mu    sync.Mutex
	until map[string]time.Time
}

func NewMemoryTokenRevoker() *MemoryTokenRevoker {
	return &MemoryTokenRevoker{until: make(map[string]time.Time)}
}

// Revoke records sessionID and drops entries that already lapsed.
func (r *MemoryTokenRevoker) Revoke(sessionID string, until time.Time) error {
	now := time.Now()
	if !until.After(now) {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, exp := range r.until {
		if !exp.After(now) {
			delete(r.until, id)
		}
	}
	r.until[sessionID] = until
	return nil
}

func (r *MemoryTokenRevoker) IsRevoked(sessionID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	exp, ok := r.until[sessionID]
	return ok && time.Now().Before(exp), nil
}

const revokedKeyPrefix = "perpustakaan:revoked:"

// RedisTokenRevoker shares revocations between library instances; keys
// expire on their own.
type RedisTokenRevoker struct {
	client  *redis.Client
	timeout time.Duration
}

func NewRedisTokenRevoker(client *redis.Client) *RedisTokenRevoker {
	return &RedisTokenRevoker{client: client, timeout: 3 * time.Second}
}

func (r *RedisTokenRevoker) Revoke(sessionID string, until time.Time) error {
	ttl := time.Until(until)
	if ttl <= 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	return r.client.Set(ctx, revokedKeyPrefix+sessionID, until.Unix(), ttl).Err()
}

func (r *RedisTokenRevoker) IsRevoked(sessionID string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	n, err := r.client.Exists(ctx, revokedKeyPrefix+sessionID).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
