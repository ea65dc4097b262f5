package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)
	extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)
)

// RedisLocker provides mutual exclusion per key across processes sharing a Redis.
// A held lock is a key with a random token and a lease that is renewed in the
// background until released.
type RedisLocker struct {
	client *redis.Client
	prefix string
	lease  time.Duration
	retry  time.Duration
}

// Options tunes a RedisLocker. Zero values pick defaults.
type Options struct {
	Prefix string
	Lease  time.Duration
	Retry  time.Duration
}

// NewRedisLocker builds a locker on client.
func NewRedisLocker(client *redis.Client, opts Options) (*RedisLocker, error) {
	if client == nil {
		return nil, errors.New("redis client required")
	}
	prefix := strings.TrimSpace(opts.Prefix)
	if prefix == "" {
		prefix = "perpustakaan:lock"
	}
	lease := opts.Lease
	if lease <= 0 {
		lease = 30 * time.Second
	}
	retry := opts.Retry
	if retry <= 0 {
		retry = 100 * time.Millisecond
	}
	return &RedisLocker{client: client, prefix: prefix, lease: lease, retry: retry}, nil
}

// Lock blocks until key is acquired or ctx is done. The returned function
// releases the lock and must be called exactly once.
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := l.prefix + ":" + key
	token := uuid.NewString()
	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.lease).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.retry):
		}
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go l.keepAlive(redisKey, token, stop, done)

	return func() {
		close(stop)
		<-done
		releaseCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = releaseScript.Run(releaseCtx, l.client, []string{redisKey}, token).Err()
	}, nil
}

func (l *RedisLocker) keepAlive(redisKey, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(l.lease / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			_ = extendScript.Run(ctx, l.client, []string{redisKey}, token, l.lease.Milliseconds()).Err()
			cancel()
		}
	}
}
