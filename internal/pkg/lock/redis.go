package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/jcmexdev/inventory-saga/internal/pkg/retry"
)

const (
	DefaultTTL  = 10 * time.Second
	DefaultWait = 5 * time.Second

	keyPrefix     = "lock:"
	retryInterval = 50 * time.Millisecond
)

var errBusy = errors.New("lock: busy")

// releaseScript deletes the lock only when the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a Locker shared by every process pointing at the same Redis.
// The TTL bounds how long a crashed holder can block others.
type Redis struct {
	client redis.UniversalClient
	ttl    time.Duration
	wait   time.Duration
}

func NewRedis(client redis.UniversalClient, ttl, wait time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if wait <= 0 {
		wait = DefaultWait
	}
	return &Redis{client: client, ttl: ttl, wait: wait}
}

func (r *Redis) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	token := uuid.NewString()
	if err := r.acquire(ctx, keyPrefix+key, token); err != nil {
		return err
	}
	defer r.release(keyPrefix+key, token)

	return fn(ctx)
}

func (r *Redis) acquire(ctx context.Context, key, token string) error {
	waitCtx, cancel := context.WithTimeout(ctx, r.wait)
	defer cancel()

	policy := retry.Policy{
		Attempts:  uint(r.wait/retryInterval) + 1,
		Delay:     retryInterval,
		Strategy:  retry.Constant,
		Retryable: func(err error) bool { return errors.Is(err, errBusy) },
	}

	err := retry.Do(waitCtx, policy, func(ctx context.Context) error {
		ok, err := r.client.SetNX(ctx, key, token, r.ttl).Result()
		if err != nil {
			return fmt.Errorf("lock: setnx %s: %w", key, err)
		}
		if !ok {
			return errBusy
		}
		return nil
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, errBusy) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", ErrNotAcquired, key)
	}
	return err
}

func (r *Redis) release(key, token string) {
	// The caller's context may already be cancelled; release regardless.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := releaseScript.Run(ctx, r.client, []string{key}, token).Err(); err != nil {
		slog.Warn("failed to release lock", "key", key, "error", err)
	}
}
