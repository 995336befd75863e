package shared

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// SaleLockKey builds redis keys guarding sale-level workflows.
func SaleLockKey(saleID int64) string {
	return fmt.Sprintf("ledger:sale:%d", saleID)
}

// AccountLockKey builds redis keys guarding direct account deltas.
func AccountLockKey(accountID int64) string {
	return fmt.Sprintf("ledger:account:%d", accountID)
}

// Locker serialises writers on one entity.
type Locker interface {
	// Acquire returns a release func, or ErrConflict when the key is held.
	Acquire(ctx context.Context, key string) (func(context.Context), error)
}

// RedisLocker implements Locker on redislock.
type RedisLocker struct {
	client *redislock.Client
	ttl    time.Duration
	wait   time.Duration
}

// NewRedisLocker builds a locker; wait bounds how long Acquire retries a held key.
func NewRedisLocker(client *redis.Client, ttl, wait time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLocker{client: redislock.New(client), ttl: ttl, wait: wait}
}

// Acquire obtains key for the configured TTL.
func (l *RedisLocker) Acquire(ctx context.Context, key string) (func(context.Context), error) {
	var opts *redislock.Options
	if l.wait > 0 {
		backoff := 50 * time.Millisecond
		opts = &redislock.Options{RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(backoff), int(l.wait/backoff))}
	}
	lock, err := l.client.Obtain(ctx, key, l.ttl, opts)
	if err != nil {
		if errors.Is(err, redislock.ErrNotObtained) {
			return nil, Conflictf("%s is locked by another operation", key)
		}
		return nil, fmt.Errorf("%w: obtain lock %s: %w", ErrExternalStore, key, err)
	}
	return func(ctx context.Context) {
		_ = lock.Release(ctx)
	}, nil
}

// NoopLocker never blocks; used with the memory store where WithTx already serialises.
type NoopLocker struct{}

// Acquire always succeeds.
func (NoopLocker) Acquire(context.Context, string) (func(context.Context), error) {
	return func(context.Context) {}, nil
}
