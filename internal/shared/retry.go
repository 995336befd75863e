package shared

import (
	"context"
	"errors"
	"time"

	"github.com/odyssey-erp/retail-ledger/internal/store"
)

// RetryPolicy bounds optimistic-concurrency retries.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
	// MaxDelay caps the doubling backoff when set.
	MaxDelay time.Duration
	// OnRetry is invoked before each new attempt.
	OnRetry func(attempt int, err error)
}

// DefaultRetryPolicy matches the configuration defaults.
var DefaultRetryPolicy = RetryPolicy{Attempts: 5, BaseDelay: 20 * time.Millisecond}

// Retry runs fn until it succeeds, fails with anything other than a version
// conflict, or attempts run out. Exhaustion is reported as ErrConsistency.
func Retry(ctx context.Context, policy RetryPolicy, op string, fn func(context.Context) error) error {
	attempts := policy.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	delay := policy.BaseDelay
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn(ctx)
		if err == nil || !errors.Is(err, store.ErrVersionConflict) {
			return err
		}
		if attempt == attempts {
			break
		}
		if policy.OnRetry != nil {
			policy.OnRetry(attempt, err)
		}
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			delay *= 2
			if policy.MaxDelay > 0 && delay > policy.MaxDelay {
				delay = policy.MaxDelay
			}
		}
	}
	return Consistencyf("%s: concurrent update not resolved after %d attempts", op, attempts)
}
