package shared

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/retail-ledger/internal/store"
)

func TestExternalStoreClassification(t *testing.T) {
	err := ExternalStore("get sale", store.ErrNotFound)
	require.ErrorIs(t, err, ErrNotFound)

	err = ExternalStore("insert entry", errors.New("connection reset"))
	require.ErrorIs(t, err, ErrExternalStore)
	require.Equal(t, "internal error", UserSafeMessage(err))

	validation := Validationf("amount must be positive")
	require.Same(t, validation, ExternalStore("op", validation))
	require.Equal(t, "validation failed: amount must be positive", UserSafeMessage(validation))

	require.ErrorIs(t, ExternalStore("op", store.ErrVersionConflict), store.ErrVersionConflict)
}

func TestRetryResolvesConflict(t *testing.T) {
	calls := 0
	retried := 0
	policy := RetryPolicy{Attempts: 3, OnRetry: func(int, error) { retried++ }}
	err := Retry(context.Background(), policy, "apply", func(context.Context) error {
		calls++
		if calls < 3 {
			return store.ErrVersionConflict
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
	require.Equal(t, 2, retried)
}

func TestRetryExhaustedIsConsistencyError(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryPolicy{Attempts: 2, BaseDelay: time.Millisecond}, "apply", func(context.Context) error {
		calls++
		return store.ErrVersionConflict
	})
	require.ErrorIs(t, err, ErrConsistency)
	require.Equal(t, 2, calls)
}

func TestRetryStopsOnOtherErrors(t *testing.T) {
	calls := 0
	boom := errors.New("boom")
	err := Retry(context.Background(), DefaultRetryPolicy, "apply", func(context.Context) error {
		calls++
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, calls)
}

func TestRedisLocker(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	locker := NewRedisLocker(client, time.Second, 0)
	ctx := context.Background()

	release, err := locker.Acquire(ctx, SaleLockKey(7))
	require.NoError(t, err)

	_, err = locker.Acquire(ctx, SaleLockKey(7))
	require.ErrorIs(t, err, ErrConflict)

	other, err := locker.Acquire(ctx, SaleLockKey(8))
	require.NoError(t, err)
	other(ctx)

	release(ctx)
	again, err := locker.Acquire(ctx, SaleLockKey(7))
	require.NoError(t, err)
	again(ctx)
}

func TestMemoryKeyStore(t *testing.T) {
	keys := NewMemoryKeyStore()
	ctx := context.Background()

	require.NoError(t, keys.CheckAndInsert(ctx, "k1", "ledger", Fingerprint(map[string]int{"a": 1})))
	err := keys.CheckAndInsert(ctx, "k1", "ledger", Fingerprint(map[string]int{"a": 1}))
	require.ErrorIs(t, err, ErrIdempotencyConflict)

	err = keys.CheckAndInsert(ctx, "k1", "ledger", Fingerprint(map[string]int{"a": 2}))
	require.ErrorIs(t, err, ErrConflict)
	require.NotErrorIs(t, err, ErrIdempotencyConflict)

	require.NoError(t, keys.CheckAndInsert(ctx, "k1", "settlement", ""))
	require.NoError(t, keys.Delete(ctx, "k1", "ledger"))
	require.NoError(t, keys.CheckAndInsert(ctx, "k1", "ledger", ""))

	keys.now = func() time.Time { return time.Now().Add(time.Hour) }
	removed, err := keys.Cleanup(ctx, time.Minute)
	require.NoError(t, err)
	require.EqualValues(t, 2, removed)

	require.ErrorIs(t, keys.CheckAndInsert(ctx, "", "ledger", ""), ErrValidation)
}

type countingFailures struct{ steps []string }

func (c *countingFailures) SecondaryFailure(operation, step string) {
	c.steps = append(c.steps, operation+"/"+step)
}

type failingAudit struct{}

func (failingAudit) Record(context.Context, AuditLog) error { return errors.New("audit down") }

func TestBookkeepingCountsFailures(t *testing.T) {
	counter := &countingFailures{}
	book := NewBookkeeping(slog.New(slog.NewTextHandler(io.Discard, nil)), failingAudit{}, counter)
	book.Audit(context.Background(), "sale_correction", AuditLog{Action: "sale:correct", Entity: "sale", EntityID: "1"})
	book.Report(context.Background(), "sale_correction", "metrics", nil)
	require.Equal(t, []string{"sale_correction/audit_log"}, counter.steps)

	mem := &MemoryAudit{}
	ok := NewBookkeeping(nil, mem, counter)
	ok.Audit(context.Background(), "op", AuditLog{Action: "a", Entity: "e", EntityID: "1"})
	require.Len(t, mem.Records(), 1)
	require.Len(t, counter.steps, 1)
}

func TestParseLimit(t *testing.T) {
	require.Equal(t, 50, ParseLimit(""))
	require.Equal(t, 10, ParseLimit("10"))
	require.Equal(t, 500, ParseLimit("10000"))
	require.Equal(t, 50, ParseLimit("-1"))
}
