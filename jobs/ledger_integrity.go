package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	jobmetrics "github.com/odyssey-erp/retail-ledger/internal/jobs"
	"github.com/odyssey-erp/retail-ledger/internal/ledger"
	"github.com/odyssey-erp/retail-ledger/internal/shared"
)

// Integrity scan subjects.
const (
	SubjectAccount  = "account"
	SubjectCustomer = "customer"
)

// AccountVerifier checks account balance chains.
type AccountVerifier interface {
	VerifyAccounts(ctx context.Context) ([]ledger.Mismatch, error)
}

// CustomerVerifier checks store-credit balance chains.
type CustomerVerifier interface {
	VerifyCustomers(ctx context.Context) ([]ledger.Mismatch, error)
}

// LedgerIntegrityJob verifies that every cached balance equals the last
// entry's balance_after and that each entry chains onto the previous one.
type LedgerIntegrityJob struct {
	Accounts  AccountVerifier
	Customers CustomerVerifier
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
}

// NewLedgerIntegrityJob constructs the job handler.
func NewLedgerIntegrityJob(accounts AccountVerifier, customers CustomerVerifier, logger *slog.Logger, metrics *jobmetrics.Metrics) *LedgerIntegrityJob {
	return &LedgerIntegrityJob{Accounts: accounts, Customers: customers, Logger: logger, Metrics: metrics}
}

// Handle runs the scan; mismatches are logged and counted, never returned as errors.
func (j *LedgerIntegrityJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Accounts == nil || j.Customers == nil {
		return errors.New("ledger integrity: handler not configured")
	}
	var payload IntegrityPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return fmt.Errorf("ledger integrity: %v: %w", err, asynq.SkipRetry)
		}
	}
	subjects := payload.Subjects
	if len(subjects) == 0 {
		subjects = []string{SubjectAccount, SubjectCustomer}
	}

	tracker := j.Metrics.Track(TaskLedgerIntegrity)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()
	start := time.Now()
	logger := shared.LoggerOrDiscard(j.Logger).With(slog.String("job", TaskLedgerIntegrity))

	mismatches, err := j.Scan(ctx, subjects)
	if err != nil {
		logger.Error("integrity scan failed", slog.Any("error", err))
		return err
	}
	for _, m := range mismatches {
		logger.Warn("ledger chain mismatch",
			slog.String("subject", m.Subject),
			slog.String("key", m.Key),
			slog.String("reason", m.Reason),
		)
		j.Metrics.AddItems(TaskLedgerIntegrity, m.Subject+"_mismatch", 1)
	}
	logger.Info("integrity scan completed",
		slog.Any("subjects", subjects),
		slog.Int("mismatches", len(mismatches)),
		slog.Duration("duration", time.Since(start)),
	)
	return nil
}

// Scan verifies the requested subjects concurrently and returns every
// mismatch, accounts first.
func (j *LedgerIntegrityJob) Scan(ctx context.Context, subjects []string) ([]ledger.Mismatch, error) {
	var (
		mu      sync.Mutex
		results = map[string][]ledger.Mismatch{}
	)
	g, gctx := errgroup.WithContext(ctx)
	verify := func(subject string, fn func(context.Context) ([]ledger.Mismatch, error)) {
		if !slices.Contains(subjects, subject) {
			return
		}
		g.Go(func() error {
			found, err := fn(gctx)
			if err != nil {
				return fmt.Errorf("verify %s: %w", subject, err)
			}
			mu.Lock()
			results[subject] = found
			mu.Unlock()
			return nil
		})
	}
	verify(SubjectAccount, j.Accounts.VerifyAccounts)
	verify(SubjectCustomer, j.Customers.VerifyCustomers)
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return append(results[SubjectAccount], results[SubjectCustomer]...), nil
}
