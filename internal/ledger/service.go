// Package ledger applies signed deltas to cash and bank accounts as chained,
// append-only ledger entries.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/odyssey-erp/retail-ledger/internal/domain"
	"github.com/odyssey-erp/retail-ledger/internal/money"
	"github.com/odyssey-erp/retail-ledger/internal/observability"
	"github.com/odyssey-erp/retail-ledger/internal/shared"
	"github.com/odyssey-erp/retail-ledger/internal/store"
)

// Delta is one signed change to one account.
type Delta struct {
	AccountID int64
	Amount    money.Amount
	Kind      domain.EntryKind
	Reference domain.Reference
	Note      string
	// Floor overrides the account type default when set.
	Floor *money.Amount
	// NoFloor skips the floor check; compensations use it so undo never blocks.
	NoFloor bool
	// IdempotencyKey books the delta at most once; a replay returns the stored entry.
	IdempotencyKey string
}

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	AllowNegativeCash bool
	Retry             shared.RetryPolicy
}

// Service is the ledger transaction orchestrator.
type Service struct {
	store   store.Store
	logger  *slog.Logger
	metrics *observability.LedgerMetrics
	cfg     ServiceConfig
}

// NewService builds Service.
func NewService(st store.Store, logger *slog.Logger, metrics *observability.LedgerMetrics, cfg ServiceConfig) *Service {
	return &Service{store: st, logger: shared.LoggerOrDiscard(logger), metrics: metrics, cfg: cfg}
}

// ApplyDelta applies d in its own transaction, retrying lost optimistic races.
func (s *Service) ApplyDelta(ctx context.Context, d Delta) (domain.LedgerEntry, error) {
	entry, _, err := s.ApplyDeltaOnce(ctx, d)
	return entry, err
}

// ApplyDeltaOnce is ApplyDelta that also reports whether d.IdempotencyKey
// matched an entry booked earlier.
func (s *Service) ApplyDeltaOnce(ctx context.Context, d Delta) (domain.LedgerEntry, bool, error) {
	var (
		entry    domain.LedgerEntry
		replayed bool
	)
	policy := s.cfg.Retry
	policy.OnRetry = func(attempt int, err error) {
		s.metrics.Retry("apply_delta")
		s.logger.DebugContext(ctx, "retrying ledger delta", slog.Int64("account_id", d.AccountID), slog.Int("attempt", attempt))
	}
	err := shared.Retry(ctx, policy, "apply delta", func(ctx context.Context) error {
		return s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
			var err error
			entry, replayed, err = s.applyTx(ctx, tx, d)
			return err
		})
	})
	if err != nil {
		return domain.LedgerEntry{}, false, shared.ExternalStore("apply delta", err)
	}
	return entry, replayed, nil
}

// ApplyDeltaTx applies d inside an open transaction. The entry is written
// before the balance; a version conflict on the balance aborts both.
func (s *Service) ApplyDeltaTx(ctx context.Context, tx store.AccountTx, d Delta) (domain.LedgerEntry, error) {
	entry, _, err := s.applyTx(ctx, tx, d)
	return entry, err
}

func (s *Service) applyTx(ctx context.Context, tx store.AccountTx, d Delta) (domain.LedgerEntry, bool, error) {
	if d.Amount.IsZero() {
		return domain.LedgerEntry{}, false, shared.Validationf("delta amount must be non-zero")
	}
	if d.Kind == "" {
		d.Kind = domain.KindAdjustment
	}
	if d.IdempotencyKey != "" {
		prior, err := tx.FindLedgerEntryByKey(ctx, d.IdempotencyKey)
		switch {
		case err == nil:
			if prior.AccountID != d.AccountID || prior.Amount != d.Amount || prior.Kind != d.Kind || prior.Reference != d.Reference {
				return domain.LedgerEntry{}, false, shared.Conflictf("idempotency key %q was used with a different request", d.IdempotencyKey)
			}
			return prior, true, nil
		case !errors.Is(err, store.ErrNotFound):
			return domain.LedgerEntry{}, false, shared.ExternalStore("find ledger entry", err)
		}
	}
	account, err := tx.GetAccount(ctx, d.AccountID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.LedgerEntry{}, false, shared.NotFoundf("account %d", d.AccountID)
		}
		return domain.LedgerEntry{}, false, shared.ExternalStore("get account", err)
	}
	if !account.Active {
		return domain.LedgerEntry{}, false, shared.NotFoundf("account %d is inactive", d.AccountID)
	}
	after := account.Balance + d.Amount
	if floor, ok := s.floorFor(account, d); ok && after < floor {
		return domain.LedgerEntry{}, false, shared.Consistencyf("account %d balance %s would fall below %s", account.ID, after, floor)
	}
	entry, err := tx.InsertLedgerEntry(ctx, domain.LedgerEntry{
		AccountID:      account.ID,
		Amount:         d.Amount,
		BalanceBefore:  account.Balance,
		BalanceAfter:   after,
		Kind:           d.Kind,
		Reference:      d.Reference,
		Note:           d.Note,
		IdempotencyKey: d.IdempotencyKey,
	})
	if errors.Is(err, store.ErrDuplicate) {
		// A concurrent request took the key; the retry replays its entry.
		return domain.LedgerEntry{}, false, store.ErrVersionConflict
	}
	if err != nil {
		return domain.LedgerEntry{}, false, shared.ExternalStore("insert ledger entry", err)
	}
	if err := tx.UpdateAccountBalance(ctx, account.ID, account.Version, after); err != nil {
		return domain.LedgerEntry{}, false, shared.ExternalStore("update account balance", err)
	}
	s.metrics.EntryAppended("account", string(d.Kind))
	return entry, false, nil
}

func (s *Service) floorFor(account domain.Account, d Delta) (money.Amount, bool) {
	if d.NoFloor {
		return 0, false
	}
	if d.Floor != nil {
		return *d.Floor, true
	}
	switch account.Type {
	case domain.AccountCash, domain.AccountPettyCash:
		if s.cfg.AllowNegativeCash {
			return 0, false
		}
		return money.Zero, true
	}
	return 0, false
}

// OpenAccountInput describes a new account.
type OpenAccountInput struct {
	Name    string
	Type    domain.AccountType
	Opening money.Amount
}

// OpenAccount creates an account; a non-zero opening balance is booked as an adjustment entry.
func (s *Service) OpenAccount(ctx context.Context, input OpenAccountInput) (domain.Account, error) {
	if input.Name == "" {
		return domain.Account{}, shared.Validationf("account name required")
	}
	if !input.Type.Valid() {
		return domain.Account{}, shared.Validationf("unknown account type %q", input.Type)
	}
	var account domain.Account
	err := s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		account, err = tx.InsertAccount(ctx, domain.Account{Name: input.Name, Type: input.Type, Active: true})
		if err != nil {
			return shared.ExternalStore("insert account", err)
		}
		if input.Opening.IsZero() {
			return nil
		}
		_, err = s.ApplyDeltaTx(ctx, tx, Delta{
			AccountID: account.ID,
			Amount:    input.Opening,
			Kind:      domain.KindAdjustment,
			Reference: domain.Reference{Type: "account_opening", ID: fmt.Sprint(account.ID)},
			Note:      "opening balance",
			NoFloor:   true,
		})
		if err != nil {
			return err
		}
		account, err = tx.GetAccount(ctx, account.ID)
		return err
	})
	if err != nil {
		return domain.Account{}, shared.ExternalStore("open account", err)
	}
	return account, nil
}

// Account returns one account.
func (s *Service) Account(ctx context.Context, id int64) (domain.Account, error) {
	var account domain.Account
	err := s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		account, err = tx.GetAccount(ctx, id)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return domain.Account{}, shared.NotFoundf("account %d", id)
	}
	if err != nil {
		return domain.Account{}, shared.ExternalStore("get account", err)
	}
	return account, nil
}

// Entries returns the newest limit entries of an account in append order.
func (s *Service) Entries(ctx context.Context, accountID int64, limit int) ([]domain.LedgerEntry, error) {
	var entries []domain.LedgerEntry
	err := s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.GetAccount(ctx, accountID); err != nil {
			return err
		}
		var err error
		entries, err = tx.ListLedgerEntries(ctx, accountID, limit)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, shared.NotFoundf("account %d", accountID)
	}
	if err != nil {
		return nil, shared.ExternalStore("list ledger entries", err)
	}
	return entries, nil
}
