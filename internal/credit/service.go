// Package credit maintains customer store credit through a chained balance log.
package credit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/odyssey-erp/retail-ledger/internal/domain"
	"github.com/odyssey-erp/retail-ledger/internal/ledger"
	"github.com/odyssey-erp/retail-ledger/internal/money"
	"github.com/odyssey-erp/retail-ledger/internal/observability"
	"github.com/odyssey-erp/retail-ledger/internal/shared"
	"github.com/odyssey-erp/retail-ledger/internal/store"
)

// Change is one signed store-credit movement.
type Change struct {
	CustomerCode string
	Amount       money.Amount
	Kind         domain.EntryKind
	Reference    domain.Reference
	Note         string
	// AllowNegative lets the balance drop below zero.
	AllowNegative bool
}

// Service applies store-credit changes.
type Service struct {
	store   store.Store
	logger  *slog.Logger
	metrics *observability.LedgerMetrics
	retry   shared.RetryPolicy
}

// NewService builds Service.
func NewService(st store.Store, logger *slog.Logger, metrics *observability.LedgerMetrics, retry shared.RetryPolicy) *Service {
	return &Service{store: st, logger: shared.LoggerOrDiscard(logger), metrics: metrics, retry: retry}
}

// Apply runs ApplyTx in its own transaction with optimistic retries.
func (s *Service) Apply(ctx context.Context, c Change) (domain.CustomerBalanceLog, error) {
	var log domain.CustomerBalanceLog
	policy := s.retry
	policy.OnRetry = func(int, error) { s.metrics.Retry("store_credit") }
	err := shared.Retry(ctx, policy, "apply store credit", func(ctx context.Context) error {
		return s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
			var err error
			log, err = s.ApplyTx(ctx, tx, c)
			return err
		})
	})
	if err != nil {
		return domain.CustomerBalanceLog{}, shared.ExternalStore("apply store credit", err)
	}
	return log, nil
}

// ApplyTx appends a balance log entry and moves customer.store_credit to its balance_after.
func (s *Service) ApplyTx(ctx context.Context, tx store.CustomerTx, c Change) (domain.CustomerBalanceLog, error) {
	if strings.TrimSpace(c.CustomerCode) == "" {
		return domain.CustomerBalanceLog{}, shared.Validationf("customer code required")
	}
	if c.Amount.IsZero() {
		return domain.CustomerBalanceLog{}, shared.Validationf("store credit change must be non-zero")
	}
	customer, err := tx.GetCustomer(ctx, c.CustomerCode)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.CustomerBalanceLog{}, shared.NotFoundf("customer %s", c.CustomerCode)
		}
		return domain.CustomerBalanceLog{}, shared.ExternalStore("get customer", err)
	}
	after := customer.StoreCredit + c.Amount
	if after.IsNegative() && !c.AllowNegative {
		return domain.CustomerBalanceLog{}, shared.Validationf("customer %s has %s store credit, %s required", customer.Code, customer.StoreCredit, c.Amount.Neg())
	}
	log, err := tx.InsertCustomerBalanceLog(ctx, domain.CustomerBalanceLog{
		CustomerCode:  customer.Code,
		Amount:        c.Amount,
		BalanceBefore: customer.StoreCredit,
		BalanceAfter:  after,
		Kind:          c.Kind,
		Reference:     c.Reference,
		Note:          c.Note,
	})
	if err != nil {
		return domain.CustomerBalanceLog{}, shared.ExternalStore("insert customer balance log", err)
	}
	if err := tx.UpdateCustomerCredit(ctx, customer.Code, customer.Version, after); err != nil {
		return domain.CustomerBalanceLog{}, shared.ExternalStore("update store credit", err)
	}
	s.metrics.EntryAppended("store_credit", string(c.Kind))
	return log, nil
}

// RegisterCustomer creates a customer with zero store credit.
func (s *Service) RegisterCustomer(ctx context.Context, code, name string) (domain.Customer, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return domain.Customer{}, shared.Validationf("customer code required")
	}
	var customer domain.Customer
	err := s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		customer, err = tx.InsertCustomer(ctx, domain.Customer{Code: code, Name: name})
		return err
	})
	if errors.Is(err, store.ErrDuplicate) {
		return domain.Customer{}, shared.Conflictf("customer %s already exists", code)
	}
	if err != nil {
		return domain.Customer{}, shared.ExternalStore("insert customer", err)
	}
	return customer, nil
}

// Customer returns one customer.
func (s *Service) Customer(ctx context.Context, code string) (domain.Customer, error) {
	var customer domain.Customer
	err := s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		customer, err = tx.GetCustomer(ctx, code)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return domain.Customer{}, shared.NotFoundf("customer %s", code)
	}
	if err != nil {
		return domain.Customer{}, shared.ExternalStore("get customer", err)
	}
	return customer, nil
}

// Logs returns the newest limit balance log entries of a customer.
func (s *Service) Logs(ctx context.Context, code string, limit int) ([]domain.CustomerBalanceLog, error) {
	var logs []domain.CustomerBalanceLog
	err := s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.GetCustomer(ctx, code); err != nil {
			return err
		}
		var err error
		logs, err = tx.ListCustomerBalanceLogs(ctx, code, limit)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, shared.NotFoundf("customer %s", code)
	}
	if err != nil {
		return nil, shared.ExternalStore("list customer balance logs", err)
	}
	return logs, nil
}

// VerifyCustomers checks every customer's balance log chain.
func (s *Service) VerifyCustomers(ctx context.Context) ([]ledger.Mismatch, error) {
	var mismatches []ledger.Mismatch
	err := s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		customers, err := tx.ListCustomers(ctx)
		if err != nil {
			return err
		}
		for _, c := range customers {
			logs, err := tx.ListCustomerBalanceLogs(ctx, c.Code, 0)
			if err != nil {
				return err
			}
			links := make([]ledger.Link, len(logs))
			for i, l := range logs {
				links[i] = ledger.Link{ID: l.ID, Amount: l.Amount, Before: l.BalanceBefore, After: l.BalanceAfter}
			}
			problems := ledger.CheckChain(links, c.StoreCredit)
			if len(logs) == 0 && !c.StoreCredit.IsZero() {
				problems = append(problems, fmt.Sprintf("store credit %s without any log entry", c.StoreCredit))
			}
			for _, p := range problems {
				mismatches = append(mismatches, ledger.Mismatch{Subject: "customer", Key: c.Code, Reason: p})
			}
		}
		return nil
	})
	if err != nil {
		return nil, shared.ExternalStore("verify customers", err)
	}
	s.metrics.IntegrityMismatch("customer", len(mismatches))
	return mismatches, nil
}
