package inventory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/odyssey-erp/retail-ledger/internal/domain"
	"github.com/odyssey-erp/retail-ledger/internal/observability"
	"github.com/odyssey-erp/retail-ledger/internal/shared"
	"github.com/odyssey-erp/retail-ledger/internal/store"
)

// Service guards inventory change log writes.
type Service struct {
	store    store.Store
	book     *shared.Bookkeeping
	logger   *slog.Logger
	metrics  *observability.LedgerMetrics
	allowNeg bool
	retry    shared.RetryPolicy
}

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	AllowNegativeStock bool
	Retry              shared.RetryPolicy
}

// NewService builds Service.
func NewService(st store.Store, book *shared.Bookkeeping, logger *slog.Logger, metrics *observability.LedgerMetrics, cfg ServiceConfig) *Service {
	return &Service{
		store:    st,
		book:     book,
		logger:   shared.LoggerOrDiscard(logger),
		metrics:  metrics,
		allowNeg: cfg.AllowNegativeStock,
		retry:    cfg.Retry,
	}
}

// DeductOnce writes one negative change per line of (referenceType,
// referenceID) that is not logged yet. A retry after a partial failure
// writes only the missing lines.
func (s *Service) DeductOnce(ctx context.Context, referenceType, referenceID string, lines []Line) (Result, error) {
	var res Result
	policy := s.retry
	policy.OnRetry = func(int, error) { s.metrics.Retry("inventory_deduct") }
	err := shared.Retry(ctx, policy, "deduct inventory", func(ctx context.Context) error {
		return s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
			var err error
			res, err = s.DeductOnceTx(ctx, tx, referenceType, referenceID, lines)
			return err
		})
	})
	if err != nil {
		return Result{}, shared.ExternalStore("deduct inventory", err)
	}
	return res, nil
}

// DeductOnceTx is DeductOnce inside the caller's transaction.
func (s *Service) DeductOnceTx(ctx context.Context, tx store.InventoryTx, referenceType, referenceID string, lines []Line) (Result, error) {
	return s.writeOnce(ctx, tx, referenceType, referenceID, lines, -1, !s.allowNeg, "deduction")
}

// WithdrawOnceTx writes one negative change per line not logged yet without
// the stock floor check; compensations use it to take back restocked units.
func (s *Service) WithdrawOnceTx(ctx context.Context, tx store.InventoryTx, referenceType, referenceID string, lines []Line, memo string) (Result, error) {
	return s.writeOnce(ctx, tx, referenceType, referenceID, lines, -1, false, memo)
}

// RestockOnceTx writes one positive change per line not logged yet for the reference.
func (s *Service) RestockOnceTx(ctx context.Context, tx store.InventoryTx, referenceType, referenceID string, lines []Line, memo string) (Result, error) {
	return s.writeOnce(ctx, tx, referenceType, referenceID, lines, 1, false, memo)
}

func (s *Service) writeOnce(ctx context.Context, tx store.InventoryTx, referenceType, referenceID string, lines []Line, sign int64, checkFloor bool, memo string) (Result, error) {
	if err := validateBatch(referenceType, referenceID, lines); err != nil {
		return Result{}, err
	}
	existing, err := tx.ListInventoryChanges(ctx, referenceType, referenceID)
	if err != nil {
		return Result{}, shared.ExternalStore("list inventory changes", err)
	}
	logged := make(map[string]struct{}, len(existing))
	for _, c := range existing {
		logged[c.LineKey] = struct{}{}
	}

	var res Result
	pending := make([]Line, 0, len(lines))
	outgoing := make(map[int64]int64)
	for _, line := range lines {
		if _, ok := logged[line.LineKey]; ok {
			res.Skipped++
			continue
		}
		pending = append(pending, line)
		if checkFloor {
			outgoing[line.ProductID] += line.Quantity
		}
	}
	if checkFloor {
		for productID, qty := range outgoing {
			stock, err := tx.ProductStock(ctx, productID)
			if err != nil {
				return Result{}, shared.ExternalStore("product stock", err)
			}
			if stock < qty {
				return Result{}, shared.Validationf("product %d has %d in stock, %d required: %v", productID, stock, qty, ErrNegativeStock)
			}
		}
	}

	for _, line := range pending {
		inserted, err := tx.InsertInventoryChange(ctx, domain.InventoryChange{
			ProductID:     line.ProductID,
			ReferenceType: referenceType,
			ReferenceID:   referenceID,
			LineKey:       line.LineKey,
			QtyDelta:      sign * line.Quantity,
			Memo:          memo,
		})
		if err != nil {
			return Result{}, shared.ExternalStore("insert inventory change", err)
		}
		if !inserted {
			res.Skipped++
			continue
		}
		res.Written++
		res.Units += line.Quantity
		s.metrics.EntryAppended("inventory", referenceType)
	}
	res.Applied = res.Written > 0
	return res, nil
}

func validateBatch(referenceType, referenceID string, lines []Line) error {
	if strings.TrimSpace(referenceType) == "" || strings.TrimSpace(referenceID) == "" {
		return shared.Validationf("inventory reference required")
	}
	if len(lines) == 0 {
		return shared.Validationf("at least one inventory line is required")
	}
	seen := make(map[string]struct{}, len(lines))
	for i, line := range lines {
		if line.LineKey == "" {
			return shared.Validationf("line %d: line key required", i)
		}
		if _, dup := seen[line.LineKey]; dup {
			return shared.Validationf("line key %q repeated", line.LineKey)
		}
		seen[line.LineKey] = struct{}{}
		if line.ProductID <= 0 {
			return shared.Validationf("line %s: product required", line.LineKey)
		}
		if line.Quantity <= 0 {
			return shared.Validationf("line %s: %v", line.LineKey, ErrInvalidQuantity)
		}
	}
	return nil
}

// Adjust posts a manual stock movement. Reusing a reference is a no-op.
func (s *Service) Adjust(ctx context.Context, input AdjustInput) (Result, error) {
	if input.Quantity == 0 {
		return Result{}, shared.Validationf("%v", ErrInvalidQuantity)
	}
	reference := strings.TrimSpace(input.Reference)
	if reference == "" {
		reference = uuid.NewString()
	}
	line := Line{LineKey: fmt.Sprintf("product:%d", input.ProductID), ProductID: input.ProductID, Quantity: input.Quantity}
	var res Result
	err := shared.Retry(ctx, s.retry, "adjust inventory", func(ctx context.Context) error {
		return s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
			var err error
			if input.Quantity > 0 {
				res, err = s.RestockOnceTx(ctx, tx, ReferenceAdjustment, reference, []Line{line}, input.Memo)
				return err
			}
			line.Quantity = -input.Quantity
			res, err = s.writeOnce(ctx, tx, ReferenceAdjustment, reference, []Line{line}, -1, !s.allowNeg, input.Memo)
			return err
		})
	})
	if err != nil {
		return Result{}, shared.ExternalStore("adjust inventory", err)
	}
	if res.Applied {
		s.book.Audit(ctx, "adjust inventory", shared.AuditLog{
			ActorID:  input.ActorID,
			Action:   "inventory:adjust",
			Entity:   "inventory_change",
			EntityID: reference,
			Meta: map[string]any{
				"product_id": input.ProductID,
				"qty":        input.Quantity,
				"memo":       input.Memo,
			},
		})
	}
	return res, nil
}

// Stock returns the stock derived from the change log.
func (s *Service) Stock(ctx context.Context, productID int64) (int64, error) {
	var stock int64
	err := s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		stock, err = tx.ProductStock(ctx, productID)
		return err
	})
	if err != nil {
		return 0, shared.ExternalStore("product stock", err)
	}
	return stock, nil
}

// Changes lists the change log rows written for one reference.
func (s *Service) Changes(ctx context.Context, referenceType, referenceID string) ([]domain.InventoryChange, error) {
	var out []domain.InventoryChange
	err := s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		out, err = tx.ListInventoryChanges(ctx, referenceType, referenceID)
		return err
	})
	if err != nil {
		return nil, shared.ExternalStore("list inventory changes", err)
	}
	return out, nil
}
