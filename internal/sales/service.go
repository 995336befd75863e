package sales

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/odyssey-erp/retail-ledger/internal/domain"
	"github.com/odyssey-erp/retail-ledger/internal/inventory"
	"github.com/odyssey-erp/retail-ledger/internal/ledger"
	"github.com/odyssey-erp/retail-ledger/internal/money"
	"github.com/odyssey-erp/retail-ledger/internal/observability"
	"github.com/odyssey-erp/retail-ledger/internal/settlement"
	"github.com/odyssey-erp/retail-ledger/internal/shared"
	"github.com/odyssey-erp/retail-ledger/internal/store"
)

// Dependencies groups the collaborators of Service.
type Dependencies struct {
	Store      store.Store
	Ledger     *ledger.Service
	Settlement *settlement.Service
	Inventory  *inventory.Service
	Locker     shared.Locker
	Book       *shared.Bookkeeping
	Logger     *slog.Logger
	Metrics    *observability.LedgerMetrics
	Formatter  *money.Formatter
	Retry      shared.RetryPolicy
}

// Service provides business logic for sales operations.
type Service struct {
	store      store.Store
	ledger     *ledger.Service
	settlement *settlement.Service
	inventory  *inventory.Service
	locker     shared.Locker
	book       *shared.Bookkeeping
	logger     *slog.Logger
	metrics    *observability.LedgerMetrics
	formatter  *money.Formatter
	retry      shared.RetryPolicy
}

// NewService constructs a sales service.
func NewService(deps Dependencies) *Service {
	locker := deps.Locker
	if locker == nil {
		locker = shared.NoopLocker{}
	}
	return &Service{
		store:      deps.Store,
		ledger:     deps.Ledger,
		settlement: deps.Settlement,
		inventory:  deps.Inventory,
		locker:     locker,
		book:       deps.Book,
		logger:     shared.LoggerOrDiscard(deps.Logger),
		metrics:    deps.Metrics,
		formatter:  deps.Formatter,
		retry:      deps.Retry,
	}
}

// ============================================================================
// SALE LIFECYCLE
// ============================================================================

// Create records a draft sale.
func (s *Service) Create(ctx context.Context, in CreateInput) (domain.Sale, error) {
	if len(in.Lines) == 0 {
		return domain.Sale{}, shared.Validationf("sale needs at least one line")
	}
	sale := domain.Sale{
		Number:       strings.TrimSpace(in.Number),
		CustomerCode: strings.TrimSpace(in.CustomerCode),
		Status:       domain.SaleDraft,
	}
	if sale.Number == "" {
		sale.Number = "POS-" + strings.ToUpper(uuid.NewString()[:8])
	}
	for i, l := range in.Lines {
		if l.ProductID <= 0 {
			return domain.Sale{}, shared.Validationf("line %d: product required", i+1)
		}
		if l.Quantity <= 0 {
			return domain.Sale{}, shared.Validationf("line %d: quantity must be positive", i+1)
		}
		if l.Price.IsNegative() {
			return domain.Sale{}, shared.Validationf("line %d: price must not be negative", i+1)
		}
		subtotal := l.Price * money.Amount(l.Quantity)
		sale.Lines = append(sale.Lines, domain.SaleLine{ProductID: l.ProductID, Quantity: l.Quantity, Price: l.Price, Subtotal: subtotal})
		sale.Total += subtotal
	}
	err := s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if sale.CustomerCode != "" {
			if _, err := tx.GetCustomer(ctx, sale.CustomerCode); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return shared.NotFoundf("customer %s", sale.CustomerCode)
				}
				return shared.ExternalStore("get customer", err)
			}
		}
		var err error
		sale, err = tx.InsertSale(ctx, sale)
		return err
	})
	if err != nil {
		return domain.Sale{}, shared.ExternalStore("create sale", err)
	}
	return sale, nil
}

// Get returns a sale with its lines.
func (s *Service) Get(ctx context.Context, id int64) (domain.Sale, error) {
	var sale domain.Sale
	err := s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		sale, err = tx.GetSale(ctx, id)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return domain.Sale{}, shared.NotFoundf("sale %d", id)
	}
	if err != nil {
		return domain.Sale{}, shared.ExternalStore("get sale", err)
	}
	return sale, nil
}

// Confirm moves a draft sale to confirmed. A paid sale books the total on the
// paid account; an unpaid one opens a receivable for the customer.
func (s *Service) Confirm(ctx context.Context, saleID int64, in ConfirmInput) (ConfirmResult, error) {
	release, err := s.locker.Acquire(ctx, shared.SaleLockKey(saleID))
	if err != nil {
		return ConfirmResult{}, err
	}
	defer release(context.WithoutCancel(ctx))

	var res ConfirmResult
	policy := s.retry
	policy.OnRetry = func(int, error) { s.metrics.Retry("confirm_sale") }
	err = shared.Retry(ctx, policy, "confirm sale", func(ctx context.Context) error {
		return s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
			var err error
			res, err = s.confirmTx(ctx, tx, saleID, in)
			return err
		})
	})
	if err != nil {
		return ConfirmResult{}, shared.ExternalStore("confirm sale", err)
	}
	s.book.Audit(ctx, "confirm sale", shared.AuditLog{
		ActorID:  in.ActorID,
		Action:   "sale:confirm",
		Entity:   "sale",
		EntityID: fmt.Sprint(saleID),
		Meta: map[string]any{
			"total":           res.Sale.Total.String(),
			"paid_account_id": res.Sale.PaidAccountID,
		},
	})
	return res, nil
}

func (s *Service) confirmTx(ctx context.Context, tx store.Tx, saleID int64, in ConfirmInput) (ConfirmResult, error) {
	sale, err := loadSale(ctx, tx, saleID)
	if err != nil {
		return ConfirmResult{}, err
	}
	if sale.Status != domain.SaleDraft {
		return ConfirmResult{}, shared.Validationf("sale %d is %s, only draft sales can be confirmed", sale.ID, sale.Status)
	}
	version := sale.Version
	sale.Status = domain.SaleConfirmed
	var res ConfirmResult
	ref := domain.Reference{Type: ReferenceSale, ID: fmt.Sprint(sale.ID), Number: sale.Number}
	switch {
	case in.PaidAccountID > 0:
		sale.IsPaid = true
		sale.PaidAccountID = in.PaidAccountID
		sale.PaidAmount = sale.Total
		if sale.Total.IsPositive() {
			entry, err := s.ledger.ApplyDeltaTx(ctx, tx, ledger.Delta{
				AccountID: in.PaidAccountID,
				Amount:    sale.Total,
				Kind:      domain.KindSalePayment,
				Reference: ref,
				Note:      "sale " + sale.Number,
			})
			if err != nil {
				return ConfirmResult{}, err
			}
			res.Entry = &entry
		}
	case sale.Total.IsZero():
		sale.IsPaid = true
	default:
		if sale.CustomerCode == "" {
			return ConfirmResult{}, shared.Validationf("unpaid sale %d needs a customer", sale.ID)
		}
		ar, err := s.settlement.OpenPartnerTx(ctx, tx, domain.PartnerAccount{
			PartnerType:   domain.PartnerCustomer,
			PartnerCode:   sale.CustomerCode,
			Direction:     domain.Receivable,
			ReferenceType: ReferenceSale,
			ReferenceID:   sale.ID,
			Amount:        sale.Total,
			DueDate:       in.DueDate,
			Note:          "sale " + sale.Number,
		})
		if err != nil {
			return ConfirmResult{}, err
		}
		res.Receivable = &ar
	}
	if err := tx.UpdateSale(ctx, sale, version); err != nil {
		return ConfirmResult{}, shared.ExternalStore("update sale", err)
	}
	sale.Version = version + 1
	res.Sale = sale
	return res, nil
}

// Fulfill deducts the sale's stock once; repeating it writes nothing.
func (s *Service) Fulfill(ctx context.Context, saleID int64, actorID int64) (FulfillResult, error) {
	release, err := s.locker.Acquire(ctx, shared.SaleLockKey(saleID))
	if err != nil {
		return FulfillResult{}, err
	}
	defer release(context.WithoutCancel(ctx))

	var res FulfillResult
	err = shared.Retry(ctx, s.retry, "fulfill sale", func(ctx context.Context) error {
		return s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
			sale, err := loadSale(ctx, tx, saleID)
			if err != nil {
				return err
			}
			if sale.Status != domain.SaleConfirmed {
				return shared.Validationf("sale %d is %s, only confirmed sales can be fulfilled", sale.ID, sale.Status)
			}
			lines := inventoryLines(sale.Lines)
			if len(lines) > 0 {
				if res.Inventory, err = s.inventory.DeductOnceTx(ctx, tx, inventory.ReferenceSaleFulfillment, fmt.Sprint(sale.ID), lines); err != nil {
					return err
				}
			}
			if !sale.Fulfilled {
				version := sale.Version
				sale.Fulfilled = true
				if err := tx.UpdateSale(ctx, sale, version); err != nil {
					return shared.ExternalStore("update sale", err)
				}
				sale.Version = version + 1
			}
			res.Sale = sale
			return nil
		})
	})
	if err != nil {
		return FulfillResult{}, shared.ExternalStore("fulfill sale", err)
	}
	if res.Inventory.Applied {
		s.book.Audit(ctx, "fulfill sale", shared.AuditLog{
			ActorID:  actorID,
			Action:   "sale:fulfill",
			Entity:   "sale",
			EntityID: fmt.Sprint(saleID),
			Meta:     map[string]any{"units": res.Inventory.Units},
		})
	}
	return res, nil
}

// Corrections lists the correction audit rows of a sale.
func (s *Service) Corrections(ctx context.Context, saleID int64) ([]domain.SaleCorrection, error) {
	var out []domain.SaleCorrection
	err := s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := loadSale(ctx, tx, saleID); err != nil {
			return err
		}
		var err error
		out, err = tx.ListSaleCorrections(ctx, saleID)
		return err
	})
	if err != nil {
		return nil, shared.ExternalStore("list corrections", err)
	}
	return out, nil
}

func loadSale(ctx context.Context, tx store.SaleTx, id int64) (domain.Sale, error) {
	sale, err := tx.GetSale(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return domain.Sale{}, shared.NotFoundf("sale %d", id)
	}
	if err != nil {
		return domain.Sale{}, shared.ExternalStore("get sale", err)
	}
	return sale, nil
}

// inventoryLines keys each line by its sale line id.
func inventoryLines(lines []domain.SaleLine) []inventory.Line {
	out := make([]inventory.Line, 0, len(lines))
	for _, l := range lines {
		if l.Quantity <= 0 {
			continue
		}
		out = append(out, inventory.Line{LineKey: fmt.Sprint(l.ID), ProductID: l.ProductID, Quantity: l.Quantity})
	}
	return out
}
