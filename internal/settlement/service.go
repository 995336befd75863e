package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/retail-ledger/internal/credit"
	"github.com/odyssey-erp/retail-ledger/internal/domain"
	"github.com/odyssey-erp/retail-ledger/internal/ledger"
	"github.com/odyssey-erp/retail-ledger/internal/money"
	"github.com/odyssey-erp/retail-ledger/internal/observability"
	"github.com/odyssey-erp/retail-ledger/internal/shared"
	"github.com/odyssey-erp/retail-ledger/internal/store"
)

// SettleInput describes one payment or receipt.
type SettleInput struct {
	Direction   domain.Direction
	PartnerCode string
	Amount      money.Amount
	Method      domain.MethodKind
	AccountID   int64
	// CreditCustomer pays from store credit; defaults to PartnerCode.
	CreditCustomer string
	// PartnerAccountIDs are the AR/AP rows to settle, in allocation order.
	PartnerAccountIDs []int64
	IdempotencyKey    string
	Note              string
	ActorID           int64
}

// SettleResult is the outcome of Settle.
type SettleResult struct {
	Settlement  domain.Settlement             `json:"settlement"`
	Allocations []domain.SettlementAllocation `json:"allocations"`
	Replayed    bool                          `json:"replayed"`
}

// OpenPayableInput describes a vendor bill.
type OpenPayableInput struct {
	VendorCode  string
	ReferenceID int64
	Amount      money.Amount
	DueDate     time.Time
	Note        string
}

// Service records settlements against partner accounts.
type Service struct {
	store   store.Store
	ledger  *ledger.Service
	credit  *credit.Service
	book    *shared.Bookkeeping
	logger  *slog.Logger
	metrics *observability.LedgerMetrics
	retry   shared.RetryPolicy
}

// NewService builds Service.
func NewService(st store.Store, ledgerSvc *ledger.Service, creditSvc *credit.Service, book *shared.Bookkeeping, logger *slog.Logger, metrics *observability.LedgerMetrics, retry shared.RetryPolicy) *Service {
	return &Service{store: st, ledger: ledgerSvc, credit: creditSvc, book: book, logger: shared.LoggerOrDiscard(logger), metrics: metrics, retry: retry}
}

func (in SettleInput) fingerprint() string {
	return shared.Fingerprint(struct {
		Direction domain.Direction
		Partner   string
		Amount    money.Amount
		Method    domain.MethodKind
		Account   int64
		Credit    string
		Targets   []int64
	}{in.Direction, in.PartnerCode, in.Amount, in.Method, in.AccountID, in.CreditCustomer, in.PartnerAccountIDs})
}

func (in *SettleInput) normalise() error {
	in.PartnerCode = strings.TrimSpace(in.PartnerCode)
	if in.Direction != domain.Receivable && in.Direction != domain.Payable {
		return shared.Validationf("direction must be receivable or payable")
	}
	if in.PartnerCode == "" {
		return shared.Validationf("partner code required")
	}
	if !in.Amount.IsPositive() {
		return shared.Validationf("amount must be positive")
	}
	if len(in.PartnerAccountIDs) == 0 {
		return shared.Validationf("at least one partner account is required")
	}
	switch in.Method {
	case domain.MethodAccount:
		if in.AccountID <= 0 {
			return shared.Validationf("account id required for account settlements")
		}
	case domain.MethodStoreCredit:
		if in.Direction != domain.Receivable {
			return shared.Validationf("store credit can only settle receivables")
		}
		if in.CreditCustomer == "" {
			in.CreditCustomer = in.PartnerCode
		}
	default:
		return shared.Validationf("unknown settlement method %q", in.Method)
	}
	return nil
}

// Settle allocates a payment across the selected partner accounts and moves
// the money on the chosen rail, all in one transaction.
func (s *Service) Settle(ctx context.Context, in SettleInput) (SettleResult, error) {
	if err := in.normalise(); err != nil {
		return SettleResult{}, err
	}
	fingerprint := in.fingerprint()
	var result SettleResult
	policy := s.retry
	policy.OnRetry = func(int, error) { s.metrics.Retry("settle") }
	err := shared.Retry(ctx, policy, "settle", func(ctx context.Context) error {
		return s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
			var err error
			result, err = s.settleTx(ctx, tx, in, fingerprint)
			return err
		})
	})
	if err != nil {
		return SettleResult{}, shared.ExternalStore("settle", err)
	}
	if !result.Replayed {
		s.book.Audit(ctx, "settle", shared.AuditLog{
			ActorID:  in.ActorID,
			Action:   "settlement:" + string(in.Direction),
			Entity:   "settlement",
			EntityID: fmt.Sprint(result.Settlement.ID),
			Meta: map[string]any{
				"number":      result.Settlement.Number,
				"amount":      result.Settlement.Amount.String(),
				"method":      string(in.Method),
				"allocations": len(result.Allocations),
			},
		})
	}
	return result, nil
}

func (s *Service) settleTx(ctx context.Context, tx store.Tx, in SettleInput, fingerprint string) (SettleResult, error) {
	if in.IdempotencyKey != "" {
		existing, err := tx.FindSettlementByKey(ctx, in.IdempotencyKey)
		switch {
		case err == nil:
			if existing.Fingerprint != fingerprint {
				return SettleResult{}, shared.Conflictf("idempotency key %q was used with a different settlement", in.IdempotencyKey)
			}
			allocs, err := tx.ListAllocationsBySettlement(ctx, existing.ID)
			if err != nil {
				return SettleResult{}, shared.ExternalStore("list allocations", err)
			}
			return SettleResult{Settlement: existing, Allocations: allocs, Replayed: true}, nil
		case !errors.Is(err, store.ErrNotFound):
			return SettleResult{}, shared.ExternalStore("find settlement", err)
		}
	}

	partners := make([]domain.PartnerAccount, len(in.PartnerAccountIDs))
	targets := make([]Target, len(in.PartnerAccountIDs))
	for i, id := range in.PartnerAccountIDs {
		p, err := tx.GetPartnerAccount(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return SettleResult{}, shared.NotFoundf("partner account %d", id)
			}
			return SettleResult{}, shared.ExternalStore("get partner account", err)
		}
		if p.Direction != in.Direction {
			return SettleResult{}, shared.Validationf("partner account %d is %s, not %s", id, p.Direction, in.Direction)
		}
		if p.PartnerCode != in.PartnerCode {
			return SettleResult{}, shared.Validationf("partner account %d belongs to %s", id, p.PartnerCode)
		}
		if !p.Balance().IsPositive() {
			return SettleResult{}, shared.Validationf("partner account %d has no outstanding balance", id)
		}
		partners[i] = p
		targets[i] = Target{ID: p.ID, Balance: p.Balance()}
	}
	shares, err := Allocate(in.Amount, targets)
	if err != nil {
		return SettleResult{}, err
	}

	settlementID := uuid.New()
	if in.IdempotencyKey != "" {
		settlementID = uuid.NewSHA1(uuid.Nil, []byte("settlement:"+in.IdempotencyKey))
	}
	prefix := "RCV"
	if in.Direction == domain.Payable {
		prefix = "PAY"
	}
	partnerType := domain.PartnerCustomer
	if in.Direction == domain.Payable {
		partnerType = domain.PartnerVendor
	}
	settlement, err := tx.InsertSettlement(ctx, domain.Settlement{
		Number:         fmt.Sprintf("%s-%s", prefix, strings.ToUpper(settlementID.String()[:8])),
		Direction:      in.Direction,
		PartnerType:    partnerType,
		PartnerCode:    in.PartnerCode,
		Amount:         in.Amount,
		Method:         in.Method,
		AccountID:      in.AccountID,
		CreditCustomer: in.CreditCustomer,
		IdempotencyKey: in.IdempotencyKey,
		Fingerprint:    fingerprint,
		Note:           in.Note,
	})
	if errors.Is(err, store.ErrDuplicate) {
		// A concurrent request claimed the key; retrying replays its result.
		return SettleResult{}, store.ErrVersionConflict
	}
	if err != nil {
		return SettleResult{}, shared.ExternalStore("insert settlement", err)
	}

	allocs := make([]domain.SettlementAllocation, 0, len(shares))
	for i, share := range shares {
		if share.Amount.IsZero() {
			continue
		}
		alloc, err := tx.InsertAllocation(ctx, domain.SettlementAllocation{SettlementID: settlement.ID, PartnerAccountID: share.ID, Amount: share.Amount})
		if err != nil {
			return SettleResult{}, shared.ExternalStore("insert allocation", err)
		}
		allocs = append(allocs, alloc)
		p := partners[i]
		version := p.Version
		p.ReceivedPaid += share.Amount
		p.Status = domain.DeriveStatus(p.Amount, p.ReceivedPaid)
		if err := tx.UpdatePartnerAccount(ctx, p, version); err != nil {
			return SettleResult{}, shared.ExternalStore("update partner account", err)
		}
	}

	ref := domain.Reference{Type: "settlement", ID: fmt.Sprint(settlement.ID), Number: settlement.Number}
	switch in.Method {
	case domain.MethodAccount:
		delta := ledger.Delta{AccountID: in.AccountID, Amount: in.Amount, Kind: domain.KindReceipt, Reference: ref, Note: in.Note}
		if in.Direction == domain.Payable {
			delta.Amount = in.Amount.Neg()
			delta.Kind = domain.KindPayment
		}
		if _, err := s.ledger.ApplyDeltaTx(ctx, tx, delta); err != nil {
			return SettleResult{}, err
		}
	case domain.MethodStoreCredit:
		if _, err := s.credit.ApplyTx(ctx, tx, credit.Change{
			CustomerCode: in.CreditCustomer,
			Amount:       in.Amount.Neg(),
			Kind:         domain.KindStoreCreditSpend,
			Reference:    ref,
			Note:         in.Note,
		}); err != nil {
			return SettleResult{}, err
		}
	}
	return SettleResult{Settlement: settlement, Allocations: allocs}, nil
}

// OpenPartnerTx inserts a new unpaid AR/AP row.
func (s *Service) OpenPartnerTx(ctx context.Context, tx store.PartnerTx, p domain.PartnerAccount) (domain.PartnerAccount, error) {
	if !p.Amount.IsPositive() {
		return domain.PartnerAccount{}, shared.Validationf("partner account amount must be positive")
	}
	if strings.TrimSpace(p.PartnerCode) == "" {
		return domain.PartnerAccount{}, shared.Validationf("partner code required")
	}
	p.ReceivedPaid = 0
	p.Status = domain.StatusUnpaid
	out, err := tx.InsertPartnerAccount(ctx, p)
	if err != nil {
		return domain.PartnerAccount{}, shared.ExternalStore("insert partner account", err)
	}
	return out, nil
}

// OpenPayable records a vendor bill so payments can be allocated to it.
func (s *Service) OpenPayable(ctx context.Context, in OpenPayableInput) (domain.PartnerAccount, error) {
	if in.ReferenceID <= 0 {
		return domain.PartnerAccount{}, shared.Validationf("purchase reference required")
	}
	var out domain.PartnerAccount
	err := s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		out, err = s.OpenPartnerTx(ctx, tx, domain.PartnerAccount{
			PartnerType:   domain.PartnerVendor,
			PartnerCode:   strings.TrimSpace(in.VendorCode),
			Direction:     domain.Payable,
			ReferenceType: "purchase",
			ReferenceID:   in.ReferenceID,
			Amount:        in.Amount,
			DueDate:       in.DueDate,
			Note:          in.Note,
		})
		return err
	})
	if err != nil {
		return domain.PartnerAccount{}, shared.ExternalStore("open payable", err)
	}
	return out, nil
}

// PartnerAccount returns one AR/AP row.
func (s *Service) PartnerAccount(ctx context.Context, id int64) (domain.PartnerAccount, error) {
	var out domain.PartnerAccount
	err := s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		out, err = tx.GetPartnerAccount(ctx, id)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return domain.PartnerAccount{}, shared.NotFoundf("partner account %d", id)
	}
	if err != nil {
		return domain.PartnerAccount{}, shared.ExternalStore("get partner account", err)
	}
	return out, nil
}

// Settlement returns a settlement with its allocations.
func (s *Service) Settlement(ctx context.Context, id int64) (SettleResult, error) {
	var out SettleResult
	err := s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		if out.Settlement, err = tx.GetSettlement(ctx, id); err != nil {
			return err
		}
		out.Allocations, err = tx.ListAllocationsBySettlement(ctx, id)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return SettleResult{}, shared.NotFoundf("settlement %d", id)
	}
	if err != nil {
		return SettleResult{}, shared.ExternalStore("get settlement", err)
	}
	return out, nil
}
