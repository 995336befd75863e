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
	"github.com/odyssey-erp/retail-ledger/internal/money"
	"github.com/odyssey-erp/retail-ledger/internal/shared"
	"github.com/odyssey-erp/retail-ledger/internal/store"
)

// correctionKey maps a caller key onto the correction uuid. Keys that are
// already uuids are used as is.
func correctionKey(key string) uuid.UUID {
	key = strings.TrimSpace(key)
	if key == "" {
		return uuid.New()
	}
	if id, err := uuid.Parse(key); err == nil {
		return id
	}
	return uuid.NewSHA1(uuid.Nil, []byte("sale-correction:"+key))
}

// Correct lowers quantities or prices on a confirmed sale. Stock for reduced
// quantities is put back when the sale was fulfilled, and outstanding
// receivables shrink in proportion to the adjustment.
func (s *Service) Correct(ctx context.Context, in CorrectInput) (CorrectionResult, error) {
	if len(in.Edits) == 0 {
		return CorrectionResult{}, shared.Validationf("correction needs at least one line edit")
	}
	seen := make(map[int64]struct{}, len(in.Edits))
	for _, e := range in.Edits {
		if e.NewQuantity < 0 {
			return CorrectionResult{}, shared.Validationf("line %d: quantity must not be negative", e.LineID)
		}
		if e.NewPrice != nil && e.NewPrice.IsNegative() {
			return CorrectionResult{}, shared.Validationf("line %d: price must not be negative", e.LineID)
		}
		if _, dup := seen[e.LineID]; dup {
			return CorrectionResult{}, shared.Validationf("line %d edited twice", e.LineID)
		}
		seen[e.LineID] = struct{}{}
	}
	key := correctionKey(in.CorrectionKey)

	release, err := s.locker.Acquire(ctx, shared.SaleLockKey(in.SaleID))
	if err != nil {
		return CorrectionResult{}, err
	}
	defer release(context.WithoutCancel(ctx))

	var res CorrectionResult
	policy := s.retry
	policy.OnRetry = func(int, error) { s.metrics.Retry("correct_sale") }
	err = shared.Retry(ctx, policy, "correct sale", func(ctx context.Context) error {
		return s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
			var err error
			res, err = s.correctTx(ctx, tx, in, key)
			return err
		})
	})
	if err != nil {
		return CorrectionResult{}, shared.ExternalStore("correct sale", err)
	}
	if res.Clamped {
		s.logger.WarnContext(ctx, "receivable reduction clamped to amount already received",
			slog.Int64("sale_id", in.SaleID),
			slog.String("correction_key", key.String()),
			slog.String("adjustment", res.Correction.AdjustmentAmount.String()),
		)
	}
	if !res.Replayed {
		s.book.Audit(ctx, "correct sale", shared.AuditLog{
			ActorID:  in.ActorID,
			Action:   "sale:correct",
			Entity:   "sale",
			EntityID: fmt.Sprint(in.SaleID),
			Meta: map[string]any{
				"correction_key":     key.String(),
				"original_total":     res.Correction.OriginalTotal.String(),
				"corrected_total":    res.Correction.CorrectedTotal.String(),
				"inventory_restored": res.Correction.InventoryRestored,
			},
		})
	}
	return res, nil
}

func (s *Service) correctTx(ctx context.Context, tx store.Tx, in CorrectInput, key uuid.UUID) (CorrectionResult, error) {
	prior, err := tx.FindSaleCorrectionByKey(ctx, key)
	switch {
	case err == nil:
		if prior.SaleID != in.SaleID {
			return CorrectionResult{}, shared.Conflictf("correction key %s belongs to sale %d", key, prior.SaleID)
		}
		sale, err := loadSale(ctx, tx, in.SaleID)
		if err != nil {
			return CorrectionResult{}, err
		}
		receivables, err := tx.ListPartnerAccountsByReference(ctx, ReferenceSale, sale.ID)
		if err != nil {
			return CorrectionResult{}, shared.ExternalStore("list receivables", err)
		}
		return CorrectionResult{Correction: prior, Sale: sale, Receivables: receivables, Replayed: true}, nil
	case !errors.Is(err, store.ErrNotFound):
		return CorrectionResult{}, shared.ExternalStore("find correction", err)
	}

	sale, err := loadSale(ctx, tx, in.SaleID)
	if err != nil {
		return CorrectionResult{}, err
	}
	if sale.Status != domain.SaleConfirmed {
		return CorrectionResult{}, shared.Validationf("sale %d is %s, only confirmed sales can be corrected", sale.ID, sale.Status)
	}
	originalTotal := sale.Total

	lines := make(map[int64]int, len(sale.Lines))
	for i, l := range sale.Lines {
		lines[l.ID] = i
	}
	var (
		restock    []inventory.Line
		adjustment money.Amount
	)
	for _, e := range in.Edits {
		idx, ok := lines[e.LineID]
		if !ok {
			return CorrectionResult{}, shared.NotFoundf("sale %d has no line %d", sale.ID, e.LineID)
		}
		line := sale.Lines[idx]
		if e.NewQuantity > line.Quantity {
			return CorrectionResult{}, shared.Validationf("line %d: quantity can only be reduced (%d > %d); sell the extra units in a new sale", line.ID, e.NewQuantity, line.Quantity)
		}
		price := line.Price
		if e.NewPrice != nil {
			if *e.NewPrice > line.Price {
				return CorrectionResult{}, shared.Validationf("line %d: price can only be reduced", line.ID)
			}
			price = *e.NewPrice
		}
		if delta := line.Quantity - e.NewQuantity; delta > 0 {
			restock = append(restock, inventory.Line{LineKey: fmt.Sprint(line.ID), ProductID: line.ProductID, Quantity: delta})
		}
		subtotal := price * money.Amount(e.NewQuantity)
		adjustment += line.Subtotal - subtotal
		line.Quantity = e.NewQuantity
		line.Price = price
		line.Subtotal = subtotal
		sale.Lines[idx] = line
	}
	// The header total may already be lower than the line sum after a
	// partial store-credit conversion, so only the removed value is applied.
	if adjustment > originalTotal {
		return CorrectionResult{}, shared.Validationf("correction of sale %d removes %s but only %s remains on the sale",
			sale.ID, adjustment, originalTotal)
	}
	corrected := originalTotal - adjustment

	var restored int64
	if sale.Fulfilled && len(restock) > 0 {
		inv, err := s.inventory.RestockOnceTx(ctx, tx, inventory.ReferenceSaleCorrection, key.String(), restock, "correction of sale "+sale.Number)
		if err != nil {
			return CorrectionResult{}, err
		}
		restored = inv.Units
	}

	for _, e := range in.Edits {
		line := sale.Lines[lines[e.LineID]]
		if err := tx.UpdateSaleLine(ctx, line); err != nil {
			return CorrectionResult{}, shared.ExternalStore("update sale line", err)
		}
	}
	version := sale.Version
	sale.Total = corrected
	if err := tx.UpdateSale(ctx, sale, version); err != nil {
		return CorrectionResult{}, shared.ExternalStore("update sale", err)
	}
	sale.Version = version + 1

	res := CorrectionResult{Sale: sale}
	if adjustment.IsPositive() && originalTotal.IsPositive() {
		note := fmt.Sprintf("corrected by %s", s.formatter.Format(adjustment))
		if res.Receivables, res.DeletedReceivables, res.Clamped, err = shrinkReceivables(ctx, tx, sale.ID, adjustment, originalTotal, note); err != nil {
			return CorrectionResult{}, err
		}
	}

	res.Correction, err = tx.InsertSaleCorrection(ctx, domain.SaleCorrection{
		SaleID:            sale.ID,
		CorrectionKey:     key,
		OriginalTotal:     originalTotal,
		CorrectedTotal:    corrected,
		AdjustmentAmount:  adjustment,
		InventoryRestored: restored,
		Note:              in.Note,
		ActorID:           in.ActorID,
	})
	if errors.Is(err, store.ErrDuplicate) {
		return CorrectionResult{}, store.ErrVersionConflict
	}
	if err != nil {
		return CorrectionResult{}, shared.ExternalStore("insert sale correction", err)
	}
	return res, nil
}

// shrinkReceivables lowers every receivable of the sale by
// floor(amount * num / den). A row that reaches zero is deleted; a row is
// never lowered below what was already received on it.
func shrinkReceivables(ctx context.Context, tx store.PartnerTx, saleID int64, num, den money.Amount, note string) (kept []domain.PartnerAccount, deleted []int64, clamped bool, err error) {
	rows, err := tx.ListPartnerAccountsByReference(ctx, ReferenceSale, saleID)
	if err != nil {
		return nil, nil, false, shared.ExternalStore("list receivables", err)
	}
	for _, row := range rows {
		if row.Direction != domain.Receivable {
			continue
		}
		reduction, err := money.MulDiv(row.Amount, num, den)
		if err != nil {
			return nil, nil, false, shared.Consistencyf("receivable %d: %v", row.ID, err)
		}
		newAmount := row.Amount - reduction
		if newAmount <= 0 && row.ReceivedPaid.IsZero() {
			if err := tx.DeletePartnerAccount(ctx, row.ID); err != nil {
				return nil, nil, false, shared.ExternalStore("delete receivable", err)
			}
			deleted = append(deleted, row.ID)
			continue
		}
		if newAmount < row.ReceivedPaid {
			newAmount = row.ReceivedPaid
			clamped = true
		}
		version := row.Version
		row.Amount = newAmount
		row.Status = domain.DeriveStatus(row.Amount, row.ReceivedPaid)
		row.Note = appendNote(row.Note, note)
		if err := tx.UpdatePartnerAccount(ctx, row, version); err != nil {
			return nil, nil, false, shared.ExternalStore("update receivable", err)
		}
		row.Version = version + 1
		kept = append(kept, row)
	}
	return kept, deleted, clamped, nil
}

func appendNote(note, extra string) string {
	if note = strings.TrimSpace(note); note == "" {
		return extra
	}
	return note + "; " + extra
}
