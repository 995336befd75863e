package conversion

import (
	"context"
	"fmt"

	"github.com/odyssey-erp/retail-ledger/internal/credit"
	"github.com/odyssey-erp/retail-ledger/internal/domain"
	"github.com/odyssey-erp/retail-ledger/internal/inventory"
	"github.com/odyssey-erp/retail-ledger/internal/ledger"
	"github.com/odyssey-erp/retail-ledger/internal/money"
	"github.com/odyssey-erp/retail-ledger/internal/sales"
	"github.com/odyssey-erp/retail-ledger/internal/shared"
	"github.com/odyssey-erp/retail-ledger/internal/store"
)

type stepFunc func(ctx context.Context, tx store.Tx, saga domain.SagaRecord, st *State) error

type step struct {
	name       string
	forward    stepFunc
	compensate stepFunc
}

func (s *Service) steps() []step {
	return []step{
		{StepRestoreInventory, s.restoreInventory, s.withdrawInventory},
		{StepCreditCustomer, s.creditCustomer, s.revokeCredit},
		{StepReverseSettlements, s.reverseSettlements, s.restoreSettlements},
		{StepShrinkReceivables, s.shrinkReceivables, s.restoreReceivables},
		{StepReverseDirectPayment, s.reverseDirectPayment, s.restoreDirectPayment},
		{StepUpdateSale, s.updateSale, s.restoreSale},
		{StepRecord, s.recordConversion, s.recordReversal},
	}
}

func reference(saga domain.SagaRecord, st *State) domain.Reference {
	return domain.Reference{Type: SagaKind, ID: saga.ID.String(), Number: st.SaleNumber}
}

// --- restore_inventory ---

func (s *Service) restoreInventory(ctx context.Context, tx store.Tx, saga domain.SagaRecord, st *State) error {
	if !saga.RestoreInventory || !st.Full || !st.SaleBefore.Fulfilled {
		return nil
	}
	sale, err := tx.GetSale(ctx, saga.SaleID)
	if err != nil {
		return shared.ExternalStore("get sale", err)
	}
	var lines []inventory.Line
	for _, l := range sale.Lines {
		if l.Quantity > 0 {
			lines = append(lines, inventory.Line{LineKey: fmt.Sprint(l.ID), ProductID: l.ProductID, Quantity: l.Quantity})
		}
	}
	if len(lines) == 0 {
		return nil
	}
	res, err := s.inventory.RestockOnceTx(ctx, tx, inventory.ReferenceConversion, saga.ID.String(), lines, "store credit conversion of "+st.SaleNumber)
	if err != nil {
		return err
	}
	st.Restocked = lines
	st.InventoryRestored = res.Units
	return nil
}

func (s *Service) withdrawInventory(ctx context.Context, tx store.Tx, saga domain.SagaRecord, st *State) error {
	if len(st.Restocked) == 0 {
		return nil
	}
	_, err := s.inventory.WithdrawOnceTx(ctx, tx, inventory.ReferenceConversionUndo, saga.ID.String(), st.Restocked, "undo store credit conversion of "+st.SaleNumber)
	return err
}

// --- credit_customer ---

func (s *Service) creditCustomer(ctx context.Context, tx store.Tx, saga domain.SagaRecord, st *State) error {
	_, err := s.credit.ApplyTx(ctx, tx, credit.Change{
		CustomerCode: st.CustomerCode,
		Amount:       saga.Amount,
		Kind:         domain.KindStoreCreditGrant,
		Reference:    reference(saga, st),
		Note:         st.Note,
	})
	if err != nil {
		return err
	}
	st.CreditGranted = saga.Amount
	return nil
}

func (s *Service) revokeCredit(ctx context.Context, tx store.Tx, saga domain.SagaRecord, st *State) error {
	if st.CreditGranted.IsZero() {
		return nil
	}
	_, err := s.credit.ApplyTx(ctx, tx, credit.Change{
		CustomerCode:  st.CustomerCode,
		Amount:        st.CreditGranted.Neg(),
		Kind:          domain.KindStoreCreditRevoke,
		Reference:     reference(saga, st),
		Note:          "undo conversion",
		AllowNegative: true,
	})
	return err
}

// --- reverse_settlements ---

func (s *Service) reverseSettlements(ctx context.Context, tx store.Tx, saga domain.SagaRecord, st *State) error {
	rows, err := tx.ListPartnerAccountsByReference(ctx, sales.ReferenceSale, saga.SaleID)
	if err != nil {
		return shared.ExternalStore("list receivables", err)
	}
	ids := make([]int64, 0, len(rows))
	for _, row := range rows {
		if row.Direction == domain.Receivable {
			ids = append(ids, row.ID)
		}
	}
	unwound, err := s.settlement.UnwindTx(ctx, tx, ids, fmt.Sprintf("store credit conversion of %s", st.SaleNumber))
	if err != nil {
		return err
	}
	st.Unwound = unwound
	return nil
}

func (s *Service) restoreSettlements(ctx context.Context, tx store.Tx, saga domain.SagaRecord, st *State) error {
	if len(st.Unwound) == 0 {
		return nil
	}
	return s.settlement.RestoreTx(ctx, tx, st.Unwound, "undo conversion")
}

// --- shrink_receivables ---

func (s *Service) shrinkReceivables(ctx context.Context, tx store.Tx, saga domain.SagaRecord, st *State) error {
	rows, err := tx.ListPartnerAccountsByReference(ctx, sales.ReferenceSale, saga.SaleID)
	if err != nil {
		return shared.ExternalStore("list receivables", err)
	}
	st.Receivables = nil
	st.DeletedReceivables = nil
	for _, row := range rows {
		if row.Direction != domain.Receivable {
			continue
		}
		st.Receivables = append(st.Receivables, row)
		newAmount := money.Zero
		if !st.Full {
			reduction, err := money.MulDiv(row.Amount, saga.Amount, st.OriginalTotal)
			if err != nil {
				return shared.Consistencyf("receivable %d: %v", row.ID, err)
			}
			newAmount = row.Amount - reduction
		}
		if newAmount < row.ReceivedPaid {
			return shared.Consistencyf("receivable %d still carries %s received after settlements were reversed", row.ID, row.ReceivedPaid)
		}
		if newAmount <= 0 {
			if err := tx.DeletePartnerAccount(ctx, row.ID); err != nil {
				return shared.ExternalStore("delete receivable", err)
			}
			st.DeletedReceivables = append(st.DeletedReceivables, row.ID)
			continue
		}
		version := row.Version
		row.Amount = newAmount
		row.Status = domain.DeriveStatus(row.Amount, row.ReceivedPaid)
		if err := tx.UpdatePartnerAccount(ctx, row, version); err != nil {
			return shared.ExternalStore("update receivable", err)
		}
	}
	return nil
}

func (s *Service) restoreReceivables(ctx context.Context, tx store.Tx, _ domain.SagaRecord, st *State) error {
	deleted := make(map[int64]struct{}, len(st.DeletedReceivables))
	for _, id := range st.DeletedReceivables {
		deleted[id] = struct{}{}
	}
	for _, before := range st.Receivables {
		if _, ok := deleted[before.ID]; ok {
			if _, err := tx.InsertPartnerAccount(ctx, before); err != nil {
				return shared.ExternalStore("restore receivable", err)
			}
			continue
		}
		current, err := tx.GetPartnerAccount(ctx, before.ID)
		if err != nil {
			return shared.ExternalStore("get receivable", err)
		}
		version := current.Version
		current.Amount = before.Amount
		current.Status = domain.DeriveStatus(current.Amount, current.ReceivedPaid)
		current.Note = before.Note
		if err := tx.UpdatePartnerAccount(ctx, current, version); err != nil {
			return shared.ExternalStore("restore receivable", err)
		}
	}
	return nil
}

// --- reverse_direct_payment ---

func (s *Service) reverseDirectPayment(ctx context.Context, tx store.Tx, saga domain.SagaRecord, st *State) error {
	before := st.SaleBefore
	if before.PaidAccountID <= 0 || !before.PaidAmount.IsPositive() {
		return nil
	}
	portion := before.PaidAmount
	if !st.Full {
		var err error
		if portion, err = money.MulDiv(before.PaidAmount, saga.Amount, st.OriginalTotal); err != nil {
			return shared.Consistencyf("direct payment of sale %d: %v", saga.SaleID, err)
		}
	}
	if portion.IsZero() {
		return nil
	}
	if _, err := s.ledger.ApplyDeltaTx(ctx, tx, ledger.Delta{
		AccountID: before.PaidAccountID,
		Amount:    portion.Neg(),
		Kind:      domain.KindSalePaymentRevert,
		Reference: reference(saga, st),
		Note:      "store credit conversion",
	}); err != nil {
		return err
	}
	st.DirectAccountID = before.PaidAccountID
	st.DirectReversed = portion
	return nil
}

func (s *Service) restoreDirectPayment(ctx context.Context, tx store.Tx, saga domain.SagaRecord, st *State) error {
	if st.DirectReversed.IsZero() {
		return nil
	}
	_, err := s.ledger.ApplyDeltaTx(ctx, tx, ledger.Delta{
		AccountID: st.DirectAccountID,
		Amount:    st.DirectReversed,
		Kind:      domain.KindSalePayment,
		Reference: reference(saga, st),
		Note:      "undo conversion",
		NoFloor:   true,
	})
	return err
}

// --- update_sale ---

func (s *Service) updateSale(ctx context.Context, tx store.Tx, saga domain.SagaRecord, st *State) error {
	sale, err := tx.GetSale(ctx, saga.SaleID)
	if err != nil {
		return shared.ExternalStore("get sale", err)
	}
	version := sale.Version
	if st.Full {
		sale.Status = domain.SaleStoreCredit
		sale.Total = 0
		sale.IsPaid = true
		sale.PaidAmount = 0
	} else {
		sale.Total -= saga.Amount
		sale.PaidAmount -= st.DirectReversed
	}
	if err := tx.UpdateSale(ctx, sale, version); err != nil {
		return shared.ExternalStore("update sale", err)
	}
	return nil
}

func (s *Service) restoreSale(ctx context.Context, tx store.Tx, saga domain.SagaRecord, st *State) error {
	sale, err := tx.GetSale(ctx, saga.SaleID)
	if err != nil {
		return shared.ExternalStore("get sale", err)
	}
	version := sale.Version
	before := st.SaleBefore
	sale.Status = before.Status
	sale.IsPaid = before.IsPaid
	sale.PaidAccountID = before.PaidAccountID
	sale.PaidAmount = before.PaidAmount
	if st.Full {
		sale.Total = before.Total
	} else {
		sale.Total += saga.Amount
	}
	if err := tx.UpdateSale(ctx, sale, version); err != nil {
		return shared.ExternalStore("restore sale", err)
	}
	return nil
}

// --- record ---

func (s *Service) recordConversion(ctx context.Context, tx store.Tx, saga domain.SagaRecord, st *State) error {
	rec, err := tx.InsertConversionRecord(ctx, domain.ConversionRecord{
		SaleID:             saga.SaleID,
		SagaID:             saga.ID,
		ConversionAmount:   saga.Amount,
		StoreCreditGranted: st.CreditGranted,
		InventoryRestored:  st.InventoryRestored,
		Note:               st.Note,
	})
	if err != nil {
		return shared.ExternalStore("insert conversion record", err)
	}
	st.RecordID = rec.ID
	return nil
}

// recordReversal appends the opposite-signed audit row; the original stays.
func (s *Service) recordReversal(ctx context.Context, tx store.Tx, saga domain.SagaRecord, st *State) error {
	if st.RecordID == 0 {
		return nil
	}
	_, err := tx.InsertConversionRecord(ctx, domain.ConversionRecord{
		SaleID:             saga.SaleID,
		SagaID:             saga.ID,
		ConversionAmount:   saga.Amount.Neg(),
		StoreCreditGranted: st.CreditGranted.Neg(),
		InventoryRestored:  -st.InventoryRestored,
		Note:               "reversal",
	})
	if err != nil {
		return shared.ExternalStore("insert conversion reversal", err)
	}
	return nil
}
