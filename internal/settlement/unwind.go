package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/odyssey-erp/retail-ledger/internal/credit"
	"github.com/odyssey-erp/retail-ledger/internal/domain"
	"github.com/odyssey-erp/retail-ledger/internal/ledger"
	"github.com/odyssey-erp/retail-ledger/internal/money"
	"github.com/odyssey-erp/retail-ledger/internal/shared"
	"github.com/odyssey-erp/retail-ledger/internal/store"
)

// Unwound snapshots one settlement reversed by UnwindTx so RestoreTx can put
// it back exactly.
type Unwound struct {
	Settlement  domain.Settlement             `json:"settlement"`
	Allocations []domain.SettlementAllocation `json:"allocations"`
	Portion     money.Amount                  `json:"portion"`
	Deleted     bool                          `json:"deleted"`
}

// UnwindTx reverses every allocation that targets partnerIDs. Money goes back
// on the rail it came from as a new opposite-signed entry. A settlement that
// also funded other partner accounts keeps those allocations and shrinks by
// the unwound portion; one left without allocations is deleted.
func (s *Service) UnwindTx(ctx context.Context, tx store.Tx, partnerIDs []int64, note string) ([]Unwound, error) {
	if len(partnerIDs) == 0 {
		return nil, nil
	}
	allocs, err := tx.ListAllocationsByPartnerAccounts(ctx, partnerIDs)
	if err != nil {
		return nil, shared.ExternalStore("list allocations", err)
	}
	var order []int64
	grouped := make(map[int64][]domain.SettlementAllocation)
	for _, a := range allocs {
		if _, ok := grouped[a.SettlementID]; !ok {
			order = append(order, a.SettlementID)
		}
		grouped[a.SettlementID] = append(grouped[a.SettlementID], a)
	}

	out := make([]Unwound, 0, len(order))
	for _, settlementID := range order {
		settlement, err := tx.GetSettlement(ctx, settlementID)
		if err != nil {
			return nil, shared.ExternalStore("get settlement", err)
		}
		removed := grouped[settlementID]
		var portion money.Amount
		for _, a := range removed {
			portion += a.Amount
		}
		ref := domain.Reference{Type: "settlement", ID: fmt.Sprint(settlement.ID), Number: settlement.Number}
		if err := s.moveMoney(ctx, tx, settlement, portion.Neg(), domain.KindSettlementReversal, ref, note, false); err != nil {
			return nil, err
		}
		for _, a := range removed {
			if err := tx.DeleteAllocation(ctx, a.ID); err != nil {
				return nil, shared.ExternalStore("delete allocation", err)
			}
			if err := adjustReceived(ctx, tx, a.PartnerAccountID, a.Amount.Neg()); err != nil {
				return nil, err
			}
		}
		remaining, err := tx.ListAllocationsBySettlement(ctx, settlement.ID)
		if err != nil {
			return nil, shared.ExternalStore("list allocations", err)
		}
		deleted := len(remaining) == 0
		if deleted {
			err = tx.DeleteSettlement(ctx, settlement.ID)
		} else {
			err = tx.UpdateSettlementAmount(ctx, settlement.ID, settlement.Amount-portion)
		}
		if err != nil {
			return nil, shared.ExternalStore("unwind settlement", err)
		}
		out = append(out, Unwound{Settlement: settlement, Allocations: removed, Portion: portion, Deleted: deleted})
	}
	return out, nil
}

// RestoreTx re-applies settlements previously reversed by UnwindTx, keeping
// their original ids. The partner accounts must already exist again.
func (s *Service) RestoreTx(ctx context.Context, tx store.Tx, unwound []Unwound, note string) error {
	for i := len(unwound) - 1; i >= 0; i-- {
		u := unwound[i]
		if u.Deleted {
			if _, err := tx.InsertSettlement(ctx, u.Settlement); err != nil {
				return shared.ExternalStore("restore settlement", err)
			}
		} else if err := tx.UpdateSettlementAmount(ctx, u.Settlement.ID, u.Settlement.Amount); err != nil {
			return shared.ExternalStore("restore settlement amount", err)
		}
		for _, a := range u.Allocations {
			if _, err := tx.InsertAllocation(ctx, a); err != nil {
				return shared.ExternalStore("restore allocation", err)
			}
			if err := adjustReceived(ctx, tx, a.PartnerAccountID, a.Amount); err != nil {
				return err
			}
		}
		ref := domain.Reference{Type: "settlement", ID: fmt.Sprint(u.Settlement.ID), Number: u.Settlement.Number}
		if err := s.moveMoney(ctx, tx, u.Settlement, u.Portion, domain.KindSettlementRestore, ref, note, true); err != nil {
			return err
		}
	}
	return nil
}

// moveMoney applies amount in the settlement's original direction: positive
// repeats the settlement effect, negative reverses it.
func (s *Service) moveMoney(ctx context.Context, tx store.Tx, settlement domain.Settlement, amount money.Amount, kind domain.EntryKind, ref domain.Reference, note string, compensating bool) error {
	if amount.IsZero() {
		return nil
	}
	switch settlement.Method {
	case domain.MethodAccount:
		delta := ledger.Delta{AccountID: settlement.AccountID, Amount: amount, Kind: kind, Reference: ref, Note: note, NoFloor: compensating}
		if settlement.Direction == domain.Payable {
			delta.Amount = amount.Neg()
		}
		_, err := s.ledger.ApplyDeltaTx(ctx, tx, delta)
		return err
	case domain.MethodStoreCredit:
		_, err := s.credit.ApplyTx(ctx, tx, credit.Change{
			CustomerCode:  settlement.CreditCustomer,
			Amount:        amount.Neg(),
			Kind:          kind,
			Reference:     ref,
			Note:          note,
			AllowNegative: compensating,
		})
		return err
	}
	return shared.Consistencyf("settlement %d has unknown method %q", settlement.ID, settlement.Method)
}

func adjustReceived(ctx context.Context, tx store.PartnerTx, partnerID int64, delta money.Amount) error {
	p, err := tx.GetPartnerAccount(ctx, partnerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return shared.Consistencyf("allocation targets missing partner account %d", partnerID)
		}
		return shared.ExternalStore("get partner account", err)
	}
	version := p.Version
	p.ReceivedPaid += delta
	if p.ReceivedPaid.IsNegative() || p.ReceivedPaid > p.Amount {
		return shared.Consistencyf("partner account %d received %s outside [0, %s]", p.ID, p.ReceivedPaid, p.Amount)
	}
	p.Status = domain.DeriveStatus(p.Amount, p.ReceivedPaid)
	if err := tx.UpdatePartnerAccount(ctx, p, version); err != nil {
		return shared.ExternalStore("update partner account", err)
	}
	return nil
}
