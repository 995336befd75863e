// Package settlement distributes payments and receipts across AR/AP records.
package settlement

import (
	"github.com/odyssey-erp/retail-ledger/internal/money"
	"github.com/odyssey-erp/retail-ledger/internal/shared"
)

// Target is one open AR/AP balance selected for a payment.
type Target struct {
	ID      int64
	Balance money.Amount
}

// Allocation is the share of a payment assigned to one target.
type Allocation struct {
	ID     int64
	Amount money.Amount
}

// Allocate splits total across targets in proportion to their balances.
// Every target but the last receives floor(balance/sum * total); the last
// absorbs the remainder so the shares always sum to total. Targets keep the
// caller's order, which makes the result deterministic.
func Allocate(total money.Amount, targets []Target) ([]Allocation, error) {
	if len(targets) == 0 {
		return nil, shared.Validationf("at least one target is required")
	}
	if !total.IsPositive() {
		return nil, shared.Validationf("amount must be positive")
	}
	var sum money.Amount
	seen := make(map[int64]struct{}, len(targets))
	for _, t := range targets {
		if t.Balance.IsNegative() {
			return nil, shared.Validationf("target %d has a negative balance", t.ID)
		}
		if _, dup := seen[t.ID]; dup {
			return nil, shared.Validationf("target %d listed twice", t.ID)
		}
		seen[t.ID] = struct{}{}
		sum += t.Balance
	}
	if total > sum {
		return nil, shared.Validationf("amount %s exceeds outstanding balance %s", total, sum)
	}

	out := make([]Allocation, len(targets))
	var assigned money.Amount
	last := len(targets) - 1
	for i, t := range targets[:last] {
		share, err := money.MulDiv(total, t.Balance, sum)
		if err != nil {
			return nil, shared.Validationf("allocate target %d: %v", t.ID, err)
		}
		out[i] = Allocation{ID: t.ID, Amount: share}
		assigned += share
	}
	out[last] = Allocation{ID: targets[last].ID, Amount: total - assigned}

	// Flooring can leave the last target with a few cents more than it owes.
	// Push that overflow back onto earlier targets that still have room.
	if overflow := out[last].Amount - targets[last].Balance; overflow.IsPositive() {
		out[last].Amount = targets[last].Balance
		for i := 0; i < last && overflow.IsPositive(); i++ {
			room := targets[i].Balance - out[i].Amount
			take := money.Min(room, overflow)
			if take.IsPositive() {
				out[i].Amount += take
				overflow -= take
			}
		}
	}
	return out, nil
}
