package ledger

import (
	"context"
	"fmt"

	"github.com/odyssey-erp/retail-ledger/internal/domain"
	"github.com/odyssey-erp/retail-ledger/internal/money"
	"github.com/odyssey-erp/retail-ledger/internal/shared"
	"github.com/odyssey-erp/retail-ledger/internal/store"
)

// Link is one chained balance change.
type Link struct {
	ID     int64
	Amount money.Amount
	Before money.Amount
	After  money.Amount
}

// Mismatch describes one broken chain.
type Mismatch struct {
	Subject string
	Key     string
	Reason  string
}

// CheckChain verifies before+amount==after on every link, that each link
// starts where the previous ended, and that balance equals the last after.
func CheckChain(links []Link, balance money.Amount) []string {
	var problems []string
	for i, l := range links {
		if l.Before+l.Amount != l.After {
			problems = append(problems, fmt.Sprintf("entry %d: %s + %s != %s", l.ID, l.Before, l.Amount, l.After))
		}
		if i > 0 && links[i-1].After != l.Before {
			problems = append(problems, fmt.Sprintf("entry %d: starts at %s, previous ended at %s", l.ID, l.Before, links[i-1].After))
		}
	}
	if n := len(links); n > 0 && links[n-1].After != balance {
		problems = append(problems, fmt.Sprintf("balance %s differs from last entry %s", balance, links[n-1].After))
	}
	return problems
}

// EntryLinks adapts ledger entries for CheckChain.
func EntryLinks(entries []domain.LedgerEntry) []Link {
	links := make([]Link, len(entries))
	for i, e := range entries {
		links[i] = Link{ID: e.ID, Amount: e.Amount, Before: e.BalanceBefore, After: e.BalanceAfter}
	}
	return links
}

// VerifyAccounts checks the chain of every account.
func (s *Service) VerifyAccounts(ctx context.Context) ([]Mismatch, error) {
	var mismatches []Mismatch
	err := s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		accounts, err := tx.ListAccounts(ctx)
		if err != nil {
			return err
		}
		for _, acc := range accounts {
			entries, err := tx.ListLedgerEntries(ctx, acc.ID, 0)
			if err != nil {
				return err
			}
			for _, p := range CheckChain(EntryLinks(entries), acc.Balance) {
				mismatches = append(mismatches, Mismatch{Subject: "account", Key: fmt.Sprint(acc.ID), Reason: p})
			}
		}
		return nil
	})
	if err != nil {
		return nil, shared.ExternalStore("verify accounts", err)
	}
	s.metrics.IntegrityMismatch("account", len(mismatches))
	return mismatches, nil
}
