package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/retail-ledger/internal/domain"
	"github.com/odyssey-erp/retail-ledger/internal/money"
	"github.com/odyssey-erp/retail-ledger/internal/shared"
	"github.com/odyssey-erp/retail-ledger/internal/store"
	"github.com/odyssey-erp/retail-ledger/internal/store/memory"
)

func newTestService(t *testing.T, cfg ServiceConfig) (*Service, *memory.Store) {
	t.Helper()
	st := memory.New()
	if cfg.Retry.Attempts == 0 {
		cfg.Retry = shared.RetryPolicy{Attempts: 3, BaseDelay: time.Millisecond}
	}
	return NewService(st, nil, nil, cfg), st
}

func openAccount(t *testing.T, svc *Service, typ domain.AccountType, opening money.Amount) domain.Account {
	t.Helper()
	acc, err := svc.OpenAccount(context.Background(), OpenAccountInput{Name: string(typ), Type: typ, Opening: opening})
	require.NoError(t, err)
	return acc
}

func TestApplyDeltaChainsBalances(t *testing.T) {
	svc, _ := newTestService(t, ServiceConfig{})
	ctx := context.Background()
	acc := openAccount(t, svc, domain.AccountBank, money.FromUnits(1000))
	require.Equal(t, money.FromUnits(1000), acc.Balance)

	entry, err := svc.ApplyDelta(ctx, Delta{AccountID: acc.ID, Amount: money.FromUnits(250), Kind: domain.KindReceipt, Reference: domain.Reference{Type: "test", ID: "1"}})
	require.NoError(t, err)
	require.Equal(t, money.FromUnits(1000), entry.BalanceBefore)
	require.Equal(t, money.FromUnits(1250), entry.BalanceAfter)

	for _, amt := range []money.Amount{-3000, 125, -99999, 1} {
		_, err := svc.ApplyDelta(ctx, Delta{AccountID: acc.ID, Amount: amt, Reference: domain.Reference{Type: "test", ID: "n"}})
		require.NoError(t, err)
	}

	acc, err = svc.Account(ctx, acc.ID)
	require.NoError(t, err)
	entries, err := svc.Entries(ctx, acc.ID, 0)
	require.NoError(t, err)
	require.Len(t, entries, 6)
	require.Empty(t, CheckChain(EntryLinks(entries), acc.Balance))
	require.Equal(t, entries[len(entries)-1].BalanceAfter, acc.Balance)

	mismatches, err := svc.VerifyAccounts(ctx)
	require.NoError(t, err)
	require.Empty(t, mismatches)
}

func TestApplyDeltaFloor(t *testing.T) {
	svc, _ := newTestService(t, ServiceConfig{})
	ctx := context.Background()
	cash := openAccount(t, svc, domain.AccountCash, money.FromUnits(100))

	_, err := svc.ApplyDelta(ctx, Delta{AccountID: cash.ID, Amount: money.FromUnits(-101)})
	require.ErrorIs(t, err, shared.ErrConsistency)

	floor := money.FromUnits(-50)
	_, err = svc.ApplyDelta(ctx, Delta{AccountID: cash.ID, Amount: money.FromUnits(-120), Floor: &floor})
	require.NoError(t, err)

	_, err = svc.ApplyDelta(ctx, Delta{AccountID: cash.ID, Amount: money.FromUnits(-500), NoFloor: true})
	require.NoError(t, err)

	bank := openAccount(t, svc, domain.AccountBank, 0)
	_, err = svc.ApplyDelta(ctx, Delta{AccountID: bank.ID, Amount: money.FromUnits(-10)})
	require.NoError(t, err)

	lenient, _ := newTestService(t, ServiceConfig{AllowNegativeCash: true})
	petty := openAccount(t, lenient, domain.AccountPettyCash, 0)
	_, err = lenient.ApplyDelta(ctx, Delta{AccountID: petty.ID, Amount: money.FromUnits(-1)})
	require.NoError(t, err)
}

func TestApplyDeltaValidation(t *testing.T) {
	svc, st := newTestService(t, ServiceConfig{})
	ctx := context.Background()

	_, err := svc.ApplyDelta(ctx, Delta{AccountID: 42, Amount: 100})
	require.ErrorIs(t, err, shared.ErrNotFound)

	acc := openAccount(t, svc, domain.AccountBank, 0)
	_, err = svc.ApplyDelta(ctx, Delta{AccountID: acc.ID})
	require.ErrorIs(t, err, shared.ErrValidation)

	var inactive domain.Account
	require.NoError(t, st.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		inactive, err = tx.InsertAccount(ctx, domain.Account{Name: "closed", Type: domain.AccountBank})
		return err
	}))
	_, err = svc.ApplyDelta(ctx, Delta{AccountID: inactive.ID, Amount: 100})
	require.ErrorIs(t, err, shared.ErrNotFound)

	_, err = svc.OpenAccount(ctx, OpenAccountInput{Name: "x", Type: "vault"})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestApplyDeltaRetriesVersionConflict(t *testing.T) {
	svc, st := newTestService(t, ServiceConfig{})
	ctx := context.Background()
	acc := openAccount(t, svc, domain.AccountBank, money.FromUnits(10))

	conflicts := 2
	st.SetFailFunc(func(op string) error {
		if op == "UpdateAccountBalance" && conflicts > 0 {
			conflicts--
			return store.ErrVersionConflict
		}
		return nil
	})
	entry, err := svc.ApplyDelta(ctx, Delta{AccountID: acc.ID, Amount: money.FromUnits(5)})
	require.NoError(t, err)
	require.Equal(t, money.FromUnits(15), entry.BalanceAfter)

	entries, err := svc.Entries(ctx, acc.ID, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2, "aborted attempts must not leave entries behind")

	st.SetFailFunc(func(op string) error {
		if op == "UpdateAccountBalance" {
			return store.ErrVersionConflict
		}
		return nil
	})
	_, err = svc.ApplyDelta(ctx, Delta{AccountID: acc.ID, Amount: money.FromUnits(5)})
	require.ErrorIs(t, err, shared.ErrConsistency)
}

func TestApplyDeltaRollsBackEntryWhenBalanceWriteFails(t *testing.T) {
	svc, st := newTestService(t, ServiceConfig{})
	ctx := context.Background()
	acc := openAccount(t, svc, domain.AccountBank, money.FromUnits(10))

	st.SetFailFunc(func(op string) error {
		if op == "UpdateAccountBalance" {
			return errors.New("disk full")
		}
		return nil
	})
	_, err := svc.ApplyDelta(ctx, Delta{AccountID: acc.ID, Amount: money.FromUnits(5)})
	require.ErrorIs(t, err, shared.ErrExternalStore)
	st.SetFailFunc(nil)

	entries, err := svc.Entries(ctx, acc.ID, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	got, err := svc.Account(ctx, acc.ID)
	require.NoError(t, err)
	require.Equal(t, money.FromUnits(10), got.Balance)
}

func TestCheckChainDetectsBreaks(t *testing.T) {
	links := []Link{
		{ID: 1, Amount: 100, Before: 0, After: 100},
		{ID: 2, Amount: 50, Before: 90, After: 140},
		{ID: 3, Amount: 10, Before: 140, After: 151},
	}
	problems := CheckChain(links, 200)
	require.Len(t, problems, 3)
	require.Empty(t, CheckChain(nil, 0))
}

func TestApplyDeltaOnceReplaysKey(t *testing.T) {
	svc, _ := newTestService(t, ServiceConfig{})
	ctx := context.Background()
	acc := openAccount(t, svc, domain.AccountBank, money.FromUnits(100))
	d := Delta{AccountID: acc.ID, Amount: money.FromUnits(30), Kind: domain.KindReceipt, Reference: domain.Reference{Type: "manual", ID: "7"}, IdempotencyKey: "delta-7"}

	first, replayed, err := svc.ApplyDeltaOnce(ctx, d)
	require.NoError(t, err)
	require.False(t, replayed)
	require.Equal(t, "delta-7", first.IdempotencyKey)

	again, replayed, err := svc.ApplyDeltaOnce(ctx, d)
	require.NoError(t, err)
	require.True(t, replayed)
	require.Equal(t, first.ID, again.ID)

	other := d
	other.Amount = money.FromUnits(31)
	_, _, err = svc.ApplyDeltaOnce(ctx, other)
	require.ErrorIs(t, err, shared.ErrConflict)

	acc, err = svc.Account(ctx, acc.ID)
	require.NoError(t, err)
	require.Equal(t, money.FromUnits(130), acc.Balance)
}
