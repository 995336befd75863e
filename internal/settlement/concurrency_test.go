package settlement

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/retail-ledger/internal/credit"
	"github.com/odyssey-erp/retail-ledger/internal/domain"
	"github.com/odyssey-erp/retail-ledger/internal/ledger"
	"github.com/odyssey-erp/retail-ledger/internal/money"
	"github.com/odyssey-erp/retail-ledger/internal/platform/db"
	"github.com/odyssey-erp/retail-ledger/internal/shared"
	"github.com/odyssey-erp/retail-ledger/internal/store"
	"github.com/odyssey-erp/retail-ledger/internal/store/memory"
	"github.com/odyssey-erp/retail-ledger/internal/store/postgres"
)

// concurrencyStores returns the memory store and, when LEDGER_TEST_PG_DSN is
// set, a migrated Postgres store where optimistic conflicts really happen.
func concurrencyStores(t *testing.T) map[string]store.Store {
	t.Helper()
	stores := map[string]store.Store{"memory": memory.New()}
	dsn := strings.TrimSpace(os.Getenv("LEDGER_TEST_PG_DSN"))
	if dsn == "" {
		return stores
	}
	ctx := context.Background()
	pool, err := db.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	_, err = db.Migrate(ctx, pool, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	stores["postgres"] = postgres.New(pool)
	return stores
}

func TestConcurrentBalanceWriters(t *testing.T) {
	for name, st := range concurrencyStores(t) {
		t.Run(name, func(t *testing.T) {
			runConcurrentWriters(t, st)
		})
	}
}

func runConcurrentWriters(t *testing.T, st store.Store) {
	ctx := context.Background()
	retry := shared.RetryPolicy{Attempts: 40, BaseDelay: time.Millisecond, MaxDelay: 20 * time.Millisecond}
	ledgerSvc := ledger.NewService(st, nil, nil, ledger.ServiceConfig{Retry: retry})
	creditSvc := credit.NewService(st, nil, nil, retry)
	svc := NewService(st, ledgerSvc, creditSvc, nil, nil, nil, retry)

	bank, err := ledgerSvc.OpenAccount(ctx, ledger.OpenAccountInput{Name: "BCA", Type: domain.AccountBank})
	require.NoError(t, err)
	code := "CC-" + uuid.NewString()[:8]
	_, err = creditSvc.RegisterCustomer(ctx, code, "Ayu")
	require.NoError(t, err)
	_, err = creditSvc.Apply(ctx, credit.Change{CustomerCode: code, Amount: money.FromUnits(500), Kind: domain.KindStoreCreditGrant})
	require.NoError(t, err)
	var ar domain.PartnerAccount
	require.NoError(t, st.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		ar, err = svc.OpenPartnerTx(ctx, tx, domain.PartnerAccount{
			PartnerType:   domain.PartnerCustomer,
			PartnerCode:   code,
			Direction:     domain.Receivable,
			ReferenceType: "sale",
			ReferenceID:   time.Now().UnixNano(),
			Amount:        money.FromUnits(1000),
		})
		return err
	}))

	const (
		deltas  = 25
		settles = 30
		grants  = 20
		spends  = 10
	)
	var settled, rejected atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < deltas; i++ {
		g.Go(func() error {
			_, err := ledgerSvc.ApplyDelta(gctx, ledger.Delta{AccountID: bank.ID, Amount: money.FromUnits(4), Kind: domain.KindReceipt, Reference: domain.Reference{Type: "manual", ID: "concurrent"}})
			return err
		})
	}
	for i := 0; i < settles; i++ {
		g.Go(func() error {
			_, err := svc.Settle(gctx, SettleInput{
				Direction: domain.Receivable, PartnerCode: code, Amount: money.FromUnits(50),
				Method: domain.MethodAccount, AccountID: bank.ID, PartnerAccountIDs: []int64{ar.ID},
			})
			switch {
			case err == nil:
				settled.Add(1)
				return nil
			case errors.Is(err, shared.ErrValidation):
				rejected.Add(1)
				return nil
			}
			return err
		})
	}
	for i := 0; i < grants; i++ {
		g.Go(func() error {
			_, err := creditSvc.Apply(gctx, credit.Change{CustomerCode: code, Amount: money.FromUnits(5), Kind: domain.KindStoreCreditGrant})
			return err
		})
	}
	for i := 0; i < spends; i++ {
		g.Go(func() error {
			_, err := creditSvc.Apply(gctx, credit.Change{CustomerCode: code, Amount: money.FromUnits(-10), Kind: domain.KindStoreCreditSpend})
			return err
		})
	}
	require.NoError(t, g.Wait())

	require.EqualValues(t, 20, settled.Load(), "outstanding 1000 fits exactly twenty receipts of 50")
	require.EqualValues(t, settles-20, rejected.Load())

	acc, err := ledgerSvc.Account(ctx, bank.ID)
	require.NoError(t, err)
	require.Equal(t, money.FromUnits(deltas*4+20*50), acc.Balance)
	entries, err := ledgerSvc.Entries(ctx, bank.ID, 0)
	require.NoError(t, err)
	require.Len(t, entries, deltas+20)
	require.Empty(t, ledger.CheckChain(ledger.EntryLinks(entries), acc.Balance))

	row, err := svc.PartnerAccount(ctx, ar.ID)
	require.NoError(t, err)
	require.LessOrEqual(t, row.ReceivedPaid, row.Amount)
	require.Equal(t, row.Amount, row.ReceivedPaid)
	require.Equal(t, domain.StatusPaid, row.Status)

	customer, err := creditSvc.Customer(ctx, code)
	require.NoError(t, err)
	require.Equal(t, money.FromUnits(500+grants*5-spends*10), customer.StoreCredit)
	logs, err := creditSvc.Logs(ctx, code, 0)
	require.NoError(t, err)
	require.Len(t, logs, 1+grants+spends)
	links := make([]ledger.Link, len(logs))
	for i, l := range logs {
		links[i] = ledger.Link{ID: l.ID, Amount: l.Amount, Before: l.BalanceBefore, After: l.BalanceAfter}
	}
	require.Empty(t, ledger.CheckChain(links, customer.StoreCredit))
}
