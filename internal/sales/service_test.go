package sales

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/retail-ledger/internal/credit"
	"github.com/odyssey-erp/retail-ledger/internal/domain"
	"github.com/odyssey-erp/retail-ledger/internal/inventory"
	"github.com/odyssey-erp/retail-ledger/internal/ledger"
	"github.com/odyssey-erp/retail-ledger/internal/money"
	"github.com/odyssey-erp/retail-ledger/internal/settlement"
	"github.com/odyssey-erp/retail-ledger/internal/shared"
	"github.com/odyssey-erp/retail-ledger/internal/store"
	"github.com/odyssey-erp/retail-ledger/internal/store/memory"
)

type fixture struct {
	store      *memory.Store
	ledger     *ledger.Service
	settlement *settlement.Service
	inventory  *inventory.Service
	sales      *Service
	bank       domain.Account
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st := memory.New()
	retry := shared.RetryPolicy{Attempts: 3, BaseDelay: time.Millisecond}
	book := shared.NewBookkeeping(nil, &shared.MemoryAudit{}, nil)
	ledgerSvc := ledger.NewService(st, nil, nil, ledger.ServiceConfig{Retry: retry})
	creditSvc := credit.NewService(st, nil, nil, retry)
	settleSvc := settlement.NewService(st, ledgerSvc, creditSvc, book, nil, nil, retry)
	invSvc := inventory.NewService(st, book, nil, nil, inventory.ServiceConfig{Retry: retry})
	formatter, err := money.NewFormatter("IDR")
	require.NoError(t, err)
	svc := NewService(Dependencies{
		Store:      st,
		Ledger:     ledgerSvc,
		Settlement: settleSvc,
		Inventory:  invSvc,
		Book:       book,
		Formatter:  formatter,
		Retry:      retry,
	})
	bank, err := ledgerSvc.OpenAccount(ctx, ledger.OpenAccountInput{Name: "BCA", Type: domain.AccountBank})
	require.NoError(t, err)
	_, err = creditSvc.RegisterCustomer(ctx, "C001", "Ayu")
	require.NoError(t, err)
	_, err = invSvc.Adjust(ctx, inventory.AdjustInput{ProductID: 1, Quantity: 100, Reference: "opening-1"})
	require.NoError(t, err)
	_, err = invSvc.Adjust(ctx, inventory.AdjustInput{ProductID: 2, Quantity: 100, Reference: "opening-2"})
	require.NoError(t, err)
	return &fixture{store: st, ledger: ledgerSvc, settlement: settleSvc, inventory: invSvc, sales: svc, bank: bank}
}

func (f *fixture) sale(t *testing.T, lines ...LineInput) domain.Sale {
	t.Helper()
	sale, err := f.sales.Create(context.Background(), CreateInput{CustomerCode: "C001", Lines: lines})
	require.NoError(t, err)
	return sale
}

func (f *fixture) receivables(t *testing.T, saleID int64) []domain.PartnerAccount {
	t.Helper()
	var out []domain.PartnerAccount
	require.NoError(t, f.store.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		var err error
		out, err = tx.ListPartnerAccountsByReference(ctx, ReferenceSale, saleID)
		return err
	}))
	return out
}

func TestCreateComputesTotals(t *testing.T) {
	f := newFixture(t)
	sale := f.sale(t, LineInput{ProductID: 1, Quantity: 3, Price: money.FromUnits(25)}, LineInput{ProductID: 2, Quantity: 1, Price: money.FromCents(999)})
	require.Equal(t, domain.SaleDraft, sale.Status)
	require.Equal(t, money.FromCents(8499), sale.Total)
	require.Len(t, sale.Lines, 2)
	require.NotZero(t, sale.Lines[0].ID)
	require.Contains(t, sale.Number, "POS-")

	_, err := f.sales.Create(context.Background(), CreateInput{CustomerCode: "C404", Lines: []LineInput{{ProductID: 1, Quantity: 1}}})
	require.ErrorIs(t, err, shared.ErrNotFound)
	_, err = f.sales.Create(context.Background(), CreateInput{Lines: []LineInput{{ProductID: 1, Quantity: 0}}})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestConfirmPaidBooksLedgerEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sale := f.sale(t, LineInput{ProductID: 1, Quantity: 2, Price: money.FromUnits(150)})

	res, err := f.sales.Confirm(ctx, sale.ID, ConfirmInput{PaidAccountID: f.bank.ID})
	require.NoError(t, err)
	require.Equal(t, domain.SaleConfirmed, res.Sale.Status)
	require.True(t, res.Sale.IsPaid)
	require.Equal(t, money.FromUnits(300), res.Sale.PaidAmount)
	require.NotNil(t, res.Entry)
	require.Equal(t, domain.KindSalePayment, res.Entry.Kind)
	require.Nil(t, res.Receivable)

	acc, err := f.ledger.Account(ctx, f.bank.ID)
	require.NoError(t, err)
	require.Equal(t, money.FromUnits(300), acc.Balance)

	_, err = f.sales.Confirm(ctx, sale.ID, ConfirmInput{PaidAccountID: f.bank.ID})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestConfirmUnpaidOpensReceivable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sale := f.sale(t, LineInput{ProductID: 1, Quantity: 4, Price: money.FromUnits(250)})
	due := time.Date(2026, 11, 30, 0, 0, 0, 0, time.UTC)

	res, err := f.sales.Confirm(ctx, sale.ID, ConfirmInput{DueDate: due})
	require.NoError(t, err)
	require.False(t, res.Sale.IsPaid)
	require.NotNil(t, res.Receivable)
	require.Equal(t, money.FromUnits(1000), res.Receivable.Amount)
	require.Equal(t, domain.StatusUnpaid, res.Receivable.Status)
	require.Equal(t, due, res.Receivable.DueDate)

	anon, err := f.sales.Create(ctx, CreateInput{Lines: []LineInput{{ProductID: 1, Quantity: 1, Price: money.FromUnits(5)}}})
	require.NoError(t, err)
	_, err = f.sales.Confirm(ctx, anon.ID, ConfirmInput{})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestFulfillDeductsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sale := f.sale(t, LineInput{ProductID: 1, Quantity: 10, Price: money.FromUnits(50)})

	_, err := f.sales.Fulfill(ctx, sale.ID, 0)
	require.ErrorIs(t, err, shared.ErrValidation, "draft sales cannot be fulfilled")

	_, err = f.sales.Confirm(ctx, sale.ID, ConfirmInput{PaidAccountID: f.bank.ID})
	require.NoError(t, err)
	res, err := f.sales.Fulfill(ctx, sale.ID, 0)
	require.NoError(t, err)
	require.True(t, res.Inventory.Applied)
	require.True(t, res.Sale.Fulfilled)

	res, err = f.sales.Fulfill(ctx, sale.ID, 0)
	require.NoError(t, err)
	require.False(t, res.Inventory.Applied)

	stock, err := f.inventory.Stock(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, int64(90), stock)
}

func TestCorrectScenarioD(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sale := f.sale(t, LineInput{ProductID: 1, Quantity: 10, Price: money.FromUnits(50)})
	_, err := f.sales.Confirm(ctx, sale.ID, ConfirmInput{})
	require.NoError(t, err)
	_, err = f.sales.Fulfill(ctx, sale.ID, 0)
	require.NoError(t, err)

	res, err := f.sales.Correct(ctx, CorrectInput{
		SaleID:        sale.ID,
		Edits:         []LineEdit{{LineID: sale.Lines[0].ID, NewQuantity: 6}},
		CorrectionKey: "fix-1",
	})
	require.NoError(t, err)
	require.Equal(t, int64(4), res.Correction.InventoryRestored)
	require.Equal(t, money.FromUnits(200), res.Correction.AdjustmentAmount)
	require.Equal(t, money.FromUnits(300), res.Correction.CorrectedTotal)
	require.Equal(t, money.FromUnits(500), res.Correction.OriginalTotal)
	require.Equal(t, money.FromUnits(300), res.Sale.Total)
	require.Len(t, res.Receivables, 1)
	require.Equal(t, money.FromUnits(300), res.Receivables[0].Amount)
	require.Contains(t, res.Receivables[0].Note, "corrected by IDR 200.00")

	stock, err := f.inventory.Stock(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, int64(94), stock)

	again, err := f.sales.Correct(ctx, CorrectInput{
		SaleID:        sale.ID,
		Edits:         []LineEdit{{LineID: sale.Lines[0].ID, NewQuantity: 6}},
		CorrectionKey: "fix-1",
	})
	require.NoError(t, err)
	require.True(t, again.Replayed)
	require.Equal(t, res.Correction.ID, again.Correction.ID)
	stock, err = f.inventory.Stock(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, int64(94), stock)

	rows, err := f.sales.Corrections(ctx, sale.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func TestCorrectPriceAndUnfulfilledSale(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sale := f.sale(t, LineInput{ProductID: 1, Quantity: 2, Price: money.FromUnits(100)}, LineInput{ProductID: 2, Quantity: 1, Price: money.FromUnits(100)})
	_, err := f.sales.Confirm(ctx, sale.ID, ConfirmInput{})
	require.NoError(t, err)

	price := money.FromUnits(80)
	res, err := f.sales.Correct(ctx, CorrectInput{
		SaleID: sale.ID,
		Edits:  []LineEdit{{LineID: sale.Lines[0].ID, NewQuantity: 2, NewPrice: &price}, {LineID: sale.Lines[1].ID, NewQuantity: 0}},
	})
	require.NoError(t, err)
	require.Equal(t, money.FromUnits(160), res.Sale.Total)
	require.Equal(t, money.FromUnits(140), res.Correction.AdjustmentAmount)
	require.Zero(t, res.Correction.InventoryRestored, "nothing left the shelf yet")
	require.Equal(t, money.FromUnits(160), res.Receivables[0].Amount)
}

func TestCorrectDeletesFullyReducedReceivable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sale := f.sale(t, LineInput{ProductID: 1, Quantity: 3, Price: money.FromUnits(10)})
	_, err := f.sales.Confirm(ctx, sale.ID, ConfirmInput{})
	require.NoError(t, err)

	res, err := f.sales.Correct(ctx, CorrectInput{SaleID: sale.ID, Edits: []LineEdit{{LineID: sale.Lines[0].ID, NewQuantity: 0}}})
	require.NoError(t, err)
	require.Len(t, res.DeletedReceivables, 1)
	require.Empty(t, res.Receivables)
	require.Empty(t, f.receivables(t, sale.ID))
}

func TestCorrectClampsToReceivedAmount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sale := f.sale(t, LineInput{ProductID: 1, Quantity: 10, Price: money.FromUnits(50)})
	confirmed, err := f.sales.Confirm(ctx, sale.ID, ConfirmInput{})
	require.NoError(t, err)
	_, err = f.settlement.Settle(ctx, settlement.SettleInput{
		Direction:         domain.Receivable,
		PartnerCode:       "C001",
		Amount:            money.FromUnits(400),
		Method:            domain.MethodAccount,
		AccountID:         f.bank.ID,
		PartnerAccountIDs: []int64{confirmed.Receivable.ID},
	})
	require.NoError(t, err)

	res, err := f.sales.Correct(ctx, CorrectInput{SaleID: sale.ID, Edits: []LineEdit{{LineID: sale.Lines[0].ID, NewQuantity: 2}}})
	require.NoError(t, err)
	require.True(t, res.Clamped)
	require.Equal(t, money.FromUnits(400), res.Receivables[0].Amount)
	require.Equal(t, domain.StatusPaid, res.Receivables[0].Status)
}

func TestCorrectValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sale := f.sale(t, LineInput{ProductID: 1, Quantity: 5, Price: money.FromUnits(10)})
	lineID := sale.Lines[0].ID

	_, err := f.sales.Correct(ctx, CorrectInput{SaleID: sale.ID, Edits: []LineEdit{{LineID: lineID, NewQuantity: 4}}})
	require.ErrorIs(t, err, shared.ErrValidation, "draft")

	_, err = f.sales.Confirm(ctx, sale.ID, ConfirmInput{})
	require.NoError(t, err)

	_, err = f.sales.Correct(ctx, CorrectInput{SaleID: sale.ID, Edits: []LineEdit{{LineID: lineID, NewQuantity: 6}}})
	require.ErrorIs(t, err, shared.ErrValidation)

	higher := money.FromUnits(11)
	_, err = f.sales.Correct(ctx, CorrectInput{SaleID: sale.ID, Edits: []LineEdit{{LineID: lineID, NewQuantity: 5, NewPrice: &higher}}})
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = f.sales.Correct(ctx, CorrectInput{SaleID: sale.ID, Edits: []LineEdit{{LineID: lineID, NewQuantity: -1}}})
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = f.sales.Correct(ctx, CorrectInput{SaleID: sale.ID, Edits: []LineEdit{{LineID: 9999, NewQuantity: 1}}})
	require.ErrorIs(t, err, shared.ErrNotFound)

	_, err = f.sales.Correct(ctx, CorrectInput{SaleID: sale.ID})
	require.ErrorIs(t, err, shared.ErrValidation)

	current, err := f.sales.Get(ctx, sale.ID)
	require.NoError(t, err)
	require.Equal(t, money.FromUnits(50), current.Total, "rejected corrections write nothing")
}
