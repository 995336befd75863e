package conversion

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/retail-ledger/internal/credit"
	"github.com/odyssey-erp/retail-ledger/internal/domain"
	"github.com/odyssey-erp/retail-ledger/internal/inventory"
	"github.com/odyssey-erp/retail-ledger/internal/ledger"
	"github.com/odyssey-erp/retail-ledger/internal/money"
	"github.com/odyssey-erp/retail-ledger/internal/sales"
	"github.com/odyssey-erp/retail-ledger/internal/settlement"
	"github.com/odyssey-erp/retail-ledger/internal/shared"
	"github.com/odyssey-erp/retail-ledger/internal/store"
	"github.com/odyssey-erp/retail-ledger/internal/store/memory"
)

type fixture struct {
	store      *memory.Store
	ledger     *ledger.Service
	credit     *credit.Service
	settlement *settlement.Service
	inventory  *inventory.Service
	sales      *sales.Service
	conversion *Service
	audit      *shared.MemoryAudit
	bank       domain.Account
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st := memory.New()
	retry := shared.RetryPolicy{Attempts: 3, BaseDelay: time.Millisecond}
	audit := &shared.MemoryAudit{}
	book := shared.NewBookkeeping(nil, audit, nil)
	ledgerSvc := ledger.NewService(st, nil, nil, ledger.ServiceConfig{Retry: retry})
	creditSvc := credit.NewService(st, nil, nil, retry)
	settleSvc := settlement.NewService(st, ledgerSvc, creditSvc, book, nil, nil, retry)
	invSvc := inventory.NewService(st, book, nil, nil, inventory.ServiceConfig{Retry: retry})
	salesSvc := sales.NewService(sales.Dependencies{
		Store:      st,
		Ledger:     ledgerSvc,
		Settlement: settleSvc,
		Inventory:  invSvc,
		Book:       book,
		Retry:      retry,
	})
	convSvc := NewService(Dependencies{
		Store:       st,
		Ledger:      ledgerSvc,
		Credit:      creditSvc,
		Settlement:  settleSvc,
		Inventory:   invSvc,
		Book:        book,
		Retry:       retry,
		StepTimeout: time.Second,
	})
	bank, err := ledgerSvc.OpenAccount(ctx, ledger.OpenAccountInput{Name: "Cash drawer", Type: domain.AccountCash})
	require.NoError(t, err)
	_, err = creditSvc.RegisterCustomer(ctx, "C001", "Ayu")
	require.NoError(t, err)
	_, err = invSvc.Adjust(ctx, inventory.AdjustInput{ProductID: 1, Quantity: 100, Reference: "opening-1"})
	require.NoError(t, err)
	return &fixture{
		store:      st,
		ledger:     ledgerSvc,
		credit:     creditSvc,
		settlement: settleSvc,
		inventory:  invSvc,
		sales:      salesSvc,
		conversion: convSvc,
		audit:      audit,
		bank:       bank,
	}
}

// confirmedSale creates, confirms and fulfils an unpaid sale of qty units at price.
func (f *fixture) confirmedSale(t *testing.T, qty int64, price money.Amount) (domain.Sale, domain.PartnerAccount) {
	t.Helper()
	ctx := context.Background()
	sale, err := f.sales.Create(ctx, sales.CreateInput{CustomerCode: "C001", Lines: []sales.LineInput{{ProductID: 1, Quantity: qty, Price: price}}})
	require.NoError(t, err)
	confirmed, err := f.sales.Confirm(ctx, sale.ID, sales.ConfirmInput{})
	require.NoError(t, err)
	require.NotNil(t, confirmed.Receivable)
	fulfilled, err := f.sales.Fulfill(ctx, sale.ID, 0)
	require.NoError(t, err)
	return fulfilled.Sale, *confirmed.Receivable
}

func (f *fixture) settle(t *testing.T, amount money.Amount, partnerIDs ...int64) settlement.SettleResult {
	t.Helper()
	res, err := f.settlement.Settle(context.Background(), settlement.SettleInput{
		Direction:         domain.Receivable,
		PartnerCode:       "C001",
		Amount:            amount,
		Method:            domain.MethodAccount,
		AccountID:         f.bank.ID,
		PartnerAccountIDs: partnerIDs,
	})
	require.NoError(t, err)
	return res
}

func (f *fixture) balance(t *testing.T) money.Amount {
	t.Helper()
	acc, err := f.ledger.Account(context.Background(), f.bank.ID)
	require.NoError(t, err)
	return acc.Balance
}

func (f *fixture) storeCredit(t *testing.T) money.Amount {
	t.Helper()
	c, err := f.credit.Customer(context.Background(), "C001")
	require.NoError(t, err)
	return c.StoreCredit
}

func (f *fixture) stock(t *testing.T) int64 {
	t.Helper()
	stock, err := f.inventory.Stock(context.Background(), 1)
	require.NoError(t, err)
	return stock
}

func (f *fixture) receivables(t *testing.T, saleID int64) []domain.PartnerAccount {
	t.Helper()
	var out []domain.PartnerAccount
	require.NoError(t, f.store.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		var err error
		out, err = tx.ListPartnerAccountsByReference(ctx, sales.ReferenceSale, saleID)
		return err
	}))
	return out
}

func (f *fixture) records(t *testing.T, saleID int64) []domain.ConversionRecord {
	t.Helper()
	var out []domain.ConversionRecord
	require.NoError(t, f.store.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		var err error
		out, err = tx.ListConversionRecords(ctx, saleID)
		return err
	}))
	return out
}

func TestConvertFullSaleAfterCashReceipt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sale, ar := f.confirmedSale(t, 10, money.FromUnits(100))
	f.settle(t, money.FromUnits(400), ar.ID)
	require.Equal(t, money.FromUnits(400), f.balance(t))
	require.Equal(t, int64(90), f.stock(t))

	res, err := f.conversion.Convert(ctx, Input{SaleID: sale.ID, Amount: money.FromUnits(1000), RestoreInventory: true})
	require.NoError(t, err)
	require.Equal(t, domain.SagaCompleted, res.Saga.Status)
	require.Equal(t, len(f.conversion.steps()), res.Saga.Cursor)
	require.True(t, res.State.Full)

	require.True(t, f.balance(t).IsZero(), "cash receipt goes back out")
	require.Equal(t, money.FromUnits(1000), f.storeCredit(t))
	require.Empty(t, f.receivables(t, sale.ID))
	require.Equal(t, int64(100), f.stock(t))

	current, err := f.sales.Get(ctx, sale.ID)
	require.NoError(t, err)
	require.Equal(t, domain.SaleStoreCredit, current.Status)
	require.True(t, current.Total.IsZero())
	require.True(t, current.IsPaid)

	require.NotNil(t, res.Record)
	require.Equal(t, money.FromUnits(1000), res.Record.ConversionAmount)
	require.Equal(t, money.FromUnits(1000), res.Record.StoreCreditGranted)
	require.Equal(t, int64(10), res.Record.InventoryRestored)

	var actions []string
	for _, rec := range f.audit.Records() {
		actions = append(actions, rec.Action)
	}
	require.Contains(t, actions, "sale:store_credit")
}

func TestConvertPartialShrinksReceivable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sale, _ := f.confirmedSale(t, 10, money.FromUnits(100))

	res, err := f.conversion.Convert(ctx, Input{SaleID: sale.ID, Amount: money.FromUnits(250), RestoreInventory: true})
	require.NoError(t, err)
	require.Equal(t, domain.SagaCompleted, res.Saga.Status)
	require.False(t, res.State.Full)
	require.Zero(t, res.State.InventoryRestored, "partial conversions keep stock as is")

	rows := f.receivables(t, sale.ID)
	require.Len(t, rows, 1)
	require.Equal(t, money.FromUnits(750), rows[0].Amount)
	require.Equal(t, domain.StatusUnpaid, rows[0].Status)

	current, err := f.sales.Get(ctx, sale.ID)
	require.NoError(t, err)
	require.Equal(t, domain.SaleConfirmed, current.Status)
	require.Equal(t, money.FromUnits(750), current.Total)
	require.Equal(t, money.FromUnits(250), f.storeCredit(t))
	require.Equal(t, int64(90), f.stock(t))
}

func TestConvertReversesDirectPayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sale, err := f.sales.Create(ctx, sales.CreateInput{CustomerCode: "C001", Lines: []sales.LineInput{{ProductID: 1, Quantity: 2, Price: money.FromUnits(150)}}})
	require.NoError(t, err)
	_, err = f.sales.Confirm(ctx, sale.ID, sales.ConfirmInput{PaidAccountID: f.bank.ID})
	require.NoError(t, err)
	require.Equal(t, money.FromUnits(300), f.balance(t))

	res, err := f.conversion.Convert(ctx, Input{SaleID: sale.ID, Amount: money.FromUnits(300)})
	require.NoError(t, err)
	require.Equal(t, money.FromUnits(300), res.State.DirectReversed)
	require.True(t, f.balance(t).IsZero())
	require.Equal(t, money.FromUnits(300), f.storeCredit(t))
}

func TestConvertCompensatesOnFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sale, ar := f.confirmedSale(t, 10, money.FromUnits(100))
	f.settle(t, money.FromUnits(400), ar.ID)

	boom := errors.New("disk full")
	f.store.SetFailFunc(func(op string) error {
		if op == "InsertConversionRecord" {
			return boom
		}
		return nil
	})
	res, err := f.conversion.Convert(ctx, Input{SaleID: sale.ID, Amount: money.FromUnits(1000), RestoreInventory: true})
	require.ErrorIs(t, err, shared.ErrExternalStore)
	require.ErrorIs(t, err, boom)
	require.Equal(t, domain.SagaCompensated, res.Saga.Status)
	require.Zero(t, res.Saga.Cursor)
	require.Contains(t, res.Saga.LastError, StepRecord)
	f.store.SetFailFunc(nil)

	require.Equal(t, money.FromUnits(400), f.balance(t))
	require.True(t, f.storeCredit(t).IsZero())
	require.Equal(t, int64(90), f.stock(t))

	rows := f.receivables(t, sale.ID)
	require.Len(t, rows, 1)
	require.Equal(t, ar.ID, rows[0].ID)
	require.Equal(t, money.FromUnits(1000), rows[0].Amount)
	require.Equal(t, money.FromUnits(400), rows[0].ReceivedPaid)
	require.Equal(t, domain.StatusPartial, rows[0].Status)

	current, err := f.sales.Get(ctx, sale.ID)
	require.NoError(t, err)
	require.Equal(t, domain.SaleConfirmed, current.Status)
	require.Equal(t, money.FromUnits(1000), current.Total)
	require.Empty(t, f.records(t, sale.ID))
}

func TestCompensationFailureParksSagaAsStuck(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sale, ar := f.confirmedSale(t, 10, money.FromUnits(100))
	f.settle(t, money.FromUnits(400), ar.ID)

	f.store.SetFailFunc(func(op string) error {
		switch op {
		case "InsertConversionRecord", "InsertPartnerAccount":
			return errors.New("connection reset")
		}
		return nil
	})
	res, err := f.conversion.Convert(ctx, Input{SaleID: sale.ID, Amount: money.FromUnits(1000)})
	require.Error(t, err)
	require.Equal(t, domain.SagaStuck, res.Saga.Status)
	require.Contains(t, res.Saga.LastError, StepShrinkReceivables)
	require.Positive(t, res.Saga.Cursor)

	f.store.SetFailFunc(nil)
	res, err = f.conversion.Resume(ctx, res.Saga.ID)
	require.NoError(t, err)
	require.Equal(t, domain.SagaCompensated, res.Saga.Status)
	require.Equal(t, money.FromUnits(400), f.balance(t))
	require.True(t, f.storeCredit(t).IsZero())
	require.Len(t, f.receivables(t, sale.ID), 1)
}

func TestReverseRestoresEverything(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sale, ar := f.confirmedSale(t, 10, money.FromUnits(100))
	f.settle(t, money.FromUnits(400), ar.ID)

	res, err := f.conversion.Convert(ctx, Input{SaleID: sale.ID, Amount: money.FromUnits(1000), RestoreInventory: true})
	require.NoError(t, err)

	reversed, err := f.conversion.Reverse(ctx, res.Saga.ID, 7)
	require.NoError(t, err)
	require.Equal(t, domain.SagaReversed, reversed.Saga.Status)
	require.True(t, reversed.State.Reversing)

	require.Equal(t, money.FromUnits(400), f.balance(t))
	require.True(t, f.storeCredit(t).IsZero())
	require.Equal(t, int64(90), f.stock(t))
	rows := f.receivables(t, sale.ID)
	require.Len(t, rows, 1)
	require.Equal(t, money.FromUnits(400), rows[0].ReceivedPaid)

	current, err := f.sales.Get(ctx, sale.ID)
	require.NoError(t, err)
	require.Equal(t, domain.SaleConfirmed, current.Status)
	require.Equal(t, money.FromUnits(1000), current.Total)
	require.False(t, current.IsPaid)

	records := f.records(t, sale.ID)
	require.Len(t, records, 2)
	require.Equal(t, money.FromUnits(1000), records[0].ConversionAmount)
	require.Equal(t, money.FromUnits(-1000), records[1].ConversionAmount)
	require.Equal(t, int64(-10), records[1].InventoryRestored)

	_, err = f.conversion.Reverse(ctx, res.Saga.ID, 7)
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestConvertMultiSaleSettlement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first, ar1 := f.confirmedSale(t, 3, money.FromUnits(100))
	_, ar2 := f.confirmedSale(t, 7, money.FromUnits(100))
	settled := f.settle(t, money.FromUnits(600), ar1.ID, ar2.ID)
	require.Equal(t, money.FromUnits(600), f.balance(t))

	res, err := f.conversion.Convert(ctx, Input{SaleID: first.ID, Amount: money.FromUnits(300)})
	require.NoError(t, err)
	require.Len(t, res.State.Unwound, 1)
	require.Equal(t, money.FromUnits(300), res.State.Unwound[0].Portion)

	require.Equal(t, money.FromUnits(300), f.balance(t))
	kept, err := f.settlement.Settlement(ctx, settled.Settlement.ID)
	require.NoError(t, err)
	require.Equal(t, money.FromUnits(300), kept.Settlement.Amount)

	other, err := f.settlement.PartnerAccount(ctx, ar2.ID)
	require.NoError(t, err)
	require.Equal(t, money.FromUnits(300), other.ReceivedPaid)
}

func TestResumeAfterCrash(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sale, _ := f.confirmedSale(t, 5, money.FromUnits(100))

	// Start and commit one step, then stop as if the process died.
	var saga domain.SagaRecord
	require.NoError(t, f.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		saga, err = f.conversion.startTx(ctx, tx, Input{SaleID: sale.ID, Amount: money.FromUnits(500)}, "fp")
		return err
	}))
	steps := f.conversion.steps()
	require.NoError(t, f.conversion.advance(ctx, saga.ID, 0, steps[0], len(steps)))
	require.NoError(t, f.conversion.advance(ctx, saga.ID, 1, steps[1], len(steps)))
	require.Equal(t, money.FromUnits(500), f.storeCredit(t))

	// Negative age picks up sagas touched just now.
	resumed, err := f.conversion.ResumeStalled(ctx, -time.Minute)
	require.NoError(t, err)
	require.Equal(t, 1, resumed)

	res, err := f.conversion.Get(ctx, saga.ID)
	require.NoError(t, err)
	require.Equal(t, domain.SagaCompleted, res.Saga.Status)
	require.Equal(t, money.FromUnits(500), f.storeCredit(t), "credit is granted once")
	require.Empty(t, f.receivables(t, sale.ID))
}

func TestConvertIdempotencyKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sale, _ := f.confirmedSale(t, 10, money.FromUnits(100))
	in := Input{SaleID: sale.ID, Amount: money.FromUnits(400), IdempotencyKey: "conv-1"}

	first, err := f.conversion.Convert(ctx, in)
	require.NoError(t, err)
	require.False(t, first.Replayed)

	second, err := f.conversion.Convert(ctx, in)
	require.NoError(t, err)
	require.True(t, second.Replayed)
	require.Equal(t, first.Saga.ID, second.Saga.ID)
	require.Equal(t, money.FromUnits(400), f.storeCredit(t))

	in.Amount = money.FromUnits(100)
	_, err = f.conversion.Convert(ctx, in)
	require.ErrorIs(t, err, shared.ErrConflict)
}

func TestConvertValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sale, _ := f.confirmedSale(t, 2, money.FromUnits(100))

	_, err := f.conversion.Convert(ctx, Input{SaleID: sale.ID})
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = f.conversion.Convert(ctx, Input{SaleID: sale.ID, Amount: money.FromUnits(201)})
	require.ErrorIs(t, err, shared.ErrValidation)
	require.Contains(t, err.Error(), "conversion amount exceeds sale total")

	_, err = f.conversion.Convert(ctx, Input{SaleID: 999, Amount: money.FromUnits(1)})
	require.ErrorIs(t, err, shared.ErrNotFound)

	draft, err := f.sales.Create(ctx, sales.CreateInput{CustomerCode: "C001", Lines: []sales.LineInput{{ProductID: 1, Quantity: 1, Price: money.FromUnits(10)}}})
	require.NoError(t, err)
	_, err = f.conversion.Convert(ctx, Input{SaleID: draft.ID, Amount: money.FromUnits(10)})
	require.ErrorIs(t, err, shared.ErrValidation)

	require.True(t, f.storeCredit(t).IsZero())
}

func TestConvertDirectPaidSaleInParts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sale, err := f.sales.Create(ctx, sales.CreateInput{CustomerCode: "C001", Lines: []sales.LineInput{{ProductID: 1, Quantity: 10, Price: money.FromUnits(100)}}})
	require.NoError(t, err)
	_, err = f.sales.Confirm(ctx, sale.ID, sales.ConfirmInput{PaidAccountID: f.bank.ID})
	require.NoError(t, err)
	require.Equal(t, money.FromUnits(1000), f.balance(t))

	first, err := f.conversion.Convert(ctx, Input{SaleID: sale.ID, Amount: money.FromUnits(300)})
	require.NoError(t, err)
	require.Equal(t, domain.SagaCompleted, first.Saga.Status)
	require.Equal(t, money.FromUnits(300), first.State.DirectReversed)
	current, err := f.sales.Get(ctx, sale.ID)
	require.NoError(t, err)
	require.Equal(t, money.FromUnits(700), current.Total)
	require.Equal(t, money.FromUnits(700), current.PaidAmount)

	second, err := f.conversion.Convert(ctx, Input{SaleID: sale.ID, Amount: money.FromUnits(700)})
	require.NoError(t, err)
	require.Equal(t, domain.SagaCompleted, second.Saga.Status)
	require.Equal(t, money.FromUnits(700), second.State.DirectReversed)

	require.True(t, f.balance(t).IsZero())
	require.Equal(t, money.FromUnits(1000), f.storeCredit(t))
	current, err = f.sales.Get(ctx, sale.ID)
	require.NoError(t, err)
	require.Equal(t, domain.SaleStoreCredit, current.Status)
	require.True(t, current.PaidAmount.IsZero())

	_, err = f.conversion.Reverse(ctx, second.Saga.ID, 0)
	require.NoError(t, err)
	require.Equal(t, money.FromUnits(700), f.balance(t))
	current, err = f.sales.Get(ctx, sale.ID)
	require.NoError(t, err)
	require.Equal(t, money.FromUnits(700), current.PaidAmount)
}

func TestCorrectAfterPartialConversion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sale, _ := f.confirmedSale(t, 10, money.FromUnits(100))

	_, err := f.conversion.Convert(ctx, Input{SaleID: sale.ID, Amount: money.FromUnits(300)})
	require.NoError(t, err)
	rows := f.receivables(t, sale.ID)
	require.Len(t, rows, 1)
	require.Equal(t, money.FromUnits(700), rows[0].Amount)

	lineID := sale.Lines[0].ID
	res, err := f.sales.Correct(ctx, sales.CorrectInput{SaleID: sale.ID, Edits: []sales.LineEdit{{LineID: lineID, NewQuantity: 9}}})
	require.NoError(t, err)
	require.Equal(t, money.FromUnits(700), res.Correction.OriginalTotal)
	require.Equal(t, money.FromUnits(100), res.Correction.AdjustmentAmount)
	require.Equal(t, money.FromUnits(600), res.Correction.CorrectedTotal)
	require.Equal(t, int64(1), res.Correction.InventoryRestored)
	require.Equal(t, money.FromUnits(600), f.receivables(t, sale.ID)[0].Amount)

	res, err = f.sales.Correct(ctx, sales.CorrectInput{SaleID: sale.ID, Edits: []sales.LineEdit{{LineID: lineID, NewQuantity: 5}}})
	require.NoError(t, err)
	require.Equal(t, money.FromUnits(400), res.Correction.AdjustmentAmount)
	require.Equal(t, money.FromUnits(200), res.Correction.CorrectedTotal)
	require.Equal(t, money.FromUnits(200), f.receivables(t, sale.ID)[0].Amount)

	_, err = f.sales.Correct(ctx, sales.CorrectInput{SaleID: sale.ID, Edits: []sales.LineEdit{{LineID: lineID, NewQuantity: 1}}})
	require.ErrorIs(t, err, shared.ErrValidation)
	require.ErrorContains(t, err, "only 200.00 remains")
}
