package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/odyssey-erp/retail-ledger/internal/app"
	"github.com/odyssey-erp/retail-ledger/internal/domain"
	"github.com/odyssey-erp/retail-ledger/internal/inventory"
	"github.com/odyssey-erp/retail-ledger/internal/ledger"
	"github.com/odyssey-erp/retail-ledger/internal/money"
	"github.com/odyssey-erp/retail-ledger/internal/sales"
	"github.com/odyssey-erp/retail-ledger/internal/settlement"
	"github.com/odyssey-erp/retail-ledger/internal/store"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("load .env: %v", err)
	}
	ctx := context.Background()
	cfg, err := app.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	cfg.StoreDriver = app.StoreDriverPostgres
	cfg.DBAutoMigrate = true
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	rt, err := app.OpenRuntime(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("open runtime: %v", err)
	}
	defer rt.Close(logger)

	svcs, err := app.NewServices(app.ServicesParams{
		Config: cfg,
		Logger: logger,
		Store:  rt.Store,
		Locker: rt.Locker,
		Audit:  rt.Audit,
		Keys:   rt.Keys,
	})
	if err != nil {
		log.Fatalf("wire services: %v", err)
	}

	seeded, err := alreadySeeded(ctx, rt.Store)
	if err != nil {
		log.Fatalf("inspect store: %v", err)
	}
	if seeded {
		fmt.Println("✓ Accounts already present, nothing to seed")
		return
	}

	fmt.Println("→ Seeding accounts...")
	accounts, err := seedAccounts(ctx, svcs.Ledger)
	if err != nil {
		log.Fatalf("seed accounts: %v", err)
	}

	fmt.Println("→ Seeding customers...")
	if err := seedCustomers(ctx, svcs); err != nil {
		log.Fatalf("seed customers: %v", err)
	}

	fmt.Println("→ Seeding stock...")
	if err := seedStock(ctx, svcs.Inventory); err != nil {
		log.Fatalf("seed stock: %v", err)
	}

	fmt.Println("→ Seeding sales and receipts...")
	if err := seedSales(ctx, svcs, accounts); err != nil {
		log.Fatalf("seed sales: %v", err)
	}

	fmt.Println("→ Seeding payables...")
	if err := seedPayables(ctx, svcs, accounts); err != nil {
		log.Fatalf("seed payables: %v", err)
	}

	fmt.Println("✓ Seed complete at", time.Now().Format(time.RFC3339))
}

func alreadySeeded(ctx context.Context, st store.Store) (bool, error) {
	var n int
	err := st.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		accounts, err := tx.ListAccounts(ctx)
		n = len(accounts)
		return err
	})
	return n > 0, err
}

// =============================================================================
// ACCOUNTS
// =============================================================================

type seededAccounts struct {
	bank  domain.Account
	till  domain.Account
	petty domain.Account
}

func seedAccounts(ctx context.Context, svc *ledger.Service) (seededAccounts, error) {
	var out seededAccounts
	specs := []struct {
		target  *domain.Account
		name    string
		typ     domain.AccountType
		opening money.Amount
	}{
		{&out.bank, "BCA Operating", domain.AccountBank, money.FromUnits(25_000_000)},
		{&out.till, "Front Till", domain.AccountCash, money.FromUnits(1_500_000)},
		{&out.petty, "Petty Cash", domain.AccountPettyCash, money.FromUnits(500_000)},
	}
	for _, s := range specs {
		acc, err := svc.OpenAccount(ctx, ledger.OpenAccountInput{Name: s.name, Type: s.typ, Opening: s.opening})
		if err != nil {
			return out, fmt.Errorf("%s: %w", s.name, err)
		}
		*s.target = acc
	}
	return out, nil
}

// =============================================================================
// CUSTOMERS & STOCK
// =============================================================================

func seedCustomers(ctx context.Context, svcs *app.Services) error {
	customers := []struct{ code, name string }{
		{"CUST-001", "Toko Sumber Rejeki"},
		{"CUST-002", "Warung Bu Sri"},
		{"CUST-003", "CV Maju Jaya"},
	}
	for _, c := range customers {
		if _, err := svcs.Credit.RegisterCustomer(ctx, c.code, c.name); err != nil {
			return fmt.Errorf("%s: %w", c.code, err)
		}
	}
	return nil
}

func seedStock(ctx context.Context, svc *inventory.Service) error {
	for productID := int64(1); productID <= 5; productID++ {
		_, err := svc.Adjust(ctx, inventory.AdjustInput{
			ProductID: productID,
			Quantity:  200,
			Reference: fmt.Sprintf("seed-opening-%d", productID),
			Memo:      "opening stock",
		})
		if err != nil {
			return fmt.Errorf("product %d: %w", productID, err)
		}
	}
	return nil
}

// =============================================================================
// SALES
// =============================================================================

func seedSales(ctx context.Context, svcs *app.Services, accounts seededAccounts) error {
	// Paid at the till.
	cash, err := svcs.Sales.Create(ctx, sales.CreateInput{
		Number:       "SO-SEED-0001",
		CustomerCode: "CUST-002",
		Lines:        []sales.LineInput{{ProductID: 1, Quantity: 3, Price: money.FromUnits(45_000)}},
	})
	if err != nil {
		return err
	}
	if _, err := svcs.Sales.Confirm(ctx, cash.ID, sales.ConfirmInput{PaidAccountID: accounts.till.ID}); err != nil {
		return err
	}
	if _, err := svcs.Sales.Fulfill(ctx, cash.ID, 0); err != nil {
		return err
	}

	// On account, half settled into the bank.
	credit, err := svcs.Sales.Create(ctx, sales.CreateInput{
		Number:       "SO-SEED-0002",
		CustomerCode: "CUST-001",
		Lines: []sales.LineInput{
			{ProductID: 2, Quantity: 10, Price: money.FromUnits(120_000)},
			{ProductID: 3, Quantity: 4, Price: money.FromUnits(75_000)},
		},
	})
	if err != nil {
		return err
	}
	confirmed, err := svcs.Sales.Confirm(ctx, credit.ID, sales.ConfirmInput{DueDate: time.Now().AddDate(0, 0, 30)})
	if err != nil {
		return err
	}
	if _, err := svcs.Sales.Fulfill(ctx, credit.ID, 0); err != nil {
		return err
	}
	if confirmed.Receivable == nil {
		return errors.New("credit sale opened no receivable")
	}
	_, err = svcs.Settlement.Settle(ctx, settlement.SettleInput{
		Direction:         domain.Receivable,
		PartnerCode:       "CUST-001",
		Amount:            money.FromUnits(750_000),
		Method:            domain.MethodAccount,
		AccountID:         accounts.bank.ID,
		PartnerAccountIDs: []int64{confirmed.Receivable.ID},
		IdempotencyKey:    "seed-receipt-0002",
		Note:              "seed partial receipt",
	})
	return err
}

// =============================================================================
// PAYABLES
// =============================================================================

func seedPayables(ctx context.Context, svcs *app.Services, accounts seededAccounts) error {
	bill, err := svcs.Settlement.OpenPayable(ctx, settlement.OpenPayableInput{
		VendorCode:  "VEND-001",
		ReferenceID: 9001,
		Amount:      money.FromUnits(2_400_000),
		DueDate:     time.Now().AddDate(0, 0, 14),
		Note:        "seed supplier bill",
	})
	if err != nil {
		return err
	}
	_, err = svcs.Settlement.Settle(ctx, settlement.SettleInput{
		Direction:         domain.Payable,
		PartnerCode:       "VEND-001",
		Amount:            money.FromUnits(1_000_000),
		Method:            domain.MethodAccount,
		AccountID:         accounts.bank.ID,
		PartnerAccountIDs: []int64{bill.ID},
		IdempotencyKey:    "seed-payment-9001",
		Note:              "seed partial payment",
	})
	return err
}
