// Package store defines the Ledger Store Adapter consumed by the ledger core.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/retail-ledger/internal/domain"
	"github.com/odyssey-erp/retail-ledger/internal/money"
)

var (
	// ErrNotFound indicates a missing row.
	ErrNotFound = errors.New("store: not found")
	// ErrVersionConflict indicates an optimistic write lost a race or the
	// transaction could not be serialised.
	ErrVersionConflict = errors.New("store: version conflict")
	// ErrDuplicate indicates a unique key violation.
	ErrDuplicate = errors.New("store: duplicate key")
)

// Store opens transactions against the ledger tables.
type Store interface {
	WithTx(ctx context.Context, fn func(context.Context, Tx) error) error
}

// Tx exposes row-level operations valid inside one transaction.
// Update methods taking an expected version fail with ErrVersionConflict
// when the stored row has moved on.
type Tx interface {
	AccountTx
	CustomerTx
	PartnerTx
	SettlementTx
	SaleTx
	InventoryTx
	SagaTx
}

// AccountTx covers accounts and their ledger entries.
type AccountTx interface {
	GetAccount(ctx context.Context, id int64) (domain.Account, error)
	ListAccounts(ctx context.Context) ([]domain.Account, error)
	InsertAccount(ctx context.Context, account domain.Account) (domain.Account, error)
	UpdateAccountBalance(ctx context.Context, id, expectedVersion int64, balance money.Amount) error
	// InsertLedgerEntry yields ErrDuplicate when a non-empty idempotency key was already used.
	InsertLedgerEntry(ctx context.Context, entry domain.LedgerEntry) (domain.LedgerEntry, error)
	FindLedgerEntryByKey(ctx context.Context, key string) (domain.LedgerEntry, error)
	LastLedgerEntry(ctx context.Context, accountID int64) (domain.LedgerEntry, error)
	// ListLedgerEntries returns entries in append order; limit > 0 keeps only the newest.
	ListLedgerEntries(ctx context.Context, accountID int64, limit int) ([]domain.LedgerEntry, error)
}

// CustomerTx covers customers and the store-credit log.
type CustomerTx interface {
	GetCustomer(ctx context.Context, code string) (domain.Customer, error)
	ListCustomers(ctx context.Context) ([]domain.Customer, error)
	InsertCustomer(ctx context.Context, customer domain.Customer) (domain.Customer, error)
	UpdateCustomerCredit(ctx context.Context, code string, expectedVersion int64, credit money.Amount) error
	InsertCustomerBalanceLog(ctx context.Context, log domain.CustomerBalanceLog) (domain.CustomerBalanceLog, error)
	ListCustomerBalanceLogs(ctx context.Context, code string, limit int) ([]domain.CustomerBalanceLog, error)
}

// PartnerTx covers AR/AP rows.
type PartnerTx interface {
	// InsertPartnerAccount honours a non-zero ID so compensations can restore deleted rows.
	InsertPartnerAccount(ctx context.Context, account domain.PartnerAccount) (domain.PartnerAccount, error)
	GetPartnerAccount(ctx context.Context, id int64) (domain.PartnerAccount, error)
	ListPartnerAccountsByReference(ctx context.Context, referenceType string, referenceID int64) ([]domain.PartnerAccount, error)
	UpdatePartnerAccount(ctx context.Context, account domain.PartnerAccount, expectedVersion int64) error
	DeletePartnerAccount(ctx context.Context, id int64) error
}

// SettlementTx covers settlements and allocations.
type SettlementTx interface {
	// InsertSettlement honours a non-zero ID; a reused idempotency key yields ErrDuplicate.
	InsertSettlement(ctx context.Context, settlement domain.Settlement) (domain.Settlement, error)
	GetSettlement(ctx context.Context, id int64) (domain.Settlement, error)
	FindSettlementByKey(ctx context.Context, key string) (domain.Settlement, error)
	UpdateSettlementAmount(ctx context.Context, id int64, amount money.Amount) error
	DeleteSettlement(ctx context.Context, id int64) error
	InsertAllocation(ctx context.Context, allocation domain.SettlementAllocation) (domain.SettlementAllocation, error)
	ListAllocationsBySettlement(ctx context.Context, settlementID int64) ([]domain.SettlementAllocation, error)
	ListAllocationsByPartnerAccounts(ctx context.Context, partnerAccountIDs []int64) ([]domain.SettlementAllocation, error)
	DeleteAllocation(ctx context.Context, id int64) error
}

// SaleTx covers sales and their audit rows.
type SaleTx interface {
	GetSale(ctx context.Context, id int64) (domain.Sale, error)
	InsertSale(ctx context.Context, sale domain.Sale) (domain.Sale, error)
	UpdateSale(ctx context.Context, sale domain.Sale, expectedVersion int64) error
	UpdateSaleLine(ctx context.Context, line domain.SaleLine) error
	// InsertSaleCorrection yields ErrDuplicate when the correction key was already used.
	InsertSaleCorrection(ctx context.Context, correction domain.SaleCorrection) (domain.SaleCorrection, error)
	FindSaleCorrectionByKey(ctx context.Context, key uuid.UUID) (domain.SaleCorrection, error)
	ListSaleCorrections(ctx context.Context, saleID int64) ([]domain.SaleCorrection, error)
	InsertConversionRecord(ctx context.Context, record domain.ConversionRecord) (domain.ConversionRecord, error)
	ListConversionRecords(ctx context.Context, saleID int64) ([]domain.ConversionRecord, error)
}

// InventoryTx covers the append-only inventory change log.
type InventoryTx interface {
	// InsertInventoryChange reports false when (reference_type, reference_id, line_key) already exists.
	InsertInventoryChange(ctx context.Context, change domain.InventoryChange) (bool, error)
	ListInventoryChanges(ctx context.Context, referenceType, referenceID string) ([]domain.InventoryChange, error)
	ProductStock(ctx context.Context, productID int64) (int64, error)
}

// SagaTx covers persisted workflow cursors.
type SagaTx interface {
	InsertSaga(ctx context.Context, saga domain.SagaRecord) error
	GetSaga(ctx context.Context, id uuid.UUID) (domain.SagaRecord, error)
	FindSagaByKey(ctx context.Context, key string) (domain.SagaRecord, error)
	UpdateSaga(ctx context.Context, saga domain.SagaRecord, expectedVersion int64) error
	ListSagas(ctx context.Context, statuses []domain.SagaStatus, updatedBefore time.Time) ([]domain.SagaRecord, error)
}
