// Package domain holds the row models shared by the ledger core and its store adapters.
package domain

import (
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/retail-ledger/internal/money"
)

// AccountType enumerates money accounts.
type AccountType string

const (
	AccountCash      AccountType = "cash"
	AccountBank      AccountType = "bank"
	AccountPettyCash AccountType = "petty_cash"
)

// Valid reports whether t is a known account type.
func (t AccountType) Valid() bool {
	switch t {
	case AccountCash, AccountBank, AccountPettyCash:
		return true
	}
	return false
}

// Account is a cash/bank ledger whose balance only changes through ledger entries.
type Account struct {
	ID        int64        `json:"id"`
	Name      string       `json:"name"`
	Type      AccountType  `json:"type"`
	Balance   money.Amount `json:"balance"`
	Active    bool         `json:"active"`
	Version   int64        `json:"version"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// EntryKind classifies ledger and customer balance entries.
type EntryKind string

const (
	KindReceipt            EntryKind = "receipt"
	KindPayment            EntryKind = "payment"
	KindSalePayment        EntryKind = "sale_payment"
	KindSettlementReversal EntryKind = "settlement_reversal"
	KindSalePaymentRevert  EntryKind = "sale_payment_reversal"
	KindStoreCreditGrant   EntryKind = "store_credit_grant"
	KindStoreCreditRevoke  EntryKind = "store_credit_revoke"
	KindStoreCreditSpend   EntryKind = "store_credit_spend"
	KindSettlementRestore  EntryKind = "settlement_restore"
	KindAdjustment         EntryKind = "adjustment"
)

// Reference identifies the business document behind an entry.
type Reference struct {
	Type   string `json:"type"`
	ID     string `json:"id"`
	Number string `json:"number,omitempty"`
}

// LedgerEntry is an immutable balance change on one account.
type LedgerEntry struct {
	ID            int64        `json:"id"`
	AccountID     int64        `json:"account_id"`
	Amount        money.Amount `json:"amount"`
	BalanceBefore money.Amount `json:"balance_before"`
	BalanceAfter  money.Amount `json:"balance_after"`
	Kind          EntryKind    `json:"kind"`
	Reference     Reference    `json:"reference"`
	Note          string       `json:"note,omitempty"`
	// IdempotencyKey is set on entries booked through a keyed request; unique when present.
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// PartnerType distinguishes customers from vendors.
type PartnerType string

const (
	PartnerCustomer PartnerType = "customer"
	PartnerVendor   PartnerType = "vendor"
)

// Direction of a partner account.
type Direction string

const (
	Receivable Direction = "receivable"
	Payable    Direction = "payable"
)

// PartnerStatus tracks settlement progress.
type PartnerStatus string

const (
	StatusUnpaid  PartnerStatus = "unpaid"
	StatusPartial PartnerStatus = "partial"
	StatusPaid    PartnerStatus = "paid"
)

// PartnerAccount is one AR or AP record.
type PartnerAccount struct {
	ID            int64         `json:"id"`
	PartnerType   PartnerType   `json:"partner_type"`
	PartnerCode   string        `json:"partner_code"`
	Direction     Direction     `json:"direction"`
	ReferenceType string        `json:"reference_type"`
	ReferenceID   int64         `json:"reference_id"`
	Amount        money.Amount  `json:"amount"`
	ReceivedPaid  money.Amount  `json:"received_paid"`
	Status        PartnerStatus `json:"status"`
	DueDate       time.Time     `json:"due_date,omitempty"`
	Note          string        `json:"note,omitempty"`
	Version       int64         `json:"version"`
	CreatedAt     time.Time     `json:"created_at"`
}

// Balance returns the outstanding amount.
func (p PartnerAccount) Balance() money.Amount {
	return p.Amount - p.ReceivedPaid
}

// DeriveStatus computes the status implied by amount and received_paid.
func DeriveStatus(amount, receivedPaid money.Amount) PartnerStatus {
	switch {
	case receivedPaid <= 0:
		return StatusUnpaid
	case receivedPaid < amount:
		return StatusPartial
	default:
		return StatusPaid
	}
}

// MethodKind names the payment rail used by a settlement.
type MethodKind string

const (
	MethodAccount     MethodKind = "account"
	MethodStoreCredit MethodKind = "store_credit"
)

// Settlement is one payment or receipt event.
type Settlement struct {
	ID             int64        `json:"id"`
	Number         string       `json:"number,omitempty"`
	Direction      Direction    `json:"direction"`
	PartnerType    PartnerType  `json:"partner_type"`
	PartnerCode    string       `json:"partner_code"`
	Amount         money.Amount `json:"amount"`
	Method         MethodKind   `json:"method"`
	AccountID      int64        `json:"account_id"`
	CreditCustomer string       `json:"credit_customer,omitempty"`
	IdempotencyKey string       `json:"idempotency_key,omitempty"`
	Fingerprint    string       `json:"fingerprint,omitempty"`
	Note           string       `json:"note,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
}

// SettlementAllocation is the portion of a settlement applied to one partner account.
type SettlementAllocation struct {
	ID               int64        `json:"id"`
	SettlementID     int64        `json:"settlement_id"`
	PartnerAccountID int64        `json:"partner_account_id"`
	Amount           money.Amount `json:"amount"`
}

// Customer carries the store-credit aggregate.
type Customer struct {
	Code        string       `json:"code"`
	Name        string       `json:"name"`
	StoreCredit money.Amount `json:"store_credit"`
	Version     int64        `json:"version"`
}

// CustomerBalanceLog is an immutable change on a customer's store credit.
type CustomerBalanceLog struct {
	ID            int64        `json:"id"`
	CustomerCode  string       `json:"customer_code,omitempty"`
	Amount        money.Amount `json:"amount"`
	BalanceBefore money.Amount `json:"balance_before"`
	BalanceAfter  money.Amount `json:"balance_after"`
	Kind          EntryKind    `json:"kind"`
	Reference     Reference    `json:"reference"`
	Note          string       `json:"note,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
}

// SaleStatus enumerates sale lifecycle states.
type SaleStatus string

const (
	SaleDraft       SaleStatus = "draft"
	SaleConfirmed   SaleStatus = "confirmed"
	SaleStoreCredit SaleStatus = "store_credit"
	SaleCancelled   SaleStatus = "cancelled"
)

// Sale is a POS sale header.
type Sale struct {
	ID            int64        `json:"id"`
	Number        string       `json:"number,omitempty"`
	CustomerCode  string       `json:"customer_code,omitempty"`
	Status        SaleStatus   `json:"status"`
	Total         money.Amount `json:"total"`
	IsPaid        bool         `json:"is_paid"`
	PaidAccountID int64        `json:"paid_account_id"`
	PaidAmount    money.Amount `json:"paid_amount"`
	Fulfilled     bool         `json:"fulfilled"`
	Lines         []SaleLine   `json:"lines,omitempty"`
	Version       int64        `json:"version"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// SaleLine is one product line on a sale.
type SaleLine struct {
	ID        int64        `json:"id"`
	SaleID    int64        `json:"sale_id"`
	ProductID int64        `json:"product_id"`
	Quantity  int64        `json:"quantity"`
	Price     money.Amount `json:"price"`
	Subtotal  money.Amount `json:"subtotal"`
}

// SaleCorrection is the immutable audit row of a correction.
type SaleCorrection struct {
	ID                int64        `json:"id"`
	SaleID            int64        `json:"sale_id"`
	CorrectionKey     uuid.UUID    `json:"correction_key"`
	OriginalTotal     money.Amount `json:"original_total"`
	CorrectedTotal    money.Amount `json:"corrected_total"`
	AdjustmentAmount  money.Amount `json:"adjustment_amount"`
	InventoryRestored int64        `json:"inventory_restored"`
	Note              string       `json:"note,omitempty"`
	ActorID           int64        `json:"actor_id"`
	CreatedAt         time.Time    `json:"created_at"`
}

// ConversionRecord is the immutable audit row of a store-credit conversion or its reversal.
type ConversionRecord struct {
	ID                 int64        `json:"id"`
	SaleID             int64        `json:"sale_id"`
	SagaID             uuid.UUID    `json:"saga_id"`
	ConversionAmount   money.Amount `json:"conversion_amount"`
	StoreCreditGranted money.Amount `json:"store_credit_granted"`
	InventoryRestored  int64        `json:"inventory_restored"`
	Note               string       `json:"note,omitempty"`
	CreatedAt          time.Time    `json:"created_at"`
}

// InventoryChange is an append-only stock movement; product stock is derived from these rows.
type InventoryChange struct {
	ID            int64     `json:"id"`
	ProductID     int64     `json:"product_id"`
	ReferenceType string    `json:"reference_type"`
	ReferenceID   string    `json:"reference_id"`
	LineKey       string    `json:"line_key"`
	QtyDelta      int64     `json:"qty_delta"`
	Memo          string    `json:"memo"`
	CreatedAt     time.Time `json:"created_at"`
}

// SagaStatus tracks a persisted multi-step workflow.
type SagaStatus string

const (
	SagaRunning      SagaStatus = "running"
	SagaCompleted    SagaStatus = "completed"
	SagaCompensating SagaStatus = "compensating"
	SagaCompensated  SagaStatus = "compensated"
	SagaReversing    SagaStatus = "reversing"
	SagaReversed     SagaStatus = "reversed"
	SagaStuck        SagaStatus = "stuck"
)

// Terminal reports whether no further transitions are expected without operator action.
func (s SagaStatus) Terminal() bool {
	switch s {
	case SagaCompensated, SagaReversed, SagaStuck:
		return true
	}
	return false
}

// SagaRecord persists the cursor and compensation snapshots of a workflow.
// Cursor is the number of forward steps already committed.
type SagaRecord struct {
	ID               uuid.UUID    `json:"id"`
	Kind             string       `json:"kind"`
	SaleID           int64        `json:"sale_id"`
	Amount           money.Amount `json:"amount"`
	RestoreInventory bool         `json:"restore_inventory"`
	Status           SagaStatus   `json:"status"`
	Cursor           int          `json:"cursor"`
	State            []byte       `json:"-"`
	IdempotencyKey   string       `json:"idempotency_key,omitempty"`
	Fingerprint      string       `json:"fingerprint,omitempty"`
	LastError        string       `json:"last_error,omitempty"`
	Version          int64        `json:"version"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}
