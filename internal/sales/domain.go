// Package sales confirms, fulfils and corrects POS sales.
package sales

import (
	"time"

	"github.com/odyssey-erp/retail-ledger/internal/domain"
	"github.com/odyssey-erp/retail-ledger/internal/inventory"
	"github.com/odyssey-erp/retail-ledger/internal/money"
)

// ReferenceSale is the partner account reference type of sale receivables.
const ReferenceSale = "sale"

// LineInput is one product line of a new sale.
type LineInput struct {
	ProductID int64
	Quantity  int64
	Price     money.Amount
}

// CreateInput describes a draft sale.
type CreateInput struct {
	Number       string
	CustomerCode string
	Lines        []LineInput
}

// ConfirmInput settles how a sale is paid. A zero PaidAccountID leaves the
// total outstanding as a receivable.
type ConfirmInput struct {
	PaidAccountID int64
	DueDate       time.Time
	ActorID       int64
}

// ConfirmResult is the outcome of Confirm.
type ConfirmResult struct {
	Sale       domain.Sale            `json:"sale"`
	Receivable *domain.PartnerAccount `json:"receivable,omitempty"`
	Entry      *domain.LedgerEntry    `json:"entry,omitempty"`
}

// FulfillResult is the outcome of Fulfill.
type FulfillResult struct {
	Sale      domain.Sale      `json:"sale"`
	Inventory inventory.Result `json:"inventory"`
}

// LineEdit lowers the quantity and optionally the price of one line.
type LineEdit struct {
	LineID      int64
	NewQuantity int64
	NewPrice    *money.Amount
}

// CorrectInput describes a correction. CorrectionKey makes it idempotent.
type CorrectInput struct {
	SaleID        int64
	Edits         []LineEdit
	Note          string
	CorrectionKey string
	ActorID       int64
}

// CorrectionResult is the outcome of Correct.
type CorrectionResult struct {
	Correction         domain.SaleCorrection   `json:"correction"`
	Sale               domain.Sale             `json:"sale"`
	Receivables        []domain.PartnerAccount `json:"receivables"`
	DeletedReceivables []int64                 `json:"deleted_receivables"`
	Clamped            bool                    `json:"clamped"`
	Replayed           bool                    `json:"replayed"`
}
