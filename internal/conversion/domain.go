// Package conversion turns sales into customer store credit through a
// persisted saga: every step commits with the saga cursor, so a crashed
// conversion can be resumed or compensated from the last committed step.
package conversion

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/odyssey-erp/retail-ledger/internal/domain"
	"github.com/odyssey-erp/retail-ledger/internal/inventory"
	"github.com/odyssey-erp/retail-ledger/internal/money"
	"github.com/odyssey-erp/retail-ledger/internal/settlement"
)

// SagaKind is stored on every conversion saga record.
const SagaKind = "store_credit_conversion"

// Step names, in execution order.
const (
	StepRestoreInventory     = "restore_inventory"
	StepCreditCustomer       = "credit_customer"
	StepReverseSettlements   = "reverse_settlements"
	StepShrinkReceivables    = "shrink_receivables"
	StepReverseDirectPayment = "reverse_direct_payment"
	StepUpdateSale           = "update_sale"
	StepRecord               = "record"
)

// Input describes a conversion request.
type Input struct {
	SaleID           int64
	Amount           money.Amount
	RestoreInventory bool
	IdempotencyKey   string
	Note             string
	ActorID          int64
}

// Result reports a saga and, once completed, its audit row.
type Result struct {
	Saga     domain.SagaRecord        `json:"saga"`
	State    State                    `json:"state"`
	Record   *domain.ConversionRecord `json:"record,omitempty"`
	Replayed bool                     `json:"replayed"`
}

// State is persisted as the saga's JSON payload. Forward steps fill it in;
// compensations read it back to undo exactly what was done.
type State struct {
	CustomerCode  string       `json:"customer_code"`
	SaleNumber    string       `json:"sale_number"`
	OriginalTotal money.Amount `json:"original_total"`
	Full          bool         `json:"full"`
	Note          string       `json:"note,omitempty"`
	ActorID       int64        `json:"actor_id,omitempty"`

	// SaleBefore holds the sale header as it was before update_sale.
	SaleBefore domain.Sale `json:"sale_before"`

	Restocked         []inventory.Line `json:"restocked,omitempty"`
	InventoryRestored int64            `json:"inventory_restored"`

	CreditGranted money.Amount `json:"credit_granted"`

	Unwound []settlement.Unwound `json:"unwound,omitempty"`

	// Receivables are the sale's AR rows as shrink_receivables found them.
	Receivables        []domain.PartnerAccount `json:"receivables,omitempty"`
	DeletedReceivables []int64                 `json:"deleted_receivables,omitempty"`

	DirectAccountID int64        `json:"direct_account_id,omitempty"`
	DirectReversed  money.Amount `json:"direct_reversed"`

	RecordID int64 `json:"record_id,omitempty"`

	// Reversing marks an operator reversal, so a stuck saga resumes toward reversed.
	Reversing bool `json:"reversing,omitempty"`
}

func decodeState(raw []byte) (State, error) {
	var st State
	if len(raw) == 0 {
		return st, nil
	}
	if err := json.Unmarshal(raw, &st); err != nil {
		return State{}, fmt.Errorf("decode saga state: %w", err)
	}
	return st, nil
}

func (st State) encode() ([]byte, error) {
	return json.Marshal(st)
}

func (st State) clone() State {
	raw, err := st.encode()
	if err != nil {
		return st
	}
	out, err := decodeState(raw)
	if err != nil {
		return st
	}
	return out
}

func sagaID(key string) uuid.UUID {
	if key == "" {
		return uuid.New()
	}
	return uuid.NewSHA1(uuid.Nil, []byte("conversion:"+key))
}
