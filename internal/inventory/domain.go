package inventory

import "errors"

// Reference types written to the inventory change log.
const (
	ReferenceSaleFulfillment = "sale_fulfillment"
	ReferenceSaleCorrection  = "sale_correction"
	ReferenceConversion      = "store_credit_conversion"
	ReferenceConversionUndo  = "store_credit_conversion_undo"
	ReferenceAdjustment      = "adjustment"
)

var (
	// ErrInvalidQuantity indicates a non-positive line quantity.
	ErrInvalidQuantity = errors.New("inventory: quantity must be positive")
	// ErrNegativeStock indicates a deduction would push stock below zero.
	ErrNegativeStock = errors.New("inventory: insufficient stock")
)

// Line is one product movement inside a referenced batch. LineKey must be
// unique within the reference; it is the per-line idempotency key.
type Line struct {
	LineKey   string `json:"line_key"`
	ProductID int64  `json:"product_id"`
	Quantity  int64  `json:"quantity"`
}

// Result reports what a guarded batch wrote.
type Result struct {
	// Applied is true when at least one line was written by this call.
	Applied bool `json:"applied"`
	// Written counts lines inserted now; Skipped counts lines already logged.
	Written int   `json:"written"`
	Skipped int   `json:"skipped"`
	Units   int64 `json:"units"`
}

// AdjustInput describes a manual stock adjustment.
type AdjustInput struct {
	ProductID int64
	// Quantity is signed: positive receives stock, negative writes it off.
	Quantity  int64
	Reference string
	Memo      string
	ActorID   int64
}
