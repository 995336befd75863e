// Package money implements fixed-point currency amounts stored as integer cents.
package money

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Scale is the number of fractional digits carried by an Amount.
const Scale = 2

// Amount is a signed currency value in cents.
type Amount int64

// Zero is the zero amount.
const Zero Amount = 0

var (
	// ErrPrecision indicates an input carried more than two fractional digits.
	ErrPrecision = errors.New("money: amount has more than 2 decimal places")
	// ErrOverflow indicates an input does not fit in int64 cents.
	ErrOverflow = errors.New("money: amount out of range")
	// ErrDivideByZero indicates a ratio with a zero denominator.
	ErrDivideByZero = errors.New("money: division by zero")
)

// FromCents builds an amount from integer cents.
func FromCents(cents int64) Amount {
	return Amount(cents)
}

// FromUnits builds an amount from whole currency units.
func FromUnits(units int64) Amount {
	return Amount(units * 100)
}

// Parse reads a decimal string such as "1250.50".
func Parse(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Zero, fmt.Errorf("money: empty amount")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Zero, fmt.Errorf("money: parse %q: %w", s, err)
	}
	return FromDecimal(d)
}

// FromDecimal converts a decimal into cents, rejecting sub-cent precision.
func FromDecimal(d decimal.Decimal) (Amount, error) {
	if !d.Equal(d.Truncate(Scale)) {
		return Zero, ErrPrecision
	}
	shifted := d.Shift(Scale)
	bi := shifted.BigInt()
	if !bi.IsInt64() {
		return Zero, ErrOverflow
	}
	return Amount(bi.Int64()), nil
}

// Cents returns the raw integer cents.
func (a Amount) Cents() int64 { return int64(a) }

// Decimal returns the exact decimal representation.
func (a Amount) Decimal() decimal.Decimal {
	return decimal.New(int64(a), -Scale)
}

// String renders the amount with two fixed decimals.
func (a Amount) String() string {
	return a.Decimal().StringFixed(Scale)
}

func (a Amount) IsZero() bool     { return a == 0 }
func (a Amount) IsPositive() bool { return a > 0 }
func (a Amount) IsNegative() bool { return a < 0 }

// Neg returns -a.
func (a Amount) Neg() Amount { return -a }

// Abs returns |a|.
func (a Amount) Abs() Amount {
	if a < 0 {
		return -a
	}
	return a
}

// Sum adds all values.
func Sum(values ...Amount) Amount {
	var total Amount
	for _, v := range values {
		total += v
	}
	return total
}

// Min returns the smaller of a and b.
func Min(a, b Amount) Amount {
	if a < b {
		return a
	}
	return b
}

// MulDiv returns floor(a * num / den) computed exactly.
func MulDiv(a, num, den Amount) (Amount, error) {
	if den == 0 {
		return Zero, ErrDivideByZero
	}
	product := decimal.NewFromInt(int64(a)).Mul(decimal.NewFromInt(int64(num)))
	divisor := decimal.NewFromInt(int64(den))
	q, r := product.QuoRem(divisor, 0)
	// QuoRem truncates toward zero.
	if !r.IsZero() && (product.Sign() < 0) != (divisor.Sign() < 0) {
		q = q.Sub(decimal.NewFromInt(1))
	}
	bi := q.BigInt()
	if !bi.IsInt64() {
		return Zero, ErrOverflow
	}
	return Amount(bi.Int64()), nil
}

// MarshalJSON renders the amount as a JSON string to avoid float decoding by clients.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.String() + `"`), nil
}

// UnmarshalJSON accepts either a JSON string or a JSON number.
func (a *Amount) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" {
		return nil
	}
	raw = strings.Trim(raw, `"`)
	parsed, err := Parse(raw)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Scan implements sql.Scanner for numeric columns.
func (a *Amount) Scan(src any) error {
	var d decimal.Decimal
	if err := d.Scan(src); err != nil {
		return fmt.Errorf("money: scan: %w", err)
	}
	parsed, err := FromDecimal(d)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Value implements driver.Valuer.
func (a Amount) Value() (driver.Value, error) {
	return a.String(), nil
}
