package money

import (
	"fmt"

	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Formatter renders amounts for human-readable notes.
type Formatter struct {
	unit    currency.Unit
	printer *message.Printer
}

// NewFormatter builds a formatter for an ISO 4217 code.
func NewFormatter(code string) (*Formatter, error) {
	unit, err := currency.ParseISO(code)
	if err != nil {
		return nil, fmt.Errorf("money: currency %q: %w", code, err)
	}
	return &Formatter{unit: unit, printer: message.NewPrinter(language.English)}, nil
}

// Format renders an amount with grouping separators, e.g. "IDR 1,250.00".
func (f *Formatter) Format(a Amount) string {
	if f == nil {
		return a.String()
	}
	cents := a.Cents()
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return f.printer.Sprintf("%s%s %d.%02d", sign, f.unit.String(), cents/100, cents%100)
}
