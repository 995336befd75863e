package shared

import (
	"errors"
	"fmt"

	"github.com/odyssey-erp/retail-ledger/internal/store"
)

var (
	// ErrValidation indicates bad or missing input.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound indicates a missing account, sale, customer or partner account.
	ErrNotFound = errors.New("not found")
	// ErrConsistency indicates a ledger rule would be violated.
	ErrConsistency = errors.New("consistency violation")
	// ErrExternalStore indicates an I/O failure against the store.
	ErrExternalStore = errors.New("store failure")
	// ErrConflict indicates a reused idempotency key or a held lock.
	ErrConflict = errors.New("conflict")
)

// Validationf returns an error wrapping ErrValidation.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// NotFoundf returns an error wrapping ErrNotFound.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// Consistencyf returns an error wrapping ErrConsistency.
func Consistencyf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConsistency, fmt.Sprintf(format, args...))
}

// Conflictf returns an error wrapping ErrConflict.
func Conflictf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

// ExternalStore wraps a store failure for op. Errors that already carry a
// taxonomy kind, and version conflicts awaiting retry, pass through unchanged.
func ExternalStore(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsClassified(err) || errors.Is(err, store.ErrVersionConflict) {
		return err
	}
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, op)
	}
	return fmt.Errorf("%w: %s: %w", ErrExternalStore, op, err)
}

// IsClassified reports whether err already maps onto the taxonomy.
func IsClassified(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrConsistency) ||
		errors.Is(err, ErrExternalStore) ||
		errors.Is(err, ErrConflict)
}

// UserSafeMessage returns a message suitable for API clients.
func UserSafeMessage(err error) string {
	if err == nil {
		return ""
	}
	if IsClassified(err) && !errors.Is(err, ErrExternalStore) {
		return err.Error()
	}
	return "internal error"
}
