package store

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrInsufficientFunds is returned when a reservation or withdrawal
	// asks for more than the user's available balance. No state changes.
	ErrInsufficientFunds = errors.New("store: insufficient funds")

	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicate is returned when an insert hits an existing
	// idempotency key (deposit tx hash, trade id). Callers absorb it:
	// the first application already took effect.
	ErrDuplicate = errors.New("store: duplicate")

	// ErrInvariantViolation marks a fatal consistency fault: a balance
	// or position that would go negative, or a settlement against state
	// that should exist but does not. Processing of the entity must
	// halt and alert; the condition is never silently corrected.
	ErrInvariantViolation = errors.New("store: invariant violation")
)

// InsufficientFundsError carries the shortfall details.
type InsufficientFundsError struct {
	UserID    string
	Asset     string
	Required  decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: user=%s asset=%s required=%s available=%s",
		e.UserID, e.Asset, e.Required, e.Available)
}

func (e *InsufficientFundsError) Is(target error) bool {
	return target == ErrInsufficientFunds
}
