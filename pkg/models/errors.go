package models

import (
	"errors"
	"fmt"
)

// Business errors returned synchronously to callers. Transient errors in
// background jobs are logged and never escalate.
var (
	// ErrInsufficientFunds is returned when available balance cannot
	// cover the required margin.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrInsufficientHoldings is returned when a CNC SELL exceeds the
	// sellable quantity across holdings and open position.
	ErrInsufficientHoldings = errors.New("insufficient holdings")

	// ErrQuoteUnavailable is returned when the upstream quote fetch
	// fails at order placement.
	ErrQuoteUnavailable = errors.New("quote unavailable")

	// ErrMISCutoffBlocked is returned for MIS placements outside the
	// trading window that do not reduce an existing position.
	ErrMISCutoffBlocked = errors.New("MIS orders blocked outside trading hours")

	// ErrAlreadyTerminal is returned for modify/cancel on an order that
	// is already complete, cancelled or rejected.
	ErrAlreadyTerminal = errors.New("order already in terminal state")

	// ErrOrderNotFound is returned when an order ID does not exist for
	// the user.
	ErrOrderNotFound = errors.New("order not found")

	// ErrUnknownSymbol is returned when the symbol master cannot resolve
	// a symbol/exchange pair.
	ErrUnknownSymbol = errors.New("unknown symbol")

	// ErrPositionNotFound is returned when closing a position that does
	// not exist or is already flat.
	ErrPositionNotFound = errors.New("position not found")
)

// ValidationError describes a malformed order draft. It carries no side
// effects: nothing was persisted and no margin moved.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// NewValidationError builds a field-level validation failure.
func NewValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a draft validation failure.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
