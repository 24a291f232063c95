package types

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Stable error codes surfaced to API clients. Business-rule violations map
// to 4xx responses; invariant breaches map to 5xx and should page someone.
const (
	ErrCodeInsufficientBalance  = "INSUFFICIENT_BALANCE"
	ErrCodeIdempotencyConflict  = "IDEMPOTENCY_CONFLICT"
	ErrCodeInvalidState         = "INVALID_STATE"
	ErrCodeFeeReconciliation    = "FEE_RECONCILIATION_ERROR"
	ErrCodeConsistencyViolation = "CONSISTENCY_VIOLATION"
)

// InsufficientBalanceError is returned when a debit or freeze would take
// available_amount below zero. Never retried automatically.
type InsufficientBalanceError struct {
	AccountID string
	AssetCode string
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance for account %s asset %s: available %s, requested %s",
		e.AccountID, e.AssetCode, e.Available.String(), e.Requested.String())
}

// IdempotencyConflictError is returned when a business_id is replayed with
// parameters that differ from the original call. An idempotency key names one
// specific mutation, not "any mutation with this key"; a conflict signals a
// client bug or key collision and is never silently resolved.
type IdempotencyConflictError struct {
	BusinessType string
	BusinessID   string
	Detail       string
}

func (e *IdempotencyConflictError) Error() string {
	return fmt.Sprintf("idempotency conflict for %s/%s: %s", e.BusinessType, e.BusinessID, e.Detail)
}

// InvalidStateError is returned when an operation is attempted from a state
// that does not permit it (e.g. completing a non-frozen order).
type InvalidStateError struct {
	Entity   string
	EntityID string
	State    string
	Detail   string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("invalid state for %s %s (%s): %s", e.Entity, e.EntityID, e.State, e.Detail)
}

// FeeReconciliationError is returned when gross != fee + net at order
// creation. The order is never persisted in that case.
type FeeReconciliationError struct {
	Gross decimal.Decimal
	Fee   decimal.Decimal
	Net   decimal.Decimal
}

func (e *FeeReconciliationError) Error() string {
	return fmt.Sprintf("fee reconciliation failed: gross %s != fee %s + net %s",
		e.Gross.String(), e.Fee.String(), e.Net.String())
}

// ConsistencyViolationError is returned when the invariant layer itself is
// found breached, e.g. a stored order priced in a non-settlement asset. It is
// always fatal and never auto-repaired outside an operator-invoked cleanup.
type ConsistencyViolationError struct {
	Detail string
}

func (e *ConsistencyViolationError) Error() string {
	return "consistency violation: " + e.Detail
}

// IsBusinessError reports whether err is a business-rule violation that maps
// to a 4xx response, as opposed to an invariant breach.
func IsBusinessError(err error) bool {
	var insufficient *InsufficientBalanceError
	var invalid *InvalidStateError
	var conflict *IdempotencyConflictError
	return errors.As(err, &insufficient) || errors.As(err, &invalid) || errors.As(err, &conflict)
}
