/*
errors.go - Centralized error types for the ledger engine

ERROR CATEGORIES:
  1. Caller errors - invalid input or a legitimate business rule
     (never retried: AccountNotFound, InsufficientFunds, InvalidEntryType)
  2. Transient errors - contention, retried internally with backoff
     (ErrConcurrentModification)
  3. Informational - not failures at all
     (ErrAccrualAlreadyRun: the accrual batch is idempotent by design)

Duplicate idempotency keys are intentionally NOT an error at the service
boundary: Apply collapses them into returning the prior entry. The sentinel
below exists for the store layer, which surfaces the unique-index violation
so the service can re-read and return the original.
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrAccountNotFound is returned when a referenced account doesn't exist.
	ErrAccountNotFound = errors.New("account not found")

	// ErrInsufficientFunds is returned when a debit would drive a
	// non-overdraftable account negative. The balance is unchanged.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrConcurrentModification is returned when the optimistic version
	// check detects a conflicting writer. Retried internally before
	// surfacing to the caller as a transient failure.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrDuplicateIdempotencyKey is surfaced by stores when an entry with
	// the same (account, key) pair already exists.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrInvalidEntryType is returned for unknown entry types.
	ErrInvalidEntryType = errors.New("invalid entry type")

	// ErrInvalidAmount is returned for zero or negative request amounts
	// on non-correction types.
	ErrInvalidAmount = errors.New("amount must be positive")

	// ErrAccrualAlreadyRun indicates a Completed accrual run already exists
	// for the requested date. Informational, not a failure.
	ErrAccrualAlreadyRun = errors.New("accrual already completed for date")

	// ErrAccountArchived is returned when applying to a soft-archived account.
	ErrAccountArchived = errors.New("account is archived")

	// ErrPendingNotFound is returned when a queued request id is unknown.
	ErrPendingNotFound = errors.New("pending request not found")

	// ErrAlreadyClaimed is returned when cancelling a queued request that a
	// worker has already picked up.
	ErrAlreadyClaimed = errors.New("pending request already claimed")

	// ErrQueueFull is returned when the pending buffer is at capacity.
	// Retryable from the caller's perspective.
	ErrQueueFull = errors.New("queue is full")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientFundsError reports the exact shortfall so the caller can
// decide whether to retry with different parameters.
type InsufficientFundsError struct {
	AccountID AccountID
	Balance   int64
	Requested int64 // the signed delta that was rejected
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds on %s: balance %d, requested delta %d",
		e.AccountID, e.Balance, e.Requested)
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }

// InvalidEntryTypeError names the rejected type.
type InvalidEntryTypeError struct {
	Type EntryType
}

func (e *InvalidEntryTypeError) Error() string {
	return fmt.Sprintf("invalid entry type: %q", e.Type)
}

func (e *InvalidEntryTypeError) Unwrap() error { return ErrInvalidEntryType }

// ConflictError is returned after internal retries are exhausted.
// Retryable from the caller's perspective.
type ConflictError struct {
	AccountID AccountID
	Attempts  int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("account %s: gave up after %d conflicting attempts", e.AccountID, e.Attempts)
}

func (e *ConflictError) Unwrap() error { return ErrConcurrentModification }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to invalid caller input
// or a business rule; these must never be retried automatically.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrInvalidEntryType) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrAccountArchived)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAccountNotFound) ||
		errors.Is(err, ErrPendingNotFound)
}
