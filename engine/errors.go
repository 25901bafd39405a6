/*
errors.go - Centralized error types for the bucketing engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers classify errors with errors.Is / errors.As or the helpers below.

ERROR CATEGORIES:
  1. Configuration anomalies - tolerated by the resolver, never returned
  2. Resource exhaustion - ErrNoAvailableInstruments
  3. Concurrency races - ErrConcurrentModification, ErrStaleTransition
  4. Partial failure - CompensationError
  5. Client errors - InvalidStateError, AmountMismatchError, ...

SEE ALSO:
  - api/handlers.go: Maps these errors to HTTP status codes
*/
package engine

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNoActiveGroupingRule is returned when no active rule admits a claim.
	// The claim is not admitted and no bucket is touched.
	ErrNoActiveGroupingRule = errors.New("no active grouping rule")

	// ErrNoAvailableInstruments is returned when every active range of a
	// payer is exhausted. Nothing is mutated.
	ErrNoAvailableInstruments = errors.New("no available instruments")

	// ErrInvalidState is returned when an operator action's status
	// precondition does not hold.
	ErrInvalidState = errors.New("invalid state")

	// ErrStaleTransition marks a transition abandoned because the bucket moved
	// underneath it. Automatic transitions swallow it.
	ErrStaleTransition = errors.New("stale transition")

	// ErrConcurrentModification is returned by stores when an optimistic
	// status/version check fails.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	ErrBucketNotFound  = errors.New("bucket not found")
	ErrPaymentNotFound = errors.New("payment not found")
	ErrRangeNotFound   = errors.New("reservation range not found")

	// ErrDuplicateClaim is returned by stores when a claim ID is already admitted.
	ErrDuplicateClaim = errors.New("claim already admitted")

	// ErrDuplicateInstrument is returned when a check number is already held
	// by a non-voided payment of the same account.
	ErrDuplicateInstrument = errors.New("instrument already assigned")

	// ErrPaymentAlreadyAssigned is returned when a bucket already has a
	// non-voided payment.
	ErrPaymentAlreadyAssigned = errors.New("bucket already has an active payment")

	// ErrPaymentNotReady is returned when generation is forced but the
	// payment readiness predicate does not hold.
	ErrPaymentNotReady = errors.New("payment not ready")

	// ErrAmountMismatch is the sentinel behind AmountMismatchError.
	ErrAmountMismatch = errors.New("payment amount does not match bucket total")

	// ErrAccumulatingBucketExists is returned when a rejected bucket cannot
	// reopen because a newer bucket already accumulates for its key.
	ErrAccumulatingBucketExists = errors.New("an accumulating bucket already exists for this key")

	// ErrCompensationFailed is the sentinel behind CompensationError.
	ErrCompensationFailed = errors.New("compensation failed")

	ErrInvalidClaim = errors.New("invalid claim")
	ErrInvalidRange = errors.New("invalid reservation range")

	// ErrInvalidInstrument is returned for unusable manual instrument details.
	ErrInvalidInstrument = errors.New("invalid instrument details")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InvalidStateError reports the status an operation found and the ones it needed.
type InvalidStateError struct {
	BucketID BucketID
	Current  BucketStatus
	Expected []BucketStatus
	Op       string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s: bucket %s is %s, expected one of %v",
		e.Op, e.BucketID, e.Current, e.Expected)
}

func (e *InvalidStateError) Unwrap() error {
	return ErrInvalidState
}

// AmountMismatchError is a hard validation failure at acknowledgment time.
type AmountMismatchError struct {
	PaymentID    PaymentID
	BucketID     BucketID
	PaymentTotal decimal.Decimal
	BucketTotal  decimal.Decimal
}

func (e *AmountMismatchError) Error() string {
	return fmt.Sprintf("payment %s amount %s does not match bucket %s total %s",
		e.PaymentID, e.PaymentTotal.StringFixed(2), e.BucketID, e.BucketTotal.StringFixed(2))
}

func (e *AmountMismatchError) Unwrap() error {
	return ErrAmountMismatch
}

// CompensationError identifies an instrument stranded because its release
// could not be committed. It requires manual action.
type CompensationError struct {
	Instrument Instrument
	BucketID   BucketID
	Cause      error // the failure that triggered compensation
	ReleaseErr error // the failure of the release itself
}

func (e *CompensationError) Error() string {
	return fmt.Sprintf("instrument %d of range %s orphaned for bucket %s: release failed (%v) after %v",
		e.Instrument.Number, e.Instrument.RangeID, e.BucketID, e.ReleaseErr, e.Cause)
}

func (e *CompensationError) Unwrap() []error {
	return []error{ErrCompensationFailed, e.Cause}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidClaim) ||
		errors.Is(err, ErrInvalidRange) ||
		errors.Is(err, ErrInvalidInstrument) ||
		errors.Is(err, ErrNoActiveGroupingRule)
}

// IsConflict returns true if the error reflects the current state of a
// bucket, payment or instrument rather than bad input.
func IsConflict(err error) bool {
	return errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrConcurrentModification) ||
		errors.Is(err, ErrPaymentAlreadyAssigned) ||
		errors.Is(err, ErrDuplicateInstrument) ||
		errors.Is(err, ErrAccumulatingBucketExists)
}

// IsUnprocessable returns true for business rule failures that leave state untouched.
func IsUnprocessable(err error) bool {
	return errors.Is(err, ErrNoAvailableInstruments) ||
		errors.Is(err, ErrAmountMismatch) ||
		errors.Is(err, ErrPaymentNotReady)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrBucketNotFound) ||
		errors.Is(err, ErrPaymentNotFound) ||
		errors.Is(err, ErrRangeNotFound)
}
