/*
errors.go - Centralized error taxonomy for the billing and ledger engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Sentinels are matched with errors.Is; structured errors carry the context
  an operator needs to act on a failure without re-running a whole cycle.

ERROR CATEGORIES:
  1. ValidationError  - Bad policy/period/entry input; nothing was started
  2. ConflictError    - Duplicate period, locked bill; no partial state change
  3. MemberError      - One member failed inside a cycle; others continue
  4. FatalError       - Cycle cannot run at all (no members, no charge heads)
  5. ConcurrencyError - Stale-balance retries exhausted for a member

USAGE:
  if errors.Is(err, generic.ErrDuplicatePeriod) {
      // period already generated - delete it first to regenerate
  }
  var me *generic.MemberError
  if errors.As(err, &me) {
      log.Printf("member %s (%s) failed at %s", me.MemberID, me.UnitID, me.Stage)
  }

SEE ALSO:
  - ledger.go: ErrStaleBalance, ErrMemberNotFound, ErrBackdatedEntry
  - billing/engine.go: Cycle-level and per-member errors
  - api/handlers.go: HTTP status mapping
*/
package generic

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidPolicy is returned for negative rates, grace periods outside
	// [0,90] or unknown interest methods.
	ErrInvalidPolicy = errors.New("invalid policy")

	// ErrInvalidPeriod is returned when a period id is not YYYY-MM or a
	// financial year label is malformed.
	ErrInvalidPeriod = errors.New("invalid period")

	// ErrInvalidEntry is returned when a ledger entry is malformed
	// (non-positive amount, unknown type or category).
	ErrInvalidEntry = errors.New("invalid ledger entry")

	// ErrBackdatedEntry is returned when an entry is dated before the
	// member's latest entry. Ordering by (date, seq) must match write order.
	ErrBackdatedEntry = errors.New("entry dated before ledger tail")

	// ErrMemberNotFound is returned on append to, or lookup of, an unknown member.
	ErrMemberNotFound = errors.New("member not found")

	// ErrTenantNotFound is returned when no configuration exists for a tenant.
	ErrTenantNotFound = errors.New("tenant not found")

	// ErrBillNotFound is returned when a referenced bill doesn't exist.
	ErrBillNotFound = errors.New("bill not found")

	// ErrStaleBalance is returned when a concurrent append moved the member's
	// tail between read and write. Callers retry.
	ErrStaleBalance = errors.New("stale ledger balance")

	// ErrDuplicatePeriod is returned when a non-deleted bill already exists
	// for the (member, period) or when a cycle targets a generated period.
	ErrDuplicatePeriod = errors.New("bills already exist for period")

	// ErrLocked is returned when editing a bill of a finalized period.
	ErrLocked = errors.New("bill is locked")

	// ErrBillNotDeletable is returned when a bill has payments against it or
	// is not in an Unpaid/Overdue state.
	ErrBillNotDeletable = errors.New("bill cannot be deleted")

	// ErrNoMembers is returned when a tenant has no active members to bill.
	ErrNoMembers = errors.New("no active members")

	// ErrNoChargeHeads is returned when a tenant has no active charge heads.
	ErrNoChargeHeads = errors.New("no active charge heads")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError reports bad caller input. Nothing was written.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }

func NewValidationError(field, reason string, err error) *ValidationError {
	return &ValidationError{Field: field, Reason: reason, Err: err}
}

// ConflictError reports a state conflict (duplicate period, locked bill).
type ConflictError struct {
	Resource string
	Key      string
	Err      error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s %s: %v", e.Resource, e.Key, e.Err)
}

func (e *ConflictError) Unwrap() error { return e.Err }

// MemberError is one member's isolated failure inside a cycle.
type MemberError struct {
	MemberID MemberID
	UnitID   string
	Stage    string // arrears, interest, charges, persist
	Err      error
}

func (e *MemberError) Error() string {
	return fmt.Sprintf("member %s (unit %s) failed at %s: %v", e.MemberID, e.UnitID, e.Stage, e.Err)
}

func (e *MemberError) Unwrap() error { return e.Err }

// FatalError aborts a cycle before any write.
type FatalError struct {
	Reason string
	Err    error
}

func (e *FatalError) Error() string { return fmt.Sprintf("cycle aborted: %s: %v", e.Reason, e.Err) }

func (e *FatalError) Unwrap() error { return e.Err }

// ConcurrencyError is returned once stale-balance retries are exhausted.
type ConcurrencyError struct {
	Key      MemberKey
	Attempts int
	Err      error
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("ledger %s: gave up after %d attempts: %v", e.Key, e.Attempts, e.Err)
}

func (e *ConcurrencyError) Unwrap() error { return e.Err }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStaleBalance)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve) ||
		errors.Is(err, ErrInvalidPolicy) ||
		errors.Is(err, ErrInvalidPeriod) ||
		errors.Is(err, ErrInvalidEntry) ||
		errors.Is(err, ErrBackdatedEntry)
}

// IsConflict returns true for duplicate-period, locked and not-deletable errors.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce) ||
		errors.Is(err, ErrDuplicatePeriod) ||
		errors.Is(err, ErrLocked) ||
		errors.Is(err, ErrBillNotDeletable)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrMemberNotFound) ||
		errors.Is(err, ErrTenantNotFound) ||
		errors.Is(err, ErrBillNotFound)
}

// IsFatal returns true when a cycle was aborted before generating anything.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
