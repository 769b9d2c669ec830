/*
errors.go - Centralized error types for the booking and settlement engine

PURPOSE:
  All error kinds in one place for consistency and discoverability. Every
  kind has a sentinel (for errors.Is) and a structured type carrying the
  context a caller needs to correct the request.

ERROR KINDS:
  validation       malformed or missing input
  conflict         scheduling overlap (pre-check or commit-time)
  invalid_state    illegal lifecycle transition
  amount_mismatch  settlement totals don't reconcile
  not_found        unknown id/code
  already_used     instrument grant or card consumed
  expired          instrument past expiry
  no_available_grant, invalid_grant
  unauthorized     caller lacks role/ownership

USAGE:
  if errors.Is(err, domain.ErrConflict) {
      // pick another slot
  }
  var mm *domain.AmountMismatchError
  if errors.As(err, &mm) {
      log.Printf("expected %s got %s", mm.Expected, mm.Actual)
  }

SEE ALSO:
  - api/handlers.go: maps kinds to HTTP status
*/
package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrValidation       = errors.New("validation failed")
	ErrConflict         = errors.New("scheduling conflict")
	ErrInvalidState     = errors.New("invalid state transition")
	ErrAmountMismatch   = errors.New("payment amount mismatch")
	ErrNotFound         = errors.New("not found")
	ErrAlreadyUsed      = errors.New("already used")
	ErrExpired          = errors.New("expired")
	ErrNoAvailableGrant = errors.New("no available grant")
	ErrInvalidGrant     = errors.New("invalid grant")
	ErrUnauthorized     = errors.New("not authorized")

	// ErrStaleWrite is returned by stores when a conditional update finds the
	// row changed since it was read. Services translate it into a domain kind.
	ErrStaleWrite = errors.New("concurrent modification detected")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError reports a malformed or missing field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// ConflictError reports an overlap with an existing booking or blocked range.
type ConflictError struct {
	StaffID    StaffID
	BranchID   BranchID
	Range      TimeRange
	ExistingID string // appointment or block that collides, empty for commit-time races
	Reason     string
}

func (e *ConflictError) Error() string {
	msg := fmt.Sprintf("staff %s is busy during %s", e.StaffID, e.Range)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.ExistingID != "" {
		msg += fmt.Sprintf(" (conflicts with %s)", e.ExistingID)
	}
	return msg
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// InvalidStateError reports a transition the lifecycle does not allow.
type InvalidStateError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s %s: cannot move from %s to %s", e.Entity, e.ID, e.From, e.To)
}

func (e *InvalidStateError) Unwrap() error { return ErrInvalidState }

// AmountMismatchError reports settlement totals that don't reconcile.
type AmountMismatchError struct {
	Expected decimal.Decimal
	Actual   decimal.Decimal
}

func (e *AmountMismatchError) Error() string {
	return fmt.Sprintf("payment amount mismatch: due %s, paid %s", e.Expected.StringFixed(2), e.Actual.StringFixed(2))
}

func (e *AmountMismatchError) Unwrap() error { return ErrAmountMismatch }

// NotFoundError reports an unknown identifier.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// AlreadyUsedError reports a consumed instrument or grant.
// Grant is -1 when the instrument as a whole is used.
type AlreadyUsedError struct {
	Code        string
	Grant       int
	Appointment AppointmentID // set when the same booking already drew from the instrument
}

func (e *AlreadyUsedError) Error() string {
	if e.Appointment != "" {
		return fmt.Sprintf("instrument %s already used by appointment %s", e.Code, e.Appointment)
	}
	if e.Grant < 0 {
		return fmt.Sprintf("instrument %s already used", e.Code)
	}
	return fmt.Sprintf("instrument %s grant %d already used", e.Code, e.Grant)
}

func (e *AlreadyUsedError) Unwrap() error { return ErrAlreadyUsed }

// ExpiredError reports an instrument past its expiry.
type ExpiredError struct {
	Code      string
	ExpiredAt time.Time
}

func (e *ExpiredError) Error() string {
	return fmt.Sprintf("instrument %s expired on %s", e.Code, e.ExpiredAt.Format("2006-01-02"))
}

func (e *ExpiredError) Unwrap() error { return ErrExpired }

// NoAvailableGrantError reports an instrument with nothing left to consume.
type NoAvailableGrantError struct {
	Code string
}

func (e *NoAvailableGrantError) Error() string {
	return fmt.Sprintf("instrument %s has no unused grants", e.Code)
}

func (e *NoAvailableGrantError) Unwrap() error { return ErrNoAvailableGrant }

// InvalidGrantError reports a grant index outside the instrument.
type InvalidGrantError struct {
	Code  string
	Index int
	Count int
}

func (e *InvalidGrantError) Error() string {
	return fmt.Sprintf("instrument %s has no grant %d (grants: %d)", e.Code, e.Index, e.Count)
}

func (e *InvalidGrantError) Unwrap() error { return ErrInvalidGrant }

// AuthorizationError reports a caller lacking role or ownership.
type AuthorizationError struct {
	Action string
	UserID UserID
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("user %s is not allowed to %s", e.UserID, e.Action)
}

func (e *AuthorizationError) Unwrap() error { return ErrUnauthorized }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// KindOf returns the stable kind name of err, or "internal".
func KindOf(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrAmountMismatch):
		return "amount_mismatch"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrAlreadyUsed):
		return "already_used"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrNoAvailableGrant):
		return "no_available_grant"
	case errors.Is(err, ErrInvalidGrant):
		return "invalid_grant"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrStaleWrite):
		return "stale_write"
	}
	return "internal"
}

// IsClientError returns true if the error is due to the request, not the system.
func IsClientError(err error) bool {
	k := KindOf(err)
	return k != "internal" && k != "stale_write"
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
