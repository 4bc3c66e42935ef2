/*
errors.go - Error taxonomy for the allocation core

PURPOSE:
  Every rejection is a typed, synchronous result. Each structured error
  unwraps to exactly one category sentinel so callers can branch with
  errors.Is and still pull details out with errors.As.

CATEGORIES:
  ErrNotFound              resource, event or allocation missing
  ErrConflict              duplicate binding, exclusive overlap, cap exceeded
  ErrInvalidRequest        bad quantity, bad configuration, wrong kind
  ErrInsufficientInventory consumable projection cannot cover the request
  ErrConsistencyFailure    compensating ledger write failed, nothing applied
  ErrNotPrivileged         adjustment without the privileged flag

Anything that does not unwrap to one of these is an infrastructure failure.

SEE ALSO:
  - rules.go: Produces ConflictError and InsufficientInventoryError
  - api/errors.go: HTTP mapping
*/
package allocation

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrNotFound              = errors.New("not found")
	ErrConflict              = errors.New("conflict")
	ErrInvalidRequest        = errors.New("invalid request")
	ErrInsufficientInventory = errors.New("insufficient inventory")
	ErrConsistencyFailure    = errors.New("consistency failure")
	ErrNotPrivileged         = errors.New("operation requires privileged actor")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// NotFoundError names the missing record.
type NotFoundError struct {
	Entity string // "resource", "event", "allocation"
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

func notFound(entity string, id any) error {
	return &NotFoundError{Entity: entity, ID: fmt.Sprint(id)}
}

// ConflictReason says which rule rejected the request.
type ConflictReason string

const (
	ReasonDuplicateBinding ConflictReason = "duplicate_binding"
	ReasonExclusiveOverlap ConflictReason = "exclusive_overlap"
	ReasonCapacityExceeded ConflictReason = "capacity_exceeded"
	ReasonDuplicateID      ConflictReason = "duplicate_id"
)

// ConflictError carries the values needed to explain the rejection.
type ConflictError struct {
	Reason     ConflictReason
	ResourceID ResourceID
	EventID    EventID

	// Populated for exclusive_overlap and capacity_exceeded.
	ConflictingEvents []EventID

	// Populated for capacity_exceeded: InUse + Requested > Limit.
	InUse     int
	Requested int
	Limit     int
}

func (e *ConflictError) Error() string {
	switch e.Reason {
	case ReasonDuplicateBinding:
		return fmt.Sprintf("resource %s is already allocated to event %s", e.ResourceID, e.EventID)
	case ReasonExclusiveOverlap:
		return fmt.Sprintf("exclusive resource %s is already booked by overlapping events %s",
			e.ResourceID, joinEvents(e.ConflictingEvents))
	case ReasonCapacityExceeded:
		return fmt.Sprintf("exceeds max concurrent usage of resource %s: in use %d, requested %d, limit %d",
			e.ResourceID, e.InUse, e.Requested, e.Limit)
	case ReasonDuplicateID:
		return fmt.Sprintf("resource %s already exists", e.ResourceID)
	default:
		return "conflict: " + string(e.Reason)
	}
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// Codes for InvalidRequestError.
const (
	CodeInvalidQuantity       = "invalid_quantity"
	CodeCapacityNotConfigured = "capacity_not_configured"
	CodeCapacityNotAllowed    = "capacity_not_allowed"
	CodeWrongKind             = "wrong_kind"
	CodeInvalidKind           = "invalid_kind"
	CodeInvalidWindow         = "invalid_window"
	CodeOrganizationMismatch  = "organization_mismatch"
	CodeInvalidTarget         = "invalid_target"
	CodeEventInUse            = "event_in_use"
)

type InvalidRequestError struct {
	Code       string
	Message    string
	ResourceID ResourceID
}

func (e *InvalidRequestError) Error() string {
	return fmt.Sprintf("invalid request (%s): %s", e.Code, e.Message)
}

func (e *InvalidRequestError) Unwrap() error { return ErrInvalidRequest }

func wrongKind(r Resource, op string) error {
	return &InvalidRequestError{
		Code:       CodeWrongKind,
		Message:    fmt.Sprintf("%s is not supported for %s resources", op, r.Kind),
		ResourceID: r.ID,
	}
}

func invalidQuantity(q int) error {
	return &InvalidRequestError{
		Code:    CodeInvalidQuantity,
		Message: fmt.Sprintf("quantity must be a positive integer, got %d", q),
	}
}

// InsufficientInventoryError reports what the projection could offer.
type InsufficientInventoryError struct {
	ResourceID ResourceID
	At         time.Time
	Available  int
	Requested  int
}

func (e *InsufficientInventoryError) Error() string {
	return fmt.Sprintf("insufficient inventory for resource %s at %s: available %d, requested %d",
		e.ResourceID, e.At.Format(time.RFC3339), e.Available, e.Requested)
}

func (e *InsufficientInventoryError) Unwrap() error { return ErrInsufficientInventory }

// Shortfall is how many units are missing.
func (e *InsufficientInventoryError) Shortfall() int { return e.Requested - e.Available }

// ConsistencyError wraps the failed compensating write. The operation was
// rolled back in full.
type ConsistencyError struct {
	Op  string
	Err error
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("%s aborted: compensating ledger write failed: %v", e.Op, e.Err)
}

func (e *ConsistencyError) Unwrap() []error { return []error{ErrConsistencyFailure, e.Err} }

// =============================================================================
// ERROR HELPERS
// =============================================================================

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

// IsClientError returns true for business-rule rejections the caller can
// fix by changing the request.
func IsClientError(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrInsufficientInventory) ||
		errors.Is(err, ErrNotPrivileged)
}

func joinEvents(ids []EventID) string {
	s := make([]string, len(ids))
	for i, id := range ids {
		s[i] = string(id)
	}
	return strings.Join(s, ", ")
}
