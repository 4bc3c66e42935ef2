/*
Package allocation provides the resource allocation and inventory ledger core.

PURPOSE:
  Decides whether a resource can be committed to an event without violating
  its physical constraints, under concurrent requests, and keeps a
  time-aware ledger of consumable stock. Rooms, projectors and boxes of
  badges all go through the same engine; only the admission rule differs.

KEY CONCEPTS IN THIS FILE (types.go):
  - Resource: something that can be allocated (exclusive, shareable, consumable)
  - Event: the time window an allocation is bound to (owned by a collaborator)
  - Allocation: the (event, resource, quantity) binding
  - Transaction: an immutable, signed, dated ledger entry for consumables

RESOURCE KINDS:
  Exclusive:  one event at a time, no overlapping windows
  Shareable:  concurrent events up to MaxConcurrentUsage units
  Consumable: stock tracked by the ledger, checked at the event's start time

DESIGN PRINCIPLES:
  1. The ledger is the source of truth; CachedStock is a read optimisation
  2. One atomic unit per mutation: lock, check and write commit together
  3. Kind is a tagged value, rules dispatch with a switch

SEE ALSO:
  - rules.go: Per-kind admission control
  - service.go: Allocation lifecycle
  - ledger.go: Transaction recording
*/
package allocation

import (
	"time"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type ResourceID string
type EventID string
type AllocationID string
type TransactionID string
type OrganizationID string
type ActorID string

// =============================================================================
// RESOURCE - Tagged by kind, capacity fields depend on the tag
// =============================================================================

type Kind string

const (
	KindExclusive  Kind = "exclusive"
	KindShareable  Kind = "shareable"
	KindConsumable Kind = "consumable"
)

// ParseKind converts a stored or user-supplied string into a Kind.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindExclusive, KindShareable, KindConsumable:
		return k, nil
	default:
		return "", &InvalidRequestError{Code: CodeInvalidKind, Message: "unknown resource kind " + s}
	}
}

// Resource is an allocatable thing owned by an organization or global.
//
// INVARIANTS:
//   - MaxConcurrentUsage is set and positive iff Kind == KindShareable
//   - CachedStock is meaningful only for consumables and is always
//     re-derivable from the ledger
type Resource struct {
	ID             ResourceID
	Name           string
	Kind           Kind
	OrganizationID OrganizationID // empty = global

	MaxConcurrentUsage *int

	CachedStock int
	CreatedAt   time.Time
}

// IsGlobal reports whether the resource is usable by every organization.
func (r Resource) IsGlobal() bool { return r.OrganizationID == "" }

// Validate checks the kind-specific capacity invariants.
func (r Resource) Validate() error {
	if _, err := ParseKind(string(r.Kind)); err != nil {
		return err
	}
	switch r.Kind {
	case KindShareable:
		if r.MaxConcurrentUsage == nil || *r.MaxConcurrentUsage <= 0 {
			return &InvalidRequestError{
				Code:       CodeCapacityNotConfigured,
				Message:    "shareable resource requires a positive max concurrent usage",
				ResourceID: r.ID,
			}
		}
	default:
		if r.MaxConcurrentUsage != nil {
			return &InvalidRequestError{
				Code:       CodeCapacityNotAllowed,
				Message:    "max concurrent usage is only valid for shareable resources",
				ResourceID: r.ID,
			}
		}
	}
	return nil
}

// Capacity is the static capacity of non-consumable kinds: 1 for exclusive,
// MaxConcurrentUsage for shareable. Consumables have no static capacity.
func (r Resource) Capacity() int {
	switch r.Kind {
	case KindExclusive:
		return 1
	case KindShareable:
		if r.MaxConcurrentUsage != nil {
			return *r.MaxConcurrentUsage
		}
	}
	return 0
}

// CanServe reports whether the resource may be allocated to events of org.
func (r Resource) CanServe(org OrganizationID) bool {
	return r.IsGlobal() || r.OrganizationID == org
}

// =============================================================================
// EVENT - Supplied by the event-management collaborator
// =============================================================================

type Event struct {
	ID             EventID
	OrganizationID OrganizationID
	Name           string
	Window         Window
}

// =============================================================================
// ALLOCATION - At most one per (event, resource)
// =============================================================================

type Allocation struct {
	ID         AllocationID
	EventID    EventID
	ResourceID ResourceID
	Quantity   int
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// =============================================================================
// TRANSACTION - Signed, dated ledger entry
// =============================================================================

type TransactionType string

const (
	TxRestock    TransactionType = "restock"    // Stock added
	TxAllocation TransactionType = "allocation" // Stock committed to an event
	TxAdjustment TransactionType = "adjustment" // Privileged correction
	TxReturn     TransactionType = "return"     // Stock credited back from an event
)

// Transaction is an immutable ledger entry. Positive quantities add stock,
// negative quantities remove it. EffectiveAt is when the delta takes effect,
// which for allocations is the event's start, not the write time.
type Transaction struct {
	ID          TransactionID
	ResourceID  ResourceID
	Quantity    int
	Type        TransactionType
	EffectiveAt time.Time
	EventID     EventID // empty when not caused by an event
	Note        string
	ActorID     ActorID
	CreatedAt   time.Time
}
