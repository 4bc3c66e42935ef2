/*
rules.go - Per-kind admission control

PURPOSE:
  Given a candidate (resource, event, quantity) and the current state read
  under the resource lock, decide whether the binding may be created or
  resized. One function per kind, dispatched by a switch on Kind.

RULES:
  Exclusive:   no other allocation whose window overlaps the event's.
  Shareable:   sum(overlapping quantities) + requested <= MaxConcurrentUsage.
  Consumable:  projected balance at event.Start (+ the existing allocation's
               own quantity when resizing) >= requested.

UPDATES:
  When Existing is set the candidate's own binding is excluded from the
  overlap sum, and for consumables its quantity is credited back before the
  check since its ledger debit is already part of the projection.

SEE ALSO:
  - service.go: Calls Admit inside WithResourceLock
  - balance.go: ProjectedBalance
*/
package allocation

import (
	"context"
)

// Candidate is a requested binding, or a resize of an existing one.
type Candidate struct {
	Resource Resource
	Event    Event
	Quantity int
	Existing *Allocation
}

type RulesEngine struct {
	Store    Store
	Balances *BalanceCalculator
}

// NewRulesEngine returns an engine reading through store.
func NewRulesEngine(store Store) *RulesEngine {
	return &RulesEngine{Store: store, Balances: &BalanceCalculator{Store: store}}
}

// Admit returns nil when the candidate fits, or a typed rejection.
func (e *RulesEngine) Admit(ctx context.Context, c Candidate) error {
	if c.Quantity <= 0 {
		return invalidQuantity(c.Quantity)
	}
	switch c.Resource.Kind {
	case KindExclusive:
		return e.admitExclusive(ctx, c)
	case KindShareable:
		return e.admitShareable(ctx, c)
	case KindConsumable:
		return e.admitConsumable(ctx, c)
	default:
		_, err := ParseKind(string(c.Resource.Kind))
		return err
	}
}

func (e *RulesEngine) admitExclusive(ctx context.Context, c Candidate) error {
	overlapping, err := e.Store.OverlappingAllocations(ctx, c.Resource.ID, c.Event.Window, c.Event.ID)
	if err != nil {
		return err
	}
	if len(overlapping) == 0 {
		return nil
	}
	return &ConflictError{
		Reason:            ReasonExclusiveOverlap,
		ResourceID:        c.Resource.ID,
		EventID:           c.Event.ID,
		ConflictingEvents: eventIDs(overlapping),
	}
}

func (e *RulesEngine) admitShareable(ctx context.Context, c Candidate) error {
	if c.Resource.MaxConcurrentUsage == nil || *c.Resource.MaxConcurrentUsage <= 0 {
		return &InvalidRequestError{
			Code:       CodeCapacityNotConfigured,
			Message:    "shareable resource has no max concurrent usage configured",
			ResourceID: c.Resource.ID,
		}
	}
	limit := *c.Resource.MaxConcurrentUsage

	overlapping, err := e.Store.OverlappingAllocations(ctx, c.Resource.ID, c.Event.Window, c.Event.ID)
	if err != nil {
		return err
	}
	inUse := 0
	for _, a := range overlapping {
		inUse += a.Quantity
	}
	if inUse+c.Quantity <= limit {
		return nil
	}
	return &ConflictError{
		Reason:            ReasonCapacityExceeded,
		ResourceID:        c.Resource.ID,
		EventID:           c.Event.ID,
		ConflictingEvents: eventIDs(overlapping),
		InUse:             inUse,
		Requested:         c.Quantity,
		Limit:             limit,
	}
}

func (e *RulesEngine) admitConsumable(ctx context.Context, c Candidate) error {
	at := c.Event.Window.Start
	projected, err := e.Balances.ProjectedBalance(ctx, c.Resource, at)
	if err != nil {
		return err
	}
	available := projected
	if c.Existing != nil {
		available += c.Existing.Quantity
	}
	if available >= c.Quantity {
		return nil
	}
	return &InsufficientInventoryError{
		ResourceID: c.Resource.ID,
		At:         at,
		Available:  available,
		Requested:  c.Quantity,
	}
}

func eventIDs(allocs []Allocation) []EventID {
	ids := make([]EventID, len(allocs))
	for i, a := range allocs {
		ids[i] = a.EventID
	}
	return ids
}
