/*
balance.go - Balance Calculator

PURPOSE:
  Answers "how much of this resource is there?" in two flavours:

  CurrentBalance:   every recorded transaction, no time filter. This is the
                    displayed and authoritative stock.
  ProjectedBalance: transactions effective at or before a date. Used to ask
                    whether stock will exist when an event consumes it.

  For exclusive and shareable resources both return the static capacity,
  so ProjectedBalance(id, +inf) == CurrentBalance(id) holds for every kind.

CACHE:
  Resource.CachedStock is a denormalised copy of CurrentBalance. The ledger
  wins on mismatch; Reconcile recomputes it.

SEE ALSO:
  - ledger.go: Summation
  - service.go: RecomputeBalance entrypoint
*/
package allocation

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// BALANCE CALCULATOR
// =============================================================================

type BalanceCalculator struct {
	Store Store
}

func (bc *BalanceCalculator) CurrentBalance(ctx context.Context, r Resource) (int, error) {
	if r.Kind != KindConsumable {
		return r.Capacity(), nil
	}
	return bc.Store.SumTransactions(ctx, r.ID, nil)
}

func (bc *BalanceCalculator) ProjectedBalance(ctx context.Context, r Resource, at time.Time) (int, error) {
	if r.Kind != KindConsumable {
		return r.Capacity(), nil
	}
	return bc.Store.SumTransactions(ctx, r.ID, &at)
}

// Reconciliation is the outcome of comparing the cache with the ledger.
type Reconciliation struct {
	ResourceID ResourceID
	Cached     int
	Ledger     int
}

// Drift is how far the cache was from the ledger (cached - ledger).
func (r Reconciliation) Drift() int { return r.Cached - r.Ledger }

// Reconcile recomputes the ledger sum and overwrites the cache with it.
// Call it with a store scoped to the resource lock.
func (bc *BalanceCalculator) Reconcile(ctx context.Context, r Resource) (Reconciliation, error) {
	sum, err := bc.Store.SumTransactions(ctx, r.ID, nil)
	if err != nil {
		return Reconciliation{}, err
	}
	rec := Reconciliation{ResourceID: r.ID, Cached: r.CachedStock, Ledger: sum}
	if rec.Drift() != 0 {
		if err := bc.Store.SetCachedStock(ctx, r.ID, sum); err != nil {
			return Reconciliation{}, err
		}
	}
	return rec, nil
}

// =============================================================================
// USAGE - What is in use at an instant
// =============================================================================

type Usage struct {
	ResourceID ResourceID
	Kind       Kind
	At         time.Time

	// Capacity is the static capacity, or the projected stock at At for
	// consumables.
	Capacity int
	InUse    int

	// Utilization is InUse / (InUse + Capacity) for consumables and
	// InUse / Capacity otherwise; zero when the denominator is zero.
	Utilization decimal.Decimal
}

// UsageAt computes the usage of r at instant at.
func (bc *BalanceCalculator) UsageAt(ctx context.Context, r Resource, at time.Time) (Usage, error) {
	allocs, err := bc.Store.OverlappingAllocations(ctx, r.ID, Instant(at), "")
	if err != nil {
		return Usage{}, err
	}
	inUse := 0
	for _, a := range allocs {
		inUse += a.Quantity
	}

	capacity, err := bc.ProjectedBalance(ctx, r, at)
	if err != nil {
		return Usage{}, err
	}

	denom := capacity
	if r.Kind == KindConsumable {
		denom = capacity + inUse
	}
	util := decimal.Zero
	if denom > 0 {
		util = decimal.NewFromInt(int64(inUse)).Div(decimal.NewFromInt(int64(denom))).Round(4)
	}

	return Usage{
		ResourceID:  r.ID,
		Kind:        r.Kind,
		At:          at,
		Capacity:    capacity,
		InUse:       inUse,
		Utilization: util,
	}, nil
}
