/*
store.go - Persistence interface for resources, allocations and the ledger

PURPOSE:
  Defines the boundary between the allocation core and the database.
  Implementations: allocation/store (memory), store/sqlite, store/postgres.

KEY INTERFACES:
  Store:   Reads and writes, usable on the base connection or inside a tx
  TxStore: Store plus the atomic unit used by the lock coordinator

LEDGER CONTRACT:
  AppendTransaction is the only write to the ledger. There is no update or
  delete. Corrections are new transactions (Return, Adjustment).

LOCKING CONTRACT:
  LockResource must be called inside WithTx. It loads the resource row and
  holds the storage engine's exclusive lock on it until the tx ends
  (SELECT ... FOR UPDATE on Postgres). Engines with a single writer may
  implement it as a plain read.

  LockEvent is the same for an event row. Allocate takes it under the
  resource lock and RegisterEvent takes it before moving a window, so a
  binding can never be created against a window that is being replaced.
  Order is always resource then event.

NOT FOUND:
  Getters return a *NotFoundError (errors.Is(err, ErrNotFound)) when the
  record does not exist. FindAllocation returns (nil, nil) instead, since
  absence is the expected answer there.

SEE ALSO:
  - lock.go: Uses WithTx + LockResource
  - ledger.go: Uses AppendTransaction / SumTransactions
*/
package allocation

import (
	"context"
	"time"
)

// =============================================================================
// STORE
// =============================================================================

type Store interface {
	// Resources
	// InsertResource fails with a ConflictError (ReasonDuplicateID) when
	// the id is taken. Resources are never overwritten.
	InsertResource(ctx context.Context, r Resource) error
	GetResource(ctx context.Context, id ResourceID) (Resource, error)
	ListResources(ctx context.Context, kind Kind) ([]Resource, error) // kind "" = all
	LockResource(ctx context.Context, id ResourceID) (Resource, error)
	IncrementCachedStock(ctx context.Context, id ResourceID, delta int) error
	SetCachedStock(ctx context.Context, id ResourceID, stock int) error

	// Events (mirrored from the event collaborator)
	SaveEvent(ctx context.Context, e Event) error
	GetEvent(ctx context.Context, id EventID) (Event, error)
	LockEvent(ctx context.Context, id EventID) (Event, error)

	// Allocations
	InsertAllocation(ctx context.Context, a Allocation) error
	GetAllocation(ctx context.Context, id AllocationID) (Allocation, error)
	FindAllocation(ctx context.Context, eventID EventID, resourceID ResourceID) (*Allocation, error)
	ListAllocations(ctx context.Context, resourceID ResourceID) ([]Allocation, error)
	ListEventAllocations(ctx context.Context, eventID EventID) ([]Allocation, error)
	// OverlappingAllocations returns allocations of resourceID whose event
	// window overlaps w (half-open), skipping the binding of excludeEvent.
	OverlappingAllocations(ctx context.Context, resourceID ResourceID, w Window, excludeEvent EventID) ([]Allocation, error)
	UpdateAllocationQuantity(ctx context.Context, id AllocationID, quantity int, updatedAt time.Time) error
	DeleteAllocation(ctx context.Context, id AllocationID) error

	// Ledger (append-only)
	AppendTransaction(ctx context.Context, tx Transaction) error
	// Transactions returns the ledger ordered by EffectiveAt, then CreatedAt.
	Transactions(ctx context.Context, resourceID ResourceID) ([]Transaction, error)
	// SumTransactions sums quantities with EffectiveAt <= *at, or all of
	// them when at is nil.
	SumTransactions(ctx context.Context, resourceID ResourceID, at *time.Time) (int, error)
}

// TxStore wraps Store with an atomic unit.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, or ctx is done before commit, it is rolled back.
	// If fn returns nil, it is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}
