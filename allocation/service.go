/*
service.go - Allocation Lifecycle Manager

PURPOSE:
  Orchestrates the lifecycle of an event-resource binding and the consumable
  ledger. Every admission-affecting mutation runs inside WithResourceLock so
  that the re-checks, the admission decision, the ledger write and the
  binding write commit together or not at all.

STATE MACHINE (per binding):
  absent --Allocate--> active --UpdateQuantity--> active --Remove--> absent

LEDGER EFFECTS (consumables only):
  Allocate        TxAllocation  -qty        @ event start
  UpdateQuantity  TxAllocation  -delta      @ event start (growing)
                  TxReturn      +|delta|    @ event start (shrinking)
  Remove          TxReturn      +qty        @ event start, before the delete
  Restock         TxRestock     +qty        @ given date (default now)
  Adjust          TxAdjustment  target-sum  @ now, then cache = target

VALIDATION ORDER:
  Quantity is checked before anything is loaded or locked. Existence and
  duplicate checks run once without the lock for a fast rejection and
  again under it, since only the locked read is authoritative. Allocate
  also locks the event row, which RegisterEvent holds while it moves a
  window.

NOTIFICATIONS:
  Sent after commit, never inside the atomic unit. A failed notification
  is logged and counted; the operation still succeeds.

SEE ALSO:
  - rules.go: Admission per kind
  - lock.go: WithResourceLock
  - audit.go: Reconciliation and shortage detection
*/
package allocation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/resource-engine/metrics"
)

// =============================================================================
// SERVICE
// =============================================================================

type Service struct {
	store    TxStore
	locks    *LockCoordinator
	clock    Clock
	newID    func() string
	notifier Notifier
	log      *zap.Logger
}

type Option func(*Service)

// WithClock overrides the clock used for creation and default effective dates.
func WithClock(c Clock) Option {
	return func(s *Service) {
		if c != nil {
			s.clock = c
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

func WithNotifier(n Notifier) Option {
	return func(s *Service) {
		if n != nil {
			s.notifier = n
		}
	}
}

// WithIDGenerator overrides uuid generation for new records.
func WithIDGenerator(f func() string) Option {
	return func(s *Service) {
		if f != nil {
			s.newID = f
		}
	}
}

func NewService(store TxStore, opts ...Option) *Service {
	s := &Service{
		store:    store,
		clock:    SystemClock(),
		newID:    uuid.NewString,
		notifier: nopNotifier{},
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.locks = NewLockCoordinator(store)
	s.locks.observeWait = func(d time.Duration) {
		metrics.LockWait.Observe(d.Seconds())
	}
	return s
}

// =============================================================================
// REGISTRATION
// =============================================================================

type CreateResourceInput struct {
	ID                 ResourceID // optional, generated when empty
	Name               string
	Kind               Kind
	OrganizationID     OrganizationID
	MaxConcurrentUsage *int
	InitialStock       int // consumables only, recorded as a restock
	ActorID            ActorID
}

func (s *Service) CreateResource(ctx context.Context, in CreateResourceInput) (Resource, error) {
	r := Resource{
		ID:                 in.ID,
		Name:               in.Name,
		Kind:               in.Kind,
		OrganizationID:     in.OrganizationID,
		MaxConcurrentUsage: in.MaxConcurrentUsage,
		CreatedAt:          s.clock.Now(),
	}
	if r.ID == "" {
		r.ID = ResourceID(s.newID())
	}
	if err := r.Validate(); err != nil {
		return Resource{}, err
	}
	if in.InitialStock < 0 {
		return Resource{}, invalidQuantity(in.InitialStock)
	}
	if in.InitialStock > 0 && r.Kind != KindConsumable {
		return Resource{}, wrongKind(r, "initial stock")
	}

	var written []Transaction
	err := s.store.WithTx(ctx, func(tx Store) error {
		if err := tx.InsertResource(ctx, r); err != nil {
			return err
		}
		if in.InitialStock == 0 {
			return nil
		}
		t, err := s.move(ctx, tx, Transaction{
			ResourceID:  r.ID,
			Quantity:    in.InitialStock,
			Type:        TxRestock,
			EffectiveAt: r.CreatedAt,
			Note:        "initial stock",
			ActorID:     in.ActorID,
		})
		if err != nil {
			return err
		}
		written = append(written, t)
		return nil
	})
	if err != nil {
		return Resource{}, err
	}
	r.CachedStock = in.InitialStock
	s.committed(written)

	s.log.Info("resource created",
		zap.String("resource_id", string(r.ID)),
		zap.String("kind", string(r.Kind)),
		zap.String("organization_id", string(r.OrganizationID)))
	return r, nil
}

// RegisterEvent records or updates the window of an event supplied by the
// event-management collaborator. The window and organization of an event
// that already has allocations cannot change. The check and the save hold
// the event lock that Allocate takes, so no binding can slip in between.
func (s *Service) RegisterEvent(ctx context.Context, e Event) (Event, error) {
	if err := e.Window.Validate(); err != nil {
		return Event{}, err
	}
	if e.ID == "" {
		e.ID = EventID(s.newID())
	}

	err := s.store.WithTx(ctx, func(tx Store) error {
		existing, err := tx.LockEvent(ctx, e.ID)
		switch {
		case err == nil:
			moved := !existing.Window.Start.Equal(e.Window.Start) ||
				!existing.Window.End.Equal(e.Window.End) ||
				existing.OrganizationID != e.OrganizationID
			if moved {
				allocs, err := tx.ListEventAllocations(ctx, e.ID)
				if err != nil {
					return err
				}
				if len(allocs) > 0 {
					return &InvalidRequestError{
						Code:    CodeEventInUse,
						Message: fmt.Sprintf("event %s has %d allocations; its window and organization are fixed", e.ID, len(allocs)),
					}
				}
			}
		case !IsNotFound(err):
			return err
		}
		return tx.SaveEvent(ctx, e)
	})
	if err != nil {
		return Event{}, err
	}
	return e, nil
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// Allocate binds quantity units of a resource to an event.
func (s *Service) Allocate(ctx context.Context, eventID EventID, resourceID ResourceID, quantity int) (Allocation, error) {
	const op = "allocate"
	if quantity <= 0 {
		err := invalidQuantity(quantity)
		s.decision("", op, err)
		return Allocation{}, err
	}

	resource, err := s.store.GetResource(ctx, resourceID)
	if err != nil {
		return Allocation{}, err
	}
	event, err := s.store.GetEvent(ctx, eventID)
	if err != nil {
		return Allocation{}, err
	}
	if err := precheck(ctx, s.store, resource, event); err != nil {
		s.decision(resource.Kind, op, err)
		return Allocation{}, err
	}

	var (
		created Allocation
		written []Transaction
	)
	err = s.locks.WithResourceLock(ctx, resourceID, func(tx Store, r Resource) error {
		ev, err := tx.LockEvent(ctx, eventID)
		if err != nil {
			return err
		}
		if err := precheck(ctx, tx, r, ev); err != nil {
			return err
		}

		if err := NewRulesEngine(tx).Admit(ctx, Candidate{Resource: r, Event: ev, Quantity: quantity}); err != nil {
			return err
		}

		if r.Kind == KindConsumable {
			t, err := s.move(ctx, tx, Transaction{
				ResourceID:  r.ID,
				Quantity:    -quantity,
				Type:        TxAllocation,
				EffectiveAt: ev.Window.Start,
				EventID:     ev.ID,
				Note:        fmt.Sprintf("allocated to event %s", ev.ID),
			})
			if err != nil {
				return err
			}
			written = append(written, t)
		}

		now := s.clock.Now()
		created = Allocation{
			ID:         AllocationID(s.newID()),
			EventID:    eventID,
			ResourceID: resourceID,
			Quantity:   quantity,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		return tx.InsertAllocation(ctx, created)
	})
	s.decision(resource.Kind, op, err)
	if err != nil {
		return Allocation{}, err
	}
	s.committed(written)

	s.notify(ctx, Notification{
		Type:         NotifyAllocated,
		ResourceID:   resourceID,
		EventID:      eventID,
		AllocationID: created.ID,
		Quantity:     quantity,
		OccurredAt:   created.CreatedAt,
	})
	return created, nil
}

// UpdateQuantity resizes an existing binding. An unchanged quantity is a
// no-op that writes nothing.
func (s *Service) UpdateQuantity(ctx context.Context, id AllocationID, quantity int) (Allocation, error) {
	const op = "update_quantity"
	if quantity <= 0 {
		err := invalidQuantity(quantity)
		s.decision("", op, err)
		return Allocation{}, err
	}

	current, err := s.store.GetAllocation(ctx, id)
	if err != nil {
		return Allocation{}, err
	}

	var (
		updated Allocation
		kind    Kind
		changed bool
		written []Transaction
	)
	err = s.locks.WithResourceLock(ctx, current.ResourceID, func(tx Store, r Resource) error {
		kind = r.Kind
		a, err := tx.GetAllocation(ctx, id)
		if err != nil {
			return err
		}
		if a.Quantity == quantity {
			updated = a
			return nil
		}
		ev, err := tx.GetEvent(ctx, a.EventID)
		if err != nil {
			return err
		}

		if err := NewRulesEngine(tx).Admit(ctx, Candidate{Resource: r, Event: ev, Quantity: quantity, Existing: &a}); err != nil {
			return err
		}

		if r.Kind == KindConsumable {
			delta := quantity - a.Quantity
			t := Transaction{
				ResourceID:  r.ID,
				Quantity:    -delta,
				Type:        TxAllocation,
				EffectiveAt: ev.Window.Start,
				EventID:     ev.ID,
				Note:        fmt.Sprintf("allocation %s resized %d -> %d", a.ID, a.Quantity, quantity),
			}
			if delta < 0 {
				t.Type = TxReturn
			}
			recorded, err := s.move(ctx, tx, t)
			if err != nil {
				return err
			}
			written = append(written, recorded)
		}

		now := s.clock.Now()
		if err := tx.UpdateAllocationQuantity(ctx, a.ID, quantity, now); err != nil {
			return err
		}
		a.Quantity = quantity
		a.UpdatedAt = now
		updated = a
		changed = true
		return nil
	})
	s.decision(kind, op, err)
	if err != nil {
		return Allocation{}, err
	}
	if !changed {
		return updated, nil
	}
	s.committed(written)

	s.notify(ctx, Notification{
		Type:         NotifyResized,
		ResourceID:   updated.ResourceID,
		EventID:      updated.EventID,
		AllocationID: updated.ID,
		Quantity:     updated.Quantity,
		OccurredAt:   updated.UpdatedAt,
	})
	return updated, nil
}

// Remove deletes a binding. For consumables the full quantity is credited
// back first; if that credit cannot be written the binding stays.
func (s *Service) Remove(ctx context.Context, id AllocationID) error {
	current, err := s.store.GetAllocation(ctx, id)
	if err != nil {
		return err
	}

	var (
		removed Allocation
		written []Transaction
	)
	err = s.locks.WithResourceLock(ctx, current.ResourceID, func(tx Store, r Resource) error {
		a, err := tx.GetAllocation(ctx, id)
		if err != nil {
			return err
		}
		if r.Kind == KindConsumable {
			ev, err := tx.GetEvent(ctx, a.EventID)
			if err != nil {
				return &ConsistencyError{Op: "remove", Err: err}
			}
			t, err := s.move(ctx, tx, Transaction{
				ResourceID:  r.ID,
				Quantity:    a.Quantity,
				Type:        TxReturn,
				EffectiveAt: ev.Window.Start,
				EventID:     ev.ID,
				Note:        fmt.Sprintf("allocation %s removed", a.ID),
			})
			if err != nil {
				return &ConsistencyError{Op: "remove", Err: err}
			}
			written = append(written, t)
		}
		removed = a
		return tx.DeleteAllocation(ctx, a.ID)
	})
	if err != nil {
		if errors.Is(err, ErrConsistencyFailure) {
			s.log.Error("remove aborted",
				zap.String("allocation_id", string(id)),
				zap.String("resource_id", string(current.ResourceID)),
				zap.Error(err))
		}
		return err
	}
	s.committed(written)

	s.notify(ctx, Notification{
		Type:         NotifyRemoved,
		ResourceID:   removed.ResourceID,
		EventID:      removed.EventID,
		AllocationID: removed.ID,
		Quantity:     removed.Quantity,
		OccurredAt:   s.clock.Now(),
	})
	return nil
}

// =============================================================================
// INVENTORY
// =============================================================================

type RestockInput struct {
	ResourceID  ResourceID
	Quantity    int
	EffectiveAt time.Time // zero = now
	Note        string
	ActorID     ActorID
}

func (s *Service) Restock(ctx context.Context, in RestockInput) (Transaction, error) {
	if in.Quantity <= 0 {
		return Transaction{}, invalidQuantity(in.Quantity)
	}
	r, err := s.store.GetResource(ctx, in.ResourceID)
	if err != nil {
		return Transaction{}, err
	}
	if r.Kind != KindConsumable {
		return Transaction{}, wrongKind(r, "restock")
	}
	effective := in.EffectiveAt
	if effective.IsZero() {
		effective = s.clock.Now()
	}

	var (
		written Transaction
		balance int
	)
	err = s.locks.WithResourceLock(ctx, r.ID, func(tx Store, _ Resource) error {
		t, err := s.move(ctx, tx, Transaction{
			ResourceID:  r.ID,
			Quantity:    in.Quantity,
			Type:        TxRestock,
			EffectiveAt: effective,
			Note:        in.Note,
			ActorID:     in.ActorID,
		})
		if err != nil {
			return err
		}
		written = t
		balance, err = tx.SumTransactions(ctx, r.ID, nil)
		return err
	})
	if err != nil {
		return Transaction{}, err
	}
	s.committed([]Transaction{written})

	s.notify(ctx, Notification{
		Type:       NotifyRestocked,
		ResourceID: r.ID,
		Quantity:   in.Quantity,
		Balance:    &balance,
		ActorID:    in.ActorID,
		OccurredAt: written.CreatedAt,
	})
	return written, nil
}

type AdjustmentInput struct {
	ResourceID ResourceID
	Target     int
	Note       string
	ActorID    ActorID
	Privileged bool
}

// Adjust sets the stock of a consumable to Target. The recorded delta is
// Target minus the ledger balance read under the lock, and is written even
// when zero.
func (s *Service) Adjust(ctx context.Context, in AdjustmentInput) (Transaction, error) {
	if !in.Privileged {
		return Transaction{}, fmt.Errorf("adjust resource %s: %w", in.ResourceID, ErrNotPrivileged)
	}
	if in.Target < 0 {
		return Transaction{}, &InvalidRequestError{
			Code:       CodeInvalidTarget,
			Message:    fmt.Sprintf("adjustment target must not be negative, got %d", in.Target),
			ResourceID: in.ResourceID,
		}
	}
	r, err := s.store.GetResource(ctx, in.ResourceID)
	if err != nil {
		return Transaction{}, err
	}
	if r.Kind != KindConsumable {
		return Transaction{}, wrongKind(r, "adjustment")
	}

	var written Transaction
	err = s.locks.WithResourceLock(ctx, r.ID, func(tx Store, locked Resource) error {
		sum, err := tx.SumTransactions(ctx, r.ID, nil)
		if err != nil {
			return err
		}
		written, err = s.ledger(tx).Append(ctx, Transaction{
			ResourceID: r.ID,
			Quantity:   in.Target - sum,
			Type:       TxAdjustment,
			Note:       in.Note,
			ActorID:    in.ActorID,
		})
		if err != nil {
			return err
		}
		if locked.CachedStock != sum {
			s.log.Warn("cached stock drift corrected by adjustment",
				zap.String("resource_id", string(r.ID)),
				zap.Int("cached", locked.CachedStock),
				zap.Int("ledger", sum))
		}
		return tx.SetCachedStock(ctx, r.ID, in.Target)
	})
	if err != nil {
		return Transaction{}, err
	}
	s.committed([]Transaction{written})

	target := in.Target
	s.notify(ctx, Notification{
		Type:       NotifyAdjusted,
		ResourceID: r.ID,
		Quantity:   written.Quantity,
		Balance:    &target,
		ActorID:    in.ActorID,
		OccurredAt: written.CreatedAt,
	})
	return written, nil
}

// =============================================================================
// QUERIES - No lock, may trail an in-flight write
// =============================================================================

func (s *Service) CurrentBalance(ctx context.Context, id ResourceID) (int, error) {
	r, err := s.store.GetResource(ctx, id)
	if err != nil {
		return 0, err
	}
	return s.balances().CurrentBalance(ctx, r)
}

func (s *Service) ProjectedBalance(ctx context.Context, id ResourceID, at time.Time) (int, error) {
	r, err := s.store.GetResource(ctx, id)
	if err != nil {
		return 0, err
	}
	return s.balances().ProjectedBalance(ctx, r, at)
}

func (s *Service) Usage(ctx context.Context, id ResourceID, at time.Time) (Usage, error) {
	r, err := s.store.GetResource(ctx, id)
	if err != nil {
		return Usage{}, err
	}
	return s.balances().UsageAt(ctx, r, at)
}

// Ledger returns the transactions of a resource in effective order.
func (s *Service) Ledger(ctx context.Context, id ResourceID) ([]Transaction, error) {
	if _, err := s.store.GetResource(ctx, id); err != nil {
		return nil, err
	}
	return s.store.Transactions(ctx, id)
}

func (s *Service) Resource(ctx context.Context, id ResourceID) (Resource, error) {
	return s.store.GetResource(ctx, id)
}

func (s *Service) Resources(ctx context.Context, kind Kind) ([]Resource, error) {
	return s.store.ListResources(ctx, kind)
}

func (s *Service) Event(ctx context.Context, id EventID) (Event, error) {
	return s.store.GetEvent(ctx, id)
}

func (s *Service) Allocation(ctx context.Context, id AllocationID) (Allocation, error) {
	return s.store.GetAllocation(ctx, id)
}

func (s *Service) Allocations(ctx context.Context, id ResourceID) ([]Allocation, error) {
	if _, err := s.store.GetResource(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListAllocations(ctx, id)
}

func (s *Service) EventAllocations(ctx context.Context, id EventID) ([]Allocation, error) {
	if _, err := s.store.GetEvent(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListEventAllocations(ctx, id)
}

// =============================================================================
// HELPERS
// =============================================================================

// precheck enforces organization scoping and the at-most-one binding rule.
// Allocate runs it on the base store for a fast rejection and again on the
// locked tx, where the answer is authoritative.
func precheck(ctx context.Context, st Store, r Resource, e Event) error {
	if !r.CanServe(e.OrganizationID) {
		return &InvalidRequestError{
			Code: CodeOrganizationMismatch,
			Message: fmt.Sprintf("resource %s belongs to organization %s, event %s to %s",
				r.ID, r.OrganizationID, e.ID, e.OrganizationID),
			ResourceID: r.ID,
		}
	}
	existing, err := st.FindAllocation(ctx, e.ID, r.ID)
	if err != nil {
		return err
	}
	if existing != nil {
		return &ConflictError{Reason: ReasonDuplicateBinding, ResourceID: r.ID, EventID: e.ID}
	}
	return nil
}

func (s *Service) ledger(tx Store) *Ledger {
	return &Ledger{Store: tx, Clock: s.clock, NewID: s.newID}
}

func (s *Service) balances() *BalanceCalculator {
	return &BalanceCalculator{Store: s.store}
}

// move appends a ledger transaction and applies it to the cached stock.
func (s *Service) move(ctx context.Context, tx Store, t Transaction) (Transaction, error) {
	t, err := s.ledger(tx).Append(ctx, t)
	if err != nil {
		return Transaction{}, err
	}
	if err := tx.IncrementCachedStock(ctx, t.ResourceID, t.Quantity); err != nil {
		return Transaction{}, fmt.Errorf("update cached stock: %w", err)
	}
	return t, nil
}

// committed records metrics for transactions that are now durable.
func (s *Service) committed(txs []Transaction) {
	for _, t := range txs {
		metrics.LedgerTransactions.WithLabelValues(string(t.Type)).Inc()
	}
}

func (s *Service) decision(kind Kind, op string, err error) {
	label := string(kind)
	if label == "" {
		label = "unknown"
	}
	out := outcome(err)
	metrics.AllocationDecisions.WithLabelValues(label, op, out).Inc()

	if err != nil && !IsClientError(err) {
		s.log.Error("allocation failed", zap.String("operation", op), zap.Error(err))
		return
	}
	s.log.Debug("allocation decision",
		zap.String("operation", op),
		zap.String("kind", label),
		zap.String("outcome", out),
		zap.Error(err))
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "admitted"
	case errors.Is(err, ErrConsistencyFailure):
		return "consistency_failure"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrInsufficientInventory):
		return "insufficient_inventory"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}

func (s *Service) notify(ctx context.Context, n Notification) {
	if err := s.notifier.Notify(ctx, n); err != nil {
		metrics.NotificationsDropped.Inc()
		s.log.Warn("notification not delivered",
			zap.String("type", string(n.Type)),
			zap.String("resource_id", string(n.ResourceID)),
			zap.Error(err))
	}
}
