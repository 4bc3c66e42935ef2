package allocation_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/resource-engine/allocation"
	"github.com/warp/resource-engine/allocation/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var now = time.Date(2025, time.January, 1, 8, 0, 0, 0, time.UTC)

// june10 returns an instant on the day the scenario events take place.
func june10(hour, minute int) time.Time {
	return time.Date(2025, time.June, 10, hour, minute, 0, 0, time.UTC)
}

type recordingNotifier struct {
	mu    sync.Mutex
	notes []allocation.Notification
	err   error
}

func (r *recordingNotifier) Notify(_ context.Context, n allocation.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
	return r.err
}

func (r *recordingNotifier) types() []allocation.NotificationType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]allocation.NotificationType, len(r.notes))
	for i, n := range r.notes {
		out[i] = n.Type
	}
	return out
}

type fixture struct {
	t     *testing.T
	ctx   context.Context
	mem   *store.Memory
	svc   *allocation.Service
	notes *recordingNotifier
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWithStore(t, store.NewMemory(), nil)
}

// newFixtureWithStore lets a test wrap the memory store; tx may be nil.
func newFixtureWithStore(t *testing.T, mem *store.Memory, tx allocation.TxStore) *fixture {
	if tx == nil {
		tx = mem
	}
	notes := &recordingNotifier{}
	svc := allocation.NewService(tx,
		allocation.WithClock(allocation.FixedClock(now)),
		allocation.WithNotifier(notes),
	)
	return &fixture{t: t, ctx: context.Background(), mem: mem, svc: svc, notes: notes}
}

func (f *fixture) exclusive(name string) allocation.Resource {
	r, err := f.svc.CreateResource(f.ctx, allocation.CreateResourceInput{Name: name, Kind: allocation.KindExclusive})
	require.NoError(f.t, err)
	return r
}

func (f *fixture) shareable(name string, limit int) allocation.Resource {
	r, err := f.svc.CreateResource(f.ctx, allocation.CreateResourceInput{
		Name:               name,
		Kind:               allocation.KindShareable,
		MaxConcurrentUsage: &limit,
	})
	require.NoError(f.t, err)
	return r
}

func (f *fixture) consumable(name string) allocation.Resource {
	r, err := f.svc.CreateResource(f.ctx, allocation.CreateResourceInput{Name: name, Kind: allocation.KindConsumable})
	require.NoError(f.t, err)
	return r
}

func (f *fixture) restock(id allocation.ResourceID, qty int, at time.Time) {
	_, err := f.svc.Restock(f.ctx, allocation.RestockInput{ResourceID: id, Quantity: qty, EffectiveAt: at})
	require.NoError(f.t, err)
}

func (f *fixture) event(id string, start, end time.Time) allocation.Event {
	e, err := f.svc.RegisterEvent(f.ctx, allocation.Event{
		ID:     allocation.EventID(id),
		Name:   id,
		Window: allocation.Window{Start: start, End: end},
	})
	require.NoError(f.t, err)
	return e
}

func (f *fixture) balance(id allocation.ResourceID) int {
	b, err := f.svc.CurrentBalance(f.ctx, id)
	require.NoError(f.t, err)
	return b
}

// =============================================================================
// SCENARIOS
// =============================================================================

func TestScenarioA_Exclusive_OverlapRejected_BoundaryTouchAdmitted(t *testing.T) {
	// GIVEN: An exclusive room booked by E1 over [10:00, 11:00)
	// WHEN: E2 [10:30, 11:30) and E3 [11:00, 12:00) request it
	// THEN: E2 conflicts, E3 succeeds because touching is not overlapping

	f := newFixture(t)
	room := f.exclusive("room-a")
	e1 := f.event("E1", june10(10, 0), june10(11, 0))
	e2 := f.event("E2", june10(10, 30), june10(11, 30))
	e3 := f.event("E3", june10(11, 0), june10(12, 0))

	_, err := f.svc.Allocate(f.ctx, e1.ID, room.ID, 1)
	require.NoError(t, err)

	_, err = f.svc.Allocate(f.ctx, e2.ID, room.ID, 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, allocation.ErrConflict)
	var conflict *allocation.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, allocation.ReasonExclusiveOverlap, conflict.Reason)
	assert.Equal(t, []allocation.EventID{"E1"}, conflict.ConflictingEvents)

	_, err = f.svc.Allocate(f.ctx, e3.ID, room.ID, 1)
	assert.NoError(t, err, "boundary touch must not count as overlap")

	allocs, err := f.svc.Allocations(f.ctx, room.ID)
	require.NoError(t, err)
	assert.Len(t, allocs, 2)
}

func TestScenarioB_Shareable_FourthOverlappingEventExceedsCap(t *testing.T) {
	// GIVEN: A shareable projector pool with cap 3
	// WHEN: Four events overlapping 10:45 each request 1
	// THEN: The first three succeed, the fourth exceeds max concurrent usage

	f := newFixture(t)
	pool := f.shareable("projectors", 3)
	events := []allocation.Event{
		f.event("E1", june10(9, 0), june10(11, 0)),
		f.event("E2", june10(10, 0), june10(12, 0)),
		f.event("E3", june10(10, 30), june10(11, 0)),
		f.event("E4", june10(10, 45), june10(13, 0)),
	}

	for _, e := range events[:3] {
		_, err := f.svc.Allocate(f.ctx, e.ID, pool.ID, 1)
		require.NoError(t, err, "event %s should fit", e.ID)
	}

	_, err := f.svc.Allocate(f.ctx, events[3].ID, pool.ID, 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, allocation.ErrConflict)
	assert.Contains(t, err.Error(), "exceeds max concurrent usage")

	var conflict *allocation.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, allocation.ReasonCapacityExceeded, conflict.Reason)
	assert.Equal(t, 3, conflict.InUse)
	assert.Equal(t, 1, conflict.Requested)
	assert.Equal(t, 3, conflict.Limit)
}

// scenarioC restocks 100 badges on D0 and allocates 60 to an event on D1.
func scenarioC(t *testing.T) (*fixture, allocation.Resource, allocation.Allocation) {
	f := newFixture(t)
	badges := f.consumable("badges")
	d0 := time.Date(2025, time.May, 1, 0, 0, 0, 0, time.UTC)
	f.restock(badges.ID, 100, d0)

	conf := f.event("conference", june10(9, 0), june10(18, 0))
	a, err := f.svc.Allocate(f.ctx, conf.ID, badges.ID, 60)
	require.NoError(t, err)
	return f, badges, a
}

func TestScenarioC_Consumable_InsufficientInventoryCitesAvailable(t *testing.T) {
	// GIVEN: 100 badges restocked on D0, 60 allocated to an event on D1 > D0
	// WHEN: Another event at a later time requests 50
	// THEN: Current balance is 40 and the request fails citing 40 vs 50

	f, badges, _ := scenarioC(t)
	assert.Equal(t, 40, f.balance(badges.ID))

	later := f.event("workshop", june10(14, 0), june10(16, 0))
	_, err := f.svc.Allocate(f.ctx, later.ID, badges.ID, 50)
	require.Error(t, err)
	assert.ErrorIs(t, err, allocation.ErrInsufficientInventory)

	var short *allocation.InsufficientInventoryError
	require.ErrorAs(t, err, &short)
	assert.Equal(t, 40, short.Available)
	assert.Equal(t, 50, short.Requested)
	assert.Equal(t, 10, short.Shortfall())
	assert.Equal(t, 40, f.balance(badges.ID), "rejection must not write")
}

func TestScenarioD_Consumable_UpdateCreditsOldQuantity(t *testing.T) {
	// GIVEN: Scenario C's allocation of 60
	// WHEN: It is raised to 80
	// THEN: 40 + 60 = 100 >= 80 admits it and the balance becomes 20

	f, badges, a := scenarioC(t)

	updated, err := f.svc.UpdateQuantity(f.ctx, a.ID, 80)
	require.NoError(t, err)
	assert.Equal(t, 80, updated.Quantity)
	assert.Equal(t, 20, f.balance(badges.ID))

	ledger, err := f.svc.Ledger(f.ctx, badges.ID)
	require.NoError(t, err)
	last := ledger[len(ledger)-1]
	assert.Equal(t, allocation.TxAllocation, last.Type)
	assert.Equal(t, -20, last.Quantity)
	assert.Equal(t, june10(9, 0), last.EffectiveAt)
}

func TestScenarioE_Consumable_RemoveReturnsFullQuantity(t *testing.T) {
	// GIVEN: Scenario D's allocation of 80
	// WHEN: It is removed
	// THEN: A Return(+80) is recorded and the balance is back to 100

	f, badges, a := scenarioC(t)
	_, err := f.svc.UpdateQuantity(f.ctx, a.ID, 80)
	require.NoError(t, err)

	require.NoError(t, f.svc.Remove(f.ctx, a.ID))
	assert.Equal(t, 100, f.balance(badges.ID))

	ledger, err := f.svc.Ledger(f.ctx, badges.ID)
	require.NoError(t, err)
	last := ledger[len(ledger)-1]
	assert.Equal(t, allocation.TxReturn, last.Type)
	assert.Equal(t, 80, last.Quantity)
	assert.Equal(t, a.EventID, last.EventID)

	_, err = f.svc.Allocation(f.ctx, a.ID)
	assert.True(t, allocation.IsNotFound(err))
}

// =============================================================================
// FAILURE INJECTION
// =============================================================================

// faultyStore wraps the memory store and lets a test break the tx view.
type faultyStore struct {
	*store.Memory
	failReturn   bool
	cancelInsert context.CancelFunc
}

func (s *faultyStore) WithTx(ctx context.Context, fn func(allocation.Store) error) error {
	return s.Memory.WithTx(ctx, func(tx allocation.Store) error {
		return fn(&faultyTx{Store: tx, parent: s})
	})
}

type faultyTx struct {
	allocation.Store
	parent *faultyStore
}

func (tx *faultyTx) AppendTransaction(ctx context.Context, t allocation.Transaction) error {
	if tx.parent.failReturn && t.Type == allocation.TxReturn {
		return errors.New("ledger unavailable")
	}
	return tx.Store.AppendTransaction(ctx, t)
}

func (tx *faultyTx) InsertAllocation(ctx context.Context, a allocation.Allocation) error {
	if tx.parent.cancelInsert != nil {
		tx.parent.cancelInsert()
	}
	return tx.Store.InsertAllocation(ctx, a)
}
