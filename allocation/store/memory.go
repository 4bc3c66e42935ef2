// Package store provides the in-memory Store implementation.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/resource-engine/allocation"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps everything in maps guarded by one RWMutex. Atomic units hold
// the write lock for their whole duration, so it behaves like a single-writer
// engine: correct, but units on different resources do not run in parallel.
type Memory struct {
	mu sync.RWMutex
	st *state
}

func NewMemory() *Memory {
	return &Memory{st: newState()}
}

var (
	_ allocation.TxStore       = (*Memory)(nil)
	_ allocation.AuditRunStore = (*Memory)(nil)
)

// Reset clears all data (for testing/demo).
func (m *Memory) Reset(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st = newState()
	return nil
}

func (m *Memory) SaveAuditRun(_ context.Context, run allocation.AuditRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.runs = append(m.st.runs, run)
	return nil
}

// ListAuditRuns returns the most recent runs first. limit <= 0 means all.
func (m *Memory) ListAuditRuns(_ context.Context, limit int) ([]allocation.AuditRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := len(m.st.runs)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]allocation.AuditRun, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, m.st.runs[i])
	}
	return out, nil
}

func (m *Memory) InsertResource(ctx context.Context, r allocation.Resource) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.InsertResource(ctx, r)
}

func (m *Memory) GetResource(ctx context.Context, id allocation.ResourceID) (allocation.Resource, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.GetResource(ctx, id)
}

func (m *Memory) ListResources(ctx context.Context, kind allocation.Kind) ([]allocation.Resource, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.ListResources(ctx, kind)
}

func (m *Memory) LockResource(ctx context.Context, id allocation.ResourceID) (allocation.Resource, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.LockResource(ctx, id)
}

func (m *Memory) IncrementCachedStock(ctx context.Context, id allocation.ResourceID, delta int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.IncrementCachedStock(ctx, id, delta)
}

func (m *Memory) SetCachedStock(ctx context.Context, id allocation.ResourceID, stock int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.SetCachedStock(ctx, id, stock)
}

func (m *Memory) SaveEvent(ctx context.Context, e allocation.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.SaveEvent(ctx, e)
}

func (m *Memory) GetEvent(ctx context.Context, id allocation.EventID) (allocation.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.GetEvent(ctx, id)
}

func (m *Memory) LockEvent(ctx context.Context, id allocation.EventID) (allocation.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.LockEvent(ctx, id)
}

func (m *Memory) InsertAllocation(ctx context.Context, a allocation.Allocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.InsertAllocation(ctx, a)
}

func (m *Memory) GetAllocation(ctx context.Context, id allocation.AllocationID) (allocation.Allocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.GetAllocation(ctx, id)
}

func (m *Memory) FindAllocation(ctx context.Context, eventID allocation.EventID, resourceID allocation.ResourceID) (*allocation.Allocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.FindAllocation(ctx, eventID, resourceID)
}

func (m *Memory) ListAllocations(ctx context.Context, resourceID allocation.ResourceID) ([]allocation.Allocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.ListAllocations(ctx, resourceID)
}

func (m *Memory) ListEventAllocations(ctx context.Context, eventID allocation.EventID) ([]allocation.Allocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.ListEventAllocations(ctx, eventID)
}

func (m *Memory) OverlappingAllocations(ctx context.Context, resourceID allocation.ResourceID, w allocation.Window, excludeEvent allocation.EventID) ([]allocation.Allocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.OverlappingAllocations(ctx, resourceID, w, excludeEvent)
}

func (m *Memory) UpdateAllocationQuantity(ctx context.Context, id allocation.AllocationID, quantity int, updatedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.UpdateAllocationQuantity(ctx, id, quantity, updatedAt)
}

func (m *Memory) DeleteAllocation(ctx context.Context, id allocation.AllocationID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.DeleteAllocation(ctx, id)
}

// AppendTransaction adds a single transaction. Append-only.
func (m *Memory) AppendTransaction(ctx context.Context, tx allocation.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.AppendTransaction(ctx, tx)
}

func (m *Memory) Transactions(ctx context.Context, resourceID allocation.ResourceID) ([]allocation.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.Transactions(ctx, resourceID)
}

func (m *Memory) SumTransactions(ctx context.Context, resourceID allocation.ResourceID, at *time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.SumTransactions(ctx, resourceID, at)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
// For the memory store, this is simulated with a snapshot + rollback on error,
// on a cancelled ctx, or on panic.
func (m *Memory) WithTx(ctx context.Context, fn func(allocation.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	snapshot := m.st.clone()
	committed := false
	defer func() {
		if !committed {
			m.st = snapshot
		}
	}()

	// The state itself is the transactional view; the write lock is held.
	if err := fn(m.st); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	committed = true
	return nil
}

// =============================================================================
// STATE - Unsynchronised store, used directly as the tx view
// =============================================================================

type bindingKey struct {
	EventID    allocation.EventID
	ResourceID allocation.ResourceID
}

type state struct {
	resources   map[allocation.ResourceID]allocation.Resource
	events      map[allocation.EventID]allocation.Event
	allocations map[allocation.AllocationID]allocation.Allocation
	bindings    map[bindingKey]allocation.AllocationID
	ledger      map[allocation.ResourceID][]allocation.Transaction
	txIDs       map[allocation.TransactionID]bool
	runs        []allocation.AuditRun
}

func newState() *state {
	return &state{
		resources:   make(map[allocation.ResourceID]allocation.Resource),
		events:      make(map[allocation.EventID]allocation.Event),
		allocations: make(map[allocation.AllocationID]allocation.Allocation),
		bindings:    make(map[bindingKey]allocation.AllocationID),
		ledger:      make(map[allocation.ResourceID][]allocation.Transaction),
		txIDs:       make(map[allocation.TransactionID]bool),
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.resources {
		if v.MaxConcurrentUsage != nil {
			limit := *v.MaxConcurrentUsage
			v.MaxConcurrentUsage = &limit
		}
		c.resources[k] = v
	}
	for k, v := range s.events {
		c.events[k] = v
	}
	for k, v := range s.allocations {
		c.allocations[k] = v
	}
	for k, v := range s.bindings {
		c.bindings[k] = v
	}
	for k, v := range s.ledger {
		c.ledger[k] = append([]allocation.Transaction{}, v...)
	}
	for k, v := range s.txIDs {
		c.txIDs[k] = v
	}
	c.runs = append(c.runs, s.runs...)
	return c
}

func (s *state) InsertResource(_ context.Context, r allocation.Resource) error {
	if _, exists := s.resources[r.ID]; exists {
		return &allocation.ConflictError{Reason: allocation.ReasonDuplicateID, ResourceID: r.ID}
	}
	if r.MaxConcurrentUsage != nil {
		limit := *r.MaxConcurrentUsage
		r.MaxConcurrentUsage = &limit
	}
	s.resources[r.ID] = r
	return nil
}

func (s *state) GetResource(_ context.Context, id allocation.ResourceID) (allocation.Resource, error) {
	r, ok := s.resources[id]
	if !ok {
		return allocation.Resource{}, &allocation.NotFoundError{Entity: "resource", ID: string(id)}
	}
	return r, nil
}

func (s *state) ListResources(_ context.Context, kind allocation.Kind) ([]allocation.Resource, error) {
	var out []allocation.Resource
	for _, r := range s.resources {
		if kind == "" || r.Kind == kind {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// LockResource is a plain read; the caller already holds the write lock.
func (s *state) LockResource(ctx context.Context, id allocation.ResourceID) (allocation.Resource, error) {
	return s.GetResource(ctx, id)
}

func (s *state) IncrementCachedStock(_ context.Context, id allocation.ResourceID, delta int) error {
	r, ok := s.resources[id]
	if !ok {
		return &allocation.NotFoundError{Entity: "resource", ID: string(id)}
	}
	r.CachedStock += delta
	s.resources[id] = r
	return nil
}

func (s *state) SetCachedStock(_ context.Context, id allocation.ResourceID, stock int) error {
	r, ok := s.resources[id]
	if !ok {
		return &allocation.NotFoundError{Entity: "resource", ID: string(id)}
	}
	r.CachedStock = stock
	s.resources[id] = r
	return nil
}

func (s *state) SaveEvent(_ context.Context, e allocation.Event) error {
	s.events[e.ID] = e
	return nil
}

func (s *state) GetEvent(_ context.Context, id allocation.EventID) (allocation.Event, error) {
	e, ok := s.events[id]
	if !ok {
		return allocation.Event{}, &allocation.NotFoundError{Entity: "event", ID: string(id)}
	}
	return e, nil
}

// LockEvent is a plain read; the caller already holds the write lock.
func (s *state) LockEvent(ctx context.Context, id allocation.EventID) (allocation.Event, error) {
	return s.GetEvent(ctx, id)
}

func (s *state) InsertAllocation(_ context.Context, a allocation.Allocation) error {
	k := bindingKey{EventID: a.EventID, ResourceID: a.ResourceID}
	if _, exists := s.bindings[k]; exists {
		return &allocation.ConflictError{
			Reason:     allocation.ReasonDuplicateBinding,
			ResourceID: a.ResourceID,
			EventID:    a.EventID,
		}
	}
	s.allocations[a.ID] = a
	s.bindings[k] = a.ID
	return nil
}

func (s *state) GetAllocation(_ context.Context, id allocation.AllocationID) (allocation.Allocation, error) {
	a, ok := s.allocations[id]
	if !ok {
		return allocation.Allocation{}, &allocation.NotFoundError{Entity: "allocation", ID: string(id)}
	}
	return a, nil
}

func (s *state) FindAllocation(_ context.Context, eventID allocation.EventID, resourceID allocation.ResourceID) (*allocation.Allocation, error) {
	id, ok := s.bindings[bindingKey{EventID: eventID, ResourceID: resourceID}]
	if !ok {
		return nil, nil
	}
	a := s.allocations[id]
	return &a, nil
}

func (s *state) ListAllocations(_ context.Context, resourceID allocation.ResourceID) ([]allocation.Allocation, error) {
	return s.filterAllocations(func(a allocation.Allocation) bool { return a.ResourceID == resourceID }), nil
}

func (s *state) ListEventAllocations(_ context.Context, eventID allocation.EventID) ([]allocation.Allocation, error) {
	return s.filterAllocations(func(a allocation.Allocation) bool { return a.EventID == eventID }), nil
}

func (s *state) OverlappingAllocations(_ context.Context, resourceID allocation.ResourceID, w allocation.Window, excludeEvent allocation.EventID) ([]allocation.Allocation, error) {
	return s.filterAllocations(func(a allocation.Allocation) bool {
		if a.ResourceID != resourceID || a.EventID == excludeEvent {
			return false
		}
		e, ok := s.events[a.EventID]
		return ok && e.Window.Overlaps(w)
	}), nil
}

func (s *state) filterAllocations(keep func(allocation.Allocation) bool) []allocation.Allocation {
	var out []allocation.Allocation
	for _, a := range s.allocations {
		if keep(a) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *state) UpdateAllocationQuantity(_ context.Context, id allocation.AllocationID, quantity int, updatedAt time.Time) error {
	a, ok := s.allocations[id]
	if !ok {
		return &allocation.NotFoundError{Entity: "allocation", ID: string(id)}
	}
	a.Quantity = quantity
	a.UpdatedAt = updatedAt
	s.allocations[id] = a
	return nil
}

func (s *state) DeleteAllocation(_ context.Context, id allocation.AllocationID) error {
	a, ok := s.allocations[id]
	if !ok {
		return &allocation.NotFoundError{Entity: "allocation", ID: string(id)}
	}
	delete(s.allocations, id)
	delete(s.bindings, bindingKey{EventID: a.EventID, ResourceID: a.ResourceID})
	return nil
}

func (s *state) AppendTransaction(_ context.Context, tx allocation.Transaction) error {
	if s.txIDs[tx.ID] {
		return &allocation.ConflictError{Reason: allocation.ReasonDuplicateID, ResourceID: tx.ResourceID}
	}
	txs := s.ledger[tx.ResourceID]

	// Binary search for insertion point; equal effective dates keep write order.
	i := sort.Search(len(txs), func(i int) bool {
		return txs[i].EffectiveAt.After(tx.EffectiveAt)
	})
	txs = append(txs, allocation.Transaction{})
	copy(txs[i+1:], txs[i:])
	txs[i] = tx
	s.ledger[tx.ResourceID] = txs
	s.txIDs[tx.ID] = true
	return nil
}

func (s *state) Transactions(_ context.Context, resourceID allocation.ResourceID) ([]allocation.Transaction, error) {
	result := make([]allocation.Transaction, len(s.ledger[resourceID]))
	copy(result, s.ledger[resourceID])
	return result, nil
}

func (s *state) SumTransactions(_ context.Context, resourceID allocation.ResourceID, at *time.Time) (int, error) {
	sum := 0
	for _, tx := range s.ledger[resourceID] {
		if at != nil && tx.EffectiveAt.After(*at) {
			break
		}
		sum += tx.Quantity
	}
	return sum, nil
}
