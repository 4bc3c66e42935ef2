package postgres_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/resource-engine/allocation"
	"github.com/warp/resource-engine/store/postgres"
)

// newStore connects to TEST_DATABASE_URL, skipping when it is unset or
// unreachable, and starts from empty tables.
func newStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, err := postgres.New(ctx, dsn, 8)
	if err != nil {
		t.Skipf("skipping Postgres integration tests: %v", err)
	}
	t.Cleanup(store.Close)
	require.NoError(t, store.Reset(ctx))
	return store
}

func at(h int) time.Time {
	return time.Date(2025, time.June, 10, h, 0, 0, 0, time.UTC)
}

func TestPostgres_LedgerAndBindings(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	limit := 3
	require.NoError(t, store.InsertResource(ctx, allocation.Resource{ID: "proj", Name: "Projectors", Kind: allocation.KindShareable, MaxConcurrentUsage: &limit, CreatedAt: at(1)}))
	require.NoError(t, store.InsertResource(ctx, allocation.Resource{ID: "badges", Name: "Badges", Kind: allocation.KindConsumable, CreatedAt: at(1)}))
	require.NoError(t, store.SaveEvent(ctx, allocation.Event{ID: "e1", Window: allocation.Window{Start: at(9), End: at(11)}}))

	r, err := store.GetResource(ctx, "proj")
	require.NoError(t, err)
	require.NotNil(t, r.MaxConcurrentUsage)
	assert.Equal(t, 3, *r.MaxConcurrentUsage)

	require.NoError(t, store.InsertAllocation(ctx, allocation.Allocation{ID: "a1", EventID: "e1", ResourceID: "proj", Quantity: 2, CreatedAt: at(2), UpdatedAt: at(2)}))
	err = store.InsertAllocation(ctx, allocation.Allocation{ID: "a2", EventID: "e1", ResourceID: "proj", Quantity: 1, CreatedAt: at(2), UpdatedAt: at(2)})
	assert.True(t, allocation.IsConflict(err))

	require.NoError(t, store.AppendTransaction(ctx, allocation.Transaction{ID: "t2", ResourceID: "badges", Quantity: -4, Type: allocation.TxAllocation, EffectiveAt: at(9), EventID: "e1", CreatedAt: at(3)}))
	require.NoError(t, store.AppendTransaction(ctx, allocation.Transaction{ID: "t1", ResourceID: "badges", Quantity: 10, Type: allocation.TxRestock, EffectiveAt: at(5), CreatedAt: at(3)}))

	txs, err := store.Transactions(ctx, "badges")
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, allocation.TransactionID("t1"), txs[0].ID)
	assert.Equal(t, allocation.EventID("e1"), txs[1].EventID)

	cut := at(8)
	sum, err := store.SumTransactions(ctx, "badges", &cut)
	require.NoError(t, err)
	assert.Equal(t, 10, sum)
	total, err := store.SumTransactions(ctx, "badges", nil)
	require.NoError(t, err)
	assert.Equal(t, 6, total)
}

func TestPostgres_ServiceShareableRace(t *testing.T) {
	// GIVEN: A shareable resource capped at 5 and 10 overlapping events
	// WHEN: Each event requests 1 unit concurrently
	// THEN: The row lock lets exactly 5 through

	ctx := context.Background()
	store := newStore(t)
	svc := allocation.NewService(store)

	limit := 5
	_, err := svc.CreateResource(ctx, allocation.CreateResourceInput{ID: "chairs", Name: "Chairs", Kind: allocation.KindShareable, MaxConcurrentUsage: &limit})
	require.NoError(t, err)
	ids := []allocation.EventID{"e0", "e1", "e2", "e3", "e4", "e5", "e6", "e7", "e8", "e9"}
	for _, id := range ids {
		_, err := svc.RegisterEvent(ctx, allocation.Event{ID: id, Window: allocation.Window{Start: at(9), End: at(12)}})
		require.NoError(t, err)
	}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for _, id := range ids {
		wg.Add(1)
		go func(id allocation.EventID) {
			defer wg.Done()
			_, err := svc.Allocate(ctx, id, "chairs", 1)
			if err != nil && !errors.Is(err, allocation.ErrConflict) {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}(id)
	}
	wg.Wait()
	assert.Equal(t, 5, ok)
}

func TestPostgres_ConcurrentDuplicateCreate(t *testing.T) {
	// GIVEN: 4 replicas loading the same catalog entry, initial stock 25
	// WHEN: They create it concurrently on separate services
	// THEN: One wins, the others get duplicate_id, and the ledger sum
	//       equals the cached stock

	ctx := context.Background()
	store := newStore(t)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		ok   int
		dups int
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			svc := allocation.NewService(store)
			_, err := svc.CreateResource(ctx, allocation.CreateResourceInput{
				ID: "badges", Name: "Badges", Kind: allocation.KindConsumable, InitialStock: 25,
			})
			var conflict *allocation.ConflictError
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.As(err, &conflict) && conflict.Reason == allocation.ReasonDuplicateID:
				dups++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, ok)
	assert.Equal(t, 3, dups)

	r, err := store.GetResource(ctx, "badges")
	require.NoError(t, err)
	sum, err := store.SumTransactions(ctx, "badges", nil)
	require.NoError(t, err)
	assert.Equal(t, 25, sum)
	assert.Equal(t, sum, r.CachedStock)
}

func TestPostgres_EventMoveSerialisedWithAllocate(t *testing.T) {
	// GIVEN: E1 holds a lock on its row inside an open tx
	// WHEN: Allocate(E1) runs concurrently
	// THEN: It waits for the tx, then sees the moved window and is refused
	//       because the room is held by E2 there

	ctx := context.Background()
	store := newStore(t)
	svc := allocation.NewService(store)

	_, err := svc.CreateResource(ctx, allocation.CreateResourceInput{ID: "room", Name: "Room", Kind: allocation.KindExclusive})
	require.NoError(t, err)
	_, err = svc.RegisterEvent(ctx, allocation.Event{ID: "e1", Window: allocation.Window{Start: at(9), End: at(10)}})
	require.NoError(t, err)
	_, err = svc.RegisterEvent(ctx, allocation.Event{ID: "e2", Window: allocation.Window{Start: at(12), End: at(13)}})
	require.NoError(t, err)
	_, err = svc.Allocate(ctx, "e2", "room", 1)
	require.NoError(t, err)

	allocated := make(chan error, 1)
	err = store.WithTx(ctx, func(tx allocation.Store) error {
		if _, err := tx.LockEvent(ctx, "e1"); err != nil {
			return err
		}
		go func() {
			_, err := svc.Allocate(ctx, "e1", "room", 1)
			allocated <- err
		}()
		select {
		case err := <-allocated:
			t.Errorf("allocate finished while the event was locked: %v", err)
			allocated <- err
		case <-time.After(200 * time.Millisecond):
		}
		return tx.SaveEvent(ctx, allocation.Event{ID: "e1", Window: allocation.Window{Start: at(12), End: at(13)}})
	})
	require.NoError(t, err)
	assert.ErrorIs(t, <-allocated, allocation.ErrConflict)
}

func TestPostgres_AuditRuns(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	require.NoError(t, store.SaveAuditRun(ctx, allocation.AuditRun{ID: "old", StartedAt: at(1), CompletedAt: at(1)}))
	require.NoError(t, store.SaveAuditRun(ctx, allocation.AuditRun{ID: "new", StartedAt: at(2), CompletedAt: at(2), Shortages: 3}))

	runs, err := store.ListAuditRuns(ctx, 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "new", runs[0].ID)
	assert.Equal(t, 3, runs[0].Shortages)
}
