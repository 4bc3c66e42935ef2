/*
lock.go - Resource Lock Coordinator

PURPOSE:
  Serializes every admission-affecting mutation of one resource. The lock,
  the read-check and the write share one atomic unit so a second caller can
  never pass the same check against stale state.

TWO LAYERS:
  1. KeyedMutex: in-process, per-resource, context-aware. Different
     resources never contend.
  2. Store.LockResource inside TxStore.WithTx: the storage engine's row
     lock, which extends the guarantee across processes (Postgres FOR UPDATE).

RELEASE:
  Both layers are released on every exit path: the keyed mutex by defer,
  the row lock by commit or rollback.

FAIRNESS:
  Waiters block on a channel send. The runtime queues blocked senders in
  arrival order, so a waiter cannot be overtaken indefinitely.
*/
package allocation

import (
	"context"
	"sync"
	"time"
)

// =============================================================================
// KEYED MUTEX
// =============================================================================

type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	sem  chan struct{}
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedEntry)}
}

// Lock blocks until key is free or ctx is done. On success the returned
// function releases the lock; it must be called exactly once.
func (k *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{sem: make(chan struct{}, 1)}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
		return func() {
			<-e.sem
			k.done(key, e)
		}, nil
	case <-ctx.Done():
		k.done(key, e)
		return nil, ctx.Err()
	}
}

func (k *KeyedMutex) done(key string, e *keyedEntry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(k.locks, key)
	}
}

// Len returns the number of keys currently held or waited on.
func (k *KeyedMutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

// =============================================================================
// LOCK COORDINATOR
// =============================================================================

type LockCoordinator struct {
	store TxStore
	keys  *KeyedMutex

	// observeWait, when set, receives how long each acquisition waited.
	observeWait func(time.Duration)
}

func NewLockCoordinator(store TxStore) *LockCoordinator {
	return &LockCoordinator{store: store, keys: NewKeyedMutex()}
}

// WithResourceLock runs fn holding the exclusive lock on id, inside one
// atomic unit. fn receives the tx-scoped store and the resource as read
// under the lock. Any error from fn rolls back every write fn made.
//
// fn must not call WithResourceLock for the same resource.
func (c *LockCoordinator) WithResourceLock(ctx context.Context, id ResourceID, fn func(tx Store, r Resource) error) error {
	start := time.Now()
	release, err := c.keys.Lock(ctx, string(id))
	if err != nil {
		return err
	}
	defer release()
	if c.observeWait != nil {
		c.observeWait(time.Since(start))
	}

	return c.store.WithTx(ctx, func(tx Store) error {
		r, err := tx.LockResource(ctx, id)
		if err != nil {
			return err
		}
		return fn(tx, r)
	})
}
