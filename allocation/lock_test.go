package allocation

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	// GIVEN: 20 goroutines incrementing a counter under the same key
	// THEN: No two are ever inside the critical section together

	km := NewKeyedMutex()
	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := km.Lock(context.Background(), "r1")
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			release()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
	assert.Equal(t, 0, km.Len(), "entries are dropped once nobody holds or waits")
}

func TestKeyedMutex_DifferentKeysDoNotContend(t *testing.T) {
	km := NewKeyedMutex()
	release, err := km.Lock(context.Background(), "r1")
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	other, err := km.Lock(ctx, "r2")
	require.NoError(t, err, "r2 must not wait for r1")
	other()
}

func TestKeyedMutex_WaiterGivesUpOnContextDone(t *testing.T) {
	// GIVEN: r1 is held
	// WHEN: A second caller waits with a short deadline
	// THEN: It gets the context error and leaves no entry behind after release

	km := NewKeyedMutex()
	release, err := km.Lock(context.Background(), "r1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = km.Lock(ctx, "r1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	assert.Equal(t, 0, km.Len())

	again, err := km.Lock(context.Background(), "r1")
	require.NoError(t, err, "lock is reusable after a waiter gave up")
	again()
}

func TestKeyedMutex_ReleasedWhenHolderPanics(t *testing.T) {
	km := NewKeyedMutex()

	func() {
		defer func() { _ = recover() }()
		release, err := km.Lock(context.Background(), "r1")
		require.NoError(t, err)
		defer release()
		panic("boom")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	release, err := km.Lock(ctx, "r1")
	require.NoError(t, err)
	release()
}
