package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedMutex_Exclusive(t *testing.T) {
	ctx := context.Background()
	m := NewKeyedMutex()

	release, err := m.TryLock(ctx, RebalanceKey("acc-1"))
	require.NoError(t, err)

	_, err = m.TryLock(ctx, RebalanceKey("acc-1"))
	assert.True(t, errors.Is(err, ErrLocked))

	// Other keys are independent.
	r2, err := m.TryLock(ctx, InventoryKey("acc-1"))
	require.NoError(t, err)
	r2()

	release()
	release() // idempotent

	r3, err := m.TryLock(ctx, RebalanceKey("acc-1"))
	require.NoError(t, err)
	r3()
}

func TestKeyedMutex_ConcurrentSingleWinner(t *testing.T) {
	ctx := context.Background()
	m := NewKeyedMutex()

	var wins atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	releases := make(chan func(), 50)

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if release, err := m.TryLock(ctx, "inventory:acc-1"); err == nil {
				wins.Add(1)
				releases <- release
			}
		}()
	}
	close(start)
	wg.Wait()
	close(releases)

	assert.Equal(t, int32(1), wins.Load())
	for r := range releases {
		r()
	}
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "rebalance:42", RebalanceKey("42"))
	assert.Equal(t, "inventory:42", InventoryKey("42"))
}
