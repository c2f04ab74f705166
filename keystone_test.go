package keystone

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (k *Keystone) heldLocks() int {
	k.locksMu.Lock()
	defer k.locksMu.Unlock()
	return len(k.locks)
}

func TestRequestLocksAreReleased(t *testing.T) {
	k := New(nil)

	for _, key := range []string{"areq_a", "areq_b", "areq_c"} {
		k.lockRequest(key)()
	}
	assert.Zero(t, k.heldLocks())

	unlock := k.lockRequest("areq_a")
	assert.Equal(t, 1, k.heldLocks())
	unlock()
	assert.Zero(t, k.heldLocks())
}

func TestRequestLockExcludesWaiters(t *testing.T) {
	k := New(nil)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		overlap bool
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer k.lockRequest("areq_shared")()

			mu.Lock()
			inside++
			if inside > 1 {
				overlap = true
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inside--
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.False(t, overlap)
	assert.Zero(t, k.heldLocks(), "entry dropped after the last waiter")
}
