package workerspool

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gomlx/kernelkit/types/xsync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_WaitToStart(t *testing.T) {
	pool := New()
	pool.SetMaxParallelism(2)

	// With parallelism 2 the pool accepts up to 4 concurrent tasks
	// (goroutineToParallelismRatio), the 5th must wait for a slot.
	release := xsync.NewLatch()
	var running atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		pool.WaitToStart(func() {
			defer wg.Done()
			running.Add(1)
			release.Wait()
		})
	}

	started := xsync.NewLatch()
	go func() {
		wg.Add(1)
		pool.WaitToStart(func() {
			defer wg.Done()
			running.Add(1)
		})
		started.Trigger()
	}()

	select {
	case <-started.WaitChan():
		t.Fatal("5th task started while the pool was saturated")
	case <-time.After(50 * time.Millisecond):
		// Expected: the pool is full.
	}
	assert.Equal(t, int32(4), running.Load())

	release.Trigger()
	select {
	case <-started.WaitChan():
		// Expected: a slot freed up.
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for the 5th task to start")
	}
	wg.Wait()
	assert.Equal(t, int32(5), running.Load())
}

func TestPool_StartIfAvailable(t *testing.T) {
	pool := New()
	pool.SetMaxParallelism(1)

	release := xsync.NewLatch()
	var wg sync.WaitGroup
	for i := 0; i < goroutineToParallelismRatio; i++ {
		wg.Add(1)
		ok := pool.StartIfAvailable(func() {
			defer wg.Done()
			release.Wait()
		})
		require.True(t, ok)
	}
	assert.False(t, pool.StartIfAvailable(func() {}), "pool should be saturated")
	release.Trigger()
	wg.Wait()
}

func TestPool_Inline(t *testing.T) {
	pool := New()
	pool.SetMaxParallelism(0)
	require.False(t, pool.IsEnabled())

	// Disabled parallelism runs the task inline: it must have finished by
	// the time WaitToStart returns.
	var count atomic.Int32
	pool.WaitToStart(func() { count.Add(1) })
	assert.Equal(t, int32(1), count.Load())
}
