package executor

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPool_invalidConfig(t *testing.T) {
	assert.Panics(t, func() { NewPool(&PoolConfig{MaxWorkers: -1}) })
	assert.Panics(t, func() { NewPool(&PoolConfig{KeepAlive: -1}) })
	assert.Panics(t, func() { NewPool(nil).Submit(nil) })
}

func TestPool_Submit_boundedWorkers(t *testing.T) {
	defer checkNumGoroutines(time.Second * 3)(t)

	pool := NewPool(&PoolConfig{MaxWorkers: 2, KeepAlive: time.Millisecond * 20})

	release := make(chan struct{})
	var (
		count   atomic.Int32
		current atomic.Int32
		peak    atomic.Int32
		wg      sync.WaitGroup
	)
	for range 10 {
		wg.Add(1)
		require.NoError(t, pool.Submit(func() {
			defer wg.Done()
			n := current.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			<-release
			current.Add(-1)
			count.Add(1)
		}))
	}

	stats := pool.Stats()
	assert.Equal(t, 2, stats.Workers)
	assert.Equal(t, 0, stats.Idle)

	close(release)
	wg.Wait()
	assert.Equal(t, int32(10), count.Load())
	assert.LessOrEqual(t, peak.Load(), int32(2))

	require.NoError(t, pool.Close())
	select {
	case <-pool.Done():
	case <-time.After(time.Second * 3):
		t.Fatal(`pool did not stop`)
	}
	assert.Equal(t, ErrStopped, pool.Submit(func() {}))
}

func TestPool_idleWorkersExit(t *testing.T) {
	defer checkNumGoroutines(time.Second * 3)(t)

	pool := NewPool(&PoolConfig{KeepAlive: time.Millisecond * 10})
	defer pool.Close()

	done := make(chan struct{})
	require.NoError(t, pool.Submit(func() { close(done) }))
	<-done

	require.Eventually(t, func() bool {
		return pool.Stats().Workers == 0
	}, time.Second*3, time.Millisecond*5)

	// workers restart on demand
	done = make(chan struct{})
	require.NoError(t, pool.Submit(func() { close(done) }))
	select {
	case <-done:
	case <-time.After(time.Second * 3):
		t.Fatal(`task did not run`)
	}
}

func TestPool_reusesIdleWorker(t *testing.T) {
	pool := newTestPool(t)
	pool.keepAlive = time.Second * 5

	for range 20 {
		done := make(chan struct{})
		require.NoError(t, pool.Submit(func() { close(done) }))
		<-done
		require.Eventually(t, func() bool { return pool.Stats().Idle == 1 }, time.Second, time.Millisecond)
	}
	assert.Equal(t, 1, pool.Stats().Workers)
}

func TestPool_Close_runsQueued(t *testing.T) {
	pool := NewPool(&PoolConfig{MaxWorkers: 1})
	block := make(chan struct{})
	var count atomic.Int32
	require.NoError(t, pool.Submit(func() { <-block }))
	for range 5 {
		require.NoError(t, pool.Submit(func() { count.Add(1) }))
	}
	assert.Equal(t, 5, pool.Stats().Queued)
	require.NoError(t, pool.Close())
	require.NoError(t, pool.Close())
	close(block)
	select {
	case <-pool.Done():
	case <-time.After(time.Second * 3):
		t.Fatal(`pool did not stop`)
	}
	assert.Equal(t, int32(5), count.Load())
}
