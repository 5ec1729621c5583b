// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package executor

import (
	"sync"
	"time"

	"github.com/joeycumines/logiface"
	"golang.org/x/sync/semaphore"
)

const (
	// DefaultMaxWorkers is the default for PoolConfig.MaxWorkers.
	DefaultMaxWorkers = 256
	// DefaultKeepAlive is the default for PoolConfig.KeepAlive.
	DefaultKeepAlive = time.Second * 30
)

type (
	// PoolConfig models optional configuration, for NewPool.
	PoolConfig struct {
		// Logger is used for worker lifecycle events.
		Logger *logiface.Logger[logiface.Event]

		// MaxWorkers bounds the number of worker goroutines. Work beyond
		// this is queued, without bound.
		// **Defaults to DefaultMaxWorkers, if 0.**
		MaxWorkers int

		// KeepAlive is the time an idle worker waits for work, before
		// exiting.
		// **Defaults to DefaultKeepAlive, if 0.**
		KeepAlive time.Duration
	}

	// Pool is a cached pool of worker goroutines, shared by executors.
	// Workers are started on demand, and exit after being idle for the
	// keep-alive. Submit never blocks.
	Pool struct {
		logger    *logiface.Logger[logiface.Event]
		workers   *semaphore.Weighted
		wake      chan struct{}
		done      chan struct{}
		queue     []func()
		keepAlive time.Duration
		running   int
		idle      int
		mu        sync.Mutex
		closed    bool
	}

	// PoolStats is a snapshot of a Pool.
	PoolStats struct {
		Workers int
		Idle    int
		Queued  int
	}
)

// NewPool initializes a new Pool. The config may be nil. A panic will occur
// if the config is invalid.
func NewPool(config *PoolConfig) *Pool {
	maxWorkers := DefaultMaxWorkers
	x := Pool{
		keepAlive: DefaultKeepAlive,
		done:      make(chan struct{}),
	}
	if config != nil {
		x.logger = config.Logger
		if config.MaxWorkers < 0 || config.KeepAlive < 0 {
			panic(`executor: invalid pool config`)
		}
		if config.MaxWorkers != 0 {
			maxWorkers = config.MaxWorkers
		}
		if config.KeepAlive != 0 {
			x.keepAlive = config.KeepAlive
		}
	}
	x.workers = semaphore.NewWeighted(int64(maxWorkers))
	// at most one token per idle worker, so sends never block
	x.wake = make(chan struct{}, maxWorkers)
	return &x
}

// Submit schedules fn to run on a worker, returning ErrStopped if the pool
// is closed. A panic will occur if fn is nil. Panics from fn are not
// recovered, executors wrap their tasks.
func (x *Pool) Submit(fn func()) error {
	if fn == nil {
		panic(`executor: nil task`)
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return ErrStopped
	}
	x.queue = append(x.queue, fn)
	switch {
	case x.idle != 0:
		x.idle--
		x.wake <- struct{}{}
	case x.workers.TryAcquire(1):
		x.running++
		go x.worker()
	}
	return nil
}

// Close stops accepting work. Queued work still runs. Close returns
// immediately, see Done.
func (x *Pool) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return nil
	}
	x.closed = true
	// wake all idle workers, so they may exit
	for ; x.idle != 0; x.idle-- {
		x.wake <- struct{}{}
	}
	x.checkDoneLocked()
	return nil
}

// Done is closed once the pool is closed and all workers have exited.
func (x *Pool) Done() <-chan struct{} {
	return x.done
}

// Stats returns a snapshot of the pool.
func (x *Pool) Stats() PoolStats {
	x.mu.Lock()
	defer x.mu.Unlock()
	return PoolStats{
		Workers: x.running,
		Idle:    x.idle,
		Queued:  len(x.queue),
	}
}

func (x *Pool) checkDoneLocked() {
	if x.closed && x.running == 0 {
		select {
		case <-x.done:
		default:
			close(x.done)
		}
	}
}

func (x *Pool) worker() {
	defer x.workers.Release(1)

	timer := time.NewTimer(x.keepAlive)
	defer timer.Stop()

	x.logger.Debug().Log(`pool worker started`)

	for {
		x.mu.Lock()
		if len(x.queue) != 0 {
			fn := x.queue[0]
			x.queue[0] = nil
			x.queue = x.queue[1:]
			x.mu.Unlock()
			fn()
			continue
		}
		if x.closed {
			x.exitLocked()
			x.mu.Unlock()
			return
		}
		x.idle++
		x.mu.Unlock()

		timer.Reset(x.keepAlive)
		select {
		case <-x.wake:
			timer.Stop()
			continue
		case <-timer.C:
		}

		x.mu.Lock()
		select {
		case <-x.wake:
			// raced with Submit, which already accounted for us
			x.mu.Unlock()
			continue
		default:
		}
		x.idle--
		x.exitLocked()
		x.mu.Unlock()
		return
	}
}

func (x *Pool) exitLocked() {
	x.running--
	x.checkDoneLocked()
	x.logger.Debug().Log(`pool worker exited`)
}
