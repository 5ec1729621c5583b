// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package peer

import (
	"runtime"
	"sync"
	"sync/atomic"
	"weak"

	"github.com/joeycumines/logiface"
)

// Lock is a mutex scoped to the lifetime of a handle, see LockManager.
type Lock struct {
	sync.Mutex
	handle Handle
	seq    uint64
}

// Handle returns the handle the lock was created for.
func (x *Lock) Handle() Handle {
	return x.handle
}

// LockManager lazily creates one Lock per handle. It holds locks weakly: once
// a lock becomes unreachable, a background reaper removes it, and the next
// call to GetLock for the same handle returns a new lock.
//
// The reaper goroutine starts with the first lock, and exits once the table
// is empty.
type LockManager struct {
	table *lockTable
}

type lockTable struct {
	logger  *logiface.Logger[logiface.Event]
	locks   map[Handle]weak.Pointer[Lock]
	dead    []Handle
	signal  chan struct{}
	done    chan struct{}
	seq     atomic.Uint64
	mu      sync.Mutex
	running bool
}

// NewLockManager initializes a LockManager. The logger may be nil.
func NewLockManager(logger *logiface.Logger[logiface.Event]) *LockManager {
	return &LockManager{table: &lockTable{
		logger: logger,
		locks:  make(map[Handle]weak.Pointer[Lock]),
		signal: make(chan struct{}, 1),
	}}
}

// GetLock returns the lock for the handle, creating it if necessary. The
// caller must retain the returned value while it is in use.
func (x *LockManager) GetLock(h Handle) *Lock {
	t := x.table
	t.mu.Lock()
	defer t.mu.Unlock()

	if ref, ok := t.locks[h]; ok {
		if l := ref.Value(); l != nil {
			return l
		}
	}

	l := &Lock{handle: h, seq: t.seq.Add(1)}
	t.locks[h] = weak.Make(l)
	// the cleanup must not reference l
	runtime.AddCleanup(l, t.enqueue, h)

	if !t.running {
		t.running = true
		t.done = make(chan struct{})
		go t.reap(t.done)
		t.logger.Debug().Log(`lock reaper started`)
	}

	return l
}

// ReleaseLock removes the lock for the handle, if any. Subsequent calls to
// GetLock return a new lock, even if the old one is still referenced.
func (x *LockManager) ReleaseLock(h Handle) {
	t := x.table
	t.mu.Lock()
	delete(t.locks, h)
	empty := len(t.locks) == 0
	t.mu.Unlock()
	if empty {
		t.wake()
	}
}

// Len returns the number of locks currently tracked.
func (x *LockManager) Len() int {
	x.table.mu.Lock()
	defer x.table.mu.Unlock()
	return len(x.table.locks)
}

// reaperDone returns the channel closed when the current reaper exits, or nil
func (x *LockManager) reaperDone() <-chan struct{} {
	x.table.mu.Lock()
	defer x.table.mu.Unlock()
	if !x.table.running {
		return nil
	}
	return x.table.done
}

// enqueue is called by the runtime, once a lock is unreachable
func (t *lockTable) enqueue(h Handle) {
	t.mu.Lock()
	t.dead = append(t.dead, h)
	t.mu.Unlock()
	t.wake()
}

func (t *lockTable) wake() {
	select {
	case t.signal <- struct{}{}:
	default:
	}
}

func (t *lockTable) reap(done chan struct{}) {
	defer close(done)
	for range t.signal {
		if t.drain() {
			t.logger.Debug().Log(`lock reaper stopped`)
			return
		}
	}
}

// drain removes dead entries, returning true if the reaper must stop
func (t *lockTable) drain() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, h := range t.dead {
		// the entry may have been replaced by a live lock
		if ref, ok := t.locks[h]; ok && ref.Value() == nil {
			delete(t.locks, h)
		}
	}
	clear(t.dead)
	t.dead = t.dead[:0]

	if len(t.locks) == 0 {
		t.running = false
		return true
	}
	return false
}
