// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package executor

import (
	"io"
	"slices"
	"sync"
	"time"
)

// Concurrent runs tasks on a Pool, with no ordering guarantee.
type Concurrent struct {
	pool     *Pool
	opts     *executorOptions
	inFlight map[*PendingTask]struct{}
	drained  chan struct{}
	mu       sync.Mutex
	stopped  bool
}

// NewConcurrent initializes a new Concurrent executor. A panic will occur if
// pool is nil, or an option is invalid.
func NewConcurrent(pool *Pool, opts ...Option) *Concurrent {
	if pool == nil {
		panic(`executor: nil pool`)
	}
	cfg, err := resolveOptions(opts)
	if err != nil {
		panic(err)
	}
	return &Concurrent{
		pool:     pool,
		opts:     cfg,
		inFlight: make(map[*PendingTask]struct{}),
	}
}

// Execute schedules fn, returning immediately. ErrStopped is returned if Stop
// has been called.
func (x *Concurrent) Execute(fn func()) error {
	t := newPendingTask(fn, x.opts.taskTraces)
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.stopped {
		return ErrStopped
	}
	if err := x.pool.Submit(func() { x.run(t) }); err != nil {
		return err
	}
	x.inFlight[t] = struct{}{}
	return nil
}

func (x *Concurrent) run(t *PendingTask) {
	t.run(x.opts.logger, x.opts.name)
	x.mu.Lock()
	defer x.mu.Unlock()
	delete(x.inFlight, t)
	if len(x.inFlight) == 0 && x.drained != nil {
		close(x.drained)
		x.drained = nil
	}
}

// Stop prevents further tasks from being executed, then waits up to timeout
// for in-flight tasks to finish, returning true if they did.
func (x *Concurrent) Stop(timeout time.Duration) bool {
	x.mu.Lock()
	x.stopped = true
	if len(x.inFlight) == 0 {
		x.mu.Unlock()
		return true
	}
	if x.drained == nil {
		x.drained = make(chan struct{})
	}
	drained := x.drained
	x.mu.Unlock()
	return waitFor(drained, timeout)
}

// InFlight returns the number of tasks that have not finished.
func (x *Concurrent) InFlight() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.inFlight)
}

// Dump writes goroutine stacks and the in-flight tasks to w, returning false
// if it was skipped due to rate limiting.
func (x *Concurrent) Dump(w io.Writer) bool {
	if !x.opts.dumpLimiter.Allow() {
		return false
	}
	writeDump(w, `concurrent`, x.opts.name, x.snapshot())
	return true
}

func (x *Concurrent) snapshot() []*PendingTask {
	x.mu.Lock()
	tasks := make([]*PendingTask, 0, len(x.inFlight))
	for t := range x.inFlight {
		tasks = append(tasks, t)
	}
	x.mu.Unlock()
	slices.SortFunc(tasks, func(a, b *PendingTask) int { return a.created.Compare(b.created) })
	return tasks
}
