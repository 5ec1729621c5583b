// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package executor

import (
	"io"
	"sync"
	"time"
)

// Serial runs tasks one at a time, in submission order, on a Pool. At most
// one task is scheduled on the pool at any time.
type Serial struct {
	pool    *Pool
	opts    *executorOptions
	running *PendingTask
	drained chan struct{}
	queue   []*PendingTask
	mu      sync.Mutex
	stopped bool
}

// NewSerial initializes a new Serial executor. A panic will occur if pool is
// nil, or an option is invalid.
func NewSerial(pool *Pool, opts ...Option) *Serial {
	if pool == nil {
		panic(`executor: nil pool`)
	}
	cfg, err := resolveOptions(opts)
	if err != nil {
		panic(err)
	}
	return &Serial{pool: pool, opts: cfg}
}

// Execute queues fn, returning immediately. ErrStopped is returned if Stop
// has been called.
func (x *Serial) Execute(fn func()) error {
	t := newPendingTask(fn, x.opts.taskTraces)
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.stopped {
		return ErrStopped
	}
	if x.running != nil {
		x.queue = append(x.queue, t)
		return nil
	}
	x.running = t
	if err := x.pool.Submit(func() { x.run(t) }); err != nil {
		x.running = nil
		return err
	}
	return nil
}

func (x *Serial) run(t *PendingTask) {
	t.run(x.opts.logger, x.opts.name)

	x.mu.Lock()
	defer x.mu.Unlock()

	for len(x.queue) != 0 {
		next := x.queue[0]
		x.queue[0] = nil
		x.queue = x.queue[1:]
		x.running = next
		if err := x.pool.Submit(func() { x.run(next) }); err == nil {
			return
		}
		x.opts.logger.Err().
			Str(`executor`, x.opts.name).
			Uint64(`task`, next.id).
			Log(`serial executor dropped task, pool closed`)
	}

	x.running = nil
	if x.drained != nil {
		close(x.drained)
		x.drained = nil
	}
}

// Stop prevents further tasks from being executed, then waits up to timeout
// for queued tasks to finish, returning true if they did. In-flight tasks are
// not cancelled. Stop may be called multiple times.
func (x *Serial) Stop(timeout time.Duration) bool {
	x.mu.Lock()
	x.stopped = true
	if x.running == nil {
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

// Pending returns the number of tasks queued or running.
func (x *Serial) Pending() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	n := len(x.queue)
	if x.running != nil {
		n++
	}
	return n
}

// Dump writes goroutine stacks and the queued tasks to w, returning false if
// it was skipped due to rate limiting.
func (x *Serial) Dump(w io.Writer) bool {
	if !x.opts.dumpLimiter.Allow() {
		return false
	}
	x.mu.Lock()
	tasks := make([]*PendingTask, 0, len(x.queue)+1)
	if x.running != nil {
		tasks = append(tasks, x.running)
	}
	tasks = append(tasks, x.queue...)
	x.mu.Unlock()
	writeDump(w, `serial`, x.opts.name, tasks)
	return true
}

func waitFor(ch <-chan struct{}, timeout time.Duration) bool {
	if timeout <= 0 {
		select {
		case <-ch:
			return true
		default:
			return false
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		return true
	case <-timer.C:
		return false
	}
}
