// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// ClientTaskRunner runs client-authored callbacks, blocking the caller until
// the callback returns or a fixed timeout elapses. Callbacks run on their own
// goroutines, bounded in number, so a hung callback cannot stall the caller
// indefinitely, and a panicking callback is reported as a PanicError.
type ClientTaskRunner struct {
	opts   *executorOptions
	sem    *semaphore.Weighted
	active map[*PendingTask]struct{}
	mu     sync.Mutex
}

// NewClientTaskRunner initializes a new ClientTaskRunner. A panic will occur
// if an option is invalid.
func NewClientTaskRunner(opts ...Option) *ClientTaskRunner {
	cfg, err := resolveOptions(opts)
	if err != nil {
		panic(err)
	}
	return &ClientTaskRunner{
		opts:   cfg,
		sem:    semaphore.NewWeighted(cfg.maxClientTasks),
		active: make(map[*PendingTask]struct{}),
	}
}

// Timeout returns the hard timeout applied to each task.
func (x *ClientTaskRunner) Timeout() time.Duration {
	return x.opts.clientTaskTimeout
}

// Run calls fn on a separate goroutine, and waits for it. The context passed
// to fn is cancelled once Run returns. ErrTimeout is returned if the timeout
// elapses first, including time spent waiting for capacity. If ctx is
// cancelled, its error is returned. Panics are returned as *PanicError.
func (x *ClientTaskRunner) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	if fn == nil {
		panic(`executor: nil task`)
	}

	ctx, cancel := context.WithTimeoutCause(ctx, x.opts.clientTaskTimeout, ErrTimeout)
	defer cancel()

	if err := x.sem.Acquire(ctx, 1); err != nil {
		return x.contextError(ctx, nil)
	}

	result := make(chan error, 1)
	var t *PendingTask
	t = newPendingTask(func() {
		defer func() {
			if r := recover(); r != nil {
				buf := make([]byte, 8<<10)
				buf = buf[:runtime.Stack(buf, false)]
				result <- &PanicError{Value: r, Stack: buf}
			}
		}()
		result <- fn(ctx)
	}, x.opts.taskTraces)

	x.mu.Lock()
	x.active[t] = struct{}{}
	x.mu.Unlock()

	go func() {
		defer x.sem.Release(1)
		defer func() {
			x.mu.Lock()
			delete(x.active, t)
			x.mu.Unlock()
		}()
		t.run(x.opts.logger, x.opts.name)
	}()

	select {
	case err := <-result:
		var panicErr *PanicError
		if errors.As(err, &panicErr) {
			x.opts.logger.Err().
				Str(`executor`, x.opts.name).
				Uint64(`task`, t.id).
				Err(err).
				Log(`client task panicked`)
		}
		return err
	case <-ctx.Done():
		return x.contextError(ctx, t)
	}
}

func (x *ClientTaskRunner) contextError(ctx context.Context, t *PendingTask) error {
	cause := context.Cause(ctx)
	if !errors.Is(cause, ErrTimeout) {
		return cause
	}
	b := x.opts.logger.Warning()
	if b.Enabled() {
		b = b.Str(`executor`, x.opts.name).Dur(`timeout`, x.opts.clientTaskTimeout)
		if t != nil {
			b = b.Uint64(`task`, t.id)
		}
	}
	b.Log(`client task timed out`)
	if t == nil {
		return fmt.Errorf(`%w: waiting for capacity`, ErrTimeout)
	}
	return ErrTimeout
}

// RunClientTask is a generic helper wrapping ClientTaskRunner.Run, for tasks
// that return a value. The zero value is returned on error.
func RunClientTask[T any](ctx context.Context, runner *ClientTaskRunner, fn func(ctx context.Context) (T, error)) (T, error) {
	if fn == nil {
		panic(`executor: nil task`)
	}
	var (
		mu    sync.Mutex
		value T
	)
	err := runner.Run(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		mu.Lock()
		value = v
		mu.Unlock()
		return err
	})
	if err != nil {
		var zero T
		return zero, err
	}
	mu.Lock()
	defer mu.Unlock()
	return value, nil
}

// Active returns the number of running tasks, including timed out tasks
// that have not returned.
func (x *ClientTaskRunner) Active() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.active)
}

// Dump writes goroutine stacks and the running tasks to w, returning false if
// it was skipped due to rate limiting.
func (x *ClientTaskRunner) Dump(w io.Writer) bool {
	if !x.opts.dumpLimiter.Allow() {
		return false
	}
	x.mu.Lock()
	tasks := make([]*PendingTask, 0, len(x.active))
	for t := range x.active {
		tasks = append(tasks, t)
	}
	x.mu.Unlock()
	slices.SortFunc(tasks, func(a, b *PendingTask) int { return a.created.Compare(b.created) })
	writeDump(w, `client task`, x.opts.name, tasks)
	return true
}
