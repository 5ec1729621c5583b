// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package executor

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/joeycumines/logiface"
)

// PendingTask is a task submitted to an executor, which records when it was
// created, started, and finished.
type PendingTask struct {
	fn       func()
	created  time.Time
	stack    []byte
	started  atomic.Int64
	finished atomic.Int64
	id       uint64
}

var taskID atomic.Uint64

func newPendingTask(fn func(), trace bool) *PendingTask {
	if fn == nil {
		panic(`executor: nil task`)
	}
	t := &PendingTask{
		fn:      fn,
		created: time.Now(),
		id:      taskID.Add(1),
	}
	if trace {
		t.stack = debug.Stack()
	}
	return t
}

// ID is unique per process.
func (x *PendingTask) ID() uint64 { return x.id }

// Created returns the time the task was submitted.
func (x *PendingTask) Created() time.Time { return x.created }

// Started returns the time the task started, if it has.
func (x *PendingTask) Started() (time.Time, bool) { return loadTime(&x.started) }

// Finished returns the time the task finished, if it has.
func (x *PendingTask) Finished() (time.Time, bool) { return loadTime(&x.finished) }

// Age is the time since the task was submitted.
func (x *PendingTask) Age() time.Duration { return time.Since(x.created) }

// Stack returns the stack of the submitting goroutine, if captured.
func (x *PendingTask) Stack() []byte { return x.stack }

func (x *PendingTask) String() string {
	state := `queued`
	if _, ok := x.Finished(); ok {
		state = `finished`
	} else if t, ok := x.Started(); ok {
		state = fmt.Sprintf(`running for %s`, time.Since(t))
	}
	return fmt.Sprintf(`task #%d (age %s, %s)`, x.id, x.Age(), state)
}

// run calls the task, recovering and logging any panic
func (x *PendingTask) run(logger *logiface.Logger[logiface.Event], name string) {
	x.started.Store(time.Now().UnixNano())
	defer func() {
		x.finished.Store(time.Now().UnixNano())
		if r := recover(); r != nil {
			buf := make([]byte, 8<<10)
			buf = buf[:runtime.Stack(buf, false)]
			logger.Err().
				Str(`executor`, name).
				Uint64(`task`, x.id).
				Err(&PanicError{Value: r, Stack: buf}).
				Str(`stack`, string(buf)).
				Log(`task panicked`)
		}
	}()
	x.fn()
}

func loadTime(v *atomic.Int64) (time.Time, bool) {
	n := v.Load()
	if n == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, n), true
}
