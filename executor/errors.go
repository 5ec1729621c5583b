// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package executor

import (
	"errors"
	"fmt"
)

var (
	// ErrStopped is returned when submitting to a stopped executor or a
	// closed pool.
	ErrStopped = errors.New(`executor: stopped`)

	// ErrTimeout is returned by ClientTaskRunner, if the task did not
	// complete before the timeout.
	ErrTimeout = errors.New(`executor: client task timed out`)
)

// PanicError wraps a value recovered from a panicking task.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf(`executor: task panicked: %v`, e.Value)
}

// Unwrap returns Value, if it is an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}
