// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Package outbox implements the unbounded send queue shared by transports.
package outbox

import (
	"sync"
)

// Queue is an unbounded FIFO, with a single consumer. Push never blocks.
type Queue[T any] struct {
	signal chan struct{}
	items  []T
	mu     sync.Mutex
	closed bool
}

func New[T any]() *Queue[T] {
	return &Queue[T]{signal: make(chan struct{}, 1)}
}

// Push appends v, returning false if the queue is closed.
func (q *Queue[T]) Push(v T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.items = append(q.items, v)
	q.notify()
	return true
}

// Close prevents further pushes. Items already queued may still be drained.
// Returns false if already closed.
func (q *Queue[T]) Close() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.closed = true
	q.notify()
	return true
}

// Closed reports whether Close has been called.
func (q *Queue[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Signal receives after each Push or Close, coalesced.
func (q *Queue[T]) Signal() <-chan struct{} {
	return q.signal
}

// Drain removes and returns all queued items, and whether the queue is
// closed.
func (q *Queue[T]) Drain() ([]T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items, q.closed
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue[T]) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
