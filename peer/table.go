// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package peer

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"weak"
)

// Handle is an opaque token identifying a bound value.
type Handle int64

const (
	// MinHandle is the smallest valid handle, lower values are reserved.
	MinHandle Handle = 4
	// MaxHandle is the largest valid handle.
	MaxHandle Handle = math.MaxInt64 - 2

	// maxReserveAttempts bounds the number of collisions tolerated by
	// Table.Reserve, before giving up. Collisions in a 63-bit space indicate
	// a bug, not bad luck.
	maxReserveAttempts = 16
)

var (
	// ErrKeysExhausted is returned by Table.Reserve if no unused handle
	// could be found.
	ErrKeysExhausted = errors.New(`peer: unable to reserve handle`)

	// ErrNotReserved is returned by Table.Bind for handles that were never
	// reserved, or were since unbound.
	ErrNotReserved = errors.New(`peer: handle not reserved`)

	// ErrAlreadyBound is returned by Table.Bind for handles bound to a live
	// value.
	ErrAlreadyBound = errors.New(`peer: handle already bound`)

	// ErrInvalidHandle is returned for handles outside the valid range.
	ErrInvalidHandle = errors.New(`peer: invalid handle`)
)

// Valid returns true if the handle is within [MinHandle, MaxHandle].
func (x Handle) Valid() bool {
	return x >= MinHandle && x <= MaxHandle
}

// Table is a weakly-held mapping of handles to values of type *T. The zero
// value is not usable, see NewTable.
//
// All methods are safe to call concurrently.
type Table[T any] struct {
	slots map[Handle]slot[T]
	// randHandle is replaced in tests
	randHandle func() Handle
	mu         sync.Mutex
}

// slot is reserved but unbound while bound is false
type slot[T any] struct {
	ref   weak.Pointer[T]
	bound bool
}

// NewTable initializes a new, empty, Table.
func NewTable[T any]() *Table[T] {
	return &Table[T]{
		slots:      make(map[Handle]slot[T]),
		randHandle: randomHandle,
	}
}

func randomHandle() Handle {
	return MinHandle + Handle(rand.Int64N(int64(MaxHandle-MinHandle)+1))
}

// Reserve allocates a previously unused handle, which will be unavailable to
// other callers until it is unbound. The handle is bound to nothing until a
// call to Bind.
func (x *Table[T]) Reserve() (Handle, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	for range maxReserveAttempts {
		h := x.randHandle()
		if !h.Valid() {
			continue
		}
		if s, ok := x.slots[h]; ok {
			if !s.bound || s.ref.Value() != nil {
				continue
			}
			// dead binding, reclaim it but don't reuse it (yet)
			delete(x.slots, h)
			continue
		}
		x.slots[h] = slot[T]{}
		return h, nil
	}

	return 0, ErrKeysExhausted
}

// Bind binds value to a handle previously returned by Reserve. It is an error
// to bind a handle that was not reserved, or to rebind a handle already bound.
// A nil value will cause a panic.
func (x *Table[T]) Bind(h Handle, value *T) error {
	if value == nil {
		panic(`peer: bind nil value`)
	}
	if !h.Valid() {
		return fmt.Errorf(`%w: %d`, ErrInvalidHandle, h)
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	s, ok := x.slots[h]
	if !ok {
		return fmt.Errorf(`%w: %d`, ErrNotReserved, h)
	}
	if s.bound {
		if s.ref.Value() != nil {
			return fmt.Errorf(`%w: %d`, ErrAlreadyBound, h)
		}
		// the previous binding must be fully removed, before the handle
		// may be reused
		delete(x.slots, h)
		return fmt.Errorf(`%w: %d`, ErrNotReserved, h)
	}

	x.slots[h] = slot[T]{ref: weak.Make(value), bound: true}
	return nil
}

// Register reserves a new handle and binds value to it.
func (x *Table[T]) Register(value *T) (Handle, error) {
	h, err := x.Reserve()
	if err != nil {
		return 0, err
	}
	if err := x.Bind(h, value); err != nil {
		x.Unbind(h)
		return 0, err
	}
	return h, nil
}

// Get resolves a handle to its live value. It returns false if the handle is
// not bound, or the value has been collected.
func (x *Table[T]) Get(h Handle) (*T, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()

	s, ok := x.slots[h]
	if !ok || !s.bound {
		return nil, false
	}
	v := s.ref.Value()
	if v == nil {
		delete(x.slots, h)
		return nil, false
	}
	return v, true
}

// Unbind removes any binding or reservation for the handle. It is safe to
// call multiple times, or with handles that were never bound.
func (x *Table[T]) Unbind(h Handle) {
	x.mu.Lock()
	delete(x.slots, h)
	x.mu.Unlock()
}

// Scavenge removes all bindings whose values have been collected, returning
// the number removed.
func (x *Table[T]) Scavenge() (removed int) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for h, s := range x.slots {
		if s.bound && s.ref.Value() == nil {
			delete(x.slots, h)
			removed++
		}
	}
	return removed
}

// Len returns the number of reserved or bound handles, including any dead
// bindings not yet scavenged.
func (x *Table[T]) Len() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.slots)
}

// Each calls fn for every live binding, until fn returns false. The table is
// not locked during calls to fn.
func (x *Table[T]) Each(fn func(h Handle, value *T) bool) {
	type binding struct {
		h Handle
		v *T
	}
	var live []binding
	x.mu.Lock()
	for h, s := range x.slots {
		if !s.bound {
			continue
		}
		if v := s.ref.Value(); v != nil {
			live = append(live, binding{h, v})
		}
	}
	x.mu.Unlock()
	for _, b := range live {
		if !fn(b.h, b.v) {
			return
		}
	}
}
