// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package fsm

import (
	"fmt"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
)

type (
	// Builder accumulates a transition table. It must not be modified after
	// the first call to Build, though it may be used to build any number of
	// machines.
	Builder[S comparable] struct {
		transitions map[S]map[S]struct{}
		limiter     *catrate.Limiter
		failure     S
	}

	// Machine is a state machine instance, see the package docs.
	Machine[S comparable] struct {
		transitions map[S]map[S]struct{}
		limiter     *catrate.Limiter
		logger      *logiface.Logger[logiface.Event]
		name        string
		state       S
		failure     S
	}

	// Option configures a Machine, see Builder.Build.
	Option interface {
		applyMachine(*machineOptions)
	}

	machineOptions struct {
		logger *logiface.Logger[logiface.Event]
		name   string
	}

	machineOptionImpl struct {
		applyMachineFunc func(*machineOptions)
	}

	rejectCategory struct {
		name     string
		from, to any
	}
)

// DefaultRejectRates are the rates at which rejected transitions are logged,
// per distinct (name, from, to).
var DefaultRejectRates = map[time.Duration]int{
	time.Minute: 1,
}

func (x *machineOptionImpl) applyMachine(opts *machineOptions) {
	x.applyMachineFunc(opts)
}

// WithName sets the name used to identify the machine in logs.
func WithName(name string) Option {
	return &machineOptionImpl{func(opts *machineOptions) {
		opts.name = name
	}}
}

// WithLogger configures the logger used to report rejected transitions.
// A nil logger disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &machineOptionImpl{func(opts *machineOptions) {
		opts.logger = logger
	}}
}

// NewBuilder initializes a Builder with the given failure state.
func NewBuilder[S comparable](failure S) *Builder[S] {
	return &Builder[S]{
		transitions: make(map[S]map[S]struct{}),
		limiter:     catrate.NewLimiter(DefaultRejectRates),
		failure:     failure,
	}
}

// AddTransition registers each of to as a legal target of from. It panics if
// from is the failure state, which is terminal.
func (x *Builder[S]) AddTransition(from S, to ...S) *Builder[S] {
	if from == x.failure {
		panic(fmt.Errorf(`fsm: failure state %v may not be a source`, from))
	}
	targets := x.transitions[from]
	if targets == nil {
		targets = make(map[S]struct{}, len(to))
		x.transitions[from] = targets
	}
	for _, t := range to {
		targets[t] = struct{}{}
	}
	return x
}

// Build returns a new Machine in the initial state. The transition table is
// shared between all machines built by the same builder, as is the throttle
// on logging rejected transitions. Build is safe to call concurrently.
func (x *Builder[S]) Build(initial S, options ...Option) *Machine[S] {
	var opts machineOptions
	for _, o := range options {
		if o == nil {
			continue
		}
		o.applyMachine(&opts)
	}
	return &Machine[S]{
		transitions: x.transitions,
		limiter:     x.limiter,
		logger:      opts.logger,
		name:        opts.name,
		state:       initial,
		failure:     x.failure,
	}
}

// State returns the current state.
func (x *Machine[S]) State() S {
	return x.state
}

// Failure returns the failure state.
func (x *Machine[S]) Failure() S {
	return x.failure
}

// CanTransition reports whether SetState(next) would succeed, without
// changing the state. The failure state is reachable from any state that is
// a source in the transition table, and no state is reachable from a state
// that is not.
func (x *Machine[S]) CanTransition(next S) bool {
	targets, ok := x.transitions[x.state]
	if !ok {
		return false
	}
	if next == x.failure {
		return true
	}
	_, ok = targets[next]
	return ok
}

// SetState attempts to transition to next, returning true on success. The
// failure state is accepted from any non-terminal state. A rejected
// transition leaves the state unchanged.
func (x *Machine[S]) SetState(next S) bool {
	prev := x.state
	if !x.CanTransition(next) {
		x.logRejected(prev, next)
		return false
	}
	x.state = next
	x.logger.Trace().
		Str(`machine`, x.name).
		Str(`from`, fmt.Sprint(prev)).
		Str(`to`, fmt.Sprint(next)).
		Log(`state transition`)
	return true
}

// AssertState returns true if the current state is any of expected.
func (x *Machine[S]) AssertState(expected ...S) bool {
	for _, s := range expected {
		if x.state == s {
			return true
		}
	}
	if b := x.logger.Debug(); b.Enabled() {
		b.Str(`machine`, x.name).
			Str(`state`, fmt.Sprint(x.state)).
			Str(`expected`, fmt.Sprint(expected)).
			Log(`unexpected state`)
	}
	return false
}

func (x *Machine[S]) String() string {
	if x.name == `` {
		return fmt.Sprintf(`fsm(%v)`, x.state)
	}
	return fmt.Sprintf(`%s(%v)`, x.name, x.state)
}

func (x *Machine[S]) logRejected(from, to S) {
	b := x.logger.Warning()
	if !b.Enabled() {
		return
	}
	if _, ok := x.limiter.Allow(rejectCategory{x.name, from, to}); !ok {
		b.Release()
		return
	}
	b.Str(`machine`, x.name).
		Str(`from`, fmt.Sprint(from)).
		Str(`to`, fmt.Sprint(to)).
		Log(`illegal state transition rejected`)
}
