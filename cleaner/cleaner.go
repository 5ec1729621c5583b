// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package cleaner

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"github.com/joeycumines/go-longpoll"
	"github.com/joeycumines/logiface"
)

const (
	// DefaultPollTimeout is the default for Config.PollTimeout.
	DefaultPollTimeout = time.Second * 5
	// DefaultStopGrace is the default for Config.StopGrace.
	DefaultStopGrace = time.Second
	// maxBatch bounds the number of actions run per wake of the worker.
	maxBatch = 64
	// queueSize is the buffer of the unreachable queue.
	queueSize = 256
)

type (
	// Config models optional configuration, for New.
	Config struct {
		// Logger is used for lifecycle events and failing actions.
		Logger *logiface.Logger[logiface.Event]

		// PollTimeout bounds each wait for newly unreachable values.
		// The worker exits if nothing is registered, after a wait.
		// **Defaults to DefaultPollTimeout, if 0.**
		PollTimeout time.Duration

		// StopGrace bounds the time spent draining already-queued actions,
		// once the cleaner is stopped.
		// **Defaults to DefaultStopGrace, if 0.**
		StopGrace time.Duration
	}

	// Cleaner tracks values registered via Register. Instances must be
	// initialized using New.
	//
	// If a Cleaner is dropped without calling Close, it is stopped once it
	// becomes unreachable.
	Cleaner struct {
		impl *cleanerImpl
	}

	// Cleanable is a registered (target, action) pair.
	Cleanable struct {
		impl       *cleanerImpl
		action     func(finalizing bool)
		cleanup    runtime.Cleanup
		registered time.Time
	}

	// Stats is a snapshot of a Cleaner's state, see Cleaner.Stats.
	Stats struct {
		// Running is the time since the cleaner was created.
		Running time.Duration
		// MinAlive and MaxAlive are the bounds of the number of registered
		// values, since the previous call to Stats.
		MinAlive, MaxAlive int
		// Alive are the registration times of all currently registered
		// values, oldest first.
		Alive []time.Time
	}

	cleanerImpl struct {
		ctx         context.Context
		cancel      context.CancelFunc
		logger      *logiface.Logger[logiface.Event]
		alive       map[*Cleanable]struct{}
		queue       chan *Cleanable
		done        chan struct{}
		created     time.Time
		pollTimeout time.Duration
		stopGrace   time.Duration
		minAlive    int
		maxAlive    int
		mu          sync.Mutex
		running     bool
		closed      bool
	}
)

// New initializes a new Cleaner. The config may be nil.
func New(config *Config) *Cleaner {
	impl := cleanerImpl{
		alive:       make(map[*Cleanable]struct{}),
		queue:       make(chan *Cleanable, queueSize),
		created:     time.Now(),
		pollTimeout: DefaultPollTimeout,
		stopGrace:   DefaultStopGrace,
	}
	if config != nil {
		impl.logger = config.Logger
		if config.PollTimeout != 0 {
			impl.pollTimeout = config.PollTimeout
		}
		if config.StopGrace != 0 {
			impl.stopGrace = config.StopGrace
		}
	}
	impl.ctx, impl.cancel = context.WithCancel(context.Background())

	c := &Cleaner{impl: &impl}
	// the cleaner is itself tracked, stopping the worker once dropped
	runtime.AddCleanup(c, (*cleanerImpl).stop, &impl)
	return c
}

// Register tracks target, running action once it becomes unreachable, or
// once Cleanable.Clean is called, whichever happens first. The action must not
// reference target. A panic will occur if target or action is nil.
//
// Registering with a closed Cleaner is allowed. Such actions still run once,
// on a short-lived goroutine.
func Register[T any](c *Cleaner, target *T, action func(finalizing bool)) *Cleanable {
	if target == nil {
		panic(`cleaner: nil target`)
	}
	if action == nil {
		panic(`cleaner: nil action`)
	}
	x := c.impl
	cl := &Cleanable{
		impl:       x,
		action:     action,
		registered: time.Now(),
	}

	x.mu.Lock()
	x.alive[cl] = struct{}{}
	x.updateBoundsLocked()
	if !x.running && !x.closed {
		x.running = true
		x.done = make(chan struct{})
		go x.run(x.done)
		x.logger.Debug().Log(`cleaner worker started`)
	}
	x.mu.Unlock()

	cl.cleanup = runtime.AddCleanup(target, x.enqueue, cl)
	return cl
}

// Close stops the worker, allowing it up to the configured grace period to
// run actions already queued. It does not run actions for values that are
// still reachable.
func (c *Cleaner) Close() error {
	c.impl.stop()
	return nil
}

// Stats returns a snapshot of the cleaner's state, resetting the bounds of
// MinAlive and MaxAlive. It is intended for diagnosing leaks, and is not cheap.
func (c *Cleaner) Stats() Stats {
	x := c.impl
	x.mu.Lock()
	defer x.mu.Unlock()

	s := Stats{
		Running:  time.Since(x.created),
		MinAlive: x.minAlive,
		MaxAlive: x.maxAlive,
		Alive:    make([]time.Time, 0, len(x.alive)),
	}
	for cl := range x.alive {
		s.Alive = append(s.Alive, cl.registered)
	}
	slices.SortFunc(s.Alive, func(a, b time.Time) int { return a.Compare(b) })

	x.minAlive = len(x.alive)
	x.maxAlive = len(x.alive)
	return s
}

// Len returns the number of registered values, that have not been cleaned.
func (c *Cleaner) Len() int {
	c.impl.mu.Lock()
	defer c.impl.mu.Unlock()
	return len(c.impl.alive)
}

// Clean runs the action, if it hasn't already run. It is safe to call any
// number of times, and concurrently with collection of the target.
func (cl *Cleanable) Clean() {
	cl.cleanup.Stop()
	cl.clean(false)
}

// Registered returns the time the Cleanable was registered.
func (cl *Cleanable) Registered() time.Time {
	return cl.registered
}

func (cl *Cleanable) clean(finalizing bool) {
	x := cl.impl

	x.mu.Lock()
	_, ok := x.alive[cl]
	if ok {
		delete(x.alive, cl)
		x.updateBoundsLocked()
	}
	x.mu.Unlock()

	if !ok {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			x.logger.Err().
				Str(`panic`, fmt.Sprint(r)).
				Bool(`finalizing`, finalizing).
				Str(`stack`, string(debug.Stack())).
				Log(`cleanup action panicked`)
		}
	}()

	cl.action(finalizing)
}

func (x *cleanerImpl) updateBoundsLocked() {
	n := len(x.alive)
	x.minAlive = min(x.minAlive, n)
	x.maxAlive = max(x.maxAlive, n)
}

// enqueue is called on the runtime's cleanup goroutine, and must not block
func (x *cleanerImpl) enqueue(cl *Cleanable) {
	x.mu.Lock()
	closed := x.closed
	x.mu.Unlock()

	if closed {
		go cl.clean(true)
		return
	}

	select {
	case x.queue <- cl:
	default:
		go func() {
			select {
			case x.queue <- cl:
			case <-x.ctx.Done():
				cl.clean(true)
			}
		}()
	}
}

func (x *cleanerImpl) stop() {
	x.mu.Lock()
	if x.closed {
		x.mu.Unlock()
		return
	}
	x.closed = true
	x.mu.Unlock()
	x.cancel()
	x.logger.Debug().Log(`cleaner stopping`)
}

func (x *cleanerImpl) run(done chan struct{}) {
	defer close(done)

	cfg := longpoll.ChannelConfig{
		MaxSize:        maxBatch,
		MinSize:        -1,
		PartialTimeout: x.pollTimeout,
	}
	handler := func(cl *Cleanable) error {
		cl.clean(true)
		return nil
	}

	for {
		var n int
		err := longpoll.Channel(x.ctx, &cfg, x.queue, func(cl *Cleanable) error {
			n++
			return handler(cl)
		})
		if err != nil {
			x.drain(handler)
			x.mu.Lock()
			x.running = false
			x.mu.Unlock()
			x.logger.Debug().Log(`cleaner worker stopped`)
			return
		}

		if n == 0 {
			x.mu.Lock()
			if len(x.alive) == 0 {
				x.running = false
				x.mu.Unlock()
				x.logger.Debug().Log(`cleaner worker idle, exiting`)
				return
			}
			x.mu.Unlock()
		}
	}
}

// drain runs queued actions until the queue is empty or the grace expires
func (x *cleanerImpl) drain(handler func(cl *Cleanable) error) {
	deadline := time.NewTimer(x.stopGrace)
	defer deadline.Stop()
	for {
		select {
		case <-deadline.C:
			return
		case cl := <-x.queue:
			_ = handler(cl)
		default:
			return
		}
	}
}

// workerDone returns the channel closed once the current worker exits, or
// nil if no worker is running
func (c *Cleaner) workerDone() <-chan struct{} {
	c.impl.mu.Lock()
	defer c.impl.mu.Unlock()
	if !c.impl.running {
		return nil
	}
	return c.impl.done
}
