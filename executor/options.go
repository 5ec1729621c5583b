// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package executor

import (
	"fmt"
	"time"

	"github.com/joeycumines/logiface"
)

const (
	// DefaultClientTaskTimeout is the default for WithClientTaskTimeout.
	DefaultClientTaskTimeout = time.Second * 15
	// DefaultMaxClientTasks is the default for WithMaxClientTasks.
	DefaultMaxClientTasks = 64
)

type executorOptions struct {
	logger            *logiface.Logger[logiface.Event]
	dumpLimiter       *DumpLimiter
	name              string
	clientTaskTimeout time.Duration
	maxClientTasks    int64
	taskTraces        bool
}

// Option configures Serial, Concurrent, and ClientTaskRunner instances.
// Options that are irrelevant to a given executor are ignored.
type Option interface {
	applyExecutor(*executorOptions) error
}

type executorOptionImpl struct {
	applyExecutorFunc func(*executorOptions) error
}

func (o *executorOptionImpl) applyExecutor(opts *executorOptions) error {
	return o.applyExecutorFunc(opts)
}

// WithLogger sets the logger. A nil logger disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &executorOptionImpl{func(opts *executorOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithName sets the name used in logs and dumps.
func WithName(name string) Option {
	return &executorOptionImpl{func(opts *executorOptions) error {
		opts.name = name
		return nil
	}}
}

// WithDumpLimiter sets the limiter gating Dump. If unset, each executor uses
// its own limiter, with DefaultDumpRates.
func WithDumpLimiter(limiter *DumpLimiter) Option {
	return &executorOptionImpl{func(opts *executorOptions) error {
		opts.dumpLimiter = limiter
		return nil
	}}
}

// WithTaskTraces enables capturing the stack of the submitting goroutine,
// for each task, which is included in dumps. It is expensive.
func WithTaskTraces(enabled bool) Option {
	return &executorOptionImpl{func(opts *executorOptions) error {
		opts.taskTraces = enabled
		return nil
	}}
}

// WithClientTaskTimeout sets the hard timeout applied by ClientTaskRunner.
func WithClientTaskTimeout(timeout time.Duration) Option {
	return &executorOptionImpl{func(opts *executorOptions) error {
		if timeout <= 0 {
			return fmt.Errorf(`executor: invalid client task timeout: %s`, timeout)
		}
		opts.clientTaskTimeout = timeout
		return nil
	}}
}

// WithMaxClientTasks bounds the number of client tasks that may run at once,
// including tasks that have timed out but not yet returned.
func WithMaxClientTasks(n int) Option {
	return &executorOptionImpl{func(opts *executorOptions) error {
		if n <= 0 {
			return fmt.Errorf(`executor: invalid max client tasks: %d`, n)
		}
		opts.maxClientTasks = int64(n)
		return nil
	}}
}

func resolveOptions(opts []Option) (*executorOptions, error) {
	cfg := &executorOptions{
		clientTaskTimeout: DefaultClientTaskTimeout,
		maxClientTasks:    DefaultMaxClientTasks,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyExecutor(cfg); err != nil {
			return nil, err
		}
	}
	if cfg.dumpLimiter == nil {
		cfg.dumpLimiter = NewDumpLimiter(nil)
	}
	return cfg, nil
}
