// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package socket

import (
	"github.com/joeycumines/go-microbatch"
	"github.com/joeycumines/go-peerbridge/cleaner"
	"github.com/joeycumines/go-peerbridge/executor"
	"github.com/joeycumines/go-peerbridge/peer"
	"github.com/joeycumines/logiface"
)

type bridgeOptions struct {
	logger        *logiface.Logger[logiface.Event]
	pool          *executor.Pool
	locks         *peer.LockManager
	runner        *executor.ClientTaskRunner
	ackCoalescing *microbatch.BatcherConfig
	cleaner       *cleaner.Cleaner
	dumpLimiter   *executor.DumpLimiter
	onTerminal    func(h peer.Handle)
	remote        RemoteOptions
	handle        peer.Handle
	coalesceAcks  bool
}

// Option configures a Bridge or Factory.
type Option interface {
	applyBridge(*bridgeOptions) error
}

type bridgeOptionImpl struct {
	applyBridgeFunc func(*bridgeOptions) error
}

func (o *bridgeOptionImpl) applyBridge(opts *bridgeOptions) error {
	return o.applyBridgeFunc(opts)
}

// WithLogger sets the logger. A nil logger disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &bridgeOptionImpl{func(opts *bridgeOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithPool sets the pool used to deliver calls to the engine. If unset, a
// Bridge creates its own, closed once the bridge is terminal.
func WithPool(pool *executor.Pool) Option {
	return &bridgeOptionImpl{func(opts *bridgeOptions) error {
		opts.pool = pool
		return nil
	}}
}

// WithLockManager sources the bridge's lock from the manager, keyed by its
// handle, see WithHandle.
func WithLockManager(locks *peer.LockManager) Option {
	return &bridgeOptionImpl{func(opts *bridgeOptions) error {
		opts.locks = locks
		return nil
	}}
}

// WithClientTaskRunner sets the runner used to call RemoteOptions.Observer.
func WithClientTaskRunner(runner *executor.ClientTaskRunner) Option {
	return &bridgeOptionImpl{func(opts *bridgeOptions) error {
		opts.runner = runner
		return nil
	}}
}

// WithDumpLimiter sets the limiter gating Dump.
func WithDumpLimiter(limiter *executor.DumpLimiter) Option {
	return &bridgeOptionImpl{func(opts *bridgeOptions) error {
		opts.dumpLimiter = limiter
		return nil
	}}
}

// WithAckCoalescing enables batching of write acks to the engine, such that
// writes accepted within a short window are acknowledged by a single call to
// ToCore.AckWriteToCore. The config may be nil, to use the defaults of
// microbatch.NewBatcher.
func WithAckCoalescing(config *microbatch.BatcherConfig) Option {
	return &bridgeOptionImpl{func(opts *bridgeOptions) error {
		opts.coalesceAcks = true
		opts.ackCoalescing = config
		return nil
	}}
}

// WithRemoteOptions sets the options used to open the remote.
func WithRemoteOptions(remote RemoteOptions) Option {
	return &bridgeOptionImpl{func(opts *bridgeOptions) error {
		opts.remote = remote
		return nil
	}}
}

// WithHandle sets the bridge's handle, used to source its lock, and in logs.
func WithHandle(h peer.Handle) Option {
	return &bridgeOptionImpl{func(opts *bridgeOptions) error {
		if !h.Valid() {
			return peer.ErrInvalidHandle
		}
		opts.handle = h
		return nil
	}}
}

// WithCleaner sets the Cleaner used by a Factory. Ignored by Bridge.
func WithCleaner(c *cleaner.Cleaner) Option {
	return &bridgeOptionImpl{func(opts *bridgeOptions) error {
		opts.cleaner = c
		return nil
	}}
}

func withTerminalHook(fn func(h peer.Handle)) Option {
	return &bridgeOptionImpl{func(opts *bridgeOptions) error {
		opts.onTerminal = fn
		return nil
	}}
}

func resolveOptions(opts []Option) (*bridgeOptions, error) {
	cfg := new(bridgeOptions)
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyBridge(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
