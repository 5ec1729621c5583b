// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package socket

import (
	"errors"
	"fmt"
	"sync"

	"github.com/joeycumines/go-peerbridge/cleaner"
	"github.com/joeycumines/go-peerbridge/executor"
	"github.com/joeycumines/go-peerbridge/peer"
	"github.com/joeycumines/logiface"
)

// ErrUnknownHandle is returned by Factory methods, for handles that are not
// bound to a live bridge.
var ErrUnknownHandle = errors.New(`socket: unknown handle`)

// RemoteFunc constructs a transport for the given framing.
type RemoteFunc func(framing FramingMode) (ToRemote, error)

// Factory creates bridges addressed by handle, for engines that can only
// carry an integer. Calls addressed by handle are dispatched to the bridge's
// serial executor, and never block the caller.
//
// A bridge is retained by the factory until it is terminal. After that, it
// may be redeemed until Dispose, or until it is collected.
type Factory struct {
	newRemote   RemoteFunc
	opts        []Option
	logger      *logiface.Logger[logiface.Event]
	table       *peer.Table[Bridge]
	locks       *peer.LockManager
	cleaner     *cleaner.Cleaner
	pool        *executor.Pool
	runner      *executor.ClientTaskRunner
	dumpLimiter *executor.DumpLimiter
	pinned      map[peer.Handle]*Bridge
	cleanables  map[peer.Handle]*cleaner.Cleanable
	ownsCleaner bool
	ownsPool    bool
	mu          sync.Mutex
	closed      bool
}

// NewFactory initializes a Factory. Options are applied to each bridge.
// A panic will occur if newRemote is nil, or an option is invalid.
func NewFactory(newRemote RemoteFunc, opts ...Option) *Factory {
	if newRemote == nil {
		panic(`socket: nil remote func`)
	}
	cfg, err := resolveOptions(opts)
	if err != nil {
		panic(err)
	}
	f := Factory{
		newRemote:   newRemote,
		opts:        opts,
		logger:      cfg.logger,
		table:       peer.NewTable[Bridge](),
		locks:       peer.NewLockManager(cfg.logger),
		cleaner:     cfg.cleaner,
		pool:        cfg.pool,
		runner:      cfg.runner,
		dumpLimiter: cfg.dumpLimiter,
		pinned:      make(map[peer.Handle]*Bridge),
		cleanables:  make(map[peer.Handle]*cleaner.Cleanable),
	}
	if f.cleaner == nil {
		f.cleaner = cleaner.New(&cleaner.Config{Logger: cfg.logger})
		f.ownsCleaner = true
	}
	if f.pool == nil {
		f.pool = executor.NewPool(&executor.PoolConfig{Logger: cfg.logger})
		f.ownsPool = true
	}
	if f.dumpLimiter == nil {
		// one per factory, shared by every bridge
		f.dumpLimiter = executor.NewDumpLimiter(nil)
	}
	if f.runner == nil {
		f.runner = executor.NewClientTaskRunner(
			executor.WithLogger(cfg.logger),
			executor.WithName(`socket observer`),
			executor.WithDumpLimiter(f.dumpLimiter),
		)
	}
	return &f
}

// Open creates a bridge, returning its handle. The connection is not opened
// until RequestOpen.
func (f *Factory) Open(core ToCore, rawURL string, framing FramingMode, remoteOpts RemoteOptions) (peer.Handle, error) {
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if closed {
		return 0, executor.ErrStopped
	}

	h, err := f.table.Reserve()
	if err != nil {
		return 0, err
	}

	remote, err := f.newRemote(framing)
	if err != nil {
		f.table.Unbind(h)
		return 0, fmt.Errorf(`socket: new remote: %w`, err)
	}

	opts := append(f.opts[:len(f.opts):len(f.opts)],
		WithHandle(h),
		WithLockManager(f.locks),
		WithPool(f.pool),
		WithClientTaskRunner(f.runner),
		WithDumpLimiter(f.dumpLimiter),
		WithRemoteOptions(remoteOpts),
		withTerminalHook(f.unpin),
	)
	b, err := NewBridge(core, remote, rawURL, framing, opts...)
	if err != nil {
		f.table.Unbind(h)
		return 0, err
	}
	if err := f.table.Bind(h, b); err != nil {
		f.table.Unbind(h)
		return 0, err
	}

	// the action must not reference the bridge
	table, locks, logger := f.table, f.locks, f.logger
	cl := cleaner.Register(f.cleaner, b, func(finalizing bool) {
		table.Unbind(h)
		locks.ReleaseLock(h)
		if finalizing {
			logger.Debug().Int64(`handle`, int64(h)).Log(`socket collected without dispose`)
		}
	})

	f.mu.Lock()
	f.pinned[h] = b
	f.cleanables[h] = cl
	f.mu.Unlock()

	return h, nil
}

// Get resolves a handle to its bridge.
func (f *Factory) Get(h peer.Handle) (*Bridge, bool) {
	return f.table.Get(h)
}

// Len returns the number of handles in use, including any bridges collected
// but not yet cleaned.
func (f *Factory) Len() int {
	return f.table.Len()
}

// RequestOpen dispatches Bridge.CoreRequestsOpen.
func (f *Factory) RequestOpen(h peer.Handle) error {
	return f.dispatch(h, (*Bridge).CoreRequestsOpen)
}

// Write dispatches Bridge.CoreWrites. The result of the write is not
// reported, as the bridge will fail, if the transport does.
func (f *Factory) Write(h peer.Handle, data []byte) error {
	return f.dispatch(h, func(b *Bridge) { b.CoreWrites(data) })
}

// AckWrite dispatches Bridge.CoreAcksWrite.
func (f *Factory) AckWrite(h peer.Handle, n int) error {
	return f.dispatch(h, func(b *Bridge) { b.CoreAcksWrite(n) })
}

// RequestClose dispatches Bridge.CoreRequestsClose.
func (f *Factory) RequestClose(h peer.Handle, status CloseStatus) error {
	return f.dispatch(h, func(b *Bridge) { b.CoreRequestsClose(status) })
}

// Closed dispatches Bridge.CoreClosed.
func (f *Factory) Closed(h peer.Handle) error {
	return f.dispatch(h, (*Bridge).CoreClosed)
}

// Dispose cancels the bridge, if it is not terminal, then unbinds the
// handle. It is idempotent.
func (f *Factory) Dispose(h peer.Handle) {
	f.mu.Lock()
	cl := f.cleanables[h]
	delete(f.cleanables, h)
	f.mu.Unlock()

	if b, ok := f.table.Get(h); ok {
		b.CancelRemote()
	}
	if cl != nil {
		cl.Clean()
	}
}

// Close cancels all bridges that are not terminal, and stops accepting new
// ones. Handles remain redeemable until disposed.
func (f *Factory) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	bridges := make([]*Bridge, 0, len(f.pinned))
	for _, b := range f.pinned {
		bridges = append(bridges, b)
	}
	f.mu.Unlock()

	for _, b := range bridges {
		b.CancelRemote()
	}
	for _, b := range bridges {
		<-b.Done()
	}

	if f.ownsPool {
		_ = f.pool.Close()
	}
	if f.ownsCleaner {
		_ = f.cleaner.Close()
	}
	return nil
}

func (f *Factory) dispatch(h peer.Handle, fn func(b *Bridge)) error {
	b, ok := f.table.Get(h)
	if !ok {
		return fmt.Errorf(`%w: %d`, ErrUnknownHandle, h)
	}
	return b.serial.Execute(func() { fn(b) })
}

func (f *Factory) unpin(h peer.Handle) {
	f.mu.Lock()
	delete(f.pinned, h)
	f.mu.Unlock()
}
