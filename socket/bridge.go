// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package socket

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/joeycumines/go-microbatch"
	"github.com/joeycumines/go-peerbridge/executor"
	"github.com/joeycumines/go-peerbridge/fsm"
	"github.com/joeycumines/go-peerbridge/peer"
	"github.com/joeycumines/logiface"
)

// ackFlushTimeout bounds the wait for coalesced acks, once terminal
const ackFlushTimeout = time.Second * 5

// Bridge translates between an engine (ToCore, FromCore) and a transport
// (ToRemote, FromRemote). Instances must be initialized using NewBridge.
//
// Lifecycle: init, connecting, open, closing, then closed. The failed state
// may be entered from any non-terminal state. Both closed and failed are
// terminal, and are followed by exactly one call to ToCore.CloseCore.
type Bridge struct {
	core       ToCore
	remote     ToRemote
	lock       *peer.Lock
	state      *fsm.Machine[SocketState]
	serial     *executor.Serial
	ownedPool  *executor.Pool
	runner     *executor.ClientTaskRunner
	acks       *microbatch.Batcher[int]
	logger     *logiface.Logger[logiface.Event]
	locks      *peer.LockManager
	onTerminal func(h peer.Handle)
	status     *CloseStatus
	done       chan struct{}
	rawURL     string
	options    RemoteOptions
	request    *OpenRequest
	handle     peer.Handle
	framing    FramingMode
}

var (
	_ FromCore   = (*Bridge)(nil)
	_ FromRemote = (*Bridge)(nil)
)

// NewBridge initializes a Bridge, and calls remote.Init. A panic will occur
// if core or remote is nil. Only ClientFraming and NoFraming are supported.
func NewBridge(core ToCore, remote ToRemote, rawURL string, framing FramingMode, opts ...Option) (*Bridge, error) {
	if core == nil || remote == nil {
		panic(`socket: nil core or remote`)
	}
	if framing != ClientFraming && framing != NoFraming {
		return nil, programmingError(CodeInvalidParameter, `unsupported framing: %s`, framing).Err()
	}

	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}

	b := Bridge{
		core:       core,
		remote:     remote,
		logger:     cfg.logger,
		locks:      cfg.locks,
		onTerminal: cfg.onTerminal,
		done:       make(chan struct{}),
		rawURL:     rawURL,
		options:    cfg.remote,
		handle:     cfg.handle,
		framing:    framing,
		runner:     cfg.runner,
	}

	if cfg.locks != nil && cfg.handle.Valid() {
		b.lock = cfg.locks.GetLock(cfg.handle)
	} else {
		b.lock = new(peer.Lock)
	}

	b.state = newStateMachine(cfg.logger)

	pool := cfg.pool
	if pool == nil {
		pool = executor.NewPool(&executor.PoolConfig{Logger: cfg.logger, MaxWorkers: 1})
		b.ownedPool = pool
	}
	b.serial = executor.NewSerial(pool,
		executor.WithLogger(cfg.logger),
		executor.WithName(fmt.Sprintf(`socket#%d`, cfg.handle)),
		executor.WithDumpLimiter(cfg.dumpLimiter),
	)

	if b.runner == nil && b.options.Observer != nil {
		b.runner = executor.NewClientTaskRunner(executor.WithLogger(cfg.logger))
	}

	if cfg.coalesceAcks {
		b.acks = microbatch.NewBatcher(cfg.ackCoalescing, b.processAcks)
	}

	remote.Init(&b)

	return &b, nil
}

// Handle returns the handle the bridge was created with, if any.
func (b *Bridge) Handle() peer.Handle { return b.handle }

// Framing returns the framing mode.
func (b *Bridge) Framing() FramingMode { return b.framing }

// GetLock returns the lock guarding the bridge's state.
func (b *Bridge) GetLock() sync.Locker { return b.lock }

// State returns the current state.
func (b *Bridge) State() SocketState {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.state.State()
}

// Status returns the close status, once terminal.
func (b *Bridge) Status() (CloseStatus, bool) {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.status == nil {
		return CloseStatus{}, false
	}
	return *b.status, true
}

// Done is closed after ToCore.CloseCore returns.
func (b *Bridge) Done() <-chan struct{} { return b.done }

// Dump writes goroutine stacks and calls pending delivery to the engine, see
// executor.Serial.Dump.
func (b *Bridge) Dump(w io.Writer) bool { return b.serial.Dump(w) }

func (b *Bridge) String() string {
	return fmt.Sprintf(`socket#%d(%s)`, b.handle, b.State())
}

// CoreRequestsOpen builds the open request and asks the transport to open
// the remote, returning immediately. It is legal only once, in the init or
// connecting states.
func (b *Bridge) CoreRequestsOpen() {
	const op = `CoreRequestsOpen`
	b.lock.Lock()
	from := b.state.State()
	if b.request != nil || !b.state.AssertState(StateInit, StateConnecting) {
		b.lock.Unlock()
		b.logDropped(op, from)
		return
	}
	req, err := NewOpenRequest(b.rawURL, &b.options)
	if err != nil {
		b.terminateLocked(op, StateFailed, classifyError(err).Status)
		b.lock.Unlock()
		return
	}
	b.request = req
	if from == StateInit {
		b.setStateLocked(op, StateConnecting)
	}
	b.lock.Unlock()

	if !b.remote.OpenRemote(req) {
		b.abort(op, CloseStatus{Domain: DomainWebSocket, Code: CodeAbnormal, Message: `transport rejected open`})
	}
}

// CoreWrites sends data to the remote, returning false if the bridge is not
// open, or the transport rejected it. A transport failure is reported
// separately, via RemoteFailed. Writing no data is a no-op. The data is
// copied, and the caller may reuse it once CoreWrites returns.
func (b *Bridge) CoreWrites(data []byte) bool {
	const op = `CoreWrites`
	b.lock.Lock()
	from := b.state.State()
	ok := b.state.AssertState(StateOpen)
	b.lock.Unlock()
	if !ok {
		b.logDropped(op, from)
		return false
	}
	if len(data) == 0 {
		return true
	}
	if !b.remote.WriteToRemote(bytes.Clone(data)) {
		b.logOp(op, from, from, `transport rejected write`)
		return false
	}
	b.logOp(op, from, from, `forwarded to remote`)
	b.ackWrite(len(data))
	return true
}

// CoreAcksWrite acknowledges n bytes delivered via ToCore.WriteToCore, and
// is forwarded to transports implementing ReadAcker.
func (b *Bridge) CoreAcksWrite(n int) {
	const op = `CoreAcksWrite`
	if n <= 0 {
		return
	}
	b.lock.Lock()
	from := b.state.State()
	ok := from == StateOpen || from == StateClosing
	b.lock.Unlock()
	if !ok {
		b.logDropped(op, from)
		return
	}
	if acker, ok := b.remote.(ReadAcker); ok {
		acker.AckReceived(n)
		b.logOp(op, from, from, `forwarded to remote`)
	}
}

// CoreRequestsClose asks the transport to close the connection, which it
// frames. Legal only with NoFraming.
func (b *Bridge) CoreRequestsClose(status CloseStatus) {
	const op = `CoreRequestsClose`
	if b.framing != NoFraming {
		b.abort(op, programmingError(CodeAssertionFailed, `%s called with %s framing`, op, b.framing))
		return
	}
	b.lock.Lock()
	from := b.state.State()
	if !b.state.AssertState(StateConnecting, StateOpen) {
		b.lock.Unlock()
		b.logDropped(op, from)
		return
	}
	b.setStateLocked(op, StateClosing)
	b.lock.Unlock()

	b.closeRemote(op, status)
}

// CoreClosed reports the engine has completed its close handshake, and the
// transport may be closed. Legal only with ClientFraming.
func (b *Bridge) CoreClosed() {
	const op = `CoreClosed`
	if b.framing != ClientFraming {
		b.abort(op, programmingError(CodeAssertionFailed, `%s called with %s framing`, op, b.framing))
		return
	}
	b.lock.Lock()
	from := b.state.State()
	if !b.state.AssertState(StateConnecting, StateOpen, StateClosing) {
		b.lock.Unlock()
		b.logDropped(op, from)
		return
	}
	if from != StateClosing {
		b.setStateLocked(op, StateClosing)
	}
	b.lock.Unlock()

	b.closeRemote(op, CloseStatus{Domain: DomainWebSocket, Code: CodeNormal})
}

// CancelRemote tears down the connection immediately, regardless of any
// close handshake in progress. The bridge ends closed, if it was open or
// closing, otherwise failed.
func (b *Bridge) CancelRemote() {
	const op = `CancelRemote`
	b.lock.Lock()
	from := b.state.State()
	if !from.Terminal() {
		next := StateFailed
		if b.state.CanTransition(StateClosed) {
			next = StateClosed
		}
		b.terminateLocked(op, next, CloseStatus{Domain: DomainWebSocket, Code: CodeGoingAway, Message: `cancelled`})
	}
	b.lock.Unlock()
	b.remote.CancelRemote()
}

// RemoteOpened moves the bridge from connecting to open, and forwards the
// response to the engine. Calls in any other state are dropped.
func (b *Bridge) RemoteOpened(status int, headers http.Header) {
	const op = `RemoteOpened`
	b.lock.Lock()
	defer b.lock.Unlock()
	from := b.state.State()
	if !b.state.AssertState(StateConnecting) {
		b.logDropped(op, from)
		return
	}
	b.setStateLocked(op, StateOpen)
	if b.request != nil {
		saveCookies(b.options.Cookies, b.request.URL, headers)
	}
	b.deliverLocked(`AckOpenToCore`, func() { b.core.AckOpenToCore(status, headers) })
}

// RemoteWrites forwards data to the engine. Calls in any state but open are
// dropped.
func (b *Bridge) RemoteWrites(data []byte) {
	const op = `RemoteWrites`
	b.lock.Lock()
	defer b.lock.Unlock()
	from := b.state.State()
	if !b.state.AssertState(StateOpen) {
		b.logDropped(op, from)
		return
	}
	if len(data) == 0 {
		return
	}
	b.deliverLocked(`WriteToCore`, func() { b.core.WriteToCore(data) })
}

// RemoteRequestedClose handles a close request from the remote. With
// ClientFraming it is forwarded to the engine, which performs the handshake,
// otherwise the transport is asked to close immediately.
func (b *Bridge) RemoteRequestedClose(code int, reason string) {
	const op = `RemoteRequestedClose`
	status := CloseStatus{Domain: DomainWebSocket, Code: code, Message: reason}
	b.lock.Lock()
	from := b.state.State()
	if !b.state.AssertState(StateOpen) {
		b.lock.Unlock()
		b.logDropped(op, from)
		return
	}
	b.setStateLocked(op, StateClosing)
	if b.framing == ClientFraming {
		b.deliverLocked(`RequestCoreClose`, func() { b.core.RequestCoreClose(status) })
		b.lock.Unlock()
		return
	}
	b.lock.Unlock()

	b.closeRemote(op, status)
}

// RemoteClosed ends the connection. It is closed if the close was normal,
// and followed an open, otherwise failed.
func (b *Bridge) RemoteClosed(code int, reason string) {
	const op = `RemoteClosed`
	status := CloseStatus{Domain: DomainWebSocket, Code: code, Message: reason}
	b.lock.Lock()
	defer b.lock.Unlock()
	from := b.state.State()
	if from.Terminal() {
		b.logDropped(op, from)
		return
	}
	next := StateFailed
	if (code == CodeNormal || code == CodeGoingAway) && b.state.CanTransition(StateClosed) {
		next = StateClosed
	}
	b.terminateLocked(op, next, status)
}

// RemoteFailed ends the connection, classifying the failure, see Classify.
func (b *Bridge) RemoteFailed(err error, resp *http.Response) {
	const op = `RemoteFailed`
	status := Classify(err, resp)
	b.lock.Lock()
	defer b.lock.Unlock()
	from := b.state.State()
	if from.Terminal() {
		b.logDropped(op, from)
		return
	}
	b.terminateLocked(op, StateFailed, status)
}

func (b *Bridge) closeRemote(op string, status CloseStatus) {
	if !b.remote.CloseRemote(status) {
		b.lock.Lock()
		if !b.state.State().Terminal() {
			b.terminateLocked(op, StateClosed, status)
		}
		b.lock.Unlock()
		b.remote.CancelRemote()
	}
}

// abort fails the bridge and cancels the transport
func (b *Bridge) abort(op string, status CloseStatus) {
	b.lock.Lock()
	if !b.state.State().Terminal() {
		b.terminateLocked(op, StateFailed, status)
	}
	b.lock.Unlock()
	b.remote.CancelRemote()
}

func (b *Bridge) setStateLocked(op string, next SocketState) bool {
	from := b.state.State()
	if !b.state.SetState(next) {
		return false
	}
	b.logOp(op, from, next, `state changed`)
	b.observeLocked(StateChange{From: from, To: next, Status: b.status})
	return true
}

func (b *Bridge) terminateLocked(op string, next SocketState, status CloseStatus) {
	b.status = &status
	if !b.setStateLocked(op, next) {
		// closed is only reachable from open or closing
		b.setStateLocked(op, StateFailed)
	}

	if l := b.logger.Debug(); l.Enabled() {
		l.Int64(`handle`, int64(b.handle)).
			Stringer(`state`, b.state.State()).
			Stringer(`status`, status).
			Log(`socket terminated`)
	}

	if b.acks == nil {
		b.deliverLocked(`CloseCore`, func() { b.closeCore(status) })
		return
	}

	// acks for accepted writes must precede the close
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), ackFlushTimeout)
		defer cancel()
		_ = b.acks.Shutdown(ctx)
		b.lock.Lock()
		defer b.lock.Unlock()
		b.deliverLocked(`CloseCore`, func() { b.closeCore(status) })
	}()
}

func (b *Bridge) closeCore(status CloseStatus) {
	defer b.finish()
	b.core.CloseCore(status)
}

// finish runs on the serial executor, after the final delivery
func (b *Bridge) finish() {
	close(b.done)
	b.serial.Stop(0)
	if b.ownedPool != nil {
		_ = b.ownedPool.Close()
	}
	if b.onTerminal != nil {
		b.onTerminal(b.handle)
	}
}

func (b *Bridge) deliverLocked(op string, fn func()) {
	if l := b.logger.Trace(); l.Enabled() {
		l.Int64(`handle`, int64(b.handle)).
			Str(`op`, op).
			Stringer(`state`, b.state.State()).
			Log(`scheduled delivery to core`)
	}
	if err := b.serial.Execute(fn); err != nil {
		b.logger.Err().
			Int64(`handle`, int64(b.handle)).
			Str(`op`, op).
			Err(err).
			Log(`failed to schedule delivery to core`)
	}
}

func (b *Bridge) observeLocked(change StateChange) {
	observer := b.options.Observer
	if observer == nil {
		return
	}
	b.deliverLocked(`Observer`, func() {
		if err := b.runner.Run(context.Background(), func(ctx context.Context) error {
			return observer(ctx, change)
		}); err != nil {
			b.logger.Warning().
				Int64(`handle`, int64(b.handle)).
				Err(err).
				Log(`socket observer failed`)
		}
	})
}

func (b *Bridge) ackWrite(n int) {
	if b.acks != nil {
		if _, err := b.acks.Submit(context.Background(), n); err == nil {
			return
		}
	}
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.state.State().Terminal() {
		return
	}
	b.deliverLocked(`AckWriteToCore`, func() { b.core.AckWriteToCore(n) })
}

func (b *Bridge) processAcks(_ context.Context, jobs []int) error {
	var n int
	for _, v := range jobs {
		n += v
	}
	b.lock.Lock()
	defer b.lock.Unlock()
	b.deliverLocked(`AckWriteToCore`, func() { b.core.AckWriteToCore(n) })
	return nil
}

func (b *Bridge) logOp(op string, from, to SocketState, msg string) {
	if l := b.logger.Trace(); l.Enabled() {
		l.Int64(`handle`, int64(b.handle)).
			Str(`op`, op).
			Stringer(`from`, from).
			Stringer(`to`, to).
			Log(msg)
	}
}

func (b *Bridge) logDropped(op string, state SocketState) {
	if l := b.logger.Debug(); l.Enabled() {
		l.Int64(`handle`, int64(b.handle)).
			Str(`op`, op).
			Stringer(`state`, state).
			Log(`dropped call in unexpected state`)
	}
}
