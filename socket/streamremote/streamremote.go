// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Package streamremote implements socket.ToRemote over a raw TCP or TLS byte
// stream, for engines that perform their own framing (socket.ClientFraming).
//
// Reads are flow controlled: once the bytes delivered but not yet
// acknowledged via socket.Bridge.CoreAcksWrite reach the window, reading
// pauses.
package streamremote

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/joeycumines/go-peerbridge/internal/outbox"
	"github.com/joeycumines/go-peerbridge/socket"
	"github.com/joeycumines/logiface"
)

const (
	// DefaultWindow is the default for WithWindow.
	DefaultWindow = 256 << 10
	// DefaultCloseTimeout is the default for WithCloseTimeout.
	DefaultCloseTimeout = time.Second * 5

	readBufferSize = 32 << 10
)

type (
	// Remote is a single-use stream connection. Instances must be
	// initialized using New.
	Remote struct {
		listener     socket.FromRemote
		logger       *logiface.Logger[logiface.Event]
		conn         net.Conn
		cancelDial   context.CancelFunc
		outbox       *outbox.Queue[chunk]
		acked        chan struct{}
		done         chan struct{}
		closeSent    *socket.CloseStatus
		window       int
		unacked      int
		closeTimeout time.Duration
		mu           sync.Mutex
		opened       bool
		cancelled    bool
		ended        bool
		halfClosed   bool // window no longer applies
	}

	// Option configures a Remote.
	Option interface {
		applyRemote(*Remote)
	}

	remoteOptionImpl struct {
		applyRemoteFunc func(*Remote)
	}

	// chunk is either data, or a close, which half-closes the stream
	chunk struct {
		data  []byte
		close bool
	}
)

var (
	_ socket.ToRemote  = (*Remote)(nil)
	_ socket.ReadAcker = (*Remote)(nil)
)

func (o *remoteOptionImpl) applyRemote(r *Remote) { o.applyRemoteFunc(r) }

// WithLogger sets the logger.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &remoteOptionImpl{func(r *Remote) { r.logger = logger }}
}

// WithWindow sets the maximum number of unacknowledged bytes, before reads
// pause. Disabled if negative.
func WithWindow(n int) Option {
	return &remoteOptionImpl{func(r *Remote) { r.window = n }}
}

// WithCloseTimeout bounds the wait for the remote to close its side, after
// a local close.
func WithCloseTimeout(d time.Duration) Option {
	return &remoteOptionImpl{func(r *Remote) { r.closeTimeout = d }}
}

// New initializes a Remote.
func New(opts ...Option) *Remote {
	r := Remote{
		outbox:       outbox.New[chunk](),
		acked:        make(chan struct{}, 1),
		done:         make(chan struct{}),
		window:       DefaultWindow,
		closeTimeout: DefaultCloseTimeout,
	}
	for _, o := range opts {
		if o != nil {
			o.applyRemote(&r)
		}
	}
	return &r
}

// Init implements socket.ToRemote.
func (r *Remote) Init(listener socket.FromRemote) {
	r.listener = listener
}

// Done is closed once the connection has ended, and the reader has exited.
func (r *Remote) Done() <-chan struct{} {
	return r.done
}

// OpenRemote implements socket.ToRemote. Only tcp and tls URLs are
// supported. The open is reported with status 0, and no headers.
func (r *Remote) OpenRemote(req *socket.OpenRequest) bool {
	if req.URL == nil || (req.URL.Scheme != `tcp` && req.URL.Scheme != `tls`) {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.opened || r.cancelled {
		return false
	}
	r.opened = true

	var ctx context.Context
	if req.ConnectTimeout > 0 {
		ctx, r.cancelDial = context.WithTimeout(context.Background(), req.ConnectTimeout)
	} else {
		ctx, r.cancelDial = context.WithCancel(context.Background())
	}

	go r.dial(ctx, req.URL.Host, req.TLS)
	return true
}

func (r *Remote) dial(ctx context.Context, addr string, config *tls.Config) {
	var (
		conn net.Conn
		err  error
	)
	if config != nil {
		conn, err = (&tls.Dialer{Config: config}).DialContext(ctx, `tcp`, addr)
	} else {
		conn, err = new(net.Dialer).DialContext(ctx, `tcp`, addr)
	}

	r.mu.Lock()
	r.cancelDial()
	if r.cancelled {
		r.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		close(r.done)
		return
	}
	if err != nil {
		r.ended = true
		r.mu.Unlock()
		r.logger.Debug().Str(`addr`, addr).Err(err).Log(`stream dial failed`)
		r.listener.RemoteFailed(err, nil)
		close(r.done)
		return
	}
	r.conn = conn
	r.mu.Unlock()

	r.listener.RemoteOpened(0, nil)

	go r.write(conn)
	r.read(conn)
}

func (r *Remote) read(conn net.Conn) {
	defer close(r.done)
	buf := make([]byte, readBufferSize)
	for {
		if !r.waitWindow() {
			r.end(conn, nil)
			return
		}
		n, err := conn.Read(buf)
		if n > 0 {
			r.mu.Lock()
			r.unacked += n
			r.mu.Unlock()
			r.listener.RemoteWrites(bytes.Clone(buf[:n]))
		}
		if err != nil {
			r.end(conn, err)
			return
		}
	}
}

// waitWindow blocks while the window is full, returning false if the
// connection ended meanwhile
func (r *Remote) waitWindow() bool {
	for {
		r.mu.Lock()
		full := r.window > 0 && r.unacked >= r.window && !r.halfClosed
		ended := r.ended || r.cancelled
		r.mu.Unlock()
		if ended {
			return false
		}
		if !full {
			return true
		}
		<-r.acked
	}
}

func (r *Remote) end(conn net.Conn, err error) {
	r.outbox.Close()
	_ = conn.Close()

	r.mu.Lock()
	report := !r.ended && !r.cancelled
	r.ended = true
	closeSent := r.closeSent
	r.mu.Unlock()
	if !report {
		return
	}

	switch {
	case err == nil, errors.Is(err, io.EOF):
		r.listener.RemoteClosed(socket.CodeNormal, ``)
	case closeSent != nil:
		r.listener.RemoteClosed(closeSent.Code, closeSent.Message)
	default:
		r.listener.RemoteFailed(err, nil)
	}
}

func (r *Remote) write(conn net.Conn) {
	for {
		chunks, closed := r.outbox.Drain()
		for _, c := range chunks {
			if c.close {
				if err := closeWrite(conn); err != nil {
					_ = conn.Close()
					return
				}
				_ = conn.SetReadDeadline(time.Now().Add(r.closeTimeout))
				r.mu.Lock()
				r.halfClosed = true
				r.mu.Unlock()
				r.wake()
				continue
			}
			if _, err := conn.Write(c.data); err != nil {
				r.fail(conn, err)
				return
			}
		}
		if closed {
			return
		}
		<-r.outbox.Signal()
	}
}

func (r *Remote) fail(conn net.Conn, err error) {
	r.mu.Lock()
	if r.ended || r.cancelled {
		r.mu.Unlock()
		return
	}
	r.ended = true
	r.mu.Unlock()
	r.logger.Debug().Err(err).Log(`stream write failed`)
	r.listener.RemoteFailed(err, nil)
	_ = conn.Close()
	r.wake()
}

// WriteToRemote implements socket.ToRemote.
func (r *Remote) WriteToRemote(data []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil || r.closeSent != nil || r.ended || r.cancelled {
		return false
	}
	return r.outbox.Push(chunk{data: data})
}

// CloseRemote implements socket.ToRemote, half-closing the stream after any
// queued writes. The connection ends once the remote closes its side, or
// the close timeout elapses.
func (r *Remote) CloseRemote(status socket.CloseStatus) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil || r.closeSent != nil || r.ended || r.cancelled {
		return false
	}
	r.closeSent = &status
	return r.outbox.Push(chunk{close: true})
}

// CancelRemote implements socket.ToRemote.
func (r *Remote) CancelRemote() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancelled {
		return
	}
	r.cancelled = true
	switch {
	case r.conn != nil:
		_ = r.conn.Close()
		r.outbox.Close()
	case r.cancelDial != nil:
		r.cancelDial()
	default:
		close(r.done)
	}
	r.wake()
}

// AckReceived implements socket.ReadAcker.
func (r *Remote) AckReceived(n int) {
	r.mu.Lock()
	r.unacked = max(r.unacked-n, 0)
	r.mu.Unlock()
	r.wake()
}

func (r *Remote) wake() {
	select {
	case r.acked <- struct{}{}:
	default:
	}
}

func closeWrite(conn net.Conn) error {
	if c, ok := conn.(interface{ CloseWrite() error }); ok {
		return c.CloseWrite()
	}
	return conn.Close()
}
