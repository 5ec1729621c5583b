// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Package wsremote implements socket.ToRemote over WebSocket, using
// gorilla/websocket. Each message written by the bridge is sent as a single
// binary message.
package wsremote

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/joeycumines/go-peerbridge/internal/outbox"
	"github.com/joeycumines/go-peerbridge/socket"
	"github.com/joeycumines/logiface"
)

const (
	// DefaultWriteTimeout is the default for WithWriteTimeout.
	DefaultWriteTimeout = time.Second * 10
	// DefaultCloseTimeout is the default for WithCloseTimeout.
	DefaultCloseTimeout = time.Second * 5
)

type (
	// Remote is a single-use WebSocket client connection. Instances must be
	// initialized using New.
	Remote struct {
		listener     socket.FromRemote
		logger       *logiface.Logger[logiface.Event]
		dialer       websocket.Dialer
		conn         *websocket.Conn
		cancelDial   context.CancelFunc
		outbox       *outbox.Queue[frame]
		stop         chan struct{}
		done         chan struct{}
		closeSent    *socket.CloseStatus
		writeTimeout time.Duration
		closeTimeout time.Duration
		mu           sync.Mutex
		opened       bool
		cancelled    bool
		ended        bool
	}

	// Option configures a Remote.
	Option interface {
		applyRemote(*Remote)
	}

	remoteOptionImpl struct {
		applyRemoteFunc func(*Remote)
	}

	frame struct {
		close *socket.CloseStatus
		data  []byte
	}
)

var _ socket.ToRemote = (*Remote)(nil)

func (o *remoteOptionImpl) applyRemote(r *Remote) { o.applyRemoteFunc(r) }

// WithLogger sets the logger.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &remoteOptionImpl{func(r *Remote) { r.logger = logger }}
}

// WithDialer sets the base dialer. TLS, sub-protocols, and the handshake
// timeout are overridden per request.
func WithDialer(dialer *websocket.Dialer) Option {
	return &remoteOptionImpl{func(r *Remote) { r.dialer = *dialer }}
}

// WithWriteTimeout bounds each write.
func WithWriteTimeout(d time.Duration) Option {
	return &remoteOptionImpl{func(r *Remote) { r.writeTimeout = d }}
}

// WithCloseTimeout bounds the wait for the remote's reply to a close.
func WithCloseTimeout(d time.Duration) Option {
	return &remoteOptionImpl{func(r *Remote) { r.closeTimeout = d }}
}

// New initializes a Remote.
func New(opts ...Option) *Remote {
	r := Remote{
		dialer:       *websocket.DefaultDialer,
		outbox:       outbox.New[frame](),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
		writeTimeout: DefaultWriteTimeout,
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

// Done is closed once the connection has ended, and all goroutines have
// exited, or if it was never opened and has been cancelled.
func (r *Remote) Done() <-chan struct{} {
	return r.done
}

// OpenRemote implements socket.ToRemote, dialing in the background.
func (r *Remote) OpenRemote(req *socket.OpenRequest) bool {
	u, ok := websocketURL(req.URL)
	if !ok {
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

	dialer := r.dialer
	dialer.TLSClientConfig = req.TLS
	dialer.Subprotocols = req.Protocols
	dialer.Jar = nil
	if req.ConnectTimeout > 0 {
		dialer.HandshakeTimeout = req.ConnectTimeout
	}

	header := req.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	if req.Cookies != `` {
		header.Set(`Cookie`, req.Cookies)
	}

	go r.dial(ctx, &dialer, u, header, req.Heartbeat)
	return true
}

func (r *Remote) dial(ctx context.Context, dialer *websocket.Dialer, u string, header http.Header, heartbeat time.Duration) {
	conn, resp, err := dialer.DialContext(ctx, u, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
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
		if !errors.Is(err, websocket.ErrBadHandshake) {
			resp = nil
		}
		r.logger.Debug().Str(`url`, u).Err(err).Log(`websocket dial failed`)
		r.listener.RemoteFailed(err, resp)
		close(r.done)
		return
	}
	r.conn = conn
	r.mu.Unlock()

	if heartbeat > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(heartbeat * 2))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(heartbeat * 2))
		})
	}
	conn.SetCloseHandler(func(code int, text string) error {
		r.listener.RemoteRequestedClose(code, text)
		return nil
	})

	r.listener.RemoteOpened(resp.StatusCode, resp.Header)

	writerDone := make(chan struct{})
	go r.write(conn, heartbeat, writerDone)
	r.read(conn, heartbeat, writerDone)
}

func (r *Remote) read(conn *websocket.Conn, heartbeat time.Duration, writerDone <-chan struct{}) {
	defer close(r.done)
	for {
		_, data, err := conn.ReadMessage()
		if err == nil {
			if heartbeat > 0 {
				_ = conn.SetReadDeadline(time.Now().Add(heartbeat * 2))
			}
			r.listener.RemoteWrites(data)
			continue
		}

		// let the writer flush the close reply, if any
		r.outbox.Close()
		select {
		case <-writerDone:
		case <-time.After(r.closeTimeout):
		}
		close(r.stop)
		_ = conn.Close()

		r.mu.Lock()
		cancelled, ended, closeSent := r.cancelled, r.ended, r.closeSent
		r.ended = true
		r.mu.Unlock()
		if cancelled || ended {
			return
		}

		var closeErr *websocket.CloseError
		switch {
		case errors.As(err, &closeErr):
			r.listener.RemoteClosed(closeErr.Code, closeErr.Text)
		case closeSent != nil:
			r.listener.RemoteClosed(closeSent.Code, closeSent.Message)
		default:
			r.listener.RemoteFailed(err, nil)
		}
		return
	}
}

func (r *Remote) write(conn *websocket.Conn, heartbeat time.Duration, done chan<- struct{}) {
	defer close(done)

	var ping <-chan time.Time
	if heartbeat > 0 {
		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		frames, closed := r.outbox.Drain()
		for _, f := range frames {
			if err := r.writeFrame(conn, f); err != nil {
				r.fail(conn, err)
				return
			}
		}
		if closed {
			return
		}
		select {
		case <-r.outbox.Signal():
		case <-r.stop:
			return
		case <-ping:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(r.writeTimeout)); err != nil {
				r.fail(conn, err)
				return
			}
		}
	}
}

func (r *Remote) writeFrame(conn *websocket.Conn, f frame) error {
	deadline := time.Now().Add(r.writeTimeout)
	if f.close != nil {
		msg := websocket.FormatCloseMessage(f.close.Code, f.close.Message)
		if err := conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
			return err
		}
		return conn.SetReadDeadline(time.Now().Add(r.closeTimeout))
	}
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.BinaryMessage, f.data)
}

// fail reports a write failure, unblocking the reader
func (r *Remote) fail(conn *websocket.Conn, err error) {
	r.mu.Lock()
	if r.ended || r.cancelled {
		r.mu.Unlock()
		return
	}
	r.ended = true
	r.mu.Unlock()
	r.logger.Debug().Err(err).Log(`websocket write failed`)
	r.listener.RemoteFailed(err, nil)
	_ = conn.Close()
}

// WriteToRemote implements socket.ToRemote.
func (r *Remote) WriteToRemote(data []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil || r.closeSent != nil || r.ended || r.cancelled {
		return false
	}
	return r.outbox.Push(frame{data: data})
}

// CloseRemote implements socket.ToRemote, sending a close frame, after any
// queued writes. The connection ends once the remote replies, or the close
// timeout elapses.
func (r *Remote) CloseRemote(status socket.CloseStatus) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil || r.closeSent != nil || r.ended || r.cancelled {
		return false
	}
	if status.Domain != socket.DomainWebSocket || !sendableCode(status.Code) {
		status = socket.CloseStatus{Domain: socket.DomainWebSocket, Code: socket.CodeNormal, Message: status.Message}
	}
	r.closeSent = &status
	return r.outbox.Push(frame{close: &status})
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
	case r.cancelDial != nil:
		r.cancelDial()
	default:
		close(r.done)
	}
}

// sendableCode excludes codes reserved for local use, per RFC 6455
func sendableCode(code int) bool {
	switch {
	case code == 1004, code == 1005, code == 1006, code == 1015:
		return false
	case code >= 1000 && code <= 1014:
		return true
	default:
		return code >= 3000 && code < 5000
	}
}

func websocketURL(u *url.URL) (string, bool) {
	if u == nil {
		return ``, false
	}
	v := *u
	switch v.Scheme {
	case `ws`, `wss`:
	case `http`:
		v.Scheme = `ws`
	case `https`:
		v.Scheme = `wss`
	default:
		return ``, false
	}
	return v.String(), true
}
