package wsremote

import (
	"bytes"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/joeycumines/go-peerbridge/socket"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (x *syncBuffer) Write(p []byte) (int, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.buf.Write(p)
}

func (x *syncBuffer) String() string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.buf.String()
}

func newTestLogger(w *syncBuffer) *logiface.Logger[logiface.Event] {
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(w)),
		stumpy.L.WithLevel(logiface.LevelTrace),
	).Logger()
}

type event struct {
	headers http.Header
	data    []byte
	status  socket.CloseStatus
	kind    string
	code    int
}

type recordingCore struct {
	t      *testing.T
	events chan event
}

func newRecordingCore(t *testing.T) *recordingCore {
	return &recordingCore{t: t, events: make(chan event, 256)}
}

func (x *recordingCore) AckOpenToCore(status int, headers http.Header) {
	x.events <- event{kind: `AckOpenToCore`, code: status, headers: headers}
}

func (x *recordingCore) WriteToCore(data []byte) {
	x.events <- event{kind: `WriteToCore`, data: data}
}

func (x *recordingCore) AckWriteToCore(n int) {
	x.events <- event{kind: `AckWriteToCore`, code: n}
}

func (x *recordingCore) RequestCoreClose(status socket.CloseStatus) {
	x.events <- event{kind: `RequestCoreClose`, status: status}
}

func (x *recordingCore) CloseCore(status socket.CloseStatus) {
	x.events <- event{kind: `CloseCore`, status: status}
}

func (x *recordingCore) next(kind string) event {
	x.t.Helper()
	select {
	case e := <-x.events:
		require.Equal(x.t, kind, e.kind, e)
		return e
	case <-time.After(time.Second * 10):
		x.t.Fatalf(`timed out waiting for %s`, kind)
		panic(`unreachable`)
	}
}

func newTestBridge(t *testing.T, rawURL string, remoteOpts socket.RemoteOptions, opts ...Option) (*socket.Bridge, *recordingCore, *Remote) {
	t.Helper()
	var buf syncBuffer
	t.Cleanup(func() {
		if t.Failed() {
			t.Log(buf.String())
		}
	})
	core := newRecordingCore(t)
	remote := New(append([]Option{WithLogger(newTestLogger(&buf))}, opts...)...)
	b, err := socket.NewBridge(core, remote, rawURL, socket.NoFraming,
		socket.WithLogger(newTestLogger(&buf)),
		socket.WithRemoteOptions(remoteOpts),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		b.CancelRemote()
		select {
		case <-remote.Done():
		case <-time.After(time.Second * 10):
			t.Error(`remote not done`)
		}
	})
	return b, core, remote
}

func newEchoServer(t *testing.T, upgrader *websocket.Upgrader, responseHeader http.Header) *httptest.Server {
	t.Helper()
	if upgrader == nil {
		upgrader = new(websocket.Upgrader)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, responseHeader)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRemote_echo(t *testing.T) {
	srv := newEchoServer(t, nil, nil)
	b, core, remote := newTestBridge(t, srv.URL+`/db/_blipsync`, socket.RemoteOptions{})

	b.CoreRequestsOpen()
	e := core.next(`AckOpenToCore`)
	assert.Equal(t, http.StatusSwitchingProtocols, e.code)
	assert.Equal(t, socket.StateOpen, b.State())

	require.True(t, b.CoreWrites([]byte(`hello`)))
	events := make(map[string]event)
	for range 2 {
		select {
		case e := <-core.events:
			events[e.kind] = e
		case <-time.After(time.Second * 10):
			t.Fatal(`timed out`)
		}
	}
	assert.Equal(t, 5, events[`AckWriteToCore`].code)
	assert.Equal(t, []byte(`hello`), events[`WriteToCore`].data)

	b.CoreRequestsClose(socket.CloseStatus{Domain: socket.DomainWebSocket, Code: socket.CodeNormal, Message: `bye`})
	e = core.next(`CloseCore`)
	assert.True(t, e.status.Normal(), e.status)
	assert.Equal(t, socket.StateClosed, b.State())

	select {
	case <-remote.Done():
	case <-time.After(time.Second * 10):
		t.Fatal(`remote not done`)
	}
	assert.False(t, remote.WriteToRemote([]byte(`late`)))
}

func TestRemote_serverClose(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := new(websocket.Upgrader).Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, `restart`), time.Now().Add(time.Second))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	b, core, _ := newTestBridge(t, srv.URL, socket.RemoteOptions{})
	b.CoreRequestsOpen()
	core.next(`AckOpenToCore`)
	e := core.next(`CloseCore`)
	assert.Equal(t, socket.CodeGoingAway, e.status.Code)
	assert.Equal(t, `restart`, e.status.Message)
	assert.Equal(t, socket.StateClosed, b.State())
}

func TestRemote_handshakeRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `login required`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	b, core, _ := newTestBridge(t, srv.URL, socket.RemoteOptions{})
	b.CoreRequestsOpen()
	e := core.next(`CloseCore`)
	assert.Equal(t, socket.StateFailed, b.State())
	assert.Equal(t, socket.DomainWebSocket, e.status.Domain)
	assert.Equal(t, http.StatusUnauthorized, e.status.Code)
}

func TestRemote_connectionRefused(t *testing.T) {
	ln, err := net.Listen(`tcp`, `127.0.0.1:0`)
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	b, core, _ := newTestBridge(t, `ws://`+addr, socket.RemoteOptions{})
	b.CoreRequestsOpen()
	e := core.next(`CloseCore`)
	assert.Equal(t, socket.StateFailed, b.State())
	assert.Equal(t, socket.DomainPOSIX, e.status.Domain)
	assert.Equal(t, socket.CodeConnRefused, e.status.Code)
}

func TestRemote_requestOptions(t *testing.T) {
	var (
		mu  sync.Mutex
		got *http.Request
	)
	upgrader := &websocket.Upgrader{Subprotocols: []string{`BLIP_3+CBMobile_3`}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		got = r.Clone(r.Context())
		mu.Unlock()
		conn, err := upgrader.Upgrade(w, r, http.Header{`Set-Cookie`: {`SyncGatewaySession=xyz; Path=/`}})
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	jar, err := socket.NewCookieJar()
	require.NoError(t, err)
	b, core, _ := newTestBridge(t, srv.URL+`/db`, socket.RemoteOptions{
		Header:    http.Header{`X-Client`: {`test`}, `Cookie`: {`explicit=1`}},
		Cookies:   jar,
		Auth:      &socket.BasicAuth{Username: `u`, Password: `p`},
		Protocols: []string{`BLIP_3+CBMobile_3`},
	})
	b.CoreRequestsOpen()
	e := core.next(`AckOpenToCore`)
	assert.Equal(t, `BLIP_3+CBMobile_3`, e.headers.Get(`Sec-Websocket-Protocol`))

	mu.Lock()
	req := got
	mu.Unlock()
	require.NotNil(t, req)
	assert.Equal(t, `test`, req.Header.Get(`X-Client`))
	assert.Equal(t, `explicit=1`, req.Header.Get(`Cookie`))
	user, pass, ok := req.BasicAuth()
	assert.True(t, ok)
	assert.Equal(t, `u`, user)
	assert.Equal(t, `p`, pass)

	u, err := url.Parse(srv.URL + `/db`)
	require.NoError(t, err)
	cookies := jar.Cookies(u)
	require.Len(t, cookies, 1)
	assert.Equal(t, `xyz`, cookies[0].Value)
}

func TestRemote_cancel(t *testing.T) {
	t.Run(`open`, func(t *testing.T) {
		srv := newEchoServer(t, nil, nil)
		b, core, remote := newTestBridge(t, srv.URL, socket.RemoteOptions{})
		b.CoreRequestsOpen()
		core.next(`AckOpenToCore`)
		b.CancelRemote()
		e := core.next(`CloseCore`)
		assert.Equal(t, socket.CodeGoingAway, e.status.Code)
		select {
		case <-remote.Done():
		case <-time.After(time.Second * 10):
			t.Fatal(`remote not done`)
		}
	})

	t.Run(`dialing`, func(t *testing.T) {
		ln, err := net.Listen(`tcp`, `127.0.0.1:0`)
		require.NoError(t, err)
		defer ln.Close()
		b, core, remote := newTestBridge(t, `ws://`+ln.Addr().String(), socket.RemoteOptions{ConnectTimeout: time.Second * 5})
		b.CoreRequestsOpen()
		b.CancelRemote()
		core.next(`CloseCore`)
		assert.Equal(t, socket.StateFailed, b.State())
		select {
		case <-remote.Done():
		case <-time.After(time.Second * 10):
			t.Fatal(`remote not done`)
		}
	})

	t.Run(`never opened`, func(t *testing.T) {
		remote := New()
		remote.CancelRemote()
		remote.CancelRemote()
		<-remote.Done()
		assert.False(t, remote.OpenRemote(&socket.OpenRequest{URL: &url.URL{Scheme: `ws`, Host: `example.com`}}))
	})
}

func TestRemote_connectTimeout(t *testing.T) {
	ln, err := net.Listen(`tcp`, `127.0.0.1:0`)
	require.NoError(t, err)
	defer ln.Close()

	b, core, _ := newTestBridge(t, `ws://`+ln.Addr().String(), socket.RemoteOptions{ConnectTimeout: time.Millisecond * 100})
	b.CoreRequestsOpen()
	e := core.next(`CloseCore`)
	assert.Equal(t, socket.StateFailed, b.State())
	assert.Equal(t, socket.DomainNetwork, e.status.Domain)
	assert.Equal(t, socket.CodeTimeout, e.status.Code)
}

func TestRemote_pinnedCert(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := new(websocket.Upgrader).Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()
	wssURL := `wss://` + strings.TrimPrefix(srv.URL, `https://`)

	t.Run(`match`, func(t *testing.T) {
		b, core, _ := newTestBridge(t, wssURL, socket.RemoteOptions{PinnedServerCert: srv.Certificate().Raw})
		b.CoreRequestsOpen()
		core.next(`AckOpenToCore`)
		assert.Equal(t, socket.StateOpen, b.State())
	})

	t.Run(`mismatch`, func(t *testing.T) {
		b, core, _ := newTestBridge(t, wssURL, socket.RemoteOptions{PinnedServerCert: []byte(`other`)})
		b.CoreRequestsOpen()
		e := core.next(`CloseCore`)
		assert.Equal(t, socket.DomainNetwork, e.status.Domain)
		assert.Equal(t, socket.CodeTLSCertUntrusted, e.status.Code)
	})

	t.Run(`untrusted`, func(t *testing.T) {
		b, core, _ := newTestBridge(t, wssURL, socket.RemoteOptions{})
		b.CoreRequestsOpen()
		e := core.next(`CloseCore`)
		assert.Equal(t, socket.DomainNetwork, e.status.Domain)
		assert.Equal(t, socket.CodeTLSCertUnknownRoot, e.status.Code)
	})
}

func TestRemote_heartbeat(t *testing.T) {
	pings := make(chan struct{}, 16)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := new(websocket.Upgrader).Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.SetPingHandler(func(data string) error {
			select {
			case pings <- struct{}{}:
			default:
			}
			return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	b, core, _ := newTestBridge(t, srv.URL, socket.RemoteOptions{Heartbeat: time.Millisecond * 50})
	b.CoreRequestsOpen()
	core.next(`AckOpenToCore`)
	for range 3 {
		select {
		case <-pings:
		case <-time.After(time.Second * 5):
			t.Fatal(`expected ping`)
		}
	}
	assert.Equal(t, socket.StateOpen, b.State())
}

func TestSendableCode(t *testing.T) {
	for code, want := range map[int]bool{
		999:  false,
		1000: true,
		1001: true,
		1004: false,
		1005: false,
		1006: false,
		1011: true,
		1015: false,
		2000: false,
		3000: true,
		4999: true,
		5000: false,
	} {
		assert.Equal(t, want, sendableCode(code), code)
	}
}

func TestWebsocketURL(t *testing.T) {
	for in, want := range map[string]string{
		`http://example.com/a`:  `ws://example.com/a`,
		`https://example.com/a`: `wss://example.com/a`,
		`ws://example.com`:      `ws://example.com`,
		`wss://example.com`:     `wss://example.com`,
		`tcp://example.com`:     ``,
	} {
		u, err := url.Parse(in)
		require.NoError(t, err)
		got, ok := websocketURL(u)
		assert.Equal(t, want != ``, ok, in)
		assert.Equal(t, want, got, in)
	}
	_, ok := websocketURL(nil)
	assert.False(t, ok)
}
