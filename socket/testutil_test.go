package socket

import (
	"bytes"
	"net/http"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
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

type coreEvent struct {
	headers http.Header
	data    []byte
	status  CloseStatus
	kind    string
	code    int
}

// fakeCore records calls to ToCore, failing the test on any call after
// CloseCore, or on concurrent calls
type fakeCore struct {
	t       *testing.T
	events  chan coreEvent
	log     []coreEvent
	mu      sync.Mutex
	active  atomic.Int32
	closed  bool
	blockOn chan struct{}
}

func newFakeCore(t *testing.T) *fakeCore {
	return &fakeCore{t: t, events: make(chan coreEvent, 1024)}
}

func (x *fakeCore) record(e coreEvent) {
	if x.active.Add(1) != 1 {
		x.t.Errorf(`concurrent call to core: %s`, e.kind)
	}
	defer x.active.Add(-1)
	x.mu.Lock()
	if x.closed {
		x.t.Errorf(`call to core after close: %s`, e.kind)
	}
	if e.kind == `CloseCore` {
		x.closed = true
	}
	x.log = append(x.log, e)
	x.mu.Unlock()
	if x.blockOn != nil {
		<-x.blockOn
	}
	x.events <- e
}

func (x *fakeCore) AckOpenToCore(status int, headers http.Header) {
	x.record(coreEvent{kind: `AckOpenToCore`, code: status, headers: headers})
}

func (x *fakeCore) WriteToCore(data []byte) {
	x.record(coreEvent{kind: `WriteToCore`, data: data})
}

func (x *fakeCore) AckWriteToCore(n int) {
	x.record(coreEvent{kind: `AckWriteToCore`, code: n})
}

func (x *fakeCore) RequestCoreClose(status CloseStatus) {
	x.record(coreEvent{kind: `RequestCoreClose`, status: status})
}

func (x *fakeCore) CloseCore(status CloseStatus) {
	x.record(coreEvent{kind: `CloseCore`, status: status})
}

// next waits for the next event, failing if it is not of the given kind
func (x *fakeCore) next(kind string) coreEvent {
	x.t.Helper()
	select {
	case e := <-x.events:
		require.Equal(x.t, kind, e.kind)
		return e
	case <-time.After(time.Second * 5):
		x.t.Fatalf(`timed out waiting for %s`, kind)
		panic(`unreachable`)
	}
}

func (x *fakeCore) none() {
	x.t.Helper()
	select {
	case e := <-x.events:
		x.t.Fatalf(`unexpected event: %s`, e.kind)
	case <-time.After(time.Millisecond * 20):
	}
}

func (x *fakeCore) kinds() []string {
	x.mu.Lock()
	defer x.mu.Unlock()
	kinds := make([]string, len(x.log))
	for i, e := range x.log {
		kinds[i] = e.kind
	}
	return kinds
}

// fakeRemote records calls to ToRemote
type fakeRemote struct {
	listener  FromRemote
	request   *OpenRequest
	writes    [][]byte
	closes    []CloseStatus
	mu        sync.Mutex
	cancelled atomic.Int32
	rejectAll bool
}

func (x *fakeRemote) Init(listener FromRemote) { x.listener = listener }

func (x *fakeRemote) OpenRemote(req *OpenRequest) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.request = req
	return !x.rejectAll
}

func (x *fakeRemote) WriteToRemote(data []byte) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.rejectAll {
		return false
	}
	x.writes = append(x.writes, data)
	return true
}

func (x *fakeRemote) CloseRemote(status CloseStatus) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.closes = append(x.closes, status)
	return !x.rejectAll
}

func (x *fakeRemote) CancelRemote() { x.cancelled.Add(1) }

func (x *fakeRemote) getWrites() [][]byte {
	x.mu.Lock()
	defer x.mu.Unlock()
	return append([][]byte(nil), x.writes...)
}

func (x *fakeRemote) getCloses() []CloseStatus {
	x.mu.Lock()
	defer x.mu.Unlock()
	return append([]CloseStatus(nil), x.closes...)
}

func (x *fakeRemote) getRequest() *OpenRequest {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.request
}

// fakeAckingRemote also implements ReadAcker
type fakeAckingRemote struct {
	fakeRemote
	acked atomic.Int64
}

func (x *fakeAckingRemote) AckReceived(n int) { x.acked.Add(int64(n)) }

func newTestBridge(t *testing.T, framing FramingMode, opts ...Option) (*Bridge, *fakeCore, *fakeRemote) {
	t.Helper()
	core := newFakeCore(t)
	remote := new(fakeRemote)
	b, err := NewBridge(core, remote, `ws://example.com/db`, framing, opts...)
	require.NoError(t, err)
	require.Same(t, b, remote.listener)
	return b, core, remote
}

// openTestBridge returns a bridge in the open state
func openTestBridge(t *testing.T, framing FramingMode, opts ...Option) (*Bridge, *fakeCore, *fakeRemote) {
	t.Helper()
	b, core, remote := newTestBridge(t, framing, opts...)
	b.CoreRequestsOpen()
	require.Equal(t, StateConnecting, b.State())
	b.RemoteOpened(200, http.Header{})
	core.next(`AckOpenToCore`)
	require.Equal(t, StateOpen, b.State())
	return b, core, remote
}

func waitDone(t *testing.T, b *Bridge) {
	t.Helper()
	select {
	case <-b.Done():
	case <-time.After(time.Second * 5):
		t.Fatal(`bridge not done`)
	}
}

// waitForGC repeatedly collects garbage until cond returns true
func waitForGC(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(`condition not met before timeout`)
		}
		runtime.GC()
		time.Sleep(time.Millisecond * 5)
	}
}
