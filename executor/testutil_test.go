package executor

import (
	"bytes"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
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

// checkNumGoroutines records the number of goroutines, returning a func that
// fails the test if the number has not returned to at most that, before the
// timeout.
func checkNumGoroutines(timeout time.Duration) func(t *testing.T) {
	before := runtime.NumGoroutine()
	return func(t *testing.T) {
		t.Helper()
		deadline := time.Now().Add(timeout)
		for {
			after := runtime.NumGoroutine()
			if after <= before {
				return
			}
			if time.Now().After(deadline) {
				t.Errorf(`goroutine leak: before=%d after=%d`, before, after)
				return
			}
			time.Sleep(time.Millisecond * 10)
		}
	}
}

func newTestPool(t *testing.T) *Pool {
	pool := NewPool(&PoolConfig{KeepAlive: time.Millisecond * 50})
	t.Cleanup(func() {
		_ = pool.Close()
		select {
		case <-pool.Done():
		case <-time.After(time.Second * 5):
			t.Error(`pool did not stop`)
		}
	})
	return pool
}
