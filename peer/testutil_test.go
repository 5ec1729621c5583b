package peer

import (
	"runtime"
	"testing"
	"time"
)

// companion is large enough to avoid the tiny allocator, which would
// otherwise delay collection
type companion struct {
	name string
	buf  [32]byte
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
