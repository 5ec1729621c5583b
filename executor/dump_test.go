package executor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDumpLimiter(t *testing.T) {
	l := NewDumpLimiter(map[time.Duration]int{time.Hour: 2})
	assert.True(t, l.Allow())
	assert.True(t, l.Allow())
	assert.False(t, l.Allow())
	l.Reset()
	assert.True(t, l.Allow())
}

func TestDumpLimiter_sharedAcrossExecutors(t *testing.T) {
	pool := newTestPool(t)
	l := NewDumpLimiter(map[time.Duration]int{time.Hour: 1})
	s := NewSerial(pool, WithDumpLimiter(l))
	c := NewConcurrent(pool, WithDumpLimiter(l))
	r := NewClientTaskRunner(WithDumpLimiter(l))

	var w discard
	assert.True(t, s.Dump(&w))
	assert.False(t, c.Dump(&w))
	assert.False(t, r.Dump(&w))
}

func TestNewDumpLimiter_invalid(t *testing.T) {
	assert.Panics(t, func() { NewDumpLimiter(map[time.Duration]int{-time.Second: 1}) })
}

func TestPendingTask(t *testing.T) {
	task := newPendingTask(func() {}, false)
	_, ok := task.Started()
	assert.False(t, ok)
	assert.Contains(t, task.String(), `queued`)
	assert.Nil(t, task.Stack())

	task.run(nil, ``)
	started, ok := task.Started()
	assert.True(t, ok)
	finished, ok := task.Finished()
	assert.True(t, ok)
	assert.False(t, finished.Before(started))
	assert.False(t, started.Before(task.Created().Truncate(time.Second)))
	assert.Contains(t, task.String(), `finished`)
	assert.NotEqual(t, task.ID(), newPendingTask(func() {}, false).ID())
	assert.NotEmpty(t, newPendingTask(func() {}, true).Stack())
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
