// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package executor

import (
	"bytes"
	"fmt"
	"io"
	"runtime"
	"sync"
	"time"

	"github.com/joeycumines/go-catrate"
)

// DefaultDumpRates are the rates used by NewDumpLimiter, if none are given.
var DefaultDumpRates = map[time.Duration]int{
	time.Minute:    1,
	time.Hour * 24: 10,
}

// DumpLimiter gates diagnostic dumps, so that repeated failures do not cause
// a logging storm. A single instance is intended to be shared by all
// executors. The zero value is not usable, use NewDumpLimiter.
type DumpLimiter struct {
	rates   map[time.Duration]int
	limiter *catrate.Limiter
	mu      sync.Mutex
}

type dumpCategory struct{}

// NewDumpLimiter initializes a DumpLimiter. Rates are as per catrate, and
// default to DefaultDumpRates, if empty. Invalid rates cause a panic.
func NewDumpLimiter(rates map[time.Duration]int) *DumpLimiter {
	if len(rates) == 0 {
		rates = DefaultDumpRates
	}
	return &DumpLimiter{
		rates:   rates,
		limiter: catrate.NewLimiter(rates),
	}
}

// Allow registers a dump, returning false if it must be skipped.
func (x *DumpLimiter) Allow() bool {
	x.mu.Lock()
	limiter := x.limiter
	x.mu.Unlock()
	_, ok := limiter.Allow(dumpCategory{})
	return ok
}

// Reset discards all previously registered dumps.
func (x *DumpLimiter) Reset() {
	limiter := catrate.NewLimiter(x.rates)
	x.mu.Lock()
	x.limiter = limiter
	x.mu.Unlock()
}

// writeDump writes goroutine stacks followed by the tasks. Write errors are
// ignored.
func writeDump(w io.Writer, kind, name string, tasks []*PendingTask) {
	buf := make([]byte, 64<<10)
	for {
		n := runtime.Stack(buf, true)
		if n < len(buf) {
			buf = buf[:n]
			break
		}
		buf = make([]byte, len(buf)*2)
	}

	if name == `` {
		name = `unnamed`
	}
	_, _ = fmt.Fprintf(w, "=== %s executor %q: %d task(s)\n", kind, name, len(tasks))
	for _, t := range tasks {
		_, _ = fmt.Fprintf(w, "  %s\n", t)
		if len(t.stack) != 0 {
			_, _ = fmt.Fprintf(w, "    submitted from:\n%s\n", bytes.TrimSpace(t.stack))
		}
	}
	_, _ = fmt.Fprintf(w, "=== goroutines\n%s\n", buf)
}
