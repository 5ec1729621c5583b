// Package executor schedules tasks over a shared, cached goroutine pool.
//
// [Serial] runs the tasks of one logical stream in strict submission order,
// one at a time. [Concurrent] runs tasks with no ordering guarantee.
// [ClientTaskRunner] isolates client-authored callbacks on a separate,
// bounded set of goroutines, blocking its caller until the callback returns or
// a fixed timeout elapses.
//
// Each exposes a Dump method, writing goroutine stacks and queued tasks, gated
// by a [DumpLimiter] which is intended to be shared between executors.
package executor
