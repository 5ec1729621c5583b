// Package cleaner runs cleanup actions once tracked values become
// unreachable, on a dedicated goroutine, decoupled from the timing of the
// garbage collector's own cleanup goroutine.
//
// Explicit cleanup, e.g. a Close method calling [Cleanable.Clean], should
// always be the primary path. Collection-driven cleanup is a best-effort
// safety net for values that were never closed.
//
// An action must not reference its target, directly or indirectly, or the
// target will never become unreachable. Each action runs at most once,
// regardless of whether it was triggered explicitly or by collection.
package cleaner
