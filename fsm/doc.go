// Package fsm implements a small, table driven finite state machine, which
// validates transitions without panicking or returning errors.
//
// A [Machine] is built from a [Builder], which records, for each source state,
// the set of legal target states, plus a distinguished failure state. The
// failure state is reachable from every source state, and may not itself be
// used as a source. States that are not a source are terminal.
// Illegal transitions are rejected, logged (at most once per window, per
// transition), and reported via the boolean result of [Machine.SetState].
//
// Machines are not safe for concurrent use. The owner must serialize access.
package fsm
