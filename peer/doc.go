// Package peer maps opaque integer handles to Go values, so that code which
// may only carry an integer (e.g. a native replication engine) can later
// redeem it for its Go companion.
//
// # Handles
//
// A [Handle] is a positive integer in [MinHandle, MaxHandle], chosen at random
// by [Table.Reserve]. Values below MinHandle are reserved, to model "closed" or
// "invalid". Reservation happens before the bound value exists, so that a value
// under construction can know its own handle.
//
// # Weak bindings
//
// A [Table] holds its values weakly, via [weak.Pointer]. It never keeps a value
// alive. Once nothing else references a bound value, [Table.Get] reports it as
// absent, and the slot is reclaimed. Callers that need a value to stay alive
// must retain it themselves.
//
// # Per-handle locks
//
// [LockManager] hands out one [Lock] per handle, discarding it once it becomes
// unreachable. Callers must retain the returned lock for as long as they use
// it: a caller asking for the lock of the same handle, after the previous lock
// was collected, receives a new, unrelated, lock.
package peer
