// Package socket bridges an engine-facing socket contract and a concrete
// remote transport.
//
// The engine drives a [Bridge] through [FromCore], and receives acks, data,
// and close notifications through [ToCore]. A transport implements
// [ToRemote], and reports back through [FromRemote]. Calls from either side
// may arrive on any goroutine, in any order. Every state-affecting call holds
// the bridge's lock for the duration of the transition only, and all calls to
// ToCore are delivered in order, from a serial executor, without holding the
// lock.
//
// A [Factory] addresses bridges by [peer.Handle], for engines that can only
// carry an integer.
package socket
