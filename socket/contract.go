// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package socket

import (
	"net/http"
	"sync"
)

type (
	// ToCore is implemented by the engine. Calls are delivered in order, from
	// a single goroutine at a time, and never while the bridge's lock is held.
	ToCore interface {
		// AckOpenToCore reports the remote accepted the connection.
		AckOpenToCore(status int, headers http.Header)
		// WriteToCore delivers data received from the remote.
		WriteToCore(data []byte)
		// AckWriteToCore reports n bytes passed to CoreWrites were accepted
		// by the transport. They may still be queued for sending.
		AckWriteToCore(n int)
		// RequestCoreClose forwards a close request from the remote, under
		// ClientFraming.
		RequestCoreClose(status CloseStatus)
		// CloseCore reports the connection has ended. It is the last call.
		CloseCore(status CloseStatus)
	}

	// FromCore is implemented by Bridge, and called by the engine.
	FromCore interface {
		CoreRequestsOpen()
		CoreWrites(data []byte) bool
		CoreAcksWrite(n int)
		CoreRequestsClose(status CloseStatus)
		CoreClosed()
	}

	// ToRemote is implemented by transports. OpenRemote, WriteToRemote and
	// CloseRemote must not block on the network, and must not call back into
	// the FromRemote synchronously. Each returns false if the request could
	// not be accepted, e.g. because the connection is already closed.
	ToRemote interface {
		// Init is called once, before any other method.
		Init(listener FromRemote)
		OpenRemote(req *OpenRequest) bool
		WriteToRemote(data []byte) bool
		CloseRemote(status CloseStatus) bool
		// CancelRemote tears down the connection immediately. It must be
		// safe to call at any time, any number of times.
		CancelRemote()
	}

	// FromRemote is implemented by Bridge, and called by transports. Exactly
	// one of RemoteClosed or RemoteFailed should be called, to end the
	// connection. Later calls are dropped.
	FromRemote interface {
		// GetLock returns the lock guarding the bridge's state. It must not
		// be held while calling any other FromRemote method.
		GetLock() sync.Locker
		RemoteOpened(status int, headers http.Header)
		// RemoteWrites delivers data received. The transport must not
		// modify data after the call.
		RemoteWrites(data []byte)
		RemoteRequestedClose(code int, reason string)
		RemoteClosed(code int, reason string)
		RemoteFailed(err error, resp *http.Response)
	}

	// ReadAcker may be implemented by transports that apply flow control to
	// reads, and is called with the byte counts passed to CoreAcksWrite.
	ReadAcker interface {
		AckReceived(n int)
	}
)
