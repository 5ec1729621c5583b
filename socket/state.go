// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package socket

import (
	"fmt"

	"github.com/joeycumines/go-peerbridge/fsm"
	"github.com/joeycumines/logiface"
)

// SocketState is the lifecycle state of a Bridge.
type SocketState int32

const (
	StateInit SocketState = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
	StateFailed
)

// FramingMode governs which side is responsible for message and close
// framing. Values are fixed, as they cross the engine boundary.
type FramingMode int

const (
	// ClientFraming means the engine frames messages, including close
	// frames, and the transport carries raw bytes.
	ClientFraming FramingMode = 0
	// NoFraming means the transport frames messages, e.g. WebSocket.
	NoFraming FramingMode = 1
	// ServerFraming is reserved for passive peers, and is not supported by
	// Bridge.
	ServerFraming FramingMode = 2
)

var transitions = fsm.NewBuilder(StateFailed).
	AddTransition(StateInit, StateConnecting).
	AddTransition(StateConnecting, StateOpen, StateClosing).
	AddTransition(StateOpen, StateClosing, StateClosed).
	AddTransition(StateClosing, StateClosed)

func newStateMachine(logger *logiface.Logger[logiface.Event]) *fsm.Machine[SocketState] {
	return transitions.Build(StateInit, fsm.WithName(`socket`), fsm.WithLogger(logger))
}

func (x SocketState) String() string {
	switch x {
	case StateInit:
		return `init`
	case StateConnecting:
		return `connecting`
	case StateOpen:
		return `open`
	case StateClosing:
		return `closing`
	case StateClosed:
		return `closed`
	case StateFailed:
		return `failed`
	default:
		return fmt.Sprintf(`SocketState(%d)`, int32(x))
	}
}

// Terminal returns true for StateClosed and StateFailed.
func (x SocketState) Terminal() bool {
	return x == StateClosed || x == StateFailed
}

func (x FramingMode) String() string {
	switch x {
	case ClientFraming:
		return `client`
	case NoFraming:
		return `none`
	case ServerFraming:
		return `server`
	default:
		return fmt.Sprintf(`FramingMode(%d)`, int(x))
	}
}
