// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package socket

import (
	"fmt"
)

// Domain identifies the namespace of a CloseStatus code.
type Domain int

const (
	// DomainEngine codes are generic engine errors.
	DomainEngine Domain = 1
	// DomainPOSIX codes are errno values, as numbered on Linux.
	DomainPOSIX Domain = 2
	// DomainNetwork codes are network and TLS failures.
	DomainNetwork Domain = 5
	// DomainWebSocket codes are WebSocket close codes, or HTTP statuses.
	DomainWebSocket Domain = 6
	// DomainProgramming codes indicate misuse of the bridge, by either side.
	DomainProgramming Domain = 100
)

// WebSocket close codes.
const (
	CodeNormal        = 1000
	CodeGoingAway     = 1001
	CodeProtocolError = 1002
	CodePolicyError   = 1008
	CodeAbnormal      = 1006
)

// POSIX codes.
const (
	CodeConnReset   = 104 // ECONNRESET
	CodeConnRefused = 111 // ECONNREFUSED
)

// Network codes.
const (
	CodeDNSFailure          = 1
	CodeUnknownHost         = 2
	CodeTimeout             = 3
	CodeInvalidURL          = 4
	CodeTLSHandshakeFailed  = 6
	CodeTLSCertExpired      = 7
	CodeTLSCertUntrusted    = 8
	CodeTLSCertUnknownRoot  = 11
	CodeTLSCertNameMismatch = 15
	CodeConnectionReset     = 18 // where no POSIX code applies
	CodeConnectionRefused   = 19 // where no POSIX code applies
	CodeNetworkUnreachable  = 21
	CodeHostUnreachable     = 24
)

// Engine and programming codes.
const (
	CodeAssertionFailed  = 1
	CodeNotOpen          = 6
	CodeInvalidParameter = 9
)

// CloseStatus describes why a connection ended.
type CloseStatus struct {
	Message string
	Domain  Domain
	Code    int
}

// Error models a failure as a CloseStatus, optionally with an underlying
// cause. Is matches any *Error with the same domain and code.
type Error struct {
	Cause  error
	Status CloseStatus
}

// ErrNormalClose matches a normal WebSocket closure.
var ErrNormalClose = &Error{Status: CloseStatus{Domain: DomainWebSocket, Code: CodeNormal}}

func (d Domain) String() string {
	switch d {
	case DomainEngine:
		return `engine`
	case DomainPOSIX:
		return `posix`
	case DomainNetwork:
		return `network`
	case DomainWebSocket:
		return `websocket`
	case DomainProgramming:
		return `programming`
	default:
		return fmt.Sprintf(`domain(%d)`, int(d))
	}
}

// Normal returns true if the status indicates a normal closure.
func (x CloseStatus) Normal() bool {
	return x.Domain == DomainWebSocket && x.Code == CodeNormal
}

func (x CloseStatus) String() string {
	if x.Message == `` {
		return fmt.Sprintf(`%s/%d`, x.Domain, x.Code)
	}
	return fmt.Sprintf(`%s/%d: %s`, x.Domain, x.Code, x.Message)
}

// Err returns the status as an *Error.
func (x CloseStatus) Err() error {
	return &Error{Status: x}
}

func (e *Error) Error() string {
	if e.Cause != nil && e.Status.Message == `` {
		return fmt.Sprintf(`socket: %s: %v`, e.Status, e.Cause)
	}
	return `socket: ` + e.Status.String()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Status.Domain == e.Status.Domain && t.Status.Code == e.Status.Code
}

func newError(domain Domain, code int, cause error) *Error {
	e := &Error{Cause: cause, Status: CloseStatus{Domain: domain, Code: code}}
	if cause != nil {
		e.Status.Message = cause.Error()
	}
	return e
}
