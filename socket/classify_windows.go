//go:build windows

// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package socket

import (
	"errors"

	"golang.org/x/sys/windows"
)

// Winsock errors have no POSIX code, so reset and refused are reported in the
// network domain.
func classifyErrno(err error) *Error {
	var errno windows.Errno
	if !errors.As(err, &errno) {
		return nil
	}
	switch errno {
	case windows.WSAECONNRESET, windows.WSAECONNABORTED:
		return newError(DomainNetwork, CodeConnectionReset, err)
	case windows.WSAECONNREFUSED:
		return newError(DomainNetwork, CodeConnectionRefused, err)
	case windows.WSAENETUNREACH:
		return newError(DomainNetwork, CodeNetworkUnreachable, err)
	case windows.WSAEHOSTUNREACH:
		return newError(DomainNetwork, CodeHostUnreachable, err)
	case windows.WSAETIMEDOUT:
		return newError(DomainNetwork, CodeTimeout, err)
	}
	return nil
}
