//go:build unix

// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package socket

import (
	"errors"

	"golang.org/x/sys/unix"
)

func classifyErrno(err error) *Error {
	var errno unix.Errno
	if !errors.As(err, &errno) {
		return nil
	}
	switch errno {
	case unix.ECONNRESET, unix.EPIPE:
		return newError(DomainPOSIX, CodeConnReset, err)
	case unix.ECONNREFUSED:
		return newError(DomainPOSIX, CodeConnRefused, err)
	case unix.ENETUNREACH:
		return newError(DomainNetwork, CodeNetworkUnreachable, err)
	case unix.EHOSTUNREACH:
		return newError(DomainNetwork, CodeHostUnreachable, err)
	case unix.ETIMEDOUT:
		return newError(DomainNetwork, CodeTimeout, err)
	}
	return nil
}
