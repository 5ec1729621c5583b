//go:build !unix && !windows

// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package socket

func classifyErrno(error) *Error { return nil }
