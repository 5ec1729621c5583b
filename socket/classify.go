// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package socket

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
)

// FailureStatus maps an HTTP response to a failed open, e.g. a rejected
// WebSocket upgrade, to a CloseStatus.
//
// 101 (an upgrade response the transport could not complete) is a protocol
// error, statuses in [300, 1000) are used as the code verbatim, and all
// others are a policy error.
func FailureStatus(statusCode int, message string) CloseStatus {
	status := CloseStatus{Domain: DomainWebSocket, Message: message}
	switch {
	case statusCode == http.StatusSwitchingProtocols:
		status.Code = CodeProtocolError
	case statusCode >= 300 && statusCode < 1000:
		status.Code = statusCode
	default:
		status.Code = CodePolicyError
	}
	if status.Message == `` {
		status.Message = http.StatusText(statusCode)
	}
	return status
}

// Classify maps a transport failure to a CloseStatus. If resp is non-nil, it
// takes precedence, see FailureStatus.
func Classify(err error, resp *http.Response) CloseStatus {
	if resp != nil {
		var message string
		if err != nil {
			message = err.Error()
		}
		return FailureStatus(resp.StatusCode, message)
	}
	if err == nil {
		return CloseStatus{Domain: DomainWebSocket, Code: CodeAbnormal, Message: `connection lost`}
	}
	return classifyError(err).Status
}

func classifyError(err error) *Error {
	var sockErr *Error
	if errors.As(err, &sockErr) {
		return sockErr
	}

	if errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
		return newError(DomainNetwork, CodeTimeout, err)
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsNotFound {
			return newError(DomainNetwork, CodeUnknownHost, err)
		}
		return newError(DomainNetwork, CodeDNSFailure, err)
	}

	if e := classifyTLSError(err); e != nil {
		return e
	}

	if e := classifyErrno(err); e != nil {
		return e
	}

	var addrErr *net.AddrError
	if errors.As(err, &addrErr) {
		return newError(DomainNetwork, CodeInvalidURL, err)
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return newError(DomainWebSocket, CodeAbnormal, err)
	}

	return newError(DomainWebSocket, CodePolicyError, err)
}

func classifyTLSError(err error) *Error {
	var (
		unknownAuthority x509.UnknownAuthorityError
		invalid          x509.CertificateInvalidError
		hostname         x509.HostnameError
		verification     *tls.CertificateVerificationError
		record           tls.RecordHeaderError
		alert            tls.AlertError
	)
	switch {
	case errors.As(err, &unknownAuthority):
		return newError(DomainNetwork, CodeTLSCertUnknownRoot, err)
	case errors.As(err, &invalid):
		if invalid.Reason == x509.Expired {
			return newError(DomainNetwork, CodeTLSCertExpired, err)
		}
		return newError(DomainNetwork, CodeTLSCertUntrusted, err)
	case errors.As(err, &hostname):
		return newError(DomainNetwork, CodeTLSCertNameMismatch, err)
	case errors.As(err, &verification):
		return newError(DomainNetwork, CodeTLSCertUntrusted, err)
	case errors.As(err, &record), errors.As(err, &alert):
		return newError(DomainNetwork, CodeTLSHandshakeFailed, err)
	}
	return nil
}

// programmingError models misuse of the bridge
func programmingError(code int, format string, args ...any) CloseStatus {
	return CloseStatus{
		Domain:  DomainProgramming,
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}
