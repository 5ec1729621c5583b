// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package socket

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"
)

type (
	// RemoteOptions configure the connection to the remote.
	RemoteOptions struct {
		// Header are extra request headers. A Cookie header is merged with
		// any cookies from Cookies, see OpenRequest.Cookies.
		Header http.Header

		// Cookies is the cookie store, which receives any Set-Cookie headers
		// in the open response. May be nil.
		Cookies http.CookieJar

		// Auth sets HTTP basic authentication, if non-nil.
		Auth *BasicAuth

		// RootCAs are the trusted roots. Defaults to the system roots.
		RootCAs *x509.CertPool

		// ClientCert is presented to the server, if non-nil.
		ClientCert *tls.Certificate

		// Observer is called for every state change, via the bridge's
		// ClientTaskRunner. Errors are logged.
		Observer func(ctx context.Context, change StateChange) error

		// Protocols are the requested sub-protocols.
		Protocols []string

		// PinnedServerCert is the DER encoded certificate the server must
		// present, as its leaf. Chain verification is skipped.
		PinnedServerCert []byte

		// ConnectTimeout bounds the open, including the TLS handshake.
		ConnectTimeout time.Duration

		// Heartbeat is the interval between keep-alive pings, if supported by
		// the transport. Disabled if 0.
		Heartbeat time.Duration

		// OnlySelfSignedServerCert accepts only a self-signed leaf, with no
		// chain verification.
		OnlySelfSignedServerCert bool
	}

	// BasicAuth are HTTP basic authentication credentials.
	BasicAuth struct {
		Username string
		Password string
	}

	// OpenRequest is the transport request built by a Bridge, from a URL and
	// RemoteOptions.
	OpenRequest struct {
		URL *url.URL

		// Header excludes Cookie.
		Header http.Header

		// TLS is nil for plain connections.
		TLS *tls.Config

		// Cookies is the value for the Cookie header: any explicit header
		// value, followed by stored cookies, joined by "; ".
		Cookies string

		Protocols      []string
		ConnectTimeout time.Duration
		Heartbeat      time.Duration
	}

	// StateChange is passed to RemoteOptions.Observer.
	StateChange struct {
		// Status is set for terminal states.
		Status *CloseStatus
		From   SocketState
		To     SocketState
	}
)

var (
	errPinnedCertMismatch = newError(DomainNetwork, CodeTLSCertUntrusted, errors.New(`server certificate does not match pinned certificate`))
	errNotSelfSigned      = newError(DomainNetwork, CodeTLSCertUntrusted, errors.New(`server certificate is not self-signed`))
)

// NewCookieJar returns an in-memory cookie store, using the public suffix
// list to prevent cookies being set for entire top level domains.
func NewCookieJar() (http.CookieJar, error) {
	return cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
}

// NewOpenRequest builds the transport request. Only ws, wss, http, https,
// tcp and tls URLs are supported.
func NewOpenRequest(rawURL string, opts *RemoteOptions) (*OpenRequest, error) {
	if opts == nil {
		opts = new(RemoteOptions)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, newError(DomainNetwork, CodeInvalidURL, err)
	}
	if u.Host == `` {
		return nil, newError(DomainNetwork, CodeInvalidURL, fmt.Errorf(`missing host: %s`, rawURL))
	}

	var secure bool
	switch u.Scheme {
	case `ws`, `http`, `tcp`:
	case `wss`, `https`, `tls`:
		secure = true
	default:
		return nil, newError(DomainNetwork, CodeInvalidURL, fmt.Errorf(`unsupported scheme: %s`, u.Scheme))
	}

	req := OpenRequest{
		URL:            u,
		Header:         opts.Header.Clone(),
		Protocols:      opts.Protocols,
		ConnectTimeout: opts.ConnectTimeout,
		Heartbeat:      opts.Heartbeat,
	}
	if req.Header == nil {
		req.Header = make(http.Header)
	}

	if opts.Auth != nil {
		req.Header.Set(`Authorization`, `Basic `+base64.StdEncoding.EncodeToString([]byte(opts.Auth.Username+`:`+opts.Auth.Password)))
	}

	req.Cookies = mergeCookies(req.Header.Values(`Cookie`), opts.Cookies, u)
	req.Header.Del(`Cookie`)

	if secure {
		req.TLS = newTLSConfig(u, opts)
	}

	return &req, nil
}

func mergeCookies(explicit []string, jar http.CookieJar, u *url.URL) string {
	parts := make([]string, 0, len(explicit)+1)
	for _, v := range explicit {
		if v = strings.TrimSpace(v); v != `` {
			parts = append(parts, v)
		}
	}
	if jar != nil {
		var stored []string
		for _, c := range jar.Cookies(cookieURL(u)) {
			stored = append(stored, c.Name+`=`+c.Value)
		}
		if len(stored) != 0 {
			parts = append(parts, strings.Join(stored, `; `))
		}
	}
	return strings.Join(parts, `; `)
}

// saveCookies stores cookies from a Set-Cookie response header
func saveCookies(jar http.CookieJar, u *url.URL, header http.Header) {
	if jar == nil || len(header.Values(`Set-Cookie`)) == 0 {
		return
	}
	cookies := (&http.Response{Header: header}).Cookies()
	if len(cookies) != 0 {
		jar.SetCookies(cookieURL(u), cookies)
	}
}

// cookieURL maps socket schemes to http(s), as used by cookie jars
func cookieURL(u *url.URL) *url.URL {
	v := *u
	switch v.Scheme {
	case `ws`, `tcp`:
		v.Scheme = `http`
	case `wss`, `tls`:
		v.Scheme = `https`
	}
	return &v
}

func newTLSConfig(u *url.URL, opts *RemoteOptions) *tls.Config {
	cfg := &tls.Config{
		ServerName: u.Hostname(),
		RootCAs:    opts.RootCAs,
		MinVersion: tls.VersionTLS12,
	}
	if opts.ClientCert != nil {
		cfg.Certificates = []tls.Certificate{*opts.ClientCert}
	}

	switch {
	case len(opts.PinnedServerCert) != 0:
		pinned := bytes.Clone(opts.PinnedServerCert)
		cfg.InsecureSkipVerify = true
		cfg.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 || !bytes.Equal(rawCerts[0], pinned) {
				return errPinnedCertMismatch
			}
			return nil
		}

	case opts.OnlySelfSignedServerCert:
		cfg.InsecureSkipVerify = true
		cfg.VerifyPeerCertificate = verifySelfSigned
	}

	return cfg
}

func verifySelfSigned(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	if len(rawCerts) == 0 {
		return errNotSelfSigned
	}
	leaf, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return newError(DomainNetwork, CodeTLSCertUntrusted, err)
	}
	if !bytes.Equal(leaf.RawIssuer, leaf.RawSubject) ||
		leaf.CheckSignature(leaf.SignatureAlgorithm, leaf.RawTBSCertificate, leaf.Signature) != nil {
		return errNotSelfSigned
	}
	if now := time.Now(); now.Before(leaf.NotBefore) || now.After(leaf.NotAfter) {
		return newError(DomainNetwork, CodeTLSCertExpired, x509.CertificateInvalidError{Cert: leaf, Reason: x509.Expired})
	}
	return nil
}
