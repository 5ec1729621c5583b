// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Command peerbridge-probe opens a single connection through a socket bridge,
// with an engine that logs every call it receives. It is intended for
// diagnosing connectivity, e.g. TLS or authentication failures, against a
// live endpoint.
//
// Usage:
//
//	peerbridge-probe -url wss://example.com/db/_blipsync -send hello
//	peerbridge-probe -url tcp://localhost:4984 -framing client
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/joeycumines/go-peerbridge/peer"
	"github.com/joeycumines/go-peerbridge/socket"
	"github.com/joeycumines/go-peerbridge/socket/streamremote"
	"github.com/joeycumines/go-peerbridge/socket/wsremote"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

type probeCore struct {
	logger *logiface.Logger[logiface.Event]
	opened chan struct{}
	data   chan []byte
	closed chan socket.CloseStatus
}

func (x *probeCore) AckOpenToCore(status int, headers http.Header) {
	b := x.logger.Info().Int(`status`, status)
	for k, v := range headers {
		b = b.Str(`header.`+strings.ToLower(k), strings.Join(v, `, `))
	}
	b.Log(`opened`)
	close(x.opened)
}

func (x *probeCore) WriteToCore(data []byte) {
	x.logger.Info().Int(`bytes`, len(data)).Str(`data`, string(data)).Log(`received`)
	select {
	case x.data <- data:
	default:
	}
}

func (x *probeCore) AckWriteToCore(n int) {
	x.logger.Debug().Int(`bytes`, n).Log(`write acknowledged`)
}

func (x *probeCore) RequestCoreClose(status socket.CloseStatus) {
	x.logger.Info().Stringer(`status`, status).Log(`remote requested close`)
}

func (x *probeCore) CloseCore(status socket.CloseStatus) {
	x.logger.Info().Stringer(`status`, status).Log(`closed`)
	x.closed <- status
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet(`peerbridge-probe`, flag.ContinueOnError)
	var (
		rawURL     = fs.String(`url`, ``, `remote URL: ws, wss, http, https, tcp, or tls`)
		framing    = fs.String(`framing`, `none`, `framing mode: none (WebSocket) or client (raw stream)`)
		send       = fs.String(`send`, ``, `message to send once open`)
		timeout    = fs.Duration(`timeout`, time.Second*30, `overall timeout`)
		connect    = fs.Duration(`connect-timeout`, time.Second*10, `connect timeout`)
		heartbeat  = fs.Duration(`heartbeat`, 0, `WebSocket ping interval, disabled if 0`)
		pinnedCert = fs.String(`pinned-cert`, ``, `path to the DER encoded certificate the server must present`)
		selfSigned = fs.Bool(`self-signed`, false, `accept only a self-signed server certificate`)
		username   = fs.String(`user`, ``, `basic auth username`)
		password   = fs.String(`password`, ``, `basic auth password`)
		protocols  = fs.String(`protocols`, ``, `comma separated WebSocket sub-protocols`)
		verbose    = fs.Bool(`v`, false, `log state transitions`)
	)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	level := logiface.LevelInformational
	if *verbose {
		level = logiface.LevelTrace
	}
	logger := stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(os.Stderr)),
		stumpy.L.WithLevel(level),
	).Logger()

	if *rawURL == `` {
		logger.Err().Log(`missing -url`)
		return 2
	}

	var mode socket.FramingMode
	switch *framing {
	case `none`:
		mode = socket.NoFraming
	case `client`:
		mode = socket.ClientFraming
	default:
		logger.Err().Str(`framing`, *framing).Log(`invalid -framing`)
		return 2
	}

	opts := socket.RemoteOptions{
		ConnectTimeout:           *connect,
		Heartbeat:                *heartbeat,
		OnlySelfSignedServerCert: *selfSigned,
	}
	if *pinnedCert != `` {
		der, err := os.ReadFile(*pinnedCert)
		if err != nil {
			logger.Err().Err(err).Log(`failed to read pinned certificate`)
			return 2
		}
		opts.PinnedServerCert = der
	}
	if *username != `` {
		opts.Auth = &socket.BasicAuth{Username: *username, Password: *password}
	}
	if *protocols != `` {
		opts.Protocols = strings.Split(*protocols, `,`)
	}
	jar, err := socket.NewCookieJar()
	if err != nil {
		logger.Err().Err(err).Log(`failed to create cookie jar`)
		return 1
	}
	opts.Cookies = jar

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, *timeout)
	defer cancelTimeout()

	factory := socket.NewFactory(func(framing socket.FramingMode) (socket.ToRemote, error) {
		switch framing {
		case socket.NoFraming:
			return wsremote.New(wsremote.WithLogger(logger)), nil
		case socket.ClientFraming:
			return streamremote.New(streamremote.WithLogger(logger)), nil
		default:
			return nil, fmt.Errorf(`unsupported framing: %s`, framing)
		}
	}, socket.WithLogger(logger))
	defer factory.Close()

	core := &probeCore{
		logger: logger,
		opened: make(chan struct{}),
		data:   make(chan []byte, 1),
		closed: make(chan socket.CloseStatus, 1),
	}
	h, err := factory.Open(core, *rawURL, mode, opts)
	if err != nil {
		logger.Err().Err(err).Log(`failed to create bridge`)
		return 1
	}
	defer factory.Dispose(h)

	if err := factory.RequestOpen(h); err != nil {
		logger.Err().Err(err).Log(`failed to request open`)
		return 1
	}

	status, err := probe(ctx, factory, core, h, mode, []byte(*send))
	if err != nil {
		logger.Err().Err(err).Log(`probe failed`)
		return 1
	}
	if !status.Normal() && status.Code != socket.CodeGoingAway {
		return 1
	}
	return 0
}

func probe(ctx context.Context, factory *socket.Factory, core *probeCore, h peer.Handle, mode socket.FramingMode, msg []byte) (socket.CloseStatus, error) {
	select {
	case <-core.opened:
	case status := <-core.closed:
		return status, nil
	case <-ctx.Done():
		return abort(factory, core, h, ctx.Err())
	}

	if len(msg) != 0 {
		if err := factory.Write(h, msg); err != nil {
			return socket.CloseStatus{}, err
		}
		select {
		case data := <-core.data:
			if mode == socket.ClientFraming {
				_ = factory.AckWrite(h, len(data))
			}
		case status := <-core.closed:
			return status, nil
		case <-ctx.Done():
			return abort(factory, core, h, ctx.Err())
		}
	}

	var err error
	if mode == socket.ClientFraming {
		err = factory.Closed(h)
	} else {
		err = factory.RequestClose(h, socket.CloseStatus{Domain: socket.DomainWebSocket, Code: socket.CodeNormal})
	}
	if err != nil {
		return socket.CloseStatus{}, err
	}

	select {
	case status := <-core.closed:
		return status, nil
	case <-ctx.Done():
		return abort(factory, core, h, ctx.Err())
	}
}

func abort(factory *socket.Factory, core *probeCore, h peer.Handle, cause error) (socket.CloseStatus, error) {
	factory.Dispose(h)
	select {
	case <-core.closed:
	case <-time.After(time.Second * 5):
	}
	return socket.CloseStatus{}, errors.Join(errors.New(`probe interrupted`), cause)
}
