/*
Copyright 2022-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

// Package netx provides the byte-stream layer the key/value sessions run
// over.  A Stream behaves identically whether it carries plain TCP or TLS:
// Dial only returns once the transport is fully established, including the
// TLS handshake, and writes are serialized so concurrent writers never
// interleave on the wire.
package netx

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrStreamClosed occurs when operating on a closed stream.
	ErrStreamClosed = errors.New("netx: stream closed")
)

type DialerOptions struct {
	// TLSConfig enables TLS when non-nil; the handshake is part of Dial.
	TLSConfig *tls.Config

	// ConnectTimeout bounds the TCP connect plus TLS handshake.
	ConnectTimeout time.Duration

	// DisableKeepAlive leaves TCP keepalive off instead of enabling it.
	DisableKeepAlive bool

	Logger *zap.Logger
}

// Dialer establishes streams to cluster nodes.
type Dialer struct {
	tlsConfig        *tls.Config
	connectTimeout   time.Duration
	disableKeepAlive bool
	logger           *zap.Logger
}

func NewDialer(opts DialerOptions) *Dialer {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	connectTimeout := opts.ConnectTimeout
	if connectTimeout == 0 {
		connectTimeout = 10 * time.Second
	}

	return &Dialer{
		tlsConfig:        opts.TLSConfig,
		connectTimeout:   connectTimeout,
		disableKeepAlive: opts.DisableKeepAlive,
		logger:           logger,
	}
}

func (d *Dialer) setOptions(conn net.Conn) {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}

	if err := tcpConn.SetNoDelay(true); err != nil {
		d.logger.Debug("failed to set TCP_NODELAY", zap.Error(err))
	}
	if !d.disableKeepAlive {
		if err := tcpConn.SetKeepAlive(true); err != nil {
			d.logger.Debug("failed to enable keepalive", zap.Error(err))
		}
	}
}

// Dial connects to an address, completing the TLS handshake for TLS streams
// before returning.  Cancelling the context aborts the attempt; the stream
// is never returned half-established.
func (d *Dialer) Dial(ctx context.Context, address string) (*Stream, error) {
	ctx, cancel := context.WithTimeout(ctx, d.connectTimeout)
	defer cancel()

	netDialer := &net.Dialer{}
	conn, err := netDialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}

	d.setOptions(conn)

	if d.tlsConfig != nil {
		host, _, splitErr := net.SplitHostPort(address)
		if splitErr != nil {
			host = address
		}

		tlsConfig := d.tlsConfig.Clone()
		if tlsConfig.ServerName == "" {
			tlsConfig.ServerName = host
		}

		tlsConn := tls.Client(conn, tlsConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			_ = conn.Close()
			return nil, err
		}
		conn = tlsConn
	}

	return newStream(conn, d.tlsConfig != nil), nil
}

// Stream is an established transport to one node.  All callers share one
// serialized writer; reads are owned by a single reader goroutine in the
// session above.
type Stream struct {
	conn  net.Conn
	tls   bool

	writeMu sync.Mutex

	stateMu sync.Mutex
	closed  bool
}

func newStream(conn net.Conn, isTLS bool) *Stream {
	return &Stream{
		conn: conn,
		tls:  isTLS,
	}
}

// LogPrefix identifies the transport kind in log lines.
func (s *Stream) LogPrefix() string {
	if s.tls {
		return "tls"
	}
	return "plain"
}

// IsOpen reports whether the stream has not been closed locally.
func (s *Stream) IsOpen() bool {
	s.stateMu.Lock()
	open := !s.closed
	s.stateMu.Unlock()
	return open
}

// Read reads into p, returning at least one byte on success.
func (s *Stream) Read(p []byte) (int, error) {
	return s.conn.Read(p)
}

// Write writes all of p.  Writes from different goroutines are serialized
// and never interleave.
func (s *Stream) Write(p []byte) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if !s.IsOpen() {
		return 0, ErrStreamClosed
	}
	return s.conn.Write(p)
}

// Close shuts the stream down.  Any blocked read unblocks with an error.
func (s *Stream) Close() error {
	s.stateMu.Lock()
	if s.closed {
		s.stateMu.Unlock()
		return nil
	}
	s.closed = true
	s.stateMu.Unlock()

	return s.conn.Close()
}

// RemoteAddr returns the remote network address.
func (s *Stream) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

// LocalAddr returns the local network address.
func (s *Stream) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

var _ io.ReadWriteCloser = (*Stream)(nil)

// IsClosedErr reports whether an error is a 'generally expected' closing of
// the connection rather than a failure worth logging.
func IsClosedErr(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, ErrStreamClosed)
}
