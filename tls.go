// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package utp

import (
	"context"
	"crypto/tls"
	"net"
)

// DialTLS connects to the given network address using net.Dial or utp.Dial as
// appropriate and then initiates a TLS handshake, returning the resulting TLS
// connection. DialTLS interprets a nil configuration as equivalent to the zero
// configuration; see the documentation of tls.Config for the details.
func DialTLS(network, addr string, config *tls.Config) (*tls.Conn, error) {
	return DialTLSOptions(network, addr, config)
}

// DialTLSOptions is like DialTLS but accepts options.
func DialTLSOptions(network, addr string, config *tls.Config, options ...ConnectOption) (*tls.Conn, error) {
	return DialTLSContext(context.Background(), network, addr, config, options...)
}

// DialTLSContext is like DialTLSOptions, but uses ctx for both the µTP
// connection attempt and the TLS handshake.
func DialTLSContext(ctx context.Context, network, addr string, config *tls.Config, options ...ConnectOption) (*tls.Conn, error) {
	conn, err := DialContextOptions(ctx, network, addr, options...)
	if err != nil {
		return nil, err
	}
	if config == nil {
		config = &tls.Config{}
	}
	if config.ServerName == "" {
		// as tls.Dial does
		if host, _, err := net.SplitHostPort(addr); err == nil {
			config = config.Clone()
			config.ServerName = host
		}
	}
	tlsConn := tls.Client(conn, config)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return tlsConn, nil
}

// ListenTLS creates a TLS listener accepting connections on the given network
// address using net.Listen or utp.Listen as appropriate. The configuration
// config must be non-nil and must include at least one certificate or else
// set GetCertificate.
func ListenTLS(network, laddr string, config *tls.Config) (net.Listener, error) {
	return ListenTLSOptions(network, laddr, config)
}

// ListenTLSOptions is like ListenTLS but accepts options.
func ListenTLSOptions(network, laddr string, config *tls.Config, options ...ConnectOption) (net.Listener, error) {
	listener, err := ListenOptions(network, laddr, options...)
	if err != nil {
		return nil, err
	}
	return tls.NewListener(listener, config), nil
}
