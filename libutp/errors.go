// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package libutp

import (
	"errors"
	"syscall"
)

// ErrorKind classifies the failures the µTP engine can detect.
type ErrorKind int

const (
	// KindMalformed means a datagram failed basic header validation. The
	// datagram is dropped and no connection state changes.
	KindMalformed ErrorKind = iota + 1
	// KindUnknownConnection means a non-SYN packet named a connection id that
	// is not in the socket table. It is answered with a reset.
	KindUnknownConnection
	// KindProtocolViolation means the peer did something impossible for a
	// well-behaved µTP endpoint, such as reusing a live connection id with a
	// different initial sequence number. The connection is reset.
	KindProtocolViolation
	// KindHostTransportFailure means the host could not send a datagram. It
	// is never surfaced as a connection error.
	KindHostTransportFailure
	// KindTimeout means the retransmission retry ceiling was exceeded.
	KindTimeout
	// KindConnectionReset means the peer reset an established connection.
	KindConnectionReset
	// KindConnectionRefused means the peer reset a connection before it was
	// established.
	KindConnectionRefused
)

var kindNames = map[ErrorKind]string{
	KindMalformed:            "malformed packet",
	KindUnknownConnection:    "unknown connection",
	KindProtocolViolation:    "protocol violation",
	KindHostTransportFailure: "host transport failure",
	KindTimeout:              "connection timed out",
	KindConnectionReset:      "connection reset by peer",
	KindConnectionRefused:    "connection refused",
}

func (k ErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown error kind"
}

// Error is the error type reported by the µTP engine. Where a BSD socket
// error has the same meaning, Unwrap returns it, so callers may test for
// syscall.ECONNRESET and friends with errors.Is.
type Error struct {
	Kind  ErrorKind
	Errno syscall.Errno
}

func (e *Error) Error() string {
	return "utp: " + e.Kind.String()
}

// Unwrap returns the equivalent syscall.Errno, if any.
func (e *Error) Unwrap() error {
	if e.Errno == 0 {
		return nil
	}
	return e.Errno
}

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return other.Kind == e.Kind
	}
	return false
}

// Timeout implements part of net.Error.
func (e *Error) Timeout() bool { return e.Kind == KindTimeout }

// Temporary implements part of net.Error.
func (e *Error) Temporary() bool { return e.Kind == KindHostTransportFailure }

var (
	// ErrMalformed is wrapped by every packet decoding failure.
	ErrMalformed = &Error{Kind: KindMalformed}
	// ErrUnknownConnection is reported for non-SYN packets naming no known
	// connection.
	ErrUnknownConnection = &Error{Kind: KindUnknownConnection}
	// ErrProtocolViolation is reported to a connection reset because of
	// impossible peer behavior.
	ErrProtocolViolation = &Error{Kind: KindProtocolViolation, Errno: syscall.EPROTO}
	// ErrHostTransport wraps failures returned by Host.Send.
	ErrHostTransport = &Error{Kind: KindHostTransportFailure}
	// ErrTimeout is reported when the retry ceiling is exceeded.
	ErrTimeout = &Error{Kind: KindTimeout, Errno: syscall.ETIMEDOUT}
	// ErrConnectionReset is reported when an established connection receives
	// a reset.
	ErrConnectionReset = &Error{Kind: KindConnectionReset, Errno: syscall.ECONNRESET}
	// ErrConnectionRefused is reported when a connection attempt is reset.
	ErrConnectionRefused = &Error{Kind: KindConnectionRefused, Errno: syscall.ECONNREFUSED}
)

var (
	// ErrWouldBlock is returned by (*Socket).Write when only part (or none)
	// of the data could be admitted into the send window. The socket will
	// report StateWritable when more can be written.
	ErrWouldBlock = errors.New("utp: write would block")
	// ErrClosed is returned when operating on a socket that has been closed
	// or destroyed.
	ErrClosed = errors.New("utp: socket closed")
	// ErrInvalidState is returned when an operation is not allowed in the
	// socket's current connection state.
	ErrInvalidState = errors.New("utp: operation invalid in current state")
	// ErrInvalidOption is returned by SetSockOpt for unknown options or
	// out-of-range values.
	ErrInvalidOption = errors.New("utp: invalid socket option")
)
