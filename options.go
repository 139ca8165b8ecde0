// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package utp

import (
	"github.com/go-logr/logr"

	"storj.io/ledbat-utp/libutp"
)

const (
	// Buffers for data before it gets to µTP (the send buffer inside libutp
	// is for flow control, not for holding application data).
	defaultReadBufferSize  = 200000
	defaultWriteBufferSize = 200000

	// readBufferSlack is kept out of the receive window we advertise, so
	// that data the peer sent under an older, larger window still fits.
	readBufferSlack = 16 * 1024

	defaultSendQueueSize      = 256
	defaultUTPConnBacklogSize = 16
)

// ConnectOption is an option that can be passed to the *Options and
// *Context variants of the Dial and Listen functions.
type ConnectOption interface {
	apply(s *utpDialState)
}

type utpDialState struct {
	logger          logr.Logger
	config          *libutp.Config
	readBufferSize  int
	writeBufferSize int
	sendQueueSize   int
	backlog         int
}

func newDialState(options []ConnectOption) *utpDialState {
	s := &utpDialState{
		logger:          logr.Discard(),
		readBufferSize:  defaultReadBufferSize,
		writeBufferSize: defaultWriteBufferSize,
		sendQueueSize:   defaultSendQueueSize,
		backlog:         defaultUTPConnBacklogSize,
	}
	for _, opt := range options {
		opt.apply(s)
	}
	return s
}

type optionLogger struct {
	logger logr.Logger
}

func (o *optionLogger) apply(s *utpDialState) {
	s.logger = o.logger
}

// WithLogger creates a connection option that sets the logger used by the
// connection and its socket manager.
func WithLogger(logger logr.Logger) ConnectOption {
	return &optionLogger{logger: logger}
}

type optionConfig struct {
	config *libutp.Config
}

func (o *optionConfig) apply(s *utpDialState) {
	s.config = o.config
}

// WithConfig creates a connection option that sets the protocol tunables.
// The config is validated when the socket manager is created.
func WithConfig(config *libutp.Config) ConnectOption {
	return &optionConfig{config: config}
}

type optionBufferSize struct {
	readSize, writeSize int
}

func (o *optionBufferSize) apply(s *utpDialState) {
	if o.readSize > readBufferSlack {
		s.readBufferSize = o.readSize
	}
	if o.writeSize > 0 {
		s.writeBufferSize = o.writeSize
	}
}

// WithBufferSize creates a connection option that sets the sizes of the
// per-connection read and write buffers. Values too small to use are
// ignored.
func WithBufferSize(readSize, writeSize int) ConnectOption {
	return &optionBufferSize{readSize: readSize, writeSize: writeSize}
}

type optionSendQueueSize struct {
	size int
}

func (o *optionSendQueueSize) apply(s *utpDialState) {
	if o.size > 0 {
		s.sendQueueSize = o.size
	}
}

// WithSendQueueSize creates a connection option that bounds the number of
// datagrams waiting to be written to the UDP socket. Datagrams queued beyond
// it are dropped; the protocol recovers them like any other loss.
func WithSendQueueSize(size int) ConnectOption {
	return &optionSendQueueSize{size: size}
}

type optionBacklog struct {
	backlog int
}

func (o *optionBacklog) apply(s *utpDialState) {
	if o.backlog > 0 {
		s.backlog = o.backlog
	}
}

// WithBacklog creates a listener option that sets how many accepted
// connections may wait for Accept before new ones are refused.
func WithBacklog(backlog int) ConnectOption {
	return &optionBacklog{backlog: backlog}
}
