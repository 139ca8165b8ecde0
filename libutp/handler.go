// Copyright (c) 2021 Storj Labs, Inc.
// Copyright (c) 2010 BitTorrent, Inc.
// See LICENSE for copying information.

package libutp

import "fmt"

// State is a connection state change reported to a Handler.
type State int

const (
	// StateConnecting is reported when an outgoing connection sends its SYN.
	StateConnecting State = iota + 1
	// StateConnect is reported when an outgoing connection receives its
	// SYN-ACK. It implies writability.
	StateConnect
	// StateWritable is reported when a socket whose last Write was only
	// partially admitted can accept more data.
	StateWritable
	// StateEOF is reported once every byte up to the peer's FIN has been
	// delivered.
	StateEOF
	// StateDestroying is the last notification a socket ever produces. It is
	// not valid to use the socket afterwards.
	StateDestroying
)

var stateNames = map[State]string{
	StateConnecting: "CONNECTING",
	StateConnect:    "CONNECT",
	StateWritable:   "WRITABLE",
	StateEOF:        "EOF",
	StateDestroying: "DESTROYING",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// BandwidthType classifies bytes reported through OnOverhead.
type BandwidthType int

const (
	// PayloadBandwidth is never reported; payload-carrying packets report
	// their header bytes as HeaderOverhead.
	PayloadBandwidth BandwidthType = iota
	// ConnectOverhead is bytes of SYN packets.
	ConnectOverhead
	// CloseOverhead is bytes of FIN and RST packets.
	CloseOverhead
	// AckOverhead is bytes of STATE packets.
	AckOverhead
	// HeaderOverhead is the header bytes of data packets.
	HeaderOverhead
	// RetransmitOverhead is bytes of retransmitted packets.
	RetransmitOverhead
)

// Handler receives notifications about a socket. All methods are called
// synchronously from inside SocketMultiplexer or Socket methods, so they must
// not block. They may call back into the socket.
type Handler interface {
	// OnRead delivers in-order stream bytes. p is only valid for the duration
	// of the call.
	OnRead(s *Socket, p []byte)
	// OnState reports a state change.
	OnState(s *Socket, state State)
	// OnError reports the terminal error of a connection. It is called at
	// most once per socket, and is followed by StateDestroying.
	OnError(s *Socket, err error)
	// ReadBufferSize returns the number of delivered bytes the application
	// has not consumed yet. It shrinks the advertised receive window.
	ReadBufferSize(s *Socket) int
	// OnOverhead reports non-payload bytes sent or received.
	OnOverhead(s *Socket, send bool, n int, bwType BandwidthType)
}

// NopHandler implements Handler by ignoring everything. Embed it to
// implement only some methods.
type NopHandler struct{}

// OnRead implements Handler.
func (NopHandler) OnRead(*Socket, []byte) {}

// OnState implements Handler.
func (NopHandler) OnState(*Socket, State) {}

// OnError implements Handler.
func (NopHandler) OnError(*Socket, error) {}

// ReadBufferSize implements Handler.
func (NopHandler) ReadBufferSize(*Socket) int { return 0 }

// OnOverhead implements Handler.
func (NopHandler) OnOverhead(*Socket, bool, int, BandwidthType) {}

// IncomingFunc is called when a SYN creates a new socket. It returns the
// handler for the socket; returning nil rejects the connection with a reset.
type IncomingFunc func(s *Socket) Handler
