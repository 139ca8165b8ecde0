// Copyright (c) 2021 Storj Labs, Inc.
// Copyright (c) 2010 BitTorrent, Inc.
// See LICENSE for copying information.

package libutp

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"time"

	"github.com/go-logr/logr"
)

// socketKey identifies a socket by the remote address and the connection id
// packets arrive with. Including the address lets two peers pick the same
// id without colliding.
type socketKey struct {
	addr netip.AddrPort
	id   uint16
}

// SocketMultiplexer is a µTP engine: it owns every Socket sharing one UDP
// socket, and routes datagrams to them. It is not safe for concurrent use;
// the host must serialize all calls into it and into its Sockets.
type SocketMultiplexer struct {
	host     Host
	cfg      *Config
	logger   logr.Logger
	incoming IncomingFunc

	sockets map[socketKey]*Socket
	// order holds the sockets in creation order, for CheckTimeouts
	order []*Socket

	rstInfo rstInfoList
	stats   GlobalStats
}

// NewSocketMultiplexer creates an engine that sends through host. A nil cfg
// means DefaultConfig. incoming is called for every new inbound connection;
// when it is nil, inbound connections are refused.
func NewSocketMultiplexer(host Host, cfg *Config, logger logr.Logger, incoming IncomingFunc) (*SocketMultiplexer, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger.GetSink() == nil {
		logger = logr.Discard()
	}
	return &SocketMultiplexer{
		host:     host,
		cfg:      cfg,
		logger:   logger,
		incoming: incoming,
		sockets:  make(map[socketKey]*Socket),
	}, nil
}

// SetIncoming replaces the function told about inbound connections.
func (mx *SocketMultiplexer) SetIncoming(incoming IncomingFunc) {
	mx.incoming = incoming
}

// Config returns the configuration shared by the multiplexer's sockets.
func (mx *SocketMultiplexer) Config() *Config { return mx.cfg }

func (mx *SocketMultiplexer) nowMS() uint32 {
	return uint32(mx.host.Now() / time.Millisecond)
}

func (mx *SocketMultiplexer) nowMicro() uint64 {
	return uint64(mx.host.Now() / time.Microsecond)
}

func (mx *SocketMultiplexer) send(data []byte, addr netip.AddrPort) {
	mx.stats.registerSent(len(data))
	if err := mx.host.Send(data, addr); err != nil {
		mx.stats.SendErrors++
		mx.logger.Error(fmt.Errorf("%w: %v", ErrHostTransport, err), "failed to send datagram", "remote", addr.String(), "len", len(data))
	}
}

func (mx *SocketMultiplexer) register(s *Socket) {
	mx.sockets[socketKey{addr: s.addr, id: s.connIDRecv}] = s
	mx.order = append(mx.order, s)
}

// Create makes a new, idle socket for a connection to addr. Call SetHandler
// and then Connect on it.
func (mx *SocketMultiplexer) Create(addr netip.AddrPort) (*Socket, error) {
	if !addr.IsValid() {
		return nil, fmt.Errorf("invalid address %q", addr)
	}
	addr = netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
	// a random id whose key is free, and whose successor is too, so a
	// connection accepted from addr cannot collide with it
	for tries := 0; tries < 1000; tries++ {
		id := uint16(mx.host.Random())
		if _, ok := mx.sockets[socketKey{addr, id}]; ok {
			continue
		}
		if _, ok := mx.sockets[socketKey{addr, id + 1}]; ok {
			continue
		}
		s := newSocket(mx, addr, id)
		mx.register(s)
		s.logger.V(1).Info("created socket")
		return s, nil
	}
	return nil, fmt.Errorf("no free connection id for %s", addr)
}

// NumSockets returns the number of sockets the multiplexer tracks, including
// those still lingering after close.
func (mx *SocketMultiplexer) NumSockets() int { return len(mx.order) }

// GlobalStats returns a copy of the multiplexer-wide counters.
func (mx *SocketMultiplexer) GlobalStats() GlobalStats { return mx.stats }

// lookupBySendID finds a socket at addr whose peer receives on id.
func (mx *SocketMultiplexer) lookupBySendID(addr netip.AddrPort, id uint16) *Socket {
	// the initiator sends on recv+1, the acceptor on recv-1
	for _, recv := range [2]uint16{id - 1, id + 1} {
		if s, ok := mx.sockets[socketKey{addr, recv}]; ok && s.connIDSend == id {
			return s
		}
	}
	return nil
}

// lookupAny finds the socket a reset or ICMP error naming id refers to.
// Resets carry the id we receive on; ICMP errors quote packets we sent,
// which carry the peer's id (or ours, for a SYN).
func (mx *SocketMultiplexer) lookupAny(addr netip.AddrPort, id uint16) *Socket {
	if s, ok := mx.sockets[socketKey{addr, id}]; ok {
		return s
	}
	return mx.lookupBySendID(addr, id)
}

// IsIncomingUTP processes one datagram received from addr. It returns false
// if the datagram is not a µTP packet, in which case nothing changed and the
// caller may hand it to another protocol.
func (mx *SocketMultiplexer) IsIncomingUTP(b []byte, from netip.AddrPort) bool {
	h, payload, err := DecodePacket(b)
	if err != nil {
		mx.logger.V(1).Info("dropping datagram", "remote", from.String(), "len", len(b), "error", err)
		return false
	}
	from = netip.AddrPortFrom(from.Addr().Unmap(), from.Port())
	mx.stats.registerRecv(len(b))
	id := h.ConnID

	mx.logger.V(10).Info("recv", "remote", from.String(), "len", len(b), "id", id,
		"type", h.Type, "seq-nr", h.SeqNum, "ack-nr", h.AckNum)

	switch h.Type {
	case PacketReset:
		s := mx.lookupAny(from, id)
		if s == nil {
			mx.logger.V(1).Info("recv RST for unknown connection", "remote", from.String(), "id", id)
			return true
		}
		s.logger.V(1).Info("recv RST for existing connection", "state", s.state)
		s.handler.OnOverhead(s, false, len(b)+s.mx.host.UDPOverhead(from), CloseOverhead)
		s.onReset()
		return true

	case PacketSyn:
		mx.handleSyn(&h, b, from)
		return true
	}

	s, ok := mx.sockets[socketKey{from, id}]
	if !ok {
		mx.rejectUnknown(&h, from)
		return true
	}
	s.processPacket(&h, payload, len(b))
	s.handler.OnOverhead(s, false, len(b)-len(payload)+mx.host.UDPOverhead(from), HeaderOverhead)
	return true
}

// rejectUnknown answers a packet for a connection we do not know with a
// reset, unless the same packet was answered recently.
func (mx *SocketMultiplexer) rejectUnknown(h *Header, from netip.AddrPort) {
	if !mx.rstInfo.shouldSend(from, h.ConnID, h.SeqNum, mx.nowMS()) {
		mx.logger.V(1).Info("not sending RST to non-SYN",
			"remote", from.String(), "id", h.ConnID, "stored", len(mx.rstInfo.entries))
		return
	}
	mx.logger.V(1).Info("sending RST to non-SYN",
		"remote", from.String(), "id", h.ConnID, "stored", len(mx.rstInfo.entries), "error", ErrUnknownConnection)
	mx.sendReset(from, h.ConnID, h.SeqNum)
}

func (mx *SocketMultiplexer) sendReset(to netip.AddrPort, connID, ackNum uint16) {
	rst := Header{
		Type:      PacketReset,
		ConnID:    connID,
		Timestamp: uint32(mx.nowMicro()),
		SeqNum:    uint16(mx.host.Random()),
		AckNum:    ackNum,
	}
	data, err := EncodePacket(&rst, nil)
	if err != nil {
		mx.logger.Error(err, "failed to encode RST")
		return
	}
	mx.send(data, to)
}

// handleSyn accepts a new inbound connection, answers a repeated SYN, or
// resets the connection a conflicting SYN collides with.
func (mx *SocketMultiplexer) handleSyn(h *Header, b []byte, from netip.AddrPort) {
	id := h.ConnID
	if s, ok := mx.sockets[socketKey{from, id + 1}]; ok {
		if s.incoming && s.connSeed == id && s.synSeq == h.SeqNum {
			if s.state == csDestroy {
				return
			}
			// our SYN-ACK was lost
			s.logger.V(1).Info("recv duplicate SYN, resending SYN-ACK")
			s.sendSynAck()
			return
		}
		s.protocolViolation("conflicting SYN for a live connection id")
		return
	}

	if mx.incoming == nil {
		mx.logger.V(1).Info("refusing incoming connection", "remote", from.String(), "id", id)
		mx.sendReset(from, id, h.SeqNum)
		return
	}

	s := newSocket(mx, from, id+1)
	s.incoming = true
	s.connSeed = id
	s.connIDSend = id
	s.synSeq = h.SeqNum
	s.ackNum = h.SeqNum
	s.outbuf.seqNum = uint16(mx.host.Random())
	s.fastResendSeqNum = s.outbuf.seqNum
	s.state = csConnected
	s.maxWindowUser = int(h.WindowSize)
	s.lastPeerWindow = int(h.WindowSize)
	if s.maxWindowUser == 0 {
		s.zeroWindowDeadline = mx.nowMS() + durationMS(mx.cfg.ZeroWindowTimeout)
	}
	if h.ExtensionBits != nil {
		copy(s.extensions[:], h.ExtensionBits)
	}
	if h.Timestamp != 0 {
		s.replyMicro = uint32(mx.nowMicro()) - h.Timestamp
	}
	s.stats.packetReceived(len(b))

	s.logger.V(1).Info("incoming connection", "seq-nr", s.outbuf.seqNum, "ack-nr", s.ackNum)
	handler := mx.incoming(s)
	if handler == nil {
		s.logger.V(1).Info("incoming connection rejected")
		mx.sendReset(from, id, h.SeqNum)
		return
	}
	s.SetHandler(handler)
	mx.register(s)
	s.sendSynAck()

	s.handler.OnOverhead(s, false, len(b)+mx.host.UDPOverhead(from), HeaderOverhead)
}

// HandleICMP processes an ICMP error whose quoted payload b is a µTP packet
// we sent to addr. The matching connection is reset. It reports whether a
// connection matched.
func (mx *SocketMultiplexer) HandleICMP(b []byte, addr netip.AddrPort) bool {
	// ICMP quotes are often truncated, so only the fixed header is parsed
	if len(b) < HeaderSize || b[0]&0xf != ProtocolVersion {
		return false
	}
	addr = netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
	id := binary.BigEndian.Uint16(b[2:4])
	s := mx.lookupAny(addr, id)
	if s == nil {
		return false
	}
	s.logger.V(1).Info("icmp error for connection", "state", s.state)
	s.onReset()
	return true
}

// CheckTimeouts drives every timer of every socket and removes the sockets
// that reached the end of their life. It should be called every 50ms or so.
func (mx *SocketMultiplexer) CheckTimeouts() {
	now := mx.nowMS()
	mx.rstInfo.expire(now)

	// handlers may create sockets as we go; those are picked up too
	for i := 0; i < len(mx.order); i++ {
		mx.order[i].checkTimeouts(now)
	}

	var dead []*Socket
	kept := mx.order[:0]
	for _, s := range mx.order {
		if s.state == csDestroy {
			dead = append(dead, s)
			continue
		}
		kept = append(kept, s)
	}
	for i := len(kept); i < len(mx.order); i++ {
		mx.order[i] = nil
	}
	mx.order = kept

	for _, s := range dead {
		mx.destroy(s)
	}
}

func (mx *SocketMultiplexer) destroy(s *Socket) {
	s.logger.V(1).Info("destroying socket")
	delete(mx.sockets, socketKey{s.addr, s.connIDRecv})
	handler := s.handler
	s.handler = NopHandler{}
	handler.OnState(s, StateDestroying)
}
