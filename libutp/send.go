// Copyright (c) 2021 Storj Labs, Inc.
// Copyright (c) 2010 BitTorrent, Inc.
// See LICENSE for copying information.

package libutp

// queuePacket assigns the next sequence number to a DATA or FIN packet,
// remembers it until acked, and sends whatever the window allows.
func (s *Socket) queuePacket(typ PacketType, payload []byte) {
	if s.outbuf.empty() {
		s.rtt.reset()
		s.rtoDeadline = s.mx.nowMS() + s.rtt.timeout
	}
	pkt := &outgoingPacket{header: Header{Type: typ, ConnID: s.connIDSend}}
	if len(payload) > 0 {
		pkt.payload = make([]byte, len(payload))
		copy(pkt.payload, payload)
	}
	s.outbuf.push(pkt)
	s.logger.V(10).Info("queued packet",
		"type", typ, "seq-nr", pkt.header.SeqNum, "len", len(payload),
		"cur-window", s.outbuf.inFlight, "max-window", s.cc.maxWindow,
		"cur-window-packets", s.outbuf.count)
	s.flushPackets()
}

// flushPackets sends queued packets that have never been sent or are marked
// for resend, oldest first, for as long as the window allows.
func (s *Socket) flushPackets() {
	for i := uint16(0); i < s.outbuf.count; i++ {
		pkt := s.outbuf.packets.get(s.outbuf.oldest() + i)
		if pkt == nil || (pkt.transmissions > 0 && !pkt.needResend) {
			continue
		}
		if !s.canSend(len(pkt.payload)) {
			return
		}
		s.sendPacket(pkt)
	}
}

// sendPacket (re)transmits pkt with up-to-date ack and window fields.
func (s *Socket) sendPacket(pkt *outgoingPacket) {
	bwType := PayloadBandwidth
	switch {
	case s.state == csSynSent:
		bwType = ConnectOverhead
	case pkt.transmissions > 0:
		bwType = RetransmitOverhead
		s.stats.packetLost()
	case pkt.header.Type == PacketFin:
		bwType = CloseOverhead
	}

	if s.outbuf.inFlight == 0 {
		// nothing was outstanding, so the timer starts with this packet
		s.rtoDeadline = s.mx.nowMS() + s.rtt.timeout
	}
	s.outbuf.markSent(pkt, s.mx.nowMicro())
	s.lastReceiveWindow = s.rcvWindow()
	pkt.header.AckNum = s.ackNum
	pkt.header.WindowSize = uint32(s.lastReceiveWindow)
	// any data packet carries the ack, so nothing is left to ack separately
	// unless a selective ack is due
	if s.inbuf.held() == 0 {
		s.sentAck()
	}
	s.sendHeader(&pkt.header, pkt.payload, bwType)
}

// sendHeader stamps h with our clock and the last delay measurement, encodes
// it with payload, and hands it to the host.
func (s *Socket) sendHeader(h *Header, payload []byte, bwType BandwidthType) {
	h.Timestamp = uint32(s.mx.nowMicro())
	h.TimestampDiff = s.replyMicro

	data, err := EncodePacket(h, payload)
	if err != nil {
		s.logger.Error(err, "failed to encode packet", "type", h.Type)
		return
	}

	s.lastSentPacket = s.mx.nowMS()
	s.stats.transmitted(len(data))

	n := len(data) + s.mx.host.UDPOverhead(s.addr)
	if bwType == PayloadBandwidth {
		// payload packets only count their header as overhead
		bwType = HeaderOverhead
		n = s.Overhead()
	}
	s.handler.OnOverhead(s, true, n, bwType)

	s.logger.V(10).Info("send",
		"type", h.Type, "len", len(data), "conn-id-send", h.ConnID,
		"seq-nr", h.SeqNum, "ack-nr", h.AckNum, "timestamp", h.Timestamp,
		"reply-micro", h.TimestampDiff)

	s.mx.send(data, s.addr)
}

// sentAck clears pending ack state after any packet carrying our ack number
// went out.
func (s *Socket) sentAck() {
	s.ackPending = false
	s.bytesSinceAck = 0
}

// scheduleAck arranges for an ack to go out within delayMS, keeping an
// earlier deadline if one is already set.
func (s *Socket) scheduleAck(now, delayMS uint32) {
	deadline := now + delayMS
	if !s.ackPending || wrappingCompareLess(deadline, s.ackDeadline) {
		s.ackDeadline = deadline
	}
	s.ackPending = true
}

func (s *Socket) ackHeader() Header {
	s.lastReceiveWindow = s.rcvWindow()
	return Header{
		Type:       PacketState,
		ConnID:     s.connIDSend,
		SeqNum:     s.outbuf.seqNum,
		AckNum:     s.ackNum,
		WindowSize: uint32(s.lastReceiveWindow),
	}
}

// sendAck sends a STATE packet, with a selective ack when packets are being
// held for reordering.
func (s *Socket) sendAck() {
	h := s.ackHeader()
	// a connection that has seen the whole stream has nothing to reorder
	if !s.eofReached && s.inbuf.held() > 0 {
		h.SelectiveAck = s.inbuf.selectiveAck(s.ackNum)
	}
	s.logger.V(10).Info("sending ack", "ack-nr", s.ackNum, "selective", h.SelectiveAck != nil)
	s.sentAck()
	s.sendHeader(&h, nil, AckOverhead)
}

// sendSynAck answers a SYN. It carries our extension bits, and is resent
// whenever the peer repeats its SYN.
func (s *Socket) sendSynAck() {
	h := s.ackHeader()
	h.ExtensionBits = make([]byte, extensionBitsLen)
	s.logger.V(10).Info("sending syn-ack", "ack-nr", s.ackNum, "seq-nr", s.outbuf.seqNum)
	s.sentAck()
	s.sendHeader(&h, nil, AckOverhead)
}

// sendKeepAlive re-acks the previous sequence number. The peer treats it as
// an old ack, but it keeps NAT mappings alive.
func (s *Socket) sendKeepAlive() {
	s.ackNum--
	s.logger.V(10).Info("sending keepalive", "ack-nr", s.ackNum)
	s.sendAck()
	s.ackNum++
}

func (s *Socket) sendReset() {
	h := Header{
		Type:   PacketReset,
		ConnID: s.connIDSend,
		SeqNum: s.outbuf.seqNum,
		AckNum: s.ackNum,
	}
	s.sendHeader(&h, nil, CloseOverhead)
}
