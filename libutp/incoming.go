// Copyright (c) 2021 Storj Labs, Inc.
// Copyright (c) 2010 BitTorrent, Inc.
// See LICENSE for copying information.

package libutp

import (
	"math"
	"time"
)

const (
	// maxClockSkewShiftMicro bounds how far our delay base is moved when the
	// peer's base drops, which is taken to be clock drift.
	maxClockSkewShiftMicro = 10000
	// maxFastResends bounds the packets resent for one selective ack.
	maxFastResends = 4
)

// processPacket handles a decoded non-SYN, non-RST packet addressed to this
// socket. size is the datagram length.
func (s *Socket) processPacket(h *Header, payload []byte, size int) {
	if s.state == csIdle || s.state == csDestroy {
		return
	}
	now := s.mx.nowMS()
	micro := s.mx.nowMicro()
	s.stats.packetReceived(size)

	s.logger.V(10).Info("recv",
		"type", h.Type, "seq-nr", h.SeqNum, "ack-nr", h.AckNum, "state", s.state,
		"timestamp", h.Timestamp, "reply-micro", h.TimestampDiff, "len", len(payload))

	if h.ExtensionBits != nil {
		copy(s.extensions[:], h.ExtensionBits)
	}

	if s.state == csSynSent {
		// only a packet acking our SYN completes the handshake
		if h.AckNum != s.outbuf.seqNum-1 {
			s.logger.V(1).Info("ignoring packet that does not ack our SYN", "ack-nr", h.AckNum)
			return
		}
		s.ackNum = h.SeqNum - 1
	}
	s.lastGotPacket = now

	// seqOff is how far past the next expected packet this one is
	seqOff := int(seqOffset(h.SeqNum, s.ackNum+1))
	if seqOff > s.cfg.ReorderSpan {
		if back := int(seqOffset(s.ackNum, h.SeqNum)); back < s.cfg.ReorderSpan && h.Type != PacketState {
			// a retransmission of something we already have; our ack
			// must have been lost
			s.stats.duplicateReceived()
			s.scheduleAck(now, durationMS(s.cfg.DelayedAckTime))
		}
		s.logger.V(10).Info("got old or out-of-range packet", "seq-nr", h.SeqNum, "ack-nr", s.ackNum)
		return
	}

	s.processAck(h, now, micro)
	if s.state == csDestroy {
		return
	}

	if h.Type == PacketState {
		return
	}
	switch s.state {
	case csConnected, csFinSent, csGotFin:
	default:
		// DESTROY_DELAY only re-acks, which the old-packet path covers
		return
	}

	if h.Type == PacketFin {
		if !s.gotFin {
			s.logger.V(1).Info("got FIN", "eof-pkt", h.SeqNum)
			s.gotFin = true
			s.eofPacket = h.SeqNum
		} else if h.SeqNum != s.eofPacket {
			s.protocolViolation("second FIN with a different sequence number")
			return
		}
	}
	if s.gotFin && seqLess(s.eofPacket, h.SeqNum) {
		s.logger.V(1).Info("dropping packet past EOF", "seq-nr", h.SeqNum, "eof-pkt", s.eofPacket)
		return
	}
	if seqOff == 0 && len(payload) > 0 && !s.canBuffer(len(payload)) {
		// the peer probed a closed window; it sends this again once we
		// advertise room
		s.logger.V(1).Info("no room for in-order data, dropping",
			"seq-nr", h.SeqNum, "len", len(payload), "window", s.rcvWindow())
		s.sendAck()
		return
	}
	switch s.inbuf.accept(s.ackNum, h.SeqNum, payload, micro) {
	case acceptInOrder:
		s.deliver(payload)
		for {
			if s.gotFin && s.eofPacket == s.ackNum {
				s.reachEOF(now)
				break
			}
			next, ok := s.inbuf.pop(s.ackNum)
			if !ok {
				break
			}
			s.deliver(next)
		}
		if !s.eofReached {
			s.scheduleAck(now, durationMS(s.cfg.DelayedAckTime))
		}
	case acceptHeld:
		s.logger.V(10).Info("got out of order data", "seq-nr", h.SeqNum, "held", s.inbuf.held())
		// let the sender know about the hole right away
		s.scheduleAck(now, 0)
	case acceptDuplicate:
		s.stats.duplicateReceived()
		s.scheduleAck(now, 0)
	case acceptTooFar:
		return
	}

	if s.ackPending && (s.bytesSinceAck > s.cfg.DelayedAckBytes || timeReached(now, s.ackDeadline)) {
		s.sendAck()
	}
}

// deliver hands in-order bytes to the application and advances ackNum.
func (s *Socket) deliver(p []byte) {
	if len(p) > 0 {
		s.handler.OnRead(s, p)
	}
	s.ackNum++
	s.bytesSinceAck += len(p)
}

// reachEOF is called once every packet up to the peer's FIN has been
// delivered.
func (s *Socket) reachEOF(now uint32) {
	s.eofReached = true
	if s.state == csConnected || s.state == csFinSent {
		s.state = csGotFin
	}
	s.logger.V(1).Info("posting EOF")
	// anything after the FIN is junk
	s.inbuf.reset()
	s.handler.OnState(s, StateEOF)
	if s.state == csDestroy {
		return
	}
	// the peer wants to close; ack immediately
	s.sendAck()
	s.maybeFinish(now)
}

// processAck handles the ack, delay, and window fields of an incoming
// packet.
func (s *Socket) processAck(h *Header, now uint32, micro uint64) {
	// acks is the number of packets this ack newly covers
	acks := seqOffset(h.AckNum, s.outbuf.lastAcked())
	if acks > s.outbuf.count {
		// an old ack, or one for packets we never sent
		acks = 0
	}

	if s.outbuf.count > 0 && acks == 0 {
		// a closed window is flow control, not loss
		if h.Type == PacketState && h.SelectiveAck == nil && h.WindowSize > 0 &&
			h.AckNum == s.outbuf.lastAcked() && int(h.WindowSize) == s.lastPeerWindow {
			s.duplicateAck++
			if s.duplicateAck == s.cfg.DuplicateAcksBeforeResend {
				s.resendAfterDuplicateAcks(now)
			}
		}
	} else {
		s.duplicateAck = 0
	}

	ackedBytes := 0
	// minRTT bounds our delay estimate: the one-way delay cannot exceed the
	// round trip of the packets this ack covers
	minRTT := uint64(math.MaxUint64)
	for i := uint16(0); i < acks; i++ {
		pkt := s.outbuf.get(s.outbuf.oldest() + i)
		if pkt == nil || pkt.transmissions == 0 {
			continue
		}
		ackedBytes += len(pkt.payload)
		minRTT = min(minRTT, micro-pkt.timeSent)
	}
	if h.SelectiveAck != nil {
		ackedBytes += s.selectiveAckBytes(h.AckNum+2, h.SelectiveAck, micro, &minRTT)
	}

	s.lastMeasuredDelay = now
	s.updateDelays(h, micro, ackedBytes, minRTT, now)

	s.maxWindowUser = int(h.WindowSize)
	s.lastPeerWindow = int(h.WindowSize)
	if s.maxWindowUser == 0 {
		s.zeroWindowDeadline = now + durationMS(s.cfg.ZeroWindowTimeout)
		if acks == 0 && s.outbuf.inFlight > 0 {
			// the peer had no room for what is in flight; it goes out
			// again when the window opens
			s.logger.V(1).Info("peer window closed, holding data", "in-flight", s.outbuf.inFlight)
			s.outbuf.markAllLost()
			s.rtt.reset()
		}
	}

	if s.state == csSynSent {
		s.state = csConnected
		s.logger.V(1).Info("connected", "ack-nr", s.ackNum)
		s.handler.OnState(s, StateConnect)
		if s.state == csDestroy {
			return
		}
	}

	if acks > 0 && seqLess(s.fastResendSeqNum, h.AckNum+1) {
		s.fastResendSeqNum = h.AckNum + 1
	}

	for i := uint16(0); i < acks; i++ {
		seq := s.outbuf.oldest()
		if pkt := s.outbuf.get(seq); pkt != nil && pkt.transmissions == 0 {
			// acks past what we have actually sent
			break
		}
		s.ackPacket(seq, now, micro)
		s.outbuf.advance()
	}
	// selective acks may have left holes at the front
	s.outbuf.trim()

	if s.fastTimeout {
		if s.outbuf.oldest() != s.fastResendSeqNum {
			s.fastTimeout = false
		} else if pkt := s.outbuf.get(s.outbuf.oldest()); pkt != nil && pkt.transmissions > 0 {
			s.logger.V(1).Info("fast timeout-retry", "seq-nr", s.outbuf.oldest())
			s.stats.fastTransmitted()
			s.fastResendSeqNum++
			s.sendPacket(pkt)
		}
	}

	if h.SelectiveAck != nil {
		s.selectiveAck(h.AckNum+2, h.SelectiveAck, now, micro)
	}

	s.flushPackets()
	s.maybeWritable(now)
	s.maybeFinish(now)
	s.checkInvariants()
}

// updateDelays feeds the timestamp fields into the delay histories and, when
// the ack covered new data, the congestion controller.
func (s *Socket) updateDelays(h *Header, micro uint64, ackedBytes int, minRTT uint64, now uint32) {
	var theirDelay uint32
	if h.Timestamp != 0 {
		theirDelay = uint32(micro) - h.Timestamp
	}
	s.replyMicro = theirDelay

	prevBase, hadBase := s.theirHist.delayBase, s.theirHist.initialized
	if theirDelay != 0 {
		s.theirHist.addSample(theirDelay, now)
	}
	// the peer's base dropping means its clock is drifting against ours;
	// shift our base the other way
	if hadBase && wrappingCompareLess(s.theirHist.delayBase, prevBase) {
		if shift := prevBase - s.theirHist.delayBase; shift <= maxClockSkewShiftMicro {
			s.outHist.shift(shift)
		}
	}

	actualDelay := h.TimestampDiff
	// zero means the peer has no sample from us yet
	if actualDelay != 0 {
		s.outHist.addSample(actualDelay, now)
	}
	if actualDelay == 0 || ackedBytes <= 0 {
		return
	}

	rttCap := uint32(math.MaxUint32)
	if minRTT < math.MaxUint32 {
		rttCap = uint32(minRTT)
	}
	if v := s.outHist.value(); v > rttCap {
		s.outHist.shift(v - rttCap)
	}
	ourDelay := min(s.outHist.value(), rttCap)
	s.mx.host.DelaySample(s.addr, time.Duration(ourDelay)*time.Microsecond)

	gain := s.cc.update(ackedBytes, ourDelay, now, s.minWindow(), s.windowLimit())
	s.logger.V(10).Info("ledbat",
		"actual-delay", actualDelay, "our-delay", ourDelay/1000, "their-delay", s.theirHist.value()/1000,
		"max-window", s.cc.maxWindow, "delay-base", s.outHist.delayBase,
		"target-delay", s.cc.target/1000, "acked-bytes", ackedBytes,
		"cur-window", s.outbuf.inFlight, "scaled-gain", gain,
		"rtt", s.rtt.RTT(), "rto", s.rtt.RTO(), "cur-window-packets", s.outbuf.count)
}

// ackPacket removes an acked packet and updates the RTT estimate from it.
func (s *Socket) ackPacket(seq uint16, now uint32, micro uint64) {
	pkt := s.outbuf.remove(seq)
	if pkt == nil {
		return
	}
	// only packets sent exactly once give an unambiguous sample
	if pkt.transmissions == 1 {
		sample := uint32((micro - pkt.timeSent) / 1000)
		s.rtt.addSample(sample)
		s.logger.V(10).Info("rtt sample", "sample", sample, "rtt", s.rtt.rtt, "var", s.rtt.rttVar, "rto", s.rtt.RTO())
	}
	s.rtt.reset()
	s.rtoDeadline = now + s.rtt.timeout
	if pkt.header.Type == PacketFin {
		s.finAcked = true
		s.finWaitDeadline = now + durationMS(s.cfg.FinWaitTimeout)
		s.logger.V(1).Info("our FIN was acked")
	}
}

// selectiveAckBytes sums the payload of sent, unacked packets the mask
// covers, and lowers minRTT to their shortest round trip.
func (s *Socket) selectiveAckBytes(base uint16, sa *SelectiveAck, micro uint64, minRTT *uint64) int {
	acked := 0
	for i := 0; i < sa.Len(); i++ {
		if !sa.IsSet(i) {
			continue
		}
		pkt := s.outbuf.get(base + uint16(i))
		if pkt == nil || pkt.transmissions == 0 {
			continue
		}
		acked += len(pkt.payload)
		*minRTT = min(*minRTT, micro-pkt.timeSent)
	}
	return acked
}

// selectiveAck acks the packets named in the mask and fast-resends packets
// with enough acked packets after them.
func (s *Socket) selectiveAck(base uint16, sa *SelectiveAck, now uint32, micro uint64) {
	if s.outbuf.empty() {
		return
	}

	// walk from the highest bit down, counting acked packets past each hole
	count := 0
	var resends []uint16
	for i := sa.Len() - 1; i >= -1; i-- {
		seq := base + uint16(i)
		// ignore bits for packets we have not sent, or that were
		// cumulatively acked already. i == -1 is the packet right after
		// the cumulative ack, which the mask never covers.
		if seqOffset(seq, s.outbuf.oldest()) >= s.outbuf.count {
			continue
		}
		set := sa.IsSet(i)
		if set {
			count++
		}
		pkt := s.outbuf.get(seq)
		if pkt == nil || pkt.transmissions == 0 {
			continue
		}
		if set {
			s.ackPacket(seq, now, micro)
			continue
		}
		if count >= s.cfg.DuplicateAcksBeforeResend && !seqLess(seq, s.fastResendSeqNum) {
			resends = append(resends, seq)
		}
	}

	// resends holds the highest sequence numbers first; the lowest holes
	// matter most
	lost := false
	sent := 0
	for j := len(resends) - 1; j >= 0 && sent < maxFastResends; j-- {
		pkt := s.outbuf.get(resends[j])
		if pkt == nil {
			continue
		}
		s.logger.V(1).Info("packet lost, resending", "seq-nr", resends[j])
		lost = true
		s.stats.fastTransmitted()
		s.sendPacket(pkt)
		s.fastResendSeqNum = resends[j] + 1
		sent++
	}
	if lost {
		s.cc.decay(now, s.minWindow())
	}
}

// resendAfterDuplicateAcks handles peers that do not send selective acks:
// enough repeated acks for the same packet mean the next one was lost.
func (s *Socket) resendAfterDuplicateAcks(now uint32) {
	seq := s.outbuf.oldest()
	if seqLess(seq, s.fastResendSeqNum) {
		return
	}
	pkt := s.outbuf.get(seq)
	if pkt == nil || pkt.transmissions == 0 {
		return
	}
	s.logger.V(1).Info("duplicate acks, resending", "seq-nr", seq, "dup-acks", s.duplicateAck)
	s.stats.fastTransmitted()
	s.fastResendSeqNum = seq + 1
	s.sendPacket(pkt)
	s.cc.decay(now, s.minWindow())
}
