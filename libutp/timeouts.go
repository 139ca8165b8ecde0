// Copyright (c) 2021 Storj Labs, Inc.
// Copyright (c) 2010 BitTorrent, Inc.
// See LICENSE for copying information.

package libutp

// checkTimeouts drives every timer of the socket: retransmission, delayed
// acks, keepalives, zero-window probing, and the shutdown timers.
func (s *Socket) checkTimeouts(now uint32) {
	s.checkInvariants()

	s.logger.V(10).Info("check timeouts",
		"state", s.state, "max-window", s.cc.maxWindow, "cur-window", s.outbuf.inFlight,
		"cur-window-packets", s.outbuf.count, "bytes-since-ack", s.bytesSinceAck)

	switch s.state {
	case csSynSent, csConnected, csFinSent, csGotFin:
		if s.maxWindowUser == 0 && timeReached(now, s.zeroWindowDeadline) {
			s.maxWindowUser = s.PacketSize()
		}

		s.flushPackets()

		// the retransmission timer does not run while the peer's window
		// is closed
		if !s.outbuf.empty() && s.maxWindowUser > 0 && timeReached(now, s.rtoDeadline) {
			s.retransmitTimeout(now)
			if s.state == csDestroy {
				return
			}
		}

		s.maybeWritable(now)

		if s.state != csSynSent {
			if s.ackPending && (s.bytesSinceAck > s.cfg.DelayedAckBytes || timeReached(now, s.ackDeadline)) {
				s.sendAck()
			}
			if now-s.lastSentPacket >= durationMS(s.cfg.KeepaliveInterval) {
				s.sendKeepAlive()
			}
		}

		if s.state == csFinSent && s.finAcked && !s.eofReached && timeReached(now, s.finWaitDeadline) {
			s.logger.V(1).Info("peer never sent its FIN, giving up")
			s.state = csDestroy
		}

	case csDestroyDelay:
		if s.ackPending && timeReached(now, s.ackDeadline) {
			s.sendAck()
		}
		if timeReached(now, s.lingerDeadline) {
			s.logger.V(1).Info("linger over")
			s.state = csDestroy
		}

	case csIdle, csDestroy:
	}
}

// retransmitTimeout handles expiry of the retransmission timer: the window
// collapses, everything in flight is considered lost, and the oldest packet
// is resent. Too many expiries in a row end the connection.
func (s *Socket) retransmitTimeout(now uint32) {
	ceiling := s.cfg.MaxRetransmissions
	if s.state == csSynSent {
		ceiling = s.cfg.MaxSynRetries
	}
	next := s.rtt.expire()
	if s.rtt.retries > ceiling {
		s.logger.V(1).Info("retransmission limit reached", "retries", s.rtt.retries-1, "state", s.state)
		s.fail(ErrTimeout)
		return
	}
	s.rtoDeadline = now + next
	s.duplicateAck = 0

	s.cc.collapse(s.minWindow())
	s.outbuf.markAllLost()

	s.logger.Info("packet timeout, resending",
		"seq-nr", s.outbuf.oldest(), "timeout", next, "max-window", s.cc.maxWindow)

	s.fastTimeout = true
	if pkt := s.outbuf.get(s.outbuf.oldest()); pkt != nil {
		s.sendPacket(pkt)
	}
}
