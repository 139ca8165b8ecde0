// Copyright (c) 2021 Storj Labs, Inc.
// Copyright (c) 2010 BitTorrent, Inc.
// See LICENSE for copying information.

package libutp

// outgoingPacket is a packet that has been assigned a sequence number and is
// waiting to be acknowledged.
type outgoingPacket struct {
	header  Header
	payload []byte

	// microseconds, host clock
	timeSent      uint64
	transmissions uint32
	// needResend is set once the packet is considered lost; it no longer
	// counts toward the bytes in flight until it is sent again.
	needResend bool
}

// outgoingBuffer holds sent-but-unacknowledged packets, oldest first, and
// keeps count of the payload bytes in flight.
type outgoingBuffer struct {
	packets ring[*outgoingPacket]

	// seqNum is the sequence number the next pushed packet will get.
	seqNum uint16
	// count is the number of sequence numbers from the oldest unacked packet
	// up to seqNum. Holes left by selective acks still count.
	count uint16
	// inFlight is the number of payload bytes sent and not yet acked or
	// declared lost.
	inFlight int
	// limit is the maximum number of packets the buffer may hold.
	limit int
}

func newOutgoingBuffer(limit int) outgoingBuffer {
	return outgoingBuffer{
		packets: newRing[*outgoingPacket](16),
		limit:   limit,
	}
}

// oldest returns the sequence number of the oldest unacked packet (or
// seqNum, when nothing is outstanding).
func (ob *outgoingBuffer) oldest() uint16 {
	return ob.seqNum - ob.count
}

// lastAcked returns the highest of our sequence numbers the peer has
// cumulatively acknowledged.
func (ob *outgoingBuffer) lastAcked() uint16 {
	return ob.seqNum - ob.count - 1
}

func (ob *outgoingBuffer) empty() bool {
	return ob.count == 0
}

// full reports whether another data packet may be queued. One slot is always
// kept free for a FIN.
func (ob *outgoingBuffer) full() bool {
	return int(ob.count) >= ob.limit-1
}

// inWindow reports whether seq lies in [oldest, seqNum).
func (ob *outgoingBuffer) inWindow(seq uint16) bool {
	return seqOffset(seq, ob.oldest()) < ob.count
}

// push assigns the next sequence number to pkt and stores it.
func (ob *outgoingBuffer) push(pkt *outgoingPacket) uint16 {
	seq := ob.seqNum
	pkt.header.SeqNum = seq
	ob.packets.ensureSize(seq+1, int(ob.count)+1)
	ob.packets.put(seq, pkt)
	ob.seqNum++
	ob.count++
	return seq
}

// get returns the packet with the given sequence number, or nil if it is
// outside the window or already acked.
func (ob *outgoingBuffer) get(seq uint16) *outgoingPacket {
	if !ob.inWindow(seq) {
		return nil
	}
	return ob.packets.get(seq)
}

// last returns the most recently pushed packet still in the buffer.
func (ob *outgoingBuffer) last() *outgoingPacket {
	if ob.count == 0 {
		return nil
	}
	return ob.packets.get(ob.seqNum - 1)
}

// markSent accounts for a (re)transmission of pkt.
func (ob *outgoingBuffer) markSent(pkt *outgoingPacket, now uint64) {
	if pkt.transmissions == 0 || pkt.needResend {
		ob.inFlight += len(pkt.payload)
	}
	pkt.needResend = false
	pkt.timeSent = now
	pkt.transmissions++
}

// remove takes an acknowledged packet out of the buffer. It returns nil if
// the packet was never sent or is already gone. The window count is not
// changed; see advance and trim.
func (ob *outgoingBuffer) remove(seq uint16) *outgoingPacket {
	pkt := ob.get(seq)
	if pkt == nil || pkt.transmissions == 0 {
		return nil
	}
	ob.packets.clear(seq)
	if !pkt.needResend {
		ob.inFlight -= len(pkt.payload)
	}
	return pkt
}

// advance drops the oldest sequence number from the window.
func (ob *outgoingBuffer) advance() {
	if ob.count > 0 {
		ob.packets.clear(ob.oldest())
		ob.count--
	}
}

// trim advances past any already-acked holes at the front of the window.
func (ob *outgoingBuffer) trim() {
	for ob.count > 0 && ob.packets.get(ob.oldest()) == nil {
		ob.count--
	}
}

// markAllLost flags every sent packet for retransmission and removes them
// from the bytes in flight.
func (ob *outgoingBuffer) markAllLost() {
	for i := uint16(0); i < ob.count; i++ {
		pkt := ob.packets.get(ob.oldest() + i)
		if pkt == nil || pkt.transmissions == 0 || pkt.needResend {
			continue
		}
		pkt.needResend = true
		ob.inFlight -= len(pkt.payload)
	}
}
