// Copyright (c) 2021 Storj Labs, Inc.
// Copyright (c) 2010 BitTorrent, Inc.
// See LICENSE for copying information.

package libutp

type reorderEntry struct {
	payload []byte
	arrived uint64
}

// reorderBuffer holds data packets that arrived ahead of the next expected
// sequence number.
type reorderBuffer struct {
	entries ring[*reorderEntry]
	count   int
	// span is the furthest past ackNum+1 a packet may land and still be held.
	span int
}

type acceptResult int

const (
	// acceptInOrder means the packet is the next expected one; the caller
	// delivers it directly.
	acceptInOrder acceptResult = iota
	// acceptHeld means the packet was stored for later delivery.
	acceptHeld
	// acceptDuplicate means the packet was already delivered or is already
	// held. It should still be acknowledged.
	acceptDuplicate
	// acceptTooFar means the packet lies beyond the reorder span and was
	// dropped without acknowledgment.
	acceptTooFar
)

func newReorderBuffer(span int) reorderBuffer {
	return reorderBuffer{entries: newRing[*reorderEntry](16), span: span}
}

// accept files a packet with sequence number seq, given that everything up
// to and including ackNum has been delivered. The payload is copied when
// held.
func (rb *reorderBuffer) accept(ackNum, seq uint16, payload []byte, now uint64) acceptResult {
	off := int(seqOffset(seq, ackNum+1))
	if off == 0 {
		return acceptInOrder
	}
	if back := int(seqOffset(ackNum, seq)); back < rb.span {
		return acceptDuplicate
	}
	if off > rb.span {
		return acceptTooFar
	}

	// grow before looking, so an old entry at a wrapped index is not
	// mistaken for this one
	rb.entries.ensureSize(seq+1, off+1)
	if rb.entries.get(seq) != nil {
		return acceptDuplicate
	}
	mem := make([]byte, len(payload))
	copy(mem, payload)
	rb.entries.put(seq, &reorderEntry{payload: mem, arrived: now})
	rb.count++
	return acceptHeld
}

// pop removes and returns the entry for ackNum+1, if held.
func (rb *reorderBuffer) pop(ackNum uint16) ([]byte, bool) {
	if rb.count == 0 {
		return nil, false
	}
	next := ackNum + 1
	entry := rb.entries.get(next)
	if entry == nil {
		return nil, false
	}
	rb.entries.clear(next)
	rb.count--
	return entry.payload, true
}

// held returns the number of packets waiting for a gap to fill.
func (rb *reorderBuffer) held() int {
	return rb.count
}

// reset drops every held packet.
func (rb *reorderBuffer) reset() {
	if rb.count == 0 {
		return
	}
	for i := range rb.entries.elements {
		rb.entries.elements[i] = nil
	}
	rb.count = 0
}

// selectiveAck builds the selective ack mask describing the held packets,
// relative to ackNum. It returns nil when nothing is held.
func (rb *reorderBuffer) selectiveAck(ackNum uint16) *SelectiveAck {
	if rb.count == 0 {
		return nil
	}
	// bit i stands for ackNum+2+i, which is i+1 past the next expected
	// packet; only offsets smaller than the ring size are unambiguous
	limit := rb.entries.size() - 2
	if limit > maxSelectiveAckBytes*8 {
		limit = maxSelectiveAckBytes * 8
	}
	highest := -1
	found := 0
	for i := 0; i < limit && found < rb.count; i++ {
		if rb.entries.get(ackNum+2+uint16(i)) != nil {
			highest = i
			found++
		}
	}
	if highest < 0 {
		return nil
	}
	sa := newSelectiveAck(highest + 1)
	for i := 0; i <= highest && i < sa.Len(); i++ {
		if rb.entries.get(ackNum+2+uint16(i)) != nil {
			sa.Set(i)
		}
	}
	return sa
}
