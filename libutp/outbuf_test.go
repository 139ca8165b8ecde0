// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package libutp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pushSent(ob *outgoingBuffer, n int, now uint64) *outgoingPacket {
	pkt := &outgoingPacket{payload: make([]byte, n)}
	ob.push(pkt)
	ob.markSent(pkt, now)
	return pkt
}

func TestOutgoingBufferAccounting(t *testing.T) {
	ob := newOutgoingBuffer(8)
	ob.seqNum = 0xfffe

	for i := 0; i < 4; i++ {
		pushSent(&ob, 100, 0)
	}
	assert.Equal(t, uint16(4), ob.count)
	assert.Equal(t, 400, ob.inFlight)
	assert.Equal(t, uint16(0xfffe), ob.oldest())
	assert.Equal(t, uint16(0xfffd), ob.lastAcked())
	assert.Equal(t, uint16(2), ob.seqNum)

	// selectively acked in the middle
	require.NotNil(t, ob.remove(0xffff))
	assert.Nil(t, ob.remove(0xffff))
	assert.Equal(t, 300, ob.inFlight)
	assert.Equal(t, uint16(4), ob.count)

	require.NotNil(t, ob.remove(0xfffe))
	ob.advance()
	ob.trim()
	assert.Equal(t, uint16(2), ob.count)
	assert.Equal(t, uint16(0), ob.oldest())
	assert.Equal(t, 200, ob.inFlight)

	assert.Nil(t, ob.get(0xffff))
	assert.Nil(t, ob.get(2))
	assert.NotNil(t, ob.get(1))
}

func TestOutgoingBufferMarkAllLost(t *testing.T) {
	ob := newOutgoingBuffer(8)
	a := pushSent(&ob, 100, 0)
	pushSent(&ob, 50, 0)
	unsent := &outgoingPacket{payload: make([]byte, 70)}
	ob.push(unsent)

	ob.markAllLost()
	assert.Equal(t, 0, ob.inFlight)
	assert.True(t, a.needResend)
	assert.False(t, unsent.needResend)

	// resending puts it back in flight once
	ob.markSent(a, 10)
	assert.Equal(t, 100, ob.inFlight)
	assert.Equal(t, uint32(2), a.transmissions)

	// a lost packet acked before its resend leaves the count alone
	require.NotNil(t, ob.remove(1))
	assert.Equal(t, 100, ob.inFlight)
	// an unsent packet cannot be acked
	assert.Nil(t, ob.remove(2))
}

func TestOutgoingBufferFullKeepsSlotForFin(t *testing.T) {
	ob := newOutgoingBuffer(4)
	for i := 0; i < 3; i++ {
		require.False(t, ob.full())
		pushSent(&ob, 1, 0)
	}
	assert.True(t, ob.full())
	ob.push(&outgoingPacket{header: Header{Type: PacketFin}})
	assert.Equal(t, PacketFin, ob.last().header.Type)
}

func TestOutgoingBufferGrows(t *testing.T) {
	ob := newOutgoingBuffer(1024)
	ob.seqNum = 0xfff0
	var pkts []*outgoingPacket
	for i := 0; i < 100; i++ {
		pkts = append(pkts, pushSent(&ob, i, 0))
	}
	for i, pkt := range pkts {
		assert.Same(t, pkt, ob.get(0xfff0+uint16(i)))
	}
}
