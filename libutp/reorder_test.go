// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package libutp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// reorderHarness delivers through a reorderBuffer the way a socket does.
type reorderHarness struct {
	rb        reorderBuffer
	ackNum    uint16
	delivered []byte
}

func (h *reorderHarness) receive(seq uint16) acceptResult {
	res := h.rb.accept(h.ackNum, seq, []byte{byte(seq)}, 0)
	if res != acceptInOrder {
		return res
	}
	h.delivered = append(h.delivered, byte(seq))
	h.ackNum++
	for {
		p, ok := h.rb.pop(h.ackNum)
		if !ok {
			break
		}
		h.delivered = append(h.delivered, p...)
		h.ackNum++
	}
	return res
}

func TestReorderDeliversInOrder(t *testing.T) {
	h := &reorderHarness{rb: newReorderBuffer(511), ackNum: 2}

	assert.Equal(t, acceptInOrder, h.receive(3))
	assert.Equal(t, uint16(3), h.ackNum)

	assert.Equal(t, acceptHeld, h.receive(5))
	assert.Equal(t, uint16(3), h.ackNum)
	assert.Equal(t, 1, h.rb.held())

	assert.Equal(t, acceptInOrder, h.receive(4))
	assert.Equal(t, uint16(5), h.ackNum)
	assert.Equal(t, 0, h.rb.held())

	assert.Equal(t, acceptInOrder, h.receive(6))
	assert.Equal(t, uint16(6), h.ackNum)
	assert.Equal(t, []byte{3, 4, 5, 6}, h.delivered)
}

func TestReorderDuplicates(t *testing.T) {
	h := &reorderHarness{rb: newReorderBuffer(511), ackNum: 100}
	assert.Equal(t, acceptDuplicate, h.receive(100))
	assert.Equal(t, acceptDuplicate, h.receive(50))
	assert.Equal(t, acceptHeld, h.receive(105))
	assert.Equal(t, acceptDuplicate, h.receive(105))
	assert.Equal(t, 1, h.rb.held())
	assert.Empty(t, h.delivered)
}

func TestReorderTooFar(t *testing.T) {
	base := uint16(0xfff0)
	h := &reorderHarness{rb: newReorderBuffer(16), ackNum: base}
	assert.Equal(t, acceptHeld, h.receive(base+17))
	assert.Equal(t, acceptTooFar, h.receive(base+18))
	assert.Equal(t, 1, h.rb.held())
}

func TestReorderAcrossWrap(t *testing.T) {
	h := &reorderHarness{rb: newReorderBuffer(511), ackNum: 0xfffd}
	for _, seq := range []uint16{1, 0xffff, 0, 0xfffe} {
		h.receive(seq)
	}
	assert.Equal(t, uint16(1), h.ackNum)
	assert.Equal(t, []byte{0xfe, 0xff, 0, 1}, h.delivered)
}

func TestReorderGrowKeepsEntries(t *testing.T) {
	h := &reorderHarness{rb: newReorderBuffer(511), ackNum: 0}
	// held entries spread wider than the initial ring
	for seq := uint16(300); seq >= 2; seq -= 2 {
		require.Equal(t, acceptHeld, h.receive(seq))
	}
	for seq := uint16(1); seq < 300; seq += 2 {
		h.receive(seq)
	}
	assert.Equal(t, uint16(300), h.ackNum)
	assert.Equal(t, 0, h.rb.held())
	for i, b := range h.delivered {
		assert.Equal(t, byte(i+1), b)
	}
}

func TestReorderSelectiveAckMask(t *testing.T) {
	h := &reorderHarness{rb: newReorderBuffer(511), ackNum: 10}
	assert.Nil(t, h.rb.selectiveAck(h.ackNum))

	h.receive(12)
	h.receive(13)
	h.receive(50)
	sa := h.rb.selectiveAck(h.ackNum)
	require.NotNil(t, sa)
	assert.Equal(t, 64, sa.Len())
	for i := 0; i < sa.Len(); i++ {
		assert.Equal(t, i == 0 || i == 1 || i == 38, sa.IsSet(i), "bit %d", i)
	}

	h.rb.reset()
	assert.Equal(t, 0, h.rb.held())
	assert.Nil(t, h.rb.selectiveAck(h.ackNum))
}
