// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package libutp

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderEncodeDecode(t *testing.T) {
	h := Header{
		Type:          PacketData,
		ConnID:        0xbeef,
		Timestamp:     0x01020304,
		TimestampDiff: 0x05060708,
		WindowSize:    1 << 20,
		SeqNum:        0xfffe,
		AckNum:        17,
	}
	b, err := EncodePacket(&h, []byte("hello"))
	require.NoError(t, err)
	require.Len(t, b, HeaderSize+5)

	// bit-exact fixed header
	assert.Equal(t, byte(0x01), b[0])
	assert.Equal(t, byte(0), b[1])
	assert.Equal(t, []byte{0xbe, 0xef}, b[2:4])
	assert.Equal(t, []byte{1, 2, 3, 4}, b[4:8])
	assert.Equal(t, []byte{5, 6, 7, 8}, b[8:12])
	assert.Equal(t, []byte{0, 0x10, 0, 0}, b[12:16])
	assert.Equal(t, []byte{0xff, 0xfe}, b[16:18])
	assert.Equal(t, []byte{0, 17}, b[18:20])

	got, payload, err := DecodePacket(b)
	require.NoError(t, err)
	assert.Equal(t, h, got)
	assert.Equal(t, []byte("hello"), payload)
}

func TestExtensionChain(t *testing.T) {
	sa := newSelectiveAck(40)
	require.Len(t, sa.Mask, 8)
	sa.Set(0)
	sa.Set(9)
	sa.Set(39)
	h := Header{
		Type:          PacketState,
		ConnID:        3,
		SelectiveAck:  sa,
		ExtensionBits: []byte{1, 2, 3, 4, 5, 6, 7, 8},
	}
	b, err := EncodePacket(&h, nil)
	require.NoError(t, err)
	assert.Equal(t, h.EncodedLen(), len(b))
	assert.Equal(t, byte(extensionSelectiveAck), b[1])
	assert.Equal(t, byte(extensionBits), b[HeaderSize])
	assert.Equal(t, byte(8), b[HeaderSize+1])

	got, payload, err := DecodePacket(b)
	require.NoError(t, err)
	assert.Empty(t, payload)
	require.NotNil(t, got.SelectiveAck)
	for i := 0; i < got.SelectiveAck.Len(); i++ {
		assert.Equal(t, i == 0 || i == 9 || i == 39, got.SelectiveAck.IsSet(i), "bit %d", i)
	}
	assert.Equal(t, h.ExtensionBits, got.ExtensionBits)
}

func TestSelectiveAckRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for iter := 0; iter < 200; iter++ {
		ackNum := uint16(rng.Intn(1 << 16))
		rb := newReorderBuffer(DefaultConfig().ReorderSpan)
		held := map[uint16]bool{}
		for n := rng.Intn(40) + 1; n > 0; n-- {
			seq := ackNum + 2 + uint16(rng.Intn(300))
			if rb.accept(ackNum, seq, []byte{byte(seq)}, 0) == acceptHeld {
				held[seq] = true
			}
		}

		h := Header{Type: PacketState, AckNum: ackNum, SelectiveAck: rb.selectiveAck(ackNum)}
		b, err := EncodePacket(&h, nil)
		require.NoError(t, err)
		got, _, err := DecodePacket(b)
		require.NoError(t, err)
		require.NotNil(t, got.SelectiveAck)

		decoded := map[uint16]bool{}
		for i := 0; i < got.SelectiveAck.Len(); i++ {
			if got.SelectiveAck.IsSet(i) {
				decoded[got.AckNum+2+uint16(i)] = true
			}
		}
		assert.Equal(t, held, decoded)
	}
}

func TestDecodeMalformed(t *testing.T) {
	valid, err := EncodePacket(&Header{Type: PacketState, SelectiveAck: newSelectiveAck(32)}, nil)
	require.NoError(t, err)

	cases := map[string][]byte{
		"empty":            nil,
		"three bytes":      {0x41, 0, 0},
		"short header":     valid[:HeaderSize-1],
		"bad version":      append([]byte{0x02}, valid[1:]...),
		"bad type":         append([]byte{0x51}, valid[1:]...),
		"truncated ext":    valid[:HeaderSize+1],
		"truncated mask":   valid[:len(valid)-1],
		"zero length sack": append(append([]byte{}, valid[:HeaderSize]...), 0, 0),
		"odd length sack":  append(append([]byte{}, valid[:HeaderSize]...), 0, 3, 1, 2, 3),
	}
	for name, b := range cases {
		_, _, err := DecodePacket(b)
		assert.Error(t, err, name)
		assert.True(t, errors.Is(err, ErrMalformed), name)
	}
}

func TestDecodeNeverPanics(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	for i := 0; i < 10000; i++ {
		b := make([]byte, rng.Intn(64))
		rng.Read(b)
		if len(b) > 0 && rng.Intn(2) == 0 {
			// make it past the version check more often
			b[0] = b[0]&0xf0 | ProtocolVersion
		}
		assert.NotPanics(t, func() { _, _, _ = DecodePacket(b) })
	}
}

func TestUnknownExtensionSkipped(t *testing.T) {
	b, err := EncodePacket(&Header{Type: PacketData, SeqNum: 9}, nil)
	require.NoError(t, err)
	b[1] = 7
	b = append(b, 0, 2, 0xaa, 0xbb, 'x')
	h, payload, err := DecodePacket(b)
	require.NoError(t, err)
	assert.Equal(t, uint16(9), h.SeqNum)
	assert.Equal(t, []byte("x"), payload)
}
