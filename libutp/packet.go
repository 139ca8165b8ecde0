// Copyright (c) 2021 Storj Labs, Inc.
// Copyright (c) 2010 BitTorrent, Inc.
// See LICENSE for copying information.

package libutp

import (
	"encoding/binary"
	"fmt"
)

// PacketType is the 4-bit type field of a µTP packet header.
type PacketType uint8

const (
	// PacketData carries application payload.
	PacketData PacketType = 0
	// PacketFin finalizes the sender's half of the stream. Its sequence
	// number is the last one the sender will use.
	PacketFin PacketType = 1
	// PacketState is a pure acknowledgment; it does not consume a sequence
	// number.
	PacketState PacketType = 2
	// PacketReset forcibly terminates a connection.
	PacketReset PacketType = 3
	// PacketSyn initiates a connection.
	PacketSyn PacketType = 4

	numPacketTypes = 5
)

var packetTypeNames = [numPacketTypes]string{"ST_DATA", "ST_FIN", "ST_STATE", "ST_RESET", "ST_SYN"}

func (t PacketType) String() string {
	if t < numPacketTypes {
		return packetTypeNames[t]
	}
	return fmt.Sprintf("ST_UNKNOWN(%d)", uint8(t))
}

const (
	// ProtocolVersion is the only µTP header version this package speaks.
	ProtocolVersion = 1

	// HeaderSize is the size of the fixed part of a µTP header.
	HeaderSize = 20

	extensionNone         = 0
	extensionSelectiveAck = 1
	extensionBits         = 2

	extensionBitsLen = 8

	// maxSelectiveAckBytes bounds the selective ack mask we will produce or
	// interpret; 64 bytes covers a full reorder span of 511 packets.
	maxSelectiveAckBytes = 64
)

// SelectiveAck is the bitmask carried by the selective acknowledgment
// extension. Bit i (least significant bit first within each byte) is set
// when the packet with sequence number ack+2+i has been received.
type SelectiveAck struct {
	Mask []byte
}

// newSelectiveAck returns an empty mask able to hold at least nbits bits,
// rounded up to a multiple of 32 as the wire format requires.
func newSelectiveAck(nbits int) *SelectiveAck {
	nbytes := (nbits + 31) / 32 * 4
	if nbytes == 0 {
		nbytes = 4
	}
	if nbytes > maxSelectiveAckBytes {
		nbytes = maxSelectiveAckBytes
	}
	return &SelectiveAck{Mask: make([]byte, nbytes)}
}

// Len returns the number of bits covered by the mask. Bits past Len are
// unknown, not lost.
func (sa *SelectiveAck) Len() int {
	return len(sa.Mask) * 8
}

// IsSet reports whether bit i is set.
func (sa *SelectiveAck) IsSet(i int) bool {
	if i < 0 || i >= sa.Len() {
		return false
	}
	return sa.Mask[i>>3]&(1<<(i&7)) != 0
}

// Set sets bit i. Bits outside the mask are ignored.
func (sa *SelectiveAck) Set(i int) {
	if i < 0 || i >= sa.Len() {
		return
	}
	sa.Mask[i>>3] |= 1 << (i & 7)
}

// Header is a decoded µTP version 1 packet header, including the
// extensions this implementation understands.
type Header struct {
	Type          PacketType
	ConnID        uint16
	Timestamp     uint32 // sender's clock, microseconds
	TimestampDiff uint32 // sender's last measured one-way delay, microseconds
	WindowSize    uint32 // sender's receive window, bytes
	SeqNum        uint16
	AckNum        uint16

	// SelectiveAck is nil when the extension is absent.
	SelectiveAck *SelectiveAck
	// ExtensionBits is nil when the extension is absent; otherwise it holds
	// exactly 8 bytes.
	ExtensionBits []byte
}

// EncodedLen returns the number of bytes Encode will produce for the header.
func (h *Header) EncodedLen() int {
	n := HeaderSize
	if h.SelectiveAck != nil {
		n += 2 + len(h.SelectiveAck.Mask)
	}
	if h.ExtensionBits != nil {
		n += 2 + extensionBitsLen
	}
	return n
}

// Encode writes the header into b, which must be at least EncodedLen bytes
// long, and returns the number of bytes written.
func (h *Header) Encode(b []byte) (int, error) {
	if len(b) < h.EncodedLen() {
		return 0, fmt.Errorf("buffer of %d bytes too small for %d byte header", len(b), h.EncodedLen())
	}
	if h.SelectiveAck != nil {
		if n := len(h.SelectiveAck.Mask); n == 0 || n%4 != 0 || n > maxSelectiveAckBytes {
			return 0, fmt.Errorf("invalid selective ack mask length %d", n)
		}
	}
	if h.ExtensionBits != nil && len(h.ExtensionBits) != extensionBitsLen {
		return 0, fmt.Errorf("invalid extension bits length %d", len(h.ExtensionBits))
	}

	// the chain is written in a fixed order: selective ack, then extension bits
	var chain []uint8
	if h.SelectiveAck != nil {
		chain = append(chain, extensionSelectiveAck)
	}
	if h.ExtensionBits != nil {
		chain = append(chain, extensionBits)
	}
	first := uint8(extensionNone)
	if len(chain) > 0 {
		first = chain[0]
	}

	b[0] = byte(h.Type)<<4 | ProtocolVersion
	b[1] = first
	binary.BigEndian.PutUint16(b[2:4], h.ConnID)
	binary.BigEndian.PutUint32(b[4:8], h.Timestamp)
	binary.BigEndian.PutUint32(b[8:12], h.TimestampDiff)
	binary.BigEndian.PutUint32(b[12:16], h.WindowSize)
	binary.BigEndian.PutUint16(b[16:18], h.SeqNum)
	binary.BigEndian.PutUint16(b[18:20], h.AckNum)

	pos := HeaderSize
	for i, ext := range chain {
		next := uint8(extensionNone)
		if i+1 < len(chain) {
			next = chain[i+1]
		}
		var payload []byte
		switch ext {
		case extensionSelectiveAck:
			payload = h.SelectiveAck.Mask
		case extensionBits:
			payload = h.ExtensionBits
		}
		b[pos] = next
		b[pos+1] = uint8(len(payload))
		pos += 2
		pos += copy(b[pos:], payload)
	}
	return pos, nil
}

// EncodePacket returns a new buffer holding the encoded header followed by
// payload.
func EncodePacket(h *Header, payload []byte) ([]byte, error) {
	b := make([]byte, h.EncodedLen()+len(payload))
	n, err := h.Encode(b)
	if err != nil {
		return nil, err
	}
	copy(b[n:], payload)
	return b, nil
}

// DecodePacket parses a µTP packet. The returned payload aliases b. All
// failures wrap ErrMalformed; no input can make DecodePacket panic.
func DecodePacket(b []byte) (h Header, payload []byte, err error) {
	if len(b) < HeaderSize {
		return h, nil, fmt.Errorf("%w: %d bytes is shorter than a header", ErrMalformed, len(b))
	}
	if version := b[0] & 0xf; version != ProtocolVersion {
		return h, nil, fmt.Errorf("%w: unsupported version %d", ErrMalformed, version)
	}
	h.Type = PacketType(b[0] >> 4)
	if h.Type >= numPacketTypes {
		return h, nil, fmt.Errorf("%w: unknown packet type %d", ErrMalformed, h.Type)
	}
	h.ConnID = binary.BigEndian.Uint16(b[2:4])
	h.Timestamp = binary.BigEndian.Uint32(b[4:8])
	h.TimestampDiff = binary.BigEndian.Uint32(b[8:12])
	h.WindowSize = binary.BigEndian.Uint32(b[12:16])
	h.SeqNum = binary.BigEndian.Uint16(b[16:18])
	h.AckNum = binary.BigEndian.Uint16(b[18:20])

	ext := b[1]
	pos := HeaderSize
	for ext != extensionNone {
		if len(b)-pos < 2 {
			return h, nil, fmt.Errorf("%w: truncated extension header", ErrMalformed)
		}
		next, length := b[pos], int(b[pos+1])
		pos += 2
		if len(b)-pos < length {
			return h, nil, fmt.Errorf("%w: extension %d claims %d bytes, %d remain", ErrMalformed, ext, length, len(b)-pos)
		}
		data := b[pos : pos+length]
		switch ext {
		case extensionSelectiveAck:
			if length == 0 || length%4 != 0 {
				return h, nil, fmt.Errorf("%w: selective ack length %d", ErrMalformed, length)
			}
			if length > maxSelectiveAckBytes {
				data = data[:maxSelectiveAckBytes]
			}
			mask := make([]byte, len(data))
			copy(mask, data)
			h.SelectiveAck = &SelectiveAck{Mask: mask}
		case extensionBits:
			if length != extensionBitsLen {
				return h, nil, fmt.Errorf("%w: extension bits length %d", ErrMalformed, length)
			}
			h.ExtensionBits = make([]byte, extensionBitsLen)
			copy(h.ExtensionBits, data)
		}
		pos += length
		ext = next
	}
	return h, b[pos:], nil
}
