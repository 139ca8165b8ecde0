// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package libutp

import (
	"crypto/rand"
	"encoding/binary"
	"io"
	"net/netip"
	"time"
)

// Host is the set of services the µTP engine needs from its environment. A
// single Host serves every socket of a SocketMultiplexer, and is only ever
// called from inside SocketMultiplexer or Socket methods.
type Host interface {
	// Send transmits a datagram. It must not block; a returned error is
	// logged and counted, never retried by the engine.
	Send(p []byte, addr netip.AddrPort) error
	// Now returns a monotonic clock reading.
	Now() time.Duration
	// Random returns a uniformly distributed random number.
	Random() uint32
	// UDPMTU returns the largest UDP payload that should be sent to addr.
	UDPMTU(addr netip.AddrPort) int
	// UDPOverhead returns the IP+UDP header overhead of a datagram to addr.
	UDPOverhead(addr netip.AddrPort) int
	// DelaySample is told about every one-way delay estimate the congestion
	// controller computes. It is purely informational.
	DelaySample(addr netip.AddrPort, sample time.Duration)
}

// SystemServices implements every Host method except Send using the system
// clock, crypto/rand, and conservative MTU guesses. Embed it in a type that
// provides Send.
type SystemServices struct {
	start time.Time
}

// NewSystemServices returns a SystemServices whose clock starts now.
func NewSystemServices() SystemServices {
	return SystemServices{start: time.Now()}
}

// Now returns the time elapsed since the SystemServices was created.
func (ss SystemServices) Now() time.Duration {
	if ss.start.IsZero() {
		return time.Duration(time.Now().UnixNano())
	}
	return time.Since(ss.start)
}

// Random reads 4 bytes from crypto/rand.
func (ss SystemServices) Random() uint32 {
	var buf [4]byte
	if _, err := io.ReadFull(rand.Reader, buf[:]); err != nil {
		panic("can't read from random source: " + err.Error())
	}
	return binary.LittleEndian.Uint32(buf[:])
}

// UDPMTU implements Host with GetUDPMTU.
func (ss SystemServices) UDPMTU(addr netip.AddrPort) int { return GetUDPMTU(addr) }

// UDPOverhead implements Host with GetUDPOverhead.
func (ss SystemServices) UDPOverhead(addr netip.AddrPort) int { return GetUDPOverhead(addr) }

// DelaySample discards the sample.
func (ss SystemServices) DelaySample(netip.AddrPort, time.Duration) {}

const (
	ethernetMTU     = 1500
	ipv4HeaderSize  = 20
	ipv6HeaderSize  = 40
	udpHeaderSize   = 8
	greHeaderSize   = 24
	pppoeHeaderSize = 8
	mppeHeaderSize  = 2

	fudgeHeaderSize = 36
	teredoMTU       = 1280

	udpIPv4Overhead   = ipv4HeaderSize + udpHeaderSize
	udpIPv6Overhead   = ipv6HeaderSize + udpHeaderSize
	udpTeredoOverhead = udpIPv4Overhead + udpIPv6Overhead

	udpIPv4MTU   = ethernetMTU - ipv4HeaderSize - udpHeaderSize - greHeaderSize - pppoeHeaderSize - mppeHeaderSize - fudgeHeaderSize
	udpTeredoMTU = teredoMTU - ipv6HeaderSize - udpHeaderSize
)

// GetUDPMTU returns a best guess as to the largest UDP payload that can reach
// addr without fragmentation. It leaves room for PPPoE, GRE and MPPE
// encapsulation, and, since the local interface is unknown, assumes every
// IPv6 path is Teredo.
func GetUDPMTU(addr netip.AddrPort) int {
	if isIPv6(addr) {
		return udpTeredoMTU
	}
	return udpIPv4MTU
}

// GetUDPOverhead returns the IP and UDP header bytes that accompany each
// datagram sent to addr, under the same assumptions as GetUDPMTU.
func GetUDPOverhead(addr netip.AddrPort) int {
	if isIPv6(addr) {
		return udpTeredoOverhead
	}
	return udpIPv4Overhead
}

func isIPv6(addr netip.AddrPort) bool {
	a := addr.Addr()
	return a.Is6() && !a.Is4In6()
}
