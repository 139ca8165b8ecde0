// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

//go:build utpdebug
// +build utpdebug

package libutp

import "fmt"

// checkInvariants panics when the socket's bookkeeping is inconsistent.
func (s *Socket) checkInvariants() {
	if int(s.outbuf.count) > s.outbuf.limit {
		panic(fmt.Sprintf("utp: %d packets outstanding, limit %d", s.outbuf.count, s.outbuf.limit))
	}
	inFlight := 0
	for i := uint16(0); i < s.outbuf.count; i++ {
		pkt := s.outbuf.get(s.outbuf.oldest() + i)
		if pkt == nil || pkt.transmissions == 0 || pkt.needResend {
			continue
		}
		inFlight += len(pkt.payload)
	}
	if inFlight != s.outbuf.inFlight {
		panic(fmt.Sprintf("utp: bytes in flight %d, tracked %d", inFlight, s.outbuf.inFlight))
	}
	if s.inbuf.count < 0 {
		panic("utp: negative reorder count")
	}
	if s.cc.maxWindow < s.minWindow() {
		panic(fmt.Sprintf("utp: window %d below minimum %d", s.cc.maxWindow, s.minWindow()))
	}
}
