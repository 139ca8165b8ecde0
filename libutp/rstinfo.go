// Copyright (c) 2021 Storj Labs, Inc.
// Copyright (c) 2010 BitTorrent, Inc.
// See LICENSE for copying information.

package libutp

import "net/netip"

const (
	rstInfoLimit     = 1000
	rstInfoTimeoutMS = 10000
)

type rstInfo struct {
	addr      netip.AddrPort
	connID    uint16
	ackNum    uint16
	timestamp uint32
}

// rstInfoList remembers the resets recently sent for unknown connections, so
// that a peer retransmitting into a dead connection gets one RST per packet
// rather than one per retransmission.
type rstInfoList struct {
	entries []rstInfo
}

// shouldSend reports whether a reset should answer a packet with sequence
// number seq for the unknown connection (addr, connID), and records it if
// so.
func (l *rstInfoList) shouldSend(addr netip.AddrPort, connID, seq uint16, now uint32) bool {
	for i := range l.entries {
		e := &l.entries[i]
		if e.connID == connID && e.addr == addr && e.ackNum == seq {
			e.timestamp = now
			return false
		}
	}
	if len(l.entries) >= rstInfoLimit {
		// the list is full; refuse to grow it rather than evict
		return false
	}
	l.entries = append(l.entries, rstInfo{addr: addr, connID: connID, ackNum: seq, timestamp: now})
	return true
}

// expire drops entries that have not been refreshed recently.
func (l *rstInfoList) expire(now uint32) {
	for i := 0; i < len(l.entries); {
		if now-l.entries[i].timestamp >= rstInfoTimeoutMS {
			last := len(l.entries) - 1
			l.entries[i] = l.entries[last]
			l.entries = l.entries[:last]
			continue
		}
		i++
	}
}
