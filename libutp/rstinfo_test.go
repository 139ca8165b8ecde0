// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package libutp

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRSTInfoSuppressesRepeats(t *testing.T) {
	var l rstInfoList
	addr := netip.MustParseAddrPort("10.0.0.1:4000")

	assert.True(t, l.shouldSend(addr, 7, 100, 0))
	assert.False(t, l.shouldSend(addr, 7, 100, 5000))
	// a different packet gets its own reset
	assert.True(t, l.shouldSend(addr, 7, 101, 5000))
	assert.True(t, l.shouldSend(netip.MustParseAddrPort("10.0.0.2:4000"), 7, 100, 5000))

	// the repeat at 5000 refreshed the entry
	l.expire(rstInfoTimeoutMS + 100)
	assert.Len(t, l.entries, 3)
	l.expire(5000 + rstInfoTimeoutMS)
	assert.Empty(t, l.entries)
	assert.True(t, l.shouldSend(addr, 7, 100, 20000))
}

func TestRSTInfoLimit(t *testing.T) {
	var l rstInfoList
	addr := netip.MustParseAddrPort("10.0.0.1:4000")
	for i := 0; i < rstInfoLimit; i++ {
		assert.True(t, l.shouldSend(addr, uint16(i), 0, 0))
	}
	assert.False(t, l.shouldSend(addr, 0xffff, 0, 0))
}
