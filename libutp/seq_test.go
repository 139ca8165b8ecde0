// Copyright (c) 2021 Storj Labs, Inc.
// Copyright (c) 2010 BitTorrent, Inc.
// See LICENSE for copying information.

package libutp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrappingCompareLess(t *testing.T) {
	assert.Equal(t, true, wrappingCompareLess(0xfffffff0, 0xffffffff))
	assert.Equal(t, false, wrappingCompareLess(0xffffffff, 0xfffffff0))
	assert.Equal(t, false, wrappingCompareLess(0xfff, 0xfffffff0))
	assert.Equal(t, true, wrappingCompareLess(0xfffffff0, 0xfff))
	assert.Equal(t, true, wrappingCompareLess(0x0, 0x1))
	assert.Equal(t, false, wrappingCompareLess(0x1, 0x0))
	assert.Equal(t, false, wrappingCompareLess(0x1, 0x1))
}

func TestSeqLess(t *testing.T) {
	assert.True(t, seqLess(0xfff0, 0xffff))
	assert.True(t, seqLess(0xfff0, 0x0010))
	assert.False(t, seqLess(0x0010, 0xfff0))
	assert.False(t, seqLess(7, 7))
	assert.Equal(t, uint16(0x20), seqOffset(0x0010, 0xfff0))
	assert.Equal(t, uint16(0xffff), seqOffset(4, 5))
}

func TestTimeReached(t *testing.T) {
	assert.True(t, timeReached(100, 100))
	assert.True(t, timeReached(101, 100))
	assert.False(t, timeReached(99, 100))
	// across the 32-bit wrap
	assert.True(t, timeReached(5, 0xfffffff0))
	assert.False(t, timeReached(0xfffffff0, 5))

	assert.Equal(t, uint32(0), msUntil(200, 100))
	assert.Equal(t, uint32(21), msUntil(0xfffffff0, 5))
}
