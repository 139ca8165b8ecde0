// Copyright (c) 2021 Storj Labs, Inc.
// Copyright (c) 2010 BitTorrent, Inc.
// See LICENSE for copying information.

package libutp

// wrappingCompareLess reports whether lhs is less than rhs, taking wrapping
// into account. If lhs is close to math.MaxUint32 and rhs is close to 0, lhs
// is assumed to have wrapped and is considered smaller.
func wrappingCompareLess(lhs, rhs uint32) bool {
	// whichever walk from lhs to rhs is shorter decides the order
	distDown := lhs - rhs
	distUp := rhs - lhs
	return distUp < distDown
}

// seqLess is wrappingCompareLess for 16-bit sequence numbers.
func seqLess(lhs, rhs uint16) bool {
	return int16(lhs-rhs) < 0
}

// seqOffset returns how far seq lies past base, modulo 2^16.
func seqOffset(seq, base uint16) uint16 {
	return seq - base
}

// timeReached reports whether the millisecond clock now has reached or passed
// deadline, tolerating wraparound of the 32-bit counter.
func timeReached(now, deadline uint32) bool {
	return int32(now-deadline) >= 0
}

// msUntil returns the number of milliseconds from now until deadline, or 0 if
// the deadline has passed.
func msUntil(now, deadline uint32) uint32 {
	if timeReached(now, deadline) {
		return 0
	}
	return deadline - now
}
