// Copyright (c) 2021 Storj Labs, Inc.
// Copyright (c) 2010 BitTorrent, Inc.
// See LICENSE for copying information.

package libutp

import "math"

const (
	// curDelaySize is the number of recent samples the current delay is the
	// minimum of.
	curDelaySize = 3
	// delayBaseHistory is the number of one-minute buckets the base delay is
	// the minimum of.
	delayBaseHistory = 13
	// delayBaseStepMS is how often a new base delay bucket is started.
	delayBaseStepMS = 60 * 1000
)

// delayHist tracks one-way delay samples against a slowly moving minimum
// (the base delay). Samples are raw timestamp differences in microseconds;
// they embed an unknown clock offset between the peers, so only their
// differences from the base are meaningful. All comparisons tolerate
// wraparound.
type delayHist struct {
	delayBase uint32

	// queuing delay above delayBase for the most recent samples
	curDelayHist [curDelaySize]uint32
	curDelayIdx  int

	delayBaseHist [delayBaseHistory]uint32
	delayBaseIdx  int
	// when delayBaseIdx last stepped, milliseconds
	delayBaseTime uint32

	initialized bool
}

func (dh *delayHist) clear(nowMS uint32) {
	*dh = delayHist{delayBaseTime: nowMS}
}

// shift raises every base delay by offset. It compensates for the peer's
// clock drifting relative to ours.
func (dh *delayHist) shift(offset uint32) {
	for i := range dh.delayBaseHist {
		dh.delayBaseHist[i] += offset
	}
	dh.delayBase += offset
}

func (dh *delayHist) addSample(sample, nowMS uint32) {
	if !dh.initialized {
		for i := range dh.delayBaseHist {
			dh.delayBaseHist[i] = sample
		}
		dh.delayBase = sample
		dh.delayBaseTime = nowMS
		dh.initialized = true
	}

	if wrappingCompareLess(sample, dh.delayBaseHist[dh.delayBaseIdx]) {
		dh.delayBaseHist[dh.delayBaseIdx] = sample
	}
	if wrappingCompareLess(sample, dh.delayBase) {
		dh.delayBase = sample
	}

	// may wrap, and is supposed to
	delay := sample - dh.delayBase

	dh.curDelayHist[dh.curDelayIdx] = delay
	dh.curDelayIdx = (dh.curDelayIdx + 1) % curDelaySize

	if nowMS-dh.delayBaseTime > delayBaseStepMS {
		dh.delayBaseTime = nowMS
		dh.delayBaseIdx = (dh.delayBaseIdx + 1) % delayBaseHistory
		dh.delayBaseHist[dh.delayBaseIdx] = sample
		dh.delayBase = dh.delayBaseHist[0]
		for _, base := range dh.delayBaseHist {
			if wrappingCompareLess(base, dh.delayBase) {
				dh.delayBase = base
			}
		}
	}
}

// value returns the current queuing delay estimate in microseconds, or
// math.MaxUint32 before any sample has been added.
func (dh *delayHist) value() uint32 {
	if !dh.initialized {
		return math.MaxUint32
	}
	v := uint32(math.MaxUint32)
	for _, d := range dh.curDelayHist {
		if d < v {
			v = d
		}
	}
	return v
}
