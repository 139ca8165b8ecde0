// Copyright (c) 2021 Storj Labs, Inc.
// Copyright (c) 2010 BitTorrent, Inc.
// See LICENSE for copying information.

package libutp

// maxedOutGraceMS is how recently the sender must have filled its window for
// the window to be allowed to grow. A sender that never fills the window is
// rate limited by something else, and letting the window grow without bound
// would only cause a burst later.
const maxedOutGraceMS = 300

// congestionController is the delay-based window controller. It moves
// maxWindow so that the queuing delay our packets see stays near target.
type congestionController struct {
	// target queuing delay, microseconds
	target uint32
	// maximum window growth per round trip, bytes
	gain float64
	// minimum milliseconds between two loss-triggered decays
	decayInterval uint32

	maxWindow int

	lastDecay    uint32
	lastMaxedOut uint32
}

func newCongestionController(cfg *Config, initialWindow int, nowMS uint32) congestionController {
	decay := durationMS(cfg.MaxWindowDecay)
	return congestionController{
		target:        uint32(cfg.TargetDelay.Microseconds()),
		gain:          float64(cfg.MaxCWndIncreaseBytesPerRTT),
		decayInterval: decay,
		maxWindow:     initialWindow,
		lastDecay:     nowMS - decay,
	}
}

// update applies one ack's worth of feedback. bytesAcked is the payload the
// ack newly covers and queuingDelay is our current one-way delay above the
// base, in microseconds. The window ends up within [lo, hi]. It returns the
// applied gain, for logging.
func (cc *congestionController) update(bytesAcked int, queuingDelay, nowMS uint32, lo, hi int) float64 {
	if bytesAcked <= 0 {
		cc.clamp(lo, hi)
		return 0
	}
	target := cc.target
	if target == 0 {
		target = 100000
	}

	offTarget := (float64(target) - float64(queuingDelay)) / float64(target)
	if offTarget > 1 {
		offTarget = 1
	} else if offTarget < -1 {
		offTarget = -1
	}

	// scale the per-RTT gain by the share of a full window this ack covers,
	// so one window's worth of acks moves the window by at most gain
	windowFactor := float64(min(bytesAcked, cc.maxWindow)) / float64(max(cc.maxWindow, bytesAcked))
	scaledGain := cc.gain * windowFactor * offTarget

	if scaledGain > 0 && nowMS-cc.lastMaxedOut > maxedOutGraceMS {
		scaledGain = 0
	}

	cc.maxWindow += int(scaledGain)
	cc.clamp(lo, hi)
	return scaledGain
}

// markMaxedOut records that the sender was just limited by the window.
func (cc *congestionController) markMaxedOut(nowMS uint32) {
	cc.lastMaxedOut = nowMS
}

// decay halves the window in response to loss, unless it already did so
// within the decay interval. It reports whether the window changed.
func (cc *congestionController) decay(nowMS uint32, lo int) bool {
	if nowMS-cc.lastDecay < cc.decayInterval {
		return false
	}
	cc.maxWindow /= 2
	if cc.maxWindow < lo {
		cc.maxWindow = lo
	}
	cc.lastDecay = nowMS
	return true
}

// collapse drops the window to its minimum after a retransmission timeout.
func (cc *congestionController) collapse(lo int) {
	cc.maxWindow = lo
}

func (cc *congestionController) clamp(lo, hi int) {
	if hi < lo {
		hi = lo
	}
	if cc.maxWindow < lo {
		cc.maxWindow = lo
	}
	if cc.maxWindow > hi {
		cc.maxWindow = hi
	}
}
