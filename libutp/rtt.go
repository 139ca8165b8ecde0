// Copyright (c) 2021 Storj Labs, Inc.
// Copyright (c) 2010 BitTorrent, Inc.
// See LICENSE for copying information.

package libutp

// rttEstimator keeps the smoothed round trip time and its variance, and
// drives the retransmission timer with exponential backoff. All values are
// in milliseconds.
type rttEstimator struct {
	rtt    uint32
	rttVar uint32
	rto    uint32

	minRTO uint32
	maxRTO uint32

	// timeout is the retransmission timeout currently armed. It doubles on
	// every expiry and goes back to rto on the next ack.
	timeout uint32
	// retries counts consecutive expiries without an intervening ack.
	retries int

	sampled bool
}

func newRTTEstimator(initialRTO, minRTO, maxRTO uint32) rttEstimator {
	return rttEstimator{
		rto:     initialRTO,
		timeout: initialRTO,
		minRTO:  minRTO,
		maxRTO:  maxRTO,
	}
}

// addSample folds in a round trip measured on a packet that was sent only
// once. Samples from retransmitted packets are ambiguous and must not be
// passed here.
func (e *rttEstimator) addSample(ms uint32) {
	if !e.sampled {
		e.rtt = ms
		e.rttVar = ms / 2
		e.sampled = true
	} else {
		delta := int64(e.rtt) - int64(ms)
		if delta < 0 {
			delta = -delta
		}
		e.rttVar = uint32(int64(e.rttVar) + (delta-int64(e.rttVar))/4)
		e.rtt = uint32(int64(e.rtt) + (int64(ms)-int64(e.rtt))/8)
	}
	e.rto = e.rtt + 4*e.rttVar
	if e.rto < e.minRTO {
		e.rto = e.minRTO
	}
	if e.rto > e.maxRTO {
		e.rto = e.maxRTO
	}
}

// RTO returns the estimator's retransmission timeout.
func (e *rttEstimator) RTO() uint32 { return e.rto }

// RTT returns the smoothed round trip time, or 0 before the first sample.
func (e *rttEstimator) RTT() uint32 { return e.rtt }

// reset rearms the retransmission timer after an ack.
func (e *rttEstimator) reset() {
	e.timeout = e.rto
	e.retries = 0
}

// expire records a retransmission timeout and returns the next, doubled,
// timeout.
func (e *rttEstimator) expire() uint32 {
	e.retries++
	next := e.timeout * 2
	if next > e.maxRTO || next < e.timeout {
		next = e.maxRTO
	}
	e.timeout = next
	return next
}
