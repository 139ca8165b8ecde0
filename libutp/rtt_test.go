// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package libutp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRTTFirstSample(t *testing.T) {
	e := newRTTEstimator(3000, 500, 60000)
	assert.Equal(t, uint32(3000), e.RTO())

	e.addSample(200)
	assert.Equal(t, uint32(200), e.RTT())
	assert.Equal(t, uint32(100), e.rttVar)
	// 200 + 4*100
	assert.Equal(t, uint32(600), e.RTO())
}

func TestRTTSmoothing(t *testing.T) {
	e := newRTTEstimator(3000, 500, 60000)
	e.addSample(200)
	e.addSample(120)
	// var += (|200-120| - 100)/4 = 95; rtt += (120-200)/8 = 190
	assert.Equal(t, uint32(95), e.rttVar)
	assert.Equal(t, uint32(190), e.RTT())
	assert.Equal(t, uint32(570), e.RTO())

	// lots of low-jitter samples settle at the floor
	for i := 0; i < 100; i++ {
		e.addSample(20)
	}
	assert.Equal(t, uint32(500), e.RTO())
}

func TestRTTClampedToMax(t *testing.T) {
	e := newRTTEstimator(3000, 500, 10000)
	e.addSample(9000)
	assert.Equal(t, uint32(10000), e.RTO())
}

func TestRTOBackoffAndReset(t *testing.T) {
	e := newRTTEstimator(3000, 500, 60000)
	e.addSample(100)
	e.reset()
	assert.Equal(t, uint32(500), e.timeout)

	assert.Equal(t, uint32(1000), e.expire())
	assert.Equal(t, uint32(2000), e.expire())
	assert.Equal(t, uint32(4000), e.expire())
	assert.Equal(t, 3, e.retries)

	e.reset()
	assert.Equal(t, uint32(500), e.timeout)
	assert.Equal(t, 0, e.retries)
}

func TestRTOBackoffCapped(t *testing.T) {
	e := newRTTEstimator(3000, 500, 10000)
	e.reset()
	assert.Equal(t, uint32(6000), e.expire())
	assert.Equal(t, uint32(10000), e.expire())
	assert.Equal(t, uint32(10000), e.expire())
}
