// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package libutp

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDelayHistBaseAndCurrent(t *testing.T) {
	var dh delayHist
	dh.clear(0)
	assert.Equal(t, uint32(math.MaxUint32), dh.value())

	dh.addSample(1000, 0)
	assert.Equal(t, uint32(0), dh.value())

	dh.addSample(1500, 10)
	dh.addSample(1300, 20)
	// minimum of the last three, above the base of 1000
	assert.Equal(t, uint32(0), dh.value())
	dh.addSample(1400, 30)
	assert.Equal(t, uint32(300), dh.value())

	dh.addSample(900, 40)
	assert.Equal(t, uint32(900), dh.delayBase)
	assert.Equal(t, uint32(0), dh.value())
}

func TestDelayHistBaseExpires(t *testing.T) {
	var dh delayHist
	dh.clear(0)
	dh.addSample(1000, 0)
	now := uint32(0)
	// a low sample is forgotten once every bucket has rotated past it
	for i := 0; i <= delayBaseHistory; i++ {
		now += delayBaseStepMS + 1
		dh.addSample(5000, now)
	}
	assert.Equal(t, uint32(5000), dh.delayBase)
}

func TestDelayHistShift(t *testing.T) {
	var dh delayHist
	dh.clear(0)
	dh.addSample(1000, 0)
	dh.shift(200)
	assert.Equal(t, uint32(1200), dh.delayBase)
	dh.addSample(1300, 1)
	assert.Equal(t, uint32(0), dh.value())
}

func TestDelayHistWraps(t *testing.T) {
	var dh delayHist
	dh.clear(0)
	dh.addSample(math.MaxUint32-10, 0)
	dh.addSample(20, 1)
	dh.addSample(25, 2)
	dh.addSample(30, 3)
	// 20 is 31 past the base across the wrap
	assert.Equal(t, uint32(31), dh.value())
}
