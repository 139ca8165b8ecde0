// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package libutp

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLEDBATGrowsBelowTarget(t *testing.T) {
	cfg := DefaultConfig()
	cc := newCongestionController(cfg, 10000, 0)
	cc.markMaxedOut(1000)

	gain := cc.update(10000, 0, 1000, 1382, 1<<20)
	assert.InDelta(t, 3000, gain, 0.001)
	assert.Equal(t, 13000, cc.maxWindow)
}

func TestLEDBATShrinksAboveTarget(t *testing.T) {
	cfg := DefaultConfig()
	cc := newCongestionController(cfg, 20000, 0)

	// twice the target is as far off as it gets
	gain := cc.update(10000, 200000, 1000, 1382, 1<<20)
	assert.InDelta(t, -1500, gain, 0.001)
	assert.Equal(t, 18500, cc.maxWindow)
}

func TestLEDBATNoGrowthWhenApplicationLimited(t *testing.T) {
	cc := newCongestionController(DefaultConfig(), 10000, 0)
	cc.markMaxedOut(1000)
	cc.update(5000, 0, 1000+maxedOutGraceMS+1, 1382, 1<<20)
	assert.Equal(t, 10000, cc.maxWindow)
}

func TestLEDBATDecay(t *testing.T) {
	cfg := DefaultConfig()
	cc := newCongestionController(cfg, 40000, 5000)

	require.True(t, cc.decay(5000, 1382))
	assert.Equal(t, 20000, cc.maxWindow)
	// too soon
	require.False(t, cc.decay(5050, 1382))
	assert.Equal(t, 20000, cc.maxWindow)
	require.True(t, cc.decay(5000+durationMS(cfg.MaxWindowDecay), 1382))
	assert.Equal(t, 10000, cc.maxWindow)

	cc.collapse(1382)
	assert.Equal(t, 1382, cc.maxWindow)
	cc.decay(10000, 1382)
	assert.Equal(t, 1382, cc.maxWindow)
}

func TestLEDBATWindowStaysInBounds(t *testing.T) {
	const lo, hi = 1382, 200000
	cfg := DefaultConfig()
	cfg.TargetDelay = 25 * time.Millisecond
	rng := rand.New(rand.NewSource(3))

	for run := 0; run < 20; run++ {
		cc := newCongestionController(cfg, lo, 0)
		now := uint32(0)
		for i := 0; i < 5000; i++ {
			now += uint32(rng.Intn(50))
			switch rng.Intn(10) {
			case 0:
				cc.decay(now, lo)
			case 1:
				cc.collapse(lo)
			case 2, 3, 4:
				cc.markMaxedOut(now)
			}
			acked := rng.Intn(3 * 1382)
			delay := uint32(rng.Intn(400000))
			cc.update(acked, delay, now, lo, hi)
			require.GreaterOrEqual(t, cc.maxWindow, lo)
			require.LessOrEqual(t, cc.maxWindow, hi)
		}
	}
}

func TestLEDBATGainBoundedPerWindow(t *testing.T) {
	cc := newCongestionController(DefaultConfig(), 50000, 0)
	start := cc.maxWindow
	// one window's worth of acks at zero queuing delay
	for acked := 0; acked < start; acked += 1000 {
		cc.markMaxedOut(10)
		cc.update(1000, 0, 10, 1382, 1<<22)
	}
	assert.LessOrEqual(t, cc.maxWindow-start, 3000+1)
}
