// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package transport

import (
	"time"
)

// AIMD is the simplest CongestionControl variant: additive increase,
// multiplicative decrease over a fragment-counted window, the
// behavior most reliable-transport implementations fall back to when
// bandwidth estimation isn't worth the complexity.
type AIMD struct {
	cwndFragments float64
	ssthresh      float64
	lastRTT       time.Duration
}

// NewAIMD starts at a conservative 4-fragment window.
func NewAIMD() *AIMD {
	return &AIMD{cwndFragments: 4, ssthresh: 64}
}

func (a *AIMD) OnAck(rtt time.Duration, _ *DeliverySample, _ int, _ int, _ time.Time) {
	a.lastRTT = rtt
	if a.cwndFragments < a.ssthresh {
		a.cwndFragments++ // slow start
	} else {
		a.cwndFragments += 1 / a.cwndFragments // congestion avoidance
	}
}

func (a *AIMD) OnNack(_ time.Time) {
	a.ssthresh = a.cwndFragments / 2
	if a.ssthresh < 2 {
		a.ssthresh = 2
	}
	a.cwndFragments = a.ssthresh
}

func (a *AIMD) OnTimeout(_ time.Time) {
	a.ssthresh = a.cwndFragments / 2
	if a.ssthresh < 2 {
		a.ssthresh = 2
	}
	a.cwndFragments = 1
}

func (a *AIMD) Cwnd() int {
	if a.cwndFragments < 1 {
		return 1
	}
	return int(a.cwndFragments)
}

func (a *AIMD) PacingRate() float64 {
	if a.lastRTT <= 0 {
		return 0
	}
	return float64(a.Cwnd()*DefaultFragmentSize) / a.lastRTT.Seconds()
}

// Cubic grows its window along a cubic function of time since the
// last loss event, re-approaching the pre-loss window more gently
// than AIMD's linear climb as it gets close.
type Cubic struct {
	cwndFragments float64
	wMax          float64
	lastReduction time.Time
	lastRTT       time.Duration
	c             float64 // cubic scaling constant
}

// NewCubic starts at a conservative 4-fragment window.
func NewCubic() *Cubic {
	return &Cubic{cwndFragments: 4, wMax: 4, c: 0.4}
}

func (cu *Cubic) OnAck(rtt time.Duration, _ *DeliverySample, _ int, _ int, now time.Time) {
	cu.lastRTT = rtt
	if cu.lastReduction.IsZero() {
		cu.cwndFragments++
		return
	}
	t := now.Sub(cu.lastReduction).Seconds()
	k := cubeRoot(cu.wMax * 0.3 / cu.c)
	target := cu.c*cube(t-k) + cu.wMax
	if target > cu.cwndFragments {
		cu.cwndFragments = target
	} else {
		cu.cwndFragments += 1 / cu.cwndFragments
	}
}

func (cu *Cubic) OnNack(now time.Time) {
	cu.reduce(now)
}

func (cu *Cubic) OnTimeout(now time.Time) {
	cu.reduce(now)
	cu.cwndFragments = 1
}

func (cu *Cubic) reduce(now time.Time) {
	cu.wMax = cu.cwndFragments
	cu.cwndFragments *= 0.7
	if cu.cwndFragments < 2 {
		cu.cwndFragments = 2
	}
	cu.lastReduction = now
}

func (cu *Cubic) Cwnd() int {
	if cu.cwndFragments < 1 {
		return 1
	}
	return int(cu.cwndFragments)
}

func (cu *Cubic) PacingRate() float64 {
	if cu.lastRTT <= 0 {
		return 0
	}
	return float64(cu.Cwnd()*DefaultFragmentSize) / cu.lastRTT.Seconds()
}

func cube(x float64) float64 { return x * x * x }

func cubeRoot(x float64) float64 {
	if x == 0 {
		return 0
	}
	neg := x < 0
	if neg {
		x = -x
	}
	// Newton's method; converges in a handful of iterations for the
	// small magnitudes window sizes produce.
	guess := x
	for i := 0; i < 20; i++ {
		guess = guess - (guess*guess*guess-x)/(3*guess*guess)
	}
	if neg {
		return -guess
	}
	return guess
}
