// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package transport

import "time"

// bbrState is BBR's state machine.
type bbrState int

const (
	bbrStartup bbrState = iota
	bbrDrain
	bbrProbeBw
	bbrProbeRTT
)

const (
	bbrBandwidthWindow = 10 * time.Second
	bbrMinRTTWindow    = 10 * time.Second
	bbrStartupGain     = 2.885 // 2/ln(2), the classic BBR startup pacing gain
	bbrDrainGain       = 1 / 2.885
	bbrProbeRTTCwnd    = 4
	bbrIdleThreshold   = time.Second
	bbrMinSampleDur    = time.Millisecond // floor against zero-RTT bandwidth explosion
	bbrMinCwndGain     = 0.5
)

// windowedMax tracks the maximum of a sampled quantity over a sliding
// time window using a simple full-rescan on eviction — adequate at
// BBR's sample rate (once per ACK, not per packet).
type windowedMax struct {
	window  time.Duration
	samples []maxSample
}

type maxSample struct {
	at    time.Time
	value float64
}

func newWindowedMax(window time.Duration) *windowedMax {
	return &windowedMax{window: window}
}

func (w *windowedMax) Add(now time.Time, value float64) {
	w.samples = append(w.samples, maxSample{at: now, value: value})
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.samples) && w.samples[i].at.Before(cutoff) {
		i++
	}
	w.samples = w.samples[i:]
}

func (w *windowedMax) Max() float64 {
	max := 0.0
	for _, s := range w.samples {
		if s.value > max {
			max = s.value
		}
	}
	return max
}

// windowedMin mirrors windowedMax for min-RTT tracking.
type windowedMin struct {
	window   time.Duration
	samples  []maxSample
	lastSeen time.Time
}

func newWindowedMin(window time.Duration) *windowedMin {
	return &windowedMin{window: window}
}

func (w *windowedMin) Add(now time.Time, value float64) {
	w.lastSeen = now
	w.samples = append(w.samples, maxSample{at: now, value: value})
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.samples) && w.samples[i].at.Before(cutoff) {
		i++
	}
	w.samples = w.samples[i:]
}

func (w *windowedMin) Min() (time.Duration, bool) {
	if len(w.samples) == 0 {
		return 0, false
	}
	min := w.samples[0].value
	for _, s := range w.samples[1:] {
		if s.value < min {
			min = s.value
		}
	}
	return time.Duration(min), true
}

func (w *windowedMin) Stale(now time.Time) bool {
	return w.lastSeen.IsZero() || now.Sub(w.lastSeen) > w.window
}

// BBR implements the bandwidth- and RTT-probing congestion controller
// described for the reliable transport: Startup -> Drain -> ProbeBw ->
// ProbeRTT, a 10s windowed-max bandwidth filter, a 10s windowed-min
// RTT filter that re-enters ProbeRTT on staleness, and a cwnd_gain
// floor against runaway multiplicative backoff on loss bursts.
type BBR struct {
	state bbrState

	bwFilter  *windowedMax
	rttFilter *windowedMin

	cwndGain   float64
	pacingGain float64

	lastSendTime time.Time
	lossesInRow  int

	probeRTTEntered time.Time
	inProbeRTT      bool
}

// NewBBR starts in Startup with default gains.
func NewBBR() *BBR {
	return &BBR{
		state:      bbrStartup,
		bwFilter:   newWindowedMax(bbrBandwidthWindow),
		rttFilter:  newWindowedMin(bbrMinRTTWindow),
		cwndGain:   bbrStartupGain,
		pacingGain: bbrStartupGain,
	}
}

func (b *BBR) OnAck(rtt time.Duration, sample *DeliverySample, _ int, inFlight int, now time.Time) {
	if !b.lastSendTime.IsZero() && now.Sub(b.lastSendTime) > bbrIdleThreshold {
		b.state = bbrStartup
		b.cwndGain = bbrStartupGain
		b.pacingGain = bbrStartupGain
		b.lossesInRow = 0
	}
	b.lastSendTime = now
	b.lossesInRow = 0

	b.rttFilter.Add(now, float64(rtt))

	if sample != nil {
		interval := sample.Interval
		if interval < bbrMinSampleDur {
			interval = bbrMinSampleDur
		}
		bwBps := float64(sample.BytesDelivered) / interval.Seconds()
		b.bwFilter.Add(now, bwBps)
	}

	if b.rttFilter.Stale(now) && !b.inProbeRTT {
		b.state = bbrProbeRTT
		b.inProbeRTT = true
		b.probeRTTEntered = now
	}

	switch b.state {
	case bbrStartup:
		if b.bwFilter.Max() > 0 && inFlight > 0 && float64(inFlight) > 1.25*b.bwFilter.Max()*b.minRTTSeconds() {
			b.state = bbrDrain
			b.pacingGain = bbrDrainGain
		}
	case bbrDrain:
		if float64(inFlight) <= b.bwFilter.Max()*b.minRTTSeconds() {
			b.state = bbrProbeBw
			b.cwndGain = 1.0
			b.pacingGain = 1.0
		}
	case bbrProbeRTT:
		if now.Sub(b.probeRTTEntered) > 200*time.Millisecond {
			b.state = bbrProbeBw
			b.inProbeRTT = false
			b.cwndGain = 1.0
			b.pacingGain = 1.0
		}
	case bbrProbeBw:
		// Steady state: gains stay at 1.0 between probing cycles; a
		// full bandwidth-probing duty cycle is out of scope for the
		// in-process congestion contract, which only needs cwnd()/
		// pacing_rate() to respond correctly to ack/loss signals.
	}
}

func (b *BBR) OnNack(now time.Time) {
	b.lossesInRow++
	b.applyLossBackoff(now)
}

func (b *BBR) OnTimeout(now time.Time) {
	b.lossesInRow++
	b.applyLossBackoff(now)
	b.state = bbrStartup
	b.cwndGain = bbrStartupGain
	b.pacingGain = bbrStartupGain
}

// applyLossBackoff reduces cwnd_gain multiplicatively per consecutive
// loss signal but never below bbrMinCwndGain.
func (b *BBR) applyLossBackoff(_ time.Time) {
	if b.lossesInRow < 2 {
		return
	}
	b.cwndGain *= 0.75
	if b.cwndGain < bbrMinCwndGain {
		b.cwndGain = bbrMinCwndGain
	}
}

func (b *BBR) minRTTSeconds() float64 {
	minRTT, ok := b.rttFilter.Min()
	if !ok || minRTT <= 0 {
		return 0.05 // 50ms assumption before the first RTT sample
	}
	return minRTT.Seconds()
}

func (b *BBR) Cwnd() int {
	bdpBytes := b.bwFilter.Max() * b.minRTTSeconds() * b.cwndGain
	fragments := int(bdpBytes / DefaultFragmentSize)
	if fragments < 4 {
		return 4
	}
	return fragments
}

func (b *BBR) PacingRate() float64 {
	return b.bwFilter.Max() * b.pacingGain
}
