// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package transport

import (
	"time"

	"github.com/luxfi/convoy/wire"
)

// ClockFilter estimates round-trip time and clock offset against one
// peer from repeated Ping/Pong triples, RFC 5905 style: T1 is this
// session's send time, T2 the peer's arrival time, T3 the peer's send
// time, T4 this session's receive time.
//
//	delay  = (T4 - T1) - (T3 - T2)
//	offset = ((T2 - T1) + (T3 - T4)) / 2
//
// The filter keeps the sample with the lowest delay seen within its
// window, per the NTP clock-filter algorithm, since low-delay samples
// carry the least queuing-induced error.
type ClockFilter struct {
	window time.Duration

	bestDelay  time.Duration
	bestOffset time.Duration
	bestAt     time.Time

	outstanding map[int64]time.Time
}

// NewClockFilter returns a filter with the conventional 8-sample NTP
// window size translated to wall-clock time via the reconciliation
// interval's order of magnitude.
func NewClockFilter() *ClockFilter {
	return &ClockFilter{
		window:      8 * time.Minute,
		outstanding: make(map[int64]time.Time),
	}
}

// SendPing records T1 and returns the Ping to transmit.
func (c *ClockFilter) SendPing(now time.Time) wire.Ping {
	t1 := now.UnixNano()
	c.outstanding[t1] = now
	return wire.Ping{T1: t1}
}

// HandlePing answers a peer's Ping with T2/T3.
func (c *ClockFilter) HandlePing(ping wire.Ping, arrivedAt, sentAt time.Time) wire.Pong {
	return wire.Pong{T1: ping.T1, T2: arrivedAt.UnixNano(), T3: sentAt.UnixNano()}
}

// HandlePong completes the triple with T4 = now, computing delay and
// offset and folding the sample into the filter if it is unknown or
// lower-delay than the current best within the window.
func (c *ClockFilter) HandlePong(pong wire.Pong, now time.Time) (delay, offset time.Duration, ok bool) {
	t1Time, known := c.outstanding[pong.T1]
	if !known {
		return 0, 0, false
	}
	delete(c.outstanding, pong.T1)

	t1 := t1Time.UnixNano()
	t2, t3, t4 := pong.T2, pong.T3, now.UnixNano()

	delay = time.Duration((t4 - t1) - (t3 - t2))
	offset = time.Duration(((t2 - t1) + (t3 - t4)) / 2)

	if c.bestAt.IsZero() || now.Sub(c.bestAt) > c.window || delay < c.bestDelay {
		c.bestDelay = delay
		c.bestOffset = offset
		c.bestAt = now
	}
	return delay, offset, true
}

// Estimate returns the filter's current best RTT/offset estimate.
func (c *ClockFilter) Estimate() (rtt, offset time.Duration, ok bool) {
	if c.bestAt.IsZero() {
		return 0, 0, false
	}
	return c.bestDelay, c.bestOffset, true
}
