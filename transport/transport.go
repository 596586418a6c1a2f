// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package transport implements the reliable, sequenced, congestion-
// controlled channel one peer session runs over the overlay's raw
// byte-pipe: fragmentation and reassembly, selective ACK/NACK,
// pluggable congestion control, pacing, priority-based admission
// quotas, an unreliable datagram side-channel, and an NTP-style clock
// filter for RTT and offset estimation.
package transport

import (
	"time"

	"github.com/luxfi/convoy/config"
)

// PeerAddr identifies a peer on the overlay — an opaque public key,
// not an IP address; routing is the overlay's concern.
type PeerAddr []byte

// Overlay is the external collaborator named in the system's external
// interfaces: a best-effort, unordered byte-pipe. Implementations are
// supplied at startup; tests substitute SimulatedTransport.
type Overlay interface {
	Send(peer PeerAddr, data []byte) error
	// Recv delivers inbound (peer, bytes) events as they arrive; the
	// channel is closed when the overlay shuts down.
	Recv() <-chan InboundDatagram
	Close() error
}

// InboundDatagram is one raw frame received from the overlay, not yet
// decoded into a wire.Packet.
type InboundDatagram struct {
	From PeerAddr
	Data []byte
}

// TimeProvider abstracts wall-clock reads so tests can advance time
// deterministically instead of sleeping.
type TimeProvider interface {
	Now() time.Time
}

// SystemClock is the TimeProvider backed by the real clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// MessageID identifies one reliable message in flight to a peer.
type MessageID uint32

// CongestionControl is the pluggable contract every variant (BBR,
// AIMD, Cubic) implements. A session owns exactly one instance per
// peer.
type CongestionControl interface {
	OnAck(rtt time.Duration, deliverySample *DeliverySample, bytesAcked int, inFlight int, now time.Time)
	OnNack(now time.Time)
	OnTimeout(now time.Time)
	Cwnd() int           // congestion window, in fragments
	PacingRate() float64 // bytes/s
}

// DeliverySample reports a BBR-style bandwidth observation: bytes
// delivered over the interval since the previous sample.
type DeliverySample struct {
	BytesDelivered int
	Interval       time.Duration
}

// DefaultFragmentSize is chosen so an encoded Packet::Data plus
// config.PacketOverhead fits comfortably under common overlay MTUs;
// callers with a smaller MTU pass their own fragment size to
// SendMessage.
const DefaultFragmentSize = 1200 - config.PacketOverhead
