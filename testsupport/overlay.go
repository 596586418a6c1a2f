// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package testsupport

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/luxfi/convoy/transport"
)

// VirtualHub is the shared in-memory network every SimulatedTransport
// registers with: it applies configurable per-link latency, a global
// drop rate, and partition groups before delivering a datagram to its
// destination's inbound channel.
type VirtualHub struct {
	mu sync.Mutex

	peers      map[string]*SimulatedTransport
	latency    map[string]map[string]time.Duration
	dropRate   float64
	partitions [][]string
	rng        *rand.Rand
}

// NewVirtualHub returns an empty hub seeded for reproducible drop
// decisions.
func NewVirtualHub(seed int64) *VirtualHub {
	return &VirtualHub{
		peers:   make(map[string]*SimulatedTransport),
		latency: make(map[string]map[string]time.Duration),
		rng:     rand.New(rand.NewSource(seed)),
	}
}

// SetLatency fixes the one-way delay applied to datagrams from -> to.
func (h *VirtualHub) SetLatency(from, to string, d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.latency[from] == nil {
		h.latency[from] = make(map[string]time.Duration)
	}
	h.latency[from][to] = d
}

// SetDropRate sets the probability (0.0-1.0) that any given datagram is
// silently dropped instead of delivered.
func (h *VirtualHub) SetDropRate(rate float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropRate = rate
}

// Partition splits the hub into isolated groups; peers in different
// groups can no longer reach each other until Heal is called.
func (h *VirtualHub) Partition(groups ...[]string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.partitions = groups
}

// Heal removes every partition, restoring full connectivity.
func (h *VirtualHub) Heal() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.partitions = nil
}

func (h *VirtualHub) register(id string, t *SimulatedTransport) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.peers[id] = t
}

func (h *VirtualHub) partitioned(from, to string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.partitions) == 0 {
		return false
	}
	fromGroup, toGroup := -1, -1
	for i, group := range h.partitions {
		for _, id := range group {
			if id == from {
				fromGroup = i
			}
			if id == to {
				toGroup = i
			}
		}
	}
	return fromGroup != -1 && toGroup != -1 && fromGroup != toGroup
}

func (h *VirtualHub) deliveryDelay(from, to string) time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	if m, ok := h.latency[from]; ok {
		if d, ok := m[to]; ok {
			return d
		}
	}
	return time.Millisecond
}

func (h *VirtualHub) shouldDrop() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rng.Float64() < h.dropRate
}

func (h *VirtualHub) deliver(from, to string, data []byte) {
	if h.partitioned(from, to) || h.shouldDrop() {
		return
	}
	delay := h.deliveryDelay(from, to)
	h.mu.Lock()
	target, ok := h.peers[to]
	h.mu.Unlock()
	if !ok {
		return
	}
	go func() {
		if delay > 0 {
			time.Sleep(delay)
		}
		target.inbound <- transport.InboundDatagram{From: transport.PeerAddr(from), Data: data}
	}()
}

// SimulatedTransport implements transport.Overlay against a shared
// VirtualHub, standing in for a real overlay network the way
// testutils.Network does for consensus message routing.
type SimulatedTransport struct {
	id      string
	hub     *VirtualHub
	inbound chan transport.InboundDatagram
	closed  chan struct{}
}

// NewSimulatedTransport registers a new peer named id on hub.
func NewSimulatedTransport(hub *VirtualHub, id string) *SimulatedTransport {
	t := &SimulatedTransport{
		id:      id,
		hub:     hub,
		inbound: make(chan transport.InboundDatagram, 1024),
		closed:  make(chan struct{}),
	}
	hub.register(id, t)
	return t
}

func (t *SimulatedTransport) Send(peer transport.PeerAddr, data []byte) error {
	select {
	case <-t.closed:
		return fmt.Errorf("testsupport: transport %q closed", t.id)
	default:
	}
	t.hub.deliver(t.id, string(peer), data)
	return nil
}

func (t *SimulatedTransport) Recv() <-chan transport.InboundDatagram { return t.inbound }

func (t *SimulatedTransport) Close() error {
	select {
	case <-t.closed:
		return nil
	default:
		close(t.closed)
	}
	return nil
}
