// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package transport

import (
	"sync"

	"github.com/luxfi/convoy/wire"
)

// DatagramChannel is the unreliable, unordered side channel used for
// gossip and keepalive traffic (capability announcements, blob
// availability pings) that doesn't warrant fragmentation, ordering,
// or retransmission. It is a bounded FIFO per peer: a full queue drops
// the oldest pending send rather than blocking the caller, since
// datagram traffic is defined to be best-effort.
type DatagramChannel struct {
	mu       sync.Mutex
	capacity int
	queues   map[string][]wire.Datagram
}

// NewDatagramChannel returns a channel that holds at most capacity
// pending datagrams per peer before evicting the oldest.
func NewDatagramChannel(capacity int) *DatagramChannel {
	if capacity <= 0 {
		capacity = 32
	}
	return &DatagramChannel{capacity: capacity, queues: make(map[string][]wire.Datagram)}
}

// Enqueue appends a datagram for peer, dropping the oldest queued
// datagram for that peer if the queue is already at capacity.
func (c *DatagramChannel) Enqueue(peer string, d wire.Datagram) {
	c.mu.Lock()
	defer c.mu.Unlock()
	q := c.queues[peer]
	if len(q) >= c.capacity {
		q = q[1:]
	}
	c.queues[peer] = append(q, d)
}

// Drain removes and returns every pending datagram for peer.
func (c *DatagramChannel) Drain(peer string) []wire.Datagram {
	c.mu.Lock()
	defer c.mu.Unlock()
	q := c.queues[peer]
	delete(c.queues, peer)
	return q
}

// Pending reports how many datagrams are queued for peer.
func (c *DatagramChannel) Pending(peer string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queues[peer])
}
