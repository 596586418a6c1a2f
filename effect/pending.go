// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package effect

import (
	"sync"

	"github.com/luxfi/convoy/dagnode"
)

// PendingCache holds speculative nodes in memory until they become
// Verified or are evicted. On a storage failure mid effect-batch, the
// cache is deliberately left untouched so the caller can retry; only
// a successful apply evicts entries that became Verified.
type PendingCache struct {
	mu    sync.Mutex
	nodes map[dagnode.Hash]*dagnode.Node
	// order preserves topological/arrival order for the
	// re-verification walk.
	order []dagnode.Hash
}

// NewPendingCache returns an empty cache.
func NewPendingCache() *PendingCache {
	return &PendingCache{nodes: make(map[dagnode.Hash]*dagnode.Node)}
}

// Add inserts a speculative node, ignoring a duplicate hash.
func (c *PendingCache) Add(n *dagnode.Node) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := n.Hash()
	if _, exists := c.nodes[h]; exists {
		return
	}
	c.nodes[h] = n
	c.order = append(c.order, h)
}

// Get returns the cached speculative node for hash, if present.
func (c *PendingCache) Get(hash dagnode.Hash) (*dagnode.Node, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.nodes[hash]
	return n, ok
}

// InTopologicalOrder returns all cached nodes in the order they were
// added, the order the re-verification walk retries them in.
func (c *PendingCache) InTopologicalOrder() []*dagnode.Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*dagnode.Node, 0, len(c.order))
	for _, h := range c.order {
		if n, ok := c.nodes[h]; ok {
			out = append(out, n)
		}
	}
	return out
}

// Evict removes a node that has become Verified (or was permanently
// rejected) from the cache.
func (c *PendingCache) Evict(hash dagnode.Hash) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.nodes, hash)
	for i, h := range c.order {
		if h == hash {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// Len reports how many speculative nodes are held.
func (c *PendingCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.nodes)
}

// RetryBudget bounds how many speculative nodes one incoming node's
// admission may trigger re-verification of, capping amplification
// from a single event.
type RetryBudget struct {
	mu        sync.Mutex
	remaining int
}

// NewRetryBudget starts a budget with n retries available.
func NewRetryBudget(n int) *RetryBudget {
	return &RetryBudget{remaining: n}
}

// TryConsume spends one unit of budget, reporting whether any
// remained.
func (b *RetryBudget) TryConsume() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.remaining <= 0 {
		return false
	}
	b.remaining--
	return true
}

// Remaining reports the unspent budget.
func (b *RetryBudget) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.remaining
}
