// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package transport

import (
	"errors"
	"sync"

	"github.com/luxfi/convoy/config"
)

// ErrQuotaExceeded is returned when admitting a reservation would
// push a priority class, or the global budget, over its ceiling.
var ErrQuotaExceeded = errors.New("transport: reassembly quota exceeded")

// ReassemblyQuota bounds the total bytes held in partial-message
// reassembly buffers across all in-flight peers. Each priority class
// is capped as a fraction of the global budget so a flood of Bulk
// fragments cannot starve Critical control traffic. ReserveGuaranteed
// additionally sets aside a per-peer floor from the global budget;
// Admit does not draw on that floor, so every fragment, a peer's first
// included, is still checked against its class ceiling and the
// remaining global budget.
type ReassemblyQuota struct {
	mu sync.Mutex

	totalBudget int
	reserved    int

	bulkFraction     float64
	standardFraction float64
	criticalFraction float64

	byPriority map[config.Priority]int // bytes reserved per class

	guaranteedPerPeer int
	peerReserved      map[string]int
}

// NewReassemblyQuota builds a quota from params: the total reassembly
// budget, its per-class fraction ceilings, and the per-peer floor that
// ReserveGuaranteed sets aside from the global budget.
func NewReassemblyQuota(params config.Parameters) *ReassemblyQuota {
	return &ReassemblyQuota{
		totalBudget:       params.ReassemblyBudgetBytes,
		bulkFraction:      params.BulkQuotaFraction,
		standardFraction:  params.StandardQuotaFraction,
		criticalFraction:  params.CriticalQuotaFraction,
		byPriority:        make(map[config.Priority]int),
		guaranteedPerPeer: params.FairShareGuarantee,
		peerReserved:      make(map[string]int),
	}
}

func (q *ReassemblyQuota) ceilingFor(p config.Priority) int {
	var fraction float64
	switch {
	case p <= config.PriorityBulk:
		fraction = q.bulkFraction
	case p <= config.PriorityStandard:
		fraction = q.standardFraction
	default:
		fraction = q.criticalFraction
	}
	return int(float64(q.totalBudget) * fraction)
}

// ReserveGuaranteed subtracts guaranteedPerPeer bytes for peer from the
// global budget, once per peer. The reserved bytes are not credited to
// the peer's later Admit calls, which are still checked against the
// class ceilings and the remaining global budget, so the floor does not
// grant admission while a class is saturated.
func (q *ReassemblyQuota) ReserveGuaranteed(peer string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	already := q.peerReserved[peer]
	if already >= q.guaranteedPerPeer {
		return true
	}
	need := q.guaranteedPerPeer - already
	if q.reserved+need > q.totalBudget {
		return false
	}
	q.reserved += need
	q.peerReserved[peer] = q.guaranteedPerPeer
	return true
}

// Admit reserves size bytes for a fragment of the given priority,
// checking it against both the priority class's ceiling and the
// global budget. size must be the fragment's payload length only —
// Admit adds config.PacketOverhead itself, so a sender can't inflate
// its effective quota by declaring many fragments with tiny payloads
// each carrying a full packet's worth of framing. peer is accepted for
// symmetry with ReserveGuaranteed but doesn't change the accounting
// here — a floor set aside by ReserveGuaranteed is not drawn on.
func (q *ReassemblyQuota) Admit(peer string, priority config.Priority, size int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	reserve := size + config.PacketOverhead
	ceiling := q.ceilingFor(priority)
	if q.byPriority[priority]+reserve > ceiling {
		return ErrQuotaExceeded
	}
	if q.reserved+reserve > q.totalBudget {
		return ErrQuotaExceeded
	}
	q.byPriority[priority] += reserve
	q.reserved += reserve
	_ = peer
	return nil
}

// Release undoes one Admit call's reservation, called once a fragment
// is delivered to the application or discarded. size must be the same
// payload length passed to that Admit — Release adds
// config.PacketOverhead itself to match what Admit actually reserved.
func (q *ReassemblyQuota) Release(priority config.Priority, size int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	reserve := size + config.PacketOverhead
	q.byPriority[priority] -= reserve
	if q.byPriority[priority] < 0 {
		q.byPriority[priority] = 0
	}
	q.reserved -= reserve
	if q.reserved < 0 {
		q.reserved = 0
	}
}

// Reserved reports the current global reservation, for tests and
// metrics.
func (q *ReassemblyQuota) Reserved() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.reserved
}
