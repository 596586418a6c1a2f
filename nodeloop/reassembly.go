// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package nodeloop

import (
	"time"

	"github.com/luxfi/convoy/config"
	"github.com/luxfi/convoy/transport"
	"github.com/luxfi/convoy/wire"
)

// partialMessage accumulates fragments for one in-flight reliable
// message until every fragment has arrived.
type partialMessage struct {
	total     uint16
	received  int
	parts     [][]byte
	priority  config.Priority
	firstSeen time.Time
}

// reassembler holds one peer's partial inbound messages, keyed by
// message ID, and enforces the shared ReassemblyQuota against them.
type reassembler struct {
	peer     string
	quota    *transport.ReassemblyQuota
	partials map[uint32]*partialMessage
}

func newReassembler(peer string, quota *transport.ReassemblyQuota) *reassembler {
	return &reassembler{peer: peer, quota: quota, partials: make(map[uint32]*partialMessage)}
}

// priorityOfFirstByte reports the application message type tagging
// fragment 0's payload (our envelope convention: the MessageType is
// the first byte of the whole reassembled message), and its priority.
func priorityOfFirstByte(payload []byte) config.Priority {
	if len(payload) == 0 {
		return config.PriorityStandard
	}
	return config.PriorityOf(config.MessageType(payload[0]))
}

// Feed admits one inbound Data fragment. It returns the fully
// reassembled payload and true once every fragment for d.MessageID has
// arrived; otherwise it returns nil, false. An admission failure
// (quota exceeded) is returned as an error and the fragment is
// dropped.
func (r *reassembler) Feed(now time.Time, d wire.Data) ([]byte, bool, error) {
	pm, ok := r.partials[d.MessageID]
	if !ok {
		pm = &partialMessage{
			total:     d.TotalFragments,
			parts:     make([][]byte, d.TotalFragments),
			priority:  config.PriorityStandard,
			firstSeen: now,
		}
		r.partials[d.MessageID] = pm
	}

	if d.FragmentIndex == 0 {
		pm.priority = priorityOfFirstByte(d.Payload)
	}

	if int(d.FragmentIndex) >= len(pm.parts) {
		return nil, false, nil
	}
	if pm.parts[d.FragmentIndex] != nil {
		return nil, false, nil // duplicate fragment, already admitted
	}

	r.quota.ReserveGuaranteed(r.peer)
	if err := r.quota.Admit(r.peer, pm.priority, len(d.Payload)); err != nil {
		return nil, false, err
	}
	pm.parts[d.FragmentIndex] = d.Payload
	pm.received++

	if pm.received < int(pm.total) {
		return nil, false, nil
	}

	delete(r.partials, d.MessageID)
	var out []byte
	total := 0
	for _, p := range pm.parts {
		total += len(p)
	}
	out = make([]byte, 0, total)
	for _, p := range pm.parts {
		out = append(out, p...)
		r.quota.Release(pm.priority, len(p))
	}
	return out, true, nil
}
