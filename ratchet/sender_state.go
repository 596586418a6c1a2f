// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ratchet

import (
	"errors"
	"sync"
)

// ErrSequenceNotMonotone is returned when a sender's ratchet is asked
// to authenticate a sequence number at or below the last accepted one
// for that sender, which would either be a replay or an attempt to
// rewind the chain.
var ErrSequenceNotMonotone = errors.New("ratchet: sequence number does not strictly exceed last known")

// senderChain tracks one sender's forward-secret state within the
// current epoch: the chain key needed to produce the *next* message's
// key, and the last counter accepted.
type senderChain struct {
	next        ChainKey
	lastCounter uint32
}

// Table tracks per-sender ratchet state across all senders in a
// conversation for the currently installed epoch. A fresh Table is
// created on every epoch rotation.
type Table struct {
	mu      sync.Mutex
	kConv   [32]byte
	senders map[string]*senderChain
}

// NewTable starts a fresh per-epoch ratchet table over kConv.
func NewTable(kConv [32]byte) *Table {
	return &Table{kConv: kConv, senders: make(map[string]*senderChain)}
}

func senderKey(pk []byte) string { return string(pk) }

// TrialAuthenticate computes the message key that would authenticate
// message counter (1-indexed) from senderPk, without committing any
// state change. The engine calls this to verify a MAC before deciding
// whether to accept the node.
func (t *Table) TrialAuthenticate(senderPk []byte, counter uint32) MessageKey {
	return MessageKeyAt(t.kConv, senderPk, counter)
}

// Commit records that message counter from senderPk has been
// accepted, advancing that sender's persisted chain key to the one
// needed for counter+1 and enforcing strict monotonicity. Per the
// immediate forward secrecy invariant, the caller must persist the
// returned chain key keyed by (conversation, node hash, epoch) and
// purge whatever was stored for this sender's previous node.
func (t *Table) Commit(senderPk []byte, counter uint32) (ChainKey, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := senderKey(senderPk)
	sc, ok := t.senders[key]
	if !ok {
		if counter < 1 {
			return ChainKey{}, ErrSequenceNotMonotone
		}
		next := Advance(SeedChain(t.kConv, senderPk), counter)
		sc = &senderChain{next: next, lastCounter: counter}
		t.senders[key] = sc
		return sc.next, nil
	}
	if counter <= sc.lastCounter {
		return ChainKey{}, ErrSequenceNotMonotone
	}
	// Advance from the stored "next" key (already positioned at
	// lastCounter+1) forward to counter+1.
	steps := counter - sc.lastCounter
	sc.next = Advance(sc.next, steps)
	sc.lastCounter = counter
	return sc.next, nil
}

// LastCounter reports the highest counter committed for senderPk, if
// any. The engine uses this to reject a replayed or rewound counter
// before admitting a node, rather than discovering the conflict only
// once Commit runs as a side effect of admission.
func (t *Table) LastCounter(senderPk []byte) (uint32, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sc, ok := t.senders[senderKey(senderPk)]
	if !ok {
		return 0, false
	}
	return sc.lastCounter, true
}

// Seed installs a known chain key for senderPk directly — used when a
// RatchetSnapshot re-seeds a sender's own state after local data loss.
func (t *Table) Seed(senderPk []byte, nextKey ChainKey, lastCounter uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.senders[senderKey(senderPk)] = &senderChain{next: nextKey, lastCounter: lastCounter}
}
