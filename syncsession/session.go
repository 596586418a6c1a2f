// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package syncsession

import (
	"sort"
	"sync"
	"time"

	"github.com/luxfi/convoy/config"
	"github.com/luxfi/convoy/dagnode"
	"github.com/luxfi/convoy/xcrypto"
)

// State is the session's lifecycle: Handshake while capabilities and
// the first head advertisement are exchanged, Active while heads and
// ranges reconcile, Idle once both sides agree their sets match.
type State uint8

const (
	StateHandshake State = iota
	StateActive
	StateIdle
)

func (s State) String() string {
	switch s {
	case StateHandshake:
		return "Handshake"
	case StateActive:
		return "Active"
	case StateIdle:
		return "Idle"
	default:
		return "Invalid"
	}
}

// Ledger is the read-only view of admitted conversation state a sync
// session reconciles against — satisfied by *engine.ConversationState.
// A small interface, not the concrete type, so this package never
// imports engine.
type Ledger interface {
	HasNode(hash dagnode.Hash) bool
	ContentHeads() []dagnode.Hash
	AdminHeads() []dagnode.Hash
	NodesForShard(lo, hi uint64) []*dagnode.Node
}

type shardState struct {
	tier         Tier
	checksumSent bool
}

// Session is one peer's reconciliation state for one conversation:
// remote heads, the locally-missing fetch queue, in-flight fetches,
// and per-shard IBLT tier, per spec.md §4.4.
type Session struct {
	mu sync.Mutex

	conv   dagnode.ConversationID
	ledger Ledger
	params config.Parameters

	state   State
	shallow bool
	rankFloor uint64

	missingOrder []dagnode.Hash
	missingSet   map[dagnode.Hash]struct{}
	inFlight     map[dagnode.Hash]time.Time

	shards map[uint64]*shardState // keyed by shard lo

	lastReconcile time.Time
}

// NewSession starts a session in Handshake state for conv against
// ledger.
func NewSession(conv dagnode.ConversationID, ledger Ledger, params config.Parameters) *Session {
	return &Session{
		conv:         conv,
		ledger:       ledger,
		params:       params,
		state:        StateHandshake,
		missingSet:   make(map[dagnode.Hash]struct{}),
		inFlight:     make(map[dagnode.Hash]time.Time),
		shards:       make(map[uint64]*shardState),
	}
}

// State reports the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetShallow marks the session shallow: backfill traversal below
// rankFloor is suppressed, per the shallow-sync cutoff.
func (s *Session) SetShallow(shallow bool, rankFloor uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shallow = shallow
	s.rankFloor = rankFloor
}

// HandleSyncHeads processes a peer's head advertisement: any head not
// already admitted locally is enqueued as missing, and the session
// transitions to Active. Returns the newly enqueued hashes.
func (s *Session) HandleSyncHeads(msg SyncHeads) []dagnode.Hash {
	s.mu.Lock()
	defer s.mu.Unlock()

	var added []dagnode.Hash
	for _, h := range msg.Heads {
		if s.ledger.HasNode(h) {
			continue
		}
		if _, queued := s.missingSet[h]; queued {
			continue
		}
		if _, inFlight := s.inFlight[h]; inFlight {
			continue
		}
		s.missingSet[h] = struct{}{}
		s.missingOrder = append(s.missingOrder, h)
		added = append(added, h)
	}
	if s.state == StateHandshake {
		s.state = StateActive
	} else if len(added) > 0 && s.state == StateIdle {
		s.state = StateActive
	}
	return added
}

// NoteUnknownParents enqueues hashes a just-fetched node named as
// parents but which aren't admitted locally yet, continuing the
// backfill — unless the session is shallow and rank is at or below
// the configured floor, in which case backfill stops there.
func (s *Session) NoteUnknownParents(parents []dagnode.Hash, rank uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shallow && rank <= s.rankFloor {
		return
	}
	for _, h := range parents {
		if s.ledger.HasNode(h) {
			continue
		}
		if _, queued := s.missingSet[h]; queued {
			continue
		}
		if _, inFlight := s.inFlight[h]; inFlight {
			continue
		}
		s.missingSet[h] = struct{}{}
		s.missingOrder = append(s.missingOrder, h)
	}
}

// QueueMissing enqueues hashes discovered by some means other than
// head advertisement or backfill — notably a decoded IBLT
// reconciliation's missing_locally set.
func (s *Session) QueueMissing(hashes []dagnode.Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range hashes {
		if s.ledger.HasNode(h) {
			continue
		}
		if _, queued := s.missingSet[h]; queued {
			continue
		}
		if _, inFlight := s.inFlight[h]; inFlight {
			continue
		}
		s.missingSet[h] = struct{}{}
		s.missingOrder = append(s.missingOrder, h)
	}
	if len(hashes) > 0 && s.state == StateIdle {
		s.state = StateActive
	}
}

// OutgoingSyncHeads builds the advertisement this side sends: its
// current content and admin heads.
func (s *Session) OutgoingSyncHeads() SyncHeads {
	return SyncHeads{
		ConversationID: s.conv,
		Heads:          append(s.ledger.ContentHeads(), s.ledger.AdminHeads()...),
		Shallow:        s.shallowFlag(),
	}
}

func (s *Session) shallowFlag() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shallow
}

// NextFetchBatch drains up to limit missing hashes into a
// FetchBatchReq, moving them into the in-flight set stamped at now.
func (s *Session) NextFetchBatch(limit int, now time.Time) FetchBatchReq {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit > len(s.missingOrder) {
		limit = len(s.missingOrder)
	}
	batch := s.missingOrder[:limit]
	s.missingOrder = s.missingOrder[limit:]
	for _, h := range batch {
		delete(s.missingSet, h)
		s.inFlight[h] = now
	}
	return FetchBatchReq{ConversationID: s.conv, Hashes: batch}
}

// MarkFetched clears a hash's in-flight entry once the engine has
// admitted (or permanently rejected) the corresponding node.
func (s *Session) MarkFetched(hash dagnode.Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, hash)
	if len(s.missingOrder) == 0 && len(s.inFlight) == 0 {
		s.state = StateIdle
	}
}

// RequeueStale moves any in-flight fetch older than params.FetchTimeout
// back onto the missing queue, returning how many were requeued.
func (s *Session) RequeueStale(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for h, sentAt := range s.inFlight {
		if now.Sub(sentAt) < s.params.FetchTimeout {
			continue
		}
		delete(s.inFlight, h)
		if _, queued := s.missingSet[h]; !queued {
			s.missingSet[h] = struct{}{}
			s.missingOrder = append(s.missingOrder, h)
		}
		n++
	}
	return n
}

// shardKey rounds rank down to its shard's lower bound.
func shardKey(rank uint64, shardSize int) uint64 {
	sz := uint64(shardSize)
	return (rank / sz) * sz
}

func (s *Session) shardFor(lo uint64) *shardState {
	st, ok := s.shards[lo]
	if !ok {
		st = &shardState{tier: TierSmall}
		s.shards[lo] = st
	}
	return st
}

// TierFor reports the current adaptive tier for the shard starting at
// lo, creating it (at the initial Small tier) if unseen.
func (s *Session) TierFor(lo uint64) Tier {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shardFor(lo).tier
}

// BuildSketch constructs this side's IBLT sketch over [lo, hi) at the
// shard's current tier.
func (s *Session) BuildSketch(lo, hi uint64) SyncSketch {
	s.mu.Lock()
	tier := s.shardFor(lo).tier
	s.mu.Unlock()

	nodes := s.ledger.NodesForShard(lo, hi)
	hashes := make([]dagnode.Hash, len(nodes))
	for i, n := range nodes {
		hashes[i] = n.Hash()
	}
	sketch := BuildIbltSketch(tier, hashes)
	return SyncSketch{
		ConversationID: s.conv,
		ShardLo:        lo,
		ShardHi:        hi,
		Tier:           tier,
		Cells:          sketch.toWireCells(),
	}
}

// Reconcile decodes a peer's sketch against this side's own sketch of
// the same range. On success it returns the hashes missing locally
// (present only in the peer's sketch) and missing remotely (present
// only here), and demotes the shard's tier by one step. On failure it
// promotes the tier and reports ok=false, so the caller re-requests at
// the new tier via HandleReconcileFail's contract.
func (s *Session) Reconcile(peer SyncSketch) (missingLocally, missingRemotely []dagnode.Hash, ok bool) {
	local := s.BuildSketch(peer.ShardLo, peer.ShardHi)
	localSketch := fromWireCells(local.Tier, local.Cells)
	peerSketch := fromWireCells(peer.Tier, peer.Cells)

	if local.Tier != peer.Tier {
		// Tiers must match to XOR meaningfully; treat as a decode
		// failure so both sides converge to the larger tier.
		s.HandleReconcileFail(peer.ShardLo)
		return nil, nil, false
	}

	diff, combinable := localSketch.XORWith(peerSketch)
	if !combinable {
		s.HandleReconcileFail(peer.ShardLo)
		return nil, nil, false
	}

	results, decoded := diff.Peel()
	if !decoded {
		s.HandleReconcileFail(peer.ShardLo)
		return nil, nil, false
	}

	for _, r := range results {
		if r.Remote {
			missingLocally = append(missingLocally, r.Hash)
		}
		if r.Local {
			missingRemotely = append(missingRemotely, r.Hash)
		}
	}

	s.mu.Lock()
	st := s.shardFor(peer.ShardLo)
	st.tier = st.tier.Demote()
	s.mu.Unlock()

	return missingLocally, missingRemotely, true
}

// HandleReconcileFail promotes the shard's tier by one step, per
// handle_sync_recon_fail. Once Large is exhausted, the caller should
// fall back to shard-checksum exchange via ShardChecksum.
func (s *Session) HandleReconcileFail(lo uint64) Tier {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.shardFor(lo)
	st.tier = st.tier.Promote()
	return st.tier
}

// ExhaustedLarge reports whether the shard at lo has already promoted
// to Large and still failed — the signal to fall back to shard-
// checksum exchange.
func (s *Session) ExhaustedLarge(lo uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shardFor(lo).tier == TierLarge
}

// ShardChecksum computes the fallback whole-shard checksum: the hash
// of the sorted, concatenated hash list for [lo, hi).
func ShardChecksum(hashes []dagnode.Hash) [32]byte {
	sorted := append([]dagnode.Hash(nil), hashes...)
	sort.Slice(sorted, func(i, j int) bool {
		a, b := [32]byte(sorted[i]), [32]byte(sorted[j])
		for k := range a {
			if a[k] != b[k] {
				return a[k] < b[k]
			}
		}
		return false
	})
	buf := make([]byte, 0, 32*len(sorted))
	for _, h := range sorted {
		b := [32]byte(h)
		buf = append(buf, b[:]...)
	}
	return [32]byte(xcrypto.Hash(buf))
}

// LocalShardChecksum builds this side's checksum message for [lo, hi),
// including the flat hash list so a mismatched peer can diff directly
// once both sides have exhausted the Large tier.
func (s *Session) LocalShardChecksum(lo, hi uint64) SyncShardChecksums {
	nodes := s.ledger.NodesForShard(lo, hi)
	hashes := make([]dagnode.Hash, len(nodes))
	for i, n := range nodes {
		hashes[i] = n.Hash()
	}
	return SyncShardChecksums{
		ConversationID: s.conv,
		ShardLo:        lo,
		ShardHi:        hi,
		Checksum:       ShardChecksum(hashes),
		HashList:       hashes,
	}
}

// MissingCount reports how many hashes are queued but not yet
// in-flight, for tests and wakeup scheduling.
func (s *Session) MissingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.missingOrder)
}

// InFlightCount reports how many fetches are currently outstanding.
func (s *Session) InFlightCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inFlight)
}

// NextWakeup returns the earliest time this session next needs
// attention: either the next periodic reconciliation retry, or the
// deadline of the oldest in-flight fetch, whichever is sooner. Like
// transport.Session.NextWakeup, this composes associatively with other
// wakeup sources — the caller takes the minimum across every session.
func (s *Session) NextWakeup(now time.Time) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deadline time.Time
	have := false

	reconcileAt := s.lastReconcile.Add(s.params.ReconciliationInterval)
	deadline, have = reconcileAt, true

	for _, sentAt := range s.inFlight {
		fetchDeadline := sentAt.Add(s.params.FetchTimeout)
		if !have || fetchDeadline.Before(deadline) {
			deadline = fetchDeadline
			have = true
		}
	}
	return deadline, have
}

// MarkReconciled stamps the last reconciliation attempt time, used by
// NextWakeup to schedule the next retry.
func (s *Session) MarkReconciled(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastReconcile = now
}

// ShardLoFor returns the shard lower bound rank falls into, per
// config.ShardSize.
func ShardLoFor(rank uint64, params config.Parameters) uint64 {
	return shardKey(rank, params.ShardSize)
}
