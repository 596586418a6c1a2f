// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package engine

import (
	"sync"

	"github.com/luxfi/convoy/config"
	"github.com/luxfi/convoy/dagnode"
	"github.com/luxfi/convoy/effect"
	"github.com/luxfi/convoy/identity"
	"github.com/luxfi/convoy/ratchet"
	"github.com/luxfi/convoy/xcrypto"
)

// ConversationState is everything the engine tracks for one
// conversation: identity/membership, the current epoch's key schedule,
// heads, and the speculative-node cache.
type ConversationState struct {
	mu sync.RWMutex

	id ConversationID

	identity     *identity.Table
	announcement *identity.AnnouncementTable

	epoch      uint32
	epochKeys  map[uint32]xcrypto.Hash256   // KConv per known epoch, most recent first on lookup
	ratchets   map[uint32]*ratchet.Table     // per-epoch sender ratchet tables

	contentHeads []dagnode.Hash
	adminHeads   []dagnode.Hash

	nodes map[dagnode.Hash]*dagnode.Node // all admitted (Verified/Interior) nodes
	speculative *effect.PendingCache

	// devicePk/devicePriv identify the local device for KeyWrap trial
	// decryption: a ContentKeyWrapEnvelope entry whose RecipientDevicePk
	// matches devicePk is unwrapped with devicePriv. Unset until
	// SetDeviceIdentity is called, in which case every envelope is
	// skipped rather than trial-decrypted against a zero key.
	devicePk    []byte
	devicePriv  xcrypto.X25519PrivateKey
	hasDeviceID bool

	verifiedCountByDevice map[string]int

	// lastCounter tracks, per epoch and sender, the highest sequence
	// counter this local engine has assigned — so authoring two nodes
	// back-to-back never reuses a (sender, epoch, counter) triple.
	lastCounter map[uint32]map[string]uint32

	params config.Parameters
}

// ConversationID aliases dagnode's hash type for readability in this
// package's exported surface.
type ConversationID = dagnode.ConversationID

// NewConversationState starts empty per-conversation state.
func NewConversationState(id ConversationID, params config.Parameters) *ConversationState {
	return &ConversationState{
		id:                    id,
		identity:              identity.New(),
		announcement:          identity.NewAnnouncementTable(),
		epochKeys:             make(map[uint32]xcrypto.Hash256),
		ratchets:              make(map[uint32]*ratchet.Table),
		nodes:                 make(map[dagnode.Hash]*dagnode.Node),
		speculative:           effect.NewPendingCache(),
		verifiedCountByDevice: make(map[string]int),
		lastCounter:           make(map[uint32]map[string]uint32),
		params:                params,
	}
}

// NextCounter returns the next unused sequence counter for senderPk
// within epoch and records it as taken.
func (s *ConversationState) NextCounter(epoch uint32, senderPk []byte) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	bySender, ok := s.lastCounter[epoch]
	if !ok {
		bySender = make(map[string]uint32)
		s.lastCounter[epoch] = bySender
	}
	next := bySender[string(senderPk)] + 1
	bySender[string(senderPk)] = next
	return next
}

// InstallEpochKey records KConv for an epoch and seeds a fresh ratchet
// table for it.
func (s *ConversationState) InstallEpochKey(epoch uint32, kConv xcrypto.Hash256) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.epochKeys[epoch] = kConv
	s.ratchets[epoch] = ratchet.NewTable(kConv)
	if epoch > s.epoch {
		s.epoch = epoch
	}
}

// CurrentEpoch returns the highest installed epoch.
func (s *ConversationState) CurrentEpoch() uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.epoch
}

// RatchetTable returns the sender-ratchet table for epoch, if known.
func (s *ConversationState) RatchetTable(epoch uint32) (*ratchet.Table, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.ratchets[epoch]
	return t, ok
}

// EpochKey returns KConv for epoch, if known.
func (s *ConversationState) EpochKey(epoch uint32) (xcrypto.Hash256, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.epochKeys[epoch]
	return k, ok
}

// KnownEpochsMostRecentFirst returns installed epoch numbers sorted
// descending, the order authentication trials them in.
func (s *ConversationState) KnownEpochsMostRecentFirst() []uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]uint32, 0, len(s.epochKeys))
	for e := range s.epochKeys {
		out = append(out, e)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] < out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// HasNode reports whether hash is already admitted.
func (s *ConversationState) HasNode(hash dagnode.Hash) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.nodes[hash]
	return ok
}

// GetNode returns an admitted node by hash.
func (s *ConversationState) GetNode(hash dagnode.Hash) (*dagnode.Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[hash]
	return n, ok
}

// NodesForShard returns every admitted node whose topological rank
// falls within [lo, hi) — the range a sync session reconciles as one
// IBLT shard.
func (s *ConversationState) NodesForShard(lo, hi uint64) []*dagnode.Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*dagnode.Node
	for _, n := range s.nodes {
		if r := n.TopologicalRank(); r >= lo && r < hi {
			out = append(out, n)
		}
	}
	return out
}

// admit records n as Verified/Interior and updates heads and quotas.
func (s *ConversationState) admit(n *dagnode.Node) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n.SetState(dagnode.StateVerified)
	s.nodes[n.Hash()] = n
	s.verifiedCountByDevice[string(n.SenderPk())]++

	if n.IsAdmin() {
		s.adminHeads = removeAll(s.adminHeads, n.Parents())
		s.adminHeads = append(s.adminHeads, n.Hash())
	} else {
		s.contentHeads = removeAll(s.contentHeads, n.Parents())
		s.contentHeads = append(s.contentHeads, n.Hash())
	}
}

func removeAll(heads []dagnode.Hash, remove []dagnode.Hash) []dagnode.Hash {
	if len(remove) == 0 {
		return heads
	}
	rm := make(map[dagnode.Hash]struct{}, len(remove))
	for _, r := range remove {
		rm[r] = struct{}{}
	}
	out := heads[:0]
	for _, h := range heads {
		if _, drop := rm[h]; !drop {
			out = append(out, h)
		}
	}
	return append([]dagnode.Hash(nil), out...)
}

// ContentHeads returns the current content-track heads.
func (s *ConversationState) ContentHeads() []dagnode.Hash {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]dagnode.Hash(nil), s.contentHeads...)
}

// AdminHeads returns the current admin-track heads.
func (s *ConversationState) AdminHeads() []dagnode.Hash {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]dagnode.Hash(nil), s.adminHeads...)
}

// VerifiedCountForDevice reports how many nodes a device has
// contributed, for the per-device verified-node quota.
func (s *ConversationState) VerifiedCountForDevice(devicePk []byte) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.verifiedCountByDevice[string(devicePk)]
}

// Identity exposes the conversation's identity table.
func (s *ConversationState) Identity() *identity.Table {
	return s.identity
}

// Announcements exposes the conversation's pre-key announcement table.
func (s *ConversationState) Announcements() *identity.AnnouncementTable {
	return s.announcement
}

// Speculative exposes the conversation's pending-node cache.
func (s *ConversationState) Speculative() *effect.PendingCache {
	return s.speculative
}

// SetDeviceIdentity records the local device's signing keypair so a
// later ContentKeyWrapEnvelope admission can recognize and unwrap the
// entry addressed to this device. ed25519Priv is converted to its
// X25519 form once here rather than on every envelope.
func (s *ConversationState) SetDeviceIdentity(ed25519Pub xcrypto.Ed25519PublicKey, ed25519Priv xcrypto.Ed25519PrivateKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devicePk = append([]byte(nil), ed25519Pub...)
	s.devicePriv = xcrypto.Ed25519PrivateToX25519(ed25519Priv)
	s.hasDeviceID = true
}

// DeviceIdentity returns the local device's public key and its X25519
// key-agreement key, if SetDeviceIdentity has been called.
func (s *ConversationState) DeviceIdentity() (devicePk []byte, devicePriv xcrypto.X25519PrivateKey, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.devicePk, s.devicePriv, s.hasDeviceID
}
