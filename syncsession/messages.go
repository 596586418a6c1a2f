// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package syncsession implements the per-peer-per-conversation sync
// session: head advertisement, IBLT-based range reconciliation with
// adaptive tier promotion, fetch batching, and the shallow-sync
// backfill cutoff.
package syncsession

import (
	"fmt"

	"github.com/luxfi/convoy/dagnode"
	"github.com/luxfi/convoy/wire"
)

// SyncHeads is the head-advertisement message: the sender's current
// content and admin heads for one conversation.
type SyncHeads struct {
	_              struct{} `cbor:",toarray"`
	ConversationID dagnode.ConversationID
	Heads          []dagnode.Hash
	Shallow        bool
}

// Encode serializes a SyncHeads for the wire.
func (m SyncHeads) Encode() ([]byte, error) { return wire.Default().Marshal(wire.CurrentVersion, m) }

// DecodeSyncHeads parses a wire-encoded SyncHeads.
func DecodeSyncHeads(data []byte) (SyncHeads, error) {
	var m SyncHeads
	if _, err := wire.Default().Unmarshal(data, &m); err != nil {
		return SyncHeads{}, fmt.Errorf("syncsession: decode SyncHeads: %w", err)
	}
	return m, nil
}

// FetchBatchReq asks the peer for the wire bytes of the named hashes,
// draining next_fetch_batch's output.
type FetchBatchReq struct {
	_              struct{} `cbor:",toarray"`
	ConversationID dagnode.ConversationID
	Hashes         []dagnode.Hash
}

func (m FetchBatchReq) Encode() ([]byte, error) { return wire.Default().Marshal(wire.CurrentVersion, m) }

func DecodeFetchBatchReq(data []byte) (FetchBatchReq, error) {
	var m FetchBatchReq
	if _, err := wire.Default().Unmarshal(data, &m); err != nil {
		return FetchBatchReq{}, fmt.Errorf("syncsession: decode FetchBatchReq: %w", err)
	}
	return m, nil
}

// sketchCellWire is one IBLT cell's wire form.
type sketchCellWire struct {
	_       struct{} `cbor:",toarray"`
	Count   int32
	IDSum   [32]byte
	HashSum [32]byte
}

// SyncSketch carries one range's IBLT sketch at its current tier.
type SyncSketch struct {
	_              struct{} `cbor:",toarray"`
	ConversationID dagnode.ConversationID
	ShardLo        uint64
	ShardHi        uint64
	Tier           Tier
	Cells          []sketchCellWire
}

func (m SyncSketch) Encode() ([]byte, error) { return wire.Default().Marshal(wire.CurrentVersion, m) }

func DecodeSyncSketch(data []byte) (SyncSketch, error) {
	var m SyncSketch
	if _, err := wire.Default().Unmarshal(data, &m); err != nil {
		return SyncSketch{}, fmt.Errorf("syncsession: decode SyncSketch: %w", err)
	}
	return m, nil
}

// SyncReconFail reports that decoding a peer's sketch against the
// local one failed, asking it to retry at a promoted tier.
type SyncReconFail struct {
	_              struct{} `cbor:",toarray"`
	ConversationID dagnode.ConversationID
	ShardLo        uint64
	ShardHi        uint64
}

func (m SyncReconFail) Encode() ([]byte, error) { return wire.Default().Marshal(wire.CurrentVersion, m) }

func DecodeSyncReconFail(data []byte) (SyncReconFail, error) {
	var m SyncReconFail
	if _, err := wire.Default().Unmarshal(data, &m); err != nil {
		return SyncReconFail{}, fmt.Errorf("syncsession: decode SyncReconFail: %w", err)
	}
	return m, nil
}

// SyncShardChecksums is the fallback exchanged once Large-tier IBLT
// decode has failed: a whole-shard checksum, and — once both sides
// have confirmed their checksums disagree — the flat hash list for
// the contested shard.
type SyncShardChecksums struct {
	_              struct{} `cbor:",toarray"`
	ConversationID dagnode.ConversationID
	ShardLo        uint64
	ShardHi        uint64
	Checksum       [32]byte
	HashList       []dagnode.Hash `cbor:",omitempty"`
}

func (m SyncShardChecksums) Encode() ([]byte, error) {
	return wire.Default().Marshal(wire.CurrentVersion, m)
}

func DecodeSyncShardChecksums(data []byte) (SyncShardChecksums, error) {
	var m SyncShardChecksums
	if _, err := wire.Default().Unmarshal(data, &m); err != nil {
		return SyncShardChecksums{}, fmt.Errorf("syncsession: decode SyncShardChecksums: %w", err)
	}
	return m, nil
}

// MerkleNode carries one fetched node's canonical wire bytes, sent in
// reply to a FetchBatchReq or pushed unsolicited once reconciliation
// has located a hash the peer is missing.
type MerkleNode struct {
	_              struct{} `cbor:",toarray"`
	ConversationID dagnode.ConversationID
	NodeBytes      []byte
}

func (m MerkleNode) Encode() ([]byte, error) { return wire.Default().Marshal(wire.CurrentVersion, m) }

func DecodeMerkleNode(data []byte) (MerkleNode, error) {
	var m MerkleNode
	if _, err := wire.Default().Unmarshal(data, &m); err != nil {
		return MerkleNode{}, fmt.Errorf("syncsession: decode MerkleNode: %w", err)
	}
	return m, nil
}
