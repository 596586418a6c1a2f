// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package config holds the tunable parameters and wire-level constants
// that the rest of the module treats as configuration rather than
// hard-coded literals.
package config

import "time"

// Wire-level and storage constants named by the specification.
const (
	// ChunkSize is the size of one blob chunk, and the unit Bao proofs
	// verify against.
	ChunkSize = 64 * 1024

	// ShardSize is the number of topological ranks covered by one
	// reconciliation shard.
	ShardSize = 1000

	// ReconciliationInterval is how often a sync session retries IBLT
	// reconciliation for a range that previously failed to decode.
	ReconciliationInterval = 60 * time.Second

	// FetchTimeout is how long a blob chunk fetch may remain
	// outstanding before it is considered stalled.
	FetchTimeout = 15 * time.Second

	// MaxParents bounds the number of parent hashes a single node may
	// declare.
	MaxParents = 16

	// DelayedAckTimeout is the coalescing window for selective acks.
	DelayedAckTimeout = 40 * time.Millisecond

	// MaxMetadataSize bounds the encoded size of a node's metadata.
	MaxMetadataSize = 4096

	// MaxSpeculativeNodesPerConversation bounds how many unverified
	// nodes a single conversation may hold at once.
	MaxSpeculativeNodesPerConversation = 4096

	// MaxVerifiedNodesPerDevice bounds how many verified nodes a single
	// device may contribute before further admission is refused.
	MaxVerifiedNodesPerDevice = 1 << 20

	// MaxInFlightChunksPerSeeder caps parallel blob-chunk fetches from
	// one seeder.
	MaxInFlightChunksPerSeeder = 4

	// JournalFooterMagic tags a graceful-shutdown tail-commit footer.
	JournalFooterMagic uint32 = 0x454E4421

	// RatchetFileMagic tags the ratchet-slot file header.
	RatchetFileMagic uint32 = 0x52415443

	// PackIndexMagic tags the sorted pack-index file header.
	PackIndexMagic uint32 = 0x4D544F58

	// OpaqueSegmentMaxSize caps one opaque-store segment file.
	OpaqueSegmentMaxSize = 10 * 1024 * 1024

	// OpaqueTotalMaxSize caps the sum of all opaque-store segments
	// before the oldest are pruned.
	OpaqueTotalMaxSize = 100 * 1024 * 1024

	// PacketOverhead is the worst-case framing overhead the transport
	// must leave room for inside the overlay's MTU.
	PacketOverhead = 20
)

// MessageType is the wire byte identifying a datagram/control message.
type MessageType byte

// Message type values are bit-exact per the wire protocol.
const (
	MessageTypeCapsAnnounce       MessageType = 0x01
	MessageTypeCapsAck            MessageType = 0x02
	MessageTypeSyncHeads          MessageType = 0x03
	MessageTypeFetchBatchReq      MessageType = 0x04
	MessageTypeMerkleNode         MessageType = 0x05
	MessageTypeBlobQuery          MessageType = 0x06
	MessageTypeBlobAvail          MessageType = 0x07
	MessageTypeBlobReq            MessageType = 0x08
	MessageTypeBlobData           MessageType = 0x09
	MessageTypeSyncSketch         MessageType = 0x0A
	MessageTypeSyncReconFail      MessageType = 0x0B
	MessageTypeSyncShardChecksums MessageType = 0x0C
	MessageTypeHandshakeError     MessageType = 0x0D
	MessageTypeReconPowChallenge  MessageType = 0x0E
	MessageTypeReconPowSolution   MessageType = 0x0F
)

// Priority classifies a message for the reassembly quota and pacer.
type Priority int

const (
	PriorityBulk Priority = iota
	PriorityLow
	PriorityStandard
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityBulk:
		return "Bulk"
	case PriorityLow:
		return "Low"
	case PriorityStandard:
		return "Standard"
	case PriorityHigh:
		return "High"
	case PriorityCritical:
		return "Critical"
	default:
		return "Invalid"
	}
}

// PriorityOf returns the priority class for a wire message type.
func PriorityOf(mt MessageType) Priority {
	switch mt {
	case MessageTypeCapsAnnounce, MessageTypeCapsAck:
		return PriorityCritical
	case MessageTypeSyncHeads, MessageTypeSyncSketch, MessageTypeSyncReconFail, MessageTypeSyncShardChecksums:
		return PriorityHigh
	case MessageTypeMerkleNode:
		return PriorityStandard
	case MessageTypeBlobQuery, MessageTypeBlobAvail, MessageTypeBlobReq:
		return PriorityLow
	case MessageTypeBlobData:
		return PriorityBulk
	default:
		return PriorityStandard
	}
}
