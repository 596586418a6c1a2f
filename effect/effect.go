// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package effect defines the ordered side-effects the engine emits
// from every entry point. The engine itself is pure: it never touches
// the store or transport directly, only returns an Effect list for
// the node loop to apply.
package effect

import "github.com/luxfi/convoy/dagnode"

// Kind discriminates the Effect union. Go has no sum types, so Effect
// carries a Kind tag plus the one populated payload field.
type Kind uint8

const (
	KindWriteStore Kind = iota
	KindWriteWireNode
	KindWriteRatchetKey
	KindDeleteRatchetKey
	KindUpdateHeads
	KindEmitEvent
)

func (k Kind) String() string {
	switch k {
	case KindWriteStore:
		return "WriteStore"
	case KindWriteWireNode:
		return "WriteWireNode"
	case KindWriteRatchetKey:
		return "WriteRatchetKey"
	case KindDeleteRatchetKey:
		return "DeleteRatchetKey"
	case KindUpdateHeads:
		return "UpdateHeads"
	case KindEmitEvent:
		return "EmitEvent"
	default:
		return "Invalid"
	}
}

// WriteStorePayload journals a node, keyed by its hash.
type WriteStorePayload struct {
	ConversationID dagnode.ConversationID
	Node           *dagnode.Node
}

// WriteWireNodePayload persists the opaque wire form of a node that
// could not yet be admitted (no key material available), so it
// survives a restart for re-speculation.
type WriteWireNodePayload struct {
	ConversationID dagnode.ConversationID
	Hash           dagnode.Hash
	WireBytes      []byte
}

// WriteRatchetKeyPayload installs the chain key needed for the next
// message from a sender, keyed by (conversation, node hash, epoch).
// Counter is the sender's sequence counter the chain key advanced to,
// persisted alongside it so a restart resumes at the right position
// in the chain rather than only knowing the epoch.
type WriteRatchetKeyPayload struct {
	ConversationID dagnode.ConversationID
	SenderPk       []byte
	NodeHash       dagnode.Hash
	Epoch          uint32
	Counter        uint32
	ChainKey       [32]byte
}

// DeleteRatchetKeyPayload purges the chain key recorded for the
// sender's previous node, maintaining the forward-secrecy invariant
// that only the most recent "next" key is ever held durably.
type DeleteRatchetKeyPayload struct {
	ConversationID dagnode.ConversationID
	SenderPk       []byte
	PreviousHash   dagnode.Hash
}

// HeadsDelta describes how a node's admission changes a conversation's
// head set: the node becomes a head, and any of its parents that were
// heads stop being heads.
type HeadsDelta struct {
	ConversationID dagnode.ConversationID
	Admin          bool
	NewHead        dagnode.Hash
	RemovedParents []dagnode.Hash
}

// EventKind names the class of EmitEvent, surfaced to callers
// observing conversation activity (e.g. a UI layer, out of scope
// here, or test assertions).
type EventKind uint8

const (
	EventNodeVerified EventKind = iota
	EventNodeRejected
	EventMembershipChanged
	EventEpochRotated
	EventPeerBlacklisted
)

func (e EventKind) String() string {
	switch e {
	case EventNodeVerified:
		return "NodeVerified"
	case EventNodeRejected:
		return "NodeRejected"
	case EventMembershipChanged:
		return "MembershipChanged"
	case EventEpochRotated:
		return "EpochRotated"
	case EventPeerBlacklisted:
		return "PeerBlacklisted"
	default:
		return "Invalid"
	}
}

// EventPayload carries one observable event.
type EventPayload struct {
	Kind           EventKind
	ConversationID dagnode.ConversationID
	NodeHash       dagnode.Hash
	Detail         string
}

// Effect is one side-effect the node loop must apply. Exactly one of
// the payload fields matching Kind is non-nil.
type Effect struct {
	Kind             Kind
	WriteStore       *WriteStorePayload
	WriteWireNode    *WriteWireNodePayload
	WriteRatchetKey  *WriteRatchetKeyPayload
	DeleteRatchetKey *DeleteRatchetKeyPayload
	UpdateHeads      *HeadsDelta
	EmitEvent        *EventPayload
}

// WriteStore builds a KindWriteStore effect.
func WriteStore(conv dagnode.ConversationID, n *dagnode.Node) Effect {
	return Effect{Kind: KindWriteStore, WriteStore: &WriteStorePayload{ConversationID: conv, Node: n}}
}

// WriteWireNode builds a KindWriteWireNode effect.
func WriteWireNode(conv dagnode.ConversationID, hash dagnode.Hash, wireBytes []byte) Effect {
	return Effect{Kind: KindWriteWireNode, WriteWireNode: &WriteWireNodePayload{ConversationID: conv, Hash: hash, WireBytes: wireBytes}}
}

// WriteRatchetKey builds a KindWriteRatchetKey effect.
func WriteRatchetKey(conv dagnode.ConversationID, senderPk []byte, nodeHash dagnode.Hash, epoch, counter uint32, chainKey [32]byte) Effect {
	return Effect{Kind: KindWriteRatchetKey, WriteRatchetKey: &WriteRatchetKeyPayload{
		ConversationID: conv, SenderPk: senderPk, NodeHash: nodeHash, Epoch: epoch, Counter: counter, ChainKey: chainKey,
	}}
}

// DeleteRatchetKey builds a KindDeleteRatchetKey effect.
func DeleteRatchetKey(conv dagnode.ConversationID, senderPk []byte, previousHash dagnode.Hash) Effect {
	return Effect{Kind: KindDeleteRatchetKey, DeleteRatchetKey: &DeleteRatchetKeyPayload{
		ConversationID: conv, SenderPk: senderPk, PreviousHash: previousHash,
	}}
}

// UpdateHeads builds a KindUpdateHeads effect.
func UpdateHeads(conv dagnode.ConversationID, admin bool, newHead dagnode.Hash, removedParents []dagnode.Hash) Effect {
	return Effect{Kind: KindUpdateHeads, UpdateHeads: &HeadsDelta{
		ConversationID: conv, Admin: admin, NewHead: newHead, RemovedParents: removedParents,
	}}
}

// EmitEvent builds a KindEmitEvent effect.
func EmitEvent(kind EventKind, conv dagnode.ConversationID, nodeHash dagnode.Hash, detail string) Effect {
	return Effect{Kind: KindEmitEvent, EmitEvent: &EventPayload{
		Kind: kind, ConversationID: conv, NodeHash: nodeHash, Detail: detail,
	}}
}
