// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package dagnode defines the Node entity — the single vertex type of
// a conversation's Merkle DAG — its canonical wire encoding, and the
// structural checks that apply before any authorization or key
// material comes into play.
package dagnode

import (
	"errors"
	"fmt"
	"sync"

	"github.com/luxfi/convoy/config"
	"github.com/luxfi/convoy/wire"
	"github.com/luxfi/ids"
)

// ConversationID identifies a conversation: the hash of its genesis
// node.
type ConversationID = ids.ID

// Hash identifies a node: BLAKE3 of its canonical encoding.
type Hash = ids.ID

var (
	ErrTooManyParents    = errors.New("dagnode: too many parents")
	ErrDuplicateParent   = errors.New("dagnode: duplicate parent")
	ErrMetadataTooLarge  = errors.New("dagnode: metadata exceeds max size")
	ErrInvalidContent    = errors.New("dagnode: invalid or unset content kind")
	ErrAuthKindMismatch  = errors.New("dagnode: authentication kind does not match content track")
	ErrHashMismatch      = errors.New("dagnode: declared hash does not match canonical encoding")
	ErrNoAuthentication  = errors.New("dagnode: node carries neither MAC nor signature")
)

// SequenceNumber packs a 32-bit epoch and a 32-bit per-device counter
// within that epoch: high 32 bits are the epoch, low 32 bits the
// counter. The counter resets to 1 at the start of each new epoch.
type SequenceNumber uint64

// NewSequenceNumber packs epoch and counter into one SequenceNumber.
func NewSequenceNumber(epoch, counter uint32) SequenceNumber {
	return SequenceNumber(uint64(epoch)<<32 | uint64(counter))
}

// Epoch extracts the high 32 bits.
func (s SequenceNumber) Epoch() uint32 {
	return uint32(s >> 32)
}

// Counter extracts the low 32 bits.
func (s SequenceNumber) Counter() uint32 {
	return uint32(s)
}

func (s SequenceNumber) String() string {
	return fmt.Sprintf("%d.%d", s.Epoch(), s.Counter())
}

// Authentication carries the node's MAC (content nodes) or Ed25519
// signature (admin nodes). Exactly one of Tag/Signature is populated,
// matching Kind.
type Authentication struct {
	Kind      AuthKind
	Tag       [32]byte // MAC, content nodes
	Signature []byte   // Ed25519 signature, admin nodes
}

// wireNode is the canonical, hash-stable encoding of a Node: field
// order is fixed and every field participates, so two encoders never
// disagree about a node's hash.
type wireNode struct {
	_               struct{} `cbor:",toarray"`
	Parents         []Hash
	AuthorPk        []byte
	SenderPk        []byte
	SequenceNumber  uint64
	TopologicalRank uint64
	NetworkTime     int64
	Content         Content
	Auth            Authentication
}

// Node is one vertex of a conversation's DAG. Mutable fields (state,
// cached hash) are guarded by mu; the node's content fields are set
// once at construction and never mutated afterward.
type Node struct {
	mu sync.RWMutex

	conversationID ConversationID
	hash           Hash

	parents         []Hash
	authorPk        []byte
	senderPk        []byte
	sequenceNumber  SequenceNumber
	topologicalRank uint64
	networkTime     int64
	content         Content
	auth            Authentication

	state State
}

// New constructs a Node and computes its hash from the canonical
// encoding. It does not validate the node; callers run Validate (or
// the engine's fuller admission pipeline) before trusting it.
func New(conv ConversationID, parents []Hash, authorPk, senderPk []byte, seq SequenceNumber, rank uint64, networkTime int64, content Content, auth Authentication) (*Node, error) {
	n := &Node{
		conversationID:  conv,
		parents:         append([]Hash(nil), parents...),
		authorPk:        append([]byte(nil), authorPk...),
		senderPk:        append([]byte(nil), senderPk...),
		sequenceNumber:  seq,
		topologicalRank: rank,
		networkTime:     networkTime,
		content:         content,
		auth:            auth,
		state:           StateUnknown,
	}
	h, err := n.computeHash()
	if err != nil {
		return nil, err
	}
	n.hash = h
	return n, nil
}

// computeHash encodes the node canonically and hashes the result.
func (n *Node) computeHash() (Hash, error) {
	w := wireNode{
		Parents:         n.parents,
		AuthorPk:        n.authorPk,
		SenderPk:        n.senderPk,
		SequenceNumber:  uint64(n.sequenceNumber),
		TopologicalRank: n.topologicalRank,
		NetworkTime:     n.networkTime,
		Content:         n.content,
		Auth:            n.auth,
	}
	encoded, err := wire.Default().Marshal(wire.CurrentVersion, w)
	if err != nil {
		return Hash{}, fmt.Errorf("dagnode: encode canonical form: %w", err)
	}
	sum := blake3Sum(encoded)
	return ids.ID(sum), nil
}

// Encode returns the canonical wire encoding used both for hashing
// and for transmission.
func (n *Node) Encode() ([]byte, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	w := wireNode{
		Parents:         n.parents,
		AuthorPk:        n.authorPk,
		SenderPk:        n.senderPk,
		SequenceNumber:  uint64(n.sequenceNumber),
		TopologicalRank: n.topologicalRank,
		NetworkTime:     n.networkTime,
		Content:         n.content,
		Auth:            n.auth,
	}
	return wire.Default().Marshal(wire.CurrentVersion, w)
}

// signingForm is the canonical encoding a node's MAC or signature
// covers: identical to wireNode but without the Auth field itself, so
// authentication can never sign over its own tag.
type signingForm struct {
	_               struct{} `cbor:",toarray"`
	Parents         []Hash
	AuthorPk        []byte
	SenderPk        []byte
	SequenceNumber  uint64
	TopologicalRank uint64
	NetworkTime     int64
	Content         Content
}

// SigningBytes returns the canonical encoding this node's
// authentication (MAC or signature) is computed and verified over.
func (n *Node) SigningBytes() ([]byte, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	s := signingForm{
		Parents:         n.parents,
		AuthorPk:        n.authorPk,
		SenderPk:        n.senderPk,
		SequenceNumber:  uint64(n.sequenceNumber),
		TopologicalRank: n.topologicalRank,
		NetworkTime:     n.networkTime,
		Content:         n.content,
	}
	encoded, err := wire.Default().Marshal(wire.CurrentVersion, s)
	if err != nil {
		return nil, fmt.Errorf("dagnode: encode signing form: %w", err)
	}
	return encoded, nil
}

// Decode parses a wire-encoded node for conversation conv. The caller
// supplies conv because the conversation ID is a property of the
// channel the bytes arrived on, not of the encoding itself.
func Decode(conv ConversationID, data []byte) (*Node, error) {
	var w wireNode
	if _, err := wire.Default().Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("dagnode: decode: %w", err)
	}
	n := &Node{
		conversationID:  conv,
		parents:         w.Parents,
		authorPk:        w.AuthorPk,
		senderPk:        w.SenderPk,
		sequenceNumber:  SequenceNumber(w.SequenceNumber),
		topologicalRank: w.TopologicalRank,
		networkTime:     w.NetworkTime,
		content:         w.Content,
		auth:            w.Auth,
		state:           StateUnknown,
	}
	h, err := n.computeHash()
	if err != nil {
		return nil, err
	}
	n.hash = h
	return n, nil
}

// ValidateStructure runs the bounds and shape checks that apply before
// any predecessor lookup, rank comparison, or authentication — the
// first stage of the engine's fail-fast validation order.
func (n *Node) ValidateStructure() error {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if len(n.parents) > config.MaxParents {
		return ErrTooManyParents
	}
	seen := make(map[Hash]struct{}, len(n.parents))
	for _, p := range n.parents {
		if _, dup := seen[p]; dup {
			return ErrDuplicateParent
		}
		seen[p] = struct{}{}
	}
	if !n.content.Kind.Valid() {
		return ErrInvalidContent
	}
	if n.auth.Kind != ExpectedAuthKind(n.content.Kind) {
		return ErrAuthKindMismatch
	}
	switch n.auth.Kind {
	case AuthMAC:
		if n.auth.Tag == ([32]byte{}) {
			return ErrNoAuthentication
		}
	case AuthSignature:
		if len(n.auth.Signature) == 0 {
			return ErrNoAuthentication
		}
	}
	if metadataSize(n.content) > config.MaxMetadataSize {
		return ErrMetadataTooLarge
	}
	return nil
}

// VerifyHashConsistency recomputes the canonical hash and compares it
// against the node's declared identity — invariant 1 from the data
// model (hash self-consistency).
func (n *Node) VerifyHashConsistency() error {
	want, err := n.computeHash()
	if err != nil {
		return err
	}
	n.mu.RLock()
	got := n.hash
	n.mu.RUnlock()
	if want != got {
		return ErrHashMismatch
	}
	return nil
}

func metadataSize(c Content) int {
	switch c.Kind {
	case ContentText:
		if c.Text == nil {
			return 0
		}
		return len(c.Text.Ciphertext) + len(c.Text.Nonce)
	case ContentControlAction:
		if c.ControlAction == nil {
			return 0
		}
		size := len(c.ControlAction.TargetDevicePk) + len(c.ControlAction.TargetLogicalPk) + len(c.ControlAction.Role) + len(c.ControlAction.Certificate)
		for _, pk := range c.ControlAction.PreKeys {
			size += len(pk)
		}
		return size
	case ContentKeyWrapEnvelope:
		if c.KeyWrapEnvelope == nil {
			return 0
		}
		size := 0
		for _, w := range c.KeyWrapEnvelope.Wrapped {
			size += len(w.RecipientDevicePk) + len(w.Ciphertext)
		}
		return size
	default:
		return 0
	}
}

// --- accessors ---

func (n *Node) Hash() Hash {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.hash
}

func (n *Node) ConversationID() ConversationID {
	return n.conversationID
}

func (n *Node) Parents() []Hash {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]Hash, len(n.parents))
	copy(out, n.parents)
	return out
}

func (n *Node) AuthorPk() []byte {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return append([]byte(nil), n.authorPk...)
}

func (n *Node) SenderPk() []byte {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return append([]byte(nil), n.senderPk...)
}

func (n *Node) SequenceNumber() SequenceNumber {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.sequenceNumber
}

func (n *Node) TopologicalRank() uint64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.topologicalRank
}

func (n *Node) NetworkTime() int64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.networkTime
}

func (n *Node) Content() Content {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.content
}

func (n *Node) Auth() Authentication {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.auth
}

func (n *Node) State() State {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state
}

func (n *Node) SetState(s State) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.state = s
}

func (n *Node) IsAdmin() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.content.IsAdmin()
}
