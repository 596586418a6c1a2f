// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package dagnode

// ContentKind discriminates the node content union. A node's Content
// field always carries exactly one of these; Go has no sum types, so
// Content stores the tag plus the one populated payload.
type ContentKind uint8

const (
	ContentUnknown ContentKind = iota
	ContentText
	ContentBlobRef
	ContentControlAction
	ContentKeyWrapEnvelope
	ContentRatchetSnapshot
)

func (k ContentKind) String() string {
	switch k {
	case ContentText:
		return "Text"
	case ContentBlobRef:
		return "BlobRef"
	case ContentControlAction:
		return "ControlAction"
	case ContentKeyWrapEnvelope:
		return "KeyWrapEnvelope"
	case ContentRatchetSnapshot:
		return "RatchetSnapshot"
	default:
		return "Unknown"
	}
}

// Valid reports whether k is one of the defined content kinds.
func (k ContentKind) Valid() bool {
	switch k {
	case ContentText, ContentBlobRef, ContentControlAction, ContentKeyWrapEnvelope, ContentRatchetSnapshot:
		return true
	default:
		return false
	}
}

// IsAdmin reports whether a node carrying this content belongs to the
// admin track (governs membership and keys, signed rather than MAC'd)
// as opposed to the content track.
func (k ContentKind) IsAdmin() bool {
	switch k {
	case ContentControlAction, ContentKeyWrapEnvelope, ContentRatchetSnapshot:
		return true
	default:
		return false
	}
}

// ControlActionKind enumerates the admin-track side-effects a
// ControlAction content payload may request.
type ControlActionKind uint8

const (
	ActionGenesis ControlActionKind = iota
	ActionAuthorizeDevice
	ActionRevokeDevice
	ActionInvite
	ActionLeave
	ActionRekey
	ActionAnnouncement
)

func (a ControlActionKind) String() string {
	switch a {
	case ActionGenesis:
		return "Genesis"
	case ActionAuthorizeDevice:
		return "AuthorizeDevice"
	case ActionRevokeDevice:
		return "RevokeDevice"
	case ActionInvite:
		return "Invite"
	case ActionLeave:
		return "Leave"
	case ActionRekey:
		return "Rekey"
	case ActionAnnouncement:
		return "Announcement"
	default:
		return "Invalid"
	}
}

// TextContent is plain conversation text, encrypted before it ever
// reaches this layer — the DAG itself never inspects plaintext.
type TextContent struct {
	Ciphertext []byte
	Nonce      []byte
}

// BlobRefContent points at a content-addressed blob held by the swarm
// rather than inline in the node.
type BlobRefContent struct {
	BlobHash [32]byte
	Size     uint64
	BaoRoot  [32]byte
}

// ControlActionContent carries one admin-track action. Exactly the
// fields relevant to Kind are populated; the rest are zero.
type ControlActionContent struct {
	Kind ControlActionKind

	// AuthorizeDevice / RevokeDevice / Invite / Leave
	TargetDevicePk  []byte
	TargetLogicalPk []byte
	Permissions     uint32
	Expiry          int64
	Role            string
	Certificate     []byte

	// Rekey
	NewEpoch uint32

	// Announcement
	PreKeys [][]byte
}

// KeyWrapEnvelopeContent carries the per-recipient wrapped KConv for
// an epoch rotation.
type KeyWrapEnvelopeContent struct {
	Epoch   uint32
	Wrapped []WrappedKey
}

// WrappedKey is one recipient's entry in a KeyWrap envelope.
type WrappedKey struct {
	RecipientDevicePk []byte
	Ciphertext        []byte // ChaCha20(KDF("key-wrap", DH(...)), nonce=0; KConv')
}

// RatchetSnapshotContent lets a sender re-seed their own ratchet state
// at an epoch after local state loss.
type RatchetSnapshotContent struct {
	Epoch    uint32
	ChainKey [32]byte
}

// Content is the tagged union stored on a node. Exactly one of the
// payload fields matching Kind is non-nil.
type Content struct {
	Kind            ContentKind
	Text            *TextContent
	BlobRef         *BlobRefContent
	ControlAction   *ControlActionContent
	KeyWrapEnvelope *KeyWrapEnvelopeContent
	RatchetSnapshot *RatchetSnapshotContent
}

// IsAdmin reports whether this content belongs to the admin track.
func (c Content) IsAdmin() bool {
	return c.Kind.IsAdmin()
}
