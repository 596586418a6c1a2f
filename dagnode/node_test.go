// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package dagnode

import (
	"testing"

	"github.com/luxfi/ids"
	"github.com/stretchr/testify/require"
)

func textNode(t *testing.T, parents []Hash, seq SequenceNumber, rank uint64) *Node {
	t.Helper()
	content := Content{Kind: ContentText, Text: &TextContent{Ciphertext: []byte("hello"), Nonce: []byte("nonce")}}
	auth := Authentication{Kind: AuthMAC, Tag: [32]byte{1, 2, 3}}
	n, err := New(ids.GenerateTestID(), parents, []byte("author"), []byte("sender"), seq, rank, 1000, content, auth)
	require.NoError(t, err)
	return n
}

func TestSequenceNumberPacking(t *testing.T) {
	seq := NewSequenceNumber(7, 42)
	require.Equal(t, uint32(7), seq.Epoch())
	require.Equal(t, uint32(42), seq.Counter())
}

func TestHashDeterminism(t *testing.T) {
	conv := ids.GenerateTestID()
	content := Content{Kind: ContentText, Text: &TextContent{Ciphertext: []byte("x")}}
	auth := Authentication{Kind: AuthMAC, Tag: [32]byte{9}}

	n1, err := New(conv, nil, []byte("a"), []byte("s"), NewSequenceNumber(0, 1), 0, 5, content, auth)
	require.NoError(t, err)
	n2, err := New(conv, nil, []byte("a"), []byte("s"), NewSequenceNumber(0, 1), 0, 5, content, auth)
	require.NoError(t, err)

	require.Equal(t, n1.Hash(), n2.Hash())
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	n := textNode(t, nil, NewSequenceNumber(0, 1), 0)

	data, err := n.Encode()
	require.NoError(t, err)

	decoded, err := Decode(n.ConversationID(), data)
	require.NoError(t, err)

	require.Equal(t, n.Hash(), decoded.Hash())
	require.Equal(t, n.AuthorPk(), decoded.AuthorPk())
	require.Equal(t, n.Content(), decoded.Content())
}

func TestVerifyHashConsistency(t *testing.T) {
	n := textNode(t, nil, NewSequenceNumber(0, 1), 0)
	require.NoError(t, n.VerifyHashConsistency())
}

func TestValidateStructureTooManyParents(t *testing.T) {
	parents := make([]Hash, 17)
	for i := range parents {
		parents[i] = ids.GenerateTestID()
	}
	n := textNode(t, parents, NewSequenceNumber(0, 1), 1)
	require.ErrorIs(t, n.ValidateStructure(), ErrTooManyParents)
}

func TestValidateStructureDuplicateParent(t *testing.T) {
	p := ids.GenerateTestID()
	n := textNode(t, []Hash{p, p}, NewSequenceNumber(0, 1), 1)
	require.ErrorIs(t, n.ValidateStructure(), ErrDuplicateParent)
}

func TestValidateStructureAuthKindMismatch(t *testing.T) {
	content := Content{Kind: ContentText, Text: &TextContent{Ciphertext: []byte("x")}}
	auth := Authentication{Kind: AuthSignature, Signature: []byte("sig")}
	n, err := New(ids.GenerateTestID(), nil, []byte("a"), []byte("s"), NewSequenceNumber(0, 1), 0, 1, content, auth)
	require.NoError(t, err)
	require.ErrorIs(t, n.ValidateStructure(), ErrAuthKindMismatch)
}

func TestValidateStructureAdminRequiresSignature(t *testing.T) {
	content := Content{Kind: ContentControlAction, ControlAction: &ControlActionContent{Kind: ActionGenesis}}
	auth := Authentication{Kind: AuthMAC, Tag: [32]byte{1}}
	n, err := New(ids.GenerateTestID(), nil, []byte("a"), []byte("s"), NewSequenceNumber(0, 1), 0, 1, content, auth)
	require.NoError(t, err)
	require.ErrorIs(t, n.ValidateStructure(), ErrAuthKindMismatch)
}

func TestContentIsAdmin(t *testing.T) {
	require.True(t, ContentControlAction.IsAdmin())
	require.True(t, ContentKeyWrapEnvelope.IsAdmin())
	require.True(t, ContentRatchetSnapshot.IsAdmin())
	require.False(t, ContentText.IsAdmin())
	require.False(t, ContentBlobRef.IsAdmin())
}

func TestStateStringAndValid(t *testing.T) {
	require.True(t, StateVerified.Valid())
	require.False(t, State(99).Valid())
	require.Equal(t, "Verified", StateVerified.String())
	require.True(t, StateVerified.Admitted())
	require.False(t, StateSpeculative.Admitted())
}
