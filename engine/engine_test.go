// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package engine

import (
	"testing"

	"github.com/luxfi/ids"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/convoy/config"
	"github.com/luxfi/convoy/dagnode"
	"github.com/luxfi/convoy/effect"
	"github.com/luxfi/convoy/identity"
	"github.com/luxfi/convoy/ratchet"
	"github.com/luxfi/convoy/xcrypto"
)

// harness wires a fresh Engine with one open conversation, a genesis
// device authorized, and an epoch-0 key installed — the starting point
// most tests build on.
type harness struct {
	t       *testing.T
	eng     *Engine
	convID  ConversationID
	ownerPk xcrypto.Ed25519PublicKey
	ownerSk xcrypto.Ed25519PrivateKey
	kConv0  xcrypto.Hash256
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ownerPk, ownerSk, err := xcrypto.GenerateEd25519()
	require.NoError(t, err)

	eng := New(config.DefaultParams(), nil)
	convID := ids.GenerateTestID()
	st := eng.OpenConversation(convID)

	kConv0 := xcrypto.Hash(append([]byte("kconv0"), ownerPk...))
	st.InstallEpochKey(0, kConv0)
	st.Identity().Genesis(ownerPk, ownerPk, 0)

	return &harness{t: t, eng: eng, convID: convID, ownerPk: ownerPk, ownerSk: ownerSk, kConv0: kConv0}
}

func (h *harness) authorText(t *testing.T, msg string) (*dagnode.Node, []effect.Effect) {
	t.Helper()
	content := dagnode.Content{Kind: dagnode.ContentText, Text: &dagnode.TextContent{Ciphertext: []byte(msg)}}
	n, effects, err := h.eng.AuthorNode(h.convID, content, nil, h.ownerPk, h.ownerPk, h.ownerSk, 1000)
	require.NoError(t, err)
	return n, effects
}

func TestGenesisThenTextNodeVerifies(t *testing.T) {
	h := newHarness(t)
	n, effects := h.authorText(t, "hello")

	require.Equal(t, dagnode.StateVerified, n.State())
	require.NotEmpty(t, effects)

	st, ok := h.eng.Conversation(h.convID)
	require.True(t, ok)
	require.True(t, st.HasNode(n.Hash()))
	require.Equal(t, []dagnode.Hash{n.Hash()}, st.ContentHeads())
}

func TestChainOfTextNodesAdvancesRank(t *testing.T) {
	h := newHarness(t)
	first, _ := h.authorText(t, "one")
	second, _ := h.authorText(t, "two")

	require.Greater(t, second.TopologicalRank(), first.TopologicalRank())
	require.Contains(t, second.Parents(), first.Hash())
}

func TestHandleNodeReplayIsIgnored(t *testing.T) {
	h := newHarness(t)
	n, _ := h.authorText(t, "hello")

	st, _ := h.eng.Conversation(h.convID)
	before := len(st.ContentHeads())

	effects, err := h.eng.HandleNode(h.convID, n)
	require.NoError(t, err)
	require.Nil(t, effects)
	require.Len(t, st.ContentHeads(), before)
}

func TestHandleNodeWithUnknownParentBecomesSpeculative(t *testing.T) {
	h := newHarness(t)

	phantomParent := ids.GenerateTestID()
	content := dagnode.Content{Kind: dagnode.ContentText, Text: &dagnode.TextContent{Ciphertext: []byte("orphan")}}
	seq := dagnode.NewSequenceNumber(0, 1)
	auth := dagnode.Authentication{Kind: dagnode.AuthMAC, Tag: [32]byte{1}}
	n, err := dagnode.New(h.convID, []dagnode.Hash{phantomParent}, h.ownerPk, h.ownerPk, seq, 1, 1000, content, auth)
	require.NoError(t, err)

	effects, err := h.eng.HandleNode(h.convID, n)
	require.NoError(t, err)
	require.Len(t, effects, 1)
	require.Equal(t, effect.KindWriteWireNode, effects[0].Kind)
	require.Equal(t, dagnode.StateSpeculative, n.State())
}

func TestNodeWithAdmittedParentVerifiesOnArrival(t *testing.T) {
	h := newHarness(t)
	parent, _ := h.authorText(t, "parent")

	st, _ := h.eng.Conversation(h.convID)
	table, ok := st.RatchetTable(0)
	require.True(t, ok)

	content := dagnode.Content{Kind: dagnode.ContentText, Text: &dagnode.TextContent{Ciphertext: []byte("child")}}
	seq := dagnode.NewSequenceNumber(0, 2)
	rank := parent.TopologicalRank() + 1
	unsigned, err := dagnode.New(h.convID, []dagnode.Hash{parent.Hash()}, h.ownerPk, h.ownerPk, seq, rank, 1001, content, dagnode.Authentication{Kind: dagnode.AuthMAC})
	require.NoError(t, err)
	signingBytes, err := unsigned.SigningBytes()
	require.NoError(t, err)

	msgKey := table.TrialAuthenticate(h.ownerPk, 2)
	macKey := xcrypto.KDF("mac", msgKey[:])
	tag := xcrypto.MAC(macKey, signingBytes)

	final, err := dagnode.New(h.convID, []dagnode.Hash{parent.Hash()}, h.ownerPk, h.ownerPk, seq, rank, 1001, content, dagnode.Authentication{Kind: dagnode.AuthMAC, Tag: tag})
	require.NoError(t, err)

	effects, err := h.eng.HandleNode(h.convID, final)
	require.NoError(t, err)
	require.Equal(t, dagnode.StateVerified, final.State())
	require.NotEmpty(t, effects)
}

func TestUnauthorizedSenderRejected(t *testing.T) {
	h := newHarness(t)
	strangerPk, strangerSk, err := xcrypto.GenerateEd25519()
	require.NoError(t, err)

	content := dagnode.Content{Kind: dagnode.ContentControlAction, ControlAction: &dagnode.ControlActionContent{
		Kind:            dagnode.ActionInvite,
		TargetLogicalPk: strangerPk,
		Role:            "member",
	}}
	_, _, err = h.eng.AuthorNode(h.convID, content, nil, strangerPk, strangerPk, strangerSk, 1000)
	require.Error(t, err)
}

func TestAuthorizeDeviceGrantsTransitivePermission(t *testing.T) {
	h := newHarness(t)
	devicePk, deviceSk, err := xcrypto.GenerateEd25519()
	require.NoError(t, err)

	cert := identity.DelegationCertificate{
		LogicalIdentityPk: h.ownerPk,
		SubjectDevicePk:   devicePk,
		IssuerPk:          h.ownerPk,
		Permissions:       identity.PermPost,
		IssuedAtRank:      1,
	}
	content := dagnode.Content{Kind: dagnode.ContentControlAction, ControlAction: &dagnode.ControlActionContent{
		Kind:            dagnode.ActionAuthorizeDevice,
		TargetDevicePk:  devicePk,
		TargetLogicalPk: h.ownerPk,
		Permissions:     uint32(identity.PermPost),
		Certificate:     cert.Signature,
	}}
	_, effects, err := h.eng.AuthorNode(h.convID, content, nil, h.ownerPk, h.ownerPk, h.ownerSk, 1000)
	require.NoError(t, err)
	require.NotEmpty(t, effects)

	st, _ := h.eng.Conversation(h.convID)
	require.NoError(t, st.Identity().IsAuthorized(devicePk, h.ownerPk, 1000, 10))

	textContent := dagnode.Content{Kind: dagnode.ContentText, Text: &dagnode.TextContent{Ciphertext: []byte("from device")}}
	n, _, err := h.eng.AuthorNode(h.convID, textContent, nil, h.ownerPk, devicePk, deviceSk, 1001)
	require.NoError(t, err)
	require.Equal(t, dagnode.StateVerified, n.State())
}

func TestRevokedDeviceLosesAuthorization(t *testing.T) {
	h := newHarness(t)
	devicePk, _, err := xcrypto.GenerateEd25519()
	require.NoError(t, err)

	st, _ := h.eng.Conversation(h.convID)
	st.Identity().AuthorizeDevice(identity.DelegationCertificate{
		LogicalIdentityPk: h.ownerPk,
		SubjectDevicePk:   devicePk,
		IssuerPk:          h.ownerPk,
		Permissions:       identity.PermPost,
	}, 1)
	require.NoError(t, st.Identity().IsAuthorized(devicePk, h.ownerPk, 1000, 5))

	st.Identity().RevokeDevice(devicePk, 3)
	require.Error(t, st.Identity().IsAuthorized(devicePk, h.ownerPk, 1000, 5))
	require.NoError(t, st.Identity().IsAuthorized(devicePk, h.ownerPk, 1000, 2))
}

func TestAdminNodeRejectsContentParent(t *testing.T) {
	h := newHarness(t)
	contentNode, _ := h.authorText(t, "content head")

	adminContent := dagnode.Content{Kind: dagnode.ContentControlAction, ControlAction: &dagnode.ControlActionContent{
		Kind:            dagnode.ActionInvite,
		TargetLogicalPk: h.ownerPk,
		Role:            "member",
	}}
	seq := dagnode.NewSequenceNumber(0, 99)
	signingNode, err := dagnode.New(h.convID, []dagnode.Hash{contentNode.Hash()}, h.ownerPk, h.ownerPk, seq, contentNode.TopologicalRank()+1, 1002, adminContent, dagnode.Authentication{Kind: dagnode.AuthSignature})
	require.NoError(t, err)
	signingBytes, err := signingNode.SigningBytes()
	require.NoError(t, err)
	sig := xcrypto.Sign(h.ownerSk, signingBytes)
	final, err := dagnode.New(h.convID, []dagnode.Hash{contentNode.Hash()}, h.ownerPk, h.ownerPk, seq, contentNode.TopologicalRank()+1, 1002, adminContent, dagnode.Authentication{Kind: dagnode.AuthSignature, Signature: sig})
	require.NoError(t, err)

	_, err = h.eng.HandleNode(h.convID, final)
	require.Error(t, err)
	require.Equal(t, dagnode.StateRejected, final.State())
}

func TestReplayedSequenceCounterRejected(t *testing.T) {
	h := newHarness(t)
	first, _ := h.authorText(t, "first")

	st, _ := h.eng.Conversation(h.convID)
	table, ok := st.RatchetTable(0)
	require.True(t, ok)

	replaySeq := first.SequenceNumber()
	content := dagnode.Content{Kind: dagnode.ContentText, Text: &dagnode.TextContent{Ciphertext: []byte("different payload, same counter")}}
	rank := first.TopologicalRank() + 1
	unsigned, err := dagnode.New(h.convID, []dagnode.Hash{first.Hash()}, h.ownerPk, h.ownerPk, replaySeq, rank, 1001, content, dagnode.Authentication{Kind: dagnode.AuthMAC})
	require.NoError(t, err)
	signingBytes, err := unsigned.SigningBytes()
	require.NoError(t, err)

	msgKey := table.TrialAuthenticate(h.ownerPk, replaySeq.Counter())
	macKey := xcrypto.KDF("mac", msgKey[:])
	tag := xcrypto.MAC(macKey, signingBytes)

	replay, err := dagnode.New(h.convID, []dagnode.Hash{first.Hash()}, h.ownerPk, h.ownerPk, replaySeq, rank, 1001, content, dagnode.Authentication{Kind: dagnode.AuthMAC, Tag: tag})
	require.NoError(t, err)

	before := len(st.ContentHeads())
	_, err = h.eng.HandleNode(h.convID, replay)
	require.ErrorIs(t, err, ErrReplay)
	require.Equal(t, dagnode.StateRejected, replay.State())
	require.Len(t, st.ContentHeads(), before, "a replayed counter must never reach the store")
}

// adversaryFixture builds three independent engines (A, B, M) sharing
// one conversation's owner identity and epoch-0 key: A is the owner's
// own device, B is a second authorized device, M is a plain member
// later revoked. Each engine's identity/epoch-0 state is seeded
// directly (as TestRevokedDeviceLosesAuthorization does) rather than
// by replaying admin nodes across the network, since this scenario is
// about what each side's classify pipeline does once it holds that
// state, not about how admin nodes propagate (covered by the nodeloop
// convergence tests). The epoch-1 rotation itself, by contrast, is
// driven through the real KeyWrap node so the unwrap-and-install path
// is actually exercised.
type adversaryFixture struct {
	convID           ConversationID
	ownerPk          xcrypto.Ed25519PublicKey
	ownerSk          xcrypto.Ed25519PrivateKey
	bPk, mPk         xcrypto.Ed25519PublicKey
	bSk, mSk         xcrypto.Ed25519PrivateKey
	kConv0, kConv1   xcrypto.Hash256
	engA, engB, engM *Engine
	stA, stB, stM    *ConversationState
}

func newAdversaryFixture(t *testing.T) *adversaryFixture {
	t.Helper()
	ownerPk, ownerSk, err := xcrypto.GenerateEd25519()
	require.NoError(t, err)
	bPk, bSk, err := xcrypto.GenerateEd25519()
	require.NoError(t, err)
	mPk, mSk, err := xcrypto.GenerateEd25519()
	require.NoError(t, err)

	convID := ids.GenerateTestID()
	kConv0 := xcrypto.Hash(append([]byte("kconv0"), ownerPk...))
	kConv1 := xcrypto.Hash(append([]byte("kconv1"), ownerPk...))

	f := &adversaryFixture{
		convID: convID, ownerPk: ownerPk, ownerSk: ownerSk,
		bPk: bPk, mPk: mPk, bSk: bSk, mSk: mSk,
		kConv0: kConv0, kConv1: kConv1,
	}

	bootstrap := func(devicePk xcrypto.Ed25519PublicKey, deviceSk xcrypto.Ed25519PrivateKey) (*Engine, *ConversationState) {
		eng := New(config.DefaultParams(), nil)
		st := eng.OpenConversation(convID)
		st.InstallEpochKey(0, kConv0)
		st.Identity().Genesis(ownerPk, ownerPk, 0)
		st.Identity().AuthorizeDevice(identity.DelegationCertificate{
			LogicalIdentityPk: ownerPk, SubjectDevicePk: bPk, IssuerPk: ownerPk,
			Permissions: identity.PermPost | identity.PermRekey, IssuedAtRank: 1,
		}, 1)
		st.Identity().AuthorizeDevice(identity.DelegationCertificate{
			LogicalIdentityPk: ownerPk, SubjectDevicePk: mPk, IssuerPk: ownerPk,
			Permissions: identity.PermPost, IssuedAtRank: 1,
		}, 1)
		st.Identity().RevokeDevice(mPk, 0)
		st.SetDeviceIdentity(devicePk, deviceSk)
		return eng, st
	}

	f.engA, f.stA = bootstrap(ownerPk, ownerSk)
	f.engB, f.stB = bootstrap(bPk, bSk)
	f.engM, f.stM = bootstrap(mPk, mSk)
	return f
}

// authorKeyWrapEnvelope builds and admits at f.engA a real
// ContentKeyWrapEnvelope node rotating to kConv1, wrapped for the
// devices in recipients and excluding everyone else.
func (f *adversaryFixture) authorKeyWrapEnvelope(t *testing.T, recipients ...xcrypto.Ed25519PublicKey) *dagnode.Node {
	t.Helper()
	issuerPriv := xcrypto.Ed25519PrivateToX25519(f.ownerSk)

	wrapped := make([]dagnode.WrappedKey, 0, len(recipients))
	for _, recipientPk := range recipients {
		recipientX25519, err := xcrypto.Ed25519PublicToX25519(recipientPk)
		require.NoError(t, err)
		ciphertext, err := ratchet.WrapKey(issuerPriv, recipientX25519, f.kConv1)
		require.NoError(t, err)
		wrapped = append(wrapped, dagnode.WrappedKey{
			RecipientDevicePk: append([]byte(nil), recipientPk...),
			Ciphertext:        ciphertext,
		})
	}

	content := dagnode.Content{
		Kind:            dagnode.ContentKeyWrapEnvelope,
		KeyWrapEnvelope: &dagnode.KeyWrapEnvelopeContent{Epoch: 1, Wrapped: wrapped},
	}
	n, _, err := f.engA.AuthorNode(f.convID, content, nil, f.ownerPk, f.ownerPk, f.ownerSk, 1500)
	require.NoError(t, err)
	return n
}

func TestAdversarialRotationExclusion(t *testing.T) {
	f := newAdversaryFixture(t)
	require.Equal(t, uint32(0), f.stA.CurrentEpoch())
	require.Equal(t, uint32(0), f.stB.CurrentEpoch())
	require.Equal(t, uint32(0), f.stM.CurrentEpoch())

	// A (the owner's own device, with PermRekey implicit as genesis
	// device) wraps the new epoch-1 key for A and B only.
	wrapNode := f.authorKeyWrapEnvelope(t, f.ownerPk, f.bPk)
	require.Equal(t, dagnode.StateVerified, wrapNode.State())
	require.Equal(t, uint32(1), f.stA.CurrentEpoch(), "A unwraps its own entry during local admission")
	wrapWireBytes, err := wrapNode.Encode()
	require.NoError(t, err)

	// B decodes and admits the same envelope; unwrapping its own entry
	// installs epoch 1 as a side effect of HandleNode, not a test hook.
	wrapAtB, err := dagnode.Decode(f.convID, wrapWireBytes)
	require.NoError(t, err)
	_, err = f.engB.HandleNode(f.convID, wrapAtB)
	require.NoError(t, err)
	require.Equal(t, dagnode.StateVerified, wrapAtB.State())
	require.Equal(t, uint32(1), f.stB.CurrentEpoch())

	// M admits the identical envelope but holds no entry addressed to
	// mPk, so UnwrapKey is never even attempted for it; M stays at
	// epoch 0.
	wrapAtM, err := dagnode.Decode(f.convID, wrapWireBytes)
	require.NoError(t, err)
	_, err = f.engM.HandleNode(f.convID, wrapAtM)
	require.NoError(t, err)
	require.Equal(t, dagnode.StateVerified, wrapAtM.State(), "the envelope node itself is a validly-signed admin node M can admit")
	require.Equal(t, uint32(0), f.stM.CurrentEpoch(), "M never unwrapped the epoch-1 KeyWrap entry, so it stays behind")

	// A authors a text message under epoch 1.
	content := dagnode.Content{Kind: dagnode.ContentText, Text: &dagnode.TextContent{Ciphertext: []byte("epoch-1 message")}}
	n, _, err := f.engA.AuthorNode(f.convID, content, nil, f.ownerPk, f.ownerPk, f.ownerSk, 2000)
	require.NoError(t, err)
	require.Equal(t, uint32(1), n.SequenceNumber().Epoch())
	wireBytes, err := n.Encode()
	require.NoError(t, err)

	// B, holding the epoch-1 key, verifies it.
	nAtB, err := dagnode.Decode(f.convID, wireBytes)
	require.NoError(t, err)
	_, err = f.engB.HandleNode(f.convID, nAtB)
	require.NoError(t, err)
	require.Equal(t, dagnode.StateVerified, nAtB.State())

	// M, excluded from the rotation, can't authenticate it yet.
	nAtM, err := dagnode.Decode(f.convID, wireBytes)
	require.NoError(t, err)
	_, err = f.engM.HandleNode(f.convID, nAtM)
	require.NoError(t, err)
	require.Equal(t, dagnode.StateSpeculative, nAtM.State())

	// M, still on the epoch-0 key it was never stripped of locally,
	// authors a message; A rejects it because M was revoked.
	mContent := dagnode.Content{Kind: dagnode.ContentText, Text: &dagnode.TextContent{Ciphertext: []byte("m trying to speak")}}
	mNode, _, err := f.engM.AuthorNode(f.convID, mContent, nil, f.ownerPk, f.mPk, f.mSk, 2001)
	require.NoError(t, err)
	require.Equal(t, uint32(0), mNode.SequenceNumber().Epoch())
	mWire, err := mNode.Encode()
	require.NoError(t, err)

	mAtA, err := dagnode.Decode(f.convID, mWire)
	require.NoError(t, err)
	_, err = f.engA.HandleNode(f.convID, mAtA)
	require.ErrorIs(t, err, ErrPermissionDenied)
	require.Equal(t, dagnode.StateRejected, mAtA.State())
}

func TestUnknownConversationErrors(t *testing.T) {
	eng := New(config.DefaultParams(), nil)
	_, _, err := eng.AuthorNode(ids.GenerateTestID(), dagnode.Content{Kind: dagnode.ContentText, Text: &dagnode.TextContent{}}, nil, nil, nil, nil, 0)
	require.ErrorIs(t, err, ErrUnknownConversation)
}
