// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package nodeloop

import (
	"sort"
	"testing"
	"time"

	"github.com/luxfi/ids"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/convoy/config"
	"github.com/luxfi/convoy/dagnode"
	"github.com/luxfi/convoy/engine"
	"github.com/luxfi/convoy/swarm"
	"github.com/luxfi/convoy/syncsession"
	"github.com/luxfi/convoy/testsupport"
	"github.com/luxfi/convoy/transport"
	"github.com/luxfi/convoy/wire"
	"github.com/luxfi/convoy/xcrypto"
)

func TestPriorityOfFirstByte(t *testing.T) {
	require.Equal(t, config.PriorityHigh, priorityOfFirstByte([]byte{byte(config.MessageTypeSyncHeads)}))
	require.Equal(t, config.PriorityBulk, priorityOfFirstByte([]byte{byte(config.MessageTypeBlobData)}))
	require.Equal(t, config.PriorityStandard, priorityOfFirstByte(nil))
}

func TestEnvelopeRoundTrips(t *testing.T) {
	body := []byte("payload")
	wrapped := wrapEnvelope(config.MessageTypeSyncHeads, body)
	mt, decoded, err := unwrapEnvelope(wrapped)
	require.NoError(t, err)
	require.Equal(t, config.MessageTypeSyncHeads, mt)
	require.Equal(t, body, decoded)
}

func TestUnwrapEnvelopeRejectsEmpty(t *testing.T) {
	_, _, err := unwrapEnvelope(nil)
	require.ErrorIs(t, err, ErrEmptyEnvelope)
}

func TestReassemblerAdmitsSingleFragmentMessageAndAccountsQuota(t *testing.T) {
	// Fair-share floor disabled so Reserved() reflects only this
	// message's own Admit/Release accounting, not the one-time
	// guaranteed-floor reservation ReserveGuaranteed carves out and
	// never returns.
	params := config.DefaultParams()
	params.FairShareGuarantee = 0
	quota := transport.NewReassemblyQuota(params)
	r := newReassembler("peer-a", quota)

	payload := wrapEnvelope(config.MessageTypeSyncHeads, []byte("hello"))
	d := wire.Data{MessageID: 1, FragmentIndex: 0, TotalFragments: 1, Payload: payload}

	out, complete, err := r.Feed(time.Unix(0, 0), d)
	require.NoError(t, err)
	require.True(t, complete)
	require.Equal(t, payload, out)
	require.Equal(t, 0, quota.Reserved(), "quota must be released once the message completes")
}

func TestReassemblerReservesGuaranteedFloorOncePerPeer(t *testing.T) {
	params := config.DefaultParams()
	params.FairShareGuarantee = 1024
	quota := transport.NewReassemblyQuota(params)
	r := newReassembler("peer-a", quota)

	payload := wrapEnvelope(config.MessageTypeSyncHeads, []byte("hi"))
	_, complete, err := r.Feed(time.Unix(0, 0), wire.Data{MessageID: 1, FragmentIndex: 0, TotalFragments: 1, Payload: payload})
	require.NoError(t, err)
	require.True(t, complete)
	// The one-time guaranteed floor stays reserved even after the
	// message that triggered it completes and releases its own bytes.
	require.Equal(t, 1024, quota.Reserved())

	payload2 := wrapEnvelope(config.MessageTypeSyncHeads, []byte("again"))
	_, complete, err = r.Feed(time.Unix(0, 0), wire.Data{MessageID: 2, FragmentIndex: 0, TotalFragments: 1, Payload: payload2})
	require.NoError(t, err)
	require.True(t, complete)
	require.Equal(t, 1024, quota.Reserved(), "the floor is not reserved a second time for the same peer")
}

func TestReassemblerAccumulatesMultipleFragments(t *testing.T) {
	quota := transport.NewReassemblyQuota(config.DefaultParams())
	r := newReassembler("peer-a", quota)

	full := wrapEnvelope(config.MessageTypeMerkleNode, []byte("abcdefgh"))
	part1, part2 := full[:4], full[4:]

	out, complete, err := r.Feed(time.Unix(0, 0), wire.Data{MessageID: 7, FragmentIndex: 0, TotalFragments: 2, Payload: part1})
	require.NoError(t, err)
	require.False(t, complete)
	require.Nil(t, out)

	out, complete, err = r.Feed(time.Unix(0, 0), wire.Data{MessageID: 7, FragmentIndex: 1, TotalFragments: 2, Payload: part2})
	require.NoError(t, err)
	require.True(t, complete)
	require.Equal(t, full, out)
}

func TestReassemblerDropsQuotaExceedingFragment(t *testing.T) {
	params := config.DefaultParams()
	params.ReassemblyBudgetBytes = 4
	params.FairShareGuarantee = 0
	params.BulkQuotaFraction, params.StandardQuotaFraction, params.CriticalQuotaFraction = 1, 1, 1
	quota := transport.NewReassemblyQuota(params)
	r := newReassembler("peer-a", quota)

	payload := wrapEnvelope(config.MessageTypeSyncHeads, []byte("this payload is too large"))
	_, _, err := r.Feed(time.Unix(0, 0), wire.Data{MessageID: 1, FragmentIndex: 0, TotalFragments: 1, Payload: payload})
	require.Error(t, err)
}

// twoNodeFixture wires two Loops (A and B) over a shared identity and
// epoch key, as if they were two devices in the same conversation, so
// tests can drive the application-level sync protocol between them
// without depending on the pacer's real-time behavior.
type twoNodeFixture struct {
	convID  dagnode.ConversationID
	a, b    *Loop
	stA     *engine.ConversationState
	stB     *engine.ConversationState
	ownerPk xcrypto.Ed25519PublicKey
	ownerSk xcrypto.Ed25519PrivateKey
	peerA   transport.PeerAddr
	peerB   transport.PeerAddr
}

func newTwoNodeFixture(t *testing.T) *twoNodeFixture {
	t.Helper()
	params := config.DefaultParams()
	convID := ids.GenerateTestID()

	ownerPk, ownerSk, err := xcrypto.GenerateEd25519()
	require.NoError(t, err)
	kConv0 := xcrypto.Hash(append([]byte("kconv0"), ownerPk...))

	engA := engine.New(params, nil)
	engB := engine.New(params, nil)

	loopA := New(engA, nil, nil, params, nil)
	loopB := New(engB, nil, nil, params, nil)

	stA, err := loopA.OpenConversation(convID, testsupport.NewMemFileSystem(), "conv", ownerPk, ownerSk)
	require.NoError(t, err)
	stB, err := loopB.OpenConversation(convID, testsupport.NewMemFileSystem(), "conv", ownerPk, ownerSk)
	require.NoError(t, err)

	stA.InstallEpochKey(0, kConv0)
	stA.Identity().Genesis(ownerPk, ownerPk, 0)
	stB.InstallEpochKey(0, kConv0)
	stB.Identity().Genesis(ownerPk, ownerPk, 0)

	peerA := transport.PeerAddr("a")
	peerB := transport.PeerAddr("b")
	loopA.AddPeer(peerB, transport.NewReassemblyQuota(params))
	loopB.AddPeer(peerA, transport.NewReassemblyQuota(params))

	return &twoNodeFixture{
		convID: convID, a: loopA, b: loopB, stA: stA, stB: stB,
		ownerPk: ownerPk, ownerSk: ownerSk, peerA: peerA, peerB: peerB,
	}
}

func (f *twoNodeFixture) authorOn(t *testing.T, l *Loop, msg string) *dagnode.Node {
	t.Helper()
	content := dagnode.Content{Kind: dagnode.ContentText, Text: &dagnode.TextContent{Ciphertext: []byte(msg)}}
	n, effects, err := l.engine.AuthorNode(f.convID, content, nil, f.ownerPk, f.ownerPk, f.ownerSk, 1000)
	require.NoError(t, err)
	require.NoError(t, l.ApplyEffects(f.convID, effects))
	return n
}

// deliverMerkleNode hand-builds a MerkleNode message for n and routes
// it straight through dst's application dispatcher, standing in for
// what would otherwise arrive after a full fragment round-trip over
// the wire.
func deliverMerkleNode(t *testing.T, dst *Loop, peer transport.PeerAddr, conv dagnode.ConversationID, n *dagnode.Node) {
	t.Helper()
	wireBytes, err := n.Encode()
	require.NoError(t, err)
	msg := syncsession.MerkleNode{ConversationID: conv, NodeBytes: wireBytes}
	ps, ok := dst.peers[string(peer)]
	require.True(t, ok)
	require.NoError(t, dst.handleMerkleNode(ps, msg))
}

func sortedHashStrings(hashes []dagnode.Hash) []string {
	out := make([]string, len(hashes))
	for i, h := range hashes {
		out[i] = h.String()
	}
	sort.Strings(out)
	return out
}

// fetchAllMissing drains sess's fetch queue against src, delivering
// every resulting node to dst, until nothing is missing or in flight.
func fetchAllMissing(t *testing.T, sess *syncsession.Session, src, dst *Loop, dstPeer transport.PeerAddr, conv dagnode.ConversationID) {
	t.Helper()
	now := time.Unix(0, 0)
	for i := 0; i < 100 && (sess.MissingCount() > 0 || sess.InFlightCount() > 0); i++ {
		batch := sess.NextFetchBatch(64, now)
		if len(batch.Hashes) == 0 {
			break
		}
		for _, h := range batch.Hashes {
			n, ok := src.engine.Conversation(conv)
			require.True(t, ok)
			node, found := n.GetNode(h)
			if !found {
				sess.MarkFetched(h)
				continue
			}
			deliverMerkleNode(t, dst, dstPeer, conv, node)
		}
	}
}

func TestLoopConvergesViaHeadAdvertisementAndFetch(t *testing.T) {
	f := newTwoNodeFixture(t)

	var last *dagnode.Node
	for _, msg := range []string{"one", "two", "three"} {
		last = f.authorOn(t, f.a, msg)
	}
	require.NotNil(t, last)

	sessB, err := f.b.PeerSyncSession(f.peerA, f.convID)
	require.NoError(t, err)

	heads := f.stA.ContentHeads()
	added := sessB.HandleSyncHeads(syncsession.SyncHeads{ConversationID: f.convID, Heads: heads})
	require.NotEmpty(t, added)

	fetchAllMissing(t, sessB, f.a, f.b, f.peerA, f.convID)

	require.Equal(t, sortedHashStrings(f.stA.ContentHeads()), sortedHashStrings(f.stB.ContentHeads()))
	require.Equal(t, syncsession.StateIdle, sessB.State())
}

func TestLoopConvergesViaSketchReconciliation(t *testing.T) {
	f := newTwoNodeFixture(t)

	for _, msg := range []string{"alpha", "beta", "gamma", "delta"} {
		f.authorOn(t, f.a, msg)
	}

	sessA, err := f.a.PeerSyncSession(f.peerB, f.convID)
	require.NoError(t, err)
	sessB, err := f.b.PeerSyncSession(f.peerA, f.convID)
	require.NoError(t, err)

	sketch := sessA.BuildSketch(0, uint64(config.DefaultParams().ShardSize))
	psB, ok := f.b.peers[string(f.peerA)]
	require.True(t, ok)
	require.NoError(t, f.b.handleSyncSketch(psB, sketch))

	fetchAllMissing(t, sessB, f.a, f.b, f.peerA, f.convID)

	require.Equal(t, sortedHashStrings(f.stA.ContentHeads()), sortedHashStrings(f.stB.ContentHeads()))
}

func TestLoopNextWakeupComposesAcrossPeersAndBlobs(t *testing.T) {
	f := newTwoNodeFixture(t)
	now := time.Unix(1000, 0)

	// With nothing outstanding, the only source of a deadline is each
	// peer's sync session reconciliation retry.
	sessB, err := f.b.PeerSyncSession(f.peerA, f.convID)
	require.NoError(t, err)
	sessB.MarkReconciled(now)

	info := swarm.BlobInfo{Hash: [32]byte{0x01}, Size: 32, ChunkSize: 16, ChunkCount: 2}
	tr := f.b.BlobTracker(info)
	tr.AddSeeder(f.peerA)

	wake, ok := f.b.NextWakeup(now)
	require.True(t, ok)
	// The blob tracker has an idle seeder and a missing chunk, so it
	// fires immediately rather than waiting for the sync session's
	// reconciliation interval.
	require.Equal(t, now, wake)
}

func TestLoopHandleInboundRejectsUnknownPeer(t *testing.T) {
	f := newTwoNodeFixture(t)
	err := f.a.HandleInbound(time.Unix(0, 0), transport.InboundDatagram{From: transport.PeerAddr("stranger"), Data: []byte{0x00}})
	require.ErrorIs(t, err, ErrUnknownPeer)
}
