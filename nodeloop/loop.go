// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package nodeloop implements the cooperative, single-threaded event
// loop that ties the engine, durable store, reliable transport, sync
// sessions, and blob swarm together: inbound overlay datagrams,
// expiring timers, and outbound authoring requests are all processed
// on one goroutine per node, with next_wakeup composed across every
// subsystem that can ask for attention.
package nodeloop

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/luxfi/log"

	"github.com/luxfi/convoy/config"
	"github.com/luxfi/convoy/dagnode"
	"github.com/luxfi/convoy/effect"
	"github.com/luxfi/convoy/engine"
	"github.com/luxfi/convoy/store"
	"github.com/luxfi/convoy/swarm"
	"github.com/luxfi/convoy/syncsession"
	"github.com/luxfi/convoy/transport"
	"github.com/luxfi/convoy/wire"
	"github.com/luxfi/convoy/xcrypto"
)

// ErrUnknownPeer is returned by operations addressed at a peer the
// loop has no session for.
var ErrUnknownPeer = errors.New("nodeloop: unknown peer")

// peerState is everything the loop tracks for one remote peer: its
// reliable-transport session, fragment reassembler, and one
// syncsession per conversation it's being reconciled against.
type peerState struct {
	addr        transport.PeerAddr
	session     *transport.Session
	reassembler *reassembler
	syncs       map[dagnode.ConversationID]*syncsession.Session
	lastRTT     time.Duration
}

// Loop is one node's event loop: it owns the engine, one durable store
// per open conversation, the overlay transport, per-peer reliable
// sessions and reassemblers, per-(peer, conversation) sync sessions,
// and per-blob swarm trackers.
type Loop struct {
	engine  *engine.Engine
	overlay transport.Overlay
	clock   transport.TimeProvider
	params  config.Parameters
	log     log.Logger

	stores map[dagnode.ConversationID]*store.ConversationStore
	peers  map[string]*peerState
	blobs  map[[32]byte]*swarm.Tracker
	served map[[32]byte]servedBlob

	fragmentSize int
}

// servedBlob is a blob this node holds in full and seeds to peers:
// its chunk bytes plus the Merkle levels BuildSliceProof needs.
type servedBlob struct {
	root   [32]byte
	chunks [][]byte
	levels [][][32]byte
}

// ServeBlob registers a locally-held blob for seeding: BlobQuery gets
// answered with BlobAvail, and BlobReq with the requested chunk plus
// its slice proof.
func (l *Loop) ServeBlob(hash [32]byte, chunks [][]byte) {
	root, levels := swarm.BuildMerkleTree(chunks)
	l.served[hash] = servedBlob{root: root, chunks: chunks, levels: levels}
}

// New builds a Loop around an already-constructed engine and overlay.
// Per-conversation stores are registered separately via OpenConversation.
func New(eng *engine.Engine, overlay transport.Overlay, clock transport.TimeProvider, params config.Parameters, logger log.Logger) *Loop {
	if logger == nil {
		logger = log.NewNoOpLogger()
	}
	if clock == nil {
		clock = transport.SystemClock{}
	}
	return &Loop{
		engine:       eng,
		overlay:      overlay,
		clock:        clock,
		params:       params,
		log:          logger,
		stores:       make(map[dagnode.ConversationID]*store.ConversationStore),
		peers:        make(map[string]*peerState),
		blobs:        make(map[[32]byte]*swarm.Tracker),
		served:       make(map[[32]byte]servedBlob),
		fragmentSize: transport.DefaultFragmentSize,
	}
}

// OpenConversation opens the conversation both in the engine and in
// the durable store rooted at dir, and returns the engine-side state
// a caller may want to inspect directly. devicePub/deviceSk identify
// this node's own device keypair; they're recorded on the returned
// state via SetDeviceIdentity before any node is replayed, so a
// ContentKeyWrapEnvelope recovered from a prior run — or received
// later over the wire — is trial-decrypted and its epoch key
// installed automatically rather than silently skipped.
func (l *Loop) OpenConversation(id dagnode.ConversationID, fs store.FileSystem, dir string, devicePub xcrypto.Ed25519PublicKey, deviceSk xcrypto.Ed25519PrivateKey) (*engine.ConversationState, error) {
	st := l.engine.OpenConversation(id)
	st.SetDeviceIdentity(devicePub, deviceSk)
	cs, err := store.OpenConversationStore(fs, dir)
	if err != nil {
		return nil, fmt.Errorf("nodeloop: open conversation store: %w", err)
	}
	l.stores[id] = cs

	nodes, _, err := cs.Recover(id)
	if err != nil {
		return nil, fmt.Errorf("nodeloop: recover conversation: %w", err)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].TopologicalRank() < nodes[j].TopologicalRank() })
	for _, n := range nodes {
		if _, err := l.engine.HandleNode(id, n); err != nil {
			l.log.Warn("recovered node failed to re-admit", log.String("conversation", id.String()), log.String("err", err.Error()))
		}
	}
	return st, nil
}

// AddPeer registers a peer the loop will maintain a reliable session
// and reassembler for, sharing quota across every peer.
func (l *Loop) AddPeer(addr transport.PeerAddr, quota *transport.ReassemblyQuota) {
	key := string(addr)
	if _, ok := l.peers[key]; ok {
		return
	}
	l.peers[key] = &peerState{
		addr:        addr,
		session:     transport.NewSession(addr, transport.NewAIMD(), l.params.BaseRTO),
		reassembler: newReassembler(key, quota),
		syncs:       make(map[dagnode.ConversationID]*syncsession.Session),
	}
}

// PeerSyncSession returns (creating if absent) the sync session this
// node maintains with peer for conv, seeded against the conversation's
// engine-side ledger.
func (l *Loop) PeerSyncSession(peer transport.PeerAddr, conv dagnode.ConversationID) (*syncsession.Session, error) {
	ps, ok := l.peers[string(peer)]
	if !ok {
		return nil, ErrUnknownPeer
	}
	if sess, ok := ps.syncs[conv]; ok {
		return sess, nil
	}
	st, ok := l.engine.Conversation(conv)
	if !ok {
		return nil, engine.ErrUnknownConversation
	}
	sess := syncsession.NewSession(conv, st, l.params)
	ps.syncs[conv] = sess
	return sess, nil
}

// BlobTracker returns (creating if absent) the swarm tracker for a
// blob download.
func (l *Loop) BlobTracker(info swarm.BlobInfo) *swarm.Tracker {
	if tr, ok := l.blobs[info.Hash]; ok {
		return tr
	}
	tr := swarm.NewTracker(info, l.params)
	l.blobs[info.Hash] = tr
	return tr
}

// sendApplicationMessage wraps payload in its MessageType envelope and
// queues it on peer's reliable session at the priority PriorityOf(mt)
// assigns.
func (l *Loop) sendApplicationMessage(peer transport.PeerAddr, mt config.MessageType, payload []byte) error {
	ps, ok := l.peers[string(peer)]
	if !ok {
		return ErrUnknownPeer
	}
	envelope := wrapEnvelope(mt, payload)
	_, err := ps.session.SendMessage(config.PriorityOf(mt), envelope, l.fragmentSize)
	return err
}

// ApplyEffects durably applies every effect the engine returned for
// conv, and routes the two effects the store doesn't handle itself
// (UpdateHeads, EmitEvent) to logging — a richer node would fan
// EmitEvent out to a UI layer here.
func (l *Loop) ApplyEffects(conv dagnode.ConversationID, effects []effect.Effect) error {
	cs, ok := l.stores[conv]
	if !ok {
		return fmt.Errorf("nodeloop: no store open for conversation %s", conv)
	}
	for _, e := range effects {
		switch e.Kind {
		case effect.KindUpdateHeads:
			// Head bookkeeping lives in engine.ConversationState;
			// nothing further to apply durably.
		case effect.KindEmitEvent:
			l.log.Debug("conversation event",
				log.String("conversation", conv.String()),
				log.String("kind", e.EmitEvent.Kind.String()),
				log.String("detail", e.EmitEvent.Detail))
		default:
			if err := cs.ApplyEffect(e); err != nil {
				return err
			}
		}
	}
	return nil
}

// HandleInbound decodes one inbound datagram and routes it: Data
// fragments into the sender's reassembler (dispatching completed
// messages), Ack/Nack/Ping/Pong into its reliable session, and
// Datagram into the gossip/keepalive handler.
func (l *Loop) HandleInbound(now time.Time, dgram transport.InboundDatagram) error {
	ps, ok := l.peers[string(dgram.From)]
	if !ok {
		return ErrUnknownPeer
	}

	pkt, err := wire.DecodePacket(dgram.Data)
	if err != nil {
		return fmt.Errorf("nodeloop: decode packet from %x: %w", dgram.From, err)
	}

	switch pkt.Kind {
	case wire.PacketKindData:
		payload, complete, err := ps.reassembler.Feed(now, *pkt.Data)
		if err != nil {
			return fmt.Errorf("nodeloop: reassemble from %x: %w", dgram.From, err)
		}
		if !complete {
			return nil
		}
		return l.dispatchApplicationMessage(now, ps, payload)

	case wire.PacketKindAck:
		rtt := ps.lastRTT
		if rtt == 0 {
			rtt = l.params.BaseRTO
		}
		return ps.session.HandleSelectiveAck(*pkt.Ack, now, rtt)

	case wire.PacketKindNack:
		return ps.session.HandleNack(*pkt.Nack, now)

	case wire.PacketKindPing:
		pong := wire.Pong{T1: pkt.Ping.T1, T2: now.UnixNano(), T3: now.UnixNano()}
		out, err := wire.NewPongPacket(pong).Encode()
		if err != nil {
			return err
		}
		return l.overlay.Send(dgram.From, out)

	case wire.PacketKindPong:
		if rtt, _, ok := ps.session.HandlePong(*pkt.Pong, now); ok {
			ps.lastRTT = rtt
		}
		return nil

	case wire.PacketKindDatagram:
		return l.dispatchDatagram(now, ps, pkt.Datagram.MessageType, pkt.Datagram.Payload)

	default:
		return fmt.Errorf("nodeloop: unknown packet kind %s from %x", pkt.Kind, dgram.From)
	}
}

// dispatchDatagram handles unreliable-channel traffic: capability
// announcements and acks. Everything else arrives on the reliable
// channel per the envelope convention.
func (l *Loop) dispatchDatagram(now time.Time, ps *peerState, mt config.MessageType, payload []byte) error {
	switch mt {
	case config.MessageTypeCapsAnnounce, config.MessageTypeCapsAck:
		l.log.Debug("capability datagram", log.String("peer", string(ps.addr)), log.String("type", fmt.Sprint(mt)))
		return nil
	default:
		return fmt.Errorf("nodeloop: unexpected datagram message type 0x%02x", byte(mt))
	}
}

// dispatchApplicationMessage decodes a fully-reassembled reliable
// message by its envelope tag and routes it to the subsystem that
// owns it.
func (l *Loop) dispatchApplicationMessage(now time.Time, ps *peerState, envelope []byte) error {
	mt, body, err := unwrapEnvelope(envelope)
	if err != nil {
		return err
	}

	switch mt {
	case config.MessageTypeSyncHeads:
		msg, err := syncsession.DecodeSyncHeads(body)
		if err != nil {
			return err
		}
		sess, err := l.PeerSyncSession(ps.addr, msg.ConversationID)
		if err != nil {
			return err
		}
		sess.HandleSyncHeads(msg)
		return nil

	case config.MessageTypeFetchBatchReq:
		msg, err := syncsession.DecodeFetchBatchReq(body)
		if err != nil {
			return err
		}
		return l.replyFetchBatch(ps, msg)

	case config.MessageTypeMerkleNode:
		msg, err := syncsession.DecodeMerkleNode(body)
		if err != nil {
			return err
		}
		return l.handleMerkleNode(ps, msg)

	case config.MessageTypeSyncSketch:
		msg, err := syncsession.DecodeSyncSketch(body)
		if err != nil {
			return err
		}
		return l.handleSyncSketch(ps, msg)

	case config.MessageTypeSyncReconFail:
		msg, err := syncsession.DecodeSyncReconFail(body)
		if err != nil {
			return err
		}
		sess, err := l.PeerSyncSession(ps.addr, msg.ConversationID)
		if err != nil {
			return err
		}
		sess.HandleReconcileFail(msg.ShardLo)
		return nil

	case config.MessageTypeSyncShardChecksums:
		msg, err := syncsession.DecodeSyncShardChecksums(body)
		if err != nil {
			return err
		}
		return l.handleShardChecksums(ps, msg)

	case config.MessageTypeBlobQuery:
		msg, err := swarm.DecodeBlobQuery(body)
		if err != nil {
			return err
		}
		return l.handleBlobQuery(ps, msg)

	case config.MessageTypeBlobAvail:
		msg, err := swarm.DecodeBlobAvail(body)
		if err != nil {
			return err
		}
		tr := l.blobs[msg.BlobHash]
		if tr != nil {
			tr.AddSeeder(ps.addr)
		}
		return nil

	case config.MessageTypeBlobReq:
		msg, err := swarm.DecodeBlobReq(body)
		if err != nil {
			return err
		}
		return l.handleBlobReq(ps, msg)

	case config.MessageTypeBlobData:
		msg, err := swarm.DecodeBlobData(body)
		if err != nil {
			return err
		}
		tr := l.blobs[msg.BlobHash]
		if tr == nil {
			return nil
		}
		return tr.HandleChunkData(ps.addr, msg.ChunkIndex, msg.Data, msg.Proof)

	default:
		return fmt.Errorf("nodeloop: unexpected application message type 0x%02x", byte(mt))
	}
}

// replyFetchBatch answers a FetchBatchReq with one MerkleNode per
// requested hash this side has admitted; hashes it doesn't recognize
// are silently dropped rather than erroring the whole batch.
func (l *Loop) replyFetchBatch(ps *peerState, msg syncsession.FetchBatchReq) error {
	st, ok := l.engine.Conversation(msg.ConversationID)
	if !ok {
		return nil
	}
	for _, h := range msg.Hashes {
		n, ok := st.GetNode(h)
		if !ok {
			continue
		}
		wireBytes, err := n.Encode()
		if err != nil {
			return err
		}
		out, err := syncsession.MerkleNode{ConversationID: msg.ConversationID, NodeBytes: wireBytes}.Encode()
		if err != nil {
			return err
		}
		if err := l.sendApplicationMessage(ps.addr, config.MessageTypeMerkleNode, out); err != nil {
			return err
		}
	}
	return nil
}

// handleMerkleNode decodes and hands a fetched node to the engine,
// applies the resulting effects, and updates the owning sync session's
// fetch bookkeeping — marking it fetched on success, or continuing the
// backfill walk if it turned out to be Speculative.
func (l *Loop) handleMerkleNode(ps *peerState, msg syncsession.MerkleNode) error {
	n, err := dagnode.Decode(msg.ConversationID, msg.NodeBytes)
	if err != nil {
		return fmt.Errorf("nodeloop: decode fetched node: %w", err)
	}
	effects, err := l.engine.HandleNode(msg.ConversationID, n)
	// A Rejected classification is reported as an error alongside its
	// EmitEvent effect, not a loop-level failure: the node is still
	// done with (don't keep re-requesting it), so fall through to
	// apply its effect and mark it fetched rather than aborting.
	if err != nil && n.State() != dagnode.StateRejected {
		return err
	}
	if err := l.ApplyEffects(msg.ConversationID, effects); err != nil {
		return err
	}

	sess, err := l.PeerSyncSession(ps.addr, msg.ConversationID)
	if err != nil {
		return err
	}
	sess.MarkFetched(n.Hash())
	if n.State() == dagnode.StateSpeculative {
		sess.NoteUnknownParents(n.Parents(), n.TopologicalRank())
	}
	return nil
}

// handleSyncSketch reconciles a peer's IBLT sketch against this side's
// own, queueing anything missing locally for fetch and pushing
// anything missing remotely as unsolicited MerkleNode messages.
func (l *Loop) handleSyncSketch(ps *peerState, msg syncsession.SyncSketch) error {
	sess, err := l.PeerSyncSession(ps.addr, msg.ConversationID)
	if err != nil {
		return err
	}

	missingLocally, missingRemotely, ok := sess.Reconcile(msg)
	if !ok {
		out, err := syncsession.SyncReconFail{ConversationID: msg.ConversationID, ShardLo: msg.ShardLo, ShardHi: msg.ShardHi}.Encode()
		if err != nil {
			return err
		}
		return l.sendApplicationMessage(ps.addr, config.MessageTypeSyncReconFail, out)
	}

	sess.QueueMissing(missingLocally)

	st, ok := l.engine.Conversation(msg.ConversationID)
	if !ok {
		return nil
	}
	for _, h := range missingRemotely {
		n, ok := st.GetNode(h)
		if !ok {
			continue
		}
		wireBytes, err := n.Encode()
		if err != nil {
			return err
		}
		out, err := syncsession.MerkleNode{ConversationID: msg.ConversationID, NodeBytes: wireBytes}.Encode()
		if err != nil {
			return err
		}
		if err := l.sendApplicationMessage(ps.addr, config.MessageTypeMerkleNode, out); err != nil {
			return err
		}
	}
	return nil
}

// handleShardChecksums compares a peer's whole-shard checksum (and, if
// attached, flat hash list) against the local one, queueing any hash
// the peer listed that isn't admitted locally.
func (l *Loop) handleShardChecksums(ps *peerState, msg syncsession.SyncShardChecksums) error {
	sess, err := l.PeerSyncSession(ps.addr, msg.ConversationID)
	if err != nil {
		return err
	}
	local := sess.LocalShardChecksum(msg.ShardLo, msg.ShardHi)
	if local.Checksum == msg.Checksum {
		return nil
	}
	if len(msg.HashList) == 0 {
		// Peer hasn't attached its hash list yet (first disagreement
		// round); nothing to diff against until it does.
		return nil
	}
	sess.QueueMissing(msg.HashList)
	return nil
}

// handleBlobQuery answers with a BlobAvail if this node seeds the
// requested blob; otherwise it stays silent.
func (l *Loop) handleBlobQuery(ps *peerState, msg swarm.BlobQuery) error {
	sb, ok := l.served[msg.BlobHash]
	if !ok {
		return nil
	}
	size := 0
	for _, c := range sb.chunks {
		size += len(c)
	}
	out, err := swarm.BlobAvail{BlobHash: msg.BlobHash, BaoRoot: sb.root, Size: uint64(size)}.Encode()
	if err != nil {
		return err
	}
	return l.sendApplicationMessage(ps.addr, config.MessageTypeBlobAvail, out)
}

// handleBlobReq answers with the requested chunk and its slice proof
// if this node seeds the blob and holds that chunk.
func (l *Loop) handleBlobReq(ps *peerState, msg swarm.BlobReq) error {
	sb, ok := l.served[msg.BlobHash]
	if !ok || int(msg.ChunkIndex) >= len(sb.chunks) {
		return nil
	}
	proof := swarm.BuildSliceProof(sb.levels, int(msg.ChunkIndex))
	out, err := swarm.BlobData{
		BlobHash:   msg.BlobHash,
		ChunkIndex: msg.ChunkIndex,
		Data:       sb.chunks[msg.ChunkIndex],
		Proof:      proof,
	}.Encode()
	if err != nil {
		return err
	}
	return l.sendApplicationMessage(ps.addr, config.MessageTypeBlobData, out)
}

// PumpOutbound drains every peer's reliable session (fragments ready
// to send plus its unreliable datagram side channel) and hands the
// encoded packets to the overlay.
func (l *Loop) PumpOutbound(now time.Time, sinceLastSend time.Duration) error {
	for _, ps := range l.peers {
		for _, d := range ps.session.GetPacketsToSend(now, sinceLastSend) {
			out, err := wire.NewDataPacket(d).Encode()
			if err != nil {
				return err
			}
			if err := l.overlay.Send(ps.addr, out); err != nil {
				return err
			}
		}
		for _, dg := range ps.session.DrainDatagrams() {
			out, err := wire.NewDatagramPacket(dg).Encode()
			if err != nil {
				return err
			}
			if err := l.overlay.Send(ps.addr, out); err != nil {
				return err
			}
		}
	}
	return nil
}

// CheckTimeouts drives every per-peer reliable session, sync session,
// and blob tracker's timeout handling for one tick.
func (l *Loop) CheckTimeouts(now time.Time) {
	for _, ps := range l.peers {
		ps.session.CheckTimeouts(now)
		for _, sess := range ps.syncs {
			sess.RequeueStale(now)
		}
	}
	for _, tr := range l.blobs {
		tr.RequeueStale(now)
	}
}

// NextWakeup composes the earliest deadline across every reliable
// session, sync session, and blob tracker the loop owns, per the
// event loop's next_wakeup = min(...) contract.
func (l *Loop) NextWakeup(now time.Time) (time.Time, bool) {
	var deadline time.Time
	have := false

	consider := func(t time.Time, ok bool) {
		if !ok {
			return
		}
		if !have || t.Before(deadline) {
			deadline = t
			have = true
		}
	}

	for _, ps := range l.peers {
		consider(ps.session.NextWakeup(now))
		for _, sess := range ps.syncs {
			consider(sess.NextWakeup(now))
		}
	}
	for _, tr := range l.blobs {
		consider(tr.NextWakeup(now))
	}
	return deadline, have
}
