// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package engine

import (
	"fmt"

	"github.com/luxfi/convoy/config"
	"github.com/luxfi/convoy/dagnode"
	"github.com/luxfi/convoy/xcrypto"
)

// classify runs the fail-fast validation order from structural bounds
// through authentication and reports the node's resulting lifecycle
// state. A MissingPredecessor or AuthenticationDeferred outcome is not
// fatal: the node becomes Speculative and is retried later.
func (st *ConversationState) classify(n *dagnode.Node) (dagnode.State, error) {
	// 1. Structural bounds (parent count, metadata size, content
	// kind, auth-kind-matches-track).
	if err := n.ValidateStructure(); err != nil {
		return dagnode.StateRejected, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	// 2. Parents exist.
	for _, p := range n.Parents() {
		if !st.HasNode(p) {
			return dagnode.StateSpeculative, ErrMissingPredecessor
		}
	}

	// 3. Rank strictly exceeds every parent's rank.
	maxParentRank := uint64(0)
	hasParent := false
	for _, p := range n.Parents() {
		parent, ok := st.GetNode(p)
		if !ok {
			return dagnode.StateSpeculative, ErrMissingPredecessor
		}
		hasParent = true
		if parent.TopologicalRank() > maxParentRank {
			maxParentRank = parent.TopologicalRank()
		}
	}
	if hasParent && n.TopologicalRank() <= maxParentRank {
		return dagnode.StateRejected, fmt.Errorf("%w: rank %d does not exceed max parent rank %d", ErrValidation, n.TopologicalRank(), maxParentRank)
	}
	if !hasParent && n.TopologicalRank() != 0 {
		return dagnode.StateRejected, fmt.Errorf("%w: root node must have rank 0", ErrValidation)
	}

	// 4. Track isolation: admin nodes may not have content-typed
	// parents.
	if n.IsAdmin() {
		for _, p := range n.Parents() {
			parent, ok := st.GetNode(p)
			if ok && !parent.IsAdmin() {
				return dagnode.StateRejected, fmt.Errorf("%w: admin node has content-typed parent", ErrValidation)
			}
		}
	}

	// 5. Hash self-consistency.
	if err := n.VerifyHashConsistency(); err != nil {
		return dagnode.StateRejected, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	// 6. Admission quota: per-device verified-node cap. The
	// per-conversation speculative cap is enforced by the caller
	// before a node ever reaches classify.
	if st.VerifiedCountForDevice(n.SenderPk()) >= st.params.MaxVerifiedNodesPerDevice {
		return dagnode.StateRejected, ErrTooManyVerifiedNodes
	}

	// 7. Authentication.
	if n.IsAdmin() {
		return st.classifyAdminAuth(n)
	}
	return st.classifyContentAuth(n)
}

// classifyAdminAuth verifies an admin node's Ed25519 signature against
// its sender and the authorization chain to its claimed author.
func (st *ConversationState) classifyAdminAuth(n *dagnode.Node) (dagnode.State, error) {
	auth := n.Auth()
	encoded, err := signingBytes(n)
	if err != nil {
		return dagnode.StateRejected, err
	}
	if !xcrypto.Verify(n.SenderPk(), encoded, auth.Signature) {
		return dagnode.StateRejected, fmt.Errorf("%w: signature does not verify", ErrValidation)
	}
	if err := st.identity.IsAuthorized(n.SenderPk(), n.AuthorPk(), n.NetworkTime(), n.TopologicalRank()); err != nil {
		return dagnode.StateRejected, fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	return dagnode.StateVerified, nil
}

// classifyContentAuth trial-verifies a content node's MAC under every
// known epoch key, most-recent-first, advancing the sender's chain
// from KConv_epoch by counter-1 steps per the key schedule.
func (st *ConversationState) classifyContentAuth(n *dagnode.Node) (dagnode.State, error) {
	seq := n.SequenceNumber()
	encoded, err := signingBytes(n)
	if err != nil {
		return dagnode.StateRejected, err
	}

	for _, epoch := range st.KnownEpochsMostRecentFirst() {
		if epoch != seq.Epoch() {
			continue
		}
		table, ok := st.RatchetTable(epoch)
		if !ok {
			continue
		}
		msgKey := table.TrialAuthenticate(n.SenderPk(), seq.Counter())
		macKey := xcrypto.KDF("mac", msgKey[:])
		if xcrypto.VerifyMAC(macKey, encoded, xcrypto.Hash256(n.Auth().Tag)) {
			// The MAC alone doesn't prove freshness: its key is a
			// deterministic function of (epoch, sender, counter), so
			// the sender can recompute it for any counter it already
			// used. Strict monotonicity is what makes a second,
			// different message at the same counter a rejected replay
			// rather than a second admitted node.
			if last, ok := table.LastCounter(n.SenderPk()); ok && seq.Counter() <= last {
				return dagnode.StateRejected, fmt.Errorf("%w: counter %d at or below last accepted %d", ErrReplay, seq.Counter(), last)
			}
			if err := st.identity.IsAuthorized(n.SenderPk(), n.AuthorPk(), n.NetworkTime(), n.TopologicalRank()); err != nil {
				return dagnode.StateRejected, fmt.Errorf("%w: %v", ErrPermissionDenied, err)
			}
			return dagnode.StateVerified, nil
		}
	}
	return dagnode.StateSpeculative, ErrAuthenticationDeferred
}

// signingBytes returns the bytes a node's MAC or signature covers.
func signingBytes(n *dagnode.Node) ([]byte, error) {
	return n.SigningBytes()
}

// CheckSpeculativeQuota reports whether adding one more speculative
// node would exceed the per-conversation cap.
func (st *ConversationState) CheckSpeculativeQuota() error {
	if st.speculative.Len() >= config.MaxSpeculativeNodesPerConversation {
		return ErrTooManySpeculativeNodes
	}
	return nil
}
