// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package engine

import (
	"fmt"

	"github.com/luxfi/convoy/dagnode"
	"github.com/luxfi/convoy/effect"
	"github.com/luxfi/convoy/identity"
	"github.com/luxfi/convoy/xcrypto"
)

// AuthorNode builds, authenticates, and admits a new node: it selects
// the current heads as parents (plus any caller-supplied extraParents),
// assigns rank and sequence number, computes the MAC or signature, and
// returns the effects of admitting it locally.
func (e *Engine) AuthorNode(convID ConversationID, content dagnode.Content, extraParents []dagnode.Hash, authorPk, senderPk []byte, senderPriv xcrypto.Ed25519PrivateKey, networkTime int64) (*dagnode.Node, []effect.Effect, error) {
	st, err := e.conversation(convID)
	if err != nil {
		return nil, nil, err
	}

	if content.Kind == dagnode.ContentControlAction && content.ControlAction != nil && content.ControlAction.Kind != dagnode.ActionGenesis {
		required, ok := requiredPermission(content.ControlAction.Kind)
		if ok && !st.Identity().HasPermission(senderPk, required) {
			return nil, nil, fmt.Errorf("%w: sender lacks permission for %s", ErrPermissionDenied, content.ControlAction.Kind)
		}
	}

	var parents []dagnode.Hash
	if content.IsAdmin() {
		parents = append(parents, st.AdminHeads()...)
	} else {
		parents = append(parents, st.ContentHeads()...)
	}
	parents = append(parents, extraParents...)
	parents = dedupeHashes(parents)

	rank := uint64(0)
	for _, p := range parents {
		if parent, ok := st.GetNode(p); ok && parent.TopologicalRank()+1 > rank {
			rank = parent.TopologicalRank() + 1
		}
	}

	epoch := st.CurrentEpoch()
	counter := st.NextCounter(epoch, senderPk)
	seq := dagnode.NewSequenceNumber(epoch, counter)

	auth := dagnode.Authentication{Kind: dagnode.ExpectedAuthKind(content.Kind)}
	n, err := dagnode.New(convID, parents, authorPk, senderPk, seq, rank, networkTime, content, auth)
	if err != nil {
		return nil, nil, err
	}

	signingBytes, err := n.SigningBytes()
	if err != nil {
		return nil, nil, err
	}

	switch auth.Kind {
	case dagnode.AuthSignature:
		auth.Signature = xcrypto.Sign(senderPriv, signingBytes)
	case dagnode.AuthMAC:
		table, ok := st.RatchetTable(epoch)
		if !ok {
			return nil, nil, fmt.Errorf("engine: no ratchet table installed for epoch %d", epoch)
		}
		msgKey := table.TrialAuthenticate(senderPk, counter)
		macKey := xcrypto.KDF("mac", msgKey[:])
		tag := xcrypto.MAC(macKey, signingBytes)
		auth.Tag = tag
	}

	n, err = dagnode.New(convID, parents, authorPk, senderPk, seq, rank, networkTime, content, auth)
	if err != nil {
		return nil, nil, err
	}

	effects, err := e.admitVerified(st, n)
	if err != nil {
		return nil, nil, err
	}
	return n, effects, nil
}

// requiredPermission maps a control action to the permission bit its
// sender must already hold. Each action has its own permission bit;
// Genesis and Announcement have no precondition (Genesis is the action
// that first populates the identity table).
func requiredPermission(kind dagnode.ControlActionKind) (identity.Permissions, bool) {
	switch kind {
	case dagnode.ActionAuthorizeDevice:
		return identity.PermAuthorizeDevice, true
	case dagnode.ActionRevokeDevice:
		return identity.PermRevokeDevice, true
	case dagnode.ActionInvite:
		return identity.PermInvite, true
	case dagnode.ActionLeave:
		return identity.PermLeave, true
	case dagnode.ActionRekey:
		return identity.PermRekey, true
	default:
		return 0, false
	}
}

func dedupeHashes(hashes []dagnode.Hash) []dagnode.Hash {
	seen := make(map[dagnode.Hash]struct{}, len(hashes))
	out := make([]dagnode.Hash, 0, len(hashes))
	for _, h := range hashes {
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, h)
	}
	return out
}
