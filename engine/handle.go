// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package engine

import (
	"fmt"

	"github.com/luxfi/convoy/dagnode"
	"github.com/luxfi/convoy/effect"
	"github.com/luxfi/convoy/identity"
	"github.com/luxfi/convoy/ratchet"
	"github.com/luxfi/convoy/xcrypto"
)

// HandleNode is the entry point for a node arriving from the network
// or from local storage on restart. It classifies the node, applies
// whatever admin side-effect its content requests, admits it if
// authenticated, and retries speculative dependents that might now
// classify differently.
func (e *Engine) HandleNode(convID ConversationID, n *dagnode.Node) ([]effect.Effect, error) {
	st, err := e.conversation(convID)
	if err != nil {
		return nil, err
	}
	_, alreadyAdmitted := st.GetNode(n.Hash())
	_, alreadySpeculative := st.Speculative().Get(n.Hash())
	if !alreadyAdmitted && !alreadySpeculative {
		if err := st.CheckSpeculativeQuota(); err != nil {
			return nil, err
		}
	}
	return e.handleOne(st, n, effect.NewRetryBudget(st.params.SpeculativeRetryBudget))
}

func (e *Engine) handleOne(st *ConversationState, n *dagnode.Node, budget *effect.RetryBudget) ([]effect.Effect, error) {
	if st.HasNode(n.Hash()) {
		return nil, nil
	}

	state, err := st.classify(n)
	n.SetState(state)

	switch state {
	case dagnode.StateVerified:
		effects, admitErr := e.admitVerified(st, n)
		if admitErr != nil {
			return effects, admitErr
		}
		st.Speculative().Evict(n.Hash())
		effects = append(effects, e.retrySpeculative(st, budget)...)
		return effects, nil

	case dagnode.StateSpeculative:
		st.Speculative().Add(n)
		wireBytes, encErr := n.Encode()
		if encErr != nil {
			return nil, encErr
		}
		return []effect.Effect{effect.WriteWireNode(st.id, n.Hash(), wireBytes)}, nil

	case dagnode.StateRejected:
		return []effect.Effect{effect.EmitEvent(effect.EventNodeRejected, st.id, n.Hash(), err.Error())}, err

	default:
		return nil, fmt.Errorf("engine: classify returned unexpected state %s", state)
	}
}

// retrySpeculative walks the speculative cache in arrival order,
// re-classifying each node until the retry budget is exhausted or a
// full pass makes no progress.
func (e *Engine) retrySpeculative(st *ConversationState, budget *effect.RetryBudget) []effect.Effect {
	var all []effect.Effect
	for {
		progressed := false
		for _, n := range st.Speculative().InTopologicalOrder() {
			if !budget.TryConsume() {
				return all
			}
			state, err := st.classify(n)
			n.SetState(state)
			switch state {
			case dagnode.StateVerified:
				effects, admitErr := e.admitVerified(st, n)
				if admitErr == nil {
					st.Speculative().Evict(n.Hash())
					all = append(all, effects...)
					progressed = true
				}
			case dagnode.StateRejected:
				st.Speculative().Evict(n.Hash())
				all = append(all, effect.EmitEvent(effect.EventNodeRejected, st.id, n.Hash(), err.Error()))
				progressed = true
			}
		}
		if !progressed {
			return all
		}
	}
}

// admitVerified records a newly-authenticated node, applies its
// admin-track side-effect (if any), and returns the effects the node
// loop must apply.
func (e *Engine) admitVerified(st *ConversationState, n *dagnode.Node) ([]effect.Effect, error) {
	st.admit(n)

	effects := []effect.Effect{
		effect.WriteStore(st.id, n),
		effect.UpdateHeads(st.id, n.IsAdmin(), n.Hash(), n.Parents()),
	}

	if n.IsAdmin() {
		actionEffects, err := st.applyControlAction(n)
		if err != nil {
			return effects, err
		}
		effects = append(effects, actionEffects...)
	} else {
		// classifyContentAuth already rejected any counter at or below
		// the last one accepted from this sender, so Commit here is
		// only ever extending the chain forward.
		seq := n.SequenceNumber()
		table, ok := st.RatchetTable(seq.Epoch())
		if ok {
			next, err := table.Commit(n.SenderPk(), seq.Counter())
			if err != nil {
				return effects, err
			}
			effects = append(effects, effect.WriteRatchetKey(st.id, n.SenderPk(), n.Hash(), seq.Epoch(), seq.Counter(), next))
		}
	}

	effects = append(effects, effect.EmitEvent(effect.EventNodeVerified, st.id, n.Hash(), ""))
	return effects, nil
}

// applyControlAction dispatches an admin node's content to the
// identity table or epoch key schedule it affects.
func (st *ConversationState) applyControlAction(n *dagnode.Node) ([]effect.Effect, error) {
	content := n.Content()
	rank := n.TopologicalRank()

	switch content.Kind {
	case dagnode.ContentControlAction:
		ca := content.ControlAction
		if ca == nil {
			return nil, fmt.Errorf("%w: nil ControlAction payload", ErrValidation)
		}
		switch ca.Kind {
		case dagnode.ActionGenesis:
			st.identity.Genesis(n.AuthorPk(), n.SenderPk(), rank)
			return []effect.Effect{effect.EmitEvent(effect.EventMembershipChanged, st.id, n.Hash(), "genesis")}, nil

		case dagnode.ActionAuthorizeDevice:
			cert := identity.DelegationCertificate{
				LogicalIdentityPk: ca.TargetLogicalPk,
				SubjectDevicePk:   ca.TargetDevicePk,
				IssuerPk:          n.SenderPk(),
				Permissions:       identity.Permissions(ca.Permissions),
				Expiry:            ca.Expiry,
				IssuedAtRank:      rank,
				Signature:         ca.Certificate,
			}
			st.identity.AuthorizeDevice(cert, rank)
			return []effect.Effect{effect.EmitEvent(effect.EventMembershipChanged, st.id, n.Hash(), "authorize-device")}, nil

		case dagnode.ActionRevokeDevice:
			st.identity.RevokeDevice(ca.TargetDevicePk, rank)
			return []effect.Effect{effect.EmitEvent(effect.EventMembershipChanged, st.id, n.Hash(), "revoke-device")}, nil

		case dagnode.ActionInvite:
			st.identity.Invite(ca.TargetLogicalPk, ca.Role, rank)
			return []effect.Effect{effect.EmitEvent(effect.EventMembershipChanged, st.id, n.Hash(), "invite")}, nil

		case dagnode.ActionLeave:
			st.identity.Leave(ca.TargetLogicalPk, rank)
			return []effect.Effect{effect.EmitEvent(effect.EventMembershipChanged, st.id, n.Hash(), "leave")}, nil

		case dagnode.ActionRekey:
			// Announces the target epoch; the epoch key itself arrives
			// per-recipient in a following KeyWrapEnvelope node and is
			// installed when that node is admitted and the local
			// device's entry unwraps (see tryUnwrapEpochKey), so a
			// device excluded from every KeyWrap entry never installs
			// it and stays behind at its last known epoch.
			return []effect.Effect{effect.EmitEvent(effect.EventEpochRotated, st.id, n.Hash(), "")}, nil

		case dagnode.ActionAnnouncement:
			if len(ca.PreKeys) == 0 {
				return nil, nil
			}
			// Only the most recently published pre-key is kept; it's
			// the one an X3DH initiator will be handed on lookup.
			raw := ca.PreKeys[len(ca.PreKeys)-1]
			if len(raw) != len(xcrypto.X25519PublicKey{}) {
				return nil, fmt.Errorf("%w: pre-key has wrong length %d", ErrValidation, len(raw))
			}
			var preKey xcrypto.X25519PublicKey
			copy(preKey[:], raw)
			st.announcement.Record(identity.PreKeyBundle{
				DevicePk: n.SenderPk(),
				PreKey:   preKey,
			})
			return []effect.Effect{effect.EmitEvent(effect.EventMembershipChanged, st.id, n.Hash(), "announcement")}, nil

		default:
			return nil, fmt.Errorf("%w: unhandled control action kind %s", ErrValidation, ca.Kind)
		}

	case dagnode.ContentKeyWrapEnvelope:
		kwe := content.KeyWrapEnvelope
		if kwe == nil {
			return nil, fmt.Errorf("%w: nil KeyWrapEnvelope payload", ErrValidation)
		}
		detail := ""
		if kConv, ok := st.tryUnwrapEpochKey(n.SenderPk(), kwe); ok {
			st.InstallEpochKey(kwe.Epoch, kConv)
			detail = "installed"
		}
		return []effect.Effect{effect.EmitEvent(effect.EventEpochRotated, st.id, n.Hash(), detail)}, nil

	case dagnode.ContentRatchetSnapshot:
		rs := content.RatchetSnapshot
		if rs == nil {
			return nil, fmt.Errorf("%w: nil RatchetSnapshot payload", ErrValidation)
		}
		if table, ok := st.RatchetTable(rs.Epoch); ok {
			table.Seed(n.SenderPk(), rs.ChainKey, n.SequenceNumber().Counter())
		}
		return nil, nil

	default:
		return nil, fmt.Errorf("%w: admin node with non-admin content kind %s", ErrValidation, content.Kind)
	}
}

// tryUnwrapEpochKey looks for the WrappedKey entry addressed to the
// local device (set via SetDeviceIdentity) and trial-decrypts it
// against issuerPk, the node's sender. A device with no SetDeviceIdentity
// call, no matching entry, or a decryption failure never installs the
// rotated key and stays behind at its last known epoch — this is the
// exclusion mechanism, not an error case.
func (st *ConversationState) tryUnwrapEpochKey(issuerPk []byte, kwe *dagnode.KeyWrapEnvelopeContent) (xcrypto.Hash256, bool) {
	devicePk, devicePriv, ok := st.DeviceIdentity()
	if !ok {
		return xcrypto.Hash256{}, false
	}
	var issuerEd xcrypto.Ed25519PublicKey = issuerPk
	issuerX25519, err := xcrypto.Ed25519PublicToX25519(issuerEd)
	if err != nil {
		return xcrypto.Hash256{}, false
	}
	for _, w := range kwe.Wrapped {
		if !bytesEqual(w.RecipientDevicePk, devicePk) {
			continue
		}
		kConv, err := ratchet.UnwrapKey(devicePriv, issuerX25519, w.Ciphertext)
		if err != nil {
			return xcrypto.Hash256{}, false
		}
		return kConv, true
	}
	return xcrypto.Hash256{}, false
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// InstallEpochKeyFromWrap installs a newly-unwrapped KConv for epoch.
// Admission already attempts this automatically for every
// ContentKeyWrapEnvelope node once SetDeviceIdentity has been called;
// this is the entry point for a caller that unwraps a KeyWrap entry
// out of band (e.g. from a persisted node replayed before identity was
// set) and needs to apply the result after the fact.
func (e *Engine) InstallEpochKeyFromWrap(convID ConversationID, epoch uint32, kConv xcrypto.Hash256) error {
	st, err := e.conversation(convID)
	if err != nil {
		return err
	}
	st.InstallEpochKey(epoch, kConv)
	return nil
}
