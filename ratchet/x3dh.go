// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ratchet

import "github.com/luxfi/convoy/xcrypto"

// X3DHInitiatorKeys are the key material an initiator supplies: their
// own identity and ephemeral private keys, plus the recipient's
// published identity and signed pre-key.
type X3DHInitiatorKeys struct {
	SelfIdentityPriv    xcrypto.X25519PrivateKey
	SelfEphemeralPriv   xcrypto.X25519PrivateKey
	PeerIdentityPub     xcrypto.X25519PublicKey
	PeerSignedPreKeyPub xcrypto.X25519PublicKey
	// PeerOneTimePreKeyPub is optional; absent means a 3-DH handshake
	// (DH1..DH3) rather than the full 4-DH form.
	PeerOneTimePreKeyPub *xcrypto.X25519PublicKey
}

// InitiatorSharedSecret computes the X3DH shared secret for the
// initiating side:
//
//	DH1 = DH(self_identity, peer_signed_pre_key)
//	DH2 = DH(self_ephemeral, peer_identity)
//	DH3 = DH(self_ephemeral, peer_signed_pre_key)
//	DH4 = DH(self_ephemeral, peer_one_time_pre_key)   [optional]
func InitiatorSharedSecret(k X3DHInitiatorKeys) (xcrypto.Hash256, error) {
	dh1, err := xcrypto.DH(k.SelfIdentityPriv, k.PeerSignedPreKeyPub)
	if err != nil {
		return xcrypto.Hash256{}, err
	}
	dh2, err := xcrypto.DH(k.SelfEphemeralPriv, k.PeerIdentityPub)
	if err != nil {
		return xcrypto.Hash256{}, err
	}
	dh3, err := xcrypto.DH(k.SelfEphemeralPriv, k.PeerSignedPreKeyPub)
	if err != nil {
		return xcrypto.Hash256{}, err
	}
	parts := [][]byte{dh1[:], dh2[:], dh3[:]}
	if k.PeerOneTimePreKeyPub != nil {
		dh4, err := xcrypto.DH(k.SelfEphemeralPriv, *k.PeerOneTimePreKeyPub)
		if err != nil {
			return xcrypto.Hash256{}, err
		}
		parts = append(parts, dh4[:])
	}
	return xcrypto.KDF("x3dh", parts...), nil
}

// X3DHRecipientKeys mirrors the recipient's side of the same
// handshake: their identity and pre-key privates, and the initiator's
// published identity and ephemeral public keys.
type X3DHRecipientKeys struct {
	SelfIdentityPriv     xcrypto.X25519PrivateKey
	SelfSignedPreKeyPriv xcrypto.X25519PrivateKey
	PeerIdentityPub      xcrypto.X25519PublicKey
	PeerEphemeralPub     xcrypto.X25519PublicKey
	// SelfOneTimePreKeyPriv must be set iff the initiator used the
	// matching one-time pre-key (PeerOneTimePreKeyPub on their side).
	SelfOneTimePreKeyPriv *xcrypto.X25519PrivateKey
}

// RecipientSharedSecret mirrors InitiatorSharedSecret from the
// recipient's side; the two must agree on the same arguments for the
// DH operations to line up:
//
//	DH1 = DH(self_signed_pre_key, peer_identity)
//	DH2 = DH(self_identity, peer_ephemeral)
//	DH3 = DH(self_signed_pre_key, peer_ephemeral)
//	DH4 = DH(self_one_time_pre_key, peer_ephemeral)   [optional]
func RecipientSharedSecret(k X3DHRecipientKeys) (xcrypto.Hash256, error) {
	dh1, err := xcrypto.DH(k.SelfSignedPreKeyPriv, k.PeerIdentityPub)
	if err != nil {
		return xcrypto.Hash256{}, err
	}
	dh2, err := xcrypto.DH(k.SelfIdentityPriv, k.PeerEphemeralPub)
	if err != nil {
		return xcrypto.Hash256{}, err
	}
	dh3, err := xcrypto.DH(k.SelfSignedPreKeyPriv, k.PeerEphemeralPub)
	if err != nil {
		return xcrypto.Hash256{}, err
	}
	parts := [][]byte{dh1[:], dh2[:], dh3[:]}
	if k.SelfOneTimePreKeyPriv != nil {
		dh4, err := xcrypto.DH(*k.SelfOneTimePreKeyPriv, k.PeerEphemeralPub)
		if err != nil {
			return xcrypto.Hash256{}, err
		}
		parts = append(parts, dh4[:])
	}
	return xcrypto.KDF("x3dh", parts...), nil
}
