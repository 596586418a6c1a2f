// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ratchet

import (
	"golang.org/x/crypto/chacha20"

	"github.com/luxfi/convoy/xcrypto"
)

// keyWrapNonce is fixed at zero: each KeyWrap entry is encrypted under
// a key derived uniquely from the (issuer, recipient) DH output, so
// nonce reuse across entries never reuses a (key, nonce) pair.
var keyWrapNonce [chacha20.NonceSize]byte

// WrapKey encrypts newKConv for one recipient, to be carried as one
// entry of a KeyWrap admin node's content.
func WrapKey(selfPriv xcrypto.X25519PrivateKey, recipientPub xcrypto.X25519PublicKey, newKConv xcrypto.Hash256) ([]byte, error) {
	shared, err := xcrypto.DH(selfPriv, recipientPub)
	if err != nil {
		return nil, err
	}
	wrapKey := xcrypto.KDF("key-wrap", shared[:])
	return xcrypto.ChaCha20(wrapKey, keyWrapNonce, newKConv[:])
}

// UnwrapKey decrypts a KeyWrap entry addressed by the issuer's public
// key. There is no separate authentication tag (the envelope's
// containing node carries the admin signature that authenticates the
// whole set), so any entry decrypts without error: an entry wrapped for
// a different device yields an unrelated value. The engine therefore
// picks the entry whose RecipientDevicePk is its own before calling
// this.
func UnwrapKey(selfPriv xcrypto.X25519PrivateKey, issuerPub xcrypto.X25519PublicKey, ciphertext []byte) (xcrypto.Hash256, error) {
	shared, err := xcrypto.DH(selfPriv, issuerPub)
	if err != nil {
		return xcrypto.Hash256{}, err
	}
	wrapKey := xcrypto.KDF("key-wrap", shared[:])
	plain, err := xcrypto.ChaCha20(wrapKey, keyWrapNonce, ciphertext)
	if err != nil {
		return xcrypto.Hash256{}, err
	}
	var out xcrypto.Hash256
	copy(out[:], plain)
	return out, nil
}
