// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package xcrypto

import (
	"crypto/ed25519"
	"crypto/sha512"
	"fmt"

	"filippo.io/edwards25519"
)

// Ed25519PublicToX25519 converts an Ed25519 public key to its
// Montgomery (X25519) u-coordinate, the canonical clamp-then-Montgomery
// map X3DH uses to let a single identity key serve both signing and
// key agreement.
func Ed25519PublicToX25519(pub Ed25519PublicKey) (X25519PublicKey, error) {
	if len(pub) != ed25519.PublicKeySize {
		return X25519PublicKey{}, fmt.Errorf("xcrypto: bad ed25519 public key length %d", len(pub))
	}
	p, err := new(edwards25519.Point).SetBytes(pub)
	if err != nil {
		return X25519PublicKey{}, fmt.Errorf("xcrypto: invalid ed25519 point: %w", err)
	}
	var out X25519PublicKey
	copy(out[:], p.BytesMontgomery())
	return out, nil
}

// Ed25519PrivateToX25519 converts an Ed25519 private key to an X25519
// scalar by hashing the seed and clamping, mirroring the conversion
// libsodium and the Signal reference clients use.
func Ed25519PrivateToX25519(priv Ed25519PrivateKey) X25519PrivateKey {
	seed := priv.Seed()
	digest := sha512.Sum512(seed)
	var out X25519PrivateKey
	copy(out[:], digest[:32])
	out[0] &= 248
	out[31] &= 127
	out[31] |= 64
	return out
}
