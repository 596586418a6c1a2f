// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package xcrypto

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"

	"golang.org/x/crypto/curve25519"
)

// ErrLowOrderPoint is returned when a Diffie-Hellman result is the
// all-zero point, which curve25519 produces for a handful of
// low-order public keys and must never be treated as a valid shared
// secret.
var ErrLowOrderPoint = errors.New("xcrypto: DH produced a low-order point")

// X25519PrivateKey is a clamped X25519 scalar.
type X25519PrivateKey [32]byte

// X25519PublicKey is a Montgomery u-coordinate.
type X25519PublicKey [32]byte

// GenerateX25519 creates a fresh X25519 key pair.
func GenerateX25519() (X25519PrivateKey, X25519PublicKey, error) {
	var priv X25519PrivateKey
	if _, err := rand.Read(priv[:]); err != nil {
		return priv, X25519PublicKey{}, err
	}
	pub, err := X25519Public(priv)
	return priv, pub, err
}

// X25519Public derives the public key for priv.
func X25519Public(priv X25519PrivateKey) (X25519PublicKey, error) {
	out, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return X25519PublicKey{}, err
	}
	var pub X25519PublicKey
	copy(pub[:], out)
	return pub, nil
}

// DH computes the X25519 shared secret between priv and peerPub.
func DH(priv X25519PrivateKey, peerPub X25519PublicKey) (Hash256, error) {
	out, err := curve25519.X25519(priv[:], peerPub[:])
	if err != nil {
		// With fixed 32-byte inputs, curve25519 only fails when the
		// result is the all-zero point.
		return Hash256{}, ErrLowOrderPoint
	}
	var zero [32]byte
	if subtle.ConstantTimeCompare(out, zero[:]) == 1 {
		return Hash256{}, ErrLowOrderPoint
	}
	var secret Hash256
	copy(secret[:], out)
	return secret, nil
}
