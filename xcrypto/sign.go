// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package xcrypto

import (
	"crypto/ed25519"
	"crypto/rand"
)

// Ed25519PrivateKey and Ed25519PublicKey alias the stdlib types so
// callers don't need to import crypto/ed25519 directly.
type (
	Ed25519PrivateKey = ed25519.PrivateKey
	Ed25519PublicKey  = ed25519.PublicKey
)

// GenerateEd25519 creates a fresh Ed25519 signing key pair.
func GenerateEd25519() (Ed25519PublicKey, Ed25519PrivateKey, error) {
	return ed25519.GenerateKey(rand.Reader)
}

// Sign signs message with priv.
func Sign(priv Ed25519PrivateKey, message []byte) []byte {
	return ed25519.Sign(priv, message)
}

// Verify reports whether sig is a valid signature of message under
// pub.
func Verify(pub Ed25519PublicKey, message, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, message, sig)
}
