// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package xcrypto wraps the primitives the rest of the module builds
// on: BLAKE3 hashing/KDF/MAC, X25519 Diffie-Hellman, Ed25519 signing,
// the Ed25519-to-X25519 conversion X3DH needs, and a raw ChaCha20
// stream cipher for KeyWrap.
package xcrypto

import (
	"github.com/zeebo/blake3"
)

// HashSize is the output size of every hash, KDF, and MAC in this
// package.
const HashSize = 32

// Hash256 is a 32-byte BLAKE3 digest.
type Hash256 [HashSize]byte

// Hash computes the BLAKE3 digest of data.
func Hash(data []byte) Hash256 {
	return Hash256(blake3.Sum256(data))
}

// IsZero reports whether h is the all-zero digest.
func (h Hash256) IsZero() bool {
	return h == Hash256{}
}

// Bytes returns a copy of the digest bytes.
func (h Hash256) Bytes() []byte {
	out := make([]byte, HashSize)
	copy(out, h[:])
	return out
}
