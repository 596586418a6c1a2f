// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package xcrypto

import (
	"crypto/subtle"

	"github.com/zeebo/blake3"
)

// KDF derives HashSize bytes from secret, domain-separated by label.
// All key derivations in this module (ChainKey, MessageKey, KeyWrap
// keys, X3DH shared secrets) go through this single function with a
// distinct label so no two derivations can ever collide.
func KDF(label string, secret ...[]byte) Hash256 {
	h := blake3.New()
	// A length-prefixed label keeps distinct (label, secret) pairs
	// from colliding when secrets are concatenated differently.
	labelBytes := []byte(label)
	h.Write([]byte{byte(len(labelBytes))})
	h.Write(labelBytes)
	for _, s := range secret {
		h.Write(s)
	}
	var out Hash256
	copy(out[:], h.Sum(nil)[:HashSize])
	return out
}

// MAC computes a keyed BLAKE3 MAC over data using key (which must be
// HashSize bytes).
func MAC(key Hash256, data []byte) Hash256 {
	h, err := blake3.NewKeyed(key[:])
	if err != nil {
		// NewKeyed only fails on a key of the wrong length, which
		// can't happen since key is a fixed-size array.
		panic(err)
	}
	h.Write(data)
	var out Hash256
	copy(out[:], h.Sum(nil)[:HashSize])
	return out
}

// VerifyMAC reports whether tag is the correct MAC of data under key,
// in constant time.
func VerifyMAC(key Hash256, data []byte, tag Hash256) bool {
	want := MAC(key, data)
	return subtle.ConstantTimeCompare(want[:], tag[:]) == 1
}
