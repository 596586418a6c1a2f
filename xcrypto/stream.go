// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package xcrypto

import (
	"golang.org/x/crypto/chacha20"
)

// ChaCha20 applies the raw ChaCha20 stream (no AEAD tag — callers that
// need authentication pair this with MAC separately, as KeyWrap does)
// to src using key and a 12-byte nonce, returning the result.
func ChaCha20(key Hash256, nonce [chacha20.NonceSize]byte, src []byte) ([]byte, error) {
	c, err := chacha20.NewUnauthenticatedCipher(key[:], nonce[:])
	if err != nil {
		return nil, err
	}
	dst := make([]byte, len(src))
	c.XORKeyStream(dst, src)
	return dst, nil
}
