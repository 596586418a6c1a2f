// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package store

import (
	"bytes"

	"github.com/luxfi/convoy/dagnode"
)

func hashToBytes(h dagnode.Hash) [32]byte { return [32]byte(h) }

func bytesToHash(b [32]byte) dagnode.Hash { return dagnode.Hash(b) }

func lessHash(a, b dagnode.Hash) bool {
	ab, bb := hashToBytes(a), hashToBytes(b)
	return bytes.Compare(ab[:], bb[:]) < 0
}
