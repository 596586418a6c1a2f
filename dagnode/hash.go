// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package dagnode

import "github.com/luxfi/convoy/xcrypto"

// blake3Sum hashes data with the module's single BLAKE3 primitive.
func blake3Sum(data []byte) [32]byte {
	h := xcrypto.Hash(data)
	var out [32]byte
	copy(out[:], h.Bytes())
	return out
}
