// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package swarm

import (
	"encoding/binary"
	"errors"

	"github.com/luxfi/convoy/xcrypto"
)

// ErrProofMismatch is returned when a chunk's slice proof does not
// fold up to the expected root.
var ErrProofMismatch = errors.New("swarm: bao slice proof mismatch")

// SliceProof is the sibling-hash path from one chunk's leaf to the
// blob's Bao root, letting a receiver verify a single chunk without
// holding the rest of the tree.
type SliceProof struct {
	_        struct{} `cbor:",toarray"`
	Siblings [][32]byte
}

func leafHash(index uint32, data []byte) [32]byte {
	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf, index)
	copy(buf[4:], data)
	return [32]byte(xcrypto.Hash(buf))
}

func parentHash(left, right [32]byte) [32]byte {
	buf := make([]byte, 64)
	copy(buf[:32], left[:])
	copy(buf[32:], right[:])
	return [32]byte(xcrypto.Hash(buf))
}

// BuildMerkleTree hashes every chunk into a leaf and folds the levels
// up to a single root, duplicating the last node of an odd level
// (the conventional fixup for a non-power-of-two leaf count).
func BuildMerkleTree(chunks [][]byte) (root [32]byte, levels [][][32]byte) {
	leaves := make([][32]byte, len(chunks))
	for i, c := range chunks {
		leaves[i] = leafHash(uint32(i), c)
	}
	levels = [][][32]byte{leaves}
	level := leaves
	for len(level) > 1 {
		next := make([][32]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, parentHash(level[i], level[i+1]))
			} else {
				next = append(next, parentHash(level[i], level[i]))
			}
		}
		levels = append(levels, next)
		level = next
	}
	if len(level) == 1 {
		root = level[0]
	}
	return root, levels
}

// BuildSliceProof returns the sibling path for the chunk at index,
// given the full level structure from BuildMerkleTree.
func BuildSliceProof(levels [][][32]byte, index int) SliceProof {
	var siblings [][32]byte
	idx := index
	for level := 0; level < len(levels)-1; level++ {
		nodes := levels[level]
		var sib [32]byte
		if idx%2 == 0 {
			if idx+1 < len(nodes) {
				sib = nodes[idx+1]
			} else {
				sib = nodes[idx]
			}
		} else {
			sib = nodes[idx-1]
		}
		siblings = append(siblings, sib)
		idx /= 2
	}
	return SliceProof{Siblings: siblings}
}

// VerifyChunk recomputes the path from (index, data) through proof's
// siblings and checks it folds to root.
func VerifyChunk(root [32]byte, index uint32, data []byte, proof SliceProof) error {
	cur := leafHash(index, data)
	idx := index
	for _, sib := range proof.Siblings {
		if idx%2 == 0 {
			cur = parentHash(cur, sib)
		} else {
			cur = parentHash(sib, cur)
		}
		idx /= 2
	}
	if cur != root {
		return ErrProofMismatch
	}
	return nil
}
