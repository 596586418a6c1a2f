// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package swarm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func chunksOf(n int, size int) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		c := make([]byte, size)
		for j := range c {
			c[j] = byte((i*size + j) % 251)
		}
		out[i] = c
	}
	return out
}

func TestMerkleTreeSliceProofVerifiesEachLeaf(t *testing.T) {
	chunks := chunksOf(5, 16)
	root, levels := BuildMerkleTree(chunks)

	for i, c := range chunks {
		proof := BuildSliceProof(levels, i)
		err := VerifyChunk(root, uint32(i), c, proof)
		require.NoError(t, err, "chunk %d should verify against the root", i)
	}
}

func TestMerkleTreeSingleChunkIsItsOwnRoot(t *testing.T) {
	chunks := chunksOf(1, 16)
	root, levels := BuildMerkleTree(chunks)
	proof := BuildSliceProof(levels, 0)
	require.NoError(t, VerifyChunk(root, 0, chunks[0], proof))
}

func TestVerifyChunkDetectsBitFlip(t *testing.T) {
	chunks := chunksOf(4, 16)
	root, levels := BuildMerkleTree(chunks)
	proof := BuildSliceProof(levels, 1)

	corrupted := append([]byte(nil), chunks[1]...)
	corrupted[0] ^= 0x01

	err := VerifyChunk(root, 1, corrupted, proof)
	require.ErrorIs(t, err, ErrProofMismatch)
}

func TestVerifyChunkDetectsFlippedProofBit(t *testing.T) {
	chunks := chunksOf(4, 16)
	root, levels := BuildMerkleTree(chunks)
	proof := BuildSliceProof(levels, 2)
	proof.Siblings[0][0] ^= 0x01

	err := VerifyChunk(root, 2, chunks[2], proof)
	require.ErrorIs(t, err, ErrProofMismatch)
}

func TestVerifyChunkRejectsWrongIndex(t *testing.T) {
	chunks := chunksOf(4, 16)
	root, levels := BuildMerkleTree(chunks)
	proof := BuildSliceProof(levels, 0)

	err := VerifyChunk(root, 1, chunks[0], proof)
	require.ErrorIs(t, err, ErrProofMismatch)
}
