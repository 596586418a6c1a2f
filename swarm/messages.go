// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package swarm implements content-addressed blob fetching: seeder
// tracking, a fewest-in-flight chunk scheduler, and Bao slice-proof
// verification of received chunks against a blob's root hash.
package swarm

import (
	"fmt"

	"github.com/luxfi/convoy/wire"
)

// BlobQuery asks peers whether they hold a blob.
type BlobQuery struct {
	_        struct{} `cbor:",toarray"`
	BlobHash [32]byte
}

func (m BlobQuery) Encode() ([]byte, error) { return wire.Default().Marshal(wire.CurrentVersion, m) }

func DecodeBlobQuery(data []byte) (BlobQuery, error) {
	var m BlobQuery
	if _, err := wire.Default().Unmarshal(data, &m); err != nil {
		return BlobQuery{}, fmt.Errorf("swarm: decode BlobQuery: %w", err)
	}
	return m, nil
}

// BlobAvail answers a BlobQuery, advertising possession and the blob's
// Bao root and size so the requester can size its chunk bitmap.
type BlobAvail struct {
	_        struct{} `cbor:",toarray"`
	BlobHash [32]byte
	BaoRoot  [32]byte
	Size     uint64
}

func (m BlobAvail) Encode() ([]byte, error) { return wire.Default().Marshal(wire.CurrentVersion, m) }

func DecodeBlobAvail(data []byte) (BlobAvail, error) {
	var m BlobAvail
	if _, err := wire.Default().Unmarshal(data, &m); err != nil {
		return BlobAvail{}, fmt.Errorf("swarm: decode BlobAvail: %w", err)
	}
	return m, nil
}

// BlobReq requests one chunk of a blob by index.
type BlobReq struct {
	_          struct{} `cbor:",toarray"`
	BlobHash   [32]byte
	ChunkIndex uint32
}

func (m BlobReq) Encode() ([]byte, error) { return wire.Default().Marshal(wire.CurrentVersion, m) }

func DecodeBlobReq(data []byte) (BlobReq, error) {
	var m BlobReq
	if _, err := wire.Default().Unmarshal(data, &m); err != nil {
		return BlobReq{}, fmt.Errorf("swarm: decode BlobReq: %w", err)
	}
	return m, nil
}

// BlobData carries one chunk's bytes plus the Bao slice proof needed
// to verify it against the blob's root without the rest of the tree.
type BlobData struct {
	_          struct{} `cbor:",toarray"`
	BlobHash   [32]byte
	ChunkIndex uint32
	Data       []byte
	Proof      SliceProof
}

func (m BlobData) Encode() ([]byte, error) { return wire.Default().Marshal(wire.CurrentVersion, m) }

func DecodeBlobData(data []byte) (BlobData, error) {
	var m BlobData
	if _, err := wire.Default().Unmarshal(data, &m); err != nil {
		return BlobData{}, fmt.Errorf("swarm: decode BlobData: %w", err)
	}
	return m, nil
}
