// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"
	"os"
	"sort"

	"github.com/luxfi/convoy/config"
	"github.com/luxfi/convoy/dagnode"
	"github.com/luxfi/convoy/xcrypto"
)

var ErrPackRecordNotFound = errors.New("store: pack record not found")

// IndexRecord is one entry in the sorted pack index: a node's
// location within compacted history plus enough metadata to answer a
// lookup without touching the underlying pack file.
type IndexRecord struct {
	Hash    dagnode.Hash
	Offset  uint64
	Rank    uint64
	Length  uint32
	Type    uint8
	Status  uint8
	Flags   uint16
}

const indexRecordLen = 32 + 8 + 8 + 4 + 1 + 1 + 2

// fanoutBits sizes the fanout table at 2^fanoutBits entries, narrowing
// a lookup to a small binary-search range by the hash's leading byte.
const fanoutBits = 8

// bloomBitsPerRecord is the bloom filter's false-positive/size
// tradeoff named by the persistent-store specification.
const bloomBitsPerRecord = 10

// PackIndex is the sorted, bloom-accelerated index over one
// compacted-history pack file: a lookup first consults the bloom
// filter to reject the overwhelming majority of absent hashes without
// a seek, then narrows via the fanout table, then binary-searches the
// narrowed range.
type PackIndex struct {
	records []IndexRecord // sorted by Hash

	fanout [1 << fanoutBits]uint32 // number of records whose leading byte is <= the entry's byte (end of that byte's range)

	bloom    []byte
	bloomLen uint32 // in bits
	numHash  int
}

// BuildPackIndex sorts records by hash and derives the fanout table
// and bloom filter from scratch — used when compacting a batch of
// history into a new pack.
func BuildPackIndex(records []IndexRecord) *PackIndex {
	sorted := append([]IndexRecord(nil), records...)
	sort.Slice(sorted, func(i, j int) bool { return lessHash(sorted[i].Hash, sorted[j].Hash) })

	idx := &PackIndex{records: sorted}
	idx.buildFanout()
	idx.buildBloom()
	return idx
}

func (idx *PackIndex) buildFanout() {
	pos := 0
	for b := 0; b < (1 << fanoutBits); b++ {
		for pos < len(idx.records) {
			hb := hashToBytes(idx.records[pos].Hash)
			if int(hb[0]) != b {
				break
			}
			pos++
		}
		idx.fanout[b] = uint32(pos)
	}
}

func (idx *PackIndex) buildBloom() {
	n := len(idx.records)
	if n == 0 {
		idx.bloomLen = bloomBitsPerRecord * 8
	} else {
		idx.bloomLen = uint32(n * bloomBitsPerRecord)
	}
	// Optimal hash count for m bits, n items: k = (m/n) * ln(2).
	idx.numHash = int(float64(bloomBitsPerRecord) * 0.6931471805599453)
	if idx.numHash < 1 {
		idx.numHash = 1
	}
	idx.bloom = make([]byte, (idx.bloomLen+7)/8)
	for _, r := range idx.records {
		idx.bloomAdd(r.Hash)
	}
}

// bloomPositions derives numHash bit positions for hash via the
// classic double-hashing construction (Kirsch-Mitzenmacher): two
// independent BLAKE3-derived 32-bit values combined linearly, so a
// single keyed hash stands in for k independent ones.
func (idx *PackIndex) bloomPositions(hash dagnode.Hash) []uint32 {
	hb := hashToBytes(hash)
	h1 := xcrypto.Hash(append([]byte{'1'}, hb[:]...))
	h2 := xcrypto.Hash(append([]byte{'2'}, hb[:]...))
	b1 := h1.Bytes()
	b2 := h2.Bytes()
	v1 := binary.BigEndian.Uint32(b1[:4])
	v2 := binary.BigEndian.Uint32(b2[:4])

	positions := make([]uint32, idx.numHash)
	for i := 0; i < idx.numHash; i++ {
		positions[i] = (v1 + uint32(i)*v2) % idx.bloomLen
	}
	return positions
}

func (idx *PackIndex) bloomAdd(hash dagnode.Hash) {
	for _, pos := range idx.bloomPositions(hash) {
		idx.bloom[pos/8] |= 1 << (pos % 8)
	}
}

func (idx *PackIndex) bloomMightContain(hash dagnode.Hash) bool {
	for _, pos := range idx.bloomPositions(hash) {
		if idx.bloom[pos/8]&(1<<(pos%8)) == 0 {
			return false
		}
	}
	return true
}

// Lookup returns the record for hash, or ErrPackRecordNotFound. A
// bloom-filter miss answers without narrowing or searching at all.
func (idx *PackIndex) Lookup(hash dagnode.Hash) (IndexRecord, error) {
	if !idx.bloomMightContain(hash) {
		return IndexRecord{}, ErrPackRecordNotFound
	}
	hb := hashToBytes(hash)
	lo, hi := idx.fanoutRange(hb[0])
	lo += sort.Search(hi-lo, func(i int) bool {
		return !lessHash(idx.records[lo+i].Hash, hash)
	})
	if lo < hi && idx.records[lo].Hash == hash {
		return idx.records[lo], nil
	}
	return IndexRecord{}, ErrPackRecordNotFound
}

func (idx *PackIndex) fanoutRange(leadingByte byte) (lo, hi int) {
	hi = int(idx.fanout[leadingByte])
	if leadingByte == 0 {
		lo = 0
	} else {
		lo = int(idx.fanout[leadingByte-1])
	}
	return lo, hi
}

// Len reports how many records the index covers.
func (idx *PackIndex) Len() int { return len(idx.records) }

// BloomBitsSet reports how many bloom bits are currently set, for
// tests asserting the filter actually absorbed insertions.
func (idx *PackIndex) BloomBitsSet() int {
	n := 0
	for _, b := range idx.bloom {
		n += bits.OnesCount8(b)
	}
	return n
}

// Save serializes the index to path: a header (magic + record count +
// bloom length in bits + bloom hash count), the fanout table, the
// bloom filter, then the sorted records.
func (idx *PackIndex) Save(fs FileSystem, path string) error {
	f, err := fs.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("store: open pack index: %w", err)
	}
	defer f.Close()

	var buf []byte
	buf = appendUint32(buf, config.PackIndexMagic)
	buf = appendUint32(buf, uint32(len(idx.records)))
	buf = appendUint32(buf, idx.bloomLen)
	buf = appendUint32(buf, uint32(idx.numHash))
	for _, v := range idx.fanout {
		buf = appendUint32(buf, v)
	}
	buf = append(buf, idx.bloom...)
	for _, r := range idx.records {
		hb := hashToBytes(r.Hash)
		buf = append(buf, hb[:]...)
		buf = appendUint64(buf, r.Offset)
		buf = appendUint64(buf, r.Rank)
		buf = appendUint32(buf, r.Length)
		buf = append(buf, r.Type, r.Status)
		buf = appendUint16(buf, r.Flags)
	}

	if _, err := f.WriteAt(buf, 0); err != nil {
		return fmt.Errorf("store: write pack index: %w", err)
	}
	return f.Sync()
}

// LoadPackIndex deserializes an index previously written by Save.
func LoadPackIndex(fs FileSystem, path string) (*PackIndex, error) {
	f, err := fs.OpenFile(path, os.O_RDONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("store: open pack index: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("store: stat pack index: %w", err)
	}
	buf := make([]byte, info.Size())
	if _, err := f.ReadAt(buf, 0); err != nil {
		return nil, fmt.Errorf("store: read pack index: %w", err)
	}

	r := reader{buf: buf}
	if magic := r.uint32(); magic != config.PackIndexMagic {
		return nil, fmt.Errorf("%w: pack index magic mismatch", ErrJournalCorrupt)
	}
	count := r.uint32()
	bloomLen := r.uint32()
	numHash := r.uint32()

	idx := &PackIndex{bloomLen: bloomLen, numHash: int(numHash)}
	for i := range idx.fanout {
		idx.fanout[i] = r.uint32()
	}
	idx.bloom = r.bytes(int((bloomLen + 7) / 8))

	idx.records = make([]IndexRecord, count)
	for i := uint32(0); i < count; i++ {
		var hashBytes [32]byte
		copy(hashBytes[:], r.bytes(32))
		idx.records[i] = IndexRecord{
			Hash:   bytesToHash(hashBytes),
			Offset: r.uint64(),
			Rank:   r.uint64(),
			Length: r.uint32(),
			Type:   r.byte(),
			Status: r.byte(),
			Flags:  r.uint16(),
		}
	}
	if r.err != nil {
		return nil, fmt.Errorf("store: decode pack index: %w", r.err)
	}
	return idx, nil
}

func appendUint32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendUint16(buf []byte, v uint16) []byte {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	return append(buf, tmp[:]...)
}

// reader is a small cursor over a byte slice used by LoadPackIndex and
// the ratchet-slots file, sparing each from hand-tracking an offset.
type reader struct {
	buf []byte
	pos int
	err error
}

func (r *reader) bytes(n int) []byte {
	if r.err != nil || r.pos+n > len(r.buf) {
		if r.err == nil {
			r.err = fmt.Errorf("store: short read at offset %d wanting %d bytes", r.pos, n)
		}
		return make([]byte, n)
	}
	out := r.buf[r.pos : r.pos+n]
	r.pos += n
	return out
}

func (r *reader) uint32() uint32 { return binary.BigEndian.Uint32(r.bytes(4)) }
func (r *reader) uint64() uint64 { return binary.BigEndian.Uint64(r.bytes(8)) }
func (r *reader) uint16() uint16 { return binary.BigEndian.Uint16(r.bytes(2)) }
func (r *reader) byte() uint8 {
	b := r.bytes(1)
	return b[0]
}
