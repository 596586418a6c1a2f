// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package syncsession

import (
	"encoding/binary"

	"github.com/luxfi/convoy/dagnode"
	"github.com/luxfi/convoy/xcrypto"
)

// Tier selects an IBLT sketch's cell count, trading size for decode
// success probability on a given set-difference size.
type Tier uint8

const (
	TierTiny Tier = iota
	TierSmall
	TierMedium
	TierLarge
)

func (t Tier) String() string {
	switch t {
	case TierTiny:
		return "Tiny"
	case TierSmall:
		return "Small"
	case TierMedium:
		return "Medium"
	case TierLarge:
		return "Large"
	default:
		return "Invalid"
	}
}

// cellCount is the number of IBLT cells at each tier.
func (t Tier) cellCount() int {
	switch t {
	case TierTiny:
		return 16
	case TierSmall:
		return 64
	case TierMedium:
		return 256
	case TierLarge:
		return 1024
	default:
		return 64
	}
}

// Promote steps to the next larger tier, saturating at Large.
func (t Tier) Promote() Tier {
	if t == TierLarge {
		return TierLarge
	}
	return t + 1
}

// Demote steps to the next smaller tier, floored at Tiny.
func (t Tier) Demote() Tier {
	if t == TierTiny {
		return TierTiny
	}
	return t - 1
}

// numHashFuncs is how many cells one hash maps into, the classic IBLT
// parameter trading decode probability against space; 4 is the
// standard choice for sets reconciled via random-graph peeling.
const numHashFuncs = 4

// sketchCell is one IBLT bucket: a signed count, the XOR of every
// inserted hash mapped to it (idSum), and a checksum over idSum used
// to detect false positives during peeling.
type sketchCell struct {
	count   int32
	idSum   [32]byte
	hashSum [32]byte
}

func (c *sketchCell) pure() bool {
	return (c.count == 1 || c.count == -1) && c.checksumMatches()
}

func (c *sketchCell) checksumMatches() bool {
	want := xcrypto.Hash(c.idSum[:])
	return [32]byte(want) == c.hashSum
}

func (c *sketchCell) empty() bool {
	return c.count == 0 && c.idSum == [32]byte{} && c.hashSum == [32]byte{}
}

func (c *sketchCell) xorIn(h [32]byte, sign int32) {
	c.count += sign
	for i := range c.idSum {
		c.idSum[i] ^= h[i]
	}
	sum := xcrypto.Hash(h[:])
	sumBytes := [32]byte(sum)
	for i := range c.hashSum {
		c.hashSum[i] ^= sumBytes[i]
	}
}

// IbltSketch is an invertible bloom lookup table over a set of
// dagnode hashes: inserting is O(numHashFuncs), and two sketches of
// the same tier XOR together into the symmetric difference of the
// sets each side inserted.
type IbltSketch struct {
	tier  Tier
	cells []sketchCell
}

// NewIbltSketch returns an empty sketch at tier.
func NewIbltSketch(tier Tier) *IbltSketch {
	return &IbltSketch{tier: tier, cells: make([]sketchCell, tier.cellCount())}
}

// BuildIbltSketch inserts every hash into a fresh sketch at tier.
func BuildIbltSketch(tier Tier, hashes []dagnode.Hash) *IbltSketch {
	s := NewIbltSketch(tier)
	for _, h := range hashes {
		s.Insert(h)
	}
	return s
}

// Tier reports the sketch's cell-count class.
func (s *IbltSketch) Tier() Tier { return s.tier }

func (s *IbltSketch) indices(h [32]byte) []int {
	idx := make([]int, 0, numHashFuncs)
	seen := make(map[int]bool, numHashFuncs)
	n := len(s.cells)
	for i := 0; i < numHashFuncs; i++ {
		seed := xcrypto.Hash(append([]byte{byte(i)}, h[:]...))
		seedBytes := [32]byte(seed)
		pos := int(binary.BigEndian.Uint32(seedBytes[:4]) % uint32(n))
		for seen[pos] {
			pos = (pos + 1) % n
		}
		seen[pos] = true
		idx = append(idx, pos)
	}
	return idx
}

// Insert adds hash with sign +1, marking it present in this sketch's
// set.
func (s *IbltSketch) Insert(hash dagnode.Hash) {
	h := [32]byte(hash)
	for _, i := range s.indices(h) {
		s.cells[i].xorIn(h, 1)
	}
}

// XORWith combines this sketch with other, which must share the same
// tier, producing the sketch of the symmetric difference: a hash
// present only in other now carries sign -1 here; a hash present only
// here keeps sign +1; a hash in both cancels to sign 0.
func (s *IbltSketch) XORWith(other *IbltSketch) (*IbltSketch, bool) {
	if s.tier != other.tier || len(s.cells) != len(other.cells) {
		return nil, false
	}
	out := NewIbltSketch(s.tier)
	for i := range s.cells {
		out.cells[i] = sketchCell{
			count:   s.cells[i].count - other.cells[i].count,
			idSum:   xorBytes(s.cells[i].idSum, other.cells[i].idSum),
			hashSum: xorBytes(s.cells[i].hashSum, other.cells[i].hashSum),
		}
	}
	return out, true
}

func xorBytes(a, b [32]byte) [32]byte {
	var out [32]byte
	for i := range out {
		out[i] = a[i] ^ b[i]
	}
	return out
}

// toWireCells exports the sketch's cells for transmission.
func (s *IbltSketch) toWireCells() []sketchCellWire {
	out := make([]sketchCellWire, len(s.cells))
	for i, c := range s.cells {
		out[i] = sketchCellWire{Count: c.count, IDSum: c.idSum, HashSum: c.hashSum}
	}
	return out
}

// fromWireCells reconstructs a sketch received over the wire.
func fromWireCells(tier Tier, cells []sketchCellWire) *IbltSketch {
	s := &IbltSketch{tier: tier, cells: make([]sketchCell, len(cells))}
	for i, c := range cells {
		s.cells[i] = sketchCell{count: c.Count, idSum: c.IDSum, hashSum: c.HashSum}
	}
	return s
}

// PeelResult is one hash recovered from a symmetric-difference sketch,
// tagged with which side held it: Local means only this side's set
// contained it (count was +1 after XORWith), Remote means only the
// peer's set did (count was -1).
type PeelResult struct {
	Hash   dagnode.Hash
	Local  bool
	Remote bool
}

// Peel decodes a symmetric-difference sketch (the output of XORWith)
// by repeatedly removing pure cells and subtracting their hash from
// every other cell it maps to, the standard IBLT listing algorithm.
// ok is false if cells remain that could not be reduced to zero,
// meaning the tier was too small for the actual set difference and
// the caller must promote and retry.
func (s *IbltSketch) Peel() (results []PeelResult, ok bool) {
	cells := make([]sketchCell, len(s.cells))
	copy(cells, s.cells)

	for {
		progressed := false
		for i := range cells {
			if cells[i].empty() || !cells[i].pure() {
				continue
			}
			h := cells[i].idSum
			sign := cells[i].count
			results = append(results, PeelResult{Hash: dagnode.Hash(h), Local: sign > 0, Remote: sign < 0})
			for _, j := range (&IbltSketch{tier: s.tier, cells: cells}).indices(h) {
				cells[j].xorIn(h, -sign)
			}
			progressed = true
		}
		if !progressed {
			break
		}
	}

	for i := range cells {
		if !cells[i].empty() {
			return results, false
		}
	}
	return results, true
}
