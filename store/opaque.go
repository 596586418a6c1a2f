// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/luxfi/convoy/config"
	"github.com/luxfi/convoy/dagnode"
)

var ErrOpaqueNotFound = errors.New("store: opaque record not found")

// opaqueIndexEntry locates one hash within the segment set.
type opaqueIndexEntry struct {
	hash      dagnode.Hash
	segmentID uint64
	offset    int64
	length    int64
	isAnchor  bool // admin / KeyWrap record — survives eviction by rewrite
}

// OpaqueStore holds wire-encoded nodes received before the key
// material needed to decode them arrives: segmented flat files capped
// at config.OpaqueSegmentMaxSize each and config.OpaqueTotalMaxSize in
// aggregate, with a sorted in-memory index persisted to index.bin.
// When the total exceeds the cap, the oldest segments are pruned —
// but first, any admin or KeyWrap "anchor" record they hold is
// rewritten into the newest segment so authority history survives the
// eviction.
type OpaqueStore struct {
	mu sync.Mutex

	fs  FileSystem
	dir string

	segments   map[uint64]File
	nextID     uint64
	segmentLen map[uint64]int64

	index map[dagnode.Hash]opaqueIndexEntry
}

// OpenOpaqueStore opens (creating if absent) the opaque segment store
// rooted at dir, loading index.bin if present.
func OpenOpaqueStore(fs FileSystem, dir string) (*OpaqueStore, error) {
	if err := fs.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("store: create opaque dir: %w", err)
	}
	s := &OpaqueStore{
		fs:         fs,
		dir:        dir,
		segments:   make(map[uint64]File),
		segmentLen: make(map[uint64]int64),
		index:      make(map[dagnode.Hash]opaqueIndexEntry),
	}
	if err := s.loadIndex(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *OpaqueStore) segmentPath(id uint64) string {
	return filepath.Join(s.dir, fmt.Sprintf("%020d.bin", id))
}

func (s *OpaqueStore) indexPath() string {
	return filepath.Join(s.dir, "index.bin")
}

func (s *OpaqueStore) segment(id uint64) (File, error) {
	if f, ok := s.segments[id]; ok {
		return f, nil
	}
	f, err := s.fs.OpenFile(s.segmentPath(id), os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("store: open opaque segment %d: %w", id, err)
	}
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("store: stat opaque segment %d: %w", id, err)
	}
	s.segments[id] = f
	s.segmentLen[id] = info.Size()
	if id >= s.nextID {
		s.nextID = id + 1
	}
	return f, nil
}

// Put appends wireBytes to the newest non-full segment (rolling to a
// fresh one past config.OpaqueSegmentMaxSize), records the index
// entry, and enforces the total-size cap.
func (s *OpaqueStore) Put(hash dagnode.Hash, wireBytes []byte, isAnchor bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.index[hash]; exists {
		return nil
	}

	id := s.currentSegmentID()
	f, err := s.segment(id)
	if err != nil {
		return err
	}
	if s.segmentLen[id]+int64(len(wireBytes)) > config.OpaqueSegmentMaxSize {
		id++
		f, err = s.segment(id)
		if err != nil {
			return err
		}
	}

	offset := s.segmentLen[id]
	if _, err := f.WriteAt(wireBytes, offset); err != nil {
		return fmt.Errorf("store: append opaque record: %w", err)
	}
	if err := f.Sync(); err != nil {
		return err
	}
	s.segmentLen[id] += int64(len(wireBytes))

	s.index[hash] = opaqueIndexEntry{
		hash: hash, segmentID: id, offset: offset, length: int64(len(wireBytes)), isAnchor: isAnchor,
	}

	if err := s.saveIndex(); err != nil {
		return err
	}
	return s.enforceTotalCap()
}

func (s *OpaqueStore) currentSegmentID() uint64 {
	if s.nextID == 0 {
		return 0
	}
	return s.nextID - 1
}

// Get returns the wire bytes for hash, or ErrOpaqueNotFound.
func (s *OpaqueStore) Get(hash dagnode.Hash) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.index[hash]
	if !ok {
		return nil, ErrOpaqueNotFound
	}
	f, err := s.segment(entry.segmentID)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, entry.length)
	if _, err := f.ReadAt(buf, entry.offset); err != nil {
		return nil, fmt.Errorf("store: read opaque record: %w", err)
	}
	return buf, nil
}

// Delete removes hash from the index, e.g. once the node has been
// decoded and admitted into the journal.
func (s *OpaqueStore) Delete(hash dagnode.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.index, hash)
	return s.saveIndex()
}

func (s *OpaqueStore) totalSize() int64 {
	var total int64
	for _, n := range s.segmentLen {
		total += n
	}
	return total
}

// enforceTotalCap prunes the oldest segment(s) once the aggregate
// size exceeds config.OpaqueTotalMaxSize, first rewriting any anchor
// record the evicted segment holds into the newest segment so
// authority history survives the eviction.
func (s *OpaqueStore) enforceTotalCap() error {
	for s.totalSize() > config.OpaqueTotalMaxSize {
		oldest, ok := s.oldestSegmentID()
		if !ok {
			return nil
		}
		if err := s.migrateAnchors(oldest); err != nil {
			return err
		}
		if err := s.dropSegment(oldest); err != nil {
			return err
		}
	}
	return nil
}

func (s *OpaqueStore) oldestSegmentID() (uint64, bool) {
	var min uint64
	found := false
	for id := range s.segmentLen {
		if !found || id < min {
			min = id
			found = true
		}
	}
	return min, found
}

// migrateAnchors rewrites every anchor record in segment id into the
// newest segment before the segment is dropped, preserving admin and
// KeyWrap history through eviction.
func (s *OpaqueStore) migrateAnchors(id uint64) error {
	var anchors []opaqueIndexEntry
	for _, e := range s.index {
		if e.segmentID == id && e.isAnchor {
			anchors = append(anchors, e)
		}
	}
	if len(anchors) == 0 {
		return nil
	}
	src, err := s.segment(id)
	if err != nil {
		return err
	}
	for _, e := range anchors {
		buf := make([]byte, e.length)
		if _, err := src.ReadAt(buf, e.offset); err != nil {
			return fmt.Errorf("store: read anchor record: %w", err)
		}
		destID := s.currentSegmentID()
		if destID == id {
			destID++
		}
		dest, err := s.segment(destID)
		if err != nil {
			return err
		}
		offset := s.segmentLen[destID]
		if _, err := dest.WriteAt(buf, offset); err != nil {
			return fmt.Errorf("store: rewrite anchor record: %w", err)
		}
		if err := dest.Sync(); err != nil {
			return err
		}
		s.segmentLen[destID] += int64(len(buf))
		s.index[e.hash] = opaqueIndexEntry{hash: e.hash, segmentID: destID, offset: offset, length: int64(len(buf)), isAnchor: true}
	}
	return nil
}

func (s *OpaqueStore) dropSegment(id uint64) error {
	for hash, e := range s.index {
		if e.segmentID == id {
			delete(s.index, hash)
		}
	}
	if f, ok := s.segments[id]; ok {
		_ = f.Close()
		delete(s.segments, id)
	}
	delete(s.segmentLen, id)
	if err := s.fs.Remove(s.segmentPath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("store: remove pruned opaque segment: %w", err)
	}
	return s.saveIndex()
}

// saveIndex persists the sorted index to index.bin: a flat array of
// fixed-size records (32-byte hash, 8-byte segment id, 8-byte offset,
// 8-byte length, 1-byte anchor flag), sorted by hash for deterministic
// reads.
func (s *OpaqueStore) saveIndex() error {
	entries := make([]opaqueIndexEntry, 0, len(s.index))
	for _, e := range s.index {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return lessHash(entries[i].hash, entries[j].hash)
	})

	const recordLen = 32 + 8 + 8 + 8 + 1
	buf := make([]byte, 0, len(entries)*recordLen)
	for _, e := range entries {
		hashBytes := hashToBytes(e.hash)
		buf = append(buf, hashBytes[:]...)
		buf = appendUint64(buf, e.segmentID)
		buf = appendUint64(buf, uint64(e.offset))
		buf = appendUint64(buf, uint64(e.length))
		if e.isAnchor {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	}

	f, err := s.fs.OpenFile(s.indexPath(), os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("store: open opaque index: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteAt(buf, 0); err != nil {
		return fmt.Errorf("store: write opaque index: %w", err)
	}
	return f.Sync()
}

func (s *OpaqueStore) loadIndex() error {
	f, err := s.fs.OpenFile(s.indexPath(), os.O_RDONLY, 0o600)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("store: open opaque index: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("store: stat opaque index: %w", err)
	}
	const recordLen = 32 + 8 + 8 + 8 + 1
	buf := make([]byte, info.Size())
	if _, err := f.ReadAt(buf, 0); err != nil {
		return fmt.Errorf("store: read opaque index: %w", err)
	}
	for off := 0; off+recordLen <= len(buf); off += recordLen {
		rec := buf[off : off+recordLen]
		var hashBytes [32]byte
		copy(hashBytes[:], rec[:32])
		hash := bytesToHash(hashBytes)
		segmentID := binary.BigEndian.Uint64(rec[32:40])
		offset := int64(binary.BigEndian.Uint64(rec[40:48]))
		length := int64(binary.BigEndian.Uint64(rec[48:56]))
		isAnchor := rec[56] == 1
		s.index[hash] = opaqueIndexEntry{hash: hash, segmentID: segmentID, offset: offset, length: length, isAnchor: isAnchor}
		if segmentID >= s.nextID {
			s.nextID = segmentID + 1
		}
	}
	return nil
}

// Close releases every open segment handle.
func (s *OpaqueStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, f := range s.segments {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func appendUint64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}
