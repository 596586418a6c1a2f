// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/luxfi/convoy/config"
)

var ErrRatchetFileCorrupt = errors.New("store: ratchet slots file corrupt")

// ratchetSlotLen is the fixed 72-byte record: 32-byte sender_pk,
// 32-byte chain_key, 8-byte sequence counter.
const ratchetSlotLen = 32 + 32 + 8

const ratchetHeaderLen = 16

// RatchetSlot is one durable per-sender chain-key checkpoint.
type RatchetSlot struct {
	SenderPk []byte // 32 bytes
	ChainKey [32]byte
	Counter  uint64
}

// RatchetFile is the fixed-record file persisting the next chain key
// due each sender, keyed by position — slot i is the most recent
// checkpoint for the i-th sender the file has seen, identified by
// scanning for a matching SenderPk.
type RatchetFile struct {
	fs   FileSystem
	path string
	f    File

	slots    []RatchetSlot
	posBySender map[string]int
}

// OpenRatchetFile opens (creating if absent) the ratchet-slots file at
// path, loading any existing slots into memory.
func OpenRatchetFile(fs FileSystem, path string) (*RatchetFile, error) {
	f, err := fs.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("store: open ratchet file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("store: stat ratchet file: %w", err)
	}

	rf := &RatchetFile{fs: fs, path: path, f: f, posBySender: make(map[string]int)}

	if info.Size() == 0 {
		header := make([]byte, ratchetHeaderLen)
		binary.BigEndian.PutUint32(header[:4], config.RatchetFileMagic)
		if _, err := f.WriteAt(header, 0); err != nil {
			return nil, fmt.Errorf("store: write ratchet file header: %w", err)
		}
		if err := f.Sync(); err != nil {
			return nil, err
		}
		return rf, nil
	}

	header := make([]byte, ratchetHeaderLen)
	if _, err := f.ReadAt(header, 0); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRatchetFileCorrupt, err)
	}
	if binary.BigEndian.Uint32(header[:4]) != config.RatchetFileMagic {
		return nil, ErrRatchetFileCorrupt
	}

	body := info.Size() - ratchetHeaderLen
	n := body / ratchetSlotLen
	for i := int64(0); i < n; i++ {
		buf := make([]byte, ratchetSlotLen)
		if _, err := f.ReadAt(buf, ratchetHeaderLen+i*ratchetSlotLen); err != nil {
			return nil, fmt.Errorf("store: read ratchet slot %d: %w", i, err)
		}
		slot := RatchetSlot{SenderPk: append([]byte(nil), buf[:32]...)}
		copy(slot.ChainKey[:], buf[32:64])
		slot.Counter = binary.BigEndian.Uint64(buf[64:72])
		rf.posBySender[string(slot.SenderPk)] = len(rf.slots)
		rf.slots = append(rf.slots, slot)
	}
	return rf, nil
}

// Put writes or overwrites the slot for senderPk.
func (rf *RatchetFile) Put(senderPk []byte, chainKey [32]byte, counter uint64) error {
	buf := make([]byte, ratchetSlotLen)
	copy(buf[:32], senderPk)
	copy(buf[32:64], chainKey[:])
	binary.BigEndian.PutUint64(buf[64:72], counter)

	pos, exists := rf.posBySender[string(senderPk)]
	if !exists {
		pos = len(rf.slots)
		rf.posBySender[string(senderPk)] = pos
		rf.slots = append(rf.slots, RatchetSlot{})
	}
	rf.slots[pos] = RatchetSlot{SenderPk: append([]byte(nil), senderPk...), ChainKey: chainKey, Counter: counter}

	if _, err := rf.f.WriteAt(buf, ratchetHeaderLen+int64(pos)*ratchetSlotLen); err != nil {
		return fmt.Errorf("store: write ratchet slot: %w", err)
	}
	return rf.f.Sync()
}

// Get returns the slot for senderPk, if any.
func (rf *RatchetFile) Get(senderPk []byte) (RatchetSlot, bool) {
	pos, ok := rf.posBySender[string(senderPk)]
	if !ok {
		return RatchetSlot{}, false
	}
	return rf.slots[pos], true
}

// Delete removes senderPk's slot by swapping the last slot into its
// position and truncating, keeping the file dense.
func (rf *RatchetFile) Delete(senderPk []byte) error {
	pos, ok := rf.posBySender[string(senderPk)]
	if !ok {
		return nil
	}
	last := len(rf.slots) - 1
	if pos != last {
		rf.slots[pos] = rf.slots[last]
		rf.posBySender[string(rf.slots[pos].SenderPk)] = pos
		moved := rf.slots[pos]
		buf := make([]byte, ratchetSlotLen)
		copy(buf[:32], moved.SenderPk)
		copy(buf[32:64], moved.ChainKey[:])
		binary.BigEndian.PutUint64(buf[64:72], moved.Counter)
		if _, err := rf.f.WriteAt(buf, ratchetHeaderLen+int64(pos)*ratchetSlotLen); err != nil {
			return fmt.Errorf("store: rewrite ratchet slot: %w", err)
		}
	}
	rf.slots = rf.slots[:last]
	delete(rf.posBySender, string(senderPk))
	if err := rf.f.Truncate(ratchetHeaderLen + int64(last)*ratchetSlotLen); err != nil {
		return fmt.Errorf("store: truncate ratchet file: %w", err)
	}
	return rf.f.Sync()
}

// Close releases the underlying file handle.
func (rf *RatchetFile) Close() error { return rf.f.Close() }

// Len reports how many slots the file currently holds.
func (rf *RatchetFile) Len() int { return len(rf.slots) }
