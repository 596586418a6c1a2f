// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/luxfi/convoy/config"
	"github.com/luxfi/convoy/xcrypto"
)

// RecordType discriminates one journal frame's payload.
type RecordType uint8

const (
	RecordNode RecordType = iota
	RecordVouch
	RecordBlacklist
	RecordPromotion
	RecordRatchetAdvance
)

func (t RecordType) String() string {
	switch t {
	case RecordNode:
		return "Node"
	case RecordVouch:
		return "Vouch"
	case RecordBlacklist:
		return "Blacklist"
	case RecordPromotion:
		return "Promotion"
	case RecordRatchetAdvance:
		return "RatchetAdvance"
	default:
		return "Invalid"
	}
}

// journalHeaderSize is the fixed 16-byte header: an 8-byte magic
// spelling "CONVOYJR" followed by the 8-byte generation id.
const journalHeaderSize = 16

var journalMagic = [8]byte{'C', 'O', 'N', 'V', 'O', 'Y', 'J', 'R'}

// frameHeaderLen is the per-record framing overhead before the
// payload: 4-byte length + 32-byte hash + 1-byte type.
const frameHeaderLen = 4 + 32 + 1

// maxRecordLen bounds a single frame's payload so a corrupt length
// field can never cause the recovery scan to seek wildly past EOF.
const maxRecordLen = 64 * 1024 * 1024

var (
	ErrJournalCorrupt = errors.New("store: journal header corrupt")
	ErrRecordTooLarge = errors.New("store: record payload exceeds frame limit")
)

// Record is one decoded journal frame.
type Record struct {
	Type    RecordType
	Payload []byte
}

// Journal is the per-conversation append-only log described in the
// persistent-store specification: a generation-tagged header, framed
// records each carrying their own payload hash, and an optional
// tail-commit footer written on graceful shutdown so a clean restart
// can skip a full replay.
type Journal struct {
	fs   FileSystem
	path string
	f    File

	generationID uint64
	size         int64 // current end-of-data offset, excluding any footer
}

// OpenJournal opens (creating if absent) the journal at path. A new
// file is stamped with expectedGeneration. An existing file's stored
// generation id is compared against expectedGeneration and returned
// as generationMatch; per the generation-id gating invariant, a
// mismatch means the caller must treat the journal as empty from the
// header onward rather than trust its footer or replay its records.
func OpenJournal(fs FileSystem, path string, expectedGeneration uint64) (j *Journal, generationMatch bool, err error) {
	f, err := fs.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, false, fmt.Errorf("store: open journal: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		return nil, false, fmt.Errorf("store: stat journal: %w", err)
	}

	j = &Journal{fs: fs, path: path, f: f}

	if info.Size() == 0 {
		j.generationID = expectedGeneration
		if err := j.writeHeader(); err != nil {
			return nil, false, err
		}
		j.size = journalHeaderSize
		return j, true, nil
	}

	header := make([]byte, journalHeaderSize)
	if _, err := f.ReadAt(header, 0); err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrJournalCorrupt, err)
	}
	var magic [8]byte
	copy(magic[:], header[:8])
	if magic != journalMagic {
		return nil, false, ErrJournalCorrupt
	}
	j.generationID = binary.BigEndian.Uint64(header[8:16])
	j.size = info.Size()

	return j, j.generationID == expectedGeneration, nil
}

func (j *Journal) writeHeader() error {
	buf := make([]byte, journalHeaderSize)
	copy(buf[:8], journalMagic[:])
	binary.BigEndian.PutUint64(buf[8:16], j.generationID)
	if _, err := j.f.WriteAt(buf, 0); err != nil {
		return err
	}
	return j.f.Sync()
}

// GenerationID returns the generation id stamped in this journal's
// header.
func (j *Journal) GenerationID() uint64 { return j.generationID }

// Append writes one framed record at the current end of the journal,
// first truncating any trailing footer a prior graceful shutdown may
// have left. The record's hash is computed over payload so recovery
// can detect a torn write independent of the record's declared
// length.
func (j *Journal) Append(recordType RecordType, payload []byte) error {
	if len(payload) > maxRecordLen {
		return ErrRecordTooLarge
	}
	if err := j.f.Truncate(j.size); err != nil {
		return fmt.Errorf("store: truncate trailing footer: %w", err)
	}

	frame := make([]byte, 0, frameHeaderLen+len(payload))
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	frame = append(frame, lenBuf[:]...)
	sum := xcrypto.Hash(payload)
	frame = append(frame, sum.Bytes()...)
	frame = append(frame, byte(recordType))
	frame = append(frame, payload...)

	n, err := j.f.WriteAt(frame, j.size)
	if err != nil {
		// Whatever was written (e.g. a partial write on ENOSPC) stays
		// on disk; the next recovery scan truncates it away without
		// touching records already committed before this offset.
		return fmt.Errorf("store: append record: %w", err)
	}
	j.size += int64(n)
	return j.f.Sync()
}

// Recover returns every record in the journal. If a tail-commit
// footer from a prior graceful shutdown attests to the exact frames
// present, recovery trusts that one aggregate check instead of
// replaying the frame-by-frame verify-and-truncate scan a crash would
// require. Otherwise it falls back to recoverStrict, which re-derives
// the same result the slow way and repairs a torn tail write.
func (j *Journal) Recover() ([]Record, error) {
	if records, ok := j.recoverFast(); ok {
		return records, nil
	}
	return j.recoverStrict()
}

// recoverFast parses every frame by its declared length only, without
// recomputing or comparing any individual record's hash, then
// confirms the whole batch in one shot against the tail-commit
// footer. It reports ok=false — meaning the caller must fall back to
// recoverStrict — if there's no footer, a frame doesn't parse
// cleanly, or the aggregate hash doesn't match; any of those mean the
// journal wasn't closed cleanly last time and needs the defensive
// scan.
func (j *Journal) recoverFast() (records []Record, ok bool) {
	if j.size < journalHeaderSize {
		return nil, false
	}
	data := make([]byte, j.size-journalHeaderSize)
	n, err := j.f.ReadAt(data, journalHeaderSize)
	if err != nil && err != io.EOF {
		return nil, false
	}
	data = data[:n]

	offset := 0
	for offset < len(data) {
		if len(data)-offset < frameHeaderLen {
			return nil, false
		}
		length := binary.BigEndian.Uint32(data[offset : offset+4])
		if length > maxRecordLen || offset+frameHeaderLen+int(length) > len(data) {
			return nil, false
		}
		recordType := RecordType(data[offset+36])
		payload := data[offset+frameHeaderLen : offset+frameHeaderLen+int(length)]
		records = append(records, Record{Type: recordType, Payload: payload})
		offset += frameHeaderLen + int(length)
	}
	if !j.HasValidFooter(records) {
		return nil, false
	}
	return records, true
}

// recoverStrict scans every record from the header onward, returning
// those whose stored hash matches their payload. The scan stops — and
// the journal is truncated — at the first record whose hash fails to
// verify or whose declared length would overrun EOF, per the crash-
// atomicity invariant that a partial tail write never corrupts
// earlier committed records.
func (j *Journal) recoverStrict() ([]Record, error) {
	offset := int64(journalHeaderSize)
	var records []Record

	for {
		header := make([]byte, frameHeaderLen)
		n, err := j.f.ReadAt(header, offset)
		if err != nil && err != io.EOF {
			return nil, fmt.Errorf("store: read record header: %w", err)
		}
		if n < frameHeaderLen {
			break // trailing partial header; nothing usable beyond here
		}

		length := binary.BigEndian.Uint32(header[:4])
		if length > maxRecordLen {
			break
		}
		var wantHash [32]byte
		copy(wantHash[:], header[4:36])
		recordType := RecordType(header[36])

		payload := make([]byte, length)
		pn, err := j.f.ReadAt(payload, offset+frameHeaderLen)
		if err != nil && err != io.EOF {
			return nil, fmt.Errorf("store: read record payload: %w", err)
		}
		if pn < int(length) {
			break // torn tail write
		}

		gotHash := xcrypto.Hash(payload)
		var got [32]byte
		copy(got[:], gotHash.Bytes())
		if got != wantHash {
			break // corrupt payload; stop before trusting anything past it
		}

		records = append(records, Record{Type: recordType, Payload: payload})
		offset += int64(frameHeaderLen) + int64(length)
	}

	if offset != j.size {
		if err := j.f.Truncate(offset); err != nil {
			return nil, fmt.Errorf("store: truncate corrupt tail: %w", err)
		}
		j.size = offset
	}
	return records, nil
}

// CommitFooter writes a tail-commit footer summarizing every record
// currently in the journal, so the next clean-restart Recover can take
// its fast path instead of verifying each frame's own hash. Any
// existing footer is overwritten since Append always truncates to
// j.size first.
func (j *Journal) CommitFooter(records []Record) error {
	h := make([]byte, 0, 32*len(records))
	for _, r := range records {
		sum := xcrypto.Hash(r.Payload)
		h = append(h, sum.Bytes()...)
	}
	combined := xcrypto.Hash(h)

	footer := make([]byte, 0, 4+4+32)
	var magicBuf [4]byte
	binary.BigEndian.PutUint32(magicBuf[:], config.JournalFooterMagic)
	footer = append(footer, magicBuf[:]...)
	var countBuf [4]byte
	binary.BigEndian.PutUint32(countBuf[:], uint32(len(records)))
	footer = append(footer, countBuf[:]...)
	footer = append(footer, combined.Bytes()...)

	if _, err := j.f.WriteAt(footer, j.size); err != nil {
		return fmt.Errorf("store: write tail-commit footer: %w", err)
	}
	return j.f.Sync()
}

// Close releases the underlying file handle.
func (j *Journal) Close() error { return j.f.Close() }

// Size reports the journal's current data length, excluding any
// footer — exposed for tests asserting truncation behavior.
func (j *Journal) Size() int64 { return j.size }

const footerLen = 4 + 4 + 32

// HasValidFooter reports whether a tail-commit footer immediately
// follows the current data region and its aggregate hash matches
// records.
func (j *Journal) HasValidFooter(records []Record) bool {
	footer := make([]byte, footerLen)
	n, err := j.f.ReadAt(footer, j.size)
	if err != nil && err != io.EOF {
		return false
	}
	if n < footerLen {
		return false
	}
	if binary.BigEndian.Uint32(footer[:4]) != config.JournalFooterMagic {
		return false
	}
	if binary.BigEndian.Uint32(footer[4:8]) != uint32(len(records)) {
		return false
	}
	h := make([]byte, 0, 32*len(records))
	for _, r := range records {
		sum := xcrypto.Hash(r.Payload)
		h = append(h, sum.Bytes()...)
	}
	combined := xcrypto.Hash(h)
	return string(combined.Bytes()) == string(footer[8:40])
}
