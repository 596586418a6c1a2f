// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package store

import (
	"encoding/binary"
	"fmt"
	"os"
)

// stateMagic tags state.bin, distinguishing it from a zero-length or
// foreign file on open.
var stateMagic = [8]byte{'C', 'O', 'N', 'V', 'O', 'Y', 'S', 'T'}

const stateFileSize = 8 + 8 // magic + active_journal_id

// StateFile records the generation id the journal is expected to
// carry. A mismatch between what the journal header declares and what
// state.bin records — e.g. after an unplanned reboot that lost the
// last fsync — forces the journal to be treated as empty from the
// last checkpoint rather than silently trusted.
type StateFile struct {
	fs   FileSystem
	path string
}

// OpenStateFile returns a handle to state.bin at path, which need not
// exist yet.
func OpenStateFile(fs FileSystem, path string) *StateFile {
	return &StateFile{fs: fs, path: path}
}

// ActiveJournalID reads the recorded generation id, returning
// (0, false, nil) if state.bin does not yet exist.
func (s *StateFile) ActiveJournalID() (uint64, bool, error) {
	f, err := s.fs.OpenFile(s.path, os.O_RDONLY, 0o600)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("store: open state file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, false, fmt.Errorf("store: stat state file: %w", err)
	}
	if info.Size() == 0 {
		return 0, false, nil
	}
	buf := make([]byte, stateFileSize)
	if _, err := f.ReadAt(buf, 0); err != nil {
		return 0, false, fmt.Errorf("store: read state file: %w", err)
	}
	var magic [8]byte
	copy(magic[:], buf[:8])
	if magic != stateMagic {
		return 0, false, ErrJournalCorrupt
	}
	return binary.BigEndian.Uint64(buf[8:16]), true, nil
}

// SetActiveJournalID records generationID as the expected active
// journal generation, overwriting any prior value.
func (s *StateFile) SetActiveJournalID(generationID uint64) error {
	f, err := s.fs.OpenFile(s.path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return fmt.Errorf("store: open state file: %w", err)
	}
	defer f.Close()

	buf := make([]byte, stateFileSize)
	copy(buf[:8], stateMagic[:])
	binary.BigEndian.PutUint64(buf[8:16], generationID)
	if _, err := f.WriteAt(buf, 0); err != nil {
		return fmt.Errorf("store: write state file: %w", err)
	}
	return f.Sync()
}
