// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package store

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/luxfi/convoy/dagnode"
	"github.com/luxfi/convoy/effect"
)

// ConversationStore composes the journal, opaque segment store,
// ratchet-slots file, and generation-id state file into the single
// durable backend one conversation's node loop applies Effects
// against. It implements the generation-id gating invariant: a
// journal whose header generation doesn't match state.bin's recorded
// value is treated as empty from the last checkpoint rather than
// replayed.
type ConversationStore struct {
	fs  FileSystem
	dir string

	state   *StateFile
	journal *Journal
	opaque  *OpaqueStore
	ratchet *RatchetFile

	generationGated bool
}

// OpenConversationStore opens every component rooted at dir (created
// if absent). If the journal's stored generation doesn't match
// state.bin's recorded active_journal_id, the journal is reset to a
// fresh generation and generationGated is reported true so the caller
// knows to re-derive conversation state from the opaque store and any
// surviving pack files rather than trust a stale journal.
func OpenConversationStore(fs FileSystem, dir string) (*ConversationStore, error) {
	if err := fs.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("store: create conversation dir: %w", err)
	}

	statePath := filepath.Join(dir, "state.bin")
	state := OpenStateFile(fs, statePath)
	expected, hadState, err := state.ActiveJournalID()
	if err != nil {
		return nil, err
	}
	if !hadState {
		expected = uint64(time.Now().UnixNano())
		if err := state.SetActiveJournalID(expected); err != nil {
			return nil, err
		}
	}

	journalPath := filepath.Join(dir, "journal.bin")
	journal, matched, err := OpenJournal(fs, journalPath, expected)
	if err != nil {
		return nil, err
	}

	gated := hadState && !matched
	if gated {
		// Unplanned-reboot recovery: the on-disk journal belongs to a
		// generation state.bin no longer recognizes. Start a fresh
		// generation rather than trust anything in it.
		if err := journal.Close(); err != nil {
			return nil, err
		}
		fresh := uint64(time.Now().UnixNano())
		if err := state.SetActiveJournalID(fresh); err != nil {
			return nil, err
		}
		if err := fs.Remove(journalPath); err != nil {
			return nil, fmt.Errorf("store: remove stale journal: %w", err)
		}
		journal, _, err = OpenJournal(fs, journalPath, fresh)
		if err != nil {
			return nil, err
		}
	}

	opaque, err := OpenOpaqueStore(fs, filepath.Join(dir, "opaque"))
	if err != nil {
		return nil, err
	}
	ratchet, err := OpenRatchetFile(fs, filepath.Join(dir, "ratchet.bin"))
	if err != nil {
		return nil, err
	}

	return &ConversationStore{
		fs: fs, dir: dir,
		state: state, journal: journal, opaque: opaque, ratchet: ratchet,
		generationGated: gated,
	}, nil
}

// GenerationGated reports whether this open found a stale journal and
// started fresh, per the generation-id gating invariant.
func (s *ConversationStore) GenerationGated() bool { return s.generationGated }

// Recover replays the journal, returning the decoded nodes and
// control records it held — the pre-crash state the engine must
// re-speculate against, per the effect system's recovery contract.
func (s *ConversationStore) Recover(conv dagnode.ConversationID) ([]*dagnode.Node, []Record, error) {
	records, err := s.journal.Recover()
	if err != nil {
		return nil, nil, err
	}
	var nodes []*dagnode.Node
	var others []Record
	for _, r := range records {
		if r.Type != RecordNode {
			others = append(others, r)
			continue
		}
		n, err := dagnode.Decode(conv, r.Payload)
		if err != nil {
			// A record that journaled cleanly but no longer decodes
			// under the current wire format is dropped rather than
			// aborting recovery of everything after it.
			continue
		}
		nodes = append(nodes, n)
	}
	return nodes, others, nil
}

// ApplyEffect durably applies one engine-emitted effect. Effects that
// don't touch the store (UpdateHeads, EmitEvent) are no-ops here; the
// node loop routes those elsewhere.
func (s *ConversationStore) ApplyEffect(e effect.Effect) error {
	switch e.Kind {
	case effect.KindWriteStore:
		wireBytes, err := e.WriteStore.Node.Encode()
		if err != nil {
			return fmt.Errorf("store: encode node for journal: %w", err)
		}
		return s.journal.Append(RecordNode, wireBytes)
	case effect.KindWriteWireNode:
		isAnchor := false // callers wanting anchor preservation call PutOpaqueAnchor directly
		return s.opaque.Put(e.WriteWireNode.Hash, e.WriteWireNode.WireBytes, isAnchor)
	case effect.KindWriteRatchetKey:
		seq := dagnode.NewSequenceNumber(e.WriteRatchetKey.Epoch, e.WriteRatchetKey.Counter)
		return s.ratchet.Put(e.WriteRatchetKey.SenderPk, e.WriteRatchetKey.ChainKey, uint64(seq))
	case effect.KindDeleteRatchetKey:
		return s.ratchet.Delete(e.DeleteRatchetKey.SenderPk)
	case effect.KindUpdateHeads, effect.KindEmitEvent:
		return nil
	default:
		return fmt.Errorf("store: unhandled effect kind %s", e.Kind)
	}
}

// PutOpaqueAnchor stores a not-yet-decodable wire node while marking
// it as an admin/KeyWrap anchor, so it survives opaque-store eviction
// by rewrite rather than deletion.
func (s *ConversationStore) PutOpaqueAnchor(hash dagnode.Hash, wireBytes []byte) error {
	return s.opaque.Put(hash, wireBytes, true)
}

// OpaqueGet returns a previously stashed wire node's bytes.
func (s *ConversationStore) OpaqueGet(hash dagnode.Hash) ([]byte, error) {
	return s.opaque.Get(hash)
}

// OpaqueDelete removes a wire node once it has been decoded and
// journaled.
func (s *ConversationStore) OpaqueDelete(hash dagnode.Hash) error {
	return s.opaque.Delete(hash)
}

// RatchetSlot returns the durable chain-key checkpoint for senderPk.
func (s *ConversationStore) RatchetSlot(senderPk []byte) (RatchetSlot, bool) {
	return s.ratchet.Get(senderPk)
}

// Checkpoint writes a graceful-shutdown tail-commit footer over the
// journal's current records, letting the next open skip per-record
// hash verification.
func (s *ConversationStore) Checkpoint() error {
	records, err := s.journal.Recover()
	if err != nil {
		return err
	}
	return s.journal.CommitFooter(records)
}

// Close releases every open file handle.
func (s *ConversationStore) Close() error {
	var firstErr error
	if err := s.journal.Close(); err != nil {
		firstErr = err
	}
	if err := s.opaque.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.ratchet.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
