// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package swarm

import (
	"sync"
	"time"

	"github.com/luxfi/convoy/config"
	"github.com/luxfi/convoy/transport"
)

// Status is a blob's overall download state.
type Status uint8

const (
	StatusPending Status = iota
	StatusInProgress
	StatusComplete
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "Pending"
	case StatusInProgress:
		return "InProgress"
	case StatusComplete:
		return "Complete"
	default:
		return "Invalid"
	}
}

// BlobInfo describes one blob download in progress.
type BlobInfo struct {
	Hash       [32]byte
	Size       uint64
	BaoRoot    [32]byte
	ChunkSize  int
	ChunkCount int
}

type seederState struct {
	inFlight map[uint32]time.Time
	failures int
}

// maxSeederFailures is how many verify failures from one seeder the
// tracker tolerates before dropping it, per the "repeated failure from
// one seeder removes it" rule.
const maxSeederFailures = 3

// Tracker drives one blob's chunk-by-chunk download: seeder selection
// by fewest in-flight fetches, Bao slice-proof verification on
// receipt, and stall detection.
type Tracker struct {
	mu sync.Mutex

	info   BlobInfo
	chunks [][]byte // nil entries are not yet received
	have   int

	seeders map[string]*seederState
	params  config.Parameters
}

// NewTracker starts tracking info's download with no seeders yet.
func NewTracker(info BlobInfo, params config.Parameters) *Tracker {
	return &Tracker{
		info:    info,
		chunks:  make([][]byte, info.ChunkCount),
		seeders: make(map[string]*seederState),
		params:  params,
	}
}

// AddSeeder registers peer as a source for this blob.
func (t *Tracker) AddSeeder(peer transport.PeerAddr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := string(peer)
	if _, ok := t.seeders[key]; !ok {
		t.seeders[key] = &seederState{inFlight: make(map[uint32]time.Time)}
	}
}

// RemoveSeeder drops peer — called once it exceeds the failure budget
// or its query expires without a BlobAvail.
func (t *Tracker) RemoveSeeder(peer transport.PeerAddr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.seeders, string(peer))
}

// Status reports the blob's current overall state.
func (t *Tracker) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case t.have == len(t.chunks):
		return StatusComplete
	case t.have == 0:
		return StatusPending
	default:
		return StatusInProgress
	}
}

// Complete reports whether every chunk has been received and
// verified.
func (t *Tracker) Complete() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.have == len(t.chunks)
}

// Assemble returns the concatenated blob bytes once complete.
func (t *Tracker) Assemble() ([]byte, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.have != len(t.chunks) {
		return nil, false
	}
	out := make([]byte, 0, t.info.Size)
	for _, c := range t.chunks {
		out = append(out, c...)
	}
	return out, true
}

// fewestInFlightSeeder returns the key of the seeder with capacity
// (fewer than MaxInFlightChunksPerSeeder outstanding) that has the
// fewest in-flight fetches, or ok=false if every seeder is saturated
// or there are none.
func (t *Tracker) fewestInFlightSeeder() (key string, ok bool) {
	best := -1
	for k, st := range t.seeders {
		if len(st.inFlight) >= t.params.MaxInFlightChunksPerSeeder {
			continue
		}
		if best == -1 || len(st.inFlight) < best {
			best = len(st.inFlight)
			key = k
			ok = true
		}
	}
	return key, ok
}

// NextChunkFetch selects the next missing chunk and a seeder to fetch
// it from, preferring the seeder with the fewest in-flight fetches.
// ok is false if there is no missing chunk or no seeder with spare
// capacity.
func (t *Tracker) NextChunkFetch(now time.Time) (peer transport.PeerAddr, index uint32, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	missing := -1
	for i, c := range t.chunks {
		if c == nil {
			already := false
			for _, st := range t.seeders {
				if _, inFlight := st.inFlight[uint32(i)]; inFlight {
					already = true
					break
				}
			}
			if !already {
				missing = i
				break
			}
		}
	}
	if missing == -1 {
		return nil, 0, false
	}

	key, hasSeeder := t.fewestInFlightSeeder()
	if !hasSeeder {
		return nil, 0, false
	}
	t.seeders[key].inFlight[uint32(missing)] = now
	return transport.PeerAddr(key), uint32(missing), true
}

// HandleChunkData verifies data against the blob's Bao root using
// proof. On success the chunk is stored and the fetch slot released.
// On verify failure the chunk is dropped, the slot released, and the
// seeder's failure count incremented — past maxSeederFailures the
// seeder is removed entirely.
func (t *Tracker) HandleChunkData(peer transport.PeerAddr, index uint32, data []byte, proof SliceProof) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := string(peer)
	if st, ok := t.seeders[key]; ok {
		delete(st.inFlight, index)
	}

	if err := VerifyChunk(t.info.BaoRoot, index, data, proof); err != nil {
		if st, ok := t.seeders[key]; ok {
			st.failures++
			if st.failures > maxSeederFailures {
				delete(t.seeders, key)
			}
		}
		return err
	}

	if int(index) >= len(t.chunks) {
		return ErrProofMismatch
	}
	if t.chunks[index] == nil {
		t.chunks[index] = append([]byte(nil), data...)
		t.have++
	}
	return nil
}

// RequeueStale clears any fetch outstanding longer than
// params.FetchTimeout, freeing its seeder slot so NextChunkFetch can
// reassign it.
func (t *Tracker) RequeueStale(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, st := range t.seeders {
		for idx, sentAt := range st.inFlight {
			if now.Sub(sentAt) < t.params.FetchTimeout {
				continue
			}
			delete(st.inFlight, idx)
			n++
		}
	}
	return n
}

// SeederCount reports how many seeders are currently tracked, for
// tests and diagnostics.
func (t *Tracker) SeederCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.seeders)
}

// idleSeederWithMissingChunk reports whether some seeder has spare
// capacity while a chunk remains unfetched — the condition under which
// NextWakeup fires immediately rather than waiting for a timeout.
func (t *Tracker) idleSeederWithMissingChunk() bool {
	if t.have == len(t.chunks) {
		return false
	}
	_, ok := t.fewestInFlightSeeder()
	return ok
}

// NextWakeup returns the earliest time this tracker next needs
// attention: now, if an idle seeder could immediately take a missing
// chunk; otherwise the soonest per-fetch deadline. ok is false if the
// blob is complete and nothing is in flight.
func (t *Tracker) NextWakeup(now time.Time) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.idleSeederWithMissingChunk() {
		return now, true
	}

	var deadline time.Time
	have := false
	for _, st := range t.seeders {
		for _, sentAt := range st.inFlight {
			fetchDeadline := sentAt.Add(t.params.FetchTimeout)
			if !have || fetchDeadline.Before(deadline) {
				deadline = fetchDeadline
				have = true
			}
		}
	}
	return deadline, have
}
