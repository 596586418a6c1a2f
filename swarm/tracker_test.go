// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package swarm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/convoy/config"
	"github.com/luxfi/convoy/transport"
)

func newTestBlob(t *testing.T, n int, size int) (BlobInfo, [][]byte) {
	t.Helper()
	chunks := chunksOf(n, size)
	root, _ := BuildMerkleTree(chunks)
	return BlobInfo{
		Hash:       [32]byte{0xAA},
		Size:       uint64(n * size),
		BaoRoot:    root,
		ChunkSize:  size,
		ChunkCount: n,
	}, chunks
}

func TestTrackerFetchesAllChunksFromSingleSeeder(t *testing.T) {
	info, chunks := newTestBlob(t, 3, 16)
	_, levels := BuildMerkleTree(chunks)
	tr := NewTracker(info, config.DefaultParams())

	seeder := transport.PeerAddr("peer-1")
	tr.AddSeeder(seeder)

	now := time.Unix(0, 0)
	for i := 0; i < 3; i++ {
		peer, idx, ok := tr.NextChunkFetch(now)
		require.True(t, ok)
		require.Equal(t, seeder, peer)
		proof := BuildSliceProof(levels, int(idx))
		require.NoError(t, tr.HandleChunkData(peer, idx, chunks[idx], proof))
	}

	require.True(t, tr.Complete())
	assembled, ok := tr.Assemble()
	require.True(t, ok)
	var want []byte
	for _, c := range chunks {
		want = append(want, c...)
	}
	require.Equal(t, want, assembled)
}

func TestTrackerPrefersSeederWithFewestInFlight(t *testing.T) {
	info, _ := newTestBlob(t, 4, 16)
	params := config.DefaultParams()
	tr := NewTracker(info, params)

	peerA := transport.PeerAddr("peer-a")
	peerB := transport.PeerAddr("peer-b")
	tr.AddSeeder(peerA)
	tr.AddSeeder(peerB)

	now := time.Unix(0, 0)
	// With two equally-idle seeders the first pick is unspecified, but
	// it leaves that seeder at 1 in-flight and the other at 0 — the
	// very next pick must go to whichever still has 0.
	first, _, ok := tr.NextChunkFetch(now)
	require.True(t, ok)
	var other transport.PeerAddr
	if string(first) == string(peerA) {
		other = peerB
	} else {
		other = peerA
	}
	second, _, ok := tr.NextChunkFetch(now)
	require.True(t, ok)
	require.Equal(t, other, second)
}

func TestTrackerMaxInFlightPerSeederIsEnforced(t *testing.T) {
	info, _ := newTestBlob(t, 10, 16)
	params := config.DefaultParams()
	params.MaxInFlightChunksPerSeeder = 2
	tr := NewTracker(info, params)

	seeder := transport.PeerAddr("only-seeder")
	tr.AddSeeder(seeder)

	now := time.Unix(0, 0)
	_, _, ok1 := tr.NextChunkFetch(now)
	_, _, ok2 := tr.NextChunkFetch(now)
	_, _, ok3 := tr.NextChunkFetch(now)
	require.True(t, ok1)
	require.True(t, ok2)
	require.False(t, ok3, "a third fetch must be refused once the seeder is at its in-flight cap")
}

func TestTrackerBaoVerifyFailureDropsChunkAndEventuallyRemovesSeeder(t *testing.T) {
	info, chunks := newTestBlob(t, 1, 16)
	_, levels := BuildMerkleTree(chunks)
	tr := NewTracker(info, config.DefaultParams())

	seeder := transport.PeerAddr("bad-seeder")
	tr.AddSeeder(seeder)

	now := time.Unix(0, 0)
	proof := BuildSliceProof(levels, 0)
	corrupted := append([]byte(nil), chunks[0]...)
	corrupted[0] ^= 0x01

	for i := 0; i < maxSeederFailures; i++ {
		_, idx, ok := tr.NextChunkFetch(now)
		require.True(t, ok, "a failed chunk's slot must be released for re-fetch")
		err := tr.HandleChunkData(seeder, idx, corrupted, proof)
		require.ErrorIs(t, err, ErrProofMismatch)
	}
	require.False(t, tr.Complete())
	require.Equal(t, 1, tr.SeederCount(), "seeder must survive up to maxSeederFailures failures")

	_, idx, ok := tr.NextChunkFetch(now)
	require.True(t, ok)
	err := tr.HandleChunkData(seeder, idx, corrupted, proof)
	require.ErrorIs(t, err, ErrProofMismatch)
	require.Equal(t, 0, tr.SeederCount(), "seeder must be removed once it exceeds maxSeederFailures")
}

func TestTrackerCorrectProofAfterFailureStillAdmitsChunk(t *testing.T) {
	info, chunks := newTestBlob(t, 1, 16)
	_, levels := BuildMerkleTree(chunks)
	tr := NewTracker(info, config.DefaultParams())

	seeder := transport.PeerAddr("seeder")
	tr.AddSeeder(seeder)
	now := time.Unix(0, 0)

	_, idx, ok := tr.NextChunkFetch(now)
	require.True(t, ok)
	proof := BuildSliceProof(levels, int(idx))
	corrupted := append([]byte(nil), chunks[idx]...)
	corrupted[0] ^= 0x01
	require.Error(t, tr.HandleChunkData(seeder, idx, corrupted, proof))

	_, idx, ok = tr.NextChunkFetch(now)
	require.True(t, ok)
	require.NoError(t, tr.HandleChunkData(seeder, idx, chunks[idx], proof))
	require.True(t, tr.Complete())
}

func TestTrackerRequeueStaleFreesSlotAfterTimeout(t *testing.T) {
	info, _ := newTestBlob(t, 2, 16)
	params := config.DefaultParams()
	params.FetchTimeout = 5 * time.Second
	tr := NewTracker(info, params)

	seeder := transport.PeerAddr("peer")
	tr.AddSeeder(seeder)

	start := time.Unix(100, 0)
	_, idx1, ok := tr.NextChunkFetch(start)
	require.True(t, ok)

	n := tr.RequeueStale(start.Add(2 * time.Second))
	require.Equal(t, 0, n)

	n = tr.RequeueStale(start.Add(10 * time.Second))
	require.Equal(t, 1, n)

	_, idx2, ok := tr.NextChunkFetch(start.Add(10 * time.Second))
	require.True(t, ok)
	require.Equal(t, idx1, idx2, "the requeued chunk must be fetchable again")
}

func TestTrackerNextWakeupFiresImmediatelyWithIdleSeederAndMissingChunk(t *testing.T) {
	info, _ := newTestBlob(t, 3, 16)
	tr := NewTracker(info, config.DefaultParams())
	tr.AddSeeder(transport.PeerAddr("peer"))

	now := time.Unix(0, 0)
	wake, ok := tr.NextWakeup(now)
	require.True(t, ok)
	require.Equal(t, now, wake)
}

func TestTrackerNextWakeupFallsBackToFetchDeadlineWhenSaturated(t *testing.T) {
	info, _ := newTestBlob(t, 2, 16)
	params := config.DefaultParams()
	params.MaxInFlightChunksPerSeeder = 1
	params.FetchTimeout = 15 * time.Second
	tr := NewTracker(info, params)
	tr.AddSeeder(transport.PeerAddr("peer"))

	start := time.Unix(0, 0)
	_, _, ok := tr.NextChunkFetch(start)
	require.True(t, ok)

	wake, ok := tr.NextWakeup(start)
	require.True(t, ok)
	require.Equal(t, start.Add(15*time.Second), wake)
}

func TestTrackerNextWakeupHasNothingWhenComplete(t *testing.T) {
	info, chunks := newTestBlob(t, 1, 16)
	_, levels := BuildMerkleTree(chunks)
	tr := NewTracker(info, config.DefaultParams())
	seeder := transport.PeerAddr("peer")
	tr.AddSeeder(seeder)

	now := time.Unix(0, 0)
	_, idx, ok := tr.NextChunkFetch(now)
	require.True(t, ok)
	proof := BuildSliceProof(levels, int(idx))
	require.NoError(t, tr.HandleChunkData(seeder, idx, chunks[idx], proof))

	_, ok = tr.NextWakeup(now)
	require.False(t, ok)
}
