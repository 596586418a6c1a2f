// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package testsupport

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemFileSystemReadWriteRoundTrip(t *testing.T) {
	fs := NewMemFileSystem()
	f, err := fs.OpenFile("a.bin", os.O_RDWR|os.O_CREATE, 0o600)
	require.NoError(t, err)

	_, err = f.WriteAt([]byte("hello"), 0)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte("world"), 5)
	require.NoError(t, err)

	buf := make([]byte, 10)
	n, err := f.ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, 10, n)
	require.Equal(t, "helloworld", string(buf))

	info, err := f.Stat()
	require.NoError(t, err)
	require.Equal(t, int64(10), info.Size())
}

func TestMemFileSystemTruncate(t *testing.T) {
	fs := NewMemFileSystem()
	f, err := fs.OpenFile("a.bin", os.O_RDWR|os.O_CREATE, 0o600)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte("0123456789"), 0)
	require.NoError(t, err)

	require.NoError(t, f.Truncate(4))
	info, err := f.Stat()
	require.NoError(t, err)
	require.Equal(t, int64(4), info.Size())

	require.NoError(t, f.Truncate(8))
	buf := make([]byte, 8)
	_, err = f.ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, []byte{'0', '1', '2', '3', 0, 0, 0, 0}, buf)
}

func TestMemFileSystemSharedHandles(t *testing.T) {
	fs := NewMemFileSystem()
	f1, err := fs.OpenFile("a.bin", os.O_RDWR|os.O_CREATE, 0o600)
	require.NoError(t, err)
	_, err = f1.WriteAt([]byte("x"), 0)
	require.NoError(t, err)

	f2, err := fs.OpenFile("a.bin", os.O_RDWR, 0o600)
	require.NoError(t, err)
	buf := make([]byte, 1)
	_, err = f2.ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, "x", string(buf))
}

func TestMemFileSystemOpenMissingWithoutCreateErrors(t *testing.T) {
	fs := NewMemFileSystem()
	_, err := fs.OpenFile("missing.bin", os.O_RDONLY, 0o600)
	require.Error(t, err)
	require.True(t, os.IsNotExist(err))
}

func TestFaultInjectingFileSystemShortWriteThenENOSPC(t *testing.T) {
	fs := NewFaultInjectingFileSystem(NewMemFileSystem(), 2)
	f, err := fs.OpenFile("a.bin", os.O_RDWR|os.O_CREATE, 0o600)
	require.NoError(t, err)

	_, err = f.WriteAt([]byte("first-write-ok"), 0)
	require.NoError(t, err)
	require.False(t, fs.Tripped())

	n, err := f.WriteAt([]byte("01234567"), 20)
	require.Error(t, err)
	require.Equal(t, 4, n)
	require.True(t, fs.Tripped())

	_, err = f.WriteAt([]byte("after-trip-ok"), 40)
	require.NoError(t, err)
}

func TestManualTimeProviderAdvance(t *testing.T) {
	start := time.Unix(1000, 0)
	clock := NewManualTimeProvider(start)
	require.Equal(t, start, clock.Now())

	clock.Advance(5 * time.Second)
	require.Equal(t, start.Add(5*time.Second), clock.Now())
}

func TestSimulatedTransportDeliversAcrossHub(t *testing.T) {
	hub := NewVirtualHub(1)
	a := NewSimulatedTransport(hub, "a")
	b := NewSimulatedTransport(hub, "b")
	hub.SetLatency("a", "b", time.Millisecond)

	require.NoError(t, a.Send([]byte("b"), []byte("hello")))

	select {
	case d := <-b.Recv():
		require.Equal(t, "a", string(d.From))
		require.Equal(t, "hello", string(d.Data))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestSimulatedTransportPartitionBlocksDelivery(t *testing.T) {
	hub := NewVirtualHub(2)
	a := NewSimulatedTransport(hub, "a")
	b := NewSimulatedTransport(hub, "b")
	hub.Partition([]string{"a"}, []string{"b"})

	require.NoError(t, a.Send([]byte("b"), []byte("hello")))

	select {
	case <-b.Recv():
		t.Fatal("message crossed a partition")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSimulatedTransportDropRateDropsEverything(t *testing.T) {
	hub := NewVirtualHub(3)
	a := NewSimulatedTransport(hub, "a")
	b := NewSimulatedTransport(hub, "b")
	hub.SetDropRate(1.0)

	require.NoError(t, a.Send([]byte("b"), []byte("hello")))

	select {
	case <-b.Recv():
		t.Fatal("message delivered despite 100% drop rate")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestInMemoryStoreOpensCleanly(t *testing.T) {
	cs, _, err := InMemoryStore("conv")
	require.NoError(t, err)
	require.False(t, cs.GenerationGated())
	require.NoError(t, cs.Close())
}
