// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package testsupport

import (
	"os"
	"sync"
	"syscall"

	"github.com/luxfi/convoy/store"
)

// FaultInjectingFileSystem wraps a store.FileSystem and fails the Nth
// write across every open file with ENOSPC, letting a test reproduce
// "disk full partway through an append" without a real filesystem
// cooperating.
type FaultInjectingFileSystem struct {
	mu        sync.Mutex
	inner     store.FileSystem
	failAfter int // writes remaining before injection; <=0 disables
	tripped   bool
}

// NewFaultInjectingFileSystem wraps inner, injecting ENOSPC on the
// failAfter'th WriteAt/Write call across all files it opens (1-based;
// 0 disables injection).
func NewFaultInjectingFileSystem(inner store.FileSystem, failAfter int) *FaultInjectingFileSystem {
	return &FaultInjectingFileSystem{inner: inner, failAfter: failAfter}
}

// Tripped reports whether the injected fault has already fired.
func (f *FaultInjectingFileSystem) Tripped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tripped
}

func (f *FaultInjectingFileSystem) consumeWrite() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAfter <= 0 || f.tripped {
		return false
	}
	f.failAfter--
	if f.failAfter == 0 {
		f.tripped = true
		return true
	}
	return false
}

func (f *FaultInjectingFileSystem) OpenFile(name string, flag int, perm os.FileMode) (store.File, error) {
	inner, err := f.inner.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	return &faultFile{owner: f, inner: inner}, nil
}

func (f *FaultInjectingFileSystem) Remove(name string) error { return f.inner.Remove(name) }
func (f *FaultInjectingFileSystem) Rename(oldpath, newpath string) error {
	return f.inner.Rename(oldpath, newpath)
}
func (f *FaultInjectingFileSystem) ReadDir(dir string) ([]os.DirEntry, error) { return f.inner.ReadDir(dir) }
func (f *FaultInjectingFileSystem) MkdirAll(path string, perm os.FileMode) error {
	return f.inner.MkdirAll(path, perm)
}

// faultFile wraps a store.File, injecting a partial short write with
// ENOSPC on the triggering call: half the intended bytes land before
// the error surfaces, mirroring a real disk-full write(2) that commits
// a prefix of the buffer before failing.
type faultFile struct {
	owner *FaultInjectingFileSystem
	inner store.File
}

func (f *faultFile) ReadAt(p []byte, off int64) (int, error) { return f.inner.ReadAt(p, off) }

func (f *faultFile) WriteAt(p []byte, off int64) (int, error) {
	if f.owner.consumeWrite() {
		short := len(p) / 2
		if short > 0 {
			if _, err := f.inner.WriteAt(p[:short], off); err != nil {
				return 0, err
			}
		}
		return short, &os.PathError{Op: "write", Path: "<fault>", Err: syscall.ENOSPC}
	}
	return f.inner.WriteAt(p, off)
}

func (f *faultFile) Write(p []byte) (int, error) {
	if f.owner.consumeWrite() {
		short := len(p) / 2
		if short > 0 {
			if _, err := f.inner.Write(p[:short]); err != nil {
				return 0, err
			}
		}
		return short, &os.PathError{Op: "write", Path: "<fault>", Err: syscall.ENOSPC}
	}
	return f.inner.Write(p)
}

func (f *faultFile) Seek(offset int64, whence int) (int64, error) { return f.inner.Seek(offset, whence) }
func (f *faultFile) Truncate(size int64) error                    { return f.inner.Truncate(size) }
func (f *faultFile) Sync() error                                  { return f.inner.Sync() }
func (f *faultFile) Close() error                                 { return f.inner.Close() }
func (f *faultFile) Stat() (os.FileInfo, error)                   { return f.inner.Stat() }
