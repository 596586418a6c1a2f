// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package store implements the persistent layer: a per-conversation
// append-only journal with crash recovery, an opaque segment store for
// wire nodes received before their key arrives, a sorted pack index
// with bloom-filter and fanout-table acceleration for warm lookups,
// and the fixed-record ratchet-slots file.
package store

import (
	"io"
	"os"
)

// File is the subset of *os.File the store needs, so tests can
// substitute an in-memory implementation instead of touching disk.
type File interface {
	io.ReaderAt
	io.WriterAt
	io.Seeker
	io.Writer
	io.Closer
	Truncate(size int64) error
	Sync() error
	Stat() (os.FileInfo, error)
}

// FileSystem abstracts the filesystem operations the store performs,
// the same small-interface-per-concern shape as Overlay/TimeProvider
// in the transport package, so tests can substitute a fault-injecting
// or in-memory implementation without touching disk.
type FileSystem interface {
	OpenFile(name string, flag int, perm os.FileMode) (File, error)
	Remove(name string) error
	Rename(oldpath, newpath string) error
	ReadDir(dir string) ([]os.DirEntry, error)
	MkdirAll(path string, perm os.FileMode) error
}

// OSFileSystem is the FileSystem backed by the real filesystem.
type OSFileSystem struct{}

func (OSFileSystem) OpenFile(name string, flag int, perm os.FileMode) (File, error) {
	return os.OpenFile(name, flag, perm)
}

func (OSFileSystem) Remove(name string) error { return os.Remove(name) }

func (OSFileSystem) Rename(oldpath, newpath string) error { return os.Rename(oldpath, newpath) }

func (OSFileSystem) ReadDir(dir string) ([]os.DirEntry, error) { return os.ReadDir(dir) }

func (OSFileSystem) MkdirAll(path string, perm os.FileMode) error { return os.MkdirAll(path, perm) }
