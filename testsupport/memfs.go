// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package testsupport holds in-memory fakes shared across package test
// suites: a FileSystem substitute for the store package, a manual time
// source and simulated overlay for the transport/engine packages, and
// an ENOSPC-injecting wrapper for exercising crash-atomicity paths no
// real disk can be coerced into on demand.
package testsupport

import (
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/luxfi/convoy/store"
)

// MemFileSystem is an in-memory store.FileSystem, letting store tests
// run without touching disk and without requiring the Go toolchain's
// os package to behave identically across platforms.
type MemFileSystem struct {
	mu    sync.Mutex
	files map[string]*memFileData
}

type memFileData struct {
	buf     []byte
	mode    os.FileMode
	modTime time.Time
}

// NewMemFileSystem returns an empty in-memory filesystem.
func NewMemFileSystem() *MemFileSystem {
	return &MemFileSystem{files: make(map[string]*memFileData)}
}

func (m *MemFileSystem) OpenFile(name string, flag int, perm os.FileMode) (store.File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, exists := m.files[name]
	if !exists {
		if flag&os.O_CREATE == 0 {
			return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
		}
		data = &memFileData{mode: perm, modTime: time.Now()}
		m.files[name] = data
	}
	if flag&os.O_TRUNC != 0 {
		data.buf = nil
	}
	return &memFile{fsys: m, name: name, data: data}, nil
}

func (m *MemFileSystem) Remove(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[name]; !ok {
		return &fs.PathError{Op: "remove", Path: name, Err: fs.ErrNotExist}
	}
	delete(m.files, name)
	return nil
}

func (m *MemFileSystem) Rename(oldpath, newpath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[oldpath]
	if !ok {
		return &fs.PathError{Op: "rename", Path: oldpath, Err: fs.ErrNotExist}
	}
	m.files[newpath] = data
	delete(m.files, oldpath)
	return nil
}

func (m *MemFileSystem) ReadDir(dir string) ([]os.DirEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]bool)
	var entries []os.DirEntry
	prefix := filepath.Clean(dir) + string(filepath.Separator)
	for name := range m.files {
		if !bytes.HasPrefix([]byte(name), []byte(prefix)) {
			continue
		}
		rest := name[len(prefix):]
		if idx := indexByte(rest, filepath.Separator); idx >= 0 {
			rest = rest[:idx]
		}
		if seen[rest] {
			continue
		}
		seen[rest] = true
		entries = append(entries, memDirEntry{name: rest})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	return entries, nil
}

func (m *MemFileSystem) MkdirAll(path string, perm os.FileMode) error { return nil }

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

type memDirEntry struct{ name string }

func (e memDirEntry) Name() string               { return e.name }
func (e memDirEntry) IsDir() bool                { return false }
func (e memDirEntry) Type() fs.FileMode           { return 0 }
func (e memDirEntry) Info() (fs.FileInfo, error)  { return nil, fmt.Errorf("testsupport: Info unsupported") }

// memFile implements store.File over a shared *memFileData, so
// multiple open handles to the same name observe each other's writes
// exactly like *os.File does.
type memFile struct {
	fsys *MemFileSystem
	name string
	data *memFileData
	pos  int64
}

func (f *memFile) ReadAt(p []byte, off int64) (int, error) {
	f.fsys.mu.Lock()
	defer f.fsys.mu.Unlock()
	if off >= int64(len(f.data.buf)) {
		return 0, io.EOF
	}
	n := copy(p, f.data.buf[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *memFile) WriteAt(p []byte, off int64) (int, error) {
	f.fsys.mu.Lock()
	defer f.fsys.mu.Unlock()
	end := off + int64(len(p))
	if end > int64(len(f.data.buf)) {
		grown := make([]byte, end)
		copy(grown, f.data.buf)
		f.data.buf = grown
	}
	copy(f.data.buf[off:end], p)
	f.data.modTime = time.Now()
	return len(p), nil
}

func (f *memFile) Write(p []byte) (int, error) {
	n, err := f.WriteAt(p, f.pos)
	f.pos += int64(n)
	return n, err
}

func (f *memFile) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		f.pos = offset
	case io.SeekCurrent:
		f.pos += offset
	case io.SeekEnd:
		f.fsys.mu.Lock()
		f.pos = int64(len(f.data.buf)) + offset
		f.fsys.mu.Unlock()
	}
	return f.pos, nil
}

func (f *memFile) Truncate(size int64) error {
	f.fsys.mu.Lock()
	defer f.fsys.mu.Unlock()
	if size <= int64(len(f.data.buf)) {
		f.data.buf = f.data.buf[:size]
		return nil
	}
	grown := make([]byte, size)
	copy(grown, f.data.buf)
	f.data.buf = grown
	return nil
}

func (f *memFile) Sync() error { return nil }

func (f *memFile) Close() error { return nil }

func (f *memFile) Stat() (os.FileInfo, error) {
	f.fsys.mu.Lock()
	defer f.fsys.mu.Unlock()
	return memFileInfo{name: filepath.Base(f.name), size: int64(len(f.data.buf)), mode: f.data.mode, modTime: f.data.modTime}, nil
}

type memFileInfo struct {
	name    string
	size    int64
	mode    os.FileMode
	modTime time.Time
}

func (i memFileInfo) Name() string       { return i.name }
func (i memFileInfo) Size() int64        { return i.size }
func (i memFileInfo) Mode() os.FileMode  { return i.mode }
func (i memFileInfo) ModTime() time.Time { return i.modTime }
func (i memFileInfo) IsDir() bool        { return false }
func (i memFileInfo) Sys() interface{}   { return nil }
