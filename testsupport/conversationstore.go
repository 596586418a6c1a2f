// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package testsupport

import (
	"fmt"

	"github.com/luxfi/convoy/store"
)

// InMemoryStore opens a store.ConversationStore rooted at dir against a
// fresh MemFileSystem, the one-liner every store/engine test reaches
// for instead of wiring a temp directory on real disk.
func InMemoryStore(dir string) (*store.ConversationStore, *MemFileSystem, error) {
	fs := NewMemFileSystem()
	cs, err := store.OpenConversationStore(fs, dir)
	if err != nil {
		return nil, nil, fmt.Errorf("testsupport: open in-memory conversation store: %w", err)
	}
	return cs, fs, nil
}
