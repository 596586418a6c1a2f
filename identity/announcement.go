// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package identity

import (
	"sync"

	"github.com/luxfi/convoy/xcrypto"
)

// PreKeyBundle is one X25519 pre-key a peer published for X3DH, along
// with the signature binding it to the publishing device's identity.
type PreKeyBundle struct {
	DevicePk  PhysicalDevicePk
	PreKey    xcrypto.X25519PublicKey
	Signature []byte
}

// AnnouncementTable records the most recently published pre-key
// bundle per device, consumed by an X3DH initiator choosing a
// recipient's one-time key.
type AnnouncementTable struct {
	mu      sync.RWMutex
	bundles map[string]PreKeyBundle
}

// NewAnnouncementTable returns an empty table.
func NewAnnouncementTable() *AnnouncementTable {
	return &AnnouncementTable{bundles: make(map[string]PreKeyBundle)}
}

// Record stores or replaces the pre-key bundle for a device.
func (a *AnnouncementTable) Record(b PreKeyBundle) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.bundles[keyOf(b.DevicePk)] = b
}

// Lookup returns the current pre-key bundle for devicePk, if any.
func (a *AnnouncementTable) Lookup(devicePk PhysicalDevicePk) (PreKeyBundle, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	b, ok := a.bundles[keyOf(devicePk)]
	return b, ok
}

// Remove forgets a device's announcement, e.g. on revocation.
func (a *AnnouncementTable) Remove(devicePk PhysicalDevicePk) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.bundles, keyOf(devicePk))
}
