// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package testsupport

import (
	"sync"
	"time"
)

// ManualTimeProvider implements transport.TimeProvider with a clock a
// test advances explicitly instead of sleeping, so RTO/retransmission
// and congestion-control tests run deterministically.
type ManualTimeProvider struct {
	mu  sync.Mutex
	now time.Time
}

// NewManualTimeProvider starts the clock at t.
func NewManualTimeProvider(t time.Time) *ManualTimeProvider {
	return &ManualTimeProvider{now: t}
}

func (m *ManualTimeProvider) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the clock forward by d.
func (m *ManualTimeProvider) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Set pins the clock to t.
func (m *ManualTimeProvider) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}
