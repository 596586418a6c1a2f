// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package config

import (
	"errors"
	"time"
)

// Error variables for parameter validation.
var (
	ErrInvalidQuota        = errors.New("reassembly quota thresholds must be ordered Bulk < Standard < Critical <= 1.0")
	ErrInvalidShardSize    = errors.New("shard size must be >= 1")
	ErrInvalidRetryBudget  = errors.New("speculative retry budget must be >= 1")
	ErrInvalidFairShare    = errors.New("fair-share guarantee must be > 0 and < reassembly budget")
	ErrInvalidMaxInFlight  = errors.New("max in-flight chunks per seeder must be >= 1")
	ErrRoundTimeoutTooLow  = errors.New("round timeout must be >= base RTO")
)

// Parameters bundles the tunables consumed by the engine, sync session,
// and transport. Unlike the wire-level constants in constants.go, these
// may reasonably vary between deployments (a LAN swarm vs. a
// high-latency overlay) and are validated at construction.
type Parameters struct {
	// Engine / admission.
	MaxParents                         int
	MaxMetadataSize                    int
	MaxSpeculativeNodesPerConversation int
	MaxVerifiedNodesPerDevice          int
	SpeculativeRetryBudget             int

	// Sync session.
	ShardSize              int
	ReconciliationInterval time.Duration
	FetchBatchLimit        int
	MaxInFlightFetches     int

	// Blob swarm.
	ChunkSize                  int
	FetchTimeout               time.Duration
	MaxInFlightChunksPerSeeder int

	// Transport / reassembly quota.
	ReassemblyBudgetBytes int
	BulkQuotaFraction     float64
	StandardQuotaFraction float64
	CriticalQuotaFraction float64
	FairShareGuarantee    int
	DelayedAckTimeout     time.Duration
	BaseRTO               time.Duration
}

// DefaultParams returns parameters suitable for a general-purpose
// deployment over an unspecified overlay.
func DefaultParams() Parameters {
	return Parameters{
		MaxParents:                         MaxParents,
		MaxMetadataSize:                    MaxMetadataSize,
		MaxSpeculativeNodesPerConversation: MaxSpeculativeNodesPerConversation,
		MaxVerifiedNodesPerDevice:          MaxVerifiedNodesPerDevice,
		SpeculativeRetryBudget:             256,

		ShardSize:              ShardSize,
		ReconciliationInterval: ReconciliationInterval,
		FetchBatchLimit:        64,
		MaxInFlightFetches:     128,

		ChunkSize:                  ChunkSize,
		FetchTimeout:               FetchTimeout,
		MaxInFlightChunksPerSeeder: MaxInFlightChunksPerSeeder,

		ReassemblyBudgetBytes: 64 * 1024 * 1024,
		BulkQuotaFraction:     0.70,
		StandardQuotaFraction: 0.90,
		CriticalQuotaFraction: 0.99,
		FairShareGuarantee:    256 * 1024,
		DelayedAckTimeout:     DelayedAckTimeout,
		BaseRTO:               250 * time.Millisecond,
	}
}

// LANParams tightens timeouts for low-latency, high-bandwidth peers.
func LANParams() Parameters {
	p := DefaultParams()
	p.FetchTimeout = 3 * time.Second
	p.ReconciliationInterval = 10 * time.Second
	p.BaseRTO = 50 * time.Millisecond
	return p
}

// OverlayParams widens timeouts for a high-latency friend-to-friend
// overlay where round trips may run into the seconds.
func OverlayParams() Parameters {
	p := DefaultParams()
	p.FetchTimeout = 45 * time.Second
	p.ReconciliationInterval = 120 * time.Second
	p.BaseRTO = 1500 * time.Millisecond
	p.MaxInFlightFetches = 32
	return p
}

// Validate checks internal consistency of the parameters.
func (p Parameters) Validate() error {
	if p.ShardSize < 1 {
		return ErrInvalidShardSize
	}
	if p.SpeculativeRetryBudget < 1 {
		return ErrInvalidRetryBudget
	}
	if p.MaxInFlightChunksPerSeeder < 1 {
		return ErrInvalidMaxInFlight
	}
	if !(0 < p.BulkQuotaFraction && p.BulkQuotaFraction < p.StandardQuotaFraction &&
		p.StandardQuotaFraction < p.CriticalQuotaFraction && p.CriticalQuotaFraction <= 1.0) {
		return ErrInvalidQuota
	}
	if p.FairShareGuarantee <= 0 || p.FairShareGuarantee >= p.ReassemblyBudgetBytes {
		return ErrInvalidFairShare
	}
	if p.ReconciliationInterval < p.BaseRTO {
		return ErrRoundTimeoutTooLow
	}
	return nil
}
