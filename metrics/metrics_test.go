// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package metrics

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewConversationMetricsRegisters(t *testing.T) {
	reg := NewRegistry()
	m, err := NewConversationMetrics("convoy_test1", reg)
	require.NoError(t, err)
	m.NodesVerified.Inc()
	m.NodesSpeculative.Set(3)

	families, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)
}

func TestMultiGathererCombinesSources(t *testing.T) {
	regA := NewRegistry()
	_, err := NewConversationMetrics("convoy_a", regA)
	require.NoError(t, err)
	regB := NewRegistry()
	_, err = NewConversationMetrics("convoy_b", regB)
	require.NoError(t, err)

	mg := NewMultiGatherer()
	require.NoError(t, mg.Register("a", regA))
	require.NoError(t, mg.Register("b", regB))

	families, err := mg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)

	require.True(t, mg.Deregister("a"))
	require.False(t, mg.Deregister("a"))
}
