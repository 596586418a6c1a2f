package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultParamsValid(t *testing.T) {
	tests := []struct {
		name   string
		params Parameters
		wantOK bool
	}{
		{"default", DefaultParams(), true},
		{"lan", LANParams(), true},
		{"overlay", OverlayParams(), true},
		{
			"bad quota ordering",
			func() Parameters {
				p := DefaultParams()
				p.StandardQuotaFraction = p.BulkQuotaFraction
				return p
			}(),
			false,
		},
		{
			"fair share exceeds budget",
			func() Parameters {
				p := DefaultParams()
				p.FairShareGuarantee = p.ReassemblyBudgetBytes
				return p
			}(),
			false,
		},
		{
			"reconcile interval below RTO",
			func() Parameters {
				p := DefaultParams()
				p.ReconciliationInterval = p.BaseRTO / 2
				return p
			}(),
			false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.params.Validate()
			if tt.wantOK {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}

func TestPriorityOf(t *testing.T) {
	require.Equal(t, PriorityCritical, PriorityOf(MessageTypeCapsAnnounce))
	require.Equal(t, PriorityHigh, PriorityOf(MessageTypeSyncHeads))
	require.Equal(t, PriorityStandard, PriorityOf(MessageTypeMerkleNode))
	require.Equal(t, PriorityLow, PriorityOf(MessageTypeBlobReq))
	require.Equal(t, PriorityBulk, PriorityOf(MessageTypeBlobData))
}
