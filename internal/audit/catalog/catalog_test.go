package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"freightgate/internal/audit"
)

func TestValidate(t *testing.T) {
	require.NoError(t, Validate())
}

func TestAll_UniqueSortedIDs(t *testing.T) {
	all := All()
	require.Len(t, all, 12)
	seen := map[string]bool{}
	for _, r := range all {
		assert.False(t, seen[r.ID], "duplicate rule id %s", r.ID)
		seen[r.ID] = true
	}
}

func TestForTrigger_Booked(t *testing.T) {
	booked := ForTrigger(audit.TriggerBooked)
	require.Len(t, booked, 2)
	assert.Equal(t, "F-01", booked[0].ID)
	assert.Equal(t, "F-02", booked[1].ID)
}

func TestForTrigger_PayoutReadyAllBlocking(t *testing.T) {
	payout := ForTrigger(audit.TriggerPayoutReady)
	require.NotEmpty(t, payout)
	for _, r := range payout {
		assert.True(t, r.Blocking, "rule %s on PAYOUT_READY should block escrow", r.ID)
		assert.Equal(t, audit.EscalationBlockEscrow, r.Escalation)
	}
}

func TestByID(t *testing.T) {
	r, ok := ByID("F-05")
	require.True(t, ok)
	assert.Equal(t, audit.SeverityCritical, r.Severity)
	assert.True(t, r.AppliesTo(audit.TriggerCustomsHold))

	_, ok = ByID("F-99")
	assert.False(t, ok)
}

func TestRequiredEvidenceCodes_Sorted(t *testing.T) {
	r := Rule{RequiredEvidence: []EvidenceSpec{
		{Code: "ZULU_DOC", Required: true},
		{Code: "ALPHA_DOC", Required: true},
		{Code: "OPTIONAL_DOC", Required: false},
	}}
	assert.Equal(t, []string{"ALPHA_DOC", "ZULU_DOC"}, r.RequiredEvidenceCodes())
}
