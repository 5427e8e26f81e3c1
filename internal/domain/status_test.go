package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusNone, StatusDelegatedToIT, true},
		{StatusNone, StatusClosed, true},
		{StatusNone, StatusAuditClosed, true},
		{StatusInProgress, StatusAuditNonConfirm, true},
		{StatusDelegatedToIT, StatusAuditClosed, true},
		{StatusClosed, StatusWrongEvidence, false},
		{StatusAuditDelegated, StatusAuditNonConfirm, true},
		{StatusAuditDelegated, StatusAuditClosed, true},
		{StatusWrongEvidence, StatusEvidenceUploaded, true},
		{StatusAuditClosed, StatusClosed, true},
		{StatusAuditClosed, StatusInProgress, false},
		{StatusClosed, StatusOpen, false},
		{StatusClosed, StatusClosed, true},
	}
	for _, tc := range tests {
		t.Run(string(tc.from)+"->"+string(tc.to), func(t *testing.T) {
			assert.Equal(t, tc.want, CanTransition(tc.from, tc.to))
		})
	}
}

func TestEveryStatusHasTransitionRow(t *testing.T) {
	for _, s := range Statuses() {
		assert.True(t, s.Valid(), "status %q", s)
		for _, next := range statusTransitions[s] {
			assert.True(t, next.Valid(), "%q -> %q", s, next)
		}
	}
}

func TestParseStatus(t *testing.T) {
	s, err := ParseStatus("Audit Closed")
	require.NoError(t, err)
	assert.Equal(t, StatusAuditClosed, s)
	assert.True(t, s.Closing())

	_, err = ParseStatus("Done-ish")
	require.Error(t, err)
}

func TestCompositeKeyMissing(t *testing.T) {
	k := CompositeKey{ActionID: "a1", ControlID: "c1"}
	assert.Equal(t, []string{"assetId", "familyId"}, k.Missing())
	k.AssetID, k.FamilyID = "s1", "f1"
	assert.Empty(t, k.Missing())
}
