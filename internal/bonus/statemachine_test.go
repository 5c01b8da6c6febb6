package bonus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bonus_service/internal/apperrors"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to string
		allowed  bool
	}{
		{BonusStatusEligible, BonusStatusActive, true},
		{BonusStatusEligible, BonusStatusExpired, true},
		{BonusStatusEligible, BonusStatusForfeited, true},
		{BonusStatusEligible, BonusStatusCompleted, false},
		{BonusStatusActive, BonusStatusCompleted, true},
		{BonusStatusActive, BonusStatusExpired, true},
		{BonusStatusActive, BonusStatusForfeited, true},
		{BonusStatusActive, BonusStatusEligible, false},
		{BonusStatusCompleted, BonusStatusActive, false},
		{BonusStatusCompleted, BonusStatusForfeited, false},
		{BonusStatusExpired, BonusStatusActive, false},
		{BonusStatusForfeited, BonusStatusExpired, false},
		{"unknown", BonusStatusActive, false},
	}
	for _, tt := range tests {
		t.Run(tt.from+"->"+tt.to, func(t *testing.T) {
			assert.Equal(t, tt.allowed, CanTransition(tt.from, tt.to))
		})
	}
}

func TestIsTerminal(t *testing.T) {
	assert.False(t, IsTerminal(BonusStatusEligible))
	assert.False(t, IsTerminal(BonusStatusActive))
	assert.True(t, IsTerminal(BonusStatusCompleted))
	assert.True(t, IsTerminal(BonusStatusForfeited))
	assert.True(t, IsTerminal(BonusStatusExpired))
}

func TestTransitionLeavesStatusOnRejection(t *testing.T) {
	inst := &BonusInstance{Status: BonusStatusCompleted}
	err := transition(inst, BonusStatusExpired)
	require.Error(t, err)
	assert.Equal(t, apperrors.ReasonInvalidTransition, apperrors.ReasonOf(err))
	assert.Equal(t, BonusStatusCompleted, inst.Status)

	inst.Status = BonusStatusActive
	require.NoError(t, transition(inst, BonusStatusCompleted))
	assert.Equal(t, BonusStatusCompleted, inst.Status)
}
