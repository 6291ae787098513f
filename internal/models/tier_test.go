package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTier(t *testing.T) {
	tier, err := ParseTier(" Professional ")
	require.NoError(t, err)
	assert.Equal(t, TierProfessional, tier)

	_, err = ParseTier("gold")
	assert.Error(t, err)

	assert.Equal(t, 0, TierTrial.Rank())
	assert.Equal(t, 2, TierEnterprise.Rank())
	assert.Equal(t, -1, Tier("gold").Rank())
}

func TestResourceTypes(t *testing.T) {
	tests := []struct {
		input    string
		want     ResourceType
		counter  Counter
		windowed bool
		reason   string
	}{
		{"project", ResourceProject, CounterProjects, false, "PROJECT_LIMIT_REACHED"},
		{"expenses", ResourceExpense, CounterMonthExpenses, true, "EXPENSE_LIMIT_REACHED"},
		{"USER", ResourceUser, CounterUsers, false, "USER_LIMIT_REACHED"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			res, err := ParseResourceType(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res)
			assert.Equal(t, tt.counter, res.Counter())
			assert.True(t, res.Counter().Valid())
			assert.Equal(t, tt.windowed, res.Windowed())
			assert.Equal(t, tt.reason, res.LimitReason())
		})
	}

	_, err := ParseResourceType("invoice")
	assert.Error(t, err)
	assert.False(t, Counter("invoices").Valid())
}
