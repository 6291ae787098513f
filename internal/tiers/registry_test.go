package tiers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	qerrors "github.com/quotagate/quotagate/internal/errors"
	"github.com/quotagate/quotagate/internal/models"
)

func TestDefaultRegistry(t *testing.T) {
	r, err := NewRegistry(nil)
	require.NoError(t, err)

	trial, err := r.GetLimits(models.TierTrial)
	require.NoError(t, err)
	assert.Equal(t, Limits{MaxProjects: 3, MaxExpensesPerMonth: 50, MaxUsers: 2}, trial)

	limit, err := r.LimitFor(models.TierEnterprise, models.ResourceExpense)
	require.NoError(t, err)
	assert.True(t, IsUnlimited(limit))
}

func TestRegistry_UnknownTier(t *testing.T) {
	r, err := NewRegistry(nil)
	require.NoError(t, err)

	_, err = r.GetLimits("gold")
	require.Error(t, err)
	assert.True(t, qerrors.IsConfiguration(err))

	_, err = r.LimitFor(models.TierTrial, "invoice")
	require.Error(t, err)
	assert.True(t, qerrors.IsConfiguration(err))
}

func TestNewRegistry_Overrides(t *testing.T) {
	r, err := NewRegistry(map[models.Tier]Limits{
		models.TierTrial: {MaxProjects: 1, MaxExpensesPerMonth: 10, MaxUsers: Unlimited},
	})
	require.NoError(t, err)

	limit, err := r.LimitFor(models.TierTrial, models.ResourceProject)
	require.NoError(t, err)
	assert.Equal(t, int64(1), limit)

	// Tiers not overridden keep their defaults.
	limit, err = r.LimitFor(models.TierProfessional, models.ResourceProject)
	require.NoError(t, err)
	assert.Equal(t, int64(25), limit)

	_, err = NewRegistry(map[models.Tier]Limits{"gold": {}})
	assert.True(t, qerrors.IsConfiguration(err))

	_, err = NewRegistry(map[models.Tier]Limits{models.TierTrial: {MaxProjects: -2}})
	assert.True(t, qerrors.IsConfiguration(err))
}

func TestSuggestTier(t *testing.T) {
	r, err := NewRegistry(nil)
	require.NoError(t, err)

	tests := []struct {
		name  string
		res   models.ResourceType
		usage int64
		want  string
	}{
		{"trial still fits", models.ResourceProject, 2, "trial"},
		{"trial full", models.ResourceProject, 3, "professional"},
		{"professional full", models.ResourceProject, 25, "enterprise"},
		{"expenses over trial", models.ResourceExpense, 50, "professional"},
		{"users", models.ResourceUser, 0, "trial"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, r.SuggestTier(tt.res, tt.usage))
		})
	}

	capped, err := NewRegistry(map[models.Tier]Limits{
		models.TierEnterprise: {MaxProjects: 100, MaxExpensesPerMonth: 100, MaxUsers: 100},
	})
	require.NoError(t, err)
	assert.Equal(t, models.SuggestedTierNone, capped.SuggestTier(models.ResourceUser, 100))
}

func TestRegistry_TiersIsCopy(t *testing.T) {
	r, err := NewRegistry(nil)
	require.NoError(t, err)

	table := r.Tiers()
	table[models.TierTrial] = Limits{}

	limit, err := r.LimitFor(models.TierTrial, models.ResourceProject)
	require.NoError(t, err)
	assert.Equal(t, int64(3), limit)
}
