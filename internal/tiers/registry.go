// Package tiers maps subscription tiers to their resource limits.
package tiers

import (
	"fmt"

	qerrors "github.com/quotagate/quotagate/internal/errors"
	"github.com/quotagate/quotagate/internal/models"
)

// Unlimited is the limit value meaning "no limit".
const Unlimited int64 = -1

// Limits holds the per-tier resource limits.
type Limits struct {
	MaxProjects         int64 `yaml:"max_projects" json:"max_projects"`
	MaxExpensesPerMonth int64 `yaml:"max_expenses_per_month" json:"max_expenses_per_month"`
	MaxUsers            int64 `yaml:"max_users" json:"max_users"`
}

// For returns the limit for a resource type.
func (l Limits) For(res models.ResourceType) (int64, bool) {
	switch res {
	case models.ResourceProject:
		return l.MaxProjects, true
	case models.ResourceExpense:
		return l.MaxExpensesPerMonth, true
	case models.ResourceUser:
		return l.MaxUsers, true
	}
	return 0, false
}

func (l Limits) validate() error {
	for _, v := range []int64{l.MaxProjects, l.MaxExpensesPerMonth, l.MaxUsers} {
		if v < Unlimited {
			return fmt.Errorf("limit %d is below %d", v, Unlimited)
		}
	}
	return nil
}

// IsUnlimited reports whether limit is the unlimited sentinel.
func IsUnlimited(limit int64) bool {
	return limit == Unlimited
}

// DefaultLimits returns the built-in tier table.
func DefaultLimits() map[models.Tier]Limits {
	return map[models.Tier]Limits{
		models.TierTrial:        {MaxProjects: 3, MaxExpensesPerMonth: 50, MaxUsers: 2},
		models.TierProfessional: {MaxProjects: 25, MaxExpensesPerMonth: 1000, MaxUsers: 10},
		models.TierEnterprise:   {MaxProjects: Unlimited, MaxExpensesPerMonth: Unlimited, MaxUsers: Unlimited},
	}
}

// Registry is an immutable tier table. Lookups are pure.
type Registry struct {
	limits map[models.Tier]Limits
}

// NewRegistry builds a registry from overrides layered on DefaultLimits.
func NewRegistry(overrides map[models.Tier]Limits) (*Registry, error) {
	limits := DefaultLimits()
	for tier, l := range overrides {
		if !tier.Valid() {
			return nil, &qerrors.ErrConfiguration{Tier: string(tier), Reason: "unknown tier"}
		}
		if err := l.validate(); err != nil {
			return nil, &qerrors.ErrConfiguration{Tier: string(tier), Reason: err.Error()}
		}
		limits[tier] = l
	}
	return &Registry{limits: limits}, nil
}

// GetLimits returns the limits of a tier. An unknown tier is a configuration error.
func (r *Registry) GetLimits(tier models.Tier) (Limits, error) {
	l, ok := r.limits[tier]
	if !ok {
		return Limits{}, &qerrors.ErrConfiguration{Tier: string(tier), Reason: "unknown tier"}
	}
	return l, nil
}

// LimitFor returns the limit of one resource for a tier.
func (r *Registry) LimitFor(tier models.Tier, res models.ResourceType) (int64, error) {
	l, err := r.GetLimits(tier)
	if err != nil {
		return 0, err
	}
	limit, ok := l.For(res)
	if !ok {
		return 0, &qerrors.ErrConfiguration{Tier: string(tier), Resource: string(res), Reason: "unknown resource type"}
	}
	return limit, nil
}

// SuggestTier returns the lowest tier that would admit one more resource at the
// given usage, or models.SuggestedTierNone.
func (r *Registry) SuggestTier(res models.ResourceType, usage int64) string {
	for _, tier := range models.TierOrder {
		limit, err := r.LimitFor(tier, res)
		if err != nil {
			continue
		}
		if IsUnlimited(limit) || limit > usage {
			return string(tier)
		}
	}
	return models.SuggestedTierNone
}

// Tiers returns a copy of the table.
func (r *Registry) Tiers() map[models.Tier]Limits {
	out := make(map[models.Tier]Limits, len(r.limits))
	for k, v := range r.limits {
		out[k] = v
	}
	return out
}
