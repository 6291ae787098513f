package models

import (
	"fmt"
	"strings"
)

// Tier is a subscription tier.
type Tier string

const (
	TierTrial        Tier = "trial"
	TierProfessional Tier = "professional"
	TierEnterprise   Tier = "enterprise"
)

// SuggestedTierNone is reported when no tier can accommodate the usage.
const SuggestedTierNone = "none"

// TierOrder lists tiers from lowest to highest.
var TierOrder = []Tier{TierTrial, TierProfessional, TierEnterprise}

// Valid returns true for one of the known tiers.
func (t Tier) Valid() bool {
	switch t {
	case TierTrial, TierProfessional, TierEnterprise:
		return true
	}
	return false
}

// Rank returns the position of the tier in TierOrder, or -1 if unknown.
func (t Tier) Rank() int {
	for i, tier := range TierOrder {
		if tier == t {
			return i
		}
	}
	return -1
}

// ParseTier parses a tier name, case-insensitively.
func ParseTier(s string) (Tier, error) {
	t := Tier(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown tier %q", s)
	}
	return t, nil
}

// ResourceType identifies a metered resource.
type ResourceType string

const (
	ResourceProject ResourceType = "project"
	ResourceExpense ResourceType = "expense"
	ResourceUser    ResourceType = "user"
)

// ResourceTypes lists all metered resources.
var ResourceTypes = []ResourceType{ResourceProject, ResourceExpense, ResourceUser}

// ParseResourceType parses a resource type tag. Plural forms are accepted.
func ParseResourceType(s string) (ResourceType, error) {
	r := ResourceType(strings.TrimSuffix(strings.ToLower(strings.TrimSpace(s)), "s"))
	switch r {
	case ResourceProject, ResourceExpense, ResourceUser:
		return r, nil
	}
	return "", fmt.Errorf("unknown resource type %q", s)
}

// Counter returns the tenant counter metering this resource.
func (r ResourceType) Counter() Counter {
	switch r {
	case ResourceProject:
		return CounterProjects
	case ResourceExpense:
		return CounterMonthExpenses
	case ResourceUser:
		return CounterUsers
	}
	return ""
}

// Windowed reports whether the counter resets at calendar month boundaries.
func (r ResourceType) Windowed() bool {
	return r == ResourceExpense
}

// LimitReason is the decision reason reported when the limit is reached.
func (r ResourceType) LimitReason() string {
	return strings.ToUpper(string(r)) + "_LIMIT_REACHED"
}

// Counter names a per-tenant usage counter. Values are the persisted column names.
type Counter string

const (
	CounterProjects      Counter = "current_projects"
	CounterMonthExpenses Counter = "current_month_expenses"
	CounterUsers         Counter = "current_users"
)

// Valid returns true for one of the known counters.
func (c Counter) Valid() bool {
	switch c {
	case CounterProjects, CounterMonthExpenses, CounterUsers:
		return true
	}
	return false
}
