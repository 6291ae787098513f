package models

import (
	"fmt"
	"time"
)

// TenantAccount is the durable per-tenant quota record.
// Counters are only ever changed through the store's atomic operations.
type TenantAccount struct {
	TenantID              string    `json:"tenant_id"`
	Tier                  Tier      `json:"tier"`
	CurrentProjects       int64     `json:"current_projects"`
	CurrentMonthExpenses  int64     `json:"current_month_expenses"`
	CurrentUsers          int64     `json:"current_users"`
	ExpenseCounterResetAt time.Time `json:"expense_counter_reset_at"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// NewTenantAccount returns a zero-usage account as created at signup.
func NewTenantAccount(tenantID string, tier Tier, now, resetAt time.Time) *TenantAccount {
	return &TenantAccount{
		TenantID:              tenantID,
		Tier:                  tier,
		ExpenseCounterResetAt: resetAt,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
}

// Validate checks if the account is valid.
func (a *TenantAccount) Validate() error {
	if a.TenantID == "" {
		return fmt.Errorf("tenant ID is required")
	}
	if !a.Tier.Valid() {
		return fmt.Errorf("invalid tier %q", a.Tier)
	}
	if a.CurrentProjects < 0 || a.CurrentMonthExpenses < 0 || a.CurrentUsers < 0 {
		return fmt.Errorf("counters cannot be negative")
	}
	if a.ExpenseCounterResetAt.IsZero() {
		return fmt.Errorf("expense counter reset time is required")
	}
	return nil
}

// Value returns the stored value of a counter.
func (a *TenantAccount) Value(c Counter) int64 {
	switch c {
	case CounterProjects:
		return a.CurrentProjects
	case CounterMonthExpenses:
		return a.CurrentMonthExpenses
	case CounterUsers:
		return a.CurrentUsers
	}
	return 0
}

// EffectiveValue returns the counter value as an increment at now would see it:
// the monthly counter reads as zero once its window has elapsed.
func (a *TenantAccount) EffectiveValue(c Counter, now time.Time) int64 {
	if c == CounterMonthExpenses && !now.Before(a.ExpenseCounterResetAt) {
		return 0
	}
	return a.Value(c)
}

// Window is the monthly-window evaluation folded into a counter mutation.
// When Now is at or after the stored reset instant the counter restarts from zero
// and the reset instant advances to NextResetAt, in the same atomic step.
type Window struct {
	Now         time.Time
	NextResetAt time.Time
}
