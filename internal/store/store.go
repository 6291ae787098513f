// Package store persists tenant accounts and performs the atomic counter
// mutations every admission decision is built on.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/quotagate/quotagate/internal/errors"
	"github.com/quotagate/quotagate/internal/models"
)

// NoLimit disables the limit check of an increment.
const NoLimit int64 = -1

// IncrementRequest describes a conditional increment.
type IncrementRequest struct {
	TenantID string
	Counter  models.Counter
	// Limit is the inclusive upper bound for the counter after the increment.
	// NoLimit applies the increment unconditionally.
	Limit  int64
	Amount int64
	// Window, when set, resets the counter to zero before applying the amount if
	// Window.Now is at or after the stored reset instant, and advances the reset
	// instant to Window.NextResetAt. All in the same atomic step.
	Window *models.Window
	Now    time.Time
}

// IncrementResult is the outcome of a conditional increment.
type IncrementResult struct {
	Success bool
	// Current is the counter value after a successful increment, or the effective
	// value that caused the rejection.
	Current int64
	ResetAt time.Time
}

// Store is the tenant account store. Implementations must apply TryIncrement
// and Decrement as single atomic operations against shared state.
type Store interface {
	// CreateTenant inserts the account unless it exists. It reports whether a row was created.
	CreateTenant(ctx context.Context, acct *models.TenantAccount) (bool, error)
	GetTenant(ctx context.Context, tenantID string) (*models.TenantAccount, error)
	ListTenants(ctx context.Context) ([]string, error)
	// SetTier changes only the tier of an account.
	SetTier(ctx context.Context, tenantID string, tier models.Tier, now time.Time) error
	DeleteTenant(ctx context.Context, tenantID string) error

	TryIncrement(ctx context.Context, req IncrementRequest) (IncrementResult, error)
	// Decrement subtracts amount, clamping at zero, and returns the new value.
	Decrement(ctx context.Context, tenantID string, counter models.Counter, amount int64, now time.Time) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}

func validateIncrement(req IncrementRequest) error {
	if !req.Counter.Valid() {
		return &errors.ErrInvalidArgument{Field: "counter", Err: errUnknownCounter(req.Counter)}
	}
	if req.Window != nil && req.Counter != models.CounterMonthExpenses {
		return &errors.ErrInvalidArgument{Field: "window", Err: fmt.Errorf("counter %s is not windowed", req.Counter)}
	}
	if req.Amount < 0 {
		return &errors.ErrInvalidArgument{Field: "amount", Err: fmt.Errorf("must not be negative, got %d", req.Amount)}
	}
	return nil
}

func errUnknownCounter(c models.Counter) error {
	return fmt.Errorf("unknown counter %q", c)
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
