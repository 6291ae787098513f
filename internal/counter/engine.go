// Package counter implements "increment only if below limit" and the
// floor-clamped decrement on top of a tenant store.
package counter

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/quotagate/quotagate/internal/errors"
	"github.com/quotagate/quotagate/internal/models"
	"github.com/quotagate/quotagate/internal/store"
)

// Unlimited matches the registry's unlimited sentinel; the increment is applied
// without a limit check.
const Unlimited = store.NoLimit

// MetricsRecorder defines the interface for recording counter metrics.
type MetricsRecorder interface {
	RecordCounterOperation(operation, counter, result string)
	RecordStorageError(operation string, ambiguous bool)
}

// Result is the outcome of a conditional increment.
type Result struct {
	Success bool
	Current int64
	ResetAt time.Time
}

// Engine performs counter mutations. It holds no counter state; every call is
// one atomic store operation.
type Engine struct {
	store   store.Store
	metrics MetricsRecorder
	clock   func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithMetrics sets the metrics recorder.
func WithMetrics(m MetricsRecorder) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithClock overrides the time source used for updated_at.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		e.clock = clock
	}
}

// NewEngine creates a counter engine over the store.
func NewEngine(s store.Store, opts ...Option) *Engine {
	e := &Engine{store: s, clock: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// TryIncrement adds amount to the counter if the result stays within limit.
// A rejected increment is a normal result, not an error. When window is set the
// monthly reset is evaluated in the same atomic step.
func (e *Engine) TryIncrement(ctx context.Context, tenantID string, c models.Counter, limit, amount int64, window *models.Window) (Result, error) {
	if amount < 1 {
		return Result{}, &errors.ErrInvalidArgument{Field: "amount", Err: fmt.Errorf("must be at least 1, got %d", amount)}
	}
	if limit < Unlimited {
		return Result{}, &errors.ErrInvalidArgument{Field: "limit", Err: fmt.Errorf("must be %d or non-negative, got %d", Unlimited, limit)}
	}
	return e.increment(ctx, "increment", tenantID, c, limit, amount, window)
}

// RollWindow applies the monthly reset without changing usage otherwise.
func (e *Engine) RollWindow(ctx context.Context, tenantID string, window models.Window) (Result, error) {
	return e.increment(ctx, "roll", tenantID, models.CounterMonthExpenses, Unlimited, 0, &window)
}

func (e *Engine) increment(ctx context.Context, op, tenantID string, c models.Counter, limit, amount int64, window *models.Window) (Result, error) {
	res, err := e.store.TryIncrement(ctx, store.IncrementRequest{
		TenantID: tenantID,
		Counter:  c,
		Limit:    limit,
		Amount:   amount,
		Window:   window,
		Now:      e.clock(),
	})
	if err != nil {
		e.record(op, c, "error")
		return Result{}, e.wrap(ctx, op, err)
	}
	if res.Success {
		e.record(op, c, "applied")
	} else {
		e.record(op, c, "rejected")
	}
	return Result{Success: res.Success, Current: res.Current, ResetAt: res.ResetAt}, nil
}

// Decrement subtracts amount unconditionally, clamping at zero.
func (e *Engine) Decrement(ctx context.Context, tenantID string, c models.Counter, amount int64) (int64, error) {
	if amount < 1 {
		return 0, &errors.ErrInvalidArgument{Field: "amount", Err: fmt.Errorf("must be at least 1, got %d", amount)}
	}
	v, err := e.store.Decrement(ctx, tenantID, c, amount, e.clock())
	if err != nil {
		e.record("decrement", c, "error")
		return 0, e.wrap(ctx, "decrement", err)
	}
	e.record("decrement", c, "applied")
	return v, nil
}

// wrap converts store failures into ErrStorageUnavailable. Tenant-not-found and
// argument errors pass through unchanged.
func (e *Engine) wrap(ctx context.Context, op string, err error) error {
	var notFound *errors.ErrTenantNotFound
	var invalid *errors.ErrInvalidArgument
	if stderrors.As(err, &notFound) || stderrors.As(err, &invalid) {
		return err
	}
	// Every engine operation mutates. If the caller gave up or the connection
	// broke after the command was sent, it may have been applied.
	ambiguous := ctx.Err() != nil || errors.IsInFlightFailure(err)
	if e.metrics != nil {
		e.metrics.RecordStorageError(op, ambiguous)
	}
	return &errors.ErrStorageUnavailable{Operation: op, Ambiguous: ambiguous, Err: err}
}

func (e *Engine) record(op string, c models.Counter, result string) {
	if e.metrics != nil {
		e.metrics.RecordCounterOperation(op, string(c), result)
	}
}
