// Package lifecycle ties quota reservations to the persistence of the resource
// they were made for.
package lifecycle

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/quotagate/quotagate/internal/errors"
	"github.com/quotagate/quotagate/internal/logging"
	"github.com/quotagate/quotagate/internal/models"
)

// Gate is the part of the quota gate the hooks drive.
type Gate interface {
	CheckAndReserve(ctx context.Context, tenantID string, res models.ResourceType) (models.QuotaDecision, error)
	Release(ctx context.Context, tenantID string, res models.ResourceType) (int64, error)
	ReleaseDeleted(ctx context.Context, ev models.ResourceDeletionEvent) (int64, error)
}

// MetricsRecorder defines the interface for recording compensation metrics.
type MetricsRecorder interface {
	RecordCompensation(resource string, success bool)
}

// AlertSink is told about compensations that gave up.
type AlertSink interface {
	CompensationFailed(ctx context.Context, tenantID string, resource models.ResourceType, cause error)
}

// PersistFunc stores the resource once its reservation is held.
type PersistFunc func(ctx context.Context) error

// ErrPersistFailed wraps the persist error returned by Create.
type ErrPersistFailed struct {
	TenantID     string
	ResourceType models.ResourceType
	Err          error
}

func (e *ErrPersistFailed) Error() string {
	return fmt.Sprintf("persist %s for tenant %s: %v", e.ResourceType, e.TenantID, e.Err)
}

func (e *ErrPersistFailed) Unwrap() error {
	return e.Err
}

// Config controls compensation retries.
type Config struct {
	CompensationAttempts uint64
	CompensationBackoff  time.Duration
	CompensationTimeout  time.Duration
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		CompensationAttempts: 5,
		CompensationBackoff:  100 * time.Millisecond,
		CompensationTimeout:  10 * time.Second,
	}
}

// Hooks reserve before persisting and release when a resource goes away or
// never came to be.
type Hooks struct {
	gate    Gate
	config  Config
	logger  *logging.Logger
	metrics MetricsRecorder
	alerts  AlertSink
}

// Option configures Hooks.
type Option func(*Hooks)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(h *Hooks) {
		h.logger = l
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m MetricsRecorder) Option {
	return func(h *Hooks) {
		h.metrics = m
	}
}

// WithAlerts reports exhausted compensations to sink.
func WithAlerts(sink AlertSink) Option {
	return func(h *Hooks) {
		h.alerts = sink
	}
}

// NewHooks creates lifecycle hooks around gate.
func NewHooks(gate Gate, cfg Config, opts ...Option) *Hooks {
	def := DefaultConfig()
	if cfg.CompensationAttempts == 0 {
		cfg.CompensationAttempts = def.CompensationAttempts
	}
	if cfg.CompensationBackoff <= 0 {
		cfg.CompensationBackoff = def.CompensationBackoff
	}
	if cfg.CompensationTimeout <= 0 {
		cfg.CompensationTimeout = def.CompensationTimeout
	}
	h := &Hooks{gate: gate, config: cfg}
	for _, opt := range opts {
		opt(h)
	}
	if h.logger == nil {
		h.logger = logging.NewLogger()
	}
	return h
}

// Create reserves quota for the request and runs persist only when admitted.
// A denied decision is returned with a nil error. If persist fails the
// reservation is released and an *ErrPersistFailed is returned.
//
// When the reservation outcome is unknown (the increment was sent but its
// result was lost) the reservation is assumed to be held: persist still runs,
// the decision is returned as allowed with a nil error, and the unit is
// released only if persist fails. Retrying the reservation instead could count
// the resource twice.
func (h *Hooks) Create(ctx context.Context, req models.ResourceCreationRequest, persist PersistFunc) (models.QuotaDecision, error) {
	decision, err := h.gate.CheckAndReserve(ctx, req.TenantID, req.ResourceType)
	if err != nil {
		if !errors.IsAmbiguous(err) {
			return decision, err
		}
		h.logger.WarnWithContext(ctx, "reservation outcome unknown, proceeding as reserved",
			"tenant_id", req.TenantID, "resource", string(req.ResourceType), "error", err)
		decision.Allowed = true
		decision.Reason = ""
	} else if !decision.Allowed {
		return decision, nil
	}

	if perr := persist(ctx); perr != nil {
		_ = h.compensate(ctx, req, perr)
		return decision, &ErrPersistFailed{TenantID: req.TenantID, ResourceType: req.ResourceType, Err: perr}
	}
	return decision, nil
}

// OnResourceCreated completes a reservation made through the gate directly.
// A non-nil persistErr releases it.
func (h *Hooks) OnResourceCreated(ctx context.Context, req models.ResourceCreationRequest, persistErr error) error {
	if persistErr == nil {
		return nil
	}
	return h.compensate(ctx, req, persistErr)
}

// OnResourceDeleted releases the deleted resource's unit. Monthly resources
// created before the current window are not released.
func (h *Hooks) OnResourceDeleted(ctx context.Context, ev models.ResourceDeletionEvent) (int64, error) {
	current, err := h.gate.ReleaseDeleted(ctx, ev)
	if err != nil {
		h.logger.ErrorWithContext(ctx, "release after deletion failed",
			"tenant_id", ev.TenantID, "resource", string(ev.ResourceType), "error", err)
		return 0, err
	}
	return current, nil
}

// compensate releases one unit with retries. It runs detached from the
// caller's cancellation so an abandoned request still gives the unit back.
func (h *Hooks) compensate(parent context.Context, req models.ResourceCreationRequest, cause error) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), h.config.CompensationTimeout)
	defer cancel()

	backoff := retry.WithMaxRetries(h.config.CompensationAttempts-1, retry.NewExponential(h.config.CompensationBackoff))

	attempts := 0
	var current int64
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		v, err := h.gate.Release(ctx, req.TenantID, req.ResourceType)
		if err == nil {
			current = v
			return nil
		}
		if errors.IsTenantNotFound(err) {
			return err
		}
		var invalid *errors.ErrInvalidArgument
		if stderrors.As(err, &invalid) {
			return err
		}
		return retry.RetryableError(err)
	})

	resource := string(req.ResourceType)
	if h.metrics != nil {
		h.metrics.RecordCompensation(resource, err == nil)
	}

	if err != nil {
		h.logger.ErrorWithContext(ctx, "compensating release failed, counter drift possible",
			"tenant_id", req.TenantID, "resource", resource, "attempts", attempts, "error", err)
		h.logger.Audit(ctx, logging.NewAuditEvent(logging.CompensationFailed, "release", logging.StatusFailure).
			WithTenant(req.TenantID).
			WithResource(resource).
			WithSeverity(logging.SeverityCritical).
			WithDetail("attempts", attempts).
			WithDetail("cause", cause.Error()).
			WithError(err))
		if h.alerts != nil {
			h.alerts.CompensationFailed(ctx, req.TenantID, req.ResourceType, err)
		}
		return err
	}

	h.logger.Audit(ctx, logging.NewAuditEvent(logging.CompensationIssued, "release", logging.StatusSuccess).
		WithTenant(req.TenantID).
		WithResource(resource).
		WithDetail("attempts", attempts).
		WithDetail("current", current).
		WithDetail("cause", cause.Error()))
	return nil
}
