// Package quota is the admission-control façade: it resolves a tenant's tier
// limit, folds in the monthly window and asks the counter engine for an atomic
// reservation.
package quota

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/quotagate/quotagate/internal/counter"
	"github.com/quotagate/quotagate/internal/errors"
	"github.com/quotagate/quotagate/internal/logging"
	"github.com/quotagate/quotagate/internal/models"
	"github.com/quotagate/quotagate/internal/store"
	"github.com/quotagate/quotagate/internal/tiers"
	"github.com/quotagate/quotagate/internal/window"
)

// Reason reported when the tenant has no account.
const ReasonTenantNotFound = "TENANT_NOT_FOUND"

// MetricsRecorder defines the interface for recording gate metrics.
type MetricsRecorder interface {
	RecordAdmission(resource string, allowed bool, reason string, duration time.Duration)
	RecordTierChange(from, to string)
	RecordWindowRoll(result string)
}

// AlertSink receives denials worth telling a human about.
type AlertSink interface {
	LimitReached(ctx context.Context, d models.QuotaDecision)
	StorageUnavailable(ctx context.Context, tenantID string, resource models.ResourceType, cause error)
}

// Gate answers admission checks. It keeps no counter state between calls.
type Gate struct {
	store    store.Store
	engine   *counter.Engine
	registry atomic.Pointer[tiers.Registry]
	window   *window.Manager
	logger   *logging.Logger
	metrics  MetricsRecorder
	alerts   AlertSink

	countUnlimited bool
}

// Option configures a Gate.
type Option func(*Gate)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(g *Gate) {
		g.logger = l
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m MetricsRecorder) Option {
	return func(g *Gate) {
		g.metrics = m
	}
}

// WithAlerts forwards denials to sink.
func WithAlerts(sink AlertSink) Option {
	return func(g *Gate) {
		g.alerts = sink
	}
}

// WithCountUnlimited controls whether usage of unlimited resources is still counted.
func WithCountUnlimited(count bool) Option {
	return func(g *Gate) {
		g.countUnlimited = count
	}
}

// NewGate creates a gate. A nil window manager uses UTC month boundaries.
func NewGate(s store.Store, engine *counter.Engine, registry *tiers.Registry, wm *window.Manager, opts ...Option) *Gate {
	if wm == nil {
		wm = window.NewManager(nil)
	}
	g := &Gate{
		store:          s,
		engine:         engine,
		window:         wm,
		countUnlimited: true,
	}
	g.registry.Store(registry)
	for _, opt := range opts {
		opt(g)
	}
	if g.logger == nil {
		g.logger = logging.NewLogger()
	}
	return g
}

// SetRegistry swaps the tier table. Checks already in flight keep the table they started with.
func (g *Gate) SetRegistry(r *tiers.Registry) {
	if r != nil {
		g.registry.Store(r)
	}
}

// Registry returns the current tier table.
func (g *Gate) Registry() *tiers.Registry {
	return g.registry.Load()
}

// CheckAndReserve decides whether the tenant may create one more resource and,
// if so, reserves it. A reached limit is reported in the decision, not as an
// error. Storage, configuration and lookup failures deny and return the error.
func (g *Gate) CheckAndReserve(ctx context.Context, tenantID string, res models.ResourceType) (decision models.QuotaDecision, err error) {
	start := time.Now()
	decision = models.QuotaDecision{TenantID: tenantID, ResourceType: res}
	defer func() {
		if g.metrics != nil {
			g.metrics.RecordAdmission(string(res), decision.Allowed, decision.Reason, time.Since(start))
		}
	}()

	c := res.Counter()
	if c == "" {
		return decision, &errors.ErrInvalidArgument{Field: "resource_type", Err: fmt.Errorf("unknown resource type %q", res)}
	}

	acct, err := g.loadTenant(ctx, tenantID)
	if err != nil {
		decision.Reason = g.failureReason(ctx, tenantID, res, err)
		return decision, err
	}

	registry := g.registry.Load()
	limit, err := registry.LimitFor(acct.Tier, res)
	if err != nil {
		decision.Reason = models.ReasonConfiguration
		g.logger.ErrorWithContext(ctx, "cannot resolve tier limit",
			"tenant_id", tenantID, "tier", string(acct.Tier), "resource", string(res), "error", err)
		return decision, err
	}
	decision.Limit = limit

	var w *models.Window
	if res.Windowed() {
		cur := g.window.Current()
		w = &cur
	}

	if tiers.IsUnlimited(limit) {
		decision.Allowed = true
		decision.CurrentUsage = acct.EffectiveValue(c, g.window.Now())
		if g.countUnlimited {
			result, err := g.engine.TryIncrement(ctx, tenantID, c, counter.Unlimited, 1, w)
			if err != nil {
				g.logger.WarnWithContext(ctx, "usage count for unlimited resource not recorded",
					"tenant_id", tenantID, "resource", string(res), "error", err)
			} else {
				decision.CurrentUsage = result.Current
			}
		}
		return decision, nil
	}

	result, err := g.engine.TryIncrement(ctx, tenantID, c, limit, 1, w)
	if err != nil {
		decision.Reason = g.failureReason(ctx, tenantID, res, err)
		return decision, err
	}

	decision.CurrentUsage = result.Current
	if result.Success {
		decision.Allowed = true
		return decision, nil
	}

	decision.Reason = res.LimitReason()
	decision.SuggestedTier = registry.SuggestTier(res, result.Current)

	g.logger.Audit(ctx, logging.NewAuditEvent(logging.QuotaDenied, "reserve", logging.StatusFailure).
		WithTenant(tenantID).
		WithResource(string(res)).
		WithSeverity(logging.SeverityWarning).
		WithDetail("current_usage", result.Current).
		WithDetail("limit", limit).
		WithDetail("tier", string(acct.Tier)).
		WithDetail("suggested_tier", decision.SuggestedTier))
	if g.alerts != nil {
		g.alerts.LimitReached(ctx, decision)
	}
	return decision, nil
}

// failureReason classifies a failed check and reports storage outages.
func (g *Gate) failureReason(ctx context.Context, tenantID string, res models.ResourceType, err error) string {
	switch {
	case errors.IsTenantNotFound(err):
		return ReasonTenantNotFound
	case errors.IsStorageUnavailable(err):
		g.logger.ErrorWithContext(ctx, "admission denied, tenant store unavailable",
			"tenant_id", tenantID, "resource", string(res), "ambiguous", errors.IsAmbiguous(err), "error", err)
		if g.alerts != nil {
			g.alerts.StorageUnavailable(ctx, tenantID, res, err)
		}
		return models.ReasonStorageUnavailable
	case errors.IsConfiguration(err):
		return models.ReasonConfiguration
	}
	return models.ReasonStorageUnavailable
}

// Release returns one unit of the resource, e.g. after a failed persist. It
// always decrements the current counter; for a monthly resource created in an
// earlier window use ReleaseDeleted.
func (g *Gate) Release(ctx context.Context, tenantID string, res models.ResourceType) (int64, error) {
	c := res.Counter()
	if c == "" {
		return 0, &errors.ErrInvalidArgument{Field: "resource_type", Err: fmt.Errorf("unknown resource type %q", res)}
	}
	return g.engine.Decrement(ctx, tenantID, c, 1)
}

// ReleaseDeleted releases the unit of a deleted resource. A monthly resource
// whose CreatedAt lies outside the current window was counted in a window that
// has since reset, so nothing is decremented and the effective usage is
// returned. A zero CreatedAt always releases.
func (g *Gate) ReleaseDeleted(ctx context.Context, ev models.ResourceDeletionEvent) (int64, error) {
	if ev.CreatedAt.IsZero() || !ev.ResourceType.Windowed() {
		return g.Release(ctx, ev.TenantID, ev.ResourceType)
	}
	now := g.window.Now()
	if g.window.SameWindow(ev.CreatedAt, now) {
		return g.Release(ctx, ev.TenantID, ev.ResourceType)
	}

	acct, err := g.loadTenant(ctx, ev.TenantID)
	if err != nil {
		return 0, err
	}
	g.logger.DebugWithContext(ctx, "deleted resource belongs to an earlier window, not released",
		"tenant_id", ev.TenantID, "resource", string(ev.ResourceType), "created_at", ev.CreatedAt)
	return acct.EffectiveValue(ev.ResourceType.Counter(), now), nil
}

// Provision creates a zero-usage account for the tenant. An existing account is
// returned unchanged with created=false.
func (g *Gate) Provision(ctx context.Context, tenantID string, tier models.Tier) (*models.TenantAccount, bool, error) {
	if tier == "" {
		tier = models.TierTrial
	}
	if _, err := g.registry.Load().GetLimits(tier); err != nil {
		return nil, false, err
	}

	now := g.window.Now()
	acct := models.NewTenantAccount(tenantID, tier, now, g.window.NextReset(now))
	if err := acct.Validate(); err != nil {
		return nil, false, &errors.ErrInvalidArgument{Field: "tenant", Err: err}
	}

	created, err := g.store.CreateTenant(ctx, acct)
	if err != nil {
		return nil, false, g.storageError("create_tenant", err)
	}
	if !created {
		existing, err := g.loadTenant(ctx, tenantID)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}

	g.logger.Audit(ctx, logging.NewAuditEvent(logging.TenantProvisioned, "provision", logging.StatusSuccess).
		WithTenant(tenantID).
		WithDetail("tier", string(tier)))
	return acct, true, nil
}

// ApplyTierChange updates the tenant's tier. Counters are left untouched; a
// tenant above the new limits is simply denied further creations.
func (g *Gate) ApplyTierChange(ctx context.Context, ev models.TierChangeEvent) error {
	if _, err := g.registry.Load().GetLimits(ev.NewTier); err != nil {
		return err
	}
	acct, err := g.loadTenant(ctx, ev.TenantID)
	if err != nil {
		return err
	}
	if err := g.store.SetTier(ctx, ev.TenantID, ev.NewTier, g.window.Now()); err != nil {
		if errors.IsTenantNotFound(err) {
			return err
		}
		return g.storageError("set_tier", err)
	}

	if g.metrics != nil {
		g.metrics.RecordTierChange(string(acct.Tier), string(ev.NewTier))
	}
	g.logger.Audit(ctx, logging.NewAuditEvent(logging.TierChanged, "tier_change", logging.StatusSuccess).
		WithTenant(ev.TenantID).
		WithDetail("from", string(acct.Tier)).
		WithDetail("to", string(ev.NewTier)))
	return nil
}

// Tenant returns the stored account.
func (g *Gate) Tenant(ctx context.Context, tenantID string) (*models.TenantAccount, error) {
	return g.loadTenant(ctx, tenantID)
}

// Usage reports every counter against the tenant's limits. The monthly counter
// is reported as an increment right now would see it.
func (g *Gate) Usage(ctx context.Context, tenantID string) (*models.UsageReport, error) {
	acct, err := g.loadTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	limits, err := g.registry.Load().GetLimits(acct.Tier)
	if err != nil {
		return nil, err
	}

	now := g.window.Now()
	report := &models.UsageReport{
		TenantID:              tenantID,
		Tier:                  acct.Tier,
		Resources:             make(map[models.ResourceType]models.UsageEntry, len(models.ResourceTypes)),
		ExpenseCounterResetAt: acct.ExpenseCounterResetAt.UnixMilli(),
	}
	if !now.Before(acct.ExpenseCounterResetAt) {
		report.ExpenseCounterResetAt = g.window.NextReset(now).UnixMilli()
	}
	for _, res := range models.ResourceTypes {
		limit, _ := limits.For(res)
		report.Resources[res] = models.UsageEntry{
			Current: acct.EffectiveValue(res.Counter(), now),
			Limit:   limit,
		}
	}
	return report, nil
}

// Violation is a resource whose usage exceeds the target tier's limit.
type Violation struct {
	Resource models.ResourceType `json:"resource"`
	Current  int64               `json:"current"`
	Limit    int64               `json:"limit"`
}

// DowngradeCheck is the result of CanDowngrade.
type DowngradeCheck struct {
	TenantID   string      `json:"tenant_id"`
	From       models.Tier `json:"from"`
	To         models.Tier `json:"to"`
	Allowed    bool        `json:"allowed"`
	Violations []Violation `json:"violations,omitempty"`
}

// CanDowngrade reports whether current usage fits within the target tier.
// Usage equal to the target limit fits.
func (g *Gate) CanDowngrade(ctx context.Context, tenantID string, target models.Tier) (*DowngradeCheck, error) {
	targetLimits, err := g.registry.Load().GetLimits(target)
	if err != nil {
		return nil, err
	}
	acct, err := g.loadTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	now := g.window.Now()
	check := &DowngradeCheck{TenantID: tenantID, From: acct.Tier, To: target, Allowed: true}
	for _, res := range models.ResourceTypes {
		limit, _ := targetLimits.For(res)
		if tiers.IsUnlimited(limit) {
			continue
		}
		current := acct.EffectiveValue(res.Counter(), now)
		if current > limit {
			check.Allowed = false
			check.Violations = append(check.Violations, Violation{Resource: res, Current: current, Limit: limit})
		}
	}
	return check, nil
}

// RollWindows applies the monthly reset to every tenant whose window has
// elapsed. Increments reset lazily on their own, so this only keeps stored
// values tidy for readers. It returns the number of tenants processed.
func (g *Gate) RollWindows(ctx context.Context) (int, error) {
	ids, err := g.store.ListTenants(ctx)
	if err != nil {
		g.recordRoll("error")
		return 0, g.storageError("list_tenants", err)
	}

	var errs []error
	processed := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if _, err := g.engine.RollWindow(ctx, id, g.window.Current()); err != nil {
			if errors.IsTenantNotFound(err) {
				continue
			}
			errs = append(errs, fmt.Errorf("tenant %s: %w", id, err))
			continue
		}
		processed++
	}

	status := logging.StatusSuccess
	if len(errs) > 0 {
		status = logging.StatusFailure
		g.recordRoll("error")
	} else {
		g.recordRoll("success")
	}
	g.logger.Audit(ctx, logging.NewAuditEvent(logging.WindowRolled, "roll_windows", status).
		WithDetail("tenants", len(ids)).
		WithDetail("processed", processed))
	return processed, stderrors.Join(errs...)
}

func (g *Gate) loadTenant(ctx context.Context, tenantID string) (*models.TenantAccount, error) {
	acct, err := g.store.GetTenant(ctx, tenantID)
	if err != nil {
		if errors.IsTenantNotFound(err) {
			return nil, err
		}
		return nil, g.storageError("get_tenant", err)
	}
	return acct, nil
}

// storageError wraps a failed read or idempotent write. These never leave a
// half-applied counter behind, so they are not ambiguous.
func (g *Gate) storageError(op string, err error) error {
	if errors.IsStorageUnavailable(err) {
		return err
	}
	return &errors.ErrStorageUnavailable{Operation: op, Err: err}
}

func (g *Gate) recordRoll(result string) {
	if g.metrics != nil {
		g.metrics.RecordWindowRoll(result)
	}
}
