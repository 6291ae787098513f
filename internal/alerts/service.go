package alerts

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quotagate/quotagate/internal/logging"
	"github.com/quotagate/quotagate/internal/models"
)

// MetricsRecorder defines the interface for recording alert metrics.
type MetricsRecorder interface {
	RecordAlert(channel, status string)
}

// Config represents alert service configuration
type Config struct {
	Enabled            bool
	DedupWindow        time.Duration
	RateLimitPerMinute int
	QueueSize          int
	SendTimeout        time.Duration
	ShutdownTimeout    time.Duration
}

// Service deduplicates, throttles and delivers alerts on a background worker
// so the admission path never waits on a notification channel.
type Service struct {
	config    Config
	notifier  Notifier
	logger    *logging.Logger
	metrics   MetricsRecorder
	dedup     *DedupStore
	throttler *Throttler
	muteState *MuteState

	queue chan Alert

	mu      sync.RWMutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// ServiceOption is a functional option for Service
type ServiceOption func(*Service)

// WithMetrics sets the metrics recorder
func WithMetrics(m MetricsRecorder) ServiceOption {
	return func(s *Service) {
		s.metrics = m
	}
}

// NewService creates a new alert service
func NewService(config Config, notifier Notifier, logger *logging.Logger, opts ...ServiceOption) *Service {
	if config.DedupWindow == 0 {
		config.DedupWindow = 30 * time.Minute
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 256
	}
	if config.SendTimeout == 0 {
		config.SendTimeout = 10 * time.Second
	}
	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = 25 * time.Second
	}
	if logger == nil {
		logger = logging.NewLogger()
	}
	if notifier == nil {
		notifier = NewLogNotifier(logger)
	}

	s := &Service{
		config:    config,
		notifier:  notifier,
		logger:    logger,
		dedup:     NewDedupStore(config.DedupWindow),
		throttler: NewThrottler(config.RateLimitPerMinute, config.RateLimitPerMinute),
		muteState: &MuteState{},
		queue:     make(chan Alert, config.QueueSize),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start starts the delivery worker
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	s.running = true

	var ctx context.Context
	ctx, s.cancel = context.WithCancel(context.Background())
	s.wg.Add(2)
	go s.processAlerts(ctx)
	go s.cleanupLoop(ctx)
}

// Stop gracefully stops the service, delivering alerts already queued
func (s *Service) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(s.config.ShutdownTimeout):
		return fmt.Errorf("timeout waiting for alert service to stop")
	}
}

// IsRunning returns whether the service is running
func (s *Service) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// ProcessAlert queues an alert after mute, dedup and rate-limit checks.
// Dropped duplicates are not errors.
func (s *Service) ProcessAlert(alert Alert) error {
	if !s.config.Enabled {
		return nil
	}
	if s.IsMuted() {
		s.record("muted")
		return nil
	}
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now().UTC()
	}

	key := alert.AlertKey()
	if !s.dedup.CheckAndRecord(key) {
		s.record("deduplicated")
		return nil
	}
	if !s.throttler.Allow() {
		// Let the next occurrence through once tokens are back.
		s.dedup.Forget(key)
		s.record("throttled")
		return fmt.Errorf("alert rate limit reached, retry after %v", s.throttler.RetryAfter())
	}

	select {
	case s.queue <- alert:
		return nil
	default:
		s.dedup.Forget(key)
		s.record("dropped")
		return fmt.Errorf("alert queue is full")
	}
}

// LimitReached reports a quota denial.
func (s *Service) LimitReached(ctx context.Context, d models.QuotaDecision) {
	err := s.ProcessAlert(Alert{
		TenantID:      d.TenantID,
		Resource:      string(d.ResourceType),
		Type:          AlertTypeLimitReached,
		Severity:      SeverityWarning,
		Message:       d.Reason,
		Current:       d.CurrentUsage,
		Limit:         d.Limit,
		SuggestedTier: d.SuggestedTier,
	})
	if err != nil {
		s.logger.DebugWithContext(ctx, "limit alert not queued", "tenant_id", d.TenantID, "error", err)
	}
}

// CompensationFailed reports a compensating release that exhausted its retries.
func (s *Service) CompensationFailed(ctx context.Context, tenantID string, resource models.ResourceType, cause error) {
	msg := "Counter may be over-reported until reconciled."
	if cause != nil {
		msg = fmt.Sprintf("%s Last error: %v", msg, cause)
	}
	err := s.ProcessAlert(Alert{
		TenantID: tenantID,
		Resource: string(resource),
		Type:     AlertTypeCompensationFailed,
		Severity: SeverityCritical,
		Message:  msg,
	})
	if err != nil {
		s.logger.WarnWithContext(ctx, "compensation alert not queued", "tenant_id", tenantID, "error", err)
	}
}

// StorageUnavailable reports an admission check that failed closed.
func (s *Service) StorageUnavailable(ctx context.Context, tenantID string, resource models.ResourceType, cause error) {
	err := s.ProcessAlert(Alert{
		TenantID: tenantID,
		Resource: string(resource),
		Type:     AlertTypeStorageUnavailable,
		Severity: SeverityCritical,
		Message:  fmt.Sprintf("Admission denied while the tenant store was unavailable: %v", cause),
	})
	if err != nil {
		s.logger.DebugWithContext(ctx, "storage alert not queued", "tenant_id", tenantID, "error", err)
	}
}

// MuteAlerts mutes alerts for the specified duration
func (s *Service) MuteAlerts(duration time.Duration, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.muteState.Muted = true
	s.muteState.Until = time.Now().Add(duration)
	s.muteState.Reason = reason
}

// UnmuteAlerts unmutes alerts
func (s *Service) UnmuteAlerts() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.muteState.Muted = false
	s.muteState.Until = time.Time{}
	s.muteState.Reason = ""
}

// IsMuted returns whether alerts are muted
func (s *Service) IsMuted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muteState.IsMuted()
}

func (s *Service) processAlerts(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			s.drain()
			return
		case alert := <-s.queue:
			s.send(context.Background(), alert)
		}
	}
}

// drain delivers whatever is still queued at shutdown.
func (s *Service) drain() {
	for {
		select {
		case alert := <-s.queue:
			s.send(context.Background(), alert)
		default:
			return
		}
	}
}

func (s *Service) send(parent context.Context, alert Alert) {
	ctx, cancel := context.WithTimeout(parent, s.config.SendTimeout)
	defer cancel()

	if err := s.notifier.Notify(ctx, alert); err != nil {
		s.record("failed")
		s.logger.Error("failed to deliver alert",
			"channel", s.notifier.Name(),
			"alert_id", alert.ID,
			"tenant_id", alert.TenantID,
			"error", err,
		)
		return
	}
	s.record("sent")
}

func (s *Service) cleanupLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.dedup.Cleanup()
		}
	}
}

func (s *Service) record(status string) {
	if s.metrics != nil {
		s.metrics.RecordAlert(s.notifier.Name(), status)
	}
}
