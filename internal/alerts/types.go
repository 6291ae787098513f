package alerts

import (
	"context"
	"time"
)

// Severity represents alert severity level
type Severity string

const (
	// SeverityInfo is for informational alerts
	SeverityInfo Severity = "info"
	// SeverityWarning is for warning alerts
	SeverityWarning Severity = "warning"
	// SeverityCritical is for critical alerts
	SeverityCritical Severity = "critical"
)

// AlertType represents the type of alert
type AlertType string

const (
	// AlertTypeLimitReached is sent when a tenant is denied by its tier limit
	AlertTypeLimitReached AlertType = "limit_reached"
	// AlertTypeCompensationFailed is sent when a counter may have drifted
	AlertTypeCompensationFailed AlertType = "compensation_failed"
	// AlertTypeStorageUnavailable is sent when admission fails closed
	AlertTypeStorageUnavailable AlertType = "storage_unavailable"
)

// Alert represents an alert to be sent
type Alert struct {
	ID            string
	TenantID      string
	Resource      string
	Type          AlertType
	Severity      Severity
	Message       string
	Current       int64
	Limit         int64
	SuggestedTier string
	Timestamp     time.Time
	Metadata      map[string]interface{}
}

// AlertKey creates a unique key for deduplication
func (a *Alert) AlertKey() string {
	return a.TenantID + ":" + a.Resource + ":" + string(a.Type)
}

// AlertRecord represents a sent alert record for deduplication
type AlertRecord struct {
	AlertKey string
	SentAt   time.Time
	Count    int
}

// Notifier delivers an alert to a channel.
type Notifier interface {
	Notify(ctx context.Context, alert Alert) error
	Name() string
}

// MuteState represents the mute state for alerts
type MuteState struct {
	Muted  bool
	Until  time.Time
	Reason string
}

// IsMuted checks if alerts are currently muted
func (m *MuteState) IsMuted() bool {
	if !m.Muted {
		return false
	}
	if time.Now().After(m.Until) {
		m.Muted = false
		return false
	}
	return true
}

// RemainingMuteTime returns the remaining mute duration
func (m *MuteState) RemainingMuteTime() time.Duration {
	if !m.IsMuted() {
		return 0
	}
	return time.Until(m.Until)
}
