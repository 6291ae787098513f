package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AuditEventType represents the type of audit event
type AuditEventType string

const (
	// Tenant lifecycle
	TenantProvisioned AuditEventType = "TENANT_PROVISIONED"
	TierChanged       AuditEventType = "TIER_CHANGED"

	// Admission decisions
	QuotaDenied AuditEventType = "QUOTA_DENIED"

	// Counter maintenance
	CompensationIssued AuditEventType = "COMPENSATION_ISSUED"
	CompensationFailed AuditEventType = "COMPENSATION_FAILED"
	WindowRolled       AuditEventType = "WINDOW_ROLLED"

	// Configuration events
	ConfigChange AuditEventType = "CONFIG_CHANGE"

	// API access events
	AuthFailure AuditEventType = "AUTH_FAILURE"
)

// AuditSeverity represents the severity level of an audit event
type AuditSeverity string

const (
	SeverityInfo     AuditSeverity = "info"
	SeverityWarning  AuditSeverity = "warning"
	SeverityError    AuditSeverity = "error"
	SeverityCritical AuditSeverity = "critical"
)

// AuditStatus represents the status of an audited action
type AuditStatus string

const (
	StatusSuccess AuditStatus = "success"
	StatusFailure AuditStatus = "failure"
)

// AuditEvent is an operational record of a change to tenant quota state.
type AuditEvent struct {
	ID           string                 `json:"id"`
	Timestamp    time.Time              `json:"timestamp"`
	EventType    AuditEventType         `json:"event_type"`
	Severity     AuditSeverity          `json:"severity"`
	TenantID     string                 `json:"tenant_id,omitempty"`
	Resource     string                 `json:"resource,omitempty"`
	Action       string                 `json:"action"`
	Status       AuditStatus            `json:"status"`
	Details      map[string]interface{} `json:"details,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
}

// NewAuditEvent creates a new audit event with a generated ID and timestamp
func NewAuditEvent(eventType AuditEventType, action string, status AuditStatus) *AuditEvent {
	return &AuditEvent{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Severity:  SeverityInfo,
		Action:    action,
		Status:    status,
	}
}

// WithTenant sets the tenant the event refers to
func (e *AuditEvent) WithTenant(tenantID string) *AuditEvent {
	e.TenantID = tenantID
	return e
}

// WithResource sets the resource type for the audit event
func (e *AuditEvent) WithResource(resource string) *AuditEvent {
	e.Resource = resource
	return e
}

// WithSeverity sets the severity for the audit event
func (e *AuditEvent) WithSeverity(severity AuditSeverity) *AuditEvent {
	e.Severity = severity
	return e
}

// WithDetail adds a single detail entry
func (e *AuditEvent) WithDetail(key string, value interface{}) *AuditEvent {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithError sets the error message for the audit event
func (e *AuditEvent) WithError(err error) *AuditEvent {
	if err == nil {
		return e
	}
	e.ErrorMessage = err.Error()
	e.Status = StatusFailure
	if e.Severity == "" || e.Severity == SeverityInfo {
		e.Severity = SeverityError
	}
	return e
}

// ToJSON converts the audit event to a JSON string
func (e *AuditEvent) ToJSON() string {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf(`{"error": "failed to marshal audit event: %v"}`, err)
	}
	return string(data)
}

// ParseAuditEvent parses a JSON string into an AuditEvent
func ParseAuditEvent(data string) (*AuditEvent, error) {
	var event AuditEvent
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		return nil, fmt.Errorf("failed to parse audit event: %w", err)
	}
	return &event, nil
}

// Audit writes an audit event through the logger. Severity maps onto the log level.
func (l *Logger) Audit(ctx context.Context, event *AuditEvent) {
	if event == nil {
		return
	}
	fields := []interface{}{
		"audit_id", event.ID,
		"event_type", string(event.EventType),
		"action", event.Action,
		"status", string(event.Status),
	}
	tenantID := event.TenantID
	if tenantID == "" {
		tenantID = GetTenantID(ctx)
	}
	if tenantID != "" {
		fields = append(fields, "tenant_id", tenantID)
	}
	if event.Resource != "" {
		fields = append(fields, "resource", event.Resource)
	}
	for k, v := range event.Details {
		fields = append(fields, k, v)
	}
	if event.ErrorMessage != "" {
		fields = append(fields, "error", event.ErrorMessage)
	}

	switch event.Severity {
	case SeverityWarning:
		l.WarnWithContext(ctx, "audit", fields...)
	case SeverityError, SeverityCritical:
		l.ErrorWithContext(ctx, "audit", fields...)
	default:
		l.InfoWithContext(ctx, "audit", fields...)
	}
}
