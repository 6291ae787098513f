package models

import "time"

// Reason reported when the tenant store could not be reached.
const ReasonStorageUnavailable = "STORAGE_UNAVAILABLE"

// Reason reported when the tenant's tier or limit cannot be resolved.
const ReasonConfiguration = "CONFIGURATION_ERROR"

// QuotaDecision is the outcome of an admission check. It is never persisted.
type QuotaDecision struct {
	Allowed       bool         `json:"allowed"`
	Reason        string       `json:"reason,omitempty"`
	CurrentUsage  int64        `json:"current_usage"`
	Limit         int64        `json:"limit"`
	SuggestedTier string       `json:"suggested_tier,omitempty"`
	TenantID      string       `json:"tenant_id"`
	ResourceType  ResourceType `json:"resource_type"`
}

// ResourceCreationRequest is issued by a CRUD handler before persisting a resource.
type ResourceCreationRequest struct {
	TenantID     string       `json:"tenant_id"`
	ResourceType ResourceType `json:"resource_type"`
}

// ResourceDeletionEvent is issued after a resource deletion is confirmed.
// CreatedAt is optional; for windowed resources it keeps a deletion from
// releasing a unit counted in an earlier window.
type ResourceDeletionEvent struct {
	TenantID     string       `json:"tenant_id"`
	ResourceType ResourceType `json:"resource_type"`
	CreatedAt    time.Time    `json:"created_at,omitempty"`
}

// TierChangeEvent is issued by the billing collaborator. It touches only the tier.
type TierChangeEvent struct {
	TenantID string `json:"tenant_id"`
	NewTier  Tier   `json:"new_tier"`
}

// UsageEntry is the usage and limit of one resource.
type UsageEntry struct {
	Current int64 `json:"current"`
	Limit   int64 `json:"limit"`
}

// UsageReport summarizes a tenant's usage against its tier.
type UsageReport struct {
	TenantID              string                      `json:"tenant_id"`
	Tier                  Tier                        `json:"tier"`
	Resources             map[ResourceType]UsageEntry `json:"resources"`
	ExpenseCounterResetAt int64                       `json:"expense_counter_reset_at"`
}
