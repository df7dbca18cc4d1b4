package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// PolicyType identifies the evaluation semantics of a policy.
type PolicyType string

const (
	PolicyAllowList      PolicyType = "ALLOW_LIST"
	PolicyDenyList       PolicyType = "DENY_LIST"
	PolicyTimeBased      PolicyType = "TIME_BASED"
	PolicyCountBased     PolicyType = "COUNT_BASED"
	PolicyManualApproval PolicyType = "MANUAL_APPROVAL"
)

// PolicyScope identifies which requests a policy applies to.
type PolicyScope string

const (
	ScopeGlobal     PolicyScope = "GLOBAL"
	ScopePlugin     PolicyScope = "PLUGIN"
	ScopeCredential PolicyScope = "CREDENTIAL"
)

// Policy is a configured access rule. Policies are written by the external
// CRUD layer and consumed read-only by the evaluation engine.
type Policy struct {
	// ID is the unique identifier for the policy
	ID uuid.UUID `gorm:"column:policy_id;type:uuid;primaryKey" json:"policy_id"`
	// Name is the human-readable policy name shown in decision reasons
	Name string `gorm:"column:name;type:varchar(255);not null" json:"name"`
	// Type selects the evaluator: ALLOW_LIST, DENY_LIST, TIME_BASED, COUNT_BASED, MANUAL_APPROVAL
	Type string `gorm:"column:type;type:varchar(50);not null;index:idx_policies_type" json:"type"`
	// Scope is GLOBAL, PLUGIN or CREDENTIAL
	Scope string `gorm:"column:scope;type:varchar(50);not null;index:idx_policies_scope_ref,composite:scope_ref" json:"scope"`
	// ScopeRef is the credential id (CREDENTIAL scope) or plugin type (PLUGIN
	// scope) the policy is bound to. Empty for GLOBAL policies.
	ScopeRef string `gorm:"column:scope_ref;type:varchar(255);index:idx_policies_scope_ref,composite:scope_ref" json:"scope_ref,omitempty"`
	// IsActive gates participation in evaluation
	IsActive bool `gorm:"column:is_active;not null;index:idx_policies_is_active" json:"is_active"`
	// Priority orders evaluation, highest first
	Priority int `gorm:"column:priority;not null" json:"priority"`
	// Config holds the type-specific configuration as JSON
	Config    json.RawMessage `gorm:"column:config;type:text" json:"config"`
	CreatedAt time.Time       `gorm:"column:created_at;not null" json:"created_at"`
	UpdatedAt time.Time       `gorm:"column:updated_at;not null" json:"updated_at"`
}

// TableName specifies the table name for GORM
func (*Policy) TableName() string {
	return "policies"
}

// BeforeCreate hook to set default values
func (p *Policy) BeforeCreate(tx *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}

// AllowListConfig configures an ALLOW_LIST policy.
type AllowListConfig struct {
	// TargetField is a dot-path into the request context, e.g. "operation"
	// or "parameters.url"
	TargetField string `json:"targetField"`
	// AllowedValues are glob patterns; '*' matches any substring
	AllowedValues []string `json:"allowedValues"`
}

// DenyListConfig configures a DENY_LIST policy.
type DenyListConfig struct {
	TargetField  string   `json:"targetField"`
	DeniedValues []string `json:"deniedValues"`
}

// TimeBasedConfig configures a TIME_BASED policy. Day and hour bounds are
// checked in the policy's timezone; hour bounds are inclusive.
type TimeBasedConfig struct {
	Timezone          string   `json:"timezone,omitempty"`
	AllowedDays       []string `json:"allowedDays,omitempty"`
	AllowedHoursStart string   `json:"allowedHoursStart,omitempty"`
	AllowedHoursEnd   string   `json:"allowedHoursEnd,omitempty"`
}

// CountBasedConfig configures a COUNT_BASED policy.
type CountBasedConfig struct {
	MaxRequests       int `json:"maxRequests"`
	TimeWindowSeconds int `json:"timeWindowSeconds"`
}

// ManualApprovalConfig configures a MANUAL_APPROVAL policy.
type ManualApprovalConfig struct {
	Approvers []string `json:"approvers"`
	// ExpirationMinutes bounds how long the request may wait for a decision
	ExpirationMinutes int `json:"expirationMinutes,omitempty"`
}

// DecodeConfig unmarshals the policy's type-specific configuration into dst.
func (p *Policy) DecodeConfig(dst interface{}) error {
	if len(p.Config) == 0 {
		return fmt.Errorf("policy %s has no configuration", p.ID)
	}
	if err := json.Unmarshal(p.Config, dst); err != nil {
		return fmt.Errorf("policy %s has invalid configuration: %w", p.ID, err)
	}
	return nil
}
