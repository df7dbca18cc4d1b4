// Package plugins defines the credential-type executor contract and the
// static registry that dispatches operations to executors. The plugin set is
// fixed at compile time and registered explicitly at startup, so the set of
// executors is auditable.
package plugins

import (
	"context"
	"errors"
)

// Sentinel errors surfaced by the registry's execution path.
var (
	ErrPluginConflict       = errors.New("a plugin is already registered for this credential type")
	ErrPluginNotFound       = errors.New("no plugin registered for credential type")
	ErrUnsupportedOperation = errors.New("unsupported operation")
	ErrMissingParameter     = errors.New("missing required parameter")
)

// RiskLevel is advisory metadata consumed by policy-authoring tooling. It is
// never auto-enforced.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// OperationSpec declares one operation a plugin can perform.
type OperationSpec struct {
	Name           string    `json:"name"`
	Description    string    `json:"description,omitempty"`
	RequiredParams []string  `json:"requiredParams,omitempty"`
	OptionalParams []string  `json:"optionalParams,omitempty"`
	RiskLevel      RiskLevel `json:"riskLevel"`
}

// RiskAssessment is the plugin's advisory policy guidance.
type RiskAssessment struct {
	ApplicablePolicies  []string `json:"applicablePolicies,omitempty"`
	RecommendedPolicies []string `json:"recommendedPolicies,omitempty"`
}

// Plugin executes operations for one credential type. Implementations
// receive the decrypted credential material per call and must not retain it.
type Plugin interface {
	// Type is the credential type this plugin serves
	Type() string
	// SupportedOperations declares the operations and their parameters
	SupportedOperations() []OperationSpec
	// ValidateCredential checks the decrypted material is structurally usable
	ValidateCredential(ctx context.Context, data []byte) error
	// CheckCredentialHealth probes the underlying system with the credential
	CheckCredentialHealth(ctx context.Context, data []byte) error
	// Execute performs the operation and returns a serializable result
	Execute(ctx context.Context, operation string, data []byte, params map[string]interface{}) (map[string]interface{}, error)
	// AssessRisk returns advisory metadata for policy authoring
	AssessRisk() RiskAssessment
}

// stringParam reads a required string parameter, tolerating absent optional
// ones via the ok flag.
func stringParam(params map[string]interface{}, name string) (string, bool) {
	v, ok := params[name]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}
