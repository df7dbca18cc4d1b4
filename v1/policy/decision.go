// Package policy implements the policy evaluation engine: it combines an
// ordered set of differently-typed access rules into one authoritative
// decision for a proxy request.
package policy

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Decision statuses.
const (
	StatusApproved = "APPROVED"
	StatusDenied   = "DENIED"
	StatusPending  = "PENDING"
)

// ReasonNoPolicies is the documented fail-open default when the applicable
// policy set is empty.
const ReasonNoPolicies = "no policies found, default approval"

// Decision is the engine's verdict for one request.
type Decision struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
	// PolicyID cites the policy that produced a DENIED or PENDING outcome
	PolicyID string `json:"policyId,omitempty"`
}

// Request is the evaluation context the engine sees. The caller has already
// resolved the credential and verified the application's grant.
type Request struct {
	RequestID      uuid.UUID
	ApplicationID  string
	CredentialID   string
	CredentialType string
	Operation      string
	Parameters     map[string]interface{}
}

// contextMap flattens the request into the dot-path addressable context the
// list evaluators extract target fields from.
func (r Request) contextMap() map[string]interface{} {
	return map[string]interface{}{
		"applicationId": r.ApplicationID,
		"credentialId":  r.CredentialID,
		"operation":     r.Operation,
		"parameters":    r.Parameters,
	}
}

// UsageCounter is the atomic, windowed counter backing COUNT_BASED policies.
// Increment must be atomic (no read-then-write) so concurrent workers cannot
// lose updates.
type UsageCounter interface {
	Increment(ctx context.Context, key string, window time.Duration) (int64, error)
}

// ApprovalChecker resolves the approval state for a request gated by a
// MANUAL_APPROVAL policy.
type ApprovalChecker interface {
	// IsApproved reports whether an accepted, unexpired approval exists for
	// the request id.
	IsApproved(ctx context.Context, requestID uuid.UUID) (bool, error)
}
