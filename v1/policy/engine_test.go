package policy

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gov-dx-sandbox/credential-broker/v1/models"
)

type stubApprovals struct {
	approved map[uuid.UUID]bool
	err      error
}

func (s *stubApprovals) IsApproved(_ context.Context, requestID uuid.UUID) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	return s.approved[requestID], nil
}

type failingCounter struct{}

func (failingCounter) Increment(context.Context, string, time.Duration) (int64, error) {
	return 0, errors.New("counter backend unreachable")
}

func newTestEngine() *Engine {
	return NewEngine(NewMemoryUsageCounter(), &stubApprovals{approved: map[uuid.UUID]bool{}})
}

func makePolicy(t *testing.T, policyType string, priority int, active bool, config interface{}) models.Policy {
	t.Helper()
	raw, err := json.Marshal(config)
	require.NoError(t, err)
	return models.Policy{
		ID:       uuid.New(),
		Name:     policyType + "-test",
		Type:     policyType,
		Scope:    string(models.ScopeGlobal),
		IsActive: active,
		Priority: priority,
		Config:   raw,
	}
}

func testRequest() Request {
	return Request{
		RequestID:      uuid.New(),
		ApplicationID:  "app-1",
		CredentialID:   "cred-1",
		CredentialType: "apikey",
		Operation:      "http_request",
		Parameters:     map[string]interface{}{"url": "https://api.example.com/v1/users"},
	}
}

func TestEvaluate_NoPoliciesDefaultsToApproval(t *testing.T) {
	engine := newTestEngine()

	decision := engine.Evaluate(context.Background(), testRequest(), nil)

	assert.Equal(t, StatusApproved, decision.Status)
	assert.Equal(t, ReasonNoPolicies, decision.Reason)
}

func TestEvaluate_InactivePoliciesDoNotParticipate(t *testing.T) {
	engine := newTestEngine()
	denying := makePolicy(t, string(models.PolicyDenyList), 10, false, models.DenyListConfig{
		TargetField:  "applicationId",
		DeniedValues: []string{"app-1"},
	})

	decision := engine.Evaluate(context.Background(), testRequest(), []models.Policy{denying})

	// The only configured policy is inactive, so the set is effectively empty.
	assert.Equal(t, StatusApproved, decision.Status)
	assert.Equal(t, ReasonNoPolicies, decision.Reason)
}

func TestEvaluate_DenialCitesThePolicy(t *testing.T) {
	engine := newTestEngine()
	allowing := makePolicy(t, string(models.PolicyAllowList), 1, true, models.AllowListConfig{
		TargetField:   "operation",
		AllowedValues: []string{"*"},
	})
	denying := makePolicy(t, string(models.PolicyDenyList), 100, true, models.DenyListConfig{
		TargetField:  "applicationId",
		DeniedValues: []string{"app-1"},
	})

	decision := engine.Evaluate(context.Background(), testRequest(), []models.Policy{denying, allowing})

	assert.Equal(t, StatusDenied, decision.Status)
	assert.Equal(t, denying.ID.String(), decision.PolicyID)
	assert.NotEmpty(t, decision.Reason)
}

func TestEvaluate_ManualApprovalAlwaysPends(t *testing.T) {
	engine := newTestEngine()
	approval := makePolicy(t, string(models.PolicyManualApproval), 1, true, models.ManualApprovalConfig{
		Approvers: []string{"admin@example.com"},
	})
	allowing := makePolicy(t, string(models.PolicyAllowList), 100, true, models.AllowListConfig{
		TargetField:   "operation",
		AllowedValues: []string{"*"},
	})

	// The allow-list outranks the approval by priority, but approval gating
	// cannot be bypassed.
	decision := engine.Evaluate(context.Background(), testRequest(), []models.Policy{allowing, approval})

	assert.Equal(t, StatusPending, decision.Status)
	assert.Equal(t, approval.ID.String(), decision.PolicyID)
}

func TestEvaluate_SatisfiedApprovalFallsThroughToOtherPolicies(t *testing.T) {
	req := testRequest()
	approvals := &stubApprovals{approved: map[uuid.UUID]bool{req.RequestID: true}}
	engine := NewEngine(NewMemoryUsageCounter(), approvals)

	approval := makePolicy(t, string(models.PolicyManualApproval), 1, true, models.ManualApprovalConfig{
		Approvers: []string{"admin@example.com"},
	})
	allowing := makePolicy(t, string(models.PolicyAllowList), 10, true, models.AllowListConfig{
		TargetField:   "operation",
		AllowedValues: []string{"http_request"},
	})

	decision := engine.Evaluate(context.Background(), req, []models.Policy{approval, allowing})

	assert.Equal(t, StatusApproved, decision.Status)
}

func TestEvaluate_CountBasedDeniesBeyondLimit(t *testing.T) {
	engine := newTestEngine()
	counting := makePolicy(t, string(models.PolicyCountBased), 1, true, models.CountBasedConfig{
		MaxRequests:       2,
		TimeWindowSeconds: 3600,
	})
	req := testRequest()
	policies := []models.Policy{counting}

	first := engine.Evaluate(context.Background(), req, policies)
	second := engine.Evaluate(context.Background(), req, policies)
	third := engine.Evaluate(context.Background(), req, policies)

	assert.Equal(t, StatusApproved, first.Status)
	assert.Equal(t, StatusApproved, second.Status)
	assert.Equal(t, StatusDenied, third.Status)
	assert.Equal(t, counting.ID.String(), third.PolicyID)
}

func TestEvaluate_EvaluatorErrorFailsClosed(t *testing.T) {
	tests := []struct {
		name   string
		engine *Engine
		policy models.Policy
	}{
		{
			name:   "malformed config",
			engine: newTestEngine(),
			policy: models.Policy{
				ID:       uuid.New(),
				Name:     "broken",
				Type:     string(models.PolicyAllowList),
				IsActive: true,
				Config:   json.RawMessage(`{"targetField": ""}`),
			},
		},
		{
			name:   "unknown policy type",
			engine: newTestEngine(),
			policy: models.Policy{
				ID:       uuid.New(),
				Name:     "mystery",
				Type:     "GEO_FENCE",
				IsActive: true,
				Config:   json.RawMessage(`{}`),
			},
		},
		{
			name:   "counter backend failure",
			engine: NewEngine(failingCounter{}, &stubApprovals{}),
			policy: func() models.Policy {
				raw, _ := json.Marshal(models.CountBasedConfig{MaxRequests: 10, TimeWindowSeconds: 60})
				return models.Policy{
					ID:       uuid.New(),
					Name:     "rate-limit",
					Type:     string(models.PolicyCountBased),
					IsActive: true,
					Config:   raw,
				}
			}(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision := tt.engine.Evaluate(context.Background(), testRequest(), []models.Policy{tt.policy})

			assert.Equal(t, StatusDenied, decision.Status)
			assert.Equal(t, tt.policy.ID.String(), decision.PolicyID)
			assert.Contains(t, decision.Reason, "could not be evaluated")
		})
	}
}

func TestEvaluate_ApprovalLookupErrorFailsClosed(t *testing.T) {
	engine := NewEngine(NewMemoryUsageCounter(), &stubApprovals{err: errors.New("store down")})
	approval := makePolicy(t, string(models.PolicyManualApproval), 1, true, models.ManualApprovalConfig{
		Approvers: []string{"admin@example.com"},
	})

	decision := engine.Evaluate(context.Background(), testRequest(), []models.Policy{approval})

	assert.Equal(t, StatusDenied, decision.Status)
	assert.Equal(t, approval.ID.String(), decision.PolicyID)
}

func TestEvaluate_AllPoliciesPass(t *testing.T) {
	engine := newTestEngine().WithClock(func() time.Time {
		// Monday 10:00 UTC
		return time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	})
	policies := []models.Policy{
		makePolicy(t, string(models.PolicyAllowList), 3, true, models.AllowListConfig{
			TargetField:   "parameters.url",
			AllowedValues: []string{"https://api.example.com/*"},
		}),
		makePolicy(t, string(models.PolicyTimeBased), 2, true, models.TimeBasedConfig{
			AllowedDays:       []string{"monday", "tuesday", "wednesday", "thursday", "friday"},
			AllowedHoursStart: "09:00",
			AllowedHoursEnd:   "17:00",
		}),
		makePolicy(t, string(models.PolicyCountBased), 1, true, models.CountBasedConfig{
			MaxRequests:       100,
			TimeWindowSeconds: 3600,
		}),
	}

	decision := engine.Evaluate(context.Background(), testRequest(), policies)

	assert.Equal(t, StatusApproved, decision.Status)
	assert.Equal(t, policies[0].ID.String(), decision.PolicyID)
}

func TestEvaluate_ApprovalCitesHighestPriorityPolicy(t *testing.T) {
	engine := newTestEngine()
	higher := makePolicy(t, string(models.PolicyAllowList), 100, true, models.AllowListConfig{
		TargetField:   "operation",
		AllowedValues: []string{"http_request"},
	})
	lower := makePolicy(t, string(models.PolicyAllowList), 10, true, models.AllowListConfig{
		TargetField:   "operation",
		AllowedValues: []string{"*"},
	})

	decision := engine.Evaluate(context.Background(), testRequest(), []models.Policy{higher, lower})

	assert.Equal(t, StatusApproved, decision.Status)
	assert.Equal(t, higher.ID.String(), decision.PolicyID)
	assert.Contains(t, decision.Reason, higher.Name)
}
