package policy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gov-dx-sandbox/credential-broker/v1/models"
)

// Engine evaluates an ordered policy set against a request. It is safe for
// concurrent use.
type Engine struct {
	counter   UsageCounter
	approvals ApprovalChecker
	now       func() time.Time
}

// NewEngine creates an engine. counter backs COUNT_BASED policies and
// approvals resolves MANUAL_APPROVAL state.
func NewEngine(counter UsageCounter, approvals ApprovalChecker) *Engine {
	return &Engine{
		counter:   counter,
		approvals: approvals,
		now:       time.Now,
	}
}

// WithClock overrides the engine's clock. Used by tests and TIME_BASED
// evaluation.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Evaluate combines the applicable policies into one verdict.
//
// Fail-safety rule: the empty set approves by default ("no policies found,
// default approval") — that is the only fail-open path. Any evaluator error
// (bad config, unknown timezone, counter backend failure, unknown policy
// type) fails closed and denies citing the failing policy.
//
// The caller supplies policies already filtered to isActive and sorted by
// priority descending; inactive entries are skipped defensively so a stale
// set cannot change the outcome.
func (e *Engine) Evaluate(ctx context.Context, req Request, policies []models.Policy) Decision {
	active := make([]models.Policy, 0, len(policies))
	for _, p := range policies {
		if p.IsActive {
			active = append(active, p)
		}
	}

	if len(active) == 0 {
		return Decision{Status: StatusApproved, Reason: ReasonNoPolicies}
	}

	// Approval gating cannot be bypassed by an allow elsewhere, regardless of
	// priority: resolve MANUAL_APPROVAL policies before anything else.
	for _, p := range active {
		if models.PolicyType(p.Type) != models.PolicyManualApproval {
			continue
		}
		satisfied, err := e.evaluateManualApproval(ctx, req, p)
		if err != nil {
			return e.failClosed(p, err)
		}
		if !satisfied {
			return Decision{
				Status:   StatusPending,
				Reason:   fmt.Sprintf("manual approval required by policy %q", p.Name),
				PolicyID: p.ID.String(),
			}
		}
	}

	for _, p := range active {
		if models.PolicyType(p.Type) == models.PolicyManualApproval {
			continue
		}
		allowed, reason, err := e.evaluatePolicy(ctx, req, p)
		if err != nil {
			return e.failClosed(p, err)
		}
		if !allowed {
			return Decision{
				Status:   StatusDenied,
				Reason:   reason,
				PolicyID: p.ID.String(),
			}
		}
	}

	// Every policy passed. The approval cites the highest-priority policy in
	// the set; the set arrives sorted by priority descending.
	top := active[0]
	return Decision{
		Status:   StatusApproved,
		Reason:   fmt.Sprintf("approved by policy %q", top.Name),
		PolicyID: top.ID.String(),
	}
}

// evaluatePolicy dispatches to the type-specific evaluator.
func (e *Engine) evaluatePolicy(ctx context.Context, req Request, p models.Policy) (bool, string, error) {
	switch models.PolicyType(p.Type) {
	case models.PolicyAllowList:
		return e.evaluateAllowList(req, p)
	case models.PolicyDenyList:
		return e.evaluateDenyList(req, p)
	case models.PolicyTimeBased:
		return e.evaluateTimeBased(p)
	case models.PolicyCountBased:
		return e.evaluateCountBased(ctx, req, p)
	default:
		return false, "", fmt.Errorf("unknown policy type %q", p.Type)
	}
}

// failClosed converts an evaluator error into a denial citing the policy.
func (e *Engine) failClosed(p models.Policy, err error) Decision {
	slog.Error("Policy evaluation failed, denying request",
		"policy_id", p.ID.String(),
		"policy_name", p.Name,
		"policy_type", p.Type,
		"error", err)
	return Decision{
		Status:   StatusDenied,
		Reason:   fmt.Sprintf("policy %q could not be evaluated", p.Name),
		PolicyID: p.ID.String(),
	}
}
