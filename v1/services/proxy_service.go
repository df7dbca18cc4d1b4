package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/gov-dx-sandbox/credential-broker/v1/models"
	"github.com/gov-dx-sandbox/credential-broker/v1/monitoring"
	"github.com/gov-dx-sandbox/credential-broker/v1/policy"
	"github.com/gov-dx-sandbox/credential-broker/v1/queue"
	"github.com/gov-dx-sandbox/credential-broker/v1/validation"
	"github.com/gov-dx-sandbox/credential-broker/v1/verbs"
)

// ErrQueueUnavailable signals that an approved request could not be handed
// to the execution queue.
var ErrQueueUnavailable = errors.New("failed to queue request")

// ProxyService runs the synchronous half of the proxy pipeline: validate
// the signed request, evaluate policy, persist the request record, and
// either enqueue, park for approval, or deny.
type ProxyService struct {
	validator    *validation.Validator
	applications *ApplicationService
	credentials  *CredentialService
	policies     *PolicyStore
	engine       *policy.Engine
	records      *RecordService
	approvals    *ApprovalService
	broker       queue.Broker
	verbs        *verbs.Registry

	approvalExpiration time.Duration
}

func NewProxyService(
	validator *validation.Validator,
	applications *ApplicationService,
	credentials *CredentialService,
	policies *PolicyStore,
	engine *policy.Engine,
	records *RecordService,
	approvals *ApprovalService,
	broker queue.Broker,
	verbRegistry *verbs.Registry,
	approvalExpiration time.Duration,
) *ProxyService {
	return &ProxyService{
		validator:          validator,
		applications:       applications,
		credentials:        credentials,
		policies:           policies,
		engine:             engine,
		records:            records,
		approvals:          approvals,
		broker:             broker,
		verbs:              verbRegistry,
		approvalExpiration: approvalExpiration,
	}
}

// SubmitOutcome is the synchronous result of a proxy submission.
type SubmitOutcome struct {
	RequestID uuid.UUID
	Status    string
	Reason    string
	PolicyID  string
}

// Submit runs one proxy request up to the queue boundary. Validation errors
// surface as the validation package's sentinels; a policy denial returns an
// outcome with StatusDenied rather than an error. The caller never sees the
// credential material.
func (s *ProxyService) Submit(ctx context.Context, req *models.ProxyRequest) (*SubmitOutcome, error) {
	if err := s.validator.Validate(ctx, req); err != nil {
		return nil, err
	}

	// The signature covers the verb id and the caller's parameters;
	// resolution to the underlying operation happens after authentication.
	if s.verbs != nil {
		if res := s.verbs.Resolve(req.Operation, req.Parameters); res != nil {
			resolved := *req
			resolved.Operation = res.Operation
			resolved.Parameters = res.Params
			req = &resolved
		}
	}

	credential, err := s.credentials.Get(ctx, req.CredentialID)
	if err != nil {
		if errors.Is(err, models.ErrCredentialNotFound) || errors.Is(err, models.ErrCredentialDisabled) {
			// Unusable credentials deny before policy evaluation; there is
			// no policy to cite.
			return s.denyWithID(ctx, uuid.New(), req, policy.Decision{
				Status: policy.StatusDenied,
				Reason: err.Error(),
			})
		}
		return nil, fmt.Errorf("failed to resolve credential: %w", err)
	}

	granted, err := s.applications.HasGrant(ctx, req.ApplicationID, req.CredentialID)
	if err != nil {
		return nil, fmt.Errorf("failed to check credential grant: %w", err)
	}
	if !granted {
		return s.denyWithID(ctx, uuid.New(), req, policy.Decision{
			Status: policy.StatusDenied,
			Reason: "application has no grant for this credential",
		})
	}

	policies, err := s.policies.ApplicablePolicies(ctx, req.CredentialID, credential.Type)
	if err != nil {
		return nil, fmt.Errorf("failed to load applicable policies: %w", err)
	}

	requestID := uuid.New()
	decision := s.engine.Evaluate(ctx, policy.Request{
		RequestID:      requestID,
		ApplicationID:  req.ApplicationID,
		CredentialID:   req.CredentialID,
		CredentialType: credential.Type,
		Operation:      req.Operation,
		Parameters:     req.Parameters,
	}, policies)
	monitoring.RecordDecision(decision.Status)

	switch decision.Status {
	case policy.StatusDenied:
		return s.denyWithID(ctx, requestID, req, decision)
	case policy.StatusPending:
		return s.park(ctx, requestID, req, policies, decision)
	case policy.StatusApproved:
		return s.approve(ctx, requestID, req, decision)
	default:
		return nil, fmt.Errorf("policy engine returned unknown status %q", decision.Status)
	}
}

// approve persists the record as PROCESSING and hands the job to the queue.
func (s *ProxyService) approve(ctx context.Context, requestID uuid.UUID, req *models.ProxyRequest, decision policy.Decision) (*SubmitOutcome, error) {
	record := newRecord(requestID, req, models.RecordStatusProcessing)
	if err := s.records.Create(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to create request record: %w", err)
	}

	if err := s.broker.Enqueue(ctx, jobFromRequest(requestID, req)); err != nil {
		slog.Error("Failed to enqueue approved request", "request_id", requestID, "error", err)
		if finErr := s.records.Finalize(ctx, requestID, models.RecordStatusError, ErrorPayload(ErrQueueUnavailable.Error())); finErr != nil {
			slog.Error("Failed to finalize unqueued request", "request_id", requestID, "error", finErr)
		}
		return nil, ErrQueueUnavailable
	}

	slog.Info("Request approved and queued",
		"request_id", requestID,
		"application_id", req.ApplicationID,
		"credential_id", req.CredentialID,
		"operation", req.Operation)
	return &SubmitOutcome{
		RequestID: requestID,
		Status:    models.RecordStatusProcessing,
		Reason:    decision.Reason,
		PolicyID:  decision.PolicyID,
	}, nil
}

// park persists the record as PENDING and opens an approval keyed by the
// request id, scoped to the gating policy's approver list.
func (s *ProxyService) park(ctx context.Context, requestID uuid.UUID, req *models.ProxyRequest, policies []models.Policy, decision policy.Decision) (*SubmitOutcome, error) {
	gating, err := findPolicy(policies, decision.PolicyID)
	if err != nil {
		return nil, err
	}
	var cfg models.ManualApprovalConfig
	if err := gating.DecodeConfig(&cfg); err != nil {
		return nil, err
	}

	record := newRecord(requestID, req, models.RecordStatusPending)
	if err := s.records.Create(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to create request record: %w", err)
	}

	expiration := s.approvalExpiration
	if cfg.ExpirationMinutes > 0 {
		expiration = time.Duration(cfg.ExpirationMinutes) * time.Minute
	}
	if _, err := s.approvals.Create(ctx, requestID, gating.ID, cfg.Approvers, expiration); err != nil {
		return nil, fmt.Errorf("failed to open approval: %w", err)
	}

	slog.Info("Request parked for manual approval",
		"request_id", requestID,
		"policy_id", decision.PolicyID,
		"application_id", req.ApplicationID)
	return &SubmitOutcome{
		RequestID: requestID,
		Status:    models.RecordStatusPending,
		Reason:    decision.Reason,
		PolicyID:  decision.PolicyID,
	}, nil
}

// denyWithID persists a terminal DENIED record so denials are pollable and
// auditable like every other outcome.
func (s *ProxyService) denyWithID(ctx context.Context, requestID uuid.UUID, req *models.ProxyRequest, decision policy.Decision) (*SubmitOutcome, error) {
	record := newRecord(requestID, req, models.RecordStatusDenied)
	record.ResponseData = denialPayload(decision)
	if err := s.records.Create(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to create request record: %w", err)
	}

	slog.Warn("Request denied",
		"request_id", requestID,
		"application_id", req.ApplicationID,
		"credential_id", req.CredentialID,
		"reason", decision.Reason,
		"policy_id", decision.PolicyID)
	return &SubmitOutcome{
		RequestID: requestID,
		Status:    models.RecordStatusDenied,
		Reason:    decision.Reason,
		PolicyID:  decision.PolicyID,
	}, nil
}

// ResolveApproval applies a portal decision to a parked request. Approving
// re-runs the policy engine with the approval gate now satisfied, so the
// remaining policies still apply; rejecting finalizes the record as DENIED.
func (s *ProxyService) ResolveApproval(ctx context.Context, requestID uuid.UUID, action, decidedBy string) (*models.Approval, error) {
	approval, err := s.approvals.Decide(ctx, requestID, action, decidedBy)
	if err != nil {
		return nil, err
	}

	record, err := s.records.Get(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to load request record: %w", err)
	}

	switch approval.Status {
	case models.ApprovalStatusApproved:
		if err := s.dispatchApproved(ctx, record, decidedBy); err != nil {
			return nil, err
		}
	case models.ApprovalStatusRejected:
		reason := fmt.Sprintf("rejected by %s", decidedBy)
		if err := s.records.Finalize(ctx, requestID, models.RecordStatusDenied, ErrorPayload(reason)); err != nil &&
			!errors.Is(err, models.ErrRecordFinalized) {
			return nil, fmt.Errorf("failed to finalize rejected request: %w", err)
		}
		slog.Info("Parked request rejected", "request_id", requestID, "decided_by", decidedBy)
	}
	return approval, nil
}

// dispatchApproved runs an approval-cleared request through the rest of the
// pipeline. The manual-approval gate is satisfied now, but every other
// applicable policy still gets its say before the job reaches the queue.
func (s *ProxyService) dispatchApproved(ctx context.Context, record *models.RequestRecord, decidedBy string) error {
	requestID := record.RequestID

	credential, err := s.credentials.Get(ctx, record.CredentialID)
	if err != nil {
		if errors.Is(err, models.ErrCredentialNotFound) || errors.Is(err, models.ErrCredentialDisabled) {
			return s.finalizeDenied(ctx, requestID, policy.Decision{
				Status: policy.StatusDenied,
				Reason: err.Error(),
			})
		}
		return fmt.Errorf("failed to resolve credential: %w", err)
	}

	policies, err := s.policies.ApplicablePolicies(ctx, record.CredentialID, credential.Type)
	if err != nil {
		return fmt.Errorf("failed to load applicable policies: %w", err)
	}

	job := jobFromRecord(record)
	decision := s.engine.Evaluate(ctx, policy.Request{
		RequestID:      requestID,
		ApplicationID:  record.ApplicationID,
		CredentialID:   record.CredentialID,
		CredentialType: credential.Type,
		Operation:      record.Operation,
		Parameters:     job.Parameters,
	}, policies)
	monitoring.RecordDecision(decision.Status)

	if decision.Status != policy.StatusApproved {
		slog.Warn("Approval-cleared request denied by remaining policies",
			"request_id", requestID,
			"decided_by", decidedBy,
			"reason", decision.Reason,
			"policy_id", decision.PolicyID)
		return s.finalizeDenied(ctx, requestID, decision)
	}

	if err := s.broker.Enqueue(ctx, job); err != nil {
		slog.Error("Failed to enqueue approved request", "request_id", requestID, "error", err)
		if finErr := s.records.Finalize(ctx, requestID, models.RecordStatusError, ErrorPayload(ErrQueueUnavailable.Error())); finErr != nil &&
			!errors.Is(finErr, models.ErrRecordFinalized) {
			slog.Error("Failed to finalize unqueued request", "request_id", requestID, "error", finErr)
		}
		return ErrQueueUnavailable
	}
	slog.Info("Parked request approved and queued", "request_id", requestID, "decided_by", decidedBy)
	return nil
}

func (s *ProxyService) finalizeDenied(ctx context.Context, requestID uuid.UUID, decision policy.Decision) error {
	if err := s.records.Finalize(ctx, requestID, models.RecordStatusDenied, denialPayload(decision)); err != nil &&
		!errors.Is(err, models.ErrRecordFinalized) {
		return fmt.Errorf("failed to finalize denied request: %w", err)
	}
	return nil
}

// requestContext is the sanitized request payload persisted on the record.
// The signature and timestamp never reach storage.
type requestContext struct {
	Operation  string                 `json:"operation"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
}

func newRecord(requestID uuid.UUID, req *models.ProxyRequest, status string) *models.RequestRecord {
	data, _ := json.Marshal(requestContext{Operation: req.Operation, Parameters: req.Parameters})
	return &models.RequestRecord{
		RequestID:     requestID,
		ApplicationID: req.ApplicationID,
		CredentialID:  req.CredentialID,
		Operation:     req.Operation,
		Status:        status,
		RequestData:   data,
	}
}

func jobFromRequest(requestID uuid.UUID, req *models.ProxyRequest) queue.Job {
	return queue.Job{
		RequestID:     requestID.String(),
		ApplicationID: req.ApplicationID,
		CredentialID:  req.CredentialID,
		Operation:     req.Operation,
		Parameters:    req.Parameters,
	}
}

func jobFromRecord(record *models.RequestRecord) queue.Job {
	var ctx requestContext
	_ = json.Unmarshal(record.RequestData, &ctx)
	return queue.Job{
		RequestID:     record.RequestID.String(),
		ApplicationID: record.ApplicationID,
		CredentialID:  record.CredentialID,
		Operation:     record.Operation,
		Parameters:    ctx.Parameters,
	}
}

func denialPayload(decision policy.Decision) json.RawMessage {
	payload, _ := json.Marshal(map[string]string{
		"reason":   decision.Reason,
		"policyId": decision.PolicyID,
	})
	return payload
}

func findPolicy(policies []models.Policy, id string) (*models.Policy, error) {
	for i := range policies {
		if policies[i].ID.String() == id {
			return &policies[i], nil
		}
	}
	return nil, fmt.Errorf("gating policy %s not in applicable set", id)
}
