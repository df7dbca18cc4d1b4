package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gov-dx-sandbox/credential-broker/v1/models"
	"gorm.io/gorm"
)

// ApprovalService owns the approval records behind MANUAL_APPROVAL policies.
// Lifecycle: PENDING → APPROVED | REJECTED | EXPIRED. Only pending approvals
// can be decided; a pending approval past its expiry is lazily transitioned
// to EXPIRED on read.
type ApprovalService struct {
	db *gorm.DB
}

// NewApprovalService creates the service.
func NewApprovalService(db *gorm.DB) *ApprovalService {
	return &ApprovalService{db: db}
}

// Create persists a pending approval for a request. Idempotent for the same
// request id: an existing approval is returned unchanged, so a re-evaluated
// request cannot reset a decision.
func (s *ApprovalService) Create(ctx context.Context, requestID, policyID uuid.UUID, approvers []string, expiration time.Duration) (*models.Approval, error) {
	existing, err := s.Get(ctx, requestID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, models.ErrApprovalNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	expiresAt := now.Add(expiration)
	approval := &models.Approval{
		RequestID: requestID,
		PolicyID:  policyID,
		Approvers: approvers,
		Status:    models.ApprovalStatusPending,
		ExpiresAt: &expiresAt,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.db.WithContext(ctx).Create(approval).Error; err != nil {
		return nil, fmt.Errorf("failed to create approval for %s: %w", requestID, err)
	}
	return approval, nil
}

// Get returns the approval for a request id, expiring it first if its
// pending window has lapsed.
func (s *ApprovalService) Get(ctx context.Context, requestID uuid.UUID) (*models.Approval, error) {
	var approval models.Approval
	if err := s.db.WithContext(ctx).Where("request_id = ?", requestID).First(&approval).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", models.ErrApprovalNotFound, requestID)
		}
		return nil, fmt.Errorf("failed to load approval %s: %w", requestID, err)
	}

	if approval.Status == models.ApprovalStatusPending &&
		approval.ExpiresAt != nil && time.Now().UTC().After(*approval.ExpiresAt) {
		approval.Status = models.ApprovalStatusExpired
		approval.UpdatedAt = time.Now().UTC()
		if err := s.db.WithContext(ctx).Save(&approval).Error; err != nil {
			return nil, fmt.Errorf("failed to expire approval %s: %w", requestID, err)
		}
	}
	return &approval, nil
}

// Decide applies an approve or reject action from the portal. Decisions are
// final; deciding a non-pending approval is a conflict.
func (s *ApprovalService) Decide(ctx context.Context, requestID uuid.UUID, action, decidedBy string) (*models.Approval, error) {
	var approval models.Approval
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("request_id = ?", requestID).First(&approval).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s", models.ErrApprovalNotFound, requestID)
			}
			return fmt.Errorf("failed to load approval %s: %w", requestID, err)
		}

		now := time.Now().UTC()
		if approval.Status == models.ApprovalStatusPending &&
			approval.ExpiresAt != nil && now.After(*approval.ExpiresAt) {
			approval.Status = models.ApprovalStatusExpired
			approval.UpdatedAt = now
			if err := tx.Save(&approval).Error; err != nil {
				return fmt.Errorf("failed to expire approval %s: %w", requestID, err)
			}
		}

		switch approval.Status {
		case models.ApprovalStatusPending:
		case models.ApprovalStatusExpired:
			return fmt.Errorf("%w: %s", models.ErrApprovalExpired, requestID)
		default:
			return fmt.Errorf("%w: %s is %s", models.ErrApprovalDecided, requestID, approval.Status)
		}

		if !approval.IsApprover(decidedBy) {
			return fmt.Errorf("%w: %s", models.ErrNotAnApprover, decidedBy)
		}

		switch action {
		case models.ApprovalActionApprove:
			approval.Status = models.ApprovalStatusApproved
		case models.ApprovalActionReject:
			approval.Status = models.ApprovalStatusRejected
		default:
			return fmt.Errorf("%w: %q", models.ErrInvalidApprovalAction, action)
		}
		approval.DecidedBy = &decidedBy
		approval.UpdatedAt = now

		if err := tx.Save(&approval).Error; err != nil {
			return fmt.Errorf("failed to update approval %s: %w", requestID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &approval, nil
}

// IsApproved implements policy.ApprovalChecker. Absence of an approval
// record means the gate is not yet satisfied, which is not an error.
func (s *ApprovalService) IsApproved(ctx context.Context, requestID uuid.UUID) (bool, error) {
	approval, err := s.Get(ctx, requestID)
	if err != nil {
		if errors.Is(err, models.ErrApprovalNotFound) {
			return false, nil
		}
		return false, err
	}
	return approval.Status == models.ApprovalStatusApproved, nil
}
