package models

import (
	"time"

	"github.com/google/uuid"
)

// Approval statuses. A pending approval may expire; approved and rejected
// are final.
const (
	ApprovalStatusPending  = "PENDING"
	ApprovalStatusApproved = "APPROVED"
	ApprovalStatusRejected = "REJECTED"
	ApprovalStatusExpired  = "EXPIRED"
)

// Approval actions accepted from the approval portal.
const (
	ApprovalActionApprove = "approve"
	ApprovalActionReject  = "reject"
)

// Approval is the durable approval record for a request gated by a
// MANUAL_APPROVAL policy. Keyed by the request id so the portal and the
// engine resolve the same row.
type Approval struct {
	RequestID uuid.UUID `gorm:"column:request_id;type:uuid;primaryKey" json:"request_id"`
	// PolicyID is the manual-approval policy that gated the request
	PolicyID uuid.UUID `gorm:"column:policy_id;type:uuid;not null" json:"policy_id"`
	// Approvers is the list of identities allowed to decide, from the policy config
	Approvers []string `gorm:"column:approvers;type:text;serializer:json;not null" json:"approvers"`
	Status    string   `gorm:"column:status;type:varchar(20);not null;index:idx_approvals_status" json:"status"`
	// DecidedBy records which approver acted, once decided
	DecidedBy *string `gorm:"column:decided_by;type:varchar(255)" json:"decided_by,omitempty"`
	// ExpiresAt bounds how long the approval may stay pending
	ExpiresAt *time.Time `gorm:"column:expires_at;index:idx_approvals_expires_at" json:"expires_at,omitempty"`
	CreatedAt time.Time  `gorm:"column:created_at;not null" json:"created_at"`
	UpdatedAt time.Time  `gorm:"column:updated_at;not null" json:"updated_at"`
}

// TableName specifies the table name for GORM
func (*Approval) TableName() string {
	return "approvals"
}

// IsApprover reports whether identity is in the approver list.
func (a *Approval) IsApprover(identity string) bool {
	for _, approver := range a.Approvers {
		if approver == identity {
			return true
		}
	}
	return false
}
