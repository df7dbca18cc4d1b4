package models

import "errors"

// Sentinel errors for the persistence layer. Services wrap these with %w so
// handlers can map them to HTTP statuses with errors.Is.
var (
	ErrCredentialNotFound  = errors.New("credential not found")
	ErrCredentialDisabled  = errors.New("credential is disabled")
	ErrApplicationNotFound = errors.New("application not found")
	ErrRecordNotFound      = errors.New("request record not found")
	ErrRecordFinalized     = errors.New("request record already finalized")
	ErrApprovalNotFound    = errors.New("approval not found")
	ErrApprovalDecided     = errors.New("approval already decided")
	ErrApprovalExpired     = errors.New("approval has expired")
	ErrNotAnApprover       = errors.New("identity is not an approver for this request")

	ErrInvalidApprovalAction = errors.New("invalid approval action")
)
