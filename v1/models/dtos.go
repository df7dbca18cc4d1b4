package models

import "encoding/json"

// ProxyRequest is the inbound body of POST /proxy. Immutable once received;
// only the sanitized request context survives into the request record.
type ProxyRequest struct {
	ApplicationID string                 `json:"applicationId"`
	CredentialID  string                 `json:"credentialId"`
	Operation     string                 `json:"operation"`
	Parameters    map[string]interface{} `json:"parameters,omitempty"`
	// Timestamp is unix seconds at signing time
	Timestamp int64 `json:"timestamp"`
	// Signature is the base64url (unpadded) detached signature over the
	// canonical request payload
	Signature string `json:"signature"`
}

// ProxySubmitResponse is the body returned by POST /proxy.
type ProxySubmitResponse struct {
	Success   bool   `json:"success"`
	Status    string `json:"status"`
	RequestID string `json:"requestId,omitempty"`
	// Message carries the denial reason on 403 responses
	Message  string `json:"message,omitempty"`
	PolicyID string `json:"policyId,omitempty"`
}

// ProxyStatusResponse is the body returned by GET /proxy/status/{requestId}.
type ProxyStatusResponse struct {
	Success bool   `json:"success"`
	Status  string `json:"status"`
	// Result is present once the request reached a terminal status
	Result json.RawMessage `json:"result,omitempty"`
}

// ErrorResponse is the generic failure body for 4xx/5xx responses.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// ApprovalActionRequest is the body of POST /approvals/{requestId}.
type ApprovalActionRequest struct {
	Action    string `json:"action"`
	DecidedBy string `json:"decidedBy"`
}

// ApprovalView is the portal-facing representation of an approval.
type ApprovalView struct {
	RequestID string   `json:"requestId"`
	Status    string   `json:"status"`
	Approvers []string `json:"approvers"`
	DecidedBy *string  `json:"decidedBy,omitempty"`
	ExpiresAt *string  `json:"expiresAt,omitempty"`
}
