package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Request record statuses. COMPLETED, ERROR and DENIED are terminal.
const (
	RecordStatusPending    = "PENDING"
	RecordStatusProcessing = "PROCESSING"
	RecordStatusCompleted  = "COMPLETED"
	RecordStatusError      = "ERROR"
	RecordStatusDenied     = "DENIED"
)

// RequestRecord is the durable, pollable record of a proxy request's
// lifecycle and outcome.
type RequestRecord struct {
	// RequestID is generated at submission and doubles as the queue
	// deduplication key
	RequestID     uuid.UUID `gorm:"column:request_id;type:uuid;primaryKey" json:"request_id"`
	ApplicationID string    `gorm:"column:application_id;type:varchar(255);not null;index:idx_request_records_application_id" json:"application_id"`
	CredentialID  string    `gorm:"column:credential_id;type:varchar(255);not null;index:idx_request_records_credential_id" json:"credential_id"`
	Operation     string    `gorm:"column:operation;type:varchar(255);not null" json:"operation"`
	Status        string    `gorm:"column:status;type:varchar(20);not null;index:idx_request_records_status" json:"status"`
	// RequestData is the sanitized request context (operation + parameters);
	// never the raw signed payload
	RequestData json.RawMessage `gorm:"column:request_data;type:text" json:"request_data,omitempty"`
	// ResponseData holds the serialized plugin result on COMPLETED, the error
	// message on ERROR, or the decision context on DENIED
	ResponseData json.RawMessage `gorm:"column:response_data;type:text" json:"response_data,omitempty"`
	// Attempts counts how many times a worker has picked this request up
	Attempts  int       `gorm:"column:attempts;not null" json:"attempts"`
	CreatedAt time.Time `gorm:"column:created_at;not null;index:idx_request_records_created_at" json:"created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null" json:"updated_at"`
}

// TableName specifies the table name for GORM
func (*RequestRecord) TableName() string {
	return "request_records"
}

// BeforeCreate hook to set default values
func (r *RequestRecord) BeforeCreate(tx *gorm.DB) error {
	if r.RequestID == uuid.Nil {
		r.RequestID = uuid.New()
	}
	if r.Status == "" {
		r.Status = RecordStatusPending
	}
	return nil
}

// IsTerminal reports whether the record has reached a final status.
func (r *RequestRecord) IsTerminal() bool {
	return IsTerminalStatus(r.Status)
}

// IsTerminalStatus reports whether status is COMPLETED, ERROR or DENIED.
func IsTerminalStatus(status string) bool {
	switch status {
	case RecordStatusCompleted, RecordStatusError, RecordStatusDenied:
		return true
	default:
		return false
	}
}
