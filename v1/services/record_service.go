package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gov-dx-sandbox/credential-broker/v1/models"
	"gorm.io/gorm"
)

// RecordService owns the durable request records. Terminal statuses are
// sticky: once a record is COMPLETED, ERROR or DENIED it can never change
// again, which keeps status polling stable under worker retries.
type RecordService struct {
	db *gorm.DB
}

// NewRecordService creates the service.
func NewRecordService(db *gorm.DB) *RecordService {
	return &RecordService{db: db}
}

// Create persists a new record.
func (s *RecordService) Create(ctx context.Context, record *models.RequestRecord) error {
	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		return fmt.Errorf("failed to create request record: %w", err)
	}
	return nil
}

// Get returns the record for a request id.
func (s *RecordService) Get(ctx context.Context, requestID uuid.UUID) (*models.RequestRecord, error) {
	var record models.RequestRecord
	if err := s.db.WithContext(ctx).Where("request_id = ?", requestID).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", models.ErrRecordNotFound, requestID)
		}
		return nil, fmt.Errorf("failed to load request record %s: %w", requestID, err)
	}
	return &record, nil
}

// MarkProcessing transitions a record to PROCESSING and counts the attempt.
// Terminal records are left untouched and reported via ErrRecordFinalized so
// redelivered jobs can be skipped.
func (s *RecordService) MarkProcessing(ctx context.Context, requestID uuid.UUID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var record models.RequestRecord
		if err := tx.Where("request_id = ?", requestID).First(&record).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s", models.ErrRecordNotFound, requestID)
			}
			return fmt.Errorf("failed to load request record %s: %w", requestID, err)
		}
		if record.IsTerminal() {
			return fmt.Errorf("%w: %s is %s", models.ErrRecordFinalized, requestID, record.Status)
		}
		record.Status = models.RecordStatusProcessing
		record.Attempts++
		record.UpdatedAt = time.Now().UTC()
		if err := tx.Save(&record).Error; err != nil {
			return fmt.Errorf("failed to mark request record %s processing: %w", requestID, err)
		}
		return nil
	})
}

// Finalize sets the terminal status and response payload exactly once.
func (s *RecordService) Finalize(ctx context.Context, requestID uuid.UUID, status string, response json.RawMessage) error {
	if !models.IsTerminalStatus(status) {
		return fmt.Errorf("status %q is not terminal", status)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var record models.RequestRecord
		if err := tx.Where("request_id = ?", requestID).First(&record).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s", models.ErrRecordNotFound, requestID)
			}
			return fmt.Errorf("failed to load request record %s: %w", requestID, err)
		}
		if record.IsTerminal() {
			return fmt.Errorf("%w: %s is already %s", models.ErrRecordFinalized, requestID, record.Status)
		}
		record.Status = status
		record.ResponseData = response
		record.UpdatedAt = time.Now().UTC()
		if err := tx.Save(&record).Error; err != nil {
			return fmt.Errorf("failed to finalize request record %s: %w", requestID, err)
		}
		return nil
	})
}

// ErrorPayload renders an error message into the response payload shape
// stored on ERROR records.
func ErrorPayload(message string) json.RawMessage {
	payload, _ := json.Marshal(map[string]string{"error": message})
	return payload
}
