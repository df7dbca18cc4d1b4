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
	"github.com/gov-dx-sandbox/credential-broker/v1/plugins"
	"github.com/gov-dx-sandbox/credential-broker/v1/queue"
)

// Worker consumes approved proxy jobs: it loads and decrypts the credential,
// executes the operation through the matching plugin, and finalizes the
// request record with the outcome.
type Worker struct {
	records     *RecordService
	credentials *CredentialService
	registry    *plugins.Registry
}

func NewWorker(records *RecordService, credentials *CredentialService, registry *plugins.Registry) *Worker {
	return &Worker{
		records:     records,
		credentials: credentials,
		registry:    registry,
	}
}

// Handle processes one job delivery. A nil return acknowledges the job; a
// non-nil return leaves it for the broker's retry schedule. Failures that
// can never succeed on a later attempt finalize the record as ERROR and
// acknowledge immediately.
func (w *Worker) Handle(ctx context.Context, job queue.Job, attempt int) error {
	if attempt > 1 {
		monitoring.RecordRetry()
	}

	requestID, err := uuid.Parse(job.RequestID)
	if err != nil {
		slog.Error("Dropping job with malformed request id", "request_id", job.RequestID)
		return nil
	}

	record, err := w.records.Get(ctx, requestID)
	if err != nil {
		if errors.Is(err, models.ErrRecordNotFound) {
			slog.Error("Dropping job with no request record", "request_id", job.RequestID)
			return nil
		}
		return fmt.Errorf("failed to load request record: %w", err)
	}
	if record.IsTerminal() {
		slog.Warn("Skipping already finalized request", "request_id", job.RequestID, "status", record.Status)
		return nil
	}

	if err := w.records.MarkProcessing(ctx, requestID); err != nil {
		if errors.Is(err, models.ErrRecordFinalized) {
			return nil
		}
		return fmt.Errorf("failed to mark request processing: %w", err)
	}

	credential, err := w.credentials.Get(ctx, job.CredentialID)
	if err != nil {
		if errors.Is(err, models.ErrCredentialNotFound) || errors.Is(err, models.ErrCredentialDisabled) {
			return w.fail(ctx, requestID, err.Error())
		}
		return fmt.Errorf("failed to load credential: %w", err)
	}

	data, err := w.credentials.Decrypt(credential)
	if err != nil {
		// A credential that cannot be decrypted will not decrypt on retry.
		return w.fail(ctx, requestID, "credential could not be decrypted")
	}

	start := time.Now()
	result, err := w.registry.Execute(ctx, credential.Type, job.Operation, data, job.Parameters)
	monitoring.RecordPluginExecution(credential.Type, time.Since(start), err)
	if err != nil {
		if isPermanent(err) {
			return w.fail(ctx, requestID, err.Error())
		}
		slog.Warn("Plugin execution failed",
			"request_id", job.RequestID,
			"credential_type", credential.Type,
			"operation", job.Operation,
			"attempt", attempt,
			"error", err)
		return fmt.Errorf("plugin execution failed: %w", err)
	}

	response, err := json.Marshal(result)
	if err != nil {
		return w.fail(ctx, requestID, "plugin returned an unserializable result")
	}
	if err := w.records.Finalize(ctx, requestID, models.RecordStatusCompleted, response); err != nil {
		if errors.Is(err, models.ErrRecordFinalized) {
			return nil
		}
		return fmt.Errorf("failed to finalize request record: %w", err)
	}

	slog.Info("Request completed",
		"request_id", job.RequestID,
		"credential_id", job.CredentialID,
		"operation", job.Operation)
	return nil
}

// DeadLetter finalizes a job that exhausted its retry budget.
func (w *Worker) DeadLetter(ctx context.Context, job queue.Job, lastErr error) {
	monitoring.RecordDeadLetter()
	slog.Error("Request exhausted retry budget",
		"request_id", job.RequestID,
		"error", lastErr)

	requestID, err := uuid.Parse(job.RequestID)
	if err != nil {
		return
	}
	message := "request failed after repeated attempts"
	if lastErr != nil {
		message = lastErr.Error()
	}
	if err := w.records.Finalize(ctx, requestID, models.RecordStatusError, ErrorPayload(message)); err != nil &&
		!errors.Is(err, models.ErrRecordFinalized) {
		slog.Error("Failed to finalize dead-lettered request", "request_id", job.RequestID, "error", err)
	}
}

func (w *Worker) fail(ctx context.Context, requestID uuid.UUID, message string) error {
	if err := w.records.Finalize(ctx, requestID, models.RecordStatusError, ErrorPayload(message)); err != nil &&
		!errors.Is(err, models.ErrRecordFinalized) {
		return fmt.Errorf("failed to finalize errored request: %w", err)
	}
	return nil
}

// isPermanent reports whether a plugin error cannot succeed on retry.
func isPermanent(err error) bool {
	return errors.Is(err, plugins.ErrPluginNotFound) ||
		errors.Is(err, plugins.ErrUnsupportedOperation) ||
		errors.Is(err, plugins.ErrMissingParameter)
}
