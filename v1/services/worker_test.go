package services

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/gov-dx-sandbox/credential-broker/v1/models"
	"github.com/gov-dx-sandbox/credential-broker/v1/plugins"
	"github.com/gov-dx-sandbox/credential-broker/v1/queue"
	"github.com/gov-dx-sandbox/credential-broker/v1/testutil"
)

const testKeyHex = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

type workerFixture struct {
	db      *gorm.DB
	worker  *Worker
	records *RecordService
	cipher  *Cipher
}

func newWorkerFixture(t *testing.T) *workerFixture {
	t.Helper()
	db := testutil.SetupDB(t)

	cipher, err := NewCipher(testKeyHex)
	require.NoError(t, err)

	registry := plugins.NewRegistry()
	require.NoError(t, registry.Register(plugins.NewSigningPlugin()))

	records := NewRecordService(db)
	return &workerFixture{
		db:      db,
		worker:  NewWorker(records, NewCredentialService(db, cipher), registry),
		records: records,
		cipher:  cipher,
	}
}

// seedSigningCredential stores an encrypted Ed25519 seed credential.
func (f *workerFixture) seedSigningCredential(t *testing.T, id string, enabled bool) {
	t.Helper()
	seed := strings.Repeat("s", 32)
	material, err := json.Marshal(map[string]string{
		"seed": base64.StdEncoding.EncodeToString([]byte(seed)),
	})
	require.NoError(t, err)

	sealed, err := f.cipher.Encrypt(material)
	require.NoError(t, err)

	require.NoError(t, f.db.Create(&models.Credential{
		ID:            id,
		Type:          "signing",
		EncryptedData: sealed,
		OwnerID:       "owner-1",
		IsEnabled:     enabled,
	}).Error)
}

func (f *workerFixture) seedRecord(t *testing.T, status string) queue.Job {
	t.Helper()
	requestID := uuid.New()
	require.NoError(t, f.records.Create(context.Background(), &models.RequestRecord{
		RequestID:     requestID,
		ApplicationID: "app-1",
		CredentialID:  "cred-1",
		Operation:     "sign_message",
		Status:        status,
	}))
	return queue.Job{
		RequestID:     requestID.String(),
		ApplicationID: "app-1",
		CredentialID:  "cred-1",
		Operation:     "sign_message",
		Parameters:    map[string]interface{}{"message": "hello"},
	}
}

func TestWorker_CompletesRequest(t *testing.T) {
	f := newWorkerFixture(t)
	f.seedSigningCredential(t, "cred-1", true)
	job := f.seedRecord(t, models.RecordStatusProcessing)

	require.NoError(t, f.worker.Handle(context.Background(), job, 1))

	record, err := f.records.Get(context.Background(), uuid.MustParse(job.RequestID))
	require.NoError(t, err)
	assert.Equal(t, models.RecordStatusCompleted, record.Status)

	var result map[string]string
	require.NoError(t, json.Unmarshal(record.ResponseData, &result))
	assert.NotEmpty(t, result["signature"])
	assert.NotEmpty(t, result["public_key"])
}

func TestWorker_PermanentFailuresFinalizeError(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(t *testing.T, f *workerFixture, job *queue.Job)
	}{
		{
			name: "unknown credential",
			prepare: func(t *testing.T, f *workerFixture, job *queue.Job) {
				// No credential seeded.
			},
		},
		{
			name: "disabled credential",
			prepare: func(t *testing.T, f *workerFixture, job *queue.Job) {
				f.seedSigningCredential(t, "cred-1", false)
			},
		},
		{
			name: "unsupported operation",
			prepare: func(t *testing.T, f *workerFixture, job *queue.Job) {
				f.seedSigningCredential(t, "cred-1", true)
				job.Operation = "launch_missiles"
			},
		},
		{
			name: "missing required parameter",
			prepare: func(t *testing.T, f *workerFixture, job *queue.Job) {
				f.seedSigningCredential(t, "cred-1", true)
				job.Parameters = nil
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newWorkerFixture(t)
			job := f.seedRecord(t, models.RecordStatusProcessing)
			tt.prepare(t, f, &job)

			// Permanent failures are acknowledged, not retried.
			require.NoError(t, f.worker.Handle(context.Background(), job, 1))

			record, err := f.records.Get(context.Background(), uuid.MustParse(job.RequestID))
			require.NoError(t, err)
			assert.Equal(t, models.RecordStatusError, record.Status)
			assert.Contains(t, string(record.ResponseData), "error")
		})
	}
}

func TestWorker_SkipsTerminalRecords(t *testing.T) {
	f := newWorkerFixture(t)
	f.seedSigningCredential(t, "cred-1", true)
	job := f.seedRecord(t, models.RecordStatusProcessing)

	require.NoError(t, f.records.Finalize(context.Background(), uuid.MustParse(job.RequestID),
		models.RecordStatusCompleted, json.RawMessage(`{"signature": "original"}`)))

	// A redelivery after finalization must not re-execute or overwrite.
	require.NoError(t, f.worker.Handle(context.Background(), job, 2))

	record, err := f.records.Get(context.Background(), uuid.MustParse(job.RequestID))
	require.NoError(t, err)
	assert.JSONEq(t, `{"signature": "original"}`, string(record.ResponseData))
}

func TestWorker_UnknownRecordIsDropped(t *testing.T) {
	f := newWorkerFixture(t)
	f.seedSigningCredential(t, "cred-1", true)

	job := queue.Job{RequestID: uuid.New().String(), CredentialID: "cred-1", Operation: "sign_message"}
	assert.NoError(t, f.worker.Handle(context.Background(), job, 1))
}

func TestWorker_DeadLetterFinalizesError(t *testing.T) {
	f := newWorkerFixture(t)
	job := f.seedRecord(t, models.RecordStatusProcessing)

	f.worker.DeadLetter(context.Background(), job, assert.AnError)

	record, err := f.records.Get(context.Background(), uuid.MustParse(job.RequestID))
	require.NoError(t, err)
	assert.Equal(t, models.RecordStatusError, record.Status)
}

func TestWorker_ThroughMemoryBroker(t *testing.T) {
	f := newWorkerFixture(t)
	f.seedSigningCredential(t, "cred-1", true)
	job := f.seedRecord(t, models.RecordStatusProcessing)

	broker := queue.NewMemoryBroker(4, 3, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go broker.Start(ctx, f.worker.Handle, f.worker.DeadLetter)

	require.NoError(t, broker.Enqueue(ctx, job))
	broker.Wait()

	record, err := f.records.Get(context.Background(), uuid.MustParse(job.RequestID))
	require.NoError(t, err)
	assert.Equal(t, models.RecordStatusCompleted, record.Status)
}
