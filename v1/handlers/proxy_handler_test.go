package handlers_test

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/gov-dx-sandbox/credential-broker/v1/handlers"
	"github.com/gov-dx-sandbox/credential-broker/v1/models"
	"github.com/gov-dx-sandbox/credential-broker/v1/plugins"
	"github.com/gov-dx-sandbox/credential-broker/v1/policy"
	"github.com/gov-dx-sandbox/credential-broker/v1/queue"
	"github.com/gov-dx-sandbox/credential-broker/v1/router"
	"github.com/gov-dx-sandbox/credential-broker/v1/services"
	"github.com/gov-dx-sandbox/credential-broker/v1/testutil"
	"github.com/gov-dx-sandbox/credential-broker/v1/validation"
	"github.com/gov-dx-sandbox/credential-broker/v1/verbs"
)

const testKeyHex = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

// fixture wires the whole pipeline against in-memory backends: SQLite
// storage, the channel broker, and the in-process usage counter.
type fixture struct {
	t      *testing.T
	db     *gorm.DB
	server *httptest.Server
	broker *queue.MemoryBroker
	cipher *services.Cipher

	privateKey ed25519.PrivateKey
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.SetupDB(t)

	cipher, err := services.NewCipher(testKeyHex)
	require.NoError(t, err)

	credentialService := services.NewCredentialService(db, cipher)
	applicationService := services.NewApplicationService(db)
	policyStore := services.NewPolicyStore(db)
	recordService := services.NewRecordService(db)
	approvalService := services.NewApprovalService(db)

	registry := plugins.NewRegistry()
	require.NoError(t, registry.Register(plugins.NewSigningPlugin()))

	engine := policy.NewEngine(policy.NewMemoryUsageCounter(), approvalService)
	validator := validation.NewValidator(applicationService, 5*time.Minute)
	broker := queue.NewMemoryBroker(16, 3, 0)

	verbRegistry := verbs.NewRegistry()
	require.NoError(t, verbRegistry.RegisterForCredential("signing", []verbs.Verb{
		{ID: "sign", Name: "Sign Message", Operation: "sign_message", Tags: []string{"crypto"}},
	}))

	proxyService := services.NewProxyService(
		validator, applicationService, credentialService, policyStore,
		engine, recordService, approvalService, broker, verbRegistry, time.Hour)
	worker := services.NewWorker(recordService, credentialService, registry)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go broker.Start(ctx, worker.Handle, worker.DeadLetter)

	mux := router.NewV1Router(
		handlers.NewProxyHandler(proxyService, recordService),
		handlers.NewApprovalHandler(proxyService, approvalService),
		handlers.NewVerbHandler(verbRegistry),
		handlers.NewHealthHandler(db),
	).Mux()
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	f := &fixture{t: t, db: db, server: server, broker: broker, cipher: cipher}
	f.seedApplication("app-1")
	f.seedSigningCredential("cred-1")
	f.grant("app-1", "cred-1")
	return f
}

func (f *fixture) seedApplication(id string) {
	f.t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(f.t, err)
	f.privateKey = priv

	der, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(f.t, err)
	pemKey := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})

	require.NoError(f.t, f.db.Create(&models.Application{
		ID:           id,
		Name:         "Test App",
		PublicKeyPEM: string(pemKey),
		SigningAlg:   "EdDSA",
		IsEnabled:    true,
	}).Error)
}

func (f *fixture) seedSigningCredential(id string) {
	f.t.Helper()
	seed := bytes.Repeat([]byte{7}, ed25519.SeedSize)
	material, err := json.Marshal(map[string]string{
		"seed": base64.StdEncoding.EncodeToString(seed),
	})
	require.NoError(f.t, err)

	sealed, err := f.cipher.Encrypt(material)
	require.NoError(f.t, err)

	require.NoError(f.t, f.db.Create(&models.Credential{
		ID:            id,
		Type:          "signing",
		EncryptedData: sealed,
		OwnerID:       "owner-1",
		IsEnabled:     true,
	}).Error)
}

func (f *fixture) grant(appID, credID string) {
	f.t.Helper()
	require.NoError(f.t, f.db.Create(&models.CredentialGrant{
		ApplicationID: appID,
		CredentialID:  credID,
		GrantedBy:     "owner-1",
	}).Error)
}

func (f *fixture) seedPolicy(policyType string, priority int, config interface{}) models.Policy {
	f.t.Helper()
	raw, err := json.Marshal(config)
	require.NoError(f.t, err)
	p := models.Policy{
		Name:     policyType + "-policy",
		Type:     policyType,
		Scope:    string(models.ScopeGlobal),
		IsActive: true,
		Priority: priority,
		Config:   raw,
	}
	require.NoError(f.t, f.db.Create(&p).Error)
	return p
}

func (f *fixture) signedRequest(operation string, params map[string]interface{}) *models.ProxyRequest {
	f.t.Helper()
	req := &models.ProxyRequest{
		ApplicationID: "app-1",
		CredentialID:  "cred-1",
		Operation:     operation,
		Parameters:    params,
		Timestamp:     time.Now().Unix(),
	}
	require.NoError(f.t, validation.SignRequest(req, "EdDSA", f.privateKey))
	return req
}

func (f *fixture) post(path string, body interface{}) (*http.Response, []byte) {
	f.t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(f.t, err)
	resp, err := http.Post(f.server.URL+path, "application/json", bytes.NewReader(raw))
	require.NoError(f.t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(f.t, err)
	return resp, buf.Bytes()
}

func (f *fixture) get(path string) (*http.Response, []byte) {
	f.t.Helper()
	resp, err := http.Get(f.server.URL + path)
	require.NoError(f.t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(f.t, err)
	return resp, buf.Bytes()
}

func (f *fixture) submit(req *models.ProxyRequest) (int, models.ProxySubmitResponse) {
	f.t.Helper()
	resp, body := f.post("/api/v1/proxy", req)
	var parsed models.ProxySubmitResponse
	require.NoError(f.t, json.Unmarshal(body, &parsed), "body: %s", body)
	return resp.StatusCode, parsed
}

func TestProxy_EndToEnd_AllowListApproval(t *testing.T) {
	f := newFixture(t)
	f.seedPolicy(string(models.PolicyAllowList), 10, models.AllowListConfig{
		TargetField:   "operation",
		AllowedValues: []string{"sign_message", "public_key"},
	})

	status, submitted := f.submit(f.signedRequest("sign_message", map[string]interface{}{"message": "hello"}))

	require.Equal(t, http.StatusAccepted, status)
	assert.True(t, submitted.Success)
	assert.Equal(t, models.RecordStatusProcessing, submitted.Status)
	require.NotEmpty(t, submitted.RequestID)

	f.broker.Wait()

	resp, body := f.get("/api/v1/proxy/status/" + submitted.RequestID)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var polled models.ProxyStatusResponse
	require.NoError(t, json.Unmarshal(body, &polled))
	assert.Equal(t, models.RecordStatusCompleted, polled.Status)

	var result map[string]string
	require.NoError(t, json.Unmarshal(polled.Result, &result))
	assert.NotEmpty(t, result["signature"])

	// Polling again returns the same terminal payload.
	_, again := f.get("/api/v1/proxy/status/" + submitted.RequestID)
	assert.JSONEq(t, string(body), string(again))
}

func TestProxy_DenyListDenial(t *testing.T) {
	f := newFixture(t)
	denying := f.seedPolicy(string(models.PolicyDenyList), 10, models.DenyListConfig{
		TargetField:  "operation",
		DeniedValues: []string{"sign_*"},
	})

	status, submitted := f.submit(f.signedRequest("sign_message", map[string]interface{}{"message": "hello"}))

	require.Equal(t, http.StatusForbidden, status)
	assert.False(t, submitted.Success)
	assert.Equal(t, models.RecordStatusDenied, submitted.Status)
	assert.Equal(t, denying.ID.String(), submitted.PolicyID)
	assert.NotEmpty(t, submitted.Message)

	// The denial is pollable like any other outcome.
	resp, body := f.get("/api/v1/proxy/status/" + submitted.RequestID)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var polled models.ProxyStatusResponse
	require.NoError(t, json.Unmarshal(body, &polled))
	assert.Equal(t, models.RecordStatusDenied, polled.Status)
}

func TestProxy_ValidationFailures(t *testing.T) {
	f := newFixture(t)

	t.Run("missing fields", func(t *testing.T) {
		resp, _ := f.post("/api/v1/proxy", models.ProxyRequest{ApplicationID: "app-1"})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("expired timestamp", func(t *testing.T) {
		req := &models.ProxyRequest{
			ApplicationID: "app-1",
			CredentialID:  "cred-1",
			Operation:     "sign_message",
			Parameters:    map[string]interface{}{"message": "hello"},
			Timestamp:     time.Now().Add(-time.Hour).Unix(),
		}
		require.NoError(t, validation.SignRequest(req, "EdDSA", f.privateKey))

		resp, _ := f.post("/api/v1/proxy", req)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("tampered signature", func(t *testing.T) {
		req := f.signedRequest("sign_message", map[string]interface{}{"message": "hello"})
		req.Parameters["message"] = "tampered"

		resp, _ := f.post("/api/v1/proxy", req)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("unknown application", func(t *testing.T) {
		req := f.signedRequest("sign_message", map[string]interface{}{"message": "hello"})
		req.ApplicationID = "ghost-app"
		require.NoError(t, validation.SignRequest(req, "EdDSA", f.privateKey))

		resp, _ := f.post("/api/v1/proxy", req)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})
}

func TestProxy_UnusableCredentialDenies(t *testing.T) {
	f := newFixture(t)

	req := f.signedRequest("sign_message", map[string]interface{}{"message": "hello"})
	req.CredentialID = "no-such-credential"
	require.NoError(t, validation.SignRequest(req, "EdDSA", f.privateKey))

	status, submitted := f.submit(req)

	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, models.RecordStatusDenied, submitted.Status)
}

func TestProxy_MissingGrantDenies(t *testing.T) {
	f := newFixture(t)
	f.seedSigningCredential("cred-ungranted")

	req := f.signedRequest("sign_message", map[string]interface{}{"message": "hello"})
	req.CredentialID = "cred-ungranted"
	require.NoError(t, validation.SignRequest(req, "EdDSA", f.privateKey))

	status, submitted := f.submit(req)

	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, models.RecordStatusDenied, submitted.Status)
	assert.Contains(t, submitted.Message, "grant")
}

func TestProxy_StatusEndpointErrors(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.get("/api/v1/proxy/status/not-a-uuid")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.get("/api/v1/proxy/status/11111111-2222-3333-4444-555555555555")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestProxy_ManualApprovalFlow(t *testing.T) {
	f := newFixture(t)
	gating := f.seedPolicy(string(models.PolicyManualApproval), 10, models.ManualApprovalConfig{
		Approvers: []string{"admin@example.com"},
	})

	status, submitted := f.submit(f.signedRequest("sign_message", map[string]interface{}{"message": "hello"}))

	require.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, models.RecordStatusPending, submitted.Status)
	assert.Equal(t, gating.ID.String(), submitted.PolicyID)

	// The approval is visible to the portal.
	resp, body := f.get("/api/v1/approvals/" + submitted.RequestID)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var view models.ApprovalView
	require.NoError(t, json.Unmarshal(body, &view))
	assert.Equal(t, models.ApprovalStatusPending, view.Status)
	assert.Equal(t, []string{"admin@example.com"}, view.Approvers)

	t.Run("outsider cannot decide", func(t *testing.T) {
		resp, _ := f.post("/api/v1/approvals/"+submitted.RequestID, models.ApprovalActionRequest{
			Action: "approve", DecidedBy: "intruder@example.com",
		})
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	resp, body = f.post("/api/v1/approvals/"+submitted.RequestID, models.ApprovalActionRequest{
		Action: "approve", DecidedBy: "admin@example.com",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, "body: %s", body)

	f.broker.Wait()

	_, statusBody := f.get("/api/v1/proxy/status/" + submitted.RequestID)
	var polled models.ProxyStatusResponse
	require.NoError(t, json.Unmarshal(statusBody, &polled))
	assert.Equal(t, models.RecordStatusCompleted, polled.Status)

	t.Run("second decision conflicts", func(t *testing.T) {
		resp, _ := f.post("/api/v1/approvals/"+submitted.RequestID, models.ApprovalActionRequest{
			Action: "reject", DecidedBy: "admin@example.com",
		})
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
	})
}

func TestProxy_ApprovalDoesNotBypassOtherPolicies(t *testing.T) {
	f := newFixture(t)
	f.seedPolicy(string(models.PolicyManualApproval), 100, models.ManualApprovalConfig{
		Approvers: []string{"admin@example.com"},
	})
	denying := f.seedPolicy(string(models.PolicyDenyList), 10, models.DenyListConfig{
		TargetField:  "operation",
		DeniedValues: []string{"sign_*"},
	})

	status, submitted := f.submit(f.signedRequest("sign_message", map[string]interface{}{"message": "hello"}))
	require.Equal(t, http.StatusAccepted, status)
	require.Equal(t, models.RecordStatusPending, submitted.Status)

	// Clearing the approval gate does not silence the deny-list: the request
	// is re-evaluated and ends DENIED without ever reaching the queue.
	resp, _ := f.post("/api/v1/approvals/"+submitted.RequestID, models.ApprovalActionRequest{
		Action: "approve", DecidedBy: "admin@example.com",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	f.broker.Wait()

	_, body := f.get("/api/v1/proxy/status/" + submitted.RequestID)
	var polled models.ProxyStatusResponse
	require.NoError(t, json.Unmarshal(body, &polled))
	assert.Equal(t, models.RecordStatusDenied, polled.Status)

	var denial map[string]string
	require.NoError(t, json.Unmarshal(polled.Result, &denial))
	assert.Equal(t, denying.ID.String(), denial["policyId"])
	assert.Empty(t, denial["signature"])
}

func TestProxy_ManualApprovalRejection(t *testing.T) {
	f := newFixture(t)
	f.seedPolicy(string(models.PolicyManualApproval), 10, models.ManualApprovalConfig{
		Approvers: []string{"admin@example.com"},
	})

	_, submitted := f.submit(f.signedRequest("sign_message", map[string]interface{}{"message": "hello"}))

	resp, _ := f.post("/api/v1/approvals/"+submitted.RequestID, models.ApprovalActionRequest{
		Action: "reject", DecidedBy: "admin@example.com",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, statusBody := f.get("/api/v1/proxy/status/" + submitted.RequestID)
	var polled models.ProxyStatusResponse
	require.NoError(t, json.Unmarshal(statusBody, &polled))
	assert.Equal(t, models.RecordStatusDenied, polled.Status)
}

func TestProxy_CountBasedLimitAcrossRequests(t *testing.T) {
	f := newFixture(t)
	counting := f.seedPolicy(string(models.PolicyCountBased), 10, models.CountBasedConfig{
		MaxRequests:       2,
		TimeWindowSeconds: 3600,
	})

	for i := 0; i < 2; i++ {
		status, _ := f.submit(f.signedRequest("sign_message", map[string]interface{}{
			"message": fmt.Sprintf("msg-%d", i),
		}))
		require.Equal(t, http.StatusAccepted, status)
	}

	status, submitted := f.submit(f.signedRequest("sign_message", map[string]interface{}{"message": "one too many"}))

	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, counting.ID.String(), submitted.PolicyID)
}

func TestProxy_NoPoliciesDefaultsToApproval(t *testing.T) {
	f := newFixture(t)

	status, submitted := f.submit(f.signedRequest("public_key", nil))

	assert.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, models.RecordStatusProcessing, submitted.Status)
}

func TestProxy_VerbResolution(t *testing.T) {
	f := newFixture(t)

	// The caller addresses the operation by verb id; the pipeline resolves
	// it to the plugin operation before policy evaluation and execution.
	status, submitted := f.submit(f.signedRequest("signing:sign", map[string]interface{}{"message": "hello"}))
	require.Equal(t, http.StatusAccepted, status)

	f.broker.Wait()

	_, body := f.get("/api/v1/proxy/status/" + submitted.RequestID)
	var polled models.ProxyStatusResponse
	require.NoError(t, json.Unmarshal(body, &polled))
	assert.Equal(t, models.RecordStatusCompleted, polled.Status)

	var result map[string]string
	require.NoError(t, json.Unmarshal(polled.Result, &result))
	assert.NotEmpty(t, result["signature"])
}

func TestVerbs_CatalogEndpoint(t *testing.T) {
	f := newFixture(t)

	resp, body := f.get("/api/v1/verbs?credentialType=signing")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "signing:sign")

	resp, body = f.get("/api/v1/verbs?credentialType=unknown")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotContains(t, string(body), "signing:sign")
}

func TestApprovals_UnknownRequest(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.get("/api/v1/approvals/11111111-2222-3333-4444-555555555555")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.post("/api/v1/approvals/11111111-2222-3333-4444-555555555555", models.ApprovalActionRequest{
		Action: "approve", DecidedBy: "admin@example.com",
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthEndpoint(t *testing.T) {
	f := newFixture(t)

	resp, body := f.get("/api/v1/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "healthy")
}
