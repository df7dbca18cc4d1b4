package plugins

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const apiKeyBodyLimit = 1 << 20 // 1 MiB of upstream response retained in the record

// apiKeyData is the decrypted credential material for an API-key credential.
type apiKeyData struct {
	APIKey string `json:"api_key"`
	// Header names the request header carrying the key, default Authorization
	Header string `json:"header,omitempty"`
	// Prefix is prepended to the key in the header value, e.g. "Bearer "
	Prefix    string `json:"prefix,omitempty"`
	HealthURL string `json:"health_url,omitempty"`
}

// APIKeyPlugin calls third-party HTTP APIs with an injected API key the
// requesting application never sees.
type APIKeyPlugin struct {
	client *http.Client
}

// NewAPIKeyPlugin creates the plugin with a bounded HTTP client. Timeouts on
// the third-party call come from this client; the pipeline itself imposes
// none.
func NewAPIKeyPlugin(timeout time.Duration) *APIKeyPlugin {
	return &APIKeyPlugin{client: &http.Client{Timeout: timeout}}
}

// Type implements Plugin.
func (p *APIKeyPlugin) Type() string { return "apikey" }

// SupportedOperations implements Plugin.
func (p *APIKeyPlugin) SupportedOperations() []OperationSpec {
	return []OperationSpec{
		{
			Name:           "http_request",
			Description:    "Perform an HTTP request against the upstream API with the key injected",
			RequiredParams: []string{"method", "url"},
			OptionalParams: []string{"body", "content_type"},
			RiskLevel:      RiskMedium,
		},
	}
}

// ValidateCredential implements Plugin.
func (p *APIKeyPlugin) ValidateCredential(ctx context.Context, data []byte) error {
	parsed, err := p.parse(data)
	if err != nil {
		return err
	}
	if parsed.APIKey == "" {
		return fmt.Errorf("api key credential has no api_key")
	}
	return nil
}

// CheckCredentialHealth implements Plugin. Probes the configured health URL
// with the key; credentials without one are assumed healthy.
func (p *APIKeyPlugin) CheckCredentialHealth(ctx context.Context, data []byte) error {
	parsed, err := p.parse(data)
	if err != nil {
		return err
	}
	if parsed.HealthURL == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.HealthURL, nil)
	if err != nil {
		return fmt.Errorf("failed to build health request: %w", err)
	}
	req.Header.Set(parsed.headerName(), parsed.headerValue())
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("health probe failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("health probe returned %s", resp.Status)
	}
	return nil
}

// Execute implements Plugin.
func (p *APIKeyPlugin) Execute(ctx context.Context, operation string, data []byte, params map[string]interface{}) (map[string]interface{}, error) {
	if operation != "http_request" {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedOperation, operation)
	}
	parsed, err := p.parse(data)
	if err != nil {
		return nil, err
	}

	method, _ := stringParam(params, "method")
	url, _ := stringParam(params, "url")
	var body io.Reader
	if raw, ok := stringParam(params, "body"); ok {
		body = strings.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(method), url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build upstream request: %w", err)
	}
	req.Header.Set(parsed.headerName(), parsed.headerValue())
	if contentType, ok := stringParam(params, "content_type"); ok {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, apiKeyBodyLimit))
	if err != nil {
		return nil, fmt.Errorf("failed to read upstream response: %w", err)
	}

	return map[string]interface{}{
		"status_code": resp.StatusCode,
		"body":        string(respBody),
	}, nil
}

// AssessRisk implements Plugin.
func (p *APIKeyPlugin) AssessRisk() RiskAssessment {
	return RiskAssessment{
		ApplicablePolicies:  []string{"ALLOW_LIST", "DENY_LIST", "TIME_BASED", "COUNT_BASED", "MANUAL_APPROVAL"},
		RecommendedPolicies: []string{"ALLOW_LIST on parameters.url", "COUNT_BASED"},
	}
}

func (p *APIKeyPlugin) parse(data []byte) (*apiKeyData, error) {
	var parsed apiKeyData
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("api key credential data is malformed: %w", err)
	}
	return &parsed, nil
}

func (d *apiKeyData) headerName() string {
	if d.Header != "" {
		return d.Header
	}
	return "Authorization"
}

func (d *apiKeyData) headerValue() string {
	return d.Prefix + d.APIKey
}
