package plugins

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2/clientcredentials"
)

// oauth2Data is the decrypted credential material for an OAuth2
// client-credentials credential.
type oauth2Data struct {
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"client_secret"`
	TokenURL     string   `json:"token_url"`
	Scopes       []string `json:"scopes,omitempty"`
}

// OAuth2Plugin performs client-credentials token fetches and authenticated
// calls on behalf of applications that never see the client secret.
type OAuth2Plugin struct {
	timeout time.Duration
}

// NewOAuth2Plugin creates the plugin. timeout bounds both token fetches and
// upstream calls.
func NewOAuth2Plugin(timeout time.Duration) *OAuth2Plugin {
	return &OAuth2Plugin{timeout: timeout}
}

// Type implements Plugin.
func (p *OAuth2Plugin) Type() string { return "oauth2" }

// SupportedOperations implements Plugin.
func (p *OAuth2Plugin) SupportedOperations() []OperationSpec {
	return []OperationSpec{
		{
			Name:        "fetch_token",
			Description: "Obtain an access token via the client credentials grant",
			RiskLevel:   RiskLow,
		},
		{
			Name:           "http_request",
			Description:    "Perform an HTTP request with a freshly obtained bearer token",
			RequiredParams: []string{"method", "url"},
			OptionalParams: []string{"body", "content_type"},
			RiskLevel:      RiskMedium,
		},
	}
}

// ValidateCredential implements Plugin.
func (p *OAuth2Plugin) ValidateCredential(ctx context.Context, data []byte) error {
	parsed, err := p.parse(data)
	if err != nil {
		return err
	}
	if parsed.ClientID == "" || parsed.ClientSecret == "" || parsed.TokenURL == "" {
		return fmt.Errorf("oauth2 credential requires client_id, client_secret and token_url")
	}
	return nil
}

// CheckCredentialHealth implements Plugin. A successful token fetch proves
// the credential is live.
func (p *OAuth2Plugin) CheckCredentialHealth(ctx context.Context, data []byte) error {
	parsed, err := p.parse(data)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if _, err := p.config(parsed).Token(ctx); err != nil {
		return fmt.Errorf("token fetch failed: %w", err)
	}
	return nil
}

// Execute implements Plugin.
func (p *OAuth2Plugin) Execute(ctx context.Context, operation string, data []byte, params map[string]interface{}) (map[string]interface{}, error) {
	parsed, err := p.parse(data)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	switch operation {
	case "fetch_token":
		token, err := p.config(parsed).Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("token fetch failed: %w", err)
		}
		return map[string]interface{}{
			"access_token": token.AccessToken,
			"token_type":   token.TokenType,
			"expiry":       token.Expiry.UTC().Format(time.RFC3339),
		}, nil

	case "http_request":
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
		if contentType, ok := stringParam(params, "content_type"); ok {
			req.Header.Set("Content-Type", contentType)
		}

		// The oauth2 transport fetches and injects the bearer token.
		resp, err := p.config(parsed).Client(ctx).Do(req)
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

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedOperation, operation)
	}
}

// AssessRisk implements Plugin.
func (p *OAuth2Plugin) AssessRisk() RiskAssessment {
	return RiskAssessment{
		ApplicablePolicies:  []string{"ALLOW_LIST", "DENY_LIST", "TIME_BASED", "COUNT_BASED", "MANUAL_APPROVAL"},
		RecommendedPolicies: []string{"ALLOW_LIST on parameters.url", "MANUAL_APPROVAL for fetch_token"},
	}
}

func (p *OAuth2Plugin) parse(data []byte) (*oauth2Data, error) {
	var parsed oauth2Data
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("oauth2 credential data is malformed: %w", err)
	}
	return &parsed, nil
}

func (p *OAuth2Plugin) config(d *oauth2Data) *clientcredentials.Config {
	return &clientcredentials.Config{
		ClientID:     d.ClientID,
		ClientSecret: d.ClientSecret,
		TokenURL:     d.TokenURL,
		Scopes:       d.Scopes,
	}
}
