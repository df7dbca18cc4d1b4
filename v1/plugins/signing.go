package plugins

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// signingData is the decrypted material for a signing credential: a 32-byte
// Ed25519 seed, base64 encoded.
type signingData struct {
	Seed string `json:"seed"`
}

// SigningPlugin signs messages with a private key the application never
// sees. The key is derived from the decrypted seed per call and discarded.
type SigningPlugin struct{}

// NewSigningPlugin creates the plugin.
func NewSigningPlugin() *SigningPlugin {
	return &SigningPlugin{}
}

// Type implements Plugin.
func (p *SigningPlugin) Type() string { return "signing" }

// SupportedOperations implements Plugin.
func (p *SigningPlugin) SupportedOperations() []OperationSpec {
	return []OperationSpec{
		{
			Name:           "sign_message",
			Description:    "Sign a message with the credential's Ed25519 key",
			RequiredParams: []string{"message"},
			RiskLevel:      RiskHigh,
		},
		{
			Name:        "public_key",
			Description: "Return the credential's public key",
			RiskLevel:   RiskLow,
		},
	}
}

// ValidateCredential implements Plugin.
func (p *SigningPlugin) ValidateCredential(ctx context.Context, data []byte) error {
	_, err := p.key(data)
	return err
}

// CheckCredentialHealth implements Plugin. A signing key has no upstream to
// probe; deriving the key is the health check.
func (p *SigningPlugin) CheckCredentialHealth(ctx context.Context, data []byte) error {
	_, err := p.key(data)
	return err
}

// Execute implements Plugin.
func (p *SigningPlugin) Execute(ctx context.Context, operation string, data []byte, params map[string]interface{}) (map[string]interface{}, error) {
	key, err := p.key(data)
	if err != nil {
		return nil, err
	}

	switch operation {
	case "sign_message":
		message, ok := stringParam(params, "message")
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrMissingParameter, "message")
		}
		sig := ed25519.Sign(key, []byte(message))
		return map[string]interface{}{
			"signature":  base64.StdEncoding.EncodeToString(sig),
			"public_key": base64.StdEncoding.EncodeToString(key.Public().(ed25519.PublicKey)),
		}, nil

	case "public_key":
		return map[string]interface{}{
			"public_key": base64.StdEncoding.EncodeToString(key.Public().(ed25519.PublicKey)),
		}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedOperation, operation)
	}
}

// AssessRisk implements Plugin.
func (p *SigningPlugin) AssessRisk() RiskAssessment {
	return RiskAssessment{
		ApplicablePolicies:  []string{"ALLOW_LIST", "DENY_LIST", "COUNT_BASED", "MANUAL_APPROVAL"},
		RecommendedPolicies: []string{"MANUAL_APPROVAL for sign_message"},
	}
}

func (p *SigningPlugin) key(data []byte) (ed25519.PrivateKey, error) {
	var parsed signingData
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("signing credential data is malformed: %w", err)
	}
	seed, err := base64.StdEncoding.DecodeString(parsed.Seed)
	if err != nil {
		return nil, fmt.Errorf("signing credential seed is not valid base64: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("signing credential seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return ed25519.NewKeyFromSeed(seed), nil
}
