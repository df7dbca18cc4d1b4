// Package validation authenticates inbound proxy requests before any policy
// work or queueing happens: structural completeness, timestamp freshness,
// then signature verification against the application's registered key.
package validation

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gov-dx-sandbox/credential-broker/v1/models"
)

// Validation failure kinds, mapped to HTTP statuses by the handler layer.
var (
	ErrMissingFields    = errors.New("request is missing required fields")
	ErrExpiredTimestamp = errors.New("request timestamp is invalid or expired")
	ErrInvalidSignature = errors.New("request signature is invalid")
)

// KeyResolver resolves the signing algorithm and parsed public key registered
// for an application.
type KeyResolver interface {
	SigningKey(ctx context.Context, applicationID string) (alg string, key interface{}, err error)
}

// Validator checks inbound proxy requests. Checks run in a fixed order:
// fields, freshness, signature — an expired timestamp is rejected regardless
// of signature validity.
type Validator struct {
	keys   KeyResolver
	window time.Duration
	now    func() time.Time
}

// NewValidator creates a validator with the given freshness window.
func NewValidator(keys KeyResolver, window time.Duration) *Validator {
	return &Validator{keys: keys, window: window, now: time.Now}
}

// WithClock overrides the validator's clock for tests.
func (v *Validator) WithClock(now func() time.Time) *Validator {
	v.now = now
	return v
}

// Validate returns nil for an authentic request, or one of the sentinel
// errors above wrapped with detail.
func (v *Validator) Validate(ctx context.Context, req *models.ProxyRequest) error {
	var missing []string
	if req.CredentialID == "" {
		missing = append(missing, "credentialId")
	}
	if req.ApplicationID == "" {
		missing = append(missing, "applicationId")
	}
	if req.Operation == "" {
		missing = append(missing, "operation")
	}
	if req.Timestamp == 0 {
		missing = append(missing, "timestamp")
	}
	if req.Signature == "" {
		missing = append(missing, "signature")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingFields, strings.Join(missing, ", "))
	}

	issued := time.Unix(req.Timestamp, 0)
	age := v.now().Sub(issued)
	if age < 0 {
		age = -age
	}
	if age > v.window {
		return fmt.Errorf("%w: timestamp is %s old, limit is %s", ErrExpiredTimestamp, age.Round(time.Second), v.window)
	}

	alg, key, err := v.keys.SigningKey(ctx, req.ApplicationID)
	if err != nil {
		// An unknown or disabled application cannot be authenticated; surface
		// the same 401 as a bad signature to avoid an application oracle.
		return fmt.Errorf("%w: %s", ErrInvalidSignature, "unknown application")
	}

	method := jwt.GetSigningMethod(alg)
	if method == nil {
		return fmt.Errorf("%w: unsupported signing algorithm %q", ErrInvalidSignature, alg)
	}

	sig, err := base64.RawURLEncoding.DecodeString(req.Signature)
	if err != nil {
		return fmt.Errorf("%w: signature is not valid base64url", ErrInvalidSignature)
	}

	payload, err := CanonicalPayload(req)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidSignature, err)
	}
	if err := method.Verify(payload, sig, key); err != nil {
		return fmt.Errorf("%w: verification failed", ErrInvalidSignature)
	}
	return nil
}

// CanonicalPayload renders the request into the exact string both signer and
// verifier operate on: the identifying fields joined by newlines, followed by
// the SHA-256 hex digest of the canonical parameters JSON. encoding/json
// sorts map keys, so parameter order on the wire does not matter.
func CanonicalPayload(req *models.ProxyRequest) (string, error) {
	params := req.Parameters
	if params == nil {
		params = map[string]interface{}{}
	}
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("parameters are not serializable: %w", err)
	}
	digest := sha256.Sum256(paramsJSON)

	return strings.Join([]string{
		req.ApplicationID,
		req.CredentialID,
		req.Operation,
		strconv.FormatInt(req.Timestamp, 10),
		hex.EncodeToString(digest[:]),
	}, "\n"), nil
}

// SignRequest fills in the signature field using the application's private
// key. Used by tests and client tooling.
func SignRequest(req *models.ProxyRequest, alg string, privateKey interface{}) error {
	method := jwt.GetSigningMethod(alg)
	if method == nil {
		return fmt.Errorf("unsupported signing algorithm %q", alg)
	}
	payload, err := CanonicalPayload(req)
	if err != nil {
		return err
	}
	sig, err := method.Sign(payload, privateKey)
	if err != nil {
		return fmt.Errorf("failed to sign request: %w", err)
	}
	req.Signature = base64.RawURLEncoding.EncodeToString(sig)
	return nil
}
