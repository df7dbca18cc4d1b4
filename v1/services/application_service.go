package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gov-dx-sandbox/credential-broker/v1/models"
	"gorm.io/gorm"
)

// ApplicationService reads registered applications, resolves their signing
// keys for request validation, and answers grant checks.
type ApplicationService struct {
	db *gorm.DB
}

// NewApplicationService creates the service.
func NewApplicationService(db *gorm.DB) *ApplicationService {
	return &ApplicationService{db: db}
}

// Get returns an enabled application by id.
func (s *ApplicationService) Get(ctx context.Context, applicationID string) (*models.Application, error) {
	var application models.Application
	if err := s.db.WithContext(ctx).Where("application_id = ?", applicationID).First(&application).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", models.ErrApplicationNotFound, applicationID)
		}
		return nil, fmt.Errorf("failed to load application %s: %w", applicationID, err)
	}
	if !application.IsEnabled {
		return nil, fmt.Errorf("%w: %s is disabled", models.ErrApplicationNotFound, applicationID)
	}
	return &application, nil
}

// SigningKey implements validation.KeyResolver: it returns the registered
// algorithm and the parsed public key for an application.
func (s *ApplicationService) SigningKey(ctx context.Context, applicationID string) (string, interface{}, error) {
	application, err := s.Get(ctx, applicationID)
	if err != nil {
		return "", nil, err
	}

	pem := []byte(application.PublicKeyPEM)
	var key interface{}
	switch {
	case strings.HasPrefix(application.SigningAlg, "RS"), strings.HasPrefix(application.SigningAlg, "PS"):
		key, err = jwt.ParseRSAPublicKeyFromPEM(pem)
	case strings.HasPrefix(application.SigningAlg, "ES"):
		key, err = jwt.ParseECPublicKeyFromPEM(pem)
	case application.SigningAlg == "EdDSA":
		key, err = jwt.ParseEdPublicKeyFromPEM(pem)
	default:
		return "", nil, fmt.Errorf("application %s has unsupported signing algorithm %q", applicationID, application.SigningAlg)
	}
	if err != nil {
		return "", nil, fmt.Errorf("application %s has an unparseable public key: %w", applicationID, err)
	}
	return application.SigningAlg, key, nil
}

// HasGrant reports whether the application holds a granted relationship to
// the credential.
func (s *ApplicationService) HasGrant(ctx context.Context, applicationID, credentialID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.CredentialGrant{}).
		Where("application_id = ? AND credential_id = ?", applicationID, credentialID).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check grant for %s on %s: %w", applicationID, credentialID, err)
	}
	return count > 0, nil
}
