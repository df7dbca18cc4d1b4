package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/gov-dx-sandbox/credential-broker/v1/models"
	"gorm.io/gorm"
)

// CredentialService reads credentials and decrypts their material on demand.
// Decrypted bytes are handed to exactly one plugin invocation and never
// cached, persisted or logged.
type CredentialService struct {
	db     *gorm.DB
	cipher *Cipher
}

// NewCredentialService creates the service.
func NewCredentialService(db *gorm.DB, cipher *Cipher) *CredentialService {
	return &CredentialService{db: db, cipher: cipher}
}

// Get returns an enabled credential by id.
func (s *CredentialService) Get(ctx context.Context, credentialID string) (*models.Credential, error) {
	var credential models.Credential
	if err := s.db.WithContext(ctx).Where("credential_id = ?", credentialID).First(&credential).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", models.ErrCredentialNotFound, credentialID)
		}
		return nil, fmt.Errorf("failed to load credential %s: %w", credentialID, err)
	}
	if !credential.IsEnabled {
		return nil, fmt.Errorf("%w: %s", models.ErrCredentialDisabled, credentialID)
	}
	return &credential, nil
}

// Decrypt opens the credential's sealed material.
func (s *CredentialService) Decrypt(credential *models.Credential) ([]byte, error) {
	return s.cipher.Decrypt(credential.EncryptedData)
}
