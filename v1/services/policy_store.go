package services

import (
	"context"
	"fmt"

	"github.com/gov-dx-sandbox/credential-broker/v1/models"
	"gorm.io/gorm"
)

// PolicyStore fetches the applicable policy set for a request: the union of
// global policies, policies scoped to the credential, and policies scoped to
// the credential's plugin type — active only, priority descending. Policies
// are written by the external CRUD layer; the broker only reads them.
type PolicyStore struct {
	db *gorm.DB
}

// NewPolicyStore creates the store.
func NewPolicyStore(db *gorm.DB) *PolicyStore {
	return &PolicyStore{db: db}
}

// ApplicablePolicies returns the ordered set for (credential, plugin type).
// Ties on priority break by creation time so evaluation order is
// deterministic.
func (s *PolicyStore) ApplicablePolicies(ctx context.Context, credentialID, pluginType string) ([]models.Policy, error) {
	var policies []models.Policy
	err := s.db.WithContext(ctx).
		Where("is_active = ?", true).
		Where(
			s.db.Where("scope = ?", models.ScopeGlobal).
				Or("scope = ? AND scope_ref = ?", models.ScopeCredential, credentialID).
				Or("scope = ? AND scope_ref = ?", models.ScopePlugin, pluginType),
		).
		Order("priority DESC, created_at ASC").
		Find(&policies).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load policies for credential %s: %w", credentialID, err)
	}
	return policies, nil
}
