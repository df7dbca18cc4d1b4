package models

import "time"

// Credential holds an encrypted secret. The plaintext only ever exists
// transiently inside a worker while a job executes; it is never persisted
// or logged.
type Credential struct {
	// ID is the external credential identifier referenced by proxy requests
	ID string `gorm:"column:credential_id;type:varchar(255);primaryKey" json:"credential_id"`
	// Type selects the executor plugin, e.g. "apikey", "oauth2", "signing"
	Type string `gorm:"column:type;type:varchar(50);not null;index:idx_credentials_type" json:"type"`
	// EncryptedData is the AES-GCM sealed secret material, base64 encoded
	EncryptedData string `gorm:"column:encrypted_data;type:text;not null" json:"-"`
	// OwnerID identifies who administers this credential
	OwnerID   string    `gorm:"column:owner_id;type:varchar(255);not null;index:idx_credentials_owner_id" json:"owner_id"`
	IsEnabled bool      `gorm:"column:is_enabled;not null" json:"is_enabled"`
	CreatedAt time.Time `gorm:"column:created_at;not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null" json:"updated_at"`
}

// TableName specifies the table name for GORM
func (*Credential) TableName() string {
	return "credentials"
}

// Application is a registered third-party caller. Its public key verifies
// the signature on inbound proxy requests.
type Application struct {
	ID   string `gorm:"column:application_id;type:varchar(255);primaryKey" json:"application_id"`
	Name string `gorm:"column:name;type:varchar(255);not null" json:"name"`
	// PublicKeyPEM is the PEM-encoded public key registered for this application
	PublicKeyPEM string `gorm:"column:public_key_pem;type:text;not null" json:"public_key_pem"`
	// SigningAlg names the JWS algorithm the application signs with
	// (RS256, ES256, EdDSA)
	SigningAlg string    `gorm:"column:signing_alg;type:varchar(20);not null" json:"signing_alg"`
	IsEnabled  bool      `gorm:"column:is_enabled;not null" json:"is_enabled"`
	CreatedAt  time.Time `gorm:"column:created_at;not null" json:"created_at"`
	UpdatedAt  time.Time `gorm:"column:updated_at;not null" json:"updated_at"`
}

// TableName specifies the table name for GORM
func (*Application) TableName() string {
	return "applications"
}

// CredentialGrant records that an application may request operations against
// a credential. Absence of a grant denies the request before any policy is
// fetched.
type CredentialGrant struct {
	ApplicationID string    `gorm:"column:application_id;type:varchar(255);primaryKey" json:"application_id"`
	CredentialID  string    `gorm:"column:credential_id;type:varchar(255);primaryKey" json:"credential_id"`
	GrantedBy     string    `gorm:"column:granted_by;type:varchar(255)" json:"granted_by,omitempty"`
	CreatedAt     time.Time `gorm:"column:created_at;not null" json:"created_at"`
}

// TableName specifies the table name for GORM
func (*CredentialGrant) TableName() string {
	return "credential_grants"
}
