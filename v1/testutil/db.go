// Package testutil holds shared test fixtures.
package testutil

import (
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/gov-dx-sandbox/credential-broker/v1/models"
)

// SetupDB creates an in-memory SQLite database with all broker models
// migrated. Each call gets a fresh database.
func SetupDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("Failed to connect to SQLite test database: %v", err)
	}

	err = db.AutoMigrate(
		&models.Policy{},
		&models.Credential{},
		&models.Application{},
		&models.CredentialGrant{},
		&models.RequestRecord{},
		&models.Approval{},
	)
	if err != nil {
		t.Fatalf("Failed to migrate test database: %v", err)
	}
	return db
}
