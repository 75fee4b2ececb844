package database

import (
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/tessera/backend/internal/history"
	"github.com/MarcoPoloResearchLab/tessera/backend/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsBackfillsNicknames(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(&users.Identity{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	legacy := users.Identity{
		Provider:    "google",
		Subject:     "sub-1",
		UserID:      "user-1",
		DisplayName: "Legacy User",
	}
	if err := database.Create(&legacy).Error; err != nil {
		testContext.Fatalf("failed to insert identity: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var stored users.Identity
	if err := database.Where("provider = ? AND subject = ?", legacy.Provider, legacy.Subject).Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload identity: %v", err)
	}
	if stored.Nickname != "Legacy User" {
		testContext.Fatalf("expected nickname to be backfilled, got %q", stored.Nickname)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationBackfillNicknames).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("expected re-run to be a no-op: %v", err)
	}
}

func TestOpenSQLiteCreatesSchema(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "tessera.db")
	database, err := OpenSQLite(databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql db: %v", err)
	}
	defer sqlDB.Close()

	for _, model := range append(history.Models(), &users.Identity{}, &migrationRecord{}) {
		if !database.Migrator().HasTable(model) {
			testContext.Fatalf("expected table for %T", model)
		}
	}
}
