package database

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/ides/internal/content"
	"github.com/MarcoPoloResearchLab/ides/internal/reading"
	"github.com/MarcoPoloResearchLab/ides/internal/revisions"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func openRawDatabase(testContext *testing.T) *gorm.DB {
	testContext.Helper()
	database, err := gorm.Open(sqlite.Open(filepath.Join(testContext.TempDir(), "migration.db")), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.AutoMigrate(Models()...); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}
	return database
}

func TestApplyMigrationsBackfillsFingerprints(testContext *testing.T) {
	database := openRawDatabase(testContext)

	revision := revisions.Revision{BookID: revisions.SingletonBookID, BlockCount: 1, CreatedAt: time.Unix(1700000000, 0).UTC()}
	if err := database.Create(&revision).Error; err != nil {
		testContext.Fatalf("failed to insert revision: %v", err)
	}
	legacy := revisions.BlockRecord{RevisionID: revision.ID, Sequence: 0, TypeCode: 1, Content: "Old text."}
	if err := database.Create(&legacy).Error; err != nil {
		testContext.Fatalf("failed to insert block: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var stored revisions.BlockRecord
	if err := database.Where("id = ?", legacy.ID).Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload block: %v", err)
	}
	if stored.Fingerprint != content.FingerprintOf("Old text.").String() {
		testContext.Fatalf("expected fingerprint to be backfilled, got %q", stored.Fingerprint)
	}

	var book revisions.BookRecord
	if err := database.Where("id = ?", revisions.SingletonBookID).Take(&book).Error; err != nil {
		testContext.Fatalf("expected singleton book row: %v", err)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationBackfillFingerprints).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}
}

func TestApplyMigrationsClearsDanglingNotices(testContext *testing.T) {
	database := openRawDatabase(testContext)

	dangling := reading.ReaderPosition{ReaderID: "reader-1", RevisionID: 1, BlockID: 1, RemapTier: "rough", UpdatedAt: time.Now().UTC()}
	if err := database.Create(&dangling).Error; err != nil {
		testContext.Fatalf("failed to insert position: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var stored reading.ReaderPosition
	if err := database.Where("reader_id = ?", "reader-1").Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload position: %v", err)
	}
	if stored.RemapTier != "" {
		testContext.Fatalf("expected dangling notice to be cleared, got %q", stored.RemapTier)
	}
}

func TestApplyMigrationsRunsOnce(testContext *testing.T) {
	database := openRawDatabase(testContext)

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("first run failed: %v", err)
	}
	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("second run failed: %v", err)
	}

	var count int64
	if err := database.Model(&migrationRecord{}).Count(&count).Error; err != nil {
		testContext.Fatalf("count failed: %v", err)
	}
	if count != 3 {
		testContext.Fatalf("expected 3 migration records, got %d", count)
	}
}

func TestOpenSelectsDriver(testContext *testing.T) {
	path := filepath.Join(testContext.TempDir(), "ides.db")
	database, err := Open(Config{Path: path}, nil)
	if err != nil {
		testContext.Fatalf("open failed: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		testContext.Fatalf("db handle failed: %v", err)
	}
	if sqlDB.Stats().MaxOpenConnections != 1 {
		testContext.Fatalf("expected sqlite to use one connection, got %d", sqlDB.Stats().MaxOpenConnections)
	}
	_ = sqlDB.Close()

	if _, err := Open(Config{Driver: DriverSQLite}, nil); err == nil {
		testContext.Fatalf("expected error for missing sqlite path")
	}
	if _, err := Open(Config{Driver: DriverPostgres}, nil); err == nil {
		testContext.Fatalf("expected error for missing postgres dsn")
	}
	if _, err := Open(Config{Driver: "oracle", Path: path}, nil); err == nil {
		testContext.Fatalf("expected error for unknown driver")
	}
}
