package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/ides/internal/content"
	"github.com/MarcoPoloResearchLab/ides/internal/revisions"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	migrationSeedSingletonBook    = "2026-10-01_seed_singleton_book"
	migrationBackfillFingerprints = "2026-10-01_backfill_block_fingerprints"
	migrationClearDanglingNotices = "2026-10-08_clear_dangling_remap_notices"
	fingerprintBackfillBatchSize  = 500
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationSeedSingletonBook, apply: seedSingletonBook},
		{name: migrationBackfillFingerprints, apply: backfillBlockFingerprints},
		{name: migrationClearDanglingNotices, apply: clearDanglingNotices},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: time.Now().UTC().Unix()}).Error
		})
		if err != nil {
			return err
		}
		logger.Info("database migration applied", zap.String("migration", migration.name))
	}
	return nil
}

func seedSingletonBook(db *gorm.DB) error {
	return db.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&revisions.BookRecord{ID: revisions.SingletonBookID}).Error
}

// backfillBlockFingerprints fills fingerprints for blocks written before they were stored.
func backfillBlockFingerprints(db *gorm.DB) error {
	var pending []revisions.BlockRecord
	return db.Select("id", "content").
		Where("fingerprint = ''").
		FindInBatches(&pending, fingerprintBackfillBatchSize, func(tx *gorm.DB, _ int) error {
			for _, record := range pending {
				fingerprint := content.FingerprintOf(record.Content).String()
				if err := db.Model(&revisions.BlockRecord{}).
					Where("id = ?", record.ID).
					Update("fingerprint", fingerprint).Error; err != nil {
					return err
				}
			}
			return nil
		}).Error
}

func clearDanglingNotices(db *gorm.DB) error {
	return db.Table("reader_positions").
		Where("remap_tier <> '' AND remapped_at IS NULL").
		Update("remap_tier", "").Error
}
