package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/harborline/fieldsync/internal/sync"
)

const migrationBackfillTombstoneDeletedAt = "2026-06-18_backfill_tombstone_deleted_at"

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
		{name: migrationBackfillTombstoneDeletedAt, apply: backfillTombstoneDeletedAt},
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
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// backfillTombstoneDeletedAt repairs tombstones written before deleted_at_ms
// existed; without it those deletes never reach lagging clients.
func backfillTombstoneDeletedAt(db *gorm.DB) error {
	for _, model := range sync.Models() {
		err := db.Model(model).
			Where("is_deleted = ? AND deleted_at_ms = 0", true).
			Update("deleted_at_ms", gorm.Expr("updated_at_ms")).Error
		if err != nil {
			return err
		}
	}
	return nil
}
