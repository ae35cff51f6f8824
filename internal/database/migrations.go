package database

import (
	"errors"
	"time"

	"github.com/linkhaven/linkhaven/internal/settings"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillSourceStateTimestamps = "2026-05-12_backfill_source_state_timestamps"

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

func clientMigrations() []migrationDefinition {
	return []migrationDefinition{
		{name: migrationBackfillSourceStateTimestamps, apply: backfillSourceStateTimestamps},
	}
}

func cloudMigrations() []migrationDefinition {
	return nil
}

func applyMigrations(db *gorm.DB, logger *zap.Logger, migrations []migrationDefinition) error {
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

// Rows written before updated_at_millis existed carry a zero there; seed it
// from the last sync instant so staleness queries behave.
func backfillSourceStateTimestamps(db *gorm.DB) error {
	return db.Model(&settings.SourceState{}).
		Where("updated_at_millis = 0 AND last_sync_at_millis <> 0").
		Update("updated_at_millis", gorm.Expr("last_sync_at_millis")).Error
}
