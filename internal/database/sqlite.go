// Package database opens the sqlite stores used by the client and the cloud
// service and applies their schema migrations.
package database

import (
	"fmt"

	sqlite "github.com/glebarez/sqlite"
	"github.com/linkhaven/linkhaven/internal/cloud"
	"github.com/linkhaven/linkhaven/internal/settings"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OpenClient opens the client's local database and migrates the settings
// schema: key-value settings, per-source sync state, and deletion markers.
func OpenClient(path string, logger *zap.Logger) (*gorm.DB, error) {
	db, err := open(path)
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(&settings.Setting{}, &settings.SourceState{}, &settings.TombstoneRow{}, &migrationRecord{}); err != nil {
		return nil, err
	}
	if err := applyMigrations(db, logger, clientMigrations()); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("client database initialized", zap.String("path", path))
	}
	return db, nil
}

// OpenCloud opens the cloud service's database and migrates the per-user
// bookmark rows, device registrations, and device sync states.
func OpenCloud(path string, logger *zap.Logger) (*gorm.DB, error) {
	db, err := open(path)
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(&cloud.BookmarkRow{}, &cloud.SyncState{}, &cloud.Device{}, &migrationRecord{}); err != nil {
		return nil, err
	}
	if err := applyMigrations(db, logger, cloudMigrations()); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("cloud database initialized", zap.String("path", path))
	}
	return db, nil
}

func open(path string) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	return db, nil
}
