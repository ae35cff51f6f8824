package settings

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/linkhaven/linkhaven/internal/bookmarks"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const deviceIDKey = "device_id"

// StoreConfig configures the settings store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store reads and writes the client's local sync bookkeeping.
type Store struct {
	database *gorm.DB
	clock    func() time.Time
	logger   *zap.Logger
}

// NewStore constructs the store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, errors.New("settings: database is required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{database: cfg.Database, clock: clock, logger: logger}, nil
}

// DeviceID returns this installation's stable device identifier, creating it
// on first use. The identifier never changes for the lifetime of the local
// database.
func (s *Store) DeviceID(ctx context.Context) (string, error) {
	var row Setting
	err := s.database.WithContext(ctx).First(&row, "key = ?", deviceIDKey).Error
	if err == nil {
		return row.Value, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", err
	}

	generated, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	row = Setting{Key: deviceIDKey, Value: generated.String()}
	if err := s.database.WithContext(ctx).Create(&row).Error; err != nil {
		return "", err
	}
	s.logger.Info("generated device identity", zap.String("device_id", row.Value))
	return row.Value, nil
}

// Get returns the value for key, or empty string when unset.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	var row Setting
	err := s.database.WithContext(ctx).First(&row, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return row.Value, nil
}

// Set stores or replaces the value for key.
func (s *Store) Set(ctx context.Context, key, value string) error {
	row := Setting{Key: key, Value: value}
	return s.database.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}).Create(&row).Error
}

// SourceState returns the sync bookkeeping for one source. A source that has
// never synced yields the zero state.
func (s *Store) SourceState(ctx context.Context, sourceID string) (SourceState, error) {
	if strings.TrimSpace(sourceID) == "" {
		return SourceState{}, ErrInvalidSourceID
	}
	var row SourceState
	err := s.database.WithContext(ctx).First(&row, "source_id = ?", sourceID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return SourceState{SourceID: sourceID}, nil
	}
	if err != nil {
		return SourceState{}, err
	}
	return row, nil
}

// RecordSyncSuccess saves the post-sync checksum and timestamp and resets the
// failure counter.
func (s *Store) RecordSyncSuccess(ctx context.Context, sourceID, checksum string) error {
	if strings.TrimSpace(sourceID) == "" {
		return ErrInvalidSourceID
	}
	now := s.clock().UnixMilli()
	row := SourceState{
		SourceID:         sourceID,
		LastSyncAtMillis: now,
		Checksum:         checksum,
		UpdatedAtMillis:  now,
	}
	return s.database.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "source_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_sync_at_millis", "checksum", "consecutive_failures", "updated_at_millis"}),
	}).Create(&row).Error
}

// RecordSyncFailure increments the consecutive failure counter and returns
// the new count.
func (s *Store) RecordSyncFailure(ctx context.Context, sourceID string) (int, error) {
	if strings.TrimSpace(sourceID) == "" {
		return 0, ErrInvalidSourceID
	}

	var failures int
	err := s.database.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row SourceState
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&row, "source_id = ?", sourceID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			row = SourceState{SourceID: sourceID}
		} else if err != nil {
			return err
		}

		row.ConsecutiveFailures++
		row.UpdatedAtMillis = s.clock().UnixMilli()
		failures = row.ConsecutiveFailures
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "source_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"consecutive_failures", "updated_at_millis"}),
		}).Create(&row).Error
	})
	return failures, err
}

// ResetFailures clears the consecutive failure counter for one source.
func (s *Store) ResetFailures(ctx context.Context, sourceID string) error {
	if strings.TrimSpace(sourceID) == "" {
		return ErrInvalidSourceID
	}
	return s.database.WithContext(ctx).Model(&SourceState{}).
		Where("source_id = ?", sourceID).
		Updates(map[string]any{
			"consecutive_failures": 0,
			"updated_at_millis":    s.clock().UnixMilli(),
		}).Error
}

// AddTombstones records local deletions. An existing marker for the same URL
// is refreshed when the new deletion is more recent.
func (s *Store) AddTombstones(ctx context.Context, markers []bookmarks.Tombstone) error {
	if len(markers) == 0 {
		return nil
	}
	return s.database.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, marker := range markers {
			if strings.TrimSpace(marker.URL) == "" {
				continue
			}
			row := TombstoneRow{URL: marker.URL, DeletedAtMillis: marker.DeletedAt}
			err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "url"}},
				DoUpdates: clause.Assignments(map[string]any{"deleted_at_millis": marker.DeletedAt}),
				Where: clause.Where{Exprs: []clause.Expression{
					clause.Lt{Column: clause.Column{Table: "local_tombstones", Name: "deleted_at_millis"}, Value: marker.DeletedAt},
				}},
			}).Create(&row).Error
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// Tombstones returns every recorded deletion marker.
func (s *Store) Tombstones(ctx context.Context) ([]bookmarks.Tombstone, error) {
	var rows []TombstoneRow
	if err := s.database.WithContext(ctx).Order("url").Find(&rows).Error; err != nil {
		return nil, err
	}
	markers := make([]bookmarks.Tombstone, 0, len(rows))
	for _, row := range rows {
		markers = append(markers, bookmarks.Tombstone{URL: row.URL, DeletedAt: row.DeletedAtMillis})
	}
	return markers, nil
}

// PruneTombstones drops markers older than cutoffMillis and reports how many
// were removed.
func (s *Store) PruneTombstones(ctx context.Context, cutoffMillis int64) (int64, error) {
	result := s.database.WithContext(ctx).
		Where("deleted_at_millis < ?", cutoffMillis).
		Delete(&TombstoneRow{})
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		s.logger.Info("pruned tombstones",
			zap.Int64("removed", result.RowsAffected),
			zap.Int64("cutoff_millis", cutoffMillis))
	}
	return result.RowsAffected, nil
}

// ClearTombstones removes every marker. Used by reset.
func (s *Store) ClearTombstones(ctx context.Context) error {
	return s.database.WithContext(ctx).Where("1 = 1").Delete(&TombstoneRow{}).Error
}
