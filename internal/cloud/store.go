package cloud

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Row is the transport-neutral view of a user's cloud bookmark row.
type Row struct {
	Snapshot Snapshot
	Checksum string
	Version  int64
}

// Store is the cloud storage contract the resolver runs against. The gorm
// implementation serves the embedded/server mode; an HTTP client
// implementation speaks to a remote linkhaven-cloud service.
type Store interface {
	// FetchRow returns the user's row or ErrNoData.
	FetchRow(ctx context.Context, userID UserID) (Row, error)
	// StoreRow writes the snapshot iff the stored version still equals
	// expectedVersion, incrementing it by exactly 1. A stale expectation
	// fails with ErrVersionConflict; the caller must re-read.
	StoreRow(ctx context.Context, userID UserID, snapshot Snapshot, expectedVersion int64) (Row, error)
	// DeleteRow removes the user's row and every device's sync state, so the
	// next sync from any device treats the cloud as empty.
	DeleteRow(ctx context.Context, userID UserID) error

	FetchSyncState(ctx context.Context, userID UserID, deviceID DeviceID) (SyncState, bool, error)
	SaveSyncState(ctx context.Context, state SyncState) error

	ListDevices(ctx context.Context, userID UserID) ([]Device, error)
	TouchDevice(ctx context.Context, device Device) error
	// RemoveDevice deletes the device and cascades to its sync state.
	RemoveDevice(ctx context.Context, userID UserID, deviceID DeviceID) error
}

var errMissingDatabase = errors.New("cloud: database handle is required")

// DatabaseStore is the gorm-backed Store implementation.
type DatabaseStore struct {
	db    *gorm.DB
	clock func() time.Time
}

// DatabaseStoreConfig configures the gorm-backed store.
type DatabaseStoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// NewDatabaseStore constructs the store.
func NewDatabaseStore(cfg DatabaseStoreConfig) (*DatabaseStore, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &DatabaseStore{db: cfg.Database, clock: clock}, nil
}

func (s *DatabaseStore) FetchRow(ctx context.Context, userID UserID) (Row, error) {
	var stored BookmarkRow
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID.String()).
		Take(&stored).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Row{}, ErrNoData
	}
	if err != nil {
		return Row{}, fmt.Errorf("cloud: fetch row: %w", err)
	}

	snapshot, err := stored.Snapshot()
	if err != nil {
		return Row{}, fmt.Errorf("cloud: decode row: %w", err)
	}
	return Row{Snapshot: snapshot, Checksum: stored.Checksum, Version: stored.Version}, nil
}

func (s *DatabaseStore) StoreRow(ctx context.Context, userID UserID, snapshot Snapshot, expectedVersion int64) (Row, error) {
	encoded, err := snapshot.encode()
	if err != nil {
		return Row{}, fmt.Errorf("cloud: encode snapshot: %w", err)
	}
	checksum := snapshot.Checksum()

	var result Row
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock().UTC().Unix()

		var stored BookmarkRow
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("user_id = ?", userID.String()).
			Take(&stored).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			if expectedVersion != 0 {
				return ErrVersionConflict
			}
			created := BookmarkRow{
				UserID:           userID.String(),
				DataJSON:         encoded,
				Checksum:         checksum,
				Version:          1,
				CreatedAtSeconds: now,
				UpdatedAtSeconds: now,
			}
			if err := tx.Create(&created).Error; err != nil {
				return fmt.Errorf("cloud: create row: %w", err)
			}
			result = Row{Snapshot: snapshot, Checksum: checksum, Version: created.Version}
			return nil
		}
		if err != nil {
			return fmt.Errorf("cloud: select row: %w", err)
		}

		if stored.Version != expectedVersion {
			return ErrVersionConflict
		}

		stored.DataJSON = encoded
		stored.Checksum = checksum
		stored.Version = expectedVersion + 1
		stored.UpdatedAtSeconds = now
		if err := tx.Save(&stored).Error; err != nil {
			return fmt.Errorf("cloud: save row: %w", err)
		}
		result = Row{Snapshot: snapshot, Checksum: checksum, Version: stored.Version}
		return nil
	})
	if txErr != nil {
		return Row{}, txErr
	}
	return result, nil
}

func (s *DatabaseStore) DeleteRow(ctx context.Context, userID UserID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ?", userID.String()).Delete(&BookmarkRow{}).Error; err != nil {
			return fmt.Errorf("cloud: delete row: %w", err)
		}
		if err := tx.Where("user_id = ?", userID.String()).Delete(&SyncState{}).Error; err != nil {
			return fmt.Errorf("cloud: clear sync states: %w", err)
		}
		return nil
	})
}

func (s *DatabaseStore) FetchSyncState(ctx context.Context, userID UserID, deviceID DeviceID) (SyncState, bool, error) {
	var state SyncState
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND device_id = ?", userID.String(), deviceID.String()).
		Take(&state).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return SyncState{}, false, nil
	}
	if err != nil {
		return SyncState{}, false, fmt.Errorf("cloud: fetch sync state: %w", err)
	}
	return state, true, nil
}

func (s *DatabaseStore) SaveSyncState(ctx context.Context, state SyncState) error {
	if err := s.db.WithContext(ctx).Save(&state).Error; err != nil {
		return fmt.Errorf("cloud: save sync state: %w", err)
	}
	return nil
}

func (s *DatabaseStore) ListDevices(ctx context.Context, userID UserID) ([]Device, error) {
	var devices []Device
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID.String()).
		Order("last_seen_at DESC").
		Find(&devices).Error; err != nil {
		return nil, fmt.Errorf("cloud: list devices: %w", err)
	}
	return devices, nil
}

func (s *DatabaseStore) TouchDevice(ctx context.Context, device Device) error {
	// A touch from the sync path carries no name or browser; keep whatever an
	// explicit registration recorded instead of blanking it.
	var existing Device
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND device_id = ?", device.UserID, device.DeviceID).
		Take(&existing).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("cloud: touch device: %w", err)
	}
	if device.Name == "" {
		device.Name = existing.Name
	}
	if device.Browser == "" {
		device.Browser = existing.Browser
	}
	device.LastSeenAt = s.clock().UTC()
	if err := s.db.WithContext(ctx).Save(&device).Error; err != nil {
		return fmt.Errorf("cloud: touch device: %w", err)
	}
	return nil
}

func (s *DatabaseStore) RemoveDevice(ctx context.Context, userID UserID, deviceID DeviceID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ? AND device_id = ?", userID.String(), deviceID.String()).
			Delete(&Device{}).Error; err != nil {
			return fmt.Errorf("cloud: remove device: %w", err)
		}
		if err := tx.Where("user_id = ? AND device_id = ?", userID.String(), deviceID.String()).
			Delete(&SyncState{}).Error; err != nil {
			return fmt.Errorf("cloud: remove sync state: %w", err)
		}
		return nil
	})
}
