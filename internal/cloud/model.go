package cloud

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/linkhaven/linkhaven/internal/bookmarks"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("cloud: invalid user id")
	// ErrInvalidDeviceID indicates that a device identifier is empty or exceeds storage bounds.
	ErrInvalidDeviceID = errors.New("cloud: invalid device id")
	// ErrNoData indicates that no cloud row exists for the user yet.
	ErrNoData = errors.New("cloud: no bookmark data")
	// ErrVersionConflict indicates that a write was based on a stale version
	// and must re-read before retrying.
	ErrVersionConflict = errors.New("cloud: version conflict")
)

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// DeviceID represents a validated device identifier.
type DeviceID string

// NewDeviceID validates raw input and returns a DeviceID.
func NewDeviceID(rawInput string) (DeviceID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidDeviceID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidDeviceID, maxIdentifierLength)
	}
	return DeviceID(trimmed), nil
}

// String returns the underlying string identifier.
func (id DeviceID) String() string {
	return string(id)
}

// Snapshot is the logical content of the cloud row: the full bookmark set
// plus the deletion markers that travel with it.
type Snapshot struct {
	Bookmarks  []bookmarks.Bookmark  `json:"bookmarks"`
	Tombstones []bookmarks.Tombstone `json:"tombstones,omitempty"`
}

// Checksum fingerprints the snapshot's bookmark set.
func (s Snapshot) Checksum() string {
	return bookmarks.Checksum(s.Bookmarks)
}

func (s Snapshot) encode() (string, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func decodeSnapshot(raw string) (Snapshot, error) {
	if strings.TrimSpace(raw) == "" {
		return Snapshot{}, nil
	}
	var snapshot Snapshot
	if err := json.Unmarshal([]byte(raw), &snapshot); err != nil {
		return Snapshot{}, err
	}
	return snapshot, nil
}

// BookmarkRow holds one user's full bookmark set. Version increments by
// exactly 1 on every successful write and is the authority for ordering,
// independent of wall-clock time.
type BookmarkRow struct {
	UserID           string `gorm:"column:user_id;primaryKey;size:190;not null"`
	DataJSON         string `gorm:"column:data_json;type:text;not null"`
	Checksum         string `gorm:"column:checksum;size:64;not null"`
	Version          int64  `gorm:"column:version;not null;default:0"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (BookmarkRow) TableName() string {
	return "cloud_bookmarks"
}

// Snapshot decodes the stored bookmark payload.
func (r BookmarkRow) Snapshot() (Snapshot, error) {
	return decodeSnapshot(r.DataJSON)
}

// SyncState records what a device last synchronized to: one row per
// (user, device), created on first successful sync, updated after every
// outcome, deleted only when the device itself is removed.
type SyncState struct {
	UserID     string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	DeviceID   string    `gorm:"column:device_id;primaryKey;size:190;not null"`
	DeviceName string    `gorm:"column:device_name;size:190;not null;default:''"`
	LastSyncAt time.Time `gorm:"column:last_sync_at"`
	Checksum   string    `gorm:"column:checksum;size:64;not null;default:''"`
	Version    int64     `gorm:"column:version;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (SyncState) TableName() string {
	return "device_sync_states"
}

// Device is registered lazily on first cloud interaction. Removing a device
// cascades to deleting its SyncState.
type Device struct {
	UserID     string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	DeviceID   string    `gorm:"column:device_id;primaryKey;size:190;not null"`
	Name       string    `gorm:"column:name;size:190;not null;default:''"`
	Browser    string    `gorm:"column:browser;size:64;not null;default:''"`
	LastSeenAt time.Time `gorm:"column:last_seen_at"`
}

// TableName provides the explicit table binding for GORM.
func (Device) TableName() string {
	return "devices"
}
