// Package settings persists the client's local sync bookkeeping: the stable
// device identity, per-source sync state, and locally recorded deletion
// markers. All of it lives in the client's sqlite database.
package settings

import "errors"

var (
	// ErrInvalidSourceID indicates an empty source identifier.
	ErrInvalidSourceID = errors.New("settings: source id must not be empty")
)

// Setting is a single key-value entry.
type Setting struct {
	Key   string `gorm:"column:key;primaryKey"`
	Value string `gorm:"column:value;not null"`
}

// TableName overrides the gorm default.
func (Setting) TableName() string {
	return "settings"
}

// SourceState is the per-source sync bookkeeping row. LastSyncAtMillis is the
// wall-clock instant of the last successful sync with that source, and
// Checksum is the fingerprint recorded at that instant. ConsecutiveFailures
// counts failed cycles since the last success.
type SourceState struct {
	SourceID            string `gorm:"column:source_id;primaryKey"`
	LastSyncAtMillis    int64  `gorm:"column:last_sync_at_millis;not null;default:0"`
	Checksum            string `gorm:"column:checksum;not null;default:''"`
	ConsecutiveFailures int    `gorm:"column:consecutive_failures;not null;default:0"`
	UpdatedAtMillis     int64  `gorm:"column:updated_at_millis;not null;default:0"`
}

// TableName overrides the gorm default.
func (SourceState) TableName() string {
	return "source_states"
}

// TombstoneRow records a local deletion so it can be replayed to remotes.
// URL is the key; a repeat deletion of the same URL refreshes DeletedAt.
type TombstoneRow struct {
	URL            string `gorm:"column:url;primaryKey"`
	DeletedAtMillis int64 `gorm:"column:deleted_at_millis;not null"`
}

// TableName overrides the gorm default.
func (TombstoneRow) TableName() string {
	return "local_tombstones"
}
