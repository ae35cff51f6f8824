package bookmarks

import (
	"time"

	"go.uber.org/zap"
)

var noOpLogger = zap.NewNop()

// TombstoneFilter decides which cloud deletion markers are safe to replay
// locally. Deletion is the one irreversible operation in the sync system, so
// the filter is deliberately asymmetric: it would rather leave an orphaned
// cloud tombstone unapplied than delete a bookmark the user did not ask to
// delete.
type TombstoneFilter struct {
	logger *zap.Logger
}

// NewTombstoneFilter constructs a filter. A nil logger disables diagnostics.
func NewTombstoneFilter(logger *zap.Logger) *TombstoneFilter {
	if logger == nil {
		logger = noOpLogger
	}
	return &TombstoneFilter{logger: logger}
}

// Apply returns the subset of cloudTombstones that should cause a same-URL
// local deletion. lastSyncMillis is the device's last successful sync time in
// epoch milliseconds; zero or negative means the device has never synced.
//
// A tombstone survives when the local device independently recorded the same
// deletion, or when the deletion happened after this device's last sync. A
// device that has never completed a sync applies nothing: it cannot tell a
// real remote deletion apart from its own empty tombstone store.
func (f *TombstoneFilter) Apply(cloudTombstones, localTombstones []Tombstone, lastSyncMillis int64) []Tombstone {
	if len(cloudTombstones) == 0 {
		return nil
	}
	if lastSyncMillis <= 0 {
		f.logger.Info("skipping all cloud tombstones on first sync",
			zap.Int("count", len(cloudTombstones)))
		return nil
	}

	localByURL := make(map[string]struct{}, len(localTombstones))
	for _, marker := range localTombstones {
		localByURL[marker.URL] = struct{}{}
	}

	applied := make([]Tombstone, 0, len(cloudTombstones))
	for _, marker := range cloudTombstones {
		if _, corroborated := localByURL[marker.URL]; corroborated {
			applied = append(applied, marker)
			continue
		}
		if marker.DeletedAt > lastSyncMillis {
			applied = append(applied, marker)
			continue
		}
		f.logger.Info("discarding stale cloud tombstone",
			zap.String("url", marker.URL),
			zap.Int64("deleted_at", marker.DeletedAt),
			zap.Int64("last_sync", lastSyncMillis))
	}
	return applied
}

// PruneTombstones drops markers older than the cutoff. Tombstones are
// append-only during a cycle; pruning happens only after a successful sync to
// bound storage growth.
func PruneTombstones(markers []Tombstone, cutoff time.Time) []Tombstone {
	cutoffMillis := cutoff.UnixMilli()
	kept := make([]Tombstone, 0, len(markers))
	for _, marker := range markers {
		if marker.DeletedAt >= cutoffMillis {
			kept = append(kept, marker)
		}
	}
	return kept
}
