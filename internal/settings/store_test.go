package settings

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/linkhaven/linkhaven/internal/bookmarks"
	"gorm.io/gorm"
)

func TestDeviceIDIsStableAcrossCalls(t *testing.T) {
	store := newTestSettings(t)
	ctx := context.Background()

	first, err := store.DeviceID(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first == "" {
		t.Fatalf("device id must not be empty")
	}

	second, err := store.DeviceID(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second != first {
		t.Fatalf("device id must be stable, got %q then %q", first, second)
	}
}

func TestFailureCounterIncrementsAndResetsOnSuccess(t *testing.T) {
	store := newTestSettings(t)
	ctx := context.Background()

	for expected := 1; expected <= 3; expected++ {
		count, err := store.RecordSyncFailure(ctx, "github-main")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if count != expected {
			t.Fatalf("expected %d failures, got %d", expected, count)
		}
	}

	if err := store.RecordSyncSuccess(ctx, "github-main", "abc123"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	state, err := store.SourceState(ctx, "github-main")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state.ConsecutiveFailures != 0 {
		t.Fatalf("success must reset the failure counter, got %d", state.ConsecutiveFailures)
	}
	if state.Checksum != "abc123" {
		t.Fatalf("success must record the checksum, got %q", state.Checksum)
	}
	if state.LastSyncAtMillis == 0 {
		t.Fatalf("success must record the sync instant")
	}
}

func TestSourceStateForUnknownSourceIsZero(t *testing.T) {
	store := newTestSettings(t)

	state, err := store.SourceState(context.Background(), "never-seen")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state.LastSyncAtMillis != 0 || state.ConsecutiveFailures != 0 || state.Checksum != "" {
		t.Fatalf("expected zero state, got %#v", state)
	}

	if _, err := store.SourceState(context.Background(), "  "); !errors.Is(err, ErrInvalidSourceID) {
		t.Fatalf("expected ErrInvalidSourceID, got %v", err)
	}
}

func TestTombstonesKeepTheNewestDeletionPerURL(t *testing.T) {
	store := newTestSettings(t)
	ctx := context.Background()

	if err := store.AddTombstones(ctx, []bookmarks.Tombstone{
		{URL: "https://old.com", DeletedAt: 1000},
		{URL: "https://new.com", DeletedAt: 2000},
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// A newer deletion of the same URL refreshes the marker; an older one
	// must not roll it back.
	if err := store.AddTombstones(ctx, []bookmarks.Tombstone{
		{URL: "https://old.com", DeletedAt: 3000},
		{URL: "https://new.com", DeletedAt: 500},
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	markers, err := store.Tombstones(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	byURL := make(map[string]int64, len(markers))
	for _, marker := range markers {
		byURL[marker.URL] = marker.DeletedAt
	}
	if byURL["https://old.com"] != 3000 {
		t.Fatalf("expected refreshed marker at 3000, got %d", byURL["https://old.com"])
	}
	if byURL["https://new.com"] != 2000 {
		t.Fatalf("older deletion must not roll back the marker, got %d", byURL["https://new.com"])
	}
}

func TestPruneTombstonesDropsOnlyOldMarkers(t *testing.T) {
	store := newTestSettings(t)
	ctx := context.Background()

	if err := store.AddTombstones(ctx, []bookmarks.Tombstone{
		{URL: "https://ancient.com", DeletedAt: 100},
		{URL: "https://recent.com", DeletedAt: 9000},
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	removed, err := store.PruneTombstones(ctx, 5000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 pruned marker, got %d", removed)
	}

	markers, err := store.Tombstones(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(markers) != 1 || markers[0].URL != "https://recent.com" {
		t.Fatalf("unexpected markers after prune: %#v", markers)
	}
}

func TestSetOverwritesExistingValue(t *testing.T) {
	store := newTestSettings(t)
	ctx := context.Background()

	if err := store.Set(ctx, "conflict_policy", "newest-wins"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := store.Set(ctx, "conflict_policy", "manual"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	value, err := store.Get(ctx, "conflict_policy")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if value != "manual" {
		t.Fatalf("expected overwritten value, got %q", value)
	}
}

func newTestSettings(t *testing.T) *Store {
	t.Helper()

	dsn := fmt.Sprintf("file:settings_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Setting{}, &SourceState{}, &TombstoneRow{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	store, err := NewStore(StoreConfig{
		Database: db,
		Clock:    func() time.Time { return time.Unix(1700000600, 0).UTC() },
	})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	return store
}
