package bookmarks

import (
	"testing"
	"time"
)

const baseTimeMillis = int64(1700000000000)

func TestTombstoneFilterReturnsNothingOnFirstSync(t *testing.T) {
	filter := NewTombstoneFilter(nil)
	cloud := []Tombstone{{URL: "https://a.com", DeletedAt: baseTimeMillis - 1000}}

	if got := filter.Apply(cloud, nil, 0); len(got) != 0 {
		t.Fatalf("first sync must apply no tombstones, got %d", len(got))
	}
}

func TestTombstoneFilterReturnsNothingForEmptyCloudSet(t *testing.T) {
	filter := NewTombstoneFilter(nil)
	local := []Tombstone{{URL: "https://a.com", DeletedAt: baseTimeMillis}}

	if got := filter.Apply(nil, local, baseTimeMillis); len(got) != 0 {
		t.Fatalf("empty cloud set must apply no tombstones, got %d", len(got))
	}
}

func TestTombstoneFilterCorroboratesLocalDeletions(t *testing.T) {
	filter := NewTombstoneFilter(nil)
	// Older than last sync, but the local device recorded the same deletion.
	cloud := []Tombstone{{URL: "https://a.com", DeletedAt: baseTimeMillis - 5000}}
	local := []Tombstone{{URL: "https://a.com", DeletedAt: baseTimeMillis - 4000}}

	got := filter.Apply(cloud, local, baseTimeMillis)
	if len(got) != 1 || got[0].URL != "https://a.com" {
		t.Fatalf("corroborated tombstone must always apply, got %#v", got)
	}
}

func TestTombstoneFilterStalenessRule(t *testing.T) {
	filter := NewTombstoneFilter(nil)
	cloud := []Tombstone{
		{URL: "https://new.com", DeletedAt: baseTimeMillis + 500},
		{URL: "https://old.com", DeletedAt: baseTimeMillis - 500},
	}

	got := filter.Apply(cloud, nil, baseTimeMillis)
	if len(got) != 1 {
		t.Fatalf("expected exactly one surviving tombstone, got %d", len(got))
	}
	if got[0].URL != "https://new.com" {
		t.Fatalf("expected the post-sync deletion to survive, got %s", got[0].URL)
	}
}

func TestPruneTombstonesKeepsRecentMarkers(t *testing.T) {
	cutoff := time.UnixMilli(baseTimeMillis).UTC()
	markers := []Tombstone{
		{URL: "https://recent.com", DeletedAt: baseTimeMillis + 1},
		{URL: "https://ancient.com", DeletedAt: baseTimeMillis - 1},
	}

	kept := PruneTombstones(markers, cutoff)
	if len(kept) != 1 || kept[0].URL != "https://recent.com" {
		t.Fatalf("unexpected prune result: %#v", kept)
	}
}
