package bookmarks

import (
	"encoding/json"
	"testing"
	"time"
)

func TestEpochMillisUnmarshalAcceptsNumberAndISO(t *testing.T) {
	tests := []struct {
		name     string
		payload  string
		expected int64
	}{
		{name: "number", payload: `1700000000000`, expected: 1700000000000},
		{name: "float", payload: `1700000000000.0`, expected: 1700000000000},
		{name: "numeric-string", payload: `"1700000000000"`, expected: 1700000000000},
		{name: "iso", payload: `"2023-11-14T22:13:20Z"`, expected: 1700000000000},
		{name: "null", payload: `null`, expected: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var value EpochMillis
			if err := json.Unmarshal([]byte(tt.payload), &value); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if int64(value) != tt.expected {
				t.Fatalf("expected %d, got %d", tt.expected, int64(value))
			}
		})
	}
}

func TestEpochMillisUnmarshalRejectsGarbage(t *testing.T) {
	var value EpochMillis
	if err := json.Unmarshal([]byte(`"next tuesday"`), &value); err == nil {
		t.Fatalf("expected error for unparseable timestamp")
	}
}

func TestBookmarkFileRoundTrip(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	file := NewFile("github", []Bookmark{
		{URL: "https://go.dev", Title: "Go", FolderPath: "Bookmarks Bar/Dev", DateAdded: 1690000000000},
	}, now)
	file.Tombstones = []Tombstone{{URL: "https://gone.com", DeletedAt: 1695000000000}}

	encoded, err := json.Marshal(file)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var decoded BookmarkFile
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if decoded.Version != FileFormatVersion {
		t.Fatalf("unexpected version %q", decoded.Version)
	}
	if decoded.Metadata.Checksum != Checksum(decoded.Bookmarks) {
		t.Fatalf("metadata checksum must match bookmark content")
	}
	if len(decoded.Tombstones) != 1 || decoded.Tombstones[0].DeletedAt != 1695000000000 {
		t.Fatalf("tombstones did not survive the round trip: %#v", decoded.Tombstones)
	}
}

func TestStampPreservesCreatedAt(t *testing.T) {
	created := time.Unix(1700000000, 0).UTC()
	file := NewFile("dropbox", nil, created)

	later := created.Add(48 * time.Hour)
	file.Bookmarks = []Bookmark{{URL: "https://go.dev"}}
	file.Stamp(later)

	if file.Metadata.CreatedAt != created.Format(time.RFC3339) {
		t.Fatalf("createdAt must be immutable once set, got %s", file.Metadata.CreatedAt)
	}
	if file.Metadata.LastModified != later.Format(time.RFC3339) {
		t.Fatalf("lastModified must refresh on stamp, got %s", file.Metadata.LastModified)
	}
	if file.Metadata.Checksum != Checksum(file.Bookmarks) {
		t.Fatalf("stamp must recompute the checksum")
	}
}

func TestValidateRejectsCorruptEnvelopes(t *testing.T) {
	tests := []struct {
		name string
		file BookmarkFile
	}{
		{name: "missing-version", file: BookmarkFile{}},
		{
			name: "empty-bookmark-url",
			file: BookmarkFile{Version: FileFormatVersion, Bookmarks: []Bookmark{{URL: "  "}}},
		},
		{
			name: "empty-tombstone-url",
			file: BookmarkFile{Version: FileFormatVersion, Tombstones: []Tombstone{{DeletedAt: 1}}},
		},
		{
			name: "invalid-deleted-at",
			file: BookmarkFile{Version: FileFormatVersion, Tombstones: []Tombstone{{URL: "https://a.com"}}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.file.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}

	valid := NewFile("local", []Bookmark{{URL: "https://go.dev"}}, time.Now())
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid envelope rejected: %v", err)
	}
}
