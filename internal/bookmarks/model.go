package bookmarks

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// FileFormatVersion is written into every envelope this client produces.
const FileFormatVersion = "1.0"

var (
	// ErrInvalidFile indicates that a bookmark envelope failed validation and
	// must not be written onward.
	ErrInvalidFile = errors.New("bookmarks: invalid bookmark file")
	// ErrInvalidTimestamp indicates that a timestamp value could not be parsed.
	ErrInvalidTimestamp = errors.New("bookmarks: invalid timestamp")
)

// EpochMillis is a wall-clock instant in milliseconds since the Unix epoch.
// On the wire it accepts either a number or an ISO-8601 string, since browser
// exports and remote envelopes disagree on the representation.
type EpochMillis int64

// Time converts the instant to a time.Time in UTC.
func (m EpochMillis) Time() time.Time {
	return time.UnixMilli(int64(m)).UTC()
}

// MarshalJSON always emits the numeric form.
func (m EpochMillis) MarshalJSON() ([]byte, error) {
	return []byte(strconv.FormatInt(int64(m), 10)), nil
}

// UnmarshalJSON accepts epoch milliseconds (number or numeric string) or an
// ISO-8601 string.
func (m *EpochMillis) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "null" {
		*m = 0
		return nil
	}

	if trimmed[0] == '"' {
		var raw string
		if err := json.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("%w: %s", ErrInvalidTimestamp, trimmed)
		}
		raw = strings.TrimSpace(raw)
		if raw == "" {
			*m = 0
			return nil
		}
		if numeric, err := strconv.ParseInt(raw, 10, 64); err == nil {
			*m = EpochMillis(numeric)
			return nil
		}
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return fmt.Errorf("%w: %s", ErrInvalidTimestamp, raw)
		}
		*m = EpochMillis(parsed.UnixMilli())
		return nil
	}

	var numeric float64
	if err := json.Unmarshal(data, &numeric); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidTimestamp, trimmed)
	}
	*m = EpochMillis(int64(numeric))
	return nil
}

// Bookmark is one synchronized bookmark entry. Identity for comparison is the
// (URL, FolderPath) pair; ID is a source-local identifier and never travels
// across devices as an identity key.
type Bookmark struct {
	URL        string      `json:"url"`
	Title      string      `json:"title,omitempty"`
	FolderPath string      `json:"folderPath,omitempty"`
	DateAdded  EpochMillis `json:"dateAdded,omitempty"`
	ID         string      `json:"id,omitempty"`
}

// Key is the portable identity of a bookmark. Two bookmarks with the same URL
// in different folders are distinct entries.
type Key struct {
	URL        string
	FolderPath string
}

// Key returns the portable identity of the bookmark.
func (b Bookmark) Key() Key {
	return Key{URL: b.URL, FolderPath: b.FolderPath}
}

// Tombstone records that a URL was intentionally deleted at a given time.
// Tombstones are append-only markers and are never mutated.
type Tombstone struct {
	URL       string `json:"url"`
	DeletedAt int64  `json:"deletedAt"`
}

// FileMetadata describes the envelope stored at a remote source. Checksum is
// the last-written fingerprint of the bookmarks array and is the cheap-compare
// key used to skip redundant writes.
type FileMetadata struct {
	CreatedAt    string `json:"createdAt"`
	LastModified string `json:"lastModified"`
	Source       string `json:"source"`
	Checksum     string `json:"checksum,omitempty"`
}

// BookmarkFile is the versioned JSON envelope written to remote storage.
type BookmarkFile struct {
	Version    string       `json:"version"`
	Metadata   FileMetadata `json:"metadata"`
	Bookmarks  []Bookmark   `json:"bookmarks"`
	Tombstones []Tombstone  `json:"tombstones,omitempty"`
}

// NewFile constructs a fresh envelope with checksum and timestamps populated.
func NewFile(source string, items []Bookmark, now time.Time) BookmarkFile {
	stamp := now.UTC().Format(time.RFC3339)
	return BookmarkFile{
		Version: FileFormatVersion,
		Metadata: FileMetadata{
			CreatedAt:    stamp,
			LastModified: stamp,
			Source:       source,
			Checksum:     Checksum(items),
		},
		Bookmarks: items,
	}
}

// Stamp recomputes the checksum and refreshes LastModified before a write.
// CreatedAt is set only when it has never been set; it is immutable afterwards.
func (f *BookmarkFile) Stamp(now time.Time) {
	stamp := now.UTC().Format(time.RFC3339)
	if f.Version == "" {
		f.Version = FileFormatVersion
	}
	if f.Metadata.CreatedAt == "" {
		f.Metadata.CreatedAt = stamp
	}
	f.Metadata.LastModified = stamp
	f.Metadata.Checksum = Checksum(f.Bookmarks)
}

// Validate checks the envelope for structural corruption. A file that fails
// validation must not be written to any source.
func (f BookmarkFile) Validate() error {
	if strings.TrimSpace(f.Version) == "" {
		return fmt.Errorf("%w: missing version", ErrInvalidFile)
	}
	for index, item := range f.Bookmarks {
		if strings.TrimSpace(item.URL) == "" {
			return fmt.Errorf("%w: bookmark %d has an empty url", ErrInvalidFile, index)
		}
	}
	for index, marker := range f.Tombstones {
		if strings.TrimSpace(marker.URL) == "" {
			return fmt.Errorf("%w: tombstone %d has an empty url", ErrInvalidFile, index)
		}
		if marker.DeletedAt <= 0 {
			return fmt.Errorf("%w: tombstone %d has an invalid deletedAt", ErrInvalidFile, index)
		}
	}
	return nil
}
