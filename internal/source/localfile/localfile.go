// Package localfile stores the bookmark envelope as a JSON file on disk.
package localfile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/linkhaven/linkhaven/internal/bookmarks"
	"github.com/linkhaven/linkhaven/internal/source"
)

// TypeTag is the factory tag for this adapter.
const TypeTag = "localfile"

// Adapter implements source.Source over a local JSON file. Writes go through
// a temp file plus rename so a crashed write never leaves a torn envelope.
type Adapter struct {
	id    string
	path  string
	clock func() time.Time
}

// New constructs the adapter from configuration.
func New(cfg source.Config) (*Adapter, error) {
	adapter := &Adapter{id: cfg.ID, path: cfg.Path, clock: time.Now}
	if adapter.id == "" {
		adapter.id = TypeTag
	}
	if err := adapter.ValidateConfig(); err != nil {
		return nil, err
	}
	return adapter, nil
}

func (a *Adapter) ID() string   { return a.id }
func (a *Adapter) Type() string { return TypeTag }

// ValidateConfig ensures a file path was supplied.
func (a *Adapter) ValidateConfig() error {
	if strings.TrimSpace(a.path) == "" {
		return source.NewError(source.CodeValidation, "localfile: path is required", nil)
	}
	return nil
}

func (a *Adapter) Read(_ context.Context) (bookmarks.BookmarkFile, error) {
	raw, err := os.ReadFile(a.path)
	if errors.Is(err, fs.ErrNotExist) {
		return bookmarks.BookmarkFile{}, source.NewError(source.CodeNotFound, "localfile: no bookmark file yet", err)
	}
	if err != nil {
		return bookmarks.BookmarkFile{}, source.NewError(source.CodeNetwork, "localfile: read failed", err)
	}

	var file bookmarks.BookmarkFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return bookmarks.BookmarkFile{}, source.NewError(source.CodeValidation, "localfile: malformed envelope", err)
	}
	if err := file.Validate(); err != nil {
		return bookmarks.BookmarkFile{}, source.NewError(source.CodeValidation, "localfile: corrupt envelope", err)
	}
	return file, nil
}

func (a *Adapter) Write(_ context.Context, data *bookmarks.BookmarkFile) error {
	data.Stamp(a.clock())
	if err := data.Validate(); err != nil {
		return source.NewError(source.CodeValidation, "localfile: refusing to write corrupt envelope", err)
	}

	encoded, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return source.NewError(source.CodeValidation, "localfile: encode failed", err)
	}

	if err := os.MkdirAll(filepath.Dir(a.path), 0o755); err != nil {
		return source.NewError(source.CodeNetwork, "localfile: create directory failed", err)
	}
	tmp := fmt.Sprintf("%s.tmp.%d", a.path, a.clock().UnixNano())
	if err := os.WriteFile(tmp, encoded, 0o644); err != nil {
		return source.NewError(source.CodeNetwork, "localfile: write failed", err)
	}
	if err := os.Rename(tmp, a.path); err != nil {
		_ = os.Remove(tmp)
		return source.NewError(source.CodeNetwork, "localfile: rename failed", err)
	}
	return nil
}

func (a *Adapter) GetChecksum(ctx context.Context) (string, error) {
	return source.ChecksumViaRead(ctx, a)
}

func (a *Adapter) IsAvailable(ctx context.Context) bool {
	return source.AvailableViaRead(ctx, a)
}

// ValidateCredentials always succeeds: the filesystem needs none.
func (a *Adapter) ValidateCredentials(_ context.Context) (bool, error) {
	return true, nil
}

// RefreshCredentials is a no-op for the filesystem.
func (a *Adapter) RefreshCredentials(_ context.Context) error {
	return nil
}

func (a *Adapter) GetMetadata(ctx context.Context) (source.Metadata, error) {
	info, err := os.Stat(a.path)
	if errors.Is(err, fs.ErrNotExist) {
		return source.Metadata{}, source.NewError(source.CodeNotFound, "localfile: no bookmark file yet", err)
	}
	if err != nil {
		return source.Metadata{}, source.NewError(source.CodeNetwork, "localfile: stat failed", err)
	}

	checksum, err := a.GetChecksum(ctx)
	if err != nil {
		return source.Metadata{}, err
	}
	return source.Metadata{
		Checksum:     checksum,
		LastModified: info.ModTime().UTC(),
		Size:         info.Size(),
	}, nil
}
