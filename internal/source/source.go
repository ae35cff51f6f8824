package source

import (
	"context"
	"time"

	"github.com/linkhaven/linkhaven/internal/bookmarks"
)

// Metadata describes the remote object without its content.
type Metadata struct {
	Checksum     string
	LastModified time.Time
	Revision     string
	Size         int64
}

// Source is the uniform contract every storage backend implements. Read
// either returns the full envelope or an error; it never partially applies.
// Write recomputes the envelope checksum and lastModified as part of the
// call, and on providers with a native conditional-write primitive it must
// fail with CONFLICT rather than silently overwrite a racing writer.
type Source interface {
	// ID identifies this configured source instance.
	ID() string
	// Type is the provider tag ("localfile", "github", "dropbox", "gdrive",
	// "clouddb").
	Type() string
	Read(ctx context.Context) (bookmarks.BookmarkFile, error)
	Write(ctx context.Context, data *bookmarks.BookmarkFile) error
	// GetChecksum returns the remote's last-written checksum. Adapters may
	// serve this cheaper than a full Read.
	GetChecksum(ctx context.Context) (string, error)
	// IsAvailable is a pre-flight check, never a substitute for handling
	// Read failures at call time.
	IsAvailable(ctx context.Context) bool
	ValidateConfig() error
	ValidateCredentials(ctx context.Context) (bool, error)
	RefreshCredentials(ctx context.Context) error
	GetMetadata(ctx context.Context) (Metadata, error)
}

// Config carries the per-source settings the factory needs. Fields are
// provider-specific; ValidateConfig on the constructed adapter reports which
// ones are missing.
type Config struct {
	ID       string
	Type     string
	UserID   string
	DeviceID string

	// localfile
	Path string

	// github
	Owner    string
	Repo     string
	Branch   string
	FilePath string

	// dropbox / gdrive / github
	Token string

	// gdrive
	FileID string

	// clouddb
	BaseURL string

	HTTPTimeout time.Duration
}

// DefaultHTTPTimeout bounds every provider network call.
const DefaultHTTPTimeout = 10 * time.Second

// Timeout returns the configured HTTP timeout or the default.
func (c Config) Timeout() time.Duration {
	if c.HTTPTimeout > 0 {
		return c.HTTPTimeout
	}
	return DefaultHTTPTimeout
}

// ChecksumViaRead is the default GetChecksum implementation: a full Read
// followed by extracting the stored metadata checksum.
func ChecksumViaRead(ctx context.Context, s Source) (string, error) {
	file, err := s.Read(ctx)
	if err != nil {
		return "", err
	}
	return file.Metadata.Checksum, nil
}

// AvailableViaRead is the default IsAvailable implementation: true iff Read
// would not fail. NOT_FOUND counts as available — the source is reachable,
// it just has no data yet.
func AvailableViaRead(ctx context.Context, s Source) bool {
	_, err := s.Read(ctx)
	if err == nil {
		return true
	}
	return IsNotFound(err)
}
