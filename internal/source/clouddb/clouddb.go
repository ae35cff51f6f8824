// Package clouddb adapts the cloud bookmark store to the Source contract and
// exposes the version-counter conflict resolver to the sync engine. Unlike
// the file-based adapters, writes here are arbitrated by the cloud row's
// version, never by wall-clock timestamps.
package clouddb

import (
	"context"
	"errors"
	"time"

	"github.com/linkhaven/linkhaven/internal/bookmarks"
	"github.com/linkhaven/linkhaven/internal/cloud"
	"github.com/linkhaven/linkhaven/internal/source"
	"go.uber.org/zap"
)

// TypeTag is the factory tag for this adapter.
const TypeTag = "clouddb"

// Adapter implements source.Source over a cloud.Store. The store may be the
// embedded gorm store or the HTTP client for a remote linkhaven-cloud.
type Adapter struct {
	id       string
	userID   cloud.UserID
	deviceID cloud.DeviceID
	store    cloud.Store
	resolver *cloud.Resolver
	clock    func() time.Time
}

// New constructs the adapter with an HTTP store from configuration.
func New(cfg source.Config, logger *zap.Logger) (*Adapter, error) {
	store, err := cloud.NewHTTPStore(cloud.HTTPStoreConfig{
		BaseURL: cfg.BaseURL,
		Token:   cfg.Token,
		Timeout: cfg.Timeout(),
	})
	if err != nil {
		return nil, source.NewError(source.CodeValidation, "clouddb: "+err.Error(), err)
	}
	return NewWithStore(cfg, store, logger)
}

// NewWithStore constructs the adapter over an explicit store implementation.
func NewWithStore(cfg source.Config, store cloud.Store, logger *zap.Logger) (*Adapter, error) {
	userID, err := cloud.NewUserID(cfg.UserID)
	if err != nil {
		return nil, source.NewError(source.CodeValidation, "clouddb: user id is required", err)
	}
	deviceID, err := cloud.NewDeviceID(cfg.DeviceID)
	if err != nil {
		return nil, source.NewError(source.CodeValidation, "clouddb: device id is required", err)
	}

	resolver, err := cloud.NewResolver(cloud.ResolverConfig{Store: store, Logger: logger})
	if err != nil {
		return nil, source.NewError(source.CodeValidation, "clouddb: "+err.Error(), err)
	}

	adapter := &Adapter{
		id:       cfg.ID,
		userID:   userID,
		deviceID: deviceID,
		store:    store,
		resolver: resolver,
		clock:    time.Now,
	}
	if adapter.id == "" {
		adapter.id = TypeTag
	}
	return adapter, nil
}

func (a *Adapter) ID() string   { return a.id }
func (a *Adapter) Type() string { return TypeTag }

// ValidateConfig is satisfied at construction time.
func (a *Adapter) ValidateConfig() error {
	return nil
}

func (a *Adapter) Read(ctx context.Context) (bookmarks.BookmarkFile, error) {
	row, err := a.store.FetchRow(ctx, a.userID)
	if errors.Is(err, cloud.ErrNoData) {
		return bookmarks.BookmarkFile{}, source.NewError(source.CodeNotFound, "clouddb: no cloud data yet", err)
	}
	if err != nil {
		return bookmarks.BookmarkFile{}, classify(err)
	}

	file := bookmarks.BookmarkFile{
		Version: bookmarks.FileFormatVersion,
		Metadata: bookmarks.FileMetadata{
			Source:   TypeTag,
			Checksum: row.Checksum,
		},
		Bookmarks:  row.Snapshot.Bookmarks,
		Tombstones: row.Snapshot.Tombstones,
	}
	return file, nil
}

// Write force-pushes the envelope into the cloud row, bypassing conflict
// detection. Cycle-level reconciliation goes through the resolver instead.
func (a *Adapter) Write(ctx context.Context, data *bookmarks.BookmarkFile) error {
	data.Stamp(a.clock())
	if err := data.Validate(); err != nil {
		return source.NewError(source.CodeValidation, "clouddb: refusing to write corrupt envelope", err)
	}

	snapshot := cloud.Snapshot{Bookmarks: data.Bookmarks, Tombstones: data.Tombstones}
	if _, err := a.resolver.ForcePush(ctx, a.userID, a.deviceID, snapshot); err != nil {
		return classify(err)
	}
	return nil
}

func (a *Adapter) GetChecksum(ctx context.Context) (string, error) {
	row, err := a.store.FetchRow(ctx, a.userID)
	if errors.Is(err, cloud.ErrNoData) {
		return "", source.NewError(source.CodeNotFound, "clouddb: no cloud data yet", err)
	}
	if err != nil {
		return "", classify(err)
	}
	return row.Checksum, nil
}

func (a *Adapter) IsAvailable(ctx context.Context) bool {
	return source.AvailableViaRead(ctx, a)
}

// ValidateCredentials checks that the store accepts this client.
func (a *Adapter) ValidateCredentials(ctx context.Context) (bool, error) {
	_, err := a.store.FetchRow(ctx, a.userID)
	if err == nil || errors.Is(err, cloud.ErrNoData) {
		return true, nil
	}
	if source.CodeOf(err) == source.CodeUnauthorized {
		return false, nil
	}
	return false, classify(err)
}

// RefreshCredentials is a no-op: token refresh is the OAuth layer's job.
func (a *Adapter) RefreshCredentials(_ context.Context) error {
	return nil
}

func (a *Adapter) GetMetadata(ctx context.Context) (source.Metadata, error) {
	row, err := a.store.FetchRow(ctx, a.userID)
	if errors.Is(err, cloud.ErrNoData) {
		return source.Metadata{}, source.NewError(source.CodeNotFound, "clouddb: no cloud data yet", err)
	}
	if err != nil {
		return source.Metadata{}, classify(err)
	}
	return source.Metadata{Checksum: row.Checksum}, nil
}

// SyncWithConflictDetection runs the version-counter sync for this device.
func (a *Adapter) SyncWithConflictDetection(ctx context.Context, local cloud.Snapshot) (cloud.Result, error) {
	result, err := a.resolver.Sync(ctx, a.userID, a.deviceID, local)
	if err != nil {
		return cloud.Result{}, classify(err)
	}
	return result, nil
}

// ResolveConflict writes the chosen resolution after a conflict outcome.
func (a *Adapter) ResolveConflict(ctx context.Context, resolution cloud.Resolution, local, remote, merged cloud.Snapshot) (cloud.Result, error) {
	result, err := a.resolver.Resolve(ctx, a.userID, a.deviceID, resolution, local, remote, merged)
	if err != nil {
		return cloud.Result{}, classify(err)
	}
	return result, nil
}

// DeleteAll removes the cloud row and invalidates every device's sync state.
func (a *Adapter) DeleteAll(ctx context.Context) error {
	if err := a.store.DeleteRow(ctx, a.userID); err != nil {
		return classify(err)
	}
	return nil
}

// classify maps store failures onto the adapter taxonomy, passing through
// errors that already carry a code.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if source.CodeOf(err) != "" {
		return err
	}
	if errors.Is(err, cloud.ErrVersionConflict) {
		return source.NewError(source.CodeConflict, "clouddb: version conflict, re-read required", err)
	}
	return source.NewError(source.CodeNetwork, "clouddb: store failure", err)
}
