package cloud

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/linkhaven/linkhaven/internal/bookmarks"
	"go.uber.org/zap"
)

// Action is the outcome of one conflict-detected sync attempt.
type Action string

const (
	// ActionPushed means local data replaced the cloud row.
	ActionPushed Action = "pushed"
	// ActionPulled means cloud data should replace local data.
	ActionPulled Action = "pulled"
	// ActionNone means both sides were already identical.
	ActionNone Action = "none"
	// ActionConflict means both sides diverged from the last common state and
	// the caller must choose a resolution. Nothing was written.
	ActionConflict Action = "conflict"
)

// Resolution names the caller's choice when a conflict is surfaced.
type Resolution string

const (
	// ResolutionLocal keeps the local snapshot.
	ResolutionLocal Resolution = "local"
	// ResolutionRemote keeps the remote snapshot.
	ResolutionRemote Resolution = "remote"
	// ResolutionMerge writes caller-supplied pre-merged data. Computing the
	// merge is the sync engine's job, not this component's.
	ResolutionMerge Resolution = "merge"
)

var (
	// ErrMergedDataRequired indicates a merge resolution without merged data.
	ErrMergedDataRequired = errors.New("cloud: merge resolution requires merged data")
	// ErrUnknownResolution indicates an unrecognized resolution name.
	ErrUnknownResolution = errors.New("cloud: unknown resolution")

	noOpLogger = zap.NewNop()
)

// Result reports one sync or resolve attempt. On ActionPulled and
// ActionConflict, Remote carries the cloud snapshot; on ActionConflict,
// Local carries the snapshot the device submitted.
type Result struct {
	Action   Action
	Conflict bool
	Remote   Snapshot
	Local    Snapshot
	Version  int64
	Checksum string
}

// decide is the pure decision table for conflict-detected sync. Version
// numbers, not timestamps, are authoritative for ordering: clock skew across
// devices must not affect the outcome. lastSyncedChecksum for a device that
// has never synced is the empty-set checksum, so a fresh device with no local
// bookmarks pulls instead of conflicting.
func decide(localChecksum, remoteChecksum, lastSyncedChecksum string, remoteVersion, lastSyncedVersion int64) Action {
	switch {
	case remoteVersion == 0:
		return ActionPushed
	case localChecksum == remoteChecksum:
		return ActionNone
	case remoteVersion > lastSyncedVersion && localChecksum == lastSyncedChecksum:
		return ActionPulled
	case remoteVersion > lastSyncedVersion:
		return ActionConflict
	default:
		return ActionPushed
	}
}

// ResolverConfig configures the conflict resolver.
type ResolverConfig struct {
	Store  Store
	Clock  func() time.Time
	Logger *zap.Logger
}

// Resolver arbitrates multi-writer sync against the cloud store using the
// version counter. File-based sources never need this; only the cloud row has
// true multi-writer concurrency.
type Resolver struct {
	store  Store
	clock  func() time.Time
	logger *zap.Logger
}

// NewResolver constructs the resolver.
func NewResolver(cfg ResolverConfig) (*Resolver, error) {
	if cfg.Store == nil {
		return nil, errors.New("cloud: store is required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Resolver{store: cfg.Store, clock: clock, logger: logger}, nil
}

// Sync runs one conflict-detected sync attempt for the device. On conflict it
// returns both snapshots and writes nothing.
func (r *Resolver) Sync(ctx context.Context, userID UserID, deviceID DeviceID, local Snapshot) (Result, error) {
	row, err := r.store.FetchRow(ctx, userID)
	if errors.Is(err, ErrNoData) {
		row = Row{Version: 0}
	} else if err != nil {
		return Result{}, err
	}

	state, hasState, err := r.store.FetchSyncState(ctx, userID, deviceID)
	if err != nil {
		return Result{}, err
	}
	lastSyncedChecksum := state.Checksum
	if !hasState {
		// Never-synced baseline is the empty set.
		lastSyncedChecksum = bookmarks.Checksum(nil)
	}

	localChecksum := local.Checksum()
	action := decide(localChecksum, row.Checksum, lastSyncedChecksum, row.Version, state.Version)
	r.logger.Debug("cloud sync decision",
		zap.String("user_id", userID.String()),
		zap.String("device_id", deviceID.String()),
		zap.String("action", string(action)),
		zap.Int64("remote_version", row.Version),
		zap.Int64("last_synced_version", state.Version))

	switch action {
	case ActionPushed:
		written, err := r.store.StoreRow(ctx, userID, local, row.Version)
		if err != nil {
			return Result{}, err
		}
		if err := r.saveState(ctx, userID, deviceID, state, written.Version, written.Checksum); err != nil {
			return Result{}, err
		}
		return Result{Action: ActionPushed, Version: written.Version, Checksum: written.Checksum}, nil

	case ActionNone:
		if err := r.saveState(ctx, userID, deviceID, state, row.Version, row.Checksum); err != nil {
			return Result{}, err
		}
		return Result{Action: ActionNone, Version: row.Version, Checksum: row.Checksum}, nil

	case ActionPulled:
		if err := r.saveState(ctx, userID, deviceID, state, row.Version, row.Checksum); err != nil {
			return Result{}, err
		}
		return Result{Action: ActionPulled, Remote: row.Snapshot, Version: row.Version, Checksum: row.Checksum}, nil

	default:
		return Result{
			Action:   ActionConflict,
			Conflict: true,
			Remote:   row.Snapshot,
			Local:    local,
			Version:  row.Version,
			Checksum: row.Checksum,
		}, nil
	}
}

// Resolve writes the chosen snapshot after a conflict, advancing the version
// counter and unifying the conflict path back into normal bookkeeping.
func (r *Resolver) Resolve(ctx context.Context, userID UserID, deviceID DeviceID, resolution Resolution, local, remote, merged Snapshot) (Result, error) {
	var final Snapshot
	switch resolution {
	case ResolutionLocal:
		final = local
	case ResolutionRemote:
		final = remote
	case ResolutionMerge:
		if merged.Bookmarks == nil {
			return Result{}, ErrMergedDataRequired
		}
		final = merged
	default:
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownResolution, resolution)
	}

	row, err := r.store.FetchRow(ctx, userID)
	if errors.Is(err, ErrNoData) {
		row = Row{Version: 0}
	} else if err != nil {
		return Result{}, err
	}

	written, err := r.store.StoreRow(ctx, userID, final, row.Version)
	if err != nil {
		return Result{}, err
	}

	state, _, err := r.store.FetchSyncState(ctx, userID, deviceID)
	if err != nil {
		return Result{}, err
	}
	if err := r.saveState(ctx, userID, deviceID, state, written.Version, written.Checksum); err != nil {
		return Result{}, err
	}

	r.logger.Info("cloud conflict resolved",
		zap.String("user_id", userID.String()),
		zap.String("device_id", deviceID.String()),
		zap.String("resolution", string(resolution)),
		zap.Int64("version", written.Version))
	return Result{Action: ActionPushed, Remote: final, Version: written.Version, Checksum: written.Checksum}, nil
}

// ForcePush unconditionally overwrites the cloud row with the local snapshot,
// bypassing conflict detection. Retries once per version race so a concurrent
// writer cannot make the overwrite fail spuriously.
func (r *Resolver) ForcePush(ctx context.Context, userID UserID, deviceID DeviceID, local Snapshot) (Result, error) {
	for attempt := 0; attempt < 2; attempt++ {
		row, err := r.store.FetchRow(ctx, userID)
		if errors.Is(err, ErrNoData) {
			row = Row{Version: 0}
		} else if err != nil {
			return Result{}, err
		}

		written, err := r.store.StoreRow(ctx, userID, local, row.Version)
		if errors.Is(err, ErrVersionConflict) {
			continue
		}
		if err != nil {
			return Result{}, err
		}

		state, _, err := r.store.FetchSyncState(ctx, userID, deviceID)
		if err != nil {
			return Result{}, err
		}
		if err := r.saveState(ctx, userID, deviceID, state, written.Version, written.Checksum); err != nil {
			return Result{}, err
		}
		return Result{Action: ActionPushed, Version: written.Version, Checksum: written.Checksum}, nil
	}
	return Result{}, ErrVersionConflict
}

func (r *Resolver) saveState(ctx context.Context, userID UserID, deviceID DeviceID, previous SyncState, version int64, checksum string) error {
	state := SyncState{
		UserID:     userID.String(),
		DeviceID:   deviceID.String(),
		DeviceName: previous.DeviceName,
		LastSyncAt: r.clock().UTC(),
		Checksum:   checksum,
		Version:    version,
	}
	if err := r.store.SaveSyncState(ctx, state); err != nil {
		return err
	}
	// Devices register lazily: the first completed sync creates the row, every
	// later one refreshes lastSeenAt. A bookkeeping failure here must not fail
	// a sync whose data already landed.
	if err := r.store.TouchDevice(ctx, Device{
		UserID:   userID.String(),
		DeviceID: deviceID.String(),
		Name:     previous.DeviceName,
	}); err != nil {
		r.logger.Warn("device registration failed",
			zap.String("user_id", userID.String()),
			zap.String("device_id", deviceID.String()),
			zap.Error(err))
	}
	return nil
}
