package engine

import (
	"context"
	"fmt"

	"github.com/linkhaven/linkhaven/internal/bookmarks"
	"github.com/linkhaven/linkhaven/internal/browser"
	"github.com/linkhaven/linkhaven/internal/cloud"
	"go.uber.org/zap"
)

// ForcePush unconditionally overwrites the remote with the browser's current
// bookmarks. The tombstone filter and merge logic are bypassed entirely;
// checksums are re-synchronized afterwards.
func (e *Engine) ForcePush(ctx context.Context, sourceID string) (Report, error) {
	src, gate, err := e.lookup(sourceID)
	if err != nil {
		return Report{}, err
	}
	gate.mu.Lock()
	defer gate.mu.Unlock()

	local, err := e.browser.Snapshot(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("engine: read browser bookmarks: %w", err)
	}

	envelope := bookmarks.NewFile(src.Type(), local, e.clock())
	if err := src.Write(ctx, &envelope); err != nil {
		return Report{}, fmt.Errorf("engine: force push did not complete, remote may be in a mixed state: %w", err)
	}

	report := Report{SourceID: sourceID, Action: ActionForcePushed, Checksum: envelope.Metadata.Checksum}
	if err := e.settings.RecordSyncSuccess(ctx, sourceID, report.Checksum); err != nil {
		return report, err
	}
	e.setStats(sourceID, func(s *Stats) {
		s.Cycles++
		s.ConsecutiveFailures = 0
		s.Paused = false
		s.LastAction = ActionForcePushed
		s.LastError = ""
		s.LastSyncAt = e.clock()
	})
	e.logger.Info("force push completed",
		zap.String("source_id", sourceID),
		zap.Int("bookmarks", len(local)))
	return report, nil
}

// ForcePull unconditionally overwrites the browser's bookmarks with the
// remote's, bypassing the tombstone filter and merge logic.
func (e *Engine) ForcePull(ctx context.Context, sourceID string) (Report, error) {
	src, gate, err := e.lookup(sourceID)
	if err != nil {
		return Report{}, err
	}
	gate.mu.Lock()
	defer gate.mu.Unlock()

	remote, err := src.Read(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("engine: force pull did not complete, local data unchanged: %w", err)
	}

	applied, err := browser.Reconcile(ctx, e.browser, remote.Bookmarks)
	if err != nil {
		return Report{}, fmt.Errorf("engine: force pull did not complete, local data may be in a mixed state: %w", err)
	}

	checksum := remote.Metadata.Checksum
	if checksum == "" {
		checksum = bookmarks.Checksum(remote.Bookmarks)
	}
	report := Report{SourceID: sourceID, Action: ActionForcePulled, Applied: applied, Checksum: checksum}
	if err := e.settings.RecordSyncSuccess(ctx, sourceID, checksum); err != nil {
		return report, err
	}
	e.setStats(sourceID, func(s *Stats) {
		s.Cycles++
		s.ConsecutiveFailures = 0
		s.Paused = false
		s.LastAction = ActionForcePulled
		s.LastError = ""
		s.LastSyncAt = e.clock()
	})
	e.logger.Info("force pull completed",
		zap.String("source_id", sourceID),
		zap.Int("applied", applied))
	return report, nil
}

// ResolveManual settles a conflict surfaced under the manual policy. Local
// and remote resolutions map onto force push and force pull; merge re-runs
// the cycle under the union policy.
func (e *Engine) ResolveManual(ctx context.Context, sourceID string, resolution cloud.Resolution) (Report, error) {
	switch resolution {
	case cloud.ResolutionLocal:
		return e.ForcePush(ctx, sourceID)
	case cloud.ResolutionRemote:
		return e.ForcePull(ctx, sourceID)
	case cloud.ResolutionMerge:
		return e.syncWithPolicy(ctx, sourceID, bookmarks.PolicyMerge)
	default:
		return Report{}, fmt.Errorf("%w: %q", cloud.ErrUnknownResolution, resolution)
	}
}

// syncWithPolicy runs one cycle with a policy override.
func (e *Engine) syncWithPolicy(ctx context.Context, sourceID string, policy bookmarks.ConflictPolicy) (Report, error) {
	e.mu.Lock()
	previous := e.policy
	e.policy = policy
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.policy = previous
		e.mu.Unlock()
	}()
	return e.Sync(ctx, sourceID)
}
