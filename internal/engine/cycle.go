package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/linkhaven/linkhaven/internal/bookmarks"
	"github.com/linkhaven/linkhaven/internal/browser"
	"github.com/linkhaven/linkhaven/internal/cloud"
	"github.com/linkhaven/linkhaven/internal/settings"
	"github.com/linkhaven/linkhaven/internal/source"
	"go.uber.org/zap"
)

// runCycle is one pass of the state machine: read both sides, compare,
// apply deletions, merge, write back whichever side is stale. The snapshots
// read here are the immutable working copy for the whole cycle; concurrent
// browser edits are picked up by the next cycle.
func (e *Engine) runCycle(ctx context.Context, src source.Source, state settings.SourceState) (Report, error) {
	local, err := e.browser.Snapshot(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("engine: read browser bookmarks: %w", err)
	}
	localTombstones, err := e.settings.Tombstones(ctx)
	if err != nil {
		return Report{}, err
	}

	remote, err := src.Read(ctx)
	if source.IsNotFound(err) {
		// First sync against an empty remote: push and create the envelope.
		return e.pushEnvelope(ctx, src, bookmarks.BookmarkFile{}, local, localTombstones, ActionPushed)
	}
	if err != nil {
		return Report{}, err
	}

	localChecksum := bookmarks.Checksum(local)
	remoteChecksum := remote.Metadata.Checksum
	if remoteChecksum == "" {
		remoteChecksum = bookmarks.Checksum(remote.Bookmarks)
	}

	if localChecksum == remoteChecksum {
		// Identical content: refresh bookkeeping only, no write issued.
		return Report{Action: ActionNone, Skipped: true, Checksum: localChecksum}, nil
	}

	policy := e.activePolicy()
	if cloudSource, ok := src.(CloudSyncer); ok {
		return e.runCloudCycle(ctx, src.ID(), cloudSource, state, local, localTombstones, remote, policy)
	}
	return e.runFileCycle(ctx, src, state, local, localTombstones, remote, localChecksum, remoteChecksum, policy)
}

// runFileCycle reconciles against a file-backed source, where last-modified
// timestamps arbitrate because only one device writes at a time.
func (e *Engine) runFileCycle(
	ctx context.Context,
	src source.Source,
	state settings.SourceState,
	local []bookmarks.Bookmark,
	localTombstones []bookmarks.Tombstone,
	remote bookmarks.BookmarkFile,
	localChecksum, remoteChecksum string,
	policy bookmarks.ConflictPolicy,
) (Report, error) {
	baseline := state.Checksum
	if baseline == "" {
		// Never synced with this source before: baseline is the empty set,
		// so an empty local side pulls instead of conflicting.
		baseline = bookmarks.Checksum(nil)
	}
	localChanged := localChecksum != baseline
	remoteChanged := remoteChecksum != baseline

	survivors := e.filter.Apply(remote.Tombstones, localTombstones, state.LastSyncAtMillis)

	switch {
	case remoteChanged && !localChanged:
		_, removed := bookmarks.RemoveByTombstones(local, survivors)
		applied, err := browser.Reconcile(ctx, e.browser, remote.Bookmarks)
		if err != nil {
			return Report{}, fmt.Errorf("engine: apply pulled bookmarks: %w", err)
		}
		return Report{
			Action:   ActionPulled,
			Deleted:  countDeletionsApplied(removed, remote.Bookmarks),
			Applied:  applied,
			Checksum: remoteChecksum,
		}, nil

	case localChanged && !remoteChanged:
		// Entries present remotely but gone locally are local deletions;
		// record them so other devices replay the delete instead of
		// resurrecting the entry.
		deletions := e.recordLocalDeletions(ctx, local, remote.Bookmarks)
		if deletions != nil {
			localTombstones = append(localTombstones, deletions...)
		}
		return e.pushEnvelope(ctx, src, remote, local, mergeTombstones(remote.Tombstones, localTombstones), ActionPushed)

	default:
		// Both sides moved since the last common state.
		kept, removed := bookmarks.RemoveByTombstones(local, survivors)

		var merged []bookmarks.Bookmark
		switch policy {
		case bookmarks.PolicyManual:
			return Report{Action: ActionConflict}, &ConflictError{
				SourceID: src.ID(),
				Local:    kept,
				Remote:   remote.Bookmarks,
			}
		case bookmarks.PolicyMerge:
			merged = bookmarks.MergeUnion(kept, remote.Bookmarks)
		default:
			if e.remoteIsNewer(remote, state) {
				merged = bookmarks.MergeNewestWins(remote.Bookmarks, kept)
			} else {
				merged = bookmarks.MergeNewestWins(kept, remote.Bookmarks)
			}
		}

		applied, err := browser.Reconcile(ctx, e.browser, merged)
		if err != nil {
			return Report{}, fmt.Errorf("engine: apply merged bookmarks: %w", err)
		}
		report, err := e.pushEnvelope(ctx, src, remote, merged, mergeTombstones(remote.Tombstones, localTombstones), ActionMerged)
		if err != nil {
			return Report{}, err
		}
		report.Deleted = len(removed)
		report.Applied = applied
		return report, nil
	}
}

// runCloudCycle defers ordering to the version counter. The resolver decides
// pushed, pulled, none, or conflict; the engine supplies merges.
func (e *Engine) runCloudCycle(
	ctx context.Context,
	sourceID string,
	cloudSource CloudSyncer,
	state settings.SourceState,
	local []bookmarks.Bookmark,
	localTombstones []bookmarks.Tombstone,
	remote bookmarks.BookmarkFile,
	policy bookmarks.ConflictPolicy,
) (Report, error) {
	survivors := e.filter.Apply(remote.Tombstones, localTombstones, state.LastSyncAtMillis)
	kept, removed := bookmarks.RemoveByTombstones(local, survivors)

	// An entry missing locally is only a deletion when the remote has not
	// moved since our last sync; otherwise it may be a remote addition.
	baseline := state.Checksum
	if baseline == "" {
		baseline = bookmarks.Checksum(nil)
	}
	remoteChecksum := remote.Metadata.Checksum
	if remoteChecksum == "" {
		remoteChecksum = bookmarks.Checksum(remote.Bookmarks)
	}
	if bookmarks.Checksum(local) != baseline && remoteChecksum == baseline {
		if deletions := e.recordLocalDeletions(ctx, local, remote.Bookmarks); deletions != nil {
			localTombstones = append(localTombstones, deletions...)
		}
	}

	localSnapshot := cloud.Snapshot{
		Bookmarks:  kept,
		Tombstones: mergeTombstones(remote.Tombstones, localTombstones),
	}

	result, err := cloudSource.SyncWithConflictDetection(ctx, localSnapshot)
	if err != nil {
		return Report{}, err
	}

	switch result.Action {
	case cloud.ActionPushed:
		applied, err := e.applyTombstoneRemovals(ctx, kept, removed)
		if err != nil {
			return Report{}, err
		}
		return Report{Action: ActionPushed, Deleted: len(removed), Applied: applied, Checksum: result.Checksum}, nil

	case cloud.ActionNone:
		// The cloud row already matches the surviving set, but tombstones may
		// still need applying to the browser.
		applied, err := e.applyTombstoneRemovals(ctx, kept, removed)
		if err != nil {
			return Report{}, err
		}
		if applied > 0 {
			return Report{Action: ActionPulled, Deleted: len(removed), Applied: applied, Checksum: result.Checksum}, nil
		}
		return Report{Action: ActionNone, Skipped: true, Checksum: result.Checksum}, nil

	case cloud.ActionPulled:
		applied, err := browser.Reconcile(ctx, e.browser, result.Remote.Bookmarks)
		if err != nil {
			return Report{}, fmt.Errorf("engine: apply pulled bookmarks: %w", err)
		}
		return Report{Action: ActionPulled, Deleted: countDeletionsApplied(removed, result.Remote.Bookmarks), Applied: applied, Checksum: result.Checksum}, nil

	default:
		if policy == bookmarks.PolicyManual {
			return Report{Action: ActionConflict}, &ConflictError{
				SourceID: sourceID,
				Local:    result.Local.Bookmarks,
				Remote:   result.Remote.Bookmarks,
			}
		}

		var merged []bookmarks.Bookmark
		if policy == bookmarks.PolicyMerge {
			merged = bookmarks.MergeUnion(kept, result.Remote.Bookmarks)
		} else {
			// The remote row holds a strictly newer version; it wins for
			// entries with divergent identity keys.
			merged = bookmarks.MergeNewestWins(result.Remote.Bookmarks, kept)
		}
		mergedSnapshot := cloud.Snapshot{
			Bookmarks:  merged,
			Tombstones: localSnapshot.Tombstones,
		}

		resolved, err := cloudSource.ResolveConflict(ctx, cloud.ResolutionMerge, localSnapshot, result.Remote, mergedSnapshot)
		if err != nil {
			return Report{}, err
		}
		applied, err := browser.Reconcile(ctx, e.browser, merged)
		if err != nil {
			return Report{}, fmt.Errorf("engine: apply merged bookmarks: %w", err)
		}
		return Report{Action: ActionMerged, Deleted: len(removed), Applied: applied, Checksum: resolved.Checksum}, nil
	}
}

// countDeletionsApplied reports how many tombstone-removed entries actually
// leave the browser on a pull. A tombstoned URL the final set still carries
// survives the reconcile and is not a deletion.
func countDeletionsApplied(removed, final []bookmarks.Bookmark) int {
	if len(removed) == 0 {
		return 0
	}
	present := make(map[string]struct{}, len(final))
	for _, item := range final {
		present[item.URL] = struct{}{}
	}
	count := 0
	for _, item := range removed {
		if _, ok := present[item.URL]; !ok {
			count++
		}
	}
	return count
}

// applyTombstoneRemovals reconciles the browser down to the surviving set
// when deletion markers removed entries from the working copy.
func (e *Engine) applyTombstoneRemovals(ctx context.Context, kept []bookmarks.Bookmark, removed []bookmarks.Bookmark) (int, error) {
	if len(removed) == 0 {
		return 0, nil
	}
	applied, err := browser.Reconcile(ctx, e.browser, kept)
	if err != nil {
		return 0, fmt.Errorf("engine: apply deletion markers: %w", err)
	}
	return applied, nil
}

// pushEnvelope writes items to the source, preserving the envelope's
// original createdAt when one exists.
func (e *Engine) pushEnvelope(
	ctx context.Context,
	src source.Source,
	base bookmarks.BookmarkFile,
	items []bookmarks.Bookmark,
	tombstones []bookmarks.Tombstone,
	action Action,
) (Report, error) {
	envelope := base
	envelope.Metadata.Source = src.Type()
	envelope.Bookmarks = items
	envelope.Tombstones = bookmarks.PruneTombstones(tombstones, e.clock().Add(-TombstoneRetention))

	if err := src.Write(ctx, &envelope); err != nil {
		return Report{}, err
	}
	return Report{Action: action, Checksum: envelope.Metadata.Checksum}, nil
}

// recordLocalDeletions creates tombstones for URLs the remote holds but the
// browser no longer does. Returns the new markers, already persisted.
func (e *Engine) recordLocalDeletions(ctx context.Context, local, remote []bookmarks.Bookmark) []bookmarks.Tombstone {
	localURLs := make(map[string]struct{}, len(local))
	for _, item := range local {
		localURLs[item.URL] = struct{}{}
	}

	now := e.clock().UnixMilli()
	var markers []bookmarks.Tombstone
	seen := make(map[string]struct{})
	for _, item := range remote {
		if _, present := localURLs[item.URL]; present {
			continue
		}
		if _, dup := seen[item.URL]; dup {
			continue
		}
		seen[item.URL] = struct{}{}
		markers = append(markers, bookmarks.Tombstone{URL: item.URL, DeletedAt: now})
	}
	if len(markers) == 0 {
		return nil
	}
	if err := e.settings.AddTombstones(ctx, markers); err != nil {
		e.logger.Warn("failed to persist local deletion markers", zap.Error(err))
	}
	return markers
}

// remoteIsNewer reports whether the remote envelope changed after this
// device's last successful sync with the source.
func (e *Engine) remoteIsNewer(remote bookmarks.BookmarkFile, state settings.SourceState) bool {
	modified, err := time.Parse(time.RFC3339, remote.Metadata.LastModified)
	if err != nil {
		return false
	}
	return modified.UnixMilli() > state.LastSyncAtMillis
}

// mergeTombstones unions two marker sets, keeping the newest deletion per URL.
func mergeTombstones(a, b []bookmarks.Tombstone) []bookmarks.Tombstone {
	byURL := make(map[string]bookmarks.Tombstone, len(a)+len(b))
	for _, marker := range a {
		byURL[marker.URL] = marker
	}
	for _, marker := range b {
		if existing, ok := byURL[marker.URL]; !ok || marker.DeletedAt > existing.DeletedAt {
			byURL[marker.URL] = marker
		}
	}
	if len(byURL) == 0 {
		return nil
	}
	merged := make([]bookmarks.Tombstone, 0, len(byURL))
	for _, marker := range byURL {
		merged = append(merged, marker)
	}
	return merged
}
