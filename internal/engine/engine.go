// Package engine orchestrates sync cycles between the browser's bookmarks
// and the configured remote sources. One cycle reads both sides, compares
// checksums, applies deletion markers, merges per the active conflict policy,
// and writes back whichever side is stale.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/linkhaven/linkhaven/internal/bookmarks"
	"github.com/linkhaven/linkhaven/internal/browser"
	"github.com/linkhaven/linkhaven/internal/cloud"
	"github.com/linkhaven/linkhaven/internal/settings"
	"github.com/linkhaven/linkhaven/internal/source"
	"go.uber.org/zap"
)

// DefaultFailureThreshold is the number of consecutive failed cycles after
// which scheduled syncs for a source pause until an explicit reset.
const DefaultFailureThreshold = 3

// TombstoneRetention bounds deletion-marker growth. Markers older than this
// are pruned after a successful cycle.
const TombstoneRetention = 90 * 24 * time.Hour

var (
	// ErrUnknownSource indicates a sync request for an unregistered source.
	ErrUnknownSource = errors.New("engine: unknown source")
	// ErrSyncPaused indicates the consecutive-failure threshold was hit and
	// the source needs an explicit reset before scheduled syncs resume.
	ErrSyncPaused = errors.New("engine: sync paused after repeated failures")
)

// Action is the data movement performed by one cycle.
type Action string

const (
	ActionNone        Action = "none"
	ActionPushed      Action = "pushed"
	ActionPulled      Action = "pulled"
	ActionMerged      Action = "merged"
	ActionConflict    Action = "conflict"
	ActionForcePushed Action = "force-pushed"
	ActionForcePulled Action = "force-pulled"
)

// Report describes one completed (or coalesced) sync cycle.
type Report struct {
	SourceID string
	Action   Action
	// Skipped is true when the remote write was elided because the remote
	// already held identical content.
	Skipped bool
	// Coalesced is true when the request folded into a cycle already in
	// flight; no work happened on this call.
	Coalesced bool
	// Deleted counts local bookmarks removed by surviving tombstones.
	Deleted int
	// Applied counts browser mutations performed while pulling.
	Applied  int
	Checksum string
	Duration time.Duration
}

// ConflictError is surfaced when the manual policy is active and both sides
// changed since the last sync. Nothing was written.
type ConflictError struct {
	SourceID string
	Local    []bookmarks.Bookmark
	Remote   []bookmarks.Bookmark
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("engine: %s: both sides changed since last sync, resolution required", e.SourceID)
}

// CloudSyncer is the optional capability a source exposes when its writes
// are arbitrated by a version counter instead of timestamps.
type CloudSyncer interface {
	SyncWithConflictDetection(ctx context.Context, local cloud.Snapshot) (cloud.Result, error)
	ResolveConflict(ctx context.Context, resolution cloud.Resolution, local, remote, merged cloud.Snapshot) (cloud.Result, error)
}

// Stats is the per-source counter block the status command reports.
type Stats struct {
	SourceID            string
	Cycles              int
	Failures            int
	ConsecutiveFailures int
	Paused              bool
	LastAction          Action
	LastError           string
	LastSyncAt          time.Time
}

// Config assembles an Engine.
type Config struct {
	Browser          browser.Collaborator
	Settings         *settings.Store
	Policy           bookmarks.ConflictPolicy
	FailureThreshold int
	Clock            func() time.Time
	Logger           *zap.Logger
}

// Engine runs sync cycles. At most one cycle per source is in flight; a
// request arriving mid-cycle coalesces into a single pending re-run.
type Engine struct {
	browser   browser.Collaborator
	settings  *settings.Store
	filter    *bookmarks.TombstoneFilter
	policy    bookmarks.ConflictPolicy
	threshold int
	clock     func() time.Time
	logger    *zap.Logger

	mu      sync.Mutex
	sources map[string]source.Source
	flights map[string]*flight
	stats   map[string]*Stats
}

type flight struct {
	mu      sync.Mutex
	pending atomic.Bool
}

// New constructs the engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Browser == nil {
		return nil, errors.New("engine: browser collaborator is required")
	}
	if cfg.Settings == nil {
		return nil, errors.New("engine: settings store is required")
	}
	policy := cfg.Policy
	if policy == "" {
		policy = bookmarks.PolicyNewestWins
	}
	threshold := cfg.FailureThreshold
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		browser:   cfg.Browser,
		settings:  cfg.Settings,
		filter:    bookmarks.NewTombstoneFilter(logger),
		policy:    policy,
		threshold: threshold,
		clock:     clock,
		logger:    logger,
		sources:   make(map[string]source.Source),
		flights:   make(map[string]*flight),
		stats:     make(map[string]*Stats),
	}, nil
}

// AddSource registers a source for syncing.
func (e *Engine) AddSource(src source.Source) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sources[src.ID()] = src
	if _, ok := e.flights[src.ID()]; !ok {
		e.flights[src.ID()] = &flight{}
	}
	if _, ok := e.stats[src.ID()]; !ok {
		e.stats[src.ID()] = &Stats{SourceID: src.ID()}
	}
}

// Sources lists registered source IDs.
func (e *Engine) Sources() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.sources))
	for id := range e.sources {
		ids = append(ids, id)
	}
	return ids
}

func (e *Engine) activePolicy() bookmarks.ConflictPolicy {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.policy
}

func (e *Engine) lookup(sourceID string) (source.Source, *flight, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	src, ok := e.sources[sourceID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownSource, sourceID)
	}
	return src, e.flights[sourceID], nil
}

// Sync runs one cycle against the named source. Scheduled callers receive
// ErrSyncPaused once the failure threshold is hit; Reset clears it.
func (e *Engine) Sync(ctx context.Context, sourceID string) (Report, error) {
	src, gate, err := e.lookup(sourceID)
	if err != nil {
		return Report{}, err
	}

	if !gate.tryAcquire() {
		return Report{SourceID: sourceID, Coalesced: true}, nil
	}
	defer gate.release()

	var report Report
	for {
		report, err = e.runGuarded(ctx, src)
		if gate.takePending() {
			continue
		}
		return report, err
	}
}

// SyncAll runs one cycle for every registered source, continuing past
// per-source failures.
func (e *Engine) SyncAll(ctx context.Context) []Report {
	reports := make([]Report, 0)
	for _, id := range e.Sources() {
		report, err := e.Sync(ctx, id)
		if err != nil {
			e.logger.Warn("sync cycle failed",
				zap.String("source_id", id),
				zap.Error(err))
		}
		reports = append(reports, report)
	}
	return reports
}

// Reset clears the consecutive-failure counter so scheduled syncs resume.
func (e *Engine) Reset(ctx context.Context, sourceID string) error {
	if _, _, err := e.lookup(sourceID); err != nil {
		return err
	}
	if err := e.settings.ResetFailures(ctx, sourceID); err != nil {
		return err
	}
	e.mu.Lock()
	if entry, ok := e.stats[sourceID]; ok {
		entry.ConsecutiveFailures = 0
		entry.Paused = false
		entry.LastError = ""
	}
	e.mu.Unlock()
	e.logger.Info("failure counter reset", zap.String("source_id", sourceID))
	return nil
}

// Stats returns a copy of the per-source counters.
func (e *Engine) Stats() []Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Stats, 0, len(e.stats))
	for _, entry := range e.stats {
		out = append(out, *entry)
	}
	return out
}

func (f *flight) tryAcquire() bool {
	if f.mu.TryLock() {
		return true
	}
	f.markPending()
	return false
}

func (f *flight) release() { f.mu.Unlock() }

// markPending is called by coalescing callers that do not hold the flight
// lock, so the flag must be atomic against the holder's takePending.
func (f *flight) markPending() {
	f.pending.Store(true)
}

func (f *flight) takePending() bool {
	return f.pending.Swap(false)
}

// runGuarded wraps one cycle with failure bookkeeping.
func (e *Engine) runGuarded(ctx context.Context, src source.Source) (Report, error) {
	state, err := e.settings.SourceState(ctx, src.ID())
	if err != nil {
		return Report{SourceID: src.ID()}, err
	}
	if state.ConsecutiveFailures >= e.threshold {
		e.setStats(src.ID(), func(s *Stats) {
			s.Paused = true
			s.ConsecutiveFailures = state.ConsecutiveFailures
		})
		return Report{SourceID: src.ID()}, source.NewError(source.CodeRetryLimit,
			fmt.Sprintf("engine: %s paused after %d consecutive failures, run reset to resume", src.ID(), state.ConsecutiveFailures),
			ErrSyncPaused)
	}

	started := e.clock()
	report, err := e.runCycle(ctx, src, state)
	report.SourceID = src.ID()
	report.Duration = e.clock().Sub(started)

	if err != nil {
		var conflict *ConflictError
		if errors.As(err, &conflict) {
			// A surfaced conflict is a decision point, not a source failure.
			e.setStats(src.ID(), func(s *Stats) {
				s.Cycles++
				s.LastAction = ActionConflict
				s.LastError = conflict.Error()
			})
			return report, err
		}
		failures, recordErr := e.settings.RecordSyncFailure(ctx, src.ID())
		if recordErr != nil {
			e.logger.Warn("failed to record sync failure", zap.Error(recordErr))
		}
		e.setStats(src.ID(), func(s *Stats) {
			s.Cycles++
			s.Failures++
			s.ConsecutiveFailures = failures
			s.Paused = failures >= e.threshold
			s.LastError = err.Error()
		})
		if failures >= e.threshold {
			return report, source.NewError(source.CodeRetryLimit,
				fmt.Sprintf("engine: %s hit the failure threshold", src.ID()), err)
		}
		return report, err
	}

	if err := e.settings.RecordSyncSuccess(ctx, src.ID(), report.Checksum); err != nil {
		return report, err
	}
	cutoff := e.clock().Add(-TombstoneRetention).UnixMilli()
	if _, err := e.settings.PruneTombstones(ctx, cutoff); err != nil {
		e.logger.Warn("tombstone prune failed", zap.Error(err))
	}
	e.setStats(src.ID(), func(s *Stats) {
		s.Cycles++
		s.ConsecutiveFailures = 0
		s.Paused = false
		s.LastAction = report.Action
		s.LastError = ""
		s.LastSyncAt = e.clock()
	})
	return report, nil
}

func (e *Engine) setStats(sourceID string, update func(*Stats)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.stats[sourceID]
	if !ok {
		entry = &Stats{SourceID: sourceID}
		e.stats[sourceID] = entry
	}
	update(entry)
}
