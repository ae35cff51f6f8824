package engine

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// DefaultInterval is the period between scheduled sync passes.
const DefaultInterval = 5 * time.Minute

// SchedulerConfig assembles a Scheduler.
type SchedulerConfig struct {
	Engine   *Engine
	Interval time.Duration
	// Changes, when non-nil, feeds browser file-watcher notifications into
	// the schedule. Each notification runs a full sync pass.
	Changes <-chan struct{}
	Logger  *zap.Logger
}

// Scheduler drives periodic sync passes and folds in manual and watcher
// triggers. Per-source single-flight is the engine's job; the scheduler only
// decides when passes start.
type Scheduler struct {
	engine   *Engine
	interval time.Duration
	changes  <-chan struct{}
	trigger  chan string
	logger   *zap.Logger
}

// NewScheduler constructs the scheduler.
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Engine == nil {
		return nil, errors.New("engine: scheduler requires an engine")
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		engine:   cfg.Engine,
		interval: interval,
		changes:  cfg.Changes,
		trigger:  make(chan string, 8),
		logger:   logger,
	}, nil
}

// Trigger requests an immediate sync of one source, or of every source when
// sourceID is empty. Non-blocking; a full trigger queue drops the request
// because a pass is already imminent.
func (s *Scheduler) Trigger(sourceID string) {
	select {
	case s.trigger <- sourceID:
	default:
	}
}

// Run blocks until ctx is cancelled, starting sync passes on the ticker and
// on triggers. Paused sources stay paused; their reports carry the retry
// limit error until reset.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("scheduler started", zap.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return ctx.Err()

		case <-ticker.C:
			s.pass(ctx, "")

		case sourceID := <-s.trigger:
			s.pass(ctx, sourceID)

		case _, ok := <-s.changes:
			if !ok {
				s.changes = nil
				continue
			}
			s.logger.Debug("browser bookmarks changed, syncing")
			s.pass(ctx, "")
		}
	}
}

func (s *Scheduler) pass(ctx context.Context, sourceID string) {
	if sourceID == "" {
		for _, report := range s.engine.SyncAll(ctx) {
			s.observe(report)
		}
		return
	}
	report, err := s.engine.Sync(ctx, sourceID)
	if err != nil {
		s.logger.Warn("sync failed", zap.String("source_id", sourceID), zap.Error(err))
		return
	}
	s.observe(report)
}

func (s *Scheduler) observe(report Report) {
	if report.Coalesced {
		return
	}
	s.logger.Info("sync cycle finished",
		zap.String("source_id", report.SourceID),
		zap.String("action", string(report.Action)),
		zap.Bool("skipped", report.Skipped),
		zap.Int("deleted", report.Deleted),
		zap.Int("applied", report.Applied),
		zap.Duration("duration", report.Duration))
}
