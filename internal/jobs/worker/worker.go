package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yungbote/catalog-indexer/internal/platform/logger"
	"github.com/yungbote/catalog-indexer/internal/services"
)

// SiteSyncer is the slice of the site sync service the scheduler drives.
type SiteSyncer interface {
	Sites() []string
	Sync(ctx context.Context, siteID string) (services.SyncReport, error)
}

type Config struct {
	Interval    time.Duration
	Concurrency int
}

// Scheduler runs a sync pass for every configured site on each tick.
type Scheduler struct {
	log  *logger.Logger
	sync SiteSyncer
	cfg  Config
}

func NewScheduler(baseLog *logger.Logger, syncer SiteSyncer, cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &Scheduler{
		log:  baseLog.With("component", "SyncScheduler"),
		sync: syncer,
		cfg:  cfg,
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	s.log.Info("Starting sync scheduler", "interval", s.cfg.Interval, "concurrency", s.cfg.Concurrency)
	go s.runLoop(ctx)
}

func (s *Scheduler) runLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("Sync scheduler stopped")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick syncs all sites once, at most Concurrency at a time. A failing site is logged and
// never cancels the others; a site whose previous pass is still running is skipped.
func (s *Scheduler) Tick(ctx context.Context) {
	sites := s.sync.Sites()
	if len(sites) == 0 {
		return
	}
	var g errgroup.Group
	g.SetLimit(s.cfg.Concurrency)
	for _, siteID := range sites {
		siteID := siteID // per-iteration copy (go 1.21 loop semantics)
		g.Go(func() error {
			s.runSite(ctx, siteID)
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Scheduler) runSite(ctx context.Context, siteID string) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("Site sync panic", "site_id", siteID, "panic", r, "error", errFromRecover(r))
		}
	}()
	if ctx.Err() != nil {
		return
	}
	report, err := s.sync.Sync(ctx, siteID)
	switch {
	case errors.Is(err, services.ErrSyncInProgress):
		s.log.Debug("Site sync still running; tick skipped", "site_id", siteID)
	case err != nil:
		s.log.Warn("Site sync failed", "site_id", siteID, "run_id", report.RunID, "error", err)
	}
}

func errFromRecover(v any) error { return &panicError{Val: v} }

type panicError struct{ Val any }

func (e *panicError) Error() string { return fmt.Sprintf("panic: %v", e.Val) }
