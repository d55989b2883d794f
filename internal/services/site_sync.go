package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	indexrepo "github.com/yungbote/catalog-indexer/internal/data/repos/indexing"
	types "github.com/yungbote/catalog-indexer/internal/domain"
	"github.com/yungbote/catalog-indexer/internal/indexing/discovery"
	"github.com/yungbote/catalog-indexer/internal/indexing/dispatch"
	"github.com/yungbote/catalog-indexer/internal/indexing/livesync"
	"github.com/yungbote/catalog-indexer/internal/indexing/ratelimit"
	"github.com/yungbote/catalog-indexer/internal/observability"
	"github.com/yungbote/catalog-indexer/internal/pkg/dbctx"
	apperrors "github.com/yungbote/catalog-indexer/internal/pkg/errors"
	"github.com/yungbote/catalog-indexer/internal/platform/ctxutil"
	"github.com/yungbote/catalog-indexer/internal/platform/logger"
	"github.com/yungbote/catalog-indexer/internal/platform/searchapi"
	"github.com/yungbote/catalog-indexer/internal/siteconfig"
)

// ErrSyncInProgress is returned when a pass for the same site is still running.
var ErrSyncInProgress = errors.New("sync already in progress for site")

type SyncReport struct {
	SiteID    string               `json:"site_id"`
	RunID     string               `json:"run_id"`
	Discovery discovery.SiteResult `json:"discovery"`
	LiveSync  *livesync.Result     `json:"live_sync,omitempty"`
	Duration  time.Duration        `json:"duration"`
}

type SiteStats struct {
	SiteID         string   `json:"site_id"`
	Total          int64    `json:"total"`
	Indexable      int64    `json:"indexable"`
	PendingUpserts int64    `json:"pending_upserts"`
	PendingDeletes int64    `json:"pending_deletes"`
	Quarantined    int64    `json:"quarantined"`
	EntityTypes    []string `json:"entity_types"`
}

type SiteSyncService interface {
	Sites() []string
	// Sync runs Discovery and then one Live Sync pass for the site.
	Sync(ctx context.Context, siteID string) (SyncReport, error)
	// StartSync runs Sync in the background and returns its run id once the site lock is held.
	StartSync(ctx context.Context, siteID string) (string, error)
	Discover(ctx context.Context, siteID string) (discovery.SiteResult, error)
	LiveSync(ctx context.Context, siteID string) (livesync.Result, error)
	Stats(dbc dbctx.Context, siteID string) (SiteStats, error)
	SetIndexable(dbc dbctx.Context, siteID, entityType string, targetIDs []int64, indexable bool) (int64, error)
	Quarantined(dbc dbctx.Context, siteID string, limit int) ([]*types.IndexingFailure, error)
	ReleaseQuarantine(dbc dbctx.Context, siteID string, recordIDs []uint64) (int64, error)
}

// HandlerFactory builds the dispatch handlers for one site.
type HandlerFactory func(site siteconfig.Config) (dispatch.Handlers, error)

type SiteSyncOptions struct {
	// RateStore holds the per-site windows. Shared across passes so consecutive passes see one budget.
	RateStore       ratelimit.WindowStore
	DispatchTimeout time.Duration
	Handlers        HandlerFactory
	Metrics         *observability.Metrics
}

type siteSyncService struct {
	log       *logger.Logger
	sites     siteconfig.Provider
	records   indexrepo.IndexingRecordRepo
	failures  indexrepo.IndexingFailureRepo
	discovery *discovery.Engine
	processor *livesync.Processor
	store     ratelimit.WindowStore
	handlers  HandlerFactory
	metrics   *observability.Metrics

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewSiteSyncService(
	baseLog *logger.Logger,
	sites siteconfig.Provider,
	records indexrepo.IndexingRecordRepo,
	failures indexrepo.IndexingFailureRepo,
	engine *discovery.Engine,
	processor *livesync.Processor,
	opts SiteSyncOptions,
) SiteSyncService {
	log := baseLog.With("service", "SiteSyncService")
	if opts.RateStore == nil {
		opts.RateStore = ratelimit.NewMemoryStore()
	}
	if opts.Handlers == nil {
		timeout := opts.DispatchTimeout
		opts.Handlers = func(site siteconfig.Config) (dispatch.Handlers, error) {
			return dispatch.NewSearchAPIHandlers(log, searchapi.Config{
				Endpoint:  site.Endpoint,
				SecretKey: site.SecretKey,
				Timeout:   timeout,
			})
		}
	}
	return &siteSyncService{
		log:       log,
		sites:     sites,
		records:   records,
		failures:  failures,
		discovery: engine,
		processor: processor,
		store:     opts.RateStore,
		handlers:  opts.Handlers,
		metrics:   opts.Metrics,
		locks:     make(map[string]*sync.Mutex),
	}
}

func (s *siteSyncService) Sites() []string { return s.sites.Sites() }

// acquire takes the site's pass lock without waiting.
func (s *siteSyncService) acquire(siteID string) (func(), error) {
	s.mu.Lock()
	l, ok := s.locks[siteID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[siteID] = l
	}
	s.mu.Unlock()
	if !l.TryLock() {
		return nil, fmt.Errorf("site %s: %w", siteID, ErrSyncInProgress)
	}
	return l.Unlock, nil
}

func withRunID(ctx context.Context) (context.Context, string) {
	ctx = ctxutil.Default(ctx)
	td := ctxutil.GetTraceData(ctx)
	if td == nil {
		td = &ctxutil.TraceData{}
	} else {
		cp := *td
		td = &cp
	}
	if td.RunID == "" {
		td.RunID = uuid.NewString()
	}
	return ctxutil.WithTraceData(ctx, td), td.RunID
}

func (s *siteSyncService) Sync(ctx context.Context, siteID string) (SyncReport, error) {
	siteID = strings.TrimSpace(siteID)
	release, err := s.acquire(siteID)
	if err != nil {
		return SyncReport{SiteID: siteID}, err
	}
	defer release()
	ctx, _ = withRunID(ctx)
	return s.sync(ctx, siteID)
}

// sync expects the site lock to be held and a run id on ctx.
func (s *siteSyncService) sync(ctx context.Context, siteID string) (report SyncReport, err error) {
	start := time.Now()
	report.SiteID = siteID
	report.RunID = ctxutil.GetTraceData(ctx).RunID
	runID := report.RunID
	defer func() { report.Duration = time.Since(start) }()

	report.Discovery = s.runDiscovery(ctx, siteID)
	if report.Discovery.Skipped {
		return report, report.Discovery.Err
	}
	// A failed discovery pass leaves earlier proposals in place; dispatch still drains them.
	if report.Discovery.Err != nil {
		s.log.Warn("discovery failed; continuing with pending work", "site_id", siteID, "run_id", runID, "error", report.Discovery.Err)
	}

	res, err := s.liveSync(ctx, siteID)
	report.LiveSync = &res
	return report, err
}

func (s *siteSyncService) StartSync(ctx context.Context, siteID string) (string, error) {
	siteID = strings.TrimSpace(siteID)
	if _, ok := s.sites.GetConfig(siteID); !ok {
		return "", fmt.Errorf("site %s: %w", siteID, apperrors.ErrNotFound)
	}
	release, err := s.acquire(siteID)
	if err != nil {
		return "", err
	}
	ctx, runID := withRunID(context.WithoutCancel(ctx))
	go func() {
		defer release()
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("background sync panicked", "site_id", siteID, "run_id", runID, "panic", r)
			}
		}()
		if _, err := s.sync(ctx, siteID); err != nil {
			s.log.Warn("background sync failed", "site_id", siteID, "run_id", runID, "error", err)
		}
	}()
	return runID, nil
}

func (s *siteSyncService) Discover(ctx context.Context, siteID string) (discovery.SiteResult, error) {
	release, err := s.acquire(siteID)
	if err != nil {
		return discovery.SiteResult{SiteID: siteID}, err
	}
	defer release()
	ctx, _ = withRunID(ctx)
	res := s.runDiscovery(ctx, siteID)
	return res, res.Err
}

func (s *siteSyncService) LiveSync(ctx context.Context, siteID string) (livesync.Result, error) {
	release, err := s.acquire(siteID)
	if err != nil {
		return livesync.Result{SiteID: siteID}, err
	}
	defer release()
	ctx, _ = withRunID(ctx)
	return s.liveSync(ctx, siteID)
}

func (s *siteSyncService) runDiscovery(ctx context.Context, siteID string) discovery.SiteResult {
	res := s.discovery.RunSite(ctx, siteID)
	s.metrics.ObservePass(siteID, "discovery", passStatus(res.Skipped, res.Err), res.Duration)
	if !res.Skipped && res.Err == nil {
		s.metrics.ObserveDiscovery(siteID, res.Created, res.MarkedForDelete, res.PhasedOut, res.Revived)
	}
	return res
}

func (s *siteSyncService) liveSync(ctx context.Context, siteID string) (livesync.Result, error) {
	start := time.Now()
	res, err := s.runLiveSync(ctx, siteID)
	s.metrics.ObservePass(siteID, "livesync", passStatus(false, err), time.Since(start))
	return res, err
}

func passStatus(skipped bool, err error) string {
	switch {
	case skipped:
		return "skipped"
	case err != nil:
		return "failed"
	default:
		return "ok"
	}
}

func (s *siteSyncService) runLiveSync(ctx context.Context, siteID string) (livesync.Result, error) {
	site, ok := s.sites.GetConfig(siteID)
	if !ok {
		return livesync.Result{SiteID: siteID}, fmt.Errorf("site %s: %w", siteID, apperrors.ErrConfigurationIncomplete)
	}
	if err := site.Check(); err != nil {
		return livesync.Result{SiteID: siteID}, err
	}
	if !site.IsEnabled() {
		s.log.Info("live sync skipped: live indexing disabled", "site_id", siteID)
		return livesync.Result{SiteID: siteID}, nil
	}

	handlers, err := s.handlers(site)
	if err != nil {
		return livesync.Result{SiteID: siteID}, fmt.Errorf("site %s handlers: %w", siteID, err)
	}
	limiter, err := ratelimit.New(
		site.RequestsPerSecond,
		site.RequestsPerMinute,
		ratelimit.WithStore(s.store),
		ratelimit.WithKey("site:"+siteID),
	)
	if err != nil {
		return livesync.Result{SiteID: siteID}, fmt.Errorf("site %s limiter: %w", siteID, err)
	}
	if s.metrics != nil {
		oh := &observedHandlers{siteID: siteID, metrics: s.metrics, next: handlers}
		handlers = dispatch.Handlers{Delete: oh, Upsert: oh}
	}
	return s.processor.Run(ctx, livesync.Pass{Site: site, Handlers: handlers, Limiter: limiter})
}

// observedHandlers counts dispatch outcomes per action.
type observedHandlers struct {
	siteID  string
	metrics *observability.Metrics
	next    dispatch.Handlers
}

func (h *observedHandlers) Delete(ctx context.Context, target dispatch.Target) bool {
	ok := h.next.Delete.Delete(ctx, target)
	h.metrics.ObserveDispatch(h.siteID, types.ActionDelete.String(), boolCount(ok), boolCount(!ok))
	return ok
}

func (h *observedHandlers) Upsert(ctx context.Context, payload dispatch.Payload) bool {
	ok := h.next.Upsert.Upsert(ctx, payload)
	h.metrics.ObserveDispatch(h.siteID, types.ActionUpsert.String(), boolCount(ok), boolCount(!ok))
	return ok
}

func boolCount(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *siteSyncService) Stats(dbc dbctx.Context, siteID string) (SiteStats, error) {
	out := SiteStats{SiteID: siteID}
	if _, ok := s.sites.GetConfig(siteID); !ok {
		return out, fmt.Errorf("site %s: %w", siteID, apperrors.ErrNotFound)
	}
	upsert, del, yes := types.ActionUpsert, types.ActionDelete, true

	var err error
	if out.Total, err = s.records.Count(dbc, indexrepo.CountFilter{SiteID: siteID}); err != nil {
		return out, err
	}
	if out.Indexable, err = s.records.Count(dbc, indexrepo.CountFilter{SiteID: siteID, IsIndexable: &yes}); err != nil {
		return out, err
	}
	if out.PendingUpserts, err = s.records.Count(dbc, indexrepo.CountFilter{SiteID: siteID, NextAction: &upsert, IsIndexable: &yes}); err != nil {
		return out, err
	}
	if out.PendingDeletes, err = s.records.Count(dbc, indexrepo.CountFilter{SiteID: siteID, NextAction: &del}); err != nil {
		return out, err
	}
	if s.failures != nil {
		if out.Quarantined, err = s.failures.CountQuarantined(dbc, siteID); err != nil {
			return out, err
		}
	}
	if out.EntityTypes, err = s.records.DistinctEntityTypes(dbc, siteID); err != nil {
		return out, err
	}
	s.metrics.SetBacklog(siteID, out.PendingUpserts, out.PendingDeletes, out.Quarantined)
	return out, nil
}

func (s *siteSyncService) SetIndexable(dbc dbctx.Context, siteID, entityType string, targetIDs []int64, indexable bool) (int64, error) {
	site, ok := s.sites.GetConfig(siteID)
	if !ok {
		return 0, fmt.Errorf("site %s: %w", siteID, apperrors.ErrNotFound)
	}
	if entityType == "" {
		entityType = site.EntityType
	}
	if len(targetIDs) == 0 {
		return 0, apperrors.Validation("target_ids required")
	}
	if indexable {
		return s.records.SetIndexable(dbc, siteID, entityType, targetIDs)
	}
	return s.records.SetNotIndexable(dbc, siteID, entityType, targetIDs)
}

func (s *siteSyncService) Quarantined(dbc dbctx.Context, siteID string, limit int) ([]*types.IndexingFailure, error) {
	if s.failures == nil {
		return nil, nil
	}
	return s.failures.ListQuarantined(dbc, siteID, limit)
}

func (s *siteSyncService) ReleaseQuarantine(dbc dbctx.Context, siteID string, recordIDs []uint64) (int64, error) {
	if s.failures == nil {
		return 0, nil
	}
	n, err := s.failures.Release(dbc, siteID, recordIDs)
	if err != nil {
		return 0, err
	}
	s.log.Info("quarantine released", "site_id", siteID, "released", n)
	return n, nil
}
