package app

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/yungbote/catalog-indexer/internal/catalog"
	indexrepo "github.com/yungbote/catalog-indexer/internal/data/repos/indexing"
	"github.com/yungbote/catalog-indexer/internal/http/handlers"
	"github.com/yungbote/catalog-indexer/internal/indexing/discovery"
	"github.com/yungbote/catalog-indexer/internal/indexing/livesync"
	"github.com/yungbote/catalog-indexer/internal/indexing/ratelimit"
	"github.com/yungbote/catalog-indexer/internal/jobs/worker"
	"github.com/yungbote/catalog-indexer/internal/observability"
	"github.com/yungbote/catalog-indexer/internal/platform/logger"
	"github.com/yungbote/catalog-indexer/internal/services"
	"github.com/yungbote/catalog-indexer/internal/siteconfig"
	"github.com/yungbote/catalog-indexer/internal/temporalx/sitesync"
	"github.com/yungbote/catalog-indexer/internal/temporalx/temporalworker"
)

type Services struct {
	SiteSync  services.SiteSyncService
	Starter   handlers.SyncStarter
	Scheduler *worker.Scheduler
	Temporal  *temporalworker.Runner
}

func wireServices(
	db *gorm.DB,
	log *logger.Logger,
	cfg Config,
	sites siteconfig.Provider,
	repos Repos,
	clients Clients,
	metrics *observability.Metrics,
) (Services, error) {
	log.Info("Wiring services...")

	source := catalog.NewSource(db, log)
	payloads := catalog.NewPayloadBuilder(db, log)
	engine := discovery.NewEngine(log, repos.IndexingRecord, source, sites, discovery.Config{})
	processor := livesync.NewProcessor(log, repos.IndexingRecord, repos.IndexingFailure, payloads, livesync.Config{
		DefaultRequestsPerMinute: cfg.DefaultRequestsPerMinute,
		Backoff: indexrepo.BackoffPolicy{
			Base:        cfg.DispatchBackoffBase,
			Max:         cfg.DispatchBackoffMax,
			MaxAttempts: cfg.DispatchMaxAttempts,
		},
	})

	var store ratelimit.WindowStore
	if clients.Redis != nil {
		store = ratelimit.NewRedisStore(clients.Redis, cfg.RedisKeyPrefix)
		log.Info("Rate limit windows shared through redis", "prefix", cfg.RedisKeyPrefix)
	}

	siteSync := services.NewSiteSyncService(log, sites, repos.IndexingRecord, repos.IndexingFailure, engine, processor, services.SiteSyncOptions{
		RateStore:       store,
		DispatchTimeout: cfg.DispatchTimeout,
		Metrics:         metrics,
	})

	out := Services{SiteSync: siteSync, Starter: siteSync}
	if clients.Temporal != nil {
		runner, err := temporalworker.NewRunner(log, clients.Temporal, clients.TemporalCfg, siteSync)
		if err != nil {
			return Services{}, fmt.Errorf("init temporal worker: %w", err)
		}
		out.Temporal = runner
		out.Starter = sitesync.Starter{Client: clients.Temporal, TaskQueue: clients.TemporalCfg.TaskQueue}
		return out, nil
	}
	if cfg.SchedulerOn {
		out.Scheduler = worker.NewScheduler(log, siteSync, worker.Config{
			Interval:    cfg.SyncInterval,
			Concurrency: cfg.SyncConcurrency,
		})
	}
	return out, nil
}
