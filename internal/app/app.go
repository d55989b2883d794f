package app

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/yungbote/catalog-indexer/internal/data/db"
	"github.com/yungbote/catalog-indexer/internal/observability"
	"github.com/yungbote/catalog-indexer/internal/platform/logger"
	"github.com/yungbote/catalog-indexer/internal/services"
	"github.com/yungbote/catalog-indexer/internal/siteconfig"
	"github.com/yungbote/catalog-indexer/internal/temporalx/sitesync"
)

const serviceName = "catalog-indexer"

type App struct {
	Log      *logger.Logger
	DB       *gorm.DB
	Router   *gin.Engine
	Cfg      Config
	Sites    *siteconfig.Static
	Repos    Repos
	Clients  Clients
	Services Services
	Metrics  *observability.Metrics

	dbService    *db.Service
	otelShutdown func(context.Context) error
	cancel       context.CancelFunc
}

func New() (*App, error) {
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	log.Info("Loading environment variables...")
	cfg := LoadConfig(log)

	otelShutdown := observability.InitOTel(context.Background(), log, observability.LoadOtelConfig(serviceName, cfg.Environment, cfg.Version))

	dbService, err := db.NewService(log, db.LoadConfig())
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init database: %w", err)
	}
	theDB := dbService.DB()
	if err := db.AutoMigrateAll(theDB); err != nil {
		log.Sync()
		return nil, fmt.Errorf("automigrate: %w", err)
	}
	if cfg.MigrateCatalog {
		if err := db.AutoMigrateCatalog(theDB); err != nil {
			log.Sync()
			return nil, fmt.Errorf("automigrate catalog: %w", err)
		}
	}

	sites, err := siteconfig.LoadFile(cfg.SitesConfigPath, siteconfig.Defaults{
		RequestsPerMinute: cfg.DefaultRequestsPerMinute,
		RequestsPerSecond: cfg.DefaultRequestsPerSecond,
		BatchSize:         cfg.DefaultBatchSize,
	})
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("load site configuration: %w", err)
	}
	log.Info("Loaded site configuration", "path", cfg.SitesConfigPath, "sites", len(sites.Sites()))

	var metrics *observability.Metrics
	if cfg.MetricsEnabled {
		metrics = observability.NewMetrics()
	}

	clientset, err := wireClients(log, cfg)
	if err != nil {
		log.Sync()
		return nil, err
	}
	reposet := wireRepos(theDB, log)
	serviceset, err := wireServices(theDB, log, cfg, sites, reposet, clientset, metrics)
	if err != nil {
		clientset.Close()
		log.Sync()
		return nil, err
	}
	handlerset := wireHandlers(log, theDB, serviceset)
	router := wireRouter(log, cfg, handlerset, metrics)

	return &App{
		Log:          log,
		DB:           theDB,
		Router:       router,
		Cfg:          cfg,
		Sites:        sites,
		Repos:        reposet,
		Clients:      clientset,
		Services:     serviceset,
		Metrics:      metrics,
		dbService:    dbService,
		otelShutdown: otelShutdown,
	}, nil
}

// Start launches background syncing: the Temporal worker plus one looping workflow per site
// when Temporal is configured, otherwise the in-process scheduler.
func (a *App) Start() error {
	if a == nil || a.cancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	if a.Services.Temporal != nil {
		if err := a.Services.Temporal.Start(ctx); err != nil {
			return fmt.Errorf("start temporal worker: %w", err)
		}
		if a.Cfg.SchedulerOn {
			a.startSiteWorkflows(ctx)
		}
		return nil
	}
	if a.Services.Scheduler != nil {
		a.Services.Scheduler.Start(ctx)
	}
	return nil
}

func (a *App) startSiteWorkflows(ctx context.Context) {
	tc, queue := a.Clients.Temporal, a.Clients.TemporalCfg.TaskQueue
	for _, siteID := range a.Sites.Sites() {
		runID, err := sitesync.Start(ctx, tc, queue, sitesync.Input{SiteID: siteID, Interval: a.Cfg.SyncInterval})
		switch {
		case errors.Is(err, services.ErrSyncInProgress):
			a.Log.Debug("Site sync workflow already running", "site_id", siteID)
		case err != nil:
			a.Log.Warn("Site sync workflow start failed", "site_id", siteID, "error", err)
		default:
			a.Log.Info("Site sync workflow started", "site_id", siteID, "run_id", runID)
		}
	}
}

// ReloadSites re-reads the site configuration file.
func (a *App) ReloadSites() error {
	if a == nil || a.Sites == nil {
		return nil
	}
	if err := a.Sites.Reload(); err != nil {
		return err
	}
	a.Log.Info("Reloaded site configuration", "sites", len(a.Sites.Sites()))
	return nil
}

func (a *App) Close() {
	if a == nil {
		return
	}
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	a.Clients.Close()
	if a.otelShutdown != nil {
		_ = a.otelShutdown(context.Background())
	}
	if a.dbService != nil {
		_ = a.dbService.Close()
	}
	if a.Log != nil {
		a.Log.Sync()
	}
}
