package app

import (
	"strings"
	"time"

	"github.com/yungbote/catalog-indexer/internal/platform/envutil"
	"github.com/yungbote/catalog-indexer/internal/platform/logger"
)

type Config struct {
	LogMode     string
	Environment string
	Version     string
	HTTPAddr    string
	CORSOrigins []string

	SitesConfigPath          string
	DefaultRequestsPerMinute int
	DefaultRequestsPerSecond int
	DefaultBatchSize         int

	SyncInterval    time.Duration
	SyncConcurrency int
	SchedulerOn     bool

	DispatchTimeout     time.Duration
	DispatchMaxAttempts int
	DispatchBackoffBase time.Duration
	DispatchBackoffMax  time.Duration

	// MigrateCatalog creates the catalog mirror table in the sync database. Local development only.
	MigrateCatalog bool

	RedisAddr      string
	RedisKeyPrefix string

	MetricsEnabled bool
}

func LoadConfig(log *logger.Logger) Config {
	cfg := Config{
		LogMode:     envutil.String("LOG_MODE", "development"),
		Environment: envutil.String("APP_ENV", "development"),
		Version:     envutil.String("APP_VERSION", "dev"),
		HTTPAddr:    envutil.String("HTTP_ADDR", ":8080"),
		CORSOrigins: splitList(envutil.String("CORS_ALLOWED_ORIGINS", "")),

		SitesConfigPath:          envutil.String("SITES_CONFIG_PATH", "sites.yaml"),
		DefaultRequestsPerMinute: envutil.Int("DEFAULT_REQUESTS_PER_MINUTE", 0),
		DefaultRequestsPerSecond: envutil.Int("DEFAULT_REQUESTS_PER_SECOND", 0),
		DefaultBatchSize:         envutil.Int("DEFAULT_BATCH_SIZE", 0),

		SyncInterval:    envutil.Seconds("SYNC_INTERVAL_SECONDS", 60),
		SyncConcurrency: envutil.Int("SYNC_SITE_CONCURRENCY", 4),
		SchedulerOn:     envutil.Bool("SYNC_SCHEDULER_ENABLED", true),

		DispatchTimeout:     envutil.Seconds("DISPATCH_TIMEOUT_SECONDS", 30),
		DispatchMaxAttempts: envutil.Int("DISPATCH_MAX_ATTEMPTS", 0),
		DispatchBackoffBase: envutil.Millis("DISPATCH_BACKOFF_BASE_MS", 0),
		DispatchBackoffMax:  envutil.Millis("DISPATCH_BACKOFF_MAX_MS", 3600000),

		MigrateCatalog: envutil.Bool("DB_MIGRATE_CATALOG", false),

		RedisAddr:      envutil.String("REDIS_ADDR", ""),
		RedisKeyPrefix: envutil.String("REDIS_KEY_PREFIX", "catalog-indexer:ratelimit"),

		MetricsEnabled: envutil.Bool("METRICS_ENABLED", false),
	}
	if cfg.DispatchMaxAttempts > 0 && cfg.DispatchBackoffBase <= 0 {
		log.Warn("DISPATCH_MAX_ATTEMPTS set without DISPATCH_BACKOFF_BASE_MS; failed records retry every pass")
	}
	return cfg
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
