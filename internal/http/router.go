package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	httpH "github.com/yungbote/catalog-indexer/internal/http/handlers"
	httpMW "github.com/yungbote/catalog-indexer/internal/http/middleware"
	"github.com/yungbote/catalog-indexer/internal/observability"
	"github.com/yungbote/catalog-indexer/internal/platform/logger"
)

type RouterConfig struct {
	Log         *logger.Logger
	ServiceName string
	CORSOrigins []string
	Metrics     *observability.Metrics

	SiteHandler   *httpH.SiteHandler
	HealthHandler *httpH.HealthHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	log := cfg.Log
	if log == nil {
		log = logger.Nop()
	}
	service := cfg.ServiceName
	if service == "" {
		service = "catalog-indexer"
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware(service))
	r.Use(httpMW.AttachTraceContext())
	r.Use(httpMW.RequestLogger(log))
	r.Use(httpMW.Metrics(cfg.Metrics))
	r.Use(httpMW.CORS(cfg.CORSOrigins))

	// Health
	if cfg.HealthHandler != nil {
		r.GET("/healthcheck", cfg.HealthHandler.HealthCheck)
		r.GET("/readycheck", cfg.HealthHandler.ReadyCheck)
	}
	if cfg.Metrics != nil {
		r.GET("/metrics", gin.WrapH(cfg.Metrics.Handler()))
	}

	api := r.Group("/api")
	if cfg.SiteHandler != nil {
		api.GET("/sites", cfg.SiteHandler.ListSites)

		site := api.Group("/sites/:siteId")
		site.GET("/stats", cfg.SiteHandler.GetStats)
		site.POST("/sync", cfg.SiteHandler.TriggerSync)
		site.POST("/indexable", cfg.SiteHandler.MarkIndexable)
		site.POST("/not-indexable", cfg.SiteHandler.MarkNotIndexable)
		site.GET("/quarantine", cfg.SiteHandler.ListQuarantine)
		site.POST("/quarantine/release", cfg.SiteHandler.ReleaseQuarantine)
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": gin.H{"message": "route not found", "code": "not_found"}})
	})
	return r
}
