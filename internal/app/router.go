package app

import (
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/yungbote/catalog-indexer/internal/http"
	httpH "github.com/yungbote/catalog-indexer/internal/http/handlers"
	"github.com/yungbote/catalog-indexer/internal/observability"
	"github.com/yungbote/catalog-indexer/internal/platform/logger"
)

type Handlers struct {
	Health *httpH.HealthHandler
	Site   *httpH.SiteHandler
}

func wireHandlers(log *logger.Logger, db *gorm.DB, services Services) Handlers {
	log.Info("Wiring handlers...")
	return Handlers{
		Health: httpH.NewHealthHandler(db),
		Site:   httpH.NewSiteHandler(services.SiteSync, services.Starter),
	}
}

func wireRouter(log *logger.Logger, cfg Config, handlers Handlers, metrics *observability.Metrics) *gin.Engine {
	if cfg.LogMode == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	return http.NewRouter(http.RouterConfig{
		Log:           log,
		ServiceName:   serviceName,
		CORSOrigins:   cfg.CORSOrigins,
		Metrics:       metrics,
		SiteHandler:   handlers.Site,
		HealthHandler: handlers.Health,
	})
}
