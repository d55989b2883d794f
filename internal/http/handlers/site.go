package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/catalog-indexer/internal/http/response"
	"github.com/yungbote/catalog-indexer/internal/pkg/dbctx"
	"github.com/yungbote/catalog-indexer/internal/services"
)

const defaultQuarantineLimit = 100

// SyncStarter hands a manual sync off to whatever runs passes in the background.
type SyncStarter interface {
	StartSync(ctx context.Context, siteID string) (string, error)
}

type SiteHandler struct {
	sync    services.SiteSyncService
	starter SyncStarter
}

// NewSiteHandler falls back to the service itself when no starter is given.
func NewSiteHandler(sync services.SiteSyncService, starter SyncStarter) *SiteHandler {
	if starter == nil {
		starter = sync
	}
	return &SiteHandler{sync: sync, starter: starter}
}

type indexableRequest struct {
	EntityType string  `json:"entity_type"`
	TargetIDs  []int64 `json:"target_ids"`
}

type releaseRequest struct {
	RecordIDs []uint64 `json:"record_ids"`
}

// GET /api/sites
func (h *SiteHandler) ListSites(c *gin.Context) {
	response.RespondOK(c, gin.H{"sites": h.sync.Sites()})
}

// GET /api/sites/:siteId/stats
func (h *SiteHandler) GetStats(c *gin.Context) {
	stats, err := h.sync.Stats(dbctx.Context{Ctx: c.Request.Context()}, c.Param("siteId"))
	if err != nil {
		respondServiceError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"stats": stats})
}

// POST /api/sites/:siteId/sync?wait=true
func (h *SiteHandler) TriggerSync(c *gin.Context) {
	siteID := c.Param("siteId")
	if wait, _ := strconv.ParseBool(c.Query("wait")); wait {
		report, err := h.sync.Sync(c.Request.Context(), siteID)
		if err != nil {
			respondServiceError(c, err)
			return
		}
		response.RespondOK(c, gin.H{"report": report})
		return
	}
	runID, err := h.starter.StartSync(c.Request.Context(), siteID)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"site_id": siteID, "run_id": runID})
}

// POST /api/sites/:siteId/indexable
func (h *SiteHandler) MarkIndexable(c *gin.Context) { h.setIndexable(c, true) }

// POST /api/sites/:siteId/not-indexable
func (h *SiteHandler) MarkNotIndexable(c *gin.Context) { h.setIndexable(c, false) }

func (h *SiteHandler) setIndexable(c *gin.Context, indexable bool) {
	var req indexableRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	n, err := h.sync.SetIndexable(dbctx.Context{Ctx: c.Request.Context()}, c.Param("siteId"), strings.TrimSpace(req.EntityType), req.TargetIDs, indexable)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"updated": n})
}

// GET /api/sites/:siteId/quarantine?limit=
func (h *SiteHandler) ListQuarantine(c *gin.Context) {
	limit := defaultQuarantineLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			response.RespondError(c, http.StatusBadRequest, "invalid_limit", fmt.Errorf("limit must be a positive integer"))
			return
		}
		limit = n
	}
	rows, err := h.sync.Quarantined(dbctx.Context{Ctx: c.Request.Context()}, c.Param("siteId"), limit)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"failures": rows})
}

// POST /api/sites/:siteId/quarantine/release
func (h *SiteHandler) ReleaseQuarantine(c *gin.Context) {
	var req releaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	n, err := h.sync.ReleaseQuarantine(dbctx.Context{Ctx: c.Request.Context()}, c.Param("siteId"), req.RecordIDs)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"released": n})
}

func respondServiceError(c *gin.Context, err error) {
	if errors.Is(err, services.ErrSyncInProgress) {
		response.RespondError(c, http.StatusConflict, "sync_in_progress", err)
		return
	}
	status, code := response.StatusFor(err)
	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	response.RespondError(c, status, code, err)
}
