package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/yungbote/catalog-indexer/internal/indexing/dispatch"
	"github.com/yungbote/catalog-indexer/internal/platform/ctxutil"
	"github.com/yungbote/catalog-indexer/internal/platform/logger"
	"github.com/yungbote/catalog-indexer/internal/siteconfig"
)

type PayloadBuilder struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewPayloadBuilder(db *gorm.DB, baseLog *logger.Logger) *PayloadBuilder {
	return &PayloadBuilder{db: db, log: baseLog.With("service", "PayloadBuilder")}
}

type childAggregate struct {
	ParentID   int64
	MinPrice   float64
	ChildCount int64
	InStock    int64
}

// Build loads every id at once and returns one document per product found. Ids without a
// catalog row are omitted; the caller treats them as failed dispatches.
func (b *PayloadBuilder) Build(ctx context.Context, site siteconfig.Config, entityType string, ids []int64) ([]dispatch.Payload, error) {
	if len(ids) == 0 {
		return []dispatch.Payload{}, nil
	}
	if !strings.EqualFold(strings.TrimSpace(entityType), "product") {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEntityType, entityType)
	}
	db := b.db.WithContext(ctxutil.Default(ctx))

	var products []Product
	if err := db.Where("site_id = ? AND id IN ?", site.SiteID, ids).Order("id ASC").Find(&products).Error; err != nil {
		return nil, fmt.Errorf("load products: %w", err)
	}

	var aggs []childAggregate
	err := db.Model(&Product{}).
		Select("parent_id, MIN(price) AS min_price, COUNT(*) AS child_count, SUM(CASE WHEN stock > 0 THEN 1 ELSE 0 END) AS in_stock").
		Where("parent_id IN ? AND status = ?", ids, StatusEnabled).
		Group("parent_id").
		Scan(&aggs).Error
	if err != nil {
		return nil, fmt.Errorf("aggregate children: %w", err)
	}
	byParent := make(map[int64]childAggregate, len(aggs))
	for _, a := range aggs {
		byParent[a.ParentID] = a
	}

	out := make([]dispatch.Payload, 0, len(products))
	for i := range products {
		p := &products[i]
		out = append(out, dispatch.Payload{
			Target:   dispatch.Target{EntityType: entityType, ID: p.ID},
			Document: b.document(site, entityType, p, byParent),
		})
	}
	if missing := len(ids) - len(out); missing > 0 {
		b.log.Warn("payloads missing for some ids", "site_id", site.SiteID, "requested", len(ids), "missing", missing)
	}
	return out, nil
}

func (b *PayloadBuilder) document(site siteconfig.Config, entityType string, p *Product, byParent map[int64]childAggregate) map[string]any {
	doc := map[string]any{
		"id":          p.ID,
		"entity_type": entityType,
		"subtype":     p.Subtype,
		"site_id":     site.SiteID,
		"sku":         p.Sku,
		"name":        p.Name,
		"description": p.Description,
		"price":       p.Price,
		"visible":     p.Visible,
		"in_stock":    p.Stock > 0,
		"updated_at":  p.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if site.Currency != "" {
		doc["currency"] = site.Currency
	}
	if p.ParentID != nil {
		doc["parent_id"] = *p.ParentID
	}
	if agg, ok := byParent[p.ID]; ok && agg.ChildCount > 0 {
		doc["price"] = agg.MinPrice
		doc["child_count"] = agg.ChildCount
		doc["in_stock"] = agg.InStock > 0
	}
	if len(p.Attributes) > 0 {
		var attrs map[string]any
		if err := json.Unmarshal(p.Attributes, &attrs); err == nil && len(attrs) > 0 {
			doc["attributes"] = attrs
		} else if err != nil {
			b.log.Debug("skipping malformed attributes", "product_id", p.ID, "error", err)
		}
	}
	return doc
}
