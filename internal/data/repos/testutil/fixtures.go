package testutil

import (
	"context"
	"testing"

	"gorm.io/gorm"

	"github.com/yungbote/catalog-indexer/internal/catalog"
	types "github.com/yungbote/catalog-indexer/internal/domain"
)

// SeedProducts writes catalog rows straight to the mirror table.
func SeedProducts(tb testing.TB, ctx context.Context, tx *gorm.DB, products ...catalog.Product) {
	tb.Helper()
	if len(products) == 0 {
		return
	}
	if err := tx.WithContext(ctx).Create(&products).Error; err != nil {
		tb.Fatalf("seed products: %v", err)
	}
}

// SeedRecords tracks product ids for siteID with the given actions, bypassing repo validation.
// A record is indexable when either action is an upsert.
func SeedRecords(tb testing.TB, ctx context.Context, tx *gorm.DB, siteID, subtype string, next, last types.Action, ids ...int64) []*types.IndexingRecord {
	tb.Helper()
	out := make([]*types.IndexingRecord, 0, len(ids))
	for _, id := range ids {
		out = append(out, &types.IndexingRecord{
			SiteID:              siteID,
			TargetEntityType:    types.EntityTypeProduct,
			TargetEntitySubtype: subtype,
			TargetID:            id,
			IsIndexable:         next == types.ActionUpsert || last == types.ActionUpsert,
			NextAction:          next,
			LastAction:          last,
		})
	}
	if len(out) == 0 {
		return out
	}
	if err := tx.WithContext(ctx).Create(&out).Error; err != nil {
		tb.Fatalf("seed records: %v", err)
	}
	return out
}
