package services

import (
	"context"
	"errors"
	"sync"
	"testing"

	"gorm.io/gorm"

	"github.com/yungbote/catalog-indexer/internal/catalog"
	indexrepo "github.com/yungbote/catalog-indexer/internal/data/repos/indexing"
	"github.com/yungbote/catalog-indexer/internal/data/repos/testutil"
	"github.com/yungbote/catalog-indexer/internal/indexing/discovery"
	"github.com/yungbote/catalog-indexer/internal/indexing/dispatch"
	"github.com/yungbote/catalog-indexer/internal/indexing/livesync"
	"github.com/yungbote/catalog-indexer/internal/pkg/dbctx"
	apperrors "github.com/yungbote/catalog-indexer/internal/pkg/errors"
	"github.com/yungbote/catalog-indexer/internal/siteconfig"
)

type recordingHandlers struct {
	mu       sync.Mutex
	deleted  []int64
	upserted []int64
}

func (h *recordingHandlers) Delete(_ context.Context, target dispatch.Target) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deleted = append(h.deleted, target.ID)
	return true
}

func (h *recordingHandlers) Upsert(_ context.Context, payload dispatch.Payload) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.upserted = append(h.upserted, payload.Target.ID)
	return true
}

type syncFixture struct {
	db       *gorm.DB
	svc      SiteSyncService
	handlers *recordingHandlers
	dbc      dbctx.Context
}

func newSyncFixture(t *testing.T, sites ...siteconfig.Config) *syncFixture {
	t.Helper()
	db := testutil.DB(t)
	log := testutil.Logger(t)
	provider := siteconfig.NewStatic(siteconfig.Defaults{RequestsPerSecond: 50}, sites...)
	records := indexrepo.NewIndexingRecordRepo(db, log)
	failures := indexrepo.NewIndexingFailureRepo(db, log)
	engine := discovery.NewEngine(log, records, catalog.NewSource(db, log), provider, discovery.Config{})
	processor := livesync.NewProcessor(log, records, failures, catalog.NewPayloadBuilder(db, log), livesync.Config{})
	h := &recordingHandlers{}
	svc := NewSiteSyncService(log, provider, records, failures, engine, processor, SiteSyncOptions{
		Handlers: func(siteconfig.Config) (dispatch.Handlers, error) {
			return dispatch.Handlers{Delete: h, Upsert: h}, nil
		},
	})
	return &syncFixture{db: db, svc: svc, handlers: h, dbc: dbctx.Context{Ctx: context.Background()}}
}

func site(id string, enabled bool) siteconfig.Config {
	return siteconfig.Config{SiteID: id, Endpoint: "https://search.example.test", Enabled: testutil.Ptr(enabled)}
}

func TestSyncLifecycle(t *testing.T) {
	f := newSyncFixture(t, site("s1", true))
	products := []catalog.Product{
		{ID: 1, SiteID: "s1", Subtype: "simple", Status: catalog.StatusEnabled, Name: "one"},
		{ID: 2, SiteID: "s1", Subtype: "simple", Status: catalog.StatusEnabled, Name: "two"},
	}
	ctx := context.Background()
	testutil.SeedProducts(t, ctx, f.db, products...)

	report, err := f.svc.Sync(ctx, "s1")
	if err != nil {
		t.Fatalf("first sync: %v", err)
	}
	if report.RunID == "" || report.Discovery.Created != 2 || report.LiveSync == nil || report.LiveSync.Upserts != 0 {
		t.Fatalf("first sync report: %+v", report)
	}

	n, err := f.svc.SetIndexable(f.dbc, "s1", "", []int64{1, 2}, true)
	if err != nil || n != 2 {
		t.Fatalf("SetIndexable: n=%d err=%v", n, err)
	}
	report, err = f.svc.Sync(ctx, "s1")
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if report.LiveSync.Upserts != 2 || report.LiveSync.Success != 2 || len(f.handlers.upserted) != 2 {
		t.Fatalf("second sync: %+v upserted=%v", report.LiveSync, f.handlers.upserted)
	}

	if err := f.db.Delete(&catalog.Product{}, 2).Error; err != nil {
		t.Fatalf("remove product: %v", err)
	}
	report, err = f.svc.Sync(ctx, "s1")
	if err != nil {
		t.Fatalf("third sync: %v", err)
	}
	if report.Discovery.MarkedForDelete != 1 || report.LiveSync.Deletes != 1 || len(f.handlers.deleted) != 1 || f.handlers.deleted[0] != 2 {
		t.Fatalf("third sync: %+v deleted=%v", report, f.handlers.deleted)
	}

	stats, err := f.svc.Stats(f.dbc, "s1")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Total != 2 || stats.Indexable != 1 || stats.PendingUpserts != 0 || stats.PendingDeletes != 0 {
		t.Fatalf("stats: %+v", stats)
	}
	if len(stats.EntityTypes) != 1 || stats.EntityTypes[0] != "product" {
		t.Fatalf("entity types: %v", stats.EntityTypes)
	}
}

func TestSyncNeverOverlapsForSite(t *testing.T) {
	f := newSyncFixture(t, site("s1", true), site("s2", true))
	svc := f.svc.(*siteSyncService)
	release, err := svc.acquire("s1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := f.svc.Sync(context.Background(), "s1"); !errors.Is(err, ErrSyncInProgress) {
		t.Fatalf("expected ErrSyncInProgress, got %v", err)
	}
	if _, err := f.svc.Sync(context.Background(), "s2"); err != nil {
		t.Fatalf("other sites are not blocked: %v", err)
	}
	release()
	if _, err := f.svc.Sync(context.Background(), "s1"); err != nil {
		t.Fatalf("after release: %v", err)
	}
}

func TestSyncSkipsDisabledAndUnknownSites(t *testing.T) {
	f := newSyncFixture(t, site("off", false))
	report, err := f.svc.Sync(context.Background(), "off")
	if err != nil || !report.Discovery.Skipped {
		t.Fatalf("disabled site: report=%+v err=%v", report, err)
	}
	if _, err := f.svc.Sync(context.Background(), "missing"); !errors.Is(err, apperrors.ErrConfigurationIncomplete) {
		t.Fatalf("unknown site: %v", err)
	}
	if _, err := f.svc.Stats(f.dbc, "missing"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("unknown site stats: %v", err)
	}
	if _, err := f.svc.SetIndexable(f.dbc, "off", "", nil, true); !errors.Is(err, apperrors.ErrValidationFailed) {
		t.Fatalf("empty ids: %v", err)
	}
}
