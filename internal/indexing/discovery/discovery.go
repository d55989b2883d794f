package discovery

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/yungbote/catalog-indexer/internal/catalog"
	indexrepo "github.com/yungbote/catalog-indexer/internal/data/repos/indexing"
	types "github.com/yungbote/catalog-indexer/internal/domain"
	apperrors "github.com/yungbote/catalog-indexer/internal/pkg/errors"
	"github.com/yungbote/catalog-indexer/internal/pkg/dbctx"
	"github.com/yungbote/catalog-indexer/internal/platform/ctxutil"
	"github.com/yungbote/catalog-indexer/internal/platform/logger"
	"github.com/yungbote/catalog-indexer/internal/siteconfig"
)

// Source is the catalog side of the diff.
type Source interface {
	ExistingIDs(ctx context.Context, scope catalog.Scope, ids []int64) (map[int64]struct{}, error)
	CandidateIDs(ctx context.Context, scope catalog.Scope, afterID int64, limit int) ([]catalog.Candidate, error)
	ResolveParents(ctx context.Context, siteID string, childIDs []int64, parentSubtypes []string) (map[int64]int64, error)
}

type Config struct {
	TrackedPageSize   int
	CandidatePageSize int
	ExistenceChunk    int
}

func (c Config) withDefaults() Config {
	if c.TrackedPageSize <= 0 {
		c.TrackedPageSize = 1000
	}
	if c.CandidatePageSize <= 0 {
		c.CandidatePageSize = 1000
	}
	if c.ExistenceChunk <= 0 {
		c.ExistenceChunk = 500
	}
	return c
}

type SiteResult struct {
	SiteID          string
	Skipped         bool
	MarkedForDelete int64
	Created         int
	Duplicates      int
	Revived         int64
	PhasedOut       int64
	Duration        time.Duration
	Err             error
}

type Engine struct {
	log     *logger.Logger
	records indexrepo.IndexingRecordRepo
	source  Source
	sites   siteconfig.Provider
	cfg     Config
	tracer  trace.Tracer
}

func NewEngine(baseLog *logger.Logger, records indexrepo.IndexingRecordRepo, source Source, sites siteconfig.Provider, cfg Config) *Engine {
	return &Engine{
		log:     baseLog.With("service", "DiscoveryEngine"),
		records: records,
		source:  source,
		sites:   sites,
		cfg:     cfg.withDefaults(),
		tracer:  otel.Tracer("catalog-indexer/sync"),
	}
}

// Run discovers every site in order. A failing site never stops the others.
func (e *Engine) Run(ctx context.Context, siteIDs []string) []SiteResult {
	out := make([]SiteResult, 0, len(siteIDs))
	for _, id := range siteIDs {
		out = append(out, e.RunSite(ctx, id))
	}
	return out
}

// RunSite runs the deletion pass and then the addition pass for one site. Incomplete or
// disabled configuration skips the site without touching any record.
func (e *Engine) RunSite(ctx context.Context, siteID string) (res SiteResult) {
	ctx = ctxutil.Default(ctx)
	start := time.Now()
	res.SiteID = siteID
	log := e.log.With("site_id", siteID)

	cfg, ok := e.sites.GetConfig(siteID)
	if !ok {
		log.Warn("discovery skipped: no configuration for site")
		res.Skipped = true
		res.Err = fmt.Errorf("site %s: %w", siteID, apperrors.ErrConfigurationIncomplete)
		return res
	}
	if err := cfg.Check(); err != nil {
		log.Warn("discovery skipped: configuration incomplete", "error", err)
		res.Skipped = true
		res.Err = err
		return res
	}
	if !cfg.IsEnabled() {
		log.Info("discovery skipped: live indexing disabled")
		res.Skipped = true
		return res
	}

	ctx, span := e.tracer.Start(ctx, "discovery.site", trace.WithAttributes(
		attribute.String("site_id", siteID),
		attribute.String("entity_type", cfg.EntityType),
	))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			res.Err = fmt.Errorf("discovery panic: %v", r)
			log.Error("discovery pass panicked", "panic", r, "stack", string(debug.Stack()))
		}
		res.Duration = time.Since(start)
		if res.Err != nil {
			span.RecordError(res.Err)
			span.SetStatus(codes.Error, res.Err.Error())
			log.Error("discovery pass failed", "error", res.Err, "duration", res.Duration)
			return
		}
		span.SetAttributes(
			attribute.Int64("marked_for_delete", res.MarkedForDelete),
			attribute.Int("created", res.Created),
			attribute.Int64("revived", res.Revived),
			attribute.Int64("phased_out", res.PhasedOut),
		)
		log.Info(
			"discovery pass complete",
			"marked_for_delete", res.MarkedForDelete,
			"created", res.Created,
			"duplicates", res.Duplicates,
			"revived", res.Revived,
			"phased_out", res.PhasedOut,
			"duration", res.Duration,
		)
	}()

	r := &run{
		engine:  e,
		log:     log,
		cfg:     cfg,
		dbc:     dbctx.Context{Ctx: ctx},
		scope:   catalog.Scope{SiteID: cfg.SiteID, EntityType: cfg.EntityType, Subtypes: cfg.Subtypes},
		parents: newParentCache(),
	}
	if err := r.deletionPass(ctx, &res); err != nil {
		res.Err = fmt.Errorf("deletion pass: %w", err)
		return res
	}
	if err := r.additionPass(ctx, &res); err != nil {
		res.Err = fmt.Errorf("addition pass: %w", err)
		return res
	}
	return res
}

// run holds state scoped to one site pass, including the parent lookup cache.
type run struct {
	engine  *Engine
	log     *logger.Logger
	cfg     siteconfig.Config
	dbc     dbctx.Context
	scope   catalog.Scope
	parents *parentCache
}

// deletionPass marks tracked - existing for delete, paging tracked ids by ascending target id.
func (r *run) deletionPass(ctx context.Context, res *SiteResult) error {
	e := r.engine
	after := int64(0)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		tracked, err := e.records.TrackedTargetIDs(r.dbc, r.cfg.SiteID, r.cfg.EntityType, after, e.cfg.TrackedPageSize)
		if err != nil {
			return err
		}
		if len(tracked) == 0 {
			return nil
		}
		for _, chunk := range chunkIDs(tracked, e.cfg.ExistenceChunk) {
			existing, err := e.source.ExistingIDs(ctx, r.scope, chunk)
			if err != nil {
				return err
			}
			missing := make([]int64, 0)
			for _, id := range chunk {
				if _, ok := existing[id]; !ok {
					missing = append(missing, id)
				}
			}
			if len(missing) == 0 {
				continue
			}
			n, err := e.records.MarkForDelete(r.dbc, r.cfg.SiteID, r.cfg.EntityType, missing)
			if err != nil {
				return err
			}
			res.MarkedForDelete += n
		}
		after = tracked[len(tracked)-1]
		if len(tracked) < e.cfg.TrackedPageSize {
			return nil
		}
	}
}

// additionPass tracks candidates - tracked. New records start not indexable with nothing pending;
// the indexability observer proposes the first upsert.
func (r *run) additionPass(ctx context.Context, res *SiteResult) error {
	e := r.engine
	after := int64(0)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		candidates, err := e.source.CandidateIDs(ctx, r.scope, after, e.cfg.CandidatePageSize)
		if err != nil {
			return err
		}
		if len(candidates) == 0 {
			return nil
		}
		for start := 0; start < len(candidates); start += e.cfg.ExistenceChunk {
			end := start + e.cfg.ExistenceChunk
			if end > len(candidates) {
				end = len(candidates)
			}
			if err := r.addChunk(ctx, candidates[start:end], res); err != nil {
				return err
			}
		}
		after = candidates[len(candidates)-1].ID
		if len(candidates) < e.cfg.CandidatePageSize {
			return nil
		}
	}
}

func (r *run) addChunk(ctx context.Context, chunk []catalog.Candidate, res *SiteResult) error {
	e := r.engine
	ids := make([]int64, 0, len(chunk))
	for _, c := range chunk {
		ids = append(ids, c.ID)
	}
	tracked, err := e.records.TrackedIdentities(r.dbc, r.cfg.SiteID, r.cfg.EntityType, ids)
	if err != nil {
		return err
	}

	var (
		fresh    []catalog.Candidate
		revive   []int64
		phaseOut = map[string][]int64{}
	)
	for _, c := range chunk {
		rows := tracked[c.ID]
		if len(rows) == 0 {
			fresh = append(fresh, c)
			continue
		}
		var same *indexrepo.TrackedIdentity
		stale := false
		for i := range rows {
			row := rows[i]
			if row.Subtype == c.Subtype {
				same = &rows[i]
				continue
			}
			if !row.Retired && row.NextAction != types.ActionDelete {
				stale = true
			}
		}
		if same == nil {
			fresh = append(fresh, c)
		} else if same.Retired {
			revive = append(revive, c.ID)
		}
		if stale {
			phaseOut[c.Subtype] = append(phaseOut[c.Subtype], c.ID)
		}
	}

	if len(revive) > 0 {
		n, err := e.records.Revive(r.dbc, r.cfg.SiteID, r.cfg.EntityType, revive)
		if err != nil {
			return err
		}
		res.Revived += n
	}
	for subtype, targetIDs := range phaseOut {
		n, err := e.records.PhaseOut(r.dbc, r.cfg.SiteID, r.cfg.EntityType, targetIDs, subtype)
		if err != nil {
			return err
		}
		res.PhasedOut += n
	}
	if len(fresh) == 0 {
		return nil
	}

	parents, err := r.parents.resolve(ctx, e.source, r.cfg, fresh)
	if err != nil {
		return err
	}
	recs := make([]*types.IndexingRecord, 0, len(fresh))
	for _, c := range fresh {
		rec := &types.IndexingRecord{
			SiteID:              r.cfg.SiteID,
			TargetEntityType:    r.cfg.EntityType,
			TargetEntitySubtype: c.Subtype,
			TargetID:            c.ID,
			IsIndexable:         false,
			NextAction:          types.ActionNone,
			LastAction:          types.ActionNone,
		}
		if parentID, ok := parents[c.ID]; ok {
			pid := parentID
			rec.TargetParentID = &pid
		}
		recs = append(recs, rec)
	}
	return r.create(recs, res)
}

// create bulk-inserts and falls back to one-by-one saves when the batch collides, so a
// concurrently created row only costs itself.
func (r *run) create(recs []*types.IndexingRecord, res *SiteResult) error {
	e := r.engine
	if _, err := e.records.SaveAll(r.dbc, recs); err == nil {
		res.Created += len(recs)
		return nil
	} else if !errors.Is(err, apperrors.ErrAlreadyExists) {
		return err
	}
	for _, rec := range recs {
		rec.ID = 0
		if _, err := e.records.Save(r.dbc, rec); err != nil {
			if errors.Is(err, apperrors.ErrAlreadyExists) {
				res.Duplicates++
				continue
			}
			return err
		}
		res.Created++
	}
	return nil
}

func chunkIDs(ids []int64, size int) [][]int64 {
	if size <= 0 {
		size = len(ids)
	}
	out := make([][]int64, 0, (len(ids)+size-1)/max(size, 1))
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		out = append(out, ids[start:end])
	}
	return out
}
