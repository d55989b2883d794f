package livesync

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	indexrepo "github.com/yungbote/catalog-indexer/internal/data/repos/indexing"
	types "github.com/yungbote/catalog-indexer/internal/domain"
	"github.com/yungbote/catalog-indexer/internal/indexing/dispatch"
	"github.com/yungbote/catalog-indexer/internal/pkg/dbctx"
	"github.com/yungbote/catalog-indexer/internal/platform/ctxutil"
	"github.com/yungbote/catalog-indexer/internal/platform/logger"
	"github.com/yungbote/catalog-indexer/internal/siteconfig"
)

type PayloadBuilder interface {
	Build(ctx context.Context, site siteconfig.Config, entityType string, ids []int64) ([]dispatch.Payload, error)
}

type Limiter interface {
	WaitForAvailableSlot(ctx context.Context) error
}

type Config struct {
	DefaultRequestsPerMinute int
	Backoff                  indexrepo.BackoffPolicy
}

// Pass is everything one site pass dispatches through.
type Pass struct {
	Site     siteconfig.Config
	Handlers dispatch.Handlers
	Limiter  Limiter
}

type Result struct {
	SiteID         string
	MaxLimit       int
	Deletes        int
	Upserts        int
	UpsertsSkipped bool
	Success        int
	Failure        int
	Duration       time.Duration
}

type Processor struct {
	log      *logger.Logger
	records  indexrepo.IndexingRecordRepo
	failures indexrepo.IndexingFailureRepo
	payloads PayloadBuilder
	cfg      Config
	tracer   trace.Tracer
	now      func() time.Time
}

// NewProcessor wires a processor. failures may be nil, which disables the dispatch ledger.
func NewProcessor(
	baseLog *logger.Logger,
	records indexrepo.IndexingRecordRepo,
	failures indexrepo.IndexingFailureRepo,
	payloads PayloadBuilder,
	cfg Config,
) *Processor {
	if cfg.DefaultRequestsPerMinute <= 0 {
		cfg.DefaultRequestsPerMinute = siteconfig.DefaultRequestsPerMinute
	}
	return &Processor{
		log:      baseLog.With("service", "LiveSyncProcessor"),
		records:  records,
		failures: failures,
		payloads: payloads,
		cfg:      cfg,
		tracer:   otel.Tracer("catalog-indexer/sync"),
		now:      time.Now,
	}
}

// MaxLimit is the hard ceiling of dispatches per pass: twice the per-minute budget.
func (p *Processor) MaxLimit(site siteconfig.Config) int {
	perMinute := site.RequestsPerMinute
	if perMinute <= 0 {
		perMinute = p.cfg.DefaultRequestsPerMinute
	}
	return perMinute * 2
}

type outcome struct {
	rec    *types.IndexingRecord
	ok     bool
	reason string
}

// Run executes one bounded pass. Dispatch failures are counted, never returned; errors are
// reserved for unusable inputs and state store failures.
func (p *Processor) Run(ctx context.Context, pass Pass) (res Result, err error) {
	ctx = ctxutil.Default(ctx)
	start := time.Now()
	site := pass.Site
	res.SiteID = site.SiteID
	if site.SiteID == "" {
		return res, fmt.Errorf("live sync: site id required")
	}
	if pass.Handlers.Delete == nil || pass.Handlers.Upsert == nil || pass.Limiter == nil {
		return res, fmt.Errorf("live sync %s: handlers and limiter required", site.SiteID)
	}
	log := p.log.With("site_id", site.SiteID)

	ctx, span := p.tracer.Start(ctx, "livesync.site", trace.WithAttributes(attribute.String("site_id", site.SiteID)))
	defer func() {
		res.Duration = time.Since(start)
		span.SetAttributes(
			attribute.Int("deletes", res.Deletes),
			attribute.Int("upserts", res.Upserts),
			attribute.Int("success", res.Success),
			attribute.Int("failure", res.Failure),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		log.Info(
			"live sync pass complete",
			"max_limit", res.MaxLimit,
			"deletes", res.Deletes,
			"upserts", res.Upserts,
			"upserts_skipped", res.UpsertsSkipped,
			"success", res.Success,
			"failure", res.Failure,
			"duration", res.Duration,
		)
	}()

	dbc := dbctx.Context{Ctx: ctx}
	maxLimit := p.MaxLimit(site)
	res.MaxLimit = maxLimit

	deletes, err := p.records.ListPending(dbc, indexrepo.PendingQuery{
		SiteID: site.SiteID,
		Action: types.ActionDelete,
		Limit:  maxLimit,
		Now:    p.now(),
	})
	if err != nil {
		return res, fmt.Errorf("fetch pending deletes: %w", err)
	}
	res.Deletes = len(deletes)

	outcomes := make([]outcome, 0, len(deletes))
	for _, rec := range deletes {
		if err := pass.Limiter.WaitForAvailableSlot(ctx); err != nil {
			p.tally(&res, outcomes)
			if rerr := p.reconcile(dbc, site.SiteID, types.ActionDelete, outcomes); rerr != nil {
				log.Error("reconcile after interrupted delete batch failed", "error", rerr)
			}
			return res, fmt.Errorf("rate limiter: %w", err)
		}
		target := dispatch.Target{EntityType: rec.TargetEntityType, ID: rec.TargetID}
		ok, reason := p.guard(log, rec, func() bool { return pass.Handlers.Delete.Delete(ctx, target) })
		outcomes = append(outcomes, outcome{rec: rec, ok: ok, reason: reason})
	}
	p.tally(&res, outcomes)
	if err := p.reconcile(dbc, site.SiteID, types.ActionDelete, outcomes); err != nil {
		return res, err
	}

	if len(deletes) >= maxLimit {
		res.UpsertsSkipped = true
		log.Info("delete backlog fills the pass; upserts deferred", "pending_deletes", len(deletes))
		return res, nil
	}

	upserts, err := p.records.ListPending(dbc, indexrepo.PendingQuery{
		SiteID:        site.SiteID,
		Action:        types.ActionUpsert,
		IndexableOnly: true,
		Limit:         maxLimit - len(deletes),
		Now:           p.now(),
	})
	if err != nil {
		return res, fmt.Errorf("fetch pending upserts: %w", err)
	}
	res.Upserts = len(upserts)
	if len(upserts) == 0 {
		return res, nil
	}

	payloads, err := p.buildPayloads(ctx, site, upserts)
	if err != nil {
		return res, err
	}

	outcomes = make([]outcome, 0, len(upserts))
	for _, rec := range upserts {
		payload, found := payloads[payloadKey{rec.TargetEntityType, rec.TargetID}]
		if !found {
			log.Warn("no payload built for record", "record_id", rec.ID, "target_id", rec.TargetID)
			outcomes = append(outcomes, outcome{rec: rec, reason: "payload missing"})
			continue
		}
		if err := pass.Limiter.WaitForAvailableSlot(ctx); err != nil {
			p.tally(&res, outcomes)
			if rerr := p.reconcile(dbc, site.SiteID, types.ActionUpsert, outcomes); rerr != nil {
				log.Error("reconcile after interrupted upsert batch failed", "error", rerr)
			}
			return res, fmt.Errorf("rate limiter: %w", err)
		}
		ok, reason := p.guard(log, rec, func() bool { return pass.Handlers.Upsert.Upsert(ctx, payload) })
		outcomes = append(outcomes, outcome{rec: rec, ok: ok, reason: reason})
	}
	p.tally(&res, outcomes)
	if err := p.reconcile(dbc, site.SiteID, types.ActionUpsert, outcomes); err != nil {
		return res, err
	}
	return res, nil
}

type payloadKey struct {
	entityType string
	id         int64
}

// buildPayloads makes one builder call per entity type in the batch.
func (p *Processor) buildPayloads(ctx context.Context, site siteconfig.Config, recs []*types.IndexingRecord) (map[payloadKey]dispatch.Payload, error) {
	idsByType := map[string][]int64{}
	seen := map[payloadKey]struct{}{}
	for _, rec := range recs {
		key := payloadKey{rec.TargetEntityType, rec.TargetID}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		idsByType[rec.TargetEntityType] = append(idsByType[rec.TargetEntityType], rec.TargetID)
	}
	out := make(map[payloadKey]dispatch.Payload, len(seen))
	for entityType, ids := range idsByType {
		built, err := p.payloads.Build(ctx, site, entityType, ids)
		if err != nil {
			return nil, fmt.Errorf("build payloads (%s): %w", entityType, err)
		}
		for _, pl := range built {
			out[payloadKey{entityType, pl.Target.ID}] = pl
		}
	}
	return out, nil
}

// guard runs one dispatch and turns a panic into a failure for that record only.
func (p *Processor) guard(log *logger.Logger, rec *types.IndexingRecord, call func() bool) (ok bool, reason string) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("dispatch panicked", "record_id", rec.ID, "target_id", rec.TargetID, "panic", r, "stack", string(debug.Stack()))
			ok, reason = false, fmt.Sprintf("panic: %v", r)
		}
	}()
	if call() {
		return true, ""
	}
	return false, "dispatch failed"
}

func (p *Processor) tally(res *Result, outcomes []outcome) {
	for _, o := range outcomes {
		if o.ok {
			res.Success++
		} else {
			res.Failure++
		}
	}
}

// reconcile advances only confirmed records and books failures in the ledger.
func (p *Processor) reconcile(dbc dbctx.Context, siteID string, action types.Action, outcomes []outcome) error {
	if len(outcomes) == 0 {
		return nil
	}
	at := p.now()
	type group struct {
		targetIDs []int64
		recordIDs []uint64
	}
	groups := map[string]*group{}
	var okIDs []uint64
	var failed []indexrepo.FailureInput
	for _, o := range outcomes {
		if !o.ok {
			failed = append(failed, indexrepo.FailureInput{RecordID: o.rec.ID, Reason: o.reason})
			continue
		}
		g := groups[o.rec.TargetEntityType]
		if g == nil {
			g = &group{}
			groups[o.rec.TargetEntityType] = g
		}
		g.targetIDs = append(g.targetIDs, o.rec.TargetID)
		g.recordIDs = append(g.recordIDs, o.rec.ID)
		okIDs = append(okIDs, o.rec.ID)
	}

	for entityType, g := range groups {
		rc := indexrepo.Reconciliation{
			SiteID:     siteID,
			EntityType: entityType,
			TargetIDs:  g.targetIDs,
			RecordIDs:  g.recordIDs,
			At:         at,
		}
		var err error
		switch action {
		case types.ActionDelete:
			_, err = p.records.ReconcileDelete(dbc, rc)
		case types.ActionUpsert:
			_, err = p.records.ReconcileUpsert(dbc, rc)
		default:
			err = fmt.Errorf("cannot reconcile action %s", action)
		}
		if err != nil {
			return fmt.Errorf("reconcile %s: %w", action, err)
		}
	}

	if p.failures == nil {
		return nil
	}
	if _, err := p.failures.Clear(dbc, action, okIDs); err != nil {
		p.log.Warn("clear dispatch failures failed", "site_id", siteID, "action", action.String(), "error", err)
	}
	if len(failed) > 0 {
		rows, err := p.failures.RecordFailures(dbc, siteID, action, failed, p.cfg.Backoff, at)
		if err != nil {
			p.log.Warn("record dispatch failures failed", "site_id", siteID, "action", action.String(), "error", err)
			return nil
		}
		for _, f := range rows {
			if f.Quarantined {
				p.log.Warn("record quarantined after repeated dispatch failures",
					"site_id", siteID, "record_id", f.RecordID, "action", action.String(), "attempts", f.Attempts)
			}
		}
	}
	return nil
}
