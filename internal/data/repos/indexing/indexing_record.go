package indexing

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	types "github.com/yungbote/catalog-indexer/internal/domain"
	apperrors "github.com/yungbote/catalog-indexer/internal/pkg/errors"
	"github.com/yungbote/catalog-indexer/internal/pkg/dbctx"
	"github.com/yungbote/catalog-indexer/internal/platform/ctxutil"
	"github.com/yungbote/catalog-indexer/internal/platform/logger"
)

// RecordFilter narrows Query. Zero-valued fields are ignored.
type RecordFilter struct {
	EntityType  string
	Subtypes    []string
	SiteIDs     []string
	TargetIDs   []int64
	NextAction  *types.Action
	IsIndexable *bool
	Retired     *bool
}

// QueryOptions controls ordering and paging. When PageSize is set the order is forced to
// ascending id and only rows with id > StartFrom are returned, so callers page with the
// last id they saw.
type QueryOptions struct {
	Sort      string
	PageSize  int
	StartFrom uint64
}

type CountFilter struct {
	EntityType  string
	SiteID      string
	NextAction  *types.Action
	IsIndexable *bool
}

type PendingQuery struct {
	SiteID        string
	Action        types.Action
	IndexableOnly bool
	Limit         int
	Now           time.Time
}

// Reconciliation describes confirmed deliveries for one site and entity type.
// RecordIDs are the rows that were actually dispatched.
type Reconciliation struct {
	SiteID     string
	EntityType string
	TargetIDs  []int64
	RecordIDs  []uint64
	At         time.Time
}

type IndexingRecordRepo interface {
	Save(dbc dbctx.Context, rec *types.IndexingRecord) (*types.IndexingRecord, error)
	SaveAll(dbc dbctx.Context, recs []*types.IndexingRecord) ([]*types.IndexingRecord, error)
	GetByID(dbc dbctx.Context, id uint64) (*types.IndexingRecord, error)
	Query(dbc dbctx.Context, filter RecordFilter, opts QueryOptions) ([]*types.IndexingRecord, error)
	Count(dbc dbctx.Context, filter CountFilter) (int64, error)
	DistinctEntityTypes(dbc dbctx.Context, siteID string) ([]string, error)

	TrackedTargetIDs(dbc dbctx.Context, siteID, entityType string, afterTargetID int64, limit int) ([]int64, error)
	TrackedIdentities(dbc dbctx.Context, siteID, entityType string, targetIDs []int64) (map[int64][]TrackedIdentity, error)
	MarkForDelete(dbc dbctx.Context, siteID, entityType string, targetIDs []int64) (int64, error)
	PhaseOut(dbc dbctx.Context, siteID, entityType string, targetIDs []int64, keepSubtype string) (int64, error)
	Revive(dbc dbctx.Context, siteID, entityType string, targetIDs []int64) (int64, error)
	SetIndexable(dbc dbctx.Context, siteID, entityType string, targetIDs []int64) (int64, error)
	SetNotIndexable(dbc dbctx.Context, siteID, entityType string, targetIDs []int64) (int64, error)

	ListPending(dbc dbctx.Context, q PendingQuery) ([]*types.IndexingRecord, error)
	ReconcileDelete(dbc dbctx.Context, r Reconciliation) (int64, error)
	ReconcileUpsert(dbc dbctx.Context, r Reconciliation) (int64, error)
}

type indexingRecordRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewIndexingRecordRepo(db *gorm.DB, baseLog *logger.Logger) IndexingRecordRepo {
	return &indexingRecordRepo{
		db:  db,
		log: baseLog.With("repo", "IndexingRecordRepo"),
	}
}

func (r *indexingRecordRepo) tx(dbc dbctx.Context) *gorm.DB {
	return dbc.DB(r.db).WithContext(ctxutil.Default(dbc.Ctx))
}

// ValidateRecord checks the required identity fields and the indexability invariant.
func ValidateRecord(rec *types.IndexingRecord) error {
	if rec == nil {
		return apperrors.Validation("record is nil")
	}
	if strings.TrimSpace(rec.TargetEntityType) == "" {
		return apperrors.Validation("target_entity_type is required")
	}
	if rec.TargetID <= 0 {
		return apperrors.Validation("target_id is required")
	}
	if strings.TrimSpace(rec.SiteID) == "" {
		return apperrors.Validation("site_id is required")
	}
	if !rec.NextAction.Valid() || !rec.LastAction.Valid() {
		return apperrors.Validation("unknown action")
	}
	if rec.NextAction == types.ActionUpsert && !rec.IsIndexable {
		return apperrors.Validation("next_action=upsert requires is_indexable")
	}
	return nil
}

func (r *indexingRecordRepo) Save(dbc dbctx.Context, rec *types.IndexingRecord) (*types.IndexingRecord, error) {
	if err := ValidateRecord(rec); err != nil {
		return nil, err
	}
	var err error
	if rec.ID == 0 {
		err = r.tx(dbc).Create(rec).Error
	} else {
		err = r.tx(dbc).Save(rec).Error
	}
	if err != nil {
		return nil, mapError("save", err)
	}
	return rec, nil
}

func (r *indexingRecordRepo) SaveAll(dbc dbctx.Context, recs []*types.IndexingRecord) ([]*types.IndexingRecord, error) {
	if len(recs) == 0 {
		return []*types.IndexingRecord{}, nil
	}
	for _, rec := range recs {
		if err := ValidateRecord(rec); err != nil {
			return nil, err
		}
	}
	if err := r.tx(dbc).CreateInBatches(recs, 200).Error; err != nil {
		return nil, mapError("save all", err)
	}
	return recs, nil
}

func (r *indexingRecordRepo) GetByID(dbc dbctx.Context, id uint64) (*types.IndexingRecord, error) {
	if id == 0 {
		return nil, apperrors.ErrNotFound
	}
	var rec types.IndexingRecord
	err := r.tx(dbc).Where("id = ?", id).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, mapError("get", err)
	}
	return &rec, nil
}

func (r *indexingRecordRepo) Query(dbc dbctx.Context, filter RecordFilter, opts QueryOptions) ([]*types.IndexingRecord, error) {
	q := applyRecordFilter(r.tx(dbc).Model(&types.IndexingRecord{}), filter)
	if opts.PageSize > 0 {
		q = q.Where("id > ?", opts.StartFrom).Order("id ASC").Limit(opts.PageSize)
	} else if order := sortClause(opts.Sort); order != "" {
		q = q.Order(order)
	}
	var out []*types.IndexingRecord
	if err := q.Find(&out).Error; err != nil {
		return nil, mapError("query", err)
	}
	return out, nil
}

func applyRecordFilter(q *gorm.DB, f RecordFilter) *gorm.DB {
	if f.EntityType != "" {
		q = q.Where("target_entity_type = ?", f.EntityType)
	}
	if len(f.Subtypes) > 0 {
		q = q.Where("target_entity_subtype IN ?", f.Subtypes)
	}
	if len(f.SiteIDs) > 0 {
		q = q.Where("site_id IN ?", f.SiteIDs)
	}
	if len(f.TargetIDs) > 0 {
		q = q.Where("target_id IN ?", f.TargetIDs)
	}
	if f.NextAction != nil {
		q = q.Where("next_action = ?", *f.NextAction)
	}
	if f.IsIndexable != nil {
		q = q.Where("is_indexable = ?", *f.IsIndexable)
	}
	if f.Retired != nil {
		q = q.Where("retired = ?", *f.Retired)
	}
	return q
}

var sortableColumns = map[string]struct{}{
	"id":                    {},
	"target_id":             {},
	"site_id":               {},
	"last_action_timestamp": {},
	"updated_at":            {},
}

// sortClause accepts "column" or "column desc" for whitelisted columns only.
func sortClause(raw string) string {
	parts := strings.Fields(strings.ToLower(strings.TrimSpace(raw)))
	if len(parts) == 0 || len(parts) > 2 {
		return ""
	}
	if _, ok := sortableColumns[parts[0]]; !ok {
		return ""
	}
	dir := "ASC"
	if len(parts) == 2 && parts[1] == "desc" {
		dir = "DESC"
	}
	return parts[0] + " " + dir
}

func (r *indexingRecordRepo) Count(dbc dbctx.Context, f CountFilter) (int64, error) {
	q := r.tx(dbc).Model(&types.IndexingRecord{})
	if f.EntityType != "" {
		q = q.Where("target_entity_type = ?", f.EntityType)
	}
	if f.SiteID != "" {
		q = q.Where("site_id = ?", f.SiteID)
	}
	if f.NextAction != nil {
		q = q.Where("next_action = ?", *f.NextAction)
	}
	if f.IsIndexable != nil {
		q = q.Where("is_indexable = ?", *f.IsIndexable)
	}
	var n int64
	if err := q.Count(&n).Error; err != nil {
		return 0, mapError("count", err)
	}
	return n, nil
}

func (r *indexingRecordRepo) DistinctEntityTypes(dbc dbctx.Context, siteID string) ([]string, error) {
	var out []string
	err := r.tx(dbc).Model(&types.IndexingRecord{}).
		Where("site_id = ?", siteID).
		Distinct().
		Order("target_entity_type ASC").
		Pluck("target_entity_type", &out).Error
	if err != nil {
		return nil, mapError("distinct entity types", err)
	}
	return out, nil
}

// TrackedTargetIDs streams distinct, non-retired target ids in ascending order after afterTargetID.
func (r *indexingRecordRepo) TrackedTargetIDs(dbc dbctx.Context, siteID, entityType string, afterTargetID int64, limit int) ([]int64, error) {
	if limit <= 0 {
		limit = 1000
	}
	var ids []int64
	err := r.tx(dbc).Model(&types.IndexingRecord{}).
		Where("site_id = ? AND target_entity_type = ? AND retired = ? AND target_id > ?", siteID, entityType, false, afterTargetID).
		Distinct().
		Order("target_id ASC").
		Limit(limit).
		Pluck("target_id", &ids).Error
	if err != nil {
		return nil, mapError("tracked target ids", err)
	}
	return ids, nil
}

// TrackedIdentity is the slice of a row Discovery needs to diff against the catalog.
type TrackedIdentity struct {
	ID         uint64
	TargetID   int64
	Subtype    string
	NextAction types.Action
	Retired    bool
}

// TrackedIdentities returns every row of targetIDs grouped by target id. Ids without rows are absent.
func (r *indexingRecordRepo) TrackedIdentities(dbc dbctx.Context, siteID, entityType string, targetIDs []int64) (map[int64][]TrackedIdentity, error) {
	out := make(map[int64][]TrackedIdentity, len(targetIDs))
	if len(targetIDs) == 0 {
		return out, nil
	}
	var rows []*types.IndexingRecord
	err := r.tx(dbc).
		Select("id", "target_id", "target_entity_subtype", "next_action", "retired").
		Where("site_id = ? AND target_entity_type = ? AND target_id IN ?", siteID, entityType, targetIDs).
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, mapError("tracked identities", err)
	}
	for _, row := range rows {
		out[row.TargetID] = append(out[row.TargetID], TrackedIdentity{
			ID:         row.ID,
			TargetID:   row.TargetID,
			Subtype:    row.TargetEntitySubtype,
			NextAction: row.NextAction,
			Retired:    row.Retired,
		})
	}
	return out, nil
}

func (r *indexingRecordRepo) MarkForDelete(dbc dbctx.Context, siteID, entityType string, targetIDs []int64) (int64, error) {
	if len(targetIDs) == 0 {
		return 0, nil
	}
	res := r.tx(dbc).Model(&types.IndexingRecord{}).
		Where("site_id = ? AND target_entity_type = ? AND target_id IN ?", siteID, entityType, targetIDs).
		Where("retired = ? AND next_action <> ?", false, types.ActionDelete).
		Updates(map[string]interface{}{
			"next_action": types.ActionDelete,
			"updated_at":  time.Now(),
		})
	if res.Error != nil {
		return 0, mapError("mark for delete", res.Error)
	}
	return res.RowsAffected, nil
}

// PhaseOut proposes a delete for the active rows of targetIDs whose subtype is not keepSubtype.
func (r *indexingRecordRepo) PhaseOut(dbc dbctx.Context, siteID, entityType string, targetIDs []int64, keepSubtype string) (int64, error) {
	if len(targetIDs) == 0 {
		return 0, nil
	}
	res := r.tx(dbc).Model(&types.IndexingRecord{}).
		Where("site_id = ? AND target_entity_type = ? AND target_id IN ?", siteID, entityType, targetIDs).
		Where("target_entity_subtype <> ? AND retired = ? AND next_action <> ?", keepSubtype, false, types.ActionDelete).
		Updates(map[string]interface{}{
			"next_action": types.ActionDelete,
			"updated_at":  time.Now(),
		})
	if res.Error != nil {
		return 0, mapError("phase out", res.Error)
	}
	return res.RowsAffected, nil
}

// Revive reactivates retired rows for entities that reappeared in the source catalog.
// Indexability stays false until the observer flips it.
func (r *indexingRecordRepo) Revive(dbc dbctx.Context, siteID, entityType string, targetIDs []int64) (int64, error) {
	if len(targetIDs) == 0 {
		return 0, nil
	}
	res := r.tx(dbc).Model(&types.IndexingRecord{}).
		Where("site_id = ? AND target_entity_type = ? AND target_id IN ? AND retired = ?", siteID, entityType, targetIDs, true).
		Updates(map[string]interface{}{
			"retired":    false,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return 0, mapError("revive", res.Error)
	}
	return res.RowsAffected, nil
}

// SetIndexable marks entities eligible and proposes an upsert. Rows pending delete are left alone.
func (r *indexingRecordRepo) SetIndexable(dbc dbctx.Context, siteID, entityType string, targetIDs []int64) (int64, error) {
	if len(targetIDs) == 0 {
		return 0, nil
	}
	res := r.tx(dbc).Model(&types.IndexingRecord{}).
		Where("site_id = ? AND target_entity_type = ? AND target_id IN ? AND next_action <> ?", siteID, entityType, targetIDs, types.ActionDelete).
		Updates(map[string]interface{}{
			"is_indexable": true,
			"next_action":  types.ActionUpsert,
			"retired":      false,
			"updated_at":   time.Now(),
		})
	if res.Error != nil {
		return 0, mapError("set indexable", res.Error)
	}
	return res.RowsAffected, nil
}

// SetNotIndexable withdraws eligibility. Rows that were delivered get a delete proposed,
// everything else simply drops its pending upsert.
func (r *indexingRecordRepo) SetNotIndexable(dbc dbctx.Context, siteID, entityType string, targetIDs []int64) (int64, error) {
	if len(targetIDs) == 0 {
		return 0, nil
	}
	res := r.tx(dbc).Model(&types.IndexingRecord{}).
		Where("site_id = ? AND target_entity_type = ? AND target_id IN ? AND next_action <> ?", siteID, entityType, targetIDs, types.ActionDelete).
		Updates(map[string]interface{}{
			"is_indexable": false,
			"next_action":  gorm.Expr("CASE WHEN last_action = ? THEN ? ELSE ? END", types.ActionUpsert, types.ActionDelete, types.ActionNone),
			"updated_at":   time.Now(),
		})
	if res.Error != nil {
		return 0, mapError("set not indexable", res.Error)
	}
	return res.RowsAffected, nil
}

// ListPending returns up to Limit rows proposing Action, ascending by id. Rows whose failure
// ledger entry is quarantined or still backing off are skipped.
func (r *indexingRecordRepo) ListPending(dbc dbctx.Context, pq PendingQuery) ([]*types.IndexingRecord, error) {
	var out []*types.IndexingRecord
	if pq.Limit <= 0 {
		return out, nil
	}
	now := pq.Now
	if now.IsZero() {
		now = time.Now()
	}
	q := r.tx(dbc).Model(&types.IndexingRecord{}).
		Where("site_id = ? AND next_action = ?", pq.SiteID, pq.Action)
	if pq.IndexableOnly {
		q = q.Where("is_indexable = ?", true)
	}
	q = q.Where(`NOT EXISTS (
      SELECT 1 FROM indexing_failure f
      WHERE f.record_id = indexing_record.id
        AND f.action = ?
        AND (f.quarantined = ? OR f.next_attempt_at > ?)
    )`, pq.Action, true, now)
	if err := q.Order("id ASC").Limit(pq.Limit).Find(&out).Error; err != nil {
		return nil, mapError("list pending", err)
	}
	return out, nil
}

// ReconcileDelete applies confirmed deletes in one statement. next_action, is_indexable and
// retired only move when next_action is still delete, so a newer proposal written after the
// batch was read survives. Rows never delivered (last_action=no_action) are excluded unless they
// were the dispatched row itself; that keeps a retiring identity from clearing its phase-in twin.
// A delivered twin that is still indexable lost its document with this delete and is queued
// for another upsert.
func (r *indexingRecordRepo) ReconcileDelete(dbc dbctx.Context, rc Reconciliation) (int64, error) {
	if len(rc.TargetIDs) == 0 {
		return 0, nil
	}
	at := rc.At
	if at.IsZero() {
		at = time.Now()
	}
	q := r.tx(dbc).Model(&types.IndexingRecord{}).
		Where("site_id = ? AND target_entity_type = ? AND target_id IN ?", rc.SiteID, rc.EntityType, rc.TargetIDs)
	if len(rc.RecordIDs) > 0 {
		q = q.Where("(last_action <> ? OR id IN ?)", types.ActionNone, rc.RecordIDs)
	} else {
		q = q.Where("last_action <> ?", types.ActionNone)
	}
	nextAction := gorm.Expr(
		"CASE WHEN next_action = ? THEN ? WHEN next_action = ? AND is_indexable = ? THEN ? ELSE next_action END",
		types.ActionDelete, types.ActionNone, types.ActionNone, true, types.ActionUpsert,
	)
	res := q.Updates(map[string]interface{}{
		"last_action":           types.ActionDelete,
		"last_action_timestamp": at,
		"next_action":           nextAction,
		"is_indexable":          gorm.Expr("CASE WHEN next_action = ? THEN ? ELSE is_indexable END", types.ActionDelete, false),
		"retired":               gorm.Expr("CASE WHEN next_action = ? THEN ? ELSE retired END", types.ActionDelete, true),
		"updated_at":            at,
	})
	if res.Error != nil {
		return 0, mapError("reconcile delete", res.Error)
	}
	return res.RowsAffected, nil
}

// ReconcileUpsert applies confirmed upserts. It touches the dispatched rows plus any duplicate
// row still proposing an upsert for the same target; rows proposing a delete are not touched
// unless they were dispatched themselves. A dispatched row withdrawn while its upsert was in
// flight (next_action=no_action, not indexable) now has a document in the index and is queued
// for delete.
func (r *indexingRecordRepo) ReconcileUpsert(dbc dbctx.Context, rc Reconciliation) (int64, error) {
	if len(rc.TargetIDs) == 0 {
		return 0, nil
	}
	at := rc.At
	if at.IsZero() {
		at = time.Now()
	}
	q := r.tx(dbc).Model(&types.IndexingRecord{}).
		Where("site_id = ? AND target_entity_type = ? AND target_id IN ?", rc.SiteID, rc.EntityType, rc.TargetIDs)
	if len(rc.RecordIDs) > 0 {
		q = q.Where("(id IN ? OR (next_action = ? AND is_indexable = ?))", rc.RecordIDs, types.ActionUpsert, true)
	} else {
		q = q.Where("next_action = ? AND is_indexable = ?", types.ActionUpsert, true)
	}
	nextAction := gorm.Expr(
		"CASE WHEN next_action = ? THEN ? WHEN next_action = ? AND is_indexable = ? THEN ? ELSE next_action END",
		types.ActionUpsert, types.ActionNone, types.ActionNone, false, types.ActionDelete,
	)
	res := q.Updates(map[string]interface{}{
		"last_action":           types.ActionUpsert,
		"last_action_timestamp": at,
		"next_action":           nextAction,
		"retired":               false,
		"updated_at":            at,
	})
	if res.Error != nil {
		return 0, mapError("reconcile upsert", res.Error)
	}
	return res.RowsAffected, nil
}

func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if isDuplicateKey(err) {
		return fmt.Errorf("indexing record %s: %w", op, errors.Join(apperrors.ErrAlreadyExists, err))
	}
	return fmt.Errorf("indexing record %s: %w", op, errors.Join(apperrors.ErrPersistenceFailed, err))
}

func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && strings.TrimSpace(pgErr.Code) == "23505" {
		return true
	}
	return false
}
