package indexing

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/yungbote/catalog-indexer/internal/domain"
	apperrors "github.com/yungbote/catalog-indexer/internal/pkg/errors"
	"github.com/yungbote/catalog-indexer/internal/pkg/dbctx"
	"github.com/yungbote/catalog-indexer/internal/platform/ctxutil"
	"github.com/yungbote/catalog-indexer/internal/platform/logger"
)

// BackoffPolicy decides when a failed dispatch becomes eligible again.
// A zero Base retries on the next pass; a zero MaxAttempts never quarantines.
type BackoffPolicy struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
}

func (p BackoffPolicy) NextAttempt(attempts int, now time.Time) time.Time {
	if p.Base <= 0 || attempts <= 0 {
		return now
	}
	d := p.Base
	for i := 1; i < attempts; i++ {
		d *= 2
		if p.Max > 0 && d >= p.Max {
			d = p.Max
			break
		}
	}
	if p.Max > 0 && d > p.Max {
		d = p.Max
	}
	return now.Add(d)
}

func (p BackoffPolicy) Quarantine(attempts int) bool {
	return p.MaxAttempts > 0 && attempts >= p.MaxAttempts
}

type FailureInput struct {
	RecordID uint64
	Reason   string
}

type IndexingFailureRepo interface {
	RecordFailures(dbc dbctx.Context, siteID string, action types.Action, inputs []FailureInput, policy BackoffPolicy, now time.Time) ([]*types.IndexingFailure, error)
	Clear(dbc dbctx.Context, action types.Action, recordIDs []uint64) (int64, error)
	ListQuarantined(dbc dbctx.Context, siteID string, limit int) ([]*types.IndexingFailure, error)
	Release(dbc dbctx.Context, siteID string, recordIDs []uint64) (int64, error)
	CountQuarantined(dbc dbctx.Context, siteID string) (int64, error)
}

type indexingFailureRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewIndexingFailureRepo(db *gorm.DB, baseLog *logger.Logger) IndexingFailureRepo {
	return &indexingFailureRepo{
		db:  db,
		log: baseLog.With("repo", "IndexingFailureRepo"),
	}
}

func (r *indexingFailureRepo) tx(dbc dbctx.Context) *gorm.DB {
	return dbc.DB(r.db).WithContext(ctxutil.Default(dbc.Ctx))
}

type failureDetail struct {
	FirstFailedAt time.Time `json:"first_failed_at"`
	LastFailedAt  time.Time `json:"last_failed_at"`
	Reasons       []string  `json:"reasons,omitempty"`
}

const maxDetailReasons = 5

// RecordFailures bumps the ledger entry for each record, creating it on first failure.
func (r *indexingFailureRepo) RecordFailures(dbc dbctx.Context, siteID string, action types.Action, inputs []FailureInput, policy BackoffPolicy, now time.Time) ([]*types.IndexingFailure, error) {
	if len(inputs) == 0 {
		return []*types.IndexingFailure{}, nil
	}
	if siteID == "" {
		return nil, apperrors.Validation("site_id is required")
	}
	if now.IsZero() {
		now = time.Now()
	}
	ids := make([]uint64, 0, len(inputs))
	for _, in := range inputs {
		if in.RecordID == 0 {
			return nil, apperrors.Validation("record_id is required")
		}
		ids = append(ids, in.RecordID)
	}

	out := make([]*types.IndexingFailure, 0, len(inputs))
	err := r.tx(dbc).Transaction(func(txx *gorm.DB) error {
		var existing []*types.IndexingFailure
		q := txx
		if txx.Dialector.Name() == "postgres" {
			q = q.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		if err := q.
			Where("record_id IN ? AND action = ?", ids, action).
			Find(&existing).Error; err != nil {
			return err
		}
		byRecord := make(map[uint64]*types.IndexingFailure, len(existing))
		for _, f := range existing {
			byRecord[f.RecordID] = f
		}

		for _, in := range inputs {
			f := byRecord[in.RecordID]
			detail := failureDetail{FirstFailedAt: now}
			if f == nil {
				f = &types.IndexingFailure{RecordID: in.RecordID, Action: action, SiteID: siteID}
				byRecord[in.RecordID] = f
			} else if len(f.Detail) > 0 {
				if err := json.Unmarshal(f.Detail, &detail); err != nil {
					r.log.Debug("resetting malformed failure detail", "record_id", f.RecordID, "action", action, "error", err)
					detail = failureDetail{FirstFailedAt: f.CreatedAt}
					if detail.FirstFailedAt.IsZero() {
						detail.FirstFailedAt = now
					}
				}
			}
			f.Attempts++
			f.LastError = in.Reason
			f.NextAttemptAt = policy.NextAttempt(f.Attempts, now)
			f.Quarantined = policy.Quarantine(f.Attempts)

			detail.LastFailedAt = now
			if in.Reason != "" {
				detail.Reasons = append(detail.Reasons, in.Reason)
				if len(detail.Reasons) > maxDetailReasons {
					detail.Reasons = detail.Reasons[len(detail.Reasons)-maxDetailReasons:]
				}
			}
			if b, err := json.Marshal(detail); err == nil {
				f.Detail = datatypes.JSON(b)
			}

			if err := txx.Save(f).Error; err != nil {
				return err
			}
			out = append(out, f)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("record failures: %w", errors.Join(apperrors.ErrPersistenceFailed, err))
	}
	return out, nil
}

// Clear drops ledger entries once a dispatch for the record succeeds.
func (r *indexingFailureRepo) Clear(dbc dbctx.Context, action types.Action, recordIDs []uint64) (int64, error) {
	if len(recordIDs) == 0 {
		return 0, nil
	}
	res := r.tx(dbc).
		Where("record_id IN ? AND action = ?", recordIDs, action).
		Delete(&types.IndexingFailure{})
	if res.Error != nil {
		return 0, fmt.Errorf("clear failures: %w", errors.Join(apperrors.ErrPersistenceFailed, res.Error))
	}
	return res.RowsAffected, nil
}

func (r *indexingFailureRepo) ListQuarantined(dbc dbctx.Context, siteID string, limit int) ([]*types.IndexingFailure, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []*types.IndexingFailure
	err := r.tx(dbc).
		Where("site_id = ? AND quarantined = ?", siteID, true).
		Order("updated_at DESC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list quarantined: %w", errors.Join(apperrors.ErrPersistenceFailed, err))
	}
	return out, nil
}

// Release removes ledger entries so the records are dispatched again on the next pass.
// An empty recordIDs releases every quarantined entry of the site.
func (r *indexingFailureRepo) Release(dbc dbctx.Context, siteID string, recordIDs []uint64) (int64, error) {
	q := r.tx(dbc).Where("site_id = ? AND quarantined = ?", siteID, true)
	if len(recordIDs) > 0 {
		q = q.Where("record_id IN ?", recordIDs)
	}
	res := q.Delete(&types.IndexingFailure{})
	if res.Error != nil {
		return 0, fmt.Errorf("release failures: %w", errors.Join(apperrors.ErrPersistenceFailed, res.Error))
	}
	return res.RowsAffected, nil
}

func (r *indexingFailureRepo) CountQuarantined(dbc dbctx.Context, siteID string) (int64, error) {
	var n int64
	err := r.tx(dbc).Model(&types.IndexingFailure{}).
		Where("site_id = ? AND quarantined = ?", siteID, true).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("count quarantined: %w", errors.Join(apperrors.ErrPersistenceFailed, err))
	}
	return n, nil
}
