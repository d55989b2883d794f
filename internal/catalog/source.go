package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/yungbote/catalog-indexer/internal/platform/ctxutil"
	"github.com/yungbote/catalog-indexer/internal/platform/logger"
)

const existenceChunk = 500

var ErrUnsupportedEntityType = errors.New("unsupported entity type")

// Scope selects the slice of the catalog a site indexes.
type Scope struct {
	SiteID     string
	EntityType string
	Subtypes   []string
}

type Candidate struct {
	ID       int64
	Subtype  string
	ParentID *int64
}

type Source struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewSource(db *gorm.DB, baseLog *logger.Logger) *Source {
	return &Source{db: db, log: baseLog.With("service", "CatalogSource")}
}

func (s *Source) scoped(ctx context.Context, scope Scope) (*gorm.DB, error) {
	if !strings.EqualFold(strings.TrimSpace(scope.EntityType), "product") {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEntityType, scope.EntityType)
	}
	q := s.db.WithContext(ctxutil.Default(ctx)).Model(&Product{}).Where("site_id = ?", scope.SiteID)
	if len(scope.Subtypes) > 0 {
		q = q.Where("subtype IN ?", scope.Subtypes)
	}
	return q, nil
}

// ExistingIDs returns the subset of ids still present in scope, querying in chunks.
func (s *Source) ExistingIDs(ctx context.Context, scope Scope, ids []int64) (map[int64]struct{}, error) {
	out := make(map[int64]struct{}, len(ids))
	for start := 0; start < len(ids); start += existenceChunk {
		end := start + existenceChunk
		if end > len(ids) {
			end = len(ids)
		}
		q, err := s.scoped(ctx, scope)
		if err != nil {
			return nil, err
		}
		var found []int64
		if err := q.Where("id IN ?", ids[start:end]).Pluck("id", &found).Error; err != nil {
			return nil, fmt.Errorf("catalog existing ids: %w", err)
		}
		for _, id := range found {
			out[id] = struct{}{}
		}
	}
	return out, nil
}

// CandidateIDs pages enabled products in scope by ascending id after afterID.
func (s *Source) CandidateIDs(ctx context.Context, scope Scope, afterID int64, limit int) ([]Candidate, error) {
	if limit <= 0 {
		limit = 1000
	}
	q, err := s.scoped(ctx, scope)
	if err != nil {
		return nil, err
	}
	var rows []Product
	err = q.Select("id", "subtype", "parent_id").
		Where("status = ? AND id > ?", StatusEnabled, afterID).
		Order("id ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("catalog candidates: %w", err)
	}
	out := make([]Candidate, 0, len(rows))
	for _, p := range rows {
		out = append(out, Candidate{ID: p.ID, Subtype: p.Subtype, ParentID: p.ParentID})
	}
	return out, nil
}

// ResolveParents maps each child to its composite parent in the same site. Parents are restricted
// to parentSubtypes when given. Children without a qualifying parent are absent from the result.
func (s *Source) ResolveParents(ctx context.Context, siteID string, childIDs []int64, parentSubtypes []string) (map[int64]int64, error) {
	out := make(map[int64]int64, len(childIDs))
	for start := 0; start < len(childIDs); start += existenceChunk {
		end := start + existenceChunk
		if end > len(childIDs) {
			end = len(childIDs)
		}
		var rows []struct {
			ChildID  int64
			ParentID int64
		}
		q := s.db.WithContext(ctxutil.Default(ctx)).
			Table("catalog_product AS c").
			Select("c.id AS child_id, p.id AS parent_id").
			Joins("JOIN catalog_product AS p ON p.id = c.parent_id").
			Where("c.id IN ? AND p.site_id = ?", childIDs[start:end], siteID)
		if len(parentSubtypes) > 0 {
			q = q.Where("p.subtype IN ?", parentSubtypes)
		}
		if err := q.Scan(&rows).Error; err != nil {
			return nil, fmt.Errorf("catalog resolve parents: %w", err)
		}
		for _, r := range rows {
			out[r.ChildID] = r.ParentID
		}
	}
	return out, nil
}
