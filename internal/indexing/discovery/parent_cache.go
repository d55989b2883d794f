package discovery

import (
	"context"

	"github.com/yungbote/catalog-indexer/internal/catalog"
	"github.com/yungbote/catalog-indexer/internal/siteconfig"
)

// parentCache remembers child->parent lookups for the lifetime of one site pass.
// Misses are cached too so orphans are not looked up again.
type parentCache struct {
	parents map[int64]int64
	misses  map[int64]struct{}
	lookups int
}

func newParentCache() *parentCache {
	return &parentCache{
		parents: make(map[int64]int64),
		misses:  make(map[int64]struct{}),
	}
}

// resolve returns parents for the candidates that declare one. Only unseen ids hit the source.
func (c *parentCache) resolve(ctx context.Context, src Source, cfg siteconfig.Config, candidates []catalog.Candidate) (map[int64]int64, error) {
	out := make(map[int64]int64)
	var pending []int64
	for _, cand := range candidates {
		if cand.ParentID == nil {
			continue
		}
		if parentID, ok := c.parents[cand.ID]; ok {
			out[cand.ID] = parentID
			continue
		}
		if _, ok := c.misses[cand.ID]; ok {
			continue
		}
		pending = append(pending, cand.ID)
	}
	if len(pending) == 0 {
		return out, nil
	}

	c.lookups++
	resolved, err := src.ResolveParents(ctx, cfg.SiteID, pending, cfg.ParentSubtypes)
	if err != nil {
		return nil, err
	}
	for _, id := range pending {
		if parentID, ok := resolved[id]; ok {
			c.parents[id] = parentID
			out[id] = parentID
		} else {
			c.misses[id] = struct{}{}
		}
	}
	return out, nil
}
