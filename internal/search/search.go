// Package search provides semantic recall over KB articles through an
// external vector index. Postgres stays the source of truth; the index only
// returns article IDs and raw similarity.
package search

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/sapphire/internal/model"
)

// Result holds an article ID and its raw similarity score from the index.
// The caller hydrates full articles from Postgres.
type Result struct {
	ArticleID uuid.UUID
	Score     float32
}

// Searcher is the interface for vector search indexes.
// Implementations must be safe for concurrent use.
type Searcher interface {
	// Search returns articles visible to tenantID (its own plus global ones)
	// nearest to embedding.
	Search(ctx context.Context, tenantID uuid.UUID, embedding []float32, limit int) ([]Result, error)

	// Healthy returns nil if the search index is reachable.
	Healthy(ctx context.Context) error
}

// Hit is a hydrated, re-scored search result.
type Hit struct {
	Article   model.KBArticle
	Relevance float64
}

// tenantBoost favours a tenant's own articles over global ones of equal similarity.
const tenantBoost = 1.1

// Rank drops results whose article is missing or inactive in Postgres,
// weights the rest by freshness and tenant ownership, and returns at most
// limit hits in descending relevance.
//
// relevance = min(1, similarity * boost / (1 + age_days/180))
func Rank(results []Result, articles map[uuid.UUID]model.KBArticle, tenantID uuid.UUID, now time.Time, limit int) []Hit {
	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		a, ok := articles[r.ArticleID]
		if !ok || !a.IsActive {
			// Deactivated or deleted between index query and hydration.
			continue
		}
		ageDays := math.Max(0, now.Sub(a.LastUpdatedAt).Hours()/24.0)
		boost := 1.0
		if a.TenantID != nil && *a.TenantID == tenantID {
			boost = tenantBoost
		}
		rel := float64(r.Score) * boost / (1.0 + ageDays/180.0)
		hits = append(hits, Hit{Article: a, Relevance: math.Min(rel, 1.0)})
	}

	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].Relevance > hits[j].Relevance
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}
