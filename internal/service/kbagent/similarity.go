package kbagent

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/ashita-ai/sapphire/internal/model"
	"github.com/ashita-ai/sapphire/internal/search"
)

// Candidate types.
const (
	CandidateIndexed     = "indexed"
	CandidateOutlineOnly = "outline_only"
)

const (
	searchLimit     = 10
	queryDescMax    = 200
	semanticMinimum = 0.5
)

// Candidate is an existing article that may cover the same issue.
type Candidate struct {
	DocumentID string     `json:"outline_document_id"`
	ArticleID  *uuid.UUID `json:"article_id,omitempty"`
	Title      string     `json:"title"`
	Similarity float64    `json:"similarity"`
	Type       string     `json:"type"`
	// Relevance is the vector-index score when the candidate came from
	// semantic recall.
	Relevance float64 `json:"relevance,omitempty"`
}

// Indexed reports whether the candidate has a local index entry.
func (c Candidate) Indexed() bool { return c.Type == CandidateIndexed && c.ArticleID != nil }

// Jaccard returns |A∩B| / |A∪B| over the lowercased whitespace-separated
// word sets of a and b, or 0 when either set is empty.
func Jaccard(a, b string) float64 {
	wa := wordSet(a)
	wb := wordSet(b)
	if len(wa) == 0 || len(wb) == 0 {
		return 0
	}
	inter := 0
	for w := range wa {
		if _, ok := wb[w]; ok {
			inter++
		}
	}
	union := len(wa) + len(wb) - inter
	return float64(inter) / float64(union)
}

func wordSet(s string) map[string]struct{} {
	fields := strings.Fields(strings.ToLower(s))
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}

func similarityQuery(title, description string) string {
	if r := []rune(description); len(r) > queryDescMax {
		description = string(r[:queryDescMax])
	}
	return title + " " + description
}

// FindSimilar gathers existing articles that may describe the same issue:
// Outline full-text hits, plus vector-index hits when semantic recall is
// configured. Candidates are scored by title Jaccard, best first.
func (a *Agent) FindSimilar(ctx context.Context, tenantID uuid.UUID, title, description string) ([]Candidate, error) {
	query := similarityQuery(title, description)
	docs := a.outline.Search(ctx, query, searchLimit)

	ids := make([]string, 0, len(docs))
	for _, d := range docs {
		if d.ID != "" {
			ids = append(ids, d.ID)
		}
	}
	indexed := map[string]model.KBArticle{}
	if len(ids) > 0 {
		var err error
		if indexed, err = a.store.GetArticlesByDocumentIDs(ctx, ids); err != nil {
			return nil, fmt.Errorf("kbagent: find similar: %w", err)
		}
	}

	seen := make(map[string]bool, len(docs))
	candidates := make([]Candidate, 0, len(docs))
	for _, d := range docs {
		if d.ID == "" || seen[d.ID] {
			continue
		}
		seen[d.ID] = true
		if art, ok := indexed[d.ID]; ok {
			id := art.ID
			candidates = append(candidates, Candidate{
				DocumentID: d.ID,
				ArticleID:  &id,
				Title:      art.Title,
				Similarity: Jaccard(title, art.Title),
				Type:       CandidateIndexed,
			})
			continue
		}
		candidates = append(candidates, Candidate{
			DocumentID: d.ID,
			Title:      d.Title,
			Similarity: Jaccard(title, d.Title),
			Type:       CandidateOutlineOnly,
		})
	}

	for _, h := range a.semanticRecall(ctx, tenantID, query) {
		if seen[h.Article.OutlineDocumentID] {
			continue
		}
		seen[h.Article.OutlineDocumentID] = true
		id := h.Article.ID
		candidates = append(candidates, Candidate{
			DocumentID: h.Article.OutlineDocumentID,
			ArticleID:  &id,
			Title:      h.Article.Title,
			Similarity: Jaccard(title, h.Article.Title),
			Type:       CandidateIndexed,
			Relevance:  h.Relevance,
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Similarity > candidates[j].Similarity
	})
	return candidates, nil
}

// semanticRecall queries the vector index. Any failure, including a
// disabled embedder, yields no hits.
func (a *Agent) semanticRecall(ctx context.Context, tenantID uuid.UUID, query string) []search.Hit {
	if a.embedder == nil || a.index == nil {
		return nil
	}
	vec, err := a.embedder.Embed(ctx, query)
	if err != nil {
		a.logger.Debug("kbagent: semantic recall skipped", "error", err)
		return nil
	}
	results, err := a.index.Search(ctx, tenantID, vec.Slice(), searchLimit)
	if err != nil {
		a.logger.Warn("kbagent: vector search failed", "error", err)
		return nil
	}
	if len(results) == 0 {
		return nil
	}
	ids := make([]uuid.UUID, len(results))
	for i, r := range results {
		ids[i] = r.ArticleID
	}
	articles, err := a.store.GetArticlesByIDs(ctx, ids)
	if err != nil {
		a.logger.Warn("kbagent: hydrate vector hits failed", "error", err)
		return nil
	}
	hits := search.Rank(results, articles, tenantID, a.now(), searchLimit)
	out := hits[:0]
	for _, h := range hits {
		if h.Relevance >= semanticMinimum {
			out = append(out, h)
		}
	}
	return out
}

// Thresholds for Decide.
const (
	MinConfidence     = 0.75
	HighSimilarity    = 0.85
	VariantSimilarity = 0.60
)

// Decision is the verdict for one resolved issue.
type Decision struct {
	Decision model.KBDecision    `json:"decision"`
	Strategy model.MergeStrategy `json:"merge_strategy,omitempty"`
	Reason   string              `json:"reason"`
	Best     *Candidate          `json:"best,omitempty"`
}

// Decide picks create, update or skip from the best candidate's similarity.
// candidates must be sorted best first, as FindSimilar returns them.
//
//	confidence < 0.75         skip
//	no candidates             create
//	best > 0.85               update, merging sections
//	0.60 <= best <= 0.85      update, appending a variant
//	otherwise                 create
func Decide(candidates []Candidate, confidence float64) Decision {
	if confidence < MinConfidence {
		return Decision{
			Decision: model.KBDecisionSkip,
			Reason:   fmt.Sprintf("AI confidence %.2f below threshold %.2f", confidence, MinConfidence),
		}
	}
	if len(candidates) == 0 {
		return Decision{Decision: model.KBDecisionCreate, Reason: "No similar articles found"}
	}
	best := candidates[0]
	switch {
	case best.Similarity > HighSimilarity:
		return Decision{
			Decision: model.KBDecisionUpdate,
			Strategy: model.MergeSections,
			Reason:   fmt.Sprintf("High similarity (%.2f) with %q", best.Similarity, best.Title),
			Best:     &best,
		}
	case best.Similarity >= VariantSimilarity:
		return Decision{
			Decision: model.KBDecisionUpdate,
			Strategy: model.MergeAppendVariant,
			Reason:   fmt.Sprintf("Moderate similarity (%.2f) with %q, adding variant", best.Similarity, best.Title),
			Best:     &best,
		}
	default:
		return Decision{
			Decision: model.KBDecisionCreate,
			Reason:   fmt.Sprintf("Low similarity (%.2f) with closest article %q", best.Similarity, best.Title),
			Best:     &best,
		}
	}
}
