// Package kbagent keeps the knowledge base current from successful AI
// resolutions. For each auto-resolved issue it looks for similar existing
// articles, decides whether to create, update or skip, acts on Outline and
// the local article index, scores the result and logs the decision.
package kbagent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/sapphire/internal/aigateway"
	"github.com/ashita-ai/sapphire/internal/kb"
	"github.com/ashita-ai/sapphire/internal/model"
	"github.com/ashita-ai/sapphire/internal/search"
	"github.com/ashita-ai/sapphire/internal/service/embedding"
	"github.com/ashita-ai/sapphire/internal/storage"
	"github.com/ashita-ai/sapphire/internal/telemetry"
)

// ErrNotIndexed is returned when updating a document that has no local
// index entry.
var ErrNotIndexed = errors.New("kbagent: article not in index")

const (
	variantSeparator = "\n\n---\n\n## New Variant / Troubleshooting\n\n"
	mergeFallbackSep = "\n\n---\n\n"
	mergeInputMax    = 2000
	createdBy        = "ai"
)

// Store is the persistence the agent needs.
type Store interface {
	GetArticleByDocumentID(ctx context.Context, documentID string) (model.KBArticle, error)
	GetArticlesByDocumentIDs(ctx context.Context, documentIDs []string) (map[string]model.KBArticle, error)
	GetArticlesByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]model.KBArticle, error)
	CreateArticle(ctx context.Context, in storage.NewArticle) (model.KBArticle, model.KBRevision, error)
	AppendRevision(ctx context.Context, articleID uuid.UUID, title, content, createdBy string, changeSummary *string) (model.KBRevision, error)
	LatestRevision(ctx context.Context, articleID uuid.UUID) (model.KBRevision, error)
	SetArticleEmbedding(ctx context.Context, articleID uuid.UUID, embedding []float32) error
	InsertQualityScore(ctx context.Context, s model.KBQualityScore) (model.KBQualityScore, error)
	InsertDecisionLog(ctx context.Context, d model.KBDecisionLog) (model.KBDecisionLog, error)
}

// VectorIndex is the read side of the semantic index.
type VectorIndex interface {
	Search(ctx context.Context, tenantID uuid.UUID, embedding []float32, limit int) ([]search.Result, error)
}

// Agent decides and applies KB changes.
type Agent struct {
	store        Store
	outline      kb.Writer
	gen          aigateway.Generator
	evaluator    *Evaluator
	embedder     embedding.Provider
	index        VectorIndex
	collectionID string
	logger       *slog.Logger
	now          func() time.Time
	decisions    metric.Int64Counter
}

// Option configures optional Agent collaborators.
type Option func(*Agent)

// WithSemanticRecall adds vector-index candidates to FindSimilar and stores
// article embeddings after every write.
func WithSemanticRecall(embedder embedding.Provider, index VectorIndex) Option {
	return func(a *Agent) {
		a.embedder = embedder
		a.index = index
	}
}

// WithCollection files created drafts under an Outline collection.
func WithCollection(id string) Option {
	return func(a *Agent) { a.collectionID = id }
}

// New creates an Agent.
func New(store Store, outline kb.Writer, gen aigateway.Generator, evaluator *Evaluator, logger *slog.Logger, opts ...Option) *Agent {
	meter := telemetry.Meter("sapphire/kbagent")
	decisions, _ := meter.Int64Counter("sapphire.kb.decisions",
		metric.WithDescription("KB agent decisions by outcome"),
	)
	a := &Agent{
		store:     store,
		outline:   outline,
		gen:       gen,
		evaluator: evaluator,
		logger:    logger,
		now:       time.Now,
		decisions: decisions,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// UpdateInput describes a new revision of an existing article.
type UpdateInput struct {
	DocumentID    string              `json:"outline_document_id"`
	Title         string              `json:"title"`
	Content       string              `json:"content"`
	Strategy      model.MergeStrategy `json:"merge_strategy"`
	ChangeSummary string              `json:"change_summary,omitempty"`
}

// UpdateResult is the outcome of UpdateArticle.
type UpdateResult struct {
	Article  model.KBArticle       `json:"article"`
	Revision model.KBRevision      `json:"revision"`
	Quality  *model.KBQualityScore `json:"quality,omitempty"`
}

// UpdateArticle writes revision latest+1 of an indexed article, merging the
// new content with the latest revision according to the strategy.
func (a *Agent) UpdateArticle(ctx context.Context, in UpdateInput) (UpdateResult, error) {
	if in.Strategy == "" {
		in.Strategy = model.MergeAppendVariant
	}
	article, err := a.store.GetArticleByDocumentID(ctx, in.DocumentID)
	if errors.Is(err, storage.ErrNotFound) {
		return UpdateResult{}, fmt.Errorf("%w: %s", ErrNotIndexed, in.DocumentID)
	}
	if err != nil {
		return UpdateResult{}, fmt.Errorf("kbagent: update article: %w", err)
	}

	var old string
	latest, err := a.store.LatestRevision(ctx, article.ID)
	switch {
	case err == nil:
		old = latest.Content
	case errors.Is(err, storage.ErrNotFound):
	default:
		return UpdateResult{}, fmt.Errorf("kbagent: update article: %w", err)
	}

	merged, err := a.merge(ctx, old, in.Content, in.Strategy)
	if err != nil {
		return UpdateResult{}, err
	}
	var summary *string
	if in.ChangeSummary != "" {
		summary = &in.ChangeSummary
	}
	rev, err := a.store.AppendRevision(ctx, article.ID, in.Title, merged, createdBy, summary)
	if err != nil {
		return UpdateResult{}, fmt.Errorf("kbagent: update article: %w", err)
	}
	if in.Title != "" {
		article.Title = in.Title
	}
	article.LastUpdatedAt = a.now().UTC()

	a.embed(ctx, article.ID, article.Title, merged)
	res := UpdateResult{Article: article, Revision: rev}
	res.Quality = a.score(ctx, article.ID, rev.ID, merged)
	return res, nil
}

func (a *Agent) merge(ctx context.Context, old, next string, strategy model.MergeStrategy) (string, error) {
	switch strategy {
	case model.MergeAppendVariant:
		return old + variantSeparator + next, nil
	case model.MergeReplace:
		return next, nil
	case model.MergeSections:
		return a.mergeSections(ctx, old, next), nil
	default:
		return "", fmt.Errorf("kbagent: %w: merge strategy %q", model.ErrInvalidEnum, strategy)
	}
}

// mergeSections asks the model to combine both versions. It falls back to
// plain concatenation when the model is unavailable or returns nothing.
func (a *Agent) mergeSections(ctx context.Context, old, next string) string {
	fallback := old + mergeFallbackSep + next
	if a.gen == nil {
		return fallback
	}
	prompt := fmt.Sprintf(`Merge these two KB article versions, keeping the best information from both:

Old Version:
%s

New Version:
%s

Return the merged markdown content, maintaining structure and removing duplicates.`,
		truncate(old, mergeInputMax), truncate(next, mergeInputMax))

	out, err := a.gen.Generate(ctx, aigateway.GenerateRequest{
		Prompt:      prompt,
		Operation:   "merge_kb_articles",
		MaxTokens:   2000,
		Temperature: 0.3,
	})
	if err != nil {
		a.logger.Warn("kbagent: merge sections failed, appending", "error", err)
		return fallback
	}
	if merged := unfence(out); merged != "" {
		return merged
	}
	return fallback
}

// CreateInput describes a new article.
type CreateInput struct {
	TenantID       *uuid.UUID `json:"tenant_id,omitempty"`
	Title          string     `json:"title"`
	Content        string     `json:"content"`
	TenantSpecific bool       `json:"tenant_specific"`
	Tags           []string   `json:"tags,omitempty"`
}

// CreateResult is the outcome of CreateArticle.
type CreateResult struct {
	Article  model.KBArticle       `json:"article"`
	Revision model.KBRevision      `json:"revision"`
	Document kb.CreatedDocument    `json:"document"`
	Quality  *model.KBQualityScore `json:"quality,omitempty"`
}

// CreateArticle creates an unpublished Outline draft, indexes it with
// revision 1 and scores it.
func (a *Agent) CreateArticle(ctx context.Context, in CreateInput) (CreateResult, error) {
	if strings.TrimSpace(in.Title) == "" {
		return CreateResult{}, fmt.Errorf("kbagent: create article: title is required")
	}
	doc, err := a.outline.CreateDocument(ctx, in.Title, in.Content, a.collectionID)
	if err != nil {
		return CreateResult{}, fmt.Errorf("kbagent: create article: %w", err)
	}

	level := model.TenantLevelGlobal
	var tenantID *uuid.UUID
	if in.TenantSpecific && in.TenantID != nil {
		level = model.TenantLevelSpecific
		tenantID = in.TenantID
	}
	summary := "Created from AI resolution"
	article, rev, err := a.store.CreateArticle(ctx, storage.NewArticle{
		Article: model.KBArticle{
			OutlineDocumentID: doc.ID,
			TenantID:          tenantID,
			Title:             in.Title,
			TenantLevel:       level,
			Tags:              in.Tags,
		},
		Content:       in.Content,
		CreatedBy:     createdBy,
		ChangeSummary: &summary,
	})
	if err != nil {
		return CreateResult{}, fmt.Errorf("kbagent: index article %s: %w", doc.ID, err)
	}

	a.embed(ctx, article.ID, article.Title, in.Content)
	res := CreateResult{Article: article, Revision: rev, Document: doc}
	res.Quality = a.score(ctx, article.ID, rev.ID, in.Content)
	return res, nil
}

// embed stores the article's embedding so the outbox worker can index it.
func (a *Agent) embed(ctx context.Context, articleID uuid.UUID, title, content string) {
	if a.embedder == nil {
		return
	}
	vec, err := a.embedder.Embed(ctx, embedding.ArticleText(title, content))
	if err != nil {
		if !errors.Is(err, embedding.ErrDisabled) {
			a.logger.Warn("kbagent: embed article failed", "article_id", articleID, "error", err)
		}
		return
	}
	if err := a.store.SetArticleEmbedding(ctx, articleID, vec.Slice()); err != nil {
		a.logger.Warn("kbagent: store article embedding failed", "article_id", articleID, "error", err)
	}
}

// score evaluates and stores a quality score. Failures are logged; a
// missing score never fails the write that produced the revision.
func (a *Agent) score(ctx context.Context, articleID, revisionID uuid.UUID, content string) *model.KBQualityScore {
	if a.evaluator == nil {
		return nil
	}
	q := a.evaluator.Evaluate(ctx, content)
	q.ArticleID = articleID
	q.RevisionID = &revisionID
	stored, err := a.store.InsertQualityScore(ctx, q)
	if err != nil {
		a.logger.Warn("kbagent: store quality score failed", "article_id", articleID, "error", err)
		return nil
	}
	return &stored
}

// ProcessInput is a successful resolution to fold into the KB.
type ProcessInput struct {
	LogID          *uuid.UUID `json:"log_id,omitempty"`
	TenantID       uuid.UUID  `json:"tenant_id"`
	TenantName     string     `json:"tenant_name"`
	TenantSpecific bool       `json:"tenant_specific"`
	Title          string     `json:"title"`
	Description    string     `json:"description"`
	Resolution     string     `json:"resolution"`
	Steps          []string   `json:"steps"`
	Confidence     float64    `json:"confidence"`
}

// ProcessResult is what Process did. Err carries a failed action; the
// decision is still logged.
type ProcessResult struct {
	Decision   model.KBDecision `json:"decision"`
	Reason     string           `json:"reason"`
	DocumentID *string          `json:"document_id,omitempty"`
	KBCreated  bool             `json:"kb_created"`
	KBUpdated  bool             `json:"kb_updated"`
	Err        error            `json:"-"`
}

// Map renders the result for the log row and the kb_agent_result audit.
func (r ProcessResult) Map() map[string]any {
	m := map[string]any{
		"decision":   string(r.Decision),
		"reason":     r.Reason,
		"kb_created": r.KBCreated,
		"kb_updated": r.KBUpdated,
	}
	if r.DocumentID != nil {
		m["document_id"] = *r.DocumentID
	}
	if r.Err != nil {
		m["error"] = r.Err.Error()
	}
	return m
}

// Process runs find, decide, act and log for one resolution.
func (a *Agent) Process(ctx context.Context, in ProcessInput) ProcessResult {
	if in.Title == "" {
		in.Title = "Support Request"
	}
	var res ProcessResult

	candidates, err := a.FindSimilar(ctx, in.TenantID, in.Title, in.Description)
	if err != nil {
		// Without the index cross-reference an update could target the
		// wrong article, so nothing is written.
		res = ProcessResult{Decision: model.KBDecisionSkip, Reason: "Similarity search failed", Err: err}
		a.logDecision(ctx, in, res, nil)
		return res
	}
	d := Decide(candidates, in.Confidence)
	res = ProcessResult{Decision: d.Decision, Reason: d.Reason}

	switch d.Decision {
	case model.KBDecisionUpdate:
		docID := d.Best.DocumentID
		res.DocumentID = &docID
		content := a.FormatContent(ctx, in, nil)
		_, err := a.UpdateArticle(ctx, UpdateInput{
			DocumentID:    docID,
			Title:         in.Title,
			Content:       content,
			Strategy:      d.Strategy,
			ChangeSummary: fmt.Sprintf("AI %s from resolution (confidence %.2f)", d.Strategy, in.Confidence),
		})
		if err != nil {
			res.Err = err
		} else {
			res.KBUpdated = true
		}

	case model.KBDecisionCreate:
		content := a.FormatContent(ctx, in, candidates)
		created, err := a.CreateArticle(ctx, CreateInput{
			TenantID:       &in.TenantID,
			Title:          in.Title,
			Content:        content,
			TenantSpecific: in.TenantSpecific,
			Tags:           Tags(in.TenantName, in.TenantSpecific),
		})
		if err != nil {
			res.Err = err
		} else {
			res.KBCreated = true
			res.DocumentID = &created.Document.ID
		}
	}

	a.logDecision(ctx, in, res, d.Best)
	attrs := metric.WithAttributes(
		attribute.String("decision", string(res.Decision)),
		attribute.Bool("error", res.Err != nil),
	)
	a.decisions.Add(ctx, 1, attrs)
	return res
}

func (a *Agent) logDecision(ctx context.Context, in ProcessInput, res ProcessResult, best *Candidate) {
	var similarity map[string]any
	if best != nil {
		similarity = map[string]any{
			"best_match":          best.Title,
			"similarity":          best.Similarity,
			"type":                best.Type,
			"outline_document_id": best.DocumentID,
		}
	}
	reason := res.Reason
	if res.Err != nil {
		reason += ": " + res.Err.Error()
	}
	if _, err := a.store.InsertDecisionLog(ctx, model.KBDecisionLog{
		SupportLogID:      in.LogID,
		Decision:          res.Decision,
		Reason:            reason,
		SimilarityScore:   similarity,
		OutlineDocumentID: res.DocumentID,
	}); err != nil {
		a.logger.Error("kbagent: log decision failed", "log_id", in.LogID, "error", err)
	}
}

// Tags returns the tags for an AI-created article.
func Tags(tenantName string, tenantSpecific bool) []string {
	tags := make([]string, 0, 3)
	if tenantSpecific && tenantName != "" {
		tags = append(tags, "tenant-"+tenantName)
	}
	return append(tags, "ai-generated", "support-resolution")
}

// TemplateContent renders the article markdown without the model.
func TemplateContent(in ProcessInput, related []Candidate) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", in.Title)
	b.WriteString("## Problem\n")
	fmt.Fprintf(&b, "%s\n\n", in.Description)

	if len(in.Steps) > 0 {
		b.WriteString("## Resolution\n")
		for i, s := range in.Steps {
			fmt.Fprintf(&b, "%d. %s\n", i+1, s)
		}
		b.WriteString("\n")
	} else if in.Resolution != "" {
		b.WriteString("## Resolution\n")
		fmt.Fprintf(&b, "%s\n\n", in.Resolution)
	}

	if notes := extractNotes(in.Resolution); notes != "" {
		b.WriteString("## Notes\n")
		fmt.Fprintf(&b, "%s\n\n", notes)
	}

	if len(related) > 0 {
		b.WriteString("## Related\n")
		for i, c := range related {
			if i == 3 {
				break
			}
			fmt.Fprintf(&b, "- %s\n", c.Title)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func extractNotes(resolution string) string {
	_, after, ok := strings.Cut(resolution, "Note:")
	if !ok {
		return ""
	}
	return strings.TrimSpace(after)
}

// FormatContent asks the model to polish the template. The template is
// returned when the model is unavailable or returns nothing.
func (a *Agent) FormatContent(ctx context.Context, in ProcessInput, related []Candidate) string {
	content := TemplateContent(in, related)
	if a.gen == nil {
		return content
	}
	prompt := fmt.Sprintf(`Format the following KB article content into a clear, professional knowledge base article.
Make it concise, actionable, and easy to follow.

Current content:
%s

Return the improved markdown content, keeping the same structure but enhancing clarity and completeness.`, content)

	out, err := a.gen.Generate(ctx, aigateway.GenerateRequest{
		Prompt:      prompt,
		Operation:   "format_kb_article",
		MaxTokens:   1000,
		Temperature: 0.3,
	})
	if err != nil {
		a.logger.Warn("kbagent: format article failed, using template", "error", err)
		return content
	}
	if formatted := unfence(out); formatted != "" {
		return formatted
	}
	return content
}

// unfence returns the body of the first ``` or ```markdown fence in s, or
// s itself when there is none.
func unfence(s string) string {
	if i := strings.Index(s, "```markdown"); i >= 0 {
		body := s[i+len("```markdown"):]
		if j := strings.Index(body, "```"); j >= 0 {
			body = body[:j]
		}
		return strings.TrimSpace(body)
	}
	if i := strings.Index(s, "```"); i >= 0 {
		body := s[i+3:]
		if j := strings.Index(body, "```"); j >= 0 {
			body = body[:j]
		}
		return strings.TrimSpace(body)
	}
	return strings.TrimSpace(s)
}

func truncate(s string, n int) string {
	if r := []rune(s); len(r) > n {
		return string(r[:n])
	}
	return s
}
