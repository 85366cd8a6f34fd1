package kbagent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/sapphire/internal/aigateway"
	"github.com/ashita-ai/sapphire/internal/kb"
	"github.com/ashita-ai/sapphire/internal/model"
	"github.com/ashita-ai/sapphire/internal/search"
	"github.com/ashita-ai/sapphire/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type memStore struct {
	mu         sync.Mutex
	articles   map[uuid.UUID]model.KBArticle
	revisions  map[uuid.UUID][]model.KBRevision
	embeddings map[uuid.UUID][]float32
	scores     []model.KBQualityScore
	decisions  []model.KBDecisionLog
}

func newMemStore() *memStore {
	return &memStore{
		articles:   map[uuid.UUID]model.KBArticle{},
		revisions:  map[uuid.UUID][]model.KBRevision{},
		embeddings: map[uuid.UUID][]float32{},
	}
}

func (m *memStore) addArticle(docID, title, content string) model.KBArticle {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := model.KBArticle{
		ID: uuid.New(), OutlineDocumentID: docID, Title: title,
		TenantLevel: model.TenantLevelGlobal, IsActive: true, LastUpdatedAt: time.Now(),
	}
	m.articles[a.ID] = a
	m.revisions[a.ID] = []model.KBRevision{{ID: uuid.New(), ArticleID: a.ID, RevisionNumber: 1, Content: content}}
	return a
}

func (m *memStore) GetArticleByDocumentID(_ context.Context, documentID string) (model.KBArticle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.articles {
		if a.OutlineDocumentID == documentID {
			return a, nil
		}
	}
	return model.KBArticle{}, storage.ErrNotFound
}

func (m *memStore) GetArticlesByDocumentIDs(_ context.Context, ids []string) (map[string]model.KBArticle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]model.KBArticle{}
	for _, a := range m.articles {
		for _, id := range ids {
			if a.OutlineDocumentID == id {
				out[id] = a
			}
		}
	}
	return out, nil
}

func (m *memStore) GetArticlesByIDs(_ context.Context, ids []uuid.UUID) (map[uuid.UUID]model.KBArticle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[uuid.UUID]model.KBArticle{}
	for _, id := range ids {
		if a, ok := m.articles[id]; ok {
			out[id] = a
		}
	}
	return out, nil
}

func (m *memStore) CreateArticle(_ context.Context, in storage.NewArticle) (model.KBArticle, model.KBRevision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := in.Article
	a.ID = uuid.New()
	a.IsActive = true
	m.articles[a.ID] = a
	r := model.KBRevision{ID: uuid.New(), ArticleID: a.ID, RevisionNumber: 1, Content: in.Content, CreatedBy: in.CreatedBy}
	m.revisions[a.ID] = []model.KBRevision{r}
	return a, r, nil
}

func (m *memStore) AppendRevision(_ context.Context, articleID uuid.UUID, title, content, createdBy string, summary *string) (model.KBRevision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.articles[articleID]
	if !ok {
		return model.KBRevision{}, storage.ErrNotFound
	}
	r := model.KBRevision{
		ID: uuid.New(), ArticleID: articleID, RevisionNumber: len(m.revisions[articleID]) + 1,
		Content: content, CreatedBy: createdBy, ChangeSummary: summary,
	}
	m.revisions[articleID] = append(m.revisions[articleID], r)
	if title != "" {
		a.Title = title
	}
	m.articles[articleID] = a
	return r, nil
}

func (m *memStore) LatestRevision(_ context.Context, articleID uuid.UUID) (model.KBRevision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	revs := m.revisions[articleID]
	if len(revs) == 0 {
		return model.KBRevision{}, storage.ErrNotFound
	}
	return revs[len(revs)-1], nil
}

func (m *memStore) SetArticleEmbedding(_ context.Context, articleID uuid.UUID, emb []float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.embeddings[articleID] = emb
	return nil
}

func (m *memStore) InsertQualityScore(_ context.Context, s model.KBQualityScore) (model.KBQualityScore, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.ID = uuid.New()
	m.scores = append(m.scores, s)
	return s, nil
}

func (m *memStore) InsertDecisionLog(_ context.Context, d model.KBDecisionLog) (model.KBDecisionLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d.ID = uuid.New()
	m.decisions = append(m.decisions, d)
	return d, nil
}

type fakeOutline struct {
	mu      sync.Mutex
	docs    []kb.Document
	queries []string
	created []string
	err     error
}

func (f *fakeOutline) Search(_ context.Context, query string, _ int) []kb.Document {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, query)
	return f.docs
}

func (f *fakeOutline) CreateDocument(_ context.Context, title, _, _ string) (kb.CreatedDocument, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return kb.CreatedDocument{}, f.err
	}
	f.created = append(f.created, title)
	return kb.CreatedDocument{ID: "doc-new", URLID: "new", URL: "https://kb.test/doc/new"}, nil
}

type genFunc func(ctx context.Context, req aigateway.GenerateRequest) (string, error)

func (f genFunc) Generate(ctx context.Context, req aigateway.GenerateRequest) (string, error) {
	return f(ctx, req)
}

// scriptedGen answers by operation.
func scriptedGen(answers map[string]string) genFunc {
	return func(_ context.Context, req aigateway.GenerateRequest) (string, error) {
		if out, ok := answers[req.Operation]; ok {
			return out, nil
		}
		return "", errors.New("unexpected operation " + req.Operation)
	}
}

const goodQuality = `{"clarity_score": 8, "completeness_score": 8, "technical_accuracy_score": 9, "structure_score": 8, "overall_score": 8, "needs_review": false}`

type fakeEmbedder struct{ err error }

func (f fakeEmbedder) Embed(context.Context, string) (pgvector.Vector, error) {
	if f.err != nil {
		return pgvector.Vector{}, f.err
	}
	return pgvector.NewVector([]float32{0.1, 0.2}), nil
}

func (f fakeEmbedder) EmbedBatch(context.Context, []string) ([]pgvector.Vector, error) {
	return nil, f.err
}

func (fakeEmbedder) Dimensions() int { return 2 }

type fakeIndex struct{ results []search.Result }

func (f fakeIndex) Search(context.Context, uuid.UUID, []float32, int) ([]search.Result, error) {
	return f.results, nil
}

func newTestAgent(store *memStore, outline *fakeOutline, gen aigateway.Generator, opts ...Option) *Agent {
	return New(store, outline, gen, NewEvaluator(gen, testLogger()), testLogger(), opts...)
}

func TestJaccard(t *testing.T) {
	tests := []struct {
		a, b string
		want float64
	}{
		{"VPN connection timeout", "VPN connection timeout issue", 0.75},
		{"vpn CONNECTION timeout", "VPN connection Timeout", 1},
		{"printer jam", "VPN connection timeout", 0},
		{"", "anything", 0},
		{"   ", "anything", 0},
		{"a b", "b c", 1.0 / 3.0},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, Jaccard(tt.a, tt.b), 1e-9, "%q vs %q", tt.a, tt.b)
	}
}

func TestDecide(t *testing.T) {
	cand := func(sim float64) []Candidate { return []Candidate{{DocumentID: "d", Title: "t", Similarity: sim}} }
	tests := []struct {
		name       string
		candidates []Candidate
		confidence float64
		decision   model.KBDecision
		strategy   model.MergeStrategy
	}{
		{"low confidence", cand(0.99), 0.7499, model.KBDecisionSkip, ""},
		{"no candidates", nil, 0.9, model.KBDecisionCreate, ""},
		{"high similarity", cand(0.86), 0.9, model.KBDecisionUpdate, model.MergeSections},
		{"upper variant bound", cand(0.85), 0.9, model.KBDecisionUpdate, model.MergeAppendVariant},
		{"lower variant bound", cand(0.60), 0.9, model.KBDecisionUpdate, model.MergeAppendVariant},
		{"below variant", cand(0.5999), 0.9, model.KBDecisionCreate, ""},
		{"confidence at threshold", cand(0.1), 0.75, model.KBDecisionCreate, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Decide(tt.candidates, tt.confidence)
			assert.Equal(t, tt.decision, d.Decision)
			assert.Equal(t, tt.strategy, d.Strategy)
			assert.NotEmpty(t, d.Reason)
		})
	}
}

func TestDecideVPNVariant(t *testing.T) {
	sim := Jaccard("VPN connection timeout", "VPN connection timeout issue")
	d := Decide([]Candidate{{DocumentID: "d1", Title: "VPN connection timeout issue", Similarity: sim}}, 0.8)
	assert.Equal(t, model.KBDecisionUpdate, d.Decision)
	assert.Equal(t, model.MergeAppendVariant, d.Strategy)
	require.NotNil(t, d.Best)
	assert.Equal(t, "d1", d.Best.DocumentID)
}

func TestFindSimilar(t *testing.T) {
	store := newMemStore()
	indexed := store.addArticle("doc-1", "VPN connection timeout issue", "old")
	outline := &fakeOutline{docs: []kb.Document{
		{ID: "doc-2", Title: "Printer setup"},
		{ID: "doc-1", Title: "stale outline title"},
		{ID: ""},
		{ID: "doc-1", Title: "duplicate"},
	}}
	agent := newTestAgent(store, outline, nil)

	desc := strings.Repeat("x", 300)
	cands, err := agent.FindSimilar(context.Background(), uuid.New(), "VPN connection timeout", desc)
	require.NoError(t, err)
	require.Len(t, cands, 2)

	assert.Equal(t, "doc-1", cands[0].DocumentID)
	assert.Equal(t, CandidateIndexed, cands[0].Type)
	assert.Equal(t, indexed.Title, cands[0].Title, "index title wins over outline title")
	assert.InDelta(t, 0.75, cands[0].Similarity, 1e-9)
	require.NotNil(t, cands[0].ArticleID)
	assert.True(t, cands[0].Indexed())

	assert.Equal(t, CandidateOutlineOnly, cands[1].Type)
	assert.False(t, cands[1].Indexed())

	require.Len(t, outline.queries, 1)
	assert.Equal(t, "VPN connection timeout "+strings.Repeat("x", 200), outline.queries[0])
}

func TestFindSimilarSemanticRecall(t *testing.T) {
	store := newMemStore()
	recalled := store.addArticle("doc-9", "VPN timeout when connecting", "body")
	outline := &fakeOutline{}
	index := fakeIndex{results: []search.Result{{ArticleID: recalled.ID, Score: 0.9}, {ArticleID: uuid.New(), Score: 0.95}}}
	agent := newTestAgent(store, outline, nil, WithSemanticRecall(fakeEmbedder{}, index))

	cands, err := agent.FindSimilar(context.Background(), uuid.New(), "VPN timeout", "cannot connect")
	require.NoError(t, err)
	require.Len(t, cands, 1, "unknown article ids are dropped")
	assert.Equal(t, "doc-9", cands[0].DocumentID)
	assert.Greater(t, cands[0].Relevance, 0.5)
}

func TestFindSimilarEmbedderFailureIgnored(t *testing.T) {
	store := newMemStore()
	agent := newTestAgent(store, &fakeOutline{}, nil,
		WithSemanticRecall(fakeEmbedder{err: errors.New("down")}, fakeIndex{}))
	cands, err := agent.FindSimilar(context.Background(), uuid.New(), "title", "desc")
	require.NoError(t, err)
	assert.Empty(t, cands)
}

func TestUpdateArticleStrategies(t *testing.T) {
	tests := []struct {
		name     string
		strategy model.MergeStrategy
		gen      aigateway.Generator
		want     string
	}{
		{"append variant", model.MergeAppendVariant, nil, "old body\n\n---\n\n## New Variant / Troubleshooting\n\nnew body"},
		{"replace", model.MergeReplace, nil, "new body"},
		{
			"merge sections",
			model.MergeSections,
			scriptedGen(map[string]string{
				"merge_kb_articles":   "Here you go:\n```markdown\n# Merged\n```\nthanks",
				"evaluate_kb_quality": goodQuality,
			}),
			"# Merged",
		},
		{
			"merge sections fallback",
			model.MergeSections,
			genFunc(func(context.Context, aigateway.GenerateRequest) (string, error) { return "", errors.New("gateway down") }),
			"old body\n\n---\n\nnew body",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore()
			art := store.addArticle("doc-1", "Old title", "old body")
			agent := newTestAgent(store, &fakeOutline{}, tt.gen)

			res, err := agent.UpdateArticle(context.Background(), UpdateInput{
				DocumentID: "doc-1", Title: "New title", Content: "new body", Strategy: tt.strategy,
			})
			require.NoError(t, err)
			assert.Equal(t, 2, res.Revision.RevisionNumber)
			assert.Equal(t, tt.want, res.Revision.Content)
			assert.Equal(t, "New title", store.articles[art.ID].Title)
			require.NotNil(t, res.Quality)
		})
	}
}

func TestUpdateArticleErrors(t *testing.T) {
	store := newMemStore()
	store.addArticle("doc-1", "t", "c")
	agent := newTestAgent(store, &fakeOutline{}, nil)

	_, err := agent.UpdateArticle(context.Background(), UpdateInput{DocumentID: "missing", Content: "x"})
	require.ErrorIs(t, err, ErrNotIndexed)

	_, err = agent.UpdateArticle(context.Background(), UpdateInput{DocumentID: "doc-1", Content: "x", Strategy: "shuffle"})
	require.ErrorIs(t, err, model.ErrInvalidEnum)
}

func TestCreateArticle(t *testing.T) {
	store := newMemStore()
	outline := &fakeOutline{}
	gen := scriptedGen(map[string]string{"evaluate_kb_quality": goodQuality})
	agent := newTestAgent(store, outline, gen, WithSemanticRecall(fakeEmbedder{}, fakeIndex{}))
	tenantID := uuid.New()

	res, err := agent.CreateArticle(context.Background(), CreateInput{
		TenantID: &tenantID, Title: "Reset MFA", Content: "# Reset MFA", TenantSpecific: true,
		Tags: Tags("acme", true),
	})
	require.NoError(t, err)
	assert.Equal(t, "doc-new", res.Article.OutlineDocumentID)
	assert.Equal(t, model.TenantLevelSpecific, res.Article.TenantLevel)
	assert.Equal(t, &tenantID, res.Article.TenantID)
	assert.Equal(t, []string{"tenant-acme", "ai-generated", "support-resolution"}, res.Article.Tags)
	assert.Equal(t, 1, res.Revision.RevisionNumber)
	assert.Equal(t, "ai", res.Revision.CreatedBy)
	require.NotNil(t, res.Quality)
	assert.False(t, res.Quality.NeedsReview)
	assert.Equal(t, []float32{0.1, 0.2}, store.embeddings[res.Article.ID])

	global, err := agent.CreateArticle(context.Background(), CreateInput{TenantID: &tenantID, Title: "Global", Content: "c"})
	require.NoError(t, err)
	assert.Equal(t, model.TenantLevelGlobal, global.Article.TenantLevel)
	assert.Nil(t, global.Article.TenantID)
}

func TestCreateArticleOutlineFailure(t *testing.T) {
	store := newMemStore()
	agent := newTestAgent(store, &fakeOutline{err: kb.ErrNotConfigured}, nil)
	_, err := agent.CreateArticle(context.Background(), CreateInput{Title: "t", Content: "c"})
	require.ErrorIs(t, err, kb.ErrNotConfigured)
	assert.Empty(t, store.articles)
}

func TestTags(t *testing.T) {
	assert.Equal(t, []string{"ai-generated", "support-resolution"}, Tags("acme", false))
	assert.Equal(t, []string{"ai-generated", "support-resolution"}, Tags("", true))
	assert.Equal(t, []string{"tenant-acme", "ai-generated", "support-resolution"}, Tags("acme", true))
}

func TestTemplateContent(t *testing.T) {
	got := TemplateContent(ProcessInput{
		Title:       "VPN timeout",
		Description: "Client times out",
		Resolution:  "Restart the client. Note: requires admin rights",
		Steps:       []string{"Quit client", "Start client"},
	}, []Candidate{{Title: "VPN basics"}})

	assert.Contains(t, got, "# VPN timeout\n\n## Problem\nClient times out\n\n")
	assert.Contains(t, got, "## Resolution\n1. Quit client\n2. Start client\n")
	assert.Contains(t, got, "## Notes\nrequires admin rights\n")
	assert.Contains(t, got, "## Related\n- VPN basics\n")
}

func TestProcessCreate(t *testing.T) {
	store := newMemStore()
	outline := &fakeOutline{}
	gen := scriptedGen(map[string]string{
		"format_kb_article":   "```\n# Polished\n```",
		"evaluate_kb_quality": goodQuality,
	})
	agent := newTestAgent(store, outline, gen)
	logID := uuid.New()

	res := agent.Process(context.Background(), ProcessInput{
		LogID: &logID, TenantID: uuid.New(), TenantName: "acme",
		Title: "Export fails", Description: "CSV export errors", Confidence: 0.9,
	})
	require.NoError(t, res.Err)
	assert.Equal(t, model.KBDecisionCreate, res.Decision)
	assert.True(t, res.KBCreated)
	require.NotNil(t, res.DocumentID)
	assert.Equal(t, "doc-new", *res.DocumentID)

	require.Len(t, store.decisions, 1)
	assert.Equal(t, &logID, store.decisions[0].SupportLogID)
	assert.Equal(t, model.KBDecisionCreate, store.decisions[0].Decision)
	for _, revs := range store.revisions {
		assert.Equal(t, "# Polished", revs[0].Content)
	}
}

func TestProcessUpdateVariant(t *testing.T) {
	store := newMemStore()
	art := store.addArticle("doc-1", "VPN connection timeout issue", "old")
	outline := &fakeOutline{docs: []kb.Document{{ID: "doc-1", Title: "VPN connection timeout issue"}}}
	agent := newTestAgent(store, outline, nil)

	res := agent.Process(context.Background(), ProcessInput{
		TenantID: uuid.New(), Title: "VPN connection timeout", Description: "drops", Confidence: 0.8,
	})
	require.NoError(t, res.Err)
	assert.Equal(t, model.KBDecisionUpdate, res.Decision)
	assert.True(t, res.KBUpdated)
	require.Len(t, store.revisions[art.ID], 2)
	assert.True(t, strings.HasPrefix(store.revisions[art.ID][1].Content, "old\n\n---\n\n## New Variant / Troubleshooting\n\n# VPN connection timeout"))

	require.Len(t, store.decisions, 1)
	assert.InDelta(t, 0.75, store.decisions[0].SimilarityScore["similarity"], 1e-9)
}

func TestProcessUpdateOutlineOnlyRecordsError(t *testing.T) {
	store := newMemStore()
	outline := &fakeOutline{docs: []kb.Document{{ID: "doc-x", Title: "VPN connection timeout"}}}
	agent := newTestAgent(store, outline, nil)

	res := agent.Process(context.Background(), ProcessInput{TenantID: uuid.New(), Title: "VPN connection timeout", Confidence: 0.9})
	assert.Equal(t, model.KBDecisionUpdate, res.Decision)
	require.ErrorIs(t, res.Err, ErrNotIndexed)
	assert.False(t, res.KBUpdated)
	assert.Equal(t, "doc-x", res.Map()["document_id"])
	assert.Contains(t, res.Map()["error"], "not in index")
	require.Len(t, store.decisions, 1)
}

func TestProcessSkipLowConfidence(t *testing.T) {
	store := newMemStore()
	outline := &fakeOutline{}
	agent := newTestAgent(store, outline, nil)

	res := agent.Process(context.Background(), ProcessInput{TenantID: uuid.New(), Title: "x", Confidence: 0.5})
	assert.Equal(t, model.KBDecisionSkip, res.Decision)
	assert.False(t, res.KBCreated)
	assert.Empty(t, outline.created)
	require.Len(t, store.decisions, 1)
	assert.Equal(t, model.KBDecisionSkip, store.decisions[0].Decision)
}

func TestUnfence(t *testing.T) {
	assert.Equal(t, "body", unfence("```markdown\nbody\n```"))
	assert.Equal(t, "body", unfence("pre ```\nbody\n``` post"))
	assert.Equal(t, "plain", unfence("  plain  "))
	assert.Equal(t, "open", unfence("```open"))
}
