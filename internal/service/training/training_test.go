package training

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/sapphire/internal/model"
	"github.com/ashita-ai/sapphire/internal/storage"
)

type fakeStore struct {
	candidates []storage.TrainingCandidate
	err        error
	gotConf    float64
	gotQuality int
	gotLimit   int
	used       map[uuid.UUID]bool
}

func (f *fakeStore) ListTrainingCandidates(_ context.Context, minConfidence float64, minQuality, limit int) ([]storage.TrainingCandidate, error) {
	f.gotConf, f.gotQuality, f.gotLimit = minConfidence, minQuality, limit
	return f.candidates, f.err
}

func (f *fakeStore) MarkUsedInTraining(_ context.Context, ids []uuid.UUID) (int64, error) {
	var n int64
	for _, id := range ids {
		if !f.used[id] {
			f.used[id] = true
			n++
		}
	}
	return n, nil
}

func newBuilder(store *fakeStore) *Builder {
	b := New(store, slog.New(slog.NewTextHandler(io.Discard, nil)))
	b.now = func() time.Time { return time.Date(2026, 5, 1, 12, 0, 0, 0, time.FixedZone("x", 3600)) }
	return b
}

func candidate(subject *string, quality *int) storage.TrainingCandidate {
	helpful := true
	return storage.TrainingCandidate{
		Log: model.SupportAILog{
			ID:         uuid.New(),
			TenantID:   uuid.New(),
			Subject:    subject,
			Message:    "Password reset email never arrives",
			AIAnswer:   "Check the spam folder.",
			Confidence: 0.9,
			Helpful:    &helpful,
			Category:   model.CategorySupport,
			Citations: []model.Citation{
				{Title: "Reset guide", URL: "https://kb.test/doc/reset"},
				{Title: "Similar Case: login"},
				{},
			},
		},
		QualityScore: quality,
	}
}

func TestBuild_MapsExamples(t *testing.T) {
	subject := "Reset"
	q := 8
	store := &fakeStore{candidates: []storage.TrainingCandidate{candidate(&subject, &q), candidate(nil, nil)}}

	got, err := newBuilder(store).Build(context.Background(), DefaultCriteria())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "Reset", got[0].IssueTitle)
	assert.Equal(t, []string{"https://kb.test/doc/reset", "Similar Case: login"}, got[0].Citations)
	assert.Equal(t, &q, got[0].QualityScore)
	assert.Equal(t, "Support Request", got[1].IssueTitle)
	assert.Nil(t, got[1].QualityScore)
	assert.Equal(t, 0.75, store.gotConf)
	assert.Equal(t, 7, store.gotQuality)
	assert.Equal(t, 500, store.gotLimit)
}

func TestBuild_Bounds(t *testing.T) {
	b := newBuilder(&fakeStore{})
	ctx := context.Background()

	_, err := b.Build(ctx, Criteria{MinConfidence: 1.1})
	require.ErrorIs(t, err, ErrInvalidCriteria)
	_, err = b.Build(ctx, Criteria{MinConfidence: 0.5, MinQuality: 11})
	require.ErrorIs(t, err, ErrInvalidCriteria)
	_, err = b.Build(ctx, Criteria{MinConfidence: 0.5, Limit: 1001})
	require.ErrorIs(t, err, ErrInvalidCriteria)

	store := &fakeStore{}
	_, err = newBuilder(store).Build(ctx, Criteria{})
	require.NoError(t, err)
	assert.Equal(t, 0.0, store.gotConf)
	assert.Equal(t, DefaultLimit, store.gotLimit)
}

func TestBuild_StoreError(t *testing.T) {
	_, err := newBuilder(&fakeStore{err: errors.New("boom")}).Build(context.Background(), DefaultCriteria())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "training: build")
}

func TestExport(t *testing.T) {
	store := &fakeStore{candidates: []storage.TrainingCandidate{candidate(nil, nil), candidate(nil, nil)}}
	x, err := newBuilder(store).Export(context.Background(), DefaultCriteria(), model.ExportJSONL)
	require.NoError(t, err)
	assert.Equal(t, model.ExportJSONL, x.Format)
	assert.Equal(t, 2, x.Count)
	assert.Equal(t, time.UTC, x.ExportedAt.Location())

	var buf bytes.Buffer
	require.NoError(t, x.WriteJSONL(&buf))
	sc := bufio.NewScanner(&buf)
	lines := 0
	for sc.Scan() {
		var ex Example
		require.NoError(t, json.Unmarshal(sc.Bytes(), &ex))
		assert.Equal(t, x.Examples[lines].LogID, ex.LogID)
		lines++
	}
	assert.Equal(t, 2, lines)
}

func TestMarkUsed_Idempotent(t *testing.T) {
	store := &fakeStore{used: map[uuid.UUID]bool{}}
	b := newBuilder(store)
	a, c := uuid.New(), uuid.New()

	n, err := b.MarkUsed(context.Background(), []uuid.UUID{a, c, a})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = b.MarkUsed(context.Background(), []uuid.UUID{a, c})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestParseExportFormat(t *testing.T) {
	f, err := model.ParseExportFormat("")
	require.NoError(t, err)
	assert.Equal(t, model.ExportJSONL, f)
	f, err = model.ParseExportFormat("JSON")
	require.NoError(t, err)
	assert.Equal(t, model.ExportJSON, f)
	_, err = model.ParseExportFormat("csv")
	require.ErrorIs(t, err, model.ErrInvalidEnum)
}
