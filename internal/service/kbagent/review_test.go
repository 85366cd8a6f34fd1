package kbagent

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/sapphire/internal/events"
	"github.com/ashita-ai/sapphire/internal/model"
	"github.com/ashita-ai/sapphire/internal/storage"
)

type fakeReviewStore struct {
	mu       sync.Mutex
	limit    int
	scores   map[uuid.UUID]model.KBQualityScore
	outcomes []storage.ReviewOutcome
}

func (f *fakeReviewStore) ReviewQueue(_ context.Context, limit int) ([]model.ReviewQueueItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.limit = limit
	return nil, nil
}

func (f *fakeReviewStore) ReviewScore(_ context.Context, id uuid.UUID, o storage.ReviewOutcome) (model.KBQualityScore, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.scores[id]
	if !ok {
		return model.KBQualityScore{}, storage.ErrNotFound
	}
	s.Reviewed = true
	s.ReviewedBy = &o.Reviewer
	if o.Approve {
		s.NeedsReview = false
	} else {
		reason := "Rejected: " + o.Reason
		s.ReviewReason = &reason
	}
	f.scores[id] = s
	f.outcomes = append(f.outcomes, o)
	return s, nil
}

type capturePublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *capturePublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func TestReviewQueueLimits(t *testing.T) {
	store := &fakeReviewStore{}
	r := NewReviewer(store, events.NoopPublisher{}, testLogger())
	ctx := context.Background()

	for _, tt := range []struct{ in, want int }{{0, 50}, {-4, 50}, {7, 7}, {100, 100}, {500, 100}} {
		items, err := r.Queue(ctx, tt.in)
		require.NoError(t, err)
		assert.NotNil(t, items)
		assert.Equal(t, tt.want, store.limit, "limit %d", tt.in)
	}
}

func TestReviewApproveReject(t *testing.T) {
	approveID, rejectID := uuid.New(), uuid.New()
	store := &fakeReviewStore{scores: map[uuid.UUID]model.KBQualityScore{
		approveID: {ID: approveID, ArticleID: uuid.New(), NeedsReview: true},
		rejectID:  {ID: rejectID, ArticleID: uuid.New(), NeedsReview: true},
	}}
	pub := &capturePublisher{}
	r := NewReviewer(store, pub, testLogger())
	ctx := context.Background()

	s, err := r.Approve(ctx, approveID, "alice")
	require.NoError(t, err)
	assert.True(t, s.Reviewed)
	assert.False(t, s.NeedsReview)

	s, err = r.Reject(ctx, rejectID, "bob", "inaccurate", true)
	require.NoError(t, err)
	require.NotNil(t, s.ReviewReason)
	assert.Equal(t, "Rejected: inaccurate", *s.ReviewReason)
	assert.True(t, store.outcomes[1].Disable)

	require.Len(t, pub.events, 2)
	assert.Equal(t, events.TypeKBArticleChanged, pub.events[1].Type)
	assert.Equal(t, "rejected", pub.events[1].Payload["action"])
	assert.Equal(t, true, pub.events[1].Payload["disabled"])

	_, err = r.Approve(ctx, uuid.New(), "alice")
	require.ErrorIs(t, err, ErrScoreNotFound)
	_, err = r.Approve(ctx, approveID, "")
	require.Error(t, err)
}
