package kbagent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/ashita-ai/sapphire/internal/events"
	"github.com/ashita-ai/sapphire/internal/model"
	"github.com/ashita-ai/sapphire/internal/storage"
)

// ErrScoreNotFound is returned for an unknown quality score id.
var ErrScoreNotFound = errors.New("kbagent: quality score not found")

const (
	DefaultQueueLimit = 50
	MaxQueueLimit     = 100
)

// ReviewStore is the persistence the review queue needs.
type ReviewStore interface {
	ReviewQueue(ctx context.Context, limit int) ([]model.ReviewQueueItem, error)
	ReviewScore(ctx context.Context, scoreID uuid.UUID, o storage.ReviewOutcome) (model.KBQualityScore, error)
}

// Reviewer serves the human review queue for low-quality articles.
type Reviewer struct {
	store     ReviewStore
	publisher events.Publisher
	logger    *slog.Logger
}

// NewReviewer creates a Reviewer.
func NewReviewer(store ReviewStore, publisher events.Publisher, logger *slog.Logger) *Reviewer {
	return &Reviewer{store: store, publisher: publisher, logger: logger}
}

// Queue lists unreviewed scores flagged for review, lowest overall first.
// limit is clamped to 1..100; zero means 50.
func (r *Reviewer) Queue(ctx context.Context, limit int) ([]model.ReviewQueueItem, error) {
	switch {
	case limit <= 0:
		limit = DefaultQueueLimit
	case limit > MaxQueueLimit:
		limit = MaxQueueLimit
	}
	items, err := r.store.ReviewQueue(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("kbagent: review queue: %w", err)
	}
	if items == nil {
		items = []model.ReviewQueueItem{}
	}
	return items, nil
}

// Approve marks the score reviewed and activates the article.
func (r *Reviewer) Approve(ctx context.Context, scoreID uuid.UUID, reviewer string) (model.KBQualityScore, error) {
	return r.review(ctx, scoreID, storage.ReviewOutcome{Reviewer: reviewer, Approve: true})
}

// Reject records the rejection reason and, when disable is set, takes the
// article out of retrieval.
func (r *Reviewer) Reject(ctx context.Context, scoreID uuid.UUID, reviewer, reason string, disable bool) (model.KBQualityScore, error) {
	return r.review(ctx, scoreID, storage.ReviewOutcome{Reviewer: reviewer, Reason: reason, Disable: disable})
}

func (r *Reviewer) review(ctx context.Context, scoreID uuid.UUID, o storage.ReviewOutcome) (model.KBQualityScore, error) {
	if o.Reviewer == "" {
		return model.KBQualityScore{}, fmt.Errorf("kbagent: review: reviewer is required")
	}
	score, err := r.store.ReviewScore(ctx, scoreID, o)
	if errors.Is(err, storage.ErrNotFound) {
		return model.KBQualityScore{}, fmt.Errorf("%w: %s", ErrScoreNotFound, scoreID)
	}
	if err != nil {
		return model.KBQualityScore{}, fmt.Errorf("kbagent: review %s: %w", scoreID, err)
	}

	action := "approved"
	if !o.Approve {
		action = "rejected"
	}
	payload := map[string]any{
		"action":      action,
		"article_id":  score.ArticleID.String(),
		"score_id":    score.ID.String(),
		"reviewed_by": o.Reviewer,
		"disabled":    !o.Approve && o.Disable,
	}
	if err := r.publisher.Publish(ctx, events.New(events.TypeKBArticleChanged, nil, score.ArticleID.String(), payload)); err != nil {
		r.logger.Warn("kbagent: publish review failed", "score_id", scoreID, "error", err)
	}
	return score, nil
}
