// Package training builds fine-tuning datasets from resolved support
// attempts that were marked helpful or answered with high confidence.
package training

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/sapphire/internal/model"
	"github.com/ashita-ai/sapphire/internal/storage"
)

// Defaults and bounds for Criteria.
const (
	DefaultMinConfidence = 0.75
	DefaultMinQuality    = 7
	DefaultLimit         = 500
	MaxLimit             = 1000
)

const defaultTitle = "Support Request"

// ErrInvalidCriteria is returned for out-of-range selection criteria.
var ErrInvalidCriteria = errors.New("training: invalid criteria")

// Criteria selects which attempts become examples.
type Criteria struct {
	MinConfidence float64
	MinQuality    int
	Limit         int
}

// DefaultCriteria returns the stock selection thresholds.
func DefaultCriteria() Criteria {
	return Criteria{MinConfidence: DefaultMinConfidence, MinQuality: DefaultMinQuality, Limit: DefaultLimit}
}

// Validate checks the bounds accepted at the API boundary.
func (c Criteria) Validate() error {
	if c.MinConfidence < 0 || c.MinConfidence > 1 {
		return fmt.Errorf("%w: min_confidence must be between 0 and 1", ErrInvalidCriteria)
	}
	if c.MinQuality < 1 || c.MinQuality > 10 {
		return fmt.Errorf("%w: min_quality_score must be between 1 and 10", ErrInvalidCriteria)
	}
	if c.Limit < 1 || c.Limit > MaxLimit {
		return fmt.Errorf("%w: limit must be between 1 and %d", ErrInvalidCriteria, MaxLimit)
	}
	return nil
}

// Example is one training record.
type Example struct {
	LogID              uuid.UUID      `json:"log_id"`
	TenantID           uuid.UUID      `json:"tenant_id"`
	IssueTitle         string         `json:"issue_title"`
	ProblemDescription string         `json:"problem_description"`
	FinalAnswer        string         `json:"final_answer"`
	Citations          []string       `json:"citations"`
	KBDocumentID       *string        `json:"kb_document_id"`
	Category           model.Category `json:"category,omitempty"`
	Confidence         float64        `json:"confidence"`
	Helpful            *bool          `json:"helpful"`
	QualityScore       *int           `json:"quality_score"`
}

// Export is a dataset snapshot.
type Export struct {
	Format     model.ExportFormat `json:"format"`
	Count      int                `json:"count"`
	Examples   []Example          `json:"examples"`
	ExportedAt time.Time          `json:"exported_at"`
}

// WriteJSONL writes one example per line.
func (x Export) WriteJSONL(w io.Writer) error {
	enc := json.NewEncoder(w)
	for _, ex := range x.Examples {
		if err := enc.Encode(ex); err != nil {
			return fmt.Errorf("training: write example %s: %w", ex.LogID, err)
		}
	}
	return nil
}

// Store is the persistence the builder needs.
type Store interface {
	ListTrainingCandidates(ctx context.Context, minConfidence float64, minQuality, limit int) ([]storage.TrainingCandidate, error)
	MarkUsedInTraining(ctx context.Context, ids []uuid.UUID) (int64, error)
}

// Builder selects and exports training examples.
type Builder struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Builder.
func New(store Store, logger *slog.Logger) *Builder {
	return &Builder{store: store, logger: logger, now: time.Now}
}

// Build returns the examples matching c. A zero Limit or MinQuality takes
// the default; MinConfidence is used as given.
func (b *Builder) Build(ctx context.Context, c Criteria) ([]Example, error) {
	c = withDefaults(c)
	if err := c.Validate(); err != nil {
		return nil, err
	}
	candidates, err := b.store.ListTrainingCandidates(ctx, c.MinConfidence, c.MinQuality, c.Limit)
	if err != nil {
		return nil, fmt.Errorf("training: build: %w", err)
	}
	out := make([]Example, 0, len(candidates))
	for _, cand := range candidates {
		out = append(out, toExample(cand))
	}
	return out, nil
}

// Export builds a dataset snapshot in the given format.
func (b *Builder) Export(ctx context.Context, c Criteria, format model.ExportFormat) (Export, error) {
	examples, err := b.Build(ctx, c)
	if err != nil {
		return Export{}, err
	}
	b.logger.Info("training: dataset exported", "format", format, "count", len(examples))
	return Export{
		Format:     format,
		Count:      len(examples),
		Examples:   examples,
		ExportedAt: b.now().UTC(),
	}, nil
}

// MarkUsed flags attempts as consumed. Already-flagged ids are skipped, so
// the returned count only covers newly marked rows.
func (b *Builder) MarkUsed(ctx context.Context, ids []uuid.UUID) (int64, error) {
	n, err := b.store.MarkUsedInTraining(ctx, dedupe(ids))
	if err != nil {
		return 0, fmt.Errorf("training: mark used: %w", err)
	}
	return n, nil
}

func withDefaults(c Criteria) Criteria {
	d := DefaultCriteria()
	if c.MinQuality == 0 {
		c.MinQuality = d.MinQuality
	}
	if c.Limit == 0 {
		c.Limit = d.Limit
	}
	return c
}

func toExample(c storage.TrainingCandidate) Example {
	l := c.Log
	title := defaultTitle
	if l.Subject != nil && *l.Subject != "" {
		title = *l.Subject
	}
	citations := make([]string, 0, len(l.Citations))
	for _, ci := range l.Citations {
		switch {
		case ci.URL != "":
			citations = append(citations, ci.URL)
		case ci.Title != "":
			citations = append(citations, ci.Title)
		}
	}
	return Example{
		LogID:              l.ID,
		TenantID:           l.TenantID,
		IssueTitle:         title,
		ProblemDescription: l.Message,
		FinalAnswer:        l.AIAnswer,
		Citations:          citations,
		KBDocumentID:       l.KBDocumentID,
		Category:           l.Category,
		Confidence:         l.Confidence,
		Helpful:            l.Helpful,
		QualityScore:       c.QualityScore,
	}
}

func dedupe(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
