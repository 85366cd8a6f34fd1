package model

import (
	"time"

	"github.com/google/uuid"
)

// TenantLevel scopes a KB article.
type TenantLevel string

const (
	TenantLevelGlobal   TenantLevel = "global"
	TenantLevelSpecific TenantLevel = "tenant-specific"
)

// KBDecision is the agent's verdict for a resolved issue.
type KBDecision string

const (
	KBDecisionCreate KBDecision = "create"
	KBDecisionUpdate KBDecision = "update"
	KBDecisionSkip   KBDecision = "skip"
)

// MergeStrategy controls how new content joins an existing article.
type MergeStrategy string

const (
	MergeAppendVariant MergeStrategy = "append_variant"
	MergeReplace       MergeStrategy = "replace"
	MergeSections      MergeStrategy = "merge_sections"
)

var mergeStrategies = []MergeStrategy{MergeAppendVariant, MergeReplace, MergeSections}

func ParseMergeStrategy(s string) (MergeStrategy, error) {
	return parseEnum("merge_strategy", s, mergeStrategies)
}

func (m *MergeStrategy) UnmarshalText(b []byte) error {
	return unmarshalEnum(ParseMergeStrategy, b, m)
}

// KBArticle is the local index entry for an Outline document.
type KBArticle struct {
	ID                uuid.UUID   `json:"id"`
	OutlineDocumentID string      `json:"outline_document_id"`
	TenantID          *uuid.UUID  `json:"tenant_id,omitempty"`
	Title             string      `json:"title"`
	TenantLevel       TenantLevel `json:"tenant_level"`
	Tags              []string    `json:"tags"`
	IsActive          bool        `json:"is_active"`
	CreatedAt         time.Time   `json:"created_at"`
	LastUpdatedAt     time.Time   `json:"last_updated_at"`
}

// KBRevision is one immutable version of an article's content.
type KBRevision struct {
	ID             uuid.UUID `json:"id"`
	ArticleID      uuid.UUID `json:"article_id"`
	RevisionNumber int       `json:"revision_number"`
	Content        string    `json:"content"`
	CreatedBy      string    `json:"created_by"`
	ChangeSummary  *string   `json:"change_summary,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// QualityDimensions are the 1..10 rubric scores of an evaluation.
type QualityDimensions struct {
	Clarity           int `json:"clarity"`
	Completeness      int `json:"completeness"`
	TechnicalAccuracy int `json:"technical_accuracy"`
	Structure         int `json:"structure"`
	Overall           int `json:"overall"`
}

// Min returns the lowest non-overall dimension.
func (d QualityDimensions) Min() int {
	m := d.Clarity
	for _, v := range []int{d.Completeness, d.TechnicalAccuracy, d.Structure} {
		if v < m {
			m = v
		}
	}
	return m
}

// KBQualityScore is an evaluation of one article revision.
type KBQualityScore struct {
	ID           uuid.UUID  `json:"id"`
	ArticleID    uuid.UUID  `json:"article_id"`
	RevisionID   *uuid.UUID `json:"revision_id,omitempty"`
	NeedsReview  bool       `json:"needs_review"`
	ReviewReason *string    `json:"review_reason,omitempty"`
	Reviewed     bool       `json:"reviewed"`
	ReviewedBy   *string    `json:"reviewed_by,omitempty"`
	ReviewedAt   *time.Time `json:"reviewed_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	QualityDimensions
}

// KBDecisionLog is the immutable record of a create/update/skip decision.
type KBDecisionLog struct {
	ID                uuid.UUID      `json:"id"`
	SupportLogID      *uuid.UUID     `json:"support_log_id,omitempty"`
	Decision          KBDecision     `json:"decision"`
	Reason            string         `json:"reason"`
	SimilarityScore   map[string]any `json:"similarity_score,omitempty"`
	OutlineDocumentID *string        `json:"outline_document_id,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
}

// ReviewQueueItem is a quality score awaiting human review, joined with its article.
type ReviewQueueItem struct {
	ScoreID           uuid.UUID `json:"score_id"`
	ArticleID         uuid.UUID `json:"article_id"`
	OutlineDocumentID string    `json:"outline_document_id"`
	Title             string    `json:"title"`
	ReviewReason      *string   `json:"review_reason,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	QualityDimensions
}
