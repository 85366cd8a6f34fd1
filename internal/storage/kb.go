package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/ashita-ai/sapphire/internal/model"
)

const articleColumns = `id, outline_document_id, tenant_id, title, tenant_level, tags, is_active,
	created_at, last_updated_at`

func scanArticle(row pgx.Row) (model.KBArticle, error) {
	var a model.KBArticle
	err := row.Scan(&a.ID, &a.OutlineDocumentID, &a.TenantID, &a.Title, &a.TenantLevel, &a.Tags,
		&a.IsActive, &a.CreatedAt, &a.LastUpdatedAt)
	return a, err
}

// GetArticleByDocumentID returns the indexed article for an Outline document.
func (db *DB) GetArticleByDocumentID(ctx context.Context, documentID string) (model.KBArticle, error) {
	a, err := scanArticle(db.pool.QueryRow(ctx,
		`SELECT `+articleColumns+` FROM kb_article_index WHERE outline_document_id = $1`, documentID))
	if err != nil {
		return model.KBArticle{}, fmt.Errorf("storage: get article %s: %w", documentID, notFound(err))
	}
	return a, nil
}

// GetArticlesByDocumentIDs returns the indexed articles among the given
// Outline document IDs, keyed by document ID.
func (db *DB) GetArticlesByDocumentIDs(ctx context.Context, documentIDs []string) (map[string]model.KBArticle, error) {
	out := make(map[string]model.KBArticle, len(documentIDs))
	if len(documentIDs) == 0 {
		return out, nil
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+articleColumns+` FROM kb_article_index WHERE outline_document_id = ANY($1)`, documentIDs)
	if err != nil {
		return nil, fmt.Errorf("storage: get articles: %w", err)
	}
	articles, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.KBArticle, error) {
		return scanArticle(row)
	})
	if err != nil {
		return nil, fmt.Errorf("storage: scan articles: %w", err)
	}
	for _, a := range articles {
		out[a.OutlineDocumentID] = a
	}
	return out, nil
}

// GetArticlesByIDs returns active articles by primary key.
func (db *DB) GetArticlesByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]model.KBArticle, error) {
	out := make(map[uuid.UUID]model.KBArticle, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+articleColumns+` FROM kb_article_index WHERE id = ANY($1) AND is_active = true`, ids)
	if err != nil {
		return nil, fmt.Errorf("storage: get articles by id: %w", err)
	}
	articles, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.KBArticle, error) {
		return scanArticle(row)
	})
	if err != nil {
		return nil, fmt.Errorf("storage: scan articles by id: %w", err)
	}
	for _, a := range articles {
		out[a.ID] = a
	}
	return out, nil
}

// NewArticle is an article indexed together with its first revision.
type NewArticle struct {
	Article       model.KBArticle
	Content       string
	CreatedBy     string
	ChangeSummary *string
}

// CreateArticle indexes a new Outline document, writes revision 1 and queues
// it for the search index.
func (db *DB) CreateArticle(ctx context.Context, in NewArticle) (model.KBArticle, model.KBRevision, error) {
	var (
		article  model.KBArticle
		revision model.KBRevision
	)
	tags := in.Article.Tags
	if tags == nil {
		tags = []string{}
	}
	err := db.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		article, err = scanArticle(tx.QueryRow(ctx,
			`INSERT INTO kb_article_index (outline_document_id, tenant_id, title, tenant_level, tags, is_active)
			 VALUES ($1, $2, $3, $4, $5, true)
			 RETURNING `+articleColumns,
			in.Article.OutlineDocumentID, in.Article.TenantID, in.Article.Title, in.Article.TenantLevel, tags))
		if err != nil {
			return fmt.Errorf("storage: index article: %w", err)
		}
		revision, err = insertRevisionTx(ctx, tx, article.ID, 1, in.Content, in.CreatedBy, in.ChangeSummary)
		if err != nil {
			return err
		}
		return enqueueOutboxTx(ctx, tx, article.ID, "upsert")
	})
	if err != nil {
		return model.KBArticle{}, model.KBRevision{}, err
	}
	return article, revision, nil
}

// AppendRevision locks the article, writes revision latest+1, refreshes the
// title and queues a reindex.
func (db *DB) AppendRevision(ctx context.Context, articleID uuid.UUID, title, content, createdBy string, changeSummary *string) (model.KBRevision, error) {
	var revision model.KBRevision
	err := db.inTx(ctx, func(tx pgx.Tx) error {
		var latest int
		err := tx.QueryRow(ctx,
			`SELECT COALESCE((SELECT max(revision_number) FROM kb_article_revisions WHERE article_id = a.id), 0)
			 FROM kb_article_index a WHERE a.id = $1 FOR UPDATE`, articleID,
		).Scan(&latest)
		if err != nil {
			return fmt.Errorf("storage: lock article %s: %w", articleID, notFound(err))
		}
		revision, err = insertRevisionTx(ctx, tx, articleID, latest+1, content, createdBy, changeSummary)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`UPDATE kb_article_index SET title = COALESCE(NULLIF($2, ''), title), last_updated_at = now()
			 WHERE id = $1`, articleID, title,
		); err != nil {
			return fmt.Errorf("storage: touch article: %w", err)
		}
		return enqueueOutboxTx(ctx, tx, articleID, "upsert")
	})
	if err != nil {
		return model.KBRevision{}, err
	}
	return revision, nil
}

func insertRevisionTx(ctx context.Context, q querier, articleID uuid.UUID, number int, content, createdBy string, summary *string) (model.KBRevision, error) {
	if createdBy == "" {
		createdBy = "ai"
	}
	r := model.KBRevision{
		ArticleID:      articleID,
		RevisionNumber: number,
		Content:        content,
		CreatedBy:      createdBy,
		ChangeSummary:  summary,
	}
	err := q.QueryRow(ctx,
		`INSERT INTO kb_article_revisions (article_id, revision_number, content, created_by, change_summary)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, created_at`,
		articleID, number, content, createdBy, summary,
	).Scan(&r.ID, &r.CreatedAt)
	if err != nil {
		return model.KBRevision{}, fmt.Errorf("storage: insert revision %d: %w", number, err)
	}
	return r, nil
}

// LatestRevision returns the newest revision of an article.
func (db *DB) LatestRevision(ctx context.Context, articleID uuid.UUID) (model.KBRevision, error) {
	var r model.KBRevision
	err := db.pool.QueryRow(ctx,
		`SELECT id, article_id, revision_number, content, created_by, change_summary, created_at
		 FROM kb_article_revisions WHERE article_id = $1
		 ORDER BY revision_number DESC LIMIT 1`, articleID,
	).Scan(&r.ID, &r.ArticleID, &r.RevisionNumber, &r.Content, &r.CreatedBy, &r.ChangeSummary, &r.CreatedAt)
	if err != nil {
		return model.KBRevision{}, fmt.Errorf("storage: latest revision: %w", notFound(err))
	}
	return r, nil
}

// SetArticleEmbedding stores an article's embedding and queues it for the
// search index.
func (db *DB) SetArticleEmbedding(ctx context.Context, articleID uuid.UUID, embedding []float32) error {
	return db.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE kb_article_index SET embedding = $2 WHERE id = $1`,
			articleID, pgvector.NewVector(embedding))
		if err != nil {
			return fmt.Errorf("storage: set article embedding: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("storage: set article embedding %s: %w", articleID, ErrNotFound)
		}
		return enqueueOutboxTx(ctx, tx, articleID, "upsert")
	})
}

func enqueueOutboxTx(ctx context.Context, q querier, articleID uuid.UUID, op string) error {
	if _, err := q.Exec(ctx,
		`INSERT INTO search_outbox (article_id, operation) VALUES ($1, $2)`, articleID, op,
	); err != nil {
		return fmt.Errorf("storage: enqueue search outbox: %w", err)
	}
	return nil
}

// InsertQualityScore records a quality evaluation.
func (db *DB) InsertQualityScore(ctx context.Context, s model.KBQualityScore) (model.KBQualityScore, error) {
	err := db.pool.QueryRow(ctx,
		`INSERT INTO kb_quality_scores (article_id, revision_id, clarity, completeness, technical_accuracy,
		                                structure, overall, needs_review, review_reason)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING id, reviewed, created_at`,
		s.ArticleID, s.RevisionID, s.Clarity, s.Completeness, s.TechnicalAccuracy,
		s.Structure, s.Overall, s.NeedsReview, s.ReviewReason,
	).Scan(&s.ID, &s.Reviewed, &s.CreatedAt)
	if err != nil {
		return model.KBQualityScore{}, fmt.Errorf("storage: insert quality score: %w", err)
	}
	return s, nil
}

const scoreColumns = `id, article_id, revision_id, clarity, completeness, technical_accuracy, structure,
	overall, needs_review, review_reason, reviewed, reviewed_by, reviewed_at, created_at`

func scanScore(row pgx.Row) (model.KBQualityScore, error) {
	var s model.KBQualityScore
	err := row.Scan(&s.ID, &s.ArticleID, &s.RevisionID, &s.Clarity, &s.Completeness, &s.TechnicalAccuracy,
		&s.Structure, &s.Overall, &s.NeedsReview, &s.ReviewReason, &s.Reviewed, &s.ReviewedBy,
		&s.ReviewedAt, &s.CreatedAt)
	return s, err
}

// ReviewQueue returns unreviewed scores flagged for review, worst first.
func (db *DB) ReviewQueue(ctx context.Context, limit int) ([]model.ReviewQueueItem, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT s.id, s.article_id, COALESCE(a.outline_document_id, ''), COALESCE(a.title, 'Unknown'),
		        s.review_reason, s.created_at,
		        s.clarity, s.completeness, s.technical_accuracy, s.structure, s.overall
		 FROM kb_quality_scores s
		 LEFT JOIN kb_article_index a ON a.id = s.article_id
		 WHERE s.needs_review = true AND s.reviewed = false
		 ORDER BY s.overall ASC, s.created_at ASC
		 LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: review queue: %w", err)
	}
	items, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.ReviewQueueItem, error) {
		var it model.ReviewQueueItem
		err := row.Scan(&it.ScoreID, &it.ArticleID, &it.OutlineDocumentID, &it.Title, &it.ReviewReason,
			&it.CreatedAt, &it.Clarity, &it.Completeness, &it.TechnicalAccuracy, &it.Structure, &it.Overall)
		return it, err
	})
	if err != nil {
		return nil, fmt.Errorf("storage: scan review queue: %w", err)
	}
	return items, nil
}

// ReviewOutcome is the reviewer's verdict on a quality score.
type ReviewOutcome struct {
	Reviewer string
	Approve  bool
	Reason   string
	// Disable deactivates the article on rejection.
	Disable bool
}

// ReviewScore marks a quality score reviewed. Approval clears needs_review and
// activates the article; rejection records the reason and, when requested,
// deactivates the article and removes it from the search index.
func (db *DB) ReviewScore(ctx context.Context, scoreID uuid.UUID, o ReviewOutcome) (model.KBQualityScore, error) {
	var score model.KBQualityScore
	err := db.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		if o.Approve {
			score, err = scanScore(tx.QueryRow(ctx,
				`UPDATE kb_quality_scores
				 SET reviewed = true, needs_review = false, reviewed_by = $2, reviewed_at = now()
				 WHERE id = $1
				 RETURNING `+scoreColumns, scoreID, o.Reviewer))
		} else {
			score, err = scanScore(tx.QueryRow(ctx,
				`UPDATE kb_quality_scores
				 SET reviewed = true, reviewed_by = $2, reviewed_at = now(), review_reason = $3
				 WHERE id = $1
				 RETURNING `+scoreColumns, scoreID, o.Reviewer, "Rejected: "+o.Reason))
		}
		if err != nil {
			return fmt.Errorf("storage: review score %s: %w", scoreID, notFound(err))
		}

		switch {
		case o.Approve:
			if _, err := tx.Exec(ctx,
				`UPDATE kb_article_index SET is_active = true WHERE id = $1`, score.ArticleID); err != nil {
				return fmt.Errorf("storage: activate article: %w", err)
			}
			return enqueueOutboxTx(ctx, tx, score.ArticleID, "upsert")
		case o.Disable:
			if _, err := tx.Exec(ctx,
				`UPDATE kb_article_index SET is_active = false WHERE id = $1`, score.ArticleID); err != nil {
				return fmt.Errorf("storage: deactivate article: %w", err)
			}
			return enqueueOutboxTx(ctx, tx, score.ArticleID, "delete")
		}
		return nil
	})
	if err != nil {
		return model.KBQualityScore{}, err
	}
	return score, nil
}

// InsertDecisionLog appends an immutable KB agent decision.
func (db *DB) InsertDecisionLog(ctx context.Context, d model.KBDecisionLog) (model.KBDecisionLog, error) {
	var similarity []byte
	if d.SimilarityScore != nil {
		var err error
		if similarity, err = json.Marshal(d.SimilarityScore); err != nil {
			return model.KBDecisionLog{}, fmt.Errorf("storage: marshal similarity: %w", err)
		}
	}
	err := db.pool.QueryRow(ctx,
		`INSERT INTO kb_decision_logs (support_log_id, decision, reason, similarity_score, outline_document_id)
		 VALUES ($1, $2, $3, $4::jsonb, $5)
		 RETURNING id, created_at`,
		d.SupportLogID, d.Decision, d.Reason, similarity, d.OutlineDocumentID,
	).Scan(&d.ID, &d.CreatedAt)
	if err != nil {
		return model.KBDecisionLog{}, fmt.Errorf("storage: insert kb decision log: %w", err)
	}
	return d, nil
}
