package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/sapphire/internal/model"
)

const aiLogColumns = `id, tenant_id, case_id, message, subject, ai_answer, confidence, resolved,
	follow_up_flag, escalation_triggered, attempt_number, citations, context_docs, helpful,
	user_feedback, model_used, COALESCE(tier, 0), category, kb_document_id, kb_side_effect,
	used_in_training, created_at`

func scanAILog(row pgx.Row) (model.SupportAILog, error) {
	var l model.SupportAILog
	err := row.Scan(&l.ID, &l.TenantID, &l.CaseID, &l.Message, &l.Subject, &l.AIAnswer, &l.Confidence,
		&l.Resolved, &l.FollowUpFlag, &l.EscalationTriggered, &l.AttemptNumber, &l.Citations,
		&l.ContextDocs, &l.Helpful, &l.UserFeedback, &l.ModelUsed, &l.Tier, &l.Category,
		&l.KBDocumentID, &l.KBSideEffect, &l.UsedInTraining, &l.CreatedAt)
	return l, err
}

// similarPrefixLen is how many leading characters two messages must share
// to count as the same attempt.
const similarPrefixLen = 50

// CountSimilarAttempts counts a tenant's resolution attempts since the cutoff
// whose first 50 characters equal those of message.
func (db *DB) CountSimilarAttempts(ctx context.Context, tenantID uuid.UUID, message string, since time.Time) (int, error) {
	var n int
	err := db.pool.QueryRow(ctx,
		`SELECT count(*) FROM support_ai_logs
		 WHERE tenant_id = $1 AND created_at >= $2 AND left(message, $3) = left($4, $3)`,
		tenantID, since, similarPrefixLen, message,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: count similar attempts: %w", err)
	}
	return n, nil
}

// GetAILog returns a resolution attempt by ID.
func (db *DB) GetAILog(ctx context.Context, id uuid.UUID) (model.SupportAILog, error) {
	l, err := scanAILog(db.pool.QueryRow(ctx, `SELECT `+aiLogColumns+` FROM support_ai_logs WHERE id = $1`, id))
	if err != nil {
		return model.SupportAILog{}, fmt.Errorf("storage: get ai log %s: %w", id, notFound(err))
	}
	return l, nil
}

// ResolutionRecord is everything a resolution attempt writes. Case, Message
// and SLAStarted are set only when the attempt escalates to a case.
type ResolutionRecord struct {
	Log        model.SupportAILog
	Case       *model.Case
	Message    *model.CaseMessage
	Artifacts  []model.AIArtifact
	SLAStarted map[string]any
	Audit      AuditEntry
}

// RecordResolution persists a resolution attempt atomically and returns the
// stored log and, when one was opened, the case.
func (db *DB) RecordResolution(ctx context.Context, rec ResolutionRecord) (model.SupportAILog, *model.Case, error) {
	var (
		storedLog  model.SupportAILog
		storedCase *model.Case
	)
	err := db.inTx(ctx, func(tx pgx.Tx) error {
		storedCase = nil
		log := rec.Log
		if rec.Case != nil {
			c, err := insertCaseTx(ctx, tx, *rec.Case)
			if err != nil {
				return err
			}
			storedCase = &c
			log.CaseID = &c.ID

			if rec.Message != nil {
				msg := *rec.Message
				msg.CaseID = c.ID
				if _, err := insertCaseMessageTx(ctx, tx, msg); err != nil {
					return err
				}
			}
			if rec.SLAStarted != nil {
				if _, err := insertSLAEventTx(ctx, tx, SLAEventInsert{
					CaseID: c.ID, EventType: model.SLAStarted, Payload: rec.SLAStarted,
				}); err != nil {
					return err
				}
			}
		}

		l, err := insertAILogTx(ctx, tx, log)
		if err != nil {
			return err
		}
		storedLog = l

		for _, a := range rec.Artifacts {
			if storedCase != nil {
				a.CaseID = &storedCase.ID
			}
			if _, err := insertArtifactTx(ctx, tx, a); err != nil {
				return err
			}
		}

		audit := rec.Audit
		audit.TenantID = &log.TenantID
		if storedCase != nil {
			audit.CaseID = &storedCase.ID
		}
		if audit.Payload == nil {
			audit.Payload = map[string]any{}
		}
		audit.Payload["log_id"] = l.ID.String()
		return insertAudit(ctx, tx, audit)
	})
	if err != nil {
		return model.SupportAILog{}, nil, err
	}
	return storedLog, storedCase, nil
}

func insertAILogTx(ctx context.Context, q querier, l model.SupportAILog) (model.SupportAILog, error) {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	if l.Citations == nil {
		l.Citations = []model.Citation{}
	}
	citations, err := json.Marshal(l.Citations)
	if err != nil {
		return model.SupportAILog{}, fmt.Errorf("storage: marshal citations: %w", err)
	}
	contextDocs, err := json.Marshal(l.ContextDocs)
	if err != nil {
		return model.SupportAILog{}, fmt.Errorf("storage: marshal context docs: %w", err)
	}
	out, err := scanAILog(q.QueryRow(ctx,
		`INSERT INTO support_ai_logs (id, tenant_id, case_id, message, subject, ai_answer, confidence,
		                              resolved, follow_up_flag, escalation_triggered, attempt_number,
		                              citations, context_docs, model_used, tier, category)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12::jsonb, $13::jsonb, $14, $15, $16)
		 RETURNING `+aiLogColumns,
		l.ID, l.TenantID, l.CaseID, l.Message, l.Subject, l.AIAnswer, l.Confidence,
		l.Resolved, l.FollowUpFlag, l.EscalationTriggered, l.AttemptNumber,
		citations, contextDocs, l.ModelUsed, l.Tier, l.Category))
	if err != nil {
		return model.SupportAILog{}, fmt.Errorf("storage: insert ai log: %w", err)
	}
	return out, nil
}

// SetKBResult records the KB agent's outcome on a resolution attempt and
// audits it.
func (db *DB) SetKBResult(ctx context.Context, logID uuid.UUID, documentID *string, result map[string]any) error {
	body, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("storage: marshal kb result: %w", err)
	}
	return db.inTx(ctx, func(tx pgx.Tx) error {
		var tenantID uuid.UUID
		var caseID *uuid.UUID
		err := tx.QueryRow(ctx,
			`UPDATE support_ai_logs
			 SET kb_side_effect = $2::jsonb, kb_document_id = COALESCE($3, kb_document_id)
			 WHERE id = $1
			 RETURNING tenant_id, case_id`,
			logID, body, documentID,
		).Scan(&tenantID, &caseID)
		if err != nil {
			return fmt.Errorf("storage: set kb result %s: %w", logID, notFound(err))
		}
		payload := map[string]any{"log_id": logID.String()}
		for k, v := range result {
			payload[k] = v
		}
		return insertAudit(ctx, tx, AuditEntry{
			EventType: "kb_agent_result",
			TenantID:  &tenantID,
			CaseID:    caseID,
			Actor:     "kb_agent",
			Payload:   payload,
		})
	})
}

// SetFeedback records whether an answer helped.
func (db *DB) SetFeedback(ctx context.Context, logID uuid.UUID, helpful bool, feedback *string) (model.SupportAILog, error) {
	l, err := scanAILog(db.pool.QueryRow(ctx,
		`UPDATE support_ai_logs SET helpful = $2, user_feedback = COALESCE($3, user_feedback)
		 WHERE id = $1
		 RETURNING `+aiLogColumns,
		logID, helpful, feedback))
	if err != nil {
		return model.SupportAILog{}, fmt.Errorf("storage: set feedback %s: %w", logID, notFound(err))
	}
	return l, nil
}

// TrainingCandidate is a resolved attempt eligible for the training dataset.
// QualityScore is the overall score of the latest reviewed, approved score
// of the linked KB article, if any.
type TrainingCandidate struct {
	Log          model.SupportAILog
	QualityScore *int
}

// ListTrainingCandidates selects resolved, unused attempts with confidence at
// least minConfidence that were marked helpful, or left unrated with
// confidence of at least 0.85. Attempts linked to a KB article are kept only
// when that article has no approved score or its latest one reaches
// minQuality.
func (db *DB) ListTrainingCandidates(ctx context.Context, minConfidence float64, minQuality, limit int) ([]TrainingCandidate, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT l.id, l.tenant_id, l.case_id, l.message, l.subject, l.ai_answer, l.confidence, l.resolved,
		        l.follow_up_flag, l.escalation_triggered, l.attempt_number, l.citations, l.context_docs,
		        l.helpful, l.user_feedback, l.model_used, COALESCE(l.tier, 0), l.category, l.kb_document_id,
		        l.kb_side_effect, l.used_in_training, l.created_at,
		        q.overall
		 FROM support_ai_logs l
		 LEFT JOIN kb_article_index a ON a.outline_document_id = l.kb_document_id
		 LEFT JOIN LATERAL (
		     SELECT s.overall FROM kb_quality_scores s
		     WHERE s.article_id = a.id AND s.reviewed = true AND s.needs_review = false
		     ORDER BY s.created_at DESC LIMIT 1
		 ) q ON true
		 WHERE l.resolved = true
		   AND l.used_in_training = false
		   AND l.confidence >= $1
		   AND (l.helpful = true OR (l.helpful IS NULL AND l.confidence >= 0.85))
		   AND (l.kb_document_id IS NULL OR q.overall IS NULL OR q.overall >= $2)
		 ORDER BY l.created_at DESC
		 LIMIT $3`,
		minConfidence, minQuality, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list training candidates: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (TrainingCandidate, error) {
		var c TrainingCandidate
		l := &c.Log
		err := row.Scan(&l.ID, &l.TenantID, &l.CaseID, &l.Message, &l.Subject, &l.AIAnswer, &l.Confidence,
			&l.Resolved, &l.FollowUpFlag, &l.EscalationTriggered, &l.AttemptNumber, &l.Citations,
			&l.ContextDocs, &l.Helpful, &l.UserFeedback, &l.ModelUsed, &l.Tier, &l.Category,
			&l.KBDocumentID, &l.KBSideEffect, &l.UsedInTraining, &l.CreatedAt,
			&c.QualityScore)
		return c, err
	})
	if err != nil {
		return nil, fmt.Errorf("storage: scan training candidates: %w", err)
	}
	return out, nil
}

// MarkUsedInTraining flags attempts as consumed by a training export. Already
// flagged rows are not counted.
func (db *DB) MarkUsedInTraining(ctx context.Context, ids []uuid.UUID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE support_ai_logs SET used_in_training = true
		 WHERE id = ANY($1) AND used_in_training = false`, ids)
	if err != nil {
		return 0, fmt.Errorf("storage: mark used in training: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListLowConfidenceLogs returns attempts below the threshold since the
// cutoff, newest first.
func (db *DB) ListLowConfidenceLogs(ctx context.Context, threshold float64, since time.Time, limit int) ([]model.SupportAILog, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+aiLogColumns+` FROM support_ai_logs
		 WHERE confidence < $1 AND created_at >= $2
		 ORDER BY created_at DESC
		 LIMIT $3`, threshold, since, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list low confidence logs: %w", err)
	}
	logs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.SupportAILog, error) {
		return scanAILog(row)
	})
	if err != nil {
		return nil, fmt.Errorf("storage: scan low confidence logs: %w", err)
	}
	return logs, nil
}
