package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/sapphire/internal/model"
)

const caseColumns = `id, tenant_id, title, status, priority, category, created_by_identity_id,
	owner_identity_id, ai_confidence, tier_route, created_at, updated_at`

func scanCase(row pgx.Row) (model.Case, error) {
	var c model.Case
	err := row.Scan(&c.ID, &c.TenantID, &c.Title, &c.Status, &c.Priority, &c.Category,
		&c.CreatedByIdentityID, &c.OwnerIdentityID, &c.AIConfidence, &c.TierRoute,
		&c.CreatedAt, &c.UpdatedAt)
	return c, err
}

// GetCase returns a case by ID.
func (db *DB) GetCase(ctx context.Context, id uuid.UUID) (model.Case, error) {
	c, err := scanCase(db.pool.QueryRow(ctx, `SELECT `+caseColumns+` FROM cases WHERE id = $1`, id))
	if err != nil {
		return model.Case{}, fmt.Errorf("storage: get case %s: %w", id, notFound(err))
	}
	return c, nil
}

func insertCaseTx(ctx context.Context, q querier, c model.Case) (model.Case, error) {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	out, err := scanCase(q.QueryRow(ctx,
		`INSERT INTO cases (id, tenant_id, title, status, priority, category, created_by_identity_id,
		                    owner_identity_id, ai_confidence, tier_route)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING `+caseColumns,
		c.ID, c.TenantID, c.Title, c.Status, c.Priority, c.Category, c.CreatedByIdentityID,
		c.OwnerIdentityID, c.AIConfidence, c.TierRoute))
	if err != nil {
		return model.Case{}, fmt.Errorf("storage: insert case: %w", err)
	}
	return out, nil
}

func insertCaseMessageTx(ctx context.Context, q querier, m model.CaseMessage) (model.CaseMessage, error) {
	var attachments []byte
	if len(m.Attachments) > 0 {
		var err error
		if attachments, err = json.Marshal(m.Attachments); err != nil {
			return model.CaseMessage{}, fmt.Errorf("storage: marshal attachments: %w", err)
		}
	}
	err := q.QueryRow(ctx,
		`INSERT INTO case_messages (case_id, sender_type, sender_email, body_text, attachments)
		 VALUES ($1, $2, $3, $4, $5::jsonb)
		 RETURNING id, created_at`,
		m.CaseID, m.SenderType, m.SenderEmail, m.BodyText, attachments,
	).Scan(&m.ID, &m.CreatedAt)
	if err != nil {
		return model.CaseMessage{}, fmt.Errorf("storage: insert case message: %w", err)
	}
	return m, nil
}

func insertArtifactTx(ctx context.Context, q querier, a model.AIArtifact) (model.AIArtifact, error) {
	var citations []byte
	if a.Citations != nil {
		var err error
		if citations, err = json.Marshal(a.Citations); err != nil {
			return model.AIArtifact{}, fmt.Errorf("storage: marshal citations: %w", err)
		}
	}
	err := q.QueryRow(ctx,
		`INSERT INTO ai_artifacts (case_id, intake_event_id, tenant_id, artifact_type, content,
		                           citations, confidence, model_used)
		 VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8)
		 RETURNING id, created_at`,
		a.CaseID, a.IntakeEventID, a.TenantID, a.ArtifactType, a.Content, citations, a.Confidence, a.ModelUsed,
	).Scan(&a.ID, &a.CreatedAt)
	if err != nil {
		return model.AIArtifact{}, fmt.Errorf("storage: insert artifact %s: %w", a.ArtifactType, err)
	}
	return a, nil
}

// InsertArtifact stores an AI artifact on its own.
func (db *DB) InsertArtifact(ctx context.Context, a model.AIArtifact) (model.AIArtifact, error) {
	return insertArtifactTx(ctx, db.pool, a)
}

// ListCaseMessages returns a case's messages in arrival order.
func (db *DB) ListCaseMessages(ctx context.Context, caseID uuid.UUID) ([]model.CaseMessage, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, case_id, sender_type, sender_email, body_text, attachments, created_at
		 FROM case_messages WHERE case_id = $1 ORDER BY created_at`, caseID)
	if err != nil {
		return nil, fmt.Errorf("storage: list case messages: %w", err)
	}
	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.CaseMessage, error) {
		var m model.CaseMessage
		err := row.Scan(&m.ID, &m.CaseID, &m.SenderType, &m.SenderEmail, &m.BodyText, &m.Attachments, &m.CreatedAt)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("storage: scan case messages: %w", err)
	}
	return msgs, nil
}

// ListArtifacts returns the AI artifacts attached to a case.
func (db *DB) ListArtifacts(ctx context.Context, caseID uuid.UUID) ([]model.AIArtifact, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, case_id, intake_event_id, tenant_id, artifact_type, content, citations,
		        confidence, model_used, created_at
		 FROM ai_artifacts WHERE case_id = $1 ORDER BY created_at`, caseID)
	if err != nil {
		return nil, fmt.Errorf("storage: list artifacts: %w", err)
	}
	arts, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.AIArtifact, error) {
		var a model.AIArtifact
		err := row.Scan(&a.ID, &a.CaseID, &a.IntakeEventID, &a.TenantID, &a.ArtifactType, &a.Content,
			&a.Citations, &a.Confidence, &a.ModelUsed, &a.CreatedAt)
		return a, err
	})
	if err != nil {
		return nil, fmt.Errorf("storage: scan artifacts: %w", err)
	}
	return arts, nil
}

// PriorCase is a previously resolved case offered as retrieval context.
type PriorCase struct {
	Case    model.Case
	Summary string
}

// ListPriorResolvedCases returns resolved or closed cases of a tenant created
// since the cutoff whose AI confidence is at least minConfidence, most
// confident first. Summary is the latest summary artifact, or the title.
func (db *DB) ListPriorResolvedCases(ctx context.Context, tenantID uuid.UUID, since time.Time, minConfidence float64, limit int) ([]PriorCase, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT c.id, c.tenant_id, c.title, c.status, c.priority, c.category, c.created_by_identity_id,
		        c.owner_identity_id, c.ai_confidence, c.tier_route, c.created_at, c.updated_at,
		        COALESCE(s.content, c.title)
		 FROM cases c
		 LEFT JOIN LATERAL (
		     SELECT content FROM ai_artifacts a
		     WHERE a.case_id = c.id AND a.artifact_type = 'summary'
		     ORDER BY a.created_at DESC LIMIT 1
		 ) s ON true
		 WHERE c.tenant_id = $1
		   AND c.status IN ('resolved', 'closed')
		   AND c.created_at >= $2
		   AND c.ai_confidence >= $3
		 ORDER BY c.ai_confidence DESC, c.created_at DESC
		 LIMIT $4`,
		tenantID, since, minConfidence, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list prior cases: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (PriorCase, error) {
		var p PriorCase
		c := &p.Case
		err := row.Scan(&c.ID, &c.TenantID, &c.Title, &c.Status, &c.Priority, &c.Category,
			&c.CreatedByIdentityID, &c.OwnerIdentityID, &c.AIConfidence, &c.TierRoute,
			&c.CreatedAt, &c.UpdatedAt, &p.Summary)
		return p, err
	})
	if err != nil {
		return nil, fmt.Errorf("storage: scan prior cases: %w", err)
	}
	return out, nil
}

// CaseMutation describes the writes applied to a locked case row. Nil fields
// are left untouched.
type CaseMutation struct {
	Status          *model.CaseStatus
	Priority        *model.Priority
	OwnerIdentityID *uuid.UUID
	Message         *model.CaseMessage
	SLAEvent        *SLAEventInsert
	Audit           *AuditEntry
}

// ErrNoChange aborts a mutation without writing anything.
var ErrNoChange = errors.New("storage: no change")

// MutateCase locks the case, hands its current state to fn and applies the
// returned mutation in the same transaction. An error from fn aborts the
// transaction and is returned unwrapped; ErrNoChange commits nothing and
// returns the current case.
func (db *DB) MutateCase(ctx context.Context, caseID uuid.UUID, fn func(model.Case) (CaseMutation, error)) (model.Case, error) {
	var result model.Case
	err := db.inTx(ctx, func(tx pgx.Tx) error {
		current, err := scanCase(tx.QueryRow(ctx,
			`SELECT `+caseColumns+` FROM cases WHERE id = $1 FOR UPDATE`, caseID))
		if err != nil {
			return fmt.Errorf("storage: lock case %s: %w", caseID, notFound(err))
		}

		m, err := fn(current)
		if errors.Is(err, ErrNoChange) {
			result = current
			return nil
		}
		if err != nil {
			return err
		}

		if m.Status != nil || m.Priority != nil || m.OwnerIdentityID != nil {
			result, err = scanCase(tx.QueryRow(ctx,
				`UPDATE cases SET status = COALESCE($2, status),
				                  priority = COALESCE($3, priority),
				                  owner_identity_id = COALESCE($4, owner_identity_id),
				                  updated_at = now()
				 WHERE id = $1
				 RETURNING `+caseColumns,
				caseID, m.Status, m.Priority, m.OwnerIdentityID))
			if err != nil {
				return fmt.Errorf("storage: update case %s: %w", caseID, err)
			}
		} else {
			result = current
		}

		if m.Message != nil {
			msg := *m.Message
			msg.CaseID = caseID
			if _, err := insertCaseMessageTx(ctx, tx, msg); err != nil {
				return err
			}
		}
		if m.SLAEvent != nil {
			ev := *m.SLAEvent
			ev.CaseID = caseID
			if _, err := insertSLAEventTx(ctx, tx, ev); err != nil {
				return err
			}
		}
		if m.Audit != nil {
			audit := *m.Audit
			audit.CaseID = &caseID
			if audit.TenantID == nil {
				audit.TenantID = &current.TenantID
			}
			if err := insertAudit(ctx, tx, audit); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return model.Case{}, err
	}
	return result, nil
}

// CaseFilter narrows ListCases. Zero values mean "any".
type CaseFilter struct {
	Status   *model.CaseStatus
	Priority *model.Priority
	Tier     *model.PlanTier
	TenantID *uuid.UUID
	Limit    int
	Offset   int
}

// CaseListItem is a case with the counters the ops view needs.
type CaseListItem struct {
	Case              model.Case
	TenantName        string
	PlanTier          model.PlanTier
	MessagesCount     int
	SLABreached       bool
	OnboardingPhase   *model.OnboardingPhase
	OnboardingSession *uuid.UUID
}

// ListCases returns cases matching the filter, newest first. Onboarding
// fields are set only when the tenant's session is active.
func (db *DB) ListCases(ctx context.Context, f CaseFilter) ([]CaseListItem, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT c.id, c.tenant_id, c.title, c.status, c.priority, c.category, c.created_by_identity_id,
		        c.owner_identity_id, c.ai_confidence, c.tier_route, c.created_at, c.updated_at,
		        t.name, t.plan_tier,
		        (SELECT count(*) FROM case_messages m WHERE m.case_id = c.id),
		        EXISTS (SELECT 1 FROM sla_events e WHERE e.case_id = c.id
		                AND e.event_type IN ('breached_first_response', 'breached_resolution')),
		        o.current_phase, o.id
		 FROM cases c
		 JOIN tenants t ON t.id = c.tenant_id
		 LEFT JOIN onboarding_sessions o ON o.tenant_id = c.tenant_id AND o.status = 'active'
		 WHERE ($1::text IS NULL OR c.status = $1)
		   AND ($2::text IS NULL OR c.priority = $2)
		   AND ($3::text IS NULL OR t.plan_tier = $3)
		   AND ($4::uuid IS NULL OR c.tenant_id = $4)
		 ORDER BY c.created_at DESC
		 LIMIT $5 OFFSET $6`,
		f.Status, f.Priority, f.Tier, f.TenantID, f.Limit, f.Offset)
	if err != nil {
		return nil, fmt.Errorf("storage: list cases: %w", err)
	}
	items, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (CaseListItem, error) {
		var it CaseListItem
		c := &it.Case
		err := row.Scan(&c.ID, &c.TenantID, &c.Title, &c.Status, &c.Priority, &c.Category,
			&c.CreatedByIdentityID, &c.OwnerIdentityID, &c.AIConfidence, &c.TierRoute,
			&c.CreatedAt, &c.UpdatedAt,
			&it.TenantName, &it.PlanTier, &it.MessagesCount, &it.SLABreached,
			&it.OnboardingPhase, &it.OnboardingSession)
		return it, err
	})
	if err != nil {
		return nil, fmt.Errorf("storage: scan cases: %w", err)
	}
	return items, nil
}

// CountCases returns how many cases match the filter, ignoring paging.
func (db *DB) CountCases(ctx context.Context, f CaseFilter) (int, error) {
	var n int
	err := db.pool.QueryRow(ctx,
		`SELECT count(*)
		 FROM cases c
		 JOIN tenants t ON t.id = c.tenant_id
		 WHERE ($1::text IS NULL OR c.status = $1)
		   AND ($2::text IS NULL OR c.priority = $2)
		   AND ($3::text IS NULL OR t.plan_tier = $3)
		   AND ($4::uuid IS NULL OR c.tenant_id = $4)`,
		f.Status, f.Priority, f.Tier, f.TenantID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: count cases: %w", err)
	}
	return n, nil
}

// OpenCase is the minimal projection the SLA sweep needs.
type OpenCase struct {
	ID        uuid.UUID
	TenantID  uuid.UUID
	CreatedAt time.Time
}

// ListOpenCases returns cases that are not resolved or closed, oldest first.
func (db *DB) ListOpenCases(ctx context.Context, limit int) ([]OpenCase, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, tenant_id, created_at FROM cases
		 WHERE status NOT IN ('resolved', 'closed')
		 ORDER BY created_at
		 LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list open cases: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (OpenCase, error) {
		var o OpenCase
		err := row.Scan(&o.ID, &o.TenantID, &o.CreatedAt)
		return o, err
	})
	if err != nil {
		return nil, fmt.Errorf("storage: scan open cases: %w", err)
	}
	return out, nil
}
