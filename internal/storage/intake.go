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

// RecordIntake stores an intake event with its classification and audit in
// one transaction. The returned event carries its assigned ID.
func (db *DB) RecordIntake(ctx context.Context, ev model.IntakeEvent, c model.Classification, audit AuditEntry) (model.IntakeEvent, error) {
	raw, err := json.Marshal(ev.RawPayload)
	if err != nil {
		return model.IntakeEvent{}, fmt.Errorf("storage: marshal raw payload: %w", err)
	}
	err = db.inTx(ctx, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx,
			`INSERT INTO intake_events (source, tenant_id, from_email, subject, body_text, raw_payload)
			 VALUES ($1, $2, $3, $4, $5, $6::jsonb)
			 RETURNING id, created_at`,
			ev.Source, ev.TenantID, ev.FromEmail, ev.Subject, ev.BodyText, raw,
		).Scan(&ev.ID, &ev.CreatedAt); err != nil {
			return fmt.Errorf("storage: insert intake event: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO intent_classifications (intake_event_id, intent, urgency, confidence,
			                                     compliance_flag, recommended_action, model_used)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			ev.ID, c.Intent, c.Urgency, c.Confidence, c.ComplianceFlag, c.RecommendedAction, c.ModelUsed,
		); err != nil {
			return fmt.Errorf("storage: insert classification: %w", err)
		}
		audit.IntakeEventID = &ev.ID
		audit.TenantID = &ev.TenantID
		return insertAudit(ctx, tx, audit)
	})
	if err != nil {
		return model.IntakeEvent{}, err
	}
	return ev, nil
}

// GetIntakeEvent returns an intake event by ID.
func (db *DB) GetIntakeEvent(ctx context.Context, id uuid.UUID) (model.IntakeEvent, error) {
	var (
		ev  model.IntakeEvent
		raw []byte
	)
	err := db.pool.QueryRow(ctx,
		`SELECT id, source, tenant_id, from_email, subject, body_text, raw_payload, created_at
		 FROM intake_events WHERE id = $1`, id,
	).Scan(&ev.ID, &ev.Source, &ev.TenantID, &ev.FromEmail, &ev.Subject, &ev.BodyText, &raw, &ev.CreatedAt)
	if err != nil {
		return model.IntakeEvent{}, fmt.Errorf("storage: get intake event %s: %w", id, notFound(err))
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &ev.RawPayload); err != nil {
			return model.IntakeEvent{}, fmt.Errorf("storage: decode raw payload: %w", err)
		}
	}
	return ev, nil
}

// InsertClassification adds a classification to an existing intake event
// with its audit in one transaction. Earlier classifications are kept; the
// newest one wins in IntentCounts.
func (db *DB) InsertClassification(ctx context.Context, intakeEventID uuid.UUID, c model.Classification, audit AuditEntry) (time.Time, error) {
	var createdAt time.Time
	err := db.inTx(ctx, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx,
			`INSERT INTO intent_classifications (intake_event_id, intent, urgency, confidence,
			                                     compliance_flag, recommended_action, model_used)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 RETURNING created_at`,
			intakeEventID, c.Intent, c.Urgency, c.Confidence, c.ComplianceFlag, c.RecommendedAction, c.ModelUsed,
		).Scan(&createdAt); err != nil {
			return fmt.Errorf("storage: insert classification: %w", err)
		}
		audit.IntakeEventID = &intakeEventID
		return insertAudit(ctx, tx, audit)
	})
	if err != nil {
		return time.Time{}, err
	}
	return createdAt, nil
}

// IntentCounts tallies the latest classification of every intake event
// received in [since, until].
func (db *DB) IntentCounts(ctx context.Context, since, until time.Time) (map[model.Intent]int, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT latest.intent, count(*)
		 FROM (
		     SELECT DISTINCT ON (ic.intake_event_id) ic.intake_event_id, ic.intent
		     FROM intent_classifications ic
		     JOIN intake_events ie ON ie.id = ic.intake_event_id
		     WHERE ie.created_at >= $1 AND ie.created_at <= $2
		     ORDER BY ic.intake_event_id, ic.created_at DESC
		 ) latest
		 GROUP BY latest.intent`, since, until)
	if err != nil {
		return nil, fmt.Errorf("storage: intent counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.Intent]int)
	for rows.Next() {
		var intent model.Intent
		var n int
		if err := rows.Scan(&intent, &n); err != nil {
			return nil, fmt.Errorf("storage: scan intent count: %w", err)
		}
		counts[intent] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: intent counts: %w", err)
	}
	return counts, nil
}

// ComplianceFlag is a flagged intake classification for alerting.
type ComplianceFlag struct {
	IntakeEventID uuid.UUID
	TenantID      *uuid.UUID
	FromEmail     string
	Subject       *string
	Intent        model.Intent
	Confidence    float64
	CreatedAt     time.Time
}

// ListComplianceFlags returns compliance-flagged classifications since the
// cutoff, newest first.
func (db *DB) ListComplianceFlags(ctx context.Context, since time.Time, limit int) ([]ComplianceFlag, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT ie.id, ie.tenant_id, ie.from_email, ie.subject, ic.intent, ic.confidence, ic.created_at
		 FROM intent_classifications ic
		 JOIN intake_events ie ON ie.id = ic.intake_event_id
		 WHERE ic.compliance_flag = true AND ic.created_at >= $1
		 ORDER BY ic.created_at DESC
		 LIMIT $2`, since, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list compliance flags: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (ComplianceFlag, error) {
		var f ComplianceFlag
		err := row.Scan(&f.IntakeEventID, &f.TenantID, &f.FromEmail, &f.Subject, &f.Intent, &f.Confidence, &f.CreatedAt)
		return f, err
	})
	if err != nil {
		return nil, fmt.Errorf("storage: scan compliance flags: %w", err)
	}
	return out, nil
}

// InsertCRMEvent records a CRM event for later forwarding.
func (db *DB) InsertCRMEvent(ctx context.Context, e model.CRMEvent) (model.CRMEvent, error) {
	if e.Payload == nil {
		e.Payload = map[string]any{}
	}
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return model.CRMEvent{}, fmt.Errorf("storage: marshal crm payload: %w", err)
	}
	err = db.pool.QueryRow(ctx,
		`INSERT INTO crm_events (tenant_id, event_type, payload) VALUES ($1, $2, $3::jsonb)
		 RETURNING id, forwarded, created_at`,
		e.TenantID, e.EventType, payload,
	).Scan(&e.ID, &e.Forwarded, &e.CreatedAt)
	if err != nil {
		return model.CRMEvent{}, fmt.Errorf("storage: insert crm event: %w", err)
	}
	return e, nil
}

// MarkCRMForwarded flags a CRM event as delivered downstream.
func (db *DB) MarkCRMForwarded(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx, `UPDATE crm_events SET forwarded = true WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: mark crm forwarded: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: mark crm forwarded %s: %w", id, ErrNotFound)
	}
	return nil
}
