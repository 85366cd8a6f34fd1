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

// SLAEventInsert is an SLA event to append.
type SLAEventInsert struct {
	CaseID    uuid.UUID
	EventType model.SLAEventType
	Payload   map[string]any
}

// GetSLAPolicy returns the tenant-specific policy for a tier.
func (db *DB) GetSLAPolicy(ctx context.Context, tenantID uuid.UUID, tier model.PlanTier) (model.SLAPolicy, error) {
	var p model.SLAPolicy
	err := db.pool.QueryRow(ctx,
		`SELECT id, tenant_id, plan_tier, first_response_minutes, resolution_minutes
		 FROM sla_policies WHERE tenant_id = $1 AND plan_tier = $2`,
		tenantID, tier,
	).Scan(&p.ID, &p.TenantID, &p.PlanTier, &p.FirstResponseMinutes, &p.ResolutionMinutes)
	if err != nil {
		return model.SLAPolicy{}, fmt.Errorf("storage: get sla policy: %w", notFound(err))
	}
	return p, nil
}

// UpsertSLAPolicy creates or replaces the policy for (tenant, tier).
func (db *DB) UpsertSLAPolicy(ctx context.Context, p model.SLAPolicy) error {
	return upsertSLAPolicyTx(ctx, db.pool, p)
}

func upsertSLAPolicyTx(ctx context.Context, q querier, p model.SLAPolicy) error {
	if _, err := q.Exec(ctx,
		`INSERT INTO sla_policies (tenant_id, plan_tier, first_response_minutes, resolution_minutes)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (tenant_id, plan_tier) DO UPDATE
		 SET first_response_minutes = EXCLUDED.first_response_minutes,
		     resolution_minutes = EXCLUDED.resolution_minutes`,
		p.TenantID, p.PlanTier, p.FirstResponseMinutes, p.ResolutionMinutes,
	); err != nil {
		return fmt.Errorf("storage: upsert sla policy: %w", err)
	}
	return nil
}

// InsertSLAEvent appends an SLA event. Event types that may occur at most
// once per case return inserted=false when already present.
func (db *DB) InsertSLAEvent(ctx context.Context, ev SLAEventInsert) (bool, error) {
	return insertSLAEventTx(ctx, db.pool, ev)
}

func insertSLAEventTx(ctx context.Context, q querier, ev SLAEventInsert) (bool, error) {
	if ev.Payload == nil {
		ev.Payload = map[string]any{}
	}
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return false, fmt.Errorf("storage: marshal sla payload: %w", err)
	}
	tag, err := q.Exec(ctx,
		`INSERT INTO sla_events (case_id, event_type, payload) VALUES ($1, $2, $3::jsonb)
		 ON CONFLICT (case_id, event_type)
		     WHERE event_type IN ('started', 'first_response', 'breached_first_response', 'breached_resolution')
		 DO NOTHING`,
		ev.CaseID, ev.EventType, payload)
	if err != nil {
		return false, fmt.Errorf("storage: insert sla event %s: %w", ev.EventType, err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListSLAEvents returns a case's SLA events in order.
func (db *DB) ListSLAEvents(ctx context.Context, caseID uuid.UUID) ([]model.SLAEvent, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, case_id, event_type, payload, created_at
		 FROM sla_events WHERE case_id = $1 ORDER BY created_at, id`, caseID)
	if err != nil {
		return nil, fmt.Errorf("storage: list sla events: %w", err)
	}
	events, err := pgx.CollectRows(rows, scanSLAEvent)
	if err != nil {
		return nil, fmt.Errorf("storage: scan sla events: %w", err)
	}
	return events, nil
}

func scanSLAEvent(row pgx.CollectableRow) (model.SLAEvent, error) {
	var e model.SLAEvent
	err := row.Scan(&e.ID, &e.CaseID, &e.EventType, &e.Payload, &e.CreatedAt)
	return e, err
}

// SLABreach is a breach event joined with its case for alerting.
type SLABreach struct {
	Event     model.SLAEvent
	TenantID  uuid.UUID
	CaseTitle string
	Priority  model.Priority
}

// ListSLABreaches returns breach events newer than since, newest first.
func (db *DB) ListSLABreaches(ctx context.Context, since time.Time, limit int) ([]SLABreach, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT e.id, e.case_id, e.event_type, e.payload, e.created_at, c.tenant_id, c.title, c.priority
		 FROM sla_events e
		 JOIN cases c ON c.id = e.case_id
		 WHERE e.event_type IN ('breached_first_response', 'breached_resolution')
		   AND e.created_at >= $1
		 ORDER BY e.created_at DESC
		 LIMIT $2`, since, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list sla breaches: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (SLABreach, error) {
		var b SLABreach
		e := &b.Event
		err := row.Scan(&e.ID, &e.CaseID, &e.EventType, &e.Payload, &e.CreatedAt, &b.TenantID, &b.CaseTitle, &b.Priority)
		return b, err
	})
	if err != nil {
		return nil, fmt.Errorf("storage: scan sla breaches: %w", err)
	}
	return out, nil
}
