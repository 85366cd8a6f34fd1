package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/sapphire/internal/model"
)

// AuditEntry is an append-only audit event. Exactly the non-nil subject IDs
// are recorded.
type AuditEntry struct {
	EventType     string
	TenantID      *uuid.UUID
	CaseID        *uuid.UUID
	IntakeEventID *uuid.UUID
	Actor         string
	Payload       map[string]any
}

// InsertAudit appends an audit event. The target table is never updated.
func (db *DB) InsertAudit(ctx context.Context, e AuditEntry) error {
	return insertAudit(ctx, db.pool, e)
}

func insertAudit(ctx context.Context, q querier, e AuditEntry) error {
	if e.Payload == nil {
		e.Payload = map[string]any{}
	}
	if e.Actor == "" {
		e.Actor = "system"
	}
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("storage: marshal audit payload: %w", err)
	}
	if _, err := q.Exec(ctx,
		`INSERT INTO audit_log (event_type, tenant_id, case_id, intake_event_id, actor, payload)
		 VALUES ($1, $2, $3, $4, $5, $6::jsonb)`,
		e.EventType, e.TenantID, e.CaseID, e.IntakeEventID, e.Actor, payload,
	); err != nil {
		return fmt.Errorf("storage: insert audit %s: %w", e.EventType, err)
	}
	return nil
}

// ListAudit returns audit events of a type for a tenant, newest first.
func (db *DB) ListAudit(ctx context.Context, tenantID uuid.UUID, eventType string, limit int) ([]model.AuditEntry, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, event_type, tenant_id, case_id, intake_event_id, actor, payload, created_at
		 FROM audit_log
		 WHERE tenant_id = $1 AND ($2 = '' OR event_type = $2)
		 ORDER BY created_at DESC
		 LIMIT $3`,
		tenantID, eventType, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list audit: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.AuditEntry, error) {
		var a model.AuditEntry
		err := row.Scan(&a.ID, &a.EventType, &a.TenantID, &a.CaseID, &a.IntakeEventID, &a.Actor, &a.Payload, &a.CreatedAt)
		return a, err
	})
	if err != nil {
		return nil, fmt.Errorf("storage: scan audit: %w", err)
	}
	return entries, nil
}
