package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/sapphire/internal/model"
)

const sessionColumns = `id, tenant_id, current_phase, status, trigger_source, paused_from_phase,
	pause_reason, started_at, completed_at, updated_at`

func scanSession(row pgx.Row) (model.OnboardingSession, error) {
	var s model.OnboardingSession
	err := row.Scan(&s.ID, &s.TenantID, &s.CurrentPhase, &s.Status, &s.TriggerSource, &s.PausedFromPhase,
		&s.PauseReason, &s.StartedAt, &s.CompletedAt, &s.UpdatedAt)
	return s, err
}

// GetOnboardingSession returns the tenant's onboarding session.
func (db *DB) GetOnboardingSession(ctx context.Context, tenantID uuid.UUID) (model.OnboardingSession, error) {
	s, err := scanSession(db.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM onboarding_sessions WHERE tenant_id = $1`, tenantID))
	if err != nil {
		return model.OnboardingSession{}, fmt.Errorf("storage: get onboarding session: %w", notFound(err))
	}
	return s, nil
}

// ListOnboardingSteps returns all steps of a session in checklist order.
func (db *DB) ListOnboardingSteps(ctx context.Context, sessionID uuid.UUID) ([]model.OnboardingStep, error) {
	return listStepsTx(ctx, db.pool, sessionID)
}

func listStepsTx(ctx context.Context, q querier, sessionID uuid.UUID) ([]model.OnboardingStep, error) {
	rows, err := q.Query(ctx,
		`SELECT id, session_id, phase, step_key, label, completed, completed_at, metadata
		 FROM onboarding_steps WHERE session_id = $1
		 ORDER BY phase, position`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("storage: list onboarding steps: %w", err)
	}
	steps, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.OnboardingStep, error) {
		var s model.OnboardingStep
		err := row.Scan(&s.ID, &s.SessionID, &s.Phase, &s.StepKey, &s.Label, &s.Completed, &s.CompletedAt, &s.Metadata)
		return s, err
	})
	if err != nil {
		return nil, fmt.Errorf("storage: scan onboarding steps: %w", err)
	}
	return steps, nil
}

func insertStepsTx(ctx context.Context, q querier, sessionID uuid.UUID, phase model.OnboardingPhase, defs []model.StepDefinition) error {
	for i, d := range defs {
		if _, err := q.Exec(ctx,
			`INSERT INTO onboarding_steps (session_id, phase, step_key, label, position)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (session_id, step_key) DO NOTHING`,
			sessionID, phase, d.Key, d.Label, i,
		); err != nil {
			return fmt.Errorf("storage: insert onboarding step %s: %w", d.Key, err)
		}
	}
	return nil
}

// StartOnboardingInput carries everything an onboarding start provisions.
// Provision derives the SLA policy and entitlements from the tenant as
// stored, so an existing tenant keeps its tier.
type StartOnboardingInput struct {
	TenantID      uuid.UUID
	TenantName    string
	PlanTier      model.PlanTier
	TriggerSource model.TriggerSource
	Phase         model.OnboardingPhase
	Steps         []model.StepDefinition
	Provision     func(model.Tenant) (model.SLAPolicy, model.Entitlements)
	Actor         string
}

// StartOnboarding creates the tenant's session with its first checklist,
// SLA policy, entitlements and audit in one transaction. When a session
// already exists it is returned untouched with created=false.
func (db *DB) StartOnboarding(ctx context.Context, in StartOnboardingInput) (model.OnboardingSession, bool, error) {
	var (
		session model.OnboardingSession
		created bool
	)
	err := db.inTx(ctx, func(tx pgx.Tx) error {
		created = false
		existing, err := scanSession(tx.QueryRow(ctx,
			`SELECT `+sessionColumns+` FROM onboarding_sessions WHERE tenant_id = $1`, in.TenantID))
		if err == nil {
			session = existing
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("storage: get onboarding session: %w", err)
		}

		tenant, err := getOrCreateTenantTx(ctx, tx, in.TenantID, in.TenantName, in.PlanTier)
		if err != nil {
			return err
		}

		session, err = scanSession(tx.QueryRow(ctx,
			`INSERT INTO onboarding_sessions (tenant_id, current_phase, status, trigger_source)
			 VALUES ($1, $2, 'active', $3)
			 ON CONFLICT (tenant_id) DO NOTHING
			 RETURNING `+sessionColumns,
			in.TenantID, in.Phase, in.TriggerSource))
		if errors.Is(err, pgx.ErrNoRows) {
			// A concurrent start won; report its session.
			session, err = scanSession(tx.QueryRow(ctx,
				`SELECT `+sessionColumns+` FROM onboarding_sessions WHERE tenant_id = $1`, in.TenantID))
			if err != nil {
				return fmt.Errorf("storage: get onboarding session: %w", err)
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("storage: create onboarding session: %w", err)
		}
		created = true

		if err := insertStepsTx(ctx, tx, session.ID, in.Phase, in.Steps); err != nil {
			return err
		}
		if in.Provision != nil {
			policy, ent := in.Provision(tenant)
			if err := upsertSLAPolicyTx(ctx, tx, policy); err != nil {
				return err
			}
			if err := upsertEntitlementsTx(ctx, tx, ent); err != nil {
				return err
			}
		}
		return insertAudit(ctx, tx, AuditEntry{
			EventType: "onboarding_started",
			TenantID:  &in.TenantID,
			Actor:     in.Actor,
			Payload: map[string]any{
				"tenant_id":             in.TenantID.String(),
				"plan_tier":             string(tenant.PlanTier),
				"trigger_source":        string(in.TriggerSource),
				"onboarding_session_id": session.ID.String(),
			},
		})
	})
	if err != nil {
		return model.OnboardingSession{}, false, err
	}
	return session, created, nil
}

// StepCompletion marks one step completed.
type StepCompletion struct {
	StepID   uuid.UUID
	Metadata map[string]any
}

// NewSteps instantiates checklist steps for a phase.
type NewSteps struct {
	Phase model.OnboardingPhase
	Steps []model.StepDefinition
}

// OnboardingMutation describes the writes applied to a locked session. The
// session fields are written as given; steps and audits are appended.
type OnboardingMutation struct {
	Session  model.OnboardingSession
	Complete []StepCompletion
	AddSteps []NewSteps
	Audits   []AuditEntry
}

// MutateOnboarding locks the tenant's session, hands it and all its steps to
// fn and applies the returned mutation in the same transaction. An error
// from fn aborts and is returned unwrapped; ErrNoChange commits nothing.
func (db *DB) MutateOnboarding(ctx context.Context, tenantID uuid.UUID, fn func(model.OnboardingSession, []model.OnboardingStep) (OnboardingMutation, error)) (model.OnboardingSession, error) {
	var result model.OnboardingSession
	err := db.inTx(ctx, func(tx pgx.Tx) error {
		current, err := scanSession(tx.QueryRow(ctx,
			`SELECT `+sessionColumns+` FROM onboarding_sessions WHERE tenant_id = $1 FOR UPDATE`, tenantID))
		if err != nil {
			return fmt.Errorf("storage: lock onboarding session: %w", notFound(err))
		}
		steps, err := listStepsTx(ctx, tx, current.ID)
		if err != nil {
			return err
		}

		m, err := fn(current, steps)
		if errors.Is(err, ErrNoChange) {
			result = current
			return nil
		}
		if err != nil {
			return err
		}

		for _, c := range m.Complete {
			var metadata []byte
			if c.Metadata != nil {
				if metadata, err = json.Marshal(c.Metadata); err != nil {
					return fmt.Errorf("storage: marshal step metadata: %w", err)
				}
			}
			if _, err := tx.Exec(ctx,
				`UPDATE onboarding_steps
				 SET completed = true, completed_at = now(), metadata = COALESCE($2::jsonb, metadata)
				 WHERE id = $1 AND session_id = $3 AND completed = false`,
				c.StepID, metadata, current.ID,
			); err != nil {
				return fmt.Errorf("storage: complete onboarding step: %w", err)
			}
		}
		for _, ns := range m.AddSteps {
			if err := insertStepsTx(ctx, tx, current.ID, ns.Phase, ns.Steps); err != nil {
				return err
			}
		}

		s := m.Session
		result, err = scanSession(tx.QueryRow(ctx,
			`UPDATE onboarding_sessions
			 SET current_phase = $2, status = $3, paused_from_phase = $4, pause_reason = $5,
			     completed_at = $6, updated_at = now()
			 WHERE id = $1
			 RETURNING `+sessionColumns,
			current.ID, s.CurrentPhase, s.Status, s.PausedFromPhase, s.PauseReason, s.CompletedAt))
		if err != nil {
			return fmt.Errorf("storage: update onboarding session: %w", err)
		}

		for _, a := range m.Audits {
			if a.TenantID == nil {
				a.TenantID = &tenantID
			}
			if err := insertAudit(ctx, tx, a); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return model.OnboardingSession{}, err
	}
	return result, nil
}

// TierChange describes a plan tier upgrade and what it reprovisions.
type TierChange struct {
	TenantID      uuid.UUID
	NewTier       model.PlanTier
	TriggerSource model.TriggerSource
	Policy        model.SLAPolicy
	Entitlements  model.Entitlements
	Actor         string
}

// ChangeTenantTier updates the tier, reprovisions SLA policy and
// entitlements, and audits tier_changed in one transaction. It returns the
// previous tier.
func (db *DB) ChangeTenantTier(ctx context.Context, c TierChange) (model.PlanTier, error) {
	var prev model.PlanTier
	err := db.inTx(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx,
			`SELECT plan_tier FROM tenants WHERE id = $1 FOR UPDATE`, c.TenantID).Scan(&prev)
		if err != nil {
			return fmt.Errorf("storage: lock tenant %s: %w", c.TenantID, notFound(err))
		}
		if _, err := tx.Exec(ctx,
			`UPDATE tenants SET plan_tier = $2, updated_at = now() WHERE id = $1`, c.TenantID, c.NewTier,
		); err != nil {
			return fmt.Errorf("storage: update tenant tier: %w", err)
		}
		if err := upsertSLAPolicyTx(ctx, tx, c.Policy); err != nil {
			return err
		}
		if err := upsertEntitlementsTx(ctx, tx, c.Entitlements); err != nil {
			return err
		}
		return insertAudit(ctx, tx, AuditEntry{
			EventType: "tier_changed",
			TenantID:  &c.TenantID,
			Actor:     c.Actor,
			Payload: map[string]any{
				"previous_tier":  string(prev),
				"new_tier":       string(c.NewTier),
				"trigger_source": string(c.TriggerSource),
			},
		})
	})
	if err != nil {
		return "", err
	}
	return prev, nil
}
