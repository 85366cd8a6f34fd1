// Package sla derives per-tier SLA budgets, records a case's SLA timeline
// and detects breaches. Budgets are frozen into the case's "started" event
// so later policy changes never move an open case's deadlines.
package sla

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/sapphire/internal/events"
	"github.com/ashita-ai/sapphire/internal/model"
	"github.com/ashita-ai/sapphire/internal/storage"
	"github.com/ashita-ai/sapphire/internal/telemetry"
)

// Budget is a pair of minute budgets.
type Budget struct {
	FirstResponseMinutes int `json:"first_response_minutes"`
	ResolutionMinutes    int `json:"resolution_minutes"`
}

var defaultBudgets = map[model.PlanTier]Budget{
	model.TierZero: {FirstResponseMinutes: 1440, ResolutionMinutes: 4320},
	model.TierOne:  {FirstResponseMinutes: 240, ResolutionMinutes: 1440},
	model.TierTwo:  {FirstResponseMinutes: 60, ResolutionMinutes: 480},
}

// DefaultBudget returns the built-in budget for a tier. Unknown tiers get
// the tier0 budget.
func DefaultBudget(tier model.PlanTier) Budget {
	if b, ok := defaultBudgets[tier]; ok {
		return b
	}
	return defaultBudgets[model.TierZero]
}

// DefaultPolicy is the default policy row for a tenant and tier.
func DefaultPolicy(tenantID uuid.UUID, tier model.PlanTier) model.SLAPolicy {
	b := DefaultBudget(tier)
	return model.SLAPolicy{
		TenantID:             tenantID,
		PlanTier:             tier,
		FirstResponseMinutes: b.FirstResponseMinutes,
		ResolutionMinutes:    b.ResolutionMinutes,
	}
}

// RemainingPercent returns the share of budget left, floored at 0.
func RemainingPercent(budget, elapsed time.Duration) float64 {
	if budget <= 0 || elapsed >= budget {
		return 0
	}
	return float64(budget-elapsed) / float64(budget) * 100
}

// StartedPayload is the payload of a "started" event.
func StartedPayload(b Budget, startedAt time.Time) map[string]any {
	return map[string]any{
		"first_response_minutes": b.FirstResponseMinutes,
		"resolution_minutes":     b.ResolutionMinutes,
		"started_at":             startedAt.UTC().Format(time.RFC3339Nano),
	}
}

// Store is the persistence the engine needs.
type Store interface {
	GetTenant(ctx context.Context, id uuid.UUID) (model.Tenant, error)
	GetCase(ctx context.Context, id uuid.UUID) (model.Case, error)
	GetSLAPolicy(ctx context.Context, tenantID uuid.UUID, tier model.PlanTier) (model.SLAPolicy, error)
	UpsertSLAPolicy(ctx context.Context, p model.SLAPolicy) error
	ListSLAEvents(ctx context.Context, caseID uuid.UUID) ([]model.SLAEvent, error)
	InsertSLAEvent(ctx context.Context, ev storage.SLAEventInsert) (bool, error)
	ListOpenCases(ctx context.Context, limit int) ([]storage.OpenCase, error)
}

// Engine applies SLA policy to cases.
type Engine struct {
	store     Store
	publisher events.Publisher
	logger    *slog.Logger
	now       func() time.Time

	breaches metric.Int64Counter
}

// New creates an SLA Engine. publisher may be events.NoopPublisher.
func New(store Store, publisher events.Publisher, logger *slog.Logger) *Engine {
	meter := telemetry.Meter("sapphire/sla")
	breaches, _ := meter.Int64Counter("sapphire.sla.breaches",
		metric.WithDescription("SLA breaches detected"),
	)
	return &Engine{
		store:     store,
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
		breaches:  breaches,
	}
}

// PolicyFor returns the tenant's policy for tier, or the tier default.
func (e *Engine) PolicyFor(ctx context.Context, tenantID uuid.UUID, tier model.PlanTier) (Budget, error) {
	p, err := e.store.GetSLAPolicy(ctx, tenantID, tier)
	if errors.Is(err, storage.ErrNotFound) {
		return DefaultBudget(tier), nil
	}
	if err != nil {
		return Budget{}, fmt.Errorf("sla: policy for %s: %w", tenantID, err)
	}
	return Budget{FirstResponseMinutes: p.FirstResponseMinutes, ResolutionMinutes: p.ResolutionMinutes}, nil
}

// EnsurePolicy writes the default policy for (tenant, tier) unless the
// tenant already has one for that tier.
func (e *Engine) EnsurePolicy(ctx context.Context, tenantID uuid.UUID, tier model.PlanTier) error {
	_, err := e.store.GetSLAPolicy(ctx, tenantID, tier)
	if err == nil {
		return nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("sla: ensure policy: %w", err)
	}
	return e.store.UpsertSLAPolicy(ctx, DefaultPolicy(tenantID, tier))
}

// BudgetForCase resolves the budget a new case of the tenant gets.
func (e *Engine) BudgetForCase(ctx context.Context, tenant model.Tenant) (Budget, error) {
	return e.PolicyFor(ctx, tenant.ID, tenant.PlanTier)
}

// StartTracking records the "started" event for an existing case. Cases
// created by the resolution engine get this event in their creating
// transaction via StartedPayload instead.
func (e *Engine) StartTracking(ctx context.Context, caseID uuid.UUID) error {
	c, err := e.store.GetCase(ctx, caseID)
	if err != nil {
		return fmt.Errorf("sla: start tracking: %w", err)
	}
	tenant, err := e.store.GetTenant(ctx, c.TenantID)
	if err != nil {
		return fmt.Errorf("sla: start tracking: %w", err)
	}
	budget, err := e.BudgetForCase(ctx, tenant)
	if err != nil {
		return err
	}
	_, err = e.store.InsertSLAEvent(ctx, storage.SLAEventInsert{
		CaseID:    caseID,
		EventType: model.SLAStarted,
		Payload:   StartedPayload(budget, e.now()),
	})
	return err
}

// frozenBudget reads the budget from the started event.
func frozenBudget(evs []model.SLAEvent) (Budget, bool) {
	for _, ev := range evs {
		if ev.EventType != model.SLAStarted {
			continue
		}
		fr, ok1 := intField(ev.Payload, "first_response_minutes")
		res, ok2 := intField(ev.Payload, "resolution_minutes")
		if ok1 && ok2 {
			return Budget{FirstResponseMinutes: fr, ResolutionMinutes: res}, true
		}
	}
	return Budget{}, false
}

func intField(m map[string]any, key string) (int, bool) {
	switch v := m[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case int64:
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		return int(n), err == nil
	}
	return 0, false
}

// CheckBreaches records breaches of the case's budgets as of now and returns
// the breach types newly recorded by this call. Each breach type is recorded
// at most once per case. A first response breach is not recorded once a
// first response exists; nothing is recorded for terminal cases.
func (e *Engine) CheckBreaches(ctx context.Context, caseID uuid.UUID, now time.Time) ([]model.SLAEventType, error) {
	c, err := e.store.GetCase(ctx, caseID)
	if err != nil {
		return nil, fmt.Errorf("sla: check breaches: %w", err)
	}
	if c.Status.Terminal() {
		return nil, nil
	}
	evs, err := e.store.ListSLAEvents(ctx, caseID)
	if err != nil {
		return nil, fmt.Errorf("sla: check breaches: %w", err)
	}

	budget, ok := frozenBudget(evs)
	if !ok {
		tenant, err := e.store.GetTenant(ctx, c.TenantID)
		if err != nil {
			return nil, fmt.Errorf("sla: check breaches: %w", err)
		}
		if budget, err = e.BudgetForCase(ctx, tenant); err != nil {
			return nil, err
		}
	}

	seen := make(map[model.SLAEventType]bool, len(evs))
	for _, ev := range evs {
		seen[ev.EventType] = true
	}

	age := now.Sub(c.CreatedAt)
	var due []model.SLAEventType
	if !seen[model.SLAFirstResponse] && !seen[model.SLABreachedFirstResponse] &&
		age > time.Duration(budget.FirstResponseMinutes)*time.Minute {
		due = append(due, model.SLABreachedFirstResponse)
	}
	if !seen[model.SLABreachedResolution] && age > time.Duration(budget.ResolutionMinutes)*time.Minute {
		due = append(due, model.SLABreachedResolution)
	}

	var recorded []model.SLAEventType
	for _, typ := range due {
		inserted, err := e.store.InsertSLAEvent(ctx, storage.SLAEventInsert{
			CaseID:    caseID,
			EventType: typ,
			Payload:   map[string]any{"breached_at": now.UTC().Format(time.RFC3339Nano)},
		})
		if err != nil {
			return recorded, fmt.Errorf("sla: record %s: %w", typ, err)
		}
		if !inserted {
			// A concurrent check won the race.
			continue
		}
		recorded = append(recorded, typ)
		e.breaches.Add(ctx, 1, metric.WithAttributes(attribute.String("type", string(typ))))
		e.publishBreach(ctx, c, typ, now)
	}
	return recorded, nil
}

func (e *Engine) publishBreach(ctx context.Context, c model.Case, typ model.SLAEventType, at time.Time) {
	tenantID := c.TenantID
	err := e.publisher.Publish(ctx, events.New(events.TypeSLABreached, &tenantID, c.ID.String(), map[string]any{
		"case_id":     c.ID.String(),
		"breach_type": string(typ),
		"priority":    string(c.Priority),
		"breached_at": at.UTC().Format(time.RFC3339Nano),
	}))
	if err != nil {
		e.logger.Warn("sla: breach event publish failed", "case_id", c.ID, "type", typ, "error", err)
	}
}

func (e *Engine) appendEvent(ctx context.Context, caseID uuid.UUID, typ model.SLAEventType, payload map[string]any) error {
	if _, err := e.store.InsertSLAEvent(ctx, storage.SLAEventInsert{CaseID: caseID, EventType: typ, Payload: payload}); err != nil {
		return fmt.Errorf("sla: record %s: %w", typ, err)
	}
	return nil
}

// RecordFirstResponse marks the first agent response. Repeats are ignored.
func (e *Engine) RecordFirstResponse(ctx context.Context, caseID uuid.UUID) error {
	return e.appendEvent(ctx, caseID, model.SLAFirstResponse,
		map[string]any{"responded_at": e.now().UTC().Format(time.RFC3339Nano)})
}

// Pause appends a "paused" event.
func (e *Engine) Pause(ctx context.Context, caseID uuid.UUID, reason string) error {
	return e.appendEvent(ctx, caseID, model.SLAPaused,
		map[string]any{"reason": reason, "paused_at": e.now().UTC().Format(time.RFC3339Nano)})
}

// Resume appends a "resumed" event.
func (e *Engine) Resume(ctx context.Context, caseID uuid.UUID) error {
	return e.appendEvent(ctx, caseID, model.SLAResumed,
		map[string]any{"resumed_at": e.now().UTC().Format(time.RFC3339Nano)})
}
