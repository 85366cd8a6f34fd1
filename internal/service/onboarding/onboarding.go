// Package onboarding drives a tenant through its guided setup: a linear run
// of phases, each gated on a checklist of steps, with paused and failed
// side states. Every transition is a single storage transaction that also
// writes its audit rows; domain events follow on a best-effort basis.
package onboarding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/sapphire/internal/events"
	"github.com/ashita-ai/sapphire/internal/model"
	"github.com/ashita-ai/sapphire/internal/service/sla"
	"github.com/ashita-ai/sapphire/internal/storage"
	"github.com/ashita-ai/sapphire/internal/telemetry"
)

var (
	ErrNoSession         = errors.New("onboarding: no session for tenant")
	ErrTenantNotFound    = errors.New("onboarding: tenant not found")
	ErrStepNotFound      = errors.New("onboarding: step not found")
	ErrNotActive         = errors.New("onboarding: session is not active")
	ErrNotPaused         = errors.New("onboarding: session is not paused")
	ErrInvalidTransition = errors.New("onboarding: invalid transition")
	ErrInvalidInput      = errors.New("onboarding: invalid input")
)

const (
	actor              = "onboarding"
	defaultPauseReason = "No reason provided"
)

// Store is the persistence the state machine needs.
type Store interface {
	GetTenant(ctx context.Context, id uuid.UUID) (model.Tenant, error)
	GetOnboardingSession(ctx context.Context, tenantID uuid.UUID) (model.OnboardingSession, error)
	ListOnboardingSteps(ctx context.Context, sessionID uuid.UUID) ([]model.OnboardingStep, error)
	StartOnboarding(ctx context.Context, in storage.StartOnboardingInput) (model.OnboardingSession, bool, error)
	MutateOnboarding(ctx context.Context, tenantID uuid.UUID, fn func(model.OnboardingSession, []model.OnboardingStep) (storage.OnboardingMutation, error)) (model.OnboardingSession, error)
	ChangeTenantTier(ctx context.Context, c storage.TierChange) (model.PlanTier, error)
}

// Policies resolves SLA budgets, honoring per-tenant overrides.
type Policies interface {
	PolicyFor(ctx context.Context, tenantID uuid.UUID, tier model.PlanTier) (sla.Budget, error)
}

// Service is the onboarding state machine.
type Service struct {
	store       Store
	policies    Policies
	publisher   events.Publisher
	checklist   Checklist
	logger      *slog.Logger
	now         func() time.Time
	transitions metric.Int64Counter
}

// New creates an onboarding Service. A nil checklist uses DefaultChecklist.
func New(store Store, policies Policies, publisher events.Publisher, checklist Checklist, logger *slog.Logger) *Service {
	if checklist == nil {
		checklist = DefaultChecklist()
	}
	meter := telemetry.Meter("sapphire/onboarding")
	transitions, _ := meter.Int64Counter("sapphire.onboarding.transitions",
		metric.WithDescription("Onboarding state transitions by kind"),
	)
	return &Service{
		store:       store,
		policies:    policies,
		publisher:   publisher,
		checklist:   checklist,
		logger:      logger,
		now:         time.Now,
		transitions: transitions,
	}
}

// StartInput describes a new onboarding.
type StartInput struct {
	TenantID      uuid.UUID           `json:"tenant_id"`
	TenantName    string              `json:"tenant_name"`
	PlanTier      model.PlanTier      `json:"plan_tier"`
	TriggerSource model.TriggerSource `json:"trigger_source"`
}

// StartResult is the session after Start. Created is false when the tenant
// already had a session.
type StartResult struct {
	Session model.OnboardingSession `json:"session"`
	Created bool                    `json:"created"`
}

// Start creates the tenant's onboarding session at phase_0_provisioned,
// provisioning the tenant, its P0 steps, SLA policy and entitlements. An
// existing session is returned unchanged.
func (s *Service) Start(ctx context.Context, in StartInput) (StartResult, error) {
	if in.TenantID == uuid.Nil {
		return StartResult{}, fmt.Errorf("%w: tenant_id is required", ErrInvalidInput)
	}
	if model.IsReservedTenantName(in.TenantName) {
		return StartResult{}, fmt.Errorf("%w: tenant name %q is reserved", ErrInvalidInput, in.TenantName)
	}
	if in.PlanTier == "" {
		in.PlanTier = model.TierOne
	}
	if !in.PlanTier.Valid() {
		return StartResult{}, fmt.Errorf("onboarding: start: %w: plan tier %q", model.ErrInvalidEnum, in.PlanTier)
	}
	if in.TriggerSource == "" {
		in.TriggerSource = model.TriggerSupabaseRegistration
	}
	trigger, err := model.ParseTriggerSource(string(in.TriggerSource))
	if err != nil {
		return StartResult{}, fmt.Errorf("onboarding: start: %w", err)
	}
	in.TriggerSource = trigger
	if in.TenantName == "" {
		in.TenantName = "Tenant " + in.TenantID.String()[:8]
	}

	session, created, err := s.store.StartOnboarding(ctx, storage.StartOnboardingInput{
		TenantID:      in.TenantID,
		TenantName:    in.TenantName,
		PlanTier:      in.PlanTier,
		TriggerSource: in.TriggerSource,
		Phase:         model.PhaseProvisioned,
		Steps:         s.checklist[model.PhaseProvisioned],
		Provision: func(t model.Tenant) (model.SLAPolicy, model.Entitlements) {
			return s.policyFor(ctx, t.ID, t.PlanTier), model.EntitlementsForTier(t.ID, t.PlanTier)
		},
		Actor: actor,
	})
	if err != nil {
		return StartResult{}, fmt.Errorf("onboarding: start %s: %w", in.TenantID, err)
	}
	if created {
		s.emit(ctx, in.TenantID, "started", map[string]any{
			"phase":          string(session.CurrentPhase),
			"plan_tier":      string(in.PlanTier),
			"trigger_source": string(in.TriggerSource),
		})
	}
	return StartResult{Session: session, Created: created}, nil
}

// policyFor keeps an existing override for the tier and falls back to the
// tier default when the lookup fails.
func (s *Service) policyFor(ctx context.Context, tenantID uuid.UUID, tier model.PlanTier) model.SLAPolicy {
	policy := sla.DefaultPolicy(tenantID, tier)
	if s.policies == nil {
		return policy
	}
	b, err := s.policies.PolicyFor(ctx, tenantID, tier)
	if err != nil {
		s.logger.Warn("onboarding: sla policy lookup failed, using tier default",
			"tenant_id", tenantID, "tier", tier, "error", err)
		return policy
	}
	policy.FirstResponseMinutes = b.FirstResponseMinutes
	policy.ResolutionMinutes = b.ResolutionMinutes
	return policy
}

// AdvanceResult reports what completing a step did.
type AdvanceResult struct {
	Session          model.OnboardingSession `json:"session"`
	StepKey          string                  `json:"step_key"`
	AlreadyCompleted bool                    `json:"already_completed"`
	PhaseAdvanced    bool                    `json:"phase_advanced"`
	FromPhase        model.OnboardingPhase   `json:"from_phase,omitempty"`
	ToPhase          model.OnboardingPhase   `json:"to_phase,omitempty"`
	Completed        bool                    `json:"onboarding_completed"`
}

// AdvanceStep marks stepKey complete. Completing the last open step of the
// current phase moves the session to the next phase and instantiates that
// phase's checklist; reaching the final phase completes the onboarding.
// Completing an already completed step changes nothing.
func (s *Service) AdvanceStep(ctx context.Context, tenantID uuid.UUID, stepKey string, metadata map[string]any) (AdvanceResult, error) {
	var res AdvanceResult
	session, err := s.store.MutateOnboarding(ctx, tenantID, func(cur model.OnboardingSession, steps []model.OnboardingStep) (storage.OnboardingMutation, error) {
		res = AdvanceResult{StepKey: stepKey}
		if cur.Status != model.OnboardingActive {
			return storage.OnboardingMutation{}, fmt.Errorf("%w: status is %s", ErrNotActive, cur.Status)
		}
		var step *model.OnboardingStep
		for i := range steps {
			if steps[i].StepKey == stepKey {
				step = &steps[i]
				break
			}
		}
		if step == nil {
			return storage.OnboardingMutation{}, fmt.Errorf("%w: %q", ErrStepNotFound, stepKey)
		}
		if step.Completed {
			res.AlreadyCompleted = true
			return storage.OnboardingMutation{}, storage.ErrNoChange
		}

		m := storage.OnboardingMutation{
			Session:  cur,
			Complete: []storage.StepCompletion{{StepID: step.ID, Metadata: metadata}},
			Audits: []storage.AuditEntry{{
				EventType: "onboarding_step_completed",
				Actor:     actor,
				Payload: map[string]any{
					"tenant_id": tenantID.String(),
					"step_key":  stepKey,
					"phase":     string(cur.CurrentPhase),
				},
			}},
		}
		if !phaseDone(steps, cur.CurrentPhase, step.ID) {
			return m, nil
		}
		res.PhaseAdvanced = true
		res.FromPhase = cur.CurrentPhase
		res.ToPhase = s.advance(&m, tenantID)
		res.Completed = res.ToPhase == model.PhaseCompleted
		return m, nil
	})
	if err != nil {
		return AdvanceResult{}, s.mapErr("advance step", tenantID, err)
	}
	res.Session = session

	if res.AlreadyCompleted {
		return res, nil
	}
	s.emit(ctx, tenantID, "step_completed", map[string]any{"step_key": stepKey})
	if res.PhaseAdvanced {
		s.emit(ctx, tenantID, "phase_advanced", map[string]any{
			"from_phase": string(res.FromPhase),
			"to_phase":   string(res.ToPhase),
		})
	}
	if res.Completed {
		s.emit(ctx, tenantID, "completed", nil)
	}
	return res, nil
}

// phaseDone reports whether every step of phase is complete once justDone is.
func phaseDone(steps []model.OnboardingStep, phase model.OnboardingPhase, justDone uuid.UUID) bool {
	for _, st := range steps {
		if st.Phase == phase && !st.Completed && st.ID != justDone {
			return false
		}
	}
	return true
}

// advance moves m.Session past its current phase, skipping phases that have
// no checklist, and returns the phase it lands on.
func (s *Service) advance(m *storage.OnboardingMutation, tenantID uuid.UUID) model.OnboardingPhase {
	phase := m.Session.CurrentPhase
	for {
		next, ok := phase.Next()
		if !ok {
			return phase
		}
		m.Audits = append(m.Audits, storage.AuditEntry{
			EventType: "onboarding_phase_advanced",
			Actor:     actor,
			Payload: map[string]any{
				"tenant_id":  tenantID.String(),
				"from_phase": string(phase),
				"to_phase":   string(next),
			},
		})
		phase = next
		m.Session.CurrentPhase = next

		if next == model.PhaseCompleted {
			s.markCompleted(m, tenantID)
			return next
		}
		if defs := s.checklist[next]; len(defs) > 0 {
			m.AddSteps = append(m.AddSteps, storage.NewSteps{Phase: next, Steps: defs})
			return next
		}
	}
}

func (s *Service) markCompleted(m *storage.OnboardingMutation, tenantID uuid.UUID) {
	at := s.now().UTC()
	m.Session.Status = model.OnboardingCompleted
	m.Session.CurrentPhase = model.PhaseCompleted
	m.Session.CompletedAt = &at
	m.Session.PausedFromPhase = nil
	m.Session.PauseReason = nil
	m.Audits = append(m.Audits, storage.AuditEntry{
		EventType: "onboarding_completed",
		Actor:     actor,
		Payload: map[string]any{
			"tenant_id":    tenantID.String(),
			"completed_at": at.Format(time.RFC3339),
		},
	})
}

// Pause suspends an active session, remembering the phase it paused from.
func (s *Service) Pause(ctx context.Context, tenantID uuid.UUID, reason string) (model.OnboardingSession, error) {
	if reason == "" {
		reason = defaultPauseReason
	}
	session, err := s.store.MutateOnboarding(ctx, tenantID, func(cur model.OnboardingSession, _ []model.OnboardingStep) (storage.OnboardingMutation, error) {
		if cur.Status != model.OnboardingActive {
			return storage.OnboardingMutation{}, fmt.Errorf("%w: cannot pause from %s", ErrInvalidTransition, cur.Status)
		}
		from := cur.CurrentPhase
		next := cur
		next.Status = model.OnboardingPaused
		next.CurrentPhase = model.PhasePaused
		next.PausedFromPhase = &from
		next.PauseReason = &reason
		return storage.OnboardingMutation{
			Session: next,
			Audits: []storage.AuditEntry{{
				EventType: "onboarding_paused",
				Actor:     actor,
				Payload: map[string]any{
					"tenant_id":  tenantID.String(),
					"reason":     reason,
					"from_phase": string(from),
				},
			}},
		}, nil
	})
	if err != nil {
		return model.OnboardingSession{}, s.mapErr("pause", tenantID, err)
	}
	s.emit(ctx, tenantID, "paused", map[string]any{"reason": reason})
	return session, nil
}

// Resume reactivates a paused session at the phase it paused from, or at
// phase_0_provisioned when that was never recorded.
func (s *Service) Resume(ctx context.Context, tenantID uuid.UUID) (model.OnboardingSession, error) {
	var restored model.OnboardingPhase
	session, err := s.store.MutateOnboarding(ctx, tenantID, func(cur model.OnboardingSession, _ []model.OnboardingStep) (storage.OnboardingMutation, error) {
		if cur.Status != model.OnboardingPaused {
			return storage.OnboardingMutation{}, fmt.Errorf("%w: status is %s", ErrNotPaused, cur.Status)
		}
		restored = model.PhaseProvisioned
		if cur.PausedFromPhase != nil && cur.PausedFromPhase.Linear() && *cur.PausedFromPhase != model.PhaseNotStarted {
			restored = *cur.PausedFromPhase
		}
		next := cur
		next.Status = model.OnboardingActive
		next.CurrentPhase = restored
		next.PausedFromPhase = nil
		next.PauseReason = nil
		return storage.OnboardingMutation{
			Session: next,
			Audits: []storage.AuditEntry{{
				EventType: "onboarding_resumed",
				Actor:     actor,
				Payload: map[string]any{
					"tenant_id":      tenantID.String(),
					"restored_phase": string(restored),
				},
			}},
		}, nil
	})
	if err != nil {
		return model.OnboardingSession{}, s.mapErr("resume", tenantID, err)
	}
	s.emit(ctx, tenantID, "resumed", map[string]any{"restored_phase": string(restored)})
	return session, nil
}

// Complete finishes the onboarding regardless of open steps. Completing a
// completed session is a no-op; a failed session cannot be completed.
func (s *Service) Complete(ctx context.Context, tenantID uuid.UUID) (model.OnboardingSession, error) {
	changed := false
	session, err := s.store.MutateOnboarding(ctx, tenantID, func(cur model.OnboardingSession, _ []model.OnboardingStep) (storage.OnboardingMutation, error) {
		switch cur.Status {
		case model.OnboardingCompleted:
			return storage.OnboardingMutation{}, storage.ErrNoChange
		case model.OnboardingFailed:
			return storage.OnboardingMutation{}, fmt.Errorf("%w: cannot complete a failed onboarding", ErrInvalidTransition)
		}
		changed = true
		m := storage.OnboardingMutation{Session: cur}
		s.markCompleted(&m, tenantID)
		return m, nil
	})
	if err != nil {
		return model.OnboardingSession{}, s.mapErr("complete", tenantID, err)
	}
	if changed {
		s.emit(ctx, tenantID, "completed", nil)
	}
	return session, nil
}

// Fail moves an active or paused session to the failed side state.
func (s *Service) Fail(ctx context.Context, tenantID uuid.UUID, reason string) (model.OnboardingSession, error) {
	changed := false
	session, err := s.store.MutateOnboarding(ctx, tenantID, func(cur model.OnboardingSession, _ []model.OnboardingStep) (storage.OnboardingMutation, error) {
		switch cur.Status {
		case model.OnboardingFailed:
			return storage.OnboardingMutation{}, storage.ErrNoChange
		case model.OnboardingCompleted:
			return storage.OnboardingMutation{}, fmt.Errorf("%w: cannot fail a completed onboarding", ErrInvalidTransition)
		}
		changed = true
		from := cur.CurrentPhase
		if cur.Status == model.OnboardingPaused && cur.PausedFromPhase != nil {
			from = *cur.PausedFromPhase
		}
		next := cur
		next.Status = model.OnboardingFailed
		next.CurrentPhase = model.PhaseFailed
		next.PausedFromPhase = &from
		if reason != "" {
			next.PauseReason = &reason
		}
		return storage.OnboardingMutation{
			Session: next,
			Audits: []storage.AuditEntry{{
				EventType: "onboarding_failed",
				Actor:     actor,
				Payload: map[string]any{
					"tenant_id":  tenantID.String(),
					"reason":     reason,
					"from_phase": string(from),
				},
			}},
		}, nil
	})
	if err != nil {
		return model.OnboardingSession{}, s.mapErr("fail", tenantID, err)
	}
	if changed {
		s.emit(ctx, tenantID, "failed", map[string]any{"reason": reason})
	}
	return session, nil
}

// TierChangeResult reports an applied tier change.
type TierChangeResult struct {
	TenantID     uuid.UUID          `json:"tenant_id"`
	PreviousTier model.PlanTier     `json:"previous_tier"`
	NewTier      model.PlanTier     `json:"new_tier"`
	Entitlements model.Entitlements `json:"entitlements"`
}

// UpgradeTier moves the tenant to newTier, reprovisioning its SLA policy and
// entitlements. The onboarding phase is left alone.
func (s *Service) UpgradeTier(ctx context.Context, tenantID uuid.UUID, newTier model.PlanTier, trigger model.TriggerSource) (TierChangeResult, error) {
	if !newTier.Valid() {
		return TierChangeResult{}, fmt.Errorf("onboarding: upgrade tier: %w: plan tier %q", model.ErrInvalidEnum, newTier)
	}
	if trigger == "" {
		trigger = model.TriggerTierUpgrade
	}
	if _, err := s.store.GetTenant(ctx, tenantID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return TierChangeResult{}, fmt.Errorf("%w: %s", ErrTenantNotFound, tenantID)
		}
		return TierChangeResult{}, fmt.Errorf("onboarding: upgrade tier: %w", err)
	}

	ent := model.EntitlementsForTier(tenantID, newTier)
	prev, err := s.store.ChangeTenantTier(ctx, storage.TierChange{
		TenantID:      tenantID,
		NewTier:       newTier,
		TriggerSource: trigger,
		Policy:        s.policyFor(ctx, tenantID, newTier),
		Entitlements:  ent,
		Actor:         actor,
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return TierChangeResult{}, fmt.Errorf("%w: %s", ErrTenantNotFound, tenantID)
		}
		return TierChangeResult{}, fmt.Errorf("onboarding: upgrade tier: %w", err)
	}

	s.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", "tier_changed")))
	payload := map[string]any{
		"previous_tier":  string(prev),
		"new_tier":       string(newTier),
		"trigger_source": string(trigger),
	}
	if err := s.publisher.Publish(ctx, events.New(events.TypeTierChanged, &tenantID, "tenant", payload)); err != nil {
		s.logger.Warn("onboarding: publish tier change failed", "tenant_id", tenantID, "error", err)
	}
	return TierChangeResult{TenantID: tenantID, PreviousTier: prev, NewTier: newTier, Entitlements: ent}, nil
}

// StatusView is a tenant's onboarding progress.
type StatusView struct {
	Session        model.OnboardingSession `json:"session"`
	PlanTier       model.PlanTier          `json:"plan_tier"`
	Steps          []model.OnboardingStep  `json:"steps"`
	CompletedSteps int                     `json:"completed_steps"`
	TotalSteps     int                     `json:"total_steps"`
}

// Status returns the session with the checklist of its current phase. A
// paused or failed session shows the phase it left.
func (s *Service) Status(ctx context.Context, tenantID uuid.UUID) (StatusView, error) {
	session, err := s.store.GetOnboardingSession(ctx, tenantID)
	if err != nil {
		return StatusView{}, s.mapErr("status", tenantID, err)
	}
	tenant, err := s.store.GetTenant(ctx, tenantID)
	if err != nil {
		return StatusView{}, fmt.Errorf("onboarding: status %s: %w", tenantID, err)
	}
	steps, err := s.store.ListOnboardingSteps(ctx, session.ID)
	if err != nil {
		return StatusView{}, fmt.Errorf("onboarding: status %s: %w", tenantID, err)
	}

	phase := session.CurrentPhase
	if session.PausedFromPhase != nil && !phase.Linear() {
		phase = *session.PausedFromPhase
	}
	view := StatusView{Session: session, PlanTier: tenant.PlanTier, Steps: []model.OnboardingStep{}}
	for _, st := range steps {
		if st.Completed {
			view.CompletedSteps++
		}
		if st.Phase == phase {
			view.Steps = append(view.Steps, st)
		}
	}
	view.TotalSteps = len(steps)
	return view, nil
}

func (s *Service) mapErr(op string, tenantID uuid.UUID, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNoSession, tenantID)
	}
	for _, sentinel := range []error{ErrStepNotFound, ErrNotActive, ErrNotPaused, ErrInvalidTransition} {
		if errors.Is(err, sentinel) {
			return err
		}
	}
	return fmt.Errorf("onboarding: %s %s: %w", op, tenantID, err)
}

// emit counts the transition and publishes it. Publish failures are logged.
func (s *Service) emit(ctx context.Context, tenantID uuid.UUID, kind string, payload map[string]any) {
	s.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
	if payload == nil {
		payload = map[string]any{}
	}
	payload["transition"] = kind
	if err := s.publisher.Publish(ctx, events.New(events.TypeOnboardingChanged, &tenantID, "onboarding", payload)); err != nil {
		s.logger.Warn("onboarding: publish transition failed",
			"tenant_id", tenantID, "transition", kind, "error", err)
	}
}
