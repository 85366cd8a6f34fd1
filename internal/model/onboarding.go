package model

import (
	"time"

	"github.com/google/uuid"
)

// OnboardingPhase is a stage in a tenant's guided setup.
type OnboardingPhase string

const (
	PhaseNotStarted    OnboardingPhase = "not_started"
	PhaseProvisioned   OnboardingPhase = "phase_0_provisioned"
	PhaseFirstValue    OnboardingPhase = "phase_1_first_value"
	PhaseCoreWorkflows OnboardingPhase = "phase_2_core_workflows"
	PhaseIndependent   OnboardingPhase = "phase_3_independent"
	PhaseCompleted     OnboardingPhase = "completed"
	PhasePaused        OnboardingPhase = "paused"
	PhaseFailed        OnboardingPhase = "failed"
)

var onboardingPhases = []OnboardingPhase{
	PhaseNotStarted, PhaseProvisioned, PhaseFirstValue, PhaseCoreWorkflows,
	PhaseIndependent, PhaseCompleted, PhasePaused, PhaseFailed,
}

// phaseOrder is the strict linear progression. Paused and failed are side states.
var phaseOrder = []OnboardingPhase{
	PhaseNotStarted, PhaseProvisioned, PhaseFirstValue, PhaseCoreWorkflows, PhaseIndependent, PhaseCompleted,
}

func ParseOnboardingPhase(s string) (OnboardingPhase, error) {
	return parseEnum("onboarding_phase", s, onboardingPhases)
}

func (p *OnboardingPhase) UnmarshalText(b []byte) error {
	return unmarshalEnum(ParseOnboardingPhase, b, p)
}

// Next returns the phase after p in the linear order. ok is false for the
// last phase and for side states.
func (p OnboardingPhase) Next() (next OnboardingPhase, ok bool) {
	for i, ph := range phaseOrder {
		if ph == p && i+1 < len(phaseOrder) {
			return phaseOrder[i+1], true
		}
	}
	return "", false
}

// Linear reports whether p is a progress phase (not a side state).
func (p OnboardingPhase) Linear() bool {
	for _, ph := range phaseOrder {
		if ph == p {
			return true
		}
	}
	return false
}

// OnboardingStatus is the session's run state.
type OnboardingStatus string

const (
	OnboardingActive    OnboardingStatus = "active"
	OnboardingPaused    OnboardingStatus = "paused"
	OnboardingCompleted OnboardingStatus = "completed"
	OnboardingFailed    OnboardingStatus = "failed"
)

var onboardingStatuses = []OnboardingStatus{OnboardingActive, OnboardingPaused, OnboardingCompleted, OnboardingFailed}

func ParseOnboardingStatus(s string) (OnboardingStatus, error) {
	return parseEnum("onboarding_status", s, onboardingStatuses)
}

func (s *OnboardingStatus) UnmarshalText(b []byte) error {
	return unmarshalEnum(ParseOnboardingStatus, b, s)
}

// TriggerSource names what initiated an onboarding transition.
type TriggerSource string

const (
	TriggerSupabaseRegistration TriggerSource = "supabase_registration"
	TriggerTierUpgrade          TriggerSource = "tier_upgrade"
	TriggerManualRestart        TriggerSource = "manual_restart"
)

var triggerSources = []TriggerSource{TriggerSupabaseRegistration, TriggerTierUpgrade, TriggerManualRestart}

func ParseTriggerSource(s string) (TriggerSource, error) {
	return parseEnum("trigger_source", s, triggerSources)
}

func (t *TriggerSource) UnmarshalText(b []byte) error {
	return unmarshalEnum(ParseTriggerSource, b, t)
}

// OnboardingSession tracks one tenant's onboarding. One per tenant.
type OnboardingSession struct {
	ID              uuid.UUID        `json:"id"`
	TenantID        uuid.UUID        `json:"tenant_id"`
	CurrentPhase    OnboardingPhase  `json:"current_phase"`
	Status          OnboardingStatus `json:"status"`
	TriggerSource   TriggerSource    `json:"trigger_source"`
	PausedFromPhase *OnboardingPhase `json:"paused_from_phase,omitempty"`
	PauseReason     *string          `json:"pause_reason,omitempty"`
	StartedAt       time.Time        `json:"started_at"`
	CompletedAt     *time.Time       `json:"completed_at,omitempty"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// OnboardingStep is one checklist item within a phase.
type OnboardingStep struct {
	ID          uuid.UUID       `json:"id"`
	SessionID   uuid.UUID       `json:"session_id"`
	Phase       OnboardingPhase `json:"phase"`
	StepKey     string          `json:"step_key"`
	Label       string          `json:"label"`
	Completed   bool            `json:"completed"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
}

// StepDefinition is an entry in the per-phase checklist table.
type StepDefinition struct {
	Key   string `json:"step_key" yaml:"key"`
	Label string `json:"label" yaml:"label"`
}
