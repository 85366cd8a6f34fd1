package onboarding

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ashita-ai/sapphire/internal/model"
)

// Checklist maps each progress phase to the steps that must be completed
// before the session moves on.
type Checklist map[model.OnboardingPhase][]model.StepDefinition

// DefaultChecklist returns the built-in step table.
func DefaultChecklist() Checklist {
	return Checklist{
		model.PhaseProvisioned: {
			{Key: "aws_provisioned", Label: "AWS Environment Provisioned"},
			{Key: "supabase_ready", Label: "Supabase Database Ready"},
		},
		model.PhaseFirstValue: {
			{Key: "portal_login", Label: "Portal Login"},
			{Key: "first_ai_question", Label: "First AI Question Asked"},
			{Key: "kb_search", Label: "Knowledge Base Search"},
		},
		model.PhaseCoreWorkflows: {
			{Key: "first_case_created", Label: "First Support Case Created"},
			{Key: "case_resolved", Label: "First Case Resolved"},
			{Key: "email_intake", Label: "Email Intake Received"},
		},
		model.PhaseIndependent: {
			{Key: "multiple_cases", Label: "Multiple Cases Handled"},
			{Key: "self_service_success", Label: "Self-Service Success"},
			{Key: "team_adoption", Label: "Team Adoption"},
		},
	}
}

type checklistFile struct {
	Phases map[string][]model.StepDefinition `yaml:"phases"`
}

// LoadChecklist reads a YAML step table of the form
//
//	phases:
//	  phase_0_provisioned:
//	    - key: aws_provisioned
//	      label: AWS Environment Provisioned
//
// Phases present in the file replace the defaults; absent phases keep them.
// An empty path returns the defaults.
func LoadChecklist(path string) (Checklist, error) {
	cl := DefaultChecklist()
	if path == "" {
		return cl, nil
	}
	raw, err := os.ReadFile(path) //nolint:gosec // path comes from config
	if err != nil {
		return nil, fmt.Errorf("onboarding: read steps file: %w", err)
	}
	var f checklistFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("onboarding: parse steps file: %w", err)
	}
	for name, defs := range f.Phases {
		phase, err := model.ParseOnboardingPhase(name)
		if err != nil {
			return nil, fmt.Errorf("onboarding: steps file: %w", err)
		}
		if !phase.Linear() || phase == model.PhaseNotStarted || phase == model.PhaseCompleted {
			return nil, fmt.Errorf("onboarding: steps file: phase %s cannot have steps", phase)
		}
		cl[phase] = defs
	}
	if err := cl.validate(); err != nil {
		return nil, err
	}
	return cl, nil
}

// validate rejects blank and duplicate step keys. Keys are unique per
// session across all phases.
func (c Checklist) validate() error {
	seen := make(map[string]model.OnboardingPhase)
	for phase, defs := range c {
		for _, d := range defs {
			if d.Key == "" || d.Label == "" {
				return fmt.Errorf("onboarding: steps file: phase %s has a step without key or label", phase)
			}
			if other, ok := seen[d.Key]; ok {
				return fmt.Errorf("onboarding: steps file: step %q appears in %s and %s", d.Key, other, phase)
			}
			seen[d.Key] = phase
		}
	}
	return nil
}
