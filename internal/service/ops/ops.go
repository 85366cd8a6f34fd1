// Package ops aggregates the read models and controls behind the operations
// console: intake metrics, the case board, alerts and manual case updates.
package ops

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/sapphire/internal/model"
	"github.com/ashita-ai/sapphire/internal/storage"
)

const (
	DefaultMetricsWindow = 7 * 24 * time.Hour
	DefaultCaseLimit     = 100
	MaxCaseLimit         = 1000

	alertsPerSource     = 50
	maxAlerts           = 100
	alertLookback       = 30 * 24 * time.Hour
	lowConfidenceCutoff = 0.5
)

var (
	// ErrInvalidTransition is returned when a patch asks for an illegal status move.
	ErrInvalidTransition = errors.New("ops: invalid case transition")
	// ErrInvalidInput is returned for out-of-range query parameters.
	ErrInvalidInput = errors.New("ops: invalid input")
)

// Store is the persistence the ops service needs.
type Store interface {
	IntentCounts(ctx context.Context, since, until time.Time) (map[model.Intent]int, error)
	ListCases(ctx context.Context, f storage.CaseFilter) ([]storage.CaseListItem, error)
	CountCases(ctx context.Context, f storage.CaseFilter) (int, error)
	ListSLABreaches(ctx context.Context, since time.Time, limit int) ([]storage.SLABreach, error)
	ListComplianceFlags(ctx context.Context, since time.Time, limit int) ([]storage.ComplianceFlag, error)
	ListLowConfidenceLogs(ctx context.Context, threshold float64, since time.Time, limit int) ([]model.SupportAILog, error)
	MutateCase(ctx context.Context, caseID uuid.UUID, fn func(model.Case) (storage.CaseMutation, error)) (model.Case, error)
	GetCase(ctx context.Context, id uuid.UUID) (model.Case, error)
	ListCaseMessages(ctx context.Context, caseID uuid.UUID) ([]model.CaseMessage, error)
	ListArtifacts(ctx context.Context, caseID uuid.UUID) ([]model.AIArtifact, error)
	ListSLAEvents(ctx context.Context, caseID uuid.UUID) ([]model.SLAEvent, error)
	GetAILog(ctx context.Context, id uuid.UUID) (model.SupportAILog, error)
}

// Service serves the ops console.
type Service struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Service.
func New(store Store, logger *slog.Logger) *Service {
	return &Service{store: store, logger: logger, now: time.Now}
}

// TimeWindow bounds a metrics query.
type TimeWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// IntakeMetrics summarizes intake volume by intent.
type IntakeMetrics struct {
	TimeWindow   TimeWindow               `json:"time_window"`
	TotalIntake  int                      `json:"total_intake"`
	ByIntent     map[model.Intent]int     `json:"by_intent"`
	Distribution map[model.Intent]float64 `json:"distribution"`
}

// IntakeMetrics counts intake events in the window by the intent of their
// latest classification. A zero start defaults to seven days before end; a
// zero end defaults to now.
func (s *Service) IntakeMetrics(ctx context.Context, w TimeWindow) (IntakeMetrics, error) {
	if w.End.IsZero() {
		w.End = s.now().UTC()
	}
	if w.Start.IsZero() {
		w.Start = w.End.Add(-DefaultMetricsWindow)
	}
	if w.Start.After(w.End) {
		return IntakeMetrics{}, fmt.Errorf("%w: start must not be after end", ErrInvalidInput)
	}
	counts, err := s.store.IntentCounts(ctx, w.Start, w.End)
	if err != nil {
		return IntakeMetrics{}, fmt.Errorf("ops: intake metrics: %w", err)
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	dist := make(map[model.Intent]float64, len(counts))
	for intent, n := range counts {
		dist[intent] = percent(n, total)
	}
	return IntakeMetrics{TimeWindow: w, TotalIntake: total, ByIntent: counts, Distribution: dist}, nil
}

func percent(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(n)/float64(total)*10000) / 100
}

// OnboardingInfo is set on a case whose tenant is mid-onboarding.
type OnboardingInfo struct {
	SessionID    uuid.UUID             `json:"session_id"`
	Phase        model.OnboardingPhase `json:"phase"`
	IsOnboarding bool                  `json:"is_onboarding"`
}

// CaseSummary is one row of the case board.
type CaseSummary struct {
	model.Case
	TenantName    string          `json:"tenant_name"`
	PlanTier      model.PlanTier  `json:"plan_tier"`
	MessagesCount int             `json:"messages_count"`
	SLABreached   bool            `json:"sla_breached"`
	Onboarding    *OnboardingInfo `json:"onboarding"`
}

// CasePage is a page of the case board.
type CasePage struct {
	Total  int           `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
	Cases  []CaseSummary `json:"cases"`
}

// ListCases returns a filtered page of cases, newest first.
func (s *Service) ListCases(ctx context.Context, f storage.CaseFilter) (CasePage, error) {
	if f.Limit == 0 {
		f.Limit = DefaultCaseLimit
	}
	if f.Limit < 1 || f.Limit > MaxCaseLimit {
		return CasePage{}, fmt.Errorf("%w: limit must be between 1 and %d", ErrInvalidInput, MaxCaseLimit)
	}
	if f.Offset < 0 {
		return CasePage{}, fmt.Errorf("%w: offset must not be negative", ErrInvalidInput)
	}

	var (
		items []storage.CaseListItem
		total int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		items, err = s.store.ListCases(gctx, f)
		return err
	})
	g.Go(func() error {
		var err error
		total, err = s.store.CountCases(gctx, f)
		return err
	})
	if err := g.Wait(); err != nil {
		return CasePage{}, fmt.Errorf("ops: list cases: %w", err)
	}

	out := make([]CaseSummary, 0, len(items))
	for _, it := range items {
		cs := CaseSummary{
			Case:          it.Case,
			TenantName:    it.TenantName,
			PlanTier:      it.PlanTier,
			MessagesCount: it.MessagesCount,
			SLABreached:   it.SLABreached,
		}
		if it.OnboardingSession != nil && it.OnboardingPhase != nil {
			cs.Onboarding = &OnboardingInfo{SessionID: *it.OnboardingSession, Phase: *it.OnboardingPhase, IsOnboarding: true}
		}
		out = append(out, cs)
	}
	return CasePage{Total: total, Limit: f.Limit, Offset: f.Offset, Cases: out}, nil
}

// CaseDetail is one case with its thread, AI output and SLA timeline.
type CaseDetail struct {
	Case      model.Case          `json:"case"`
	Messages  []model.CaseMessage `json:"messages"`
	Artifacts []model.AIArtifact  `json:"artifacts"`
	SLAEvents []model.SLAEvent    `json:"sla_events"`
}

// CaseDetail loads a case and everything attached to it.
func (s *Service) CaseDetail(ctx context.Context, caseID uuid.UUID) (CaseDetail, error) {
	c, err := s.store.GetCase(ctx, caseID)
	if err != nil {
		return CaseDetail{}, fmt.Errorf("ops: case detail: %w", err)
	}
	d := CaseDetail{Case: c}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		d.Messages, err = s.store.ListCaseMessages(gctx, caseID)
		return err
	})
	g.Go(func() error {
		var err error
		d.Artifacts, err = s.store.ListArtifacts(gctx, caseID)
		return err
	})
	g.Go(func() error {
		var err error
		d.SLAEvents, err = s.store.ListSLAEvents(gctx, caseID)
		return err
	})
	if err := g.Wait(); err != nil {
		return CaseDetail{}, fmt.Errorf("ops: case detail %s: %w", caseID, err)
	}
	d.Messages = nonNil(d.Messages)
	d.Artifacts = nonNil(d.Artifacts)
	d.SLAEvents = nonNil(d.SLAEvents)
	return d, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// AILog returns one resolution attempt, for drilling into a
// low_confidence alert.
func (s *Service) AILog(ctx context.Context, logID uuid.UUID) (model.SupportAILog, error) {
	l, err := s.store.GetAILog(ctx, logID)
	if err != nil {
		return model.SupportAILog{}, fmt.Errorf("ops: ai log: %w", err)
	}
	return l, nil
}

// Severity ranks an alert. Lower rank sorts first.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
)

func (s Severity) rank() int {
	switch s {
	case SeverityCritical:
		return 0
	case SeverityHigh:
		return 1
	case SeverityMedium:
		return 2
	}
	return 99
}

// Alert types.
const (
	AlertSLABreach      = "sla_breach"
	AlertComplianceFlag = "compliance_flag"
	AlertLowConfidence  = "low_confidence"
)

// Alert is one item in the ops alert feed.
type Alert struct {
	Type          string         `json:"type"`
	Severity      Severity       `json:"severity"`
	TenantID      *uuid.UUID     `json:"tenant_id,omitempty"`
	CaseID        *uuid.UUID     `json:"case_id,omitempty"`
	CaseTitle     string         `json:"case_title,omitempty"`
	IntakeEventID *uuid.UUID     `json:"intake_event_id,omitempty"`
	LogID         *uuid.UUID     `json:"log_id,omitempty"`
	FromEmail     string         `json:"from_email,omitempty"`
	EventType     string         `json:"event_type,omitempty"`
	Intent        model.Intent   `json:"intent,omitempty"`
	Confidence    *float64       `json:"confidence,omitempty"`
	Priority      model.Priority `json:"priority,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// Alerts gathers SLA breaches, compliance flags and low-confidence answers
// from the last 30 days, most severe and then newest first.
func (s *Service) Alerts(ctx context.Context) ([]Alert, error) {
	since := s.now().Add(-alertLookback)
	var breaches, flags, lowConf []Alert

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rows, err := s.store.ListSLABreaches(gctx, since, alertsPerSource)
		if err != nil {
			return err
		}
		for _, b := range rows {
			caseID, tenantID := b.Event.CaseID, b.TenantID
			breaches = append(breaches, Alert{
				Type:      AlertSLABreach,
				Severity:  SeverityHigh,
				TenantID:  &tenantID,
				CaseID:    &caseID,
				CaseTitle: b.CaseTitle,
				EventType: string(b.Event.EventType),
				Priority:  b.Priority,
				CreatedAt: b.Event.CreatedAt,
			})
		}
		return nil
	})
	g.Go(func() error {
		rows, err := s.store.ListComplianceFlags(gctx, since, alertsPerSource)
		if err != nil {
			return err
		}
		for _, f := range rows {
			intakeID, conf := f.IntakeEventID, f.Confidence
			flags = append(flags, Alert{
				Type:          AlertComplianceFlag,
				Severity:      SeverityCritical,
				TenantID:      f.TenantID,
				IntakeEventID: &intakeID,
				FromEmail:     f.FromEmail,
				Intent:        f.Intent,
				Confidence:    &conf,
				CreatedAt:     f.CreatedAt,
			})
		}
		return nil
	})
	g.Go(func() error {
		rows, err := s.store.ListLowConfidenceLogs(gctx, lowConfidenceCutoff, since, alertsPerSource)
		if err != nil {
			return err
		}
		for _, l := range rows {
			logID, tenantID, conf := l.ID, l.TenantID, l.Confidence
			lowConf = append(lowConf, Alert{
				Type:       AlertLowConfidence,
				Severity:   SeverityMedium,
				TenantID:   &tenantID,
				CaseID:     l.CaseID,
				LogID:      &logID,
				Confidence: &conf,
				CreatedAt:  l.CreatedAt,
			})
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("ops: alerts: %w", err)
	}

	alerts := slices.Concat(breaches, flags, lowConf)
	slices.SortStableFunc(alerts, func(a, b Alert) int {
		if c := cmp.Compare(a.Severity.rank(), b.Severity.rank()); c != 0 {
			return c
		}
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if len(alerts) > maxAlerts {
		alerts = alerts[:maxAlerts]
	}
	return alerts, nil
}

// CasePatch is a manual case update. Nil fields are left alone.
type CasePatch struct {
	Status          *model.CaseStatus
	Priority        *model.Priority
	OwnerIdentityID *uuid.UUID
	InternalNotes   *string
}

// CaseUpdate reports what an update changed.
type CaseUpdate struct {
	Case    model.Case `json:"case"`
	Changes []string   `json:"changes"`
}

// UpdateCase applies an ops patch under the case lock. Status moves are
// checked against the case lifecycle. Every effective update is audited
// with the list of changes and any internal notes.
func (s *Service) UpdateCase(ctx context.Context, caseID uuid.UUID, p CasePatch, actor string) (CaseUpdate, error) {
	if p.Status != nil && !p.Status.Valid() {
		return CaseUpdate{}, fmt.Errorf("%w: status %q", model.ErrInvalidEnum, *p.Status)
	}
	if p.Priority != nil && !p.Priority.Valid() {
		return CaseUpdate{}, fmt.Errorf("%w: priority %q", model.ErrInvalidEnum, *p.Priority)
	}
	var notes string
	if p.InternalNotes != nil {
		notes = strings.TrimSpace(*p.InternalNotes)
	}

	changes := []string{}
	c, err := s.store.MutateCase(ctx, caseID, func(current model.Case) (storage.CaseMutation, error) {
		changes = changes[:0]
		var mut storage.CaseMutation
		if p.Status != nil && *p.Status != current.Status {
			if !current.Status.CanTransition(*p.Status) {
				return mut, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, *p.Status)
			}
			mut.Status = p.Status
			changes = append(changes, fmt.Sprintf("status: %s -> %s", current.Status, *p.Status))
		}
		if p.Priority != nil && *p.Priority != current.Priority {
			mut.Priority = p.Priority
			changes = append(changes, fmt.Sprintf("priority: %s -> %s", current.Priority, *p.Priority))
		}
		if p.OwnerIdentityID != nil && (current.OwnerIdentityID == nil || *current.OwnerIdentityID != *p.OwnerIdentityID) {
			old := "none"
			if current.OwnerIdentityID != nil {
				old = current.OwnerIdentityID.String()
			}
			mut.OwnerIdentityID = p.OwnerIdentityID
			changes = append(changes, fmt.Sprintf("owner: %s -> %s", old, *p.OwnerIdentityID))
		}
		if len(changes) == 0 && notes == "" {
			return mut, storage.ErrNoChange
		}
		payload := map[string]any{"changes": slices.Clone(changes)}
		if notes != "" {
			payload["internal_notes"] = notes
		}
		tenantID := current.TenantID
		mut.Audit = &storage.AuditEntry{
			EventType: "case_updated_by_ops",
			TenantID:  &tenantID,
			Actor:     actor,
			Payload:   payload,
		}
		return mut, nil
	})
	if err != nil {
		return CaseUpdate{}, err
	}
	if len(changes) > 0 {
		s.logger.Info("ops: case updated", "case_id", caseID, "actor", actor, "changes", changes)
	}
	return CaseUpdate{Case: c, Changes: slices.Clone(changes)}, nil
}
