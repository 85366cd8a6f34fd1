// Package resolution runs the AI-first support pipeline: classify, retrieve,
// generate, score and decide between answering, asking a follow-up question
// and opening a case.
package resolution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/sapphire/internal/aigateway"
	"github.com/ashita-ai/sapphire/internal/events"
	"github.com/ashita-ai/sapphire/internal/kb"
	"github.com/ashita-ai/sapphire/internal/model"
	"github.com/ashita-ai/sapphire/internal/service/kbagent"
	"github.com/ashita-ai/sapphire/internal/service/sla"
	"github.com/ashita-ai/sapphire/internal/storage"
	"github.com/ashita-ai/sapphire/internal/telemetry"
)

// ErrInvalidRequest is returned for requests missing required fields.
var ErrInvalidRequest = errors.New("resolution: invalid request")

const (
	actor = "support_ai"

	kbSearchLimit     = 6
	priorCaseWindow   = 90 * 24 * time.Hour
	priorCaseMinConf  = 0.7
	priorCaseLimit    = 3
	attemptWindow     = 24 * time.Hour
	defaultTitle      = "Support Request"
	sideEffectTimeout = 10 * time.Second
)

// Store is the persistence the engine needs.
type Store interface {
	CountSimilarAttempts(ctx context.Context, tenantID uuid.UUID, prefix string, since time.Time) (int, error)
	ListPriorResolvedCases(ctx context.Context, tenantID uuid.UUID, since time.Time, minConfidence float64, limit int) ([]storage.PriorCase, error)
	RecordResolution(ctx context.Context, rec storage.ResolutionRecord) (model.SupportAILog, *model.Case, error)
	InsertAudit(ctx context.Context, e storage.AuditEntry) error
	MutateCase(ctx context.Context, caseID uuid.UUID, fn func(model.Case) (storage.CaseMutation, error)) (model.Case, error)
	SetFeedback(ctx context.Context, logID uuid.UUID, helpful bool, feedback *string) (model.SupportAILog, error)
	RecordIntake(ctx context.Context, ev model.IntakeEvent, c model.Classification, audit storage.AuditEntry) (model.IntakeEvent, error)
	InsertCRMEvent(ctx context.Context, e model.CRMEvent) (model.CRMEvent, error)
	MarkCRMForwarded(ctx context.Context, id uuid.UUID) error
	GetIntakeEvent(ctx context.Context, id uuid.UUID) (model.IntakeEvent, error)
	InsertClassification(ctx context.Context, intakeEventID uuid.UUID, c model.Classification, audit storage.AuditEntry) (time.Time, error)
	GetCase(ctx context.Context, id uuid.UUID) (model.Case, error)
	ListCaseMessages(ctx context.Context, caseID uuid.UUID) ([]model.CaseMessage, error)
	InsertArtifact(ctx context.Context, a model.AIArtifact) (model.AIArtifact, error)
	GetEntitlements(ctx context.Context, tenantID uuid.UUID) (model.Entitlements, error)
}

// Tenants resolves who a request is from.
type Tenants interface {
	Resolve(ctx context.Context, tenantID *uuid.UUID, email string) (model.Tenant, error)
	GetOrCreateIdentity(ctx context.Context, tenantID uuid.UUID, email string) (model.Identity, error)
}

// Policies resolves the SLA budget a new case starts with.
type Policies interface {
	PolicyFor(ctx context.Context, tenantID uuid.UUID, tier model.PlanTier) (sla.Budget, error)
}

// KBScheduler queues the KB agent after an auto-resolution.
type KBScheduler interface {
	Submit(ctx context.Context, in kbagent.ProcessInput) bool
}

// Engine is the support resolution pipeline.
type Engine struct {
	store      Store
	tenants    Tenants
	classifier aigateway.Classifier
	gen        aigateway.Generator
	searcher   kb.Searcher
	policies   Policies
	kbAgent    KBScheduler
	publisher  events.Publisher
	crm        events.CRMForwarder
	logger     *slog.Logger
	modelName  string
	now        func() time.Time

	duration metric.Float64Histogram
	outcomes metric.Int64Counter
}

// Option configures an Engine.
type Option func(*Engine)

// WithKBAgent schedules the KB agent after auto-resolutions.
func WithKBAgent(s KBScheduler) Option { return func(e *Engine) { e.kbAgent = s } }

// WithCRM forwards sales leads from email intake.
func WithCRM(f events.CRMForwarder) Option { return func(e *Engine) { e.crm = f } }

// WithModelName sets the model name recorded on generated answers.
func WithModelName(name string) Option {
	return func(e *Engine) {
		if name != "" {
			e.modelName = name
		}
	}
}

// New creates an Engine. publisher may be events.NoopPublisher.
func New(store Store, tenants Tenants, classifier aigateway.Classifier, gen aigateway.Generator, searcher kb.Searcher,
	policies Policies, publisher events.Publisher, logger *slog.Logger, opts ...Option) *Engine {
	meter := telemetry.Meter("sapphire/resolution")
	duration, _ := meter.Float64Histogram("sapphire.resolution.duration",
		metric.WithDescription("Time to run the resolution pipeline (ms)"),
		metric.WithUnit("ms"),
	)
	outcomes, _ := meter.Int64Counter("sapphire.resolution.outcomes",
		metric.WithDescription("Resolution attempts by outcome"),
	)
	e := &Engine{
		store:      store,
		tenants:    tenants,
		classifier: classifier,
		gen:        gen,
		searcher:   searcher,
		policies:   policies,
		publisher:  publisher,
		logger:     logger,
		modelName:  "ai-gateway",
		now:        time.Now,
		duration:   duration,
		outcomes:   outcomes,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Request is one inbound support request. Category and PriorityRequested
// default to support and normal.
type Request struct {
	TenantID          *uuid.UUID
	UserEmail         string
	Subject           string
	Message           string
	Category          model.Category
	PriorityRequested model.Priority
	Attachments       []string
	UserRejected      bool
}

// SideEffects summarizes the best-effort actions taken after commit.
type SideEffects struct {
	EventPublished bool               `json:"event_published"`
	EventError     string             `json:"event_error,omitempty"`
	KBScheduled    bool               `json:"kb_scheduled"`
	Results        []model.SideEffect `json:"results"`
}

// Response is the outcome of a resolution attempt.
type Response struct {
	Outcome            model.Outcome        `json:"outcome"`
	LogID              uuid.UUID            `json:"log_id"`
	TenantID           uuid.UUID            `json:"tenant_id"`
	Answer             string               `json:"answer"`
	FormattedAnswer    string               `json:"formatted_answer"`
	Confidence         float64              `json:"confidence"`
	Citations          []model.Citation     `json:"citations"`
	Steps              []string             `json:"steps"`
	ClarifyingQuestion string               `json:"clarifying_question,omitempty"`
	AttemptNumber      int                  `json:"attempt_number"`
	CaseID             *uuid.UUID           `json:"case_id,omitempty"`
	TierRoute          *int                 `json:"tier_route,omitempty"`
	SLAApplied         string               `json:"sla_applied,omitempty"`
	SuggestEscalation  bool                 `json:"suggest_escalation"`
	Classification     model.Classification `json:"classification"`
	SideEffects        SideEffects          `json:"side_effects"`
}

func (r Request) validate() (Request, error) {
	r.Message = strings.TrimSpace(r.Message)
	r.UserEmail = strings.TrimSpace(r.UserEmail)
	if r.Message == "" {
		return r, fmt.Errorf("%w: message is required", ErrInvalidRequest)
	}
	if r.UserEmail == "" {
		return r, fmt.Errorf("%w: user email is required", ErrInvalidRequest)
	}
	var err error
	if r.Category, err = model.ParseCategoryOr(string(r.Category), model.CategorySupport); err != nil {
		return r, err
	}
	if r.PriorityRequested, err = model.ParsePriorityOr(string(r.PriorityRequested), model.PriorityNormal); err != nil {
		return r, err
	}
	return r, nil
}

// Resolve runs the full pipeline for one request. It fails only on invalid
// input, an unknown explicit tenant, or a persistence error; degraded AI
// services produce fallback answers instead.
func (e *Engine) Resolve(ctx context.Context, req Request) (Response, error) {
	req, err := req.validate()
	if err != nil {
		return Response{}, err
	}
	tenant, err := e.tenants.Resolve(ctx, req.TenantID, req.UserEmail)
	if err != nil {
		return Response{}, fmt.Errorf("resolution: resolve tenant: %w", err)
	}
	classification := e.classifier.Classify(ctx, req.Subject, req.Message, req.UserEmail)
	return e.resolve(ctx, req, tenant, classification)
}

func (e *Engine) resolve(ctx context.Context, req Request, tenant model.Tenant, classification model.Classification) (Response, error) {
	start := time.Now()
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String("sapphire.tenant_id", tenant.ID.String()),
		attribute.String("sapphire.intent", string(classification.Intent)),
	)

	docs := e.retrieve(ctx, tenant.ID, req.Message)
	gen := e.generate(ctx, tenant.PlanTier, docs, req.Subject, req.Message)
	confidence := Score(gen.Confidence, len(gen.Citations), len(gen.Steps))

	now := e.now()
	prior, err := e.store.CountSimilarAttempts(ctx, tenant.ID, attemptPrefix(req.Message), now.Add(-attemptWindow))
	if err != nil {
		return Response{}, fmt.Errorf("resolution: count attempts: %w", err)
	}
	attempt := prior + 1
	outcome := Decide(confidence, attempt, req.UserRejected)

	var subject *string
	if s := strings.TrimSpace(req.Subject); s != "" {
		subject = &s
	}
	rec := storage.ResolutionRecord{
		Log: model.SupportAILog{
			TenantID:            tenant.ID,
			Message:             req.Message,
			Subject:             subject,
			AIAnswer:            gen.Answer,
			Confidence:          confidence,
			Resolved:            outcome == model.OutcomeAutoResolved,
			FollowUpFlag:        outcome == model.OutcomeFollowUp,
			EscalationTriggered: outcome == model.OutcomeEscalatedToCase,
			AttemptNumber:       attempt,
			Citations:           gen.Citations,
			ContextDocs:         docs,
			ModelUsed:           gen.ModelUsed,
			Tier:                tenant.PlanTier.Level(),
			Category:            req.Category,
		},
	}

	resp := Response{
		Outcome:           outcome,
		TenantID:          tenant.ID,
		Answer:            gen.Answer,
		Confidence:        confidence,
		Citations:         gen.Citations,
		Steps:             gen.Steps,
		AttemptNumber:     attempt,
		SuggestEscalation: gen.SuggestEscalation || outcome == model.OutcomeEscalatedToCase,
		Classification:    classification,
	}
	if resp.Steps == nil {
		resp.Steps = []string{}
	}

	switch outcome {
	case model.OutcomeAutoResolved:
		conf := confidence
		rec.Artifacts = []model.AIArtifact{{
			TenantID:     &tenant.ID,
			ArtifactType: model.ArtifactKBAnswer,
			Content:      gen.Answer,
			Citations:    gen.Citations,
			Confidence:   &conf,
			ModelUsed:    gen.ModelUsed,
		}}
		rec.Audit = storage.AuditEntry{
			EventType: "support_ai_auto_resolved",
			Actor:     actor,
			Payload: map[string]any{
				"subject":        req.Subject,
				"confidence":     confidence,
				"user_id":        req.UserEmail,
				"attempt_number": attempt,
			},
		}

	case model.OutcomeFollowUp:
		resp.ClarifyingQuestion = orDefault(gen.ClarifyingQuestion, DefaultClarifyingQuestion)
		rec.Audit = storage.AuditEntry{
			EventType: "support_ai_follow_up",
			Actor:     actor,
			Payload: map[string]any{
				"confidence":          confidence,
				"clarifying_question": resp.ClarifyingQuestion,
				"attempt_number":      attempt,
			},
		}

	case model.OutcomeEscalatedToCase:
		if err := e.prepareCase(ctx, &rec, req, tenant, classification, gen, confidence, now); err != nil {
			return Response{}, err
		}
		route := *rec.Case.TierRoute
		resp.TierRoute = &route
		resp.SLAApplied = tenant.PlanTier.SLAName()
	}

	stored, createdCase, err := e.store.RecordResolution(ctx, rec)
	if err != nil {
		return Response{}, fmt.Errorf("resolution: record: %w", err)
	}
	resp.LogID = stored.ID
	if createdCase != nil {
		id := createdCase.ID
		resp.CaseID = &id
	}
	resp.FormattedAnswer = FormatAnswer(gen.Answer, gen.Steps, gen.Citations, resp.ClarifyingQuestion)

	resp.SideEffects = e.afterCommit(ctx, req, tenant, gen, resp)

	e.duration.Record(ctx, float64(time.Since(start).Milliseconds()))
	e.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(outcome))))
	span.SetAttributes(
		attribute.String("sapphire.outcome", string(outcome)),
		attribute.Float64("sapphire.confidence", confidence),
	)
	return resp, nil
}

// prepareCase fills in the case, its first message, the summary artifact,
// the SLA start and the audit entry of an escalation.
func (e *Engine) prepareCase(ctx context.Context, rec *storage.ResolutionRecord, req Request, tenant model.Tenant,
	classification model.Classification, gen Generation, confidence float64, now time.Time) error {
	identity, err := e.tenants.GetOrCreateIdentity(ctx, tenant.ID, req.UserEmail)
	if err != nil {
		return fmt.Errorf("resolution: identity: %w", err)
	}
	budget, err := e.policies.PolicyFor(ctx, tenant.ID, tenant.PlanTier)
	if err != nil {
		e.logger.Warn("resolution: sla policy lookup failed, using tier default",
			"tenant_id", tenant.ID, "error", err)
		budget = sla.DefaultBudget(tenant.PlanTier)
	}

	urgency := classification.Urgency
	if !urgency.Valid() {
		urgency = model.PriorityNormal
	}
	route := TierRoute(tenant.PlanTier, classification)
	conf := confidence
	rec.Case = &model.Case{
		TenantID:            tenant.ID,
		Title:               orDefault(req.Subject, defaultTitle),
		Status:              CaseStatusFor(confidence),
		Priority:            model.MaxPriority(req.PriorityRequested, urgency),
		Category:            req.Category,
		CreatedByIdentityID: &identity.ID,
		AIConfidence:        &conf,
		TierRoute:           &route,
	}
	rec.Message = &model.CaseMessage{
		SenderType:  model.SenderCustomer,
		SenderEmail: req.UserEmail,
		BodyText:    req.Message,
		Attachments: req.Attachments,
	}
	rec.Artifacts = []model.AIArtifact{{
		TenantID:     &tenant.ID,
		ArtifactType: model.ArtifactSummary,
		Content:      caseSummary(classification, gen, confidence),
		Confidence:   &conf,
		ModelUsed:    gen.ModelUsed,
	}}
	rec.SLAStarted = sla.StartedPayload(budget, now)

	reason := "low_confidence"
	switch {
	case req.UserRejected:
		reason = "user_rejected"
	case rec.Log.AttemptNumber-1 > MaxPriorAttempts:
		reason = "repeated_attempts"
	}
	rec.Audit = storage.AuditEntry{
		EventType: "support_case_created_ai_first",
		Actor:     actor,
		Payload: map[string]any{
			"ai_confidence":  confidence,
			"tier_route":     route,
			"classification": string(classification.Intent),
			"attempt_number": rec.Log.AttemptNumber,
			"reason":         reason,
		},
	}
	return nil
}

// retrieve gathers KB articles and prior resolved cases. Failures of either
// source leave it out.
func (e *Engine) retrieve(ctx context.Context, tenantID uuid.UUID, query string) []model.ContextDoc {
	docs := make([]model.ContextDoc, 0, kbSearchLimit+priorCaseLimit)
	if e.searcher != nil {
		for _, d := range e.searcher.Search(ctx, query, kbSearchLimit) {
			content := d.Content
			if content == "" {
				content = d.Snippet
			}
			docs = append(docs, model.ContextDoc{
				Type:    model.ContextKBArticle,
				Title:   d.Title,
				Content: content,
				URL:     d.URL,
			})
		}
	}

	prior, err := e.store.ListPriorResolvedCases(ctx, tenantID, e.now().Add(-priorCaseWindow), priorCaseMinConf, priorCaseLimit)
	if err != nil {
		e.logger.Warn("resolution: prior case lookup failed", "tenant_id", tenantID, "error", err)
		return docs
	}
	for _, p := range prior {
		id := p.Case.ID
		docs = append(docs, model.ContextDoc{
			Type:       model.ContextPriorCase,
			Title:      p.Case.Title,
			Content:    p.Summary,
			CaseID:     &id,
			Confidence: p.Case.AIConfidence,
		})
	}
	return docs
}

// afterCommit runs the best-effort follow-ups of a committed attempt. Their
// results are reported, and failures are also audited, but never change the
// outcome.
func (e *Engine) afterCommit(ctx context.Context, req Request, tenant model.Tenant, gen Generation, resp Response) SideEffects {
	var out SideEffects

	if resp.Outcome == model.OutcomeAutoResolved {
		logID := resp.LogID
		scheduled := e.kbAgent != nil && e.kbAgent.Submit(ctx, kbagent.ProcessInput{
			LogID:       &logID,
			TenantID:    tenant.ID,
			TenantName:  tenant.Name,
			Title:       orDefault(req.Subject, defaultTitle),
			Description: req.Message,
			Resolution:  gen.Answer,
			Steps:       gen.Steps,
			Confidence:  resp.Confidence,
		})
		out.KBScheduled = scheduled
		var kbErr error
		switch {
		case e.kbAgent == nil:
			kbErr = errors.New("kb agent not configured")
		case !scheduled:
			kbErr = errors.New("kb agent queue full")
		}
		out.Results = append(out.Results, model.NewSideEffect("kb_agent", kbErr))
	}

	evType := events.TypeResolutionDecided
	payload := map[string]any{
		"outcome":        string(resp.Outcome),
		"log_id":         resp.LogID.String(),
		"confidence":     resp.Confidence,
		"attempt_number": resp.AttemptNumber,
		"intent":         string(resp.Classification.Intent),
	}
	subject := resp.LogID.String()
	if resp.CaseID != nil {
		evType = events.TypeCaseCreated
		payload["case_id"] = resp.CaseID.String()
		payload["tier_route"] = *resp.TierRoute
		subject = resp.CaseID.String()
	}
	pubErr := e.publisher.Publish(ctx, events.New(evType, &tenant.ID, subject, payload))
	out.EventPublished = pubErr == nil
	if pubErr != nil {
		out.EventError = pubErr.Error()
		e.logger.Warn("resolution: publish failed", "log_id", resp.LogID, "error", pubErr)
	}
	out.Results = append(out.Results, model.NewSideEffect("event_publish", pubErr))

	e.auditFailures(ctx, tenant.ID, resp.CaseID, resp.LogID, out.Results)
	return out
}

// auditFailures records failed side effects of a committed write.
func (e *Engine) auditFailures(ctx context.Context, tenantID uuid.UUID, caseID *uuid.UUID, subjectID uuid.UUID, results []model.SideEffect) {
	failed := false
	for _, r := range results {
		if !r.OK {
			failed = true
			break
		}
	}
	if !failed {
		return
	}
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sideEffectTimeout)
	defer cancel()
	err := e.store.InsertAudit(actx, storage.AuditEntry{
		EventType: "side_effects_failed",
		TenantID:  &tenantID,
		CaseID:    caseID,
		Actor:     actor,
		Payload:   map[string]any{"subject_id": subjectID.String(), "side_effects": results},
	})
	if err != nil {
		e.logger.Error("resolution: audit side effects failed", "subject_id", subjectID, "error", err)
	}
}
