package resolution

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/sapphire/internal/aigateway"
	"github.com/ashita-ai/sapphire/internal/events"
	"github.com/ashita-ai/sapphire/internal/kb"
	"github.com/ashita-ai/sapphire/internal/model"
	"github.com/ashita-ai/sapphire/internal/storage"
)

func selfService(conf float64) string {
	return fmt.Sprintf(`{"answer": "Reinstall the VPN client.", "confidence": %v}`, conf)
}

func analysis(conf float64) string {
	return fmt.Sprintf(`{"summary_for_agent": "Customer VPN drops.", "probable_root_cause": "client update",
		"recommended_fix_attempts": ["reinstall"], "escalation_required": false, "confidence": %v}`, conf)
}

func TestResolveConfidenceBoundaries(t *testing.T) {
	tests := []struct {
		conf float64
		want model.Outcome
	}{
		{0.78, model.OutcomeAutoResolved},
		{0.77999, model.OutcomeFollowUp},
		{0.45, model.OutcomeFollowUp},
		{0.449999, model.OutcomeEscalatedToCase},
	}
	for _, tier := range []model.PlanTier{model.TierZero, model.TierOne} {
		for _, tt := range tests {
			t.Run(fmt.Sprintf("%s/%v", tier, tt.conf), func(t *testing.T) {
				text := selfService(tt.conf)
				if tier != model.TierZero {
					text = analysis(tt.conf)
				}
				h := newHarness(tier, replying(text))
				resp, err := h.engine.Resolve(context.Background(), supportRequest())
				require.NoError(t, err)
				assert.Equal(t, tt.want, resp.Outcome)
				assert.InDelta(t, tt.conf, resp.Confidence, 1e-12)

				rec := h.store.lastRecord(t)
				assert.Equal(t, tt.want == model.OutcomeEscalatedToCase, rec.Case != nil)
				assert.Equal(t, tt.want == model.OutcomeAutoResolved, rec.Log.Resolved)
				assert.Equal(t, tt.want == model.OutcomeFollowUp, rec.Log.FollowUpFlag)
			})
		}
	}
}

func TestTierOneFollowUpOpensNoCase(t *testing.T) {
	h := newHarness(model.TierOne, replying(analysis(0.65)))
	resp, err := h.engine.Resolve(context.Background(), supportRequest())
	require.NoError(t, err)

	assert.Equal(t, model.OutcomeFollowUp, resp.Outcome)
	assert.Nil(t, resp.CaseID)
	assert.Equal(t, DefaultClarifyingQuestion, resp.ClarifyingQuestion)
	assert.Contains(t, resp.FormattedAnswer, "To help me better assist you: "+DefaultClarifyingQuestion)

	rec := h.store.lastRecord(t)
	assert.Nil(t, rec.Case)
	assert.Nil(t, rec.SLAStarted)
	assert.True(t, rec.Log.FollowUpFlag)
	assert.Equal(t, 1, rec.Log.Tier)
	assert.Equal(t, "support_ai_follow_up", rec.Audit.EventType)
	assert.Empty(t, h.tenants.identities, "no identity is needed without a case")
	assert.Empty(t, h.scheduler.jobs)
}

func TestFourthAttemptForcesEscalation(t *testing.T) {
	h := newHarness(model.TierZero, replying(selfService(0.95)))
	h.store.priorAttempts = 3

	resp, err := h.engine.Resolve(context.Background(), supportRequest())
	require.NoError(t, err)
	assert.Equal(t, 4, resp.AttemptNumber)
	assert.Equal(t, model.OutcomeEscalatedToCase, resp.Outcome)
	require.NotNil(t, resp.CaseID)

	rec := h.store.lastRecord(t)
	require.NotNil(t, rec.Case)
	assert.Equal(t, model.CaseNew, rec.Case.Status, "confident answers open as new")
	assert.Equal(t, "repeated_attempts", rec.Audit.Payload["reason"])
	assert.Equal(t, 4, rec.Log.AttemptNumber)
}

func TestThirdAttemptStillAutoResolves(t *testing.T) {
	h := newHarness(model.TierZero, replying(selfService(0.95)))
	h.store.priorAttempts = 2

	resp, err := h.engine.Resolve(context.Background(), supportRequest())
	require.NoError(t, err)
	assert.Equal(t, 3, resp.AttemptNumber)
	assert.Equal(t, model.OutcomeAutoResolved, resp.Outcome)
}

func TestAttemptPrefixIsFiftyCharacters(t *testing.T) {
	h := newHarness(model.TierZero, replying(selfService(0.9)))
	req := supportRequest()
	req.Message = strings.Repeat("é", 60)
	_, err := h.engine.Resolve(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, h.store.attemptArgs, 1)
	assert.Equal(t, strings.Repeat("é", 50), h.store.attemptArgs[0])
}

func TestUserRejectionEscalates(t *testing.T) {
	h := newHarness(model.TierZero, replying(selfService(0.99)))
	req := supportRequest()
	req.UserRejected = true

	resp, err := h.engine.Resolve(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeEscalatedToCase, resp.Outcome)
	assert.Equal(t, "user_rejected", h.store.lastRecord(t).Audit.Payload["reason"])
}

func TestAutoResolveSchedulesKBAgent(t *testing.T) {
	text := `Here you go: {"answer": "Reset the token.", "steps": ["Open settings", "Reset token"], "confidence": 0.7,
		"resolution_successful": true}`
	h := newHarness(model.TierZero, replying(text))
	h.searcher.docs = []kb.Document{{ID: "d1", Title: "Tokens", URL: "https://kb/doc/tokens", Content: "How to reset tokens"}}

	resp, err := h.engine.Resolve(context.Background(), supportRequest())
	require.NoError(t, err)

	// 0.7 + one citation + two steps
	assert.InDelta(t, 0.85, resp.Confidence, 1e-9)
	assert.Equal(t, model.OutcomeAutoResolved, resp.Outcome)
	assert.Equal(t, []string{"Open settings", "Reset token"}, resp.Steps)
	require.Len(t, resp.Citations, 1)
	assert.Equal(t, "https://kb/doc/tokens", resp.Citations[0].URL)
	assert.Contains(t, resp.FormattedAnswer, "Steps to resolve:\n1. Open settings\n2. Reset token\n")
	assert.Contains(t, resp.FormattedAnswer, "Sources:\n- Tokens\n")

	rec := h.store.lastRecord(t)
	require.Len(t, rec.Artifacts, 1)
	assert.Equal(t, model.ArtifactKBAnswer, rec.Artifacts[0].ArtifactType)
	assert.Equal(t, "support_ai_auto_resolved", rec.Audit.EventType)
	assert.Equal(t, "test-model", rec.Log.ModelUsed)

	require.Len(t, h.scheduler.jobs, 1)
	job := h.scheduler.jobs[0]
	require.NotNil(t, job.LogID)
	assert.Equal(t, resp.LogID, *job.LogID)
	assert.Equal(t, "VPN drops", job.Title)
	assert.Equal(t, "Reset the token.", job.Resolution)
	assert.True(t, resp.SideEffects.KBScheduled)
	assert.True(t, resp.SideEffects.EventPublished)

	require.Len(t, h.publisher.events, 1)
	assert.Equal(t, events.TypeResolutionDecided, h.publisher.events[0].Type)
	assert.Equal(t, "auto_resolved", h.publisher.events[0].Payload["outcome"])
}

func TestEscalationBuildsCase(t *testing.T) {
	h := newHarness(model.TierOne, replying(analysis(0.2)))
	h.classifier.c.Urgency = model.PriorityNormal
	h.classifier.c.ComplianceFlag = true
	req := supportRequest()
	req.PriorityRequested = model.PriorityHigh
	req.Category = model.CategoryBilling
	req.Attachments = []string{"file-1"}

	resp, err := h.engine.Resolve(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeEscalatedToCase, resp.Outcome)
	require.NotNil(t, resp.TierRoute)
	assert.Equal(t, 2, *resp.TierRoute, "compliance flags route to tier 2")
	assert.Equal(t, "standard", resp.SLAApplied)
	assert.True(t, resp.SuggestEscalation)

	rec := h.store.lastRecord(t)
	require.NotNil(t, rec.Case)
	assert.Equal(t, model.CaseEscalated, rec.Case.Status)
	assert.Equal(t, model.PriorityHigh, rec.Case.Priority)
	assert.Equal(t, model.CategoryBilling, rec.Case.Category)
	assert.Equal(t, "VPN drops", rec.Case.Title)
	require.NotNil(t, rec.Case.CreatedByIdentityID)
	require.NotNil(t, rec.Message)
	assert.Equal(t, model.SenderCustomer, rec.Message.SenderType)
	assert.Equal(t, []string{"file-1"}, rec.Message.Attachments)
	require.Len(t, rec.Artifacts, 1)
	assert.Equal(t, model.ArtifactSummary, rec.Artifacts[0].ArtifactType)
	assert.Contains(t, rec.Artifacts[0].Content, "Probable Root Cause: client update")
	assert.Equal(t, 30, rec.SLAStarted["first_response_minutes"])
	assert.Equal(t, 120, rec.SLAStarted["resolution_minutes"])
	assert.Equal(t, "support_case_created_ai_first", rec.Audit.EventType)
	assert.Equal(t, "low_confidence", rec.Audit.Payload["reason"])

	require.Len(t, h.publisher.events, 1)
	assert.Equal(t, events.TypeCaseCreated, h.publisher.events[0].Type)
	assert.Equal(t, resp.CaseID.String(), h.publisher.events[0].Subject)
}

func TestEscalationPriorityAndRoute(t *testing.T) {
	tests := []struct {
		name      string
		tier      model.PlanTier
		urgency   model.Priority
		requested model.Priority
		priority  model.Priority
		route     int
	}{
		{"urgency wins", model.TierOne, model.PriorityCritical, model.PriorityLow, model.PriorityCritical, 2},
		{"request wins", model.TierOne, model.PriorityLow, model.PriorityHigh, model.PriorityHigh, 1},
		{"premium tier", model.TierTwo, model.PriorityNormal, "", model.PriorityNormal, 2},
		{"unknown urgency", model.TierOne, "", model.PriorityLow, model.PriorityNormal, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(tt.tier, replying(analysis(0.1)))
			h.classifier.c.Urgency = tt.urgency
			req := supportRequest()
			req.PriorityRequested = tt.requested

			_, err := h.engine.Resolve(context.Background(), req)
			require.NoError(t, err)
			rec := h.store.lastRecord(t)
			require.NotNil(t, rec.Case)
			assert.Equal(t, tt.priority, rec.Case.Priority)
			assert.Equal(t, tt.route, *rec.Case.TierRoute)
		})
	}
}

func TestGatewayFailureFallsBack(t *testing.T) {
	down := genFunc(func(context.Context, aigateway.GenerateRequest) (string, error) {
		return "", errors.New("gateway down")
	})

	h := newHarness(model.TierZero, down)
	resp, err := h.engine.Resolve(context.Background(), supportRequest())
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeEscalatedToCase, resp.Outcome)
	assert.Equal(t, selfServiceFallback, resp.Answer)
	assert.Zero(t, resp.Confidence)
	assert.Equal(t, modelFallback, h.store.lastRecord(t).Log.ModelUsed)

	h = newHarness(model.TierTwo, down)
	resp, err = h.engine.Resolve(context.Background(), supportRequest())
	require.NoError(t, err)
	assert.Equal(t, analysisFallback, resp.Answer)
	assert.Equal(t, "premium", resp.SLAApplied)
}

func TestNoGeneratorFallsBack(t *testing.T) {
	h := newHarness(model.TierZero, nil)
	resp, err := h.engine.Resolve(context.Background(), supportRequest())
	require.NoError(t, err)
	assert.Equal(t, selfServiceFallback, resp.Answer)
}

func TestRetrievalCombinesKBAndPriorCases(t *testing.T) {
	var prompt string
	gen := genFunc(func(_ context.Context, req aigateway.GenerateRequest) (string, error) {
		prompt = req.Prompt
		assert.Equal(t, "support_resolution", req.Operation)
		assert.Equal(t, 1000, req.MaxTokens)
		return selfService(0.5), nil
	})
	h := newHarness(model.TierZero, gen)
	h.searcher.docs = []kb.Document{{Title: "VPN guide", URL: "https://kb/doc/vpn", Snippet: "snippet only"}}
	caseID := uuid.New()
	conf := 0.9
	h.store.priorCases = []storage.PriorCase{{
		Case:    model.Case{ID: caseID, Title: "VPN flaps", AIConfidence: &conf},
		Summary: "Reinstalled client",
	}}

	resp, err := h.engine.Resolve(context.Background(), supportRequest())
	require.NoError(t, err)
	assert.Contains(t, prompt, "--- VPN guide ---\nsnippet only")
	assert.Contains(t, prompt, "--- VPN flaps ---\nReinstalled client")
	require.Len(t, resp.Citations, 2)
	assert.Equal(t, "Similar Case: VPN flaps", resp.Citations[1].Title)
	assert.Equal(t, "/cases/"+caseID.String(), resp.Citations[1].URL)

	rec := h.store.lastRecord(t)
	require.Len(t, rec.Log.ContextDocs, 2)
	assert.Equal(t, model.ContextPriorCase, rec.Log.ContextDocs[1].Type)
	assert.Equal(t, []string{supportRequest().Message}, h.searcher.queries)
}

func TestPriorCaseFailureIsTolerated(t *testing.T) {
	h := newHarness(model.TierZero, replying(selfService(0.9)))
	h.store.priorErr = errors.New("db hiccup")
	resp, err := h.engine.Resolve(context.Background(), supportRequest())
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeAutoResolved, resp.Outcome)
}

func TestSideEffectFailuresAreReported(t *testing.T) {
	h := newHarness(model.TierZero, replying(selfService(0.9)))
	h.publisher.err = errors.New("kafka unavailable")
	h.scheduler.full = true

	resp, err := h.engine.Resolve(context.Background(), supportRequest())
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeAutoResolved, resp.Outcome, "side effects never change the outcome")
	assert.False(t, resp.SideEffects.EventPublished)
	assert.Equal(t, "kafka unavailable", resp.SideEffects.EventError)
	assert.False(t, resp.SideEffects.KBScheduled)
	require.Len(t, resp.SideEffects.Results, 2)
	assert.Equal(t, "kb_agent", resp.SideEffects.Results[0].Name)
	assert.Equal(t, "kb agent queue full", resp.SideEffects.Results[0].Error)

	assert.Equal(t, []string{"support_ai_auto_resolved", "side_effects_failed"}, h.store.auditTypes())
}

func TestResolvePersistenceFailureFails(t *testing.T) {
	h := newHarness(model.TierZero, replying(selfService(0.9)))
	h.store.recordErr = errors.New("connection reset")
	_, err := h.engine.Resolve(context.Background(), supportRequest())
	require.Error(t, err)
	assert.Empty(t, h.publisher.events)
	assert.Empty(t, h.scheduler.jobs)
}

func TestResolveValidation(t *testing.T) {
	h := newHarness(model.TierZero, replying(selfService(0.9)))
	ctx := context.Background()

	req := supportRequest()
	req.Message = "  "
	_, err := h.engine.Resolve(ctx, req)
	require.ErrorIs(t, err, ErrInvalidRequest)

	req = supportRequest()
	req.UserEmail = ""
	_, err = h.engine.Resolve(ctx, req)
	require.ErrorIs(t, err, ErrInvalidRequest)

	req = supportRequest()
	req.PriorityRequested = "urgent"
	_, err = h.engine.Resolve(ctx, req)
	require.ErrorIs(t, err, model.ErrInvalidEnum)

	req = supportRequest()
	req.Category = "sales"
	_, err = h.engine.Resolve(ctx, req)
	require.ErrorIs(t, err, model.ErrInvalidEnum)

	other := uuid.New()
	req = supportRequest()
	req.TenantID = &other
	_, err = h.engine.Resolve(ctx, req)
	require.ErrorIs(t, err, storage.ErrNotFound)

	assert.Empty(t, h.store.records, "invalid requests write nothing")
}
