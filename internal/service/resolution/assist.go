package resolution

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/sapphire/internal/aigateway"
	"github.com/ashita-ai/sapphire/internal/model"
	"github.com/ashita-ai/sapphire/internal/storage"
)

// ErrNotEntitled is returned when the tenant's plan does not include the
// requested AI feature.
var ErrNotEntitled = errors.New("resolution: feature not enabled for tenant")

const (
	assistFallbackSummary = "Unable to generate AI summary at this time."
	assistFallbackStep    = "Review case manually"
	assistMessageClip     = 2000
)

const caseAssistSchemaSrc = `{
	"type": "object",
	"required": ["summary", "confidence"],
	"properties": {
		"summary": {"type": "string"},
		"suggested_next_steps": {"type": "array", "items": {"type": "string"}},
		"draft_response": {"type": "string"},
		"confidence": {"type": "number", "minimum": 0, "maximum": 1}
	}
}`

var caseAssistSchema = aigateway.MustCompileSchema("case_assist", caseAssistSchemaSrc)

type caseAssistWire struct {
	Summary       string   `json:"summary"`
	NextSteps     []string `json:"suggested_next_steps"`
	DraftResponse string   `json:"draft_response"`
	Confidence    float64  `json:"confidence"`
}

// caseAssist is generated help for an agent working a case.
type caseAssist struct {
	Summary       string
	NextSteps     []string
	DraftResponse string
	Confidence    float64
	ModelUsed     string
}

// SummaryResult is the stored summary of a case thread.
type SummaryResult struct {
	Summary            string    `json:"summary"`
	SuggestedNextSteps []string  `json:"suggested_next_steps"`
	Confidence         float64   `json:"confidence"`
	ArtifactID         uuid.UUID `json:"artifact_id"`
}

// DraftReplyResult is a stored reply draft for an agent to edit and send.
type DraftReplyResult struct {
	DraftResponse string    `json:"draft_response"`
	Confidence    float64   `json:"confidence"`
	ArtifactID    uuid.UUID `json:"artifact_id"`
}

// Summarize reads the case thread in order, asks the model for a summary
// and next steps, and stores the summary as an artifact. A gateway failure
// stores the fallback summary at zero confidence.
func (e *Engine) Summarize(ctx context.Context, caseID uuid.UUID) (SummaryResult, error) {
	c, err := e.store.GetCase(ctx, caseID)
	if err != nil {
		return SummaryResult{}, fmt.Errorf("resolution: summarize: %w", err)
	}
	a, err := e.assist(ctx, c, "case_summary")
	if err != nil {
		return SummaryResult{}, err
	}
	art, err := e.storeAssist(ctx, c, model.ArtifactSummary, a.Summary, a)
	if err != nil {
		return SummaryResult{}, err
	}
	return SummaryResult{
		Summary:            a.Summary,
		SuggestedNextSteps: a.NextSteps,
		Confidence:         a.Confidence,
		ArtifactID:         art.ID,
	}, nil
}

// DraftReply drafts the next agent reply on a case and stores it as an
// artifact. Tenants without the draft_replies entitlement get ErrNotEntitled.
func (e *Engine) DraftReply(ctx context.Context, caseID uuid.UUID) (DraftReplyResult, error) {
	c, err := e.store.GetCase(ctx, caseID)
	if err != nil {
		return DraftReplyResult{}, fmt.Errorf("resolution: draft reply: %w", err)
	}
	ent, err := e.store.GetEntitlements(ctx, c.TenantID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return DraftReplyResult{}, fmt.Errorf("%w: draft replies", ErrNotEntitled)
	case err != nil:
		return DraftReplyResult{}, fmt.Errorf("resolution: draft reply: %w", err)
	case !ent.AIFeatures.DraftReplies:
		return DraftReplyResult{}, fmt.Errorf("%w: draft replies", ErrNotEntitled)
	}

	a, err := e.assist(ctx, c, "draft_reply")
	if err != nil {
		return DraftReplyResult{}, err
	}
	art, err := e.storeAssist(ctx, c, model.ArtifactDraftReply, a.DraftResponse, a)
	if err != nil {
		return DraftReplyResult{}, err
	}
	return DraftReplyResult{DraftResponse: a.DraftResponse, Confidence: a.Confidence, ArtifactID: art.ID}, nil
}

func (e *Engine) assist(ctx context.Context, c model.Case, operation string) (caseAssist, error) {
	msgs, err := e.store.ListCaseMessages(ctx, c.ID)
	if err != nil {
		return caseAssist{}, fmt.Errorf("resolution: %s: %w", operation, err)
	}
	text, err := e.complete(ctx, aigateway.GenerateRequest{
		Prompt:      caseAssistPrompt(c.Title, msgs),
		Operation:   operation,
		MaxTokens:   800,
		Temperature: 0.3,
	})
	if err != nil {
		e.logger.Warn("resolution: case assist failed, using fallback", "case_id", c.ID, "operation", operation, "error", err)
		return caseAssist{
			Summary:   assistFallbackSummary,
			NextSteps: []string{assistFallbackStep},
			ModelUsed: modelFallback,
		}, nil
	}
	return parseCaseAssist(text, e.modelName), nil
}

func (e *Engine) storeAssist(ctx context.Context, c model.Case, kind model.ArtifactType, content string, a caseAssist) (model.AIArtifact, error) {
	confidence := a.Confidence
	art, err := e.store.InsertArtifact(ctx, model.AIArtifact{
		CaseID:       &c.ID,
		TenantID:     &c.TenantID,
		ArtifactType: kind,
		Content:      content,
		Confidence:   &confidence,
		ModelUsed:    a.ModelUsed,
	})
	if err != nil {
		return model.AIArtifact{}, fmt.Errorf("resolution: store %s: %w", kind, err)
	}
	e.logger.Info("resolution: case artifact stored", "case_id", c.ID, "artifact_type", kind, "confidence", confidence)
	return art, nil
}

// parseCaseAssist decodes the model reply. Prose that is not the expected
// JSON is used as both summary and draft at middling confidence.
func parseCaseAssist(text, modelUsed string) caseAssist {
	var w caseAssistWire
	if err := caseAssistSchema.DecodeText(text, &w); err != nil {
		prose := strings.TrimSpace(text)
		return caseAssist{Summary: prose, NextSteps: []string{}, DraftResponse: prose, Confidence: 0.5, ModelUsed: modelUsed}
	}
	if w.NextSteps == nil {
		w.NextSteps = []string{}
	}
	return caseAssist{
		Summary:       w.Summary,
		NextSteps:     w.NextSteps,
		DraftResponse: w.DraftResponse,
		Confidence:    w.Confidence,
		ModelUsed:     modelUsed,
	}
}

func caseAssistPrompt(title string, msgs []model.CaseMessage) string {
	var thread strings.Builder
	for _, m := range msgs {
		fmt.Fprintf(&thread, "[%s] %s (%s): %s\n",
			m.CreatedAt.UTC().Format(time.RFC3339), orDefault(m.SenderEmail, "unknown"), m.SenderType, clip(m.BodyText, assistMessageClip))
	}
	return `ROLE: Sapphire Support Agent Assistant
GOAL: Help a human agent move this case forward.

Case: ` + orDefault(title, defaultTitle) + `

Conversation (oldest first):
` + orDefault(thread.String(), "(no messages)\n") + `
Rules:
- Never claim actions taken unless confirmed
- Acknowledge uncertainty and ask clarifying questions if needed
- Never provide legal advice
- Provide operational guidance and platform support only

Return JSON:
{
  "summary": "What the customer needs and where the case stands",
  "suggested_next_steps": ["...", "..."],
  "draft_response": "A reply the agent can send to the customer",
  "confidence": 0.0-1.0
}`
}
