package resolution

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/sapphire/internal/aigateway"
	"github.com/ashita-ai/sapphire/internal/model"
	"github.com/ashita-ai/sapphire/internal/storage"
)

const assistReply = `Here you go:
{
  "summary": "Customer cannot log in after SSO change",
  "suggested_next_steps": ["Check IdP metadata", "Ask for a HAR file"],
  "draft_response": "Thanks Dana, could you send us a HAR file of the login attempt?",
  "confidence": 0.82
}`

func seedThread(h *harness, id uuid.UUID) {
	h.store.messages = append(h.store.messages,
		model.CaseMessage{CaseID: id, SenderType: model.SenderCustomer, SenderEmail: "dana@acme.test", BodyText: "SSO login loops", CreatedAt: testNow},
		model.CaseMessage{CaseID: uuid.New(), SenderType: model.SenderCustomer, BodyText: "unrelated thread", CreatedAt: testNow},
		model.CaseMessage{CaseID: id, SenderType: model.SenderAgent, SenderEmail: "agent@sapphire.test", BodyText: "Which IdP?", CreatedAt: testNow.Add(time.Minute)},
	)
}

func TestSummarizeStoresArtifact(t *testing.T) {
	var got aigateway.GenerateRequest
	h := newHarness(model.TierOne, genFunc(func(_ context.Context, req aigateway.GenerateRequest) (string, error) {
		got = req
		return assistReply, nil
	}))
	id := seedCase(h, model.CaseOpen)
	seedThread(h, id)

	res, err := h.engine.Summarize(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "Customer cannot log in after SSO change", res.Summary)
	assert.Equal(t, []string{"Check IdP metadata", "Ask for a HAR file"}, res.SuggestedNextSteps)
	assert.InDelta(t, 0.82, res.Confidence, 1e-9)

	assert.Equal(t, "case_summary", got.Operation)
	first := strings.Index(got.Prompt, "SSO login loops")
	second := strings.Index(got.Prompt, "Which IdP?")
	require.True(t, first >= 0 && second > first, "messages appear oldest first")
	assert.NotContains(t, got.Prompt, "unrelated thread")

	require.Len(t, h.store.artifacts, 1)
	art := h.store.artifacts[0]
	assert.Equal(t, res.ArtifactID, art.ID)
	assert.Equal(t, model.ArtifactSummary, art.ArtifactType)
	assert.Equal(t, res.Summary, art.Content)
	require.NotNil(t, art.CaseID)
	assert.Equal(t, id, *art.CaseID)
	assert.Equal(t, "test-model", art.ModelUsed)
}

func TestSummarizeFallsBackWhenGatewayFails(t *testing.T) {
	h := newHarness(model.TierOne, genFunc(func(context.Context, aigateway.GenerateRequest) (string, error) {
		return "", errors.New("gateway down")
	}))
	id := seedCase(h, model.CaseOpen)

	res, err := h.engine.Summarize(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, assistFallbackSummary, res.Summary)
	assert.Equal(t, []string{assistFallbackStep}, res.SuggestedNextSteps)
	assert.Zero(t, res.Confidence)
	require.Len(t, h.store.artifacts, 1)
	assert.Equal(t, modelFallback, h.store.artifacts[0].ModelUsed)
}

func TestSummarizeUnknownCase(t *testing.T) {
	h := newHarness(model.TierOne, replying(assistReply))
	_, err := h.engine.Summarize(context.Background(), uuid.New())
	require.ErrorIs(t, err, storage.ErrNotFound)
	assert.Empty(t, h.store.artifacts)
}

func TestDraftReplyRequiresEntitlement(t *testing.T) {
	h := newHarness(model.TierOne, replying(assistReply))
	ctx := context.Background()
	id := seedCase(h, model.CaseOpen)
	seedThread(h, id)
	tenantID := h.tenants.tenant.ID

	_, err := h.engine.DraftReply(ctx, id)
	require.ErrorIs(t, err, ErrNotEntitled, "no entitlements provisioned")

	h.store.entitlements[tenantID] = model.EntitlementsForTier(tenantID, model.TierZero)
	_, err = h.engine.DraftReply(ctx, id)
	require.ErrorIs(t, err, ErrNotEntitled)
	assert.Empty(t, h.store.artifacts)

	h.store.entitlements[tenantID] = model.EntitlementsForTier(tenantID, model.TierTwo)
	res, err := h.engine.DraftReply(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Thanks Dana, could you send us a HAR file of the login attempt?", res.DraftResponse)
	require.Len(t, h.store.artifacts, 1)
	assert.Equal(t, model.ArtifactDraftReply, h.store.artifacts[0].ArtifactType)
	assert.Equal(t, res.DraftResponse, h.store.artifacts[0].Content)
	assert.Equal(t, res.ArtifactID, h.store.artifacts[0].ID)
}

func TestParseCaseAssist(t *testing.T) {
	a := parseCaseAssist(`{"summary": "s", "confidence": 0.4}`, "m")
	assert.Equal(t, "s", a.Summary)
	assert.Equal(t, []string{}, a.NextSteps)
	assert.Empty(t, a.DraftResponse)

	a = parseCaseAssist("  Please restart the sync agent.  ", "m")
	assert.Equal(t, "Please restart the sync agent.", a.Summary)
	assert.Equal(t, a.Summary, a.DraftResponse)
	assert.InDelta(t, 0.5, a.Confidence, 1e-9)

	a = parseCaseAssist(`{"summary": "s", "confidence": 7}`, "m")
	assert.InDelta(t, 0.5, a.Confidence, 1e-9, "out of range confidence fails the schema")
}
