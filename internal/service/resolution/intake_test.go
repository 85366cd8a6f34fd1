package resolution

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/sapphire/internal/events"
	"github.com/ashita-ai/sapphire/internal/model"
	"github.com/ashita-ai/sapphire/internal/storage"
)

func salesHarness() *harness {
	h := newHarness(model.TierZero, nil)
	h.tenants.tenant.Name = model.ProspectTenantName
	h.classifier.c.Intent = model.IntentSales
	h.classifier.c.RecommendedAction = model.ActionRouteSales
	return h
}

func TestIntakeEmail_SalesBecomesLead(t *testing.T) {
	h := salesHarness()
	body := strings.Repeat("pricing ", 100)

	res, err := h.engine.IntakeEmail(context.Background(), EmailIntake{
		From: "buyer@newco.test", To: "hello@sapphire.test", Subject: "Pricing", Body: body,
	})
	require.NoError(t, err)
	assert.Equal(t, ActionCRMEventCreated, res.ActionTaken)
	assert.Nil(t, res.Resolution)
	require.NotNil(t, res.CRMEventID)

	require.Len(t, h.store.crm, 1)
	lead := h.store.crm[0]
	assert.Nil(t, lead.TenantID, "prospect leads carry no tenant")
	assert.Equal(t, model.CRMLeadCreated, lead.EventType)
	assert.Len(t, lead.Payload["body"], crmBodyLimit)
	require.Len(t, h.crm.received, 1)
	require.Len(t, h.store.forwarded, 1)
	assert.Equal(t, *res.CRMEventID, h.store.forwarded[0])

	require.Len(t, h.store.intakes, 1)
	assert.Equal(t, h.tenants.tenant.ID, h.store.intakes[0].TenantID)
	assert.Equal(t, []string{"intake_email_received"}, h.store.auditTypes())
	require.Len(t, h.publisher.events, 1)
	assert.Equal(t, events.TypeIntakeEmailReceived, h.publisher.events[0].Type)
	assert.Empty(t, h.store.records)
}

func TestIntakeEmail_CRMFailureIsASideEffect(t *testing.T) {
	h := salesHarness()
	h.crm.err = errors.New("crm down")

	res, err := h.engine.IntakeEmail(context.Background(), EmailIntake{From: "buyer@newco.test", Body: "quote please"})
	require.NoError(t, err)
	assert.Equal(t, ActionCRMEventCreated, res.ActionTaken)
	require.Len(t, res.SideEffects, 2)
	assert.False(t, res.SideEffects[1].OK)
	assert.Equal(t, "crm_forward", res.SideEffects[1].Name)
	assert.Empty(t, h.store.forwarded)
	assert.Contains(t, h.store.auditTypes(), "side_effects_failed")
}

func TestIntakeEmail_SupportRunsResolution(t *testing.T) {
	h := newHarness(model.TierZero, replying(`{"answer": "Reinstall the client.", "confidence": 0.9, "steps": ["Uninstall", "Install"]}`))

	res, err := h.engine.IntakeEmail(context.Background(), EmailIntake{
		From: "user@acme.test", Subject: "VPN", Body: "VPN keeps dropping",
	})
	require.NoError(t, err)
	assert.Equal(t, ActionSelfService, res.ActionTaken)
	require.NotNil(t, res.Resolution)
	assert.Equal(t, model.OutcomeAutoResolved, res.Resolution.Outcome)
	assert.Nil(t, res.CaseID)
	assert.Equal(t, 1, h.classifier.calls, "email is classified once")
	assert.Empty(t, h.store.crm)
}

func TestIntakeEmail_LowConfidenceCreatesCase(t *testing.T) {
	h := newHarness(model.TierOne, replying(`{"summary_for_agent": "Needs a human", "confidence": 0.2}`))

	res, err := h.engine.IntakeEmail(context.Background(), EmailIntake{From: "user@acme.test", Body: "Invoices are wrong"})
	require.NoError(t, err)
	assert.Equal(t, ActionCaseCreated, res.ActionTaken)
	require.NotNil(t, res.CaseID)
	assert.Equal(t, res.Resolution.CaseID, res.CaseID)
}

func TestIntakeEmail_Validation(t *testing.T) {
	h := newHarness(model.TierZero, nil)
	_, err := h.engine.IntakeEmail(context.Background(), EmailIntake{From: "nobody", Body: "x"})
	require.ErrorIs(t, err, ErrInvalidRequest)
	_, err = h.engine.IntakeEmail(context.Background(), EmailIntake{From: "a@b.test", Body: "  "})
	require.ErrorIs(t, err, ErrInvalidRequest)
	assert.Empty(t, h.store.intakes)
}

func TestReclassifyAddsNewestClassification(t *testing.T) {
	h := newHarness(model.TierOne, replying(`{"answer": "a", "confidence": 0.9}`))
	ctx := context.Background()

	res, err := h.engine.IntakeEmail(ctx, EmailIntake{From: "lee@acme.test", Subject: "Invoice", Body: "Invoice total looks wrong"})
	require.NoError(t, err)
	require.Len(t, h.store.classifications[res.IntakeEventID], 1)

	h.classifier.c = model.Classification{
		Intent:            model.IntentBilling,
		Urgency:           model.PriorityHigh,
		Confidence:        0.93,
		RecommendedAction: model.ActionCreateCase,
		ModelUsed:         "test-classifier-v2",
	}
	out, err := h.engine.Reclassify(ctx, res.IntakeEventID)
	require.NoError(t, err)
	assert.Equal(t, res.IntakeEventID, out.IntakeEventID)
	assert.Equal(t, model.IntentBilling, out.Intent)
	assert.Equal(t, testNow, out.ClassifiedAt)

	rows := h.store.classifications[res.IntakeEventID]
	require.Len(t, rows, 2, "earlier classifications are kept")
	assert.Equal(t, model.IntentBilling, rows[1].Intent)
	assert.Equal(t, 2, h.classifier.calls)

	audit := h.store.audits[len(h.store.audits)-1]
	assert.Equal(t, "intake_reclassified", audit.EventType)
	require.NotNil(t, audit.IntakeEventID)
	assert.Equal(t, res.IntakeEventID, *audit.IntakeEventID)
	assert.Equal(t, "billing", audit.Payload["intent"])
}

func TestReclassifyUnknownEvent(t *testing.T) {
	h := newHarness(model.TierOne, nil)
	_, err := h.engine.Reclassify(context.Background(), uuid.New())
	require.ErrorIs(t, err, storage.ErrNotFound)
	assert.Zero(t, h.classifier.calls)
}
