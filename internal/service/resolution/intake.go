package resolution

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/sapphire/internal/events"
	"github.com/ashita-ai/sapphire/internal/model"
	"github.com/ashita-ai/sapphire/internal/storage"
)

// Actions reported for an email intake.
const (
	ActionCRMEventCreated = "crm_event_created"
	ActionSelfService     = "self_service_response"
	ActionFollowUp        = "follow_up_requested"
	ActionCaseCreated     = "case_created"
)

const crmBodyLimit = 500

// EmailIntake is an inbound email as delivered by the mail bridge.
type EmailIntake struct {
	From    string
	To      string
	Subject string
	Body    string
	Raw     map[string]any
}

// EmailIntakeResult reports how an email was routed.
type EmailIntakeResult struct {
	IntakeEventID  uuid.UUID          `json:"intake_event_id"`
	TenantID       uuid.UUID          `json:"tenant_id"`
	Intent         model.Intent       `json:"intent"`
	Confidence     float64            `json:"confidence"`
	ComplianceFlag bool               `json:"compliance_flag"`
	ActionTaken    string             `json:"action_taken"`
	CaseID         *uuid.UUID         `json:"case_id,omitempty"`
	CRMEventID     *uuid.UUID         `json:"crm_event_id,omitempty"`
	Resolution     *Response          `json:"resolution,omitempty"`
	SideEffects    []model.SideEffect `json:"side_effects"`
}

// IntakeEmail records and classifies an email, then routes it: sales
// inquiries become CRM leads, everything else goes through Resolve.
func (e *Engine) IntakeEmail(ctx context.Context, in EmailIntake) (EmailIntakeResult, error) {
	in.From = strings.TrimSpace(in.From)
	if in.From == "" || !strings.Contains(in.From, "@") {
		return EmailIntakeResult{}, fmt.Errorf("%w: a sender address is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(in.Body) == "" {
		return EmailIntakeResult{}, fmt.Errorf("%w: body is required", ErrInvalidRequest)
	}

	tenant, err := e.tenants.Resolve(ctx, nil, in.From)
	if err != nil {
		return EmailIntakeResult{}, fmt.Errorf("resolution: resolve tenant: %w", err)
	}
	classification := e.classifier.Classify(ctx, in.Subject, in.Body, in.From)

	var subject *string
	if s := strings.TrimSpace(in.Subject); s != "" {
		subject = &s
	}
	ev, err := e.store.RecordIntake(ctx, model.IntakeEvent{
		Source:     model.SourceEmail,
		TenantID:   tenant.ID,
		FromEmail:  in.From,
		Subject:    subject,
		BodyText:   in.Body,
		RawPayload: in.Raw,
	}, classification, storage.AuditEntry{
		EventType: "intake_email_received",
		Actor:     "intake",
		Payload:   map[string]any{"from_email": in.From, "to_email": in.To, "intent": string(classification.Intent)},
	})
	if err != nil {
		return EmailIntakeResult{}, fmt.Errorf("resolution: record intake: %w", err)
	}

	res := EmailIntakeResult{
		IntakeEventID:  ev.ID,
		TenantID:       tenant.ID,
		Intent:         classification.Intent,
		Confidence:     classification.Confidence,
		ComplianceFlag: classification.ComplianceFlag,
		SideEffects:    []model.SideEffect{},
	}
	pubErr := e.publisher.Publish(ctx, events.New(events.TypeIntakeEmailReceived, &tenant.ID, ev.ID.String(), map[string]any{
		"intent":          string(classification.Intent),
		"compliance_flag": classification.ComplianceFlag,
	}))
	if pubErr != nil {
		e.logger.Warn("resolution: publish intake failed", "intake_event_id", ev.ID, "error", pubErr)
	}
	res.SideEffects = append(res.SideEffects, model.NewSideEffect("event_publish", pubErr))

	if classification.Intent == model.IntentSales {
		lead, err := e.recordLead(ctx, tenant, in)
		if err != nil {
			return EmailIntakeResult{}, err
		}
		res.ActionTaken = ActionCRMEventCreated
		res.CRMEventID = &lead.ID
		res.SideEffects = append(res.SideEffects, model.NewSideEffect("crm_forward", e.forwardLead(ctx, lead)))
		e.auditFailures(ctx, tenant.ID, nil, ev.ID, res.SideEffects)
		return res, nil
	}
	e.auditFailures(ctx, tenant.ID, nil, ev.ID, res.SideEffects)

	req, err := Request{UserEmail: in.From, Subject: in.Subject, Message: in.Body}.validate()
	if err != nil {
		return EmailIntakeResult{}, err
	}
	resp, err := e.resolve(ctx, req, tenant, classification)
	if err != nil {
		return EmailIntakeResult{}, err
	}
	res.Resolution = &resp
	res.CaseID = resp.CaseID
	switch resp.Outcome {
	case model.OutcomeAutoResolved:
		res.ActionTaken = ActionSelfService
	case model.OutcomeFollowUp:
		res.ActionTaken = ActionFollowUp
	default:
		res.ActionTaken = ActionCaseCreated
	}
	return res, nil
}

// recordLead stores a lead_created CRM event. Leads from unknown senders
// carry no tenant.
func (e *Engine) recordLead(ctx context.Context, tenant model.Tenant, in EmailIntake) (model.CRMEvent, error) {
	var tenantID *uuid.UUID
	if !tenant.IsProspect() {
		id := tenant.ID
		tenantID = &id
	}
	lead, err := e.store.InsertCRMEvent(ctx, model.CRMEvent{
		TenantID:  tenantID,
		EventType: model.CRMLeadCreated,
		Payload: map[string]any{
			"email":   in.From,
			"subject": in.Subject,
			"body":    clip(in.Body, crmBodyLimit),
		},
	})
	if err != nil {
		return model.CRMEvent{}, fmt.Errorf("resolution: record lead: %w", err)
	}
	return lead, nil
}

// forwardLead delivers a lead downstream and marks it forwarded.
func (e *Engine) forwardLead(ctx context.Context, lead model.CRMEvent) error {
	if e.crm == nil {
		return errors.New("crm forwarding not configured")
	}
	if err := e.crm.Forward(ctx, lead); err != nil {
		e.logger.Warn("resolution: crm forward failed", "crm_event_id", lead.ID, "error", err)
		return err
	}
	if err := e.store.MarkCRMForwarded(ctx, lead.ID); err != nil {
		e.logger.Warn("resolution: mark crm forwarded failed", "crm_event_id", lead.ID, "error", err)
		return err
	}
	return nil
}

// ReclassifyResult is a fresh classification of a stored intake event.
type ReclassifyResult struct {
	IntakeEventID uuid.UUID `json:"intake_event_id"`
	model.Classification
	ClassifiedAt time.Time `json:"classified_at"`
}

// Reclassify runs the classifier again over a stored intake event and keeps
// the result as the event's newest classification. Earlier rows remain.
func (e *Engine) Reclassify(ctx context.Context, intakeEventID uuid.UUID) (ReclassifyResult, error) {
	ev, err := e.store.GetIntakeEvent(ctx, intakeEventID)
	if err != nil {
		return ReclassifyResult{}, fmt.Errorf("resolution: reclassify: %w", err)
	}
	var subject string
	if ev.Subject != nil {
		subject = *ev.Subject
	}
	c := e.classifier.Classify(ctx, subject, ev.BodyText, ev.FromEmail)

	at, err := e.store.InsertClassification(ctx, ev.ID, c, storage.AuditEntry{
		EventType: "intake_reclassified",
		TenantID:  &ev.TenantID,
		Actor:     actor,
		Payload: map[string]any{
			"intent":          string(c.Intent),
			"confidence":      c.Confidence,
			"compliance_flag": c.ComplianceFlag,
		},
	})
	if err != nil {
		return ReclassifyResult{}, fmt.Errorf("resolution: reclassify %s: %w", ev.ID, err)
	}
	e.logger.Info("resolution: intake reclassified", "intake_event_id", ev.ID, "intent", c.Intent, "confidence", c.Confidence)
	return ReclassifyResult{IntakeEventID: ev.ID, Classification: c, ClassifiedAt: at}, nil
}
