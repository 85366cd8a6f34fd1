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

// ErrInvalidTransition is returned when a case cannot move to the requested
// status.
var ErrInvalidTransition = errors.New("resolution: invalid case transition")

// EscalateResult reports an escalation.
type EscalateResult struct {
	Case           model.Case         `json:"case"`
	PreviousStatus model.CaseStatus   `json:"previous_status"`
	AlreadyDone    bool               `json:"already_escalated"`
	SideEffects    []model.SideEffect `json:"side_effects"`
}

// Escalate moves a case to escalated. auto distinguishes the AI hook from a
// user request in the audit trail. Escalating an escalated case is a no-op.
func (e *Engine) Escalate(ctx context.Context, caseID uuid.UUID, reason string, auto bool) (EscalateResult, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return EscalateResult{}, fmt.Errorf("%w: reason is required", ErrInvalidRequest)
	}
	eventType, by := "case_escalated_user", "user"
	if auto {
		eventType, by = "case_escalated_auto", actor
	}

	var res EscalateResult
	c, err := e.store.MutateCase(ctx, caseID, func(current model.Case) (storage.CaseMutation, error) {
		res.PreviousStatus = current.Status
		if current.Status == model.CaseEscalated {
			res.AlreadyDone = true
			return storage.CaseMutation{}, storage.ErrNoChange
		}
		if !current.Status.CanTransition(model.CaseEscalated) {
			return storage.CaseMutation{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, model.CaseEscalated)
		}
		status := model.CaseEscalated
		return storage.CaseMutation{
			Status: &status,
			Audit: &storage.AuditEntry{
				EventType: eventType,
				Actor:     by,
				Payload:   map[string]any{"reason": reason, "previous_status": string(current.Status)},
			},
		}, nil
	})
	if err != nil {
		return EscalateResult{}, err
	}
	res.Case = c
	if res.AlreadyDone {
		res.SideEffects = []model.SideEffect{}
		return res, nil
	}

	pubErr := e.publisher.Publish(ctx, events.New(events.TypeCaseEscalated, &c.TenantID, c.ID.String(), map[string]any{
		"reason":          reason,
		"auto":            auto,
		"previous_status": string(res.PreviousStatus),
	}))
	if pubErr != nil {
		e.logger.Warn("resolution: publish escalation failed", "case_id", c.ID, "error", pubErr)
	}
	res.SideEffects = []model.SideEffect{model.NewSideEffect("event_publish", pubErr)}
	e.auditFailures(ctx, c.TenantID, &c.ID, c.ID, res.SideEffects)
	return res, nil
}

// Feedback records whether an answer helped. Training export consumes it.
func (e *Engine) Feedback(ctx context.Context, logID uuid.UUID, helpful bool, feedback string) (model.SupportAILog, error) {
	var text *string
	if f := strings.TrimSpace(feedback); f != "" {
		text = &f
	}
	l, err := e.store.SetFeedback(ctx, logID, helpful, text)
	if err != nil {
		return model.SupportAILog{}, fmt.Errorf("resolution: feedback: %w", err)
	}
	return l, nil
}

// MessageInput is a new message on a case thread.
type MessageInput struct {
	SenderType  model.SenderType
	SenderEmail string
	Body        string
	Attachments []string
}

// AddMessage appends a message to a case. A customer reply to a case
// waiting on the customer reopens it; an agent reply counts as the SLA
// first response, which is recorded once.
func (e *Engine) AddMessage(ctx context.Context, caseID uuid.UUID, in MessageInput) (model.Case, error) {
	in.Body = strings.TrimSpace(in.Body)
	if in.Body == "" {
		return model.Case{}, fmt.Errorf("%w: message body is required", ErrInvalidRequest)
	}
	if in.SenderType == "" {
		in.SenderType = model.SenderCustomer
	}
	sender, err := model.ParseSenderType(string(in.SenderType))
	if err != nil {
		return model.Case{}, err
	}

	return e.store.MutateCase(ctx, caseID, func(current model.Case) (storage.CaseMutation, error) {
		if current.Status == model.CaseClosed {
			return storage.CaseMutation{}, fmt.Errorf("%w: case is closed", ErrInvalidTransition)
		}
		m := storage.CaseMutation{
			Message: &model.CaseMessage{
				SenderType:  sender,
				SenderEmail: in.SenderEmail,
				BodyText:    in.Body,
				Attachments: in.Attachments,
			},
			Audit: &storage.AuditEntry{
				EventType: "case_message_added",
				Actor:     string(sender),
				Payload:   map[string]any{"sender_type": string(sender), "sender_email": in.SenderEmail},
			},
		}
		if sender == model.SenderCustomer && current.Status == model.CasePendingCustomer {
			open := model.CaseOpen
			m.Status = &open
			m.Audit.Payload["status_change"] = string(current.Status) + "->" + string(open)
		}
		if sender == model.SenderAgent {
			m.SLAEvent = &storage.SLAEventInsert{
				EventType: model.SLAFirstResponse,
				Payload:   map[string]any{"responded_at": e.now().UTC().Format(time.RFC3339Nano)},
			}
		}
		return m, nil
	})
}
