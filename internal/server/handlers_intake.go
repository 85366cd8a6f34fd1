package server

import (
	"net/http"

	"github.com/ashita-ai/sapphire/internal/model"
	"github.com/ashita-ai/sapphire/internal/service/resolution"
)

// HandleIntake handles POST /v1/intake.
func (h *Handlers) HandleIntake(w http.ResponseWriter, r *http.Request) {
	var req model.IntakeRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	resp, err := h.resolver.Resolve(r.Context(), resolution.Request{
		TenantID:          req.TenantID,
		UserEmail:         req.UserID,
		Subject:           req.Subject,
		Message:           req.Message,
		Category:          model.Category(req.Category),
		PriorityRequested: model.Priority(req.PriorityRequested),
		Attachments:       req.Attachments,
		UserRejected:      req.UserRejected,
	})
	if err != nil {
		h.writeServiceError(w, r, "failed to resolve intake", err)
		return
	}
	status := http.StatusOK
	if resp.CaseID != nil {
		status = http.StatusCreated
	}
	writeJSON(w, r, status, resp)
}

// HandleEmailIntake handles POST /v1/intake/email.
func (h *Handlers) HandleEmailIntake(w http.ResponseWriter, r *http.Request) {
	var req model.EmailIntakeRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	res, err := h.resolver.IntakeEmail(r.Context(), resolution.EmailIntake{
		From:    req.FromEmail,
		To:      req.ToEmail,
		Subject: req.Subject,
		Body:    req.BodyText,
		Raw:     req.RawPayload,
	})
	if err != nil {
		h.writeServiceError(w, r, "failed to process email", err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, res)
}

// HandleFeedback handles POST /v1/ai-logs/{id}/feedback.
func (h *Handlers) HandleFeedback(w http.ResponseWriter, r *http.Request) {
	logID, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	var req model.FeedbackRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	var feedback string
	if req.Feedback != nil {
		feedback = *req.Feedback
	}

	l, err := h.resolver.Feedback(r.Context(), logID, req.Helpful, feedback)
	if err != nil {
		h.writeServiceError(w, r, "failed to record feedback", err)
		return
	}
	writeJSON(w, r, http.StatusOK, l)
}

// HandleEscalate handles POST /v1/cases/{id}/escalate.
func (h *Handlers) HandleEscalate(w http.ResponseWriter, r *http.Request) {
	h.escalate(w, r, false)
}

// HandleAutoEscalate handles POST /v1/cases/{id}/auto-escalate.
func (h *Handlers) HandleAutoEscalate(w http.ResponseWriter, r *http.Request) {
	h.escalate(w, r, true)
}

func (h *Handlers) escalate(w http.ResponseWriter, r *http.Request, auto bool) {
	caseID, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	var req model.EscalateRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	res, err := h.resolver.Escalate(r.Context(), caseID, req.Reason, auto)
	if err != nil {
		h.writeServiceError(w, r, "failed to escalate case", err)
		return
	}
	writeJSON(w, r, http.StatusOK, res)
}

// HandleCaseMessage handles POST /v1/cases/{id}/messages.
func (h *Handlers) HandleCaseMessage(w http.ResponseWriter, r *http.Request) {
	caseID, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	var req model.CaseMessageRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if len(req.BodyText) > model.MaxMessageLen {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "body_text exceeds maximum length")
		return
	}

	c, err := h.resolver.AddMessage(r.Context(), caseID, resolution.MessageInput{
		SenderType:  req.SenderType,
		SenderEmail: req.SenderEmail,
		Body:        req.BodyText,
		Attachments: req.Attachments,
	})
	if err != nil {
		h.writeServiceError(w, r, "failed to add message", err)
		return
	}
	writeJSON(w, r, http.StatusCreated, c)
}

// HandleIntakeClassify handles POST /v1/intake/{id}/classify.
func (h *Handlers) HandleIntakeClassify(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	res, err := h.resolver.Reclassify(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, "failed to classify intake event", err)
		return
	}
	writeJSON(w, r, http.StatusOK, res)
}

// HandleCaseSummary handles POST /v1/cases/{id}/ai/summary.
func (h *Handlers) HandleCaseSummary(w http.ResponseWriter, r *http.Request) {
	caseID, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	res, err := h.resolver.Summarize(r.Context(), caseID)
	if err != nil {
		h.writeServiceError(w, r, "failed to summarize case", err)
		return
	}
	writeJSON(w, r, http.StatusCreated, res)
}

// HandleCaseDraftReply handles POST /v1/cases/{id}/ai/draft-reply.
func (h *Handlers) HandleCaseDraftReply(w http.ResponseWriter, r *http.Request) {
	caseID, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	res, err := h.resolver.DraftReply(r.Context(), caseID)
	if err != nil {
		h.writeServiceError(w, r, "failed to draft reply", err)
		return
	}
	writeJSON(w, r, http.StatusCreated, res)
}
