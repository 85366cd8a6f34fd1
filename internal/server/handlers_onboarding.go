package server

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/ashita-ai/sapphire/internal/model"
	"github.com/ashita-ai/sapphire/internal/service/onboarding"
)

// HandleOnboardingStart handles POST /v1/onboarding/start.
func (h *Handlers) HandleOnboardingStart(w http.ResponseWriter, r *http.Request) {
	var req model.OnboardingStartRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.TenantID == uuid.Nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "tenant_id is required")
		return
	}

	res, err := h.onboarding.Start(r.Context(), onboarding.StartInput{
		TenantID:      req.TenantID,
		TenantName:    req.TenantName,
		PlanTier:      req.PlanTier,
		TriggerSource: req.TriggerSource,
	})
	if err != nil {
		h.writeServiceError(w, r, "failed to start onboarding", err)
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	writeJSON(w, r, status, res)
}

// HandleOnboardingAdvance handles POST /v1/onboarding/advance-step.
func (h *Handlers) HandleOnboardingAdvance(w http.ResponseWriter, r *http.Request) {
	var req model.OnboardingAdvanceRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.TenantID == uuid.Nil || req.StepKey == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "tenant_id and step_key are required")
		return
	}

	res, err := h.onboarding.AdvanceStep(r.Context(), req.TenantID, req.StepKey, req.Metadata)
	if err != nil {
		h.writeServiceError(w, r, "failed to advance onboarding step", err)
		return
	}
	writeJSON(w, r, http.StatusOK, res)
}

// HandleOnboardingPause handles POST /v1/onboarding/pause.
func (h *Handlers) HandleOnboardingPause(w http.ResponseWriter, r *http.Request) {
	h.sessionTransition(w, r, "failed to pause onboarding", func(req model.OnboardingTenantRequest) (model.OnboardingSession, error) {
		return h.onboarding.Pause(r.Context(), req.TenantID, req.Reason)
	})
}

// HandleOnboardingResume handles POST /v1/onboarding/resume.
func (h *Handlers) HandleOnboardingResume(w http.ResponseWriter, r *http.Request) {
	h.sessionTransition(w, r, "failed to resume onboarding", func(req model.OnboardingTenantRequest) (model.OnboardingSession, error) {
		return h.onboarding.Resume(r.Context(), req.TenantID)
	})
}

// HandleOnboardingComplete handles POST /v1/onboarding/complete.
func (h *Handlers) HandleOnboardingComplete(w http.ResponseWriter, r *http.Request) {
	h.sessionTransition(w, r, "failed to complete onboarding", func(req model.OnboardingTenantRequest) (model.OnboardingSession, error) {
		return h.onboarding.Complete(r.Context(), req.TenantID)
	})
}

// HandleOnboardingFail handles POST /v1/onboarding/fail.
func (h *Handlers) HandleOnboardingFail(w http.ResponseWriter, r *http.Request) {
	h.sessionTransition(w, r, "failed to fail onboarding", func(req model.OnboardingTenantRequest) (model.OnboardingSession, error) {
		return h.onboarding.Fail(r.Context(), req.TenantID, req.Reason)
	})
}

// sessionTransition decodes a tenant-scoped body and applies fn.
func (h *Handlers) sessionTransition(w http.ResponseWriter, r *http.Request, msg string,
	fn func(model.OnboardingTenantRequest) (model.OnboardingSession, error)) {
	var req model.OnboardingTenantRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.TenantID == uuid.Nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "tenant_id is required")
		return
	}
	session, err := fn(req)
	if err != nil {
		h.writeServiceError(w, r, msg, err)
		return
	}
	writeJSON(w, r, http.StatusOK, session)
}

// HandleOnboardingUpgrade handles POST /v1/onboarding/upgrade.
func (h *Handlers) HandleOnboardingUpgrade(w http.ResponseWriter, r *http.Request) {
	var req model.OnboardingUpgradeRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.TenantID == uuid.Nil || req.NewTier == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "tenant_id and new_tier are required")
		return
	}

	res, err := h.onboarding.UpgradeTier(r.Context(), req.TenantID, req.NewTier, req.TriggerSource)
	if err != nil {
		h.writeServiceError(w, r, "failed to upgrade tier", err)
		return
	}
	writeJSON(w, r, http.StatusOK, res)
}

// HandleOnboardingStatus handles GET /v1/onboarding/{tenant_id}.
func (h *Handlers) HandleOnboardingStatus(w http.ResponseWriter, r *http.Request) {
	tenantID, err := pathUUID(r, "tenant_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	view, err := h.onboarding.Status(r.Context(), tenantID)
	if err != nil {
		h.writeServiceError(w, r, "failed to load onboarding status", err)
		return
	}
	writeJSON(w, r, http.StatusOK, view)
}
