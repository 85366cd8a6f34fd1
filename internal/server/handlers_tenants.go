package server

import (
	"net/http"

	"github.com/ashita-ai/sapphire/internal/model"
	"github.com/ashita-ai/sapphire/internal/service/tenants"
)

// HandleTenantRegister handles POST /v1/tenants.
func (h *Handlers) HandleTenantRegister(w http.ResponseWriter, r *http.Request) {
	var req tenants.Registration
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.Name == "" || req.Domain == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "name and primary_domain are required")
		return
	}

	t, err := h.tenants.Register(r.Context(), req, actorName(r))
	if err != nil {
		h.writeServiceError(w, r, "failed to register tenant", err)
		return
	}
	writeJSON(w, r, http.StatusCreated, t)
}

// HandleTenantOverview handles GET /v1/tenants/{id}. Optional event_type and
// limit narrow the audit trail.
func (h *Handlers) HandleTenantOverview(w http.ResponseWriter, r *http.Request) {
	tenantID, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	ov, err := h.tenants.Overview(r.Context(), tenantID, r.URL.Query().Get("event_type"), limit)
	if err != nil {
		h.writeServiceError(w, r, "failed to load tenant", err)
		return
	}
	writeJSON(w, r, http.StatusOK, ov)
}
