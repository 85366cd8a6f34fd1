package server

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/sapphire/internal/model"
	"github.com/ashita-ai/sapphire/internal/service/ops"
	"github.com/ashita-ai/sapphire/internal/service/training"
	"github.com/ashita-ai/sapphire/internal/storage"
)

// HandleTrainingDataset handles GET /v1/training-dataset. JSONL exports are
// streamed as newline-delimited JSON without the envelope.
func (h *Handlers) HandleTrainingDataset(w http.ResponseWriter, r *http.Request) {
	format, err := model.ParseExportFormat(r.URL.Query().Get("format"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	c := training.DefaultCriteria()
	if c.Limit, err = queryInt(r, "limit", c.Limit); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if c.MinQuality, err = queryInt(r, "min_quality_score", c.MinQuality); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if c.MinConfidence, err = queryFloat(r, "min_confidence", c.MinConfidence); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if err := c.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	export, err := h.training.Export(r.Context(), c, format)
	if err != nil {
		h.writeServiceError(w, r, "failed to export training dataset", err)
		return
	}
	if format == model.ExportJSON {
		writeJSON(w, r, http.StatusOK, export)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Content-Disposition", `attachment; filename="training-dataset.jsonl"`)
	w.WriteHeader(http.StatusOK)
	if err := export.WriteJSONL(w); err != nil {
		// Headers are already sent; the client sees a truncated stream.
		h.logger.Warn("training export stream interrupted", "error", err,
			"request_id", RequestIDFromContext(r.Context()))
	}
}

// HandleMarkUsed handles POST /v1/training-dataset/mark-used.
func (h *Handlers) HandleMarkUsed(w http.ResponseWriter, r *http.Request) {
	var req model.MarkUsedRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if len(req.LogIDs) == 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "log_ids is required")
		return
	}
	if len(req.LogIDs) > training.MaxLimit {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "too many log_ids")
		return
	}

	n, err := h.training.MarkUsed(r.Context(), req.LogIDs)
	if err != nil {
		h.writeServiceError(w, r, "failed to mark logs used", err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]int64{"marked": n})
}

// HandleIntakeMetrics handles GET /v1/ops/metrics/intake.
func (h *Handlers) HandleIntakeMetrics(w http.ResponseWriter, r *http.Request) {
	start, err := queryTime(r, "start")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	end, err := queryTime(r, "end")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	m, err := h.ops.IntakeMetrics(r.Context(), ops.TimeWindow{Start: start, End: end})
	if err != nil {
		h.writeServiceError(w, r, "failed to compute intake metrics", err)
		return
	}
	writeJSON(w, r, http.StatusOK, m)
}

// HandleOpsCases handles GET /v1/ops/cases.
func (h *Handlers) HandleOpsCases(w http.ResponseWriter, r *http.Request) {
	f, err := caseFilter(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	page, err := h.ops.ListCases(r.Context(), f)
	if err != nil {
		h.writeServiceError(w, r, "failed to list cases", err)
		return
	}
	writeJSON(w, r, http.StatusOK, page)
}

func caseFilter(r *http.Request) (storage.CaseFilter, error) {
	q := r.URL.Query()
	var f storage.CaseFilter
	if v := q.Get("status"); v != "" {
		s, err := model.ParseCaseStatus(v)
		if err != nil {
			return f, err
		}
		f.Status = &s
	}
	if v := q.Get("priority"); v != "" {
		p, err := model.ParsePriority(v)
		if err != nil {
			return f, err
		}
		f.Priority = &p
	}
	if v := q.Get("tier"); v != "" {
		t, err := model.ParsePlanTier(v)
		if err != nil {
			return f, err
		}
		f.Tier = &t
	}
	if v := q.Get("tenant_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return f, err
		}
		f.TenantID = &id
	}
	var err error
	if f.Limit, err = queryInt(r, "limit", ops.DefaultCaseLimit); err != nil {
		return f, err
	}
	if f.Offset, err = queryInt(r, "offset", 0); err != nil {
		return f, err
	}
	return f, nil
}

// HandleOpsCaseDetail handles GET /v1/ops/cases/{id}.
func (h *Handlers) HandleOpsCaseDetail(w http.ResponseWriter, r *http.Request) {
	caseID, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	d, err := h.ops.CaseDetail(r.Context(), caseID)
	if err != nil {
		h.writeServiceError(w, r, "failed to load case", err)
		return
	}
	writeJSON(w, r, http.StatusOK, d)
}

// HandleOpsAILog handles GET /v1/ops/ai-logs/{id}, the drill-down target of
// low-confidence alerts.
func (h *Handlers) HandleOpsAILog(w http.ResponseWriter, r *http.Request) {
	logID, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	l, err := h.ops.AILog(r.Context(), logID)
	if err != nil {
		h.writeServiceError(w, r, "failed to load ai log", err)
		return
	}
	writeJSON(w, r, http.StatusOK, l)
}

// HandleOpsAlerts handles GET /v1/ops/alerts.
func (h *Handlers) HandleOpsAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := h.ops.Alerts(r.Context())
	if err != nil {
		h.writeServiceError(w, r, "failed to load alerts", err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

// HandleOpsCaseUpdate handles PATCH /v1/ops/cases/{id}.
func (h *Handlers) HandleOpsCaseUpdate(w http.ResponseWriter, r *http.Request) {
	caseID, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	var req model.OpsCaseUpdateRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	res, err := h.ops.UpdateCase(r.Context(), caseID, ops.CasePatch{
		Status:          req.Status,
		Priority:        req.Priority,
		OwnerIdentityID: req.OwnerIdentityID,
		InternalNotes:   req.InternalNotes,
	}, actorName(r))
	if err != nil {
		h.writeServiceError(w, r, "failed to update case", err)
		return
	}
	writeJSON(w, r, http.StatusOK, res)
}

// HandleOpsEvents handles GET /v1/ops/events (SSE). An optional tenant_id
// narrows the stream to one tenant plus global events.
func (h *Handlers) HandleOpsEvents(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "event stream not available")
		return
	}
	var tenantID *uuid.UUID
	if v := r.URL.Query().Get("tenant_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid tenant_id")
			return
		}
		tenantID = &id
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return
	}

	// Subscribe before the headers go out so no event published after the
	// client sees 200 is missed.
	ch := h.broker.Subscribe(tenantID)
	defer h.broker.Unsubscribe(ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Long-lived connection: lift the server's WriteTimeout.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case frame, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(frame); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
