package server

import (
	"errors"
	"net/http"

	"github.com/ashita-ai/sapphire/internal/model"
	"github.com/ashita-ai/sapphire/internal/service/kbagent"
)

// HandleReviewQueue handles GET /v1/kb/review-queue.
func (h *Handlers) HandleReviewQueue(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", kbagent.DefaultQueueLimit)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if limit < 1 || limit > kbagent.MaxQueueLimit {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "limit must be between 1 and 100")
		return
	}

	items, err := h.reviewer.Queue(r.Context(), limit)
	if err != nil {
		h.writeServiceError(w, r, "failed to load review queue", err)
		return
	}
	writeJSON(w, r, http.StatusOK, items)
}

// HandleReviewApprove handles POST /v1/kb/review/{id}/approve.
func (h *Handlers) HandleReviewApprove(w http.ResponseWriter, r *http.Request) {
	scoreID, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	score, err := h.reviewer.Approve(r.Context(), scoreID, actorName(r))
	if err != nil {
		h.writeServiceError(w, r, "failed to approve review", err)
		return
	}
	writeJSON(w, r, http.StatusOK, score)
}

// HandleReviewReject handles POST /v1/kb/review/{id}/reject. The body is
// optional; disable_article defaults to true.
func (h *Handlers) HandleReviewReject(w http.ResponseWriter, r *http.Request) {
	scoreID, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	var req model.ReviewDecisionRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil && !errors.Is(err, errEmptyBody) {
		handleDecodeError(w, r, err)
		return
	}
	disable := true
	if req.DisableArticle != nil {
		disable = *req.DisableArticle
	}

	score, err := h.reviewer.Reject(r.Context(), scoreID, actorName(r), req.Reason, disable)
	if err != nil {
		h.writeServiceError(w, r, "failed to reject review", err)
		return
	}
	writeJSON(w, r, http.StatusOK, score)
}
