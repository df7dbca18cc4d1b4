package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/gov-dx-sandbox/credential-broker/v1/models"
	"github.com/gov-dx-sandbox/credential-broker/v1/services"
	"github.com/gov-dx-sandbox/credential-broker/v1/utils"
)

// ApprovalHandler serves the approval portal endpoints.
type ApprovalHandler struct {
	proxy     *services.ProxyService
	approvals *services.ApprovalService
}

// NewApprovalHandler creates a new approval handler
func NewApprovalHandler(proxy *services.ProxyService, approvals *services.ApprovalService) *ApprovalHandler {
	return &ApprovalHandler{proxy: proxy, approvals: approvals}
}

// Decide handles POST /api/v1/approvals/{requestId}
func (h *ApprovalHandler) Decide(w http.ResponseWriter, r *http.Request) {
	requestID, err := uuid.Parse(chi.URLParam(r, "requestId"))
	if err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "requestId must be a UUID")
		return
	}

	var body models.ApprovalActionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.DecidedBy == "" {
		utils.RespondWithError(w, http.StatusBadRequest, "decidedBy is required")
		return
	}

	approval, err := h.proxy.ResolveApproval(r.Context(), requestID, body.Action, body.DecidedBy)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrApprovalNotFound):
			utils.RespondWithError(w, http.StatusNotFound, "approval not found")
		case errors.Is(err, models.ErrApprovalDecided), errors.Is(err, models.ErrApprovalExpired):
			utils.RespondWithError(w, http.StatusConflict, err.Error())
		case errors.Is(err, models.ErrNotAnApprover):
			utils.RespondWithError(w, http.StatusForbidden, err.Error())
		case errors.Is(err, models.ErrInvalidApprovalAction):
			utils.RespondWithError(w, http.StatusBadRequest, err.Error())
		default:
			slog.Error("Failed to resolve approval", "request_id", requestID, "error", err)
			utils.RespondWithError(w, http.StatusInternalServerError, "internal server error")
		}
		return
	}

	utils.RespondWithJSON(w, http.StatusOK, approvalView(approval))
}

// Get handles GET /api/v1/approvals/{requestId}
func (h *ApprovalHandler) Get(w http.ResponseWriter, r *http.Request) {
	requestID, err := uuid.Parse(chi.URLParam(r, "requestId"))
	if err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "requestId must be a UUID")
		return
	}

	approval, err := h.approvals.Get(r.Context(), requestID)
	if err != nil {
		if errors.Is(err, models.ErrApprovalNotFound) {
			utils.RespondWithError(w, http.StatusNotFound, "approval not found")
			return
		}
		slog.Error("Failed to load approval", "request_id", requestID, "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	utils.RespondWithJSON(w, http.StatusOK, approvalView(approval))
}

func approvalView(a *models.Approval) models.ApprovalView {
	view := models.ApprovalView{
		RequestID: a.RequestID.String(),
		Status:    a.Status,
		Approvers: a.Approvers,
		DecidedBy: a.DecidedBy,
	}
	if a.ExpiresAt != nil {
		formatted := a.ExpiresAt.UTC().Format(time.RFC3339)
		view.ExpiresAt = &formatted
	}
	return view
}
