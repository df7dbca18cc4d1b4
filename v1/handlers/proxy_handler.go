package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/gov-dx-sandbox/credential-broker/v1/models"
	"github.com/gov-dx-sandbox/credential-broker/v1/services"
	"github.com/gov-dx-sandbox/credential-broker/v1/utils"
	"github.com/gov-dx-sandbox/credential-broker/v1/validation"
)

// ProxyHandler serves the application-facing proxy endpoints.
type ProxyHandler struct {
	proxy   *services.ProxyService
	records *services.RecordService
}

// NewProxyHandler creates a new proxy handler
func NewProxyHandler(proxy *services.ProxyService, records *services.RecordService) *ProxyHandler {
	return &ProxyHandler{proxy: proxy, records: records}
}

// Submit handles POST /api/v1/proxy
func (h *ProxyHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req models.ProxyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	outcome, err := h.proxy.Submit(r.Context(), &req)
	if err != nil {
		switch {
		case errors.Is(err, validation.ErrMissingFields), errors.Is(err, validation.ErrExpiredTimestamp):
			utils.RespondWithError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, validation.ErrInvalidSignature):
			utils.RespondWithError(w, http.StatusUnauthorized, err.Error())
		case errors.Is(err, services.ErrQueueUnavailable):
			utils.RespondWithError(w, http.StatusInternalServerError, services.ErrQueueUnavailable.Error())
		default:
			slog.Error("Proxy submission failed", "error", err)
			utils.RespondWithError(w, http.StatusInternalServerError, "internal server error")
		}
		return
	}

	if outcome.Status == models.RecordStatusDenied {
		utils.RespondWithJSON(w, http.StatusForbidden, models.ProxySubmitResponse{
			Success:   false,
			Status:    models.RecordStatusDenied,
			RequestID: outcome.RequestID.String(),
			Message:   outcome.Reason,
			PolicyID:  outcome.PolicyID,
		})
		return
	}

	utils.RespondWithJSON(w, http.StatusAccepted, models.ProxySubmitResponse{
		Success:   true,
		Status:    outcome.Status,
		RequestID: outcome.RequestID.String(),
		PolicyID:  outcome.PolicyID,
	})
}

// Status handles GET /api/v1/proxy/status/{requestId}
func (h *ProxyHandler) Status(w http.ResponseWriter, r *http.Request) {
	requestID, err := uuid.Parse(chi.URLParam(r, "requestId"))
	if err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "requestId must be a UUID")
		return
	}

	record, err := h.records.Get(r.Context(), requestID)
	if err != nil {
		if errors.Is(err, models.ErrRecordNotFound) {
			utils.RespondWithError(w, http.StatusNotFound, "request not found")
			return
		}
		slog.Error("Failed to load request record", "request_id", requestID, "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	response := models.ProxyStatusResponse{Success: true, Status: record.Status}
	if record.IsTerminal() {
		response.Result = record.ResponseData
	}
	utils.RespondWithJSON(w, http.StatusOK, response)
}
