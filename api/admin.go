package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/malwarebo/mentorpay/models"
	"github.com/malwarebo/mentorpay/services"
	"github.com/malwarebo/mentorpay/stores"
	"github.com/malwarebo/mentorpay/utils"
)

type SagaOperator interface {
	ListStuck(ctx context.Context, limit int) ([]*models.StuckSaga, error)
	Resume(ctx context.Context, paymentID string, action services.ResumeAction) error
}

type IntegrationReader interface {
	GetIntegration(ctx context.Context, mentorID string) (*models.IntegrationSummary, error)
}

type ResumeRequest struct {
	Action services.ResumeAction `json:"action"`
}

type ResumeResponse struct {
	PaymentID string `json:"payment_id"`
	Action    string `json:"action"`
	Outcome   string `json:"outcome"`
	Message   string `json:"message,omitempty"`
}

type StuckSagasResponse struct {
	Sagas []*models.StuckSaga `json:"sagas"`
	Count int                 `json:"count"`
}

type AdminHandler struct {
	sagas        SagaOperator
	integrations IntegrationReader
}

func CreateAdminHandler(sagas SagaOperator, integrations IntegrationReader) *AdminHandler {
	return &AdminHandler{
		sagas:        sagas,
		integrations: integrations,
	}
}

func (h *AdminHandler) HandleListStuckSagas(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, r, utils.ValidationFailure("admin.stuck", "limit must be an integer"))
			return
		}
		limit = parsed
	}

	sagas, err := h.sagas.ListStuck(r.Context(), clampLimit(limit))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if sagas == nil {
		sagas = []*models.StuckSaga{}
	}

	writeJSON(w, http.StatusOK, StuckSagasResponse{Sagas: sagas, Count: len(sagas)})
}

func (h *AdminHandler) HandleResumeSaga(w http.ResponseWriter, r *http.Request) {
	paymentID := mux.Vars(r)["paymentId"]

	var req ResumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, utils.ValidationFailure("admin.resume", "invalid request body"))
		return
	}

	ctx := r.Context()
	err := h.sagas.Resume(ctx, paymentID, req.Action)

	resp := ResumeResponse{PaymentID: paymentID, Action: string(req.Action)}
	switch {
	case err == nil:
		resp.Outcome = "booked"
	case errors.Is(err, services.ErrBookingRefunded):
		resp.Outcome = "refunded"
		resp.Message = err.Error()
	case errors.Is(err, stores.ErrNotFound):
		writeError(w, r, utils.ErrNotFound)
		return
	case errors.Is(err, services.ErrBookingInFlight):
		writeError(w, r, utils.NewAPIError(http.StatusConflict, "Booking attempt still in flight"))
		return
	default:
		writeError(w, r, err)
		return
	}

	utils.Info(ctx, "saga resumed", map[string]interface{}{
		"payment_id": paymentID,
		"action":     req.Action,
		"outcome":    resp.Outcome,
	})
	writeJSON(w, http.StatusOK, resp)
}

func (h *AdminHandler) HandleGetIntegration(w http.ResponseWriter, r *http.Request) {
	mentorID := mux.Vars(r)["mentorId"]

	summary, err := h.integrations.GetIntegration(utils.WithMentorID(r.Context(), mentorID), mentorID)
	if errors.Is(err, stores.ErrNotFound) {
		writeError(w, r, utils.ErrNotFound)
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, summary)
}
