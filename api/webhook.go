package api

import (
	"context"
	"net/http"
	"time"

	"github.com/malwarebo/mentorpay/services"
	"github.com/malwarebo/mentorpay/utils"
)

const (
	stripeSignatureHeader     = "Stripe-Signature"
	schedulingSignatureHeader = "X-Cal-Signature-256"
)

type PaymentWebhookProcessor interface {
	HandleEvent(ctx context.Context, payload []byte, signature string) (*services.PaymentWebhookResult, error)
}

type SchedulingWebhookProcessor interface {
	HandleEvent(ctx context.Context, payload []byte, signature string) (*services.SchedulingWebhookResult, error)
}

type WebhookResponse struct {
	Received  bool        `json:"received"`
	Result    interface{} `json:"result,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

type WebhookHandler struct {
	payments   PaymentWebhookProcessor
	scheduling SchedulingWebhookProcessor
}

func CreateWebhookHandler(payments PaymentWebhookProcessor, scheduling SchedulingWebhookProcessor) *WebhookHandler {
	return &WebhookHandler{
		payments:   payments,
		scheduling: scheduling,
	}
}

// HandleStripeWebhook acknowledges with 200 once the payment is durably
// recorded and dispatched. Any 5xx makes Stripe redeliver the event.
func (h *WebhookHandler) HandleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := readBody(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	signature := r.Header.Get(stripeSignatureHeader)
	if signature == "" {
		writeError(w, r, utils.ErrWebhookInvalidSignature)
		return
	}

	result, err := h.payments.HandleEvent(r.Context(), payload, signature)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, WebhookResponse{
		Received:  true,
		Result:    result,
		Timestamp: time.Now(),
	})
}

func (h *WebhookHandler) HandleSchedulingWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := readBody(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	signature := r.Header.Get(schedulingSignatureHeader)
	if signature == "" {
		writeError(w, r, utils.ErrWebhookInvalidSignature)
		return
	}

	result, err := h.scheduling.HandleEvent(r.Context(), payload, signature)
	if err != nil {
		writeError(w, r, err)
		return
	}

	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, WebhookResponse{
		Received:  true,
		Result:    result,
		Timestamp: time.Now(),
	})
}
