package providers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/malwarebo/mentorpay/models"
	"github.com/malwarebo/mentorpay/utils"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/refund"
	"github.com/stripe/stripe-go/v82/webhook"
)

// ErrAlreadyRefunded is returned when the processor reports the charge as
// refunded already, for example by an operator in the dashboard.
var ErrAlreadyRefunded = errors.New("charge already refunded")

type StripeProvider struct {
	refunds       refund.Client
	webhookSecret string
}

// CreateStripeProvider builds a provider with its own backend. Network
// retries are disabled in the SDK; callers own the retry policy.
func CreateStripeProvider(secretKey, webhookSecret, baseURL string, httpClient *http.Client) *StripeProvider {
	backendCfg := &stripe.BackendConfig{
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelWarn},
	}
	if baseURL != "" {
		backendCfg.URL = stripe.String(baseURL)
	}
	if httpClient != nil {
		backendCfg.HTTPClient = httpClient
	}

	return &StripeProvider{
		refunds: refund.Client{
			B:   stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg),
			Key: secretKey,
		},
		webhookSecret: webhookSecret,
	}
}

// Refund issues a full or partial refund of a payment intent. The
// idempotency key makes repeated calls return the same refund.
func (p *StripeProvider) Refund(ctx context.Context, req *models.RefundRequest) (*models.RefundResponse, error) {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(req.PaymentIntentID),
		Reason:        stripe.String(req.Reason),
	}
	if req.Amount > 0 {
		params.Amount = stripe.Int64(req.Amount)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}
	params.Context = ctx

	ref, err := p.refunds.New(params)
	if err != nil {
		return nil, classifyStripeError("stripe.refund", err)
	}

	return &models.RefundResponse{
		ID:       ref.ID,
		Amount:   ref.Amount,
		Currency: string(ref.Currency),
		Status:   string(ref.Status),
	}, nil
}

// ConstructEvent verifies the Stripe-Signature header against the raw body
// and decodes the event.
func (p *StripeProvider) ConstructEvent(payload []byte, signature string) (stripe.Event, error) {
	if signature == "" {
		return stripe.Event{}, utils.AuthenticationFailure("stripe.webhook", errors.New("missing Stripe-Signature header"))
	}
	event, err := webhook.ConstructEventWithOptions(payload, signature, p.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return stripe.Event{}, utils.AuthenticationFailure("stripe.webhook", err)
	}
	return event, nil
}

func classifyStripeError(op string, err error) error {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return utils.TransientFailure(op, err)
	}

	if stripeErr.Code == stripe.ErrorCodeChargeAlreadyRefunded {
		return &utils.KindError{Kind: utils.KindValidation, Op: op, Err: ErrAlreadyRefunded}
	}

	switch {
	case stripeErr.HTTPStatusCode == http.StatusTooManyRequests,
		stripeErr.HTTPStatusCode == http.StatusConflict,
		stripeErr.HTTPStatusCode >= 500,
		stripeErr.HTTPStatusCode == 0:
		return utils.TransientFailure(op, err)
	case stripeErr.HTTPStatusCode == http.StatusUnauthorized:
		return utils.AuthenticationFailure(op, err)
	default:
		return utils.ValidationFailure(op, "stripe rejected request: %s", stripeErr.Msg)
	}
}

// CheckoutSession is the subset of a checkout session the ingestor reads.
type CheckoutSession struct {
	ID              string
	PaymentIntentID string
	AmountTotal     int64
	Currency        string
	PaymentStatus   string
	CustomerEmail   string
	CustomerName    string
	Metadata        map[string]string
}

func DecodeCheckoutSession(event stripe.Event) (*CheckoutSession, error) {
	if event.Data == nil {
		return nil, utils.ValidationFailure("stripe.webhook", "event %s has no data", event.ID)
	}
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return nil, utils.ValidationFailure("stripe.webhook", "invalid checkout session: %v", err)
	}

	out := &CheckoutSession{
		ID:            session.ID,
		AmountTotal:   session.AmountTotal,
		Currency:      string(session.Currency),
		PaymentStatus: string(session.PaymentStatus),
		Metadata:      session.Metadata,
	}
	if session.PaymentIntent != nil {
		out.PaymentIntentID = session.PaymentIntent.ID
	}
	if session.CustomerDetails != nil {
		out.CustomerEmail = session.CustomerDetails.Email
		out.CustomerName = session.CustomerDetails.Name
	}
	return out, nil
}

// DecodeRefundedCharge returns the payment intent of a charge.refunded event.
func DecodeRefundedCharge(event stripe.Event) (string, error) {
	if event.Data == nil {
		return "", utils.ValidationFailure("stripe.webhook", "event %s has no data", event.ID)
	}
	var charge stripe.Charge
	if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
		return "", utils.ValidationFailure("stripe.webhook", "invalid charge: %v", err)
	}
	if charge.PaymentIntent == nil || charge.PaymentIntent.ID == "" {
		return "", utils.ValidationFailure("stripe.webhook", "charge %s has no payment intent", charge.ID)
	}
	return charge.PaymentIntent.ID, nil
}
