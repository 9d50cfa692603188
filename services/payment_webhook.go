package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v82"
	"gorm.io/datatypes"

	"github.com/malwarebo/mentorpay/dispatch"
	"github.com/malwarebo/mentorpay/models"
	"github.com/malwarebo/mentorpay/providers"
	"github.com/malwarebo/mentorpay/stores"
	"github.com/malwarebo/mentorpay/utils"
)

const (
	eventCheckoutCompleted      = "checkout.session.completed"
	eventCheckoutAsyncSucceeded = "checkout.session.async_payment_succeeded"
	eventCheckoutAsyncFailed    = "checkout.session.async_payment_failed"
	eventChargeRefunded         = "charge.refunded"

	checkoutPaid = "paid"
)

type PaymentStore interface {
	InsertIfAbsent(ctx context.Context, payment *models.PaymentRecord) (bool, error)
	GetByID(ctx context.Context, id string) (*models.PaymentRecord, error)
	GetByIntentID(ctx context.Context, intentID string) (*models.PaymentRecord, error)
	AdvanceStatus(ctx context.Context, id string, status models.PlatformStatus, fields map[string]interface{}) (bool, error)
	ClaimDispatch(ctx context.Context, id string, now time.Time, lease time.Duration) (bool, error)
	ReleaseDispatch(ctx context.Context, id string) error
	MarkDispatched(ctx context.Context, id string, at time.Time) error
	ListUndispatched(ctx context.Context, olderThan time.Duration, limit int) ([]*models.PaymentRecord, error)
}

type StripeEventVerifier interface {
	ConstructEvent(payload []byte, signature string) (stripe.Event, error)
}

type PaymentWebhookResult struct {
	EventID    string `json:"event_id"`
	EventType  string `json:"event_type"`
	PaymentID  string `json:"payment_id,omitempty"`
	Duplicate  bool   `json:"duplicate,omitempty"`
	Dispatched bool   `json:"dispatched,omitempty"`
	Ignored    bool   `json:"ignored,omitempty"`
}

type PaymentWebhookService struct {
	payments      PaymentStore
	verifier      StripeEventVerifier
	dispatcher    dispatch.Dispatcher
	disputePeriod time.Duration
	dispatchLease time.Duration
	now           func() time.Time
}

const defaultDispatchLease = 5 * time.Minute

func CreatePaymentWebhookService(payments PaymentStore, verifier StripeEventVerifier, dispatcher dispatch.Dispatcher, disputePeriod time.Duration) *PaymentWebhookService {
	if disputePeriod <= 0 {
		disputePeriod = 7 * 24 * time.Hour
	}
	return &PaymentWebhookService{
		payments:      payments,
		verifier:      verifier,
		dispatcher:    dispatcher,
		disputePeriod: disputePeriod,
		dispatchLease: defaultDispatchLease,
		now:           time.Now,
	}
}

// HandleEvent verifies and applies one processor event. Only transient
// errors should make the sender retry.
func (s *PaymentWebhookService) HandleEvent(ctx context.Context, payload []byte, signature string) (*PaymentWebhookResult, error) {
	event, err := s.verifier.ConstructEvent(payload, signature)
	if err != nil {
		return nil, err
	}

	result := &PaymentWebhookResult{EventID: event.ID, EventType: string(event.Type)}

	switch event.Type {
	case eventCheckoutCompleted, eventCheckoutAsyncSucceeded:
		err = s.handleCheckout(ctx, event, result)
	case eventCheckoutAsyncFailed:
		err = s.handleCheckoutFailed(ctx, event, result)
	case eventChargeRefunded:
		err = s.handleChargeRefunded(ctx, event, result)
	default:
		result.Ignored = true
	}
	if err != nil {
		return nil, err
	}

	utils.Info(ctx, "payment webhook processed", map[string]interface{}{
		"event_id":   result.EventID,
		"event_type": result.EventType,
		"payment_id": result.PaymentID,
		"duplicate":  result.Duplicate,
		"dispatched": result.Dispatched,
		"ignored":    result.Ignored,
	})
	return result, nil
}

func (s *PaymentWebhookService) handleCheckout(ctx context.Context, event stripe.Event, result *PaymentWebhookResult) error {
	session, err := providers.DecodeCheckoutSession(event)
	if err != nil {
		return err
	}
	meta, err := parseCheckout(session)
	if err != nil {
		return err
	}

	status := models.PlatformStatusPending
	if session.PaymentStatus == checkoutPaid {
		status = models.PlatformStatusSucceeded
	}

	record := &models.PaymentRecord{
		ExternalPaymentIntentID:   session.PaymentIntentID,
		ExternalCheckoutSessionID: session.ID,
		MentorID:                  meta.booking.MentorID,
		CustomerID:                meta.customerID,
		CustomerEmail:             meta.booking.AttendeeEmail,
		CustomerName:              meta.booking.AttendeeName,
		Amount:                    session.AmountTotal,
		Currency:                  strings.ToLower(session.Currency),
		MentorFee:                 meta.mentorFee,
		PlatformFee:               meta.platformFee,
		MentorPayoutAmount:        meta.payoutAmount,
		PlatformStatus:            status,
		ExternalStatus:            session.PaymentStatus,
		DisputePeriodEnd:          s.now().Add(s.disputePeriod),
		Metadata:                  toJSONMap(session.Metadata),
	}

	inserted, err := s.payments.InsertIfAbsent(ctx, record)
	if err != nil {
		return utils.TransientFailure("payment.insert", err)
	}

	if !inserted {
		result.Duplicate = true
		existing, err := s.payments.GetByIntentID(ctx, session.PaymentIntentID)
		if err != nil {
			return utils.TransientFailure("payment.load", err)
		}
		record = existing

		if status == models.PlatformStatusSucceeded && record.PlatformStatus == models.PlatformStatusPending {
			advanced, err := s.payments.AdvanceStatus(ctx, record.ID, models.PlatformStatusSucceeded, map[string]interface{}{
				"external_status": session.PaymentStatus,
			})
			if err != nil {
				return utils.TransientFailure("payment.advance", err)
			}
			if advanced {
				record.PlatformStatus = models.PlatformStatusSucceeded
			}
		}
	}
	result.PaymentID = record.ID

	// A replay re-dispatches only when the earlier dispatch never completed.
	if record.PlatformStatus != models.PlatformStatusSucceeded || record.DispatchedAt != nil {
		return nil
	}
	sent, err := s.dispatch(ctx, record, meta.booking)
	if err != nil {
		return err
	}
	result.Dispatched = sent
	return nil
}

func (s *PaymentWebhookService) handleCheckoutFailed(ctx context.Context, event stripe.Event, result *PaymentWebhookResult) error {
	session, err := providers.DecodeCheckoutSession(event)
	if err != nil {
		return err
	}
	return s.advanceByIntent(ctx, session.PaymentIntentID, models.PlatformStatusFailed, session.PaymentStatus, result)
}

func (s *PaymentWebhookService) handleChargeRefunded(ctx context.Context, event stripe.Event, result *PaymentWebhookResult) error {
	intentID, err := providers.DecodeRefundedCharge(event)
	if err != nil {
		return err
	}
	return s.advanceByIntent(ctx, intentID, models.PlatformStatusRefunded, "refunded", result)
}

func (s *PaymentWebhookService) advanceByIntent(ctx context.Context, intentID string, status models.PlatformStatus, externalStatus string, result *PaymentWebhookResult) error {
	record, err := s.payments.GetByIntentID(ctx, intentID)
	if errors.Is(err, stores.ErrNotFound) {
		result.Ignored = true
		return nil
	}
	if err != nil {
		return utils.TransientFailure("payment.load", err)
	}
	result.PaymentID = record.ID

	advanced, err := s.payments.AdvanceStatus(ctx, record.ID, status, map[string]interface{}{
		"external_status": externalStatus,
	})
	if err != nil {
		return utils.TransientFailure("payment.advance", err)
	}
	result.Duplicate = !advanced
	return nil
}

// dispatch sends payment.succeeded while holding the row's dispatch lease.
// It reports false when another delivery holds the lease or already sent it.
// A failed stamp leaves the lease in place so replays inside the lease window
// do not send again.
func (s *PaymentWebhookService) dispatch(ctx context.Context, record *models.PaymentRecord, booking models.BookingRequest) (bool, error) {
	claimed, err := s.payments.ClaimDispatch(ctx, record.ID, s.now(), s.dispatchLease)
	if err != nil {
		return false, utils.TransientFailure("payment.claim_dispatch", err)
	}
	if !claimed {
		return false, nil
	}

	event, err := dispatch.NewPaymentSucceeded(&models.PaymentSucceededEvent{
		PaymentID:         record.ID,
		PaymentIntentID:   record.ExternalPaymentIntentID,
		CheckoutSessionID: record.ExternalCheckoutSessionID,
		Amount:            record.Amount,
		Currency:          record.Currency,
		Booking:           booking,
		OccurredAt:        s.now(),
	})
	if err == nil {
		err = s.dispatcher.Dispatch(ctx, event)
	}
	if err != nil {
		if releaseErr := s.payments.ReleaseDispatch(ctx, record.ID); releaseErr != nil {
			utils.LogError(ctx, releaseErr, "failed to release dispatch lease", map[string]interface{}{
				"payment_id": record.ID,
			})
		}
		return false, utils.TransientFailure("payment.dispatch", err)
	}

	if err := s.payments.MarkDispatched(ctx, record.ID, s.now()); err != nil {
		utils.LogError(ctx, err, "failed to stamp dispatched_at", map[string]interface{}{
			"payment_id": record.ID,
		})
	}
	return true, nil
}

// RedispatchPending hands off succeeded payments whose dispatch never
// completed, for example when the processor stopped retrying the webhook.
func (s *PaymentWebhookService) RedispatchPending(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	records, err := s.payments.ListUndispatched(ctx, olderThan, limit)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, record := range records {
		booking, err := BookingFromMetadata(record.Metadata)
		if err != nil {
			utils.LogError(ctx, err, "cannot rebuild booking request for undispatched payment", map[string]interface{}{
				"payment_id": record.ID,
			})
			continue
		}
		ok, err := s.dispatch(ctx, record, booking)
		if err != nil {
			return sent, err
		}
		if ok {
			sent++
		}
	}
	return sent, nil
}

type checkoutMetadata struct {
	booking      models.BookingRequest
	customerID   string
	mentorFee    int64
	platformFee  int64
	payoutAmount int64
}

func parseCheckout(session *providers.CheckoutSession) (*checkoutMetadata, error) {
	md := session.Metadata
	if md == nil {
		md = map[string]string{}
	}

	booking, bookingErrs := parseBookingMetadata(md)
	out := &checkoutMetadata{booking: booking, customerID: md["customer_id"]}

	var mentorFeeErr, platformFeeErr, payoutErr *utils.ValidationError
	out.mentorFee, mentorFeeErr = utils.ParseMinorUnits(md["mentor_fee"], "metadata.mentor_fee")
	out.platformFee, platformFeeErr = utils.ParseMinorUnits(md["platform_fee"], "metadata.platform_fee")
	out.payoutAmount, payoutErr = utils.ParseMinorUnits(md["mentor_payout_amount"], "metadata.mentor_payout_amount")

	results := append(bookingErrs,
		utils.ValidateRequired(session.ID, "id"),
		utils.ValidateRequired(session.PaymentIntentID, "payment_intent"),
		utils.ValidateAmount(session.AmountTotal, "amount_total"),
		utils.ValidateCurrency(session.Currency, "currency"),
		utils.ValidateRequired(out.customerID, "metadata.customer_id"),
		mentorFeeErr,
		platformFeeErr,
		payoutErr,
	)
	if err := utils.Collect(results...); err != nil {
		return nil, fmt.Errorf("invalid checkout session: %w", err)
	}
	return out, nil
}

func parseBookingMetadata(md map[string]string) (models.BookingRequest, []*utils.ValidationError) {
	req := models.BookingRequest{
		MentorID:         md["mentor_id"],
		SchedulingUserID: md["scheduling_user_id"],
		TimeZone:         md["time_zone"],
		AttendeeName:     md["attendee_name"],
		AttendeeEmail:    md["attendee_email"],
		Language:         md["language"],
		Notes:            md["notes"],
	}

	var eventTypeErr, startErr *utils.ValidationError
	req.EventTypeID, eventTypeErr = utils.ParsePositiveInt(md["event_type_id"], "metadata.event_type_id")
	req.StartTime, startErr = utils.ParseTimestamp(md["start_time"], "metadata.start_time")

	return req, []*utils.ValidationError{
		utils.ValidateRequired(req.MentorID, "metadata.mentor_id"),
		utils.ValidateRequired(req.SchedulingUserID, "metadata.scheduling_user_id"),
		utils.ValidateRequired(req.AttendeeName, "metadata.attendee_name"),
		utils.ValidateEmail(req.AttendeeEmail, "metadata.attendee_email"),
		utils.ValidateTimeZone(req.TimeZone, "metadata.time_zone"),
		eventTypeErr,
		startErr,
	}
}

// BookingFromMetadata rebuilds the booking request captured at checkout from
// a stored payment's metadata.
func BookingFromMetadata(metadata datatypes.JSONMap) (models.BookingRequest, error) {
	md := make(map[string]string, len(metadata))
	for k, v := range metadata {
		if s, ok := v.(string); ok {
			md[k] = s
		}
	}
	req, errs := parseBookingMetadata(md)
	if err := utils.Collect(errs...); err != nil {
		return req, fmt.Errorf("invalid stored booking metadata: %w", err)
	}
	return req, nil
}

func toJSONMap(md map[string]string) datatypes.JSONMap {
	out := make(datatypes.JSONMap, len(md))
	for k, v := range md {
		out[k] = v
	}
	return out
}
