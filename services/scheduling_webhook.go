package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/malwarebo/mentorpay/models"
	"github.com/malwarebo/mentorpay/security"
	"github.com/malwarebo/mentorpay/statemachine"
	"github.com/malwarebo/mentorpay/stores"
	"github.com/malwarebo/mentorpay/utils"
)

const (
	TriggerBookingCreated   = "BOOKING_CREATED"
	TriggerBookingCancelled = "BOOKING_CANCELLED"
	TriggerBookingRejected  = "BOOKING_REJECTED"
)

type BookingStore interface {
	InsertIfAbsent(ctx context.Context, booking *models.BookingRecord) (bool, error)
	GetByUID(ctx context.Context, uid string) (*models.BookingRecord, error)
	GetByExternalID(ctx context.Context, externalID int64) (*models.BookingRecord, error)
	UpdateStatus(ctx context.Context, id string, from, to models.BookingStatus) (bool, error)
}

type PaymentLookup interface {
	GetByID(ctx context.Context, id string) (*models.PaymentRecord, error)
}

type schedulingEnvelope struct {
	TriggerEvent string          `json:"triggerEvent"`
	CreatedAt    string          `json:"createdAt"`
	Payload      json.RawMessage `json:"payload"`
}

type schedulingBooking struct {
	BookingID   int64                  `json:"bookingId"`
	UID         string                 `json:"uid"`
	Title       string                 `json:"title"`
	StartTime   string                 `json:"startTime"`
	EndTime     string                 `json:"endTime"`
	EventTypeID int64                  `json:"eventTypeId"`
	Organizer   json.RawMessage        `json:"organizer"`
	Attendees   json.RawMessage        `json:"attendees"`
	Metadata    map[string]interface{} `json:"metadata"`
}

func (b *schedulingBooking) paymentRef() *string {
	v, ok := b.Metadata["payment_id"].(string)
	if !ok || strings.TrimSpace(v) == "" {
		return nil
	}
	return &v
}

type SchedulingWebhookResult struct {
	TriggerEvent string               `json:"trigger_event"`
	BookingID    string               `json:"booking_id,omitempty"`
	Status       models.BookingStatus `json:"status,omitempty"`
	Created      bool                 `json:"created"`
	Ignored      bool                 `json:"ignored,omitempty"`
}

type SchedulingWebhookService struct {
	bookings BookingStore
	payments PaymentLookup
	secret   []byte
	now      func() time.Time
}

func CreateSchedulingWebhookService(bookings BookingStore, payments PaymentLookup, secret string) *SchedulingWebhookService {
	return &SchedulingWebhookService{
		bookings: bookings,
		payments: payments,
		secret:   []byte(secret),
		now:      time.Now,
	}
}

// VerifySignature checks the hex HMAC-SHA256 of the raw body.
func (s *SchedulingWebhookService) VerifySignature(payload []byte, signature string) error {
	if err := security.VerifyWebhookSignature(payload, signature, s.secret); err != nil {
		return utils.AuthenticationFailure("scheduling.webhook", err)
	}
	return nil
}

func (s *SchedulingWebhookService) HandleEvent(ctx context.Context, payload []byte, signature string) (*SchedulingWebhookResult, error) {
	if err := s.VerifySignature(payload, signature); err != nil {
		return nil, err
	}

	var env schedulingEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, utils.ValidationFailure("scheduling.webhook", "invalid payload: %v", err)
	}

	var booking schedulingBooking
	if len(env.Payload) == 0 {
		return nil, utils.ValidationFailure("scheduling.webhook", "missing payload")
	}
	if err := json.Unmarshal(env.Payload, &booking); err != nil {
		return nil, utils.ValidationFailure("scheduling.webhook", "invalid booking payload: %v", err)
	}

	var (
		result *SchedulingWebhookResult
		err    error
	)
	switch env.TriggerEvent {
	case TriggerBookingCreated:
		result, err = s.handleCreated(ctx, &booking, env.Payload)
	case TriggerBookingCancelled:
		result, err = s.handleStatusChange(ctx, &booking, models.BookingStatusCancelled)
	case TriggerBookingRejected:
		result, err = s.handleStatusChange(ctx, &booking, models.BookingStatusRejected)
	default:
		return nil, utils.ValidationFailure("scheduling.webhook", "unsupported triggerEvent %q", env.TriggerEvent)
	}
	if err != nil {
		if utils.IsKind(err, utils.KindInvariant) {
			utils.LogError(ctx, err, "rejected booking transition", map[string]interface{}{
				"trigger_event": env.TriggerEvent,
				"booking_uid":   booking.UID,
			})
		}
		return nil, err
	}

	result.TriggerEvent = env.TriggerEvent
	utils.Info(ctx, "scheduling webhook processed", map[string]interface{}{
		"trigger_event": env.TriggerEvent,
		"booking_uid":   booking.UID,
		"status":        result.Status,
		"created":       result.Created,
	})
	return result, nil
}

func (s *SchedulingWebhookService) handleCreated(ctx context.Context, b *schedulingBooking, raw json.RawMessage) (*SchedulingWebhookResult, error) {
	start, startErr := utils.ParseTimestamp(b.StartTime, "payload.startTime")
	end, endErr := utils.ParseTimestamp(b.EndTime, "payload.endTime")
	var idErr *utils.ValidationError
	if b.BookingID <= 0 {
		idErr = &utils.ValidationError{Field: "payload.bookingId", Message: "must be a positive integer"}
	}
	if err := utils.Collect(idErr, utils.ValidateRequired(b.UID, "payload.uid"), startErr, endErr); err != nil {
		return nil, fmt.Errorf("invalid booking: %w", err)
	}

	record := &models.BookingRecord{
		ExternalBookingID: b.BookingID,
		ExternalUID:       b.UID,
		Title:             b.Title,
		StartTime:         start,
		EndTime:           end,
		Status:            models.BookingStatusPendingPayment,
		EventTypeID:       b.EventTypeID,
		PaymentRef:        b.paymentRef(),
		Attendees:         jsonOrNull(b.Attendees),
		Organizer:         jsonOrNull(b.Organizer),
		RawPayload:        []byte(raw),
	}

	in, err := s.transitionInput(ctx, record)
	if err != nil {
		return nil, err
	}
	if err := statemachine.Transition(record, models.BookingStatusConfirmed, in); err != nil {
		utils.Info(ctx, "booking left pending payment", map[string]interface{}{
			"booking_uid": b.UID,
			"reason":      err.Error(),
		})
	}

	inserted, err := s.bookings.InsertIfAbsent(ctx, record)
	if err != nil {
		return nil, utils.TransientFailure("booking.insert", err)
	}
	if inserted {
		return &SchedulingWebhookResult{BookingID: record.ID, Status: record.Status, Created: true}, nil
	}

	existing, err := s.bookings.GetByExternalID(ctx, b.BookingID)
	if err != nil {
		return nil, utils.TransientFailure("booking.load", err)
	}

	// A replay may arrive after the linked payment settled.
	if existing.Status == models.BookingStatusPendingPayment {
		in, err := s.transitionInput(ctx, existing)
		if err != nil {
			return nil, err
		}
		if statemachine.Check(existing, models.BookingStatusConfirmed, in) == nil {
			if _, err := s.bookings.UpdateStatus(ctx, existing.ID, models.BookingStatusPendingPayment, models.BookingStatusConfirmed); err != nil {
				return nil, utils.TransientFailure("booking.update", err)
			}
			existing.Status = models.BookingStatusConfirmed
		}
	}
	return &SchedulingWebhookResult{BookingID: existing.ID, Status: existing.Status}, nil
}

func (s *SchedulingWebhookService) handleStatusChange(ctx context.Context, b *schedulingBooking, to models.BookingStatus) (*SchedulingWebhookResult, error) {
	existing, err := s.findBooking(ctx, b)
	if errors.Is(err, stores.ErrNotFound) {
		utils.Warn(ctx, "status change for unknown booking", map[string]interface{}{
			"booking_uid": b.UID,
			"booking_id":  b.BookingID,
			"status":      to,
		})
		return &SchedulingWebhookResult{Ignored: true}, nil
	}
	if utils.IsKind(err, utils.KindValidation) {
		return nil, err
	}
	if err != nil {
		return nil, utils.TransientFailure("booking.load", err)
	}

	result := &SchedulingWebhookResult{BookingID: existing.ID, Status: existing.Status}
	if existing.Status == to {
		return result, nil
	}

	from := existing.Status
	if err := statemachine.Transition(existing, to, statemachine.Input{Now: s.now()}); err != nil {
		return nil, err
	}

	updated, err := s.bookings.UpdateStatus(ctx, existing.ID, from, to)
	if err != nil {
		return nil, utils.TransientFailure("booking.update", err)
	}
	if !updated {
		return nil, utils.TransientFailure("booking.update", fmt.Errorf("booking %s changed concurrently", existing.ID))
	}
	result.Status = to
	return result, nil
}

func (s *SchedulingWebhookService) findBooking(ctx context.Context, b *schedulingBooking) (*models.BookingRecord, error) {
	if b.UID != "" {
		return s.bookings.GetByUID(ctx, b.UID)
	}
	if b.BookingID > 0 {
		return s.bookings.GetByExternalID(ctx, b.BookingID)
	}
	return nil, utils.ValidationFailure("scheduling.webhook", "payload has neither uid nor bookingId")
}

func (s *SchedulingWebhookService) transitionInput(ctx context.Context, record *models.BookingRecord) (statemachine.Input, error) {
	in := statemachine.Input{Now: s.now()}
	if record.IsFree() {
		return in, nil
	}

	payment, err := s.payments.GetByID(ctx, *record.PaymentRef)
	if errors.Is(err, stores.ErrNotFound) {
		return in, nil
	}
	if err != nil {
		return in, utils.TransientFailure("payment.load", err)
	}
	in.Payment = payment
	return in, nil
}

func jsonOrNull(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte("null")
	}
	return []byte(raw)
}
