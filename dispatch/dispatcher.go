// Package dispatch hands post-payment work to a durable, at-least-once
// channel so webhook responses never wait on slow external calls.
package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/malwarebo/mentorpay/models"
	"github.com/malwarebo/mentorpay/observability"
	"github.com/malwarebo/mentorpay/utils"
)

type Event struct {
	ID         string
	Topic      string
	PaymentID  string
	Payload    json.RawMessage
	Attempt    int
	OccurredAt time.Time
}

// Dispatcher accepts an event for delivery. A nil error means the event is
// durably stored by the channel.
type Dispatcher interface {
	Dispatch(ctx context.Context, event *Event) error
}

// Handler processes one delivery. Returning nil acknowledges it; a retryable
// error schedules redelivery with backoff; any other error parks it.
type Handler func(ctx context.Context, event *Event) error

// Consumer delivers events to a handler until ctx is cancelled.
type Consumer interface {
	Consume(ctx context.Context, handler Handler) error
}

func NewPaymentSucceeded(payload *models.PaymentSucceededEvent) (*Event, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:         uuid.NewString(),
		Topic:      models.TopicPaymentSucceeded,
		PaymentID:  payload.PaymentID,
		Payload:    body,
		Attempt:    1,
		OccurredAt: payload.OccurredAt,
	}, nil
}

func (e *Event) Decode(v interface{}) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return utils.ValidationFailure("dispatch.decode", "invalid %s payload: %v", e.Topic, err)
	}
	return nil
}

type action int

const (
	actionAck action = iota
	actionRetry
	actionPark
)

func (a action) String() string {
	switch a {
	case actionAck:
		return "ack"
	case actionRetry:
		return "retry"
	default:
		return "park"
	}
}

// decide maps a handler result to what the channel does with the delivery.
// attempt is the number of the delivery that just ran.
func decide(err error, attempt, maxAttempts int) action {
	if err == nil {
		return actionAck
	}
	if utils.IsRetryableError(err) && attempt < maxAttempts {
		return actionRetry
	}
	return actionPark
}

func logOutcome(ctx context.Context, event *Event, act action, err error) {
	fields := map[string]interface{}{
		"event_id":   event.ID,
		"topic":      event.Topic,
		"payment_id": event.PaymentID,
		"attempt":    event.Attempt,
		"action":     act.String(),
	}
	observability.IncrementCounter("dispatch_events_total", map[string]string{
		"topic":  event.Topic,
		"action": act.String(),
	})
	switch act {
	case actionAck:
		utils.Debug(ctx, "event handled", fields)
	case actionRetry:
		utils.LogError(ctx, err, "event handler failed, scheduling retry", fields)
	case actionPark:
		utils.LogError(ctx, err, "event handler failed permanently, parking event", fields)
	}
}
