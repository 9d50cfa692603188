package models

import (
	"time"

	"gorm.io/datatypes"
)

type DispatchEventStatus string

const (
	DispatchEventStatusPending    DispatchEventStatus = "pending"
	DispatchEventStatusProcessing DispatchEventStatus = "processing"
	DispatchEventStatusCompleted  DispatchEventStatus = "completed"
	DispatchEventStatusFailed     DispatchEventStatus = "failed"
	DispatchEventStatusRetrying   DispatchEventStatus = "retrying"
)

const TopicPaymentSucceeded = "payment.succeeded"

// DispatchEvent is an outbox row. (topic, payment_id) is unique so a
// duplicate dispatch of the same payment is absorbed.
type DispatchEvent struct {
	ID            string              `json:"id" gorm:"primaryKey;type:uuid;default:gen_random_uuid()"`
	Topic         string              `json:"topic" gorm:"not null;uniqueIndex:idx_dispatch_events_topic_payment"`
	PaymentID     string              `json:"payment_id" gorm:"not null;uniqueIndex:idx_dispatch_events_topic_payment"`
	Payload       datatypes.JSON      `json:"payload" gorm:"type:jsonb;not null"`
	Status        DispatchEventStatus `json:"status" gorm:"not null;default:'pending'"`
	Attempts      int                 `json:"attempts" gorm:"default:0"`
	MaxAttempts   int                 `json:"max_attempts" gorm:"default:5"`
	LastAttemptAt *time.Time          `json:"last_attempt_at"`
	NextAttemptAt *time.Time          `json:"next_attempt_at"`
	ProcessedAt   *time.Time          `json:"processed_at"`
	ErrorMessage  string              `json:"error_message"`
	CreatedAt     time.Time           `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt     time.Time           `json:"updated_at" gorm:"autoUpdateTime"`
}

func (DispatchEvent) TableName() string {
	return "dispatch_events"
}

// PaymentSucceededEvent is the payload handed from the payment webhook to
// the reconciliation worker and any other consumer of the topic.
type PaymentSucceededEvent struct {
	PaymentID         string         `json:"payment_id"`
	PaymentIntentID   string         `json:"payment_intent_id"`
	CheckoutSessionID string         `json:"checkout_session_id"`
	Amount            int64          `json:"amount"`
	Currency          string         `json:"currency"`
	Booking           BookingRequest `json:"booking"`
	OccurredAt        time.Time      `json:"occurred_at"`
}
