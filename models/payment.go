package models

import (
	"time"

	"gorm.io/datatypes"
)

type PlatformStatus string

const (
	PlatformStatusPending     PlatformStatus = "PENDING"
	PlatformStatusSucceeded   PlatformStatus = "SUCCEEDED"
	PlatformStatusFailed      PlatformStatus = "FAILED"
	PlatformStatusRefunded    PlatformStatus = "REFUNDED"
	PlatformStatusTransferred PlatformStatus = "TRANSFERRED"
)

// platformStatusPredecessors lists, for each status, the statuses a record
// may hold immediately before moving to it. Status never moves backwards.
var platformStatusPredecessors = map[PlatformStatus][]PlatformStatus{
	PlatformStatusPending:     {},
	PlatformStatusSucceeded:   {PlatformStatusPending},
	PlatformStatusFailed:      {PlatformStatusPending, PlatformStatusSucceeded},
	PlatformStatusRefunded:    {PlatformStatusPending, PlatformStatusSucceeded, PlatformStatusFailed},
	PlatformStatusTransferred: {PlatformStatusSucceeded},
}

// Predecessors returns the statuses from which s may be entered.
func (s PlatformStatus) Predecessors() []PlatformStatus {
	return platformStatusPredecessors[s]
}

func (s PlatformStatus) CanAdvanceTo(next PlatformStatus) bool {
	for _, p := range platformStatusPredecessors[next] {
		if p == s {
			return true
		}
	}
	return false
}

// Settled reports whether no further booking work may happen for a payment
// in this status.
func (s PlatformStatus) Settled() bool {
	switch s {
	case PlatformStatusFailed, PlatformStatusRefunded, PlatformStatusTransferred:
		return true
	}
	return false
}

type PaymentRecord struct {
	ID                        string            `json:"id" gorm:"primaryKey;type:uuid;default:gen_random_uuid()"`
	ExternalPaymentIntentID   string            `json:"external_payment_intent_id" gorm:"not null;uniqueIndex"`
	ExternalCheckoutSessionID string            `json:"external_checkout_session_id" gorm:"not null;uniqueIndex"`
	MentorID                  string            `json:"mentor_id" gorm:"not null;index"`
	CustomerID                string            `json:"customer_id" gorm:"not null;index"`
	CustomerEmail             string            `json:"customer_email"`
	CustomerName              string            `json:"customer_name"`
	Amount                    int64             `json:"amount" gorm:"not null"`
	Currency                  string            `json:"currency" gorm:"not null"`
	MentorFee                 int64             `json:"mentor_fee" gorm:"not null"`
	PlatformFee               int64             `json:"platform_fee" gorm:"not null"`
	MentorPayoutAmount        int64             `json:"mentor_payout_amount" gorm:"not null"`
	PlatformStatus            PlatformStatus    `json:"platform_status" gorm:"not null;default:'PENDING'"`
	ExternalStatus            string            `json:"external_status"`
	DisputePeriodEnd          time.Time         `json:"dispute_period_end" gorm:"not null"`
	TransferID                *string           `json:"transfer_id"`
	TransferRetryCount        int               `json:"transfer_retry_count" gorm:"default:0"`
	RefundID                  *string           `json:"refund_id"`
	DispatchedAt              *time.Time        `json:"dispatched_at"`
	DispatchClaimedAt         *time.Time        `json:"dispatch_claimed_at"`
	Metadata                  datatypes.JSONMap `json:"metadata" gorm:"type:jsonb"`
	CreatedAt                 time.Time         `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt                 time.Time         `json:"updated_at" gorm:"autoUpdateTime"`
}

func (PaymentRecord) TableName() string {
	return "payment_records"
}

// BookingRequest is the booking intent captured at checkout and carried in
// the payment metadata.
type BookingRequest struct {
	MentorID         string    `json:"mentor_id"`
	SchedulingUserID string    `json:"scheduling_user_id"`
	EventTypeID      int64     `json:"event_type_id"`
	StartTime        time.Time `json:"start_time"`
	TimeZone         string    `json:"time_zone"`
	AttendeeName     string    `json:"attendee_name"`
	AttendeeEmail    string    `json:"attendee_email"`
	Language         string    `json:"language,omitempty"`
	Notes            string    `json:"notes,omitempty"`
}

type RefundRequest struct {
	PaymentIntentID string
	Amount          int64
	Reason          string
	IdempotencyKey  string
	Metadata        map[string]string
}

type RefundResponse struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Status   string `json:"status"`
}
