package models

import (
	"time"

	"gorm.io/datatypes"
)

type BookingStatus string

const (
	BookingStatusPendingPayment BookingStatus = "PENDING_PAYMENT"
	BookingStatusConfirmed      BookingStatus = "CONFIRMED"
	BookingStatusInProgress     BookingStatus = "IN_PROGRESS"
	BookingStatusCompleted      BookingStatus = "COMPLETED"
	BookingStatusCancelled      BookingStatus = "CANCELLED"
	BookingStatusExpired        BookingStatus = "EXPIRED"
	BookingStatusRejected       BookingStatus = "REJECTED"
	BookingStatusNoShow         BookingStatus = "NO_SHOW"
	BookingStatusReviewed       BookingStatus = "REVIEWED"
)

type BookingRecord struct {
	ID                string         `json:"id" gorm:"primaryKey;type:uuid;default:gen_random_uuid()"`
	ExternalBookingID int64          `json:"external_booking_id" gorm:"not null;uniqueIndex"`
	ExternalUID       string         `json:"external_uid" gorm:"not null;uniqueIndex"`
	Title             string         `json:"title"`
	StartTime         time.Time      `json:"start_time" gorm:"not null"`
	EndTime           time.Time      `json:"end_time" gorm:"not null"`
	Status            BookingStatus  `json:"status" gorm:"not null;default:'PENDING_PAYMENT'"`
	EventTypeID       int64          `json:"event_type_id"`
	PaymentRef        *string        `json:"payment_ref" gorm:"index"`
	Attendees         datatypes.JSON `json:"attendees" gorm:"type:jsonb"`
	Organizer         datatypes.JSON `json:"organizer" gorm:"type:jsonb"`
	RawPayload        datatypes.JSON `json:"raw_payload" gorm:"type:jsonb"`
	CreatedAt         time.Time      `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt         time.Time      `json:"updated_at" gorm:"autoUpdateTime"`
}

func (BookingRecord) TableName() string {
	return "booking_records"
}

// IsFree reports whether the booking was made without a payment.
func (b *BookingRecord) IsFree() bool {
	return b.PaymentRef == nil || *b.PaymentRef == ""
}

type Person struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	TimeZone string `json:"timeZone,omitempty"`
	Language string `json:"language,omitempty"`
}

// CreatedBooking is what the scheduling service returns for a new booking.
type CreatedBooking struct {
	ID     int64  `json:"id"`
	UID    string `json:"uid"`
	Status string `json:"status"`
}
