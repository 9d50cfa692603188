package models

import (
	"time"
)

type SagaStepName string

const (
	SagaStepPaymentCaptured    SagaStepName = "PAYMENT_CAPTURED"
	SagaStepBookingAttempted   SagaStepName = "BOOKING_ATTEMPTED"
	SagaStepBookingResult      SagaStepName = "BOOKING_RESULT"
	SagaStepCompensationResult SagaStepName = "COMPENSATION_RESULT"
)

type SagaOutcome string

const (
	SagaOutcomeSucceeded SagaOutcome = "SUCCEEDED"
	SagaOutcomeFailed    SagaOutcome = "FAILED"
	SagaOutcomePending   SagaOutcome = "PENDING"
)

// SagaStep is one entry of the booking saga log. (payment_id, step) is
// unique, so each step is written at most once per payment.
type SagaStep struct {
	ID          string       `json:"id" gorm:"primaryKey;type:uuid;default:gen_random_uuid()"`
	PaymentID   string       `json:"payment_id" gorm:"not null;uniqueIndex:idx_saga_steps_payment_step"`
	Step        SagaStepName `json:"step" gorm:"not null;uniqueIndex:idx_saga_steps_payment_step"`
	Outcome     SagaOutcome  `json:"outcome" gorm:"not null"`
	Detail      string       `json:"detail"`
	ExternalRef string       `json:"external_ref"`
	Attempt     int          `json:"attempt" gorm:"not null;default:1"`
	CreatedAt   time.Time    `json:"created_at" gorm:"autoCreateTime"`
}

func (SagaStep) TableName() string {
	return "saga_steps"
}

// SagaLog is the ordered step log of one payment.
type SagaLog []*SagaStep

func (l SagaLog) Get(step SagaStepName) *SagaStep {
	for _, s := range l {
		if s.Step == step {
			return s
		}
	}
	return nil
}

func (l SagaLog) Has(step SagaStepName) bool {
	return l.Get(step) != nil
}

// StuckSaga is a payment whose booking attempt was claimed but never
// produced a result.
type StuckSaga struct {
	PaymentID       string    `json:"payment_id"`
	PaymentIntentID string    `json:"payment_intent_id"`
	MentorID        string    `json:"mentor_id"`
	AttemptedAt     time.Time `json:"attempted_at"`
	LastStep        string    `json:"last_step"`
}
