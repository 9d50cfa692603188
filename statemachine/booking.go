// Package statemachine governs the legal status transitions of a booking.
package statemachine

import (
	"time"

	"github.com/malwarebo/mentorpay/models"
	"github.com/malwarebo/mentorpay/utils"
)

// InProgressWindow is how far from start_time a session may be started.
const InProgressWindow = 15 * time.Minute

var edges = map[models.BookingStatus][]models.BookingStatus{
	models.BookingStatusPendingPayment: {
		models.BookingStatusConfirmed,
		models.BookingStatusCancelled,
		models.BookingStatusExpired,
		models.BookingStatusRejected,
	},
	models.BookingStatusConfirmed: {
		models.BookingStatusInProgress,
		models.BookingStatusCancelled,
		models.BookingStatusRejected,
		models.BookingStatusNoShow,
	},
	models.BookingStatusInProgress: {
		models.BookingStatusCompleted,
		models.BookingStatusNoShow,
	},
	models.BookingStatusCompleted: {
		models.BookingStatusReviewed,
	},
	models.BookingStatusNoShow: {
		models.BookingStatusCancelled,
	},
}

var terminal = map[models.BookingStatus]bool{
	models.BookingStatusCancelled: true,
	models.BookingStatusExpired:   true,
	models.BookingStatusRejected:  true,
	models.BookingStatusReviewed:  true,
}

// Input carries what the guards need besides the booking itself. Payment is
// the record referenced by the booking's payment_ref, nil when there is none.
type Input struct {
	Payment *models.PaymentRecord
	Now     time.Time
}

func IsTerminal(s models.BookingStatus) bool {
	return terminal[s]
}

func IsKnown(s models.BookingStatus) bool {
	_, ok := edges[s]
	return ok || terminal[s]
}

// Allowed returns the statuses reachable from s in one step.
func Allowed(s models.BookingStatus) []models.BookingStatus {
	return edges[s]
}

func hasEdge(from, to models.BookingStatus) bool {
	for _, next := range edges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Check reports whether booking may move to the requested status. The
// returned error is an invariant violation naming both states.
func Check(booking *models.BookingRecord, to models.BookingStatus, in Input) error {
	from := booking.Status
	if !IsKnown(to) {
		return utils.InvariantViolation("booking.transition", "unknown booking status %q requested from %s", to, from)
	}
	if !hasEdge(from, to) {
		return utils.InvariantViolation("booking.transition", "illegal booking transition from %s to %s", from, to)
	}

	switch to {
	case models.BookingStatusConfirmed:
		if booking.IsFree() {
			return nil
		}
		if in.Payment == nil {
			return utils.InvariantViolation("booking.transition",
				"cannot move booking from %s to %s: linked payment %s not found", from, to, *booking.PaymentRef)
		}
		if in.Payment.PlatformStatus != models.PlatformStatusSucceeded {
			return utils.InvariantViolation("booking.transition",
				"cannot move booking from %s to %s: payment status is %s", from, to, in.Payment.PlatformStatus)
		}
	case models.BookingStatusInProgress:
		now := in.Now
		if now.IsZero() {
			now = time.Now()
		}
		if !withinWindow(now, booking.StartTime) {
			return utils.InvariantViolation("booking.transition",
				"cannot move booking from %s to %s: %s is outside %s of start time %s",
				from, to, now.UTC().Format(time.RFC3339), InProgressWindow, booking.StartTime.UTC().Format(time.RFC3339))
		}
	case models.BookingStatusCompleted:
		// Only reachable from IN_PROGRESS, already enforced by the edge table.
		// Timing is not re-validated here.
	}
	return nil
}

// Transition applies Check and, on success, sets the new status on booking.
func Transition(booking *models.BookingRecord, to models.BookingStatus, in Input) error {
	if err := Check(booking, to, in); err != nil {
		return err
	}
	booking.Status = to
	return nil
}

func withinWindow(now, start time.Time) bool {
	d := now.Sub(start)
	if d < 0 {
		d = -d
	}
	return d <= InProgressWindow
}
