package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/malwarebo/mentorpay/dispatch"
	"github.com/malwarebo/mentorpay/models"
	"github.com/malwarebo/mentorpay/observability"
	"github.com/malwarebo/mentorpay/providers"
	"github.com/malwarebo/mentorpay/resilience"
	"github.com/malwarebo/mentorpay/stores"
	"github.com/malwarebo/mentorpay/utils"
)

const (
	dependencyScheduling = "scheduling"
	dependencyStripe     = "stripe"

	refundReason = "requested_by_customer"
)

var (
	// ErrBookingRefunded is the outcome of a saga whose booking failed and
	// whose payment was refunded.
	ErrBookingRefunded = errors.New("Failed to create booking, payment has been refunded.")

	ErrBookingInFlight = errors.New("booking attempt already in flight")
	ErrSagaStuck       = errors.New("booking attempt never completed, manual reconciliation required")
)

type SagaLogStore interface {
	RecordStep(ctx context.Context, step *models.SagaStep) (bool, error)
	Steps(ctx context.Context, paymentID string) (models.SagaLog, error)
	Reclaim(ctx context.Context, paymentID string, attempt int) (bool, error)
	ListStuck(ctx context.Context, cutoff time.Time, limit int) ([]*models.StuckSaga, error)
}

type BookingLookup interface {
	ExistsByPaymentRef(ctx context.Context, paymentID string) (bool, error)
}

type AccessTokenSource interface {
	AccessToken(ctx context.Context, mentorID string) (string, error)
}

type BookingCreator interface {
	CreateBooking(ctx context.Context, accessToken string, req models.BookingRequest, paymentID string) (*models.CreatedBooking, error)
}

type RefundIssuer interface {
	Refund(ctx context.Context, req *models.RefundRequest) (*models.RefundResponse, error)
}

// GuardedExecutor runs a call to a named dependency under its circuit
// breaker and a deadline.
type GuardedExecutor interface {
	Execute(ctx context.Context, dependency string, timeout time.Duration, fn func(context.Context) error) error
}

type ResumeAction string

const (
	ResumeRebook ResumeAction = "rebook"
	ResumeRefund ResumeAction = "refund"
)

type ReconciliationConfig struct {
	BookingTimeout time.Duration
	RefundTimeout  time.Duration
	// ClaimTimeout is how long a booking claim may stay without a result
	// before the saga is reported as stuck.
	ClaimTimeout time.Duration
	RefundRetry  resilience.RetryConfig
}

type ReconciliationWorker struct {
	payments PaymentStore
	bookings BookingLookup
	saga     SagaLogStore
	tokens   AccessTokenSource
	creator  BookingCreator
	refunds  RefundIssuer
	executor GuardedExecutor
	cfg      ReconciliationConfig
	now      func() time.Time
}

func CreateReconciliationWorker(
	payments PaymentStore,
	bookings BookingLookup,
	saga SagaLogStore,
	tokens AccessTokenSource,
	creator BookingCreator,
	refunds RefundIssuer,
	executor GuardedExecutor,
	cfg ReconciliationConfig,
) *ReconciliationWorker {
	if cfg.BookingTimeout <= 0 {
		cfg.BookingTimeout = 20 * time.Second
	}
	if cfg.RefundTimeout <= 0 {
		cfg.RefundTimeout = 15 * time.Second
	}
	if cfg.ClaimTimeout <= 0 {
		cfg.ClaimTimeout = 2 * cfg.BookingTimeout
	}
	if cfg.RefundRetry.MaxAttempts <= 0 {
		cfg.RefundRetry = resilience.DefaultRetryConfig()
	}
	return &ReconciliationWorker{
		payments: payments,
		bookings: bookings,
		saga:     saga,
		tokens:   tokens,
		creator:  creator,
		refunds:  refunds,
		executor: executor,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Handle adapts the worker to the dispatch consumer contract. A refunded
// saga is a final outcome and is acknowledged.
func (w *ReconciliationWorker) Handle(ctx context.Context, event *dispatch.Event) error {
	if event.Topic != models.TopicPaymentSucceeded {
		utils.Warn(ctx, "ignoring event with unexpected topic", map[string]interface{}{
			"topic":    event.Topic,
			"event_id": event.ID,
		})
		return nil
	}

	var payload models.PaymentSucceededEvent
	if err := event.Decode(&payload); err != nil {
		return err
	}

	err := w.Process(ctx, &payload)
	if errors.Is(err, ErrBookingRefunded) {
		return nil
	}
	return err
}

// Process turns one succeeded payment into a booking, or refunds it.
// Re-delivery of the same event is safe at every point.
func (w *ReconciliationWorker) Process(ctx context.Context, event *models.PaymentSucceededEvent) (err error) {
	ctx = utils.WithMentorID(ctx, event.Booking.MentorID)
	ctx, span := observability.StartSpan(ctx, "reconcile.process",
		attribute.String("payment_id", event.PaymentID),
		attribute.String("payment_intent_id", event.PaymentIntentID),
	)
	defer func() { observability.EndSpan(span, err) }()

	payment, steps, done, err := w.load(ctx, event.PaymentID)
	if err != nil || done {
		return err
	}

	if result := steps.Get(models.SagaStepBookingResult); result != nil {
		// Booking already failed; only compensation is left.
		return w.compensate(ctx, payment)
	}

	if _, err := w.saga.RecordStep(ctx, &models.SagaStep{
		PaymentID:   payment.ID,
		Step:        models.SagaStepPaymentCaptured,
		Outcome:     models.SagaOutcomeSucceeded,
		ExternalRef: payment.ExternalPaymentIntentID,
	}); err != nil {
		return utils.TransientFailure("reconcile.record", err)
	}

	claimed, err := w.saga.RecordStep(ctx, &models.SagaStep{
		PaymentID: payment.ID,
		Step:      models.SagaStepBookingAttempted,
		Outcome:   models.SagaOutcomePending,
		Attempt:   1,
	})
	if err != nil {
		return utils.TransientFailure("reconcile.claim", err)
	}
	if !claimed {
		return w.claimLost(ctx, payment.ID)
	}

	return w.attempt(ctx, payment, event.Booking)
}

// load returns done=true when the payment needs no further work.
func (w *ReconciliationWorker) load(ctx context.Context, paymentID string) (*models.PaymentRecord, models.SagaLog, bool, error) {
	payment, err := w.payments.GetByID(ctx, paymentID)
	if err != nil {
		// Not found is retried: a replica may not have caught up yet.
		return nil, nil, false, utils.TransientFailure("reconcile.load", err)
	}

	fields := map[string]interface{}{
		"payment_id": payment.ID,
		"status":     payment.PlatformStatus,
	}

	if payment.PlatformStatus.Settled() {
		utils.Info(ctx, "payment already settled, skipping", fields)
		return payment, nil, true, nil
	}

	steps, err := w.saga.Steps(ctx, payment.ID)
	if err != nil {
		return nil, nil, false, utils.TransientFailure("reconcile.steps", err)
	}
	if steps.Has(models.SagaStepCompensationResult) {
		utils.Info(ctx, "payment already compensated, skipping", fields)
		return payment, steps, true, nil
	}
	if r := steps.Get(models.SagaStepBookingResult); r != nil && r.Outcome == models.SagaOutcomeSucceeded {
		utils.Info(ctx, "booking already created, skipping", fields)
		return payment, steps, true, nil
	}

	exists, err := w.bookings.ExistsByPaymentRef(ctx, payment.ID)
	if err != nil {
		return nil, nil, false, utils.TransientFailure("reconcile.bookings", err)
	}
	if exists {
		utils.Info(ctx, "booking record references payment, skipping", fields)
		return payment, steps, true, nil
	}

	return payment, steps, false, nil
}

func (w *ReconciliationWorker) claimLost(ctx context.Context, paymentID string) error {
	steps, err := w.saga.Steps(ctx, paymentID)
	if err != nil {
		return utils.TransientFailure("reconcile.steps", err)
	}

	claim := steps.Get(models.SagaStepBookingAttempted)
	if claim != nil && w.now().Sub(claim.CreatedAt) > w.cfg.ClaimTimeout {
		utils.Error(ctx, "booking claim is stale, parking saga for manual reconciliation", map[string]interface{}{
			"payment_id":   paymentID,
			"attempted_at": claim.CreatedAt,
		})
		return &utils.KindError{Kind: utils.KindInvariant, Op: "reconcile.claim", Err: ErrSagaStuck}
	}
	return utils.TransientFailure("reconcile.claim", ErrBookingInFlight)
}

// attempt makes the single booking call for a claimed saga. Any failure is
// compensated; the call is never retried.
func (w *ReconciliationWorker) attempt(ctx context.Context, payment *models.PaymentRecord, booking models.BookingRequest) error {
	ctx, span := observability.StartSpan(ctx, "reconcile.create_booking")
	created, err := w.createBooking(ctx, payment, booking)
	observability.EndSpan(span, err)

	if err != nil {
		utils.LogError(ctx, err, "booking creation failed, compensating", map[string]interface{}{
			"payment_id": payment.ID,
		})
		if _, recErr := w.saga.RecordStep(ctx, &models.SagaStep{
			PaymentID: payment.ID,
			Step:      models.SagaStepBookingResult,
			Outcome:   models.SagaOutcomeFailed,
			Detail:    err.Error(),
		}); recErr != nil {
			return utils.TransientFailure("reconcile.record", recErr)
		}
		return w.compensate(ctx, payment)
	}

	if _, err := w.saga.RecordStep(ctx, &models.SagaStep{
		PaymentID:   payment.ID,
		Step:        models.SagaStepBookingResult,
		Outcome:     models.SagaOutcomeSucceeded,
		ExternalRef: created.UID,
	}); err != nil {
		return utils.TransientFailure("reconcile.record", err)
	}

	utils.Info(ctx, "booking created", map[string]interface{}{
		"payment_id":  payment.ID,
		"booking_uid": created.UID,
		"booking_id":  created.ID,
	})
	return nil
}

func (w *ReconciliationWorker) createBooking(ctx context.Context, payment *models.PaymentRecord, booking models.BookingRequest) (*models.CreatedBooking, error) {
	token, err := w.tokens.AccessToken(ctx, payment.MentorID)
	if err != nil {
		return nil, err
	}

	var created *models.CreatedBooking
	err = w.executor.Execute(ctx, dependencyScheduling, w.cfg.BookingTimeout, func(ctx context.Context) error {
		var callErr error
		created, callErr = w.creator.CreateBooking(ctx, token, booking, payment.ID)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// compensate refunds the payment in full. It is safe to repeat: the
// processor idempotency key returns the first refund.
func (w *ReconciliationWorker) compensate(ctx context.Context, payment *models.PaymentRecord) (err error) {
	ctx, span := observability.StartSpan(ctx, "reconcile.compensate", attribute.String("payment_id", payment.ID))
	defer func() {
		if errors.Is(err, ErrBookingRefunded) {
			observability.EndSpan(span, nil)
			return
		}
		observability.EndSpan(span, err)
	}()

	req := &models.RefundRequest{
		PaymentIntentID: payment.ExternalPaymentIntentID,
		Reason:          refundReason,
		IdempotencyKey:  "refund-" + payment.ExternalPaymentIntentID,
		Metadata:        map[string]string{"payment_id": payment.ID},
	}

	var refund *models.RefundResponse
	result, err := resilience.Retry(ctx, w.cfg.RefundRetry, func(ctx context.Context, attempt int) error {
		return w.executor.Execute(ctx, dependencyStripe, w.cfg.RefundTimeout, func(ctx context.Context) error {
			resp, callErr := w.refunds.Refund(ctx, req)
			if callErr != nil {
				return callErr
			}
			refund = resp
			return nil
		})
	})

	refundID, detail := "", ""
	switch {
	case errors.Is(err, providers.ErrAlreadyRefunded):
		utils.Warn(ctx, "payment was already refunded at the processor", map[string]interface{}{
			"payment_id": payment.ID,
		})
	case err != nil:
		utils.LogError(ctx, err, "compensating refund failed", map[string]interface{}{
			"payment_id": payment.ID,
			"attempts":   result.Attempts,
		})
		return fmt.Errorf("compensating refund for payment %s: %w", payment.ID, err)
	default:
		refundID = refund.ID
		detail = fmt.Sprintf("refunded %d %s", refund.Amount, refund.Currency)
	}

	if _, err := w.saga.RecordStep(ctx, &models.SagaStep{
		PaymentID:   payment.ID,
		Step:        models.SagaStepCompensationResult,
		Outcome:     models.SagaOutcomeSucceeded,
		Detail:      detail,
		ExternalRef: refundID,
	}); err != nil {
		return utils.TransientFailure("reconcile.record", err)
	}

	fields := map[string]interface{}{}
	if refundID != "" {
		fields["refund_id"] = refundID
	}
	if _, err := w.payments.AdvanceStatus(ctx, payment.ID, models.PlatformStatusFailed, fields); err != nil {
		return utils.TransientFailure("reconcile.advance", err)
	}

	utils.Info(ctx, "payment refunded after failed booking", map[string]interface{}{
		"payment_id": payment.ID,
		"refund_id":  refundID,
	})
	return ErrBookingRefunded
}

// ListStuck returns sagas whose booking claim is older than the claim
// timeout and that never reached a final outcome.
func (w *ReconciliationWorker) ListStuck(ctx context.Context, limit int) ([]*models.StuckSaga, error) {
	if limit <= 0 {
		limit = 100
	}
	return w.saga.ListStuck(ctx, w.now().Add(-w.cfg.ClaimTimeout), limit)
}

// Resume settles a stuck saga by operator decision: rebook takes over the
// stale claim and makes one more booking attempt, refund gives up on the
// booking and compensates.
func (w *ReconciliationWorker) Resume(ctx context.Context, paymentID string, action ResumeAction) (err error) {
	ctx, span := observability.StartSpan(ctx, "reconcile.resume",
		attribute.String("payment_id", paymentID),
		attribute.String("action", string(action)),
	)
	defer func() { observability.EndSpan(span, err) }()

	if action != ResumeRebook && action != ResumeRefund {
		return utils.ValidationFailure("reconcile.resume", "unknown action %q", action)
	}

	payment, steps, done, err := w.load(ctx, paymentID)
	if err != nil {
		return err
	}
	if done {
		return utils.InvariantViolation("reconcile.resume", "payment %s needs no reconciliation", paymentID)
	}

	utils.Warn(ctx, "resuming saga by operator request", map[string]interface{}{
		"payment_id": paymentID,
		"action":     action,
	})

	if steps.Has(models.SagaStepBookingResult) {
		if action == ResumeRebook {
			return utils.InvariantViolation("reconcile.resume", "payment %s booking already failed, only refund is allowed", paymentID)
		}
		return w.compensate(ctx, payment)
	}

	claim := steps.Get(models.SagaStepBookingAttempted)
	if claim == nil {
		return utils.InvariantViolation("reconcile.resume", "payment %s has no booking attempt to resume", paymentID)
	}
	if w.now().Sub(claim.CreatedAt) <= w.cfg.ClaimTimeout {
		return utils.TransientFailure("reconcile.resume", ErrBookingInFlight)
	}

	switch action {
	case ResumeRefund:
		if _, err := w.saga.RecordStep(ctx, &models.SagaStep{
			PaymentID: payment.ID,
			Step:      models.SagaStepBookingResult,
			Outcome:   models.SagaOutcomeFailed,
			Detail:    "abandoned by operator",
		}); err != nil {
			return utils.TransientFailure("reconcile.record", err)
		}
		return w.compensate(ctx, payment)
	default:
		booking, err := BookingFromMetadata(payment.Metadata)
		if err != nil {
			return err
		}
		reclaimed, err := w.saga.Reclaim(ctx, payment.ID, claim.Attempt)
		if err != nil {
			return utils.TransientFailure("reconcile.claim", err)
		}
		if !reclaimed {
			return utils.TransientFailure("reconcile.claim", ErrBookingInFlight)
		}
		return w.attempt(ctx, payment, booking)
	}
}

var _ GuardedExecutor = (*resilience.Executor)(nil)
var _ SagaLogStore = (*stores.SagaStore)(nil)
