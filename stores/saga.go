package stores

import (
	"context"
	"time"

	"github.com/malwarebo/mentorpay/models"
	"gorm.io/gorm"
)

type SagaStore struct {
	BaseStore
}

func CreateSagaStore(db *gorm.DB) *SagaStore {
	return &SagaStore{BaseStore: BaseStore{db: db}}
}

// RecordStep appends step to the payment's log. Each step is written at most
// once; false means it was already recorded, possibly by another consumer.
func (s *SagaStore) RecordStep(ctx context.Context, step *models.SagaStep) (bool, error) {
	return s.insertIgnore(ctx, step, "payment_id", "step")
}

func (s *SagaStore) Steps(ctx context.Context, paymentID string) (models.SagaLog, error) {
	var steps []*models.SagaStep
	err := s.GetDB(ctx).
		Where("payment_id = ?", paymentID).
		Order("created_at ASC").
		Find(&steps).Error
	if err != nil {
		return nil, err
	}
	return models.SagaLog(steps), nil
}

// Reclaim takes over a stale BOOKING_ATTEMPTED claim. It succeeds only if the
// claim is still at attempt, so two operators cannot both re-book.
func (s *SagaStore) Reclaim(ctx context.Context, paymentID string, attempt int) (bool, error) {
	result := s.GetDB(ctx).Model(&models.SagaStep{}).
		Where("payment_id = ? AND step = ? AND attempt = ?", paymentID, models.SagaStepBookingAttempted, attempt).
		Updates(map[string]interface{}{
			"attempt":    gorm.Expr("attempt + 1"),
			"created_at": time.Now(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// ListStuck returns sagas that claimed a booking attempt before cutoff and
// either never recorded its result, or recorded a failure that was never
// compensated.
func (s *SagaStore) ListStuck(ctx context.Context, cutoff time.Time, limit int) ([]*models.StuckSaga, error) {
	var stuck []*models.StuckSaga
	err := s.GetDB(ctx).Raw(`
		SELECT a.payment_id,
		       p.external_payment_intent_id AS payment_intent_id,
		       p.mentor_id,
		       a.created_at AS attempted_at,
		       CASE WHEN r.id IS NULL THEN ? ELSE ? END AS last_step
		FROM saga_steps a
		JOIN payment_records p ON p.id = a.payment_id
		LEFT JOIN saga_steps r ON r.payment_id = a.payment_id AND r.step = ?
		LEFT JOIN saga_steps c ON c.payment_id = a.payment_id AND c.step = ?
		WHERE a.step = ?
		  AND a.created_at < ?
		  AND c.id IS NULL
		  AND (r.id IS NULL OR r.outcome = ?)
		ORDER BY a.created_at ASC
		LIMIT ?`,
		models.SagaStepBookingAttempted, models.SagaStepBookingResult,
		models.SagaStepBookingResult,
		models.SagaStepCompensationResult,
		models.SagaStepBookingAttempted,
		cutoff,
		models.SagaOutcomeFailed,
		limit,
	).Scan(&stuck).Error
	if err != nil {
		return nil, err
	}
	return stuck, nil
}
