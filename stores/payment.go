package stores

import (
	"context"
	"time"

	"github.com/malwarebo/mentorpay/models"
	"gorm.io/gorm"
)

type PaymentStore struct {
	BaseStore
}

func CreatePaymentStore(db *gorm.DB) *PaymentStore {
	return &PaymentStore{BaseStore: BaseStore{db: db}}
}

// InsertIfAbsent writes payment unless a record with the same payment intent
// already exists. It returns false on replay.
func (s *PaymentStore) InsertIfAbsent(ctx context.Context, payment *models.PaymentRecord) (bool, error) {
	return s.insertIgnore(ctx, payment, "external_payment_intent_id")
}

func (s *PaymentStore) GetByID(ctx context.Context, id string) (*models.PaymentRecord, error) {
	var payment models.PaymentRecord
	if err := s.GetDB(ctx).First(&payment, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &payment, nil
}

func (s *PaymentStore) GetByIntentID(ctx context.Context, intentID string) (*models.PaymentRecord, error) {
	var payment models.PaymentRecord
	if err := s.GetDB(ctx).Where("external_payment_intent_id = ?", intentID).First(&payment).Error; err != nil {
		return nil, notFound(err)
	}
	return &payment, nil
}

// AdvanceStatus moves the payment to status only if its current status is an
// allowed predecessor. It returns false when the row was already past that
// point, which callers treat as an idempotent no-op.
func (s *PaymentStore) AdvanceStatus(ctx context.Context, id string, status models.PlatformStatus, fields map[string]interface{}) (bool, error) {
	preds := status.Predecessors()
	if len(preds) == 0 {
		return false, nil
	}

	updates := map[string]interface{}{"platform_status": status}
	for k, v := range fields {
		updates[k] = v
	}

	result := s.GetDB(ctx).Model(&models.PaymentRecord{}).
		Where("id = ? AND platform_status IN ?", id, preds).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (s *PaymentStore) MarkDispatched(ctx context.Context, id string, at time.Time) error {
	return s.GetDB(ctx).Model(&models.PaymentRecord{}).
		Where("id = ? AND dispatched_at IS NULL", id).
		Update("dispatched_at", at).Error
}

// ClaimDispatch takes a dispatch lease on an undispatched payment. Only one
// caller gets true until the lease expires or is released.
func (s *PaymentStore) ClaimDispatch(ctx context.Context, id string, now time.Time, lease time.Duration) (bool, error) {
	result := s.GetDB(ctx).Model(&models.PaymentRecord{}).
		Where("id = ? AND dispatched_at IS NULL AND (dispatch_claimed_at IS NULL OR dispatch_claimed_at < ?)",
			id, now.Add(-lease)).
		Update("dispatch_claimed_at", now)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (s *PaymentStore) ReleaseDispatch(ctx context.Context, id string) error {
	return s.GetDB(ctx).Model(&models.PaymentRecord{}).
		Where("id = ? AND dispatched_at IS NULL", id).
		Update("dispatch_claimed_at", gorm.Expr("NULL")).Error
}

func (s *PaymentStore) ListUndispatched(ctx context.Context, olderThan time.Duration, limit int) ([]*models.PaymentRecord, error) {
	var payments []*models.PaymentRecord
	err := s.GetDB(ctx).
		Where("dispatched_at IS NULL AND platform_status = ? AND created_at < ?",
			models.PlatformStatusSucceeded, time.Now().Add(-olderThan)).
		Order("created_at ASC").
		Limit(limit).
		Find(&payments).Error
	if err != nil {
		return nil, err
	}
	return payments, nil
}
