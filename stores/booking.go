package stores

import (
	"context"

	"github.com/malwarebo/mentorpay/models"
	"gorm.io/gorm"
)

type BookingStore struct {
	BaseStore
}

func CreateBookingStore(db *gorm.DB) *BookingStore {
	return &BookingStore{BaseStore: BaseStore{db: db}}
}

// InsertIfAbsent writes booking unless its external id or uid is already
// known. Both are unique, so any conflict is absorbed.
func (s *BookingStore) InsertIfAbsent(ctx context.Context, booking *models.BookingRecord) (bool, error) {
	return s.insertIgnore(ctx, booking)
}

func (s *BookingStore) GetByUID(ctx context.Context, uid string) (*models.BookingRecord, error) {
	var booking models.BookingRecord
	if err := s.GetDB(ctx).Where("external_uid = ?", uid).First(&booking).Error; err != nil {
		return nil, notFound(err)
	}
	return &booking, nil
}

func (s *BookingStore) GetByExternalID(ctx context.Context, externalID int64) (*models.BookingRecord, error) {
	var booking models.BookingRecord
	if err := s.GetDB(ctx).Where("external_booking_id = ?", externalID).First(&booking).Error; err != nil {
		return nil, notFound(err)
	}
	return &booking, nil
}

func (s *BookingStore) ExistsByPaymentRef(ctx context.Context, paymentID string) (bool, error) {
	var count int64
	err := s.GetDB(ctx).Model(&models.BookingRecord{}).
		Where("payment_ref = ?", paymentID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// UpdateStatus moves the booking from one status to another. The update is
// conditional on the status the caller validated against; false means a
// concurrent delivery changed it first.
func (s *BookingStore) UpdateStatus(ctx context.Context, id string, from, to models.BookingStatus) (bool, error) {
	result := s.GetDB(ctx).Model(&models.BookingRecord{}).
		Where("id = ? AND status = ?", id, from).
		Update("status", to)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}
