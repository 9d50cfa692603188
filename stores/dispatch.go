package stores

import (
	"context"
	"time"

	"github.com/malwarebo/mentorpay/models"
	"gorm.io/gorm"
)

// retrySchedule is the delay before the n-th redelivery of an outbox event.
var retrySchedule = []time.Duration{
	1 * time.Minute,
	5 * time.Minute,
	30 * time.Minute,
	2 * time.Hour,
	24 * time.Hour,
}

func RetryDelay(attempts int) time.Duration {
	idx := attempts
	if idx < 0 {
		idx = 0
	}
	if idx >= len(retrySchedule) {
		idx = len(retrySchedule) - 1
	}
	return retrySchedule[idx]
}

type DispatchStore struct {
	BaseStore
}

func CreateDispatchStore(db *gorm.DB) *DispatchStore {
	return &DispatchStore{BaseStore: BaseStore{db: db}}
}

// Enqueue adds an outbox event. A second enqueue for the same topic and
// payment is absorbed and reported as false.
func (s *DispatchStore) Enqueue(ctx context.Context, event *models.DispatchEvent) (bool, error) {
	if event.Status == "" {
		event.Status = models.DispatchEventStatusPending
	}
	return s.insertIgnore(ctx, event, "topic", "payment_id")
}

func (s *DispatchStore) GetPendingEvents(ctx context.Context, limit int) ([]*models.DispatchEvent, error) {
	var events []*models.DispatchEvent
	now := time.Now()

	err := s.GetDB(ctx).
		Where("status IN ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?) AND attempts < max_attempts",
			[]string{string(models.DispatchEventStatusPending), string(models.DispatchEventStatusRetrying)}, now).
		Order("created_at ASC").
		Limit(limit).
		Find(&events).Error

	if err != nil {
		return nil, err
	}
	return events, nil
}

// MarkProcessing claims the event for one relay. It returns false when
// another relay claimed it first.
func (s *DispatchStore) MarkProcessing(ctx context.Context, id string) (bool, error) {
	now := time.Now()
	result := s.GetDB(ctx).Model(&models.DispatchEvent{}).
		Where("id = ? AND status IN ?", id,
			[]string{string(models.DispatchEventStatusPending), string(models.DispatchEventStatusRetrying)}).
		Updates(map[string]interface{}{
			"status":          models.DispatchEventStatusProcessing,
			"last_attempt_at": now,
			"attempts":        gorm.Expr("attempts + 1"),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (s *DispatchStore) MarkCompleted(ctx context.Context, id string) error {
	now := time.Now()
	return s.GetDB(ctx).Model(&models.DispatchEvent{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":        models.DispatchEventStatusCompleted,
			"processed_at":  now,
			"error_message": "",
		}).Error
}

// MarkFailed records a failed delivery. attempts is the count after the
// failed delivery; it selects the next slot of the retry schedule.
func (s *DispatchStore) MarkFailed(ctx context.Context, id string, attempts int, errMsg string, scheduleRetry bool) error {
	updates := map[string]interface{}{
		"error_message": errMsg,
	}

	if scheduleRetry {
		updates["status"] = models.DispatchEventStatusRetrying
		updates["next_attempt_at"] = time.Now().Add(RetryDelay(attempts - 1))
	} else {
		updates["status"] = models.DispatchEventStatusFailed
	}

	return s.GetDB(ctx).Model(&models.DispatchEvent{}).Where("id = ?", id).Updates(updates).Error
}

// RequeueStale returns events stuck in processing, for example after a relay
// crashed mid-delivery, to the retrying state. Events that already used
// their last attempt are failed instead so they stay visible to operators.
func (s *DispatchStore) RequeueStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	result := s.GetDB(ctx).Model(&models.DispatchEvent{}).
		Where("status = ? AND last_attempt_at < ?", models.DispatchEventStatusProcessing, cutoff).
		Updates(map[string]interface{}{
			"status": gorm.Expr("CASE WHEN attempts >= max_attempts THEN ? ELSE ? END",
				string(models.DispatchEventStatusFailed), string(models.DispatchEventStatusRetrying)),
			"next_attempt_at": time.Now(),
		})
	return result.RowsAffected, result.Error
}

func (s *DispatchStore) CleanupOld(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	result := s.GetDB(ctx).
		Where("created_at < ? AND status = ?", cutoff, models.DispatchEventStatusCompleted).
		Delete(&models.DispatchEvent{})
	return result.RowsAffected, result.Error
}
