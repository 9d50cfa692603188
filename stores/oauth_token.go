package stores

import (
	"context"

	"github.com/malwarebo/mentorpay/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type OAuthTokenStore struct {
	BaseStore
}

func CreateOAuthTokenStore(db *gorm.DB) *OAuthTokenStore {
	return &OAuthTokenStore{BaseStore: BaseStore{db: db}}
}

func (s *OAuthTokenStore) GetByMentorID(ctx context.Context, mentorID string) (*models.OAuthTokenRecord, error) {
	var record models.OAuthTokenRecord
	if err := s.GetDB(ctx).Where("mentor_id = ?", mentorID).First(&record).Error; err != nil {
		return nil, notFound(err)
	}
	return &record, nil
}

// Upsert keeps exactly one row per mentor. A successful write also clears
// any previous re-authorization flag.
func (s *OAuthTokenStore) Upsert(ctx context.Context, record *models.OAuthTokenRecord) error {
	record.IntegrationStatus = models.IntegrationStatusActive
	record.IntegrationError = ""

	return s.GetDB(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "mentor_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"access_token",
			"refresh_token",
			"access_token_expires_at",
			"refresh_token_expires_at",
			"external_user_id",
			"external_username",
			"integration_status",
			"integration_error",
			"updated_at",
		}),
	}).Create(record).Error
}

// MarkNeedsReauth flags the integration without touching the stored tokens.
func (s *OAuthTokenStore) MarkNeedsReauth(ctx context.Context, mentorID, reason string) error {
	return s.GetDB(ctx).Model(&models.OAuthTokenRecord{}).
		Where("mentor_id = ?", mentorID).
		Updates(map[string]interface{}{
			"integration_status": models.IntegrationStatusNeedsReauth,
			"integration_error":  reason,
		}).Error
}
