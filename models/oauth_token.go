package models

import (
	"time"
)

type IntegrationStatus string

const (
	IntegrationStatusActive      IntegrationStatus = "ACTIVE"
	IntegrationStatusNeedsReauth IntegrationStatus = "NEEDS_REAUTH"
)

type TokenState string

const (
	TokenStateValid          TokenState = "VALID"
	TokenStateAccessExpired  TokenState = "ACCESS_EXPIRED"
	TokenStateRefreshExpired TokenState = "REFRESH_EXPIRED"
)

type OAuthTokenRecord struct {
	ID                    string            `json:"id" gorm:"primaryKey;type:uuid;default:gen_random_uuid()"`
	MentorID              string            `json:"mentor_id" gorm:"not null;uniqueIndex"`
	AccessToken           string            `json:"-" gorm:"not null"`
	RefreshToken          string            `json:"-" gorm:"not null"`
	AccessTokenExpiresAt  time.Time         `json:"access_token_expires_at" gorm:"not null"`
	RefreshTokenExpiresAt time.Time         `json:"refresh_token_expires_at" gorm:"not null"`
	ExternalUserID        int64             `json:"external_user_id"`
	ExternalUsername      string            `json:"external_username"`
	IntegrationStatus     IntegrationStatus `json:"integration_status" gorm:"not null;default:'ACTIVE'"`
	IntegrationError      string            `json:"integration_error"`
	CreatedAt             time.Time         `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt             time.Time         `json:"updated_at" gorm:"autoUpdateTime"`
}

func (OAuthTokenRecord) TableName() string {
	return "oauth_token_records"
}

// State classifies the token pair at now. Expiry instants belong to the
// later state.
func (r *OAuthTokenRecord) State(now time.Time) TokenState {
	switch {
	case now.Before(r.AccessTokenExpiresAt):
		return TokenStateValid
	case now.Before(r.RefreshTokenExpiresAt):
		return TokenStateAccessExpired
	default:
		return TokenStateRefreshExpired
	}
}

// TokenPair is a freshly issued access/refresh pair.
type TokenPair struct {
	AccessToken           string
	RefreshToken          string
	AccessTokenExpiresAt  time.Time
	RefreshTokenExpiresAt time.Time
}

// IntegrationSummary is the mentor-facing view of a scheduling integration.
// Tokens are never exposed.
type IntegrationSummary struct {
	MentorID              string            `json:"mentor_id"`
	ExternalUsername      string            `json:"external_username"`
	Status                IntegrationStatus `json:"status"`
	Error                 string            `json:"error,omitempty"`
	TokenState            TokenState        `json:"token_state"`
	AccessTokenExpiresAt  time.Time         `json:"access_token_expires_at"`
	RefreshTokenExpiresAt time.Time         `json:"refresh_token_expires_at"`
}
