package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/malwarebo/mentorpay/models"
	"github.com/malwarebo/mentorpay/observability"
	"github.com/malwarebo/mentorpay/stores"
	"github.com/malwarebo/mentorpay/utils"
)

type TokenStore interface {
	GetByMentorID(ctx context.Context, mentorID string) (*models.OAuthTokenRecord, error)
	Upsert(ctx context.Context, record *models.OAuthTokenRecord) error
	MarkNeedsReauth(ctx context.Context, mentorID, reason string) error
}

type TokenRefresher interface {
	Refresh(ctx context.Context, refreshToken string) (*models.TokenPair, error)
	ForceRefresh(ctx context.Context, externalUserID int64) (*models.TokenPair, error)
}

// RefreshLocker serializes refreshes of one mentor across instances.
type RefreshLocker interface {
	LockWait(ctx context.Context, key string, ttl, poll time.Duration) (func(context.Context) error, error)
}

type RefreshStage string

const (
	RefreshStageNormal RefreshStage = "NORMAL"
	RefreshStageForced RefreshStage = "FORCED"
)

type RefreshAttempt struct {
	Stage RefreshStage
	Err   error
}

// RefreshResult describes how a token was obtained. Attempts is empty when
// the stored token was still valid.
type RefreshResult struct {
	Token    *models.OAuthTokenRecord
	Attempts []RefreshAttempt
}

func (r *RefreshResult) Refreshed() bool {
	for _, a := range r.Attempts {
		if a.Err == nil {
			return true
		}
	}
	return false
}

func (r *RefreshResult) err() error {
	errs := make([]error, 0, len(r.Attempts))
	for _, a := range r.Attempts {
		if a.Err != nil {
			errs = append(errs, fmt.Errorf("%s refresh: %w", a.Stage, a.Err))
		}
	}
	return errors.Join(errs...)
}

type TokenManagerConfig struct {
	CallTimeout time.Duration
	LockTTL     time.Duration
	LockPoll    time.Duration
}

type TokenManager struct {
	store     TokenStore
	refresher TokenRefresher
	locker    RefreshLocker
	cfg       TokenManagerConfig
	flight    singleflight.Group
	now       func() time.Time
}

// CreateTokenManager builds the manager. locker may be nil, in which case
// refreshes are only single-flight within this process.
func CreateTokenManager(store TokenStore, refresher TokenRefresher, locker RefreshLocker, cfg TokenManagerConfig) *TokenManager {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	if cfg.LockPoll <= 0 {
		cfg.LockPoll = 100 * time.Millisecond
	}
	return &TokenManager{
		store:     store,
		refresher: refresher,
		locker:    locker,
		cfg:       cfg,
		now:       time.Now,
	}
}

// AccessToken returns a usable access token for the mentor, refreshing it
// first when needed.
func (m *TokenManager) AccessToken(ctx context.Context, mentorID string) (string, error) {
	record, err := m.load(ctx, mentorID)
	if err != nil {
		return "", err
	}
	if record.State(m.now()) == models.TokenStateValid {
		return record.AccessToken, nil
	}

	result, err := m.Refresh(ctx, mentorID)
	if err != nil {
		return "", err
	}
	return result.Token.AccessToken, nil
}

// Refresh brings the mentor's token back to VALID. Concurrent calls for the
// same mentor share one refresh.
func (m *TokenManager) Refresh(ctx context.Context, mentorID string) (*RefreshResult, error) {
	v, err, shared := m.flight.Do(mentorID, func() (interface{}, error) {
		return m.refresh(ctx, mentorID)
	})
	if shared {
		utils.Debug(ctx, "joined in-flight token refresh", map[string]interface{}{"mentor_id": mentorID})
	}
	result, _ := v.(*RefreshResult)
	return result, err
}

func (m *TokenManager) refresh(ctx context.Context, mentorID string) (result *RefreshResult, err error) {
	ctx, span := observability.StartSpan(ctx, "token.refresh", attribute.String("mentor_id", mentorID))
	defer func() { observability.EndSpan(span, err) }()

	if m.locker != nil {
		unlock, err := m.locker.LockWait(ctx, "oauth:refresh:"+mentorID, m.cfg.LockTTL, m.cfg.LockPoll)
		if err != nil {
			return nil, utils.TransientFailure("token.lock", err)
		}
		defer func() {
			if err := unlock(context.Background()); err != nil {
				utils.LogError(ctx, err, "failed to release refresh lock", map[string]interface{}{"mentor_id": mentorID})
			}
		}()
	}

	// Another holder of the lock may have refreshed already.
	record, err := m.load(ctx, mentorID)
	if err != nil {
		return nil, err
	}

	result = &RefreshResult{Token: record}
	state := record.State(m.now())
	if state == models.TokenStateValid {
		return result, nil
	}

	if state == models.TokenStateAccessExpired {
		pair, err := m.normalRefresh(ctx, record.RefreshToken)
		result.Attempts = append(result.Attempts, RefreshAttempt{Stage: RefreshStageNormal, Err: err})
		if err == nil {
			return m.persist(ctx, result, record, pair)
		}
		utils.Warn(ctx, "normal token refresh rejected, forcing refresh", map[string]interface{}{
			"mentor_id": mentorID,
			"error":     err.Error(),
		})
	}

	pair, err := m.forcedRefresh(ctx, record.ExternalUserID)
	result.Attempts = append(result.Attempts, RefreshAttempt{Stage: RefreshStageForced, Err: err})
	if err != nil {
		terminal := utils.TerminalIntegrationFailure("token.refresh", result.err())
		if markErr := m.store.MarkNeedsReauth(ctx, mentorID, terminal.Error()); markErr != nil {
			utils.LogError(ctx, markErr, "failed to flag integration for re-authorization", map[string]interface{}{
				"mentor_id": mentorID,
			})
		}
		utils.LogError(ctx, terminal, "scheduling integration needs re-authorization", map[string]interface{}{
			"mentor_id": mentorID,
		})
		return result, terminal
	}
	return m.persist(ctx, result, record, pair)
}

func (m *TokenManager) normalRefresh(ctx context.Context, refreshToken string) (*models.TokenPair, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	defer cancel()
	return m.refresher.Refresh(ctx, refreshToken)
}

func (m *TokenManager) forcedRefresh(ctx context.Context, externalUserID int64) (*models.TokenPair, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	defer cancel()
	return m.refresher.ForceRefresh(ctx, externalUserID)
}

func (m *TokenManager) persist(ctx context.Context, result *RefreshResult, record *models.OAuthTokenRecord, pair *models.TokenPair) (*RefreshResult, error) {
	updated := *record
	updated.AccessToken = pair.AccessToken
	updated.RefreshToken = pair.RefreshToken
	updated.AccessTokenExpiresAt = pair.AccessTokenExpiresAt
	updated.RefreshTokenExpiresAt = pair.RefreshTokenExpiresAt
	updated.IntegrationStatus = models.IntegrationStatusActive
	updated.IntegrationError = ""

	if err := m.store.Upsert(ctx, &updated); err != nil {
		return result, utils.TransientFailure("token.persist", err)
	}

	result.Token = &updated
	utils.Info(ctx, "scheduling token refreshed", map[string]interface{}{
		"mentor_id": record.MentorID,
		"stage":     result.Attempts[len(result.Attempts)-1].Stage,
	})
	return result, nil
}

// GetIntegration returns the mentor-facing integration summary.
func (m *TokenManager) GetIntegration(ctx context.Context, mentorID string) (*models.IntegrationSummary, error) {
	record, err := m.load(ctx, mentorID)
	if err != nil {
		return nil, err
	}
	return &models.IntegrationSummary{
		MentorID:              record.MentorID,
		ExternalUsername:      record.ExternalUsername,
		Status:                record.IntegrationStatus,
		Error:                 record.IntegrationError,
		TokenState:            record.State(m.now()),
		AccessTokenExpiresAt:  record.AccessTokenExpiresAt,
		RefreshTokenExpiresAt: record.RefreshTokenExpiresAt,
	}, nil
}

func (m *TokenManager) load(ctx context.Context, mentorID string) (*models.OAuthTokenRecord, error) {
	record, err := m.store.GetByMentorID(ctx, mentorID)
	if errors.Is(err, stores.ErrNotFound) {
		return nil, utils.TerminalIntegrationFailure("token.load", fmt.Errorf("mentor %s has no scheduling integration: %w", mentorID, err))
	}
	if err != nil {
		return nil, utils.TransientFailure("token.load", err)
	}
	return record, nil
}
