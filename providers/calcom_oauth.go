package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/malwarebo/mentorpay/models"
	"github.com/malwarebo/mentorpay/utils"
	"golang.org/x/oauth2"
)

// DefaultRefreshTokenTTL is assumed when the token endpoint does not report
// the lifetime of a newly issued refresh token.
const DefaultRefreshTokenTTL = 365 * 24 * time.Hour

// OAuthClient refreshes mentor tokens against the scheduling service, either
// with the mentor's own refresh token or, as a privileged fallback, with the
// platform's client credentials.
type OAuthClient struct {
	scheduling   *SchedulingClient
	oauth        oauth2.Config
	clientID     string
	clientSecret string
	httpClient   *http.Client
	now          func() time.Time
}

func CreateOAuthClient(scheduling *SchedulingClient, clientID, clientSecret, tokenURL string) *OAuthClient {
	return &OAuthClient{
		scheduling: scheduling,
		oauth: oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  tokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		clientID:     clientID,
		clientSecret: clientSecret,
		httpClient:   scheduling.httpClient,
		now:          time.Now,
	}
}

// Refresh runs the refresh_token grant with the mentor's stored token.
func (c *OAuthClient) Refresh(ctx context.Context, refreshToken string) (*models.TokenPair, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)

	src := c.oauth.TokenSource(ctx, &oauth2.Token{
		RefreshToken: refreshToken,
		Expiry:       time.Unix(1, 0),
	})
	tok, err := src.Token()
	if err != nil {
		return nil, classifyOAuthError("oauth.refresh", err)
	}

	now := c.now()
	pair := &models.TokenPair{
		AccessToken:           tok.AccessToken,
		RefreshToken:          tok.RefreshToken,
		AccessTokenExpiresAt:  tok.Expiry,
		RefreshTokenExpiresAt: now.Add(DefaultRefreshTokenTTL),
	}
	if pair.RefreshToken == "" {
		pair.RefreshToken = refreshToken
	}
	if secs, ok := tok.Extra("refresh_token_expires_in").(float64); ok && secs > 0 {
		pair.RefreshTokenExpiresAt = now.Add(time.Duration(secs) * time.Second)
	}
	if pair.AccessTokenExpiresAt.IsZero() {
		return nil, utils.TransientFailure("oauth.refresh", errors.New("token response missing expiry"))
	}
	return pair, nil
}

type forceRefreshData struct {
	AccessToken           string `json:"accessToken"`
	RefreshToken          string `json:"refreshToken"`
	AccessTokenExpiresAt  int64  `json:"accessTokenExpiresAt"`
	RefreshTokenExpiresAt int64  `json:"refreshTokenExpiresAt"`
}

// ForceRefresh reissues both tokens for a managed user using the platform
// client credentials. It does not need the mentor's refresh token.
func (c *OAuthClient) ForceRefresh(ctx context.Context, externalUserID int64) (*models.TokenPair, error) {
	headers := http.Header{}
	headers.Set("x-cal-client-id", c.clientID)
	headers.Set("x-cal-secret-key", c.clientSecret)

	path := fmt.Sprintf("/v2/oauth-clients/%s/users/%d/force-refresh", c.clientID, externalUserID)
	data, err := c.scheduling.doRequest(ctx, "oauth.force_refresh", http.MethodPost, path, headers, nil)
	if err != nil {
		return nil, err
	}

	var out forceRefreshData
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, utils.TransientFailure("oauth.force_refresh", fmt.Errorf("failed to decode tokens: %w", err))
	}
	if out.AccessToken == "" || out.RefreshToken == "" {
		return nil, utils.TransientFailure("oauth.force_refresh", errors.New("token response missing tokens"))
	}

	return &models.TokenPair{
		AccessToken:           out.AccessToken,
		RefreshToken:          out.RefreshToken,
		AccessTokenExpiresAt:  time.UnixMilli(out.AccessTokenExpiresAt),
		RefreshTokenExpiresAt: time.UnixMilli(out.RefreshTokenExpiresAt),
	}, nil
}

func classifyOAuthError(op string, err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
		status := retrieveErr.Response.StatusCode
		if status == http.StatusTooManyRequests || status >= 500 {
			return utils.TransientFailure(op, err)
		}
		return utils.AuthenticationFailure(op, err)
	}
	return utils.TransientFailure(op, err)
}
