// Package sync reconciles Strava activity data into local storage. It has
// two entry points, the user-triggered pull sync and the webhook handler,
// which converge on the same idempotent upsert.
package sync

import (
	"context"
	"fmt"
	"time"

	"example.com/ridesync/internal/domain"
	"example.com/ridesync/internal/strava"
)

// expiryBuffer treats tokens expiring inside this window as already
// expired, so the fetch that immediately follows never races the expiry.
const expiryBuffer = 5 * time.Minute

// TokenStore persists per-user Strava credentials.
type TokenStore interface {
	// GetCredentials returns nil when the user has never connected.
	GetCredentials(ctx context.Context, userID string) (*domain.Credentials, error)
	// SaveCredentials replaces the stored credential set.
	SaveCredentials(ctx context.Context, userID string, creds domain.Credentials) error
	// ClearCredentials nulls the credential columns, leaving activities alone.
	ClearCredentials(ctx context.Context, userID string) error
}

// TokenRefresher is the slice of the Strava client the manager needs.
type TokenRefresher interface {
	RefreshToken(ctx context.Context, refreshToken string) (*strava.TokenGrant, error)
}

// TokenManager hands out currently-valid access tokens, refreshing and
// persisting rotated credentials when the stored one is near expiry.
// Concurrent refreshes for the same user are last-write-wins; Strava
// serializes refreshes on its side, so both writers land a valid pair.
type TokenManager struct {
	store     TokenStore
	refresher TokenRefresher
	now       func() time.Time
}

// NewTokenManager constructs a TokenManager.
func NewTokenManager(store TokenStore, refresher TokenRefresher) *TokenManager {
	return &TokenManager{store: store, refresher: refresher, now: time.Now}
}

// AccessToken returns a valid access token for the user, refreshing first
// when the stored token expires within the buffer. A failed refresh leaves
// the stored credentials untouched and returns domain.ErrRefreshFailed.
func (m *TokenManager) AccessToken(ctx context.Context, userID string) (string, error) {
	creds, err := m.store.GetCredentials(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("load credentials: %w", err)
	}
	if !creds.Connected() {
		return "", domain.ErrNotConnected
	}

	if creds.ExpiresAt.Sub(m.now()) >= expiryBuffer {
		return creds.AccessToken, nil
	}

	grant, err := m.refresher.RefreshToken(ctx, creds.RefreshToken)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrRefreshFailed, err)
	}

	updated := *creds
	updated.AccessToken = grant.AccessToken
	updated.ExpiresAt = grant.ExpiresAt
	if grant.RefreshToken != "" {
		updated.RefreshToken = grant.RefreshToken
	}

	if err := m.store.SaveCredentials(ctx, userID, updated); err != nil {
		return "", fmt.Errorf("persist refreshed credentials: %w", err)
	}
	return updated.AccessToken, nil
}
