package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePlatform(t *testing.T) {
	p, err := ParsePlatform(" LinkedIn ")
	require.NoError(t, err)
	assert.Equal(t, PlatformLinkedIn, p)

	_, err = ParsePlatform("myspace")
	assert.ErrorIs(t, err, ErrUnsupportedPlatform)
}

func TestConnection_ApplyGrant(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	c := &Connection{Status: StatusError, LastError: "boom", RefreshToken: "old-rt", RefreshAttempts: 3}

	c.ApplyGrant(&TokenGrant{
		AccessToken: "at",
		ExpiresIn:   time.Hour,
		Scopes:      []string{"b", "a", "b"},
	}, now, DefaultRefreshPolicy())

	assert.Equal(t, StatusActive, c.Status)
	assert.Empty(t, c.LastError)
	assert.Zero(t, c.RefreshAttempts)
	assert.Equal(t, "old-rt", c.RefreshToken, "refresh token kept when grant omits one")
	assert.Equal(t, []string{"a", "b"}, c.Scopes)
	require.NotNil(t, c.TokenExpiresAt)
	assert.Equal(t, now.Add(time.Hour), *c.TokenExpiresAt)
	require.NotNil(t, c.NextRefreshAt)
	assert.Equal(t, now.Add(55*time.Minute), *c.NextRefreshAt)
}

func TestConnection_ApplyGrantWithoutExpiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	policy := DefaultRefreshPolicy()
	policy.DefaultLifetime = 30 * 24 * time.Hour

	c := &Connection{}
	c.ApplyGrant(&TokenGrant{AccessToken: "at", RefreshToken: "rt"}, now, policy)

	assert.Equal(t, StatusActive, c.Status)
	require.NotNil(t, c.TokenExpiresAt)
	assert.Equal(t, now.Add(30*24*time.Hour), *c.TokenExpiresAt)
	assert.False(t, c.TokenExpired(now))
	require.NotNil(t, c.NextRefreshAt)
	assert.Equal(t, c.TokenExpiresAt.Add(-5*time.Minute), *c.NextRefreshAt)

	c.ApplyGrant(&TokenGrant{AccessToken: "at"}, now, RefreshPolicy{})
	require.NotNil(t, c.TokenExpiresAt)
	assert.Equal(t, now.Add(60*24*time.Hour), *c.TokenExpiresAt)
}

func TestConnection_SummaryHasNoSecrets(t *testing.T) {
	c := &Connection{ID: "id", AccessToken: "secret-access", RefreshToken: "secret-refresh", Status: StatusActive}

	raw, err := json.Marshal(c.Summary())
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "secret-access")
	assert.NotContains(t, string(raw), "secret-refresh")

	raw, err = json.Marshal(c)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "secret-")
}

func TestConnection_ClearSecrets(t *testing.T) {
	exp := time.Now().Add(time.Hour)
	c := &Connection{AccessToken: "a", RefreshToken: "r", TokenExpiresAt: &exp, NextRefreshAt: &exp, RefreshAttempts: 2}

	c.ClearSecrets()

	assert.Empty(t, c.AccessToken)
	assert.Empty(t, c.RefreshToken)
	assert.Nil(t, c.TokenExpiresAt)
	assert.Nil(t, c.NextRefreshAt)
	assert.Zero(t, c.RefreshAttempts)
}

func TestRateLimitError(t *testing.T) {
	err := fmt.Errorf("initiate: %w", &RateLimitError{Key: "twitter", RetryAfter: 42 * time.Second})

	assert.True(t, errors.Is(err, ErrRateLimitExceeded))
	d, ok := RetryAfter(err)
	assert.True(t, ok)
	assert.Equal(t, 42*time.Second, d)
}

func TestRefreshableStatuses(t *testing.T) {
	refreshable := map[ConnectionStatus]bool{
		StatusActive:          true,
		StatusTokenExpired:    true,
		StatusRateLimited:     true,
		StatusTokenRefreshing: true,
		StatusPendingAuth:     false,
		StatusDisconnected:    false,
		StatusError:           false,
	}
	for status, want := range refreshable {
		assert.Equal(t, want, status.Refreshable(), status)
	}
}
