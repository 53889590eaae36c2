package domain

import (
	"slices"
	"time"
)

// Connection represents a linked external social account (SocialAccountConnection).
// AccessToken and RefreshToken hold plaintext only while in memory; repositories
// encrypt them on write and they are never serialized to JSON.
type Connection struct {
	ID                    string           `json:"id" db:"id"`
	UserID                string           `json:"user_id" db:"user_id"`
	Platform              Platform         `json:"platform" db:"platform"`
	ExternalAccountID     string           `json:"external_account_id" db:"external_account_id"`
	ExternalAccountHandle string           `json:"external_account_handle" db:"external_account_handle"`
	Status                ConnectionStatus `json:"status" db:"status"`
	AccessToken           string           `json:"-" db:"access_token"`
	RefreshToken          string           `json:"-" db:"refresh_token"`
	TokenExpiresAt        *time.Time       `json:"token_expires_at" db:"token_expires_at"`
	TokenIssuedAt         *time.Time       `json:"token_issued_at" db:"token_issued_at"`
	Scopes                []string         `json:"scopes" db:"scopes"`
	LastError             string           `json:"last_error,omitempty" db:"last_error"`
	NextRefreshAt         *time.Time       `json:"next_refresh_at,omitempty" db:"next_refresh_at"`
	RefreshAttempts       int              `json:"refresh_attempts" db:"refresh_attempts"`
	CreatedAt             time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt             time.Time        `json:"updated_at" db:"updated_at"`
}

// Summary is the secret-free view of a connection handed to every consumer
type Summary struct {
	ID                    string           `json:"id"`
	UserID                string           `json:"user_id"`
	Platform              Platform         `json:"platform"`
	ExternalAccountID     string           `json:"external_account_id"`
	ExternalAccountHandle string           `json:"external_account_handle"`
	Status                ConnectionStatus `json:"status"`
	TokenExpiresAt        *time.Time       `json:"token_expires_at,omitempty"`
	Scopes                []string         `json:"scopes"`
	LastError             string           `json:"last_error,omitempty"`
	CreatedAt             time.Time        `json:"created_at"`
	UpdatedAt             time.Time        `json:"updated_at"`
}

// Summary returns the connection without its secrets
func (c *Connection) Summary() Summary {
	return Summary{
		ID:                    c.ID,
		UserID:                c.UserID,
		Platform:              c.Platform,
		ExternalAccountID:     c.ExternalAccountID,
		ExternalAccountHandle: c.ExternalAccountHandle,
		Status:                c.Status,
		TokenExpiresAt:        c.TokenExpiresAt,
		Scopes:                slices.Clone(c.Scopes),
		LastError:             c.LastError,
		CreatedAt:             c.CreatedAt,
		UpdatedAt:             c.UpdatedAt,
	}
}

// Clone returns a deep copy
func (c *Connection) Clone() *Connection {
	cp := *c
	cp.Scopes = slices.Clone(c.Scopes)
	cp.TokenExpiresAt = cloneTime(c.TokenExpiresAt)
	cp.TokenIssuedAt = cloneTime(c.TokenIssuedAt)
	cp.NextRefreshAt = cloneTime(c.NextRefreshAt)
	return &cp
}

// TokenExpired reports whether the access token has expired at now
func (c *Connection) TokenExpired(now time.Time) bool {
	return c.TokenExpiresAt != nil && !c.TokenExpiresAt.After(now)
}

// ClearSecrets drops both tokens and everything derived from them
func (c *Connection) ClearSecrets() {
	c.AccessToken = ""
	c.RefreshToken = ""
	c.TokenExpiresAt = nil
	c.TokenIssuedAt = nil
	c.NextRefreshAt = nil
	c.RefreshAttempts = 0
}

// ApplyGrant stores a freshly issued token and marks the connection ACTIVE.
// A grant without a refresh token keeps the one already held; one without an
// expiry gets the policy's default lifetime.
func (c *Connection) ApplyGrant(grant *TokenGrant, now time.Time, policy RefreshPolicy) {
	c.AccessToken = grant.AccessToken
	if grant.RefreshToken != "" {
		c.RefreshToken = grant.RefreshToken
	}
	if len(grant.Scopes) > 0 {
		c.Scopes = normalizeScopes(grant.Scopes)
	}

	issued := now
	c.TokenIssuedAt = &issued
	expires := now.Add(policy.Lifetime(grant.ExpiresIn))
	c.TokenExpiresAt = &expires

	c.Status = StatusActive
	c.LastError = ""
	c.RefreshAttempts = 0
	c.NextRefreshAt = policy.NextRefreshAt(c)
}

// Fail moves the connection to ERROR and stops scheduled refreshes
func (c *Connection) Fail(message string) {
	c.Status = StatusError
	c.LastError = message
	c.NextRefreshAt = nil
}

func normalizeScopes(scopes []string) []string {
	out := make([]string, 0, len(scopes))
	for _, s := range scopes {
		if s != "" && !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	slices.Sort(out)
	return out
}

// NormalizeScopes deduplicates and sorts a scope set
func NormalizeScopes(scopes []string) []string {
	return normalizeScopes(scopes)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
