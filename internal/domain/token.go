package domain

import "time"

// TokenClaims represents the claims of a platform user's bearer token
type TokenClaims struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	Exp    int64  `json:"exp"`
	Iat    int64  `json:"iat"`
}

// IsExpired checks if the token is expired
func (tc TokenClaims) IsExpired() bool {
	return time.Now().Unix() > tc.Exp
}

// TokenGrant is what a platform returns from a code exchange or a refresh.
// ExpiresIn is zero when the platform did not report a lifetime.
type TokenGrant struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    time.Duration
	Scopes       []string
}

// AccountProfile identifies the external account behind an access token
type AccountProfile struct {
	ExternalAccountID string
	Handle            string
}
