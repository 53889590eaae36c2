package domain

import "time"

// AuthorizationRequest is an in-flight "connect" attempt, keyed by its state
type AuthorizationRequest struct {
	State        string    `json:"state"`
	CodeVerifier string    `json:"code_verifier,omitempty"`
	Platform     Platform  `json:"platform"`
	UserID       string    `json:"user_id"`
	RedirectURI  string    `json:"redirect_uri"`
	Scopes       []string  `json:"scopes"`
	ConnectionID string    `json:"connection_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Expired reports whether the request can no longer be redeemed at now
func (r *AuthorizationRequest) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// RateLimitWindow is a snapshot of one sliding window
type RateLimitWindow struct {
	Key            string        `json:"key"`
	WindowStart    time.Time     `json:"window_start"`
	RequestCount   int           `json:"request_count"`
	Limit          int           `json:"limit"`
	WindowDuration time.Duration `json:"window_duration"`
}

// ResetAt is when the oldest counted request leaves the window
func (w RateLimitWindow) ResetAt() time.Time {
	return w.WindowStart.Add(w.WindowDuration)
}

// Remaining returns how many requests the window still admits
func (w RateLimitWindow) Remaining() int {
	if r := w.Limit - w.RequestCount; r > 0 {
		return r
	}
	return 0
}
