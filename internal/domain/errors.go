package domain

import (
	"errors"
	"fmt"
	"time"
)

// Error taxonomy shared by the authorization flow, the token store and the HTTP layer
var (
	ErrInvalidOrExpiredState  = errors.New("authorization state is invalid or expired")
	ErrAuthorizationDenied    = errors.New("authorization denied by user")
	ErrTokenExchangeFailed    = errors.New("token exchange failed")
	ErrTokenExchangeTransient = errors.New("token exchange temporarily failed, retry")
	ErrRefreshFailed          = errors.New("token refresh failed, reconnect required")
	ErrRefreshTransient       = errors.New("token refresh temporarily failed, retry scheduled")
	ErrRevocationFailed       = errors.New("token revocation failed")
	ErrRateLimitExceeded      = errors.New("rate limit exceeded")
	ErrUnsupportedPlatform    = errors.New("unsupported platform")

	ErrConnectionNotFound = errors.New("connection not found")
	ErrRefreshInProgress  = errors.New("refresh already in progress")
	ErrLockTimeout        = errors.New("timed out waiting for connection lock")
	ErrReconnectRequired  = errors.New("connection requires reconnect")
)

// RateLimitError carries the time until the window admits another request
type RateLimitError struct {
	Key        string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, try again in %v", e.Key, e.RetryAfter.Round(time.Second))
}

// Is makes errors.Is(err, ErrRateLimitExceeded) hold
func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimitExceeded
}

// RetryAfter extracts the retry hint from a rate limit error
func RetryAfter(err error) (time.Duration, bool) {
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return rle.RetryAfter, true
	}
	return 0, false
}
