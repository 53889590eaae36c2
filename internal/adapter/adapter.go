// Package adapter translates the generic connection lifecycle into each social
// platform's OAuth dialect. Nothing outside this package talks to a platform API.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prperemyshlev/social-connections/internal/domain"
	"golang.org/x/oauth2"
)

// Adapter is the per-platform OAuth boundary
type Adapter interface {
	Platform() domain.Platform
	UsesPKCE() bool
	DefaultScopes() []string
	BuildAuthorizeURL(state, codeVerifier string, scopes []string, redirectURI string) string
	ExchangeCode(ctx context.Context, code, redirectURI, codeVerifier string) (*domain.TokenGrant, error)
	RefreshToken(ctx context.Context, refreshToken string) (*domain.TokenGrant, error)
	Revoke(ctx context.Context, token string) error
	FetchProfile(ctx context.Context, accessToken string) (*domain.AccountProfile, error)
}

// Kind classifies an adapter failure for retry decisions
type Kind string

const (
	// Transient failures (network, timeout, 5xx, 429) may succeed on retry
	Transient Kind = "transient"
	// Permanent failures (invalid_grant, revoked consent, other 4xx) need the user
	Permanent Kind = "permanent"
)

// Error is returned by every Adapter method on failure
type Error struct {
	Platform domain.Platform
	Op       string
	Kind     Kind
	Status   int
	Code     string
	Err      error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s %s failed (%s)", e.Platform, e.Op, e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(": status %d", e.Status)
	}
	if e.Code != "" {
		msg += ": " + e.Code
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is worth retrying. Context deadlines count
// as transient even when they did not come through an adapter.
func IsTransient(err error) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind == Transient
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// statusError is a non-2xx platform response outside the oauth2 token flow
type statusError struct {
	status      int
	code        string
	description string
}

func (e *statusError) Error() string {
	if e.code != "" {
		return fmt.Sprintf("status %d: %s %s", e.status, e.code, e.description)
	}
	return fmt.Sprintf("status %d", e.status)
}

func kindForStatus(status int) Kind {
	if status == http.StatusTooManyRequests || status >= http.StatusInternalServerError {
		return Transient
	}
	return Permanent
}

// classify turns any error from a platform call into an *Error
func classify(platform domain.Platform, op string, err error) error {
	if err == nil {
		return nil
	}

	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}

	e := &Error{Platform: platform, Op: op, Kind: Permanent, Err: err}

	var (
		re *oauth2.RetrieveError
		se *statusError
		ne net.Error
	)
	switch {
	case errors.As(err, &re):
		if re.Response != nil {
			e.Status = re.Response.StatusCode
		}
		e.Code = re.ErrorCode
		e.Kind = kindForStatus(e.Status)
		// The raw body is not kept, it can echo request parameters
		e.Err = nil
		if re.ErrorDescription != "" {
			e.Err = errors.New(re.ErrorDescription)
		}
	case errors.As(err, &se):
		e.Status = se.status
		e.Code = se.code
		e.Kind = kindForStatus(se.status)
		e.Err = nil
		if se.description != "" {
			e.Err = errors.New(se.description)
		}
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		e.Kind = Transient
	case errors.As(err, &ne):
		e.Kind = Transient
	}

	return e
}

// Endpoints are a platform's OAuth and profile URLs
type Endpoints struct {
	AuthURL    string
	TokenURL   string
	RevokeURL  string
	ProfileURL string
}

func (e Endpoints) merge(overrides Endpoints) Endpoints {
	if overrides.AuthURL != "" {
		e.AuthURL = overrides.AuthURL
	}
	if overrides.TokenURL != "" {
		e.TokenURL = overrides.TokenURL
	}
	if overrides.RevokeURL != "" {
		e.RevokeURL = overrides.RevokeURL
	}
	if overrides.ProfileURL != "" {
		e.ProfileURL = overrides.ProfileURL
	}
	return e
}

// Options configure one platform adapter. Zero-valued endpoints fall back to
// the platform's public URLs.
type Options struct {
	ClientID     string
	ClientSecret string
	Scopes       []string
	Endpoints    Endpoints
	Timeout      time.Duration
	HTTPClient   *http.Client
}

const defaultTimeout = 10 * time.Second
