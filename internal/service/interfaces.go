package service

import (
	"context"
	"time"

	"github.com/prperemyshlev/social-connections/internal/domain"
	"github.com/prperemyshlev/social-connections/internal/events"
)

// InitiateRequest starts a connect (or reconnect, with ConnectionID) flow
type InitiateRequest struct {
	UserID       string
	Platform     domain.Platform
	Scopes       []string
	ConnectionID string
}

// InitiateResult tells the client where to send the user
type InitiateResult struct {
	AuthorizeURL string
	State        string
	ExpiresAt    time.Time
	Status       domain.ConnectionStatus
}

// CallbackParams are the query parameters a platform redirects back with
type CallbackParams struct {
	Platform         domain.Platform
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

// AuthorizationService runs the OAuth authorization-code flow
type AuthorizationService interface {
	Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error)
	// HandleCallback completes the flow. On a permanent exchange failure the
	// ERROR record is returned with the error.
	HandleCallback(ctx context.Context, params CallbackParams) (*domain.Connection, error)
}

// ConnectionRegistry is the read side every other subsystem consults
type ConnectionRegistry interface {
	List(ctx context.Context, userID string) ([]domain.Summary, error)
	Get(ctx context.Context, id string) (*domain.Connection, error)
	Subscribe(userID string) (<-chan events.StatusChange, func())
}

// TokenRefresher refreshes one connection on demand
type TokenRefresher interface {
	Refresh(ctx context.Context, id string) (*domain.Connection, error)
}

// DisconnectService revokes and tears down connections
type DisconnectService interface {
	Disconnect(ctx context.Context, id string) (*domain.Connection, error)
}

// QuotaReader reports a platform quota window without consuming from it
type QuotaReader interface {
	Window(ctx context.Context, platform domain.Platform, accountID string) (domain.RateLimitWindow, error)
}
