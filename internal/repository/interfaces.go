package repository

import (
	"context"
	"time"

	"github.com/prperemyshlev/social-connections/internal/domain"
)

// ConnectionRepository persists social account connections. Tokens are
// plaintext on the domain type and encrypted by the implementation.
type ConnectionRepository interface {
	// Upsert inserts c or updates the row with the same (user, platform,
	// external account). c.ID and c.CreatedAt are set to the stored values.
	Upsert(ctx context.Context, c *domain.Connection) error
	Update(ctx context.Context, c *domain.Connection) error
	GetByID(ctx context.Context, id string) (*domain.Connection, error)
	GetByIdentity(ctx context.Context, userID string, platform domain.Platform, externalAccountID string) (*domain.Connection, error)
	ListByUser(ctx context.Context, userID string) ([]*domain.Connection, error)
	// ListDue returns refreshable connections with next_refresh_at <= now, oldest first
	ListDue(ctx context.Context, now time.Time, limit int) ([]*domain.Connection, error)
	// ExpireActive demotes ACTIVE connections whose token expired at or before
	// now to TOKEN_EXPIRED and returns them
	ExpireActive(ctx context.Context, now time.Time) ([]*domain.Connection, error)
}

// AuthorizationRequestRepository stores in-flight authorization requests
// outside the process so any instance can serve the callback
type AuthorizationRequestRepository interface {
	Save(ctx context.Context, req *domain.AuthorizationRequest, ttl time.Duration) error
	// Consume atomically reads and deletes the request for state
	Consume(ctx context.Context, state string) (*domain.AuthorizationRequest, error)
	// Restore puts a consumed request back for its remaining lifetime. An
	// already expired request is dropped.
	Restore(ctx context.Context, req *domain.AuthorizationRequest, now time.Time) error
}
