package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/prperemyshlev/social-connections/internal/domain"
	"github.com/prperemyshlev/social-connections/pkg/database"
	"github.com/redis/go-redis/v9"
)

const authorizationRequestPrefix = "oauth:state:"

// authorizationRequestRepository implements AuthorizationRequestRepository in Redis
type authorizationRequestRepository struct {
	redis *database.Redis
}

// NewAuthorizationRequestRepository creates a new authorization request repository
func NewAuthorizationRequestRepository(redis *database.Redis) AuthorizationRequestRepository {
	return &authorizationRequestRepository{redis: redis}
}

func authorizationRequestKey(state string) string {
	return authorizationRequestPrefix + state
}

// Save stores the request until ttl elapses
func (r *authorizationRequestRepository) Save(ctx context.Context, req *domain.AuthorizationRequest, ttl time.Duration) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode authorization request: %w", err)
	}

	if err := r.redis.Client.Set(ctx, authorizationRequestKey(req.State), payload, ttl).Err(); err != nil {
		return fmt.Errorf("failed to save authorization request: %w", err)
	}

	return nil
}

// Consume redeems the state with GETDEL so a replay finds nothing
func (r *authorizationRequestRepository) Consume(ctx context.Context, state string) (*domain.AuthorizationRequest, error) {
	payload, err := r.redis.Client.GetDel(ctx, authorizationRequestKey(state)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("authorization request not found: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to consume authorization request: %w", err)
	}

	req := &domain.AuthorizationRequest{}
	if err := json.Unmarshal(payload, req); err != nil {
		return nil, fmt.Errorf("failed to decode authorization request: %w", err)
	}

	return req, nil
}

// Restore re-inserts the request unless a request with the same state exists
func (r *authorizationRequestRepository) Restore(ctx context.Context, req *domain.AuthorizationRequest, now time.Time) error {
	ttl := req.ExpiresAt.Sub(now)
	if ttl <= 0 {
		return nil
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode authorization request: %w", err)
	}

	if err := r.redis.Client.SetNX(ctx, authorizationRequestKey(req.State), payload, ttl).Err(); err != nil {
		return fmt.Errorf("failed to restore authorization request: %w", err)
	}

	return nil
}
