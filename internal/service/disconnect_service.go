package service

import (
	"context"
	"fmt"
	"time"

	"github.com/prperemyshlev/social-connections/internal/domain"
	"go.uber.org/zap"
)

// disconnectService implements DisconnectService
type disconnectService struct {
	store    *TokenStore
	lockWait time.Duration
	logger   *zap.Logger
}

// NewDisconnectService creates a new disconnect service
func NewDisconnectService(store *TokenStore, lockWait time.Duration, logger *zap.Logger) DisconnectService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &disconnectService{store: store, lockWait: lockWait, logger: logger}
}

// Disconnect revokes the connection's token at the platform (best effort),
// erases both tokens and marks it DISCONNECTED. Disconnecting twice is a
// no-op. The record is kept so the user can reconnect it.
func (s *disconnectService) Disconnect(ctx context.Context, id string) (*domain.Connection, error) {
	unlock, err := s.store.Lock(ctx, id, s.lockWait)
	if err != nil {
		return nil, err
	}
	defer unlock()

	c, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if c.Status == domain.StatusDisconnected {
		return c, nil
	}

	log := s.logger.With(
		zap.String("connection_id", c.ID),
		zap.String("platform", string(c.Platform)),
	)

	var revokeErr error
	if token := revocable(c); token != "" {
		revokeErr = s.revoke(ctx, c, token)
		if revokeErr != nil {
			log.Warn("Token revocation failed, disconnecting locally", zap.Error(revokeErr))
		}
	}

	previous := c.Status
	c.ClearSecrets()
	c.Status = domain.StatusDisconnected
	c.LastError = ""
	if err := s.store.Save(context.WithoutCancel(ctx), c, previous); err != nil {
		return nil, err
	}

	log.Info("Connection disconnected")

	if revokeErr != nil {
		return c, fmt.Errorf("%w: %w", domain.ErrRevocationFailed, revokeErr)
	}
	return c, nil
}

func (s *disconnectService) revoke(ctx context.Context, c *domain.Connection, token string) error {
	a, err := s.store.adapters.Get(c.Platform)
	if err != nil {
		return err
	}
	if _, err := s.store.limiter.TryAcquire(ctx, c.Platform, c.ExternalAccountID); err != nil {
		return err
	}
	return a.Revoke(ctx, token)
}

// revocable picks the token whose revocation ends the whole grant
func revocable(c *domain.Connection) string {
	if c.RefreshToken != "" {
		return c.RefreshToken
	}
	return c.AccessToken
}
