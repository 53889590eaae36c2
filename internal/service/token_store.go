package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prperemyshlev/social-connections/internal/adapter"
	"github.com/prperemyshlev/social-connections/internal/domain"
	"github.com/prperemyshlev/social-connections/internal/events"
	"github.com/prperemyshlev/social-connections/internal/repository"
	"github.com/prperemyshlev/social-connections/pkg/observability"
	"go.uber.org/zap"
)

// Clock returns the current time. Tests inject a fixed one.
type Clock func() time.Time

// TokenStore owns connection records. Every persisted status change goes
// through it so subscribers are notified exactly once per transition.
type TokenStore struct {
	repo      repository.ConnectionRepository
	adapters  *adapter.Registry
	limiter   *RateLimitController
	locker    Locker
	publisher events.Publisher
	policy    domain.RefreshPolicy
	metrics   *observability.Instruments
	logger    *zap.Logger
	now       Clock
}

type TokenStoreDeps struct {
	Repo      repository.ConnectionRepository
	Adapters  *adapter.Registry
	Limiter   *RateLimitController
	Locker    Locker
	Publisher events.Publisher
	Policy    domain.RefreshPolicy
	Metrics   *observability.Instruments
	Logger    *zap.Logger
	Clock     Clock
}

func NewTokenStore(deps TokenStoreDeps) *TokenStore {
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &TokenStore{
		repo:      deps.Repo,
		adapters:  deps.Adapters,
		limiter:   deps.Limiter,
		locker:    deps.Locker,
		publisher: deps.Publisher,
		policy:    deps.Policy,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
		now:       deps.Clock,
	}
}

// Policy returns the refresh policy applied to new grants
func (s *TokenStore) Policy() domain.RefreshPolicy {
	return s.policy
}

// Get loads a connection by id
func (s *TokenStore) Get(ctx context.Context, id string) (*domain.Connection, error) {
	c, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, notFound(err)
	}
	return c, nil
}

// FindByIdentity loads the connection for one external account of a user
func (s *TokenStore) FindByIdentity(ctx context.Context, userID string, platform domain.Platform, externalAccountID string) (*domain.Connection, error) {
	c, err := s.repo.GetByIdentity(ctx, userID, platform, externalAccountID)
	if err != nil {
		return nil, notFound(err)
	}
	return c, nil
}

// ListByUser loads every connection of a user
func (s *TokenStore) ListByUser(ctx context.Context, userID string) ([]*domain.Connection, error) {
	return s.repo.ListByUser(ctx, userID)
}

// ListDue loads connections whose scheduled refresh has come
func (s *TokenStore) ListDue(ctx context.Context, limit int) ([]*domain.Connection, error) {
	return s.repo.ListDue(ctx, s.now(), limit)
}

// Lock takes the connection's lock, waiting up to wait
func (s *TokenStore) Lock(ctx context.Context, id string, wait time.Duration) (func(), error) {
	return s.locker.Lock(ctx, connectionLockKey(id), wait)
}

// Save persists c and announces a status change from previous. LastError is
// only kept on ERROR records.
func (s *TokenStore) Save(ctx context.Context, c *domain.Connection, previous domain.ConnectionStatus) error {
	if c.Status != domain.StatusError {
		c.LastError = ""
	}
	c.UpdatedAt = s.now()
	if err := s.repo.Update(ctx, c); err != nil {
		return notFound(err)
	}
	s.notify(ctx, c, previous)
	return nil
}

// Create persists a new connection, merging into an existing one with the
// same identity
func (s *TokenStore) Create(ctx context.Context, c *domain.Connection, previous domain.ConnectionStatus) error {
	if c.Status != domain.StatusError {
		c.LastError = ""
	}
	now := s.now()
	c.CreatedAt = now
	c.UpdatedAt = now
	if err := s.repo.Upsert(ctx, c); err != nil {
		return err
	}
	s.notify(ctx, c, previous)
	return nil
}

// DemoteExpired moves every ACTIVE connection whose token has expired to
// TOKEN_EXPIRED. The update is conditional so it never overwrites a refresh
// that completed concurrently.
func (s *TokenStore) DemoteExpired(ctx context.Context) ([]*domain.Connection, error) {
	demoted, err := s.repo.ExpireActive(ctx, s.now())
	if err != nil {
		return nil, fmt.Errorf("failed to demote expired connections: %w", err)
	}
	for _, c := range demoted {
		s.notify(ctx, c, domain.StatusActive)
	}
	return demoted, nil
}

func (s *TokenStore) notify(ctx context.Context, c *domain.Connection, previous domain.ConnectionStatus) {
	if previous == c.Status {
		return
	}

	s.metrics.RecordStatusChange(ctx, string(c.Status))
	s.logger.Info("Connection status changed",
		zap.String("connection_id", c.ID),
		zap.String("user_id", c.UserID),
		zap.String("platform", string(c.Platform)),
		zap.String("from", string(previous)),
		zap.String("to", string(c.Status)),
	)

	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, events.NewStatusChange(c, previous, c.UpdatedAt)); err != nil {
		s.logger.Warn("Failed to publish status change",
			zap.String("connection_id", c.ID),
			zap.Error(err),
		)
	}
}

// Refresh exchanges the connection's refresh token for a new access token.
// It returns domain.ErrRefreshInProgress at once when another refresh or a
// disconnect holds the connection. The record is returned alongside refresh
// errors so callers can report its final status.
func (s *TokenStore) Refresh(ctx context.Context, id string) (*domain.Connection, error) {
	unlock, ok, err := s.locker.TryLock(ctx, connectionLockKey(id))
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection lock: %w", err)
	}
	if !ok {
		return nil, domain.ErrRefreshInProgress
	}
	defer unlock()

	return s.refreshLocked(ctx, id)
}

func (s *TokenStore) refreshLocked(ctx context.Context, id string) (*domain.Connection, error) {
	c, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	log := s.logger.With(
		zap.String("connection_id", c.ID),
		zap.String("platform", string(c.Platform)),
	)

	if !c.Status.Refreshable() {
		return c, fmt.Errorf("connection is %s: %w", c.Status, domain.ErrReconnectRequired)
	}

	a, err := s.adapters.Get(c.Platform)
	if err != nil {
		return c, err
	}

	if c.RefreshToken == "" {
		previous := c.Status
		c.Fail("no refresh token held, reconnect required")
		if err := s.Save(ctx, c, previous); err != nil {
			return c, err
		}
		return c, domain.ErrReconnectRequired
	}

	if _, err := s.limiter.TryAcquire(ctx, c.Platform, c.ExternalAccountID); err != nil {
		retryAfter, _ := domain.RetryAfter(err)
		previous := c.Status
		next := s.now().Add(retryAfter)
		c.Status = domain.StatusRateLimited
		c.NextRefreshAt = &next
		if saveErr := s.Save(ctx, c, previous); saveErr != nil {
			return c, saveErr
		}
		s.metrics.RecordRefresh(ctx, string(c.Platform), "rate_limited")
		log.Info("Refresh deferred by rate limit", zap.Duration("retry_after", retryAfter))
		return c, err
	}

	previous := c.Status
	c.Status = domain.StatusTokenRefreshing
	if err := s.Save(ctx, c, previous); err != nil {
		return c, err
	}

	grant, refreshErr := a.RefreshToken(ctx, c.RefreshToken)

	// The outcome must be recorded even if the caller went away
	ctx = context.WithoutCancel(ctx)
	now := s.now()

	if refreshErr == nil {
		c.ApplyGrant(grant, now, s.policy)
		if err := s.Save(ctx, c, domain.StatusTokenRefreshing); err != nil {
			return c, err
		}
		s.metrics.RecordRefresh(ctx, string(c.Platform), "success")
		log.Info("Token refreshed")
		return c, nil
	}

	if adapter.IsTransient(refreshErr) {
		c.RefreshAttempts++

		if c.RefreshAttempts > s.policy.MaxRetries {
			c.Fail("refresh retries exhausted: " + refreshErr.Error())
			if err := s.Save(ctx, c, domain.StatusTokenRefreshing); err != nil {
				return c, err
			}
			s.metrics.RecordRefresh(ctx, string(c.Platform), "exhausted")
			log.Warn("Refresh retries exhausted", zap.Int("attempts", c.RefreshAttempts), zap.Error(refreshErr))
			return c, fmt.Errorf("%w: %w", domain.ErrRefreshFailed, refreshErr)
		}

		next := now.Add(s.policy.BackoffWithJitter(c.RefreshAttempts))
		c.Status = domain.StatusTokenExpired
		c.NextRefreshAt = &next
		if err := s.Save(ctx, c, domain.StatusTokenRefreshing); err != nil {
			return c, err
		}
		s.metrics.RecordRefresh(ctx, string(c.Platform), "transient")
		log.Warn("Refresh failed, retry scheduled",
			zap.Int("attempts", c.RefreshAttempts),
			zap.Time("next_refresh_at", next),
			zap.Error(refreshErr),
		)
		return c, fmt.Errorf("%w: %w", domain.ErrRefreshTransient, refreshErr)
	}

	c.Fail(refreshErr.Error())
	if err := s.Save(ctx, c, domain.StatusTokenRefreshing); err != nil {
		return c, err
	}
	s.metrics.RecordRefresh(ctx, string(c.Platform), "failed")
	log.Warn("Refresh rejected by platform", zap.Error(refreshErr))
	return c, fmt.Errorf("%w: %w", domain.ErrRefreshFailed, refreshErr)
}

// notFound maps the repository's not-found to the domain error
func notFound(err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("%w: %w", domain.ErrConnectionNotFound, err)
	}
	return err
}
