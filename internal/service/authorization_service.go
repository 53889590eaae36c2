package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prperemyshlev/social-connections/internal/adapter"
	"github.com/prperemyshlev/social-connections/internal/domain"
	"github.com/prperemyshlev/social-connections/internal/repository"
	"github.com/prperemyshlev/social-connections/pkg/observability"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

const stateBytes = 32

// authorizationService implements AuthorizationService
type authorizationService struct {
	adapters        *adapter.Registry
	requests        repository.AuthorizationRequestRepository
	store           *TokenStore
	limiter         *RateLimitController
	callbackBaseURL string
	stateTTL        time.Duration
	lockWait        time.Duration
	metrics         *observability.Instruments
	logger          *zap.Logger
	now             Clock
}

type AuthorizationServiceDeps struct {
	Adapters        *adapter.Registry
	Requests        repository.AuthorizationRequestRepository
	Store           *TokenStore
	Limiter         *RateLimitController
	CallbackBaseURL string
	StateTTL        time.Duration
	LockWait        time.Duration
	Metrics         *observability.Instruments
	Logger          *zap.Logger
	Clock           Clock
}

// NewAuthorizationService creates a new authorization service
func NewAuthorizationService(deps AuthorizationServiceDeps) AuthorizationService {
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &authorizationService{
		adapters:        deps.Adapters,
		requests:        deps.Requests,
		store:           deps.Store,
		limiter:         deps.Limiter,
		callbackBaseURL: strings.TrimRight(deps.CallbackBaseURL, "/"),
		stateTTL:        deps.StateTTL,
		lockWait:        deps.LockWait,
		metrics:         deps.Metrics,
		logger:          deps.Logger,
		now:             deps.Clock,
	}
}

func (s *authorizationService) redirectURI(platform domain.Platform) string {
	return s.callbackBaseURL + "/" + string(platform)
}

// Initiate stores a single-use AuthorizationRequest and returns the
// platform's authorize URL. No connection record is written.
func (s *authorizationService) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error) {
	a, err := s.adapters.Get(req.Platform)
	if err != nil {
		return nil, err
	}

	if req.ConnectionID != "" {
		c, err := s.store.Get(ctx, req.ConnectionID)
		if err != nil {
			return nil, err
		}
		if c.UserID != req.UserID || c.Platform != req.Platform {
			return nil, fmt.Errorf("connection %s: %w", req.ConnectionID, domain.ErrConnectionNotFound)
		}
	}

	if _, err := s.limiter.TryAcquire(ctx, req.Platform, ""); err != nil {
		return nil, err
	}

	state, err := generateState()
	if err != nil {
		return nil, err
	}

	var verifier string
	if a.UsesPKCE() {
		verifier = oauth2.GenerateVerifier()
	}

	scopes := domain.NormalizeScopes(req.Scopes)
	if len(scopes) == 0 {
		scopes = a.DefaultScopes()
	}

	now := s.now()
	authReq := &domain.AuthorizationRequest{
		State:        state,
		CodeVerifier: verifier,
		Platform:     req.Platform,
		UserID:       req.UserID,
		RedirectURI:  s.redirectURI(req.Platform),
		Scopes:       scopes,
		ConnectionID: req.ConnectionID,
		CreatedAt:    now,
		ExpiresAt:    now.Add(s.stateTTL),
	}

	if err := s.requests.Save(ctx, authReq, s.stateTTL); err != nil {
		return nil, err
	}

	s.logger.Info("Authorization initiated",
		zap.String("user_id", req.UserID),
		zap.String("platform", string(req.Platform)),
		zap.Bool("reconnect", req.ConnectionID != ""),
	)

	return &InitiateResult{
		AuthorizeURL: a.BuildAuthorizeURL(state, verifier, scopes, authReq.RedirectURI),
		State:        state,
		ExpiresAt:    authReq.ExpiresAt,
		Status:       domain.StatusPendingAuth,
	}, nil
}

func (s *authorizationService) HandleCallback(ctx context.Context, params CallbackParams) (*domain.Connection, error) {
	platform := string(params.Platform)

	if params.Error != "" {
		// Burn the state so the denied attempt cannot be replayed
		if params.State != "" {
			if _, err := s.requests.Consume(ctx, params.State); err != nil && !errors.Is(err, repository.ErrNotFound) {
				s.logger.Warn("Failed to discard denied authorization request", zap.Error(err))
			}
		}
		s.metrics.RecordAuthorization(ctx, platform, "denied")
		return nil, fmt.Errorf("%w: %s %s", domain.ErrAuthorizationDenied, params.Error, params.ErrorDescription)
	}

	req, err := s.requests.Consume(ctx, params.State)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.metrics.RecordAuthorization(ctx, platform, "invalid_state")
			return nil, domain.ErrInvalidOrExpiredState
		}
		return nil, err
	}

	if req.Expired(s.now()) || req.Platform != params.Platform {
		s.metrics.RecordAuthorization(ctx, platform, "invalid_state")
		return nil, domain.ErrInvalidOrExpiredState
	}

	a, err := s.adapters.Get(req.Platform)
	if err != nil {
		return nil, err
	}

	if _, err := s.limiter.TryAcquire(ctx, req.Platform, ""); err != nil {
		s.restore(ctx, req)
		return nil, err
	}

	grant, err := a.ExchangeCode(ctx, params.Code, req.RedirectURI, req.CodeVerifier)
	var profile *domain.AccountProfile
	if err == nil {
		profile, err = a.FetchProfile(ctx, grant.AccessToken)
	}

	ctx = context.WithoutCancel(ctx)

	if err != nil {
		if adapter.IsTransient(err) {
			s.restore(ctx, req)
			s.metrics.RecordAuthorization(ctx, platform, "transient")
			s.logger.Warn("Token exchange failed transiently", zap.String("platform", platform), zap.Error(err))
			return nil, fmt.Errorf("%w: %w", domain.ErrTokenExchangeTransient, err)
		}

		s.metrics.RecordAuthorization(ctx, platform, "failed")
		s.logger.Warn("Token exchange rejected", zap.String("platform", platform), zap.Error(err))

		c, recordErr := s.recordFailure(ctx, req, err.Error())
		if recordErr != nil {
			s.logger.Error("Failed to record exchange failure", zap.Error(recordErr))
		}
		return c, fmt.Errorf("%w: %w", domain.ErrTokenExchangeFailed, err)
	}

	if len(grant.Scopes) == 0 {
		grant.Scopes = req.Scopes
	}

	c, err := s.connect(ctx, req, profile, grant)
	if err != nil {
		return nil, err
	}

	s.metrics.RecordAuthorization(ctx, platform, "success")
	return c, nil
}

// restore gives a consumed request back so the user can retry the callback
func (s *authorizationService) restore(ctx context.Context, req *domain.AuthorizationRequest) {
	if err := s.requests.Restore(ctx, req, s.now()); err != nil {
		s.logger.Warn("Failed to restore authorization request", zap.Error(err))
	}
}

// target finds the record a successful exchange should land on: the
// reconnected record, the existing identity, or an ERROR placeholder left by
// an earlier failed attempt. An already linked identity wins over a
// placeholder named by the request, which is then returned as stale.
func (s *authorizationService) target(ctx context.Context, req *domain.AuthorizationRequest, externalID string) (*domain.Connection, *domain.Connection, error) {
	var requested *domain.Connection
	if req.ConnectionID != "" {
		c, err := s.store.Get(ctx, req.ConnectionID)
		if err != nil && !errors.Is(err, domain.ErrConnectionNotFound) {
			return nil, nil, err
		}
		if c != nil && c.UserID == req.UserID && c.Platform == req.Platform {
			if c.ExternalAccountID == externalID {
				return c, nil, nil
			}
			if c.ExternalAccountID == "" {
				requested = c
			}
		}
	}

	linked, err := s.store.FindByIdentity(ctx, req.UserID, req.Platform, externalID)
	switch {
	case err == nil:
		return linked, requested, nil
	case !errors.Is(err, domain.ErrConnectionNotFound):
		return nil, nil, err
	}

	if requested != nil {
		return requested, nil, nil
	}

	placeholder, err := s.store.FindByIdentity(ctx, req.UserID, req.Platform, "")
	switch {
	case err == nil:
		return placeholder, nil, nil
	case !errors.Is(err, domain.ErrConnectionNotFound):
		return nil, nil, err
	}
	return nil, nil, nil
}

// retire disconnects a placeholder superseded by an already linked record
func (s *authorizationService) retire(ctx context.Context, id string) {
	unlock, err := s.store.Lock(ctx, id, s.lockWait)
	if err != nil {
		s.logger.Warn("Failed to lock superseded placeholder", zap.String("connection_id", id), zap.Error(err))
		return
	}
	defer unlock()

	c, err := s.store.Get(ctx, id)
	if err != nil || c.ExternalAccountID != "" || c.Status == domain.StatusDisconnected {
		return
	}

	previous := c.Status
	c.ClearSecrets()
	c.Status = domain.StatusDisconnected
	c.LastError = ""
	if err := s.store.Save(ctx, c, previous); err != nil {
		s.logger.Warn("Failed to retire superseded placeholder", zap.String("connection_id", id), zap.Error(err))
	}
}

func (s *authorizationService) connect(ctx context.Context, req *domain.AuthorizationRequest, profile *domain.AccountProfile, grant *domain.TokenGrant) (*domain.Connection, error) {
	existing, stale, err := s.target(ctx, req, profile.ExternalAccountID)
	if err != nil {
		return nil, err
	}
	if stale != nil {
		defer s.retire(ctx, stale.ID)
	}

	now := s.now()

	if existing == nil {
		c := &domain.Connection{
			UserID:                req.UserID,
			Platform:              req.Platform,
			ExternalAccountID:     profile.ExternalAccountID,
			ExternalAccountHandle: profile.Handle,
		}
		c.ApplyGrant(grant, now, s.store.Policy())
		if err := s.store.Create(ctx, c, domain.StatusPendingAuth); err != nil {
			return nil, err
		}
		s.logger.Info("Connection created",
			zap.String("connection_id", c.ID),
			zap.String("user_id", c.UserID),
			zap.String("platform", string(c.Platform)),
		)
		return c, nil
	}

	unlock, err := s.store.Lock(ctx, existing.ID, s.lockWait)
	if err != nil {
		return nil, err
	}
	defer unlock()

	c, err := s.store.Get(ctx, existing.ID)
	if err != nil {
		return nil, err
	}

	previous := c.Status
	c.ExternalAccountID = profile.ExternalAccountID
	c.ExternalAccountHandle = profile.Handle
	c.ApplyGrant(grant, now, s.store.Policy())
	if err := s.store.Save(ctx, c, previous); err != nil {
		return nil, err
	}

	s.logger.Info("Connection reconnected",
		zap.String("connection_id", c.ID),
		zap.String("platform", string(c.Platform)),
	)
	return c, nil
}

// recordFailure marks the reconnected record ERROR, or keeps one ERROR
// placeholder per (user, platform) when the external account is unknown
func (s *authorizationService) recordFailure(ctx context.Context, req *domain.AuthorizationRequest, message string) (*domain.Connection, error) {
	var existing *domain.Connection
	if req.ConnectionID != "" {
		c, err := s.store.Get(ctx, req.ConnectionID)
		if err != nil && !errors.Is(err, domain.ErrConnectionNotFound) {
			return nil, err
		}
		if c != nil && c.UserID == req.UserID {
			existing = c
		}
	}

	if existing == nil {
		c, err := s.store.FindByIdentity(ctx, req.UserID, req.Platform, "")
		if err != nil && !errors.Is(err, domain.ErrConnectionNotFound) {
			return nil, err
		}
		existing = c
	}

	if existing == nil {
		c := &domain.Connection{
			UserID:   req.UserID,
			Platform: req.Platform,
			Scopes:   domain.NormalizeScopes(req.Scopes),
		}
		c.Fail(message)
		if err := s.store.Create(ctx, c, domain.StatusPendingAuth); err != nil {
			return nil, err
		}
		return c, nil
	}

	unlock, err := s.store.Lock(ctx, existing.ID, s.lockWait)
	if err != nil {
		return nil, err
	}
	defer unlock()

	c, err := s.store.Get(ctx, existing.ID)
	if err != nil {
		return nil, err
	}

	previous := c.Status
	c.Fail(message)
	if err := s.store.Save(ctx, c, previous); err != nil {
		return nil, err
	}
	return c, nil
}

func generateState() (string, error) {
	b := make([]byte, stateBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
