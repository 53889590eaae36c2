package service

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"

	"github.com/prperemyshlev/social-connections/internal/adapter"
	"github.com/prperemyshlev/social-connections/internal/domain"
	"github.com/prperemyshlev/social-connections/internal/events"
	"github.com/prperemyshlev/social-connections/internal/repository"
	"github.com/prperemyshlev/social-connections/pkg/observability"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: baseTime}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// memConnectionRepo mirrors the Postgres repository's semantics in memory
type memConnectionRepo struct {
	mu    sync.Mutex
	rows  map[string]*domain.Connection
	order []string
}

func newMemConnectionRepo() *memConnectionRepo {
	return &memConnectionRepo{rows: make(map[string]*domain.Connection)}
}

func (r *memConnectionRepo) identity(userID string, platform domain.Platform, ext string) *domain.Connection {
	for _, id := range r.order {
		c := r.rows[id]
		if c.UserID == userID && c.Platform == platform && c.ExternalAccountID == ext {
			return c
		}
	}
	return nil
}

func (r *memConnectionRepo) Upsert(_ context.Context, c *domain.Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing := r.identity(c.UserID, c.Platform, c.ExternalAccountID); existing != nil {
		c.ID = existing.ID
		c.CreatedAt = existing.CreatedAt
	} else {
		c.ID = uuid.NewString()
		r.order = append(r.order, c.ID)
	}
	r.rows[c.ID] = c.Clone()
	return nil
}

func (r *memConnectionRepo) Update(_ context.Context, c *domain.Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.rows[c.ID]; !ok {
		return repository.ErrNotFound
	}
	if other := r.identity(c.UserID, c.Platform, c.ExternalAccountID); other != nil && other.ID != c.ID {
		return repository.ErrDuplicateConnection
	}
	r.rows[c.ID] = c.Clone()
	return nil
}

func (r *memConnectionRepo) GetByID(_ context.Context, id string) (*domain.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.rows[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return c.Clone(), nil
}

func (r *memConnectionRepo) GetByIdentity(_ context.Context, userID string, platform domain.Platform, ext string) (*domain.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c := r.identity(userID, platform, ext); c != nil {
		return c.Clone(), nil
	}
	return nil, repository.ErrNotFound
}

func (r *memConnectionRepo) ListByUser(_ context.Context, userID string) ([]*domain.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*domain.Connection
	for _, id := range r.order {
		if c := r.rows[id]; c.UserID == userID {
			out = append(out, c.Clone())
		}
	}
	return out, nil
}

func (r *memConnectionRepo) ListDue(_ context.Context, now time.Time, limit int) ([]*domain.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*domain.Connection
	for _, id := range r.order {
		c := r.rows[id]
		if c.Status.Refreshable() && c.NextRefreshAt != nil && !c.NextRefreshAt.After(now) {
			out = append(out, c.Clone())
		}
	}
	slices.SortStableFunc(out, func(a, b *domain.Connection) int {
		return a.NextRefreshAt.Compare(*b.NextRefreshAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memConnectionRepo) ExpireActive(_ context.Context, now time.Time) ([]*domain.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*domain.Connection
	for _, id := range r.order {
		c := r.rows[id]
		if c.Status == domain.StatusActive && c.TokenExpired(now) {
			c.Status = domain.StatusTokenExpired
			c.UpdatedAt = now
			out = append(out, c.Clone())
		}
	}
	return out, nil
}

func (r *memConnectionRepo) all() []*domain.Connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*domain.Connection, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.rows[id].Clone())
	}
	return out
}

// memAuthRequests mirrors the Redis state store
type memAuthRequests struct {
	mu    sync.Mutex
	reqs  map[string]*domain.AuthorizationRequest
	clock *fakeClock
}

func newMemAuthRequests(clock *fakeClock) *memAuthRequests {
	return &memAuthRequests{reqs: make(map[string]*domain.AuthorizationRequest), clock: clock}
}

func (s *memAuthRequests) Save(_ context.Context, req *domain.AuthorizationRequest, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *req
	s.reqs[req.State] = &cp
	return nil
}

func (s *memAuthRequests) Consume(_ context.Context, state string) (*domain.AuthorizationRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.reqs[state]
	if !ok {
		return nil, repository.ErrNotFound
	}
	delete(s.reqs, state)
	if req.Expired(s.clock.Now()) {
		return nil, repository.ErrNotFound
	}
	return req, nil
}

func (s *memAuthRequests) Restore(_ context.Context, req *domain.AuthorizationRequest, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if req.Expired(now) {
		return nil
	}
	if _, ok := s.reqs[req.State]; !ok {
		cp := *req
		s.reqs[req.State] = &cp
	}
	return nil
}

type mockAdapter struct {
	mock.Mock
	platform domain.Platform
	pkce     bool
}

func (m *mockAdapter) Platform() domain.Platform { return m.platform }
func (m *mockAdapter) UsesPKCE() bool            { return m.pkce }
func (m *mockAdapter) DefaultScopes() []string   { return []string{"profile"} }

func (m *mockAdapter) BuildAuthorizeURL(state, codeVerifier string, scopes []string, redirectURI string) string {
	return "https://platform.example/authorize?state=" + state
}

func (m *mockAdapter) ExchangeCode(ctx context.Context, code, redirectURI, codeVerifier string) (*domain.TokenGrant, error) {
	args := m.Called(ctx, code, redirectURI, codeVerifier)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.TokenGrant), args.Error(1)
}

func (m *mockAdapter) RefreshToken(ctx context.Context, refreshToken string) (*domain.TokenGrant, error) {
	args := m.Called(ctx, refreshToken)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.TokenGrant), args.Error(1)
}

func (m *mockAdapter) Revoke(ctx context.Context, token string) error {
	args := m.Called(ctx, token)
	return args.Error(0)
}

func (m *mockAdapter) FetchProfile(ctx context.Context, accessToken string) (*domain.AccountProfile, error) {
	args := m.Called(ctx, accessToken)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.AccountProfile), args.Error(1)
}

func transientErr(op string) error {
	return &adapter.Error{Platform: domain.PlatformTwitter, Op: op, Kind: adapter.Transient, Status: 503}
}

func permanentErr(op string) error {
	return &adapter.Error{Platform: domain.PlatformTwitter, Op: op, Kind: adapter.Permanent, Status: 400, Code: "invalid_grant"}
}

type testEnv struct {
	clock      *fakeClock
	repo       *memConnectionRepo
	requests   *memAuthRequests
	adapter    *mockAdapter
	limiter    *RateLimitController
	locker     *MemoryLocker
	bus        *events.Bus
	store      *TokenStore
	auth       AuthorizationService
	registry   ConnectionRegistry
	disconnect DisconnectService
	scheduler  *RefreshScheduler
}

func newTestEnv(t *testing.T, limits ...RateLimitPolicy) *testEnv {
	t.Helper()

	clock := newFakeClock()
	logger := zap.NewNop()
	metrics := observability.NoopInstruments()

	rl := RateLimitPolicy{DefaultLimit: 100, Window: time.Minute}
	if len(limits) > 0 {
		rl = limits[0]
	}

	policy := domain.DefaultRefreshPolicy()
	policy.Jitter = 0
	policy.MaxRetries = 3

	env := &testEnv{
		clock:    clock,
		repo:     newMemConnectionRepo(),
		requests: newMemAuthRequests(clock),
		adapter:  &mockAdapter{platform: domain.PlatformTwitter, pkce: true},
		locker:   NewMemoryLocker(),
		bus:      events.NewBus(logger),
	}
	env.limiter = NewRateLimitController(NewMemoryRateLimiter(clock.Now), rl, metrics, logger)

	env.store = NewTokenStore(TokenStoreDeps{
		Repo:      env.repo,
		Adapters:  adapter.NewRegistry(env.adapter),
		Limiter:   env.limiter,
		Locker:    env.locker,
		Publisher: env.bus,
		Policy:    policy,
		Metrics:   metrics,
		Logger:    logger,
		Clock:     clock.Now,
	})
	env.auth = NewAuthorizationService(AuthorizationServiceDeps{
		Adapters:        adapter.NewRegistry(env.adapter),
		Requests:        env.requests,
		Store:           env.store,
		Limiter:         env.limiter,
		CallbackBaseURL: "https://app.example/api/v1/connections/callback/",
		StateTTL:        10 * time.Minute,
		LockWait:        time.Second,
		Metrics:         metrics,
		Logger:          logger,
		Clock:           clock.Now,
	})
	env.registry = NewConnectionRegistry(env.store, env.bus, logger)
	env.disconnect = NewDisconnectService(env.store, time.Second, logger)
	env.scheduler = NewRefreshScheduler(env.store, time.Minute, 50, 4, logger)

	t.Cleanup(env.bus.Close)
	return env
}

// seedActive stores an ACTIVE connection whose token expires in expiresIn
func (e *testEnv) seedActive(t *testing.T, userID, ext string, expiresIn time.Duration) *domain.Connection {
	t.Helper()

	c := &domain.Connection{
		UserID:            userID,
		Platform:          domain.PlatformTwitter,
		ExternalAccountID: ext,
		Scopes:            []string{"tweet.read"},
	}
	c.ApplyGrant(&domain.TokenGrant{
		AccessToken:  "access-" + ext,
		RefreshToken: "refresh-" + ext,
		ExpiresIn:    expiresIn,
	}, e.clock.Now(), e.store.Policy())

	if err := e.store.Create(context.Background(), c, domain.StatusPendingAuth); err != nil {
		t.Fatalf("seed connection: %v", err)
	}
	return c
}
