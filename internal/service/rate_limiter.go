package service

import (
	"context"
	"slices"
	"time"

	"github.com/prperemyshlev/social-connections/internal/domain"
	"github.com/prperemyshlev/social-connections/pkg/observability"
	"go.uber.org/zap"
)

// Decision is the outcome of one rate limit acquisition
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// RateLimitBackend stores sliding window logs. Requests whose age is at least
// window no longer count.
type RateLimitBackend interface {
	Acquire(ctx context.Context, key string, limit int, window time.Duration) (Decision, error)
	Window(ctx context.Context, key string, limit int, window time.Duration) (domain.RateLimitWindow, error)
}

// RateLimitPolicy holds per-platform limits
type RateLimitPolicy struct {
	DefaultLimit   int
	Window         time.Duration
	PlatformLimits map[string]int
	// PerAccount lists platforms whose limits apply per external account
	PerAccount []string
}

// RateLimitController guards every outbound platform call
type RateLimitController struct {
	backend RateLimitBackend
	policy  RateLimitPolicy
	metrics *observability.Instruments
	logger  *zap.Logger
}

func NewRateLimitController(backend RateLimitBackend, policy RateLimitPolicy, metrics *observability.Instruments, logger *zap.Logger) *RateLimitController {
	return &RateLimitController{
		backend: backend,
		policy:  policy,
		metrics: metrics,
		logger:  logger,
	}
}

// Key returns the window key for a platform call. accountID is ignored unless
// the platform is limited per account.
func (c *RateLimitController) Key(platform domain.Platform, accountID string) string {
	if accountID != "" && slices.Contains(c.policy.PerAccount, string(platform)) {
		return string(platform) + ":" + accountID
	}
	return string(platform)
}

// Limit returns the request budget per window for platform
func (c *RateLimitController) Limit(platform domain.Platform) int {
	if limit, ok := c.policy.PlatformLimits[string(platform)]; ok && limit > 0 {
		return limit
	}
	return c.policy.DefaultLimit
}

// TryAcquire records one call against the platform's window. A denial is
// returned as *domain.RateLimitError. Backend failures are logged and the call
// is let through.
func (c *RateLimitController) TryAcquire(ctx context.Context, platform domain.Platform, accountID string) (Decision, error) {
	key := c.Key(platform, accountID)
	limit := c.Limit(platform)

	decision, err := c.backend.Acquire(ctx, key, limit, c.policy.Window)
	if err != nil {
		c.logger.Warn("Rate limit backend unavailable, allowing call",
			zap.String("key", key),
			zap.Error(err),
		)
		return Decision{Allowed: true, Limit: limit}, nil
	}

	if !decision.Allowed {
		c.metrics.RecordRateLimited(ctx, string(platform))
		return decision, &domain.RateLimitError{Key: key, RetryAfter: decision.RetryAfter}
	}

	return decision, nil
}

// Window returns the current window for platform and account
func (c *RateLimitController) Window(ctx context.Context, platform domain.Platform, accountID string) (domain.RateLimitWindow, error) {
	return c.backend.Window(ctx, c.Key(platform, accountID), c.Limit(platform), c.policy.Window)
}

// Backend exposes the store so the HTTP ingress limiter shares it
func (c *RateLimitController) Backend() RateLimitBackend {
	return c.backend
}
