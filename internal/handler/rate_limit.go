package handler

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prperemyshlev/social-connections/internal/dto"
	"github.com/prperemyshlev/social-connections/internal/service"
	"go.uber.org/zap"
)

// RateLimitMiddleware limits inbound requests per key. It shares the backend
// of the platform rate limit controller under an "ingress:" key prefix.
func RateLimitMiddleware(backend service.RateLimitBackend, limit int, window time.Duration, keyFunc func(*gin.Context) string, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := "ingress:" + keyFunc(c)

		decision, err := backend.Acquire(c.Request.Context(), key, limit, window)
		if err != nil {
			logger.Warn("Ingress rate limit unavailable", zap.Error(err))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))

		if !decision.Allowed {
			c.Header("Retry-After", retryAfterSeconds(decision.RetryAfter))
			c.JSON(http.StatusTooManyRequests, dto.ErrorResponse{
				Error:   "Too Many Requests",
				Message: "Rate limit exceeded",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

// IPBasedKey keys requests by client IP. Forwarding headers are only honored
// from proxies trusted via gin's SetTrustedProxies.
func IPBasedKey(c *gin.Context) string {
	return c.ClientIP()
}

// UserBasedKey keys authenticated routes by caller, falling back to IP
func UserBasedKey(c *gin.Context) string {
	if id := currentUserID(c); id != "" {
		return "user:" + id
	}
	return IPBasedKey(c)
}

// retryAfterSeconds renders a Retry-After value, rounded up to whole seconds
func retryAfterSeconds(d time.Duration) string {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
