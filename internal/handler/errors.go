package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prperemyshlev/social-connections/internal/domain"
	"github.com/prperemyshlev/social-connections/internal/dto"
)

type errorMapping struct {
	target error
	status int
	title  string
}

// errorMappings is checked in order; the first match wins
var errorMappings = []errorMapping{
	{domain.ErrRateLimitExceeded, http.StatusTooManyRequests, "Too Many Requests"},
	{domain.ErrInvalidOrExpiredState, http.StatusBadRequest, "Invalid state"},
	{domain.ErrAuthorizationDenied, http.StatusForbidden, "Authorization denied"},
	{domain.ErrTokenExchangeTransient, http.StatusServiceUnavailable, "Platform unavailable"},
	{domain.ErrTokenExchangeFailed, http.StatusBadRequest, "Token exchange failed"},
	{domain.ErrRefreshTransient, http.StatusServiceUnavailable, "Platform unavailable"},
	{domain.ErrRefreshFailed, http.StatusUnprocessableEntity, "Refresh failed"},
	{domain.ErrReconnectRequired, http.StatusUnprocessableEntity, "Reconnect required"},
	{domain.ErrUnsupportedPlatform, http.StatusNotFound, "Unsupported platform"},
	{domain.ErrRefreshInProgress, http.StatusConflict, "Refresh in progress"},
	{domain.ErrConnectionNotFound, http.StatusNotFound, "Not found"},
	{domain.ErrLockTimeout, http.StatusServiceUnavailable, "Busy"},
}

func statusFor(err error) (int, string) {
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			return m.status, m.title
		}
	}
	return http.StatusInternalServerError, "Internal server error"
}

// respondError writes err as an ErrorResponse. conn, when present, is
// attached as details so clients can read its status and last error.
func respondError(c *gin.Context, err error, conn *domain.Connection) {
	status, title := statusFor(err)

	if retryAfter, ok := domain.RetryAfter(err); ok {
		c.Header("Retry-After", retryAfterSeconds(retryAfter))
	}

	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "An unexpected error occurred"
	}

	resp := dto.ErrorResponse{Error: title, Message: message}
	if conn != nil {
		resp.Details = conn.Summary()
	}
	c.JSON(status, resp)
}
