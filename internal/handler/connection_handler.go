package handler

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prperemyshlev/social-connections/internal/domain"
	"github.com/prperemyshlev/social-connections/internal/dto"
	"github.com/prperemyshlev/social-connections/internal/service"
	"go.uber.org/zap"
)

const eventsHeartbeat = 25 * time.Second

// ConnectionHandler handles social account connection requests
type ConnectionHandler struct {
	auth       service.AuthorizationService
	registry   service.ConnectionRegistry
	refresher  service.TokenRefresher
	disconnect service.DisconnectService
	quota      service.QuotaReader
	logger     *zap.Logger
}

// NewConnectionHandler creates a new connection handler
func NewConnectionHandler(
	auth service.AuthorizationService,
	registry service.ConnectionRegistry,
	refresher service.TokenRefresher,
	disconnect service.DisconnectService,
	quota service.QuotaReader,
	logger *zap.Logger,
) *ConnectionHandler {
	return &ConnectionHandler{
		auth:       auth,
		registry:   registry,
		refresher:  refresher,
		disconnect: disconnect,
		quota:      quota,
		logger:     logger,
	}
}

// Connect starts the OAuth flow for a platform
// @Summary Start linking a social account
// @Tags connections
// @Accept json
// @Produce json
// @Param platform path string true "Platform"
// @Param request body dto.ConnectRequest false "Scopes and reconnect target"
// @Success 200 {object} dto.ConnectResponse
// @Failure 404 {object} dto.ErrorResponse
// @Failure 429 {object} dto.ErrorResponse
// @Router /connect/{platform} [post]
func (h *ConnectionHandler) Connect(c *gin.Context) {
	platform, err := domain.ParsePlatform(c.Param("platform"))
	if err != nil {
		respondError(c, err, nil)
		return
	}

	var req dto.ConnectRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{
			Error:   "Validation failed",
			Message: err.Error(),
		})
		return
	}

	res, err := h.auth.Initiate(c.Request.Context(), service.InitiateRequest{
		UserID:       currentUserID(c),
		Platform:     platform,
		Scopes:       req.Scopes,
		ConnectionID: req.ConnectionID,
	})
	if err != nil {
		respondError(c, err, nil)
		return
	}

	c.JSON(http.StatusOK, dto.ConnectResponse{
		AuthorizeURL: res.AuthorizeURL,
		State:        res.State,
		ExpiresAt:    res.ExpiresAt,
		Status:       res.Status,
	})
}

// Callback completes the OAuth flow. It is called by the platform redirect
// and carries no bearer token; the state identifies the user.
// @Summary OAuth redirect target
// @Tags connections
// @Produce json
// @Param platform path string true "Platform"
// @Success 200 {object} domain.Summary
// @Failure 400 {object} dto.ErrorResponse
// @Failure 403 {object} dto.ErrorResponse
// @Router /callback/{platform} [get]
func (h *ConnectionHandler) Callback(c *gin.Context) {
	platform, err := domain.ParsePlatform(c.Param("platform"))
	if err != nil {
		respondError(c, err, nil)
		return
	}

	conn, err := h.auth.HandleCallback(c.Request.Context(), service.CallbackParams{
		Platform:         platform,
		Code:             c.Query("code"),
		State:            c.Query("state"),
		Error:            c.Query("error"),
		ErrorDescription: c.Query("error_description"),
	})
	if err != nil {
		respondError(c, err, conn)
		return
	}

	c.JSON(http.StatusOK, conn.Summary())
}

// ListAccounts returns the caller's connections
// @Summary List linked accounts
// @Tags accounts
// @Produce json
// @Success 200 {object} dto.AccountsResponse
// @Failure 403 {object} dto.ErrorResponse
// @Router /accounts [get]
func (h *ConnectionHandler) ListAccounts(c *gin.Context) {
	userID := currentUserID(c)
	if requested := c.Query("userId"); requested != "" && requested != userID {
		c.JSON(http.StatusForbidden, dto.ErrorResponse{
			Error:   "Forbidden",
			Message: "Cannot list another user's accounts",
		})
		return
	}

	accounts, err := h.registry.List(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("Failed to list accounts", zap.String("user_id", userID), zap.Error(err))
		respondError(c, err, nil)
		return
	}

	c.JSON(http.StatusOK, dto.AccountsResponse{Accounts: accounts})
}

// GetAccount returns one of the caller's connections
// @Summary Get a linked account
// @Tags accounts
// @Produce json
// @Success 200 {object} domain.Summary
// @Failure 404 {object} dto.ErrorResponse
// @Router /accounts/{id} [get]
func (h *ConnectionHandler) GetAccount(c *gin.Context) {
	conn, ok := h.owned(c)
	if !ok {
		return
	}
	h.setQuotaHeaders(c, conn)
	c.JSON(http.StatusOK, conn.Summary())
}

// setQuotaHeaders reports the platform quota the connection draws from
func (h *ConnectionHandler) setQuotaHeaders(c *gin.Context, conn *domain.Connection) {
	if h.quota == nil {
		return
	}
	w, err := h.quota.Window(c.Request.Context(), conn.Platform, conn.ExternalAccountID)
	if err != nil {
		h.logger.Debug("Failed to read platform quota",
			zap.String("connection_id", conn.ID),
			zap.Error(err),
		)
		return
	}
	c.Header("X-Platform-RateLimit-Limit", strconv.Itoa(w.Limit))
	c.Header("X-Platform-RateLimit-Remaining", strconv.Itoa(w.Remaining()))
	c.Header("X-Platform-RateLimit-Reset", strconv.FormatInt(w.ResetAt().Unix(), 10))
}

// RefreshAccount refreshes the token now
// @Summary Refresh a linked account's token
// @Tags accounts
// @Produce json
// @Success 200 {object} domain.Summary
// @Failure 409 {object} dto.ErrorResponse
// @Failure 422 {object} dto.ErrorResponse
// @Router /accounts/{id}/refresh [post]
func (h *ConnectionHandler) RefreshAccount(c *gin.Context) {
	if _, ok := h.owned(c); !ok {
		return
	}

	conn, err := h.refresher.Refresh(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err, conn)
		return
	}

	c.JSON(http.StatusOK, conn.Summary())
}

// DeleteAccount disconnects the account. Revocation failures at the platform
// are logged and do not fail the request.
// @Summary Disconnect a linked account
// @Tags accounts
// @Produce json
// @Success 200 {object} domain.Summary
// @Failure 404 {object} dto.ErrorResponse
// @Router /accounts/{id} [delete]
func (h *ConnectionHandler) DeleteAccount(c *gin.Context) {
	if _, ok := h.owned(c); !ok {
		return
	}

	conn, err := h.disconnect.Disconnect(c.Request.Context(), c.Param("id"))
	if err != nil {
		if !errors.Is(err, domain.ErrRevocationFailed) || conn == nil {
			respondError(c, err, conn)
			return
		}
		h.logger.Warn("Disconnected without platform revocation",
			zap.String("connection_id", conn.ID),
			zap.Error(err),
		)
	}

	c.JSON(http.StatusOK, conn.Summary())
}

// Events streams the caller's connection status changes as Server-Sent Events
// @Summary Stream status changes
// @Tags accounts
// @Produce text/event-stream
// @Router /accounts/events [get]
func (h *ConnectionHandler) Events(c *gin.Context) {
	changes, unsubscribe := h.registry.Subscribe(currentUserID(c))
	defer unsubscribe()

	heartbeat := time.NewTicker(eventsHeartbeat)
	defer heartbeat.Stop()

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Header("Content-Type", "text/event-stream")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case change, ok := <-changes:
			if !ok {
				return false
			}
			c.SSEvent("status", change)
			return true
		case <-heartbeat.C:
			c.SSEvent("heartbeat", time.Now().UTC())
			return true
		case <-ctx.Done():
			return false
		}
	})
}

// owned loads the :id connection and answers 404 unless it belongs to the caller
func (h *ConnectionHandler) owned(c *gin.Context) (*domain.Connection, bool) {
	conn, err := h.registry.Get(c.Request.Context(), c.Param("id"))
	if err == nil && conn.UserID != currentUserID(c) {
		err = domain.ErrConnectionNotFound
	}
	if err != nil {
		respondError(c, err, nil)
		return nil, false
	}
	return conn, true
}
