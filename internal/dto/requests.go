package dto

import (
	"time"

	"github.com/prperemyshlev/social-connections/internal/domain"
)

// ConnectRequest represents a request to start linking an account. Both
// fields are optional.
type ConnectRequest struct {
	Scopes       []string `json:"scopes"`
	ConnectionID string   `json:"connection_id" binding:"omitempty,uuid"`
}

// ConnectResponse tells the client where to redirect the user
type ConnectResponse struct {
	AuthorizeURL string                  `json:"authorize_url"`
	State        string                  `json:"state"`
	ExpiresAt    time.Time               `json:"expires_at"`
	Status       domain.ConnectionStatus `json:"status"`
}

// AccountsResponse represents a user's connections
type AccountsResponse struct {
	Accounts []domain.Summary `json:"accounts"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string      `json:"error"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}
