package domain

// ConnectionStatus is the lifecycle state of a social account connection
type ConnectionStatus string

const (
	StatusDisconnected    ConnectionStatus = "DISCONNECTED"
	StatusPendingAuth     ConnectionStatus = "PENDING_AUTH"
	StatusActive          ConnectionStatus = "ACTIVE"
	StatusTokenRefreshing ConnectionStatus = "TOKEN_REFRESHING"
	StatusRateLimited     ConnectionStatus = "RATE_LIMITED"
	StatusTokenExpired    ConnectionStatus = "TOKEN_EXPIRED"
	StatusError           ConnectionStatus = "ERROR"
)

// Refreshable reports whether a refresh may start from this status.
// TOKEN_REFRESHING left behind by an interrupted refresh is recoverable.
func (s ConnectionStatus) Refreshable() bool {
	switch s {
	case StatusActive, StatusTokenExpired, StatusRateLimited, StatusTokenRefreshing:
		return true
	}
	return false
}

func (s ConnectionStatus) String() string {
	return string(s)
}
