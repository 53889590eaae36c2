// Package events fans connection status changes out to in-process subscribers,
// Redis Pub/Sub and optionally Kafka.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/prperemyshlev/social-connections/internal/domain"
)

// StatusChange is emitted whenever a connection's status is persisted with a
// different value than before
type StatusChange struct {
	ConnectionID   string                  `json:"connection_id"`
	UserID         string                  `json:"user_id"`
	Platform       domain.Platform         `json:"platform"`
	PreviousStatus domain.ConnectionStatus `json:"previous_status"`
	Status         domain.ConnectionStatus `json:"status"`
	LastError      string                  `json:"last_error,omitempty"`
	OccurredAt     time.Time               `json:"occurred_at"`
}

// NewStatusChange describes c moving from previous to its current status
func NewStatusChange(c *domain.Connection, previous domain.ConnectionStatus, at time.Time) StatusChange {
	return StatusChange{
		ConnectionID:   c.ID,
		UserID:         c.UserID,
		Platform:       c.Platform,
		PreviousStatus: previous,
		Status:         c.Status,
		LastError:      c.LastError,
		OccurredAt:     at,
	}
}

// Publisher delivers status changes to one sink
type Publisher interface {
	Publish(ctx context.Context, change StatusChange) error
}

// Multi publishes to every sink and joins their errors
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, change StatusChange) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, change); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
