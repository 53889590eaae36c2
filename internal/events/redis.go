package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/prperemyshlev/social-connections/pkg/database"
)

// RedisPublisher announces changes on <prefix><userId> so other instances and
// subsystems can react without polling
type RedisPublisher struct {
	redis  *database.Redis
	prefix string
}

func NewRedisPublisher(redis *database.Redis, prefix string) *RedisPublisher {
	return &RedisPublisher{redis: redis, prefix: prefix}
}

// Channel returns the Pub/Sub channel for a user
func (p *RedisPublisher) Channel(userID string) string {
	return p.prefix + userID
}

func (p *RedisPublisher) Publish(ctx context.Context, change StatusChange) error {
	payload, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("failed to encode status change: %w", err)
	}

	if err := p.redis.Client.Publish(ctx, p.Channel(change.UserID), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish status change: %w", err)
	}

	return nil
}
