package service

import (
	"context"

	"github.com/prperemyshlev/social-connections/internal/domain"
	"github.com/prperemyshlev/social-connections/internal/events"
	"go.uber.org/zap"
)

// connectionRegistry implements ConnectionRegistry
type connectionRegistry struct {
	store  *TokenStore
	bus    *events.Bus
	logger *zap.Logger
}

// NewConnectionRegistry creates the read side over the token store
func NewConnectionRegistry(store *TokenStore, bus *events.Bus, logger *zap.Logger) ConnectionRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &connectionRegistry{store: store, bus: bus, logger: logger}
}

// List returns secret-free summaries of a user's connections. An ACTIVE
// connection is never reported with an expired token.
func (r *connectionRegistry) List(ctx context.Context, userID string) ([]domain.Summary, error) {
	conns, err := r.store.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	if r.anyStale(conns) {
		if _, err := r.store.DemoteExpired(ctx); err != nil {
			return nil, err
		}
		if conns, err = r.store.ListByUser(ctx, userID); err != nil {
			return nil, err
		}
	}

	out := make([]domain.Summary, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.Summary())
	}
	return out, nil
}

// Get returns one connection with its tokens for internal consumers
func (r *connectionRegistry) Get(ctx context.Context, id string) (*domain.Connection, error) {
	c, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.anyStale([]*domain.Connection{c}) {
		if _, err := r.store.DemoteExpired(ctx); err != nil {
			return nil, err
		}
		return r.store.Get(ctx, id)
	}
	return c, nil
}

// Subscribe streams status changes of a user's connections
func (r *connectionRegistry) Subscribe(userID string) (<-chan events.StatusChange, func()) {
	return r.bus.Subscribe(userID)
}

func (r *connectionRegistry) anyStale(conns []*domain.Connection) bool {
	now := r.store.now()
	for _, c := range conns {
		if c.Status == domain.StatusActive && c.TokenExpired(now) {
			return true
		}
	}
	return false
}
