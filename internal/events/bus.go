package events

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

const defaultBufferSize = 64

// Bus is the in-process sink. Topics are user ids, so a subscriber only sees
// changes to its own user's connections. Slow subscribers lose messages
// rather than block the publisher.
type Bus struct {
	mu        sync.RWMutex
	subs      map[string]map[int]chan StatusChange
	nextSubID int
	closed    bool

	logger *zap.Logger

	dropMu     sync.Mutex
	dropCounts map[string]uint64
}

func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		subs:       make(map[string]map[int]chan StatusChange),
		logger:     logger,
		dropCounts: make(map[string]uint64),
	}
}

func (b *Bus) Publish(_ context.Context, change StatusChange) error {
	topic := change.UserID
	if topic == "" {
		return nil
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil
	}

	for _, ch := range b.subs[topic] {
		select {
		case ch <- change:
		default:
			b.recordDrop(topic)
		}
	}
	return nil
}

// Subscribe returns a channel of the user's status changes and a func that
// unsubscribes and closes it
func (b *Bus) Subscribe(userID string) (<-chan StatusChange, func()) {
	ch := make(chan StatusChange, defaultBufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	if b.subs[userID] == nil {
		b.subs[userID] = make(map[int]chan StatusChange)
	}
	id := b.nextSubID
	b.nextSubID++
	b.subs[userID][id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if subs, ok := b.subs[userID]; ok {
				if _, ok := subs[id]; ok {
					delete(subs, id)
					close(ch)
				}
				if len(subs) == 0 {
					delete(b.subs, userID)
				}
			}
		})
	}

	return ch, unsubscribe
}

// Close closes every subscriber channel. Later publishes are dropped.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for topic, subs := range b.subs {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.subs, topic)
	}
}

func (b *Bus) recordDrop(topic string) {
	b.dropMu.Lock()
	defer b.dropMu.Unlock()
	b.dropCounts[topic]++
	if b.dropCounts[topic]%100 == 1 {
		b.logger.Warn("Dropping status events for slow subscriber",
			zap.String("user_id", topic),
			zap.Uint64("total_drops", b.dropCounts[topic]),
		)
	}
}
