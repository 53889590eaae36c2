package service

import (
	"context"
	"sync"
	"time"

	"github.com/prperemyshlev/social-connections/internal/domain"
)

// MemoryRateLimiter keeps sliding windows in process. Limits are not shared
// between instances.
type MemoryRateLimiter struct {
	mu      sync.Mutex
	windows map[string]*slidingWindow
	now     func() time.Time
}

type slidingWindow struct {
	mu     sync.Mutex
	stamps []time.Time
}

func NewMemoryRateLimiter(now func() time.Time) *MemoryRateLimiter {
	if now == nil {
		now = time.Now
	}
	return &MemoryRateLimiter{
		windows: make(map[string]*slidingWindow),
		now:     now,
	}
}

func (m *MemoryRateLimiter) window(key string) *slidingWindow {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.windows[key]
	if !ok {
		w = &slidingWindow{}
		m.windows[key] = w
	}
	return w
}

// prune drops stamps whose age is at least window. Caller holds w.mu.
func (w *slidingWindow) prune(now time.Time, window time.Duration) {
	i := 0
	for i < len(w.stamps) && now.Sub(w.stamps[i]) >= window {
		i++
	}
	w.stamps = w.stamps[i:]
}

func (m *MemoryRateLimiter) Acquire(_ context.Context, key string, limit int, window time.Duration) (Decision, error) {
	w := m.window(key)
	now := m.now()

	w.mu.Lock()
	defer w.mu.Unlock()

	w.prune(now, window)

	if len(w.stamps) < limit {
		w.stamps = append(w.stamps, now)
		return Decision{Allowed: true, Limit: limit, Remaining: limit - len(w.stamps)}, nil
	}

	return Decision{
		Allowed:    false,
		Limit:      limit,
		RetryAfter: w.stamps[0].Add(window).Sub(now),
	}, nil
}

func (m *MemoryRateLimiter) Window(_ context.Context, key string, limit int, window time.Duration) (domain.RateLimitWindow, error) {
	w := m.window(key)
	now := m.now()

	w.mu.Lock()
	defer w.mu.Unlock()

	w.prune(now, window)

	start := now
	if len(w.stamps) > 0 {
		start = w.stamps[0]
	}

	return domain.RateLimitWindow{
		Key:            key,
		WindowStart:    start,
		RequestCount:   len(w.stamps),
		Limit:          limit,
		WindowDuration: window,
	}, nil
}
