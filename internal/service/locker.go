package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prperemyshlev/social-connections/internal/domain"
	"github.com/prperemyshlev/social-connections/pkg/database"
	"github.com/redis/go-redis/v9"
)

// Locker provides named mutual exclusion. The returned unlock func is safe to
// call more than once.
type Locker interface {
	// TryLock acquires key without waiting. ok is false when it is held.
	TryLock(ctx context.Context, key string) (unlock func(), ok bool, err error)
	// Lock waits up to wait for key and fails with domain.ErrLockTimeout
	Lock(ctx context.Context, key string, wait time.Duration) (unlock func(), err error)
}

func connectionLockKey(id string) string {
	return "lock:connection:" + id
}

// MemoryLocker serializes within one process
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]chan struct{}
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]chan struct{})}
}

// acquire returns (release channel, true) on success or the current holder's
// release channel and false
func (l *MemoryLocker) acquire(key string) (chan struct{}, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if ch, ok := l.held[key]; ok {
		return ch, false
	}
	ch := make(chan struct{})
	l.held[key] = ch
	return ch, true
}

func (l *MemoryLocker) unlockFunc(key string, ch chan struct{}) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
			close(ch)
		})
	}
}

func (l *MemoryLocker) TryLock(_ context.Context, key string) (func(), bool, error) {
	ch, ok := l.acquire(key)
	if !ok {
		return nil, false, nil
	}
	return l.unlockFunc(key, ch), true, nil
}

func (l *MemoryLocker) Lock(ctx context.Context, key string, wait time.Duration) (func(), error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		ch, ok := l.acquire(key)
		if ok {
			return l.unlockFunc(key, ch), nil
		}

		select {
		case <-ch:
		case <-timer.C:
			return nil, fmt.Errorf("%s: %w", key, domain.ErrLockTimeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

var releaseLockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

const (
	lockPollInterval   = 50 * time.Millisecond
	lockReleaseTimeout = 2 * time.Second
)

// RedisLocker serializes across instances with SET NX PX. A lock outlives a
// crashed holder by at most ttl.
type RedisLocker struct {
	redis *database.Redis
	ttl   time.Duration
}

func NewRedisLocker(redis *database.Redis, ttl time.Duration) *RedisLocker {
	return &RedisLocker{redis: redis, ttl: ttl}
}

func (l *RedisLocker) TryLock(ctx context.Context, key string) (func(), bool, error) {
	token := uuid.NewString()

	ok, err := l.redis.Client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}

	var once sync.Once
	unlock := func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), lockReleaseTimeout)
			defer cancel()
			// Only the holder's token may delete the key
			_ = releaseLockScript.Run(ctx, l.redis.Client, []string{key}, token).Err()
		})
	}
	return unlock, true, nil
}

func (l *RedisLocker) Lock(ctx context.Context, key string, wait time.Duration) (func(), error) {
	deadline := time.Now().Add(wait)
	ticker := time.NewTicker(lockPollInterval)
	defer ticker.Stop()

	for {
		unlock, ok, err := l.TryLock(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			return unlock, nil
		}

		if !time.Now().Before(deadline) {
			return nil, fmt.Errorf("%s: %w", key, domain.ErrLockTimeout)
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%s: %w", key, domain.ErrLockTimeout)
			}
			return nil, ctx.Err()
		}
	}
}
