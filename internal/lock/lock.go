// Package lock serializes account creation per (platform, niche) slot.
// Signup flows burn rented phone numbers and captcha credits, so two
// orchestrator replicas must never create into the same slot at once.
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sovi-systems/devicecore/internal/store"
)

const keyPrefix = "devicecore:creation:"

func slotKey(platform store.Platform, nicheSlug string) string {
	return fmt.Sprintf("%s%s:%s", keyPrefix, platform, nicheSlug)
}

// Locker grants exclusive creation rights for one slot.
type Locker interface {
	Acquire(ctx context.Context, platform store.Platform, nicheSlug string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, platform store.Platform, nicheSlug string) error
}

// RedisLocker implements Locker with Redis SET NX EX. The TTL bounds the
// damage of a crashed holder.
type RedisLocker struct {
	rdb *redis.Client
}

func New(rdb *redis.Client) *RedisLocker {
	return &RedisLocker{rdb: rdb}
}

func (l *RedisLocker) Acquire(ctx context.Context, platform store.Platform, nicheSlug string, ttl time.Duration) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, slotKey(platform, nicheSlug), "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis SetNX: %w", err)
	}
	return ok, nil
}

func (l *RedisLocker) Release(ctx context.Context, platform store.Platform, nicheSlug string) error {
	return l.rdb.Del(ctx, slotKey(platform, nicheSlug)).Err()
}

// MemoryLocker is the single-process fallback when no Redis address is
// configured. Honors TTL expiry the same way Redis does.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]time.Time
	now   func() time.Time
}

func NewMemory() *MemoryLocker {
	return &MemoryLocker{locks: make(map[string]time.Time), now: time.Now}
}

func (m *MemoryLocker) Acquire(_ context.Context, platform store.Platform, nicheSlug string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := slotKey(platform, nicheSlug)
	if expiry, held := m.locks[key]; held && m.now().Before(expiry) {
		return false, nil
	}
	m.locks[key] = m.now().Add(ttl)
	return true, nil
}

func (m *MemoryLocker) Release(_ context.Context, platform store.Platform, nicheSlug string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, slotKey(platform, nicheSlug))
	return nil
}
