// Package lock provides the per-account exclusivity the rebalancing pass
// and the inventory fold require: one holder per key at a time, never
// waiting. A caller that cannot acquire a key skips its cycle.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLocked is returned when the key is already held.
var ErrLocked = errors.New("lock: already held")

// Locker acquires keyed locks. The returned release function is safe to
// call more than once.
type Locker interface {
	TryLock(ctx context.Context, key string) (release func(), err error)
}

// RebalanceKey is the lock key of an account's rebalancing pass.
func RebalanceKey(accountID string) string { return "rebalance:" + accountID }

// InventoryKey is the lock key of an account's inventory fold.
func InventoryKey(accountID string) string { return "inventory:" + accountID }

// KeyedMutex is an in-process Locker for single-instance deployments.
type KeyedMutex struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewKeyedMutex creates an empty in-process locker.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{held: make(map[string]struct{})}
}

func (m *KeyedMutex) TryLock(_ context.Context, key string) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.held[key]; ok {
		return nil, fmt.Errorf("%s: %w", key, ErrLocked)
	}
	m.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.held, key)
			m.mu.Unlock()
		})
	}, nil
}

// releaseScript deletes the key only if it still carries our token, so an
// expired lock re-acquired by another process is never released by us.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisLocker is a Locker shared by every instance connected to the same
// Redis. Locks expire after ttl so a crashed holder cannot block an
// account forever; ttl must exceed the longest expected pass.
type RedisLocker struct {
	rdb    *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisLocker creates a Redis-backed locker.
func NewRedisLocker(rdb *redis.Client, ttl time.Duration) *RedisLocker {
	return &RedisLocker{rdb: rdb, ttl: ttl, prefix: "lock:"}
}

func (l *RedisLocker) TryLock(ctx context.Context, key string) (func(), error) {
	k := l.prefix + key
	token := uuid.New().String()

	ok, err := l.rdb.SetNX(ctx, k, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, ErrLocked)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// The caller's context may already be canceled.
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			releaseScript.Run(ctx, l.rdb, []string{k}, token)
		})
	}, nil
}
