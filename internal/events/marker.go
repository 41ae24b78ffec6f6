package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultMarkerTTL is how long a processed event is remembered
const DefaultMarkerTTL = 24 * time.Hour

// Marker remembers which events were already applied
type Marker interface {
	Seen(ctx context.Context, key string) (bool, error)
	Mark(ctx context.Context, key string) error
}

// RedisMarker keeps markers in Redis with a TTL
type RedisMarker struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisMarker creates a marker store on client
func NewRedisMarker(client *redis.Client, ttl time.Duration) *RedisMarker {
	if ttl <= 0 {
		ttl = DefaultMarkerTTL
	}
	return &RedisMarker{client: client, ttl: ttl}
}

func markerKey(key string) string {
	return "idem:" + key
}

func (m *RedisMarker) Seen(ctx context.Context, key string) (bool, error) {
	n, err := m.client.Exists(ctx, markerKey(key)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check idempotency marker: %w", err)
	}
	return n > 0, nil
}

func (m *RedisMarker) Mark(ctx context.Context, key string) error {
	if err := m.client.SetNX(ctx, markerKey(key), time.Now().UTC().Unix(), m.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set idempotency marker: %w", err)
	}
	return nil
}

// MemoryMarker keeps markers in process memory. Used for in-process delivery and tests.
type MemoryMarker struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]time.Time
}

// NewMemoryMarker creates an in-memory marker store
func NewMemoryMarker(ttl time.Duration) *MemoryMarker {
	if ttl <= 0 {
		ttl = DefaultMarkerTTL
	}
	return &MemoryMarker{ttl: ttl, now: time.Now, entries: make(map[string]time.Time)}
}

func (m *MemoryMarker) Seen(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	exp, ok := m.entries[key]
	if !ok {
		return false, nil
	}
	if !m.now().Before(exp) {
		delete(m.entries, key)
		return false, nil
	}
	return true, nil
}

func (m *MemoryMarker) Mark(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if exp, ok := m.entries[key]; ok && now.Before(exp) {
		return nil
	}
	m.entries[key] = now.Add(m.ttl)
	return nil
}
