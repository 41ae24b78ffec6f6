package queue

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix  = "queue:"
	tenantsKey = keyPrefix + "tenants"
)

// reapScript pops every member of the since set (KEYS[2]) scored at or below ARGV[1] and returns the
// ones that were still in the line (KEYS[1]).
var reapScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
local out = {}
for _, id in ipairs(ids) do
  if redis.call('ZREM', KEYS[1], id) == 1 then
    table.insert(out, id)
  end
  redis.call('ZREM', KEYS[2], id)
end
return out
`)

// RedisManager stores each tenant's line as a sorted set scored by a monotonically increasing
// sequence, so ZRANK gives the FIFO position and ZREM/ZPOPMIN are atomic. A companion set scored by
// enqueue time in milliseconds drives per-entry retention.
type RedisManager struct {
	client    *redis.Client
	retention time.Duration
	now       func() time.Time
}

// NewRedisManager creates a Redis-backed queue manager
func NewRedisManager(client *redis.Client, retention time.Duration) *RedisManager {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &RedisManager{client: client, retention: retention, now: time.Now}
}

// WithClock replaces the time source used to stamp and expire entries
func (m *RedisManager) WithClock(now func() time.Time) *RedisManager {
	m.now = now
	return m
}

func (m *RedisManager) queueKey(tenantID string) string {
	return keyPrefix + tenantID
}

func (m *RedisManager) seqKey(tenantID string) string {
	return keyPrefix + tenantID + ":seq"
}

func (m *RedisManager) sinceKey(tenantID string) string {
	return keyPrefix + tenantID + ":since"
}

// add inserts requestID with a fresh sequence score. nx keeps an existing entry in place.
func (m *RedisManager) add(ctx context.Context, tenantID, requestID string, nx bool) (int, error) {
	key := m.queueKey(tenantID)
	seq, err := m.client.Incr(ctx, m.seqKey(tenantID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to allocate queue sequence: %w", err)
	}

	var rank *redis.IntCmd
	_, err = m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		member := redis.Z{Score: float64(seq), Member: requestID}
		since := redis.Z{Score: float64(m.now().UnixMilli()), Member: requestID}
		if nx {
			pipe.ZAddNX(ctx, key, member)
			pipe.ZAddNX(ctx, m.sinceKey(tenantID), since)
		} else {
			pipe.ZAdd(ctx, key, member)
			pipe.ZAdd(ctx, m.sinceKey(tenantID), since)
		}
		pipe.SAdd(ctx, tenantsKey, tenantID)
		rank = pipe.ZRank(ctx, key, requestID)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue %s: %w", requestID, err)
	}
	return int(rank.Val()) + 1, nil
}

func (m *RedisManager) Enqueue(ctx context.Context, tenantID, requestID string) (int, error) {
	return m.add(ctx, tenantID, requestID, true)
}

func (m *RedisManager) Requeue(ctx context.Context, tenantID, requestID string) (int, error) {
	return m.add(ctx, tenantID, requestID, false)
}

func (m *RedisManager) Position(ctx context.Context, tenantID, requestID string) (int, error) {
	rank, err := m.client.ZRank(ctx, m.queueKey(tenantID), requestID).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read queue position: %w", err)
	}
	return int(rank) + 1, nil
}

func (m *RedisManager) DequeueFront(ctx context.Context, tenantID string) (string, bool, error) {
	popped, err := m.client.ZPopMin(ctx, m.queueKey(tenantID), 1).Result()
	if err != nil {
		return "", false, fmt.Errorf("failed to dequeue: %w", err)
	}
	if len(popped) == 0 {
		return "", false, nil
	}
	id, _ := popped[0].Member.(string)
	if err := m.client.ZRem(ctx, m.sinceKey(tenantID), id).Err(); err != nil {
		return "", false, fmt.Errorf("failed to clear enqueue time of %s: %w", id, err)
	}
	return id, true, nil
}

func (m *RedisManager) Peek(ctx context.Context, tenantID string) (string, bool, error) {
	ids, err := m.client.ZRange(ctx, m.queueKey(tenantID), 0, 0).Result()
	if err != nil {
		return "", false, fmt.Errorf("failed to peek queue: %w", err)
	}
	if len(ids) == 0 {
		return "", false, nil
	}
	return ids[0], true, nil
}

func (m *RedisManager) Remove(ctx context.Context, tenantID, requestID string) error {
	_, err := m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, m.queueKey(tenantID), requestID)
		pipe.ZRem(ctx, m.sinceKey(tenantID), requestID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to remove %s from queue: %w", requestID, err)
	}
	return nil
}

func (m *RedisManager) Length(ctx context.Context, tenantID string) (int, error) {
	n, err := m.client.ZCard(ctx, m.queueKey(tenantID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read queue length: %w", err)
	}
	return int(n), nil
}

func (m *RedisManager) List(ctx context.Context, tenantID string, limit int) ([]string, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	ids, err := m.client.ZRange(ctx, m.queueKey(tenantID), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list queue: %w", err)
	}
	return ids, nil
}

func (m *RedisManager) Expired(ctx context.Context, tenantID string) ([]string, error) {
	cutoff := m.now().Add(-m.retention).UnixMilli()
	ids, err := reapScript.Run(ctx, m.client,
		[]string{m.queueKey(tenantID), m.sinceKey(tenantID)},
		strconv.FormatInt(cutoff, 10),
	).StringSlice()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to reap expired queue entries: %w", err)
	}
	return ids, nil
}

func (m *RedisManager) Tenants(ctx context.Context) ([]string, error) {
	members, err := m.client.SMembers(ctx, tenantsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list queue tenants: %w", err)
	}

	var tenants []string
	var empty []any
	for _, tenantID := range members {
		n, err := m.client.ZCard(ctx, m.queueKey(tenantID)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read queue length: %w", err)
		}
		if n == 0 {
			empty = append(empty, tenantID)
			continue
		}
		tenants = append(tenants, tenantID)
	}
	if len(empty) > 0 {
		m.client.SRem(ctx, tenantsKey, empty...)
	}
	sort.Strings(tenants)
	return tenants, nil
}
