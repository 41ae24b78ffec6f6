package presence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/dennisdiepolder/monti/handoff/internal/types"
	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix = "presence:"

	fieldStatus    = "status"
	fieldCurrent   = "current"
	fieldMax       = "max"
	fieldHeartbeat = "heartbeat"
	fieldAssigned  = "assigned"

	// Optimistic transactions give up after this many lost races
	maxTxRetries = 32
)

// RedisRegistry keeps presence in Redis. Each agent is a hash with its own TTL; the tenant's
// online set is pruned lazily when a member's hash has expired.
type RedisRegistry struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisRegistry creates a Redis-backed registry
func NewRedisRegistry(client *redis.Client, ttl time.Duration) *RedisRegistry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisRegistry{client: client, ttl: ttl}
}

func (r *RedisRegistry) agentKey(tenantID, agentID string) string {
	return keyPrefix + tenantID + ":agent:" + agentID
}

func (r *RedisRegistry) onlineKey(tenantID string) string {
	return keyPrefix + tenantID + ":online"
}

// watch runs fn inside WATCH/MULTI/EXEC on key, retrying when another writer wins the race.
func (r *RedisRegistry) watch(ctx context.Context, key string, fn func(tx *redis.Tx) error) error {
	for i := 0; i < maxTxRetries; i++ {
		err := r.client.Watch(ctx, fn, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("presence %s: %w", key, redis.TxFailedErr)
}

func (r *RedisRegistry) SetOnline(ctx context.Context, tenantID, agentID string, maxSessions int) error {
	if maxSessions <= 0 {
		return ErrInvalidCapacity
	}
	key := r.agentKey(tenantID, agentID)
	now := time.Now()

	return r.watch(ctx, key, func(tx *redis.Tx) error {
		current, err := tx.HGet(ctx, key, fieldCurrent).Int()
		if err != nil && err != redis.Nil {
			return err
		}
		if current > maxSessions {
			return ErrInvalidCapacity
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key,
				fieldStatus, string(types.PresenceOnline),
				fieldMax, maxSessions,
				fieldHeartbeat, now.UnixMilli(),
			)
			pipe.HSetNX(ctx, key, fieldCurrent, 0)
			pipe.Expire(ctx, key, r.ttl)
			pipe.SAdd(ctx, r.onlineKey(tenantID), agentID)
			return nil
		})
		return err
	})
}

func (r *RedisRegistry) SetAway(ctx context.Context, tenantID, agentID string) error {
	key := r.agentKey(tenantID, agentID)
	return r.watch(ctx, key, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotOnline
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, fieldStatus, string(types.PresenceAway))
			pipe.Expire(ctx, key, r.ttl)
			return nil
		})
		return err
	})
}

func (r *RedisRegistry) SetOffline(ctx context.Context, tenantID, agentID string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.agentKey(tenantID, agentID))
		pipe.SRem(ctx, r.onlineKey(tenantID), agentID)
		return nil
	})
	return err
}

func (r *RedisRegistry) Heartbeat(ctx context.Context, tenantID, agentID string) error {
	key := r.agentKey(tenantID, agentID)
	return r.watch(ctx, key, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotOnline
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, fieldHeartbeat, time.Now().UnixMilli())
			pipe.Expire(ctx, key, r.ttl)
			return nil
		})
		return err
	})
}

func (r *RedisRegistry) IncrementLoad(ctx context.Context, tenantID, agentID string) (int, error) {
	key := r.agentKey(tenantID, agentID)
	var result int

	err := r.watch(ctx, key, func(tx *redis.Tx) error {
		fields, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		if len(fields) == 0 {
			return ErrNotOnline
		}
		p := parsePresence(tenantID, agentID, fields)
		result = p.CurrentSessions
		if p.Status != types.PresenceOnline {
			return ErrNotAvailable
		}
		if p.CurrentSessions >= p.MaxSessions {
			return ErrCapacityExceeded
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, fieldCurrent, p.CurrentSessions+1)
			pipe.Expire(ctx, key, r.ttl)
			return nil
		})
		if err == nil {
			result = p.CurrentSessions + 1
		}
		return err
	})
	return result, err
}

func (r *RedisRegistry) DecrementLoad(ctx context.Context, tenantID, agentID string) (int, error) {
	key := r.agentKey(tenantID, agentID)
	var result int

	err := r.watch(ctx, key, func(tx *redis.Tx) error {
		current, err := tx.HGet(ctx, key, fieldCurrent).Int()
		if err == redis.Nil {
			result = 0
			return nil
		}
		if err != nil {
			return err
		}
		next := current - 1
		if next < 0 {
			next = 0
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, fieldCurrent, next)
			pipe.Expire(ctx, key, r.ttl)
			return nil
		})
		if err == nil {
			result = next
		}
		return err
	})
	return result, err
}

func (r *RedisRegistry) MarkAssigned(ctx context.Context, tenantID, agentID string, at time.Time) error {
	key := r.agentKey(tenantID, agentID)
	return r.watch(ctx, key, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotOnline
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, fieldAssigned, at.UnixMilli())
			return nil
		})
		return err
	})
}

func (r *RedisRegistry) GetStatus(ctx context.Context, tenantID, agentID string) (types.AgentPresence, error) {
	fields, err := r.client.HGetAll(ctx, r.agentKey(tenantID, agentID)).Result()
	if err != nil {
		return types.AgentPresence{}, fmt.Errorf("failed to read presence: %w", err)
	}
	if len(fields) == 0 {
		return offline(tenantID, agentID), nil
	}
	return parsePresence(tenantID, agentID, fields), nil
}

func (r *RedisRegistry) ListOnline(ctx context.Context, tenantID string) ([]types.AgentPresence, error) {
	all, err := r.List(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	online := all[:0]
	for _, p := range all {
		if p.Status == types.PresenceOnline {
			online = append(online, p)
		}
	}
	return online, nil
}

func (r *RedisRegistry) List(ctx context.Context, tenantID string) ([]types.AgentPresence, error) {
	members, err := r.client.SMembers(ctx, r.onlineKey(tenantID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list online set: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(members))
	for i, agentID := range members {
		cmds[i] = pipe.HGetAll(ctx, r.agentKey(tenantID, agentID))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to read presence entries: %w", err)
	}

	var expired []any
	result := make([]types.AgentPresence, 0, len(members))
	for i, agentID := range members {
		fields := cmds[i].Val()
		if len(fields) == 0 {
			expired = append(expired, agentID)
			continue
		}
		result = append(result, parsePresence(tenantID, agentID, fields))
	}
	if len(expired) > 0 {
		// Entries that timed out without an explicit logout
		r.client.SRem(ctx, r.onlineKey(tenantID), expired...)
	}

	sort.Slice(result, func(i, j int) bool { return result[i].AgentID < result[j].AgentID })
	return result, nil
}

func (r *RedisRegistry) CanAcceptMore(ctx context.Context, tenantID, agentID string) (bool, error) {
	p, err := r.GetStatus(ctx, tenantID, agentID)
	if err != nil {
		return false, err
	}
	return p.CanAcceptMore(), nil
}

func parsePresence(tenantID, agentID string, fields map[string]string) types.AgentPresence {
	p := types.AgentPresence{
		TenantID: tenantID,
		AgentID:  agentID,
		Status:   types.PresenceStatus(fields[fieldStatus]),
	}
	p.CurrentSessions, _ = strconv.Atoi(fields[fieldCurrent])
	p.MaxSessions, _ = strconv.Atoi(fields[fieldMax])
	if ms, err := strconv.ParseInt(fields[fieldHeartbeat], 10, 64); err == nil {
		p.LastHeartbeatAt = time.UnixMilli(ms)
	}
	if ms, err := strconv.ParseInt(fields[fieldAssigned], 10, 64); err == nil {
		p.LastAssignedAt = time.UnixMilli(ms)
	}
	if !p.Status.Valid() {
		p.Status = types.PresenceOffline
	}
	return p
}
