package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dennisdiepolder/monti/handoff/internal/types"
)

type memoryEntry struct {
	presence  types.AgentPresence
	expiresAt time.Time
}

// MemoryRegistry keeps presence in process memory. Suitable for a single instance and tests.
type MemoryRegistry struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]map[string]*memoryEntry // tenantID -> agentID -> entry
}

// NewMemoryRegistry creates an in-memory registry
func NewMemoryRegistry(ttl time.Duration) *MemoryRegistry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryRegistry{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]map[string]*memoryEntry),
	}
}

// WithClock replaces the time source, used to simulate expiry
func (r *MemoryRegistry) WithClock(now func() time.Time) *MemoryRegistry {
	r.now = now
	return r
}

// live returns the entry if it has not expired, removing it otherwise. Caller holds mu.
func (r *MemoryRegistry) live(tenantID, agentID string) *memoryEntry {
	agents := r.entries[tenantID]
	if agents == nil {
		return nil
	}
	e, ok := agents[agentID]
	if !ok {
		return nil
	}
	if !r.now().Before(e.expiresAt) {
		delete(agents, agentID)
		return nil
	}
	return e
}

func (r *MemoryRegistry) arm(e *memoryEntry) {
	e.expiresAt = r.now().Add(r.ttl)
}

func (r *MemoryRegistry) SetOnline(_ context.Context, tenantID, agentID string, maxSessions int) error {
	if maxSessions <= 0 {
		return ErrInvalidCapacity
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	e := r.live(tenantID, agentID)
	if e == nil {
		if r.entries[tenantID] == nil {
			r.entries[tenantID] = make(map[string]*memoryEntry)
		}
		e = &memoryEntry{presence: types.AgentPresence{TenantID: tenantID, AgentID: agentID}}
		r.entries[tenantID][agentID] = e
	} else if e.presence.CurrentSessions > maxSessions {
		return ErrInvalidCapacity
	}
	e.presence.Status = types.PresenceOnline
	e.presence.MaxSessions = maxSessions
	e.presence.LastHeartbeatAt = now
	r.arm(e)
	return nil
}

func (r *MemoryRegistry) SetAway(_ context.Context, tenantID, agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.live(tenantID, agentID)
	if e == nil {
		return ErrNotOnline
	}
	e.presence.Status = types.PresenceAway
	r.arm(e)
	return nil
}

func (r *MemoryRegistry) SetOffline(_ context.Context, tenantID, agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if agents := r.entries[tenantID]; agents != nil {
		delete(agents, agentID)
	}
	return nil
}

func (r *MemoryRegistry) Heartbeat(_ context.Context, tenantID, agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.live(tenantID, agentID)
	if e == nil {
		return ErrNotOnline
	}
	e.presence.LastHeartbeatAt = r.now()
	r.arm(e)
	return nil
}

func (r *MemoryRegistry) IncrementLoad(_ context.Context, tenantID, agentID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.live(tenantID, agentID)
	if e == nil {
		return 0, ErrNotOnline
	}
	if e.presence.Status != types.PresenceOnline {
		return e.presence.CurrentSessions, ErrNotAvailable
	}
	if e.presence.CurrentSessions >= e.presence.MaxSessions {
		return e.presence.CurrentSessions, ErrCapacityExceeded
	}
	e.presence.CurrentSessions++
	r.arm(e)
	return e.presence.CurrentSessions, nil
}

func (r *MemoryRegistry) DecrementLoad(_ context.Context, tenantID, agentID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.live(tenantID, agentID)
	if e == nil {
		return 0, nil
	}
	if e.presence.CurrentSessions > 0 {
		e.presence.CurrentSessions--
	}
	r.arm(e)
	return e.presence.CurrentSessions, nil
}

func (r *MemoryRegistry) MarkAssigned(_ context.Context, tenantID, agentID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.live(tenantID, agentID)
	if e == nil {
		return ErrNotOnline
	}
	e.presence.LastAssignedAt = at
	return nil
}

func (r *MemoryRegistry) GetStatus(_ context.Context, tenantID, agentID string) (types.AgentPresence, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.live(tenantID, agentID)
	if e == nil {
		return offline(tenantID, agentID), nil
	}
	return e.presence, nil
}

func (r *MemoryRegistry) ListOnline(ctx context.Context, tenantID string) ([]types.AgentPresence, error) {
	all, _ := r.List(ctx, tenantID)
	online := all[:0]
	for _, p := range all {
		if p.Status == types.PresenceOnline {
			online = append(online, p)
		}
	}
	return online, nil
}

func (r *MemoryRegistry) List(_ context.Context, tenantID string) ([]types.AgentPresence, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := make([]types.AgentPresence, 0, len(r.entries[tenantID]))
	for agentID := range r.entries[tenantID] {
		if e := r.live(tenantID, agentID); e != nil {
			result = append(result, e.presence)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].AgentID < result[j].AgentID })
	return result, nil
}

func (r *MemoryRegistry) CanAcceptMore(ctx context.Context, tenantID, agentID string) (bool, error) {
	p, err := r.GetStatus(ctx, tenantID, agentID)
	if err != nil {
		return false, err
	}
	return p.CanAcceptMore(), nil
}
