// Package presence tracks operator availability and session load in a TTL-bearing shared store.
package presence

import (
	"context"
	"errors"
	"time"

	"github.com/dennisdiepolder/monti/handoff/internal/types"
)

// DefaultTTL is how long an entry survives without a state-setting call or heartbeat
const DefaultTTL = 30 * time.Minute

var (
	// ErrNotOnline is returned when the agent has no live presence entry
	ErrNotOnline = errors.New("agent has no live presence entry")
	// ErrNotAvailable is returned when the agent is logged in but not ONLINE
	ErrNotAvailable = errors.New("agent is not available")
	// ErrCapacityExceeded is returned when an increment would exceed maxSessions
	ErrCapacityExceeded = errors.New("agent session capacity exceeded")
	// ErrInvalidCapacity is returned for a non-positive maxSessions or one below current load
	ErrInvalidCapacity = errors.New("invalid max sessions")
)

// Registry is the Presence Registry. Absence of an entry is equivalent to OFFLINE.
type Registry interface {
	SetOnline(ctx context.Context, tenantID, agentID string, maxSessions int) error
	SetAway(ctx context.Context, tenantID, agentID string) error
	SetOffline(ctx context.Context, tenantID, agentID string) error
	Heartbeat(ctx context.Context, tenantID, agentID string) error

	// IncrementLoad atomically adds one session, failing with ErrCapacityExceeded at the ceiling.
	IncrementLoad(ctx context.Context, tenantID, agentID string) (int, error)
	// DecrementLoad atomically removes one session, flooring at zero.
	DecrementLoad(ctx context.Context, tenantID, agentID string) (int, error)
	// MarkAssigned records when the agent last received work.
	MarkAssigned(ctx context.Context, tenantID, agentID string, at time.Time) error

	GetStatus(ctx context.Context, tenantID, agentID string) (types.AgentPresence, error)
	ListOnline(ctx context.Context, tenantID string) ([]types.AgentPresence, error)
	// List returns every live entry of the tenant regardless of status.
	List(ctx context.Context, tenantID string) ([]types.AgentPresence, error)
	CanAcceptMore(ctx context.Context, tenantID, agentID string) (bool, error)
}

func offline(tenantID, agentID string) types.AgentPresence {
	return types.AgentPresence{TenantID: tenantID, AgentID: agentID, Status: types.PresenceOffline}
}
