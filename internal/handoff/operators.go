package handoff

import (
	"context"
	"errors"
	"strings"

	"github.com/dennisdiepolder/monti/handoff/internal/alerts"
	"github.com/dennisdiepolder/monti/handoff/internal/presence"
	"github.com/dennisdiepolder/monti/handoff/internal/types"
)

// GoOnline logs the calling agent in with the given session capacity
func (s *Service) GoOnline(ctx context.Context, actor Actor, maxSessions int) (types.AgentPresence, error) {
	const op = "online"

	if err := requireRole(op, actor, types.RoleAgent); err != nil {
		return types.AgentPresence{}, s.reject(op, err)
	}
	return s.setPresence(ctx, op, actor.TenantID, actor.ParticipantID, types.PresenceOnline, maxSessions)
}

// GoAway keeps the agent logged in but stops new assignments
func (s *Service) GoAway(ctx context.Context, actor Actor) (types.AgentPresence, error) {
	const op = "away"

	if err := requireRole(op, actor, types.RoleAgent); err != nil {
		return types.AgentPresence{}, s.reject(op, err)
	}
	return s.setPresence(ctx, op, actor.TenantID, actor.ParticipantID, types.PresenceAway, 0)
}

// GoOffline logs the agent out. Offers it has not accepted yet go back to the queue.
func (s *Service) GoOffline(ctx context.Context, actor Actor) (types.AgentPresence, error) {
	const op = "offline"

	if err := requireRole(op, actor, types.RoleAgent); err != nil {
		return types.AgentPresence{}, s.reject(op, err)
	}
	return s.setPresence(ctx, op, actor.TenantID, actor.ParticipantID, types.PresenceOffline, 0)
}

// Heartbeat refreshes the agent's presence TTL
func (s *Service) Heartbeat(ctx context.Context, actor Actor) error {
	const op = "heartbeat"

	if err := requireRole(op, actor, types.RoleAgent); err != nil {
		return s.reject(op, err)
	}
	if err := s.presence.Heartbeat(ctx, actor.TenantID, actor.ParticipantID); err != nil {
		if errors.Is(err, presence.ErrNotOnline) {
			return s.reject(op, wrapError(KindConflict, op, "agent is not logged in", err))
		}
		return wrapError(KindUnavailable, op, "failed to refresh presence", err)
	}
	return nil
}

// ForcePresence lets an admin set any agent's status. maxSessions is only used for ONLINE.
func (s *Service) ForcePresence(ctx context.Context, actor Actor, agentID string, status types.PresenceStatus, maxSessions int) (types.AgentPresence, error) {
	const op = "force_presence"

	if err := requireRole(op, actor, types.RoleAdmin); err != nil {
		return types.AgentPresence{}, s.reject(op, err)
	}
	if agentID == "" {
		return types.AgentPresence{}, s.reject(op, newError(KindValidation, op, "agentId is required"))
	}
	p, err := s.setPresence(ctx, op, actor.TenantID, agentID, status, maxSessions)
	if err != nil {
		return p, err
	}
	s.logger.Info().
		Str("tenant_id", actor.TenantID).
		Str("agent_id", agentID).
		Str("status", string(status)).
		Str("by", actor.ParticipantID).
		Msg("Presence forced by admin")
	return p, nil
}

// PresenceSnapshot lists every live operator of the caller's tenant with its alerts. Admin only.
func (s *Service) PresenceSnapshot(ctx context.Context, actor Actor) ([]types.AgentPresence, error) {
	const op = "presence_snapshot"

	if err := requireRole(op, actor, types.RoleAdmin); err != nil {
		return nil, s.reject(op, err)
	}
	list, err := s.presence.List(ctx, actor.TenantID)
	if err != nil {
		return nil, wrapError(KindUnavailable, op, "failed to list presence", err)
	}
	alerts.CheckPresence(list, s.presenceTTL, s.now())
	return list, nil
}

// QueueSnapshot is the admin view of a tenant's waiting line
type QueueSnapshot struct {
	Length     int      `json:"length"`
	RequestIDs []string `json:"requestIds"`
}

// Queue returns the caller's tenant queue. Admin only.
func (s *Service) Queue(ctx context.Context, actor Actor, limit int) (QueueSnapshot, error) {
	const op = "queue"

	if err := requireRole(op, actor, types.RoleAdmin); err != nil {
		return QueueSnapshot{}, s.reject(op, err)
	}
	n, err := s.queue.Length(ctx, actor.TenantID)
	if err != nil {
		return QueueSnapshot{}, wrapError(KindUnavailable, op, "failed to read queue length", err)
	}
	ids, err := s.queue.List(ctx, actor.TenantID, limit)
	if err != nil {
		return QueueSnapshot{}, wrapError(KindUnavailable, op, "failed to list queue", err)
	}
	return QueueSnapshot{Length: n, RequestIDs: ids}, nil
}

// Broadcast sends an ADMIN_NOTIFICATION to every connected agent of the tenant and returns the
// number of connections reached
func (s *Service) Broadcast(ctx context.Context, actor Actor, message string) (int, error) {
	const op = "broadcast"

	if err := requireRole(op, actor, types.RoleAdmin); err != nil {
		return 0, s.reject(op, err)
	}
	message = strings.TrimSpace(message)
	if message == "" {
		return 0, s.reject(op, newError(KindValidation, op, "message is required"))
	}
	msg, err := types.NewMessage(types.MessageAdminNotification, "", types.AdminNotice{Message: message, From: actor.ParticipantID})
	if err != nil {
		return 0, wrapError(KindInternal, op, "failed to build notification", err)
	}
	n := s.notifier.BroadcastToTenantAgents(actor.TenantID, msg)
	s.logger.Info().
		Str("tenant_id", actor.TenantID).
		Str("by", actor.ParticipantID).
		Int("recipients", n).
		Msg("Admin broadcast sent")
	return n, nil
}

func (s *Service) setPresence(ctx context.Context, op, tenantID, agentID string, status types.PresenceStatus, maxSessions int) (types.AgentPresence, error) {
	var err error
	switch status {
	case types.PresenceOnline:
		err = s.presence.SetOnline(ctx, tenantID, agentID, maxSessions)
	case types.PresenceAway:
		err = s.presence.SetAway(ctx, tenantID, agentID)
	case types.PresenceOffline:
		err = s.presence.SetOffline(ctx, tenantID, agentID)
	default:
		return types.AgentPresence{}, s.reject(op, newError(KindValidation, op, "unknown presence status "+string(status)))
	}
	if err != nil {
		switch {
		case errors.Is(err, presence.ErrInvalidCapacity):
			return types.AgentPresence{}, s.reject(op, wrapError(KindValidation, op, "maxSessions must be positive and not below current load", err))
		case errors.Is(err, presence.ErrNotOnline):
			return types.AgentPresence{}, s.reject(op, wrapError(KindConflict, op, "agent is not logged in", err))
		}
		return types.AgentPresence{}, wrapError(KindUnavailable, op, "failed to update presence", err)
	}

	switch status {
	case types.PresenceOnline:
		s.fire(TriggerAgentOnline, tenantID)
	case types.PresenceAway:
		s.releaseOffers(ctx, tenantID, agentID, ReasonAgentAway)
	case types.PresenceOffline:
		s.releaseOffers(ctx, tenantID, agentID, ReasonAgentOffline)
	}
	p, err := s.presence.GetStatus(ctx, tenantID, agentID)
	if err != nil {
		return types.AgentPresence{}, wrapError(KindUnavailable, op, "failed to read presence", err)
	}
	return p, nil
}
