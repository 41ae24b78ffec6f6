// Package handoff implements the handoff workflow: the state machine that moves a customer session from
// the automated assistant to a human operator and keeps the ticket, conversation, presence load and queue
// consistent with it.
package handoff

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dennisdiepolder/monti/handoff/internal/events"
	"github.com/dennisdiepolder/monti/handoff/internal/metrics"
	"github.com/dennisdiepolder/monti/handoff/internal/presence"
	"github.com/dennisdiepolder/monti/handoff/internal/queue"
	"github.com/dennisdiepolder/monti/handoff/internal/storage"
	"github.com/dennisdiepolder/monti/handoff/internal/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// maxTransitionAttempts bounds the reload-and-retry loop on optimistic write conflicts
const maxTransitionAttempts = 2

// Actor is the authenticated caller of an operation
type Actor struct {
	TenantID      string
	ParticipantID string
	Role          types.Role
	// SessionID is the session a customer credential is bound to, empty when unbound.
	SessionID string
}

// TriggerReason tells the assignment worker why it should look at a tenant's queue
type TriggerReason string

const (
	TriggerRequestCreated  TriggerReason = "request_created"
	TriggerRequestRequeued TriggerReason = "request_requeued"
	TriggerAgentOnline     TriggerReason = "agent_online"
	TriggerAgentFreed      TriggerReason = "agent_freed"
)

// Reasons recorded on transitions the system makes on its own
const (
	ReasonQueueUnavailable = "queue_unavailable"
	ReasonQueueExpired     = "queue_expired"
	ReasonAgentOffline     = "agent_offline"
	ReasonAgentAway        = "agent_away"
)

// Notifier pushes frames to live connections. Delivery is best-effort.
type Notifier interface {
	NotifyAgent(tenantID, agentID string, msg types.Message) bool
	NotifyCustomer(tenantID, sessionID string, msg types.Message) bool
	BroadcastToTenantAgents(tenantID string, msg types.Message) int
}

// AssignmentTrigger schedules an assignment pass without blocking the caller
type AssignmentTrigger interface {
	Trigger(reason TriggerReason, tenantID string)
}

// EventDispatcher publishes pipeline events. Implementations fall back to in-process delivery.
type EventDispatcher interface {
	PublishAgentAssigned(ctx context.Context, ev events.AgentAssignedEvent) error
}

// TopicFunc infers a routing topic from the customer's stated reason
type TopicFunc func(tenantID, reason string) string

// Deps are the collaborators of a Service
type Deps struct {
	Handoffs      storage.HandoffStore
	Tickets       storage.TicketStore
	Conversations storage.ConversationStore
	Presence      presence.Registry
	Queue         queue.Manager
	Notifier      Notifier
	Events        EventDispatcher
	Trigger       AssignmentTrigger
	Topics        TopicFunc
	Estimator     *WaitEstimator
	Metrics       *metrics.Metrics
	// PresenceTTL drives the heartbeat alerts of the admin presence snapshot.
	PresenceTTL time.Duration
}

// Service is the handoff workflow
type Service struct {
	handoffs      storage.HandoffStore
	tickets       storage.TicketStore
	conversations storage.ConversationStore
	presence      presence.Registry
	queue         queue.Manager
	notifier      Notifier
	events        EventDispatcher
	trigger       AssignmentTrigger
	topics        TopicFunc
	estimator     *WaitEstimator
	metrics       *metrics.Metrics
	presenceTTL   time.Duration
	logger        zerolog.Logger
	now           func() time.Time
}

// NewService creates the workflow service. Notifier, Events and Trigger may be nil.
func NewService(d Deps, logger zerolog.Logger) *Service {
	s := &Service{
		handoffs:      d.Handoffs,
		tickets:       d.Tickets,
		conversations: d.Conversations,
		presence:      d.Presence,
		queue:         d.Queue,
		notifier:      d.Notifier,
		events:        d.Events,
		trigger:       d.Trigger,
		topics:        d.Topics,
		estimator:     d.Estimator,
		metrics:       d.Metrics,
		presenceTTL:   d.PresenceTTL,
		logger:        logger.With().Str("component", "handoff").Logger(),
		now:           func() time.Time { return time.Now().UTC() },
	}
	if s.notifier == nil {
		s.notifier = nopNotifier{}
	}
	if s.estimator == nil {
		s.estimator = NewWaitEstimator(DefaultHandleTime)
	}
	if s.metrics == nil {
		s.metrics = metrics.Get()
	}
	return s
}

// SetTrigger wires the assignment trigger after construction; the assignment engine depends on the service.
func (s *Service) SetTrigger(t AssignmentTrigger) {
	s.trigger = t
}

// WithClock overrides the clock used for timestamps
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// RequestInput is the customer's handoff request
type RequestInput struct {
	SessionID string
	Reason    string
	Priority  types.Priority
}

// RequestResult is returned by RequestHandoff and QueryStatus
type RequestResult struct {
	Request       *types.HandoffRequest `json:"request"`
	Position      int                   `json:"position"`
	AgentID       string                `json:"agentId,omitempty"`
	EstimatedWait time.Duration         `json:"estimatedWait"`
}

// RequestHandoff creates a PENDING request for the caller's session and queues it.
// Assignment is scheduled asynchronously.
func (s *Service) RequestHandoff(ctx context.Context, actor Actor, in RequestInput) (*RequestResult, error) {
	const op = "request"

	if actor.Role != types.RoleCustomer {
		return nil, s.reject(op, newError(KindForbidden, op, "only customers can request a handoff"))
	}
	if actor.TenantID == "" || actor.ParticipantID == "" {
		return nil, s.reject(op, newError(KindValidation, op, "tenant and customer are required"))
	}
	if in.SessionID == "" {
		in.SessionID = actor.SessionID
	}
	if strings.TrimSpace(in.SessionID) == "" {
		return nil, s.reject(op, newError(KindValidation, op, "sessionId is required"))
	}
	if in.Priority == "" {
		in.Priority = types.PriorityNormal
	}
	if !in.Priority.Valid() {
		return nil, s.reject(op, newError(KindValidation, op, "unknown priority "+string(in.Priority)))
	}

	if err := s.authorizeSession(ctx, op, actor, in.SessionID); err != nil {
		return nil, s.reject(op, err)
	}

	existing, err := s.handoffs.FindActiveBySession(ctx, actor.TenantID, in.SessionID)
	switch {
	case err == nil:
		return nil, s.reject(op, &Error{Kind: KindConflict, Op: op,
			Message: "session already has an active handoff " + existing.ID, Err: storage.ErrActiveHandoffExists})
	case !errors.Is(err, storage.ErrNotFound):
		return nil, wrapError(KindUnavailable, op, "failed to check active handoffs", err)
	}

	ticket, err := s.tickets.FindOrCreateTicket(ctx, actor.TenantID, actor.ParticipantID, in.SessionID, subjectFor(in.Reason), in.Priority)
	if err != nil {
		return nil, wrapError(KindUnavailable, op, "failed to open ticket", err)
	}
	if actor.SessionID == "" && ticket.CustomerID != "" && ticket.CustomerID != actor.ParticipantID {
		return nil, s.reject(op, newError(KindForbidden, op, "session belongs to another customer"))
	}

	now := s.now()
	req := &types.HandoffRequest{
		ID:         uuid.New().String(),
		TenantID:   actor.TenantID,
		SessionID:  in.SessionID,
		CustomerID: actor.ParticipantID,
		TicketID:   ticket.ID,
		Status:     types.HandoffPending,
		Priority:   in.Priority,
		Reason:     in.Reason,
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if s.topics != nil {
		req.Topic = s.topics(actor.TenantID, in.Reason)
	}
	ev := &types.HandoffEvent{
		ID:               uuid.New().String(),
		HandoffRequestID: req.ID,
		TenantID:         req.TenantID,
		EventType:        types.EventCreated,
		ToStatus:         types.HandoffPending,
		OperatorID:       actor.ParticipantID,
		OperatorKind:     types.OperatorCustomer,
		EventData:        map[string]string{"priority": string(req.Priority), "ticket_id": ticket.ID},
		CreatedAt:        now,
	}
	if req.Topic != "" {
		ev.EventData["topic"] = req.Topic
	}

	if err := s.handoffs.CreateHandoff(ctx, req, ev); err != nil {
		if errors.Is(err, storage.ErrActiveHandoffExists) {
			return nil, s.reject(op, wrapError(KindConflict, op, "session already has an active handoff", err))
		}
		return nil, wrapError(KindUnavailable, op, "failed to store handoff", err)
	}
	s.metrics.RecordTransition(string(types.EventCreated))

	pos, err := s.queue.Enqueue(ctx, req.TenantID, req.ID)
	if err != nil {
		if _, _, aerr := s.abandon(ctx, req.ID, ReasonQueueUnavailable); aerr != nil {
			s.logger.Error().Err(aerr).Str("request_id", req.ID).Msg("Failed to cancel unqueued handoff")
		}
		return nil, wrapError(KindUnavailable, op, "failed to queue handoff", err)
	}
	req.QueuePosition = pos

	s.logger.Info().
		Str("tenant_id", req.TenantID).
		Str("request_id", req.ID).
		Str("session_id", req.SessionID).
		Str("priority", string(req.Priority)).
		Int("position", pos).
		Msg("Handoff requested")

	s.fire(TriggerRequestCreated, req.TenantID)

	return &RequestResult{
		Request:       req,
		Position:      pos,
		EstimatedWait: s.estimate(ctx, req.TenantID, pos),
	}, nil
}

// authorizeSession checks that a customer may act on sessionID. A credential bound to a session
// settles the question; otherwise the session must be unclaimed or already belong to the customer.
func (s *Service) authorizeSession(ctx context.Context, op string, actor Actor, sessionID string) error {
	if actor.SessionID != "" {
		if sessionID != actor.SessionID {
			return newError(KindForbidden, op, "session does not match credentials")
		}
		return nil
	}
	owner, err := s.sessionOwner(ctx, actor.TenantID, sessionID)
	if err != nil {
		return wrapError(KindUnavailable, op, "failed to resolve session owner", err)
	}
	if owner != "" && owner != actor.ParticipantID {
		return newError(KindForbidden, op, "session belongs to another customer")
	}
	return nil
}

// sessionOwner returns the customer of the session's active handoff, else of its open ticket, else "".
func (s *Service) sessionOwner(ctx context.Context, tenantID, sessionID string) (string, error) {
	req, err := s.handoffs.FindActiveBySession(ctx, tenantID, sessionID)
	switch {
	case err == nil:
		return req.CustomerID, nil
	case !errors.Is(err, storage.ErrNotFound):
		return "", err
	}
	ticket, err := s.tickets.FindOpenTicket(ctx, tenantID, sessionID)
	switch {
	case err == nil:
		return ticket.CustomerID, nil
	case errors.Is(err, storage.ErrNotFound):
		return "", nil
	}
	return "", err
}

// CustomerOwnsSession reports whether customerID may join the live channel of sessionID without a
// session-bound credential. Unclaimed sessions are refused until the customer requests a handoff.
func (s *Service) CustomerOwnsSession(ctx context.Context, tenantID, customerID, sessionID string) (bool, error) {
	owner, err := s.sessionOwner(ctx, tenantID, sessionID)
	if err != nil {
		return false, wrapError(KindUnavailable, "session_owner", "failed to resolve session owner", err)
	}
	return owner != "" && owner == customerID, nil
}

// abandon cancels a queued request on behalf of the system so the session is no longer blocked by it.
// It returns the agent that held an open offer, if any.
func (s *Service) abandon(ctx context.Context, requestID, reason string) (*types.HandoffRequest, string, error) {
	const op = "abandon"

	var previousAgent string
	req, err := s.transition(ctx, op, requestID, systemOperator(map[string]string{"reason": reason}), types.EventCancelled,
		func(r *types.HandoffRequest, now time.Time) error {
			if r.Status != types.HandoffPending && r.Status != types.HandoffAssigned {
				return newError(KindConflict, op, "request is "+string(r.Status)+", no longer queued")
			}
			previousAgent = r.AgentID
			r.Status = types.HandoffCancelled
			r.AgentID = ""
			r.QueuePosition = 0
			return nil
		})
	if err != nil {
		return nil, "", err
	}
	return req, previousAgent, nil
}

// Expire cancels a request whose queue entry outlived the retention window. Both the customer and an
// agent holding an open offer are told.
func (s *Service) Expire(ctx context.Context, requestID string) (*types.HandoffRequest, error) {
	const op = "expire"

	req, previousAgent, err := s.abandon(ctx, requestID, ReasonQueueExpired)
	if err != nil {
		return nil, s.reject(op, err)
	}
	if err := s.queue.Remove(ctx, req.TenantID, req.ID); err != nil {
		s.logger.Error().Err(err).Str("request_id", req.ID).Msg("Failed to remove expired handoff from queue")
	}
	if previousAgent != "" {
		s.notifyAgent(req, previousAgent, types.MessageHandoffCancelled)
	}
	s.notifyCustomer(req, types.MessageHandoffCancelled)

	s.logger.Info().
		Str("tenant_id", req.TenantID).
		Str("request_id", req.ID).
		Str("session_id", req.SessionID).
		Msg("Handoff expired in queue")
	return req, nil
}

// Assign offers a PENDING request to agentID. It is called by the assignment engine.
func (s *Service) Assign(ctx context.Context, requestID, agentID string) (*types.HandoffRequest, error) {
	const op = "assign"

	if agentID == "" {
		return nil, s.reject(op, newError(KindValidation, op, "agentId is required"))
	}
	req, err := s.load(ctx, op, requestID)
	if err != nil {
		return nil, err
	}
	ok, err := s.presence.CanAcceptMore(ctx, req.TenantID, agentID)
	if err != nil {
		return nil, wrapError(KindUnavailable, op, "failed to read agent presence", err)
	}
	if !ok {
		return nil, s.reject(op, &Error{Kind: KindCapacity, Op: op, Message: "agent cannot take more sessions", Err: presence.ErrNotAvailable})
	}

	req, err = s.transition(ctx, op, requestID, systemOperator(map[string]string{"agent_id": agentID}), types.EventAssigned,
		func(r *types.HandoffRequest, now time.Time) error {
			if r.Status != types.HandoffPending {
				return newError(KindConflict, op, "request is "+string(r.Status)+", not PENDING")
			}
			r.Status = types.HandoffAssigned
			r.AgentID = agentID
			r.AssignedAt = &now
			return nil
		})
	if err != nil {
		return nil, err
	}

	if err := s.presence.MarkAssigned(ctx, req.TenantID, agentID, *req.AssignedAt); err != nil {
		s.logger.Warn().Err(err).Str("agent_id", agentID).Msg("Failed to record last assignment")
	}
	s.notifyAgent(req, agentID, types.MessageHandoffAssigned)

	s.logger.Info().
		Str("tenant_id", req.TenantID).
		Str("request_id", req.ID).
		Str("agent_id", agentID).
		Msg("Handoff assigned")
	return req, nil
}

// Accept takes ownership of an ASSIGNED request. The agent's load is incremented atomically first so
// concurrent accepts can never push it past maxSessions.
func (s *Service) Accept(ctx context.Context, actor Actor, requestID string) (*types.HandoffRequest, error) {
	const op = "accept"

	if err := requireRole(op, actor, types.RoleAgent); err != nil {
		return nil, s.reject(op, err)
	}
	check := func(r *types.HandoffRequest) error {
		if err := sameTenant(op, actor, r); err != nil {
			return err
		}
		if r.Status != types.HandoffAssigned {
			return newError(KindConflict, op, "request is "+string(r.Status)+", not ASSIGNED")
		}
		if r.AgentID != actor.ParticipantID {
			return newError(KindForbidden, op, "request is assigned to another agent")
		}
		return nil
	}

	req, err := s.load(ctx, op, requestID)
	if err != nil {
		return nil, err
	}
	if err := check(req); err != nil {
		return nil, s.reject(op, err)
	}

	if _, err := s.presence.IncrementLoad(ctx, req.TenantID, actor.ParticipantID); err != nil {
		if KindOf(err) == KindCapacity || errors.Is(err, presence.ErrNotOnline) {
			return nil, s.reject(op, wrapError(KindCapacity, op, "agent cannot take more sessions", err))
		}
		return nil, wrapError(KindUnavailable, op, "failed to reserve agent capacity", err)
	}

	req, err = s.transition(ctx, op, requestID, agentOperator(actor.ParticipantID, nil), types.EventAccepted,
		func(r *types.HandoffRequest, now time.Time) error {
			if err := check(r); err != nil {
				return err
			}
			r.Status = types.HandoffAccepted
			r.AcceptedAt = &now
			r.HandledBy = actor.ParticipantID
			r.QueuePosition = 0
			return nil
		})
	if err != nil {
		if _, derr := s.presence.DecrementLoad(ctx, actor.TenantID, actor.ParticipantID); derr != nil {
			s.logger.Error().Err(derr).Str("agent_id", actor.ParticipantID).Msg("Failed to release reserved capacity")
		}
		return nil, s.reject(op, err)
	}

	if err := s.queue.Remove(ctx, req.TenantID, req.ID); err != nil {
		s.logger.Error().Err(err).Str("request_id", req.ID).Msg("Failed to remove accepted handoff from queue")
	}
	if err := s.conversations.SetConversationOwner(ctx, req.TenantID, req.SessionID, types.ConversationHuman, actor.ParticipantID); err != nil {
		s.logger.Error().Err(err).Str("session_id", req.SessionID).Msg("Failed to hand conversation to agent")
	}
	if req.TicketID != "" {
		if err := s.tickets.SetTicketOwner(ctx, req.TicketID, actor.ParticipantID); err != nil {
			s.logger.Error().Err(err).Str("ticket_id", req.TicketID).Msg("Failed to set ticket owner")
		}
		if err := s.tickets.SetTicketStatus(ctx, req.TicketID, types.TicketInProgress); err != nil {
			s.logger.Error().Err(err).Str("ticket_id", req.TicketID).Msg("Failed to set ticket status")
		}
	}
	s.notifyCustomer(req, types.MessageHandoffAccepted)

	if s.events != nil {
		ev := events.AgentAssignedEvent{
			TenantID:         req.TenantID,
			HandoffRequestID: req.ID,
			TicketID:         req.TicketID,
			SessionID:        req.SessionID,
			CustomerID:       req.CustomerID,
			AgentID:          actor.ParticipantID,
			AcceptedAt:       *req.AcceptedAt,
		}
		if err := s.events.PublishAgentAssigned(ctx, ev); err != nil {
			s.logger.Error().Err(err).Str("request_id", req.ID).Msg("Failed to deliver agent assigned event")
		}
	}

	s.logger.Info().
		Str("tenant_id", req.TenantID).
		Str("request_id", req.ID).
		Str("agent_id", actor.ParticipantID).
		Msg("Handoff accepted")
	return req, nil
}

// Decline returns an ASSIGNED request to the back of the queue and re-triggers assignment
func (s *Service) Decline(ctx context.Context, actor Actor, requestID, reason string) (*types.HandoffRequest, error) {
	const op = "decline"

	if err := requireRole(op, actor, types.RoleAgent); err != nil {
		return nil, s.reject(op, err)
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "declined"
	}

	data := map[string]string{"reason": reason}
	req, err := s.transition(ctx, op, requestID, agentOperator(actor.ParticipantID, data), types.EventRejected,
		func(r *types.HandoffRequest, now time.Time) error {
			if err := sameTenant(op, actor, r); err != nil {
				return err
			}
			if r.Status != types.HandoffAssigned {
				return newError(KindConflict, op, "request is "+string(r.Status)+", not ASSIGNED")
			}
			if r.AgentID != actor.ParticipantID {
				return newError(KindForbidden, op, "request is assigned to another agent")
			}
			r.Status = types.HandoffPending
			r.AgentID = ""
			r.AssignedAt = nil
			r.RejectReason = reason
			return nil
		})
	if err != nil {
		return nil, s.reject(op, err)
	}

	pos, err := s.queue.Requeue(ctx, req.TenantID, req.ID)
	if err != nil {
		s.logger.Error().Err(err).Str("request_id", req.ID).Msg("Failed to requeue declined handoff")
	}
	req.QueuePosition = pos
	s.notifyAgent(req, actor.ParticipantID, types.MessageHandoffRejected)

	s.logger.Info().
		Str("tenant_id", req.TenantID).
		Str("request_id", req.ID).
		Str("agent_id", actor.ParticipantID).
		Str("reason", reason).
		Int("position", pos).
		Msg("Handoff declined")

	s.fire(TriggerRequestRequeued, req.TenantID)
	return req, nil
}

// ReleaseOffer takes back an open offer from an agent who can no longer accept it and returns the
// request to the back of the queue. The rejection is recorded as a system decision so the agent is not
// penalised when it is offered work again.
func (s *Service) ReleaseOffer(ctx context.Context, requestID, agentID, reason string) (*types.HandoffRequest, error) {
	const op = "release_offer"

	if agentID == "" {
		return nil, s.reject(op, newError(KindValidation, op, "agentId is required"))
	}
	data := map[string]string{"reason": reason, "agent_id": agentID}
	req, err := s.transition(ctx, op, requestID, systemOperator(data), types.EventRejected,
		func(r *types.HandoffRequest, now time.Time) error {
			if r.Status != types.HandoffAssigned || r.AgentID != agentID {
				return newError(KindConflict, op, "request is not offered to "+agentID)
			}
			r.Status = types.HandoffPending
			r.AgentID = ""
			r.AssignedAt = nil
			r.RejectReason = reason
			return nil
		})
	if err != nil {
		return nil, s.reject(op, err)
	}

	pos, err := s.queue.Requeue(ctx, req.TenantID, req.ID)
	if err != nil {
		s.logger.Error().Err(err).Str("request_id", req.ID).Msg("Failed to requeue released offer")
	}
	req.QueuePosition = pos
	s.notifyAgent(req, agentID, types.MessageHandoffRejected)

	s.logger.Info().
		Str("tenant_id", req.TenantID).
		Str("request_id", req.ID).
		Str("agent_id", agentID).
		Str("reason", reason).
		Int("position", pos).
		Msg("Offer released")

	s.fire(TriggerRequestRequeued, req.TenantID)
	return req, nil
}

// releaseOffers hands back every open offer the agent holds
func (s *Service) releaseOffers(ctx context.Context, tenantID, agentID, reason string) {
	offers, err := s.handoffs.ListHandoffs(ctx, types.HandoffFilter{
		TenantID: tenantID,
		Status:   types.HandoffAssigned,
		AgentID:  agentID,
	})
	if err != nil {
		s.logger.Error().Err(err).Str("agent_id", agentID).Msg("Failed to list open offers")
		return
	}
	for _, r := range offers {
		if _, err := s.ReleaseOffer(ctx, r.ID, agentID, reason); err != nil && KindOf(err) != KindConflict {
			s.logger.Error().Err(err).Str("request_id", r.ID).Msg("Failed to release open offer")
		}
	}
}

// Cancel withdraws a request that no agent has accepted yet. Customers may cancel their own requests,
// admins any request of their tenant.
func (s *Service) Cancel(ctx context.Context, actor Actor, requestID, reason string) (*types.HandoffRequest, error) {
	const op = "cancel"

	if actor.Role != types.RoleCustomer && actor.Role != types.RoleAdmin {
		return nil, s.reject(op, newError(KindForbidden, op, "only the customer or an admin can cancel"))
	}

	data := map[string]string{}
	if reason != "" {
		data["reason"] = reason
	}
	var previousAgent string
	req, err := s.transition(ctx, op, requestID, actorOperator(actor, data), types.EventCancelled,
		func(r *types.HandoffRequest, now time.Time) error {
			if err := sameTenant(op, actor, r); err != nil {
				return err
			}
			if actor.Role == types.RoleCustomer && r.CustomerID != actor.ParticipantID {
				return newError(KindForbidden, op, "request belongs to another customer")
			}
			if r.Status != types.HandoffPending && r.Status != types.HandoffAssigned {
				return newError(KindConflict, op, "request is "+string(r.Status)+" and can no longer be cancelled")
			}
			previousAgent = r.AgentID
			r.Status = types.HandoffCancelled
			r.AgentID = ""
			r.QueuePosition = 0
			return nil
		})
	if err != nil {
		return nil, s.reject(op, err)
	}

	if err := s.queue.Remove(ctx, req.TenantID, req.ID); err != nil {
		s.logger.Error().Err(err).Str("request_id", req.ID).Msg("Failed to remove cancelled handoff from queue")
	}
	if previousAgent != "" {
		s.notifyAgent(req, previousAgent, types.MessageHandoffCancelled)
	}
	if actor.Role == types.RoleAdmin {
		s.notifyCustomer(req, types.MessageHandoffCancelled)
	}

	s.logger.Info().
		Str("tenant_id", req.TenantID).
		Str("request_id", req.ID).
		Str("by", actor.ParticipantID).
		Msg("Handoff cancelled")
	return req, nil
}

// Start marks that the agent began working an ACCEPTED request
func (s *Service) Start(ctx context.Context, actor Actor, requestID string) (*types.HandoffRequest, error) {
	const op = "start"

	if err := requireRole(op, actor, types.RoleAgent); err != nil {
		return nil, s.reject(op, err)
	}
	req, err := s.transition(ctx, op, requestID, agentOperator(actor.ParticipantID, nil), types.EventStarted,
		func(r *types.HandoffRequest, now time.Time) error {
			if err := sameTenant(op, actor, r); err != nil {
				return err
			}
			if r.AgentID != actor.ParticipantID {
				return newError(KindForbidden, op, "request is not assigned to you")
			}
			if r.Status != types.HandoffAccepted {
				return newError(KindConflict, op, "request is "+string(r.Status)+", not ACCEPTED")
			}
			r.Status = types.HandoffInProgress
			r.StartedAt = &now
			return nil
		})
	if err != nil {
		return nil, s.reject(op, err)
	}
	return req, nil
}

// Complete resolves an ACCEPTED or IN_PROGRESS request and frees the agent's session slot
func (s *Service) Complete(ctx context.Context, actor Actor, requestID string) (*types.HandoffRequest, error) {
	const op = "complete"

	if err := requireRole(op, actor, types.RoleAgent); err != nil {
		return nil, s.reject(op, err)
	}
	req, err := s.transition(ctx, op, requestID, agentOperator(actor.ParticipantID, nil), types.EventCompleted,
		func(r *types.HandoffRequest, now time.Time) error {
			if err := sameTenant(op, actor, r); err != nil {
				return err
			}
			if r.AgentID != actor.ParticipantID {
				return newError(KindForbidden, op, "request is not assigned to you")
			}
			if !r.Status.HoldsCapacity() {
				return newError(KindConflict, op, "request is "+string(r.Status)+", not ACCEPTED or IN_PROGRESS")
			}
			r.Status = types.HandoffCompleted
			r.CompletedAt = &now
			r.AgentID = ""
			return nil
		})
	if err != nil {
		return nil, s.reject(op, err)
	}

	s.release(ctx, req, actor.ParticipantID, types.TicketResolved)
	s.notifyCustomer(req, types.MessageHandoffCompleted)
	if req.AcceptedAt != nil {
		s.estimator.RecordHandle(req.TenantID, req.CompletedAt.Sub(*req.AcceptedAt))
	}

	s.logger.Info().
		Str("tenant_id", req.TenantID).
		Str("request_id", req.ID).
		Str("agent_id", actor.ParticipantID).
		Msg("Handoff completed")

	s.fire(TriggerAgentFreed, req.TenantID)
	return req, nil
}

// Close ends an ACCEPTED or IN_PROGRESS request without resolving its ticket.
// The owning agent or an admin of the tenant may close.
func (s *Service) Close(ctx context.Context, actor Actor, requestID, reason string) (*types.HandoffRequest, error) {
	const op = "close"

	if actor.Role != types.RoleAgent && actor.Role != types.RoleAdmin {
		return nil, s.reject(op, newError(KindForbidden, op, "only the assigned agent or an admin can close"))
	}
	data := map[string]string{}
	if reason != "" {
		data["reason"] = reason
	}
	var agentID string
	req, err := s.transition(ctx, op, requestID, actorOperator(actor, data), types.EventClosed,
		func(r *types.HandoffRequest, now time.Time) error {
			if err := sameTenant(op, actor, r); err != nil {
				return err
			}
			if actor.Role == types.RoleAgent && r.AgentID != actor.ParticipantID {
				return newError(KindForbidden, op, "request is not assigned to you")
			}
			if !r.Status.HoldsCapacity() {
				return newError(KindConflict, op, "request is "+string(r.Status)+", not ACCEPTED or IN_PROGRESS")
			}
			agentID = r.AgentID
			r.Status = types.HandoffClosed
			r.ClosedAt = &now
			r.AgentID = ""
			return nil
		})
	if err != nil {
		return nil, s.reject(op, err)
	}

	s.release(ctx, req, agentID, types.TicketClosed)
	s.notifyCustomer(req, types.MessageHandoffClosed)
	if actor.Role == types.RoleAdmin && agentID != "" {
		s.notifyAgent(req, agentID, types.MessageHandoffClosed)
	}

	s.logger.Info().
		Str("tenant_id", req.TenantID).
		Str("request_id", req.ID).
		Str("agent_id", agentID).
		Str("by", actor.ParticipantID).
		Msg("Handoff closed")

	s.fire(TriggerAgentFreed, req.TenantID)
	return req, nil
}

// release undoes the side effects of acceptance once a request reaches a terminal status
func (s *Service) release(ctx context.Context, req *types.HandoffRequest, agentID string, ticketStatus types.TicketStatus) {
	if agentID != "" {
		if _, err := s.presence.DecrementLoad(ctx, req.TenantID, agentID); err != nil {
			s.logger.Error().Err(err).Str("agent_id", agentID).Msg("Failed to release agent session")
		}
	}
	if req.TicketID != "" {
		if err := s.tickets.SetTicketStatus(ctx, req.TicketID, ticketStatus); err != nil {
			s.logger.Error().Err(err).Str("ticket_id", req.TicketID).Msg("Failed to update ticket status")
		}
	}
	if err := s.conversations.SetConversationOwner(ctx, req.TenantID, req.SessionID, types.ConversationBot, ""); err != nil {
		s.logger.Error().Err(err).Str("session_id", req.SessionID).Msg("Failed to return conversation to the assistant")
	}
}

// QueryStatus returns the request with its live queue position and estimated wait
func (s *Service) QueryStatus(ctx context.Context, actor Actor, requestID string) (*RequestResult, error) {
	const op = "status"

	req, err := s.load(ctx, op, requestID)
	if err != nil {
		return nil, err
	}
	if err := canView(op, actor, req); err != nil {
		return nil, s.reject(op, err)
	}

	res := &RequestResult{Request: req, AgentID: req.AgentID}
	if req.Status == types.HandoffPending || req.Status == types.HandoffAssigned {
		pos, err := s.queue.Position(ctx, req.TenantID, req.ID)
		if err != nil {
			return nil, wrapError(KindUnavailable, op, "failed to read queue position", err)
		}
		req.QueuePosition = pos
		res.Position = pos
		res.EstimatedWait = s.estimate(ctx, req.TenantID, pos)
	}
	return res, nil
}

// Get loads a request for the assignment engine. No authorization is applied.
func (s *Service) Get(ctx context.Context, requestID string) (*types.HandoffRequest, error) {
	return s.load(ctx, "get", requestID)
}

// ListPending returns the requests assigned to the calling agent followed by the tenant's queued requests
func (s *Service) ListPending(ctx context.Context, actor Actor, limit int) ([]types.HandoffRequest, error) {
	const op = "pending"

	if err := requireRole(op, actor, types.RoleAgent); err != nil {
		return nil, s.reject(op, err)
	}
	if limit <= 0 {
		limit = 50
	}

	assigned, err := s.handoffs.ListHandoffs(ctx, types.HandoffFilter{
		TenantID: actor.TenantID,
		Status:   types.HandoffAssigned,
		AgentID:  actor.ParticipantID,
		Limit:    limit,
	})
	if err != nil {
		return nil, wrapError(KindUnavailable, op, "failed to list assigned handoffs", err)
	}

	ids, err := s.queue.List(ctx, actor.TenantID, limit)
	if err != nil {
		return nil, wrapError(KindUnavailable, op, "failed to list queue", err)
	}
	out := assigned
	for i, id := range ids {
		req, err := s.handoffs.GetHandoff(ctx, id)
		if err != nil {
			if !errors.Is(err, storage.ErrNotFound) {
				s.logger.Warn().Err(err).Str("request_id", id).Msg("Failed to load queued handoff")
			}
			continue
		}
		if req.Status != types.HandoffPending {
			continue
		}
		req.QueuePosition = i + 1
		out = append(out, *req)
	}
	return out, nil
}

// ListHandoffs searches the tenant's handoffs. Admin only.
func (s *Service) ListHandoffs(ctx context.Context, actor Actor, filter types.HandoffFilter) ([]types.HandoffRequest, error) {
	const op = "list"

	if err := requireRole(op, actor, types.RoleAdmin); err != nil {
		return nil, s.reject(op, err)
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, s.reject(op, newError(KindValidation, op, "unknown status "+string(filter.Status)))
	}
	filter.TenantID = actor.TenantID
	list, err := s.handoffs.ListHandoffs(ctx, filter)
	if err != nil {
		return nil, wrapError(KindUnavailable, op, "failed to list handoffs", err)
	}
	return list, nil
}

// Events returns the audit trail of a request
func (s *Service) Events(ctx context.Context, actor Actor, requestID string) ([]types.HandoffEvent, error) {
	const op = "events"

	req, err := s.load(ctx, op, requestID)
	if err != nil {
		return nil, err
	}
	if err := canView(op, actor, req); err != nil {
		return nil, s.reject(op, err)
	}
	evs, err := s.handoffs.ListEvents(ctx, requestID)
	if err != nil {
		return nil, wrapError(KindUnavailable, op, "failed to list events", err)
	}
	return evs, nil
}

// DeclinedBy returns the agents that rejected the request so far
func (s *Service) DeclinedBy(ctx context.Context, requestID string) (map[string]bool, error) {
	evs, err := s.handoffs.ListEvents(ctx, requestID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool)
	for _, ev := range evs {
		if ev.EventType == types.EventRejected && ev.OperatorID != "" {
			out[ev.OperatorID] = true
		}
	}
	return out, nil
}

// operator describes who causes a transition
type operator struct {
	id   string
	kind types.OperatorKind
	data map[string]string
}

func agentOperator(agentID string, data map[string]string) operator {
	return operator{id: agentID, kind: types.OperatorAgent, data: data}
}

func systemOperator(data map[string]string) operator {
	return operator{kind: types.OperatorSystem, data: data}
}

// actorOperator maps an authenticated caller onto the audit operator kinds; admins act as SYSTEM
func actorOperator(actor Actor, data map[string]string) operator {
	switch actor.Role {
	case types.RoleCustomer:
		return operator{id: actor.ParticipantID, kind: types.OperatorCustomer, data: data}
	case types.RoleAgent:
		return operator{id: actor.ParticipantID, kind: types.OperatorAgent, data: data}
	}
	if data == nil {
		data = map[string]string{}
	}
	data["role"] = string(types.RoleAdmin)
	return operator{id: actor.ParticipantID, kind: types.OperatorSystem, data: data}
}

// transition applies mutate to a fresh copy of the request and writes it conditionally on the status
// and version it was read with. On a lost race the request is re-read and mutate runs again, so a
// status that moved in between fails the mutate checks instead of being overwritten.
func (s *Service) transition(ctx context.Context, op, requestID string, by operator, evType types.HandoffEventType,
	mutate func(r *types.HandoffRequest, now time.Time) error) (*types.HandoffRequest, error) {

	for attempt := 0; attempt < maxTransitionAttempts; attempt++ {
		req, err := s.load(ctx, op, requestID)
		if err != nil {
			return nil, err
		}
		from := req.Status
		now := s.now()
		if err := mutate(req, now); err != nil {
			return nil, err
		}
		req.UpdatedAt = now

		ev := &types.HandoffEvent{
			ID:               uuid.New().String(),
			HandoffRequestID: req.ID,
			TenantID:         req.TenantID,
			EventType:        evType,
			FromStatus:       from,
			ToStatus:         req.Status,
			OperatorID:       by.id,
			OperatorKind:     by.kind,
			EventData:        by.data,
			CreatedAt:        now,
		}
		err = s.handoffs.UpdateHandoff(ctx, req, from, ev)
		if err == nil {
			s.metrics.RecordTransition(string(evType))
			return req, nil
		}
		if !errors.Is(err, storage.ErrVersionConflict) {
			return nil, wrapError(KindUnavailable, op, "failed to store transition", err)
		}
		s.logger.Debug().Str("request_id", requestID).Str("op", op).Msg("Concurrent update, re-reading request")
	}
	return nil, wrapError(KindConflict, op, "request was modified concurrently", storage.ErrVersionConflict)
}

func (s *Service) load(ctx context.Context, op, requestID string) (*types.HandoffRequest, error) {
	if requestID == "" {
		return nil, s.reject(op, newError(KindValidation, op, "requestId is required"))
	}
	req, err := s.handoffs.GetHandoff(ctx, requestID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, s.reject(op, wrapError(KindNotFound, op, "handoff "+requestID+" not found", err))
		}
		return nil, wrapError(KindUnavailable, op, "failed to load handoff", err)
	}
	return req, nil
}

func (s *Service) estimate(ctx context.Context, tenantID string, position int) time.Duration {
	if position <= 0 {
		return 0
	}
	online, err := s.presence.ListOnline(ctx, tenantID)
	if err != nil {
		s.logger.Warn().Err(err).Str("tenant_id", tenantID).Msg("Failed to count online agents")
	}
	return s.estimator.Estimate(tenantID, position, len(online))
}

func (s *Service) fire(reason TriggerReason, tenantID string) {
	if s.trigger != nil {
		s.trigger.Trigger(reason, tenantID)
	}
}

// reject counts refused operations; infrastructure failures are not passed through here
func (s *Service) reject(op string, err error) error {
	switch KindOf(err) {
	case KindValidation, KindForbidden, KindConflict, KindCapacity, KindNotFound:
		s.metrics.RecordRejected(op)
	}
	return err
}

func (s *Service) notifyAgent(req *types.HandoffRequest, agentID string, t types.MessageType) {
	msg, err := types.NewMessage(t, req.ID, notice(req, agentID))
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to build notification")
		return
	}
	if !s.notifier.NotifyAgent(req.TenantID, agentID, msg) {
		s.logger.Debug().Str("agent_id", agentID).Str("type", string(t)).Msg("Agent not connected, notification dropped")
	}
}

func (s *Service) notifyCustomer(req *types.HandoffRequest, t types.MessageType) {
	agentID := req.AgentID
	if agentID == "" {
		agentID = req.HandledBy
	}
	msg, err := types.NewMessage(t, req.ID, notice(req, agentID))
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to build notification")
		return
	}
	if !s.notifier.NotifyCustomer(req.TenantID, req.SessionID, msg) {
		s.logger.Debug().Str("session_id", req.SessionID).Str("type", string(t)).Msg("Customer not connected, notification dropped")
	}
}

func notice(req *types.HandoffRequest, agentID string) types.HandoffNotice {
	return types.HandoffNotice{
		RequestID:  req.ID,
		SessionID:  req.SessionID,
		CustomerID: req.CustomerID,
		AgentID:    agentID,
		Status:     req.Status,
		Priority:   req.Priority,
		Reason:     req.Reason,
		Topic:      req.Topic,
	}
}

func requireRole(op string, actor Actor, role types.Role) error {
	if actor.Role != role {
		return newError(KindForbidden, op, "requires role "+string(role))
	}
	if actor.TenantID == "" || actor.ParticipantID == "" {
		return newError(KindValidation, op, "tenant and participant are required")
	}
	return nil
}

func sameTenant(op string, actor Actor, req *types.HandoffRequest) error {
	if req.TenantID != actor.TenantID {
		return newError(KindForbidden, op, "request belongs to another tenant")
	}
	return nil
}

// canView allows the owning customer, the current or former agent, and tenant admins
func canView(op string, actor Actor, req *types.HandoffRequest) error {
	if err := sameTenant(op, actor, req); err != nil {
		return err
	}
	switch actor.Role {
	case types.RoleAdmin:
		return nil
	case types.RoleCustomer:
		if req.CustomerID == actor.ParticipantID {
			return nil
		}
	case types.RoleAgent:
		if req.AgentID == actor.ParticipantID || req.HandledBy == actor.ParticipantID {
			return nil
		}
	}
	return newError(KindForbidden, op, "not a participant of this handoff")
}

// maxSubjectRunes bounds the ticket subject derived from the customer's reason
const maxSubjectRunes = 120

func subjectFor(reason string) string {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return "Customer requested a human agent"
	}
	if utf8.RuneCountInString(reason) <= maxSubjectRunes {
		return reason
	}
	runes := []rune(reason)
	return string(runes[:maxSubjectRunes])
}

type nopNotifier struct{}

func (nopNotifier) NotifyAgent(string, string, types.Message) bool    { return false }
func (nopNotifier) NotifyCustomer(string, string, types.Message) bool { return false }
func (nopNotifier) BroadcastToTenantAgents(string, types.Message) int { return 0 }
