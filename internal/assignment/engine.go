// Package assignment picks the operator for each pending handoff and drives assignment off the request path.
package assignment

import (
	"context"

	"github.com/dennisdiepolder/monti/handoff/internal/handoff"
	"github.com/dennisdiepolder/monti/handoff/internal/metrics"
	"github.com/dennisdiepolder/monti/handoff/internal/presence"
	"github.com/dennisdiepolder/monti/handoff/internal/queue"
	"github.com/dennisdiepolder/monti/handoff/internal/types"
	"github.com/rs/zerolog"
)

// DefaultScanLimit bounds how many queue entries one tenant scan looks at
const DefaultScanLimit = 200

// Workflow is the part of the handoff service the engine drives
type Workflow interface {
	Get(ctx context.Context, requestID string) (*types.HandoffRequest, error)
	Assign(ctx context.Context, requestID, agentID string) (*types.HandoffRequest, error)
	Accept(ctx context.Context, actor handoff.Actor, requestID string) (*types.HandoffRequest, error)
	DeclinedBy(ctx context.Context, requestID string) (map[string]bool, error)
	ReleaseOffer(ctx context.Context, requestID, agentID, reason string) (*types.HandoffRequest, error)
	Expire(ctx context.Context, requestID string) (*types.HandoffRequest, error)
}

// Engine matches queued requests to online agents
type Engine struct {
	workflow  Workflow
	presence  presence.Registry
	queue     queue.Manager
	profiles  *Profiles
	scorer    Scorer
	metrics   *metrics.Metrics
	logger    zerolog.Logger
	scanLimit int
}

// NewEngine creates an engine using the WeightedScorer
func NewEngine(wf Workflow, reg presence.Registry, q queue.Manager, profiles *Profiles, logger zerolog.Logger) *Engine {
	return &Engine{
		workflow:  wf,
		presence:  reg,
		queue:     q,
		profiles:  profiles,
		scorer:    WeightedScorer{},
		metrics:   metrics.Get(),
		logger:    logger.With().Str("component", "assignment").Logger(),
		scanLimit: DefaultScanLimit,
	}
}

// WithScorer replaces the scoring strategy
func (e *Engine) WithScorer(s Scorer) *Engine {
	e.scorer = s
	return e
}

// WithMetrics replaces the metrics sink
func (e *Engine) WithMetrics(m *metrics.Metrics) *Engine {
	e.metrics = m
	return e
}

// AssignOne tries to assign a single PENDING request and returns the chosen agent, or "" when the
// request was not assignable right now.
func (e *Engine) AssignOne(ctx context.Context, requestID string) (string, error) {
	req, err := e.workflow.Get(ctx, requestID)
	if err != nil {
		return "", err
	}
	outstanding, err := e.outstanding(ctx, req.TenantID)
	if err != nil {
		return "", err
	}
	return e.assign(ctx, req, outstanding)
}

// ScanTenant walks the tenant's queue front to back and assigns as many requests as capacity allows.
// Entries past the retention window are cancelled first, offers held by agents that are no longer
// online go back to the line, and stale entries whose request is gone or finished are dropped.
func (e *Engine) ScanTenant(ctx context.Context, tenantID string) (int, error) {
	e.expire(ctx, tenantID)

	ids, err := e.queue.List(ctx, tenantID, e.scanLimit)
	if err != nil {
		return 0, err
	}
	online, err := e.presence.ListOnline(ctx, tenantID)
	if err != nil {
		return 0, err
	}
	isOnline := make(map[string]bool, len(online))
	for _, p := range online {
		isOnline[p.AgentID] = true
	}

	pending := make([]*types.HandoffRequest, 0, len(ids))
	var released []*types.HandoffRequest
	outstanding := make(map[string]int)
	for _, id := range ids {
		req, err := e.workflow.Get(ctx, id)
		if err != nil {
			if handoff.KindOf(err) == handoff.KindNotFound {
				e.drop(ctx, tenantID, id)
				continue
			}
			return 0, err
		}
		switch {
		case req.Status == types.HandoffPending:
			pending = append(pending, req)
		case req.Status == types.HandoffAssigned && !isOnline[req.AgentID]:
			back, err := e.workflow.ReleaseOffer(ctx, req.ID, req.AgentID, handoff.ReasonAgentOffline)
			if err != nil {
				if handoff.KindOf(err) == handoff.KindConflict {
					continue
				}
				return 0, err
			}
			e.logger.Info().
				Str("tenant_id", tenantID).
				Str("request_id", req.ID).
				Str("agent_id", req.AgentID).
				Msg("Offer held by offline agent released")
			released = append(released, back)
		case req.Status == types.HandoffAssigned:
			outstanding[req.AgentID]++
		default:
			e.drop(ctx, tenantID, id)
		}
	}
	// released offers were requeued behind everything listed above
	pending = append(pending, released...)

	assigned := 0
	for _, req := range pending {
		agentID, err := e.assign(ctx, req, outstanding)
		if err != nil {
			return assigned, err
		}
		if agentID == "" {
			// FIFO: nobody behind the head can be served either
			break
		}
		assigned++
	}
	return assigned, nil
}

// expire cancels the requests whose queue entry outlived the retention window
func (e *Engine) expire(ctx context.Context, tenantID string) {
	ids, err := e.queue.Expired(ctx, tenantID)
	if err != nil {
		e.logger.Warn().Err(err).Str("tenant_id", tenantID).Msg("Failed to reap expired queue entries")
		return
	}
	for _, id := range ids {
		if _, err := e.workflow.Expire(ctx, id); err != nil {
			switch handoff.KindOf(err) {
			case handoff.KindConflict, handoff.KindNotFound:
				// already finished, the entry was stale
			default:
				e.logger.Error().Err(err).Str("request_id", id).Msg("Failed to expire queued handoff")
			}
		}
	}
}

func (e *Engine) assign(ctx context.Context, req *types.HandoffRequest, outstanding map[string]int) (string, error) {
	if req.Status != types.HandoffPending {
		return "", nil
	}

	online, err := e.presence.ListOnline(ctx, req.TenantID)
	if err != nil {
		return "", err
	}
	declined, err := e.workflow.DeclinedBy(ctx, req.ID)
	if err != nil {
		return "", err
	}

	candidates := make([]Candidate, 0, len(online))
	for _, p := range online {
		// offers not yet accepted reserve a slot
		p.CurrentSessions += outstanding[p.AgentID]
		if p.CurrentSessions > p.MaxSessions {
			p.CurrentSessions = p.MaxSessions
		}
		candidates = append(candidates, Candidate{
			Presence: p,
			Profile:  e.profiles.Agent(req.TenantID, p.AgentID),
			Declined: declined[p.AgentID],
		})
	}

	best := e.scorer.Select(req, candidates)
	if best == nil {
		e.metrics.RecordAssignmentAttempt(false)
		e.logger.Debug().
			Str("tenant_id", req.TenantID).
			Str("request_id", req.ID).
			Int("online", len(online)).
			Msg("No agent with capacity, request stays queued")
		return "", nil
	}

	agentID := best.Presence.AgentID
	if _, err := e.workflow.Assign(ctx, req.ID, agentID); err != nil {
		switch handoff.KindOf(err) {
		case handoff.KindConflict, handoff.KindCapacity, handoff.KindNotFound:
			e.metrics.RecordAssignmentAttempt(false)
			e.logger.Debug().Err(err).Str("request_id", req.ID).Str("agent_id", agentID).Msg("Assignment lost a race")
			return "", nil
		}
		return "", err
	}
	e.metrics.RecordAssignmentAttempt(true)
	outstanding[agentID]++

	e.logger.Info().
		Str("tenant_id", req.TenantID).
		Str("request_id", req.ID).
		Str("agent_id", agentID).
		Float64("score", best.Score).
		Msg("Agent selected")

	if best.Profile.AutoAccept {
		actor := handoff.Actor{TenantID: req.TenantID, ParticipantID: agentID, Role: types.RoleAgent}
		if _, err := e.workflow.Accept(ctx, actor, req.ID); err != nil {
			e.logger.Warn().Err(err).Str("request_id", req.ID).Str("agent_id", agentID).Msg("Auto-accept failed, offer stays open")
		} else {
			outstanding[agentID]--
		}
	}
	return agentID, nil
}

func (e *Engine) drop(ctx context.Context, tenantID, requestID string) {
	if err := e.queue.Remove(ctx, tenantID, requestID); err != nil {
		e.logger.Warn().Err(err).Str("request_id", requestID).Msg("Failed to drop stale queue entry")
		return
	}
	e.logger.Debug().Str("tenant_id", tenantID).Str("request_id", requestID).Msg("Dropped stale queue entry")
}

// outstanding counts ASSIGNED requests per agent; they are still queued until accepted
func (e *Engine) outstanding(ctx context.Context, tenantID string) (map[string]int, error) {
	ids, err := e.queue.List(ctx, tenantID, e.scanLimit)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int)
	for _, id := range ids {
		req, err := e.workflow.Get(ctx, id)
		if err != nil {
			continue
		}
		if req.Status == types.HandoffAssigned {
			out[req.AgentID]++
		}
	}
	return out, nil
}
