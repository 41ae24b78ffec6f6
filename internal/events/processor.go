package events

import (
	"context"
	"errors"
	"fmt"

	"github.com/dennisdiepolder/monti/handoff/internal/metrics"
	"github.com/dennisdiepolder/monti/handoff/internal/storage"
	"github.com/dennisdiepolder/monti/handoff/internal/types"
	"github.com/rs/zerolog"
)

// ErrPoison marks a message that can never be processed (bad encoding, missing identity)
var ErrPoison = errors.New("poison message")

// NotificationTicketAssigned is the notification kind written for AgentAssignedEvent
const NotificationTicketAssigned = "TICKET_ASSIGNED"

// Processor applies the effects of pipeline events exactly once per idempotency key
type Processor struct {
	notifications storage.NotificationStore
	tickets       storage.TicketStore
	marker        Marker
	metrics       *metrics.Metrics
	logger        zerolog.Logger
}

// NewProcessor creates a processor
func NewProcessor(notifications storage.NotificationStore, tickets storage.TicketStore, marker Marker, logger zerolog.Logger) *Processor {
	return &Processor{
		notifications: notifications,
		tickets:       tickets,
		marker:        marker,
		metrics:       metrics.Get(),
		logger:        logger.With().Str("component", "event_processor").Logger(),
	}
}

// WithMetrics replaces the metrics sink
func (p *Processor) WithMetrics(m *metrics.Metrics) *Processor {
	p.metrics = m
	return p
}

// HandleAgentAssigned records a notification for the agent that now owns the ticket
func (p *Processor) HandleAgentAssigned(ctx context.Context, ev AgentAssignedEvent) error {
	if ev.TenantID == "" || ev.HandoffRequestID == "" || ev.AgentID == "" {
		return fmt.Errorf("%w: agent assigned event without tenant, request or agent", ErrPoison)
	}
	key := ev.Key()
	return p.once(ctx, TypeAgentAssigned, key, func() error {
		body := fmt.Sprintf("You now own the conversation %s", ev.SessionID)
		if ev.TicketID != "" {
			body = fmt.Sprintf("You now own ticket %s for conversation %s", ev.TicketID, ev.SessionID)
		}
		created, err := p.notifications.SaveNotification(ctx, &types.Notification{
			TenantID:    ev.TenantID,
			RecipientID: ev.AgentID,
			Kind:        NotificationTicketAssigned,
			Title:       "Ticket assigned",
			Body:        body,
			DedupeKey:   key,
		})
		if err != nil {
			return err
		}
		if !created {
			p.logger.Debug().Str("dedupe_key", key).Msg("Notification already recorded")
		}
		return nil
	})
}

// HandleNegativeSentiment opens a HIGH priority ticket for the session, reusing an open one
func (p *Processor) HandleNegativeSentiment(ctx context.Context, ev NegativeSentimentEvent) error {
	if ev.TenantID == "" || ev.SessionID == "" {
		return fmt.Errorf("%w: negative sentiment event without tenant or session", ErrPoison)
	}
	return p.once(ctx, TypeNegativeSentiment, ev.Key(), func() error {
		ticket, err := p.tickets.FindOrCreateTicket(ctx, ev.TenantID, ev.CustomerID, ev.SessionID,
			"Customer showed negative sentiment", types.PriorityHigh)
		if err != nil {
			return err
		}
		p.logger.Info().
			Str("tenant_id", ev.TenantID).
			Str("session_id", ev.SessionID).
			Str("ticket_id", ticket.ID).
			Float64("score", ev.Score).
			Msg("Ticket opened for negative sentiment")
		return nil
	})
}

// once runs effect unless key was already marked. The marker is set only after the effect succeeded,
// so a failed effect is never hidden from the dead-letter queue.
func (p *Processor) once(ctx context.Context, eventType, key string, effect func() error) error {
	seen, err := p.marker.Seen(ctx, key)
	if err != nil {
		return err
	}
	if seen {
		p.metrics.RecordEventDuplicate()
		p.logger.Debug().Str("type", eventType).Str("key", key).Msg("Duplicate event skipped")
		return nil
	}
	if err := effect(); err != nil {
		return err
	}
	if err := p.marker.Mark(ctx, key); err != nil {
		// the effect itself is keyed, a lost marker only costs a repeated lookup
		p.logger.Warn().Err(err).Str("key", key).Msg("Failed to set idempotency marker")
	}
	p.metrics.RecordEventConsumed()
	return nil
}
