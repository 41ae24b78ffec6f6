package events

import (
	"context"

	"github.com/dennisdiepolder/monti/handoff/internal/metrics"
	"github.com/rs/zerolog"
)

// Publisher sends an envelope to the broker
type Publisher interface {
	Publish(ctx context.Context, key string, env Envelope) error
}

// Dispatcher publishes events and applies them in-process when the broker cannot take them,
// so the user-facing action that raised the event still succeeds.
type Dispatcher struct {
	publisher Publisher
	processor *Processor
	metrics   *metrics.Metrics
	logger    zerolog.Logger
}

// NewDispatcher creates a dispatcher. A nil publisher delivers every event in-process.
func NewDispatcher(pub Publisher, proc *Processor, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		publisher: pub,
		processor: proc,
		metrics:   metrics.Get(),
		logger:    logger.With().Str("component", "dispatcher").Logger(),
	}
}

// WithMetrics replaces the metrics sink
func (d *Dispatcher) WithMetrics(m *metrics.Metrics) *Dispatcher {
	d.metrics = m
	return d
}

func (d *Dispatcher) PublishAgentAssigned(ctx context.Context, ev AgentAssignedEvent) error {
	return d.dispatch(ctx, TypeAgentAssigned, ev, ev.HandoffRequestID, func() error {
		return d.processor.HandleAgentAssigned(ctx, ev)
	})
}

func (d *Dispatcher) PublishNegativeSentiment(ctx context.Context, ev NegativeSentimentEvent) error {
	return d.dispatch(ctx, TypeNegativeSentiment, ev, ev.SessionID, func() error {
		return d.processor.HandleNegativeSentiment(ctx, ev)
	})
}

func (d *Dispatcher) dispatch(ctx context.Context, key string, data any, correlationID string, inline func() error) error {
	if d.publisher != nil {
		err := d.publisher.Publish(ctx, key, NewEnvelope(key, data, correlationID))
		if err == nil {
			d.metrics.RecordEventPublished()
			return nil
		}
		d.logger.Warn().Err(err).Str("key", key).Msg("Publish failed, applying event in-process")
	}
	d.metrics.RecordEventFallback()
	return inline()
}
