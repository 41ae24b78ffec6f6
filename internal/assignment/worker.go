package assignment

import (
	"context"
	"time"

	"github.com/dennisdiepolder/monti/handoff/internal/handoff"
	"github.com/dennisdiepolder/monti/handoff/internal/queue"
	"github.com/rs/zerolog"
)

// DefaultRescanInterval is how often every tenant with queued work is rescanned
const DefaultRescanInterval = 5 * time.Second

type trigger struct {
	reason   handoff.TriggerReason
	tenantID string
}

// Worker runs assignment passes in response to triggers and on a periodic rescan
type Worker struct {
	engine   *Engine
	queue    queue.Manager
	interval time.Duration
	triggers chan trigger
	logger   zerolog.Logger
}

// NewWorker creates a worker. It must be started with Start.
func NewWorker(engine *Engine, q queue.Manager, interval time.Duration, logger zerolog.Logger) *Worker {
	if interval <= 0 {
		interval = DefaultRescanInterval
	}
	return &Worker{
		engine:   engine,
		queue:    q,
		interval: interval,
		triggers: make(chan trigger, 256),
		logger:   logger.With().Str("component", "assignment_worker").Logger(),
	}
}

// Trigger schedules a pass over the tenant's queue. It never blocks; a dropped trigger is picked up by
// the next rescan.
func (w *Worker) Trigger(reason handoff.TriggerReason, tenantID string) {
	select {
	case w.triggers <- trigger{reason: reason, tenantID: tenantID}:
	default:
		w.logger.Warn().Str("tenant_id", tenantID).Str("reason", string(reason)).Msg("Trigger buffer full, deferring to rescan")
	}
}

// Start processes triggers and rescans until the context is cancelled
func (w *Worker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info().Dur("interval", w.interval).Msg("assignment worker started")

	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("assignment worker stopped")
			return
		case t := <-w.triggers:
			w.scan(ctx, t.tenantID, string(t.reason))
		case <-ticker.C:
			w.rescan(ctx)
		}
	}
}

func (w *Worker) rescan(ctx context.Context) {
	tenants, err := w.queue.Tenants(ctx)
	if err != nil {
		w.logger.Error().Err(err).Msg("Failed to list tenants with queued work")
		return
	}
	for _, tenantID := range tenants {
		if ctx.Err() != nil {
			return
		}
		w.scan(ctx, tenantID, "rescan")
	}
}

func (w *Worker) scan(ctx context.Context, tenantID, reason string) {
	n, err := w.engine.ScanTenant(ctx, tenantID)
	if err != nil {
		w.logger.Error().Err(err).Str("tenant_id", tenantID).Str("reason", reason).Msg("Assignment pass failed")
		return
	}
	if n > 0 {
		w.logger.Debug().Str("tenant_id", tenantID).Str("reason", reason).Int("assigned", n).Msg("Assignment pass")
	}
}
