// Package ticker periodically pushes queue positions to customers waiting for an agent.
package ticker

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// DefaultBatch caps how many waiting customers of one tenant are updated per tick
const DefaultBatch = 200

// TenantLister reports the tenants that currently have queued work
type TenantLister interface {
	Tenants(ctx context.Context) ([]string, error)
}

// PositionPusher sends waiting customers their place in line
type PositionPusher interface {
	PushQueuePositions(ctx context.Context, tenantID string, limit int) (int, error)
}

// Ticker periodically broadcasts queue positions
type Ticker struct {
	tenants  TenantLister
	pusher   PositionPusher
	interval time.Duration
	batch    int
	logger   zerolog.Logger
}

// NewTicker creates a new Ticker
func NewTicker(tenants TenantLister, pusher PositionPusher, interval time.Duration, logger zerolog.Logger) *Ticker {
	return &Ticker{
		tenants:  tenants,
		pusher:   pusher,
		interval: interval,
		batch:    DefaultBatch,
		logger:   logger.With().Str("component", "queue_ticker").Logger(),
	}
}

// Start begins broadcasting queue positions until ctx is cancelled
func (t *Ticker) Start(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	t.logger.Info().Dur("interval", t.interval).Msg("ticker started")

	for {
		select {
		case <-ctx.Done():
			t.logger.Info().Msg("ticker stopped")
			return

		case <-ticker.C:
			t.Tick(ctx)
		}
	}
}

// Tick pushes one round of updates and returns the number of customers reached
func (t *Ticker) Tick(ctx context.Context) int {
	tenants, err := t.tenants.Tenants(ctx)
	if err != nil {
		t.logger.Error().Err(err).Msg("failed to list tenants with queued work")
		return 0
	}

	total := 0
	for _, tenantID := range tenants {
		n, err := t.pusher.PushQueuePositions(ctx, tenantID, t.batch)
		if err != nil {
			t.logger.Warn().Err(err).Str("tenant_id", tenantID).Msg("failed to push queue positions")
			continue
		}
		total += n
	}
	if total > 0 {
		t.logger.Debug().
			Int("tenants", len(tenants)).
			Int("customers", total).
			Msg("broadcasted queue positions")
	}
	return total
}
