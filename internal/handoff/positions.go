package handoff

import (
	"context"

	"github.com/dennisdiepolder/monti/handoff/internal/types"
)

// PushQueuePositions sends every waiting customer of the tenant its current place in line and wait
// estimate, at most limit customers when limit > 0. It returns the number of customers reached.
func (s *Service) PushQueuePositions(ctx context.Context, tenantID string, limit int) (int, error) {
	const op = "queue_positions"

	ids, err := s.queue.List(ctx, tenantID, limit)
	if err != nil {
		return 0, wrapError(KindUnavailable, op, "failed to list queue", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	online, err := s.presence.ListOnline(ctx, tenantID)
	if err != nil {
		s.logger.Warn().Err(err).Str("tenant_id", tenantID).Msg("Failed to count online agents")
	}

	reached := 0
	for i, id := range ids {
		req, err := s.handoffs.GetHandoff(ctx, id)
		if err != nil {
			s.logger.Debug().Err(err).Str("request_id", id).Msg("Queued request not loadable, skipping")
			continue
		}
		if req.Status != types.HandoffPending && req.Status != types.HandoffAssigned {
			continue
		}
		pos := i + 1
		wait := s.estimator.Estimate(tenantID, pos, len(online))
		msg, err := types.NewMessage(types.MessageQueuePosition, req.ID, types.QueueUpdate{
			RequestID:            req.ID,
			Position:             pos,
			EstimatedWaitSeconds: int(wait.Seconds()),
		})
		if err != nil {
			return reached, wrapError(KindInternal, op, "failed to build queue update", err)
		}
		if s.notifier.NotifyCustomer(req.TenantID, req.SessionID, msg) {
			reached++
		}
	}
	return reached, nil
}
