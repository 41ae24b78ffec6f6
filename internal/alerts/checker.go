package alerts

import (
	"fmt"
	"time"

	"github.com/dennisdiepolder/monti/handoff/internal/types"
)

// CheckPresence evaluates alert rules for a presence snapshot,
// mutating each entry's Alerts field in place. ttl is the heartbeat TTL of the registry.
func CheckPresence(agents []types.AgentPresence, ttl time.Duration, now time.Time) {
	for i := range agents {
		agents[i].Alerts = nil
		if agents[i].Status == types.PresenceOffline {
			continue
		}

		if ttl > 0 && !agents[i].LastHeartbeatAt.IsZero() {
			silent := now.Sub(agents[i].LastHeartbeatAt)
			switch {
			case silent > ttl*3/4:
				agents[i].Alerts = append(agents[i].Alerts, types.PresenceAlert{
					Rule:     "heartbeat_stale",
					Severity: types.SeverityCritical,
					Message:  fmt.Sprintf("No heartbeat for %s", formatDuration(silent)),
				})
			case silent > ttl/2:
				agents[i].Alerts = append(agents[i].Alerts, types.PresenceAlert{
					Rule:     "heartbeat_stale",
					Severity: types.SeverityWarning,
					Message:  fmt.Sprintf("No heartbeat for %s", formatDuration(silent)),
				})
			}
		}

		if agents[i].Status == types.PresenceOnline && agents[i].MaxSessions > 0 && agents[i].Headroom() == 0 {
			agents[i].Alerts = append(agents[i].Alerts, types.PresenceAlert{
				Rule:     "at_capacity",
				Severity: types.SeverityWarning,
				Message:  fmt.Sprintf("Handling %d of %d sessions", agents[i].CurrentSessions, agents[i].MaxSessions),
			})
		}

		if agents[i].Status == types.PresenceAway && agents[i].CurrentSessions > 0 {
			agents[i].Alerts = append(agents[i].Alerts, types.PresenceAlert{
				Rule:     "away_with_sessions",
				Severity: types.SeverityWarning,
				Message:  fmt.Sprintf("Away with %d open sessions", agents[i].CurrentSessions),
			})
		}
	}
}

func formatDuration(d time.Duration) string {
	mins := int(d.Minutes())
	secs := int(d.Seconds()) % 60
	if mins >= 60 {
		hours := mins / 60
		mins = mins % 60
		return fmt.Sprintf("%dh%dm", hours, mins)
	}
	return fmt.Sprintf("%dm%ds", mins, secs)
}
