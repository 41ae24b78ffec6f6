package alerts

import (
	"testing"
	"time"

	"github.com/dennisdiepolder/monti/handoff/internal/types"
)

func TestCheckPresence(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ttl := 10 * time.Minute

	tests := []struct {
		name     string
		presence types.AgentPresence
		want     []string
		severity types.AlertSeverity
	}{
		{
			name:     "fresh online agent with headroom",
			presence: types.AgentPresence{Status: types.PresenceOnline, MaxSessions: 3, CurrentSessions: 1, LastHeartbeatAt: now.Add(-time.Minute)},
		},
		{
			name:     "heartbeat past half the ttl",
			presence: types.AgentPresence{Status: types.PresenceOnline, MaxSessions: 3, LastHeartbeatAt: now.Add(-6 * time.Minute)},
			want:     []string{"heartbeat_stale"},
			severity: types.SeverityWarning,
		},
		{
			name:     "heartbeat close to expiry",
			presence: types.AgentPresence{Status: types.PresenceOnline, MaxSessions: 3, LastHeartbeatAt: now.Add(-9 * time.Minute)},
			want:     []string{"heartbeat_stale"},
			severity: types.SeverityCritical,
		},
		{
			name:     "full agent",
			presence: types.AgentPresence{Status: types.PresenceOnline, MaxSessions: 2, CurrentSessions: 2, LastHeartbeatAt: now},
			want:     []string{"at_capacity"},
			severity: types.SeverityWarning,
		},
		{
			name:     "away while holding sessions",
			presence: types.AgentPresence{Status: types.PresenceAway, MaxSessions: 2, CurrentSessions: 1, LastHeartbeatAt: now},
			want:     []string{"away_with_sessions"},
			severity: types.SeverityWarning,
		},
		{
			name:     "offline agents are ignored",
			presence: types.AgentPresence{Status: types.PresenceOffline, LastHeartbeatAt: now.Add(-time.Hour)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			list := []types.AgentPresence{tt.presence}
			CheckPresence(list, ttl, now)

			got := list[0].Alerts
			if len(got) != len(tt.want) {
				t.Fatalf("alerts = %+v, want rules %v", got, tt.want)
			}
			for i, rule := range tt.want {
				if got[i].Rule != rule {
					t.Errorf("alert %d rule = %q, want %q", i, got[i].Rule, rule)
				}
				if got[i].Severity != tt.severity {
					t.Errorf("alert %d severity = %q, want %q", i, got[i].Severity, tt.severity)
				}
			}
		})
	}
}

func TestCheckPresenceResetsPreviousAlerts(t *testing.T) {
	now := time.Now()
	list := []types.AgentPresence{{
		Status:          types.PresenceOnline,
		MaxSessions:     2,
		LastHeartbeatAt: now,
		Alerts:          []types.PresenceAlert{{Rule: "old"}},
	}}
	CheckPresence(list, time.Minute, now)
	if len(list[0].Alerts) != 0 {
		t.Errorf("expected alerts cleared, got %+v", list[0].Alerts)
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{90 * time.Second, "1m30s"},
		{2*time.Hour + 5*time.Minute, "2h5m"},
		{0, "0m0s"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.d); got != tt.want {
			t.Errorf("formatDuration(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}
