package types

import "time"

// PresenceStatus is an operator's availability
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "ONLINE"
	PresenceAway    PresenceStatus = "AWAY"
	PresenceOffline PresenceStatus = "OFFLINE"
)

// Valid reports whether s is a known presence status
func (s PresenceStatus) Valid() bool {
	return s == PresenceOnline || s == PresenceAway || s == PresenceOffline
}

// AgentPresence is the live availability and load of one operator
type AgentPresence struct {
	TenantID        string          `json:"tenantId"`
	AgentID         string          `json:"agentId"`
	Status          PresenceStatus  `json:"status"`
	CurrentSessions int             `json:"currentSessions"`
	MaxSessions     int             `json:"maxSessions"`
	LastHeartbeatAt time.Time       `json:"lastHeartbeatAt"`
	LastAssignedAt  time.Time       `json:"lastAssignedAt,omitempty"`
	Alerts          []PresenceAlert `json:"alerts,omitempty"`
}

// AlertSeverity ranks a presence alert
type AlertSeverity string

const (
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

// PresenceAlert flags an operator that needs a supervisor's attention
type PresenceAlert struct {
	Rule     string        `json:"rule"`
	Severity AlertSeverity `json:"severity"`
	Message  string        `json:"message"`
}

// Headroom returns the number of sessions the agent can still take
func (p AgentPresence) Headroom() int {
	if p.MaxSessions <= p.CurrentSessions {
		return 0
	}
	return p.MaxSessions - p.CurrentSessions
}

// CanAcceptMore reports whether the agent is ONLINE with spare capacity
func (p AgentPresence) CanAcceptMore() bool {
	return p.Status == PresenceOnline && p.CurrentSessions < p.MaxSessions
}
