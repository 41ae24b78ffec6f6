// Package events carries handoff side effects through a durable broker with at-least-once delivery.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Routing keys double as event type names.
const (
	TypeAgentAssigned     = "handoff.agent_assigned.v1"
	TypeNegativeSentiment = "ticket.negative_sentiment.v1"
)

// Meta identifies one emitted event
type Meta struct {
	// Unique event ID
	ID string `json:"id"`
	// Event name and version, e.g. handoff.agent_assigned.v1
	Type string `json:"type"`
	// Timestamp when the event was emitted
	Time time.Time `json:"time"`
	// Trace / request correlation ID
	CorrelationID *string `json:"correlation_id,omitempty"`
}

type Envelope struct {
	Meta Meta `json:"meta"`
	Data any  `json:"data"`
}

type GenericEnvelope[T any] struct {
	Meta Meta `json:"meta"`
	Data T    `json:"data"`
}

// NewEnvelope wraps data with a fresh meta block
func NewEnvelope(eventType string, data any, correlationID string) Envelope {
	meta := Meta{ID: uuid.New().String(), Type: eventType, Time: time.Now().UTC()}
	if correlationID != "" {
		meta.CorrelationID = &correlationID
	}
	return Envelope{Meta: meta, Data: data}
}

// AgentAssignedEvent tells an operator they now own a ticket
type AgentAssignedEvent struct {
	TenantID         string    `json:"tenant_id"`
	HandoffRequestID string    `json:"handoff_request_id"`
	TicketID         string    `json:"ticket_id"`
	SessionID        string    `json:"session_id"`
	CustomerID       string    `json:"customer_id"`
	AgentID          string    `json:"agent_id"`
	AcceptedAt       time.Time `json:"accepted_at"`
}

// NegativeSentimentEvent asks for a ticket because a customer showed distress
type NegativeSentimentEvent struct {
	TenantID   string    `json:"tenant_id"`
	SessionID  string    `json:"session_id"`
	CustomerID string    `json:"customer_id"`
	MessageID  string    `json:"message_id"`
	Score      float64   `json:"score"`
	Excerpt    string    `json:"excerpt,omitempty"` // ≤512B
	DetectedAt time.Time `json:"detected_at"`
}
