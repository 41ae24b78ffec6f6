package types

import "time"

// TicketStatus tracks a support ticket
type TicketStatus string

const (
	TicketOpen       TicketStatus = "OPEN"
	TicketInProgress TicketStatus = "IN_PROGRESS"
	TicketResolved   TicketStatus = "RESOLVED"
	TicketClosed     TicketStatus = "CLOSED"
)

// Ticket is the support record attached to a handoff
type Ticket struct {
	ID         string       `json:"id"`
	TenantID   string       `json:"tenant_id"`
	SessionID  string       `json:"session_id"`
	CustomerID string       `json:"customer_id"`
	Subject    string       `json:"subject"`
	Status     TicketStatus `json:"status"`
	Priority   Priority     `json:"priority"`
	OwnerID    string       `json:"owner_id,omitempty"`
	Source     string       `json:"source,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

// ConversationMode says who answers the customer in a session
type ConversationMode string

const (
	ConversationBot   ConversationMode = "BOT"
	ConversationHuman ConversationMode = "HUMAN"
)

// SenderKind identifies the author of a conversation message
type SenderKind string

const (
	SenderCustomer SenderKind = "CUSTOMER"
	SenderAgent    SenderKind = "AGENT"
	SenderSystem   SenderKind = "SYSTEM"
)

// ConversationMessage is one persisted chat line
type ConversationMessage struct {
	ID         string     `json:"id"`
	TenantID   string     `json:"tenant_id"`
	SessionID  string     `json:"session_id"`
	SenderKind SenderKind `json:"sender_kind"`
	SenderID   string     `json:"sender_id"`
	Content    string     `json:"content"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Notification is a durable record that an operator was informed of something
type Notification struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenantId"`
	RecipientID string    `json:"recipientId"`
	Kind        string    `json:"kind"`
	Title       string    `json:"title"`
	Body        string    `json:"body"`
	DedupeKey   string    `json:"dedupeKey"`
	CreatedAt   time.Time `json:"createdAt"`
}
