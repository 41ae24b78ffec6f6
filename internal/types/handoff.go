package types

import "time"

// HandoffStatus represents the lifecycle state of a handoff request
type HandoffStatus string

const (
	HandoffPending    HandoffStatus = "PENDING"
	HandoffAssigned   HandoffStatus = "ASSIGNED"
	HandoffAccepted   HandoffStatus = "ACCEPTED"
	HandoffInProgress HandoffStatus = "IN_PROGRESS"
	HandoffCompleted  HandoffStatus = "COMPLETED"
	HandoffClosed     HandoffStatus = "CLOSED"
	HandoffCancelled  HandoffStatus = "CANCELLED"
)

// IsTerminal reports whether no further transitions are possible from s
func (s HandoffStatus) IsTerminal() bool {
	switch s {
	case HandoffCompleted, HandoffClosed, HandoffCancelled:
		return true
	}
	return false
}

// HoldsCapacity reports whether a request in this status counts against the agent's session load
func (s HandoffStatus) HoldsCapacity() bool {
	return s == HandoffAccepted || s == HandoffInProgress
}

// Valid reports whether s is a known status
func (s HandoffStatus) Valid() bool {
	switch s {
	case HandoffPending, HandoffAssigned, HandoffAccepted, HandoffInProgress,
		HandoffCompleted, HandoffClosed, HandoffCancelled:
		return true
	}
	return false
}

// Priority of a handoff request
type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityNormal Priority = "NORMAL"
	PriorityHigh   Priority = "HIGH"
	PriorityUrgent Priority = "URGENT"
)

// Valid reports whether p is a known priority
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Elevated reports whether the request should prefer senior operators
func (p Priority) Elevated() bool {
	return p == PriorityHigh || p == PriorityUrgent
}

// HandoffRequest is the durable record of one customer's escalation to a human operator
type HandoffRequest struct {
	ID           string        `json:"id" dynamodbav:"ID"`
	TenantID     string        `json:"tenantId" dynamodbav:"TenantID"`
	SessionID    string        `json:"sessionId" dynamodbav:"SessionID"`
	CustomerID   string        `json:"customerId" dynamodbav:"CustomerID"`
	TicketID     string        `json:"ticketId,omitempty" dynamodbav:"TicketID,omitempty"`
	AgentID      string        `json:"agentId,omitempty" dynamodbav:"AgentID,omitempty"`
	Status       HandoffStatus `json:"status" dynamodbav:"Status"`
	Priority     Priority      `json:"priority" dynamodbav:"Priority"`
	Reason       string        `json:"reason,omitempty" dynamodbav:"Reason,omitempty"`
	Topic        string        `json:"topic,omitempty" dynamodbav:"Topic,omitempty"`
	RejectReason string        `json:"rejectReason,omitempty" dynamodbav:"RejectReason,omitempty"`
	// HandledBy keeps the accepting agent after AgentID is cleared by a terminal transition.
	HandledBy     string     `json:"handledBy,omitempty" dynamodbav:"HandledBy,omitempty"`
	QueuePosition int        `json:"queuePosition" dynamodbav:"QueuePosition"`
	Version       int64      `json:"version" dynamodbav:"Version"`
	CreatedAt     time.Time  `json:"createdAt" dynamodbav:"CreatedAt"`
	UpdatedAt     time.Time  `json:"updatedAt" dynamodbav:"UpdatedAt"`
	AssignedAt    *time.Time `json:"assignedAt,omitempty" dynamodbav:"AssignedAt,omitempty"`
	AcceptedAt    *time.Time `json:"acceptedAt,omitempty" dynamodbav:"AcceptedAt,omitempty"`
	StartedAt     *time.Time `json:"startedAt,omitempty" dynamodbav:"StartedAt,omitempty"`
	CompletedAt   *time.Time `json:"completedAt,omitempty" dynamodbav:"CompletedAt,omitempty"`
	ClosedAt      *time.Time `json:"closedAt,omitempty" dynamodbav:"ClosedAt,omitempty"`
}

// HandoffEventType names an audit entry
type HandoffEventType string

const (
	EventCreated   HandoffEventType = "CREATED"
	EventAssigned  HandoffEventType = "ASSIGNED"
	EventAccepted  HandoffEventType = "ACCEPTED"
	EventRejected  HandoffEventType = "REJECTED"
	EventStarted   HandoffEventType = "STARTED"
	EventCompleted HandoffEventType = "COMPLETED"
	EventClosed    HandoffEventType = "CLOSED"
	EventCancelled HandoffEventType = "CANCELLED"
)

// OperatorKind identifies who caused an event
type OperatorKind string

const (
	OperatorCustomer OperatorKind = "CUSTOMER"
	OperatorAgent    OperatorKind = "AGENT"
	OperatorSystem   OperatorKind = "SYSTEM"
)

// HandoffEvent is an append-only audit entry for a handoff request
type HandoffEvent struct {
	ID               string            `json:"id" dynamodbav:"ID"`
	HandoffRequestID string            `json:"handoffRequestId" dynamodbav:"HandoffRequestID"`
	TenantID         string            `json:"tenantId" dynamodbav:"TenantID"`
	EventType        HandoffEventType  `json:"eventType" dynamodbav:"EventType"`
	FromStatus       HandoffStatus     `json:"fromStatus,omitempty" dynamodbav:"FromStatus,omitempty"`
	ToStatus         HandoffStatus     `json:"toStatus" dynamodbav:"ToStatus"`
	OperatorID       string            `json:"operatorId,omitempty" dynamodbav:"OperatorID,omitempty"`
	OperatorKind     OperatorKind      `json:"operatorKind" dynamodbav:"OperatorKind"`
	EventData        map[string]string `json:"eventData,omitempty" dynamodbav:"EventData,omitempty"`
	CreatedAt        time.Time         `json:"createdAt" dynamodbav:"CreatedAt"`
}

// HandoffFilter narrows admin searches over handoff requests
type HandoffFilter struct {
	TenantID string
	Status   HandoffStatus
	AgentID  string
	From     time.Time
	To       time.Time
	Limit    int
	Offset   int
}
