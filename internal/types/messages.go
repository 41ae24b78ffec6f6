package types

import (
	"encoding/json"
	"time"
)

// MessageType is the discriminator of a websocket frame
type MessageType string

const (
	MessageText              MessageType = "TEXT"
	MessageTyping            MessageType = "TYPING"
	MessageHeartbeat         MessageType = "HEARTBEAT"
	MessageAck               MessageType = "ACK"
	MessageError             MessageType = "ERROR"
	MessageHandoffAssigned   MessageType = "HANDOFF_ASSIGNED"
	MessageHandoffAccepted   MessageType = "HANDOFF_ACCEPTED"
	MessageHandoffRejected   MessageType = "HANDOFF_REJECTED"
	MessageHandoffCancelled  MessageType = "HANDOFF_CANCELLED"
	MessageHandoffCompleted  MessageType = "HANDOFF_COMPLETED"
	MessageHandoffClosed     MessageType = "HANDOFF_CLOSED"
	MessageAdminNotification MessageType = "ADMIN_NOTIFICATION"
	MessageQueuePosition     MessageType = "QUEUE_POSITION"
)

// Message is the envelope of every websocket frame in both directions
type Message struct {
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	RequestID string          `json:"requestId,omitempty"`
}

// NewMessage builds a Message with payload marshalled to JSON
func NewMessage(t MessageType, requestID string, payload any) (Message, error) {
	msg := Message{Type: t, Timestamp: time.Now().UTC(), RequestID: requestID}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Message{}, err
		}
		msg.Payload = raw
	}
	return msg, nil
}

// TextPayload carries chat content
type TextPayload struct {
	Content   string `json:"content"`
	SessionID string `json:"sessionId,omitempty"`
	SenderID  string `json:"senderId,omitempty"`
}

// TypingPayload toggles a typing indicator
type TypingPayload struct {
	SessionID string `json:"sessionId,omitempty"`
	Typing    bool   `json:"typing"`
}

// ErrorPayload is sent back to a connection when an inbound frame fails
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HandoffNotice is the payload of HANDOFF_* frames
type HandoffNotice struct {
	RequestID  string        `json:"requestId"`
	SessionID  string        `json:"sessionId"`
	CustomerID string        `json:"customerId,omitempty"`
	AgentID    string        `json:"agentId,omitempty"`
	Status     HandoffStatus `json:"status"`
	Priority   Priority      `json:"priority,omitempty"`
	Reason     string        `json:"reason,omitempty"`
	Topic      string        `json:"topic,omitempty"`
}

// AdminNotice is the payload of ADMIN_NOTIFICATION frames
type AdminNotice struct {
	Message string `json:"message"`
	From    string `json:"from,omitempty"`
}

// QueueUpdate is the payload of QUEUE_POSITION frames pushed to waiting customers
type QueueUpdate struct {
	RequestID            string `json:"requestId"`
	Position             int    `json:"position"`
	EstimatedWaitSeconds int    `json:"estimatedWaitSeconds"`
}
