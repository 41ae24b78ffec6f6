package storage

import (
	"context"
	"errors"

	"github.com/dennisdiepolder/monti/handoff/internal/types"
)

var (
	// ErrNotFound is returned when a record does not exist
	ErrNotFound = errors.New("record not found")
	// ErrVersionConflict is returned when a conditional update lost against a concurrent writer
	ErrVersionConflict = errors.New("version conflict")
	// ErrActiveHandoffExists is returned when a session already has a non-terminal handoff
	ErrActiveHandoffExists = errors.New("session already has an active handoff")
)

// HandoffStore persists handoff requests together with their audit trail.
// Every write of a request appends exactly one event in the same transaction.
type HandoffStore interface {
	CreateHandoff(ctx context.Context, req *types.HandoffRequest, ev *types.HandoffEvent) error
	GetHandoff(ctx context.Context, id string) (*types.HandoffRequest, error)
	// FindActiveBySession returns ErrNotFound when the session has no non-terminal request.
	FindActiveBySession(ctx context.Context, tenantID, sessionID string) (*types.HandoffRequest, error)
	// UpdateHandoff writes req if the stored row still has status expected and version req.Version.
	// On success req.Version is incremented.
	UpdateHandoff(ctx context.Context, req *types.HandoffRequest, expected types.HandoffStatus, ev *types.HandoffEvent) error
	ListHandoffs(ctx context.Context, filter types.HandoffFilter) ([]types.HandoffRequest, error)
	ListEvents(ctx context.Context, handoffID string) ([]types.HandoffEvent, error)
}

// TicketStore is the ticket collaborator
type TicketStore interface {
	// FindOrCreateTicket reuses the session's open ticket or opens a new one.
	FindOrCreateTicket(ctx context.Context, tenantID, customerID, sessionID, subject string, priority types.Priority) (*types.Ticket, error)
	// FindOpenTicket returns the session's newest open ticket or ErrNotFound.
	FindOpenTicket(ctx context.Context, tenantID, sessionID string) (*types.Ticket, error)
	CreateTicket(ctx context.Context, ticket *types.Ticket) error
	GetTicket(ctx context.Context, id string) (*types.Ticket, error)
	SetTicketOwner(ctx context.Context, id, ownerID string) error
	SetTicketStatus(ctx context.Context, id string, status types.TicketStatus) error
}

// ConversationStore is the conversation collaborator
type ConversationStore interface {
	AppendMessage(ctx context.Context, msg *types.ConversationMessage) error
	ListMessages(ctx context.Context, tenantID, sessionID string, limit int) ([]types.ConversationMessage, error)
	// GetConversationOwner returns BOT with an empty agent for unknown sessions.
	GetConversationOwner(ctx context.Context, tenantID, sessionID string) (types.ConversationMode, string, error)
	SetConversationOwner(ctx context.Context, tenantID, sessionID string, mode types.ConversationMode, agentID string) error
}

// NotificationStore keeps operator notification records
type NotificationStore interface {
	// SaveNotification returns false without error when the dedupe key was already recorded.
	SaveNotification(ctx context.Context, n *types.Notification) (bool, error)
	ListNotifications(ctx context.Context, tenantID, recipientID string) ([]types.Notification, error)
}
