// Package supabase implements the ticket and conversation collaborators on Supabase PostgREST tables.
package supabase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dennisdiepolder/monti/handoff/internal/storage"
	"github.com/dennisdiepolder/monti/handoff/internal/types"
	"github.com/google/uuid"
	"github.com/supabase-community/supabase-go"
)

const (
	ticketsTable       = "tickets"
	conversationsTable = "conversations"
	messagesTable      = "conversation_messages"
)

// Config holds Supabase connection configuration
type Config struct {
	URL      string
	APIKey   string
	CacheTTL time.Duration // Default: 30 seconds
}

// Client implements storage.TicketStore and storage.ConversationStore
type Client struct {
	client *supabase.Client
	owners *ownerCache
}

type conversationRow struct {
	TenantID  string                 `json:"tenant_id"`
	SessionID string                 `json:"session_id"`
	Mode      types.ConversationMode `json:"mode"`
	AgentID   string                 `json:"agent_id"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// New creates a new Supabase client
func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("supabase URL is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("supabase API key is required")
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = 30 * time.Second
	}

	client, err := supabase.NewClient(cfg.URL, cfg.APIKey, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create supabase client: %w", err)
	}

	return &Client{client: client, owners: newOwnerCache(cfg.CacheTTL)}, nil
}

var (
	_ storage.TicketStore       = (*Client)(nil)
	_ storage.ConversationStore = (*Client)(nil)
)

// FindOpenTicket returns the newest open ticket of the session
func (c *Client) FindOpenTicket(ctx context.Context, tenantID, sessionID string) (*types.Ticket, error) {
	var open []types.Ticket
	_, err := c.client.From(ticketsTable).
		Select("*", "", false).
		Eq("tenant_id", tenantID).
		Eq("session_id", sessionID).
		In("status", []string{string(types.TicketOpen), string(types.TicketInProgress)}).
		ExecuteTo(&open)
	if err != nil {
		return nil, fmt.Errorf("failed to look up ticket: %w", err)
	}
	if len(open) == 0 {
		return nil, storage.ErrNotFound
	}
	sort.Slice(open, func(i, j int) bool { return open[i].CreatedAt.After(open[j].CreatedAt) })
	return &open[0], nil
}

// FindOrCreateTicket reuses the newest open ticket of the session or inserts a new one
func (c *Client) FindOrCreateTicket(ctx context.Context, tenantID, customerID, sessionID, subject string, priority types.Priority) (*types.Ticket, error) {
	existing, err := c.FindOpenTicket(ctx, tenantID, sessionID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	t := &types.Ticket{
		TenantID:   tenantID,
		SessionID:  sessionID,
		CustomerID: customerID,
		Subject:    subject,
		Status:     types.TicketOpen,
		Priority:   priority,
		Source:     "handoff",
	}
	if err := c.CreateTicket(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (c *Client) CreateTicket(ctx context.Context, t *types.Ticket) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	if t.Status == "" {
		t.Status = types.TicketOpen
	}

	var inserted []types.Ticket
	_, err := c.client.From(ticketsTable).
		Insert(t, false, "", "representation", "").
		ExecuteTo(&inserted)
	if err != nil {
		return fmt.Errorf("failed to insert ticket: %w", err)
	}
	return nil
}

func (c *Client) GetTicket(ctx context.Context, id string) (*types.Ticket, error) {
	var tickets []types.Ticket
	_, err := c.client.From(ticketsTable).
		Select("*", "", false).
		Eq("id", id).
		ExecuteTo(&tickets)
	if err != nil {
		return nil, fmt.Errorf("failed to get ticket: %w", err)
	}
	if len(tickets) == 0 {
		return nil, storage.ErrNotFound
	}
	return &tickets[0], nil
}

func (c *Client) SetTicketOwner(ctx context.Context, id, ownerID string) error {
	return c.updateTicket(id, map[string]any{"owner_id": ownerID})
}

func (c *Client) SetTicketStatus(ctx context.Context, id string, status types.TicketStatus) error {
	return c.updateTicket(id, map[string]any{"status": string(status)})
}

func (c *Client) updateTicket(id string, fields map[string]any) error {
	fields["updated_at"] = time.Now().UTC()

	var updated []types.Ticket
	_, err := c.client.From(ticketsTable).
		Update(fields, "representation", "").
		Eq("id", id).
		ExecuteTo(&updated)
	if err != nil {
		return fmt.Errorf("failed to update ticket: %w", err)
	}
	if len(updated) == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (c *Client) AppendMessage(ctx context.Context, msg *types.ConversationMessage) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	_, _, err := c.client.From(messagesTable).
		Insert(msg, false, "", "minimal", "").
		Execute()
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

func (c *Client) ListMessages(ctx context.Context, tenantID, sessionID string, limit int) ([]types.ConversationMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	var msgs []types.ConversationMessage
	_, err := c.client.From(messagesTable).
		Select("*", "", false).
		Eq("tenant_id", tenantID).
		Eq("session_id", sessionID).
		ExecuteTo(&msgs)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].CreatedAt.Before(msgs[j].CreatedAt) })
	if len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return msgs, nil
}

func (c *Client) GetConversationOwner(ctx context.Context, tenantID, sessionID string) (types.ConversationMode, string, error) {
	if row, ok := c.owners.get(tenantID, sessionID); ok {
		return row.Mode, row.AgentID, nil
	}

	var rows []conversationRow
	_, err := c.client.From(conversationsTable).
		Select("*", "", false).
		Eq("tenant_id", tenantID).
		Eq("session_id", sessionID).
		ExecuteTo(&rows)
	if err != nil {
		return "", "", fmt.Errorf("failed to get conversation owner: %w", err)
	}
	row := conversationRow{TenantID: tenantID, SessionID: sessionID, Mode: types.ConversationBot}
	if len(rows) > 0 {
		row = rows[0]
	}
	c.owners.put(row)
	return row.Mode, row.AgentID, nil
}

func (c *Client) SetConversationOwner(ctx context.Context, tenantID, sessionID string, mode types.ConversationMode, agentID string) error {
	row := conversationRow{
		TenantID:  tenantID,
		SessionID: sessionID,
		Mode:      mode,
		AgentID:   agentID,
		UpdatedAt: time.Now().UTC(),
	}
	_, _, err := c.client.From(conversationsTable).
		Insert(row, true, "tenant_id,session_id", "minimal", "").
		Execute()
	if err != nil {
		c.owners.drop(tenantID, sessionID)
		return fmt.Errorf("failed to set conversation owner: %w", err)
	}
	c.owners.put(row)
	return nil
}

// ownerCache keeps recent conversation owners; the relay reads them on every customer message.
type ownerCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]ownerEntry
}

type ownerEntry struct {
	row       conversationRow
	expiresAt time.Time
}

func newOwnerCache(ttl time.Duration) *ownerCache {
	return &ownerCache{ttl: ttl, now: time.Now, entries: make(map[string]ownerEntry)}
}

func ownerKey(tenantID, sessionID string) string {
	return tenantID + "/" + sessionID
}

func (c *ownerCache) get(tenantID, sessionID string) (conversationRow, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[ownerKey(tenantID, sessionID)]
	if !ok || !c.now().Before(e.expiresAt) {
		return conversationRow{}, false
	}
	return e.row, true
}

func (c *ownerCache) put(row conversationRow) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[ownerKey(row.TenantID, row.SessionID)] = ownerEntry{row: row, expiresAt: c.now().Add(c.ttl)}
}

func (c *ownerCache) drop(tenantID, sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, ownerKey(tenantID, sessionID))
}
