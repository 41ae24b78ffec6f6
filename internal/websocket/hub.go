package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/dennisdiepolder/monti/handoff/internal/metrics"
	"github.com/dennisdiepolder/monti/handoff/internal/types"
	"github.com/rs/zerolog"
)

// Hub maintains the set of live connections keyed by tenant, role and participant
type Hub struct {
	// Registered clients
	conns map[types.ConnectionKey]*Client

	// Customer connections by tenant and session
	sessions map[string]*Client

	// Register requests from the handler
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	// Closed when Run returns
	quit chan struct{}

	// Mutex to protect the maps
	mu sync.RWMutex

	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// NewHub creates a new Hub
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		conns:      make(map[types.ConnectionKey]*Client),
		sessions:   make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		quit:       make(chan struct{}),
		metrics:    metrics.Get(),
		logger:     logger.With().Str("component", "hub").Logger(),
	}
}

func sessionKey(tenantID, sessionID string) string {
	return tenantID + "\x00" + sessionID
}

// Run starts the hub's main loop. All connections are closed when ctx is done.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.quit)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for key, c := range h.conns {
				c.Close()
				delete(h.conns, key)
			}
			h.sessions = make(map[string]*Client)
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			// A participant holds one connection per key; the newer one wins
			if existing, ok := h.conns[client.key]; ok {
				existing.Close()
				h.metrics.RecordWebSocketDisconnect()
			}
			h.conns[client.key] = client
			if client.key.Role == types.RoleCustomer {
				h.sessions[sessionKey(client.key.TenantID, client.key.SessionID)] = client
			}
			total := len(h.conns)
			h.mu.Unlock()

			h.metrics.RecordWebSocketConnect()
			h.logger.Debug().
				Str("tenant_id", client.key.TenantID).
				Str("role", string(client.key.Role)).
				Str("participant_id", client.key.ParticipantID).
				Int("total_clients", total).
				Msg("client connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if existing, ok := h.conns[client.key]; ok && existing == client {
				delete(h.conns, client.key)
				sk := sessionKey(client.key.TenantID, client.key.SessionID)
				if h.sessions[sk] == client {
					delete(h.sessions, sk)
				}
				client.Close()
				h.metrics.RecordWebSocketDisconnect()

				h.logger.Debug().
					Str("tenant_id", client.key.TenantID).
					Str("participant_id", client.key.ParticipantID).
					Int("total_clients", len(h.conns)).
					Msg("client disconnected")
			}
			h.mu.Unlock()
		}
	}
}

// Register admits a client. It returns false once the hub has stopped.
func (h *Hub) Register(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.quit:
		return false
	}
}

// Unregister removes a client if it is still the live one for its key
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.quit:
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Connected reports whether key has a live connection
func (h *Hub) Connected(key types.ConnectionKey) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.conns[key]
	return ok
}

// NotifyAgent sends msg to the agent's connection. It returns false when the agent is not connected.
func (h *Hub) NotifyAgent(tenantID, agentID string, msg types.Message) bool {
	h.mu.RLock()
	c, ok := h.conns[types.ConnectionKey{TenantID: tenantID, Role: types.RoleAgent, ParticipantID: agentID}]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	return h.send(c, msg)
}

// NotifyCustomer sends msg to the connection that owns the session
func (h *Hub) NotifyCustomer(tenantID, sessionID string, msg types.Message) bool {
	h.mu.RLock()
	c, ok := h.sessions[sessionKey(tenantID, sessionID)]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	return h.send(c, msg)
}

// BroadcastToTenantAgents sends msg to every agent of the tenant and returns how many took it
func (h *Hub) BroadcastToTenantAgents(tenantID string, msg types.Message) int {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to marshal broadcast")
		return 0
	}

	h.mu.RLock()
	var targets []*Client
	for key, c := range h.conns {
		if key.TenantID == tenantID && key.Role == types.RoleAgent {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	n := 0
	for _, c := range targets {
		if c.safeSend(data) {
			n++
		}
	}
	return n
}

func (h *Hub) send(c *Client, msg types.Message) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Str("type", string(msg.Type)).Msg("failed to marshal message")
		return false
	}
	if !c.safeSend(data) {
		h.logger.Warn().
			Str("participant_id", c.key.ParticipantID).
			Str("type", string(msg.Type)).
			Msg("client send buffer full, message dropped")
		return false
	}
	return true
}
