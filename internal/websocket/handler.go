package websocket

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/dennisdiepolder/monti/handoff/internal/auth"
	"github.com/dennisdiepolder/monti/handoff/internal/config"
	"github.com/dennisdiepolder/monti/handoff/internal/types"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// SessionGuard decides whether a customer whose token is not bound to a session may join one
type SessionGuard interface {
	CustomerOwnsSession(ctx context.Context, tenantID, customerID, sessionID string) (bool, error)
}

// Handler authenticates the handshake and upgrades the connection
type Handler struct {
	hub      *Hub
	verifier *auth.Verifier
	inbound  InboundHandler
	guard    SessionGuard
	settings Settings
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

// WithSessionGuard admits customers with session-less tokens to sessions the guard confirms they own.
// Without a guard such customers are refused.
func (h *Handler) WithSessionGuard(g SessionGuard) *Handler {
	h.guard = g
	return h
}

// SettingsFrom derives connection limits from the application config
func SettingsFrom(cfg *config.Config) Settings {
	return Settings{
		PongWait:       cfg.PongWait,
		PingPeriod:     cfg.PingPeriod,
		WriteWait:      cfg.WriteWait,
		MaxMessageSize: cfg.MaxMessageSize,
		HandleTimeout:  cfg.WriteWait,
	}
}

// NewHandler creates a new WebSocket handler
func NewHandler(hub *Hub, verifier *auth.Verifier, inbound InboundHandler, cfg *config.Config, logger zerolog.Logger) *Handler {
	return &Handler{
		hub:      hub,
		verifier: verifier,
		inbound:  inbound,
		settings: SettingsFrom(cfg),
		upgrader: websocket.Upgrader{
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
			HandshakeTimeout: 10 * time.Second,
			CheckOrigin:      originChecker(cfg.AllowedOrigins),
		},
		logger: logger.With().Str("component", "ws_handler").Logger(),
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			// non-browser clients
			return true
		}
		for _, a := range allowed {
			a = strings.TrimSpace(a)
			if a == "*" || strings.EqualFold(a, origin) {
				return true
			}
		}
		return false
	}
}

// ServeHTTP handles WebSocket upgrade requests: GET /ws?role=CUSTOMER|AGENT&sessionId=...&token=...
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key, status, reason := h.handshake(r)
	if status != http.StatusOK {
		h.logger.Debug().Int("status", status).Str("reason", reason).Msg("handshake rejected")
		http.Error(w, reason, status)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to upgrade connection")
		return
	}

	client := NewClient(h.hub, conn, key, h.inbound, h.settings, h.logger)
	if !h.hub.Register(client) {
		conn.Close()
		return
	}
	client.Start()
}

// handshake resolves the connection key from the verified token and query parameters
func (h *Handler) handshake(r *http.Request) (types.ConnectionKey, int, string) {
	id, err := h.verifier.Verify(auth.ExtractToken(r))
	if err != nil {
		return types.ConnectionKey{}, http.StatusUnauthorized, "unauthorized"
	}

	q := r.URL.Query()
	role := id.Role
	if qr := q.Get("role"); qr != "" && types.Role(strings.ToUpper(qr)) != role {
		return types.ConnectionKey{}, http.StatusForbidden, "role does not match token"
	}

	key := types.ConnectionKey{TenantID: id.TenantID, Role: role, ParticipantID: id.ParticipantID}
	switch role {
	case types.RoleAgent:
	case types.RoleCustomer:
		session := q.Get("sessionId")
		if id.SessionID != "" {
			if session != "" && session != id.SessionID {
				return types.ConnectionKey{}, http.StatusForbidden, "session does not match token"
			}
			session = id.SessionID
		}
		if session == "" {
			return types.ConnectionKey{}, http.StatusBadRequest, "sessionId is required"
		}
		if id.SessionID == "" {
			if status, reason := h.checkOwner(r.Context(), id, session); status != http.StatusOK {
				return types.ConnectionKey{}, status, reason
			}
		}
		key.SessionID = session
	default:
		return types.ConnectionKey{}, http.StatusForbidden, "role may not open a connection"
	}
	return key, http.StatusOK, ""
}

func (h *Handler) checkOwner(ctx context.Context, id *auth.Identity, session string) (int, string) {
	if h.guard == nil {
		return http.StatusForbidden, "token is not bound to a session"
	}
	ok, err := h.guard.CustomerOwnsSession(ctx, id.TenantID, id.ParticipantID, session)
	if err != nil {
		h.logger.Error().Err(err).Str("session_id", session).Msg("failed to resolve session owner")
		return http.StatusServiceUnavailable, "session lookup failed"
	}
	if !ok {
		return http.StatusForbidden, "session belongs to another customer"
	}
	return http.StatusOK, ""
}
