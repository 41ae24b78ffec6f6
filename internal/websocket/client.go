package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/dennisdiepolder/monti/handoff/internal/metrics"
	"github.com/dennisdiepolder/monti/handoff/internal/types"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// InboundHandler processes frames read from a connection
type InboundHandler interface {
	HandleInbound(ctx context.Context, key types.ConnectionKey, msg types.Message) error
}

// Settings are the connection timing limits
type Settings struct {
	PongWait       time.Duration
	PingPeriod     time.Duration
	WriteWait      time.Duration
	MaxMessageSize int64
	// Upper bound for handling one inbound frame
	HandleTimeout time.Duration
}

// Client is a middleman between the websocket connection and the hub
type Client struct {
	key types.ConnectionKey

	// The hub this client belongs to
	hub *Hub

	// The websocket connection
	conn *websocket.Conn

	// Buffered channel of outbound messages
	send chan []byte

	inbound  InboundHandler
	settings Settings
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	// done is closed when the read pump exits
	done chan struct{}

	// closeOnce ensures send channel is closed only once
	closeOnce sync.Once
}

// NewClient creates a new Client
func NewClient(hub *Hub, conn *websocket.Conn, key types.ConnectionKey, inbound InboundHandler, settings Settings, logger zerolog.Logger) *Client {
	return &Client{
		key:      key,
		hub:      hub,
		conn:     conn,
		send:     make(chan []byte, 64),
		inbound:  inbound,
		settings: settings,
		metrics:  metrics.Get(),
		logger: logger.With().
			Str("tenant_id", key.TenantID).
			Str("role", string(key.Role)).
			Str("participant_id", key.ParticipantID).
			Logger(),
		done: make(chan struct{}),
	}
}

// readPump pumps frames from the websocket connection to the inbound handler.
// All reads happen on this goroutine.
func (c *Client) readPump() {
	defer func() {
		close(c.done)
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.settings.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.settings.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.settings.PongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Debug().Err(err).Msg("websocket read error")
			}
			break
		}
		c.metrics.RecordWebSocketMessage()
		// any inbound frame proves the peer is alive
		c.conn.SetReadDeadline(time.Now().Add(c.settings.PongWait))
		c.handleFrame(data)
	}
}

func (c *Client) handleFrame(data []byte) {
	var msg types.Message
	if err := json.Unmarshal(data, &msg); err != nil || msg.Type == "" {
		c.metrics.RecordWebSocketError()
		c.reply(types.Message{}, "VALIDATION", "malformed frame")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.settings.HandleTimeout)
	defer cancel()

	if err := c.inbound.HandleInbound(ctx, c.key, msg); err != nil {
		c.metrics.RecordWebSocketError()
		code := "INTERNAL"
		var coded interface{ Code() string }
		if errors.As(err, &coded) {
			code = coded.Code()
		}
		c.logger.Debug().Err(err).Str("type", string(msg.Type)).Msg("inbound frame rejected")
		c.reply(msg, code, err.Error())
	}
}

// reply sends an ERROR frame correlated with the failed frame
func (c *Client) reply(in types.Message, code, message string) {
	out, err := types.NewMessage(types.MessageError, in.RequestID, types.ErrorPayload{Code: code, Message: message})
	if err != nil {
		return
	}
	data, err := json.Marshal(out)
	if err != nil {
		return
	}
	c.safeSend(data)
}

// writePump pumps messages from the hub to the websocket connection.
// All writes happen on this goroutine.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.settings.PingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.settings.WriteWait))
			if !ok {
				// The hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.settings.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Start starts the client's read and write pumps
func (c *Client) Start() {
	go c.writePump()
	go c.readPump()
}

// Close safely closes the client's send channel (idempotent)
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

// safeSend attempts to send a message, recovering from panic if channel is closed
func (c *Client) safeSend(data []byte) (sent bool) {
	defer func() {
		if r := recover(); r != nil {
			sent = false
		}
	}()

	select {
	case c.send <- data:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}
