package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/dennisdiepolder/monti/handoff/internal/types"
)

const (
	writeTimeout = 10 * time.Second

	initialReconnectDelay = 1 * time.Second
	maxReconnectDelay     = 30 * time.Second
)

type settings struct {
	ServerURL   string
	Tenant      string
	Secret      string
	Operators   int
	MaxSessions int
	Heartbeat   time.Duration
	HandleTime  time.Duration
	AutoAccept  bool
}

// operator is one simulated agent: REST for presence and workflow, a websocket for assignments
type operator struct {
	id       string
	token    string
	cfg      settings
	client   *http.Client
	logger   zerolog.Logger
	assigned chan types.HandoffNotice

	completed  atomic.Int64
	reconnects atomic.Int64
}

func newOperator(id, token string, cfg settings, logger zerolog.Logger) *operator {
	return &operator{
		id:       id,
		token:    token,
		cfg:      cfg,
		client:   &http.Client{Timeout: writeTimeout},
		logger:   logger.With().Str("agent_id", id).Logger(),
		assigned: make(chan types.HandoffNotice, 8),
	}
}

// Run logs the operator in and keeps its connection alive until ctx ends
func (o *operator) Run(ctx context.Context) {
	if err := o.setPresence(ctx, types.PresenceOnline); err != nil {
		o.logger.Error().Err(err).Msg("Failed to go online")
		return
	}
	o.logger.Info().Int("max_sessions", o.cfg.MaxSessions).Msg("Operator online")

	defer func() {
		offCtx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		if err := o.setPresence(offCtx, types.PresenceOffline); err != nil {
			o.logger.Warn().Err(err).Msg("Failed to go offline")
			return
		}
		o.logger.Info().Int64("completed", o.completed.Load()).Msg("Operator offline")
	}()

	go o.work(ctx)

	delay := initialReconnectDelay
	for {
		if ctx.Err() != nil {
			return
		}
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL(o.cfg.ServerURL, o.token), nil)
		if err != nil {
			o.logger.Debug().Err(err).Dur("retry_in", delay).Msg("Connection failed, retrying")
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay *= 2
			if delay > maxReconnectDelay {
				delay = maxReconnectDelay
			}
			o.reconnects.Add(1)
			continue
		}
		delay = initialReconnectDelay
		o.session(ctx, conn)
		conn.Close()
	}
}

// session pumps one websocket connection. Only this goroutine writes to conn.
func (o *operator) session(ctx context.Context, conn *websocket.Conn) {
	readErr := make(chan error, 1)
	go func() {
		for {
			var msg types.Message
			if err := conn.ReadJSON(&msg); err != nil {
				readErr <- err
				return
			}
			o.handle(msg)
		}
	}()

	ticker := time.NewTicker(o.cfg.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case err := <-readErr:
			o.logger.Warn().Err(err).Msg("Connection lost")
			return
		case <-ticker.C:
			frame, _ := types.NewMessage(types.MessageHeartbeat, "", nil)
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(frame); err != nil {
				o.logger.Warn().Err(err).Msg("Heartbeat failed")
				return
			}
		}
	}
}

func (o *operator) handle(msg types.Message) {
	switch msg.Type {
	case types.MessageHandoffAssigned:
		var n types.HandoffNotice
		if err := json.Unmarshal(msg.Payload, &n); err != nil {
			o.logger.Warn().Err(err).Msg("Malformed assignment")
			return
		}
		if n.RequestID == "" {
			n.RequestID = msg.RequestID
		}
		o.logger.Info().Str("request_id", n.RequestID).Str("priority", string(n.Priority)).Msg("Handoff assigned")
		if !o.cfg.AutoAccept {
			return
		}
		select {
		case o.assigned <- n:
		default:
			o.logger.Warn().Str("request_id", n.RequestID).Msg("Assignment backlog full, dropping")
		}
	case types.MessageHandoffCancelled, types.MessageHandoffClosed:
		o.logger.Info().Str("request_id", msg.RequestID).Str("type", string(msg.Type)).Msg("Handoff ended by peer")
	case types.MessageAdminNotification:
		var n types.AdminNotice
		_ = json.Unmarshal(msg.Payload, &n)
		o.logger.Info().Str("from", n.From).Msg(n.Message)
	case types.MessageError:
		var e types.ErrorPayload
		_ = json.Unmarshal(msg.Payload, &e)
		o.logger.Warn().Str("code", e.Code).Msg(e.Message)
	}
}

// work accepts each assignment, holds it for HandleTime and completes it
func (o *operator) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-o.assigned:
			go o.serve(ctx, n.RequestID)
		}
	}
}

func (o *operator) serve(ctx context.Context, requestID string) {
	l := o.logger.With().Str("request_id", requestID).Logger()
	if err := o.call(ctx, http.MethodPost, "/api/v1/handoffs/"+requestID+"/accept", nil); err != nil {
		l.Warn().Err(err).Msg("Accept failed")
		return
	}
	select {
	case <-ctx.Done():
		return
	case <-time.After(o.cfg.HandleTime):
	}
	if err := o.call(ctx, http.MethodPost, "/api/v1/handoffs/"+requestID+"/complete", nil); err != nil {
		l.Warn().Err(err).Msg("Complete failed")
		return
	}
	o.completed.Add(1)
	l.Info().Msg("Handoff completed")
}

func (o *operator) setPresence(ctx context.Context, status types.PresenceStatus) error {
	body := map[string]any{"status": status}
	if status == types.PresenceOnline {
		body["maxSessions"] = o.cfg.MaxSessions
	}
	return o.call(ctx, http.MethodPut, "/api/v1/agent/presence", body)
}

type apiFailure struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (o *operator) call(ctx context.Context, method, path string, body any) error {
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(o.cfg.ServerURL, "/")+path, r)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+o.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 300 {
		return nil
	}
	var f apiFailure
	if err := json.NewDecoder(resp.Body).Decode(&f); err == nil && f.Error.Code != "" {
		return fmt.Errorf("%s %s: %d %s: %s", method, path, resp.StatusCode, f.Error.Code, f.Error.Message)
	}
	return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
}

// wsURL turns the server's http base URL into the agent websocket endpoint
func wsURL(serverURL, token string) string {
	u, err := url.Parse(strings.TrimRight(serverURL, "/"))
	if err != nil {
		return serverURL
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path += "/ws"
	q := url.Values{}
	q.Set("role", string(types.RoleAgent))
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String()
}
