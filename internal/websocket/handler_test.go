package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dennisdiepolder/monti/handoff/internal/auth"
	"github.com/dennisdiepolder/monti/handoff/internal/config"
	"github.com/dennisdiepolder/monti/handoff/internal/types"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const testSecret = "ws-secret"

type codedError struct{ code string }

func (e codedError) Error() string { return "rejected: " + e.code }
func (e codedError) Code() string  { return e.code }

type recordingInbound struct {
	mu   sync.Mutex
	keys []types.ConnectionKey
	msgs []types.Message
	err  error
}

func (r *recordingInbound) HandleInbound(_ context.Context, key types.ConnectionKey, msg types.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = append(r.keys, key)
	r.msgs = append(r.msgs, msg)
	return r.err
}

func (r *recordingInbound) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func testConfig() *config.Config {
	return &config.Config{
		AllowedOrigins: []string{"http://localhost:5173"},
		PongWait:       time.Minute,
		PingPeriod:     50 * time.Second,
		WriteWait:      5 * time.Second,
		MaxMessageSize: 8192,
	}
}

// ownerGuard maps session ids to the customer that owns them
type ownerGuard struct {
	owners map[string]string
	err    error
}

func (g ownerGuard) CustomerOwnsSession(_ context.Context, _, customerID, sessionID string) (bool, error) {
	if g.err != nil {
		return false, g.err
	}
	owner, ok := g.owners[sessionID]
	return ok && owner == customerID, nil
}

func newServer(t *testing.T, inbound InboundHandler) (*Hub, string) {
	return newGuardedServer(t, inbound, nil)
}

func newGuardedServer(t *testing.T, inbound InboundHandler, guard SessionGuard) (*Hub, string) {
	t.Helper()
	verifier, err := auth.NewVerifier(auth.Config{Secret: testSecret}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	hub := runHub(t)
	h := NewHandler(hub, verifier, inbound, testConfig(), zerolog.Nop())
	if guard != nil {
		h.WithSessionGuard(guard)
	}
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func token(t *testing.T, id auth.Identity) string {
	t.Helper()
	tok, err := auth.IssueToken(testSecret, id, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func TestHandshakeRejections(t *testing.T) {
	_, url := newServer(t, &recordingInbound{})
	agent := token(t, auth.Identity{TenantID: "acme", ParticipantID: "alice", Role: types.RoleAgent})
	customer := token(t, auth.Identity{TenantID: "acme", ParticipantID: "c-1", Role: types.RoleCustomer, SessionID: "s-1"})
	sessionless := token(t, auth.Identity{TenantID: "acme", ParticipantID: "c-2", Role: types.RoleCustomer})
	admin := token(t, auth.Identity{TenantID: "acme", ParticipantID: "root", Role: types.RoleAdmin})

	tests := []struct {
		name  string
		query string
		want  int
	}{
		{"no token", "?role=AGENT", http.StatusUnauthorized},
		{"bad token", "?token=nope", http.StatusUnauthorized},
		{"role mismatch", "?role=CUSTOMER&token=" + agent, http.StatusForbidden},
		{"session mismatch", "?sessionId=s-9&token=" + customer, http.StatusForbidden},
		{"customer without session", "?token=" + sessionless, http.StatusBadRequest},
		{"admin", "?token=" + admin, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, resp, err := websocket.DefaultDialer.Dial(url+tt.query, nil)
			if err == nil {
				conn.Close()
				t.Fatal("handshake succeeded, want rejection")
			}
			if resp == nil || resp.StatusCode != tt.want {
				t.Fatalf("response = %v, want status %d", resp, tt.want)
			}
		})
	}
}

func TestHandshakeRejectsForeignOrigin(t *testing.T) {
	_, url := newServer(t, &recordingInbound{})
	agent := token(t, auth.Identity{TenantID: "acme", ParticipantID: "alice", Role: types.RoleAgent})

	header := http.Header{"Origin": []string{"http://evil.example"}}
	conn, _, err := websocket.DefaultDialer.Dial(url+"?token="+agent, header)
	if err == nil {
		conn.Close()
		t.Fatal("foreign origin admitted")
	}
}

func TestConnectionDeliversBothWays(t *testing.T) {
	inbound := &recordingInbound{}
	hub, url := newServer(t, inbound)
	agent := token(t, auth.Identity{TenantID: "acme", ParticipantID: "alice", Role: types.RoleAgent})

	conn, _, err := websocket.DefaultDialer.Dial(url+"?role=agent&token="+agent, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	waitFor(t, "registration", func() bool { return hub.Connected(agentKey("acme", "alice")) })

	text, _ := types.NewMessage(types.MessageText, "r1", types.TextPayload{Content: "hello"})
	if err := conn.WriteJSON(text); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	waitFor(t, "inbound frame", func() bool { return inbound.count() == 1 })
	inbound.mu.Lock()
	if inbound.keys[0] != agentKey("acme", "alice") {
		t.Errorf("key = %+v", inbound.keys[0])
	}
	inbound.mu.Unlock()

	assigned, _ := types.NewMessage(types.MessageHandoffAssigned, "r2", types.HandoffNotice{RequestID: "r2"})
	if !hub.NotifyAgent("acme", "alice", assigned) {
		t.Fatal("NotifyAgent = false")
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got types.Message
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if got.Type != types.MessageHandoffAssigned || got.RequestID != "r2" {
		t.Errorf("got %s/%s, want HANDOFF_ASSIGNED/r2", got.Type, got.RequestID)
	}

	conn.Close()
	waitFor(t, "cleanup on disconnect", func() bool { return hub.ClientCount() == 0 })
}

func TestInboundErrorsComeBackAsErrorFrames(t *testing.T) {
	inbound := &recordingInbound{err: codedError{code: "CONFLICT"}}
	hub, url := newServer(t, inbound)
	customer := token(t, auth.Identity{TenantID: "acme", ParticipantID: "c-1", Role: types.RoleCustomer, SessionID: "s-1"})

	conn, _, err := websocket.DefaultDialer.Dial(url+"?token="+customer, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	waitFor(t, "registration", func() bool { return hub.ClientCount() == 1 })

	tests := []struct {
		name  string
		frame string
		code  string
	}{
		{"handler error", `{"type":"TEXT","requestId":"r1","payload":{"content":"x"}}`, "CONFLICT"},
		{"malformed", `{"type":`, "VALIDATION"},
		{"plain error", `{"type":"TYPING","payload":{"typing":true}}`, "INTERNAL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.code == "INTERNAL" {
				inbound.mu.Lock()
				inbound.err = errors.New("boom")
				inbound.mu.Unlock()
			}
			if err := conn.WriteMessage(websocket.TextMessage, []byte(tt.frame)); err != nil {
				t.Fatalf("write: %v", err)
			}
			conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			var got types.Message
			if err := conn.ReadJSON(&got); err != nil {
				t.Fatalf("ReadJSON: %v", err)
			}
			if got.Type != types.MessageError {
				t.Fatalf("type = %s, want ERROR", got.Type)
			}
			var p types.ErrorPayload
			if err := json.Unmarshal(got.Payload, &p); err != nil {
				t.Fatal(err)
			}
			if p.Code != tt.code {
				t.Errorf("code = %s, want %s", p.Code, tt.code)
			}
		})
	}
}

func TestHandshakeChecksSessionOwner(t *testing.T) {
	owner := token(t, auth.Identity{TenantID: "acme", ParticipantID: "c-1", Role: types.RoleCustomer})
	other := token(t, auth.Identity{TenantID: "acme", ParticipantID: "c-2", Role: types.RoleCustomer})
	owners := ownerGuard{owners: map[string]string{"s-1": "c-1"}}

	tests := []struct {
		name  string
		guard SessionGuard
		query string
		want  int
	}{
		{"owner admitted", owners, "?sessionId=s-1&token=" + owner, http.StatusSwitchingProtocols},
		{"other customer", owners, "?sessionId=s-1&token=" + other, http.StatusForbidden},
		{"unclaimed session", owners, "?sessionId=s-new&token=" + owner, http.StatusForbidden},
		{"lookup failure", ownerGuard{err: errors.New("store down")}, "?sessionId=s-1&token=" + owner, http.StatusServiceUnavailable},
		{"no guard", nil, "?sessionId=s-1&token=" + owner, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, url := newGuardedServer(t, &recordingInbound{}, tt.guard)
			conn, resp, err := websocket.DefaultDialer.Dial(url+tt.query, nil)
			if conn != nil {
				conn.Close()
			}
			if resp == nil {
				t.Fatalf("no response: %v", err)
			}
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestSessionlessTokenCannotTakeOverSession(t *testing.T) {
	hub, url := newGuardedServer(t, &recordingInbound{}, ownerGuard{owners: map[string]string{"s-1": "c-1"}})
	victim := token(t, auth.Identity{TenantID: "acme", ParticipantID: "c-1", Role: types.RoleCustomer, SessionID: "s-1"})
	attacker := token(t, auth.Identity{TenantID: "acme", ParticipantID: "c-2", Role: types.RoleCustomer})

	conn, _, err := websocket.DefaultDialer.Dial(url+"?token="+victim, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	waitFor(t, "registration", func() bool { return hub.Connected(customerKey("acme", "c-1", "s-1")) })

	if c, _, err := websocket.DefaultDialer.Dial(url+"?sessionId=s-1&token="+attacker, nil); err == nil {
		c.Close()
		t.Fatal("second customer admitted to s-1")
	}

	reply, _ := types.NewMessage(types.MessageText, "r1", types.TextPayload{Content: "agent reply"})
	if !hub.NotifyCustomer("acme", "s-1", reply) {
		t.Fatal("NotifyCustomer = false")
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got types.Message
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if got.Type != types.MessageText || got.RequestID != "r1" {
		t.Errorf("owner got %s/%s, want TEXT/r1", got.Type, got.RequestID)
	}
	if hub.Connected(customerKey("acme", "c-2", "s-1")) {
		t.Error("second customer registered on s-1")
	}
}
