package websocket

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/dennisdiepolder/monti/handoff/internal/types"
	"github.com/rs/zerolog"
)

func fakeClient(key types.ConnectionKey) *Client {
	return &Client{key: key, send: make(chan []byte, 4), done: make(chan struct{})}
}

func agentKey(tenant, id string) types.ConnectionKey {
	return types.ConnectionKey{TenantID: tenant, Role: types.RoleAgent, ParticipantID: id}
}

func customerKey(tenant, id, session string) types.ConnectionKey {
	return types.ConnectionKey{TenantID: tenant, Role: types.RoleCustomer, ParticipantID: id, SessionID: session}
}

func runHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)
	return hub
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func receive(t *testing.T, c *Client) types.Message {
	t.Helper()
	select {
	case data, ok := <-c.send:
		if !ok {
			t.Fatal("send channel closed")
		}
		var m types.Message
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		return m
	case <-time.After(time.Second):
		t.Fatal("no message received")
	}
	return types.Message{}
}

func TestHubRegisterUnregister(t *testing.T) {
	hub := runHub(t)
	c := fakeClient(agentKey("acme", "alice"))

	if !hub.Register(c) {
		t.Fatal("Register returned false on a running hub")
	}
	waitFor(t, "registration", func() bool { return hub.ClientCount() == 1 })
	if !hub.Connected(c.key) {
		t.Error("Connected = false after register")
	}

	hub.Unregister(c)
	waitFor(t, "unregistration", func() bool { return hub.ClientCount() == 0 })

	if _, ok := <-c.send; ok {
		t.Error("send channel still open after unregister")
	}
}

func TestHubNewerConnectionReplacesOlder(t *testing.T) {
	hub := runHub(t)
	first := fakeClient(agentKey("acme", "alice"))
	second := fakeClient(agentKey("acme", "alice"))

	hub.Register(first)
	hub.Register(second)
	waitFor(t, "replacement", func() bool {
		select {
		case _, ok := <-first.send:
			return !ok
		default:
			return false
		}
	})

	// the stale client unregistering must not drop the new one
	hub.Unregister(first)
	msg, _ := types.NewMessage(types.MessageHandoffAssigned, "r1", nil)
	waitFor(t, "delivery to new client", func() bool { return hub.NotifyAgent("acme", "alice", msg) })
	if got := receive(t, second); got.Type != types.MessageHandoffAssigned {
		t.Errorf("type = %s, want %s", got.Type, types.MessageHandoffAssigned)
	}
}

func TestHubRouting(t *testing.T) {
	hub := runHub(t)
	alice := fakeClient(agentKey("acme", "alice"))
	bob := fakeClient(agentKey("acme", "bob"))
	other := fakeClient(agentKey("globex", "carol"))
	cust := fakeClient(customerKey("acme", "c-1", "s-1"))
	for _, c := range []*Client{alice, bob, other, cust} {
		hub.Register(c)
	}
	waitFor(t, "registration", func() bool { return hub.ClientCount() == 4 })

	text, _ := types.NewMessage(types.MessageText, "r1", types.TextPayload{Content: "hi"})

	if !hub.NotifyAgent("acme", "alice", text) {
		t.Fatal("NotifyAgent(alice) = false")
	}
	if got := receive(t, alice); got.RequestID != "r1" {
		t.Errorf("alice got request %q, want r1", got.RequestID)
	}
	if hub.NotifyAgent("acme", "carol", text) {
		t.Error("NotifyAgent crossed tenants")
	}
	if hub.NotifyAgent("acme", "nobody", text) {
		t.Error("NotifyAgent(nobody) = true")
	}

	if !hub.NotifyCustomer("acme", "s-1", text) {
		t.Fatal("NotifyCustomer(s-1) = false")
	}
	receive(t, cust)
	if hub.NotifyCustomer("globex", "s-1", text) {
		t.Error("NotifyCustomer crossed tenants")
	}

	notice, _ := types.NewMessage(types.MessageAdminNotification, "", types.AdminNotice{Message: "lunch"})
	if n := hub.BroadcastToTenantAgents("acme", notice); n != 2 {
		t.Errorf("broadcast reached %d, want 2", n)
	}
	receive(t, alice)
	receive(t, bob)
	select {
	case <-cust.send:
		t.Error("customer received agent broadcast")
	default:
	}
	select {
	case <-other.send:
		t.Error("other tenant received broadcast")
	default:
	}
}

func TestHubStopClosesClients(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()

	c := fakeClient(agentKey("acme", "alice"))
	hub.Register(c)
	waitFor(t, "registration", func() bool { return hub.ClientCount() == 1 })

	cancel()
	<-stopped
	if hub.ClientCount() != 0 {
		t.Errorf("clients = %d after stop, want 0", hub.ClientCount())
	}
	if hub.Register(fakeClient(agentKey("acme", "bob"))) {
		t.Error("Register succeeded on a stopped hub")
	}
}
