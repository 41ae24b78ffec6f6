package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/dennisdiepolder/monti/handoff/internal/types"
)

func TestWSURL(t *testing.T) {
	tests := []struct {
		name   string
		server string
		want   string
	}{
		{"http", "http://localhost:8080", "ws://localhost:8080/ws?role=AGENT&token=abc"},
		{"https with trailing slash", "https://handoff.example.com/", "wss://handoff.example.com/ws?role=AGENT&token=abc"},
		{"path prefix", "http://gw:80/support", "ws://gw:80/support/ws?role=AGENT&token=abc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := wsURL(tt.server, "abc"); got != tt.want {
				t.Errorf("wsURL(%q) = %q, want %q", tt.server, got, tt.want)
			}
		})
	}
}

func TestParseFlags(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr bool
	}{
		{"defaults with secret", []string{"--secret", "s"}, false},
		{"short operators flag", []string{"--secret", "s", "-n", "2"}, false},
		{"zero operators", []string{"--secret", "s", "--operators", "0"}, true},
		{"zero sessions", []string{"--secret", "s", "--max-sessions", "0"}, true},
		{"unknown flag", []string{"--secret", "s", "--bogus"}, true},
	}
	t.Setenv("JWT_SECRET", "")
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := parseFlags(tt.args)
			if (err != nil) != tt.wantErr {
				t.Errorf("parseFlags(%v) error = %v, wantErr %v", tt.args, err, tt.wantErr)
			}
		})
	}

	if _, _, err := parseFlags(nil); err == nil {
		t.Error("expected missing secret to be rejected")
	}
}

// fakeServer records REST calls and pushes one assignment to every agent connection
type fakeServer struct {
	mu     sync.Mutex
	calls  []string
	bodies []map[string]any
	beats  int
}

func (f *fakeServer) record(call string, body map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	f.bodies = append(f.bodies, body)
}

func (f *fakeServer) snapshot() ([]string, []map[string]any, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...), append([]map[string]any(nil), f.bodies...), f.beats
}

func (f *fakeServer) handler(token string) http.Handler {
	upgrader := websocket.Upgrader{}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws" {
			if r.URL.Query().Get("token") != token || r.URL.Query().Get("role") != "AGENT" {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			conn, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				return
			}
			defer conn.Close()
			msg, _ := types.NewMessage(types.MessageHandoffAssigned, "req-1", types.HandoffNotice{
				RequestID: "req-1",
				SessionID: "sess-1",
				Status:    types.HandoffAssigned,
			})
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
			for {
				var in types.Message
				if err := conn.ReadJSON(&in); err != nil {
					return
				}
				if in.Type == types.MessageHeartbeat {
					f.mu.Lock()
					f.beats++
					f.mu.Unlock()
				}
			}
		}

		if r.Header.Get("Authorization") != "Bearer "+token {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.record(r.Method+" "+r.URL.Path, body)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success":true,"data":{}}`))
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestOperatorServesAssignment(t *testing.T) {
	fake := &fakeServer{}
	srv := httptest.NewServer(fake.handler("tok"))
	defer srv.Close()

	op := newOperator("operator-001", "tok", settings{
		ServerURL:   srv.URL,
		MaxSessions: 2,
		Heartbeat:   10 * time.Millisecond,
		HandleTime:  10 * time.Millisecond,
		AutoAccept:  true,
	}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		op.Run(ctx)
		close(done)
	}()

	waitFor(t, func() bool {
		_, _, beats := fake.snapshot()
		return op.completed.Load() == 1 && beats > 0
	})
	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("operator did not stop")
	}

	calls, bodies, _ := fake.snapshot()
	want := []string{
		"PUT /api/v1/agent/presence",
		"POST /api/v1/handoffs/req-1/accept",
		"POST /api/v1/handoffs/req-1/complete",
		"PUT /api/v1/agent/presence",
	}
	if len(calls) != len(want) {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("call %d = %q, want %q", i, calls[i], want[i])
		}
	}
	if bodies[0]["status"] != "ONLINE" || bodies[0]["maxSessions"] != float64(2) {
		t.Errorf("online body = %v", bodies[0])
	}
	if bodies[3]["status"] != "OFFLINE" {
		t.Errorf("offline body = %v", bodies[3])
	}
}

func TestOperatorWithoutAutoAcceptOnlyListens(t *testing.T) {
	fake := &fakeServer{}
	srv := httptest.NewServer(fake.handler("tok"))
	defer srv.Close()

	op := newOperator("operator-002", "tok", settings{
		ServerURL:   srv.URL,
		MaxSessions: 1,
		Heartbeat:   10 * time.Millisecond,
		HandleTime:  time.Millisecond,
	}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		op.Run(ctx)
		close(done)
	}()

	waitFor(t, func() bool {
		_, _, beats := fake.snapshot()
		return beats >= 2
	})
	cancel()
	<-done

	calls, _, _ := fake.snapshot()
	if len(calls) != 2 {
		t.Fatalf("calls = %v, want only presence online and offline", calls)
	}
	if op.completed.Load() != 0 {
		t.Errorf("completed = %d, want 0", op.completed.Load())
	}
}
