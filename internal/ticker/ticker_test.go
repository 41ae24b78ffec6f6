package ticker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dennisdiepolder/monti/handoff/internal/queue"
	"github.com/rs/zerolog"
)

type fakePusher struct {
	mu      sync.Mutex
	calls   map[string]int
	reached int
	fail    string
}

func (p *fakePusher) PushQueuePositions(ctx context.Context, tenantID string, limit int) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.calls == nil {
		p.calls = map[string]int{}
	}
	p.calls[tenantID]++
	if tenantID == p.fail {
		return 0, errors.New("store down")
	}
	return p.reached, nil
}

func (p *fakePusher) count(tenantID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[tenantID]
}

type failingLister struct{}

func (failingLister) Tenants(ctx context.Context) ([]string, error) {
	return nil, errors.New("redis unavailable")
}

func queueWith(t *testing.T, entries map[string][]string) *queue.MemoryManager {
	t.Helper()
	q := queue.NewMemoryManager(queue.DefaultRetention)
	for tenant, ids := range entries {
		for _, id := range ids {
			if _, err := q.Enqueue(context.Background(), tenant, id); err != nil {
				t.Fatalf("Enqueue: %v", err)
			}
		}
	}
	return q
}

func TestNewTicker(t *testing.T) {
	q := queueWith(t, nil)
	ticker := NewTicker(q, &fakePusher{}, time.Second, zerolog.Nop())

	if ticker.interval != time.Second {
		t.Errorf("expected interval 1s, got %v", ticker.interval)
	}
	if ticker.batch != DefaultBatch {
		t.Errorf("expected batch %d, got %d", DefaultBatch, ticker.batch)
	}
}

func TestTick(t *testing.T) {
	tests := []struct {
		name    string
		queued  map[string][]string
		fail    string
		reached int
		want    int
	}{
		{"no queued work", nil, "", 1, 0},
		{"every tenant with work is updated", map[string][]string{"t1": {"r1", "r2"}, "t2": {"r3"}}, "", 2, 4},
		{"one tenant failing does not stop the others", map[string][]string{"t1": {"r1"}, "t2": {"r2"}}, "t1", 1, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pusher := &fakePusher{reached: tt.reached, fail: tt.fail}
			ticker := NewTicker(queueWith(t, tt.queued), pusher, time.Hour, zerolog.Nop())

			if got := ticker.Tick(context.Background()); got != tt.want {
				t.Errorf("Tick() = %d, want %d", got, tt.want)
			}
			for tenant := range tt.queued {
				if pusher.count(tenant) != 1 {
					t.Errorf("tenant %s pushed %d times, want 1", tenant, pusher.count(tenant))
				}
			}
		})
	}
}

func TestTickSurvivesListerFailure(t *testing.T) {
	ticker := NewTicker(failingLister{}, &fakePusher{}, time.Hour, zerolog.Nop())
	if got := ticker.Tick(context.Background()); got != 0 {
		t.Errorf("Tick() = %d, want 0", got)
	}
}

func TestTickerBroadcastsOnInterval(t *testing.T) {
	pusher := &fakePusher{reached: 1}
	ticker := NewTicker(queueWith(t, map[string][]string{"t1": {"r1"}}), pusher, 20*time.Millisecond, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan bool)
	go func() {
		ticker.Start(ctx)
		done <- true
	}()

	deadline := time.Now().Add(2 * time.Second)
	for pusher.count("t1") < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if pusher.count("t1") < 2 {
		t.Errorf("expected at least two ticks, got %d", pusher.count("t1"))
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Error("ticker did not stop within timeout after context cancel")
	}
}
