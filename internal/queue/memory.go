package queue

import (
	"context"
	"sort"
	"sync"
	"time"
)

type entry struct {
	id       string
	queuedAt time.Time
}

type tenantQueue struct {
	waiting []entry
}

func (q *tenantQueue) indexOf(id string) int {
	for i, e := range q.waiting {
		if e.id == id {
			return i
		}
	}
	return -1
}

func (q *tenantQueue) remove(i int) {
	q.waiting = append(q.waiting[:i], q.waiting[i+1:]...)
}

// MemoryManager is an in-process Manager
type MemoryManager struct {
	mu        sync.Mutex
	retention time.Duration
	now       func() time.Time
	queues    map[string]*tenantQueue
}

// NewMemoryManager creates an in-memory queue manager
func NewMemoryManager(retention time.Duration) *MemoryManager {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &MemoryManager{
		retention: retention,
		now:       time.Now,
		queues:    make(map[string]*tenantQueue),
	}
}

// WithClock replaces the time source
func (m *MemoryManager) WithClock(now func() time.Time) *MemoryManager {
	m.now = now
	return m
}

// queue returns the tenant's queue, creating it when asked. Caller holds mu.
func (m *MemoryManager) queue(tenantID string, create bool) *tenantQueue {
	q, ok := m.queues[tenantID]
	if !ok && create {
		q = &tenantQueue{}
		m.queues[tenantID] = q
	}
	return q
}

func (m *MemoryManager) Enqueue(_ context.Context, tenantID, requestID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.queue(tenantID, true)
	if i := q.indexOf(requestID); i >= 0 {
		return i + 1, nil
	}
	q.waiting = append(q.waiting, entry{id: requestID, queuedAt: m.now()})
	return len(q.waiting), nil
}

func (m *MemoryManager) Requeue(_ context.Context, tenantID, requestID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.queue(tenantID, true)
	if i := q.indexOf(requestID); i >= 0 {
		q.remove(i)
	}
	q.waiting = append(q.waiting, entry{id: requestID, queuedAt: m.now()})
	return len(q.waiting), nil
}

func (m *MemoryManager) Position(_ context.Context, tenantID, requestID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.queue(tenantID, false)
	if q == nil {
		return 0, nil
	}
	return q.indexOf(requestID) + 1, nil
}

func (m *MemoryManager) DequeueFront(_ context.Context, tenantID string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.queue(tenantID, false)
	if q == nil || len(q.waiting) == 0 {
		return "", false, nil
	}
	id := q.waiting[0].id
	q.remove(0)
	return id, true, nil
}

func (m *MemoryManager) Peek(_ context.Context, tenantID string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.queue(tenantID, false)
	if q == nil || len(q.waiting) == 0 {
		return "", false, nil
	}
	return q.waiting[0].id, true, nil
}

func (m *MemoryManager) Remove(_ context.Context, tenantID, requestID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.queue(tenantID, false)
	if q == nil {
		return nil
	}
	if i := q.indexOf(requestID); i >= 0 {
		q.remove(i)
	}
	return nil
}

func (m *MemoryManager) Length(_ context.Context, tenantID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.queue(tenantID, false)
	if q == nil {
		return 0, nil
	}
	return len(q.waiting), nil
}

func (m *MemoryManager) List(_ context.Context, tenantID string, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.queue(tenantID, false)
	if q == nil {
		return nil, nil
	}
	n := len(q.waiting)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]string, n)
	for i := 0; i < n; i++ {
		out[i] = q.waiting[i].id
	}
	return out, nil
}

func (m *MemoryManager) Expired(_ context.Context, tenantID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.queue(tenantID, false)
	if q == nil {
		return nil, nil
	}
	cutoff := m.now().Add(-m.retention)
	var expired []string
	kept := q.waiting[:0]
	for _, e := range q.waiting {
		if !e.queuedAt.After(cutoff) {
			expired = append(expired, e.id)
			continue
		}
		kept = append(kept, e)
	}
	q.waiting = kept
	return expired, nil
}

func (m *MemoryManager) Tenants(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var tenants []string
	for tenantID, q := range m.queues {
		if len(q.waiting) > 0 {
			tenants = append(tenants, tenantID)
		} else {
			delete(m.queues, tenantID)
		}
	}
	sort.Strings(tenants)
	return tenants, nil
}
