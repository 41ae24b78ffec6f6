package handoff

import (
	"sync"
	"time"
)

// DefaultHandleTime is assumed per session until a tenant has completed samples
const DefaultHandleTime = 3 * time.Minute

// WaitEstimator tracks the average handle time per tenant
type WaitEstimator struct {
	mu            sync.Mutex
	defaultHandle time.Duration
	stats         map[string]*handleStats
}

type handleStats struct {
	total time.Duration
	count int64
}

// NewWaitEstimator creates an estimator that falls back to defaultHandle
func NewWaitEstimator(defaultHandle time.Duration) *WaitEstimator {
	if defaultHandle <= 0 {
		defaultHandle = DefaultHandleTime
	}
	return &WaitEstimator{
		defaultHandle: defaultHandle,
		stats:         make(map[string]*handleStats),
	}
}

// RecordHandle records the duration of a completed session
func (w *WaitEstimator) RecordHandle(tenantID string, d time.Duration) {
	if d <= 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	s, ok := w.stats[tenantID]
	if !ok {
		s = &handleStats{}
		w.stats[tenantID] = s
	}
	s.total += d
	s.count++
}

// AverageHandle returns the running average handle time of the tenant
func (w *WaitEstimator) AverageHandle(tenantID string) time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()

	s, ok := w.stats[tenantID]
	if !ok || s.count == 0 {
		return w.defaultHandle
	}
	return s.total / time.Duration(s.count)
}

// Estimate returns the expected wait for a request at position with onlineAgents serving the queue.
// Agents work the queue in parallel, so every onlineAgents requests ahead cost one handle time.
func (w *WaitEstimator) Estimate(tenantID string, position, onlineAgents int) time.Duration {
	if position <= 0 {
		return 0
	}
	if onlineAgents < 1 {
		onlineAgents = 1
	}
	rounds := (position + onlineAgents - 1) / onlineAgents
	return w.AverageHandle(tenantID) * time.Duration(rounds)
}
