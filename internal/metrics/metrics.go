package metrics

import (
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"
)

// Metrics holds all application metrics
type Metrics struct {
	mu sync.RWMutex

	// Handoff metrics
	transitionsTotal map[string]int64 // event type -> count
	rejectedOps      map[string]int64 // operation -> count

	// Assignment metrics
	AssignmentAttemptsTotal int64
	AssignmentsTotal        int64
	AssignmentMissesTotal   int64

	// Event pipeline metrics
	EventsPublishedTotal    int64
	EventsConsumedTotal     int64
	EventsDuplicateTotal    int64
	EventsDeadLetteredTotal int64
	EventsFallbackTotal     int64

	// WebSocket metrics
	WebSocketConnectionsTotal    int64
	WebSocketDisconnectionsTotal int64
	WebSocketMessagesTotal       int64
	WebSocketErrorsTotal         int64
	activeConnections            int64

	// HTTP metrics
	httpRequestsTotal map[string]map[int]int64 // endpoint -> status -> count

	startTime time.Time
}

var instance *Metrics
var once sync.Once

// Get returns the singleton metrics instance
func Get() *Metrics {
	once.Do(func() {
		instance = New()
	})
	return instance
}

// New returns an empty metrics set
func New() *Metrics {
	return &Metrics{
		transitionsTotal:  make(map[string]int64),
		rejectedOps:       make(map[string]int64),
		httpRequestsTotal: make(map[string]map[int]int64),
		startTime:         time.Now(),
	}
}

// RecordTransition counts a committed handoff transition by event type
func (m *Metrics) RecordTransition(eventType string) {
	m.mu.Lock()
	m.transitionsTotal[eventType]++
	m.mu.Unlock()
}

// RecordRejected counts a handoff operation refused by validation, authorization or conflict checks
func (m *Metrics) RecordRejected(op string) {
	m.mu.Lock()
	m.rejectedOps[op]++
	m.mu.Unlock()
}

// Transitions returns the committed transition count for eventType
func (m *Metrics) Transitions(eventType string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.transitionsTotal[eventType]
}

// RecordAssignmentAttempt records one scoring round and whether it produced an assignment
func (m *Metrics) RecordAssignmentAttempt(assigned bool) {
	m.mu.Lock()
	m.AssignmentAttemptsTotal++
	if assigned {
		m.AssignmentsTotal++
	} else {
		m.AssignmentMissesTotal++
	}
	m.mu.Unlock()
}

func (m *Metrics) RecordEventPublished() {
	m.mu.Lock()
	m.EventsPublishedTotal++
	m.mu.Unlock()
}

func (m *Metrics) RecordEventConsumed() {
	m.mu.Lock()
	m.EventsConsumedTotal++
	m.mu.Unlock()
}

func (m *Metrics) RecordEventDuplicate() {
	m.mu.Lock()
	m.EventsDuplicateTotal++
	m.mu.Unlock()
}

func (m *Metrics) RecordEventDeadLettered() {
	m.mu.Lock()
	m.EventsDeadLetteredTotal++
	m.mu.Unlock()
}

// RecordEventFallback counts effects applied in-process because the broker was unavailable
func (m *Metrics) RecordEventFallback() {
	m.mu.Lock()
	m.EventsFallbackTotal++
	m.mu.Unlock()
}

// RecordWebSocketConnect increments connection counters
func (m *Metrics) RecordWebSocketConnect() {
	m.mu.Lock()
	m.WebSocketConnectionsTotal++
	m.activeConnections++
	m.mu.Unlock()
}

// RecordWebSocketDisconnect increments disconnection counter
func (m *Metrics) RecordWebSocketDisconnect() {
	m.mu.Lock()
	m.WebSocketDisconnectionsTotal++
	m.activeConnections--
	m.mu.Unlock()
}

// RecordWebSocketMessage increments message counter
func (m *Metrics) RecordWebSocketMessage() {
	m.mu.Lock()
	m.WebSocketMessagesTotal++
	m.mu.Unlock()
}

// RecordWebSocketError increments WebSocket error counter
func (m *Metrics) RecordWebSocketError() {
	m.mu.Lock()
	m.WebSocketErrorsTotal++
	m.mu.Unlock()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(endpoint string, statusCode int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.httpRequestsTotal[endpoint] == nil {
		m.httpRequestsTotal[endpoint] = make(map[int]int64)
	}
	m.httpRequestsTotal[endpoint][statusCode]++
}

// GetActiveConnections returns current WebSocket connections
func (m *Metrics) GetActiveConnections() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeConnections
}

// Handler returns an HTTP handler for the /metrics endpoint
func (m *Metrics) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m.mu.RLock()
		defer m.mu.RUnlock()

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")

		write := func(name string, value interface{}, labels ...string) {
			labelStr := ""
			if len(labels) > 0 {
				labelStr = "{"
				for i := 0; i < len(labels); i += 2 {
					if i > 0 {
						labelStr += ","
					}
					labelStr += labels[i] + "=\"" + labels[i+1] + "\""
				}
				labelStr += "}"
			}

			switch v := value.(type) {
			case int64:
				w.Write([]byte(name + labelStr + " " + strconv.FormatInt(v, 10) + "\n"))
			case float64:
				w.Write([]byte(name + labelStr + " " + strconv.FormatFloat(v, 'f', 6, 64) + "\n"))
			}
		}

		write("handoff_uptime_seconds", time.Since(m.startTime).Seconds())

		for _, k := range sortedKeys(m.transitionsTotal) {
			write("handoff_transitions_total", m.transitionsTotal[k], "event", k)
		}
		for _, k := range sortedKeys(m.rejectedOps) {
			write("handoff_rejected_operations_total", m.rejectedOps[k], "op", k)
		}

		write("handoff_assignment_attempts_total", m.AssignmentAttemptsTotal)
		write("handoff_assignments_total", m.AssignmentsTotal)
		write("handoff_assignment_misses_total", m.AssignmentMissesTotal)

		write("handoff_events_published_total", m.EventsPublishedTotal)
		write("handoff_events_consumed_total", m.EventsConsumedTotal)
		write("handoff_events_duplicate_total", m.EventsDuplicateTotal)
		write("handoff_events_dead_lettered_total", m.EventsDeadLetteredTotal)
		write("handoff_events_fallback_total", m.EventsFallbackTotal)

		write("handoff_websocket_connections_total", m.WebSocketConnectionsTotal)
		write("handoff_websocket_disconnections_total", m.WebSocketDisconnectionsTotal)
		write("handoff_websocket_active_connections", m.activeConnections)
		write("handoff_websocket_messages_total", m.WebSocketMessagesTotal)
		write("handoff_websocket_errors_total", m.WebSocketErrorsTotal)

		for endpoint, statusCodes := range m.httpRequestsTotal {
			for status, count := range statusCodes {
				write("handoff_http_requests_total", count, "endpoint", endpoint, "status", strconv.Itoa(status))
			}
		}
	}
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
