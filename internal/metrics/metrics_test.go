package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandlerExposesCounters(t *testing.T) {
	m := New()
	m.RecordTransition("ACCEPTED")
	m.RecordTransition("ACCEPTED")
	m.RecordAssignmentAttempt(true)
	m.RecordAssignmentAttempt(false)
	m.RecordEventDeadLettered()
	m.RecordWebSocketConnect()

	rec := httptest.NewRecorder()
	m.Handler()(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	for _, want := range []string{
		`handoff_transitions_total{event="ACCEPTED"} 2`,
		"handoff_assignment_attempts_total 2",
		"handoff_assignments_total 1",
		"handoff_assignment_misses_total 1",
		"handoff_events_dead_lettered_total 1",
		"handoff_websocket_active_connections 1",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
