package handoff

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/dennisdiepolder/monti/handoff/internal/events"
	"github.com/dennisdiepolder/monti/handoff/internal/metrics"
	"github.com/dennisdiepolder/monti/handoff/internal/presence"
	"github.com/dennisdiepolder/monti/handoff/internal/queue"
	"github.com/dennisdiepolder/monti/handoff/internal/storage"
	"github.com/dennisdiepolder/monti/handoff/internal/types"
	"github.com/rs/zerolog"
)

type sentMessage struct {
	to  string
	msg types.Message
}

type recordingNotifier struct {
	mu       sync.Mutex
	agents   []sentMessage
	sessions []sentMessage
}

func (n *recordingNotifier) NotifyAgent(tenantID, agentID string, msg types.Message) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.agents = append(n.agents, sentMessage{to: tenantID + "/" + agentID, msg: msg})
	return true
}

func (n *recordingNotifier) NotifyCustomer(tenantID, sessionID string, msg types.Message) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sessions = append(n.sessions, sentMessage{to: tenantID + "/" + sessionID, msg: msg})
	return true
}

func (n *recordingNotifier) BroadcastToTenantAgents(tenantID string, msg types.Message) int {
	return 0
}

func (n *recordingNotifier) toCustomer(tenantID, sessionID string, t types.MessageType) []types.Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []types.Message
	for _, s := range n.sessions {
		if s.to == tenantID+"/"+sessionID && s.msg.Type == t {
			out = append(out, s.msg)
		}
	}
	return out
}

func (n *recordingNotifier) toAgent(tenantID, agentID string, t types.MessageType) []types.Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []types.Message
	for _, s := range n.agents {
		if s.to == tenantID+"/"+agentID && s.msg.Type == t {
			out = append(out, s.msg)
		}
	}
	return out
}

type recordingTrigger struct {
	mu      sync.Mutex
	reasons []TriggerReason
}

func (r *recordingTrigger) Trigger(reason TriggerReason, tenantID string) {
	r.mu.Lock()
	r.reasons = append(r.reasons, reason)
	r.mu.Unlock()
}

type recordingEvents struct {
	mu       sync.Mutex
	assigned []events.AgentAssignedEvent
}

func (r *recordingEvents) PublishAgentAssigned(ctx context.Context, ev events.AgentAssignedEvent) error {
	r.mu.Lock()
	r.assigned = append(r.assigned, ev)
	r.mu.Unlock()
	return nil
}

type fixture struct {
	svc      *Service
	store    *storage.SQLiteStore
	presence *presence.MemoryRegistry
	queue    *queue.MemoryManager
	notifier *recordingNotifier
	trigger  *recordingTrigger
	events   *recordingEvents
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.NewSQLiteStore(context.Background(), ":memory:", zerolog.Nop())
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	f := &fixture{
		store:    store,
		presence: presence.NewMemoryRegistry(presence.DefaultTTL),
		queue:    queue.NewMemoryManager(queue.DefaultRetention),
		notifier: &recordingNotifier{},
		trigger:  &recordingTrigger{},
		events:   &recordingEvents{},
	}
	f.svc = NewService(Deps{
		Handoffs:      store,
		Tickets:       store,
		Conversations: store,
		Presence:      f.presence,
		Queue:         f.queue,
		Notifier:      f.notifier,
		Events:        f.events,
		Trigger:       f.trigger,
		Metrics:       metrics.New(),
	}, zerolog.Nop())
	return f
}

func customer(tenantID, id string) Actor {
	return Actor{TenantID: tenantID, ParticipantID: id, Role: types.RoleCustomer}
}

func agent(tenantID, id string) Actor {
	return Actor{TenantID: tenantID, ParticipantID: id, Role: types.RoleAgent}
}

func admin(tenantID string) Actor {
	return Actor{TenantID: tenantID, ParticipantID: "admin-1", Role: types.RoleAdmin}
}

func (f *fixture) request(t *testing.T, tenantID, customerID, sessionID string) *types.HandoffRequest {
	t.Helper()
	res, err := f.svc.RequestHandoff(context.Background(), customer(tenantID, customerID), RequestInput{SessionID: sessionID, Reason: "I want a human"})
	if err != nil {
		t.Fatalf("RequestHandoff: %v", err)
	}
	return res.Request
}

func (f *fixture) online(t *testing.T, tenantID, agentID string, max int) {
	t.Helper()
	if err := f.presence.SetOnline(context.Background(), tenantID, agentID, max); err != nil {
		t.Fatalf("SetOnline: %v", err)
	}
}

func (f *fixture) status(t *testing.T, id string) types.HandoffStatus {
	t.Helper()
	req, err := f.store.GetHandoff(context.Background(), id)
	if err != nil {
		t.Fatalf("GetHandoff: %v", err)
	}
	return req.Status
}

func TestRequestWithNoAgentsStaysPending(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	res, err := f.svc.RequestHandoff(ctx, customer("t1", "c1"), RequestInput{SessionID: "s1", Reason: "billing question"})
	if err != nil {
		t.Fatalf("RequestHandoff: %v", err)
	}
	if res.Position != 1 {
		t.Errorf("expected position 1, got %d", res.Position)
	}
	if res.EstimatedWait != DefaultHandleTime {
		t.Errorf("expected estimate %v, got %v", DefaultHandleTime, res.EstimatedWait)
	}
	if got := f.status(t, res.Request.ID); got != types.HandoffPending {
		t.Errorf("expected PENDING, got %s", got)
	}
	if n, _ := f.queue.Length(ctx, "t1"); n != 1 {
		t.Errorf("expected queue length 1, got %d", n)
	}
	if res.Request.TicketID == "" {
		t.Error("expected a ticket to be attached")
	}

	evs, err := f.store.ListEvents(ctx, res.Request.ID)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(evs) != 1 || evs[0].EventType != types.EventCreated {
		t.Errorf("expected one CREATED event, got %+v", evs)
	}
	if len(f.trigger.reasons) != 1 || f.trigger.reasons[0] != TriggerRequestCreated {
		t.Errorf("expected request_created trigger, got %v", f.trigger.reasons)
	}
}

func TestRequestRejectsSecondActiveHandoffForSession(t *testing.T) {
	f := newFixture(t)
	f.request(t, "t1", "c1", "s1")

	_, err := f.svc.RequestHandoff(context.Background(), customer("t1", "c1"), RequestInput{SessionID: "s1"})
	if KindOf(err) != KindConflict {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestRequestValidation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name  string
		actor Actor
		in    RequestInput
		kind  Kind
	}{
		{"agent cannot request", agent("t1", "a1"), RequestInput{SessionID: "s1"}, KindForbidden},
		{"missing session", customer("t1", "c1"), RequestInput{}, KindValidation},
		{"unknown priority", customer("t1", "c1"), RequestInput{SessionID: "s1", Priority: "CRITICAL"}, KindValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.RequestHandoff(context.Background(), tt.actor, tt.in)
			if KindOf(err) != tt.kind {
				t.Errorf("expected %s, got %v", tt.kind, err)
			}
		})
	}
}

func TestAssignAndAccept(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.online(t, "t1", "a1", 1)
	req := f.request(t, "t1", "c1", "s1")

	if _, err := f.svc.Assign(ctx, req.ID, "a1"); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if got := f.notifier.toAgent("t1", "a1", types.MessageHandoffAssigned); len(got) != 1 {
		t.Fatalf("expected one HANDOFF_ASSIGNED to the agent, got %d", len(got))
	}

	accepted, err := f.svc.Accept(ctx, agent("t1", "a1"), req.ID)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if accepted.Status != types.HandoffAccepted || accepted.AgentID != "a1" {
		t.Errorf("unexpected request after accept: %+v", accepted)
	}
	if n, _ := f.queue.Length(ctx, "t1"); n != 0 {
		t.Errorf("expected empty queue, got %d", n)
	}
	p, _ := f.presence.GetStatus(ctx, "t1", "a1")
	if p.CurrentSessions != 1 {
		t.Errorf("expected currentSessions 1, got %d", p.CurrentSessions)
	}

	mode, owner, _ := f.store.GetConversationOwner(ctx, "t1", "s1")
	if mode != types.ConversationHuman || owner != "a1" {
		t.Errorf("expected HUMAN/a1 conversation owner, got %s/%s", mode, owner)
	}
	ticket, _ := f.store.GetTicket(ctx, req.TicketID)
	if ticket.OwnerID != "a1" || ticket.Status != types.TicketInProgress {
		t.Errorf("unexpected ticket after accept: %+v", ticket)
	}
	if got := f.notifier.toCustomer("t1", "s1", types.MessageHandoffAccepted); len(got) != 1 {
		t.Errorf("expected HANDOFF_ACCEPTED to the customer, got %d", len(got))
	}
	if len(f.events.assigned) != 1 || f.events.assigned[0].AgentID != "a1" {
		t.Errorf("expected one agent assigned event, got %+v", f.events.assigned)
	}
}

func TestAcceptRequiresAssignedStatus(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.online(t, "t1", "a1", 2)
	req := f.request(t, "t1", "c1", "s1")

	_, err := f.svc.Accept(ctx, agent("t1", "a1"), req.ID)
	if KindOf(err) != KindConflict {
		t.Fatalf("expected conflict, got %v", err)
	}
	if got := f.status(t, req.ID); got != types.HandoffPending {
		t.Errorf("state changed to %s", got)
	}
	p, _ := f.presence.GetStatus(ctx, "t1", "a1")
	if p.CurrentSessions != 0 {
		t.Errorf("load changed to %d", p.CurrentSessions)
	}
	evs, _ := f.store.ListEvents(ctx, req.ID)
	if len(evs) != 1 {
		t.Errorf("expected no new events, got %d", len(evs))
	}
}

func TestAcceptFailsWhenCapacityChanged(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.online(t, "t1", "a1", 1)
	first := f.request(t, "t1", "c1", "s1")
	second := f.request(t, "t1", "c2", "s2")

	for _, id := range []string{first.ID, second.ID} {
		if _, err := f.svc.Assign(ctx, id, "a1"); err != nil {
			t.Fatalf("Assign: %v", err)
		}
	}
	if _, err := f.svc.Accept(ctx, agent("t1", "a1"), first.ID); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	_, err := f.svc.Accept(ctx, agent("t1", "a1"), second.ID)
	if KindOf(err) != KindCapacity {
		t.Fatalf("expected capacity error, got %v", err)
	}
	if got := f.status(t, second.ID); got != types.HandoffAssigned {
		t.Errorf("expected second request to stay ASSIGNED, got %s", got)
	}
}

func TestConcurrentAcceptsNeverExceedCapacity(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	const max = 2
	const attempts = 10
	f.online(t, "t1", "a1", max)

	ids := make([]string, attempts)
	for i := range ids {
		req := f.request(t, "t1", fmt.Sprintf("c%d", i), fmt.Sprintf("s%d", i))
		if _, err := f.svc.Assign(ctx, req.ID, "a1"); err != nil {
			t.Fatalf("Assign: %v", err)
		}
		ids[i] = req.ID
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := f.svc.Accept(ctx, agent("t1", "a1"), id)
			if err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
				return
			}
			if KindOf(err) != KindCapacity {
				t.Errorf("unexpected error: %v", err)
			}
		}(id)
	}
	wg.Wait()

	if accepted != max {
		t.Errorf("expected %d accepts, got %d", max, accepted)
	}
	p, _ := f.presence.GetStatus(ctx, "t1", "a1")
	if p.CurrentSessions != max {
		t.Errorf("expected currentSessions %d, got %d", max, p.CurrentSessions)
	}
}

func TestDeclineRequeuesAtBack(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.online(t, "t1", "a1", 1)
	first := f.request(t, "t1", "c1", "s1")
	second := f.request(t, "t1", "c2", "s2")

	if _, err := f.svc.Assign(ctx, first.ID, "a1"); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	declined, err := f.svc.Decline(ctx, agent("t1", "a1"), first.ID, "busy")
	if err != nil {
		t.Fatalf("Decline: %v", err)
	}
	if declined.Status != types.HandoffPending || declined.AgentID != "" {
		t.Errorf("unexpected request after decline: %+v", declined)
	}
	if pos, _ := f.queue.Position(ctx, "t1", first.ID); pos != 2 {
		t.Errorf("expected declined request at position 2, got %d", pos)
	}
	if pos, _ := f.queue.Position(ctx, "t1", second.ID); pos != 1 {
		t.Errorf("expected other request at position 1, got %d", pos)
	}

	evs, _ := f.store.ListEvents(ctx, first.ID)
	var rejected *types.HandoffEvent
	for i := range evs {
		if evs[i].EventType == types.EventRejected {
			rejected = &evs[i]
		}
	}
	if rejected == nil || rejected.EventData["reason"] != "busy" || rejected.OperatorID != "a1" {
		t.Fatalf("expected REJECTED event with reason busy, got %+v", evs)
	}

	declinedBy, err := f.svc.DeclinedBy(ctx, first.ID)
	if err != nil || !declinedBy["a1"] {
		t.Errorf("expected a1 in declined set, got %v %v", declinedBy, err)
	}
	last := f.trigger.reasons[len(f.trigger.reasons)-1]
	if last != TriggerRequestRequeued {
		t.Errorf("expected request_requeued trigger, got %s", last)
	}
}

func TestCompleteReleasesCapacity(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.online(t, "t1", "a1", 2)
	req := f.request(t, "t1", "c1", "s1")
	if _, err := f.svc.Assign(ctx, req.ID, "a1"); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if _, err := f.svc.Accept(ctx, agent("t1", "a1"), req.ID); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	before, _ := f.presence.GetStatus(ctx, "t1", "a1")

	done, err := f.svc.Complete(ctx, agent("t1", "a1"), req.ID)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if done.Status != types.HandoffCompleted || done.AgentID != "" || done.HandledBy != "a1" {
		t.Errorf("unexpected request after complete: %+v", done)
	}
	after, _ := f.presence.GetStatus(ctx, "t1", "a1")
	if before.CurrentSessions-after.CurrentSessions != 1 {
		t.Errorf("expected load to drop by 1, went %d -> %d", before.CurrentSessions, after.CurrentSessions)
	}
	ticket, _ := f.store.GetTicket(ctx, req.TicketID)
	if ticket.Status != types.TicketResolved {
		t.Errorf("expected ticket RESOLVED, got %s", ticket.Status)
	}
	if got := f.notifier.toCustomer("t1", "s1", types.MessageHandoffCompleted); len(got) != 1 {
		t.Errorf("expected HANDOFF_COMPLETED to the customer, got %d", len(got))
	}
	mode, _, _ := f.store.GetConversationOwner(ctx, "t1", "s1")
	if mode != types.ConversationBot {
		t.Errorf("expected conversation back with the assistant, got %s", mode)
	}

	// the session is free for a new handoff
	f.request(t, "t1", "c1", "s1")
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.online(t, "t1", "a1", 1)

	pending := f.request(t, "t1", "c1", "s1")
	if _, err := f.svc.Cancel(ctx, customer("t1", "c2"), pending.ID, ""); KindOf(err) != KindForbidden {
		t.Errorf("expected forbidden for another customer, got %v", err)
	}
	if _, err := f.svc.Cancel(ctx, customer("t1", "c1"), pending.ID, "solved it"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if n, _ := f.queue.Length(ctx, "t1"); n != 0 {
		t.Errorf("expected empty queue, got %d", n)
	}

	assigned := f.request(t, "t1", "c2", "s2")
	if _, err := f.svc.Assign(ctx, assigned.ID, "a1"); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if _, err := f.svc.Cancel(ctx, customer("t1", "c2"), assigned.ID, ""); err != nil {
		t.Fatalf("Cancel assigned: %v", err)
	}
	if got := f.notifier.toAgent("t1", "a1", types.MessageHandoffCancelled); len(got) != 1 {
		t.Errorf("expected HANDOFF_CANCELLED to the assigned agent, got %d", len(got))
	}

	accepted := f.request(t, "t1", "c3", "s3")
	if _, err := f.svc.Assign(ctx, accepted.ID, "a1"); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if _, err := f.svc.Accept(ctx, agent("t1", "a1"), accepted.ID); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if _, err := f.svc.Cancel(ctx, customer("t1", "c3"), accepted.ID, ""); KindOf(err) != KindConflict {
		t.Errorf("expected conflict cancelling an accepted request, got %v", err)
	}
}

func TestCloseByAdmin(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.online(t, "t1", "a1", 1)
	req := f.request(t, "t1", "c1", "s1")
	if _, err := f.svc.Assign(ctx, req.ID, "a1"); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if _, err := f.svc.Accept(ctx, agent("t1", "a1"), req.ID); err != nil {
		t.Fatalf("Accept: %v", err)
	}

	closed, err := f.svc.Close(ctx, admin("t1"), req.ID, "abusive")
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	if closed.Status != types.HandoffClosed || closed.ClosedAt == nil {
		t.Errorf("unexpected request after close: %+v", closed)
	}
	p, _ := f.presence.GetStatus(ctx, "t1", "a1")
	if p.CurrentSessions != 0 {
		t.Errorf("expected load released, got %d", p.CurrentSessions)
	}
	if got := f.notifier.toAgent("t1", "a1", types.MessageHandoffClosed); len(got) != 1 {
		t.Errorf("expected HANDOFF_CLOSED to the agent, got %d", len(got))
	}

	evs, _ := f.store.ListEvents(ctx, req.ID)
	last := evs[len(evs)-1]
	if last.EventType != types.EventClosed || last.OperatorKind != types.OperatorSystem || last.EventData["role"] != "ADMIN" {
		t.Errorf("unexpected close event: %+v", last)
	}
}

func TestAuthorization(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.online(t, "t1", "a1", 1)
	f.online(t, "t1", "a2", 1)
	req := f.request(t, "t1", "c1", "s1")
	if _, err := f.svc.Assign(ctx, req.ID, "a1"); err != nil {
		t.Fatalf("Assign: %v", err)
	}

	tests := []struct {
		name string
		run  func() error
		kind Kind
	}{
		{"other agent accepts", func() error { _, err := f.svc.Accept(ctx, agent("t1", "a2"), req.ID); return err }, KindForbidden},
		{"other tenant accepts", func() error { _, err := f.svc.Accept(ctx, agent("t2", "a1"), req.ID); return err }, KindForbidden},
		{"customer accepts", func() error { _, err := f.svc.Accept(ctx, customer("t1", "c1"), req.ID); return err }, KindForbidden},
		{"other agent declines", func() error { _, err := f.svc.Decline(ctx, agent("t1", "a2"), req.ID, "no"); return err }, KindForbidden},
		{"other customer reads status", func() error { _, err := f.svc.QueryStatus(ctx, customer("t1", "c9"), req.ID); return err }, KindForbidden},
		{"agent lists all handoffs", func() error { _, err := f.svc.ListHandoffs(ctx, agent("t1", "a1"), types.HandoffFilter{}); return err }, KindForbidden},
		{"unknown request", func() error { _, err := f.svc.QueryStatus(ctx, admin("t1"), "missing"); return err }, KindNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.run(); KindOf(err) != tt.kind {
				t.Errorf("expected %s, got %v", tt.kind, err)
			}
		})
	}
	if got := f.status(t, req.ID); got != types.HandoffAssigned {
		t.Errorf("state changed to %s", got)
	}
}

func TestQueryStatusAndPendingList(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.online(t, "t1", "a1", 2)
	first := f.request(t, "t1", "c1", "s1")
	second := f.request(t, "t1", "c2", "s2")

	res, err := f.svc.QueryStatus(ctx, customer("t1", "c2"), second.ID)
	if err != nil {
		t.Fatalf("QueryStatus: %v", err)
	}
	if res.Position != 2 {
		t.Errorf("expected position 2, got %d", res.Position)
	}

	if _, err := f.svc.Assign(ctx, first.ID, "a1"); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	res, _ = f.svc.QueryStatus(ctx, customer("t1", "c1"), first.ID)
	if res.AgentID != "a1" {
		t.Errorf("expected assigned agent a1, got %q", res.AgentID)
	}

	pending, err := f.svc.ListPending(ctx, agent("t1", "a1"), 10)
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(pending) != 2 || pending[0].ID != first.ID || pending[1].ID != second.ID {
		t.Fatalf("unexpected pending list: %+v", pending)
	}
	if pending[1].QueuePosition != 2 {
		t.Errorf("expected queued request at position 2, got %d", pending[1].QueuePosition)
	}
}

func TestRelayForwardsTextWhileActive(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.online(t, "t1", "a1", 1)
	req := f.request(t, "t1", "c1", "s1")
	customerKey := types.ConnectionKey{TenantID: "t1", Role: types.RoleCustomer, ParticipantID: "c1", SessionID: "s1"}
	agentKey := types.ConnectionKey{TenantID: "t1", Role: types.RoleAgent, ParticipantID: "a1"}

	text := func(requestID, content string) types.Message {
		m, err := types.NewMessage(types.MessageText, requestID, types.TextPayload{Content: content})
		if err != nil {
			t.Fatal(err)
		}
		return m
	}

	if err := f.svc.HandleInbound(ctx, customerKey, text("", "hello?")); KindOf(err) != KindConflict {
		t.Fatalf("expected conflict before an agent owns the conversation, got %v", err)
	}

	if _, err := f.svc.Assign(ctx, req.ID, "a1"); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if _, err := f.svc.Accept(ctx, agent("t1", "a1"), req.ID); err != nil {
		t.Fatalf("Accept: %v", err)
	}

	if err := f.svc.HandleInbound(ctx, customerKey, text("", "my order is late")); err != nil {
		t.Fatalf("customer text: %v", err)
	}
	got := f.notifier.toAgent("t1", "a1", types.MessageText)
	if len(got) != 1 {
		t.Fatalf("expected text forwarded to agent, got %d", len(got))
	}
	var p types.TextPayload
	if err := json.Unmarshal(got[0].Payload, &p); err != nil || p.Content != "my order is late" || p.SessionID != "s1" {
		t.Errorf("unexpected forwarded payload %s", got[0].Payload)
	}

	if err := f.svc.HandleInbound(ctx, agentKey, text(req.ID, "let me check")); err != nil {
		t.Fatalf("agent text: %v", err)
	}
	if got := f.notifier.toCustomer("t1", "s1", types.MessageText); len(got) != 1 {
		t.Errorf("expected text forwarded to customer, got %d", len(got))
	}
	if got := f.status(t, req.ID); got != types.HandoffInProgress {
		t.Errorf("expected first agent text to start the session, got %s", got)
	}

	msgs, _ := f.store.ListMessages(ctx, "t1", "s1", 10)
	if len(msgs) != 2 || msgs[0].SenderKind != types.SenderCustomer || msgs[1].SenderKind != types.SenderAgent {
		t.Errorf("expected both messages persisted in order, got %+v", msgs)
	}

	if err := f.svc.HandleInbound(ctx, agentKey, text("", "no request")); KindOf(err) != KindValidation {
		t.Errorf("expected validation error without requestId, got %v", err)
	}
}

func TestWaitEstimate(t *testing.T) {
	w := NewWaitEstimator(0)
	if got := w.Estimate("t1", 3, 2); got != 2*DefaultHandleTime {
		t.Errorf("expected two rounds of the default, got %v", got)
	}
	w.RecordHandle("t1", 4*time.Minute)
	w.RecordHandle("t1", 2*time.Minute)
	if got := w.AverageHandle("t1"); got != 3*time.Minute {
		t.Errorf("expected 3m average, got %v", got)
	}
	if got := w.Estimate("t1", 0, 1); got != 0 {
		t.Errorf("expected zero wait for unqueued request, got %v", got)
	}
	if got := w.Estimate("t1", 1, 0); got != 3*time.Minute {
		t.Errorf("expected one round with no agents online, got %v", got)
	}
}

func TestPushQueuePositions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	first := f.request(t, "t1", "c1", "s1")
	second := f.request(t, "t1", "c2", "s2")
	if _, err := f.svc.Cancel(ctx, customer("t1", "c1"), first.ID, "changed my mind"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	reached, err := f.svc.PushQueuePositions(ctx, "t1", 0)
	if err != nil {
		t.Fatalf("PushQueuePositions: %v", err)
	}
	if reached != 1 {
		t.Fatalf("expected one waiting customer reached, got %d", reached)
	}

	msgs := f.notifier.toCustomer("t1", "s2", types.MessageQueuePosition)
	if len(msgs) != 1 {
		t.Fatalf("expected one QUEUE_POSITION frame for s2, got %d", len(msgs))
	}
	var update types.QueueUpdate
	if err := json.Unmarshal(msgs[0].Payload, &update); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if update.RequestID != second.ID || update.Position != 1 {
		t.Errorf("unexpected update %+v", update)
	}
	if update.EstimatedWaitSeconds <= 0 {
		t.Errorf("expected a positive wait estimate, got %d", update.EstimatedWaitSeconds)
	}
	if got := f.notifier.toCustomer("t1", "s1", types.MessageQueuePosition); len(got) != 0 {
		t.Errorf("cancelled customer should not get queue updates, got %d", len(got))
	}

	if n, err := f.svc.PushQueuePositions(ctx, "empty", 0); err != nil || n != 0 {
		t.Errorf("empty tenant: got %d, %v", n, err)
	}
}

func TestPresenceSnapshotFlagsFullAgents(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.online(t, "t1", "a1", 1)
	f.online(t, "t1", "a2", 2)
	if _, err := f.presence.IncrementLoad(ctx, "t1", "a1"); err != nil {
		t.Fatalf("IncrementLoad: %v", err)
	}

	list, err := f.svc.PresenceSnapshot(ctx, admin("t1"))
	if err != nil {
		t.Fatalf("PresenceSnapshot: %v", err)
	}
	alerts := map[string]int{}
	for _, p := range list {
		alerts[p.AgentID] = len(p.Alerts)
	}
	if alerts["a1"] != 1 || alerts["a2"] != 0 {
		t.Errorf("unexpected alert counts %v", alerts)
	}

	if _, err := f.svc.PresenceSnapshot(ctx, agent("t1", "a1")); KindOf(err) != KindForbidden {
		t.Errorf("expected FORBIDDEN for agents, got %v", err)
	}
}

func TestExpiredQueueEntryCancelsRequest(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	now := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	f.queue.WithClock(func() time.Time { return now })

	req := f.request(t, "t1", "c1", "s1")
	fresh := f.request(t, "t1", "c2", "s2")

	now = now.Add(30 * time.Minute)
	if ids, _ := f.queue.Expired(ctx, "t1"); len(ids) != 0 {
		t.Fatalf("expected nothing expired yet, got %v", ids)
	}
	late := f.request(t, "t1", "c3", "s3")

	now = now.Add(31 * time.Minute)
	ids, err := f.queue.Expired(ctx, "t1")
	if err != nil {
		t.Fatalf("Expired: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected the two oldest entries to expire, got %v", ids)
	}
	for _, id := range ids {
		if _, err := f.svc.Expire(ctx, id); err != nil {
			t.Fatalf("Expire(%s): %v", id, err)
		}
	}

	for _, id := range []string{req.ID, fresh.ID} {
		if got := f.status(t, id); got != types.HandoffCancelled {
			t.Errorf("expected %s CANCELLED, got %s", id, got)
		}
	}
	if got := f.status(t, late.ID); got != types.HandoffPending {
		t.Errorf("expected younger request to stay PENDING, got %s", got)
	}
	if pos, _ := f.queue.Position(ctx, "t1", late.ID); pos != 1 {
		t.Errorf("expected younger request to move up to 1, got %d", pos)
	}

	evs, _ := f.store.ListEvents(ctx, req.ID)
	last := evs[len(evs)-1]
	if last.EventType != types.EventCancelled || last.OperatorKind != types.OperatorSystem || last.EventData["reason"] != ReasonQueueExpired {
		t.Errorf("unexpected expiry event %+v", last)
	}
	if got := f.notifier.toCustomer("t1", "s1", types.MessageHandoffCancelled); len(got) != 1 {
		t.Errorf("expected the customer to be told, got %d frames", len(got))
	}

	// the session is free again
	again, err := f.svc.RequestHandoff(ctx, customer("t1", "c1"), RequestInput{SessionID: "s1"})
	if err != nil {
		t.Fatalf("re-request after expiry: %v", err)
	}
	if again.Position != 2 {
		t.Errorf("expected re-request behind the younger entry at 2, got %d", again.Position)
	}

	if _, err := f.svc.Expire(ctx, req.ID); KindOf(err) != KindConflict {
		t.Errorf("expected expiring a finished request to conflict, got %v", err)
	}
}

func TestExpireTellsAgentHoldingOffer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.online(t, "t1", "a1", 1)
	req := f.request(t, "t1", "c1", "s1")
	if _, err := f.svc.Assign(ctx, req.ID, "a1"); err != nil {
		t.Fatalf("Assign: %v", err)
	}

	if _, err := f.svc.Expire(ctx, req.ID); err != nil {
		t.Fatalf("Expire: %v", err)
	}
	if got := f.notifier.toAgent("t1", "a1", types.MessageHandoffCancelled); len(got) != 1 {
		t.Errorf("expected a1 to be told, got %d frames", len(got))
	}
	if n, _ := f.queue.Length(ctx, "t1"); n != 0 {
		t.Errorf("expected empty queue, got %d", n)
	}
}

func TestGoingOfflineReleasesOpenOffers(t *testing.T) {
	tests := []struct {
		name   string
		leave  func(f *fixture) error
		reason string
	}{
		{
			name: "agent logs out",
			leave: func(f *fixture) error {
				_, err := f.svc.GoOffline(context.Background(), agent("t1", "a1"))
				return err
			},
			reason: ReasonAgentOffline,
		},
		{
			name: "agent goes away",
			leave: func(f *fixture) error {
				_, err := f.svc.GoAway(context.Background(), agent("t1", "a1"))
				return err
			},
			reason: ReasonAgentAway,
		},
		{
			name: "admin forces offline",
			leave: func(f *fixture) error {
				_, err := f.svc.ForcePresence(context.Background(), admin("t1"), "a1", types.PresenceOffline, 0)
				return err
			},
			reason: ReasonAgentOffline,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t)
			f.online(t, "t1", "a1", 2)
			first := f.request(t, "t1", "c1", "s1")
			second := f.request(t, "t1", "c2", "s2")
			for _, id := range []string{first.ID, second.ID} {
				if _, err := f.svc.Assign(ctx, id, "a1"); err != nil {
					t.Fatalf("Assign: %v", err)
				}
			}

			if err := tt.leave(f); err != nil {
				t.Fatalf("leave: %v", err)
			}

			for _, id := range []string{first.ID, second.ID} {
				req, _ := f.store.GetHandoff(ctx, id)
				if req.Status != types.HandoffPending || req.AgentID != "" {
					t.Errorf("expected %s back to PENDING, got %s/%q", id, req.Status, req.AgentID)
				}
				if req.RejectReason != tt.reason {
					t.Errorf("expected reject reason %q, got %q", tt.reason, req.RejectReason)
				}
			}
			if n, _ := f.queue.Length(ctx, "t1"); n != 2 {
				t.Errorf("expected both requests queued, got %d", n)
			}
			// a system release must not count against the agent
			declined, _ := f.svc.DeclinedBy(ctx, first.ID)
			if declined["a1"] {
				t.Error("expected release not to be recorded as a1 declining")
			}
			if got := f.notifier.toAgent("t1", "a1", types.MessageHandoffRejected); len(got) != 2 {
				t.Errorf("expected 2 HANDOFF_REJECTED frames to a1, got %d", len(got))
			}
		})
	}
}

func TestReleaseOfferOnlyForHoldingAgent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.online(t, "t1", "a1", 1)
	req := f.request(t, "t1", "c1", "s1")

	if _, err := f.svc.ReleaseOffer(ctx, req.ID, "a1", ReasonAgentOffline); KindOf(err) != KindConflict {
		t.Errorf("expected conflict for a PENDING request, got %v", err)
	}
	if _, err := f.svc.Assign(ctx, req.ID, "a1"); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if _, err := f.svc.ReleaseOffer(ctx, req.ID, "a2", ReasonAgentOffline); KindOf(err) != KindConflict {
		t.Errorf("expected conflict for another agent, got %v", err)
	}
	if got := f.status(t, req.ID); got != types.HandoffAssigned {
		t.Errorf("expected offer to a1 untouched, got %s", got)
	}
}

func TestSubjectFor(t *testing.T) {
	long := strings.Repeat("ü", 130)
	tests := []struct {
		name   string
		reason string
		want   string
	}{
		{"empty", "   ", "Customer requested a human agent"},
		{"short", " refund please ", "refund please"},
		{"ascii cut", strings.Repeat("a", 150), strings.Repeat("a", 120)},
		{"multibyte cut", long, strings.Repeat("ü", 120)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := subjectFor(tt.reason)
			if got != tt.want {
				t.Errorf("subjectFor() = %q, want %q", got, tt.want)
			}
			if !utf8.ValidString(got) {
				t.Errorf("subjectFor() returned invalid UTF-8 %q", got)
			}
		})
	}
}

func TestRequestChecksSessionOwnership(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	victim := f.request(t, "t1", "c1", "s1")

	bound := customer("t1", "c3")
	bound.SessionID = "s3"

	tests := []struct {
		name  string
		actor Actor
		in    RequestInput
		kind  Kind
	}{
		{"unbound token on another customer's session", customer("t1", "c2"), RequestInput{SessionID: "s1"}, KindForbidden},
		{"bound token naming another session", bound, RequestInput{SessionID: "s1"}, KindForbidden},
		{"owner asking twice", customer("t1", "c1"), RequestInput{SessionID: "s1"}, KindConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.RequestHandoff(ctx, tt.actor, tt.in)
			if KindOf(err) != tt.kind {
				t.Errorf("expected %s, got %v", tt.kind, err)
			}
		})
	}

	res, err := f.svc.RequestHandoff(ctx, bound, RequestInput{})
	if err != nil {
		t.Fatalf("bound token without sessionId: %v", err)
	}
	if res.Request.SessionID != "s3" {
		t.Errorf("expected the token's session s3, got %q", res.Request.SessionID)
	}

	// the open ticket keeps the session bound once the handoff is over
	if _, err := f.svc.Cancel(ctx, customer("t1", "c1"), victim.ID, ""); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if _, err := f.svc.RequestHandoff(ctx, customer("t1", "c2"), RequestInput{SessionID: "s1"}); KindOf(err) != KindForbidden {
		t.Errorf("expected forbidden through the ticket owner, got %v", err)
	}
}

func TestCustomerOwnsSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.request(t, "t1", "c1", "s1")

	tests := []struct {
		name     string
		tenant   string
		customer string
		session  string
		want     bool
	}{
		{"owner", "t1", "c1", "s1", true},
		{"other customer", "t1", "c2", "s1", false},
		{"unclaimed session", "t1", "c1", "s9", false},
		{"other tenant", "t2", "c1", "s1", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := f.svc.CustomerOwnsSession(ctx, tt.tenant, tt.customer, tt.session)
			if err != nil {
				t.Fatalf("CustomerOwnsSession: %v", err)
			}
			if got != tt.want {
				t.Errorf("CustomerOwnsSession() = %v, want %v", got, tt.want)
			}
		})
	}
}
