package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dennisdiepolder/monti/handoff/internal/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS handoff_requests (
	id             TEXT PRIMARY KEY,
	tenant_id      TEXT NOT NULL,
	session_id     TEXT NOT NULL,
	customer_id    TEXT NOT NULL,
	ticket_id      TEXT NOT NULL DEFAULT '',
	agent_id       TEXT NOT NULL DEFAULT '',
	handled_by     TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL,
	priority       TEXT NOT NULL,
	reason         TEXT NOT NULL DEFAULT '',
	topic          TEXT NOT NULL DEFAULT '',
	reject_reason  TEXT NOT NULL DEFAULT '',
	queue_position INTEGER NOT NULL DEFAULT 0,
	version        INTEGER NOT NULL,
	created_at     INTEGER NOT NULL,
	updated_at     INTEGER NOT NULL,
	assigned_at    INTEGER,
	accepted_at    INTEGER,
	started_at     INTEGER,
	completed_at   INTEGER,
	closed_at      INTEGER
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_handoff_active_session
	ON handoff_requests(tenant_id, session_id)
	WHERE status NOT IN ('COMPLETED', 'CLOSED', 'CANCELLED');
CREATE INDEX IF NOT EXISTS idx_handoff_tenant_created ON handoff_requests(tenant_id, created_at);

CREATE TABLE IF NOT EXISTS handoff_events (
	id                 TEXT PRIMARY KEY,
	handoff_request_id TEXT NOT NULL REFERENCES handoff_requests(id),
	tenant_id          TEXT NOT NULL,
	event_type         TEXT NOT NULL,
	from_status        TEXT NOT NULL DEFAULT '',
	to_status          TEXT NOT NULL,
	operator_id        TEXT NOT NULL DEFAULT '',
	operator_kind      TEXT NOT NULL,
	event_data         TEXT NOT NULL DEFAULT '{}',
	created_at         INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_request ON handoff_events(handoff_request_id, created_at);

CREATE TABLE IF NOT EXISTS tickets (
	id          TEXT PRIMARY KEY,
	tenant_id   TEXT NOT NULL,
	session_id  TEXT NOT NULL,
	customer_id TEXT NOT NULL,
	subject     TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL,
	priority    TEXT NOT NULL,
	owner_id    TEXT NOT NULL DEFAULT '',
	source      TEXT NOT NULL DEFAULT '',
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tickets_session ON tickets(tenant_id, session_id);

CREATE TABLE IF NOT EXISTS conversations (
	tenant_id  TEXT NOT NULL,
	session_id TEXT NOT NULL,
	mode       TEXT NOT NULL,
	agent_id   TEXT NOT NULL DEFAULT '',
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (tenant_id, session_id)
);

CREATE TABLE IF NOT EXISTS conversation_messages (
	id          TEXT PRIMARY KEY,
	tenant_id   TEXT NOT NULL,
	session_id  TEXT NOT NULL,
	sender_kind TEXT NOT NULL,
	sender_id   TEXT NOT NULL DEFAULT '',
	content     TEXT NOT NULL,
	created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_session ON conversation_messages(tenant_id, session_id, created_at);

CREATE TABLE IF NOT EXISTS notifications (
	id           TEXT PRIMARY KEY,
	tenant_id    TEXT NOT NULL,
	recipient_id TEXT NOT NULL,
	kind         TEXT NOT NULL,
	title        TEXT NOT NULL DEFAULT '',
	body         TEXT NOT NULL DEFAULT '',
	dedupe_key   TEXT NOT NULL UNIQUE,
	created_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_notifications_recipient ON notifications(tenant_id, recipient_id, created_at);
`

const handoffColumns = `id, tenant_id, session_id, customer_id, ticket_id, agent_id, handled_by, status, priority,
	reason, topic, reject_reason, queue_position, version, created_at, updated_at,
	assigned_at, accepted_at, started_at, completed_at, closed_at`

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// SQLiteStore implements every record store interface on a single SQLite database
type SQLiteStore struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewSQLiteStore opens (or creates) the database at path and applies the schema.
// Use ":memory:" for an ephemeral database.
func NewSQLiteStore(ctx context.Context, path string, logger zerolog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// A single connection serializes writers and keeps an in-memory database alive.
	db.SetMaxOpenConns(1)

	pragmas := []string{"PRAGMA foreign_keys = ON", "PRAGMA busy_timeout = 5000"}
	if path != ":memory:" {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	logger.Info().Str("path", path).Msg("SQLite store initialized")
	return &SQLiteStore{db: db, logger: logger}, nil
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func nanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: nanos(*t), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanHandoff(row rowScanner) (*types.HandoffRequest, error) {
	var (
		req                                            types.HandoffRequest
		status, priority                               string
		createdAt, updatedAt                           int64
		assigned, accepted, started, completed, closed sql.NullInt64
	)
	err := row.Scan(&req.ID, &req.TenantID, &req.SessionID, &req.CustomerID, &req.TicketID, &req.AgentID,
		&req.HandledBy, &status, &priority, &req.Reason, &req.Topic, &req.RejectReason, &req.QueuePosition,
		&req.Version, &createdAt, &updatedAt, &assigned, &accepted, &started, &completed, &closed)
	if err != nil {
		return nil, err
	}
	req.Status = types.HandoffStatus(status)
	req.Priority = types.Priority(priority)
	req.CreatedAt = fromNanos(createdAt)
	req.UpdatedAt = fromNanos(updatedAt)
	req.AssignedAt = timePtr(assigned)
	req.AcceptedAt = timePtr(accepted)
	req.StartedAt = timePtr(started)
	req.CompletedAt = timePtr(completed)
	req.ClosedAt = timePtr(closed)
	return &req, nil
}

func insertEvent(ctx context.Context, tx *sql.Tx, ev *types.HandoffEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	data, err := json.Marshal(ev.EventData)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO handoff_events
		(id, handoff_request_id, tenant_id, event_type, from_status, to_status, operator_id, operator_kind, event_data, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.HandoffRequestID, ev.TenantID, string(ev.EventType), string(ev.FromStatus), string(ev.ToStatus),
		ev.OperatorID, string(ev.OperatorKind), string(data), nanos(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to append handoff event: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CreateHandoff(ctx context.Context, req *types.HandoffRequest, ev *types.HandoffEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT INTO handoff_requests (`+handoffColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.TenantID, req.SessionID, req.CustomerID, req.TicketID, req.AgentID, req.HandledBy,
		string(req.Status), string(req.Priority), req.Reason, req.Topic, req.RejectReason, req.QueuePosition,
		req.Version, nanos(req.CreatedAt), nanos(req.UpdatedAt), nullNanos(req.AssignedAt),
		nullNanos(req.AcceptedAt), nullNanos(req.StartedAt), nullNanos(req.CompletedAt), nullNanos(req.ClosedAt))
	if isUniqueViolation(err) {
		return ErrActiveHandoffExists
	}
	if err != nil {
		return fmt.Errorf("failed to insert handoff request: %w", err)
	}
	if err := insertEvent(ctx, tx, ev); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetHandoff(ctx context.Context, id string) (*types.HandoffRequest, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+handoffColumns+` FROM handoff_requests WHERE id = ?`, id)
	req, err := scanHandoff(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get handoff request: %w", err)
	}
	return req, nil
}

func (s *SQLiteStore) FindActiveBySession(ctx context.Context, tenantID, sessionID string) (*types.HandoffRequest, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+handoffColumns+` FROM handoff_requests
		WHERE tenant_id = ? AND session_id = ? AND status NOT IN ('COMPLETED', 'CLOSED', 'CANCELLED')`,
		tenantID, sessionID)
	req, err := scanHandoff(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find active handoff: %w", err)
	}
	return req, nil
}

func (s *SQLiteStore) UpdateHandoff(ctx context.Context, req *types.HandoffRequest, expected types.HandoffStatus, ev *types.HandoffEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE handoff_requests SET
		ticket_id = ?, agent_id = ?, handled_by = ?, status = ?, priority = ?, topic = ?, reject_reason = ?,
		queue_position = ?, version = version + 1, updated_at = ?,
		assigned_at = ?, accepted_at = ?, started_at = ?, completed_at = ?, closed_at = ?
		WHERE id = ? AND status = ? AND version = ?`,
		req.TicketID, req.AgentID, req.HandledBy, string(req.Status), string(req.Priority), req.Topic,
		req.RejectReason, req.QueuePosition, nanos(req.UpdatedAt),
		nullNanos(req.AssignedAt), nullNanos(req.AcceptedAt), nullNanos(req.StartedAt),
		nullNanos(req.CompletedAt), nullNanos(req.ClosedAt),
		req.ID, string(expected), req.Version)
	if isUniqueViolation(err) {
		return ErrActiveHandoffExists
	}
	if err != nil {
		return fmt.Errorf("failed to update handoff request: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return ErrVersionConflict
	}
	if err := insertEvent(ctx, tx, ev); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit handoff update: %w", err)
	}
	req.Version++
	return nil
}

func (s *SQLiteStore) ListHandoffs(ctx context.Context, f types.HandoffFilter) ([]types.HandoffRequest, error) {
	where := []string{"tenant_id = ?"}
	args := []any{f.TenantID}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.AgentID != "" {
		where = append(where, "(agent_id = ? OR handled_by = ?)")
		args = append(args, f.AgentID, f.AgentID)
	}
	if !f.From.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, nanos(f.From))
	}
	if !f.To.IsZero() {
		where = append(where, "created_at < ?")
		args = append(args, nanos(f.To))
	}
	args = append(args, clampLimit(f.Limit), max(f.Offset, 0))

	rows, err := s.db.QueryContext(ctx, `SELECT `+handoffColumns+` FROM handoff_requests
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY created_at DESC, id LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list handoff requests: %w", err)
	}
	defer rows.Close()

	var result []types.HandoffRequest
	for rows.Next() {
		req, err := scanHandoff(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan handoff request: %w", err)
		}
		result = append(result, *req)
	}
	return result, rows.Err()
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	return min(limit, maxListLimit)
}

func (s *SQLiteStore) ListEvents(ctx context.Context, handoffID string) ([]types.HandoffEvent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, handoff_request_id, tenant_id, event_type, from_status, to_status,
		operator_id, operator_kind, event_data, created_at
		FROM handoff_events WHERE handoff_request_id = ? ORDER BY created_at, rowid`, handoffID)
	if err != nil {
		return nil, fmt.Errorf("failed to list handoff events: %w", err)
	}
	defer rows.Close()

	var result []types.HandoffEvent
	for rows.Next() {
		var (
			ev                              types.HandoffEvent
			eventType, from, to, kind, data string
			createdAt                       int64
		)
		if err := rows.Scan(&ev.ID, &ev.HandoffRequestID, &ev.TenantID, &eventType, &from, &to,
			&ev.OperatorID, &kind, &data, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan handoff event: %w", err)
		}
		ev.EventType = types.HandoffEventType(eventType)
		ev.FromStatus = types.HandoffStatus(from)
		ev.ToStatus = types.HandoffStatus(to)
		ev.OperatorKind = types.OperatorKind(kind)
		ev.CreatedAt = fromNanos(createdAt)
		if data != "" && data != "null" {
			if err := json.Unmarshal([]byte(data), &ev.EventData); err != nil {
				return nil, fmt.Errorf("failed to decode event data: %w", err)
			}
		}
		result = append(result, ev)
	}
	return result, rows.Err()
}

const ticketColumns = `id, tenant_id, session_id, customer_id, subject, status, priority, owner_id, source, created_at, updated_at`

func scanTicket(row rowScanner) (*types.Ticket, error) {
	var (
		t                    types.Ticket
		status, priority     string
		createdAt, updatedAt int64
	)
	if err := row.Scan(&t.ID, &t.TenantID, &t.SessionID, &t.CustomerID, &t.Subject, &status, &priority,
		&t.OwnerID, &t.Source, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	t.Status = types.TicketStatus(status)
	t.Priority = types.Priority(priority)
	t.CreatedAt = fromNanos(createdAt)
	t.UpdatedAt = fromNanos(updatedAt)
	return &t, nil
}

func (s *SQLiteStore) FindOpenTicket(ctx context.Context, tenantID, sessionID string) (*types.Ticket, error) {
	t, err := scanTicket(s.db.QueryRowContext(ctx, openTicketQuery, tenantID, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up ticket: %w", err)
	}
	return t, nil
}

const openTicketQuery = `SELECT ` + ticketColumns + ` FROM tickets
	WHERE tenant_id = ? AND session_id = ? AND status IN ('OPEN', 'IN_PROGRESS')
	ORDER BY created_at DESC LIMIT 1`

func (s *SQLiteStore) FindOrCreateTicket(ctx context.Context, tenantID, customerID, sessionID, subject string, priority types.Priority) (*types.Ticket, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, openTicketQuery, tenantID, sessionID)
	existing, err := scanTicket(row)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to look up ticket: %w", err)
	}

	now := time.Now().UTC()
	t := &types.Ticket{
		ID:         uuid.New().String(),
		TenantID:   tenantID,
		SessionID:  sessionID,
		CustomerID: customerID,
		Subject:    subject,
		Status:     types.TicketOpen,
		Priority:   priority,
		Source:     "handoff",
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := insertTicket(ctx, tx, t); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit ticket: %w", err)
	}
	return t, nil
}

func insertTicket(ctx context.Context, tx *sql.Tx, t *types.Ticket) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tickets (`+ticketColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.TenantID, t.SessionID, t.CustomerID, t.Subject, string(t.Status), string(t.Priority),
		t.OwnerID, t.Source, nanos(t.CreatedAt), nanos(t.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert ticket: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CreateTicket(ctx context.Context, t *types.Ticket) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	if t.Status == "" {
		t.Status = types.TicketOpen
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()
	if err := insertTicket(ctx, tx, t); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetTicket(ctx context.Context, id string) (*types.Ticket, error) {
	t, err := scanTicket(s.db.QueryRowContext(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ticket: %w", err)
	}
	return t, nil
}

func (s *SQLiteStore) SetTicketOwner(ctx context.Context, id, ownerID string) error {
	return s.updateTicket(ctx, id, "owner_id = ?", ownerID)
}

func (s *SQLiteStore) SetTicketStatus(ctx context.Context, id string, status types.TicketStatus) error {
	return s.updateTicket(ctx, id, "status = ?", string(status))
}

func (s *SQLiteStore) updateTicket(ctx context.Context, id, set string, value any) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tickets SET `+set+`, updated_at = ? WHERE id = ?`,
		value, nanos(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to update ticket: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *types.ConversationMessage) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO conversation_messages
		(id, tenant_id, session_id, sender_kind, sender_id, content, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.TenantID, msg.SessionID, string(msg.SenderKind), msg.SenderID, msg.Content, nanos(msg.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListMessages(ctx context.Context, tenantID, sessionID string, limit int) ([]types.ConversationMessage, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, tenant_id, session_id, sender_kind, sender_id, content, created_at
		FROM conversation_messages WHERE tenant_id = ? AND session_id = ?
		ORDER BY created_at, rowid LIMIT ?`, tenantID, sessionID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var result []types.ConversationMessage
	for rows.Next() {
		var (
			m         types.ConversationMessage
			kind      string
			createdAt int64
		)
		if err := rows.Scan(&m.ID, &m.TenantID, &m.SessionID, &kind, &m.SenderID, &m.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.SenderKind = types.SenderKind(kind)
		m.CreatedAt = fromNanos(createdAt)
		result = append(result, m)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) GetConversationOwner(ctx context.Context, tenantID, sessionID string) (types.ConversationMode, string, error) {
	var mode, agentID string
	err := s.db.QueryRowContext(ctx, `SELECT mode, agent_id FROM conversations WHERE tenant_id = ? AND session_id = ?`,
		tenantID, sessionID).Scan(&mode, &agentID)
	if errors.Is(err, sql.ErrNoRows) {
		return types.ConversationBot, "", nil
	}
	if err != nil {
		return "", "", fmt.Errorf("failed to get conversation owner: %w", err)
	}
	return types.ConversationMode(mode), agentID, nil
}

func (s *SQLiteStore) SetConversationOwner(ctx context.Context, tenantID, sessionID string, mode types.ConversationMode, agentID string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO conversations (tenant_id, session_id, mode, agent_id, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, session_id) DO UPDATE SET
			mode = excluded.mode, agent_id = excluded.agent_id, updated_at = excluded.updated_at`,
		tenantID, sessionID, string(mode), agentID, nanos(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to set conversation owner: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SaveNotification(ctx context.Context, n *types.Notification) (bool, error) {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO notifications
		(id, tenant_id, recipient_id, kind, title, body, dedupe_key, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(dedupe_key) DO NOTHING`,
		n.ID, n.TenantID, n.RecipientID, n.Kind, n.Title, n.Body, n.DedupeKey, nanos(n.CreatedAt))
	if err != nil {
		return false, fmt.Errorf("failed to save notification: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return affected > 0, nil
}

func (s *SQLiteStore) ListNotifications(ctx context.Context, tenantID, recipientID string) ([]types.Notification, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, tenant_id, recipient_id, kind, title, body, dedupe_key, created_at
		FROM notifications WHERE tenant_id = ? AND recipient_id = ? ORDER BY created_at, rowid`, tenantID, recipientID)
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	defer rows.Close()

	var result []types.Notification
	for rows.Next() {
		var (
			n         types.Notification
			createdAt int64
		)
		if err := rows.Scan(&n.ID, &n.TenantID, &n.RecipientID, &n.Kind, &n.Title, &n.Body, &n.DedupeKey, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		n.CreatedAt = fromNanos(createdAt)
		result = append(result, n)
	}
	return result, rows.Err()
}
