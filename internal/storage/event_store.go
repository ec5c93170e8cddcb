package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/clawderpunk/punk-records/internal/event"
)

const (
	// MaxQueryLimit caps a single page of event query results.
	MaxQueryLimit = 200

	// DefaultQueryLimit is applied when a caller does not specify a page size.
	DefaultQueryLimit = 20
)

var (
	// ErrInvalidQuery is returned for out-of-range limits or negative offsets.
	ErrInvalidQuery = errors.New("invalid event query")
)

type (
	// QueryParams filters paginated event log reads.
	// Type and Severity are optional; the zero value matches everything.
	QueryParams struct {
		WorkspaceID string
		Type        event.Type
		Severity    event.Severity
		After       *time.Time
		Before      *time.Time
		Limit       int
		Offset      int

		// Descending flips the ts ordering; used by read-side section
		// assembly that wants the most recent N events.
		Descending bool
	}

	// EventStore is the append-only, idempotent record of every event a
	// projection worker has observed, and the authoritative read source
	// for queries and replays.
	EventStore struct {
		conn   *Connection
		logger *slog.Logger
	}
)

const persistEventSQL = `
INSERT INTO events (
    event_id, ts, workspace_id, satellite_id, trace_id,
    type, severity, confidence, payload_json
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (event_id) DO NOTHING
`

const eventColumns = `
event_id, ts, workspace_id, satellite_id, trace_id, type, severity, confidence, payload_json
`

// NewEventStore creates an event log backed by the given connection.
func NewEventStore(conn *Connection, logger *slog.Logger) *EventStore {
	if logger == nil {
		logger = slog.Default()
	}

	return &EventStore{conn: conn, logger: logger}
}

// Persist inserts an envelope keyed by event_id. A conflict on event_id is
// not an error: it returns (false, nil), which is what makes at-least-once
// delivery safe downstream.
func (s *EventStore) Persist(ctx context.Context, env *event.Envelope) (bool, error) {
	payload, err := json.Marshal(env.Payload)
	if err != nil {
		return false, fmt.Errorf("failed to serialise payload for event %s: %w", env.EventID, err)
	}

	result, err := s.conn.ExecContext(ctx, persistEventSQL,
		env.EventID,
		env.TS.UTC(),
		env.WorkspaceID,
		env.SatelliteID,
		env.TraceID,
		string(env.Type),
		string(env.Severity),
		env.Confidence,
		payload,
	)
	if err != nil {
		return false, fmt.Errorf("failed to persist event %s: %w", env.EventID, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read persist result for event %s: %w", env.EventID, err)
	}

	inserted := rows == 1
	if inserted {
		s.logger.Debug("Persisted event", slog.String("event_id", env.EventID.String()))
	} else {
		s.logger.Debug("Duplicate event skipped", slog.String("event_id", env.EventID.String()))
	}

	return inserted, nil
}

// validate checks pagination bounds. The HTTP layer clamps user input to the
// cap; anything out of range here is a programming error surfaced early.
func (p *QueryParams) validate() error {
	if strings.TrimSpace(p.WorkspaceID) == "" {
		return fmt.Errorf("%w: workspace_id must be non-empty", ErrInvalidQuery)
	}

	if p.Offset < 0 {
		return fmt.Errorf("%w: offset must be >= 0, got %d", ErrInvalidQuery, p.Offset)
	}

	if p.Limit < 1 || p.Limit > MaxQueryLimit {
		return fmt.Errorf("%w: limit must be in [1, %d], got %d", ErrInvalidQuery, MaxQueryLimit, p.Limit)
	}

	return nil
}

// filters builds the WHERE clause shared by Query and Count.
func (p *QueryParams) filters() (string, []any) {
	conditions := []string{"workspace_id = $1"}
	args := []any{p.WorkspaceID}

	if p.Type != "" {
		args = append(args, string(p.Type))
		conditions = append(conditions, fmt.Sprintf("type = $%d", len(args)))
	}

	if p.Severity != "" {
		args = append(args, string(p.Severity))
		conditions = append(conditions, fmt.Sprintf("severity = $%d", len(args)))
	}

	if p.After != nil {
		args = append(args, p.After.UTC())
		conditions = append(conditions, fmt.Sprintf("ts >= $%d", len(args)))
	}

	if p.Before != nil {
		args = append(args, p.Before.UTC())
		conditions = append(conditions, fmt.Sprintf("ts <= $%d", len(args)))
	}

	return strings.Join(conditions, " AND "), args
}

// Query returns one page of events for a workspace ordered by ts.
func (s *EventStore) Query(ctx context.Context, params QueryParams) ([]event.Envelope, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}

	where, args := params.filters()

	order := "ASC"
	if params.Descending {
		order = "DESC"
	}

	args = append(args, params.Limit, params.Offset)
	query := fmt.Sprintf(
		"SELECT %s FROM events WHERE %s ORDER BY ts %s LIMIT $%d OFFSET $%d",
		eventColumns, where, order, len(args)-1, len(args),
	)

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanEnvelopes(rows)
}

// Count returns the total number of events matching the query filters,
// ignoring pagination. Backs the total field of paginated listings.
func (s *EventStore) Count(ctx context.Context, params QueryParams) (int, error) {
	if strings.TrimSpace(params.WorkspaceID) == "" {
		return 0, fmt.Errorf("%w: workspace_id must be non-empty", ErrInvalidQuery)
	}

	where, args := params.filters()
	query := "SELECT COUNT(*) FROM events WHERE " + where

	var count int
	if err := s.conn.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}

	return count, nil
}

// GetWorkspaceEvents streams all events for a workspace ascending by ts,
// optionally filtered by type set and lower ts bound. Unpaginated; used by
// replay, which needs the full log in order.
func (s *EventStore) GetWorkspaceEvents(
	ctx context.Context,
	workspaceID string,
	types []event.Type,
	afterTS *time.Time,
) ([]event.Envelope, error) {
	conditions := []string{"workspace_id = $1"}
	args := []any{workspaceID}

	if len(types) > 0 {
		rawTypes := make([]string, 0, len(types))
		for _, t := range types {
			rawTypes = append(rawTypes, string(t))
		}

		args = append(args, pq.Array(rawTypes))
		conditions = append(conditions, fmt.Sprintf("type = ANY($%d)", len(args)))
	}

	if afterTS != nil {
		args = append(args, afterTS.UTC())
		conditions = append(conditions, fmt.Sprintf("ts >= $%d", len(args)))
	}

	query := fmt.Sprintf(
		"SELECT %s FROM events WHERE %s ORDER BY ts ASC",
		eventColumns, strings.Join(conditions, " AND "),
	)

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query workspace events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanEnvelopes(rows)
}

// CountReferences counts events belonging to a trace within a workspace
// since the given timestamp. Feeds the promotion evaluator's reference rule.
func (s *EventStore) CountReferences(
	ctx context.Context,
	workspaceID string,
	traceID uuid.UUID,
	sinceTS time.Time,
) (int, error) {
	const query = `
SELECT COUNT(*) FROM events
WHERE workspace_id = $1 AND trace_id = $2 AND ts >= $3
`

	var count int

	err := s.conn.QueryRowContext(ctx, query, workspaceID, traceID, sinceTS.UTC()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count trace references: %w", err)
	}

	return count, nil
}

// HasEventTypeInTrace reports whether any event of the given type exists in
// a trace within a workspace.
func (s *EventStore) HasEventTypeInTrace(
	ctx context.Context,
	workspaceID string,
	traceID uuid.UUID,
	eventType event.Type,
) (bool, error) {
	const query = `
SELECT EXISTS (
    SELECT 1 FROM events
    WHERE workspace_id = $1 AND trace_id = $2 AND type = $3
)
`

	var exists bool

	err := s.conn.QueryRowContext(ctx, query, workspaceID, traceID, string(eventType)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check trace for event type %s: %w", eventType, err)
	}

	return exists, nil
}

// scanEnvelopes converts rows into envelopes, reconstructing the payload map
// from its stored JSON form.
func scanEnvelopes(rows *sql.Rows) ([]event.Envelope, error) {
	events := make([]event.Envelope, 0)

	for rows.Next() {
		var (
			env       event.Envelope
			eventType string
			severity  string
			payload   []byte
		)

		err := rows.Scan(
			&env.EventID,
			&env.TS,
			&env.WorkspaceID,
			&env.SatelliteID,
			&env.TraceID,
			&eventType,
			&severity,
			&env.Confidence,
			&payload,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}

		env.SchemaVersion = event.SchemaVersion
		env.TS = env.TS.UTC()
		env.Type = event.Type(eventType)
		env.Severity = event.Severity(severity)

		env.Payload = map[string]any{}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &env.Payload); err != nil {
				return nil, fmt.Errorf("failed to decode payload for event %s: %w", env.EventID, err)
			}
		}

		events = append(events, env)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate event rows: %w", err)
	}

	return events, nil
}
