package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/clawderpunk/punk-records/internal/memory"
)

var (
	// ErrUnsupportedStatus is returned when UpdateStatus is asked for a
	// transition other than promoted or retracted.
	ErrUnsupportedStatus = errors.New("unsupported status transition")
)

type (
	// Cursor is the single process-wide projection cursor, advanced after
	// each successfully applied event. Operational observability only;
	// correctness rides on committed offsets and per-event idempotency.
	Cursor struct {
		LastEventID uuid.UUID
		LastEventTS time.Time
	}

	// EntryFilter narrows GetEntries reads. Nil Bucket/Status mean
	// "any bucket" and "default to promoted" respectively.
	EntryFilter struct {
		Bucket         *memory.Bucket
		Status         *memory.Status
		IncludeExpired bool
	}

	// MemoryStore is the materialised view of memory entries plus the
	// projection cursor.
	MemoryStore struct {
		conn   *Connection
		logger *slog.Logger
	}
)

const createEntrySQL = `
INSERT INTO memory_entries (
    entry_id, workspace_id, bucket, key, value, status, confidence,
    source_event_id, promoted_at, retracted_at, expires_at,
    created_at, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT (source_event_id) DO NOTHING
`

const updateStatusPromotedSQL = `
UPDATE memory_entries
SET status = $1, promoted_at = $2, updated_at = $2
WHERE entry_id = $3
`

const updateStatusRetractedSQL = `
UPDATE memory_entries
SET status = $1, retracted_at = $2, updated_at = $2
WHERE entry_id = $3
`

const getCursorSQL = `
SELECT last_event_id, last_event_ts
FROM projection_cursor
WHERE cursor_id = 'global'
`

const upsertCursorSQL = `
INSERT INTO projection_cursor (cursor_id, last_event_id, last_event_ts, updated_at)
VALUES ('global', $1, $2, NOW())
ON CONFLICT (cursor_id)
DO UPDATE SET last_event_id = $1, last_event_ts = $2, updated_at = NOW()
`

const entryColumns = `
entry_id, workspace_id, bucket, key, value, status, confidence,
source_event_id, promoted_at, retracted_at, expires_at, created_at, updated_at
`

// NewMemoryStore creates a memory store backed by the given connection.
func NewMemoryStore(conn *Connection, logger *slog.Logger) *MemoryStore {
	if logger == nil {
		logger = slog.Default()
	}

	return &MemoryStore{conn: conn, logger: logger}
}

// CreateEntry inserts a memory entry idempotently. A conflict on
// source_event_id returns (false, nil): re-delivered candidates are no-ops.
func (s *MemoryStore) CreateEntry(ctx context.Context, entry *memory.Entry) (bool, error) {
	value, err := json.Marshal(entry.Value)
	if err != nil {
		return false, fmt.Errorf("failed to serialise value for entry %s: %w", entry.EntryID, err)
	}

	result, err := s.conn.ExecContext(ctx, createEntrySQL,
		entry.EntryID,
		entry.WorkspaceID,
		string(entry.Bucket),
		entry.Key,
		value,
		string(entry.Status),
		entry.Confidence,
		entry.SourceEventID,
		nullableTime(entry.PromotedAt),
		nullableTime(entry.RetractedAt),
		nullableTime(entry.ExpiresAt),
		entry.CreatedAt.UTC(),
		entry.UpdatedAt.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to create memory entry %s: %w", entry.EntryID, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read create result for entry %s: %w", entry.EntryID, err)
	}

	inserted := rows == 1
	if inserted {
		s.logger.Debug("Created memory entry",
			slog.String("entry_id", entry.EntryID.String()),
			slog.String("key", entry.Key),
		)
	} else {
		s.logger.Debug("Duplicate memory entry skipped", slog.String("entry_id", entry.EntryID.String()))
	}

	return inserted, nil
}

// UpdateStatus moves an entry to promoted or retracted, stamping the matching
// terminal timestamp and updated_at with the event's ts. Transitions from any
// current status are accepted: the event log is the source of truth and the
// last applied terminal state wins during in-order replay.
// Returns (false, nil) when the entry does not exist.
func (s *MemoryStore) UpdateStatus(
	ctx context.Context,
	entryID uuid.UUID,
	status memory.Status,
	ts time.Time,
) (bool, error) {
	var query string

	switch status {
	case memory.StatusPromoted:
		query = updateStatusPromotedSQL
	case memory.StatusRetracted:
		query = updateStatusRetractedSQL
	default:
		return false, fmt.Errorf("%w: %s", ErrUnsupportedStatus, status)
	}

	result, err := s.conn.ExecContext(ctx, query, string(status), ts.UTC(), entryID)
	if err != nil {
		return false, fmt.Errorf("failed to update status of entry %s: %w", entryID, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read update result for entry %s: %w", entryID, err)
	}

	updated := rows > 0
	if updated {
		s.logger.Debug("Updated memory entry status",
			slog.String("entry_id", entryID.String()),
			slog.String("status", string(status)),
		)
	} else {
		s.logger.Debug("Memory entry not found for status update", slog.String("entry_id", entryID.String()))
	}

	return updated, nil
}

// GetEntries queries memory entries for a workspace. The default status
// filter is promoted; expired ephemerals are excluded unless IncludeExpired.
func (s *MemoryStore) GetEntries(
	ctx context.Context,
	workspaceID string,
	filter EntryFilter,
) ([]memory.Entry, error) {
	status := memory.StatusPromoted
	if filter.Status != nil {
		status = *filter.Status
	}

	conditions := "workspace_id = $1 AND status = $2"
	args := []any{workspaceID, string(status)}

	if filter.Bucket != nil {
		args = append(args, string(*filter.Bucket))
		conditions += fmt.Sprintf(" AND bucket = $%d", len(args))
	}

	if !filter.IncludeExpired {
		conditions += " AND (expires_at IS NULL OR expires_at > NOW())"
	}

	query := fmt.Sprintf("SELECT %s FROM memory_entries WHERE %s", entryColumns, conditions)

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query memory entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanEntries(rows)
}

// DeleteWorkspaceEntries removes every entry of a workspace and returns the
// count. Used only by replay before rebuilding from the log.
func (s *MemoryStore) DeleteWorkspaceEntries(ctx context.Context, workspaceID string) (int, error) {
	result, err := s.conn.ExecContext(ctx, "DELETE FROM memory_entries WHERE workspace_id = $1", workspaceID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete entries for workspace %s: %w", workspaceID, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read delete result for workspace %s: %w", workspaceID, err)
	}

	s.logger.Debug("Deleted workspace memory entries",
		slog.String("workspace_id", workspaceID),
		slog.Int64("count", rows),
	)

	return int(rows), nil
}

// GetCursor reads the global projection cursor. Returns (nil, nil) when no
// cursor has been recorded yet.
func (s *MemoryStore) GetCursor(ctx context.Context) (*Cursor, error) {
	var cursor Cursor

	err := s.conn.QueryRowContext(ctx, getCursorSQL).Scan(&cursor.LastEventID, &cursor.LastEventTS)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to read projection cursor: %w", err)
	}

	cursor.LastEventTS = cursor.LastEventTS.UTC()

	return &cursor, nil
}

// UpdateCursor upserts the global projection cursor.
func (s *MemoryStore) UpdateCursor(ctx context.Context, eventID uuid.UUID, eventTS time.Time) error {
	if _, err := s.conn.ExecContext(ctx, upsertCursorSQL, eventID, eventTS.UTC()); err != nil {
		return fmt.Errorf("failed to update projection cursor: %w", err)
	}

	return nil
}

func nullableTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}

	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func scanEntries(rows *sql.Rows) ([]memory.Entry, error) {
	entries := make([]memory.Entry, 0)

	for rows.Next() {
		var (
			entry       memory.Entry
			bucket      string
			status      string
			value       []byte
			promotedAt  sql.NullTime
			retractedAt sql.NullTime
			expiresAt   sql.NullTime
		)

		err := rows.Scan(
			&entry.EntryID,
			&entry.WorkspaceID,
			&bucket,
			&entry.Key,
			&value,
			&status,
			&entry.Confidence,
			&entry.SourceEventID,
			&promotedAt,
			&retractedAt,
			&expiresAt,
			&entry.CreatedAt,
			&entry.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan memory entry row: %w", err)
		}

		entry.Bucket = memory.Bucket(bucket)
		entry.Status = memory.Status(status)
		entry.CreatedAt = entry.CreatedAt.UTC()
		entry.UpdatedAt = entry.UpdatedAt.UTC()
		entry.PromotedAt = timePointer(promotedAt)
		entry.RetractedAt = timePointer(retractedAt)
		entry.ExpiresAt = timePointer(expiresAt)

		entry.Value = map[string]any{}
		if len(value) > 0 {
			if err := json.Unmarshal(value, &entry.Value); err != nil {
				return nil, fmt.Errorf("failed to decode value for entry %s: %w", entry.EntryID, err)
			}
		}

		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate memory entry rows: %w", err)
	}

	return entries, nil
}

func timePointer(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}

	utc := t.Time.UTC()

	return &utc
}
