package api

import (
	"time"

	"github.com/clawderpunk/punk-records/internal/contextpack"
	"github.com/clawderpunk/punk-records/internal/event"
	"github.com/clawderpunk/punk-records/internal/memory"
)

type (
	// ConsoleEvent is the console-facing shape of one event.
	ConsoleEvent struct {
		ID          string         `json:"id"`
		Type        string         `json:"type"`
		Payload     map[string]any `json:"payload"`
		Metadata    map[string]any `json:"metadata"`
		WorkspaceID string         `json:"workspace_id"`
		TraceID     string         `json:"trace_id"`
		SatelliteID string         `json:"satellite_id"`
		Severity    string         `json:"severity"`
		Confidence  float64        `json:"confidence"`
		Timestamp   string         `json:"timestamp"`
	}

	// ConsoleMemoryEntry is the console-facing shape of one memory entry.
	// The entry_id/key/value trio mirrors the storage model for older console
	// builds; id/title/content is the current vocabulary.
	ConsoleMemoryEntry struct {
		ID            string         `json:"id"`
		EntryID       string         `json:"entry_id"` //nolint: tagliatelle
		WorkspaceID   string         `json:"workspace_id"`
		Bucket        string         `json:"bucket"`
		Title         string         `json:"title"`
		Key           string         `json:"key"`
		Content       string         `json:"content"`
		Value         map[string]any `json:"value"`
		Status        string         `json:"status"`
		Confidence    float64        `json:"confidence"`
		SourceEventID string         `json:"source_event_id"`
		PromotedAt    *string        `json:"promoted_at"`
		RetractedAt   *string        `json:"retracted_at"`
		ExpiresAt     *string        `json:"expires_at"`
		CreatedAt     string         `json:"created_at"`
		UpdatedAt     string         `json:"updated_at"`
	}
)

// toConsoleEvent converts an envelope to its console shape.
func toConsoleEvent(env *event.Envelope) ConsoleEvent {
	payload := env.Payload
	if payload == nil {
		payload = map[string]any{}
	}

	return ConsoleEvent{
		ID:          env.EventID.String(),
		Type:        string(env.Type),
		Payload:     payload,
		Metadata:    map[string]any{},
		WorkspaceID: env.WorkspaceID,
		TraceID:     env.TraceID.String(),
		SatelliteID: env.SatelliteID,
		Severity:    string(env.Severity),
		Confidence:  env.Confidence,
		Timestamp:   env.TS.UTC().Format(time.RFC3339Nano),
	}
}

// toConsoleMemoryEntry converts a memory entry to its console shape,
// mapping the storage status to the console vocabulary.
func toConsoleMemoryEntry(entry *memory.Entry, now time.Time) ConsoleMemoryEntry {
	value := entry.Value
	if value == nil {
		value = map[string]any{}
	}

	return ConsoleMemoryEntry{
		ID:            entry.EntryID.String(),
		EntryID:       entry.EntryID.String(),
		WorkspaceID:   entry.WorkspaceID,
		Bucket:        string(entry.Bucket),
		Title:         entry.Key,
		Key:           entry.Key,
		Content:       memory.NormalizeContent(entry.Value),
		Value:         value,
		Status:        contextpack.MapConsoleStatus(entry.Status, entry.ExpiresAt, now),
		Confidence:    entry.Confidence,
		SourceEventID: entry.SourceEventID.String(),
		PromotedAt:    formatOptionalTime(entry.PromotedAt),
		RetractedAt:   formatOptionalTime(entry.RetractedAt),
		ExpiresAt:     formatOptionalTime(entry.ExpiresAt),
		CreatedAt:     entry.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:     entry.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func formatOptionalTime(t *time.Time) *string {
	if t == nil {
		return nil
	}

	formatted := t.UTC().Format(time.RFC3339Nano)

	return &formatted
}
