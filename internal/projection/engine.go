package projection

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/clawderpunk/punk-records/internal/event"
	"github.com/clawderpunk/punk-records/internal/memory"
	"github.com/clawderpunk/punk-records/internal/storage"
)

// DefaultEphemeralTTLHours applies when an ephemeral candidate payload
// carries no ttl_hours.
const DefaultEphemeralTTLHours = 24

type (
	// MemoryLog is the slice of the memory store the engine needs.
	MemoryLog interface {
		CreateEntry(ctx context.Context, entry *memory.Entry) (bool, error)
		UpdateStatus(ctx context.Context, entryID uuid.UUID, status memory.Status, ts time.Time) (bool, error)
		GetEntries(ctx context.Context, workspaceID string, filter storage.EntryFilter) ([]memory.Entry, error)
		DeleteWorkspaceEntries(ctx context.Context, workspaceID string) (int, error)
		UpdateCursor(ctx context.Context, eventID uuid.UUID, eventTS time.Time) error
	}

	// EventPublisher republishes synthetic envelopes through the backbone.
	EventPublisher interface {
		SendEvent(ctx context.Context, env *event.Envelope) error
	}

	// Engine applies events to the memory projection and runs the
	// auto-promotion sweep.
	//
	// When a producer is wired, auto-promotion emits a synthetic
	// memory.promoted envelope through the backbone instead of mutating
	// the entry in-process, so the event log stays the single source of
	// truth. Without a producer the promotion is applied directly.
	Engine struct {
		events    EventLog
		entries   MemoryLog
		producer  EventPublisher
		evaluator *Evaluator
		logger    *slog.Logger
	}

	// ReplayResult reports what a workspace replay did.
	ReplayResult struct {
		EntriesDeleted int `json:"entries_deleted"`
		EventsReplayed int `json:"events_replayed"`
		EntriesCreated int `json:"entries_created"`
	}
)

// NewEngine creates a projection Engine. producer may be nil, in which
// case auto-promotions are applied in-process.
func NewEngine(events EventLog, entries MemoryLog, producer EventPublisher, logger *slog.Logger) *Engine {
	return &Engine{
		events:    events,
		entries:   entries,
		producer:  producer,
		evaluator: NewEvaluator(events),
		logger:    logger,
	}
}

// Process folds one event into the memory projection, runs the
// auto-promotion sweep and advances the projection cursor.
func (e *Engine) Process(ctx context.Context, env *event.Envelope) error {
	switch env.Type {
	case event.TypeMemoryCandidate:
		if err := e.handleCandidate(ctx, env); err != nil {
			return err
		}
	case event.TypeMemoryPromoted:
		if err := e.handlePromoted(ctx, env); err != nil {
			return err
		}
	case event.TypeMemoryRetracted:
		if err := e.handleRetracted(ctx, env); err != nil {
			return err
		}
	}

	if err := e.checkAutoPromotion(ctx, env); err != nil {
		return err
	}

	if err := e.entries.UpdateCursor(ctx, env.EventID, env.TS); err != nil {
		return fmt.Errorf("failed to advance projection cursor: %w", err)
	}

	return nil
}

// handleCandidate creates a candidate memory entry from a memory.candidate
// event. Payload shape problems are warn-and-drop: a deterministic decode
// failure can never heal on redelivery.
func (e *Engine) handleCandidate(ctx context.Context, env *event.Envelope) error {
	rawBucket := payloadString(env.Payload, "bucket", string(memory.BucketWorkspace))

	bucket, err := memory.ParseBucket(rawBucket)
	if err != nil {
		e.logger.Warn("dropping memory.candidate with invalid bucket",
			"event_id", env.EventID.String(),
			"bucket", rawBucket,
		)

		return nil
	}

	var expiresAt *time.Time

	if bucket == memory.BucketEphemeral {
		ttlHours := payloadFloat(env.Payload, "ttl_hours", DefaultEphemeralTTLHours)
		expiry := env.TS.Add(time.Duration(ttlHours * float64(time.Hour)))
		expiresAt = &expiry
	}

	value, _ := env.Payload["value"].(map[string]any)
	if value == nil {
		value = map[string]any{}
	}

	entry := &memory.Entry{
		EntryID:       env.EventID,
		WorkspaceID:   env.WorkspaceID,
		Bucket:        bucket,
		Key:           payloadString(env.Payload, "key", ""),
		Value:         value,
		Status:        memory.StatusCandidate,
		Confidence:    env.Confidence,
		SourceEventID: env.EventID,
		ExpiresAt:     expiresAt,
		CreatedAt:     env.TS,
		UpdatedAt:     env.TS,
	}

	inserted, err := e.entries.CreateEntry(ctx, entry)
	if err != nil {
		return fmt.Errorf("failed to create memory candidate: %w", err)
	}

	if inserted {
		e.logger.Info("created memory candidate",
			"entry_id", entry.EntryID.String(),
			"workspace_id", entry.WorkspaceID,
			"key", entry.Key,
		)
	}

	return nil
}

func (e *Engine) handlePromoted(ctx context.Context, env *event.Envelope) error {
	return e.applyStatusEvent(ctx, env, memory.StatusPromoted)
}

func (e *Engine) handleRetracted(ctx context.Context, env *event.Envelope) error {
	return e.applyStatusEvent(ctx, env, memory.StatusRetracted)
}

// applyStatusEvent moves an entry to a terminal status from a
// memory.promoted or memory.retracted event. Missing or unparseable
// entry_id and unknown entries are warn-and-drop.
func (e *Engine) applyStatusEvent(ctx context.Context, env *event.Envelope, status memory.Status) error {
	rawID := payloadString(env.Payload, "entry_id", "")
	if rawID == "" {
		e.logger.Warn("dropping status event missing entry_id",
			"event_id", env.EventID.String(),
			"type", string(env.Type),
		)

		return nil
	}

	entryID, err := uuid.Parse(rawID)
	if err != nil {
		e.logger.Warn("dropping status event with invalid entry_id",
			"event_id", env.EventID.String(),
			"entry_id", rawID,
		)

		return nil
	}

	updated, err := e.entries.UpdateStatus(ctx, entryID, status, env.TS)
	if err != nil {
		return fmt.Errorf("failed to apply %s to entry %s: %w", status, entryID, err)
	}

	if updated {
		e.logger.Info("updated memory entry status",
			"entry_id", entryID.String(),
			"status", string(status),
		)
	} else {
		e.logger.Warn("status event references unknown entry",
			"entry_id", entryID.String(),
			"status", string(status),
		)
	}

	return nil
}

// checkAutoPromotion sweeps the workspace's candidates and promotes any
// that are now eligible, using the incoming envelope's trace.
func (e *Engine) checkAutoPromotion(ctx context.Context, env *event.Envelope) error {
	candidateStatus := memory.StatusCandidate

	candidates, err := e.entries.GetEntries(ctx, env.WorkspaceID, storage.EntryFilter{
		Status: &candidateStatus,
	})
	if err != nil {
		return fmt.Errorf("failed to list candidates for auto-promotion: %w", err)
	}

	for i := range candidates {
		entry := &candidates[i]

		eligible, err := e.evaluator.IsEligible(ctx, entry, env.TraceID)
		if err != nil {
			return err
		}

		if eligible {
			if err := e.autoPromote(ctx, entry, env); err != nil {
				return err
			}
		}
	}

	return nil
}

// autoPromote emits a synthetic memory.promoted envelope for an eligible
// candidate. With a producer the synthetic round-trips through the
// backbone; without one it is applied directly.
func (e *Engine) autoPromote(ctx context.Context, entry *memory.Entry, trigger *event.Envelope) error {
	synthetic := &event.Envelope{
		EventID:       uuid.New(),
		SchemaVersion: event.SchemaVersion,
		TS:            trigger.TS,
		WorkspaceID:   entry.WorkspaceID,
		SatelliteID:   event.SyntheticSatelliteID,
		TraceID:       trigger.TraceID,
		Type:          event.TypeMemoryPromoted,
		Severity:      trigger.Severity,
		Confidence:    entry.Confidence,
		Payload:       map[string]any{"entry_id": entry.EntryID.String()},
	}

	if e.producer != nil {
		if err := e.producer.SendEvent(ctx, synthetic); err != nil {
			return fmt.Errorf("failed to publish synthetic promotion for entry %s: %w", entry.EntryID, err)
		}

		e.logger.Info("auto-promoted candidate via synthetic event",
			"entry_id", entry.EntryID.String(),
			"event_id", synthetic.EventID.String(),
		)

		return nil
	}

	return e.handlePromoted(ctx, synthetic)
}

// Replay rebuilds a workspace's memory projection from the event log.
//
// Entries are deleted first, then every event is re-applied in ascending
// ts order through the same handlers as live processing, skipping the
// auto-promotion sweep and the cursor update. Synthetic promotions that
// were previously persisted are in the log and re-apply normally, so
// replay is deterministic and idempotent.
func (e *Engine) Replay(ctx context.Context, workspaceID string) (*ReplayResult, error) {
	deleted, err := e.entries.DeleteWorkspaceEntries(ctx, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to clear workspace entries: %w", err)
	}

	events, err := e.events.GetWorkspaceEvents(ctx, workspaceID, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to load workspace events: %w", err)
	}

	entriesCreated := 0

	for i := range events {
		env := &events[i]

		switch env.Type {
		case event.TypeMemoryCandidate:
			if err := e.handleCandidate(ctx, env); err != nil {
				return nil, err
			}

			entriesCreated++
		case event.TypeMemoryPromoted:
			if err := e.handlePromoted(ctx, env); err != nil {
				return nil, err
			}
		case event.TypeMemoryRetracted:
			if err := e.handleRetracted(ctx, env); err != nil {
				return nil, err
			}
		}
	}

	result := &ReplayResult{
		EntriesDeleted: deleted,
		EventsReplayed: len(events),
		EntriesCreated: entriesCreated,
	}

	e.logger.Info("replay completed",
		"workspace_id", workspaceID,
		"entries_deleted", result.EntriesDeleted,
		"events_replayed", result.EventsReplayed,
		"entries_created", result.EntriesCreated,
	)

	return result, nil
}

// payloadString reads a string payload field with a default.
func payloadString(payload map[string]any, key, fallback string) string {
	if raw, ok := payload[key]; ok {
		if s, ok := raw.(string); ok {
			return s
		}
	}

	return fallback
}

// payloadFloat reads a numeric payload field with a default. JSON decoding
// yields float64 for all numbers.
func payloadFloat(payload map[string]any, key string, fallback float64) float64 {
	if raw, ok := payload[key]; ok {
		switch v := raw.(type) {
		case float64:
			return v
		case int:
			return float64(v)
		}
	}

	return fallback
}
