// Package projection folds backbone events into the derived memory state.
//
// The engine is the only writer of memory_entries in steady state; the
// HTTP surface only reads. Replay rebuilds the same state from the event
// log alone.
package projection

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/clawderpunk/punk-records/internal/event"
	"github.com/clawderpunk/punk-records/internal/memory"
)

// Promotion rule thresholds.
const (
	ConfidenceThreshold = 0.75
	ReferenceWindowDays = 7
	MinReferences       = 2
)

type (
	// EventLog is the slice of the event store the projection engine needs.
	EventLog interface {
		CountReferences(ctx context.Context, workspaceID string, traceID uuid.UUID, sinceTS time.Time) (int, error)
		HasEventTypeInTrace(ctx context.Context, workspaceID string, traceID uuid.UUID, eventType event.Type) (bool, error)
		GetWorkspaceEvents(ctx context.Context, workspaceID string, types []event.Type, afterTS *time.Time) ([]event.Envelope, error)
	}

	// Evaluator decides whether a candidate entry qualifies for promotion.
	Evaluator struct {
		events EventLog
	}
)

// NewEvaluator creates an Evaluator backed by the given event log.
func NewEvaluator(events EventLog) *Evaluator {
	return &Evaluator{events: events}
}

// IsEligible reports whether a candidate entry qualifies for promotion,
// evaluated against the trace of the triggering envelope.
//
// A candidate is eligible when its status is candidate, its confidence is
// at or above the threshold, and the trace either references the workspace
// at least MinReferences times inside the reference window or contains a
// decision.recorded event.
//
// Checks run cheapest-first and short-circuit: status, then confidence,
// then reference count, then decision lookup.
func (e *Evaluator) IsEligible(ctx context.Context, entry *memory.Entry, traceID uuid.UUID) (bool, error) {
	if entry.Status != memory.StatusCandidate {
		return false, nil
	}

	if entry.Confidence < ConfidenceThreshold {
		return false, nil
	}

	sinceTS := entry.CreatedAt.Add(-ReferenceWindowDays * 24 * time.Hour)

	refCount, err := e.events.CountReferences(ctx, entry.WorkspaceID, traceID, sinceTS)
	if err != nil {
		return false, fmt.Errorf("failed to count references for entry %s: %w", entry.EntryID, err)
	}

	if refCount >= MinReferences {
		return true, nil
	}

	hasDecision, err := e.events.HasEventTypeInTrace(ctx, entry.WorkspaceID, traceID, event.TypeDecisionRecorded)
	if err != nil {
		return false, fmt.Errorf("failed to check trace for decision: %w", err)
	}

	return hasDecision, nil
}
