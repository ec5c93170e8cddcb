// Package event defines the canonical event envelope that travels through the
// Punk Records backbone, plus its closed enumerations and validation rules.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SchemaVersion is the only envelope schema version currently supported.
const SchemaVersion = 1

// SyntheticSatelliteID identifies envelopes emitted by the projection engine
// itself (auto-promotion), as opposed to external satellites.
const SyntheticSatelliteID = "punk-records.projection-engine"

type (
	// Type is the closed set of event types carried by the backbone.
	Type string

	// Severity classifies the operational weight of an event.
	Severity string

	// Envelope is the immutable wire shape of a single event.
	//
	// Envelopes are validated on construction and re-validated on
	// deserialisation; timestamps are always normalised to UTC.
	Envelope struct {
		EventID       uuid.UUID      `json:"event_id"`
		SchemaVersion int            `json:"schema_version"`
		TS            time.Time      `json:"ts"`
		WorkspaceID   string         `json:"workspace_id"`
		SatelliteID   string         `json:"satellite_id"`
		TraceID       uuid.UUID      `json:"trace_id"`
		Type          Type           `json:"type"`
		Severity      Severity       `json:"severity"`
		Confidence    float64        `json:"confidence"`
		Payload       map[string]any `json:"payload"`
	}

	// FieldError describes a single invalid envelope field.
	FieldError struct {
		Field   string `json:"field"`
		Message string `json:"message"`
	}

	// ValidationErrors aggregates all field-level problems found in one
	// envelope so the API layer can report them as a detail list.
	ValidationErrors []FieldError
)

const (
	// TypeProposalCreated records a proposal raised inside a workspace.
	TypeProposalCreated Type = "proposal.created"

	// TypeDecisionRecorded records a decision taken in a trace.
	// Presence of this type in a trace is one of the promotion triggers.
	TypeDecisionRecorded Type = "decision.recorded"

	// TypeRiskDetected flags a risk; high-severity risks feed context packs.
	TypeRiskDetected Type = "risk.detected"

	// TypeFindingLogged records an observation or finding.
	TypeFindingLogged Type = "finding.logged"

	// TypeTaskCreated records a new task.
	TypeTaskCreated Type = "task.created"

	// TypeTaskUpdated records a task state change.
	TypeTaskUpdated Type = "task.updated"

	// TypeMemoryCandidate proposes a new memory entry.
	TypeMemoryCandidate Type = "memory.candidate"

	// TypeMemoryPromoted promotes an existing memory entry.
	TypeMemoryPromoted Type = "memory.promoted"

	// TypeMemoryRetracted retracts an existing memory entry.
	TypeMemoryRetracted Type = "memory.retracted"
)

const (
	// SeverityLow is the default severity for routine events.
	SeverityLow Severity = "low"

	// SeverityMedium marks events that deserve attention.
	SeverityMedium Severity = "medium"

	// SeverityHigh marks events surfaced in context pack risk sections.
	SeverityHigh Severity = "high"
)

// ErrInvalidEnvelope wraps all envelope validation failures.
var ErrInvalidEnvelope = errors.New("invalid event envelope")

// ValidTypes returns all valid event types.
func ValidTypes() []Type {
	return []Type{
		TypeProposalCreated,
		TypeDecisionRecorded,
		TypeRiskDetected,
		TypeFindingLogged,
		TypeTaskCreated,
		TypeTaskUpdated,
		TypeMemoryCandidate,
		TypeMemoryPromoted,
		TypeMemoryRetracted,
	}
}

// IsValid checks if the Type is a member of the closed set.
func (t Type) IsValid() bool {
	for _, valid := range ValidTypes() {
		if t == valid {
			return true
		}
	}

	return false
}

// IsMemoryType returns true for the three memory-bearing event types that
// drive projections.
func (t Type) IsMemoryType() bool {
	return t == TypeMemoryCandidate || t == TypeMemoryPromoted || t == TypeMemoryRetracted
}

// ValidSeverities returns all valid severities.
func ValidSeverities() []Severity {
	return []Severity{SeverityLow, SeverityMedium, SeverityHigh}
}

// IsValid checks if the Severity is a member of the closed set.
func (s Severity) IsValid() bool {
	for _, valid := range ValidSeverities() {
		if s == valid {
			return true
		}
	}

	return false
}

// Error implements the error interface for ValidationErrors.
func (v ValidationErrors) Error() string {
	if len(v) == 0 {
		return ErrInvalidEnvelope.Error()
	}

	parts := make([]string, 0, len(v))
	for _, fe := range v {
		parts = append(parts, fe.Field+": "+fe.Message)
	}

	return fmt.Sprintf("%s: %s", ErrInvalidEnvelope.Error(), strings.Join(parts, "; "))
}

// Unwrap lets callers detect validation failures with errors.Is(err, ErrInvalidEnvelope).
func (v ValidationErrors) Unwrap() error {
	return ErrInvalidEnvelope
}

// Validate checks the envelope against the schema_version = 1 contract.
// It returns ValidationErrors listing every violated field, or nil.
func (e *Envelope) Validate() error {
	var errs ValidationErrors

	if e.EventID == uuid.Nil {
		errs = append(errs, FieldError{Field: "event_id", Message: "must be a non-nil UUID"})
	}

	if e.SchemaVersion != SchemaVersion {
		errs = append(errs, FieldError{
			Field:   "schema_version",
			Message: fmt.Sprintf("must be %d, got %d", SchemaVersion, e.SchemaVersion),
		})
	}

	if e.TS.IsZero() {
		errs = append(errs, FieldError{Field: "ts", Message: "must be set"})
	}

	if strings.TrimSpace(e.WorkspaceID) == "" {
		errs = append(errs, FieldError{Field: "workspace_id", Message: "must be non-empty"})
	}

	if strings.TrimSpace(e.SatelliteID) == "" {
		errs = append(errs, FieldError{Field: "satellite_id", Message: "must be non-empty"})
	}

	if e.TraceID == uuid.Nil {
		errs = append(errs, FieldError{Field: "trace_id", Message: "must be a non-nil UUID"})
	}

	if !e.Type.IsValid() {
		errs = append(errs, FieldError{Field: "type", Message: fmt.Sprintf("unknown event type %q", string(e.Type))})
	}

	if !e.Severity.IsValid() {
		errs = append(errs, FieldError{Field: "severity", Message: fmt.Sprintf("unknown severity %q", string(e.Severity))})
	}

	if e.Confidence < 0.0 || e.Confidence > 1.0 {
		errs = append(errs, FieldError{
			Field:   "confidence",
			Message: fmt.Sprintf("must be in [0.0, 1.0], got %g", e.Confidence),
		})
	}

	if len(errs) > 0 {
		return errs
	}

	return nil
}

// UnmarshalJSON decodes an envelope, applying defaults for optional fields
// and normalising the timestamp to UTC. Naive timestamps are interpreted as
// UTC; offset-aware timestamps are converted.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	type alias Envelope

	aux := struct {
		*alias

		SchemaVersion *int            `json:"schema_version"`
		TS            json.RawMessage `json:"ts"`
	}{alias: (*alias)(e)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidEnvelope, err)
	}

	if aux.SchemaVersion == nil {
		e.SchemaVersion = SchemaVersion
	} else {
		e.SchemaVersion = *aux.SchemaVersion
	}

	if len(aux.TS) > 0 && string(aux.TS) != "null" {
		var raw string
		if err := json.Unmarshal(aux.TS, &raw); err != nil {
			return fmt.Errorf("%w: ts must be an ISO-8601 string", ErrInvalidEnvelope)
		}

		ts, err := ParseTimestamp(raw)
		if err != nil {
			return err
		}

		e.TS = ts
	}

	e.WorkspaceID = strings.TrimSpace(e.WorkspaceID)
	e.SatelliteID = strings.TrimSpace(e.SatelliteID)

	if e.Payload == nil {
		e.Payload = map[string]any{}
	}

	return nil
}

// timestamp layouts accepted on the wire, tried in order.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999", // naive, interpreted as UTC
	"2006-01-02 15:04:05.999999999",
}

// ParseTimestamp parses an ISO-8601 timestamp and normalises it to UTC.
// Timestamps without an offset are interpreted as UTC.
func ParseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)

	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC(), nil
		}
	}

	return time.Time{}, fmt.Errorf("%w: ts %q is not a valid ISO-8601 timestamp", ErrInvalidEnvelope, raw)
}

// ToWire serialises the envelope to canonical JSON: object keys sorted,
// minimal separators, ts in ISO-8601 with explicit UTC offset. Canonical
// bytes keep backbone payloads and scoring deterministic.
func (e *Envelope) ToWire() ([]byte, error) {
	payload := e.Payload
	if payload == nil {
		payload = map[string]any{}
	}

	// json.Marshal of a map emits keys in sorted order without extra
	// whitespace, which is exactly the canonical form.
	doc := map[string]any{
		"event_id":       e.EventID.String(),
		"schema_version": e.SchemaVersion,
		"ts":             e.TS.UTC().Format(time.RFC3339Nano),
		"workspace_id":   e.WorkspaceID,
		"satellite_id":   e.SatelliteID,
		"trace_id":       e.TraceID.String(),
		"type":           string(e.Type),
		"severity":       string(e.Severity),
		"confidence":     e.Confidence,
		"payload":        payload,
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to serialise envelope %s: %w", e.EventID, err)
	}

	return data, nil
}

// FromWire decodes and re-validates an envelope received from the backbone.
func FromWire(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}

	if err := env.Validate(); err != nil {
		return nil, err
	}

	return &env, nil
}

// Key returns the backbone partition key: the workspace ID as UTF-8 bytes.
// Keying by workspace gives per-workspace ordering across the log.
func (e *Envelope) Key() []byte {
	return []byte(e.WorkspaceID)
}
