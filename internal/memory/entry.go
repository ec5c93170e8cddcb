// Package memory defines the materialised memory entry model derived from
// memory-bearing events, plus its lifecycle enumerations and invariants.
package memory

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type (
	// Bucket scopes a memory entry. Ephemeral entries carry a TTL.
	Bucket string

	// Status is the lifecycle state of a memory entry.
	Status string

	// Entry is a single materialised memory fact.
	//
	// EntryID equals the event_id of the originating memory.candidate;
	// SourceEventID carries the same value and backs the idempotent-insert
	// uniqueness constraint.
	Entry struct {
		EntryID       uuid.UUID      `json:"entry_id"`
		WorkspaceID   string         `json:"workspace_id"`
		Bucket        Bucket         `json:"bucket"`
		Key           string         `json:"key"`
		Value         map[string]any `json:"value"`
		Status        Status         `json:"status"`
		Confidence    float64        `json:"confidence"`
		SourceEventID uuid.UUID      `json:"source_event_id"`
		PromotedAt    *time.Time     `json:"promoted_at,omitempty"`
		RetractedAt   *time.Time     `json:"retracted_at,omitempty"`
		ExpiresAt     *time.Time     `json:"expires_at,omitempty"`
		CreatedAt     time.Time      `json:"created_at"`
		UpdatedAt     time.Time      `json:"updated_at"`
	}
)

const (
	// BucketGlobal holds facts relevant beyond a single workspace session.
	BucketGlobal Bucket = "global"

	// BucketWorkspace is the default scope for candidate entries.
	BucketWorkspace Bucket = "workspace"

	// BucketEphemeral holds short-lived facts; expires_at is mandatory.
	BucketEphemeral Bucket = "ephemeral"
)

const (
	// StatusCandidate is the initial state of every entry.
	StatusCandidate Status = "candidate"

	// StatusPromoted marks an entry as curated memory visible to readers.
	StatusPromoted Status = "promoted"

	// StatusRetracted hides an entry from default reads.
	StatusRetracted Status = "retracted"
)

// Validation errors for memory entries.
var (
	// ErrInvalidEntry wraps all memory entry validation failures.
	ErrInvalidEntry = errors.New("invalid memory entry")

	// ErrInvalidBucket is returned for a bucket outside the closed set.
	ErrInvalidBucket = errors.New("invalid memory bucket")

	// ErrInvalidStatus is returned for a status outside the closed set.
	ErrInvalidStatus = errors.New("invalid memory status")
)

// ValidBuckets returns all valid memory buckets.
func ValidBuckets() []Bucket {
	return []Bucket{BucketGlobal, BucketWorkspace, BucketEphemeral}
}

// IsValid checks if the Bucket is a member of the closed set.
func (b Bucket) IsValid() bool {
	for _, valid := range ValidBuckets() {
		if b == valid {
			return true
		}
	}

	return false
}

// ParseBucket converts a raw string into a Bucket.
func ParseBucket(raw string) (Bucket, error) {
	b := Bucket(raw)
	if !b.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidBucket, raw)
	}

	return b, nil
}

// ValidStatuses returns all valid memory statuses.
func ValidStatuses() []Status {
	return []Status{StatusCandidate, StatusPromoted, StatusRetracted}
}

// IsValid checks if the Status is a member of the closed set.
func (s Status) IsValid() bool {
	for _, valid := range ValidStatuses() {
		if s == valid {
			return true
		}
	}

	return false
}

// ParseStatus converts a raw string into a Status.
func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	if !s.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}

	return s, nil
}

// Validate enforces the memory entry invariants:
//   - bucket = ephemeral ⟺ expires_at set
//   - status = promoted ⟹ promoted_at set
//   - status = retracted ⟹ retracted_at set
//   - key non-empty, confidence in [0,1]
func (e *Entry) Validate() error {
	if e.EntryID == uuid.Nil {
		return fmt.Errorf("%w: entry_id must be a non-nil UUID", ErrInvalidEntry)
	}

	if strings.TrimSpace(e.WorkspaceID) == "" {
		return fmt.Errorf("%w: workspace_id must be non-empty", ErrInvalidEntry)
	}

	if !e.Bucket.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidBucket, string(e.Bucket))
	}

	if strings.TrimSpace(e.Key) == "" {
		return fmt.Errorf("%w: key must be non-empty", ErrInvalidEntry)
	}

	if !e.Status.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, string(e.Status))
	}

	if e.Confidence < 0.0 || e.Confidence > 1.0 {
		return fmt.Errorf("%w: confidence must be in [0.0, 1.0], got %g", ErrInvalidEntry, e.Confidence)
	}

	if e.SourceEventID == uuid.Nil {
		return fmt.Errorf("%w: source_event_id must be a non-nil UUID", ErrInvalidEntry)
	}

	if e.Bucket == BucketEphemeral && e.ExpiresAt == nil {
		return fmt.Errorf("%w: ephemeral entries must have expires_at set", ErrInvalidEntry)
	}

	if e.Bucket != BucketEphemeral && e.ExpiresAt != nil {
		return fmt.Errorf("%w: only ephemeral entries may have expires_at", ErrInvalidEntry)
	}

	if e.Status == StatusPromoted && e.PromotedAt == nil {
		return fmt.Errorf("%w: promoted entries must have promoted_at set", ErrInvalidEntry)
	}

	if e.Status == StatusRetracted && e.RetractedAt == nil {
		return fmt.Errorf("%w: retracted entries must have retracted_at set", ErrInvalidEntry)
	}

	return nil
}

// IsExpired reports whether the entry's TTL has elapsed at the given instant.
// Entries without expires_at never expire.
func (e *Entry) IsExpired(now time.Time) bool {
	return e.ExpiresAt != nil && !e.ExpiresAt.After(now)
}

// NormalizeContent serialises a value map to canonical JSON: keys sorted,
// minimal separators. Two values equal as maps produce byte-identical
// strings, which keeps relevance scoring deterministic.
func NormalizeContent(value map[string]any) string {
	if value == nil {
		value = map[string]any{}
	}

	data, err := json.Marshal(value)
	if err != nil {
		// Map values decoded from JSON always re-serialise.
		return "{}"
	}

	return string(data)
}
