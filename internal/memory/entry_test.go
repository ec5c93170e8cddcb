package memory

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validCandidate() *Entry {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	id := uuid.New()

	return &Entry{
		EntryID:       id,
		WorkspaceID:   "ws-main",
		Bucket:        BucketWorkspace,
		Key:           "api-style",
		Value:         map[string]any{"content": "REST with cursor pagination"},
		Status:        StatusCandidate,
		Confidence:    0.8,
		SourceEventID: id,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func TestEntryValidate(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	expiry := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	stamp := time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		mutate  func(e *Entry)
		wantErr error
	}{
		{
			name:   "valid workspace candidate",
			mutate: func(_ *Entry) {},
		},
		{
			name: "valid ephemeral entry with TTL",
			mutate: func(e *Entry) {
				e.Bucket = BucketEphemeral
				e.ExpiresAt = &expiry
			},
		},
		{
			name: "valid promoted entry",
			mutate: func(e *Entry) {
				e.Status = StatusPromoted
				e.PromotedAt = &stamp
			},
		},
		{
			name: "valid retracted entry",
			mutate: func(e *Entry) {
				e.Status = StatusRetracted
				e.RetractedAt = &stamp
			},
		},
		{
			name:    "nil entry_id rejected",
			mutate:  func(e *Entry) { e.EntryID = uuid.Nil },
			wantErr: ErrInvalidEntry,
		},
		{
			name:    "blank workspace_id rejected",
			mutate:  func(e *Entry) { e.WorkspaceID = "   " },
			wantErr: ErrInvalidEntry,
		},
		{
			name:    "unknown bucket rejected",
			mutate:  func(e *Entry) { e.Bucket = "attic" },
			wantErr: ErrInvalidBucket,
		},
		{
			name:    "blank key rejected",
			mutate:  func(e *Entry) { e.Key = "" },
			wantErr: ErrInvalidEntry,
		},
		{
			name:    "unknown status rejected",
			mutate:  func(e *Entry) { e.Status = "pending" },
			wantErr: ErrInvalidStatus,
		},
		{
			name:    "confidence above one rejected",
			mutate:  func(e *Entry) { e.Confidence = 1.1 },
			wantErr: ErrInvalidEntry,
		},
		{
			name:    "negative confidence rejected",
			mutate:  func(e *Entry) { e.Confidence = -0.1 },
			wantErr: ErrInvalidEntry,
		},
		{
			name:    "nil source_event_id rejected",
			mutate:  func(e *Entry) { e.SourceEventID = uuid.Nil },
			wantErr: ErrInvalidEntry,
		},
		{
			name:    "ephemeral without expires_at rejected",
			mutate:  func(e *Entry) { e.Bucket = BucketEphemeral },
			wantErr: ErrInvalidEntry,
		},
		{
			name: "non-ephemeral with expires_at rejected",
			mutate: func(e *Entry) {
				e.ExpiresAt = &expiry
			},
			wantErr: ErrInvalidEntry,
		},
		{
			name:    "promoted without promoted_at rejected",
			mutate:  func(e *Entry) { e.Status = StatusPromoted },
			wantErr: ErrInvalidEntry,
		},
		{
			name:    "retracted without retracted_at rejected",
			mutate:  func(e *Entry) { e.Status = StatusRetracted },
			wantErr: ErrInvalidEntry,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry := validCandidate()
			tt.mutate(entry)

			err := entry.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestIsExpired(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	entry := validCandidate()
	assert.False(t, entry.IsExpired(now), "entries without expires_at never expire")

	entry.ExpiresAt = &future
	assert.False(t, entry.IsExpired(now))

	entry.ExpiresAt = &past
	assert.True(t, entry.IsExpired(now))

	// The boundary instant counts as expired.
	entry.ExpiresAt = &now
	assert.True(t, entry.IsExpired(now))
}

func TestNormalizeContent(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	first := NormalizeContent(map[string]any{"zebra": 1.0, "alpha": "two"})
	second := NormalizeContent(map[string]any{"alpha": "two", "zebra": 1.0})

	assert.Equal(t, first, second, "key order must not affect the canonical form")
	assert.Equal(t, `{"alpha":"two","zebra":1}`, first)

	assert.Equal(t, "{}", NormalizeContent(nil))
	assert.Equal(t, "{}", NormalizeContent(map[string]any{}))
}

func TestParseBucket(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	for _, bucket := range ValidBuckets() {
		parsed, err := ParseBucket(string(bucket))
		require.NoError(t, err)
		assert.Equal(t, bucket, parsed)
	}

	_, err := ParseBucket("attic")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidBucket)
}

func TestParseStatus(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	for _, status := range ValidStatuses() {
		parsed, err := ParseStatus(string(status))
		require.NoError(t, err)
		assert.Equal(t, status, parsed)
	}

	_, err := ParseStatus("pending")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidStatus)
}
