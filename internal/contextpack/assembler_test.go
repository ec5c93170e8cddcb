package contextpack

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clawderpunk/punk-records/internal/event"
	"github.com/clawderpunk/punk-records/internal/memory"
	"github.com/clawderpunk/punk-records/internal/storage"
)

type fakeMemoryReader struct {
	entries []memory.Entry
	filter  storage.EntryFilter
}

func (f *fakeMemoryReader) GetEntries(_ context.Context, _ string, filter storage.EntryFilter) ([]memory.Entry, error) {
	f.filter = filter

	return f.entries, nil
}

type fakeEventReader struct {
	byType map[event.Type][]event.Envelope
	params []storage.QueryParams
}

func (f *fakeEventReader) Query(_ context.Context, params storage.QueryParams) ([]event.Envelope, error) {
	f.params = append(f.params, params)

	return f.byType[params.Type], nil
}

func promotedEntry(key string, value map[string]any, updatedAt time.Time) memory.Entry {
	return memory.Entry{
		EntryID:       uuid.New(),
		WorkspaceID:   "ws-main",
		Bucket:        memory.BucketWorkspace,
		Key:           key,
		Value:         value,
		Status:        memory.StatusPromoted,
		Confidence:    0.9,
		SourceEventID: uuid.New(),
		CreatedAt:     updatedAt.Add(-time.Hour),
		UpdatedAt:     updatedAt,
	}
}

func TestRankMemoryScoringLaw(t *testing.T) {
	now := time.Now().UTC()
	entries := []memory.Entry{
		promotedEntry("api style guide", map[string]any{"style": "rest"}, now),
		promotedEntry("deploy runbook", map[string]any{"target": "staging"}, now),
	}

	// Three distinct terms; first entry matches two of them.
	items := rankMemory(entries, "api rest missing", 10, now)
	require.Len(t, items, 1)

	assert.Equal(t, "api style guide", items[0].Title)
	assert.InDelta(t, round4(2.0/3.0), items[0].Relevance.Score, 1e-9)
	assert.Equal(t, []string{"api", "rest"}, items[0].Relevance.MatchTerms, "match terms are sorted and unique")
}

func TestRankMemoryDuplicateQueryTermsCollapse(t *testing.T) {
	now := time.Now().UTC()
	entries := []memory.Entry{
		promotedEntry("api style", map[string]any{}, now),
	}

	items := rankMemory(entries, "api api api", 10, now)
	require.Len(t, items, 1)
	assert.InDelta(t, 1.0, items[0].Relevance.Score, 1e-9, "term set collapses duplicates before scoring")
}

func TestRankMemoryTieBreakByRecency(t *testing.T) {
	now := time.Now().UTC()
	older := promotedEntry("api older", map[string]any{}, now.Add(-2*time.Hour))
	newer := promotedEntry("api newer", map[string]any{}, now)

	items := rankMemory([]memory.Entry{older, newer}, "api", 10, now)
	require.Len(t, items, 2)
	assert.Equal(t, "api newer", items[0].Title)
	assert.Equal(t, "api older", items[1].Title)
}

func TestRankMemoryNoQueryOrdersByRecency(t *testing.T) {
	now := time.Now().UTC()
	entries := []memory.Entry{
		promotedEntry("first", map[string]any{}, now.Add(-3*time.Hour)),
		promotedEntry("second", map[string]any{}, now.Add(-time.Hour)),
		promotedEntry("third", map[string]any{}, now.Add(-2*time.Hour)),
	}

	items := rankMemory(entries, "", 2, now)
	require.Len(t, items, 2, "limit truncates after sorting")
	assert.Equal(t, "second", items[0].Title)
	assert.Equal(t, "third", items[1].Title)
	assert.InDelta(t, 1.0, items[0].Relevance.Score, 1e-9)
	assert.Empty(t, items[0].Relevance.MatchTerms)
}

func TestRankMemorySearchesCanonicalValueJSON(t *testing.T) {
	now := time.Now().UTC()
	entries := []memory.Entry{
		promotedEntry("untitled", map[string]any{"framework": "gin"}, now),
	}

	items := rankMemory(entries, "gin", 10, now)
	require.Len(t, items, 1, "query terms match against the canonical value JSON")
}

func TestMapConsoleStatus(t *testing.T) {
	now := time.Now().UTC()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	assert.Equal(t, "active", MapConsoleStatus(memory.StatusPromoted, nil, now))
	assert.Equal(t, "active", MapConsoleStatus(memory.StatusPromoted, &future, now))
	assert.Equal(t, "expired", MapConsoleStatus(memory.StatusPromoted, &past, now))
	assert.Equal(t, "archived", MapConsoleStatus(memory.StatusRetracted, nil, now))
	assert.Equal(t, "candidate", MapConsoleStatus(memory.StatusCandidate, nil, now))
}

func TestAssembleSectionsAndCounts(t *testing.T) {
	now := time.Now().UTC()

	decision := event.Envelope{
		EventID:     uuid.New(),
		TS:          now,
		WorkspaceID: "ws-main",
		SatelliteID: "satellite.scout",
		TraceID:     uuid.New(),
		Type:        event.TypeDecisionRecorded,
		Severity:    event.SeverityMedium,
		Confidence:  1.0,
		Payload:     map[string]any{"decision": "use kafka"},
	}
	risk := event.Envelope{
		EventID:     uuid.New(),
		TS:          now,
		WorkspaceID: "ws-main",
		SatelliteID: "satellite.scout",
		TraceID:     uuid.New(),
		Type:        event.TypeRiskDetected,
		Severity:    event.SeverityHigh,
		Confidence:  1.0,
		Payload:     map[string]any{"risk": "single broker"},
	}

	entries := &fakeMemoryReader{entries: []memory.Entry{
		promotedEntry("api style", map[string]any{"style": "rest"}, now),
	}}
	events := &fakeEventReader{byType: map[event.Type][]event.Envelope{
		event.TypeDecisionRecorded: {decision},
		event.TypeRiskDetected:     {risk},
	}}

	assembler := NewAssembler(entries, events)

	pack, err := assembler.Assemble(context.Background(), Request{WorkspaceID: "ws-main"})
	require.NoError(t, err)

	assert.Equal(t, "v0", pack.Version)
	assert.Equal(t, "ws-main", pack.WorkspaceID)
	assert.NotEmpty(t, pack.GeneratedAt)

	assert.Equal(t, 1, pack.Counts.Memory)
	assert.Equal(t, 1, pack.Counts.Decisions)
	assert.Equal(t, 0, pack.Counts.Tasks)
	assert.Equal(t, 1, pack.Counts.Risks)

	require.Len(t, pack.Sections.Decisions, 1)
	assert.Equal(t, decision.EventID.String(), pack.Sections.Decisions[0].ID)
	assert.Equal(t, "use kafka", pack.Sections.Decisions[0].Payload["decision"])

	assert.Equal(t, "keyword-v0", pack.Provenance.Retrieval)
	assert.Equal(t, "memory_entries(status=promoted)", pack.Provenance.MemorySource)

	// Default status filter (promoted) is used for the memory section.
	assert.Nil(t, entries.filter.Status)
	assert.False(t, entries.filter.IncludeExpired)

	// Section queries: defaults, descending, high-severity risks only.
	require.Len(t, events.params, 3)

	for _, params := range events.params {
		assert.True(t, params.Descending, "sections want the most recent N events")
		require.NotNil(t, params.After)

		wantSince := now.Add(-DefaultSinceDays * 24 * time.Hour)
		assert.WithinDuration(t, wantSince, *params.After, time.Minute)
	}

	assert.Equal(t, DefaultSectionLimit, events.params[0].Limit)
	assert.Equal(t, event.SeverityHigh, events.params[2].Severity)
}

func TestRequestNormalizeClampsLimits(t *testing.T) {
	now := time.Now().UTC()

	req := Request{
		WorkspaceID:   "ws-main",
		MemoryLimit:   500,
		DecisionLimit: -3,
	}
	req.normalize(now)

	assert.Equal(t, MaxSectionLimit, req.MemoryLimit)
	assert.Equal(t, 1, req.DecisionLimit)
	assert.Equal(t, DefaultSectionLimit, req.TaskLimit)
	assert.Equal(t, DefaultSectionLimit, req.RiskLimit)
	require.NotNil(t, req.Since)
}
