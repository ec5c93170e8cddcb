// Package contextpack assembles the read-side context document served to
// prompt-building clients: promoted memory ranked by keyword relevance plus
// the recent decision, task and high-severity risk events of a workspace.
package contextpack

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/clawderpunk/punk-records/internal/event"
	"github.com/clawderpunk/punk-records/internal/memory"
	"github.com/clawderpunk/punk-records/internal/storage"
)

// Version identifies the pack format.
const Version = "v0"

// Section and window defaults.
const (
	DefaultMemoryLimit  = 12
	DefaultSectionLimit = 8
	MaxSectionLimit     = 100
	DefaultSinceDays    = 7
)

type (
	// MemoryReader is the read slice of the memory store the assembler needs.
	MemoryReader interface {
		GetEntries(ctx context.Context, workspaceID string, filter storage.EntryFilter) ([]memory.Entry, error)
	}

	// EventReader is the read slice of the event log the assembler needs.
	EventReader interface {
		Query(ctx context.Context, params storage.QueryParams) ([]event.Envelope, error)
	}

	// Request parameterises one pack assembly.
	Request struct {
		WorkspaceID   string
		Query         string
		Since         *time.Time
		MemoryLimit   int
		DecisionLimit int
		TaskLimit     int
		RiskLimit     int
	}

	// Relevance explains why a memory item was included.
	Relevance struct {
		Score      float64  `json:"score"`
		MatchTerms []string `json:"match_terms"`
	}

	// MemoryItem is one promoted entry in console shape.
	MemoryItem struct {
		ID            string    `json:"id"`
		WorkspaceID   string    `json:"workspace_id"`
		Bucket        string    `json:"bucket"`
		Title         string    `json:"title"`
		Content       string    `json:"content"`
		Status        string    `json:"status"`
		Confidence    float64   `json:"confidence"`
		CreatedAt     string    `json:"created_at"`
		UpdatedAt     string    `json:"updated_at"`
		SourceEventID string    `json:"source_event_id"`
		Relevance     Relevance `json:"relevance"`
	}

	// EventItem is one event in console shape.
	EventItem struct {
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

	// Sections groups the pack content.
	Sections struct {
		Memory    []MemoryItem `json:"memory"`
		Decisions []EventItem  `json:"decisions"`
		Tasks     []EventItem  `json:"tasks"`
		Risks     []EventItem  `json:"risks"`
	}

	// Counts reports per-section sizes.
	Counts struct {
		Memory    int `json:"memory"`
		Decisions int `json:"decisions"`
		Tasks     int `json:"tasks"`
		Risks     int `json:"risks"`
	}

	// Provenance records where each section was retrieved from.
	Provenance struct {
		Retrieval    string `json:"retrieval"`
		MemorySource string `json:"memory_source"`
		EventSource  string `json:"event_source"`
	}

	// Pack is the assembled context document.
	Pack struct {
		Version     string     `json:"version"`
		WorkspaceID string     `json:"workspace_id"`
		GeneratedAt string     `json:"generated_at"`
		Query       string     `json:"query,omitempty"`
		Sections    Sections   `json:"sections"`
		Counts      Counts     `json:"counts"`
		Provenance  Provenance `json:"provenance"`
	}

	// Assembler builds context packs from the two read stores.
	Assembler struct {
		entries MemoryReader
		events  EventReader
	}
)

// NewAssembler creates an Assembler over the given read stores.
func NewAssembler(entries MemoryReader, events EventReader) *Assembler {
	return &Assembler{entries: entries, events: events}
}

// normalize fills defaults and clamps section limits into [1, 100].
func (r *Request) normalize(now time.Time) {
	if r.MemoryLimit == 0 {
		r.MemoryLimit = DefaultMemoryLimit
	}

	if r.DecisionLimit == 0 {
		r.DecisionLimit = DefaultSectionLimit
	}

	if r.TaskLimit == 0 {
		r.TaskLimit = DefaultSectionLimit
	}

	if r.RiskLimit == 0 {
		r.RiskLimit = DefaultSectionLimit
	}

	for _, limit := range []*int{&r.MemoryLimit, &r.DecisionLimit, &r.TaskLimit, &r.RiskLimit} {
		if *limit < 1 {
			*limit = 1
		}

		if *limit > MaxSectionLimit {
			*limit = MaxSectionLimit
		}
	}

	if r.Since == nil {
		since := now.Add(-DefaultSinceDays * 24 * time.Hour)
		r.Since = &since
	}
}

// Assemble builds a context pack for the request's workspace.
func (a *Assembler) Assemble(ctx context.Context, req Request) (*Pack, error) {
	now := time.Now().UTC()
	req.normalize(now)

	promoted, err := a.entries.GetEntries(ctx, req.WorkspaceID, storage.EntryFilter{})
	if err != nil {
		return nil, fmt.Errorf("failed to load promoted memory: %w", err)
	}

	rankedMemory := rankMemory(promoted, req.Query, req.MemoryLimit, now)

	decisions, err := a.querySection(ctx, req, event.TypeDecisionRecorded, "", req.DecisionLimit)
	if err != nil {
		return nil, err
	}

	tasks, err := a.querySection(ctx, req, event.TypeTaskCreated, "", req.TaskLimit)
	if err != nil {
		return nil, err
	}

	risks, err := a.querySection(ctx, req, event.TypeRiskDetected, event.SeverityHigh, req.RiskLimit)
	if err != nil {
		return nil, err
	}

	return &Pack{
		Version:     Version,
		WorkspaceID: req.WorkspaceID,
		GeneratedAt: now.Format(time.RFC3339Nano),
		Query:       req.Query,
		Sections: Sections{
			Memory:    rankedMemory,
			Decisions: decisions,
			Tasks:     tasks,
			Risks:     risks,
		},
		Counts: Counts{
			Memory:    len(rankedMemory),
			Decisions: len(decisions),
			Tasks:     len(tasks),
			Risks:     len(risks),
		},
		Provenance: Provenance{
			Retrieval:    "keyword-v0",
			MemorySource: "memory_entries(status=promoted)",
			EventSource:  "events(decision.recorded|task.created|risk.detected[high])",
		},
	}, nil
}

// querySection fetches the most recent events of one type since the window
// lower bound.
func (a *Assembler) querySection(
	ctx context.Context,
	req Request,
	eventType event.Type,
	severity event.Severity,
	limit int,
) ([]EventItem, error) {
	events, err := a.events.Query(ctx, storage.QueryParams{
		WorkspaceID: req.WorkspaceID,
		Type:        eventType,
		Severity:    severity,
		After:       req.Since,
		Limit:       limit,
		Descending:  true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load %s section: %w", eventType, err)
	}

	items := make([]EventItem, 0, len(events))
	for i := range events {
		items = append(items, toEventItem(&events[i]))
	}

	return items, nil
}

// rankMemory orders promoted entries for the memory section.
//
// Without a query, entries sort newest-first by updated_at (falling back to
// created_at) with score 1.0. With a query, the lowercase whitespace terms
// form a set T; an entry's haystack is lower(key) + " " + canonical value
// JSON; entries matching at least one term score |matched|/|T| rounded to
// four decimals, ties broken by recency.
func rankMemory(entries []memory.Entry, query string, limit int, now time.Time) []MemoryItem {
	if len(entries) == 0 {
		return []MemoryItem{}
	}

	if strings.TrimSpace(query) == "" {
		sorted := make([]memory.Entry, len(entries))
		copy(sorted, entries)

		sort.SliceStable(sorted, func(i, j int) bool {
			return recency(&sorted[i]).After(recency(&sorted[j]))
		})

		if len(sorted) > limit {
			sorted = sorted[:limit]
		}

		items := make([]MemoryItem, 0, len(sorted))
		for i := range sorted {
			items = append(items, toMemoryItem(&sorted[i], 1.0, []string{}, now))
		}

		return items
	}

	termSet := make(map[string]struct{})
	for _, term := range strings.Fields(strings.ToLower(query)) {
		termSet[term] = struct{}{}
	}

	if len(termSet) == 0 {
		return []MemoryItem{}
	}

	type rankedEntry struct {
		score   float64
		matched []string
		entry   *memory.Entry
	}

	var ranked []rankedEntry

	for i := range entries {
		entry := &entries[i]
		haystack := strings.ToLower(entry.Key) + " " + strings.ToLower(memory.NormalizeContent(entry.Value))

		var matched []string

		for term := range termSet {
			if strings.Contains(haystack, term) {
				matched = append(matched, term)
			}
		}

		if len(matched) == 0 {
			continue
		}

		sort.Strings(matched)

		ranked = append(ranked, rankedEntry{
			score:   round4(float64(len(matched)) / float64(len(termSet))),
			matched: matched,
			entry:   entry,
		})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}

		return recency(ranked[i].entry).After(recency(ranked[j].entry))
	})

	if len(ranked) > limit {
		ranked = ranked[:limit]
	}

	items := make([]MemoryItem, 0, len(ranked))
	for _, r := range ranked {
		items = append(items, toMemoryItem(r.entry, r.score, r.matched, now))
	}

	return items
}

// MapConsoleStatus maps storage statuses to the console vocabulary:
// promoted entries are active until their expiry passes, retracted entries
// are archived, candidates pass through unchanged.
func MapConsoleStatus(status memory.Status, expiresAt *time.Time, now time.Time) string {
	switch status {
	case memory.StatusPromoted:
		if expiresAt != nil && !expiresAt.After(now) {
			return "expired"
		}

		return "active"
	case memory.StatusRetracted:
		return "archived"
	default:
		return string(status)
	}
}

func toMemoryItem(entry *memory.Entry, score float64, matchTerms []string, now time.Time) MemoryItem {
	return MemoryItem{
		ID:            entry.EntryID.String(),
		WorkspaceID:   entry.WorkspaceID,
		Bucket:        string(entry.Bucket),
		Title:         entry.Key,
		Content:       memory.NormalizeContent(entry.Value),
		Status:        MapConsoleStatus(entry.Status, entry.ExpiresAt, now),
		Confidence:    entry.Confidence,
		CreatedAt:     entry.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:     entry.UpdatedAt.UTC().Format(time.RFC3339Nano),
		SourceEventID: entry.SourceEventID.String(),
		Relevance: Relevance{
			Score:      score,
			MatchTerms: matchTerms,
		},
	}
}

func toEventItem(env *event.Envelope) EventItem {
	payload := env.Payload
	if payload == nil {
		payload = map[string]any{}
	}

	return EventItem{
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

// recency is updated_at falling back to created_at.
func recency(entry *memory.Entry) time.Time {
	if !entry.UpdatedAt.IsZero() {
		return entry.UpdatedAt
	}

	return entry.CreatedAt
}

func round4(x float64) float64 {
	return math.Round(x*10000) / 10000
}
