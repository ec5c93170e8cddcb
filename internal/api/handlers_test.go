package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clawderpunk/punk-records/internal/contextpack"
	"github.com/clawderpunk/punk-records/internal/event"
	"github.com/clawderpunk/punk-records/internal/memory"
	"github.com/clawderpunk/punk-records/internal/projection"
	"github.com/clawderpunk/punk-records/internal/storage"
)

type (
	fakeDB struct {
		err error
	}

	fakeProducer struct {
		sent      []*event.Envelope
		sendErr   error
		healthErr error
	}

	fakeEvents struct {
		events []event.Envelope
		total  int
		params storage.QueryParams
	}

	fakeEntries struct {
		entries []memory.Entry
		filter  storage.EntryFilter
		err     error
	}

	fakeEngine struct {
		result      *projection.ReplayResult
		err         error
		workspaceID string
	}

	fakeAssembler struct {
		pack *contextpack.Pack
		req  contextpack.Request
	}
)

func (f *fakeDB) HealthCheck(_ context.Context) error { return f.err }

func (f *fakeProducer) SendEvent(_ context.Context, env *event.Envelope) error {
	if f.sendErr != nil {
		return f.sendErr
	}

	f.sent = append(f.sent, env)

	return nil
}

func (f *fakeProducer) CheckHealth(_ context.Context) error { return f.healthErr }

func (f *fakeEvents) Query(_ context.Context, params storage.QueryParams) ([]event.Envelope, error) {
	f.params = params

	return f.events, nil
}

func (f *fakeEvents) Count(_ context.Context, _ storage.QueryParams) (int, error) {
	return f.total, nil
}

func (f *fakeEntries) GetEntries(_ context.Context, _ string, filter storage.EntryFilter) ([]memory.Entry, error) {
	f.filter = filter

	return f.entries, f.err
}

func (f *fakeEngine) Replay(_ context.Context, workspaceID string) (*projection.ReplayResult, error) {
	f.workspaceID = workspaceID

	if f.err != nil {
		return nil, f.err
	}

	return f.result, nil
}

func (f *fakeAssembler) Assemble(_ context.Context, req contextpack.Request) (*contextpack.Pack, error) {
	f.req = req

	return f.pack, nil
}

func testConfig() *ServerConfig {
	cfg := LoadServerConfig()
	cfg.APIToken = ""
	cfg.DevMode = true

	return cfg
}

func newTestServer(t *testing.T, deps *Dependencies) *Server {
	t.Helper()

	if deps.DB == nil {
		deps.DB = &fakeDB{}
	}

	if deps.Events == nil {
		deps.Events = &fakeEvents{}
	}

	if deps.Entries == nil {
		deps.Entries = &fakeEntries{}
	}

	if deps.Engine == nil {
		deps.Engine = &fakeEngine{result: &projection.ReplayResult{}}
	}

	if deps.Assembler == nil {
		deps.Assembler = &fakeAssembler{pack: &contextpack.Pack{Version: contextpack.Version}}
	}

	srv, err := NewServer(testConfig(), deps)
	require.NoError(t, err)

	return srv
}

func (s *Server) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)

	return rec
}

func postEventBody(t *testing.T, overrides map[string]any) *bytes.Reader {
	t.Helper()

	body := map[string]any{
		"workspace_id": "ws-main",
		"satellite_id": "satellite.scout",
		"type":         "decision.recorded",
		"confidence":   1.0,
		"payload":      map[string]any{"decision": "use kafka"},
	}

	for k, v := range overrides {
		body[k] = v
	}

	data, err := json.Marshal(body)
	require.NoError(t, err)

	return bytes.NewReader(data)
}

func TestPostEventAcceptsAndFillsDefaults(t *testing.T) {
	producer := &fakeProducer{}
	srv := newTestServer(t, &Dependencies{Producer: producer})

	req := httptest.NewRequest(http.MethodPost, "/events", postEventBody(t, nil))
	req.Header.Set("Content-Type", "application/json")

	rec := srv.do(req)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp EventAccepted
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "accepted", resp.Status)
	assert.NotEmpty(t, resp.EventID)

	require.Len(t, producer.sent, 1)

	sent := producer.sent[0]
	assert.NotEqual(t, uuid.Nil, sent.EventID, "event_id is generated when omitted")
	assert.NotEqual(t, uuid.Nil, sent.TraceID, "trace_id is generated when omitted")
	assert.False(t, sent.TS.IsZero(), "ts defaults to now")
	assert.Equal(t, event.SeverityLow, sent.Severity, "severity defaults to low")
	assert.Equal(t, sent.EventID.String(), resp.EventID)
}

func TestPostEventValidationFailureReturnsFieldErrors(t *testing.T) {
	producer := &fakeProducer{}
	srv := newTestServer(t, &Dependencies{Producer: producer})

	req := httptest.NewRequest(http.MethodPost, "/events", postEventBody(t, map[string]any{
		"type":       "not.a.type",
		"confidence": 3.5,
	}))
	req.Header.Set("Content-Type", "application/json")

	rec := srv.do(req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, contentTypeProblemJSON, rec.Header().Get("Content-Type"))

	var problem ProblemDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	require.Len(t, problem.Errors, 2)

	fields := []string{problem.Errors[0].Field, problem.Errors[1].Field}
	assert.Contains(t, fields, "type")
	assert.Contains(t, fields, "confidence")

	assert.Empty(t, producer.sent, "invalid events never reach the backbone")
}

func TestPostEventRejectsNonJSONContentType(t *testing.T) {
	srv := newTestServer(t, &Dependencies{Producer: &fakeProducer{}})

	req := httptest.NewRequest(http.MethodPost, "/events", postEventBody(t, nil))
	req.Header.Set("Content-Type", "text/plain")

	rec := srv.do(req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPostEventPublishFailureReturns503(t *testing.T) {
	srv := newTestServer(t, &Dependencies{Producer: &fakeProducer{sendErr: errors.New("broker down")}})

	req := httptest.NewRequest(http.MethodPost, "/events", postEventBody(t, nil))
	req.Header.Set("Content-Type", "application/json")

	rec := srv.do(req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestGetEventsPaginatesAndClamps(t *testing.T) {
	env := event.Envelope{
		EventID:       uuid.New(),
		SchemaVersion: event.SchemaVersion,
		TS:            time.Now().UTC(),
		WorkspaceID:   "ws-main",
		SatelliteID:   "satellite.scout",
		TraceID:       uuid.New(),
		Type:          event.TypeDecisionRecorded,
		Severity:      event.SeverityMedium,
		Confidence:    1.0,
		Payload:       map[string]any{"decision": "use kafka"},
	}
	events := &fakeEvents{events: []event.Envelope{env}, total: 41}
	srv := newTestServer(t, &Dependencies{Producer: &fakeProducer{}, Events: events})

	req := httptest.NewRequest(http.MethodGet, "/events?workspace_id=ws-main&limit=900&offset=20", nil)
	rec := srv.do(req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var page EventPage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))

	assert.Equal(t, 41, page.Total)
	assert.Equal(t, storage.MaxQueryLimit, page.Limit, "limit above the cap is clamped")
	assert.Equal(t, 20, page.Offset)

	require.Len(t, page.Events, 1)
	assert.Equal(t, env.EventID.String(), page.Events[0].ID)
	assert.Equal(t, "decision.recorded", page.Events[0].Type)
	assert.NotNil(t, page.Events[0].Metadata)
}

func TestGetEventsRequiresWorkspaceID(t *testing.T) {
	srv := newTestServer(t, &Dependencies{Producer: &fakeProducer{}})

	rec := srv.do(httptest.NewRequest(http.MethodGet, "/events", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetEventsRejectsUnknownEnumValues(t *testing.T) {
	srv := newTestServer(t, &Dependencies{Producer: &fakeProducer{}})

	rec := srv.do(httptest.NewRequest(http.MethodGet, "/events?workspace_id=ws-main&type=bogus", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = srv.do(httptest.NewRequest(http.MethodGet, "/events?workspace_id=ws-main&severity=critical", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetEventsAppliesTimeWindow(t *testing.T) {
	events := &fakeEvents{}
	srv := newTestServer(t, &Dependencies{Producer: &fakeProducer{}, Events: events})

	rec := srv.do(httptest.NewRequest(
		http.MethodGet,
		"/events?workspace_id=ws-main&after=2026-01-01T00:00:00Z&before=2026-02-01T00:00:00Z",
		nil,
	))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	require.NotNil(t, events.params.After, "after must reach the store query")
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), *events.params.After)
	require.NotNil(t, events.params.Before, "before must reach the store query")
	assert.Equal(t, time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC), *events.params.Before)
}

func TestGetEventsRejectsBadTimeWindow(t *testing.T) {
	srv := newTestServer(t, &Dependencies{Producer: &fakeProducer{}})

	rec := srv.do(httptest.NewRequest(http.MethodGet, "/events?workspace_id=ws-main&after=yesterday", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = srv.do(httptest.NewRequest(http.MethodGet, "/events?workspace_id=ws-main&before=tomorrow", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetEventsDefaultLimit(t *testing.T) {
	events := &fakeEvents{}
	srv := newTestServer(t, &Dependencies{Producer: &fakeProducer{}, Events: events})

	rec := srv.do(httptest.NewRequest(http.MethodGet, "/events?workspace_id=ws-main", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, storage.DefaultQueryLimit, events.params.Limit)
}

func TestGetContextPassesParameters(t *testing.T) {
	assembler := &fakeAssembler{pack: &contextpack.Pack{Version: contextpack.Version, WorkspaceID: "ws-main"}}
	srv := newTestServer(t, &Dependencies{Producer: &fakeProducer{}, Assembler: assembler})

	rec := srv.do(httptest.NewRequest(
		http.MethodGet, "/context/ws-main?q=api+style&memory_limit=5&risk_limit=3", nil,
	))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.Equal(t, "ws-main", assembler.req.WorkspaceID)
	assert.Equal(t, "api style", assembler.req.Query)
	assert.Equal(t, 5, assembler.req.MemoryLimit)
	assert.Equal(t, 3, assembler.req.RiskLimit)

	var pack contextpack.Pack
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pack))
	assert.Equal(t, contextpack.Version, pack.Version)
}

func TestGetContextPlainLimitSetsEverySection(t *testing.T) {
	assembler := &fakeAssembler{pack: &contextpack.Pack{Version: contextpack.Version, WorkspaceID: "ws-main"}}
	srv := newTestServer(t, &Dependencies{Producer: &fakeProducer{}, Assembler: assembler})

	rec := srv.do(httptest.NewRequest(http.MethodGet, "/context/ws-main?limit=7", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.Equal(t, 7, assembler.req.MemoryLimit)
	assert.Equal(t, 7, assembler.req.DecisionLimit)
	assert.Equal(t, 7, assembler.req.TaskLimit)
	assert.Equal(t, 7, assembler.req.RiskLimit)
}

func TestGetContextSectionLimitOverridesPlainLimit(t *testing.T) {
	assembler := &fakeAssembler{pack: &contextpack.Pack{Version: contextpack.Version, WorkspaceID: "ws-main"}}
	srv := newTestServer(t, &Dependencies{Producer: &fakeProducer{}, Assembler: assembler})

	rec := srv.do(httptest.NewRequest(http.MethodGet, "/context/ws-main?limit=7&risk_limit=2", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.Equal(t, 7, assembler.req.MemoryLimit)
	assert.Equal(t, 2, assembler.req.RiskLimit)
}

func TestGetContextRejectsBadSince(t *testing.T) {
	srv := newTestServer(t, &Dependencies{Producer: &fakeProducer{}})

	rec := srv.do(httptest.NewRequest(http.MethodGet, "/context/ws-main?since=yesterday", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetMemoryListsEntries(t *testing.T) {
	now := time.Now().UTC()
	promotedAt := now.Add(-time.Hour)
	entry := memory.Entry{
		EntryID:       uuid.New(),
		WorkspaceID:   "ws-main",
		Bucket:        memory.BucketWorkspace,
		Key:           "api-style",
		Value:         map[string]any{"style": "rest"},
		Status:        memory.StatusPromoted,
		Confidence:    0.9,
		SourceEventID: uuid.New(),
		PromotedAt:    &promotedAt,
		CreatedAt:     now.Add(-2 * time.Hour),
		UpdatedAt:     promotedAt,
	}
	entries := &fakeEntries{entries: []memory.Entry{entry}}
	srv := newTestServer(t, &Dependencies{Producer: &fakeProducer{}, Entries: entries})

	rec := srv.do(httptest.NewRequest(http.MethodGet, "/memory/ws-main", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var listing MemoryListing
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))

	assert.Equal(t, 1, listing.Count)
	require.Len(t, listing.Entries, 1)

	item := listing.Entries[0]
	assert.Equal(t, entry.EntryID.String(), item.ID)
	assert.Equal(t, entry.EntryID.String(), item.EntryID)
	assert.Equal(t, "api-style", item.Title)
	assert.Equal(t, "api-style", item.Key)
	assert.Equal(t, "active", item.Status, "promoted maps to the console vocabulary")
	assert.NotNil(t, item.PromotedAt)
	assert.Nil(t, item.ExpiresAt)
}

func TestGetMemoryFilterValidation(t *testing.T) {
	entries := &fakeEntries{}
	srv := newTestServer(t, &Dependencies{Producer: &fakeProducer{}, Entries: entries})

	rec := srv.do(httptest.NewRequest(http.MethodGet, "/memory/ws-main?status=pending", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = srv.do(httptest.NewRequest(http.MethodGet, "/memory/ws-main?bucket=forever", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = srv.do(httptest.NewRequest(
		http.MethodGet, "/memory/ws-main?status=candidate&bucket=ephemeral&include_expired=true", nil,
	))
	require.Equal(t, http.StatusOK, rec.Code)

	require.NotNil(t, entries.filter.Status)
	assert.Equal(t, memory.StatusCandidate, *entries.filter.Status)
	require.NotNil(t, entries.filter.Bucket)
	assert.Equal(t, memory.BucketEphemeral, *entries.filter.Bucket)
	assert.True(t, entries.filter.IncludeExpired)
}

func TestReplayReportsCounts(t *testing.T) {
	engine := &fakeEngine{result: &projection.ReplayResult{
		EntriesDeleted: 2,
		EventsReplayed: 9,
		EntriesCreated: 3,
	}}
	srv := newTestServer(t, &Dependencies{Producer: &fakeProducer{}, Engine: engine})

	rec := srv.do(httptest.NewRequest(http.MethodPost, "/replay/ws-main", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.Equal(t, "ws-main", engine.workspaceID)

	var resp ReplayResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "completed", resp.Status)
	assert.Equal(t, 2, resp.EntriesDeleted)
	assert.Equal(t, 9, resp.EventsReplayed)
	assert.Equal(t, 3, resp.EntriesCreated)
}

func TestReplayFailureReturns500(t *testing.T) {
	engine := &fakeEngine{err: fmt.Errorf("log unavailable")}
	srv := newTestServer(t, &Dependencies{Producer: &fakeProducer{}, Engine: engine})

	rec := srv.do(httptest.NewRequest(http.MethodPost, "/replay/ws-main", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestHealthReportsComponents(t *testing.T) {
	srv := newTestServer(t, &Dependencies{Producer: &fakeProducer{}})

	rec := srv.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var health HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "ok", health.Postgres)
	assert.Equal(t, "ok", health.Kafka)
}

func TestHealthDegradedReturns503(t *testing.T) {
	srv := newTestServer(t, &Dependencies{
		DB:       &fakeDB{err: errors.New("connection refused")},
		Producer: &fakeProducer{},
	})

	rec := srv.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var health HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "unhealthy", health.Status)
	assert.Equal(t, "error", health.Postgres)
}

func TestHealthWithoutProducerReportsDisabledKafka(t *testing.T) {
	srv := newTestServer(t, &Dependencies{})

	rec := srv.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var health HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "disabled", health.Kafka)
}

func TestBearerTokenProtectsBusinessEndpoints(t *testing.T) {
	cfg := testConfig()
	cfg.APIToken = "pr_secret" // pragma: allowlist secret

	srv, err := NewServer(cfg, &Dependencies{
		DB:        &fakeDB{},
		Producer:  &fakeProducer{},
		Events:    &fakeEvents{},
		Entries:   &fakeEntries{},
		Engine:    &fakeEngine{result: &projection.ReplayResult{}},
		Assembler: &fakeAssembler{pack: &contextpack.Pack{Version: contextpack.Version}},
	})
	require.NoError(t, err)

	// No token: business endpoint rejected
	rec := srv.do(httptest.NewRequest(http.MethodGet, "/events?workspace_id=ws-main", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Health stays public
	rec = srv.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	// Correct token passes
	req := httptest.NewRequest(http.MethodGet, "/events?workspace_id=ws-main", nil)
	req.Header.Set("Authorization", "Bearer pr_secret")
	rec = srv.do(req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMissingTokenFailsClosedOutsideDevMode(t *testing.T) {
	cfg := testConfig()
	cfg.APIToken = ""
	cfg.DevMode = false

	_, err := NewServer(cfg, &Dependencies{
		DB:        &fakeDB{},
		Producer:  &fakeProducer{},
		Events:    &fakeEvents{},
		Entries:   &fakeEntries{},
		Engine:    &fakeEngine{result: &projection.ReplayResult{}},
		Assembler: &fakeAssembler{pack: &contextpack.Pack{Version: contextpack.Version}},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingAPIToken)

	assert.ErrorIs(t, cfg.Validate(), ErrMissingAPIToken)
}

func TestUnknownPathReturnsProblemDetail(t *testing.T) {
	srv := newTestServer(t, &Dependencies{Producer: &fakeProducer{}})

	rec := srv.do(httptest.NewRequest(http.MethodGet, "/nope", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, contentTypeProblemJSON, rec.Header().Get("Content-Type"))
}
