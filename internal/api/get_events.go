package api

import (
	"net/http"
	"strconv"

	"github.com/clawderpunk/punk-records/internal/event"
	"github.com/clawderpunk/punk-records/internal/storage"
)

type (
	// EventPage is the paginated event listing response.
	EventPage struct {
		Events []ConsoleEvent `json:"events"`
		Total  int            `json:"total"`
		Limit  int            `json:"limit"`
		Offset int            `json:"offset"`
	}
)

// handleGetEvents lists events for a workspace, newest page selectable via
// limit/offset. workspace_id is required; type, severity, after, and before
// narrow the listing.
func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	params, problem := parseEventQuery(r)
	if problem != nil {
		WriteErrorResponse(w, r, s.logger, problem)

		return
	}

	events, err := s.events.Query(r.Context(), *params)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to query events"))

		return
	}

	total, err := s.events.Count(r.Context(), *params)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to count events"))

		return
	}

	items := make([]ConsoleEvent, 0, len(events))
	for i := range events {
		items = append(items, toConsoleEvent(&events[i]))
	}

	s.writeJSON(w, r, http.StatusOK, EventPage{
		Events: items,
		Total:  total,
		Limit:  params.Limit,
		Offset: params.Offset,
	})
}

// parseEventQuery builds storage query params from the request, clamping the
// page size into [1, 200] with a default of 20.
func parseEventQuery(r *http.Request) (*storage.QueryParams, *ProblemDetail) {
	query := r.URL.Query()

	workspaceID := query.Get("workspace_id")
	if workspaceID == "" {
		return nil, BadRequest("workspace_id query parameter is required")
	}

	params := storage.QueryParams{
		WorkspaceID: workspaceID,
		Limit:       storage.DefaultQueryLimit,
	}

	if raw := query.Get("type"); raw != "" {
		eventType := event.Type(raw)
		if !eventType.IsValid() {
			return nil, BadRequest("unknown event type: " + raw)
		}

		params.Type = eventType
	}

	if raw := query.Get("severity"); raw != "" {
		severity := event.Severity(raw)
		if !severity.IsValid() {
			return nil, BadRequest("unknown severity: " + raw)
		}

		params.Severity = severity
	}

	if raw := query.Get("after"); raw != "" {
		ts, err := event.ParseTimestamp(raw)
		if err != nil {
			return nil, BadRequest("after must be an ISO-8601 timestamp")
		}

		params.After = &ts
	}

	if raw := query.Get("before"); raw != "" {
		ts, err := event.ParseTimestamp(raw)
		if err != nil {
			return nil, BadRequest("before must be an ISO-8601 timestamp")
		}

		params.Before = &ts
	}

	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			return nil, BadRequest("limit must be an integer")
		}

		// Clamp rather than reject: console sliders go out of range freely
		if limit < 1 {
			limit = 1
		}

		if limit > storage.MaxQueryLimit {
			limit = storage.MaxQueryLimit
		}

		params.Limit = limit
	}

	if raw := query.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return nil, BadRequest("offset must be a non-negative integer")
		}

		params.Offset = offset
	}

	return &params, nil
}
