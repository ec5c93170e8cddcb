package api

import (
	"net/http"
	"strconv"

	"github.com/clawderpunk/punk-records/internal/contextpack"
	"github.com/clawderpunk/punk-records/internal/event"
)

// handleGetContext assembles and returns the context pack for a workspace.
//
// Query parameters: q (keyword query), since (ISO-8601 lower bound), limit
// (applied to every section), and per-section overrides memory_limit,
// decision_limit, task_limit, risk_limit. Limits outside [1, 100] are clamped
// by the assembler.
func (s *Server) handleGetContext(w http.ResponseWriter, r *http.Request) {
	workspaceID := r.PathValue("workspace_id")
	if workspaceID == "" {
		WriteErrorResponse(w, r, s.logger, BadRequest("workspace_id path parameter is required"))

		return
	}

	req, problem := parseContextRequest(r, workspaceID)
	if problem != nil {
		WriteErrorResponse(w, r, s.logger, problem)

		return
	}

	pack, err := s.assembler.Assemble(r.Context(), *req)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to assemble context pack"))

		return
	}

	s.writeJSON(w, r, http.StatusOK, pack)
}

// parseContextRequest reads pack parameters from the query string.
func parseContextRequest(r *http.Request, workspaceID string) (*contextpack.Request, *ProblemDetail) {
	query := r.URL.Query()

	req := contextpack.Request{
		WorkspaceID: workspaceID,
		Query:       query.Get("q"),
	}

	if raw := query.Get("since"); raw != "" {
		ts, err := event.ParseTimestamp(raw)
		if err != nil {
			return nil, BadRequest("since must be an ISO-8601 timestamp")
		}

		req.Since = &ts
	}

	limits := []struct {
		name   string
		target *int
	}{
		{"memory_limit", &req.MemoryLimit},
		{"decision_limit", &req.DecisionLimit},
		{"task_limit", &req.TaskLimit},
		{"risk_limit", &req.RiskLimit},
	}

	// A plain limit sets every section; per-section names override it below.
	if raw := query.Get("limit"); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil {
			return nil, BadRequest("limit must be an integer")
		}

		for _, limit := range limits {
			*limit.target = value
		}
	}

	for _, limit := range limits {
		raw := query.Get(limit.name)
		if raw == "" {
			continue
		}

		value, err := strconv.Atoi(raw)
		if err != nil {
			return nil, BadRequest(limit.name + " must be an integer")
		}

		*limit.target = value
	}

	return &req, nil
}
