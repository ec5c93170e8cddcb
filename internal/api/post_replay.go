package api

import (
	"log/slog"
	"net/http"

	"github.com/clawderpunk/punk-records/internal/api/middleware"
)

type (
	// ReplayResponse reports the outcome of a workspace replay.
	ReplayResponse struct {
		Status         string `json:"status"`
		EntriesDeleted int    `json:"entries_deleted"` //nolint: tagliatelle
		EventsReplayed int    `json:"events_replayed"` //nolint: tagliatelle
		EntriesCreated int    `json:"entries_created"` //nolint: tagliatelle
	}
)

// handleReplay rebuilds a workspace's memory projection from the event log.
//
// Replay is synchronous: the response reports what was rebuilt. Live
// consumption continues during a replay; the log itself is never touched.
func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	workspaceID := r.PathValue("workspace_id")
	if workspaceID == "" {
		WriteErrorResponse(w, r, s.logger, BadRequest("workspace_id path parameter is required"))

		return
	}

	result, err := s.engine.Replay(r.Context(), workspaceID)
	if err != nil {
		s.logger.Error("Replay failed",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("workspace_id", workspaceID),
			slog.String("error", err.Error()),
		)

		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to replay workspace"))

		return
	}

	s.writeJSON(w, r, http.StatusOK, ReplayResponse{
		Status:         "completed",
		EntriesDeleted: result.EntriesDeleted,
		EventsReplayed: result.EventsReplayed,
		EntriesCreated: result.EntriesCreated,
	})
}
