package api

import (
	"net/http"
	"time"

	"github.com/clawderpunk/punk-records/internal/memory"
	"github.com/clawderpunk/punk-records/internal/storage"
)

type (
	// MemoryListing is the response body for the memory console listing.
	MemoryListing struct {
		Entries []ConsoleMemoryEntry `json:"entries"`
		Count   int                  `json:"count"`
	}
)

// handleGetMemory lists memory entries for a workspace.
//
// Query parameters: status and bucket narrow the listing (400 on values
// outside the closed sets); include_expired=true includes lapsed ephemerals.
// Without a status filter only promoted entries are returned.
func (s *Server) handleGetMemory(w http.ResponseWriter, r *http.Request) {
	workspaceID := r.PathValue("workspace_id")
	if workspaceID == "" {
		WriteErrorResponse(w, r, s.logger, BadRequest("workspace_id path parameter is required"))

		return
	}

	query := r.URL.Query()
	filter := storage.EntryFilter{}

	if raw := query.Get("status"); raw != "" {
		status, err := memory.ParseStatus(raw)
		if err != nil {
			WriteErrorResponse(w, r, s.logger, BadRequest("unknown memory status: "+raw))

			return
		}

		filter.Status = &status
	}

	if raw := query.Get("bucket"); raw != "" {
		bucket, err := memory.ParseBucket(raw)
		if err != nil {
			WriteErrorResponse(w, r, s.logger, BadRequest("unknown memory bucket: "+raw))

			return
		}

		filter.Bucket = &bucket
	}

	if query.Get("include_expired") == "true" {
		filter.IncludeExpired = true
	}

	entries, err := s.entries.GetEntries(r.Context(), workspaceID, filter)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to list memory entries"))

		return
	}

	now := time.Now().UTC()

	items := make([]ConsoleMemoryEntry, 0, len(entries))
	for i := range entries {
		items = append(items, toConsoleMemoryEntry(&entries[i], now))
	}

	s.writeJSON(w, r, http.StatusOK, MemoryListing{
		Entries: items,
		Count:   len(items),
	})
}
