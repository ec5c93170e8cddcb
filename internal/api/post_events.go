package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/clawderpunk/punk-records/internal/api/middleware"
	"github.com/clawderpunk/punk-records/internal/event"
)

type (
	// EventAccepted is the response body for an accepted event.
	EventAccepted struct {
		Status  string `json:"status"`
		EventID string `json:"event_id"` //nolint: tagliatelle
	}
)

// handlePostEvent accepts an event envelope and publishes it to the backbone.
//
// Satellites may omit event_id, trace_id, ts, and severity; the gateway fills
// fresh defaults before validation so partial envelopes are still usable.
// The response is 202: acceptance means "published", not "projected" - the
// projection catches up through the consumer.
func (s *Server) handlePostEvent(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())

	if !hasJSONContentType(r.Header.Get("Content-Type")) {
		WriteErrorResponse(w, r, s.logger, BadRequest("Content-Type must be application/json"))

		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxRequestSize)

	env, problem := decodeEnvelope(r)
	if problem != nil {
		WriteErrorResponse(w, r, s.logger, problem)

		return
	}

	if s.producer == nil {
		WriteErrorResponse(w, r, s.logger, ServiceUnavailable("Event backbone is not configured"))

		return
	}

	if err := s.producer.SendEvent(r.Context(), env); err != nil {
		s.logger.Error("Failed to publish event",
			slog.String("correlation_id", correlationID),
			slog.String("event_id", env.EventID.String()),
			slog.String("error", err.Error()),
		)

		WriteErrorResponse(w, r, s.logger, ServiceUnavailable("Failed to publish event to the backbone"))

		return
	}

	s.logger.Info("Event accepted",
		slog.String("correlation_id", correlationID),
		slog.String("event_id", env.EventID.String()),
		slog.String("workspace_id", env.WorkspaceID),
		slog.String("type", string(env.Type)),
	)

	s.writeJSON(w, r, http.StatusAccepted, EventAccepted{
		Status:  "accepted",
		EventID: env.EventID.String(),
	})
}

// decodeEnvelope parses the request body into an envelope, fills gateway
// defaults, and validates the result. Returns a ProblemDetail on failure.
func decodeEnvelope(r *http.Request) (*event.Envelope, *ProblemDetail) {
	var env event.Envelope

	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		return nil, BadRequest("Request body is not a valid event envelope: " + err.Error())
	}

	// Gateway defaults: satellites may omit identity and timing fields
	if env.EventID == uuid.Nil {
		env.EventID = uuid.New()
	}

	if env.TraceID == uuid.Nil {
		env.TraceID = uuid.New()
	}

	if env.TS.IsZero() {
		env.TS = time.Now().UTC()
	}

	if env.Severity == "" {
		env.Severity = event.SeverityLow
	}

	if err := env.Validate(); err != nil {
		var validationErrs event.ValidationErrors
		if errors.As(err, &validationErrs) {
			return nil, BadRequest("Event envelope failed validation").WithFieldErrors(validationErrs)
		}

		return nil, BadRequest(err.Error())
	}

	return &env, nil
}
