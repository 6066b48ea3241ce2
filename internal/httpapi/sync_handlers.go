package httpapi

import (
	"net/http"
	"strings"

	"github.com/agentworkforce/syncbridge/internal/syncbridge"
	"github.com/gorilla/mux"
)

type syncRequest struct {
	ConnectionID string               `json:"connectionId"`
	EntityType   string               `json:"entityType"`
	EntityID     string               `json:"entityId"`
	Direction    syncbridge.Direction `json:"direction"`
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	var req syncRequest
	if !s.decodeJSONBody(w, r, correlationID, syncSchema, &req) {
		return
	}
	entityType, err := syncbridge.ParseEntityType(req.EntityType)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unsupported_entity_type", err.Error(), correlationID)
		return
	}
	connectionID := strings.TrimSpace(req.ConnectionID)
	entityID := strings.TrimSpace(req.EntityID)

	var result syncbridge.SyncResult
	switch req.Direction {
	case "", syncbridge.DirectionToRemote:
		result, err = s.engine.SyncToRemote(r.Context(), connectionID, entityType, entityID)
	case syncbridge.DirectionFromRemote:
		result, err = s.engine.SyncFromRemote(r.Context(), connectionID, entityType, entityID)
	default:
		writeError(w, http.StatusBadRequest, "bad_request", "direction must be to_remote or from_remote", correlationID)
		return
	}
	if err != nil {
		writeEngineError(w, err, correlationID)
		return
	}
	status := syncStatus(result)
	if status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, result)
}

// syncStatus maps a finished sync onto the trigger endpoint's status code.
func syncStatus(result syncbridge.SyncResult) int {
	switch result.Outcome {
	case syncbridge.OutcomePendingRetry:
		return http.StatusAccepted
	case syncbridge.OutcomeDeferred:
		return http.StatusTooManyRequests
	case syncbridge.OutcomeAuthRequired:
		return http.StatusUnauthorized
	case syncbridge.OutcomeFailed:
		if result.ErrorClass == syncbridge.ClassUnsupportedEntityType {
			return http.StatusBadRequest
		}
		return http.StatusUnprocessableEntity
	default:
		return http.StatusOK
	}
}

func (s *Server) handleBulk(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	var req syncbridge.BulkRequest
	if !s.decodeJSONBody(w, r, correlationID, bulkSchema, &req) {
		return
	}
	result, err := s.engine.EnqueueBulk(r.Context(), req)
	if err != nil {
		writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, bulkStatus(result), result)
}

func bulkStatus(result syncbridge.BulkResult) int {
	switch {
	case result.Failed == 0:
		return http.StatusOK
	case result.Queued > 0:
		return http.StatusMultiStatus
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	result, err := s.engine.Drain(r.Context())
	if err != nil {
		writeEngineError(w, err, getCorrelationID(r))
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	result, err := s.engine.PollChanges(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeEngineError(w, err, getCorrelationID(r))
		return
	}
	if result.Deferred {
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusTooManyRequests, result)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
