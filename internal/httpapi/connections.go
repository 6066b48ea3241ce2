package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/agentworkforce/syncbridge/internal/syncbridge"
	"github.com/agentworkforce/syncbridge/internal/weather"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	defaultLogLimit   = 50
	maxLogLimit       = 500
	streamWriteWindow = 10 * time.Second
)

func (s *Server) requireConnections(w http.ResponseWriter, correlationID string) bool {
	if s.connections == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "connection service is not configured", correlationID)
		return false
	}
	return true
}

func (s *Server) handleListConnections(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	if !s.requireConnections(w, correlationID) {
		return
	}
	tenantID := strings.TrimSpace(r.URL.Query().Get("tenantId"))
	if tenantID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "tenantId is required", correlationID)
		return
	}
	conns, err := s.connections.List(r.Context(), tenantID)
	if err != nil {
		writeEngineError(w, err, correlationID)
		return
	}
	items := make([]syncbridge.Connection, 0, len(conns))
	for _, conn := range conns {
		items = append(items, conn.Redacted())
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	if !s.requireConnections(w, correlationID) {
		return
	}
	provider, err := syncbridge.ParseProvider(mux.Vars(r)["provider"])
	if err != nil {
		writeEngineError(w, err, correlationID)
		return
	}
	state := strings.TrimSpace(r.URL.Query().Get("state"))
	if state == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "state is required", correlationID)
		return
	}
	authURL, err := s.connections.AuthCodeURL(provider, state)
	if err != nil {
		writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": authURL})
}

// handleExchange completes the authorization-code grant and stores the
// resulting connection.
func (s *Server) handleExchange(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	if !s.requireConnections(w, correlationID) {
		return
	}
	var req syncbridge.ExchangeRequest
	if !s.decodeJSONBody(w, r, correlationID, exchangeSchema, &req) {
		return
	}
	conn, err := s.connections.Exchange(r.Context(), req)
	if err != nil {
		writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, conn.Redacted())
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	if !s.requireConnections(w, correlationID) {
		return
	}
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
			return
		}
	}
	conn, err := s.connections.Disconnect(r.Context(), mux.Vars(r)["id"], req.Reason)
	if err != nil {
		writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, conn.Redacted())
}

func (s *Server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	connectionID := mux.Vars(r)["id"]
	limit := parseBoundedInt(r.URL.Query().Get("limit"), defaultLogLimit, 1, maxLogLimit)
	entries, err := s.engine.ListLogs(r.Context(), connectionID, limit)
	if err != nil {
		writeEngineError(w, err, correlationID)
		return
	}
	if entries == nil {
		entries = []syncbridge.SyncLogEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"connectionId": connectionID,
		"entries":      entries,
	})
}

// handleLogStream upgrades to a websocket and pushes the connection's sync
// log: first up to LogStreamBacklog stored entries oldest first, then live
// entries until either side closes.
func (s *Server) handleLogStream(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	connectionID := mux.Vars(r)["id"]
	if s.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "log stream is not configured", correlationID)
		return
	}
	var backlog []syncbridge.SyncLogEntry
	if s.cfg.LogStreamBacklog > 0 {
		var err error
		backlog, err = s.engine.ListLogs(r.Context(), connectionID, s.cfg.LogStreamBacklog)
		if err != nil {
			writeEngineError(w, err, correlationID)
			return
		}
	} else if _, err := s.engine.State().GetConnection(r.Context(), connectionID); err != nil {
		writeEngineError(w, err, correlationID)
		return
	}

	// Subscribe before the upgrade so nothing logged during the handshake is lost.
	entries, cancel := s.hub.Subscribe(connectionID)
	defer cancel()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Debug("log stream upgrade failed", zap.String("connection_id", connectionID), zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")
	ctx := conn.CloseRead(r.Context())

	for i := len(backlog) - 1; i >= 0; i-- {
		if err := writeStreamEntry(ctx, conn, backlog[i]); err != nil {
			return
		}
	}
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case entry, ok := <-entries:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "log hub closed")
				return
			}
			if err := writeStreamEntry(ctx, conn, entry); err != nil {
				s.logger.Debug("log stream write failed", zap.String("connection_id", connectionID), zap.Error(err))
				return
			}
		}
	}
}

func writeStreamEntry(ctx context.Context, conn *websocket.Conn, entry syncbridge.SyncLogEntry) error {
	ctx, cancel := context.WithTimeout(ctx, streamWriteWindow)
	defer cancel()
	return wsjson.Write(ctx, conn, entry)
}

func (s *Server) handleWeather(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	if s.weather == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "weather proxy is not configured", correlationID)
		return
	}
	lat, lon, err := weather.ParseCoordinates(r.URL.Query().Get("lat"), r.URL.Query().Get("lon"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	report, err := s.weather.Current(r.Context(), lat, lon)
	if err != nil {
		if errors.Is(err, weather.ErrNotConfigured) {
			writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error(), correlationID)
			return
		}
		writeError(w, http.StatusBadGateway, "upstream_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
