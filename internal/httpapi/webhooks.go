package httpapi

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/agentworkforce/syncbridge/internal/syncbridge"
	"go.uber.org/zap"
)

const headerIntuitSignature = "intuit-signature"

var googleWebhookHeaders = []string{
	syncbridge.HeaderGoogleChannelID,
	syncbridge.HeaderGoogleChannelToken,
	syncbridge.HeaderGoogleResourceState,
	syncbridge.HeaderGoogleMessageNumber,
}

// handleQuickBooksWebhook acknowledges a data change notification once it
// is on the envelope queue. Processing happens on the inbox workers.
func (s *Server) handleQuickBooksWebhook(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	signature := r.Header.Get(headerIntuitSignature)
	if s.cfg.QuickBooksVerifierToken != "" {
		if authErr := verifyQuickBooksSignature(s.cfg.QuickBooksVerifierToken, signature, body); authErr != nil {
			s.logger.Warn("rejected quickbooks webhook", zap.String("reason", authErr.message), zap.String("correlation_id", correlationID))
			writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
			return
		}
	}
	if err := quickBooksSchema.validate(body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}

	deliveryID := strings.TrimSpace(signature)
	if deliveryID == "" {
		sum := sha256.Sum256(body)
		deliveryID = hex.EncodeToString(sum[:])
	}
	s.ingest(w, syncbridge.Envelope{
		Provider:      syncbridge.ProviderQuickBooks,
		DeliveryID:    deliveryID,
		CorrelationID: correlationID,
		Headers:       map[string]string{headerIntuitSignature: signature},
		Payload:       json.RawMessage(body),
	}, correlationID)
}

// handleGoogleWebhook accepts a push channel notification. Google sends the
// change only as headers; the inbox polls the calendar's change feed.
func (s *Server) handleGoogleWebhook(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	channelID := strings.TrimSpace(r.Header.Get(syncbridge.HeaderGoogleChannelID))
	if channelID == "" || strings.TrimSpace(r.Header.Get(syncbridge.HeaderGoogleResourceState)) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing channel headers", correlationID)
		return
	}
	if s.cfg.GoogleChannelToken != "" {
		if authErr := verifyGoogleChannelToken(s.cfg.GoogleChannelToken, r.Header.Get(syncbridge.HeaderGoogleChannelToken)); authErr != nil {
			s.logger.Warn("rejected google webhook", zap.String("channel_id", channelID), zap.String("correlation_id", correlationID))
			writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
			return
		}
	}

	headers := map[string]string{}
	for _, name := range googleWebhookHeaders {
		if value := strings.TrimSpace(r.Header.Get(name)); value != "" {
			headers[name] = value
		}
	}
	env := syncbridge.Envelope{
		Provider:      syncbridge.ProviderGoogleCalendar,
		CorrelationID: correlationID,
		Headers:       headers,
	}
	if number := headers[syncbridge.HeaderGoogleMessageNumber]; number != "" {
		env.DeliveryID = channelID + ":" + number
	}
	if len(body) > 0 && json.Valid(body) {
		env.Payload = json.RawMessage(body)
	}
	s.ingest(w, env, correlationID)
}

func (s *Server) ingest(w http.ResponseWriter, env syncbridge.Envelope, correlationID string) {
	if s.inbox == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "webhook inbox is not configured", correlationID)
		return
	}
	result, err := s.inbox.Ingest(env)
	if err != nil {
		switch {
		case errors.Is(err, syncbridge.ErrInvalidInput):
			writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		case errors.Is(err, syncbridge.ErrQueueFull):
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusServiceUnavailable, "queue_full", err.Error(), correlationID)
		default:
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		}
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	if s.inbox == nil {
		writeJSON(w, http.StatusOK, map[string]any{"items": []syncbridge.DeadLetter{}})
		return
	}
	items := s.inbox.DeadLetters()
	if items == nil {
		items = []syncbridge.DeadLetter{}
	}
	limit := parseBoundedInt(r.URL.Query().Get("limit"), len(items), 1, len(items)+1)
	if limit < len(items) {
		items = items[:limit]
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}
