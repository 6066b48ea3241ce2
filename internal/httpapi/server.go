package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/syncbridge/internal/metrics"
	"github.com/agentworkforce/syncbridge/internal/syncbridge"
	"github.com/agentworkforce/syncbridge/internal/weather"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

type ServerConfig struct {
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	// QuickBooksVerifierToken signs QuickBooks webhook bodies. Empty
	// disables signature checks.
	QuickBooksVerifierToken string
	// GoogleChannelToken must match X-Goog-Channel-Token when set.
	GoogleChannelToken string
	// LogStreamBacklog is how many stored entries a new stream subscriber
	// receives before live ones.
	LogStreamBacklog int
}

type ServerOptions struct {
	Engine      *syncbridge.Engine
	Inbox       *syncbridge.Inbox
	Connections *syncbridge.ConnectionService
	Hub         *syncbridge.LogHub
	Weather     *weather.Client
	Metrics     *metrics.Registry
	Logger      *zap.Logger
	Config      ServerConfig
}

type Server struct {
	engine      *syncbridge.Engine
	inbox       *syncbridge.Inbox
	connections *syncbridge.ConnectionService
	hub         *syncbridge.LogHub
	weather     *weather.Client
	metrics     *metrics.Registry
	logger      *zap.Logger
	cfg         ServerConfig
	rateLimiter *rateLimiter
	router      *mux.Router
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(opts ServerOptions) (*Server, error) {
	if opts.Engine == nil {
		return nil, errors.New("httpapi: engine is required")
	}
	cfg := opts.Config
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.LogStreamBacklog < 0 {
		cfg.LogStreamBacklog = 0
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	s := &Server{
		engine:      opts.Engine,
		inbox:       opts.Inbox,
		connections: opts.Connections,
		hub:         opts.Hub,
		weather:     opts.Weather,
		metrics:     opts.Metrics,
		logger:      opts.Logger,
		cfg:         cfg,
		rateLimiter: limiter,
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	s.router = s.routes()
	return s, nil
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", getCorrelationID(r))
	})
	r.Use(s.correlationMiddleware, s.observeMiddleware)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", s.metricsHandler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.Use(s.rateLimitMiddleware)
	v1.HandleFunc("/sync", s.handleSync).Methods(http.MethodPost)
	v1.HandleFunc("/sync/bulk", s.handleBulk).Methods(http.MethodPost)
	v1.HandleFunc("/queue/drain", s.handleDrain).Methods(http.MethodPost)

	v1.HandleFunc("/webhooks/quickbooks", s.handleQuickBooksWebhook).Methods(http.MethodPost)
	v1.HandleFunc("/webhooks/google-calendar", s.handleGoogleWebhook).Methods(http.MethodPost)
	v1.HandleFunc("/webhooks/dead-letters", s.handleDeadLetters).Methods(http.MethodGet)

	v1.HandleFunc("/connections", s.handleListConnections).Methods(http.MethodGet)
	v1.HandleFunc("/connections", s.handleExchange).Methods(http.MethodPost)
	v1.HandleFunc("/connections/authorize/{provider}", s.handleAuthorize).Methods(http.MethodGet)
	v1.HandleFunc("/connections/{id}/disconnect", s.handleDisconnect).Methods(http.MethodPost)
	v1.HandleFunc("/connections/{id}/poll", s.handlePoll).Methods(http.MethodPost)
	v1.HandleFunc("/connections/{id}/logs", s.handleListLogs).Methods(http.MethodGet)
	v1.HandleFunc("/connections/{id}/logs/stream", s.handleLogStream).Methods(http.MethodGet)

	v1.HandleFunc("/weather", s.handleWeather).Methods(http.MethodGet)
	return r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// metricsHandler samples the queue gauges on every scrape.
func (s *Server) metricsHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.metrics == nil {
			writeError(w, http.StatusNotFound, "not_found", "metrics are disabled", getCorrelationID(r))
			return
		}
		if s.inbox != nil {
			s.metrics.EnvelopeQueueDepth.Set(float64(s.inbox.Depth()))
		}
		if limiter := s.engine.Limiter(); limiter != nil {
			if n, err := limiter.InFlight(r.Context()); err == nil {
				s.metrics.InFlight.Set(float64(n))
			}
		}
		s.metrics.Handler().ServeHTTP(w, r)
	})
}

type correlationKey struct{}

// correlationMiddleware assigns a correlation id when the caller sent none
// and echoes it on the response.
func (s *Server) correlationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Correlation-Id"))
		if id == "" {
			id = "corr_" + uuid.NewString()
			r.Header.Set("X-Correlation-Id", id)
		}
		w.Header().Set("X-Correlation-Id", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), correlationKey{}, id)))
	})
}

func (s *Server) observeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tpl, err := current.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		elapsed := time.Since(started)
		if s.metrics != nil {
			s.metrics.ObserveHTTP(r.Method, route, rec.status, elapsed)
		}
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("route", route),
			zap.Int("status", rec.status),
			zap.Duration("duration", elapsed),
			zap.String("correlation_id", getCorrelationID(r)),
		)
	})
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.rateLimiter != nil && !s.rateLimiter.allow(clientKey(r), time.Now()) {
			w.Header().Set("Retry-After", strconv.Itoa(int(s.cfg.RateLimitWindow.Seconds())))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", getCorrelationID(r))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(status int) {
	if !r.wroteHeader {
		r.status = status
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the websocket upgrade reach the underlying connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("httpapi: response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func getCorrelationID(r *http.Request) string {
	if id, ok := r.Context().Value(correlationKey{}).(string); ok {
		return id
	}
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

// decodeJSONBody reads the body, checks it against schema when one is given
// and unmarshals it into dst.
func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, schema *requestSchema, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if schema != nil {
		if err := schema.validate(body); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
			return false
		}
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

// writeEngineError maps store and engine errors onto HTTP statuses.
func writeEngineError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, syncbridge.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, syncbridge.ErrConnectionInactive):
		writeError(w, http.StatusConflict, "connection_inactive", err.Error(), correlationID)
	case errors.Is(err, syncbridge.ErrUnsupportedEntityType):
		writeError(w, http.StatusBadRequest, "unsupported_entity_type", err.Error(), correlationID)
	case syncbridge.IsClientError(err):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, syncbridge.ErrNotImplemented):
		writeError(w, http.StatusNotImplemented, "not_implemented", err.Error(), correlationID)
	case errors.Is(err, syncbridge.ErrQueueFull):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "queue_full", err.Error(), correlationID)
	case errors.Is(err, syncbridge.ErrAuth):
		writeError(w, http.StatusUnauthorized, "auth_required", err.Error(), correlationID)
	case errors.Is(err, syncbridge.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, "rate_limited", err.Error(), correlationID)
	case isSyncError(err):
		writeError(w, http.StatusBadGateway, "remote_error", err.Error(), correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func isSyncError(err error) bool {
	var syncErr *syncbridge.SyncError
	return errors.As(err, &syncErr)
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	if parsed < min {
		return fallback
	}
	if parsed > max {
		return max
	}
	return parsed
}
