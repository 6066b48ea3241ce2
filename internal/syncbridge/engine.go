package syncbridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const (
	defaultMaxRetries       = 5
	defaultRefreshSkew      = time.Minute
	defaultRemoteTimeout    = 20 * time.Second
	defaultDrainBatch       = 25
	defaultDrainConcurrency = 4
)

// ProjectFallback decides which local project an inbound-created record is
// attached to when the change carries no project context.
type ProjectFallback string

const (
	ProjectFallbackNone              ProjectFallback = "none"
	ProjectFallbackLatestActive      ProjectFallback = "latest_active_project"
	ProjectFallbackConnectionDefault ProjectFallback = "connection_default"
)

func ParseProjectFallback(raw string) (ProjectFallback, error) {
	switch ProjectFallback(raw) {
	case "":
		return ProjectFallbackNone, nil
	case ProjectFallbackNone, ProjectFallbackLatestActive, ProjectFallbackConnectionDefault:
		return ProjectFallback(raw), nil
	default:
		return "", fmt.Errorf("%w: project fallback %q", ErrInvalidInput, raw)
	}
}

// Recorder receives sync telemetry. internal/metrics provides the
// prometheus implementation.
type Recorder interface {
	ObserveSync(provider Provider, entityType EntityType, outcome SyncOutcome, class ErrorClass)
	ObserveRefresh(provider Provider, status string)
	ObserveRemoteCall(provider Provider, op string, duration time.Duration, err error)
	ObserveInbound(provider Provider, outcome SyncOutcome)
}

type noopRecorder struct{}

func (noopRecorder) ObserveSync(Provider, EntityType, SyncOutcome, ErrorClass) {}
func (noopRecorder) ObserveRefresh(Provider, string)                           {}
func (noopRecorder) ObserveRemoteCall(Provider, string, time.Duration, error)  {}
func (noopRecorder) ObserveInbound(Provider, SyncOutcome)                      {}

type EngineOptions struct {
	State     State
	Clients   map[Provider]RemoteClient
	Refresher Refresher
	Limiter   InFlightLimiter
	Hub       *LogHub
	Logger    *zap.Logger
	Recorder  Recorder
	Now       func() time.Time

	MaxRetries       int
	RefreshSkew      time.Duration
	RemoteTimeout    time.Duration
	DrainBatch       int
	DrainConcurrency int
	ProjectFallback  ProjectFallback
}

type Engine struct {
	state     State
	clients   map[Provider]RemoteClient
	refresher Refresher
	limiter   InFlightLimiter
	hub       *LogHub
	logger    *zap.Logger
	recorder  Recorder
	now       func() time.Time

	maxRetries       int
	refreshSkew      time.Duration
	remoteTimeout    time.Duration
	drainBatch       int
	drainConcurrency int
	projectFallback  ProjectFallback
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.State == nil {
		return nil, fmt.Errorf("%w: engine needs a state store", ErrInvalidInput)
	}
	if opts.Refresher == nil {
		return nil, fmt.Errorf("%w: engine needs a token refresher", ErrInvalidInput)
	}
	e := &Engine{
		state:            opts.State,
		clients:          map[Provider]RemoteClient{},
		refresher:        opts.Refresher,
		limiter:          opts.Limiter,
		hub:              opts.Hub,
		logger:           opts.Logger,
		recorder:         opts.Recorder,
		now:              opts.Now,
		maxRetries:       opts.MaxRetries,
		refreshSkew:      opts.RefreshSkew,
		remoteTimeout:    opts.RemoteTimeout,
		drainBatch:       opts.DrainBatch,
		drainConcurrency: opts.DrainConcurrency,
		projectFallback:  opts.ProjectFallback,
	}
	for provider, client := range opts.Clients {
		if client != nil {
			e.clients[provider] = client
		}
	}
	if e.limiter == nil {
		e.limiter = NewLocalInFlightLimiter(defaultDrainConcurrency)
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	if e.recorder == nil {
		e.recorder = noopRecorder{}
	}
	if e.now == nil {
		e.now = func() time.Time { return time.Now().UTC() }
	}
	if e.maxRetries <= 0 {
		e.maxRetries = defaultMaxRetries
	}
	if e.refreshSkew < 0 {
		e.refreshSkew = 0
	} else if e.refreshSkew == 0 {
		e.refreshSkew = defaultRefreshSkew
	}
	if e.remoteTimeout <= 0 {
		e.remoteTimeout = defaultRemoteTimeout
	}
	if e.drainBatch <= 0 {
		e.drainBatch = defaultDrainBatch
	}
	if e.drainConcurrency <= 0 {
		e.drainConcurrency = defaultDrainConcurrency
	}
	if e.projectFallback == "" {
		e.projectFallback = ProjectFallbackNone
	}
	return e, nil
}

func (e *Engine) State() State {
	return e.state
}

func (e *Engine) Limiter() InFlightLimiter {
	return e.limiter
}

func (e *Engine) client(provider Provider) (RemoteClient, error) {
	client, ok := e.clients[provider]
	if !ok {
		return nil, fmt.Errorf("%w: no client for provider %s", ErrNotImplemented, provider)
	}
	return client, nil
}

// ListLogs returns the newest log entries for a connection.
func (e *Engine) ListLogs(ctx context.Context, connectionID string, limit int) ([]SyncLogEntry, error) {
	if _, err := e.state.GetConnection(ctx, connectionID); err != nil {
		return nil, err
	}
	return e.state.ListLogs(ctx, connectionID, limit)
}

// appendLog persists entry and fans it out to live subscribers. A log write
// failure never changes the outcome of the operation being logged.
func (e *Engine) appendLog(ctx context.Context, entry SyncLogEntry) {
	if entry.FinishedAt.IsZero() {
		entry.FinishedAt = e.now()
	}
	stored, err := e.state.AppendLog(context.WithoutCancel(ctx), entry)
	if err != nil {
		e.logger.Warn("append sync log failed",
			zap.String("connection_id", entry.ConnectionID),
			zap.String("operation", entry.Operation),
			zap.Error(err),
		)
		stored = entry
	}
	if e.hub != nil {
		e.hub.Publish(stored)
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
