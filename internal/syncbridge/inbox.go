package syncbridge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultInboxWorkers        = 2
	defaultMaxEnvelopeAttempts = 5
	defaultEnvelopeRetryDelay  = 2 * time.Second
	defaultDeliveryWindow      = 24 * time.Hour
	maxTrackedDeliveries       = 10000
	maxDeadLetters             = 500
)

type InboxOptions struct {
	Engine         *Engine
	Queue          EnvelopeQueue
	Adapters       map[Provider]WebhookAdapter
	Workers        int
	MaxAttempts    int
	RetryDelay     time.Duration
	DeliveryWindow time.Duration
	Logger         *zap.Logger
}

// DeadLetter is an envelope that exhausted its processing attempts.
type DeadLetter struct {
	Envelope  Envelope  `json:"envelope"`
	LastError string    `json:"lastError"`
	FailedAt  time.Time `json:"failedAt"`
}

type IngestResult struct {
	Status        string `json:"status"`
	ID            string `json:"id"`
	CorrelationID string `json:"correlationId,omitempty"`
	Duplicate     bool   `json:"duplicate,omitempty"`
}

// Inbox accepts webhook deliveries, persists them on the envelope queue and
// applies them asynchronously. Deliveries are deduplicated by provider and
// delivery id within DeliveryWindow.
type Inbox struct {
	engine      *Engine
	queue       EnvelopeQueue
	adapters    map[Provider]WebhookAdapter
	workers     int
	maxAttempts int
	retryDelay  time.Duration
	window      time.Duration
	logger      *zap.Logger

	mu          sync.Mutex
	deliveries  map[string]time.Time
	deadLetters []DeadLetter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func NewInbox(opts InboxOptions) (*Inbox, error) {
	if opts.Engine == nil {
		return nil, fmt.Errorf("%w: inbox needs an engine", ErrInvalidInput)
	}
	i := &Inbox{
		engine:      opts.Engine,
		queue:       opts.Queue,
		adapters:    opts.Adapters,
		workers:     opts.Workers,
		maxAttempts: opts.MaxAttempts,
		retryDelay:  opts.RetryDelay,
		window:      opts.DeliveryWindow,
		logger:      opts.Logger,
		deliveries:  map[string]time.Time{},
	}
	if i.queue == nil {
		i.queue = NewInMemoryEnvelopeQueue(defaultQueueCapacity)
	}
	if i.adapters == nil {
		i.adapters = DefaultAdapters()
	}
	if i.workers <= 0 {
		i.workers = defaultInboxWorkers
	}
	if i.maxAttempts <= 0 {
		i.maxAttempts = defaultMaxEnvelopeAttempts
	}
	if i.retryDelay <= 0 {
		i.retryDelay = defaultEnvelopeRetryDelay
	}
	if i.window <= 0 {
		i.window = defaultDeliveryWindow
	}
	if i.logger == nil {
		i.logger = opts.Engine.logger
	}
	i.ctx, i.cancel = context.WithCancel(context.Background())
	return i, nil
}

// Start launches the envelope workers. They stop when Close is called.
func (i *Inbox) Start() {
	for n := 0; n < i.workers; n++ {
		i.wg.Add(1)
		go i.worker()
	}
}

func (i *Inbox) Close() error {
	var err error
	i.once.Do(func() {
		i.cancel()
		err = i.queue.Close()
		i.wg.Wait()
	})
	return err
}

// Ingest queues one delivery. A delivery id seen before is acknowledged
// again without being queued twice.
func (i *Inbox) Ingest(env Envelope) (IngestResult, error) {
	if _, ok := i.adapters[env.Provider]; !ok {
		return IngestResult{}, fmt.Errorf("%w: no webhook adapter for provider %q", ErrInvalidInput, env.Provider)
	}
	now := i.engine.now()
	env.DeliveryID = strings.TrimSpace(env.DeliveryID)
	if env.DeliveryID == "" {
		env.DeliveryID = "dlv_" + uuid.NewString()
	}
	if env.ID == "" {
		env.ID = "env_" + uuid.NewString()
	}
	if env.ReceivedAt.IsZero() {
		env.ReceivedAt = now
	}
	env.Attempts = 0

	key := string(env.Provider) + "|" + env.DeliveryID
	i.mu.Lock()
	if seen, ok := i.deliveries[key]; ok && now.Sub(seen) < i.window {
		i.mu.Unlock()
		i.engine.recorder.ObserveInbound(env.Provider, "duplicate")
		return IngestResult{Status: "queued", ID: env.ID, CorrelationID: env.CorrelationID, Duplicate: true}, nil
	}
	i.deliveries[key] = now
	i.pruneDeliveriesLocked(now)
	i.mu.Unlock()

	if !i.queue.TryEnqueue(env) {
		i.mu.Lock()
		delete(i.deliveries, key)
		i.mu.Unlock()
		i.engine.recorder.ObserveInbound(env.Provider, "rejected")
		return IngestResult{}, ErrQueueFull
	}
	i.engine.recorder.ObserveInbound(env.Provider, "queued")
	return IngestResult{Status: "queued", ID: env.ID, CorrelationID: env.CorrelationID}, nil
}

func (i *Inbox) pruneDeliveriesLocked(now time.Time) {
	if len(i.deliveries) <= maxTrackedDeliveries {
		return
	}
	for key, seen := range i.deliveries {
		if now.Sub(seen) >= i.window {
			delete(i.deliveries, key)
		}
	}
}

// DeadLetters returns dead-lettered envelopes, newest first.
func (i *Inbox) DeadLetters() []DeadLetter {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := append([]DeadLetter(nil), i.deadLetters...)
	sort.SliceStable(out, func(a, b int) bool { return out[a].FailedAt.After(out[b].FailedAt) })
	return out
}

func (i *Inbox) Depth() int {
	return i.queue.Depth()
}

func (i *Inbox) worker() {
	defer i.wg.Done()
	for {
		env, ok := i.queue.Dequeue(i.ctx)
		if !ok {
			return
		}
		i.process(i.ctx, env)
	}
}

// process applies one envelope. Failures are retried with a growing delay
// until maxAttempts, then the envelope is dead-lettered.
func (i *Inbox) process(ctx context.Context, env Envelope) {
	env.Attempts++
	err := i.apply(ctx, env)
	if err == nil {
		return
	}
	if ctx.Err() != nil {
		return
	}
	if errors.Is(err, ErrInvalidInput) || env.Attempts >= i.maxAttempts {
		i.deadLetter(ctx, env, err)
		return
	}
	delay := i.retryDelay * time.Duration(env.Attempts)
	i.logger.Info("webhook envelope will be retried",
		zap.String("envelope_id", env.ID),
		zap.String("provider", string(env.Provider)),
		zap.Int("attempt", env.Attempts),
		zap.Duration("delay", delay),
		zap.Error(err),
	)
	time.AfterFunc(delay, func() {
		if i.ctx.Err() != nil {
			return
		}
		if !i.queue.TryEnqueue(env) {
			go i.queue.Enqueue(i.ctx, env)
		}
	})
}

func (i *Inbox) apply(ctx context.Context, env Envelope) error {
	adapter, ok := i.adapters[env.Provider]
	if !ok {
		return fmt.Errorf("%w: no webhook adapter for provider %q", ErrInvalidInput, env.Provider)
	}
	changes, err := adapter.ParseEnvelope(env)
	if err != nil {
		return err
	}
	var failures []string
	for _, change := range changes {
		if err := i.applyChange(ctx, change); err != nil {
			failures = append(failures, err.Error())
		}
	}
	if len(failures) > 0 {
		return fmt.Errorf("%d of %d changes failed: %s", len(failures), len(changes), strings.Join(failures, "; "))
	}
	return nil
}

// applyChange routes a change to its connection. Errors returned here are
// worth retrying; permanent per-change failures are already in the sync log.
func (i *Inbox) applyChange(ctx context.Context, change RemoteChange) error {
	if change.Operation == ChangeFeedPoll {
		result, err := i.engine.PollChanges(ctx, change.ConnectionID)
		switch {
		case errors.Is(err, ErrNotFound), errors.Is(err, ErrConnectionInactive):
			i.logger.Info("change feed poll skipped",
				zap.String("connection_id", change.ConnectionID),
				zap.Error(err),
			)
			return nil
		case err != nil:
			if !ClassifyError(err).Retryable() {
				return nil
			}
			return err
		case result.Deferred:
			return fmt.Errorf("change feed for %s: %w", change.ConnectionID, ErrInFlightLimit)
		case result.Retryable:
			return fmt.Errorf("change feed for %s has retryable failures", change.ConnectionID)
		}
		return nil
	}

	connectionIDs, err := i.connectionsFor(ctx, change)
	if err != nil {
		return err
	}
	if len(connectionIDs) == 0 {
		i.logger.Info("remote change has no active connection",
			zap.String("provider", string(change.Provider)),
			zap.String("account_id", change.AccountID),
			zap.String("remote_id", change.RemoteID),
		)
		return nil
	}
	for _, connectionID := range connectionIDs {
		result, err := i.engine.ApplyRemoteChange(ctx, connectionID, change)
		if err != nil {
			return err
		}
		if result.Retryable {
			return fmt.Errorf("%s %s: %s", change.RemoteType, change.RemoteID, result.Error)
		}
	}
	return nil
}

func (i *Inbox) connectionsFor(ctx context.Context, change RemoteChange) ([]string, error) {
	if change.ConnectionID != "" {
		return []string{change.ConnectionID}, nil
	}
	conns, err := i.engine.state.ListConnectionsByAccount(ctx, change.Provider, change.AccountID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(conns))
	for _, conn := range conns {
		if conn.Active {
			ids = append(ids, conn.ID)
		}
	}
	return ids, nil
}

func (i *Inbox) deadLetter(ctx context.Context, env Envelope, cause error) {
	now := i.engine.now()
	i.mu.Lock()
	i.deadLetters = append(i.deadLetters, DeadLetter{Envelope: env, LastError: cause.Error(), FailedAt: now})
	if len(i.deadLetters) > maxDeadLetters {
		i.deadLetters = i.deadLetters[len(i.deadLetters)-maxDeadLetters:]
	}
	i.mu.Unlock()

	i.engine.recorder.ObserveInbound(env.Provider, "dead_lettered")
	i.logger.Error("webhook envelope dead-lettered",
		zap.String("envelope_id", env.ID),
		zap.String("provider", string(env.Provider)),
		zap.String("delivery_id", env.DeliveryID),
		zap.Int("attempts", env.Attempts),
		zap.Error(cause),
	)
	for _, conn := range i.envelopeConnections(ctx, env) {
		i.engine.appendLog(ctx, SyncLogEntry{
			ID:           uuid.NewString(),
			TenantID:     conn.TenantID,
			ConnectionID: conn.ID,
			Operation:    OperationWebhook,
			Direction:    DirectionFromRemote,
			Outcome:      string(OutcomeFailed),
			Failed:       1,
			StartedAt:    env.ReceivedAt,
			FinishedAt:   now,
			ErrorMessage: fmt.Sprintf("webhook %s dead-lettered after %d attempts: %v", env.DeliveryID, env.Attempts, cause),
			ErrorClass:   ClassifyError(cause),
		})
	}
}

// envelopeConnections finds the connections a possibly malformed envelope
// was addressed to, for logging.
func (i *Inbox) envelopeConnections(ctx context.Context, env Envelope) []Connection {
	ctx = context.WithoutCancel(ctx)
	var out []Connection
	switch env.Provider {
	case ProviderGoogleCalendar:
		if id := headerValue(env.Headers, HeaderGoogleChannelID); id != "" {
			if conn, err := i.engine.state.GetConnection(ctx, id); err == nil {
				out = append(out, conn)
			}
		}
	case ProviderQuickBooks:
		for _, realm := range quickBooksRealms(env.Payload) {
			conns, err := i.engine.state.ListConnectionsByAccount(ctx, ProviderQuickBooks, realm)
			if err != nil {
				continue
			}
			out = append(out, conns...)
		}
	}
	return out
}
