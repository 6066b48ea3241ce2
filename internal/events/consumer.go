// Package events turns "entity changed" domain events from kafka into
// PendingSync rows, and "entity deleted" events into remote deletes.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/agentworkforce/syncbridge/internal/syncbridge"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const (
	ActionCreated = "created"
	ActionUpdated = "updated"
	ActionDeleted = "deleted"

	maxHandleBackoff = 5 * time.Second
)

// Event is the message value on the entity-changes topic.
type Event struct {
	TenantID     string `json:"tenantId"`
	ConnectionID string `json:"connectionId,omitempty"`
	EntityType   string `json:"entityType"`
	EntityID     string `json:"entityId"`
	Action       string `json:"action"`
	Priority     int    `json:"priority,omitempty"`
}

// Reader is the subset of *kafka.Reader the consumer needs.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Enqueuer interface {
	EnqueueEntity(ctx context.Context, req syncbridge.EnqueueRequest) (syncbridge.PendingSync, bool, error)
}

// Deleter removes the remote counterpart of a deleted local entity.
type Deleter interface {
	DeleteRemote(ctx context.Context, connectionID string, entityType syncbridge.EntityType, entityID string) (syncbridge.SyncResult, error)
}

type ConnectionLister interface {
	ListConnections(ctx context.Context, tenantID string) ([]syncbridge.Connection, error)
}

type ReaderConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// NewKafkaReader builds a consumer-group reader that commits explicitly.
func NewKafkaReader(cfg ReaderConfig) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		GroupID:        cfg.GroupID,
		Topic:          cfg.Topic,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        time.Second,
		CommitInterval: 0,
		StartOffset:    kafka.LastOffset,
	})
}

type ConsumerOptions struct {
	Reader      Reader
	Enqueuer    Enqueuer
	Connections ConnectionLister
	// Deleter handles deleted events. Without one they are skipped.
	Deleter Deleter
	Logger  *zap.Logger
	// RetryDelay is the first backoff after a failed store write.
	RetryDelay time.Duration
}

type Consumer struct {
	reader      Reader
	enqueuer    Enqueuer
	connections ConnectionLister
	deleter     Deleter
	logger      *zap.Logger
	retryDelay  time.Duration
}

// HandleResult lists what one event produced.
type HandleResult struct {
	Queued  int
	Merged  int
	Deleted int
	Skipped int
}

// errPoison marks an event that can never be processed; it is committed so
// it does not block the partition.
var errPoison = errors.New("unprocessable event")

func NewConsumer(opts ConsumerOptions) (*Consumer, error) {
	if opts.Reader == nil || opts.Enqueuer == nil || opts.Connections == nil {
		return nil, fmt.Errorf("%w: consumer needs a reader, an enqueuer and a connection lister", syncbridge.ErrInvalidInput)
	}
	c := &Consumer{
		reader:      opts.Reader,
		enqueuer:    opts.Enqueuer,
		connections: opts.Connections,
		deleter:     opts.Deleter,
		logger:      opts.Logger,
		retryDelay:  opts.RetryDelay,
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.retryDelay <= 0 {
		c.retryDelay = 100 * time.Millisecond
	}
	return c, nil
}

// Run consumes until ctx is cancelled. Each message is committed once it
// has been handled or found unprocessable; store failures are retried with
// backoff so no event is skipped.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.reader.Close()
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("fetch domain event failed", zap.Error(err))
			if !sleep(ctx, c.retryDelay) {
				return nil
			}
			continue
		}

		if !c.handleWithRetry(ctx, msg) {
			return nil
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("commit domain event failed", zap.Int64("offset", msg.Offset), zap.Error(err))
		}
	}
}

func (c *Consumer) handleWithRetry(ctx context.Context, msg kafka.Message) bool {
	delay := c.retryDelay
	for attempt := 1; ; attempt++ {
		result, err := c.Handle(ctx, msg.Value)
		switch {
		case err == nil:
			c.logger.Debug("domain event handled",
				zap.Int64("offset", msg.Offset),
				zap.Int("queued", result.Queued),
				zap.Int("merged", result.Merged),
				zap.Int("deleted", result.Deleted),
				zap.Int("skipped", result.Skipped),
			)
			return true
		case errors.Is(err, errPoison):
			c.logger.Warn("dropping unprocessable domain event",
				zap.Int64("offset", msg.Offset),
				zap.String("key", string(msg.Key)),
				zap.Error(err),
			)
			return true
		}
		c.logger.Warn("handle domain event failed",
			zap.Int64("offset", msg.Offset),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if !sleep(ctx, delay) {
			return false
		}
		delay *= 2
		if delay > maxHandleBackoff {
			delay = maxHandleBackoff
		}
	}
}

// Handle enqueues outbound syncs for one encoded Event. Without a
// connection id the event fans out to every active connection of the
// tenant whose provider syncs the entity type.
func (c *Consumer) Handle(ctx context.Context, value []byte) (HandleResult, error) {
	var event Event
	if err := json.Unmarshal(value, &event); err != nil {
		return HandleResult{}, fmt.Errorf("%w: decode: %v", errPoison, err)
	}
	event.TenantID = strings.TrimSpace(event.TenantID)
	event.EntityID = strings.TrimSpace(event.EntityID)
	if event.TenantID == "" || event.EntityID == "" {
		return HandleResult{}, fmt.Errorf("%w: tenantId and entityId are required", errPoison)
	}
	entityType, err := syncbridge.ParseEntityType(event.EntityType)
	if err != nil {
		return HandleResult{}, fmt.Errorf("%w: %v", errPoison, err)
	}
	deleted := false
	switch strings.ToLower(strings.TrimSpace(event.Action)) {
	case ActionDeleted:
		if c.deleter == nil {
			return HandleResult{Skipped: 1}, nil
		}
		deleted = true
	case "", ActionCreated, ActionUpdated:
	default:
		return HandleResult{}, fmt.Errorf("%w: action %q", errPoison, event.Action)
	}

	targets, err := c.targets(ctx, event, entityType)
	if err != nil {
		return HandleResult{}, err
	}
	if deleted {
		return c.handleDelete(ctx, targets, entityType, event.EntityID)
	}
	var result HandleResult
	for _, connectionID := range targets {
		_, created, err := c.enqueuer.EnqueueEntity(ctx, syncbridge.EnqueueRequest{
			ConnectionID: connectionID,
			EntityType:   entityType,
			EntityID:     event.EntityID,
			Direction:    syncbridge.DirectionToRemote,
			Priority:     event.Priority,
		})
		switch {
		case err == nil && created:
			result.Queued++
		case err == nil:
			result.Merged++
		case isPermanent(err):
			c.logger.Info("domain event not enqueued",
				zap.String("connection_id", connectionID),
				zap.String("entity_type", string(entityType)),
				zap.String("entity_id", event.EntityID),
				zap.Error(err),
			)
			result.Skipped++
		default:
			return result, err
		}
	}
	return result, nil
}

// handleDelete deletes the entity's remote counterpart on every target.
// Retryable outcomes come back as errors so the event is handled again.
func (c *Consumer) handleDelete(ctx context.Context, targets []string, entityType syncbridge.EntityType, entityID string) (HandleResult, error) {
	var result HandleResult
	for _, connectionID := range targets {
		outcome, err := c.deleter.DeleteRemote(ctx, connectionID, entityType, entityID)
		switch {
		case err == nil && outcome.Outcome == syncbridge.OutcomeDeleted:
			result.Deleted++
		case err == nil && outcome.Retryable:
			return result, fmt.Errorf("delete %s %s on %s: %s", entityType, entityID, connectionID, outcome.Error)
		case err == nil:
			result.Skipped++
		case isPermanent(err):
			c.logger.Info("remote delete skipped",
				zap.String("connection_id", connectionID),
				zap.String("entity_type", string(entityType)),
				zap.String("entity_id", entityID),
				zap.Error(err),
			)
			result.Skipped++
		default:
			return result, err
		}
	}
	return result, nil
}

func (c *Consumer) targets(ctx context.Context, event Event, entityType syncbridge.EntityType) ([]string, error) {
	if id := strings.TrimSpace(event.ConnectionID); id != "" {
		return []string{id}, nil
	}
	conns, err := c.connections.ListConnections(ctx, event.TenantID)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, conn := range conns {
		if !conn.Active || conn.SyncDirection == syncbridge.DirectionFromRemote {
			continue
		}
		for _, supported := range syncbridge.EntityTypesFor(conn.Provider) {
			if supported == entityType {
				out = append(out, conn.ID)
				break
			}
		}
	}
	return out, nil
}

func isPermanent(err error) bool {
	return errors.Is(err, syncbridge.ErrNotFound) ||
		errors.Is(err, syncbridge.ErrConnectionInactive) ||
		syncbridge.IsClientError(err)
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
