package syncbridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type EnqueueRequest struct {
	ConnectionID string     `json:"connectionId"`
	EntityType   EntityType `json:"entityType"`
	EntityID     string     `json:"entityId"`
	Direction    Direction  `json:"direction,omitempty"`
	Priority     int        `json:"priority,omitempty"`
}

// EnqueueEntity records one PendingSync. The bool result is false when the
// entity was already outstanding and the existing row absorbed the request.
func (e *Engine) EnqueueEntity(ctx context.Context, req EnqueueRequest) (PendingSync, bool, error) {
	conn, err := e.state.GetConnection(ctx, req.ConnectionID)
	if err != nil {
		return PendingSync{}, false, err
	}
	if !conn.Active {
		return PendingSync{}, false, ErrConnectionInactive
	}
	if _, err := specFor(conn.Provider, req.EntityType); err != nil {
		return PendingSync{}, false, err
	}
	direction := req.Direction
	switch direction {
	case "":
		direction = DirectionToRemote
	case DirectionToRemote, DirectionFromRemote:
	default:
		return PendingSync{}, false, fmt.Errorf("%w: direction %q", ErrInvalidInput, req.Direction)
	}
	item, created, err := e.state.UpsertPending(ctx, PendingSync{
		ID:           uuid.NewString(),
		TenantID:     conn.TenantID,
		ConnectionID: conn.ID,
		EntityType:   req.EntityType,
		EntityID:     strings.TrimSpace(req.EntityID),
		Direction:    direction,
		Priority:     req.Priority,
		ScheduledAt:  e.now(),
	})
	if err != nil {
		return item, created, err
	}
	if direction == DirectionToRemote {
		e.markPending(ctx, conn, item.EntityType, item.EntityID)
	}
	return item, created, nil
}

// markPending gives an entity queued for its first push a mapping in the
// pending state. Entities that already have a mapping keep it.
func (e *Engine) markPending(ctx context.Context, conn Connection, entityType EntityType, entityID string) {
	_, _, err := e.state.InsertMappingIfAbsent(ctx, EntityMapping{
		TenantID:     conn.TenantID,
		ConnectionID: conn.ID,
		LocalType:    entityType,
		LocalID:      entityID,
		RemoteType:   RemoteTypeFor(entityType),
		Status:       MappingPending,
	})
	if err != nil {
		e.logger.Warn("record pending mapping failed",
			zap.String("connection_id", conn.ID),
			zap.String("entity_type", string(entityType)),
			zap.String("entity_id", entityID),
			zap.Error(err),
		)
	}
}

type BulkRequest struct {
	ConnectionID string   `json:"connectionId"`
	EntityType   string   `json:"entityType"`
	EntityIDs    []string `json:"entityIds,omitempty"`
	Priority     int      `json:"priority,omitempty"`
}

type EntityError struct {
	EntityType EntityType `json:"entityType"`
	EntityID   string     `json:"entityId,omitempty"`
	Error      string     `json:"error"`
	ErrorClass ErrorClass `json:"errorClass,omitempty"`
}

type BulkResult struct {
	Queued int           `json:"queued"`
	Failed int           `json:"failed"`
	Errors []EntityError `json:"errors,omitempty"`
}

// EnqueueBulk turns a bulk request into PendingSync rows. Without explicit
// ids every local entity lacking a synced mapping is targeted. A failure for
// one type or entity is reported in the result and never stops the rest.
func (e *Engine) EnqueueBulk(ctx context.Context, req BulkRequest) (BulkResult, error) {
	started := e.now()
	var result BulkResult
	conn, err := e.state.GetConnection(ctx, req.ConnectionID)
	if err != nil {
		return result, err
	}
	if !conn.Active {
		return result, ErrConnectionInactive
	}

	var types []EntityType
	if strings.EqualFold(strings.TrimSpace(req.EntityType), EntityTypeAll) {
		if len(req.EntityIDs) > 0 {
			return result, fmt.Errorf("%w: explicit entity ids need a single entity type", ErrInvalidInput)
		}
		types = EntityTypesFor(conn.Provider)
	} else {
		entityType, err := ParseEntityType(req.EntityType)
		if err != nil {
			return result, err
		}
		if _, err := specFor(conn.Provider, entityType); err != nil {
			return result, err
		}
		types = []EntityType{entityType}
	}

	for _, entityType := range types {
		ids := req.EntityIDs
		if len(ids) == 0 {
			ids, err = e.unsyncedEntityIDs(ctx, conn, entityType)
			if err != nil {
				result.Failed++
				result.Errors = append(result.Errors, EntityError{EntityType: entityType, Error: err.Error(), ErrorClass: ClassifyError(err)})
				e.logger.Warn("bulk enumeration failed",
					zap.String("connection_id", conn.ID),
					zap.String("entity_type", string(entityType)),
					zap.Error(err),
				)
				continue
			}
		}
		for _, id := range ids {
			id = strings.TrimSpace(id)
			if id == "" {
				continue
			}
			_, _, err := e.state.UpsertPending(ctx, PendingSync{
				ID:           uuid.NewString(),
				TenantID:     conn.TenantID,
				ConnectionID: conn.ID,
				EntityType:   entityType,
				EntityID:     id,
				Direction:    DirectionToRemote,
				Priority:     req.Priority,
				ScheduledAt:  e.now(),
			})
			if err != nil {
				result.Failed++
				result.Errors = append(result.Errors, EntityError{EntityType: entityType, EntityID: id, Error: err.Error(), ErrorClass: ClassifyError(err)})
				continue
			}
			e.markPending(ctx, conn, entityType, id)
			result.Queued++
		}
	}

	entry := SyncLogEntry{
		ID:           uuid.NewString(),
		TenantID:     conn.TenantID,
		ConnectionID: conn.ID,
		Operation:    OperationBulkEnqueue,
		Direction:    DirectionToRemote,
		Outcome:      bulkOutcome(result),
		Processed:    result.Queued + result.Failed,
		Created:      result.Queued,
		Failed:       result.Failed,
		StartedAt:    started,
		FinishedAt:   e.now(),
	}
	if len(types) == 1 {
		entry.EntityType = types[0]
	}
	if len(result.Errors) > 0 {
		entry.ErrorMessage = result.Errors[0].Error
		entry.ErrorClass = result.Errors[0].ErrorClass
		entry.Retryable = entry.ErrorClass.Retryable()
	}
	e.appendLog(ctx, entry)
	e.logger.Info("bulk enqueue finished",
		zap.String("connection_id", conn.ID),
		zap.String("entity_type", req.EntityType),
		zap.Int("queued", result.Queued),
		zap.Int("failed", result.Failed),
	)
	return result, nil
}

func bulkOutcome(result BulkResult) string {
	switch {
	case result.Failed == 0:
		return "queued"
	case result.Queued == 0:
		return string(OutcomeFailed)
	default:
		return "partial"
	}
}

func (e *Engine) unsyncedEntityIDs(ctx context.Context, conn Connection, entityType EntityType) ([]string, error) {
	ids, err := e.state.ListEntityIDs(ctx, conn.TenantID, entityType)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", entityType, err)
	}
	mappings, err := e.state.ListMappings(ctx, conn.ID, entityType)
	if err != nil {
		return nil, fmt.Errorf("list %s mappings: %w", entityType, err)
	}
	synced := make(map[string]struct{}, len(mappings))
	for _, mapping := range mappings {
		if mapping.Status == MappingSynced {
			synced[mapping.LocalID] = struct{}{}
		}
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := synced[id]; !ok {
			out = append(out, id)
		}
	}
	return out, nil
}

type DrainResult struct {
	Claimed  int `json:"claimed"`
	Done     int `json:"done"`
	Failed   int `json:"failed"`
	Retrying int `json:"retrying"`
	Deferred int `json:"deferred"`
}

// Drain claims due PendingSync rows and processes them with bounded fan-out.
// A row that cannot get an in-flight slot goes back to pending untouched.
func (e *Engine) Drain(ctx context.Context) (DrainResult, error) {
	rows, err := e.state.ClaimPending(ctx, e.drainBatch, e.now())
	if err != nil {
		return DrainResult{}, err
	}
	result := DrainResult{Claimed: len(rows)}
	if len(rows) == 0 {
		return result, nil
	}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(e.drainConcurrency)
	for _, row := range rows {
		row := row
		g.Go(func() error {
			slotCtx, release, ok := e.acquireSlot(ctx)
			if !ok {
				if releaseErr := e.state.ReleasePending(ctx, row.ID); releaseErr != nil {
					e.logger.Warn("release pending sync failed", zap.String("pending_id", row.ID), zap.Error(releaseErr))
				}
				mu.Lock()
				result.Deferred++
				mu.Unlock()
				return nil
			}
			defer release()

			outcome, runErr := e.runPending(slotCtx, row)
			status, lastError := PendingDone, ""
			switch {
			case runErr != nil:
				status, lastError = PendingFailed, runErr.Error()
			case !pendingSucceeded(outcome.Outcome):
				status, lastError = PendingFailed, outcome.Error
				if lastError == "" {
					lastError = string(outcome.Outcome)
				}
			}
			if err := e.state.CompletePending(context.WithoutCancel(ctx), row.ID, status, lastError); err != nil {
				e.logger.Warn("complete pending sync failed", zap.String("pending_id", row.ID), zap.Error(err))
			}
			mu.Lock()
			defer mu.Unlock()
			switch {
			case status == PendingDone:
				result.Done++
			case outcome.Outcome == OutcomePendingRetry:
				result.Retrying++
			default:
				result.Failed++
			}
			return nil
		})
	}
	_ = g.Wait()
	e.logger.Info("drain finished",
		zap.Int("claimed", result.Claimed),
		zap.Int("done", result.Done),
		zap.Int("failed", result.Failed),
		zap.Int("retrying", result.Retrying),
		zap.Int("deferred", result.Deferred),
	)
	return result, nil
}

func (e *Engine) runPending(ctx context.Context, row PendingSync) (SyncResult, error) {
	switch row.Direction {
	case DirectionFromRemote:
		return e.SyncFromRemote(ctx, row.ConnectionID, row.EntityType, row.EntityID)
	default:
		return e.SyncToRemote(ctx, row.ConnectionID, row.EntityType, row.EntityID)
	}
}

func pendingSucceeded(outcome SyncOutcome) bool {
	switch outcome {
	case OutcomeSynced, OutcomeSkipped, OutcomeApplied, OutcomeCreated, OutcomeDeleted, OutcomeIgnored, OutcomeStale, OutcomeDropped:
		return true
	default:
		return false
	}
}

// IsClientError reports whether err was caused by the request rather than
// by the system.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidInput) || errors.Is(err, ErrUnsupportedEntityType)
}
