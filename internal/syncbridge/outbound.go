package syncbridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type SyncOutcome string

const (
	OutcomeSynced       SyncOutcome = "synced"
	OutcomeSkipped      SyncOutcome = "skipped"
	OutcomePendingRetry SyncOutcome = "pending_retry"
	OutcomeFailed       SyncOutcome = "failed"
	OutcomeAuthRequired SyncOutcome = "auth_required"
	// OutcomeDeferred means no in-flight slot was free; nothing was sent and
	// no mapping changed.
	OutcomeDeferred SyncOutcome = "deferred"

	OutcomeApplied SyncOutcome = "applied"
	OutcomeCreated SyncOutcome = "created"
	OutcomeDeleted SyncOutcome = "deleted"
	OutcomeIgnored SyncOutcome = "ignored"
	OutcomeStale   SyncOutcome = "stale"
	OutcomeDropped SyncOutcome = "dropped"
)

type SyncResult struct {
	ConnectionID string         `json:"connectionId"`
	EntityType   EntityType     `json:"entityType,omitempty"`
	EntityID     string         `json:"entityId,omitempty"`
	Direction    Direction      `json:"direction"`
	Outcome      SyncOutcome    `json:"outcome"`
	Created      bool           `json:"created,omitempty"`
	Refreshed    bool           `json:"refreshed,omitempty"`
	RemoteID     string         `json:"remoteId,omitempty"`
	Mapping      *EntityMapping `json:"mapping,omitempty"`
	Reason       string         `json:"reason,omitempty"`
	ErrorClass   ErrorClass     `json:"errorClass,omitempty"`
	Error        string         `json:"error,omitempty"`
	Retryable    bool           `json:"isRetryable"`

	op string
}

func (r *SyncResult) fail(outcome SyncOutcome, err *SyncError) {
	r.Outcome = outcome
	r.ErrorClass = err.Class
	r.Error = err.Error()
	r.Retryable = outcome == OutcomePendingRetry
}

func (r *SyncResult) deferTo(err *SyncError) {
	r.Outcome = OutcomeDeferred
	r.ErrorClass = err.Class
	r.Error = err.Error()
	r.Retryable = true
}

// SyncToRemote pushes one local entity to the connection's provider and
// records the outcome on the entity's mapping. Provider failures are
// reported in the result; the error return is reserved for store failures
// and unknown connections.
func (e *Engine) SyncToRemote(ctx context.Context, connectionID string, entityType EntityType, entityID string) (SyncResult, error) {
	started := e.now()
	result := SyncResult{
		ConnectionID: connectionID,
		EntityType:   entityType,
		EntityID:     entityID,
		Direction:    DirectionToRemote,
	}
	if connectionID == "" || entityType == "" || entityID == "" {
		return result, ErrInvalidInput
	}
	conn, err := e.state.GetConnection(ctx, connectionID)
	if err != nil {
		return result, err
	}
	if !conn.Active {
		result.fail(OutcomeAuthRequired, newSyncError(ClassAuth, "sync_entity", "connection is inactive; reconnect required"))
		e.finishSync(ctx, conn, started, &result)
		return result, nil
	}
	spec, err := specFor(conn.Provider, entityType)
	if err != nil {
		result.fail(OutcomeFailed, asSyncError(err, "sync_entity"))
		e.finishSync(ctx, conn, started, &result)
		return result, nil
	}
	client, err := e.client(conn.Provider)
	if err != nil {
		return result, err
	}

	var mapping *EntityMapping
	existing, err := e.state.GetMapping(ctx, conn.ID, entityType, entityID)
	switch {
	case err == nil:
		mapping = &existing
	case !isNotFound(err):
		return result, err
	}

	entity, err := e.state.GetEntity(ctx, conn.TenantID, entityType, entityID)
	if isNotFound(err) {
		result.Outcome = OutcomeSkipped
		result.Reason = "local entity no longer exists"
		e.finishSync(ctx, conn, started, &result)
		return result, nil
	}
	if err != nil {
		return result, err
	}

	refs, err := e.resolveRefs(ctx, conn, spec, entity)
	if err != nil {
		var syncErr *SyncError
		if !errors.As(err, &syncErr) {
			return result, err
		}
		return e.outboundFailure(ctx, conn, spec, mapping, started, &result, syncErr)
	}
	payload, err := spec.ToRemote(entity, refs)
	if err != nil {
		return e.outboundFailure(ctx, conn, spec, mapping, started, &result, asSyncError(err, "to_remote"))
	}

	update := mapping != nil && mapping.RemoteID != ""
	op := "create"
	call := func(ctx context.Context, c Connection) (RemoteEntity, error) {
		return client.Create(ctx, c, spec.RemoteType, payload)
	}
	if update {
		op = "update"
		remoteID, token := mapping.RemoteID, mapping.ConcurrencyToken
		call = func(ctx context.Context, c Connection) (RemoteEntity, error) {
			return client.Update(ctx, c, spec.RemoteType, remoteID, token, payload)
		}
	}

	attempt := e.attempt(ctx, conn, op, call)
	conn = attempt.Conn
	result.Refreshed = attempt.Refreshed
	if attempt.Deferred {
		result.deferTo(asSyncError(attempt.Err, op))
		e.finishSync(ctx, conn, started, &result)
		return result, nil
	}
	if attempt.AuthRequired {
		result.fail(OutcomeAuthRequired, asSyncError(attempt.Err, op))
		e.finishSync(ctx, conn, started, &result)
		return result, nil
	}
	if attempt.Err != nil {
		return e.outboundFailure(ctx, conn, spec, mapping, started, &result, asSyncError(attempt.Err, op))
	}

	now := e.now()
	next := EntityMapping{
		TenantID:     conn.TenantID,
		ConnectionID: conn.ID,
		LocalType:    entityType,
		LocalID:      entityID,
	}
	if mapping != nil {
		next = *mapping
	}
	next.RemoteType = spec.RemoteType
	next.RemoteID = attempt.Entity.ID
	next.ConcurrencyToken = attempt.Entity.ConcurrencyToken
	next.Status = MappingSynced
	next.LastSyncedAt = &now
	next.LastError = ""
	next.LastErrorClass = ""
	next.RetryCount = 0
	if !attempt.Entity.ModifiedAt.IsZero() {
		modified := attempt.Entity.ModifiedAt.UTC()
		next.RemoteModifiedAt = &modified
	}
	saved, err := e.state.UpsertMapping(ctx, next)
	if err != nil {
		return result, fmt.Errorf("store mapping: %w", err)
	}
	result.Outcome = OutcomeSynced
	result.Created = !update
	result.RemoteID = saved.RemoteID
	result.Mapping = &saved
	e.finishSync(ctx, conn, started, &result)
	return result, nil
}

// outboundFailure classifies a failed push and advances the mapping state.
// A conflict re-reads the remote entity so the next attempt carries the
// current concurrency token.
func (e *Engine) outboundFailure(ctx context.Context, conn Connection, spec entitySpec, mapping *EntityMapping, started time.Time, result *SyncResult, syncErr *SyncError) (SyncResult, error) {
	next := EntityMapping{
		TenantID:     conn.TenantID,
		ConnectionID: conn.ID,
		LocalType:    spec.Type,
		LocalID:      result.EntityID,
		RemoteType:   spec.RemoteType,
	}
	if mapping != nil {
		next = *mapping
	}
	if syncErr.Class == ClassConflict && next.RemoteID != "" {
		client, err := e.client(conn.Provider)
		slotCtx, release, ok := e.acquireSlot(ctx)
		if err == nil && ok {
			remoteID := next.RemoteID
			current, fetchErr := e.invoke(slotCtx, conn, "fetch", func(ctx context.Context, c Connection) (RemoteEntity, error) {
				return client.Fetch(ctx, c, spec.RemoteType, remoteID)
			})
			if fetchErr == nil && current.ConcurrencyToken != "" {
				next.ConcurrencyToken = current.ConcurrencyToken
			} else if fetchErr != nil {
				e.logger.Debug("conflict re-fetch failed",
					zap.String("connection_id", conn.ID),
					zap.String("remote_id", remoteID),
					zap.Error(fetchErr),
				)
			}
		}
		release()
	}
	next.RetryCount++
	next.LastError = syncErr.Error()
	next.LastErrorClass = syncErr.Class
	outcome := OutcomeFailed
	next.Status = MappingFailed
	if syncErr.Retryable() && next.RetryCount < e.maxRetries {
		outcome = OutcomePendingRetry
		next.Status = MappingPendingRetry
	}
	saved, err := e.state.UpsertMapping(ctx, next)
	if err != nil {
		return *result, fmt.Errorf("store mapping: %w", err)
	}
	result.Mapping = &saved
	result.RemoteID = saved.RemoteID
	result.fail(outcome, syncErr)
	e.finishSync(ctx, conn, started, result)
	return *result, nil
}

func (e *Engine) resolveRefs(ctx context.Context, conn Connection, spec entitySpec, entity LocalEntity) (map[string]string, error) {
	refs := make(map[string]string, len(spec.Refs))
	for _, ref := range spec.Refs {
		localID := fieldString(entity.Fields, ref.Field)
		if localID == "" {
			return nil, missingField(entity, ref.Field)
		}
		mapping, err := e.state.GetMapping(ctx, conn.ID, ref.Type, localID)
		if err != nil && !isNotFound(err) {
			return nil, err
		}
		if err != nil || mapping.RemoteID == "" {
			return nil, &SyncError{
				Class:   ClassValidation,
				Op:      "resolve_refs",
				Message: fmt.Sprintf("%s %s references %s %s which has not been synced", entity.Type, entity.ID, ref.Type, localID),
			}
		}
		refs[ref.Field] = mapping.RemoteID
	}
	return refs, nil
}

// SyncFromRemote re-reads the remote counterpart of a mapped local entity
// and applies it through the inbound path.
func (e *Engine) SyncFromRemote(ctx context.Context, connectionID string, entityType EntityType, entityID string) (SyncResult, error) {
	started := e.now()
	result := SyncResult{
		ConnectionID: connectionID,
		EntityType:   entityType,
		EntityID:     entityID,
		Direction:    DirectionFromRemote,
	}
	conn, err := e.state.GetConnection(ctx, connectionID)
	if err != nil {
		return result, err
	}
	if !conn.Active {
		result.fail(OutcomeAuthRequired, newSyncError(ClassAuth, "sync_from_remote", "connection is inactive; reconnect required"))
		e.finishSync(ctx, conn, started, &result)
		return result, nil
	}
	spec, err := specFor(conn.Provider, entityType)
	if err != nil {
		result.fail(OutcomeFailed, asSyncError(err, "sync_from_remote"))
		e.finishSync(ctx, conn, started, &result)
		return result, nil
	}
	mapping, err := e.state.GetMapping(ctx, conn.ID, entityType, entityID)
	if err != nil && !isNotFound(err) {
		return result, err
	}
	if err != nil || mapping.RemoteID == "" {
		result.Outcome = OutcomeSkipped
		result.Reason = "entity has no remote counterpart"
		e.finishSync(ctx, conn, started, &result)
		return result, nil
	}
	return e.ApplyRemoteChange(ctx, conn.ID, RemoteChange{
		Provider:     conn.Provider,
		ConnectionID: conn.ID,
		RemoteType:   spec.RemoteType,
		RemoteID:     mapping.RemoteID,
		Operation:    ChangeUpsert,
	})
}

// DeleteRemote deletes the remote counterpart of a local entity and drops
// its mapping. A remote entity that is already gone counts as deleted.
// Failures keep the mapping and advance its retry state like a failed push.
func (e *Engine) DeleteRemote(ctx context.Context, connectionID string, entityType EntityType, entityID string) (SyncResult, error) {
	started := e.now()
	result := SyncResult{
		ConnectionID: connectionID,
		EntityType:   entityType,
		EntityID:     entityID,
		Direction:    DirectionToRemote,
		op:           OperationDeleteEntity,
	}
	if connectionID == "" || entityType == "" || entityID == "" {
		return result, ErrInvalidInput
	}
	conn, err := e.state.GetConnection(ctx, connectionID)
	if err != nil {
		return result, err
	}
	if !conn.Active {
		result.fail(OutcomeAuthRequired, newSyncError(ClassAuth, "delete", "connection is inactive; reconnect required"))
		e.finishSync(ctx, conn, started, &result)
		return result, nil
	}
	spec, err := specFor(conn.Provider, entityType)
	if err != nil {
		result.fail(OutcomeFailed, asSyncError(err, "delete"))
		e.finishSync(ctx, conn, started, &result)
		return result, nil
	}
	client, err := e.client(conn.Provider)
	if err != nil {
		return result, err
	}
	mapping, err := e.state.GetMapping(ctx, conn.ID, entityType, entityID)
	if err != nil && !isNotFound(err) {
		return result, err
	}
	if err != nil || mapping.RemoteID == "" {
		if err == nil {
			// A pending placeholder has nothing to delete remotely.
			if err := e.state.DeleteMapping(ctx, conn.ID, entityType, entityID); err != nil && !isNotFound(err) {
				return result, fmt.Errorf("delete mapping: %w", err)
			}
		}
		result.Outcome = OutcomeSkipped
		result.Reason = "entity has no remote counterpart"
		e.finishSync(ctx, conn, started, &result)
		return result, nil
	}

	remoteID, token := mapping.RemoteID, mapping.ConcurrencyToken
	attempt := e.attempt(ctx, conn, "delete", func(ctx context.Context, c Connection) (RemoteEntity, error) {
		return client.Delete(ctx, c, spec.RemoteType, remoteID, token)
	})
	conn = attempt.Conn
	result.Refreshed = attempt.Refreshed
	result.RemoteID = remoteID
	switch {
	case attempt.Deferred:
		result.deferTo(asSyncError(attempt.Err, "delete"))
		e.finishSync(ctx, conn, started, &result)
		return result, nil
	case attempt.AuthRequired:
		result.fail(OutcomeAuthRequired, asSyncError(attempt.Err, "delete"))
		e.finishSync(ctx, conn, started, &result)
		return result, nil
	case attempt.Err != nil && ClassifyError(attempt.Err) != ClassNotFound:
		return e.outboundFailure(ctx, conn, spec, &mapping, started, &result, asSyncError(attempt.Err, "delete"))
	}

	if err := e.state.DeleteMapping(ctx, conn.ID, entityType, entityID); err != nil && !isNotFound(err) {
		return result, fmt.Errorf("delete mapping: %w", err)
	}
	result.Outcome = OutcomeDeleted
	e.finishSync(ctx, conn, started, &result)
	return result, nil
}

func (e *Engine) finishSync(ctx context.Context, conn Connection, started time.Time, result *SyncResult) {
	finished := e.now()
	entry := SyncLogEntry{
		ID:           uuid.NewString(),
		TenantID:     conn.TenantID,
		ConnectionID: conn.ID,
		Operation:    OperationSyncEntity,
		Direction:    result.Direction,
		EntityType:   result.EntityType,
		EntityID:     result.EntityID,
		Outcome:      string(result.Outcome),
		Processed:    1,
		StartedAt:    started,
		FinishedAt:   finished,
		ErrorMessage: result.Error,
		ErrorClass:   result.ErrorClass,
		Retryable:    result.Retryable,
	}
	switch {
	case result.op != "":
		entry.Operation = result.op
	case result.Direction == DirectionFromRemote:
		entry.Operation = OperationInboundChange
	}
	switch result.Outcome {
	case OutcomeSynced, OutcomeApplied, OutcomeDeleted:
		if result.Created {
			entry.Created = 1
		} else {
			entry.Updated = 1
		}
	case OutcomeCreated:
		entry.Created = 1
	case OutcomeSkipped, OutcomeIgnored, OutcomeStale, OutcomeDropped, OutcomeDeferred:
		entry.Skipped = 1
	default:
		entry.Failed = 1
	}
	if entry.ErrorMessage == "" && result.Reason != "" {
		entry.ErrorMessage = result.Reason
	}
	e.appendLog(ctx, entry)

	if result.Direction == DirectionFromRemote {
		e.recorder.ObserveInbound(conn.Provider, result.Outcome)
	} else {
		e.recorder.ObserveSync(conn.Provider, result.EntityType, result.Outcome, result.ErrorClass)
	}
	fields := []zap.Field{
		zap.String("connection_id", conn.ID),
		zap.String("direction", string(result.Direction)),
		zap.String("entity_type", string(result.EntityType)),
		zap.String("entity_id", result.EntityID),
		zap.String("outcome", string(result.Outcome)),
		zap.String("error_class", string(result.ErrorClass)),
		zap.Duration("duration", finished.Sub(started)),
	}
	switch result.Outcome {
	case OutcomeFailed, OutcomeAuthRequired:
		e.logger.Warn("sync attempt finished", append(fields, zap.String("error", result.Error))...)
	case OutcomePendingRetry:
		e.logger.Info("sync attempt finished", append(fields, zap.String("error", result.Error))...)
	default:
		e.logger.Info("sync attempt finished", fields...)
	}
}
