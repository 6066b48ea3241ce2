package syncbridge

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// ApplyRemoteChange merges one changed remote entity into the local store.
// Echoes of this system's own writes and changes older than the mapping's
// last known remote modification are dropped without touching local state.
func (e *Engine) ApplyRemoteChange(ctx context.Context, connectionID string, change RemoteChange) (SyncResult, error) {
	started := e.now()
	result := SyncResult{ConnectionID: connectionID, Direction: DirectionFromRemote}
	conn, err := e.state.GetConnection(ctx, connectionID)
	if err != nil {
		return result, err
	}
	if !conn.Active {
		result.fail(OutcomeAuthRequired, newSyncError(ClassAuth, "apply_remote_change", "connection is inactive; reconnect required"))
		e.finishSync(ctx, conn, started, &result)
		return result, nil
	}
	spec, ok := specForRemote(conn.Provider, change.RemoteType)
	if !ok {
		result.Outcome = OutcomeIgnored
		result.Reason = fmt.Sprintf("remote type %q is not synced", change.RemoteType)
		e.finishSync(ctx, conn, started, &result)
		return result, nil
	}
	result.EntityType = spec.Type
	result.RemoteID = change.RemoteID

	var mapping *EntityMapping
	existing, err := e.state.FindMappingByRemote(ctx, conn.ID, spec.RemoteType, change.RemoteID)
	switch {
	case err == nil:
		mapping = &existing
		result.EntityID = existing.LocalID
	case !isNotFound(err):
		return result, err
	}

	remote, err := e.remoteForChange(ctx, &conn, spec, change, &result)
	if err != nil {
		return result, err
	}
	if result.Outcome != "" {
		e.finishSync(ctx, conn, started, &result)
		return result, nil
	}

	if remote.Origin == OriginMarker {
		result.Outcome = OutcomeIgnored
		result.Reason = "change was written by this system"
		e.finishSync(ctx, conn, started, &result)
		return result, nil
	}
	if mapping != nil && mapping.ConcurrencyToken != "" && remote.ConcurrencyToken == mapping.ConcurrencyToken && !remote.Deleted {
		result.Outcome = OutcomeIgnored
		result.Reason = "remote version already recorded"
		e.finishSync(ctx, conn, started, &result)
		return result, nil
	}
	modified := remote.ModifiedAt
	if modified.IsZero() {
		modified = change.ModifiedAt
	}
	modified = modified.UTC()
	if mapping != nil && mapping.RemoteModifiedAt != nil && !modified.After(*mapping.RemoteModifiedAt) {
		result.Outcome = OutcomeStale
		result.Reason = fmt.Sprintf("remote modification %s is not newer than %s", modified.Format(time.RFC3339), mapping.RemoteModifiedAt.Format(time.RFC3339))
		e.finishSync(ctx, conn, started, &result)
		return result, nil
	}

	if mapping == nil {
		return e.createFromRemote(ctx, conn, spec, remote, modified, started, &result)
	}
	return e.applyToMapped(ctx, conn, spec, *mapping, remote, modified, started, &result)
}

// remoteForChange resolves the remote entity a change refers to, fetching it
// when the notification carried only an id. It sets result.Outcome when the
// change cannot proceed.
func (e *Engine) remoteForChange(ctx context.Context, conn *Connection, spec entitySpec, change RemoteChange, result *SyncResult) (RemoteEntity, error) {
	if change.Entity != nil {
		remote := *change.Entity
		if change.Operation == ChangeDelete {
			remote.Deleted = true
		}
		return remote, nil
	}
	if change.Operation == ChangeDelete {
		return RemoteEntity{
			Type:       spec.RemoteType,
			ID:         change.RemoteID,
			ModifiedAt: change.ModifiedAt,
			Deleted:    true,
		}, nil
	}
	client, err := e.client(conn.Provider)
	if err != nil {
		return RemoteEntity{}, err
	}
	attempt := e.attempt(ctx, *conn, "fetch", func(ctx context.Context, c Connection) (RemoteEntity, error) {
		return client.Fetch(ctx, c, spec.RemoteType, change.RemoteID)
	})
	*conn = attempt.Conn
	result.Refreshed = attempt.Refreshed
	switch {
	case attempt.Deferred:
		result.deferTo(asSyncError(attempt.Err, "fetch"))
	case attempt.AuthRequired:
		result.fail(OutcomeAuthRequired, asSyncError(attempt.Err, "fetch"))
	case attempt.Err != nil:
		syncErr := asSyncError(attempt.Err, "fetch")
		outcome := OutcomeFailed
		if syncErr.Retryable() {
			outcome = OutcomePendingRetry
		}
		result.fail(outcome, syncErr)
	}
	return attempt.Entity, nil
}

func (e *Engine) applyToMapped(ctx context.Context, conn Connection, spec entitySpec, mapping EntityMapping, remote RemoteEntity, modified time.Time, started time.Time, result *SyncResult) (SyncResult, error) {
	entity, err := e.state.GetEntity(ctx, conn.TenantID, spec.Type, mapping.LocalID)
	if isNotFound(err) {
		result.Outcome = OutcomeSkipped
		result.Reason = "mapped local entity no longer exists"
		e.finishSync(ctx, conn, started, result)
		return *result, nil
	}
	if err != nil {
		return *result, err
	}

	outcome := OutcomeApplied
	if remote.Deleted {
		entity.Status = spec.TerminalStatus
		outcome = OutcomeDeleted
	} else {
		fields, err := spec.FromRemote(remote)
		if err != nil {
			result.fail(OutcomeFailed, asSyncError(err, "from_remote"))
			e.finishSync(ctx, conn, started, result)
			return *result, nil
		}
		if entity.Fields == nil {
			entity.Fields = map[string]any{}
		}
		for key, value := range fields {
			entity.Fields[key] = value
		}
		if status := remoteStatus(spec, remote); status != "" {
			entity.Status = status
		}
	}
	entity.ExternalUpdatedAt = &modified
	if _, err := e.state.UpdateEntity(ctx, entity); err != nil {
		return *result, fmt.Errorf("update local entity: %w", err)
	}

	now := e.now()
	if !remote.Deleted && remote.ConcurrencyToken != "" {
		mapping.ConcurrencyToken = remote.ConcurrencyToken
	}
	mapping.RemoteModifiedAt = &modified
	mapping.LastSyncedAt = &now
	mapping.Status = MappingSynced
	mapping.LastError = ""
	mapping.LastErrorClass = ""
	mapping.RetryCount = 0
	saved, err := e.state.UpsertMapping(ctx, mapping)
	if err != nil {
		return *result, fmt.Errorf("store mapping: %w", err)
	}
	result.Outcome = outcome
	result.Mapping = &saved
	e.finishSync(ctx, conn, started, result)
	return *result, nil
}

func (e *Engine) createFromRemote(ctx context.Context, conn Connection, spec entitySpec, remote RemoteEntity, modified time.Time, started time.Time, result *SyncResult) (SyncResult, error) {
	drop := func(reason string) (SyncResult, error) {
		result.Outcome = OutcomeDropped
		result.Reason = reason
		e.finishSync(ctx, conn, started, result)
		return *result, nil
	}
	if remote.Deleted {
		return drop("deleted remote entity has no local counterpart")
	}
	if !spec.InboundCreate {
		return drop(fmt.Sprintf("%s records are never created from %s", spec.Type, conn.Provider))
	}
	if !conn.allowsInboundCreate() {
		return drop(fmt.Sprintf("connection sync direction %s does not allow inbound creation", conn.SyncDirection))
	}
	fields, err := spec.FromRemote(remote)
	if err != nil {
		result.fail(OutcomeFailed, asSyncError(err, "from_remote"))
		e.finishSync(ctx, conn, started, result)
		return *result, nil
	}
	if spec.NeedsProject && fieldString(fields, "project_id") == "" {
		projectID, reason, err := e.fallbackProject(ctx, conn)
		if err != nil {
			return *result, err
		}
		if projectID == "" {
			return drop(reason)
		}
		fields["project_id"] = projectID
	}
	if spec.Type == EntityCalendarEvents {
		fields["external_event_id"] = remote.ID
	}
	entity, err := e.state.InsertEntity(ctx, LocalEntity{
		TenantID:          conn.TenantID,
		Type:              spec.Type,
		Status:            remoteStatus(spec, remote),
		Fields:            fields,
		ExternalUpdatedAt: &modified,
	})
	if err != nil {
		return *result, fmt.Errorf("insert local entity: %w", err)
	}
	now := e.now()
	saved, err := e.state.UpsertMapping(ctx, EntityMapping{
		TenantID:         conn.TenantID,
		ConnectionID:     conn.ID,
		LocalType:        spec.Type,
		LocalID:          entity.ID,
		RemoteType:       spec.RemoteType,
		RemoteID:         remote.ID,
		ConcurrencyToken: remote.ConcurrencyToken,
		Status:           MappingSynced,
		LastSyncedAt:     &now,
		RemoteModifiedAt: &modified,
	})
	if err != nil {
		return *result, fmt.Errorf("store mapping: %w", err)
	}
	result.EntityID = entity.ID
	result.Outcome = OutcomeCreated
	result.Created = true
	result.Mapping = &saved
	e.finishSync(ctx, conn, started, result)
	return *result, nil
}

// fallbackProject picks a project for an inbound-created record according to
// the configured policy. An empty id comes with the reason nothing was chosen.
func (e *Engine) fallbackProject(ctx context.Context, conn Connection) (string, string, error) {
	switch e.projectFallback {
	case ProjectFallbackConnectionDefault:
		if conn.DefaultProjectID == "" {
			return "", "connection has no default project", nil
		}
		return conn.DefaultProjectID, "", nil
	case ProjectFallbackLatestActive:
		project, err := e.state.LatestActiveProject(ctx, conn.TenantID)
		if isNotFound(err) {
			return "", "tenant has no active project", nil
		}
		if err != nil {
			return "", "", err
		}
		return project.ID, "", nil
	default:
		return "", "no project context and project fallback is disabled", nil
	}
}

// remoteStatus translates provider status values that carry local meaning.
func remoteStatus(spec entitySpec, remote RemoteEntity) string {
	switch strings.ToLower(remote.Status) {
	case "cancelled", "inactive", "voided":
		return spec.TerminalStatus
	default:
		return ""
	}
}
