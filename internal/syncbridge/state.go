package syncbridge

import (
	"context"
	"time"
)

type ConnectionStore interface {
	GetConnection(ctx context.Context, id string) (Connection, error)
	ListConnections(ctx context.Context, tenantID string) ([]Connection, error)
	ListConnectionsByAccount(ctx context.Context, provider Provider, accountID string) ([]Connection, error)
	// SaveConnection inserts or updates by id. Activating a connection
	// deactivates any other active connection for the same tenant, provider
	// and account.
	SaveConnection(ctx context.Context, conn Connection) (Connection, error)
}

type MappingStore interface {
	GetMapping(ctx context.Context, connectionID string, entityType EntityType, localID string) (EntityMapping, error)
	FindMappingByRemote(ctx context.Context, connectionID, remoteType, remoteID string) (EntityMapping, error)
	UpsertMapping(ctx context.Context, mapping EntityMapping) (EntityMapping, error)
	// InsertMappingIfAbsent stores mapping only when the local entity has no
	// mapping yet. The bool result reports whether it was stored.
	InsertMappingIfAbsent(ctx context.Context, mapping EntityMapping) (EntityMapping, bool, error)
	DeleteMapping(ctx context.Context, connectionID string, entityType EntityType, localID string) error
	ListMappings(ctx context.Context, connectionID string, entityType EntityType) ([]EntityMapping, error)
}

type PendingStore interface {
	// UpsertPending keeps one outstanding row per (connection, type, id).
	// The bool result is true when a new row was inserted.
	UpsertPending(ctx context.Context, item PendingSync) (PendingSync, bool, error)
	// ClaimPending moves up to limit due rows from pending to processing.
	ClaimPending(ctx context.Context, limit int, now time.Time) ([]PendingSync, error)
	CompletePending(ctx context.Context, id string, status PendingStatus, lastError string) error
	// ReleasePending returns a claimed row to pending without counting an attempt.
	ReleasePending(ctx context.Context, id string) error
	ListPending(ctx context.Context, connectionID string, status PendingStatus) ([]PendingSync, error)
}

type SyncLogStore interface {
	AppendLog(ctx context.Context, entry SyncLogEntry) (SyncLogEntry, error)
	ListLogs(ctx context.Context, connectionID string, limit int) ([]SyncLogEntry, error)
}

type LocalEntityStore interface {
	GetEntity(ctx context.Context, tenantID string, entityType EntityType, id string) (LocalEntity, error)
	ListEntityIDs(ctx context.Context, tenantID string, entityType EntityType) ([]string, error)
	InsertEntity(ctx context.Context, entity LocalEntity) (LocalEntity, error)
	UpdateEntity(ctx context.Context, entity LocalEntity) (LocalEntity, error)
	LatestActiveProject(ctx context.Context, tenantID string) (LocalEntity, error)
}

// State is the shared persistent store every component coordinates through.
type State interface {
	ConnectionStore
	MappingStore
	PendingStore
	SyncLogStore
	LocalEntityStore
	Close() error
}

func pendingKey(connectionID string, entityType EntityType, entityID string) string {
	return connectionID + "|" + string(entityType) + "|" + entityID
}

func mappingKey(connectionID string, entityType EntityType, localID string) string {
	return connectionID + "|" + string(entityType) + "|" + localID
}

func remoteKey(connectionID, remoteType, remoteID string) string {
	return connectionID + "|" + remoteType + "|" + remoteID
}

func accountKey(tenantID string, provider Provider, accountID string) string {
	return tenantID + "|" + string(provider) + "|" + accountID
}

func entityKey(tenantID string, entityType EntityType, id string) string {
	return tenantID + "|" + string(entityType) + "|" + id
}

// mergePending folds a re-enqueue into the existing row for the same key.
// The bool result reports whether the row became newly outstanding.
func mergePending(existing, incoming PendingSync, now time.Time) (PendingSync, bool) {
	switch existing.Status {
	case PendingQueued:
		if incoming.Priority > existing.Priority {
			existing.Priority = incoming.Priority
		}
		if incoming.ScheduledAt.Before(existing.ScheduledAt) {
			existing.ScheduledAt = incoming.ScheduledAt
		}
		existing.Direction = incoming.Direction
		existing.UpdatedAt = now
		return existing, false
	case PendingProcessing:
		existing.Requeued = true
		existing.UpdatedAt = now
		return existing, false
	default:
		existing.Status = PendingQueued
		existing.Direction = incoming.Direction
		existing.Priority = incoming.Priority
		existing.ScheduledAt = incoming.ScheduledAt
		existing.Attempts = 0
		existing.LastError = ""
		existing.Requeued = false
		existing.UpdatedAt = now
		return existing, true
	}
}

func normalizePendingInput(item PendingSync, now time.Time) (PendingSync, error) {
	if item.ConnectionID == "" || item.EntityType == "" || item.EntityID == "" {
		return PendingSync{}, ErrInvalidInput
	}
	if item.ScheduledAt.IsZero() {
		item.ScheduledAt = now
	}
	if item.Direction == "" {
		item.Direction = DirectionToRemote
	}
	return item, nil
}
