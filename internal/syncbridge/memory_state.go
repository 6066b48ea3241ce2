package syncbridge

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultMaxStoredLogs = 10000

type memorySnapshot struct {
	Connections map[string]Connection    `json:"connections"`
	Mappings    map[string]EntityMapping `json:"mappings"`
	Pending     map[string]PendingSync   `json:"pending"`
	Logs        []SyncLogEntry           `json:"logs"`
	Entities    map[string]LocalEntity   `json:"entities"`
}

// MemoryState keeps the whole store in memory. With a path it snapshots to a
// JSON file after every mutation, which is enough for a single durable-local
// instance.
type MemoryState struct {
	mu      sync.Mutex
	path    string
	maxLogs int
	now     func() time.Time
	data    memorySnapshot
}

func NewMemoryState() *MemoryState {
	return &MemoryState{
		maxLogs: defaultMaxStoredLogs,
		now:     func() time.Time { return time.Now().UTC() },
		data:    emptySnapshot(),
	}
}

func NewFileState(path string) (*MemoryState, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	s := NewMemoryState()
	s.path = path
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, nil
		}
		return nil, err
	}
	var snapshot memorySnapshot
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return nil, err
	}
	s.data = normalizeSnapshot(snapshot)
	return s, nil
}

func emptySnapshot() memorySnapshot {
	return memorySnapshot{
		Connections: map[string]Connection{},
		Mappings:    map[string]EntityMapping{},
		Pending:     map[string]PendingSync{},
		Logs:        []SyncLogEntry{},
		Entities:    map[string]LocalEntity{},
	}
}

func normalizeSnapshot(in memorySnapshot) memorySnapshot {
	out := in
	if out.Connections == nil {
		out.Connections = map[string]Connection{}
	}
	if out.Mappings == nil {
		out.Mappings = map[string]EntityMapping{}
	}
	if out.Pending == nil {
		out.Pending = map[string]PendingSync{}
	}
	if out.Logs == nil {
		out.Logs = []SyncLogEntry{}
	}
	if out.Entities == nil {
		out.Entities = map[string]LocalEntity{}
	}
	return out
}

func (s *MemoryState) Close() error {
	return nil
}

func (s *MemoryState) saveLocked() error {
	if s.path == "" {
		return nil
	}
	data, err := json.Marshal(s.data)
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *MemoryState) GetConnection(_ context.Context, id string) (Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, ok := s.data.Connections[id]
	if !ok {
		return Connection{}, ErrNotFound
	}
	return conn, nil
}

func (s *MemoryState) ListConnections(_ context.Context, tenantID string) ([]Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Connection, 0)
	for _, conn := range s.data.Connections {
		if tenantID == "" || conn.TenantID == tenantID {
			out = append(out, conn)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryState) ListConnectionsByAccount(_ context.Context, provider Provider, accountID string) ([]Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Connection, 0)
	for _, conn := range s.data.Connections {
		if conn.Provider == provider && conn.AccountID == accountID && conn.Active {
			out = append(out, conn)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryState) SaveConnection(_ context.Context, conn Connection) (Connection, error) {
	if conn.TenantID == "" || conn.Provider == "" {
		return Connection{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if conn.ID == "" {
		conn.ID = uuid.NewString()
	}
	if existing, ok := s.data.Connections[conn.ID]; ok {
		conn.CreatedAt = existing.CreatedAt
	} else if conn.CreatedAt.IsZero() {
		conn.CreatedAt = now
	}
	conn.UpdatedAt = now
	if conn.Active {
		key := accountKey(conn.TenantID, conn.Provider, conn.AccountID)
		for id, other := range s.data.Connections {
			if id == conn.ID || !other.Active {
				continue
			}
			if accountKey(other.TenantID, other.Provider, other.AccountID) == key {
				other.Active = false
				other.LastError = "superseded by connection " + conn.ID
				other.UpdatedAt = now
				s.data.Connections[id] = other
			}
		}
	}
	s.data.Connections[conn.ID] = conn
	if err := s.saveLocked(); err != nil {
		return Connection{}, err
	}
	return conn, nil
}

func (s *MemoryState) GetMapping(_ context.Context, connectionID string, entityType EntityType, localID string) (EntityMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mapping, ok := s.data.Mappings[mappingKey(connectionID, entityType, localID)]
	if !ok {
		return EntityMapping{}, ErrNotFound
	}
	return mapping, nil
}

func (s *MemoryState) FindMappingByRemote(_ context.Context, connectionID, remoteType, remoteID string) (EntityMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if remoteID == "" {
		return EntityMapping{}, ErrNotFound
	}
	want := remoteKey(connectionID, strings.ToLower(remoteType), remoteID)
	for _, mapping := range s.data.Mappings {
		if remoteKey(mapping.ConnectionID, strings.ToLower(mapping.RemoteType), mapping.RemoteID) == want {
			return mapping, nil
		}
	}
	return EntityMapping{}, ErrNotFound
}

func (s *MemoryState) UpsertMapping(_ context.Context, mapping EntityMapping) (EntityMapping, error) {
	if mapping.ConnectionID == "" || mapping.LocalType == "" || mapping.LocalID == "" {
		return EntityMapping{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	key := mappingKey(mapping.ConnectionID, mapping.LocalType, mapping.LocalID)
	if existing, ok := s.data.Mappings[key]; ok {
		mapping.ID = existing.ID
		mapping.CreatedAt = existing.CreatedAt
	} else {
		if mapping.ID == "" {
			mapping.ID = uuid.NewString()
		}
		mapping.CreatedAt = now
	}
	mapping.UpdatedAt = now
	s.data.Mappings[key] = mapping
	if err := s.saveLocked(); err != nil {
		return EntityMapping{}, err
	}
	return mapping, nil
}

func (s *MemoryState) InsertMappingIfAbsent(_ context.Context, mapping EntityMapping) (EntityMapping, bool, error) {
	if mapping.ConnectionID == "" || mapping.LocalType == "" || mapping.LocalID == "" {
		return EntityMapping{}, false, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := mappingKey(mapping.ConnectionID, mapping.LocalType, mapping.LocalID)
	if _, ok := s.data.Mappings[key]; ok {
		return EntityMapping{}, false, nil
	}
	if mapping.ID == "" {
		mapping.ID = uuid.NewString()
	}
	mapping.CreatedAt = s.now()
	mapping.UpdatedAt = mapping.CreatedAt
	s.data.Mappings[key] = mapping
	if err := s.saveLocked(); err != nil {
		delete(s.data.Mappings, key)
		return EntityMapping{}, false, err
	}
	return mapping, true, nil
}

func (s *MemoryState) DeleteMapping(_ context.Context, connectionID string, entityType EntityType, localID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := mappingKey(connectionID, entityType, localID)
	if _, ok := s.data.Mappings[key]; !ok {
		return ErrNotFound
	}
	delete(s.data.Mappings, key)
	return s.saveLocked()
}

func (s *MemoryState) ListMappings(_ context.Context, connectionID string, entityType EntityType) ([]EntityMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]EntityMapping, 0)
	for _, mapping := range s.data.Mappings {
		if mapping.ConnectionID != connectionID {
			continue
		}
		if entityType != "" && mapping.LocalType != entityType {
			continue
		}
		out = append(out, mapping)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LocalID < out[j].LocalID })
	return out, nil
}

func (s *MemoryState) UpsertPending(_ context.Context, item PendingSync) (PendingSync, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	item, err := normalizePendingInput(item, now)
	if err != nil {
		return PendingSync{}, false, err
	}
	key := pendingKey(item.ConnectionID, item.EntityType, item.EntityID)
	for id, existing := range s.data.Pending {
		if pendingKey(existing.ConnectionID, existing.EntityType, existing.EntityID) != key {
			continue
		}
		merged, outstanding := mergePending(existing, item, now)
		s.data.Pending[id] = merged
		if err := s.saveLocked(); err != nil {
			return PendingSync{}, false, err
		}
		return merged, outstanding, nil
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	item.Status = PendingQueued
	item.Attempts = 0
	item.CreatedAt = now
	item.UpdatedAt = now
	s.data.Pending[item.ID] = item
	if err := s.saveLocked(); err != nil {
		return PendingSync{}, false, err
	}
	return item, true, nil
}

func (s *MemoryState) ClaimPending(_ context.Context, limit int, now time.Time) ([]PendingSync, error) {
	if limit <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	due := make([]PendingSync, 0)
	for _, item := range s.data.Pending {
		if item.Status == PendingQueued && !item.ScheduledAt.After(now) {
			due = append(due, item)
		}
	}
	sortPendingForClaim(due)
	if len(due) > limit {
		due = due[:limit]
	}
	for i := range due {
		due[i].Status = PendingProcessing
		due[i].Attempts++
		due[i].UpdatedAt = s.now()
		s.data.Pending[due[i].ID] = due[i]
	}
	if err := s.saveLocked(); err != nil {
		return nil, err
	}
	return due, nil
}

func sortPendingForClaim(items []PendingSync) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].Priority != items[j].Priority {
			return items[i].Priority > items[j].Priority
		}
		if !items[i].ScheduledAt.Equal(items[j].ScheduledAt) {
			return items[i].ScheduledAt.Before(items[j].ScheduledAt)
		}
		return items[i].ID < items[j].ID
	})
}

func (s *MemoryState) CompletePending(_ context.Context, id string, status PendingStatus, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.data.Pending[id]
	if !ok {
		return ErrNotFound
	}
	item.LastError = lastError
	item.UpdatedAt = s.now()
	if item.Requeued {
		item.Status = PendingQueued
		item.Requeued = false
		item.ScheduledAt = item.UpdatedAt
	} else {
		item.Status = status
	}
	s.data.Pending[id] = item
	return s.saveLocked()
}

func (s *MemoryState) ReleasePending(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.data.Pending[id]
	if !ok {
		return ErrNotFound
	}
	if item.Status != PendingProcessing {
		return nil
	}
	item.Status = PendingQueued
	item.Requeued = false
	if item.Attempts > 0 {
		item.Attempts--
	}
	item.UpdatedAt = s.now()
	s.data.Pending[id] = item
	return s.saveLocked()
}

func (s *MemoryState) ListPending(_ context.Context, connectionID string, status PendingStatus) ([]PendingSync, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PendingSync, 0)
	for _, item := range s.data.Pending {
		if connectionID != "" && item.ConnectionID != connectionID {
			continue
		}
		if status != "" && item.Status != status {
			continue
		}
		out = append(out, item)
	}
	sortPendingForClaim(out)
	return out, nil
}

func (s *MemoryState) AppendLog(_ context.Context, entry SyncLogEntry) (SyncLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	s.data.Logs = append(s.data.Logs, entry)
	if s.maxLogs > 0 && len(s.data.Logs) > s.maxLogs {
		s.data.Logs = append([]SyncLogEntry(nil), s.data.Logs[len(s.data.Logs)-s.maxLogs:]...)
	}
	if err := s.saveLocked(); err != nil {
		return SyncLogEntry{}, err
	}
	return entry, nil
}

func (s *MemoryState) ListLogs(_ context.Context, connectionID string, limit int) ([]SyncLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SyncLogEntry, 0, limit)
	for i := len(s.data.Logs) - 1; i >= 0 && len(out) < limit; i-- {
		entry := s.data.Logs[i]
		if connectionID == "" || entry.ConnectionID == connectionID {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (s *MemoryState) GetEntity(_ context.Context, tenantID string, entityType EntityType, id string) (LocalEntity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entity, ok := s.data.Entities[entityKey(tenantID, entityType, id)]
	if !ok {
		return LocalEntity{}, ErrNotFound
	}
	return cloneEntity(entity), nil
}

func (s *MemoryState) ListEntityIDs(_ context.Context, tenantID string, entityType EntityType) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0)
	for _, entity := range s.data.Entities {
		if entity.TenantID == tenantID && entity.Type == entityType {
			out = append(out, entity.ID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryState) InsertEntity(_ context.Context, entity LocalEntity) (LocalEntity, error) {
	if entity.TenantID == "" || entity.Type == "" {
		return LocalEntity{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if entity.ID == "" {
		entity.ID = uuid.NewString()
	}
	key := entityKey(entity.TenantID, entity.Type, entity.ID)
	if _, exists := s.data.Entities[key]; exists {
		return LocalEntity{}, ErrDuplicate
	}
	now := s.now()
	if entity.CreatedAt.IsZero() {
		entity.CreatedAt = now
	}
	entity.UpdatedAt = now
	entity = cloneEntity(entity)
	s.data.Entities[key] = entity
	if err := s.saveLocked(); err != nil {
		return LocalEntity{}, err
	}
	return cloneEntity(entity), nil
}

func (s *MemoryState) UpdateEntity(_ context.Context, entity LocalEntity) (LocalEntity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := entityKey(entity.TenantID, entity.Type, entity.ID)
	existing, ok := s.data.Entities[key]
	if !ok {
		return LocalEntity{}, ErrNotFound
	}
	entity.CreatedAt = existing.CreatedAt
	entity.UpdatedAt = s.now()
	entity = cloneEntity(entity)
	s.data.Entities[key] = entity
	if err := s.saveLocked(); err != nil {
		return LocalEntity{}, err
	}
	return cloneEntity(entity), nil
}

func (s *MemoryState) LatestActiveProject(_ context.Context, tenantID string) (LocalEntity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *LocalEntity
	for _, entity := range s.data.Entities {
		if entity.TenantID != tenantID || entity.Type != EntityProjects {
			continue
		}
		if entity.Status != "" && entity.Status != "active" {
			continue
		}
		if latest == nil || entity.CreatedAt.After(latest.CreatedAt) {
			candidate := entity
			latest = &candidate
		}
	}
	if latest == nil {
		return LocalEntity{}, ErrNotFound
	}
	return cloneEntity(*latest), nil
}

func cloneEntity(entity LocalEntity) LocalEntity {
	if entity.Fields == nil {
		entity.Fields = map[string]any{}
		return entity
	}
	data, err := json.Marshal(entity.Fields)
	if err != nil {
		return entity
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return entity
	}
	entity.Fields = fields
	return entity
}
