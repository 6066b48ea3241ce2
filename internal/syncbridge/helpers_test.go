package syncbridge

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

type fakeRemoteClient struct {
	mu      sync.Mutex
	calls   []string
	tokens  []string
	create  func(conn Connection, remoteType string, payload RemotePayload) (RemoteEntity, error)
	update  func(conn Connection, remoteType, remoteID, token string, payload RemotePayload) (RemoteEntity, error)
	fetch   func(conn Connection, remoteType, remoteID string) (RemoteEntity, error)
	remove  func(conn Connection, remoteType, remoteID, token string) (RemoteEntity, error)
	changes func(conn Connection, cursor string) (ChangePage, error)
}

func (f *fakeRemoteClient) record(op string, conn Connection) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, op)
	f.tokens = append(f.tokens, conn.AccessToken)
}

func (f *fakeRemoteClient) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeRemoteClient) Create(_ context.Context, conn Connection, remoteType string, payload RemotePayload) (RemoteEntity, error) {
	f.record("create", conn)
	if f.create == nil {
		return RemoteEntity{Type: remoteType, ID: "remote-1", ConcurrencyToken: "0", ModifiedAt: testNow}, nil
	}
	return f.create(conn, remoteType, payload)
}

func (f *fakeRemoteClient) Update(_ context.Context, conn Connection, remoteType, remoteID, token string, payload RemotePayload) (RemoteEntity, error) {
	f.record("update", conn)
	if f.update == nil {
		return RemoteEntity{Type: remoteType, ID: remoteID, ConcurrencyToken: token + "+1", ModifiedAt: testNow}, nil
	}
	return f.update(conn, remoteType, remoteID, token, payload)
}

func (f *fakeRemoteClient) Fetch(_ context.Context, conn Connection, remoteType, remoteID string) (RemoteEntity, error) {
	f.record("fetch", conn)
	if f.fetch == nil {
		return RemoteEntity{}, newSyncError(ClassNotFound, "fetch", "no such entity")
	}
	return f.fetch(conn, remoteType, remoteID)
}

func (f *fakeRemoteClient) Delete(_ context.Context, conn Connection, remoteType, remoteID, token string) (RemoteEntity, error) {
	f.record("delete", conn)
	if f.remove == nil {
		return RemoteEntity{Type: remoteType, ID: remoteID, Deleted: true}, nil
	}
	return f.remove(conn, remoteType, remoteID, token)
}

func (f *fakeRemoteClient) ListChanges(_ context.Context, conn Connection, cursor string) (ChangePage, error) {
	f.record("list_changes", conn)
	if f.changes == nil {
		return ChangePage{}, nil
	}
	return f.changes(conn, cursor)
}

type fakeRefresher struct {
	mu      sync.Mutex
	calls   int
	refresh func(conn Connection) (RefreshResult, error)
}

func (f *fakeRefresher) Refresh(_ context.Context, conn Connection) (RefreshResult, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.refresh == nil {
		conn.AccessToken = "refreshed-token"
		conn.AccessTokenExpiresAt = testNow.Add(time.Hour)
		return RefreshResult{Connection: conn}, nil
	}
	return f.refresh(conn)
}

func (f *fakeRefresher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type engineFixture struct {
	state     *MemoryState
	engine    *Engine
	qbo       *fakeRemoteClient
	google    *fakeRemoteClient
	refresher *fakeRefresher
	limiter   *LocalInFlightLimiter
}

func newEngineFixture(t *testing.T, mutate func(*EngineOptions)) *engineFixture {
	t.Helper()
	f := &engineFixture{
		state:     NewMemoryState(),
		qbo:       &fakeRemoteClient{},
		google:    &fakeRemoteClient{},
		refresher: &fakeRefresher{},
		limiter:   NewLocalInFlightLimiter(4),
	}
	opts := EngineOptions{
		State: f.state,
		Clients: map[Provider]RemoteClient{
			ProviderQuickBooks:     f.qbo,
			ProviderGoogleCalendar: f.google,
		},
		Refresher: f.refresher,
		Limiter:   f.limiter,
		Now:       func() time.Time { return testNow },
	}
	if mutate != nil {
		mutate(&opts)
	}
	engine, err := NewEngine(opts)
	require.NoError(t, err)
	f.engine = engine
	return f
}

func (f *engineFixture) connection(t *testing.T, provider Provider, mutate func(*Connection)) Connection {
	t.Helper()
	conn := Connection{
		TenantID:             "tenant-1",
		Provider:             provider,
		AccountID:            "account-" + string(provider),
		AccessToken:          "access-token",
		RefreshToken:         "refresh-token",
		AccessTokenExpiresAt: testNow.Add(time.Hour),
		Active:               true,
		SyncDirection:        DirectionBidirectional,
	}
	if mutate != nil {
		mutate(&conn)
	}
	saved, err := f.state.SaveConnection(context.Background(), conn)
	require.NoError(t, err)
	return saved
}

func (f *engineFixture) entity(t *testing.T, entityType EntityType, id string, fields map[string]any) LocalEntity {
	t.Helper()
	saved, err := f.state.InsertEntity(context.Background(), LocalEntity{
		TenantID: "tenant-1",
		Type:     entityType,
		ID:       id,
		Status:   "active",
		Fields:   fields,
	})
	require.NoError(t, err)
	return saved
}

func (f *engineFixture) mapping(t *testing.T, conn Connection, entityType EntityType, localID, remoteID, token string, modified *time.Time) EntityMapping {
	t.Helper()
	saved, err := f.state.UpsertMapping(context.Background(), EntityMapping{
		TenantID:         conn.TenantID,
		ConnectionID:     conn.ID,
		LocalType:        entityType,
		LocalID:          localID,
		RemoteType:       RemoteTypeFor(entityType),
		RemoteID:         remoteID,
		ConcurrencyToken: token,
		Status:           MappingSynced,
		RemoteModifiedAt: modified,
	})
	require.NoError(t, err)
	return saved
}

func timePtr(t time.Time) *time.Time {
	return &t
}
