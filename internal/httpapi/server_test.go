package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentworkforce/syncbridge/internal/metrics"
	"github.com/agentworkforce/syncbridge/internal/syncbridge"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

type request struct {
	method  string
	path    string
	headers map[string]string
	body    any
	raw     []byte
}

func doRequest(t *testing.T, server http.Handler, r request) *httptest.ResponseRecorder {
	t.Helper()
	var payload []byte
	switch {
	case r.raw != nil:
		payload = r.raw
	case r.body != nil:
		var err error
		payload, err = json.Marshal(r.body)
		if err != nil {
			t.Fatalf("marshal request body failed: %v", err)
		}
	}
	req := httptest.NewRequest(r.method, r.path, bytes.NewReader(payload))
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, value := range r.headers {
		req.Header.Set(key, value)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode response failed: %v (%s)", err, rec.Body.String())
	}
	return out
}

type stubRemote struct {
	mu      sync.Mutex
	creates int
	fail    error
}

func (s *stubRemote) Create(_ context.Context, _ syncbridge.Connection, remoteType string, _ syncbridge.RemotePayload) (syncbridge.RemoteEntity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return syncbridge.RemoteEntity{}, s.fail
	}
	s.creates++
	return syncbridge.RemoteEntity{Type: remoteType, ID: "qbo-1", ConcurrencyToken: "0", ModifiedAt: time.Now().UTC()}, nil
}

func (s *stubRemote) Update(_ context.Context, _ syncbridge.Connection, remoteType, remoteID, token string, _ syncbridge.RemotePayload) (syncbridge.RemoteEntity, error) {
	return syncbridge.RemoteEntity{Type: remoteType, ID: remoteID, ConcurrencyToken: token + "1", ModifiedAt: time.Now().UTC()}, nil
}

func (s *stubRemote) Fetch(_ context.Context, _ syncbridge.Connection, _, _ string) (syncbridge.RemoteEntity, error) {
	return syncbridge.RemoteEntity{}, &syncbridge.SyncError{Class: syncbridge.ClassNotFound, Op: "fetch", Message: "missing"}
}

func (s *stubRemote) Delete(_ context.Context, _ syncbridge.Connection, remoteType, remoteID, _ string) (syncbridge.RemoteEntity, error) {
	return syncbridge.RemoteEntity{Type: remoteType, ID: remoteID, Deleted: true}, nil
}

func (s *stubRemote) ListChanges(_ context.Context, _ syncbridge.Connection, _ string) (syncbridge.ChangePage, error) {
	return syncbridge.ChangePage{}, nil
}

func (s *stubRemote) setFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = err
}

type noRefresh struct{}

func (noRefresh) Refresh(_ context.Context, conn syncbridge.Connection) (syncbridge.RefreshResult, error) {
	return syncbridge.RefreshResult{Connection: conn}, nil
}

type harness struct {
	server   *Server
	state    *syncbridge.MemoryState
	remote   *stubRemote
	inbox    *syncbridge.Inbox
	metrics  *metrics.Registry
	active   syncbridge.Connection
	inactive syncbridge.Connection
}

func newHarness(t *testing.T, cfg ServerConfig, mutate ...func(*syncbridge.EngineOptions)) *harness {
	t.Helper()
	ctx := context.Background()
	state := syncbridge.NewMemoryState()
	remote := &stubRemote{}
	hub := syncbridge.NewLogHub()
	registry := metrics.NewRegistry()
	opts := syncbridge.EngineOptions{
		State:     state,
		Clients:   map[syncbridge.Provider]syncbridge.RemoteClient{syncbridge.ProviderQuickBooks: remote},
		Refresher: noRefresh{},
		Hub:       hub,
		Recorder:  registry,
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	engine, err := syncbridge.NewEngine(opts)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	inbox, err := syncbridge.NewInbox(syncbridge.InboxOptions{Engine: engine, Queue: syncbridge.NewInMemoryEnvelopeQueue(8)})
	if err != nil {
		t.Fatalf("new inbox: %v", err)
	}
	t.Cleanup(func() { _ = inbox.Close() })

	active, err := state.SaveConnection(ctx, syncbridge.Connection{
		TenantID:      "tenant-1",
		Provider:      syncbridge.ProviderQuickBooks,
		AccountID:     "9130",
		AccessToken:   "access-secret",
		RefreshToken:  "refresh-secret",
		Active:        true,
		SyncDirection: syncbridge.DirectionBidirectional,
	})
	if err != nil {
		t.Fatalf("save connection: %v", err)
	}
	inactive, err := state.SaveConnection(ctx, syncbridge.Connection{
		TenantID:  "tenant-1",
		Provider:  syncbridge.ProviderQuickBooks,
		AccountID: "old-realm",
		Active:    false,
	})
	if err != nil {
		t.Fatalf("save connection: %v", err)
	}
	for _, id := range []string{"proj-1", "proj-2"} {
		if _, err := state.InsertEntity(ctx, syncbridge.LocalEntity{
			TenantID: "tenant-1",
			Type:     syncbridge.EntityType("projects"),
			ID:       id,
			Fields:   map[string]any{"name": "Project " + id},
		}); err != nil {
			t.Fatalf("insert entity: %v", err)
		}
	}

	server, err := NewServer(ServerOptions{
		Engine:      engine,
		Inbox:       inbox,
		Connections: syncbridge.NewConnectionService(syncbridge.ConnectionServiceOptions{Store: state}),
		Hub:         hub,
		Metrics:     registry,
		Config:      cfg,
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return &harness{server: server, state: state, remote: remote, inbox: inbox, metrics: registry, active: active, inactive: inactive}
}

func (h *harness) sync(t *testing.T, body map[string]any) *httptest.ResponseRecorder {
	t.Helper()
	return doRequest(t, h.server, request{method: http.MethodPost, path: "/v1/sync", body: body})
}

func TestHealth(t *testing.T) {
	h := newHarness(t, ServerConfig{})
	rec := doRequest(t, h.server, request{method: http.MethodGet, path: "/health"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Header().Get("X-Correlation-Id") == "" {
		t.Fatalf("expected a generated correlation id")
	}
}

func TestUnknownRouteUsesErrorEnvelope(t *testing.T) {
	h := newHarness(t, ServerConfig{})
	rec := doRequest(t, h.server, request{method: http.MethodGet, path: "/v1/nope", headers: map[string]string{"X-Correlation-Id": "corr_404"}})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	payload := decode[map[string]any](t, rec)
	if payload["code"] != "not_found" || payload["correlationId"] != "corr_404" {
		t.Fatalf("unexpected error payload: %v", payload)
	}
}

func TestSyncEndpointOutcomes(t *testing.T) {
	h := newHarness(t, ServerConfig{})

	rec := h.sync(t, map[string]any{"connectionId": h.active.ID, "entityType": "projects", "entityId": "proj-1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on first sync, got %d (%s)", rec.Code, rec.Body.String())
	}
	result := decode[syncbridge.SyncResult](t, rec)
	if result.Outcome != syncbridge.OutcomeSynced || !result.Created || result.RemoteID != "qbo-1" {
		t.Fatalf("unexpected sync result: %+v", result)
	}

	h.remote.setFailure(&syncbridge.SyncError{Class: syncbridge.ClassValidation, Op: "create", StatusCode: 400, Message: "DisplayName is too long"})
	rec = h.sync(t, map[string]any{"connectionId": h.active.ID, "entityType": "projects", "entityId": "proj-2"})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 on validation failure, got %d (%s)", rec.Code, rec.Body.String())
	}

	h.remote.setFailure(&syncbridge.SyncError{Class: syncbridge.ClassTransient, Op: "create", StatusCode: 503, Message: "service unavailable"})
	rec = h.sync(t, map[string]any{"connectionId": h.active.ID, "entityType": "projects", "entityId": "proj-2"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 on transient failure, got %d (%s)", rec.Code, rec.Body.String())
	}
	if result := decode[syncbridge.SyncResult](t, rec); result.Outcome != syncbridge.OutcomePendingRetry || !result.Retryable {
		t.Fatalf("unexpected retry result: %+v", result)
	}

	rec = h.sync(t, map[string]any{"connectionId": h.inactive.ID, "entityType": "projects", "entityId": "proj-1"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for inactive connection, got %d (%s)", rec.Code, rec.Body.String())
	}
}

func TestSyncEndpointRejectsBadRequests(t *testing.T) {
	h := newHarness(t, ServerConfig{})
	cases := []struct {
		name   string
		body   map[string]any
		status int
		code   string
	}{
		{name: "missing entity id", body: map[string]any{"connectionId": h.active.ID, "entityType": "projects"}, status: http.StatusBadRequest, code: "bad_request"},
		{name: "unknown entity type", body: map[string]any{"connectionId": h.active.ID, "entityType": "rfis", "entityId": "r-1"}, status: http.StatusBadRequest, code: "unsupported_entity_type"},
		{name: "bad direction", body: map[string]any{"connectionId": h.active.ID, "entityType": "projects", "entityId": "proj-1", "direction": "sideways"}, status: http.StatusBadRequest, code: "bad_request"},
		{name: "unknown connection", body: map[string]any{"connectionId": "conn_missing", "entityType": "projects", "entityId": "proj-1"}, status: http.StatusNotFound, code: "not_found"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := h.sync(t, tc.body)
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d (%s)", tc.status, rec.Code, rec.Body.String())
			}
			if payload := decode[map[string]any](t, rec); payload["code"] != tc.code {
				t.Fatalf("expected code %q, got %v", tc.code, payload)
			}
		})
	}

	rec := h.sync(t, map[string]any{"connectionId": h.active.ID, "entityType": "calendar_events", "entityId": "evt-1"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a type the provider does not sync, got %d (%s)", rec.Code, rec.Body.String())
	}
}

func TestPayloadTooLarge(t *testing.T) {
	h := newHarness(t, ServerConfig{MaxBodyBytes: 32})
	rec := h.sync(t, map[string]any{"connectionId": h.active.ID, "entityType": "projects", "entityId": strings.Repeat("x", 64)})
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
}

func TestBulkEndpoint(t *testing.T) {
	h := newHarness(t, ServerConfig{})

	rec := doRequest(t, h.server, request{method: http.MethodPost, path: "/v1/sync/bulk", body: map[string]any{
		"connectionId": h.active.ID,
		"entityType":   "projects",
	}})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	if result := decode[syncbridge.BulkResult](t, rec); result.Queued != 2 || result.Failed != 0 {
		t.Fatalf("unexpected bulk result: %+v", result)
	}

	rec = doRequest(t, h.server, request{method: http.MethodPost, path: "/v1/sync/bulk", body: map[string]any{
		"connectionId": h.inactive.ID,
		"entityType":   "projects",
	}})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for inactive connection, got %d (%s)", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, h.server, request{method: http.MethodPost, path: "/v1/sync/bulk", body: map[string]any{
		"connectionId": h.active.ID,
		"entityType":   "all",
		"entityIds":    []string{"proj-1"},
	}})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for ids with all, got %d (%s)", rec.Code, rec.Body.String())
	}

	drain := doRequest(t, h.server, request{method: http.MethodPost, path: "/v1/queue/drain"})
	if drain.Code != http.StatusOK {
		t.Fatalf("expected 200 on drain, got %d (%s)", drain.Code, drain.Body.String())
	}
	if result := decode[syncbridge.DrainResult](t, drain); result.Claimed != 2 || result.Done != 2 {
		t.Fatalf("unexpected drain result: %+v", result)
	}
}

type failingListState struct {
	*syncbridge.MemoryState
}

func (s failingListState) ListEntityIDs(ctx context.Context, tenantID string, entityType syncbridge.EntityType) ([]string, error) {
	if entityType == syncbridge.EntityProjects {
		return nil, errors.New("relation \"projects\" does not exist")
	}
	return s.MemoryState.ListEntityIDs(ctx, tenantID, entityType)
}

func TestBulkEndpointReportsPartialFailure(t *testing.T) {
	h := newHarness(t, ServerConfig{}, func(opts *syncbridge.EngineOptions) {
		opts.State = failingListState{MemoryState: opts.State.(*syncbridge.MemoryState)}
	})
	if _, err := h.state.InsertEntity(context.Background(), syncbridge.LocalEntity{
		TenantID: "tenant-1",
		Type:     syncbridge.EntitySubcontractors,
		ID:       "sub-1",
		Fields:   map[string]any{"company_name": "Acme Framing"},
	}); err != nil {
		t.Fatalf("insert entity: %v", err)
	}

	rec := doRequest(t, h.server, request{method: http.MethodPost, path: "/v1/sync/bulk", body: map[string]any{
		"connectionId": h.active.ID,
		"entityType":   "all",
	}})
	if rec.Code != http.StatusMultiStatus {
		t.Fatalf("expected 207, got %d (%s)", rec.Code, rec.Body.String())
	}
	result := decode[syncbridge.BulkResult](t, rec)
	if result.Queued != 1 || result.Failed != 1 || len(result.Errors) != 1 || result.Errors[0].EntityType != syncbridge.EntityProjects {
		t.Fatalf("unexpected bulk result: %+v", result)
	}
}

func TestSyncEndpointDefersWhenInFlightLimitReached(t *testing.T) {
	limiter := syncbridge.NewLocalInFlightLimiter(1)
	h := newHarness(t, ServerConfig{}, func(opts *syncbridge.EngineOptions) {
		opts.Limiter = limiter
	})
	release, ok, err := limiter.TryAcquire(context.Background())
	if err != nil || !ok {
		t.Fatalf("acquire slot: ok=%v err=%v", ok, err)
	}

	rec := h.sync(t, map[string]any{"connectionId": h.active.ID, "entityType": "projects", "entityId": "proj-1"})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d (%s)", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Retry-After"); got != "1" {
		t.Fatalf("expected Retry-After 1, got %q", got)
	}
	if result := decode[syncbridge.SyncResult](t, rec); result.Outcome != syncbridge.OutcomeDeferred || h.remote.creates != 0 {
		t.Fatalf("unexpected deferred result: %+v (creates %d)", result, h.remote.creates)
	}

	release()
	rec = h.sync(t, map[string]any{"connectionId": h.active.ID, "entityType": "projects", "entityId": "proj-1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 once a slot is free, got %d (%s)", rec.Code, rec.Body.String())
	}
}

func TestBulkStatus(t *testing.T) {
	cases := []struct {
		result syncbridge.BulkResult
		want   int
	}{
		{result: syncbridge.BulkResult{Queued: 3}, want: http.StatusOK},
		{result: syncbridge.BulkResult{}, want: http.StatusOK},
		{result: syncbridge.BulkResult{Queued: 2, Failed: 1}, want: http.StatusMultiStatus},
		{result: syncbridge.BulkResult{Failed: 2}, want: http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := bulkStatus(tc.result); got != tc.want {
			t.Fatalf("bulkStatus(%+v) = %d, want %d", tc.result, got, tc.want)
		}
	}
}

func TestQuickBooksWebhookSignature(t *testing.T) {
	h := newHarness(t, ServerConfig{QuickBooksVerifierToken: "verifier"})
	body := []byte(`{"eventNotifications":[{"realmId":"9130","dataChangeEvent":{"entities":[{"name":"Customer","id":"42","operation":"Update","lastUpdated":"2026-03-14T12:00:00Z"}]}}]}`)

	rec := doRequest(t, h.server, request{method: http.MethodPost, path: "/v1/webhooks/quickbooks", raw: body, headers: map[string]string{
		"intuit-signature": signQuickBooksBody("wrong", body),
	}})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 on bad signature, got %d", rec.Code)
	}

	signature := signQuickBooksBody("verifier", body)
	rec = doRequest(t, h.server, request{method: http.MethodPost, path: "/v1/webhooks/quickbooks", raw: body, headers: map[string]string{
		"intuit-signature": signature,
	}})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	if result := decode[syncbridge.IngestResult](t, rec); result.Status != "queued" || result.Duplicate {
		t.Fatalf("unexpected ingest result: %+v", result)
	}

	rec = doRequest(t, h.server, request{method: http.MethodPost, path: "/v1/webhooks/quickbooks", raw: body, headers: map[string]string{
		"intuit-signature": signature,
	}})
	if result := decode[syncbridge.IngestResult](t, rec); !result.Duplicate {
		t.Fatalf("expected redelivery to be flagged duplicate: %+v", result)
	}
	if h.inbox.Depth() != 1 {
		t.Fatalf("expected one queued envelope, got %d", h.inbox.Depth())
	}

	bad := []byte(`{"eventNotifications":[]}`)
	rec = doRequest(t, h.server, request{method: http.MethodPost, path: "/v1/webhooks/quickbooks", raw: bad, headers: map[string]string{
		"intuit-signature": signQuickBooksBody("verifier", bad),
	}})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty notification, got %d", rec.Code)
	}
}

func TestGoogleWebhookChannelToken(t *testing.T) {
	h := newHarness(t, ServerConfig{GoogleChannelToken: "channel-secret"})
	headers := map[string]string{
		syncbridge.HeaderGoogleChannelID:     "chan-1",
		syncbridge.HeaderGoogleResourceState: "exists",
		syncbridge.HeaderGoogleMessageNumber: "7",
		syncbridge.HeaderGoogleChannelToken:  "nope",
	}
	rec := doRequest(t, h.server, request{method: http.MethodPost, path: "/v1/webhooks/google-calendar", headers: headers})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 on bad channel token, got %d", rec.Code)
	}

	headers[syncbridge.HeaderGoogleChannelToken] = "channel-secret"
	rec = doRequest(t, h.server, request{method: http.MethodPost, path: "/v1/webhooks/google-calendar", headers: headers})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, h.server, request{method: http.MethodPost, path: "/v1/webhooks/google-calendar", headers: map[string]string{
		syncbridge.HeaderGoogleChannelToken: "channel-secret",
	}})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without channel headers, got %d", rec.Code)
	}
}

func TestConnectionsAreRedacted(t *testing.T) {
	h := newHarness(t, ServerConfig{})
	rec := doRequest(t, h.server, request{method: http.MethodGet, path: "/v1/connections?tenantId=tenant-1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "access-secret") || strings.Contains(rec.Body.String(), "refresh-secret") {
		t.Fatalf("tokens leaked in connection listing: %s", rec.Body.String())
	}

	rec = doRequest(t, h.server, request{method: http.MethodPost, path: "/v1/connections/" + h.active.ID + "/disconnect", body: map[string]any{"reason": "offboarding"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on disconnect, got %d (%s)", rec.Code, rec.Body.String())
	}
	conn := decode[syncbridge.Connection](t, rec)
	if conn.Active || conn.LastError != "offboarding" || conn.AccessToken != "" {
		t.Fatalf("unexpected disconnected connection: %+v", conn)
	}

	rec = doRequest(t, h.server, request{method: http.MethodGet, path: "/v1/connections"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without tenantId, got %d", rec.Code)
	}
}

func TestListLogs(t *testing.T) {
	h := newHarness(t, ServerConfig{})
	h.sync(t, map[string]any{"connectionId": h.active.ID, "entityType": "projects", "entityId": "proj-1"})
	h.sync(t, map[string]any{"connectionId": h.active.ID, "entityType": "projects", "entityId": "proj-2"})

	rec := doRequest(t, h.server, request{method: http.MethodGet, path: "/v1/connections/" + h.active.ID + "/logs?limit=1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	page := decode[struct {
		Entries []syncbridge.SyncLogEntry `json:"entries"`
	}](t, rec)
	if len(page.Entries) != 1 || page.Entries[0].EntityID != "proj-2" {
		t.Fatalf("expected only the newest entry, got %+v", page.Entries)
	}

	rec = doRequest(t, h.server, request{method: http.MethodGet, path: "/v1/connections/conn_missing/logs"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestLogStream(t *testing.T) {
	h := newHarness(t, ServerConfig{LogStreamBacklog: 5})
	h.sync(t, map[string]any{"connectionId": h.active.ID, "entityType": "projects", "entityId": "proj-1"})

	httpServer := httptest.NewServer(h.server)
	defer httpServer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/v1/connections/" + h.active.ID + "/logs/stream"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial log stream: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	var first syncbridge.SyncLogEntry
	if err := wsjson.Read(ctx, conn, &first); err != nil {
		t.Fatalf("read backlog entry: %v", err)
	}
	if first.EntityID != "proj-1" {
		t.Fatalf("expected backlog entry for proj-1, got %+v", first)
	}

	h.sync(t, map[string]any{"connectionId": h.active.ID, "entityType": "projects", "entityId": "proj-2"})
	var live syncbridge.SyncLogEntry
	if err := wsjson.Read(ctx, conn, &live); err != nil {
		t.Fatalf("read live entry: %v", err)
	}
	if live.EntityID != "proj-2" || live.Outcome != string(syncbridge.OutcomeSynced) {
		t.Fatalf("unexpected live entry: %+v", live)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t, ServerConfig{})
	h.sync(t, map[string]any{"connectionId": h.active.ID, "entityType": "projects", "entityId": "proj-1"})
	doRequest(t, h.server, request{method: http.MethodPost, path: "/v1/webhooks/google-calendar", headers: map[string]string{
		syncbridge.HeaderGoogleChannelID:     "chan-1",
		syncbridge.HeaderGoogleResourceState: "exists",
	}})

	rec := doRequest(t, h.server, request{method: http.MethodGet, path: "/metrics"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		`syncbridge_http_requests_total{method="POST",route="/v1/sync",status="200"} 1`,
		`syncbridge_sync_total{entity_type="projects",error_class="",outcome="synced",provider="quickbooks"} 1`,
		`syncbridge_envelope_queue_depth 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %q\n%s", want, body)
		}
	}
}

func TestRateLimit(t *testing.T) {
	h := newHarness(t, ServerConfig{RateLimitMax: 1, RateLimitWindow: time.Minute})
	first := doRequest(t, h.server, request{method: http.MethodGet, path: "/v1/webhooks/dead-letters"})
	if first.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", first.Code)
	}
	second := doRequest(t, h.server, request{method: http.MethodGet, path: "/v1/webhooks/dead-letters"})
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", second.Code)
	}
	if health := doRequest(t, h.server, request{method: http.MethodGet, path: "/health"}); health.Code != http.StatusOK {
		t.Fatalf("health must not be rate limited, got %d", health.Code)
	}
}
