package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/agentworkforce/syncbridge/internal/config"
	"github.com/agentworkforce/syncbridge/internal/syncbridge"
)

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCommandPresence(t *testing.T) {
	cmd := newRootCommand()
	for _, name := range []string{"serve", "migrate", "sync", "enqueue", "drain", "logs", "disconnect", "version"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := newRootCommand()
	for _, name := range []string{"config", "server", "token", "timeout", "format"} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(name), "flag %s", name)
	}
	assert.Equal(t, "c", cmd.PersistentFlags().Lookup("config").Shorthand)
	assert.Equal(t, "text", cmd.PersistentFlags().Lookup("format").DefValue)
}

func TestInvalidFormatIsCommandError(t *testing.T) {
	_, err := runCommand(t, "version", "--format", "yaml")
	require.Error(t, err)
	assert.Equal(t, exitCommandError, exitCode(err))
}

func TestVersionCommand(t *testing.T) {
	out, err := runCommand(t, "version")
	require.NoError(t, err)
	assert.Equal(t, version+"\n", out)
}

func TestSyncRequiresFlags(t *testing.T) {
	_, err := runCommand(t, "sync", "--connection", "conn-1")
	require.Error(t, err)
	assert.Equal(t, exitCommandError, exitCode(err))
	assert.Contains(t, err.Error(), "--type, --id")
}

func TestSyncRejectsBadDirection(t *testing.T) {
	_, err := runCommand(t, "sync", "--connection", "c", "--type", "projects", "--id", "p", "--direction", "sideways")
	require.Error(t, err)
	assert.Equal(t, exitCommandError, exitCode(err))
}

func TestSyncPrintsFailedOutcomeAsJSON(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/sync", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_ = json.NewEncoder(w).Encode(syncbridge.SyncResult{
			ConnectionID: "conn-1",
			EntityType:   syncbridge.EntityProjects,
			EntityID:     "proj-1",
			Direction:    syncbridge.DirectionToRemote,
			Outcome:      syncbridge.OutcomeFailed,
			ErrorClass:   syncbridge.ClassValidation,
			Error:        "Duplicate Name Exists Error",
		})
	}))
	defer srv.Close()

	out, err := runCommand(t, "--server", srv.URL, "--format", "json",
		"sync", "--connection", "conn-1", "--type", "projects", "--id", "proj-1")
	require.NoError(t, err)
	assert.Equal(t, "projects", got["entityType"])
	assert.Equal(t, "to_remote", got["direction"])

	var result syncbridge.SyncResult
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, syncbridge.OutcomeFailed, result.Outcome)
	assert.Equal(t, syncbridge.ClassValidation, result.ErrorClass)
}

func TestDrainPrintsText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/queue/drain", r.URL.Path)
		_ = json.NewEncoder(w).Encode(syncbridge.DrainResult{Claimed: 3, Done: 2, Retrying: 1})
	}))
	defer srv.Close()

	out, err := runCommand(t, "--server", srv.URL, "drain")
	require.NoError(t, err)
	assert.Equal(t, "claimed=3 done=2 failed=0 retrying=1 deferred=0\n", out)
}

func TestEnqueueFailsWhenNothingQueued(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req syncbridge.BulkRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []string{"co-1", "co-2"}, req.EntityIDs)
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(syncbridge.BulkResult{
			Failed: 2,
			Errors: []syncbridge.EntityError{
				{EntityType: syncbridge.EntityChangeOrders, EntityID: "co-1", Error: "not found"},
				{EntityType: syncbridge.EntityChangeOrders, EntityID: "co-2", Error: "not found"},
			},
		})
	}))
	defer srv.Close()

	out, err := runCommand(t, "--server", srv.URL,
		"enqueue", "--connection", "conn-1", "--type", "change_orders", "--ids", "co-1,co-2")
	require.Error(t, err)
	assert.Equal(t, exitFailure, exitCode(err))
	assert.Contains(t, out, "queued=0 failed=2")
	assert.Contains(t, out, "change_orders/co-2: not found")
}

func TestBuildAppServesHealthOnMemoryProfile(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	require.Equal(t, "memory://", cfg.Store.DSN)

	a, err := buildApp(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer a.Close()
	assert.Nil(t, a.consumer)

	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBuildAppRejectsBadSecretKey(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Secrets.Key = "not-hex"

	_, err = buildApp(context.Background(), cfg, zap.NewNop())
	require.Error(t, err)
	assert.Equal(t, exitCommandError, exitCode(err))
}

func TestApplyReloadUpdatesLevelAndLimiter(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Log.Level = "debug"
	cfg.Sync.MaxInFlight = 5

	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	limiter := syncbridge.NewLocalInFlightLimiter(2)
	applyReload(zap.NewNop(), level, limiter, cfg)

	assert.Equal(t, zapcore.DebugLevel, level.Level())
	assert.Equal(t, 5, limiter.Max())
}

func TestOAuthConfigsSkipUnconfiguredProviders(t *testing.T) {
	var providers config.ProvidersConfig
	providers.Google.ClientID = "google-client"
	providers.Google.ClientSecret = "google-secret"

	configs := oauthConfigsFrom(providers)
	require.Len(t, configs, 1)
	google := configs[syncbridge.ProviderGoogleCalendar]
	require.NotNil(t, google)
	assert.Equal(t, "https://oauth2.googleapis.com/token", google.Endpoint.TokenURL)
}
