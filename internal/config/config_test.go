package config

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "syncbridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

// replaceConfig swaps the file in with a rename so the watcher never reads a
// truncated file.
func replaceConfig(t *testing.T, path, body string) {
	t.Helper()
	tmp := path + ".tmp"
	require.NoError(t, os.WriteFile(tmp, []byte(body), 0o644))
	require.NoError(t, os.Rename(tmp, path))
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, "memory://", cfg.Store.DSN)
	assert.Equal(t, "memory://", cfg.Queue.EnvelopeDSN)
	assert.Equal(t, 8, cfg.Sync.MaxInFlight)
	assert.Equal(t, 20*time.Second, cfg.Sync.RemoteTimeout)
	assert.Equal(t, "none", cfg.Sync.InboundProjectFallback)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Nil(t, cfg.Kafka.Brokers)
}

func TestLoadFileAndEnvironmentOverrides(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
store:
  dsn: postgres://localhost/syncbridge?sslmode=disable
sync:
  max_in_flight: 3
  inbound_project_fallback: latest_active_project
providers:
  quickbooks:
    client_id: qb-client
    client_secret: qb-secret
    webhook_verifier_token: verifier
log:
  level: warn
`)
	t.Setenv("SYNCBRIDGE_SYNC_REMOTE_TIMEOUT", "5s")
	t.Setenv("SYNCBRIDGE_LOG_LEVEL", "DEBUG")
	t.Setenv("SYNCBRIDGE_KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092")
	t.Setenv("SYNCBRIDGE_KAFKA_TOPIC", "entity-changes")
	t.Setenv("SYNCBRIDGE_KAFKA_GROUP_ID", "syncbridge")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres://localhost/syncbridge?sslmode=disable", cfg.Store.DSN)
	assert.Equal(t, 3, cfg.Sync.MaxInFlight)
	assert.Equal(t, 5*time.Second, cfg.Sync.RemoteTimeout)
	assert.Equal(t, "latest_active_project", cfg.Sync.InboundProjectFallback)
	assert.Equal(t, "qb-client", cfg.Providers.QuickBooks.ClientID)
	assert.Equal(t, "verifier", cfg.Providers.QuickBooks.WebhookVerifierToken)
	assert.Equal(t, "debug", cfg.Log.Level, "environment wins over the file")
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Kafka.Brokers)
}

func TestLoadStorageProfiles(t *testing.T) {
	t.Setenv("SYNCBRIDGE_STORE_PROFILE", "durable-local")
	t.Setenv("SYNCBRIDGE_STORE_DATA_DIR", "/var/lib/syncbridge")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "file:///var/lib/syncbridge/state.json", cfg.Store.DSN)
	assert.Equal(t, "file:///var/lib/syncbridge/envelope-queue.json", cfg.Queue.EnvelopeDSN)

	t.Setenv("SYNCBRIDGE_STORE_PROFILE", "production")
	_, err = Load("")
	assert.ErrorContains(t, err, "store.production_dsn is required")

	t.Setenv("SYNCBRIDGE_STORE_PRODUCTION_DSN", "postgres://db/syncbridge")
	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, "postgres://db/syncbridge", cfg.Store.DSN)
	assert.Equal(t, "postgres://db/syncbridge", cfg.Queue.EnvelopeDSN)

	t.Setenv("SYNCBRIDGE_STORE_PROFILE", "cloud")
	_, err = Load("")
	assert.ErrorContains(t, err, "unsupported store.profile")
}

func TestLoadValidation(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
		want string
	}{
		{name: "custom profile needs a dsn", env: map[string]string{"SYNCBRIDGE_STORE_PROFILE": "custom"}, want: "store.dsn is required"},
		{name: "ceiling must be positive", env: map[string]string{"SYNCBRIDGE_SYNC_MAX_IN_FLIGHT": "0"}, want: "sync.max_in_flight must be > 0"},
		{name: "unknown log level", env: map[string]string{"SYNCBRIDGE_LOG_LEVEL": "verbose"}, want: "log.level must be one of"},
		{name: "unknown fallback", env: map[string]string{"SYNCBRIDGE_SYNC_INBOUND_PROJECT_FALLBACK": "first"}, want: "sync.inbound_project_fallback must be one of"},
		{name: "short secrets key", env: map[string]string{"SYNCBRIDGE_SECRETS_KEY": "abcd"}, want: "secrets.key failed len validation"},
		{name: "kafka topic", env: map[string]string{"SYNCBRIDGE_KAFKA_BROKERS": "kafka:9092", "SYNCBRIDGE_KAFKA_GROUP_ID": "g"}, want: "kafka.topic is required when brokers is set"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for key, value := range tc.env {
				t.Setenv(key, value)
			}
			_, err := Load("")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestWatchReloadsChangedFile(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "log:\n  level: info\nsync:\n  max_in_flight: 4\n")
	loader, err := NewLoader(path)
	require.NoError(t, err)
	assert.Equal(t, path, loader.ConfigFile())

	var reloaded atomic.Value
	var failures atomic.Int32
	require.NoError(t, loader.Watch(func(cfg Config) { reloaded.Store(cfg) }, func(error) { failures.Add(1) }))

	replaceConfig(t, path, "log:\n  level: error\nsync:\n  max_in_flight: 2\n")
	require.Eventually(t, func() bool {
		cfg, ok := reloaded.Load().(Config)
		return ok && cfg.Log.Level == "error" && cfg.Sync.MaxInFlight == 2
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, "error", loader.Current().Log.Level)

	replaceConfig(t, path, "log:\n  level: loud\n")
	require.Eventually(t, func() bool { return failures.Load() > 0 }, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, "error", loader.Current().Log.Level, "an invalid edit keeps the previous configuration")
}

func TestWatchNeedsConfigFile(t *testing.T) {
	loader, err := NewLoader("")
	require.NoError(t, err)
	assert.Error(t, loader.Watch(nil, nil))
}
