// Package config loads syncbridge settings from an optional YAML file and
// SYNCBRIDGE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const EnvPrefix = "SYNCBRIDGE"

type Config struct {
	HTTP      HTTPConfig      `mapstructure:"http"`
	Store     StoreConfig     `mapstructure:"store"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Limiter   LimiterConfig   `mapstructure:"limiter"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Providers ProvidersConfig `mapstructure:"providers"`
	Weather   WeatherConfig   `mapstructure:"weather"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Secrets   SecretsConfig   `mapstructure:"secrets"`
	Log       LogConfig       `mapstructure:"log"`
}

type HTTPConfig struct {
	Addr              string        `mapstructure:"addr" validate:"required"`
	MaxBodyBytes      int64         `mapstructure:"max_body_bytes" validate:"gt=0"`
	RateLimitMax      int           `mapstructure:"rate_limit_max" validate:"gte=0"`
	RateLimitWindow   time.Duration `mapstructure:"rate_limit_window" validate:"gt=0"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" validate:"gt=0"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

// StoreConfig picks the state backend. Profile fills DSN when DSN is empty:
// "memory", "durable-local" (files under DataDir) or "production"
// (ProductionDSN for state and envelopes).
type StoreConfig struct {
	DSN           string `mapstructure:"dsn" validate:"required"`
	Profile       string `mapstructure:"profile" validate:"omitempty,oneof=custom memory durable-local production"`
	DataDir       string `mapstructure:"data_dir"`
	ProductionDSN string `mapstructure:"production_dsn"`
}

type QueueConfig struct {
	EnvelopeDSN      string        `mapstructure:"envelope_dsn"`
	EnvelopeCapacity int           `mapstructure:"envelope_capacity" validate:"gt=0"`
	Workers          int           `mapstructure:"workers" validate:"gt=0"`
	MaxAttempts      int           `mapstructure:"max_attempts" validate:"gt=0"`
	RetryDelay       time.Duration `mapstructure:"retry_delay" validate:"gt=0"`
}

type SyncConfig struct {
	MaxInFlight            int           `mapstructure:"max_in_flight" validate:"gt=0"`
	MaxRetries             int           `mapstructure:"max_retries" validate:"gt=0"`
	RemoteTimeout          time.Duration `mapstructure:"remote_timeout" validate:"gt=0"`
	RefreshSkew            time.Duration `mapstructure:"refresh_skew" validate:"gte=0"`
	DrainBatch             int           `mapstructure:"drain_batch" validate:"gt=0"`
	DrainConcurrency       int           `mapstructure:"drain_concurrency" validate:"gt=0"`
	InboundProjectFallback string        `mapstructure:"inbound_project_fallback" validate:"oneof=none latest_active_project connection_default"`
}

type LimiterConfig struct {
	RedisAddr string `mapstructure:"redis_addr"`
	Key       string `mapstructure:"key" validate:"required_with=RedisAddr"`
}

type CacheConfig struct {
	RedisAddr  string        `mapstructure:"redis_addr"`
	MaxEntries int           `mapstructure:"max_entries" validate:"gt=0"`
	TTL        time.Duration `mapstructure:"ttl" validate:"gt=0"`
}

type ProvidersConfig struct {
	QuickBooks QuickBooksConfig `mapstructure:"quickbooks"`
	Google     GoogleConfig     `mapstructure:"google"`
}

type OAuthConfig struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret" validate:"required_with=ClientID"`
	AuthURL      string `mapstructure:"auth_url" validate:"omitempty,url"`
	TokenURL     string `mapstructure:"token_url" validate:"omitempty,url"`
	RedirectURL  string `mapstructure:"redirect_url" validate:"omitempty,url"`
}

type QuickBooksConfig struct {
	OAuthConfig          `mapstructure:",squash"`
	BaseURL              string  `mapstructure:"base_url" validate:"omitempty,url"`
	MinorVersion         string  `mapstructure:"minor_version"`
	RequestsPerSecond    float64 `mapstructure:"requests_per_second" validate:"gte=0"`
	WebhookVerifierToken string  `mapstructure:"webhook_verifier_token"`
}

type GoogleConfig struct {
	OAuthConfig       `mapstructure:",squash"`
	BaseURL           string  `mapstructure:"base_url" validate:"omitempty,url"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second" validate:"gte=0"`
	ChannelToken      string  `mapstructure:"channel_token"`
}

type WeatherConfig struct {
	APIKey  string        `mapstructure:"api_key"`
	BaseURL string        `mapstructure:"base_url" validate:"omitempty,url"`
	Timeout time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic" validate:"required_with=Brokers"`
	GroupID string   `mapstructure:"group_id" validate:"required_with=Brokers"`
}

type SecretsConfig struct {
	Key string `mapstructure:"key" validate:"omitempty,hexadecimal,len=64"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json console"`
}

// Defaults lists every recognised key. Keys must be known to viper for
// environment overrides to reach Unmarshal.
var Defaults = map[string]any{
	"http.addr":                ":8080",
	"http.max_body_bytes":      1 << 20,
	"http.rate_limit_max":      0,
	"http.rate_limit_window":   time.Minute,
	"http.read_header_timeout": 10 * time.Second,
	"http.shutdown_timeout":    15 * time.Second,

	"store.dsn":            "",
	"store.profile":        "memory",
	"store.data_dir":       ".syncbridge",
	"store.production_dsn": "",

	"queue.envelope_dsn":      "",
	"queue.envelope_capacity": 1024,
	"queue.workers":           2,
	"queue.max_attempts":      3,
	"queue.retry_delay":       100 * time.Millisecond,

	"sync.max_in_flight":            8,
	"sync.max_retries":              5,
	"sync.remote_timeout":           20 * time.Second,
	"sync.refresh_skew":             time.Minute,
	"sync.drain_batch":              25,
	"sync.drain_concurrency":        4,
	"sync.inbound_project_fallback": "none",

	"limiter.redis_addr": "",
	"limiter.key":        "syncbridge:in_flight",
	"cache.redis_addr":   "",
	"cache.max_entries":  1024,
	"cache.ttl":          10 * time.Minute,

	"providers.quickbooks.client_id":              "",
	"providers.quickbooks.client_secret":          "",
	"providers.quickbooks.auth_url":               "",
	"providers.quickbooks.token_url":              "",
	"providers.quickbooks.redirect_url":           "",
	"providers.quickbooks.base_url":               "",
	"providers.quickbooks.minor_version":          "",
	"providers.quickbooks.requests_per_second":    0.0,
	"providers.quickbooks.webhook_verifier_token": "",

	"providers.google.client_id":           "",
	"providers.google.client_secret":       "",
	"providers.google.auth_url":            "",
	"providers.google.token_url":           "",
	"providers.google.redirect_url":        "",
	"providers.google.base_url":            "",
	"providers.google.requests_per_second": 0.0,
	"providers.google.channel_token":       "",

	"weather.api_key":  "",
	"weather.base_url": "",
	"weather.timeout":  5 * time.Second,
	"kafka.brokers":    []string{},
	"kafka.topic":      "",
	"kafka.group_id":   "",
	"secrets.key":      "",
	"log.level":        "info",
	"log.format":       "json",
}

// Loader owns a viper instance so tests and binaries do not share global
// state.
type Loader struct {
	v        *viper.Viper
	validate *validator.Validate

	mu      sync.Mutex
	current Config
}

// NewLoader reads path when it is non-empty, then applies environment
// overrides.
func NewLoader(path string) (*Loader, error) {
	v := viper.New()
	for key, value := range Defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path = strings.TrimSpace(path); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	l := &Loader{v: v, validate: newValidator()}
	cfg, err := l.decode()
	if err != nil {
		return nil, err
	}
	l.current = cfg
	return l, nil
}

// Load is NewLoader followed by Current.
func Load(path string) (Config, error) {
	l, err := NewLoader(path)
	if err != nil {
		return Config{}, err
	}
	return l.Current(), nil
}

func (l *Loader) Current() Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// ConfigFile is the file in use, or "" when only the environment is read.
func (l *Loader) ConfigFile() string {
	return l.v.ConfigFileUsed()
}

// Watch calls onChange with the new configuration every time the config
// file changes and still validates. Invalid edits go to onError and the
// previous configuration stays current.
func (l *Loader) Watch(onChange func(Config), onError func(error)) error {
	if l.v.ConfigFileUsed() == "" {
		return errors.New("config: nothing to watch without a config file")
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := l.decode()
		if err != nil {
			if onError != nil {
				onError(fmt.Errorf("reload %s: %w", filepath.Base(e.Name), err))
			}
			return
		}
		l.mu.Lock()
		l.current = cfg
		l.mu.Unlock()
		if onChange != nil {
			onChange(cfg)
		}
	})
	l.v.WatchConfig()
	return nil
}

func (l *Loader) decode() (Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.applyProfile(); err != nil {
		return Config{}, err
	}
	cfg.normalize()
	if err := l.validate.Struct(cfg); err != nil {
		return Config{}, describeValidation(err)
	}
	return cfg, nil
}

func (c *Config) applyProfile() error {
	profile := strings.ToLower(strings.TrimSpace(c.Store.Profile))
	c.Store.Profile = profile
	dataDir := strings.TrimSpace(c.Store.DataDir)
	if dataDir == "" {
		dataDir = ".syncbridge"
	}
	var stateDSN, envelopeDSN string
	switch profile {
	case "", "custom":
	case "memory":
		stateDSN, envelopeDSN = "memory://", "memory://"
	case "durable-local":
		stateDSN = "file://" + filepath.Join(dataDir, "state.json")
		envelopeDSN = "file://" + filepath.Join(dataDir, "envelope-queue.json")
	case "production":
		dsn := strings.TrimSpace(c.Store.ProductionDSN)
		if dsn == "" {
			return fmt.Errorf("store.production_dsn is required when store.profile=%s", profile)
		}
		stateDSN, envelopeDSN = dsn, dsn
	default:
		return fmt.Errorf("unsupported store.profile: %s", profile)
	}
	if strings.TrimSpace(c.Store.DSN) == "" {
		c.Store.DSN = stateDSN
	}
	if strings.TrimSpace(c.Queue.EnvelopeDSN) == "" {
		c.Queue.EnvelopeDSN = envelopeDSN
	}
	return nil
}

func (c *Config) normalize() {
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	c.Store.DSN = strings.TrimSpace(c.Store.DSN)
	var brokers []string
	for _, broker := range c.Kafka.Brokers {
		for _, part := range strings.Split(broker, ",") {
			if part = strings.TrimSpace(part); part != "" {
				brokers = append(brokers, part)
			}
		}
	}
	c.Kafka.Brokers = brokers
}

func newValidator() *validator.Validate {
	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("mapstructure"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	return validate
}

func describeValidation(err error) error {
	var invalid *validator.InvalidValidationError
	if errors.As(err, &invalid) {
		return fmt.Errorf("invalid validation error: %w", err)
	}
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) || len(validationErrors) == 0 {
		return err
	}
	messages := make([]string, 0, len(validationErrors))
	for _, fieldErr := range validationErrors {
		field := configKey(fieldErr.Namespace())
		switch fieldErr.Tag() {
		case "required":
			messages = append(messages, field+" is required")
		case "required_with":
			messages = append(messages, fmt.Sprintf("%s is required when %s is set", field, strings.ToLower(fieldErr.Param())))
		case "oneof":
			messages = append(messages, fmt.Sprintf("%s must be one of [%s]", field, fieldErr.Param()))
		case "gt", "gte":
			messages = append(messages, fmt.Sprintf("%s must be %s %s", field, map[string]string{"gt": ">", "gte": ">="}[fieldErr.Tag()], fieldErr.Param()))
		default:
			messages = append(messages, fmt.Sprintf("%s failed %s validation", field, fieldErr.Tag()))
		}
	}
	return fmt.Errorf("invalid config: %s", strings.Join(messages, "; "))
}

// configKey turns "Config.sync.max_in_flight" into "sync.max_in_flight".
func configKey(namespace string) string {
	if _, rest, ok := strings.Cut(namespace, "."); ok {
		return rest
	}
	return namespace
}
