package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/syncbridge/internal/cache"
	"github.com/agentworkforce/syncbridge/internal/config"
	"github.com/agentworkforce/syncbridge/internal/events"
	"github.com/agentworkforce/syncbridge/internal/httpapi"
	"github.com/agentworkforce/syncbridge/internal/logging"
	"github.com/agentworkforce/syncbridge/internal/metrics"
	"github.com/agentworkforce/syncbridge/internal/migrate"
	"github.com/agentworkforce/syncbridge/internal/secretbox"
	"github.com/agentworkforce/syncbridge/internal/syncbridge"
	"github.com/agentworkforce/syncbridge/internal/weather"
)

const (
	logStreamBacklog = 20
	redisDialTimeout = 5 * time.Second
	weatherKeyPrefix = "syncbridge:weather:"
)

type serveOptions struct {
	*rootOptions
	migrate bool
}

func newServeCommand(root *rootOptions) *cobra.Command {
	opts := &serveOptions{rootOptions: root}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync API, webhook inbox and event consumer",
		Long: `Run the HTTP API together with the webhook inbox workers and, when
kafka.brokers is set, the domain event consumer.

Settings come from --config and SYNCBRIDGE_* environment variables. When a
config file is used, edits to log.level and sync.max_in_flight apply
without a restart.

Example:
  syncbridge serve --config ./syncbridge.yaml
  SYNCBRIDGE_STORE_PROFILE=production SYNCBRIDGE_STORE_PRODUCTION_DSN=postgres://... syncbridge serve --migrate`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}

	cmd.Flags().BoolVar(&opts.migrate, "migrate", false, "apply database migrations before serving (postgres only)")
	return cmd
}

func runServe(ctx context.Context, opts *serveOptions) error {
	loader, err := config.NewLoader(opts.configPath)
	if err != nil {
		return usageError(err)
	}
	cfg := loader.Current()

	logger, level, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return usageError(err)
	}
	defer func() { _ = logger.Sync() }()

	if opts.migrate {
		if !isPostgresDSN(cfg.Store.DSN) {
			return usageError(fmt.Errorf("--migrate needs a postgres store, got %q", redactDSN(cfg.Store.DSN)))
		}
		if err := migrate.Up(ctx, cfg.Store.DSN); err != nil {
			return fmt.Errorf("apply migrations: %w", err)
		}
		logger.Info("migrations applied")
	}

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if loader.ConfigFile() != "" {
		err := loader.Watch(func(next config.Config) {
			applyReload(logger, level, a.engine.Limiter(), next)
		}, func(err error) {
			logger.Warn("config reload rejected", zap.Error(err))
		})
		if err != nil {
			logger.Warn("config watch disabled", zap.Error(err))
		}
	}

	a.inbox.Start()

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           a.handler,
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("syncbridge listening",
			zap.String("addr", cfg.HTTP.Addr),
			zap.String("store", redactDSN(cfg.Store.DSN)),
			zap.String("version", version),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if a.consumer != nil {
		group.Go(func() error {
			logger.Info("domain event consumer started", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.Topic))
			return a.consumer.Run(groupCtx)
		})
	}
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		logger.Info("syncbridge shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return group.Wait()
}

// app is the assembled server: every component built from one Config.
type app struct {
	state    syncbridge.State
	queue    syncbridge.EnvelopeQueue
	engine   *syncbridge.Engine
	inbox    *syncbridge.Inbox
	consumer *events.Consumer
	handler  http.Handler
	closers  []func() error
	logger   *zap.Logger
}

func buildApp(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *app, err error) {
	a := &app{logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	var sealer syncbridge.TokenSealer
	if cfg.Secrets.Key != "" {
		box, err := secretbox.NewFromHex(cfg.Secrets.Key)
		if err != nil {
			return nil, usageError(fmt.Errorf("secrets.key: %w", err))
		}
		sealer = box
	} else if isPostgresDSN(cfg.Store.DSN) {
		logger.Warn("secrets.key is empty; oauth tokens are stored unsealed")
	}

	a.state, err = syncbridge.BuildStateFromDSN(cfg.Store.DSN, sealer)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	a.closers = append(a.closers, a.state.Close)

	a.queue, err = syncbridge.BuildEnvelopeQueueFromDSN(cfg.Queue.EnvelopeDSN, cfg.Queue.EnvelopeCapacity)
	if err != nil {
		return nil, fmt.Errorf("open envelope queue: %w", err)
	}
	a.closers = append(a.closers, a.queue.Close)

	registry := metrics.NewRegistry()
	hub := syncbridge.NewLogHub()
	oauthConfigs := oauthConfigsFrom(cfg.Providers)
	providerHTTP := &http.Client{Timeout: cfg.Sync.RemoteTimeout}

	limiter, err := a.buildLimiter(ctx, cfg)
	if err != nil {
		return nil, err
	}
	fallback, err := syncbridge.ParseProjectFallback(cfg.Sync.InboundProjectFallback)
	if err != nil {
		return nil, usageError(err)
	}

	refresher := syncbridge.NewTokenRefresher(syncbridge.TokenRefresherOptions{
		Store:      a.state,
		Configs:    oauthConfigs,
		HTTPClient: providerHTTP,
		Hub:        hub,
		Logger:     logger.Named("oauth"),
		Recorder:   registry,
	})
	a.engine, err = syncbridge.NewEngine(syncbridge.EngineOptions{
		State: a.state,
		Clients: map[syncbridge.Provider]syncbridge.RemoteClient{
			syncbridge.ProviderQuickBooks: syncbridge.NewQuickBooksClient(syncbridge.QuickBooksClientOptions{
				BaseURL:           cfg.Providers.QuickBooks.BaseURL,
				HTTPClient:        providerHTTP,
				MinorVersion:      cfg.Providers.QuickBooks.MinorVersion,
				RequestsPerSecond: cfg.Providers.QuickBooks.RequestsPerSecond,
			}),
			syncbridge.ProviderGoogleCalendar: syncbridge.NewGoogleCalendarClient(syncbridge.GoogleCalendarClientOptions{
				BaseURL:           cfg.Providers.Google.BaseURL,
				HTTPClient:        providerHTTP,
				RequestsPerSecond: cfg.Providers.Google.RequestsPerSecond,
			}),
		},
		Refresher:        refresher,
		Limiter:          limiter,
		Hub:              hub,
		Logger:           logger.Named("engine"),
		Recorder:         registry,
		MaxRetries:       cfg.Sync.MaxRetries,
		RefreshSkew:      cfg.Sync.RefreshSkew,
		RemoteTimeout:    cfg.Sync.RemoteTimeout,
		DrainBatch:       cfg.Sync.DrainBatch,
		DrainConcurrency: cfg.Sync.DrainConcurrency,
		ProjectFallback:  fallback,
	})
	if err != nil {
		return nil, err
	}

	a.inbox, err = syncbridge.NewInbox(syncbridge.InboxOptions{
		Engine:      a.engine,
		Queue:       a.queue,
		Workers:     cfg.Queue.Workers,
		MaxAttempts: cfg.Queue.MaxAttempts,
		RetryDelay:  cfg.Queue.RetryDelay,
		Logger:      logger.Named("inbox"),
	})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.inbox.Close)

	weatherCache, err := a.buildCache(ctx, cfg)
	if err != nil {
		return nil, err
	}
	weatherClient := weather.NewClient(weather.Options{
		APIKey:     cfg.Weather.APIKey,
		BaseURL:    cfg.Weather.BaseURL,
		HTTPClient: &http.Client{Timeout: cfg.Weather.Timeout},
		Cache:      weatherCache,
		TTL:        cfg.Cache.TTL,
		Logger:     logger.Named("weather"),
	})

	server, err := httpapi.NewServer(httpapi.ServerOptions{
		Engine: a.engine,
		Inbox:  a.inbox,
		Connections: syncbridge.NewConnectionService(syncbridge.ConnectionServiceOptions{
			Store:      a.state,
			Configs:    oauthConfigs,
			HTTPClient: providerHTTP,
			Logger:     logger.Named("connections"),
		}),
		Hub:     hub,
		Weather: weatherClient,
		Metrics: registry,
		Logger:  logger.Named("http"),
		Config: httpapi.ServerConfig{
			RateLimitMax:            cfg.HTTP.RateLimitMax,
			RateLimitWindow:         cfg.HTTP.RateLimitWindow,
			MaxBodyBytes:            cfg.HTTP.MaxBodyBytes,
			QuickBooksVerifierToken: cfg.Providers.QuickBooks.WebhookVerifierToken,
			GoogleChannelToken:      cfg.Providers.Google.ChannelToken,
			LogStreamBacklog:        logStreamBacklog,
		},
	})
	if err != nil {
		return nil, err
	}
	a.handler = server

	if len(cfg.Kafka.Brokers) > 0 {
		a.consumer, err = events.NewConsumer(events.ConsumerOptions{
			Reader: events.NewKafkaReader(events.ReaderConfig{
				Brokers: cfg.Kafka.Brokers,
				Topic:   cfg.Kafka.Topic,
				GroupID: cfg.Kafka.GroupID,
			}),
			Enqueuer:    a.engine,
			Connections: a.state,
			Deleter:     a.engine,
			Logger:      logger.Named("events"),
			RetryDelay:  cfg.Queue.RetryDelay,
		})
		if err != nil {
			return nil, err
		}
	}
	return a, nil
}

// Close releases components in reverse construction order.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", zap.Error(err))
		}
	}
	a.closers = nil
}

func (a *app) buildLimiter(ctx context.Context, cfg config.Config) (syncbridge.InFlightLimiter, error) {
	if cfg.Limiter.RedisAddr == "" {
		return syncbridge.NewLocalInFlightLimiter(cfg.Sync.MaxInFlight), nil
	}
	client, err := a.dialRedis(ctx, cfg.Limiter.RedisAddr)
	if err != nil {
		return nil, fmt.Errorf("limiter redis: %w", err)
	}
	return syncbridge.NewRedisInFlightLimiter(client, cfg.Limiter.Key, cfg.Sync.MaxInFlight), nil
}

func (a *app) buildCache(ctx context.Context, cfg config.Config) (cache.Cache, error) {
	if cfg.Cache.RedisAddr == "" {
		return cache.NewTTLCache(cache.TTLCacheOptions{MaxEntries: cfg.Cache.MaxEntries, TTL: cfg.Cache.TTL}), nil
	}
	client, err := a.dialRedis(ctx, cfg.Cache.RedisAddr)
	if err != nil {
		return nil, fmt.Errorf("cache redis: %w", err)
	}
	return cache.NewRedisCache(client, weatherKeyPrefix, cfg.Cache.TTL), nil
}

func (a *app) dialRedis(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, DialTimeout: redisDialTimeout})
	pingCtx, cancel := context.WithTimeout(ctx, redisDialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	a.closers = append(a.closers, client.Close)
	return client, nil
}

func oauthConfigsFrom(providers config.ProvidersConfig) map[syncbridge.Provider]*oauth2.Config {
	out := map[syncbridge.Provider]*oauth2.Config{}
	add := func(provider syncbridge.Provider, c config.OAuthConfig) {
		if strings.TrimSpace(c.ClientID) == "" {
			return
		}
		out[provider] = syncbridge.NewOAuthConfig(provider, syncbridge.OAuthClientConfig{
			ClientID:     c.ClientID,
			ClientSecret: c.ClientSecret,
			AuthURL:      c.AuthURL,
			TokenURL:     c.TokenURL,
			RedirectURL:  c.RedirectURL,
		})
	}
	add(syncbridge.ProviderQuickBooks, providers.QuickBooks.OAuthConfig)
	add(syncbridge.ProviderGoogleCalendar, providers.Google.OAuthConfig)
	return out
}

// applyReload carries the hot-reloadable settings over to running
// components.
func applyReload(logger *zap.Logger, level zap.AtomicLevel, limiter syncbridge.InFlightLimiter, next config.Config) {
	if err := logging.SetLevel(level, next.Log.Level); err != nil {
		logger.Warn("log level not changed", zap.Error(err))
	}
	if limiter != nil && limiter.Max() != next.Sync.MaxInFlight {
		limiter.SetMax(next.Sync.MaxInFlight)
	}
	logger.Info("config reloaded",
		zap.String("log_level", next.Log.Level),
		zap.Int("max_in_flight", next.Sync.MaxInFlight),
	)
}

func isPostgresDSN(dsn string) bool {
	dsn = strings.ToLower(strings.TrimSpace(dsn))
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

// redactDSN drops credentials so the DSN can be logged.
func redactDSN(dsn string) string {
	scheme, rest, ok := strings.Cut(dsn, "://")
	if !ok {
		return dsn
	}
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		rest = "***@" + rest[at+1:]
	}
	return scheme + "://" + rest
}
