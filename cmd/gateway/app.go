package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	cacheadapter "github.com/Gvbpzoi/api-whatsapp.rocacapital.com.br/internal/adapter/cache"
	oauthadapter "github.com/Gvbpzoi/api-whatsapp.rocacapital.com.br/internal/adapter/oauth"
	"github.com/Gvbpzoi/api-whatsapp.rocacapital.com.br/internal/apikey"
	"github.com/Gvbpzoi/api-whatsapp.rocacapital.com.br/internal/bootstrap"
	"github.com/Gvbpzoi/api-whatsapp.rocacapital.com.br/internal/cache"
	"github.com/Gvbpzoi/api-whatsapp.rocacapital.com.br/internal/config"
	domainoauth "github.com/Gvbpzoi/api-whatsapp.rocacapital.com.br/internal/domain/oauth"
	"github.com/Gvbpzoi/api-whatsapp.rocacapital.com.br/internal/encryption"
	httptransport "github.com/Gvbpzoi/api-whatsapp.rocacapital.com.br/internal/http"
	"github.com/Gvbpzoi/api-whatsapp.rocacapital.com.br/internal/http/handler"
	httpmiddleware "github.com/Gvbpzoi/api-whatsapp.rocacapital.com.br/internal/http/middleware"
	"github.com/Gvbpzoi/api-whatsapp.rocacapital.com.br/internal/metrics"
	apimiddleware "github.com/Gvbpzoi/api-whatsapp.rocacapital.com.br/internal/middleware"
	"github.com/Gvbpzoi/api-whatsapp.rocacapital.com.br/internal/proxy"
	"github.com/Gvbpzoi/api-whatsapp.rocacapital.com.br/internal/repository"
	"github.com/Gvbpzoi/api-whatsapp.rocacapital.com.br/internal/repository/memory"
	"github.com/Gvbpzoi/api-whatsapp.rocacapital.com.br/internal/scheduler"
	"github.com/Gvbpzoi/api-whatsapp.rocacapital.com.br/internal/server"
	authservice "github.com/Gvbpzoi/api-whatsapp.rocacapital.com.br/internal/service/auth"
	"github.com/Gvbpzoi/api-whatsapp.rocacapital.com.br/internal/telemetry"
)

// coreModule provides everything the token lifecycle needs. The serve and
// cleanup commands add their own invokes on top of it.
func coreModule(autoMigrate bool) fx.Option {
	return fx.Options(
		fx.Supply(migrateOnStart(autoMigrate)),
		fx.Provide(
			newConfig,
			newLogger,
			newTelemetry,
			newSnowflake,
			metrics.New,
			newEncryption,
			newStorage,
			newOAuthProviderClient,
			newStateManager,
			newTokenStore,
			newTokenManager,
			newCleanup,
		),
		fx.WithLogger(newFxLogger),
	)
}

func serveModule() fx.Option {
	return fx.Options(
		fx.Provide(
			newResponseCache,
			newGateway,
			newRateLimiter,
			newAdminMiddleware,
			newGatewayHandler,
			httptransport.NewRouter,
			server.NewHTTPServer,
		),
		fx.Invoke(useTelemetry, bootstrap.ImportTokens, startCleanup, startHTTPServer),
	)
}

type migrateOnStart bool

func newConfig() (config.Config, error) {
	return config.Load()
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if cfg.Environment == "development" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)
	return logger, nil
}

func newTelemetry(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (*telemetry.Provider, error) {
	provider, err := telemetry.New(context.Background(), cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("telemetry init: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return provider.Shutdown(stopCtx)
		},
	})

	return provider, nil
}

func newSnowflake() (*snowflake.Node, error) {
	node, err := snowflake.NewNode(1)
	return node, err
}

func newEncryption(cfg config.Config) (*encryption.Service, error) {
	return encryption.NewFromBase64(cfg.EncryptionKey)
}

type storage struct {
	fx.Out

	Tokens repository.TokenRepository
	Locker repository.Locker
	States repository.OAuthStateStore
}

// newStorage opens only the backends the configuration selects.
func newStorage(lc fx.Lifecycle, cfg config.Config, migrate migrateOnStart, logger *zap.Logger) (storage, error) {
	var out storage

	var pool *pgxpool.Pool
	if cfg.StoreBackend == config.BackendPostgres || cfg.StateBackend == config.BackendPostgres {
		p, err := newPGXPool(lc, cfg.DatabaseURL)
		if err != nil {
			return out, err
		}
		pool = p
		if migrate {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := repository.Migrate(ctx, pool, "up", logger); err != nil {
				return out, err
			}
		}
	}

	switch cfg.StoreBackend {
	case config.BackendPostgres:
		out.Tokens = repository.NewPostgresTokenRepo(pool)
		out.Locker = repository.NewPostgresAdvisoryLocker(pool)
	default:
		logger.Warn("using in-memory token store; credentials are lost on restart and locks are process-local")
		out.Tokens = memory.NewTokenRepo()
		out.Locker = memory.NewLocker()
	}

	switch cfg.StateBackend {
	case config.BackendPostgres:
		out.States = repository.NewPostgresStateStore(pool)
	case config.BackendRedis:
		client, err := newRedisClient(lc, cfg)
		if err != nil {
			return out, err
		}
		out.States = cacheadapter.NewRedisStateStore(client)
	default:
		out.States = memory.NewStateStore()
	}

	logger.Info("storage ready",
		zap.String("store_backend", cfg.StoreBackend),
		zap.String("state_backend", cfg.StateBackend),
	)
	return out, nil
}

func newPGXPool(lc fx.Lifecycle, databaseURL string) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			pool.Close()
			return nil
		},
	})

	return pool, nil
}

func newRedisClient(lc fx.Lifecycle, cfg config.Config) (redis.UniversalClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return client, nil
}

func newOAuthProviderClient(cfg config.Config) oauthadapter.ProviderClient {
	return oauthadapter.NewHTTPProviderClient(&http.Client{Timeout: cfg.TokenEndpointTimeout})
}

func newStateManager(states repository.OAuthStateStore, cfg config.Config, logger *zap.Logger) *authservice.StateManager {
	return authservice.NewStateManager(states, cfg, logger)
}

func newTokenStore(
	repo repository.TokenRepository,
	locker repository.Locker,
	crypto *encryption.Service,
	node *snowflake.Node,
	cfg config.Config,
	logger *zap.Logger,
) *authservice.TokenStore {
	return authservice.NewTokenStore(repo, locker, crypto, node, cfg.MaxRefreshFailures, logger)
}

func newTokenManager(
	cfg config.Config,
	store *authservice.TokenStore,
	states *authservice.StateManager,
	client oauthadapter.ProviderClient,
	m *metrics.Metrics,
	logger *zap.Logger,
) authservice.TokenManager {
	return authservice.NewTokenManager(
		[]domainoauth.ProviderConfig{cfg.ProviderConfig()},
		store,
		states,
		client,
		authservice.PolicyFromConfig(cfg),
		logger,
		authservice.WithMetrics(m),
	)
}

func newCleanup(cfg config.Config, states *authservice.StateManager, store *authservice.TokenStore, m *metrics.Metrics, logger *zap.Logger) *scheduler.Cleanup {
	return scheduler.NewCleanup(states, store, cfg.CleanupInterval, cfg.TokenRetention, m, logger)
}

func newResponseCache(lc fx.Lifecycle, cfg config.Config) *cache.Cache {
	c := cache.New()
	var cancel context.CancelFunc
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ctx, stop := context.WithCancel(context.Background())
			cancel = stop
			c.Start(ctx, cfg.CacheSweepInterval)
			return nil
		},
		OnStop: func(context.Context) error {
			if cancel != nil {
				cancel()
			}
			return nil
		},
	})
	return c
}

func newGateway(cfg config.Config, tokens authservice.TokenManager, responses *cache.Cache, m *metrics.Metrics, logger *zap.Logger) *proxy.Gateway {
	client := &http.Client{Timeout: cfg.UpstreamTimeout}
	return proxy.New(tokens, responses, client, proxy.OptionsFromConfig(cfg), m, logger)
}

func newRateLimiter(cfg config.Config) *apimiddleware.RateLimiter {
	return apimiddleware.NewRateLimiter(cfg.RateLimitRPM)
}

func newAdminMiddleware(cfg config.Config, logger *zap.Logger) (*httpmiddleware.Admin, error) {
	verifier, err := apikey.NewVerifier(cfg.AdminAPIKeyHash)
	if err != nil {
		return nil, fmt.Errorf("ADMIN_API_KEY_HASH: %w", err)
	}
	if !verifier.Enabled() {
		logger.Warn("ADMIN_API_KEY_HASH not set; admin and proxy routes are disabled")
	}
	return &httpmiddleware.Admin{Verifier: verifier, Logger: logger}, nil
}

func newGatewayHandler(tokens authservice.TokenManager, gateway *proxy.Gateway, cleanup *scheduler.Cleanup, logger *zap.Logger) *handler.GatewayHandler {
	return handler.NewGatewayHandler(tokens, gateway, cleanup, logger)
}

func startCleanup(lc fx.Lifecycle, cleanup *scheduler.Cleanup) {
	var (
		cancel context.CancelFunc
		done   chan struct{}
	)
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ctx, stop := context.WithCancel(context.Background())
			cancel = stop
			done = make(chan struct{})
			go func() {
				cleanup.Run(ctx)
				close(done)
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel != nil {
				cancel()
			}
			if done == nil {
				return nil
			}
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}

func startHTTPServer(lc fx.Lifecycle, srv *server.HTTPServer, cfg config.Config, logger *zap.Logger) {
	addr := ":" + cfg.HTTPPort
	var (
		cancel context.CancelFunc
		done   chan struct{}
	)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			runCtx, stop := context.WithCancel(context.Background())
			cancel = stop
			done = make(chan struct{})

			go func() {
				if err := srv.Run(runCtx, addr); err != nil {
					logger.Error("http server stopped", zap.Error(err))
				}
				close(done)
			}()

			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel != nil {
				cancel()
			}
			if done == nil {
				return nil
			}
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}

func useTelemetry(*telemetry.Provider) {}
