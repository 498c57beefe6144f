// Package server builds the gateway's dependencies from configuration and
// runs the public and ops listeners.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/prerender-gateway/internal/api"
	"github.com/JakeFAU/prerender-gateway/internal/cache/filesystem"
	gcscache "github.com/JakeFAU/prerender-gateway/internal/cache/gcs"
	cachememory "github.com/JakeFAU/prerender-gateway/internal/cache/memory"
	pgcache "github.com/JakeFAU/prerender-gateway/internal/cache/postgres"
	rediscache "github.com/JakeFAU/prerender-gateway/internal/cache/redis"
	"github.com/JakeFAU/prerender-gateway/internal/clock/system"
	"github.com/JakeFAU/prerender-gateway/internal/config"
	eventsmemory "github.com/JakeFAU/prerender-gateway/internal/events/memory"
	gcppublisher "github.com/JakeFAU/prerender-gateway/internal/events/pubsub"
	collyfetcher "github.com/JakeFAU/prerender-gateway/internal/fallback/colly"
	"github.com/JakeFAU/prerender-gateway/internal/logging"
	"github.com/JakeFAU/prerender-gateway/internal/prerender"
	"github.com/JakeFAU/prerender-gateway/internal/render/headless"
	"github.com/JakeFAU/prerender-gateway/internal/selector"
	"github.com/JakeFAU/prerender-gateway/internal/telemetry"
)

const (
	// defaultEventsTopic labels in-memory events when no Pub/Sub topic is set.
	defaultEventsTopic = "render.cached"
	shutdownTimeout    = 10 * time.Second
	readHeaderTimeout  = 5 * time.Second
)

// App contains the application's dependencies.
type App struct {
	cfg       *config.Config
	logger    *zap.Logger
	service   *prerender.Service
	apiServer *api.Server
	ops       http.Handler

	gcsClient  *storage.Client
	redisStore *rediscache.Store
	pgStore    *pgcache.Store
	publisher  *gcppublisher.Publisher
	telemetry  *telemetry.Providers
}

// Build creates the application's dependencies. The caller owns the returned
// App and must Close it.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return BuildWithLogger(ctx, cfg, logger)
}

// BuildWithLogger is Build with a caller-supplied logger.
func BuildWithLogger(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	app := &App{cfg: cfg, logger: logger}
	app.logger.Info("building application dependencies",
		zap.String("cache_backend", cfg.Cache.Backend),
		zap.Int("port", cfg.Server.Port),
		zap.Int("max_listeners", cfg.Server.MaxListeners),
		zap.Int("page_rules", len(cfg.Pages)),
	)

	tp, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		ProjectID:   cfg.Events.ProjectID,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry init failed: %w", err)
	}
	app.telemetry = tp

	ok := false
	defer func() {
		if !ok {
			app.closeInfrastructure()
		}
	}()

	ttl, err := cfg.Cache.TTLDuration()
	if err != nil {
		return nil, err
	}
	resolver, err := selector.New(cfg.Pages)
	if err != nil {
		return nil, fmt.Errorf("page rules: %w", err)
	}
	store, checks, err := app.setupStore(ctx)
	if err != nil {
		return nil, err
	}
	renderer, err := app.setupRenderer()
	if err != nil {
		return nil, err
	}
	fallback, err := app.setupFallback()
	if err != nil {
		return nil, err
	}
	publisher, eventLog, topic, err := app.setupPublisher(ctx)
	if err != nil {
		return nil, err
	}

	app.service, err = prerender.NewService(
		prerender.Config{TTL: ttl, MinContentSize: cfg.Cache.MinContentSize, EventsTopic: topic},
		store,
		resolver,
		renderer,
		fallback,
		publisher,
		system.New(),
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("prerender service init failed: %w", err)
	}

	app.apiServer = api.NewServer(app.service, logger)
	app.ops = api.NewOpsHandler(api.OpsConfig{Checks: checks, Events: eventLog}, logger)

	ok = true
	return app, nil
}

func (a *App) setupStore(ctx context.Context) (prerender.Store, map[string]api.ReadinessCheck, error) {
	cfg := a.cfg.Cache
	checks := map[string]api.ReadinessCheck{}
	switch cfg.Backend {
	case config.BackendFilesystem:
		store, err := filesystem.New(filesystem.Config{Directory: cfg.Directory})
		if err != nil {
			return nil, nil, fmt.Errorf("filesystem cache init failed: %w", err)
		}
		checks["cache"] = func(context.Context) error {
			_, err := os.Stat(store.Dir())
			return err //nolint:wrapcheck // reported verbatim by readyz
		}
		a.logger.Info("using filesystem cache backend", zap.String("directory", store.Dir()))
		return store, checks, nil
	case config.BackendMemory:
		a.logger.Warn("using in-memory cache backend, entries are lost on restart")
		return cachememory.New(), checks, nil
	case config.BackendGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.gcsClient = client
		store, err := gcscache.New(client, gcscache.Config{Bucket: cfg.GCS.Bucket, Prefix: cfg.GCS.Prefix})
		if err != nil {
			return nil, nil, fmt.Errorf("gcs cache init failed: %w", err)
		}
		a.logger.Info("using GCS cache backend",
			zap.String("bucket", cfg.GCS.Bucket), zap.String("prefix", cfg.GCS.Prefix))
		return store, checks, nil
	case config.BackendRedis:
		store, err := rediscache.New(ctx, rediscache.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("redis cache init failed: %w", err)
		}
		a.redisStore = store
		checks["cache"] = store.Ping
		a.logger.Info("using redis cache backend", zap.String("addr", cfg.Redis.Addr), zap.Int("db", cfg.Redis.DB))
		return store, checks, nil
	case config.BackendPostgres:
		store, err := pgcache.New(ctx, pgcache.Config{
			DSN:      cfg.Postgres.DSN,
			Table:    cfg.Postgres.Table,
			MaxConns: cfg.Postgres.MaxConns,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("postgres cache init failed: %w", err)
		}
		a.pgStore = store
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, nil, fmt.Errorf("postgres cache schema: %w", err)
		}
		checks["cache"] = store.Ping
		a.logger.Info("using postgres cache backend", zap.String("table", cfg.Postgres.Table))
		return store, checks, nil
	default:
		return nil, nil, fmt.Errorf("cache.backend %q is not supported", cfg.Backend)
	}
}

func (a *App) setupRenderer() (*headless.Renderer, error) {
	timeout, err := a.cfg.Render.TimeoutDuration()
	if err != nil {
		return nil, err
	}
	renderer, err := headless.New(headless.Config{
		MaxParallel: a.cfg.Server.MaxListeners,
		Timeout:     timeout,
		UserAgent:   a.cfg.Render.UserAgent,
		DomainQPS:   a.cfg.Render.DomainQPS,
		ChromePath:  a.cfg.Render.ChromePath,
	}, a.logger)
	if err != nil {
		return nil, fmt.Errorf("renderer init failed: %w", err)
	}
	a.logger.Info("using headless renderer",
		zap.Int("max_parallel", a.cfg.Server.MaxListeners),
		zap.Duration("timeout", timeout),
		zap.Float64("domain_qps", a.cfg.Render.DomainQPS))
	return renderer, nil
}

// setupFallback returns a nil interface when the fallback is disabled.
func (a *App) setupFallback() (prerender.Fetcher, error) {
	if !a.cfg.Fallback.Enabled {
		a.logger.Info("static fallback disabled")
		return nil, nil
	}
	timeout, err := a.cfg.Fallback.TimeoutDuration()
	if err != nil {
		return nil, err
	}
	userAgent := a.cfg.Fallback.UserAgent
	if userAgent == "" {
		userAgent = a.cfg.Render.UserAgent
	}
	a.logger.Info("static fallback enabled", zap.Duration("timeout", timeout))
	return collyfetcher.New(collyfetcher.Config{UserAgent: userAgent, Timeout: timeout}), nil
}

func (a *App) setupPublisher(ctx context.Context) (prerender.Publisher, api.EventLog, string, error) {
	if !a.cfg.Events.Enabled() {
		a.logger.Info("no Pub/Sub topic configured, keeping render events in memory")
		log := eventsmemory.New(eventsmemory.DefaultCapacity)
		return log, log, defaultEventsTopic, nil
	}
	publisher, err := gcppublisher.New(ctx, a.cfg.Events.ProjectID, a.cfg.Events.Topic)
	if err != nil {
		return nil, nil, "", fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.publisher = publisher
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.Events.ProjectID),
		zap.String("topic", a.cfg.Events.Topic))
	return publisher, nil, a.cfg.Events.Topic, nil
}

// Service returns the request orchestrator.
func (a *App) Service() *prerender.Service {
	return a.service
}

// Handler returns the public router.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// OpsHandler returns the probes and metrics router.
func (a *App) OpsHandler() http.Handler {
	return a.ops
}

// Run serves until ctx is canceled or SIGINT/SIGTERM arrives, then shuts the
// listeners down gracefully.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	servers := []*http.Server{a.newHTTPServer(a.cfg.Server.Port, a.Handler())}
	if a.cfg.Metrics.Port > 0 {
		servers = append(servers, a.newHTTPServer(a.cfg.Metrics.Port, a.ops))
	}

	errCh := make(chan error, len(servers))
	for _, srv := range servers {
		ln, err := net.Listen("tcp", srv.Addr)
		if err != nil {
			a.shutdown(servers)
			return fmt.Errorf("listen on %s: %w", srv.Addr, err)
		}
		a.logger.Info("http server started", zap.String("addr", ln.Addr().String()))
		go func(srv *http.Server, ln net.Listener) {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("http server error", zap.String("addr", srv.Addr), zap.Error(err))
				errCh <- err
				stop()
			}
		}(srv, ln)
	}

	<-ctx.Done()
	a.logger.Info("shutdown initiated")
	a.shutdown(servers)

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	default:
		return nil
	}
}

func (a *App) newHTTPServer(port int, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           h,
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

func (a *App) shutdown(servers []*http.Server) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.String("addr", srv.Addr), zap.Error(err))
		}
	}
}

// Close releases backend clients and flushes telemetry.
func (a *App) Close(ctx context.Context) error {
	a.closeInfrastructure()
	if a.telemetry != nil {
		if err := a.telemetry.Shutdown(ctx); err != nil {
			a.logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure() {
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("pubsub publisher close failed", zap.Error(err))
		}
		a.publisher = nil
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
		a.gcsClient = nil
	}
	if a.redisStore != nil {
		if err := a.redisStore.Close(); err != nil {
			a.logger.Warn("redis client close failed", zap.Error(err))
		}
		a.redisStore = nil
	}
	if a.pgStore != nil {
		a.pgStore.Close()
		a.pgStore = nil
	}
}
