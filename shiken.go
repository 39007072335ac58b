// Package shiken is the public API for embedding the Shiken workflow server.
//
// Consumers import this package to construct and extend the server without
// forking it:
//
//	app, err := shiken.New(ctx,
//	    shiken.WithVersion(version),
//	    shiken.WithLogger(logger),
//	    shiken.WithEventHook(myHook{}),
//	    shiken.WithExtraRoutes(myRoutes),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The root package imports internal/*, never the reverse. Public types are
// standalone structs; conversion from internal types happens in this file.
package shiken

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/shiken/api"
	"github.com/ashita-ai/shiken/internal/auth"
	"github.com/ashita-ai/shiken/internal/broadcast"
	"github.com/ashita-ai/shiken/internal/collab"
	"github.com/ashita-ai/shiken/internal/config"
	"github.com/ashita-ai/shiken/internal/mcp"
	"github.com/ashita-ai/shiken/internal/model"
	"github.com/ashita-ai/shiken/internal/orchestrator"
	"github.com/ashita-ai/shiken/internal/ratelimit"
	"github.com/ashita-ai/shiken/internal/server"
	"github.com/ashita-ai/shiken/internal/storage"
	"github.com/ashita-ai/shiken/internal/storage/sqlite"
	"github.com/ashita-ai/shiken/internal/telemetry"
	"github.com/ashita-ai/shiken/internal/ticket"
	"github.com/ashita-ai/shiken/internal/tracker"
	"github.com/ashita-ai/shiken/internal/webhook"
	"github.com/ashita-ai/shiken/migrations"
)

// App is the Shiken server lifecycle. Construct with New, run with Run.
type App struct {
	cfg     config.Config
	store   storage.Store
	relay   *broadcast.PGRelay // nil without a Postgres notify connection
	hub     *broadcast.Hub
	engine  *orchestrator.Orchestrator
	srv     *server.Server
	limiter ratelimit.Limiter
	tel     telemetry.Result
	hooks   []EventHook
	logger  *slog.Logger
	version string
}

// New initialises the server. It opens storage, runs migrations, wires all
// subsystems and seeds the bootstrap admin client. It does not start any
// goroutines or accept connections; call Run.
func New(ctx context.Context, opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	var cfg config.Config
	if o.cfg != nil {
		cfg = *o.cfg
	} else {
		// .env is optional; production won't have one.
		_ = godotenv.Load()
		loaded, err := config.Load()
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.notifyURL != "" {
		cfg.NotifyURL = o.notifyURL
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("shiken starting", "version", version, "port", cfg.Port, "storage", cfg.StorageDriver)

	tel, err := telemetry.Init(ctx, telemetry.Options{
		Endpoint:    cfg.OTELEndpoint,
		Insecure:    cfg.OTELInsecure,
		ServiceName: cfg.ServiceName,
		Version:     version,
		Prometheus:  cfg.PrometheusEnabled,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	// Until App owns them, everything opened below is released on error.
	var cleanup []func()
	fail := func(err error) (*App, error) {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
		_ = tel.Shutdown(context.Background())
		return nil, err
	}

	store, pg, err := OpenStore(ctx, cfg, logger)
	if err != nil {
		return fail(err)
	}
	cleanup = append(cleanup, func() { store.Close(context.Background()) })

	hub := broadcast.NewHub(logger)
	var relay *broadcast.PGRelay
	if pg != nil && pg.HasNotify() {
		relay = broadcast.NewPGRelay(pg, hub, logger)
	}

	collabs := buildCollaborators(cfg, logger)
	if o.collaborators != nil {
		collabs = *o.collaborators
	}
	engine := orchestrator.New(store, hub, collabs, engineConfig(cfg), logger)
	if !cfg.TrackerConfigured() {
		logger.Warn("tracker credentials not configured; ticket pushes will fail unless synthetic fallback is enabled")
	}

	var jwtMgr *auth.JWTManager
	if cfg.AuthDisabled {
		logger.Warn("authentication disabled (SHIKEN_AUTH_DISABLED); every caller is treated as admin")
	} else {
		jwtMgr, err = auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
		if err != nil {
			return fail(fmt.Errorf("auth: %w", err))
		}
	}

	limiter, err := newLimiter(cfg, logger)
	if err != nil {
		return fail(err)
	}
	cleanup = append(cleanup, func() { _ = limiter.Close() })

	if cfg.WebhookSecret == "" {
		logger.Warn("webhook secret not configured; tracker deliveries are accepted unsigned")
	}
	intake := webhook.New(webhook.Config{
		Secret:            cfg.WebhookSecret,
		ReadyStatus:       cfg.WebhookReadyStatus,
		DefaultRepository: cfg.WebhookDefaultRepository,
	}, engine, logger)

	routes := make([]server.RouteRegistrar, 0, len(o.routeRegistrars))
	for _, reg := range o.routeRegistrars {
		routes = append(routes, func(mux *http.ServeMux, requireRole server.RoleMiddlewareFn) {
			reg(mux, &authHelper{requireRole: requireRole})
		})
	}
	middlewares := make([]func(http.Handler) http.Handler, 0, len(o.middlewares))
	for _, mw := range o.middlewares {
		middlewares = append(middlewares, mw)
	}

	srv := server.New(server.ServerConfig{
		Engine:              engine,
		Store:               store,
		Logger:              logger,
		JWTMgr:              jwtMgr,
		Hub:                 hub,
		Webhook:             intake,
		Limiter:             limiter,
		MCPServer:           mcp.New(engine, logger, version).MCPServer(),
		MetricsHandler:      tel.MetricsHandler,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         api.OpenAPISpec,
		ExtraRoutes:         routes,
		Middlewares:         middlewares,
	})

	if jwtMgr != nil {
		if err := srv.Handlers().SeedAdmin(ctx, cfg.AdminAPIKey); err != nil {
			return fail(fmt.Errorf("admin seed: %w", err))
		}
	}

	return &App{
		cfg:     cfg,
		store:   store,
		relay:   relay,
		hub:     hub,
		engine:  engine,
		srv:     srv,
		limiter: limiter,
		tel:     tel,
		hooks:   o.eventHooks,
		logger:  logger,
		version: version,
	}, nil
}

// Handler returns the root HTTP handler, for tests and custom listeners.
func (a *App) Handler() http.Handler {
	return a.srv.Handler()
}

// Run starts the HTTP server and background loops, then blocks until ctx is
// cancelled or the server fails. Shutdown runs before Run returns.
func (a *App) Run(ctx context.Context) error {
	if _, err := a.engine.Recover(ctx); err != nil {
		a.logger.Warn("stale workflow recovery failed", "error", err)
	}

	bgCtx, stopBackground := context.WithCancel(context.WithoutCancel(ctx))
	g, gctx := errgroup.WithContext(bgCtx)

	if a.relay != nil {
		g.Go(func() error {
			a.relay.Start(gctx)
			return nil
		})
	}
	if len(a.hooks) > 0 {
		g.Go(func() error {
			a.dispatchHooks(gctx)
			return nil
		})
	}

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		a.logger.Error("http server failed", "error", runErr)
	}

	shutdownErr := a.Shutdown(context.Background())
	stopBackground()
	_ = g.Wait()
	return errors.Join(runErr, shutdownErr)
}

// Shutdown stops the server in dependency order: HTTP drain, orchestrator
// drain (in-flight runs finish or are cancelled at the deadline), telemetry
// flush, then storage close.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shiken shutting down", "active_runs", a.engine.ActiveRuns())
	timeout := a.cfg.ShutdownTimeout
	var errs []error

	httpCtx, httpCancel := contextWithOptionalTimeout(ctx, timeout)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	httpCancel()

	drainCtx, drainCancel := contextWithOptionalTimeout(ctx, timeout)
	if err := a.engine.Drain(drainCtx); err != nil {
		a.logger.Error("orchestrator drain incomplete; unfinished runs were cancelled", "error", err)
		errs = append(errs, fmt.Errorf("orchestrator drain: %w", err))
	}
	drainCancel()

	if err := a.tel.Shutdown(context.Background()); err != nil {
		a.logger.Warn("telemetry flush failed", "error", err)
	}
	_ = a.limiter.Close()
	a.store.Close(context.Background())

	a.logger.Info("shiken stopped")
	return errors.Join(errs...)
}

// dispatchHooks delivers every broadcast event to the registered hooks.
// Hook errors are logged and never affect the workflow.
func (a *App) dispatchHooks(ctx context.Context) {
	sub := a.hub.Subscribe(uuid.Nil)
	defer a.hub.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			pub := toPublicEvent(ev)
			for _, h := range a.hooks {
				if err := h.OnWorkflowEvent(ctx, pub); err != nil {
					a.logger.Warn("event hook failed", "workflow_id", ev.WorkflowID, "kind", ev.Kind, "error", err)
				}
			}
		}
	}
}

// OpenStore opens the configured backend and applies its migrations. The
// second result is the Postgres store when that driver is in use, for
// LISTEN/NOTIFY wiring.
func OpenStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (storage.Store, *storage.DB, error) {
	switch cfg.StorageDriver {
	case config.DriverSQLite:
		db, err := sqlite.Open(ctx, cfg.SQLitePath, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("storage: %w", err)
		}
		if err := db.RunMigrations(ctx, migrations.SQLite()); err != nil {
			db.Close(ctx)
			return nil, nil, fmt.Errorf("storage: migrate: %w", err)
		}
		return db, nil, nil
	default:
		db, err := storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("storage: %w", err)
		}
		if err := db.RunMigrations(ctx, migrations.FS); err != nil {
			db.Close(ctx)
			return nil, nil, fmt.Errorf("storage: migrate: %w", err)
		}
		return db, db, nil
	}
}

// NewEngine builds an orchestrator with the production collaborators for
// cfg. The CLI uses it to run workflows without the HTTP server.
func NewEngine(cfg config.Config, store storage.Store, pub broadcast.Publisher, logger *slog.Logger) *orchestrator.Orchestrator {
	return orchestrator.New(store, pub, buildCollaborators(cfg, logger), engineConfig(cfg), logger)
}

func engineConfig(cfg config.Config) orchestrator.Config {
	return orchestrator.Config{
		StageTimeout:        cfg.StageTimeout,
		MaxConcurrent:       int64(cfg.MaxConcurrentWorkflows),
		TestReruns:          cfg.TestReruns,
		DefaultModelVersion: cfg.ModelVersion,
		TrackerCredentials: tracker.Credentials{
			BaseURL: cfg.TrackerURL,
			Email:   cfg.TrackerEmail,
			Token:   cfg.TrackerToken,
		},
		DoneTransition: cfg.TrackerDoneTransition,
		StaleAfter:     cfg.StaleRunAfter,
	}
}

func buildCollaborators(cfg config.Config, logger *slog.Logger) orchestrator.Collaborators {
	if cfg.OpenAIAPIKey == "" && cfg.OpenAIBaseURL == "" {
		logger.Warn("OPENAI_API_KEY not set; planning and generation will fail")
	}
	llm := collab.OpenAIConfig{APIKey: cfg.OpenAIAPIKey, Model: cfg.OpenAIModel, BaseURL: cfg.OpenAIBaseURL}
	trk := tracker.NewClient(tracker.Config{RequestsPerSecond: cfg.TrackerRPS}, logger)

	c := orchestrator.Collaborators{
		Source: collab.NewGitHubFetcher(collab.GitHubConfig{
			APIURL:     cfg.GitHubAPIURL,
			Token:      cfg.GitHubToken,
			BaseBranch: cfg.GitHubBaseBranch,
		}),
		Planner:   collab.NewOpenAIPlanner(llm, logger),
		Generator: collab.NewOpenAIGenerator(llm, logger),
		Reporter:  &collab.StaticReporter{},
		Tickets: ticket.NewPusher(trk, ticket.Config{
			DefaultProject:    cfg.TrackerDefaultProject,
			SyntheticFallback: bool(cfg.TicketFallback),
		}, logger),
		Transitioner: trk,
	}
	if cfg.TestResultsURL != "" {
		c.Reporter = collab.NewHTTPReporter(cfg.TestResultsURL, nil)
	} else {
		logger.Info("no test results service configured; generated tests are recorded as skipped")
	}
	if cfg.ReviewBotURL != "" {
		c.Reviewer = collab.NewHTTPReviewBot(cfg.ReviewBotURL, nil)
	}
	return c
}

func newLimiter(cfg config.Config, logger *slog.Logger) (ratelimit.Limiter, error) {
	if !cfg.RateLimitEnabled {
		return ratelimit.NoopLimiter{}, nil
	}
	if cfg.RedisURL == "" {
		return ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst), nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: parse REDIS_URL: %w", err)
	}
	logger.Info("rate limiting backed by redis", "addr", opts.Addr)
	return ratelimit.NewRedisLimiterFromRate(redis.NewClient(opts), cfg.RateLimitRPS, cfg.RateLimitBurst), nil
}

func contextWithOptionalTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, timeout)
}

// authHelper adapts the server's role middleware to the public AuthHelper.
type authHelper struct {
	requireRole server.RoleMiddlewareFn
}

func (a *authHelper) RequireRole(role Role) func(http.Handler) http.Handler {
	return a.requireRole(model.Role(role))
}
