// Package hibiki is the public API for embedding the Hibiki task relay.
//
// Hibiki runs one task per key, streams each task's log to any number of
// browser viewers over SSE, and lets those viewers answer the input requests
// a task raises while it runs:
//
//	app, err := hibiki.New(
//	    hibiki.WithVersion(version),
//	    hibiki.WithLogger(logger),
//	    hibiki.WithTaskFunc(func(ctx context.Context, s hibiki.Session) error {
//	        code, err := s.Prompt(ctx, "Enter the code you received")
//	        if err != nil { return err }
//	        return s.Logf("code accepted: %s", code)
//	    }),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The root package imports internal/*, never the other way round. Public
// types carry no internal imports; the adapters between the two sides live
// in this file.
package hibiki

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/hibiki/internal/auth"
	"github.com/ashita-ai/hibiki/internal/config"
	"github.com/ashita-ai/hibiki/internal/inputgate"
	"github.com/ashita-ai/hibiki/internal/mcp"
	"github.com/ashita-ai/hibiki/internal/ratelimit"
	"github.com/ashita-ai/hibiki/internal/registry"
	"github.com/ashita-ai/hibiki/internal/roster"
	"github.com/ashita-ai/hibiki/internal/runner"
	"github.com/ashita-ai/hibiki/internal/scheduler"
	"github.com/ashita-ai/hibiki/internal/server"
	"github.com/ashita-ai/hibiki/internal/telemetry"
	"github.com/ashita-ai/hibiki/ui"
)

// ErrInputTimedOut is returned by Session.Prompt when no viewer answered in time.
var ErrInputTimedOut = inputgate.ErrTimedOut

// App is the Hibiki server lifecycle. Construct with New(), run with Run().
type App struct {
	cfg          config.Config
	roster       roster.Store
	registry     *registry.Registry
	supervisor   *runner.Supervisor
	scheduler    *scheduler.Scheduler // nil when disabled
	limiter      ratelimit.Limiter
	srv          *server.Server
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New loads configuration, opens the roster and wires every subsystem.
// It does NOT start any goroutines or accept HTTP connections; call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	switch {
	case o.port < 0:
		cfg.Port = 0
	case o.port > 0:
		cfg.Port = o.port
	}
	if o.rosterDSN != "" {
		cfg.RosterDSN = o.rosterDSN
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("hibiki starting", "version", version, "port", cfg.Port)

	ctx := context.Background()
	otelShutdown, err := telemetry.Init(ctx, telemetry.Options{
		Endpoint:    cfg.OTELEndpoint,
		Insecure:    cfg.OTELInsecure,
		ServiceName: cfg.ServiceName,
		Version:     version,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	accounts, err := roster.Open(ctx, cfg.RosterDSN, logger)
	if err != nil {
		_ = otelShutdown(ctx)
		return nil, fmt.Errorf("roster: %w", err)
	}
	cleanup := func() {
		_ = accounts.Close()
		_ = otelShutdown(ctx)
	}

	admin, err := newAdmin(cfg)
	if err != nil {
		cleanup()
		return nil, err
	}
	if !admin.LoginEnabled() {
		logger.Warn("admin login disabled: admin routes are protected by the source allowlist only",
			"allow_cidrs", cfg.AdminAllowCIDRs)
	}

	reg := registry.New(registry.Config{
		ChannelCapacity: cfg.ChannelCapacity,
		AdminCapacity:   cfg.AdminCapacity,
		Retention:       cfg.TaskRetention,
	}, logger)
	reg.RegisterMetrics()

	gate := inputgate.New(reg, cfg.InputTimeout, logger)

	run := taskBody(cfg, o.taskFunc)
	if cfg.RequireAccount {
		run = runner.RequireAccount(accounts.Exists, run)
	}
	sup := runner.NewSupervisor(reg, gate, run, logger)
	for _, h := range o.taskHooks {
		sup.OnFinish(taskHookAdapter(h, logger))
	}

	broker := server.NewBroker(cfg.HeartbeatInterval, logger)
	broker.RegisterMetrics()

	var limiter ratelimit.Limiter
	if cfg.RateLimitEnabled {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	uiFS, err := ui.FS()
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("ui: %w", err)
	}

	mcpSrv := mcp.New(reg, sup, gate, logger, version)

	var sched *scheduler.Scheduler
	if !o.noScheduler {
		sched = scheduler.New(scheduler.Config{
			Interval:      cfg.RunInterval,
			TimerInterval: cfg.TimerInterval,
			RunOnStart:    cfg.RunOnStart,
			Concurrency:   cfg.SchedulerConcurrency,
		}, sup, accounts, reg.Admin(), logger)
	}

	// Adapt route registrars from public hibiki.RouteRegistrar to internal server format.
	var extraRoutes []func(*http.ServeMux, func(http.Handler) http.Handler)
	for _, fn := range o.routeRegistrars {
		extraRoutes = append(extraRoutes, func(mux *http.ServeMux, requireAdmin func(http.Handler) http.Handler) {
			fn(mux, adminGuard(requireAdmin))
		})
	}
	var middlewares []func(http.Handler) http.Handler
	for _, mw := range o.middlewares {
		middlewares = append(middlewares, mw)
	}

	srv := server.New(server.ServerConfig{
		Registry:            reg,
		Starter:             sup,
		Gate:                gate,
		Broker:              broker,
		Roster:              accounts,
		Admin:               admin,
		Logger:              logger,
		Limiter:             limiter,
		MCPServer:           mcpSrv.MCPServer(),
		UIFS:                uiFS,
		ExtraRoutes:         extraRoutes,
		Middlewares:         middlewares,
		Addr:                fmt.Sprintf(":%d", cfg.Port),
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		SSEWriteTimeout:     cfg.SSEWriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		SecureCookies:       cfg.SecureCookies,
	})

	return &App{
		cfg:          cfg,
		roster:       accounts,
		registry:     reg,
		supervisor:   sup,
		scheduler:    sched,
		limiter:      limiter,
		srv:          srv,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Handler returns the root HTTP handler, for tests and for embedding behind
// another server.
func (a *App) Handler() http.Handler {
	return a.srv.Handler()
}

// Run listens on the configured port, starts the background loops and
// blocks until ctx is cancelled or one of them fails. On return, Shutdown
// has been called, so callers should not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.srv.Addr())
	if err != nil {
		_ = a.Shutdown(context.Background())
		return fmt.Errorf("listen %s: %w", a.srv.Addr(), err)
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.srv.Serve(ln) })
	g.Go(func() error {
		a.registry.RunJanitor(gctx, a.cfg.JanitorInterval)
		return nil
	})
	if a.scheduler != nil {
		g.Go(func() error { return a.scheduler.Run(gctx) })
	}

	// Shutdown makes Serve return, which lets the group finish.
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := contextWithOptionalTimeout(context.WithoutCancel(ctx), a.cfg.ShutdownTimeout)
		defer cancel()
		return a.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// Shutdown stops the server in phases:
// (1) stop accepting HTTP requests and end open streams,
// (2) cancel live runs and wait for them to finish,
// then it closes the roster, the rate limiter and the OTEL exporters.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("hibiki shutting down")

	var errs []error
	if err := a.srv.Shutdown(ctx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
		errs = append(errs, fmt.Errorf("http: %w", err))
	}
	if err := a.supervisor.Shutdown(ctx); err != nil {
		a.logger.Error("task runs did not finish before the shutdown deadline",
			"error", err, "active", a.registry.ActiveCount())
		errs = append(errs, err)
	}

	_ = a.limiter.Close()
	if err := a.roster.Close(); err != nil {
		a.logger.Warn("roster close error", "error", err)
	}
	_ = a.otelShutdown(context.WithoutCancel(ctx))

	a.logger.Info("hibiki stopped")
	return errors.Join(errs...)
}

// ── Wiring helpers ─────────────────────────────────────────────────────────────

func newAdmin(cfg config.Config) (*auth.Admin, error) {
	allow, err := auth.ParseCIDRs(cfg.AdminAllowCIDRs)
	if err != nil {
		return nil, fmt.Errorf("admin allowlist: %w", err)
	}
	var jwtMgr *auth.JWTManager
	if cfg.AdminPasswordHash != "" {
		jwtMgr, err = auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.AdminTokenTTL)
		if err != nil {
			return nil, fmt.Errorf("admin tokens: %w", err)
		}
	}
	return auth.NewAdmin(allow, cfg.AdminPasswordHash, jwtMgr), nil
}

// taskBody picks the run body: the embedded TaskFunc when one was given,
// the configured external command otherwise.
func taskBody(cfg config.Config, fn TaskFunc) runner.Func {
	if fn != nil {
		return func(ctx context.Context, s *runner.Session) error {
			return fn(ctx, s)
		}
	}
	return runner.Command(runner.CommandConfig{
		Command:       cfg.TaskCommand,
		Dir:           cfg.TaskDir,
		InputFallback: cfg.InputFallback,
	})
}

// ── Adapters (defined here because this file imports both sides) ───────────────

// taskHookAdapter turns a public TaskHook into a supervisor finish callback.
func taskHookAdapter(h TaskHook, logger *slog.Logger) runner.FinishFunc {
	return func(ctx context.Context, key string, outcome registry.Outcome, elapsed time.Duration) {
		result := TaskResult{Key: key, Status: TaskCompleted, Duration: elapsed}
		if outcome.Failed {
			result.Status = TaskFailed
			result.Reason = outcome.Reason
		}
		if err := h.OnTaskFinished(ctx, result); err != nil {
			logger.Warn("task hook failed", "key", key, "error", err)
		}
	}
}

// adminGuard implements AdminGuard over the server's admin middleware.
type adminGuard func(http.Handler) http.Handler

func (g adminGuard) RequireAdmin(next http.Handler) http.Handler { return g(next) }

func contextWithOptionalTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, timeout)
}
