package hibiki

import "log/slog"

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported; callers use the With* functions.
type resolvedOptions struct {
	port            int
	rosterDSN       string
	logger          *slog.Logger
	version         string
	taskFunc        TaskFunc
	taskHooks       []TaskHook
	routeRegistrars []RouteRegistrar
	middlewares     []Middleware
	noScheduler     bool
}

// WithPort overrides the TCP port from config (HIBIKI_PORT env var).
// Pass -1 to listen on an ephemeral port.
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithRosterDSN overrides the roster location from config (HIBIKI_ROSTER_DSN env var).
func WithRosterDSN(dsn string) Option {
	return func(o *resolvedOptions) { o.rosterDSN = dsn }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithTaskFunc runs fn in-process for every task instead of the external
// HIBIKI_TASK_COMMAND. Only the last call wins.
func WithTaskFunc(fn TaskFunc) Option {
	return func(o *resolvedOptions) { o.taskFunc = fn }
}

// WithTaskHook registers a hook to be told about every finished run.
func WithTaskHook(hook TaskHook) Option {
	return func(o *resolvedOptions) { o.taskHooks = append(o.taskHooks, hook) }
}

// WithExtraRoutes registers additional routes on the shared HTTP mux.
// Multiple registrars may be registered; all are called in registration order.
func WithExtraRoutes(fn RouteRegistrar) Option {
	return func(o *resolvedOptions) { o.routeRegistrars = append(o.routeRegistrars, fn) }
}

// WithMiddleware registers an outermost HTTP middleware.
// Multiple middlewares may be registered. Applied in registration order:
// the first-registered middleware is outermost (called first by every request).
func WithMiddleware(mw Middleware) Option {
	return func(o *resolvedOptions) { o.middlewares = append(o.middlewares, mw) }
}

// WithoutScheduler disables the periodic run of every roster account.
func WithoutScheduler() Option {
	return func(o *resolvedOptions) { o.noScheduler = true }
}
