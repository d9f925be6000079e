package server

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/hibiki/internal/auth"
	"github.com/ashita-ai/hibiki/internal/inputgate"
	"github.com/ashita-ai/hibiki/internal/ratelimit"
	"github.com/ashita-ai/hibiki/internal/registry"
	"github.com/ashita-ai/hibiki/internal/roster"
)

// Server is the Hibiki HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger

	// baseCancel ends every request context, which is what closes
	// long-lived SSE streams on shutdown.
	baseCancel context.CancelFunc
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Limiter, MCPServer, UIFS.
type ServerConfig struct {
	// Required dependencies.
	Registry *registry.Registry
	Starter  TaskStarter
	Gate     *inputgate.Gate
	Broker   *Broker
	Roster   roster.Store
	Admin    *auth.Admin
	Logger   *slog.Logger

	// Optional dependencies (nil = disabled).
	Limiter   ratelimit.Limiter
	MCPServer *mcpserver.MCPServer
	UIFS      fs.FS

	// Extension points. ExtraRoutes are registered after the built-in
	// routes; Middlewares wrap the whole chain, first entry outermost.
	ExtraRoutes []func(mux *http.ServeMux, requireAdmin func(http.Handler) http.Handler)
	Middlewares []func(http.Handler) http.Handler

	// HTTP server settings.
	Addr                string
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	SSEWriteTimeout     time.Duration
	Version             string
	MaxRequestBodyBytes int64
	SecureCookies       bool
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Registry:            cfg.Registry,
		Starter:             cfg.Starter,
		Gate:                cfg.Gate,
		Broker:              cfg.Broker,
		Roster:              cfg.Roster,
		Admin:               cfg.Admin,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		SSEWriteTimeout:     cfg.SSEWriteTimeout,
		SecureCookies:       cfg.SecureCookies,
	})

	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}

	// Rate limit rules, all keyed by client IP.
	limiter := cfg.Limiter
	runRL := ratelimit.Middleware(limiter, "task-run", ratelimit.IPKeyFunc, reqIDFunc, cfg.Logger)
	inputRL := ratelimit.Middleware(limiter, "task-input", ratelimit.IPKeyFunc, reqIDFunc, cfg.Logger)
	accountsRL := ratelimit.Middleware(limiter, "accounts", ratelimit.IPKeyFunc, reqIDFunc, cfg.Logger)
	loginRL := ratelimit.Middleware(limiter, "admin-login", ratelimit.IPKeyFunc, reqIDFunc, cfg.Logger)

	admin := func(next http.HandlerFunc) http.Handler { return adminMiddleware(cfg.Admin, next) }

	mux := http.NewServeMux()

	// Viewer endpoints.
	mux.Handle("POST /task-run", runRL(http.HandlerFunc(h.HandleTaskRun)))
	mux.Handle("POST /task-input", inputRL(http.HandlerFunc(h.HandleTaskInput)))
	mux.HandleFunc("GET /stream", h.HandleStream)

	// Roster endpoints used by the viewer page.
	mux.Handle("POST /accounts/check", accountsRL(http.HandlerFunc(h.HandleAccountCheck)))
	mux.Handle("POST /accounts", accountsRL(http.HandlerFunc(h.HandleAccountAdd)))

	// Admin surface (allowlist + optional session).
	mux.Handle("POST /admin/login", loginRL(http.HandlerFunc(h.HandleAdminLogin)))
	mux.HandleFunc("POST /admin/logout", h.HandleAdminLogout)
	mux.Handle("GET /admin-stream", admin(h.HandleAdminStream))
	mux.Handle("GET /admin/accounts", admin(h.HandleAdminAccounts))
	mux.Handle("DELETE /admin/accounts/{key}", admin(h.HandleAdminDeleteAccount))
	mux.Handle("GET /admin/viewers", admin(h.HandleViewers))
	mux.Handle("GET /tasks", admin(h.HandleListTasks))
	mux.Handle("GET /tasks/{key}", admin(h.HandleGetTask))

	// MCP StreamableHTTP transport (admin only).
	if cfg.MCPServer != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPServer)
		mux.Handle("/mcp", adminMiddleware(cfg.Admin, mcpHTTP))
	}

	// Health (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	requireAdmin := func(next http.Handler) http.Handler { return adminMiddleware(cfg.Admin, next) }
	for _, register := range cfg.ExtraRoutes {
		register(mux, requireAdmin)
	}

	// Viewer and admin pages. Registered last so every API route wins.
	if cfg.UIFS != nil {
		mux.Handle("/", newStaticHandler(cfg.UIFS))
	}

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)
	for i := len(cfg.Middlewares) - 1; i >= 0; i-- {
		handler = cfg.Middlewares[i](handler)
	}

	baseCtx, baseCancel := context.WithCancel(context.Background())
	return &Server{
		httpServer: &http.Server{
			Addr:              cfg.Addr,
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
			BaseContext:       func(net.Listener) context.Context { return baseCtx },
		},
		handler:    handler,
		handlers:   h,
		logger:     cfg.Logger,
		baseCancel: baseCancel,
	}
}

// Handlers returns the underlying Handlers.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Serve accepts connections on ln. It returns nil after Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("http server starting", "addr", ln.Addr().String())
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: serve: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server, ending open streams.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	s.baseCancel()
	return s.httpServer.Shutdown(ctx)
}
