package hibiki

import (
	"context"
	"net/http"
	"time"
)

// Session is a running task's handle on its stream. It is only valid for
// the duration of the TaskFunc call it was passed to.
type Session interface {
	// Key returns the task key.
	Key() string

	// Log appends a log line that every viewer of the task sees.
	Log(message string) error
	Logf(format string, args ...any) error

	// Timer publishes a countdown event.
	Timer(remain time.Duration) error

	// Prompt asks the viewers for input and blocks until one of them answers,
	// the configured input timeout elapses (ErrInputTimedOut) or ctx ends.
	Prompt(ctx context.Context, prompt string) (string, error)
	PromptWithTimeout(ctx context.Context, prompt string, timeout time.Duration) (string, error)
}

// TaskFunc is the body of a task run. When provided via WithTaskFunc it
// replaces the external HIBIKI_TASK_COMMAND. Returning nil completes the
// task; an error fails it and its text becomes the reason viewers see.
type TaskFunc func(ctx context.Context, s Session) error

// TaskHook is notified after every run finishes, from the run's goroutine.
// Multiple hooks may be registered via multiple WithTaskHook calls; they are
// called in registration order. Hook errors are logged and otherwise ignored.
type TaskHook interface {
	OnTaskFinished(ctx context.Context, result TaskResult) error
}

// RouteRegistrar registers additional routes on the shared HTTP mux, behind
// the same middleware chain as the built-in routes. It is called once during
// New, after the built-in routes are registered.
type RouteRegistrar func(mux *http.ServeMux, admin AdminGuard)

// AdminGuard wraps handlers with the admin allowlist and session check used
// by the built-in /admin routes.
type AdminGuard interface {
	RequireAdmin(next http.Handler) http.Handler
}

// Middleware wraps the root HTTP handler.
// Applied outermost (before routing), so it sees all requests including /health.
// Multiple middlewares are applied in registration order (first-registered = outermost).
type Middleware func(http.Handler) http.Handler
