// Package inputgate pairs a task's request for input with the answer a
// viewer eventually submits, blocking the task until the answer arrives or
// the request times out.
package inputgate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/hibiki/internal/model"
	"github.com/ashita-ai/hibiki/internal/registry"
	"github.com/ashita-ai/hibiki/internal/telemetry"
)

// DefaultTimeout is how long a task waits for an answer when the caller does
// not say otherwise.
const DefaultTimeout = 15 * time.Second

var (
	// ErrTimedOut is returned by Request when no answer arrived in time.
	ErrTimedOut = errors.New("inputgate: input request timed out")

	// ErrNotFound is returned by Resolve for an unknown or already resolved
	// callback id.
	ErrNotFound = errors.New("inputgate: no pending request for callback")

	// ErrAlreadyWaiting is returned by Request when the task already has an
	// outstanding request.
	ErrAlreadyWaiting = registry.ErrAlreadyWaiting
)

// TaskLookup finds the task an input request belongs to.
type TaskLookup interface {
	Get(key string) (*registry.Task, error)
}

type request struct {
	key       string
	prompt    string
	createdAt time.Time
	answer    chan string // buffered; written at most once
}

// Gate holds every outstanding input request, keyed by callback id.
type Gate struct {
	tasks          TaskLookup
	logger         *slog.Logger
	defaultTimeout time.Duration

	requests metric.Int64Counter
	timeouts metric.Int64Counter

	mu      sync.Mutex
	pending map[string]*request
}

// New creates a Gate. A non-positive timeout selects DefaultTimeout.
func New(tasks TaskLookup, defaultTimeout time.Duration, logger *slog.Logger) *Gate {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	meter := telemetry.Meter("hibiki/inputgate")
	requests, _ := meter.Int64Counter("hibiki.input.requests",
		metric.WithDescription("Input requests raised by running tasks"))
	timeouts, _ := meter.Int64Counter("hibiki.input.timeouts",
		metric.WithDescription("Input requests that expired without an answer"))
	return &Gate{
		tasks:          tasks,
		logger:         logger,
		defaultTimeout: defaultTimeout,
		requests:       requests,
		timeouts:       timeouts,
		pending:        make(map[string]*request),
	}
}

// DefaultTimeout returns the timeout used when Request is given none.
func (g *Gate) DefaultTimeout() time.Duration { return g.defaultTimeout }

// Request publishes prompt on the task's channel and blocks until a viewer
// answers it, timeout elapses, or ctx is done. Whichever happens first wins;
// an answer that races a timeout is never lost and never delivered twice.
func (g *Gate) Request(ctx context.Context, key, prompt string, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = g.defaultTimeout
	}
	task, err := g.tasks.Get(key)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	req := &request{key: key, prompt: prompt, createdAt: time.Now().UTC(), answer: make(chan string, 1)}

	// Register before publishing so an answer can never arrive for an id the
	// gate does not know yet.
	g.mu.Lock()
	g.pending[id] = req
	g.mu.Unlock()

	if err := task.AwaitInput(model.PendingInput{Callback: id, Prompt: prompt, CreatedAt: req.createdAt}); err != nil {
		g.remove(id)
		return "", err
	}
	if g.requests != nil {
		g.requests.Add(ctx, 1)
	}
	g.logger.Info("inputgate: waiting for input", "key", key, "callback", id, "timeout", timeout)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case value := <-req.answer:
		task.EndInput(id)
		return value, nil
	case <-timer.C:
		if value, ok := g.abandon(id, req); ok {
			task.EndInput(id)
			return value, nil
		}
		task.EndInput(id)
		if g.timeouts != nil {
			g.timeouts.Add(context.Background(), 1)
		}
		g.logger.Warn("inputgate: input request timed out", "key", key, "callback", id)
		return "", fmt.Errorf("%w after %s", ErrTimedOut, timeout)
	case <-ctx.Done():
		if value, ok := g.abandon(id, req); ok {
			task.EndInput(id)
			return value, nil
		}
		task.EndInput(id)
		return "", ctx.Err()
	}
}

// abandon removes the request unless Resolve already claimed it, in which
// case the answer is already buffered and is returned instead.
func (g *Gate) abandon(id string, req *request) (string, bool) {
	if g.remove(id) {
		return "", false
	}
	return <-req.answer, true
}

func (g *Gate) remove(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.pending[id]; !ok {
		return false
	}
	delete(g.pending, id)
	return true
}

// Resolve delivers value to the request identified by callback.
func (g *Gate) Resolve(callback, value string) error {
	g.mu.Lock()
	req, ok := g.pending[callback]
	if ok {
		delete(g.pending, callback)
	}
	g.mu.Unlock()

	if !ok {
		g.logger.Warn("inputgate: answer for unknown callback", "callback", callback)
		return fmt.Errorf("%w: %s", ErrNotFound, callback)
	}
	req.answer <- value
	g.logger.Info("inputgate: input resolved", "key", req.key, "callback", callback)
	return nil
}

// Pending returns the outstanding request for key, if any.
func (g *Gate) Pending(key string) (model.PendingInput, bool) {
	task, err := g.tasks.Get(key)
	if err != nil {
		return model.PendingInput{}, false
	}
	p := task.Pending()
	if p == nil {
		return model.PendingInput{}, false
	}
	return *p, true
}

// Len returns the number of outstanding requests.
func (g *Gate) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}
