// Package runner executes task runs: one goroutine per run, driving the
// task through its lifecycle and giving the run body a Session to log
// through and to ask for input with.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/hibiki/internal/inputgate"
	"github.com/ashita-ai/hibiki/internal/registry"
	"github.com/ashita-ai/hibiki/internal/telemetry"
)

// ErrStopped is returned by Start after Shutdown has begun.
var ErrStopped = errors.New("runner: supervisor stopped")

// Func is the body of a task run. Returning nil completes the task; an
// error fails it with the error text as the reason.
type Func func(ctx context.Context, s *Session) error

// FinishFunc observes a run after its task has been marked done.
type FinishFunc func(ctx context.Context, key string, outcome registry.Outcome, elapsed time.Duration)

// finishTimeout bounds every FinishFunc call.
const finishTimeout = 10 * time.Second

var tracer = telemetry.Tracer("hibiki/runner")

// Supervisor starts runs and tracks them until they finish.
type Supervisor struct {
	reg    *registry.Registry
	gate   *inputgate.Gate
	run    Func
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	stopped  bool
	onFinish []FinishFunc
	wg       sync.WaitGroup
}

// NewSupervisor creates a supervisor that executes run for every new task.
// Runs are cancelled by Shutdown, not by the context of the caller that
// started them.
func NewSupervisor(reg *registry.Registry, gate *inputgate.Gate, run Func, logger *slog.Logger) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		reg:    reg,
		gate:   gate,
		run:    run,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// OnFinish registers fn to be called, in registration order, from the run
// goroutine after each task finishes. Shutdown waits for these calls.
func (s *Supervisor) OnFinish(fn FinishFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onFinish = append(s.onFinish, fn)
}

// Start launches a run for key unless one is already live, in which case
// the caller is attached to it. It reports whether a new run was started.
func (s *Supervisor) Start(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false, ErrStopped
	}

	att, err := s.reg.StartOrAttach(key)
	if err != nil {
		return false, err
	}
	if !att.IsNew {
		s.logger.DebugContext(ctx, "runner: attached to live task", "key", key)
		return false, nil
	}

	s.wg.Add(1)
	go s.execute(att.Task)
	return true, nil
}

func (s *Supervisor) execute(task *registry.Task) {
	defer s.wg.Done()
	key := task.Key()

	ctx, span := tracer.Start(s.ctx, "task.run", trace.WithAttributes(attribute.String("hibiki.key", key)))
	defer span.End()

	start := time.Now()
	if err := task.Begin(); err != nil {
		s.logger.Error("runner: begin task", "key", key, "error", err)
		_ = s.reg.MarkDone(key, registry.Failure(err.Error()))
		return
	}
	s.logger.Info("runner: task started", "key", key)

	err := s.invoke(ctx, &Session{task: task, gate: s.gate})

	outcome := registry.Success()
	if err != nil {
		outcome = registry.Failure(err.Error())
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if err := s.reg.MarkDone(key, outcome); err != nil {
		s.logger.Error("runner: mark task done", "key", key, "error", err)
	}
	elapsed := time.Since(start)
	s.logger.Info("runner: task finished", "key", key,
		"failed", outcome.Failed, "duration_ms", elapsed.Milliseconds())
	s.notifyFinished(ctx, key, outcome, elapsed)
}

func (s *Supervisor) notifyFinished(ctx context.Context, key string, outcome registry.Outcome, elapsed time.Duration) {
	s.mu.Lock()
	hooks := append([]FinishFunc(nil), s.onFinish...)
	s.mu.Unlock()
	if len(hooks) == 0 {
		return
	}

	// Run cancellation must not cut hooks short.
	hookCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()
	for _, fn := range hooks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("runner: panic in finish hook", "key", key, "panic", r)
				}
			}()
			fn(hookCtx, key, outcome, elapsed)
		}()
	}
}

// invoke calls the run body, converting a panic into an error.
func (s *Supervisor) invoke(ctx context.Context, sess *Session) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("runner: panic in task", "key", sess.Key(), "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.run(ctx, sess)
}

// Shutdown cancels every live run and waits for them to finish or for ctx
// to expire.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("runner: shutdown: %w", ctx.Err())
	}
}
