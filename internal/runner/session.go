package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/ashita-ai/hibiki/internal/inputgate"
	"github.com/ashita-ai/hibiki/internal/model"
	"github.com/ashita-ai/hibiki/internal/registry"
)

// Session is the run body's handle on its task.
type Session struct {
	task *registry.Task
	gate *inputgate.Gate
}

// Key returns the task key.
func (s *Session) Key() string { return s.task.Key() }

// Log appends a log line to the task stream.
func (s *Session) Log(message string) error { return s.task.Log(message) }

// Logf formats and appends a log line.
func (s *Session) Logf(format string, args ...any) error {
	return s.task.Log(fmt.Sprintf(format, args...))
}

// Timer publishes a countdown event.
func (s *Session) Timer(remain time.Duration) error {
	return s.task.Emit(model.EventTimer, model.TimerPayload{Remain: int64(remain / time.Second)})
}

// Prompt asks the viewers for input and blocks until one answers or the
// gate's default timeout elapses.
func (s *Session) Prompt(ctx context.Context, prompt string) (string, error) {
	return s.gate.Request(ctx, s.task.Key(), prompt, 0)
}

// PromptWithTimeout is Prompt with an explicit timeout.
func (s *Session) PromptWithTimeout(ctx context.Context, prompt string, timeout time.Duration) (string, error) {
	return s.gate.Request(ctx, s.task.Key(), prompt, timeout)
}
