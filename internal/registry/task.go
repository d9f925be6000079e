package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/ashita-ai/hibiki/internal/model"
	"github.com/ashita-ai/hibiki/internal/stream"
)

// Task is the handle for one run of a key. The runner drives it through
// Begin, Log/Emit and the input methods; the registry finishes it.
type Task struct {
	key  string
	ch   *stream.Channel
	now  func() time.Time
	done chan struct{}

	mu         sync.Mutex
	status     model.TaskStatus
	reason     string
	pending    *model.PendingInput
	createdAt  time.Time
	startedAt  time.Time
	finishedAt time.Time
}

func newTask(key string, now func() time.Time) *Task {
	return &Task{
		key:       key,
		now:       now,
		done:      make(chan struct{}),
		status:    model.TaskIdle,
		createdAt: now().UTC(),
	}
}

// Key returns the task key.
func (t *Task) Key() string { return t.key }

// Channel returns the task's event channel.
func (t *Task) Channel() *stream.Channel { return t.ch }

// Done is closed once the task reaches a terminal state.
func (t *Task) Done() <-chan struct{} { return t.done }

// Status returns the current status.
func (t *Task) Status() model.TaskStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Pending returns a copy of the outstanding input request, or nil.
func (t *Task) Pending() *model.PendingInput {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending == nil {
		return nil
	}
	p := *t.pending
	return &p
}

// State returns a point-in-time view of the task.
func (t *Task) State() model.TaskState {
	t.mu.Lock()
	s := model.TaskState{
		Key:       t.key,
		Run:       t.ch.Run(),
		Status:    t.status,
		Reason:    t.reason,
		CreatedAt: t.createdAt,
	}
	if t.pending != nil {
		p := *t.pending
		s.Pending = &p
	}
	if !t.startedAt.IsZero() {
		started := t.startedAt
		s.StartedAt = &started
	}
	if !t.finishedAt.IsZero() {
		finished := t.finishedAt
		s.FinishedAt = &finished
	}
	t.mu.Unlock()

	s.LastSeq = t.ch.LastSeq()
	s.Viewers = t.ch.Subscribers()
	return s
}

// Begin moves an idle task to running.
func (t *Task) Begin() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case t.status.Terminal():
		return ErrTerminal
	case t.status != model.TaskIdle:
		return fmt.Errorf("registry: cannot begin task %s in state %s", t.key, t.status)
	}
	t.status = model.TaskRunning
	t.startedAt = t.now().UTC()
	return nil
}

// Log appends a log line to the task channel.
func (t *Task) Log(message string) error {
	return t.Emit(model.EventLog, model.LogPayload{Message: message})
}

// Emit appends an event to the task channel. Done events are produced only
// by the registry when the task finishes.
func (t *Task) Emit(kind model.EventKind, payload any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case t.status.Terminal():
		return ErrTerminal
	case t.status == model.TaskIdle:
		return ErrNotStarted
	}
	if _, err := t.ch.Append(kind, payload); err != nil {
		return fmt.Errorf("registry: emit %s for %s: %w", kind, t.key, err)
	}
	return nil
}

// AwaitInput claims the task's input slot for req and publishes the
// input_request event. Only a running task may wait for input. It fails with
// ErrAlreadyWaiting if another request is outstanding, leaving that request
// untouched.
func (t *Task) AwaitInput(req model.PendingInput) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case t.status.Terminal():
		return ErrTerminal
	case t.pending != nil:
		return ErrAlreadyWaiting
	case t.status != model.TaskRunning:
		return fmt.Errorf("%w: %s is %s", ErrNotStarted, t.key, t.status)
	}
	if _, err := t.ch.Append(model.EventInputRequest, model.InputRequestPayload{
		Prompt:   req.Prompt,
		Callback: req.Callback,
	}); err != nil {
		return fmt.Errorf("registry: publish input request for %s: %w", t.key, err)
	}
	p := req
	t.pending = &p
	t.status = model.TaskWaitingForInput
	return nil
}

// EndInput releases the input slot held by callback and returns the task to
// running. It reports false if callback does not hold the slot.
func (t *Task) EndInput(callback string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending == nil || t.pending.Callback != callback {
		return false
	}
	t.pending = nil
	if t.status == model.TaskWaitingForInput {
		t.status = model.TaskRunning
	}
	return true
}

func (t *Task) finish(outcome Outcome) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.Terminal() {
		return ErrTerminal
	}
	t.status = model.TaskCompleted
	if outcome.Failed {
		t.status = model.TaskFailed
	}
	t.reason = outcome.Reason
	t.pending = nil
	t.finishedAt = t.now().UTC()
	if _, err := t.ch.Close(model.DonePayload{Status: t.status, Reason: outcome.Reason}); err != nil {
		return fmt.Errorf("registry: close channel for %s: %w", t.key, err)
	}
	close(t.done)
	return nil
}

func (t *Task) expired(now time.Time, retention time.Duration) bool {
	t.mu.Lock()
	terminal, finished := t.status.Terminal(), t.finishedAt
	t.mu.Unlock()
	if !terminal || t.ch.Subscribers() > 0 {
		return false
	}
	return now.Sub(finished) >= retention
}
