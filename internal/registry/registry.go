// Package registry tracks the active task for each key: its run state, its
// event channel, and the single input request it may be blocked on. It also
// owns the admin channel, which aggregates activity from every task.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/hibiki/internal/model"
	"github.com/ashita-ai/hibiki/internal/stream"
	"github.com/ashita-ai/hibiki/internal/telemetry"
)

var (
	// ErrNotFound is returned when no task exists for a key.
	ErrNotFound = errors.New("registry: task not found")

	// ErrTerminal is returned for any state change on a completed or failed task.
	ErrTerminal = errors.New("registry: task already finished")

	// ErrAlreadyWaiting is returned when a task that is already blocked on an
	// input request asks for another one.
	ErrAlreadyWaiting = errors.New("registry: task already waiting for input")

	// ErrNotStarted is returned when a task that has not begun running emits
	// events or asks for input.
	ErrNotStarted = errors.New("registry: task not started")
)

// AdminChannelName is the name of the process-wide admin channel.
const AdminChannelName = "admin"

// Defaults used when Config leaves a field zero.
const (
	DefaultAdminCapacity = 1000
	DefaultRetention     = 10 * time.Minute
)

// Config sizes the registry's channels and controls task retirement.
type Config struct {
	ChannelCapacity int           // events retained per task channel
	AdminCapacity   int           // events retained on the admin channel
	Retention       time.Duration // how long a finished task stays queryable
}

// Outcome is how a run ended.
type Outcome struct {
	Failed bool
	Reason string
}

// Success is the outcome of a run that finished normally.
func Success() Outcome { return Outcome{} }

// Failure is the outcome of a run that ended with an error.
func Failure(reason string) Outcome { return Outcome{Failed: true, Reason: reason} }

// Attachment is the result of StartOrAttach.
type Attachment struct {
	IsNew bool
	Task  *Task
}

// Registry maps task keys to their current Task.
type Registry struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
	admin  *stream.Channel

	mu    sync.Mutex
	tasks map[string]*Task
}

// New creates an empty registry and its admin channel.
func New(cfg Config, logger *slog.Logger) *Registry {
	if cfg.ChannelCapacity <= 0 {
		cfg.ChannelCapacity = stream.DefaultCapacity
	}
	if cfg.AdminCapacity <= 0 {
		cfg.AdminCapacity = DefaultAdminCapacity
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		admin:  stream.New(AdminChannelName, cfg.AdminCapacity, stream.WithRun(uuid.NewString())),
		tasks:  make(map[string]*Task),
	}
}

// Admin returns the process-wide admin channel.
func (r *Registry) Admin() *stream.Channel { return r.admin }

// StartOrAttach returns the live task for key, or creates a fresh one when
// there is none. A finished task for the same key is replaced. Concurrent
// callers for the same key always receive the same Task, and exactly one of
// them sees IsNew.
func (r *Registry) StartOrAttach(key string) (Attachment, error) {
	if err := model.ValidateKey(key); err != nil {
		return Attachment{}, fmt.Errorf("registry: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if t, ok := r.tasks[key]; ok && t.Status().Live() {
		return Attachment{IsNew: false, Task: t}, nil
	}

	t := newTask(key, r.now)
	t.ch = stream.New(key, r.cfg.ChannelCapacity,
		stream.WithRun(uuid.NewString()),
		stream.WithForward(r.forward))
	r.tasks[key] = t
	r.logger.Info("registry: task created", "key", key, "run", t.ch.Run())
	return Attachment{IsNew: true, Task: t}, nil
}

// Get returns the current task for key.
func (r *Registry) Get(key string) (*Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return t, nil
}

// Snapshot returns a point-in-time view of the task for key.
func (r *Registry) Snapshot(key string) (model.TaskState, error) {
	t, err := r.Get(key)
	if err != nil {
		return model.TaskState{}, err
	}
	return t.State(), nil
}

// List returns a snapshot of every tracked task, ordered by key.
func (r *Registry) List() []model.TaskState {
	r.mu.Lock()
	tasks := make([]*Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		tasks = append(tasks, t)
	}
	r.mu.Unlock()

	out := make([]model.TaskState, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.State())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// ActiveCount returns the number of tasks that have not finished.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, t := range r.tasks {
		if t.Status().Live() {
			n++
		}
	}
	return n
}

// MarkDone moves the task for key to completed or failed and closes its
// channel with a done event carrying the outcome.
func (r *Registry) MarkDone(key string, outcome Outcome) error {
	t, err := r.Get(key)
	if err != nil {
		return err
	}
	if err := t.finish(outcome); err != nil {
		return err
	}
	level := slog.LevelInfo
	if outcome.Failed {
		level = slog.LevelWarn
	}
	r.logger.Log(context.Background(), level, "registry: task finished",
		"key", key, "failed", outcome.Failed, "reason", outcome.Reason)
	return nil
}

// Sweep retires finished tasks that have no subscribers left and finished
// longer than the retention period ago. It returns the number retired.
func (r *Registry) Sweep(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for key, t := range r.tasks {
		if t.expired(now, r.cfg.Retention) {
			delete(r.tasks, key)
			n++
		}
	}
	if n > 0 {
		r.logger.Debug("registry: retired finished tasks", "count", n)
	}
	return n
}

// RunJanitor calls Sweep every interval until ctx is cancelled.
func (r *Registry) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.Sweep(now)
		}
	}
}

// RegisterMetrics registers the active task gauge. Call it after the global
// meter provider has been initialized.
func (r *Registry) RegisterMetrics() {
	meter := telemetry.Meter("hibiki/registry")
	_, _ = meter.Int64ObservableGauge("hibiki.tasks.active",
		metric.WithDescription("Tasks that are idle, running or waiting for input"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(r.ActiveCount()))
			return nil
		}),
	)
}

// forward mirrors a task event onto the admin channel. It runs with the task
// channel's lock held, which keeps each task's events in order on the admin
// channel.
func (r *Registry) forward(key string, ev model.Event) {
	var (
		kind    model.EventKind
		payload any
	)
	switch ev.Kind {
	case model.EventLog:
		var p model.LogPayload
		if err := json.Unmarshal(ev.Data, &p); err != nil {
			return
		}
		kind, payload = model.EventLog, model.LogPayload{Message: fmt.Sprintf("[%s] %s", key, p.Message)}
	case model.EventInputRequest:
		var p model.InputRequestPayload
		if err := json.Unmarshal(ev.Data, &p); err != nil {
			return
		}
		p.Key = key
		kind, payload = model.EventInputRequest, p
	case model.EventTimer:
		var p model.TimerPayload
		if err := json.Unmarshal(ev.Data, &p); err != nil {
			return
		}
		kind, payload = model.EventTimer, p
	case model.EventDone:
		var p model.DonePayload
		if err := json.Unmarshal(ev.Data, &p); err != nil {
			return
		}
		msg := fmt.Sprintf("[%s] run %s", key, p.Status)
		if p.Reason != "" {
			msg += ": " + p.Reason
		}
		kind, payload = model.EventLog, model.LogPayload{Message: msg}
	default:
		return
	}
	if _, err := r.admin.Append(kind, payload); err != nil && !errors.Is(err, stream.ErrClosed) {
		r.logger.Error("registry: forward to admin channel", "key", key, "error", err)
	}
}
