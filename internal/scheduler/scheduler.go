// Package scheduler starts a run for every roster account on a fixed
// interval and publishes the countdown to the next run on the admin channel.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/hibiki/internal/model"
	"github.com/ashita-ai/hibiki/internal/stream"
)

// Starter launches a run for one key. It reports whether a new run was
// started (false means one was already live).
type Starter interface {
	Start(ctx context.Context, key string) (bool, error)
}

// Accounts lists the keys to run.
type Accounts interface {
	List(ctx context.Context) ([]model.Account, error)
}

// Config controls the schedule.
type Config struct {
	Interval      time.Duration // time between run-alls
	TimerInterval time.Duration // how often the countdown is published
	RunOnStart    bool          // run once immediately when Run starts
	Concurrency   int           // parallel Start calls during a run-all
}

// Scheduler runs every roster account periodically.
type Scheduler struct {
	cfg      Config
	starter  Starter
	accounts Accounts
	admin    *stream.Channel
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	nextRun time.Time
}

// New creates a Scheduler. admin may be nil, in which case nothing is
// published.
func New(cfg Config, starter Starter, accounts Accounts, admin *stream.Channel, logger *slog.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.TimerInterval <= 0 {
		cfg.TimerInterval = 10 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	return &Scheduler{
		cfg:      cfg,
		starter:  starter,
		accounts: accounts,
		admin:    admin,
		logger:   logger,
		now:      time.Now,
	}
}

// NextRun returns when the next run-all is due.
func (s *Scheduler) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextRun
}

// Remaining returns the time left until the next run-all, never negative.
func (s *Scheduler) Remaining() time.Duration {
	d := s.NextRun().Sub(s.now())
	if d < 0 {
		return 0
	}
	return d
}

// Run blocks until ctx is cancelled, starting a run-all every interval and
// publishing the countdown in between.
func (s *Scheduler) Run(ctx context.Context) error {
	s.setNext(s.now().Add(s.cfg.Interval))
	if s.cfg.RunOnStart {
		s.runAllLogged(ctx)
	}

	runTicker := time.NewTicker(s.cfg.Interval)
	defer runTicker.Stop()
	timerTicker := time.NewTicker(s.cfg.TimerInterval)
	defer timerTicker.Stop()

	s.publishTimer()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-runTicker.C:
			s.setNext(s.now().Add(s.cfg.Interval))
			s.runAllLogged(ctx)
			s.publishTimer()
		case <-timerTicker.C:
			s.publishTimer()
		}
	}
}

func (s *Scheduler) setNext(t time.Time) {
	s.mu.Lock()
	s.nextRun = t
	s.mu.Unlock()
}

func (s *Scheduler) runAllLogged(ctx context.Context) {
	if _, err := s.RunAll(ctx); err != nil {
		s.logger.Error("scheduler: run all", "error", err)
		s.adminLog(fmt.Sprintf("scheduled run failed: %v", err))
	}
}

// RunAll starts a run for every roster account and returns how many new
// runs were started. Failure to start one key is logged and does not stop
// the others.
func (s *Scheduler) RunAll(ctx context.Context) (int, error) {
	accounts, err := s.accounts.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("scheduler: list accounts: %w", err)
	}

	var (
		mu      sync.Mutex
		started int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for _, acc := range accounts {
		g.Go(func() error {
			isNew, err := s.starter.Start(gctx, acc.Key)
			if err != nil {
				s.logger.Warn("scheduler: start run", "key", acc.Key, "error", err)
				return nil
			}
			if isNew {
				mu.Lock()
				started++
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	s.logger.Info("scheduler: run all", "accounts", len(accounts), "started", started)
	s.adminLog(fmt.Sprintf("scheduled run started for %d keys", started))
	return started, nil
}

func (s *Scheduler) publishTimer() {
	if s.admin == nil {
		return
	}
	remain := int64(s.Remaining().Round(time.Second) / time.Second)
	if _, err := s.admin.Append(model.EventTimer, model.TimerPayload{Remain: remain}); err != nil {
		s.logger.Debug("scheduler: publish timer", "error", err)
	}
}

func (s *Scheduler) adminLog(msg string) {
	if s.admin == nil {
		return
	}
	if _, err := s.admin.Append(model.EventLog, model.LogPayload{Message: "[GLOBAL] " + msg}); err != nil {
		s.logger.Debug("scheduler: admin log", "error", err)
	}
}
