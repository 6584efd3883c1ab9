// Package watchdog sweeps every registered instance's running set (enabled
// or not) on a cron
// schedule and fails any task that has been running longer than its
// account's configured max run duration. No poll loop in this system polls
// a hung task for a timeout on its own: the watchdog sweep is that safety
// net, running independently of any single instance's dispatcher loop.
package watchdog

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/dispatchd/internal/bus"
	"github.com/basket/dispatchd/internal/task"
)

// DefaultMaxRunDuration is used for any account whose accounts.yaml entry
// omits max_run_duration.
const DefaultMaxRunDuration = 15 * time.Minute

// Instance is the minimal surface the watchdog needs from a registered
// runtime.
type Instance interface {
	AccountID() string
	RunningTasks() []*task.Info
}

// Registry supplies the set of instances to sweep.
type Registry interface {
	// All returns every registered instance, enabled or not: a disabled
	// account can still have tasks running out a drain, and those still
	// need a timeout backstop.
	All() []Instance
}

// AccountDuration resolves the max run duration configured for an account.
type AccountDuration func(accountID string) time.Duration

// Config configures the Watchdog.
type Config struct {
	Registry  Registry
	MaxRunFor AccountDuration
	Schedule  string // standard 5-field cron expression; defaults to every minute
	Logger    *slog.Logger
	// Bus, if set, receives an instance.alert for every task the sweep times
	// out, so an operator dashboard can surface it without polling the
	// registry itself.
	Bus *bus.Bus
}

// Watchdog runs a cron-scheduled sweep over every instance's running set.
type Watchdog struct {
	registry  Registry
	maxRunFor AccountDuration
	schedule  string
	logger    *slog.Logger
	bus       *bus.Bus
	cron      *cronlib.Cron
}

// New creates a Watchdog. It does not start sweeping until Start is called.
func New(cfg Config) *Watchdog {
	schedule := cfg.Schedule
	if schedule == "" {
		schedule = "@every 1m"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxRunFor := cfg.MaxRunFor
	if maxRunFor == nil {
		maxRunFor = func(string) time.Duration { return DefaultMaxRunDuration }
	}
	return &Watchdog{
		registry:  cfg.Registry,
		maxRunFor: maxRunFor,
		schedule:  schedule,
		logger:    logger,
		bus:       cfg.Bus,
	}
}

// Start schedules the sweep and begins running it in the background.
func (w *Watchdog) Start(ctx context.Context) error {
	w.cron = cronlib.New()
	_, err := w.cron.AddFunc(w.schedule, func() { w.sweep() })
	if err != nil {
		return err
	}
	w.cron.Start()
	go func() {
		<-ctx.Done()
		w.Stop()
	}()
	w.logger.Info("watchdog started", "schedule", w.schedule)
	return nil
}

// Stop halts the scheduler and waits for any in-flight sweep to finish.
func (w *Watchdog) Stop() {
	if w.cron == nil {
		return
	}
	stopCtx := w.cron.Stop()
	<-stopCtx.Done()
	w.logger.Info("watchdog stopped")
}

// Sweep runs one pass synchronously; exported for tests and for an admin
// "sweep now" trigger.
func (w *Watchdog) Sweep() {
	w.sweep()
}

func (w *Watchdog) sweep() {
	now := time.Now().UnixMilli()
	for _, inst := range w.registry.All() {
		limit := w.maxRunFor(inst.AccountID())
		for _, t := range inst.RunningTasks() {
			start := t.StartTime()
			if start == 0 {
				continue
			}
			age := time.Duration(now-start) * time.Millisecond
			if age <= limit {
				continue
			}
			if err := t.Fail("timeout"); err != nil {
				w.logger.Warn("watchdog: timeout transition rejected", "task_id", t.ID(), "error", err)
				continue
			}
			w.logger.Warn("watchdog: task exceeded max run duration", "task_id", t.ID(), "account_id", inst.AccountID(), "age", age, "limit", limit)
			if w.bus != nil {
				w.bus.Publish(bus.TopicInstanceAlert, bus.InstanceAlert{
					AccountID: inst.AccountID(),
					Severity:  "warning",
					Message:   fmt.Sprintf("task %s exceeded max run duration (%s > %s)", t.ID(), age.Truncate(time.Second), limit),
				})
			}
		}
	}
}
