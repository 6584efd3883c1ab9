// Command dispatchd runs the multi-account task dispatcher: it loads
// accounts.yaml, dials one upstream gateway connection per configured account
// (enabled or not), and accepts submissions through the in-process facade
// until terminated.
// Startup is staged (logger -> config -> otel -> store -> bus -> runtime)
// so a failure names the phase it died in.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/dispatchd/internal/balancer"
	"github.com/basket/dispatchd/internal/bus"
	"github.com/basket/dispatchd/internal/config"
	"github.com/basket/dispatchd/internal/dispatch"
	"github.com/basket/dispatchd/internal/instance"
	dotel "github.com/basket/dispatchd/internal/otel"
	"github.com/basket/dispatchd/internal/registry"
	"github.com/basket/dispatchd/internal/store"
	"github.com/basket/dispatchd/internal/telemetry"
	"github.com/basket/dispatchd/internal/tui"
	"github.com/basket/dispatchd/internal/upstream/wsclient"
	"github.com/basket/dispatchd/internal/watchdog"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                    Start the dispatcher with a live terminal dashboard
  %s -daemon            Start the dispatcher with no dashboard, logs to stdout

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
}

func main() {
	homeDir := defaultHomeDir()
	flag.StringVar(&homeDir, "home", homeDir, "dispatcher home directory (accounts.yaml, dispatchd.db)")
	daemon := flag.Bool("daemon", false, "run with no terminal dashboard")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	otelEnabled := flag.Bool("otel", false, "enable OpenTelemetry stdout tracing")
	flag.Usage = printUsage
	flag.Parse()

	interactive := isatty.IsTerminal(os.Stdout.Fd()) && !*daemon

	logger, closer, err := telemetry.NewLogger(homeDir, *logLevel, interactive)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "logger_ready")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	accountsPath := filepath.Join(homeDir, "accounts.yaml")
	cfg, err := config.Load(accountsPath, logger)
	if err != nil {
		fatalStartup(logger, "E_CONFIG_LOAD", err)
	}
	liveCfg := config.NewLiveConfig(cfg, accountsPath, logger)
	logger.Info("startup phase", "phase", "config_loaded", "accounts", len(cfg.Accounts))

	watcher := config.NewWatcher(homeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCH", err)
	}
	go watchConfigReloads(ctx, liveCfg, watcher.Events(), logger)

	otelProvider, err := dotel.Init(ctx, dotel.Config{
		Enabled:     *otelEnabled,
		Exporter:    "stdout",
		ServiceName: "dispatchd",
		SampleRate:  1.0,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(ctx)

	metrics, err := dotel.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_METRICS_INIT", err)
	}

	dbPath := filepath.Join(homeDir, "dispatchd.db")
	taskStore, err := store.Open(dbPath)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer taskStore.Close()
	logger.Info("startup phase", "phase", "schema_migrated")

	eventBus := bus.NewWithLogger(logger)
	notifier := store.NewBusNotifier(eventBus, logger)
	activity := newActivityTracker(eventBus)

	reg := registry.New()
	instances := make(map[string]*instance.Instance, len(cfg.Accounts))
	for _, acc := range cfg.Accounts {
		client := wsclient.New(wsclient.Config{
			AccountID: acc.ID,
			URL:       acc.GatewayURL,
			Token:     acc.Token,
		}, logger)
		go client.Run(ctx)

		inst := instance.New(instance.Account{
			ID:       acc.ID,
			Enabled:  acc.Enabled,
			CoreSize: acc.CoreSize,
			Weight:   acc.Weight,
		}, client, taskStore, notifier, logger, metrics)
		inst.Start(ctx)

		instances[acc.ID] = inst
		reg.Register(acc.ID, inst)
	}
	logger.Info("startup phase", "phase", "instances_started", "count", len(instances))

	policy := policyForName(cfg.Balancer)
	lookup := func(accountID string) (*instance.Instance, bool) {
		inst, ok := instances[accountID]
		return inst, ok
	}
	// facade is the library entry point an embedding caller submits work
	// through (a chat-platform gateway, an admin CLI); this binary only
	// stands the dispatcher up and exposes the dashboard, it has no
	// submission front door of its own.
	_ = dispatch.New(reg, policy, lookup, logger, otelProvider.Tracer, metrics)

	wd := watchdog.New(watchdog.Config{
		Registry: watchdogRegistry{instances: instances},
		MaxRunFor: func(accountID string) time.Duration {
			acc, ok := liveCfg.Account(accountID)
			if !ok {
				return watchdog.DefaultMaxRunDuration
			}
			return acc.MaxRunDurationOrDefault(watchdog.DefaultMaxRunDuration)
		},
		Logger: logger,
		Bus:    eventBus,
	})
	if err := wd.Start(ctx); err != nil {
		fatalStartup(logger, "E_WATCHDOG_START", err)
	}

	logger.Info("dispatcher ready", "interactive", interactive)

	startedAt := time.Now()
	if interactive {
		if err := tui.Run(ctx, func() tui.Snapshot {
			return snapshotFor(reg, eventBus, activity, startedAt)
		}); err != nil {
			logger.Error("tui exited with error", "error", err)
		}
	} else {
		<-ctx.Done()
	}

	logger.Info("shutting down")
	for _, inst := range instances {
		inst.Drain(10 * time.Second)
	}
}

func policyForName(name string) balancer.Policy {
	switch name {
	case "round_robin":
		return balancer.NewRoundRobin()
	case "random":
		return balancer.NewRandom(nil)
	case "weight":
		return balancer.NewWeight(nil)
	default:
		return balancer.BestWaitIdle{}
	}
}

func snapshotFor(reg *registry.Registry, eventBus *bus.Bus, activity *activityTracker, startedAt time.Time) tui.Snapshot {
	snaps := reg.Snapshot()
	out := make([]tui.InstanceSnapshot, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, tui.InstanceSnapshot{
			AccountID: s.AccountID,
			Enabled:   s.Enabled,
			CoreSize:  s.CoreSize,
			Running:   s.Running,
			Queued:    s.Queued,
		})
	}
	lastEvent, lastAlert := activity.snapshot()
	return tui.Snapshot{
		Instances:     out,
		DroppedEvents: eventBus.DroppedEventCount(),
		LastEvent:     lastEvent,
		LastError:     lastAlert,
		Uptime:        time.Since(startedAt),
	}
}

// watchdogRegistry adapts the fixed, constructor-time instance map into
// watchdog.Registry. Accounts never change membership at runtime (adding or
// removing one requires a restart, per config.LiveConfig), so this snapshot
// never goes stale.
type watchdogRegistry struct {
	instances map[string]*instance.Instance
}

func (w watchdogRegistry) All() []watchdog.Instance {
	out := make([]watchdog.Instance, 0, len(w.instances))
	for _, inst := range w.instances {
		out = append(out, inst)
	}
	return out
}

func watchConfigReloads(ctx context.Context, liveCfg *config.LiveConfig, events <-chan config.ReloadEvent, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-events:
			if !ok {
				return
			}
			if err := liveCfg.ReloadFromFile(); err != nil {
				logger.Warn("accounts.yaml reload failed", "error", err)
				continue
			}
			logger.Info("accounts.yaml reloaded")
		}
	}
}

func defaultHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".dispatchd")
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"dispatchd","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano), reasonCode, message)
	}
	os.Exit(1)
}
