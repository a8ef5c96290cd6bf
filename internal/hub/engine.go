// Package hub wires the engine together and exposes its operation surface
// behind the security gateway.
package hub

import (
	"context"
	"fmt"
	"time"

	"monhub/internal/config"
	"monhub/internal/credstore"
	"monhub/internal/eventbus"
	"monhub/internal/gateway"
	"monhub/internal/health"
	"monhub/internal/metrics"
	"monhub/internal/notifier"
	"monhub/internal/registry"
	"monhub/internal/scheduler"
	"monhub/internal/storage"
	logx "monhub/pkg/logx"
)

type Engine struct {
	log logx.Logger

	store   storage.Store
	bus     eventbus.Bus
	reg     *registry.Registry
	creds   *credstore.Service
	gw      *gateway.Gateway
	sched   *scheduler.Service
	tracker *health.Tracker
	metrics *metrics.Service
	alerts  *notifier.Service
}

// New builds the engine from a parsed config. Builtin plugin definitions are
// registered before discovery.
func New(cfg *config.Config, log logx.Logger, builtins ...registry.Definition) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	store, err := openStore(cfg, log)
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()
	reg := registry.New(log.With(logx.String("comp", "registry")), store, bus)
	if err := reg.AddBuiltin(builtins...); err != nil {
		return nil, err
	}

	credCfg, err := credConfig(cfg)
	if err != nil {
		return nil, err
	}
	creds := credstore.New(credCfg, log.With(logx.String("comp", "credstore")), store)

	gwCfg, err := gatewayConfig(cfg)
	if err != nil {
		return nil, err
	}
	gw := gateway.New(gwCfg, log.With(logx.String("comp", "gateway")), creds, store)

	met := metrics.New(log.With(logx.String("comp", "metrics")), store)

	schedCfg, err := schedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	sched := scheduler.New(schedCfg, log.With(logx.String("comp", "scheduler")), reg, store, bus, met)

	tracker := health.New(log.With(logx.String("comp", "health")), reg, store, bus)

	alerts, err := notifier.New(alertConfig(cfg), log.With(logx.String("comp", "alerts")), bus)
	if err != nil {
		return nil, err
	}

	return &Engine{
		log:     log,
		store:   store,
		bus:     bus,
		reg:     reg,
		creds:   creds,
		gw:      gw,
		sched:   sched,
		tracker: tracker,
		metrics: met,
		alerts:  alerts,
	}, nil
}

// Start discovers the catalog, reconciles health from history, and launches
// the scheduler, health tracker, and alert sink.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.reg.Discover(ctx); err != nil {
		return fmt.Errorf("discover plugins: %w", err)
	}
	if err := e.tracker.Reconcile(ctx); err != nil {
		e.log.Warn("health reconcile incomplete", logx.Err(err))
	}

	e.tracker.Start(ctx)
	e.alerts.Start(ctx)
	e.sched.Start(ctx)

	e.log.Info("engine started")
	return nil
}

// Stop drains in the reverse of the start order; the ctx deadline bounds the
// scheduler drain.
func (e *Engine) Stop(ctx context.Context) {
	e.sched.Stop(ctx)
	e.alerts.Stop()
	e.tracker.Stop()
	if err := e.store.Close(); err != nil {
		e.log.Warn("store close failed", logx.Err(err))
	}
	e.log.Info("engine stopped")
}

// Apply folds a hot-reloaded config into the running components. Only the
// scheduler cadence and worker settings take effect without a restart.
func (e *Engine) Apply(ctx context.Context, cfg *config.Config) {
	schedCfg, err := schedulerConfig(cfg)
	if err != nil {
		e.log.Warn("config update rejected", logx.Err(err))
		return
	}
	e.sched.Apply(ctx, schedCfg)
}

// SchedulerSnapshot exposes pool diagnostics for operational visibility.
func (e *Engine) SchedulerSnapshot() scheduler.Snapshot { return e.sched.Snapshot() }

// IssueToken mints an operator session token. It sits outside the gateway
// pipeline: it is the bootstrap that produces the credential the pipeline
// checks.
func (e *Engine) IssueToken(user string, role credstore.Role, ttl time.Duration) (string, error) {
	return e.creds.IssueToken(user, role, ttl)
}

func openStore(cfg *config.Config, log logx.Logger) (storage.Store, error) {
	var sc storage.Config
	if cfg.Storage != nil {
		busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
		if err != nil {
			return nil, err
		}
		sc = storage.Config{Driver: cfg.Storage.Driver, Path: cfg.Storage.Path, BusyTimeout: busy}
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	if store == nil {
		// The engine always needs a store for audit and catalog state.
		store = storage.NewMemory()
	}
	return store, nil
}

func schedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	interval, err := config.ParseDurationOrDefault("scheduler.interval", cfg.Scheduler.Interval, time.Minute)
	if err != nil {
		return scheduler.Config{}, err
	}
	execTimeout, err := config.ParseDurationOrDefault("scheduler.exec_timeout", cfg.Scheduler.ExecTimeout, 30*time.Second)
	if err != nil {
		return scheduler.Config{}, err
	}

	perPlugin := map[string]time.Duration{}
	for id, p := range cfg.Plugins {
		d, err := config.ParseDurationField("plugins."+id+".interval", p.Interval)
		if err != nil {
			return scheduler.Config{}, err
		}
		if d > 0 {
			perPlugin[id] = d
		}
	}

	return scheduler.Config{
		Interval:        interval,
		Workers:         cfg.Scheduler.Workers,
		QueueSize:       cfg.Scheduler.QueueSize,
		ExecTimeout:     execTimeout,
		PluginIntervals: perPlugin,
	}, nil
}

func credConfig(cfg *config.Config) (credstore.Config, error) {
	ttl, err := config.ParseDurationField("credentials.token_ttl", cfg.Credentials.TokenTTL)
	if err != nil {
		return credstore.Config{}, err
	}
	return credstore.Config{
		TokenSecret:          cfg.Credentials.TokenSecret,
		TokenTTL:             ttl,
		VerifyFailuresPerMin: cfg.Credentials.VerifyFailuresPerMin,
	}, nil
}

func gatewayConfig(cfg *config.Config) (gateway.Config, error) {
	out := gateway.Config{}
	g := cfg.Gateway
	if g == nil {
		return out, nil
	}
	window, err := config.ParseDurationField("gateway.window", g.Window)
	if err != nil {
		return out, err
	}
	out.Window = window
	out.Budgets = map[gateway.Class]int{
		gateway.ClassRead:             g.ReadPerWindow,
		gateway.ClassExecutionTrigger: g.ExecutePerWindow,
		gateway.ClassMetricReport:     g.MetricsPerWindow,
		gateway.ClassHealthReport:     g.HealthPerWindow,
		gateway.ClassConfigMutation:   g.MutatePerWindow,
	}
	return out, nil
}

func alertConfig(cfg *config.Config) notifier.Config {
	if cfg.Alerts == nil {
		return notifier.Config{}
	}
	return notifier.Config{
		Enabled: cfg.Alerts.Enabled,
		Token:   cfg.Alerts.Token,
		ChatID:  cfg.Alerts.ChatID,
	}
}
