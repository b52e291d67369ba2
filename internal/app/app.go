package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"ptsched/internal/config"
	"ptsched/internal/eventbus"
	"ptsched/internal/observability/httpserver"
	"ptsched/internal/probe"
	"ptsched/internal/runtime/supervisor"
	"ptsched/internal/scheduler"
	"ptsched/internal/storage"
	logx "ptsched/pkg/logx"
	"ptsched/pkg/systemd"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

type App struct {
	// cfgm is nil when running without a config file.
	cfgm *config.ConfigManager
	cfg  *config.Config

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	reg  *prometheus.Registry

	schedCfg scheduler.Config
	sink     *storage.Instrumented
	sched    *scheduler.Scheduler
	rec      *reconciler
	obs      *httpserver.Service
	notify   *systemd.Notifier

	sup *supervisor.Supervisor
}

type Option func(*options)

type options struct {
	sink storage.Sink
	log  *logx.Logger
}

// WithSink replaces the configured storage driver.
func WithSink(sink storage.Sink) Option { return func(o *options) { o.sink = sink } }

// WithLogger bypasses the logging section of the config.
func WithLogger(log logx.Logger) Option { return func(o *options) { o.log = &log } }

// New loads cfgPath (or runs on defaults when it is empty), sets up logging
// and opens the metrics sink. Nothing runs until Start.
func New(cfgPath string, opts ...Option) (*App, error) {
	o := options{}
	for _, fn := range opts {
		fn(&o)
	}

	var (
		cfgm *config.ConfigManager
		cfg  = &config.Config{Logging: config.LoggingConfig{Level: "info", Console: true}}
	)
	if strings.TrimSpace(cfgPath) != "" {
		cfgm = config.NewConfigManager(cfgPath)
		loaded, err := cfgm.Load()
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	var (
		logs *logx.Service
		log  logx.Logger
	)
	if o.log != nil {
		log = *o.log
	} else {
		logs, log = logx.New(mapLoggingConfig(cfg))
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	inner := o.sink
	driver := schedCfg.Storage.Driver
	if inner == nil {
		if inner, err = storage.Open(schedCfg.Storage, log); err != nil {
			return nil, err
		}
	} else {
		driver = "injected"
	}
	sink, err := storage.Instrument(inner, driver, metricsNamespace(cfg), reg)
	if err != nil {
		return nil, err
	}

	return &App{
		cfgm:     cfgm,
		cfg:      cfg,
		log:      log.With(logx.String("comp", "app")),
		logs:     logs,
		bus:      eventbus.New(),
		reg:      reg,
		schedCfg: schedCfg,
		sink:     sink,
		notify:   systemd.NewNotifier(cfg.Systemd != nil && cfg.Systemd.Notify),
	}, nil
}

// validate rejects configs that would not apply cleanly. It runs on the
// initial config and before every hot reload is committed.
func validate(cfg *config.Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	return validateTasks(cfg.Tasks)
}

func (a *App) Scheduler() *scheduler.Scheduler { return a.sched }

func (a *App) Logger() logx.Logger { return a.log }

func (a *App) Registry() *prometheus.Registry { return a.reg }

// ObservabilityAddr is the bound address of the HTTP server, if running.
func (a *App) ObservabilityAddr() string {
	if a.obs == nil {
		return ""
	}
	return a.obs.Addr()
}

// TaskIDs maps config-declared task names to scheduler ids.
func (a *App) TaskIDs() map[string]uint64 {
	if a.rec == nil {
		return nil
	}
	return a.rec.IDs()
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	a.sched = scheduler.New(a.schedCfg, a.log, a.bus,
		scheduler.WithSink(a.sink),
		scheduler.WithSupervisor(a.sup),
	)
	setupCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err := a.sched.SetupContext(setupCtx)
	cancel()
	if err != nil {
		return err
	}
	if err := a.sched.Start(); err != nil {
		return err
	}

	a.sup.Go0("eventbus.consume", a.consumeEvents(a.bus))

	a.rec = newReconciler(a.sched, a.log,
		probe.WithLogger(a.log),
		probe.WithSpawner(a.sup),
	)
	if _, err := a.rec.Apply(a.cfg.Tasks); err != nil {
		a.log.Warn("some tasks were not scheduled", logx.Err(err))
	}

	a.obs = httpserver.New(a.reg, a.sched, a.log)
	a.obs.SetHealth(func() any { return a.sup.Snapshot() })
	if err := a.obs.Reconfigure(ctx, mapObservabilityConfig(a.cfg)); err != nil {
		a.log.Warn("observability server not started", logx.Err(err))
	}

	if a.cfgm != nil {
		a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
		a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })

		sub := a.cfgm.Subscribe(8)
		a.sup.Go0("config.reload", func(c context.Context) {
			defer a.cfgm.Unsubscribe(sub)
			for {
				select {
				case <-c.Done():
					return
				case newCfg, ok := <-sub:
					if !ok {
						return
					}
					// Coalesce bursts: keep only the latest config.
					for drained := false; !drained; {
						select {
						case newer := <-sub:
							if newer != nil {
								newCfg = newer
							}
						default:
							drained = true
						}
					}
					a.applyConfig(c, newCfg)
				}
			}
		})
		a.sup.GoRestart("config.watch", a.cfgm.Watch, time.Second, 30*time.Second)
	}

	if ok, err := a.notify.Ready(); err != nil {
		a.log.Warn("systemd notify failed", logx.Err(err))
	} else if ok {
		a.log.Debug("systemd notified ready")
		if a.cfg.Systemd != nil && a.cfg.Systemd.Watchdog {
			if iv := a.notify.WatchdogInterval(); iv > 0 {
				a.sup.Go("systemd.watchdog", func(c context.Context) error {
					return a.notify.Watchdog(c, iv, func() bool { return a.sup.Err() == nil })
				})
			}
		}
	}

	a.log.Info("app started", logx.Int("tasks", a.sched.Len()))
	return nil
}

// consumeEvents drops the Prometheus series of cancelled tasks and logs
// lifecycle events at debug level.
func (a *App) consumeEvents(bus eventbus.Bus) func(context.Context) {
	events, unsub := bus.Subscribe(256)
	return func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				te, _ := e.Data.(eventbus.TaskEvent)
				switch e.Type {
				case eventbus.TaskRun:
					continue
				case eventbus.TaskCancelled:
					a.sink.Forget(te.ID, te.Name)
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Uint64("tid", te.ID), logx.String("task", te.Name))
			}
		}
	}
}

func (a *App) applyConfig(ctx context.Context, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(a.cfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	_, _ = a.notify.Reloading()
	defer func() { _, _ = a.notify.Ready() }()

	for _, s := range []string{"storage", "scheduler", "systemd"} {
		if slices.Contains(sections, s) {
			a.log.Warn(fmt.Sprintf("%s config changed; restart required for changes to take effect", s))
		}
	}
	if a.logs != nil && slices.Contains(sections, "logging") {
		a.logs.Apply(mapLoggingConfig(newCfg))
	}
	if slices.Contains(sections, "observability") {
		if err := a.obs.Reconfigure(ctx, mapObservabilityConfig(newCfg)); err != nil {
			a.log.Warn("observability reconfigure failed", logx.Err(err))
		}
	}
	if slices.Contains(sections, "tasks") {
		if _, err := a.rec.Apply(newCfg.Tasks); err != nil {
			a.log.Warn("some tasks were not reconciled", logx.Err(err))
		}
	}
	a.cfg = newCfg

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop releases the scheduler and everything Start launched. Each step is
// bounded so one component cannot stall shutdown.
func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")
	_, _ = a.notify.Stopping()

	// Unwind background loops first: config reloads must not race the release.
	a.sup.Cancel()

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if dl, ok := ctx.Deadline(); !ok || time.Until(dl) > max {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("observability", time.Second, func(c context.Context) error {
		if a.obs != nil {
			a.obs.Stop(c)
		}
		return nil
	})
	step("scheduler", 5*time.Second, func(c context.Context) error { return a.sched.ReleaseContext(c) })
	step("supervisor", 2*time.Second, func(c context.Context) error {
		if err := a.sup.Wait(c); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(errs...)
}
