// Package app wires the daemon together: config, logging, event bus,
// storage, engine, notifier, report, and the optional pprof server.
package app

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/huahua9185/auto-study-advanced-sub001/internal/config"
	"github.com/huahua9185/auto-study-advanced-sub001/internal/engine"
	"github.com/huahua9185/auto-study-advanced-sub001/internal/eventbus"
	"github.com/huahua9185/auto-study-advanced-sub001/internal/notifier"
	"github.com/huahua9185/auto-study-advanced-sub001/internal/pprof"
	"github.com/huahua9185/auto-study-advanced-sub001/internal/report"
	rtsup "github.com/huahua9185/auto-study-advanced-sub001/internal/runtime/supervisor"
	"github.com/huahua9185/auto-study-advanced-sub001/internal/storage"
	kit "github.com/huahua9185/auto-study-advanced-sub001/internal/transport"
	"github.com/huahua9185/auto-study-advanced-sub001/internal/transport/telegram"
	logx "github.com/huahua9185/auto-study-advanced-sub001/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store    storage.Store
	recorder *storage.Recorder

	// sender is nil when the telegram section is absent.
	sender kit.Sender

	engine *engine.Service
	notif  *notifier.Service
	report *report.Service
	pprof  *pprof.Service

	// courses holds the mapped curriculum from the last applied config.
	courses []engine.CourseRef

	executorMode string
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	// Storage (optional).
	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	engCfg, err := mapEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	factory, mode, err := buildExecutorFactory(cfg, log)
	if err != nil {
		return nil, err
	}
	engineSvc := engine.New(engCfg, factory, log.With(logx.String("comp", "engine")), bus)

	courses, err := mapCourses(cfg)
	if err != nil {
		return nil, err
	}

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	var sender kit.Sender
	if ncfg.Enabled {
		if cfg.Telegram == nil || strings.TrimSpace(cfg.Telegram.Token) == "" || cfg.Telegram.ChatID == 0 {
			log.Warn("notifier enabled but telegram chat is not configured; notifications disabled")
			ncfg.Enabled = false
		} else {
			snd, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token},
				log.With(logx.String("comp", "telegram")))
			if err != nil {
				return nil, fmt.Errorf("telegram: %w", err)
			}
			sender = snd
		}
	}
	notifSvc := notifier.New(ncfg, sender, log.With(logx.String("comp", "notifier")), bus)

	rcfg, err := mapReportConfig(cfg)
	if err != nil {
		return nil, err
	}
	reportSvc := report.New(rcfg, engineSvc, store, log.With(logx.String("comp", "report")), bus)

	pcfg, err := mapPprofConfig(cfg)
	if err != nil {
		return nil, err
	}
	pprofSvc := pprof.New(pcfg, log.With(logx.String("comp", "pprof")))

	return &App{
		cfgPath:      cfgPath,
		cfgm:         cfgm,
		log:          log,
		logs:         logSvc,
		bus:          bus,
		store:        store,
		recorder:     storage.NewRecorder(store, bus, log.With(logx.String("comp", "storage"))),
		sender:       sender,
		engine:       engineSvc,
		notif:        notifSvc,
		report:       reportSvc,
		pprof:        pprofSvc,
		courses:      courses,
		executorMode: mode,
	}, nil
}

// Engine exposes the study engine for operational callers (tests, future
// control surfaces).
func (a *App) Engine() *engine.Service { return a.engine }

// Done is closed when the app run context ends (fatal error or Stop).
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
	a.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(a.log),
		rtsup.WithCancelOnError(true),
	)
	runCtx := a.sup.Context()

	// Transactional config reload: validate before commit/publish.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateConfig(cfg, logx.Nop())
	})

	a.recorder.Start(runCtx)

	if err := a.engine.Start(runCtx); err != nil {
		return err
	}

	// Build the study plan from the configured curriculum. An empty plan
	// (everything already watched) leaves the daemon idling, which is fine.
	if len(a.courses) > 0 {
		if _, _, err := a.engine.CreatePlan(a.courses, 0); err != nil {
			if !errors.Is(err, engine.ErrEmptyPlan) {
				return err
			}
			a.log.Info("no courses need studying; engine is idle")
		}
	} else {
		a.log.Info("no courses configured; engine is idle")
	}

	a.notif.Start(runCtx)
	a.report.Start(runCtx)
	a.pprof.Start(runCtx)

	// Debug trace of bus traffic. Components subscribe themselves; this
	// loop only exists so an operator can see event flow at debug level.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type))
			}
		}
	})

	// Hot-reload fan-out.
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyReload(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started",
		logx.String("executor", a.executorMode),
		logx.Int("courses", len(a.courses)),
		logx.Bool("notifier", a.notif.Enabled()),
		logx.Bool("report", a.report.Enabled()),
		logx.Bool("pprof", a.pprof.Enabled()),
	)
	return nil
}

// applyReload pushes a validated config into the running services.
func (a *App) applyReload(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	for _, s := range sections {
		switch s {
		case "storage":
			a.log.Warn("storage config changed; restart required for changes to take effect")
		case "executor":
			a.log.Warn("executor config changed; restart required for changes to take effect")
		case "telegram":
			if tokenChanged(oldCfg, newCfg) {
				a.log.Warn("telegram token changed; restart required for changes to take effect")
			}
		}
	}

	a.logs.Apply(mapLoggingConfig(newCfg))

	if engCfg, err := mapEngineConfig(newCfg); err != nil {
		a.log.Warn("invalid engine config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(ctx, engCfg)
	}

	// New courses extend the plan; the engine skips the ones it already has.
	if newCourses, err := mapCourses(newCfg); err != nil {
		a.log.Warn("invalid courses config; keeping previous", logx.Err(err))
	} else if len(newCourses) > 0 && !reflect.DeepEqual(a.courses, newCourses) {
		a.courses = newCourses
		if _, _, err := a.engine.CreatePlan(newCourses, 0); err != nil {
			if !errors.Is(err, engine.ErrEmptyPlan) {
				a.log.Warn("plan rebuild failed", logx.Err(err))
			}
		}
	} else {
		a.courses = newCourses
	}

	if ncfg, err := mapNotifierConfig(newCfg); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		if ncfg.Enabled && a.sender == nil {
			a.log.Warn("notifier enabled but telegram is not configured; notifications stay disabled")
			ncfg.Enabled = false
		}
		prevEnabled := a.notif.Enabled()
		a.notif.Apply(ncfg)
		if prevEnabled && !ncfg.Enabled {
			a.log.Info("notifier disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		} else if !prevEnabled && ncfg.Enabled {
			a.log.Info("notifier enabled via config")
			a.notif.Start(ctx)
		}
	}

	if rcfg, err := mapReportConfig(newCfg); err != nil {
		a.log.Warn("invalid report config; keeping previous", logx.Err(err))
	} else {
		a.report.Apply(rcfg)
	}

	if pcfg, err := mapPprofConfig(newCfg); err != nil {
		a.log.Warn("invalid pprof config; keeping previous", logx.Err(err))
	} else {
		a.pprof.Apply(ctx, pcfg)
	}

	a.log.Info("config reloaded", fields...)
}

func tokenChanged(oldCfg, newCfg *config.Config) bool {
	var o, n string
	if oldCfg != nil && oldCfg.Telegram != nil {
		o = oldCfg.Telegram.Token
	}
	if newCfg != nil && newCfg.Telegram != nil {
		n = newCfg.Telegram.Token
	}
	return o != n
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// step runs one shutdown stage with an upper bound so a single
	// component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// Respect the caller's deadline; never extend it.
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
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
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			// fn must honor stepCtx; if it doesn't, record the leak when it
			// eventually finishes.
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", time.Since(start)))
				}
			}()
		}
	}

	// Order: stop producing (report cron, engine), then let the bridges
	// drain (recorder, notifier), then final snapshot and teardown.
	step("report", 2*time.Second, func(c context.Context) error { a.report.Stop(c); return nil })
	step("engine", 5*time.Second, func(c context.Context) error { return a.engine.Stop(c) })
	step("recorder", time.Second, func(c context.Context) error { a.recorder.Stop(c); return nil })
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	if a.report.Enabled() {
		// One last snapshot so the status file shows the resting state.
		step("report.write", time.Second, func(context.Context) error { return a.report.WriteNow() })
	}
	step("pprof", time.Second, func(c context.Context) error { a.pprof.Stop(c); return nil })
	if a.sender != nil {
		step("telegram", time.Second, func(c context.Context) error { return a.sender.Close(c) })
	}
	if a.store != nil {
		step("storage", time.Second, func(context.Context) error { return a.store.Close() })
	}
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
