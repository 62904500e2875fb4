package app

import (
	"fmt"
	"strings"

	"github.com/huahua9185/auto-study-advanced-sub001/internal/config"
	"github.com/huahua9185/auto-study-advanced-sub001/internal/engine"
	"github.com/huahua9185/auto-study-advanced-sub001/internal/executor/dryrun"
	"github.com/huahua9185/auto-study-advanced-sub001/internal/executor/webapi"
	"github.com/huahua9185/auto-study-advanced-sub001/internal/notifier"
	"github.com/huahua9185/auto-study-advanced-sub001/internal/pprof"
	"github.com/huahua9185/auto-study-advanced-sub001/internal/report"
	"github.com/huahua9185/auto-study-advanced-sub001/internal/storage"
	kit "github.com/huahua9185/auto-study-advanced-sub001/internal/transport"
	logx "github.com/huahua9185/auto-study-advanced-sub001/pkg/logx"
)

// The map functions translate the on-disk config into per-service configs.
// Each one parses and validates its section, so the config validator can
// reject a bad hot-reload by just calling them all.

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	ec := cfg.Engine
	cooldown, err := config.ParseDurationField("engine.retry_cooldown", ec.RetryCooldown)
	if err != nil {
		return engine.Config{}, err
	}
	poll, err := config.ParseDurationField("engine.retry_poll", ec.RetryPoll)
	if err != nil {
		return engine.Config{}, err
	}
	monitor, err := config.ParseDurationField("engine.monitor_interval", ec.MonitorInterval)
	if err != nil {
		return engine.Config{}, err
	}
	popTimeout, err := config.ParseDurationField("engine.pop_timeout", ec.PopTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	runTimeout, err := config.ParseDurationField("engine.run_timeout", ec.RunTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	if ec.DailyTargetHours < 0 {
		return engine.Config{}, fmt.Errorf("engine.daily_target_hours must be >= 0")
	}

	return engine.Config{
		Workers:          ec.Workers,
		RetryMax:         ec.RetryMax,
		RetryCooldown:    cooldown,
		RetryPoll:        poll,
		MonitorInterval:  monitor,
		PopTimeout:       popTimeout,
		RunTimeout:       runTimeout,
		DailyTargetHours: ec.DailyTargetHours,
	}, nil
}

// buildExecutorFactory selects the executor backend. The factory is fixed
// for the lifetime of the engine; executor config changes need a restart.
func buildExecutorFactory(cfg *config.Config, log logx.Logger) (engine.Factory, string, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Executor.Mode))
	if mode == "" {
		mode = "dryrun"
	}

	switch mode {
	case "dryrun":
		dc := config.DryRunConfig{}
		if cfg.Executor.DryRun != nil {
			dc = *cfg.Executor.DryRun
		}
		tick, err := config.ParseDurationField("executor.dryrun.tick", dc.Tick)
		if err != nil {
			return nil, "", err
		}
		return dryrun.Factory(dryrun.Config{
			Tick:            tick,
			ProgressPerTick: dc.ProgressPerTick,
			FailCourseIDs:   dc.FailCourseIDs,
		}, log.With(logx.String("comp", "dryrun"))), mode, nil

	case "webapi":
		if cfg.Executor.WebAPI == nil {
			return nil, "", fmt.Errorf("executor.webapi section is required when executor.mode=webapi")
		}
		wc := *cfg.Executor.WebAPI
		timeout, err := config.ParseDurationField("executor.webapi.timeout", wc.Timeout)
		if err != nil {
			return nil, "", err
		}
		heartbeat, err := config.ParseDurationField("executor.webapi.heartbeat", wc.Heartbeat)
		if err != nil {
			return nil, "", err
		}
		factory, err := webapi.Factory(webapi.Config{
			BaseURL:            wc.BaseURL,
			Username:           wc.Username,
			Password:           wc.Password,
			RatePerSec:         wc.RatePerSec,
			Burst:              wc.Burst,
			Timeout:            timeout,
			Heartbeat:          heartbeat,
			InsecureSkipVerify: wc.InsecureSkipVerify,
		}, log.With(logx.String("comp", "webapi")))
		if err != nil {
			return nil, "", err
		}
		return factory, mode, nil

	default:
		return nil, "", fmt.Errorf("unknown executor.mode: %s", cfg.Executor.Mode)
	}
}

func mapCourses(cfg *config.Config) ([]engine.CourseRef, error) {
	if len(cfg.Courses) == 0 {
		return nil, nil
	}
	out := make([]engine.CourseRef, 0, len(cfg.Courses))
	seen := make(map[string]bool, len(cfg.Courses))
	for i, cc := range cfg.Courses {
		id := strings.TrimSpace(cc.ID)
		if id == "" {
			return nil, fmt.Errorf("courses[%d]: id is required", i)
		}
		if seen[id] {
			return nil, fmt.Errorf("courses[%d]: duplicate id %q", i, id)
		}
		seen[id] = true

		var ct engine.CourseType
		switch strings.ToLower(strings.TrimSpace(cc.Type)) {
		case "", "elective":
			ct = engine.CourseElective
		case "required":
			ct = engine.CourseRequired
		default:
			return nil, fmt.Errorf("courses[%d]: type must be \"required\" or \"elective\", got %q", i, cc.Type)
		}
		if cc.Progress < 0 || cc.Progress > 100 {
			return nil, fmt.Errorf("courses[%d]: progress must be 0-100, got %v", i, cc.Progress)
		}
		if cc.DurationMinutes < 0 {
			return nil, fmt.Errorf("courses[%d]: duration_minutes must be >= 0", i)
		}

		out = append(out, engine.CourseRef{
			ID:              id,
			Title:           strings.TrimSpace(cc.Title),
			Type:            ct,
			Progress:        cc.Progress,
			DurationMinutes: cc.DurationMinutes,
		})
	}
	return out, nil
}

// mapNotifierConfig builds the notifier config. An omitted notifier section
// means enabled with defaults; the chat target comes from the telegram
// section either way.
func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	out := notifier.Config{Enabled: true}

	if nc := cfg.Notifier; nc != nil {
		retryBase, err := config.ParseDurationField("notifier.retry_base", nc.RetryBase)
		if err != nil {
			return notifier.Config{}, err
		}
		retryMaxDelay, err := config.ParseDurationField("notifier.retry_max_delay", nc.RetryMaxDelay)
		if err != nil {
			return notifier.Config{}, err
		}
		dedupWindow, err := config.ParseDurationField("notifier.dedup_window", nc.DedupWindow)
		if err != nil {
			return notifier.Config{}, err
		}
		if nc.Workers < 0 || nc.QueueSize < 0 || nc.RatePerSec < 0 || nc.RetryMax < 0 || nc.DedupMaxEntries < 0 {
			return notifier.Config{}, fmt.Errorf("notifier: counts must be >= 0")
		}
		out = notifier.Config{
			Enabled:         nc.Enabled,
			Workers:         nc.Workers,
			QueueSize:       nc.QueueSize,
			RatePerSec:      nc.RatePerSec,
			RetryMax:        nc.RetryMax,
			RetryBase:       retryBase,
			RetryMaxDelay:   retryMaxDelay,
			DedupWindow:     dedupWindow,
			DedupMaxEntries: nc.DedupMaxEntries,
		}
	}

	if tg := cfg.Telegram; tg != nil {
		out.Target = kit.ChatTarget{ChatID: tg.ChatID, ThreadID: tg.ThreadID}
	}
	return out, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	sc := cfg.Storage
	if sc == nil {
		return storage.Config{}, false, nil
	}
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	retention, err := config.ParseDurationField("storage.retention", sc.Retention)
	if err != nil {
		return storage.Config{}, false, err
	}

	switch driver {
	case "file":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=file")
		}
		return storage.Config{Driver: "file", Path: path, Retention: retention}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, storage.DefaultBusyTimeout)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy, Retention: retention}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapReportConfig(cfg *config.Config) (report.Config, error) {
	rc := cfg.Report
	interval, err := config.ParseDurationField("report.interval", rc.Interval)
	if err != nil {
		return report.Config{}, err
	}
	if _, err := config.ParseTimezoneField("report.timezone", rc.Timezone); err != nil {
		return report.Config{}, err
	}
	return report.Config{
		Enabled:   rc.Enabled,
		Path:      strings.TrimSpace(rc.Path),
		Interval:  interval,
		DailyCron: strings.TrimSpace(rc.DailyCron),
		Timezone:  strings.TrimSpace(rc.Timezone),
	}, nil
}

func mapPprofConfig(cfg *config.Config) (pprof.Config, error) {
	pc := cfg.Pprof
	readTimeout, err := config.ParseDurationField("pprof.read_timeout", pc.ReadTimeout)
	if err != nil {
		return pprof.Config{}, err
	}
	writeTimeout, err := config.ParseDurationField("pprof.write_timeout", pc.WriteTimeout)
	if err != nil {
		return pprof.Config{}, err
	}
	idleTimeout, err := config.ParseDurationField("pprof.idle_timeout", pc.IdleTimeout)
	if err != nil {
		return pprof.Config{}, err
	}
	return pprof.Config{
		Enabled:       pc.Enabled,
		Addr:          strings.TrimSpace(pc.Addr),
		Prefix:        strings.TrimSpace(pc.Prefix),
		Token:         pc.Token,
		AllowInsecure: pc.AllowInsecure,
		ReadTimeout:   readTimeout,
		WriteTimeout:  writeTimeout,
		IdleTimeout:   idleTimeout,
	}, nil
}

// validateConfig runs every section mapper, so a config that any service
// would reject never gets committed or published.
func validateConfig(cfg *config.Config, log logx.Logger) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if _, err := mapEngineConfig(cfg); err != nil {
		return err
	}
	if _, _, err := buildExecutorFactory(cfg, log); err != nil {
		return err
	}
	if _, err := mapCourses(cfg); err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapReportConfig(cfg); err != nil {
		return err
	}
	if _, err := mapPprofConfig(cfg); err != nil {
		return err
	}
	return nil
}
