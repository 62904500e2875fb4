package config

import (
	"reflect"
	"sort"
	"strings"

	logx "github.com/huahua9185/auto-study-advanced-sub001/pkg/logx"
)

// SummarizeChange returns a compact list of changed sections plus safe
// structured attrs for logging. Secrets (telegram token, portal password,
// pprof token) never appear in the attrs, only whether they are set.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	// Logging
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Engine
	if !reflect.DeepEqual(oldCfg.Engine, newCfg.Engine) {
		changed = append(changed, "engine")
		attrs = append(attrs,
			logx.Int("engine.workers", newCfg.Engine.Workers),
			logx.Int("engine.retry_max", newCfg.Engine.RetryMax),
			logx.String("engine.retry_cooldown", strings.TrimSpace(newCfg.Engine.RetryCooldown)),
			logx.String("engine.monitor_interval", strings.TrimSpace(newCfg.Engine.MonitorInterval)),
			logx.Float64("engine.daily_target_hours", newCfg.Engine.DailyTargetHours),
		)
	}

	// Executor (never log the portal password)
	if executorChanged(oldCfg.Executor, newCfg.Executor) {
		changed = append(changed, "executor")
		attrs = append(attrs,
			logx.String("executor.mode", strings.TrimSpace(newCfg.Executor.Mode)),
			logx.Bool("executor.webapi_set", newCfg.Executor.WebAPI != nil),
		)
		if w := newCfg.Executor.WebAPI; w != nil {
			attrs = append(attrs,
				logx.String("executor.webapi.base_url", strings.TrimSpace(w.BaseURL)),
				logx.Bool("executor.webapi.password_set", strings.TrimSpace(w.Password) != ""),
			)
		}
	}

	// Courses
	if !reflect.DeepEqual(oldCfg.Courses, newCfg.Courses) {
		changed = append(changed, "courses")
		attrs = append(attrs, logx.Int("courses.count", len(newCfg.Courses)))
	}

	// Telegram (never log the token)
	oTG := derefTelegram(oldCfg.Telegram)
	nTG := derefTelegram(newCfg.Telegram)
	if oTG != nTG {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_set", strings.TrimSpace(nTG.Token) != ""),
			logx.Bool("telegram.chat_set", nTG.ChatID != 0),
		)
	}

	// Notifier. The section may be omitted; compare against runtime defaults
	// so "added an explicit section equal to the defaults" is not a change.
	defN := NotifierConfig{
		Enabled:         true,
		Workers:         2,
		QueueSize:       512,
		RatePerSec:      3,
		RetryMax:        3,
		RetryBase:       "500ms",
		RetryMaxDelay:   "10s",
		DedupWindow:     "1m",
		DedupMaxEntries: 2000,
	}
	oldN, newN := defN, defN
	if oldCfg.Notifier != nil {
		oldN = *oldCfg.Notifier
	}
	if newCfg.Notifier != nil {
		newN = *newCfg.Notifier
	}
	if !reflect.DeepEqual(oldN, newN) {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", newN.Enabled),
			logx.Int("notifier.workers", newN.Workers),
			logx.Int("notifier.rate_per_sec", newN.RatePerSec),
		)
	}

	// Storage (nil means disabled)
	oldS, newS := StorageConfig{}, StorageConfig{}
	if oldCfg.Storage != nil {
		oldS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		newS = *newCfg.Storage
	}
	if !reflect.DeepEqual(oldS, newS) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newS.Path) != ""),
			logx.String("storage.retention", strings.TrimSpace(newS.Retention)),
		)
	}

	// Report
	if !reflect.DeepEqual(oldCfg.Report, newCfg.Report) {
		changed = append(changed, "report")
		attrs = append(attrs,
			logx.Bool("report.enabled", newCfg.Report.Enabled),
			logx.String("report.interval", strings.TrimSpace(newCfg.Report.Interval)),
			logx.String("report.daily_cron", strings.TrimSpace(newCfg.Report.DailyCron)),
		)
	}

	// Pprof (never log the token)
	if pprofChanged(oldCfg.Pprof, newCfg.Pprof) {
		changed = append(changed, "pprof")
		attrs = append(attrs,
			logx.Bool("pprof.enabled", newCfg.Pprof.Enabled),
			logx.String("pprof.addr", strings.TrimSpace(newCfg.Pprof.Addr)),
			logx.Bool("pprof.token_set", strings.TrimSpace(newCfg.Pprof.Token) != ""),
			logx.Bool("pprof.allow_insecure", newCfg.Pprof.AllowInsecure),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func executorChanged(a, b ExecutorConfig) bool {
	if strings.TrimSpace(a.Mode) != strings.TrimSpace(b.Mode) {
		return true
	}
	if (a.WebAPI == nil) != (b.WebAPI == nil) {
		return true
	}
	if a.WebAPI != nil && *a.WebAPI != *b.WebAPI {
		return true
	}
	if (a.DryRun == nil) != (b.DryRun == nil) {
		return true
	}
	if a.DryRun != nil && !reflect.DeepEqual(*a.DryRun, *b.DryRun) {
		return true
	}
	return false
}

func derefTelegram(t *TelegramConfig) TelegramConfig {
	if t == nil {
		return TelegramConfig{}
	}
	return *t
}

func pprofChanged(a, b PprofConfig) bool {
	// Token compared by presence only would hide a rotation, so compare the
	// value; it still never reaches the log attrs.
	return a != b
}
