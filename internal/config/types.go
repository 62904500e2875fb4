package config

type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Engine controls the study engine (queue, workers, retry, monitor).
	Engine EngineConfig `json:"engine"`

	// Executor selects and configures the course executor backend.
	Executor ExecutorConfig `json:"executor"`

	// Courses is the curriculum the daemon studies. The engine builds a
	// study plan from it at startup; adding courses via hot-reload extends
	// the plan (already-known courses are skipped).
	Courses []CourseConfig `json:"courses,omitempty"`

	// Telegram carries bot credentials for the notifier transport.
	// Omit the section to disable Telegram notifications entirely.
	Telegram *TelegramConfig `json:"telegram,omitempty"`

	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Storage  *StorageConfig  `json:"storage,omitempty"`
	Report   ReportConfig    `json:"report"`
	Pprof    PprofConfig     `json:"pprof,omitempty"`
}

// CourseConfig describes one course on the study portal.
type CourseConfig struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`

	// Type is "required" or "elective" (default "elective"). Required
	// courses are prioritized ahead of electives.
	Type string `json:"type,omitempty"`

	// Progress is the percent already watched (0-100).
	Progress float64 `json:"progress,omitempty"`

	// DurationMinutes is the full course length, used for plan estimates.
	DurationMinutes int `json:"duration_minutes,omitempty"`
}

// EngineConfig controls the study engine.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - workers: 3 (hard cap 5; the study portal throttles beyond that)
//   - retry_max: 3
//   - retry_cooldown: "30s"
//   - retry_poll: "10s"
//   - monitor_interval: "30s"
//   - pop_timeout: "2s"
//   - run_timeout: "0s" (disabled)
//   - daily_target_hours: 2
type EngineConfig struct {
	Workers  int `json:"workers,omitempty"`
	RetryMax int `json:"retry_max,omitempty"`

	// RetryCooldown is the minimum time a failed job rests before it becomes
	// eligible for requeue.
	RetryCooldown string `json:"retry_cooldown,omitempty"`

	// RetryPoll is how often the retry supervisor scans for eligible jobs.
	RetryPoll string `json:"retry_poll,omitempty"`

	// MonitorInterval is how often the engine emits a progress report.
	MonitorInterval string `json:"monitor_interval,omitempty"`

	// PopTimeout bounds how long an idle worker blocks on the queue before
	// re-checking for shutdown.
	PopTimeout string `json:"pop_timeout,omitempty"`

	// RunTimeout bounds a single job execution. Use "0s" to disable.
	RunTimeout string `json:"run_timeout,omitempty"`

	// DailyTargetHours sizes the default study plan.
	DailyTargetHours float64 `json:"daily_target_hours,omitempty"`
}

// ExecutorConfig selects the backend that actually plays courses.
//
// Mode is "dryrun" (default; simulated progress, no network) or "webapi"
// (drives the study portal's HTTP API).
type ExecutorConfig struct {
	Mode   string        `json:"mode,omitempty"`
	WebAPI *WebAPIConfig `json:"webapi,omitempty"`
	DryRun *DryRunConfig `json:"dryrun,omitempty"`
}

// WebAPIConfig drives the study portal over HTTP.
//
// Defaults (when fields are omitted/zero):
//   - rate_per_sec: 2, burst: 1
//   - timeout: "30s"
//   - heartbeat: "5s"
type WebAPIConfig struct {
	BaseURL  string `json:"base_url"`
	Username string `json:"username"`
	Password string `json:"password"` // do not log

	// RatePerSec throttles portal requests across all workers.
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	Burst      int     `json:"burst,omitempty"`

	// Timeout is the per-request HTTP timeout.
	Timeout string `json:"timeout,omitempty"`

	// Heartbeat is the interval between watch-progress polls while a
	// course is playing.
	Heartbeat string `json:"heartbeat,omitempty"`

	InsecureSkipVerify bool `json:"insecure_skip_verify,omitempty"`
}

// DryRunConfig simulates course playback for local testing.
//
// Defaults: tick "200ms", progress_per_tick 20.
type DryRunConfig struct {
	Tick            string  `json:"tick,omitempty"`
	ProgressPerTick float64 `json:"progress_per_tick,omitempty"`

	// FailCourseIDs lists course IDs whose jobs should fail (for exercising
	// the retry path end to end).
	FailCourseIDs []string `json:"fail_course_ids,omitempty"`
}

// NotifierConfig controls the async notification pipeline.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// If the whole section is omitted, the notifier defaults to enabled=true.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
}

// StorageConfig controls the run-history persistence layer.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./autostudy_store" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)

	// Retention drops run records older than this at open (and, for
	// sqlite, periodically). Empty or "0s" keeps everything.
	Retention string `json:"retention,omitempty"`
}

// ReportConfig controls the status snapshot file and the daily summary.
//
// Defaults: path "./autostudy_status.json", interval "1m",
// daily_cron "0 21 * * *".
type ReportConfig struct {
	Enabled   bool   `json:"enabled"`
	Path      string `json:"path,omitempty"`
	Interval  string `json:"interval,omitempty"`
	DailyCron string `json:"daily_cron,omitempty"`
	Timezone  string `json:"timezone,omitempty"`
}

// PprofConfig controls the optional pprof HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`   // default: "127.0.0.1:6060"
	Prefix        string `json:"prefix,omitempty"` // default: "/debug/pprof/"
	Token         string `json:"token,omitempty"`  // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Server timeouts (Go duration strings). WriteTimeout defaults to 0 (disabled)
	// so /profile (which can take 30s+) works reliably.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

type TelegramConfig struct {
	Token    string `json:"token"`
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}
