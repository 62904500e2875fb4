package engine

import (
	"context"
	"time"
)

// MaxWorkers bounds the worker pool. The study portal throttles accounts
// with too many concurrent playback sessions, so more workers would only
// trade throughput for bans.
const MaxWorkers = 5

// Config controls the study engine.
//
// The app layer maps config.engine into this struct; zero values pick up
// the defaults below.
type Config struct {
	// Workers is the number of concurrent playback workers (capped at MaxWorkers).
	Workers int

	// RetryMax bounds retries per job. < 0 disables retries entirely.
	RetryMax int

	// RetryCooldown is the minimum rest between a failure and its requeue.
	RetryCooldown time.Duration

	// RetryPoll is how often the retry supervisor scans failed jobs.
	RetryPoll time.Duration

	// MonitorInterval is how often the monitor emits a progress report.
	MonitorInterval time.Duration

	// PopTimeout bounds how long an idle worker blocks on the queue before
	// re-checking for shutdown.
	PopTimeout time.Duration

	// RunTimeout bounds a single job execution. 0 disables the bound.
	RunTimeout time.Duration

	// DailyTargetHours sizes plans created without an explicit target.
	DailyTargetHours float64
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 3
	}
	if c.Workers > MaxWorkers {
		c.Workers = MaxWorkers
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	} else if c.RetryMax == 0 {
		c.RetryMax = 3
	}
	if c.RetryCooldown <= 0 {
		c.RetryCooldown = 30 * time.Second
	}
	if c.RetryPoll <= 0 {
		c.RetryPoll = 10 * time.Second
	}
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = 30 * time.Second
	}
	if c.PopTimeout <= 0 {
		c.PopTimeout = 2 * time.Second
	}
	if c.RunTimeout < 0 {
		c.RunTimeout = 0
	}
	if c.DailyTargetHours <= 0 {
		c.DailyTargetHours = 2
	}
	return c
}

// Priority is the queue tier of a job. Lower value = served first.
type Priority int

const (
	PriorityUrgent Priority = 1
	PriorityHigh   Priority = 2
	PriorityNormal Priority = 3
	PriorityLow    Priority = 4
)

const numPriorities = 4

func (p Priority) valid() bool { return p >= PriorityUrgent && p <= PriorityLow }

func (p Priority) String() string {
	switch p {
	case PriorityUrgent:
		return "urgent"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "invalid"
	}
}

// CourseType distinguishes mandatory curriculum from electives.
type CourseType string

const (
	CourseRequired CourseType = "required"
	CourseElective CourseType = "elective"
)

// CourseRef identifies a course on the study portal plus the attributes
// the engine needs for planning.
type CourseRef struct {
	ID    string     `json:"id"`
	Title string     `json:"title"`
	Type  CourseType `json:"type"`

	// Progress is the percent already watched when the job was created.
	Progress float64 `json:"progress"`

	// DurationMinutes is the full course length.
	DurationMinutes int `json:"duration_minutes"`
}

// remainingAt estimates the watch time left at the given progress.
func (c CourseRef) remainingAt(progress float64) time.Duration {
	if progress >= 100 {
		return 0
	}
	if progress < 0 {
		progress = 0
	}
	mins := float64(c.DurationMinutes) * (100 - progress) / 100
	return time.Duration(mins * float64(time.Minute))
}

// Status is the lifecycle state of a job.
//
// Transitions:
//
//	pending -> running -> completed | failed
//	pending | running  -> cancelled
//	failed  -> pending (retry supervisor only)
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether a job in this status is done from the
// operator's point of view (ClearTerminalJobs removes these).
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// job is the engine's mutable record. All fields are guarded by Service.jmu.
type job struct {
	id       string
	course   CourseRef
	priority Priority

	status          Status
	progress        float64
	retryCount      int
	lastError       string
	noRetry         bool
	cancelRequested bool
	cancel          context.CancelFunc

	assignedWorker int
	createdAt      time.Time
	startedAt      *time.Time
	endedAt        *time.Time
}

// snapshotLocked copies the job into an immutable view. Caller holds jmu.
func (j *job) snapshotLocked() JobSnapshot {
	snap := JobSnapshot{
		ID:                 j.id,
		Course:             j.course,
		Priority:           j.priority,
		Status:             j.status,
		Progress:           j.progress,
		RetryCount:         j.retryCount,
		LastError:          j.lastError,
		CancelRequested:    j.cancelRequested,
		AssignedWorker:     j.assignedWorker,
		CreatedAt:          j.createdAt,
		EstimatedRemaining: j.course.remainingAt(j.progress),
	}
	if j.startedAt != nil {
		t := *j.startedAt
		snap.StartedAt = &t
	}
	if j.endedAt != nil {
		t := *j.endedAt
		snap.EndedAt = &t
	}
	return snap
}

// JobSnapshot is a point-in-time copy of a job, safe to hold after the
// engine has moved on.
type JobSnapshot struct {
	ID       string    `json:"id"`
	Course   CourseRef `json:"course"`
	Priority Priority  `json:"priority"`
	Status   Status    `json:"status"`

	Progress        float64 `json:"progress"`
	RetryCount      int     `json:"retry_count"`
	LastError       string  `json:"last_error,omitempty"`
	CancelRequested bool    `json:"cancel_requested,omitempty"`

	// AssignedWorker is the worker index while running, -1 otherwise.
	AssignedWorker int `json:"assigned_worker"`

	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`

	// EstimatedRemaining is derived from course length and current progress.
	EstimatedRemaining time.Duration `json:"estimated_remaining"`
}

func (s JobSnapshot) event() JobEvent {
	ev := JobEvent{
		ID:          s.ID,
		CourseID:    s.Course.ID,
		CourseTitle: s.Course.Title,
		CourseType:  s.Course.Type,
		Priority:    s.Priority,
		Status:      s.Status,
		Progress:    s.Progress,
		RetryCount:  s.RetryCount,
		Worker:      s.AssignedWorker,
		Error:       s.LastError,
	}
	if s.StartedAt != nil && s.EndedAt != nil {
		ev.Duration = s.EndedAt.Sub(*s.StartedAt)
	}
	return ev
}

// JobEvent is the bus payload for job lifecycle events
// (job.added, job.started, job.completed, job.failed, job.cancelled, job.retry).
type JobEvent struct {
	ID          string        `json:"id"`
	CourseID    string        `json:"course_id"`
	CourseTitle string        `json:"course_title"`
	CourseType  CourseType    `json:"course_type"`
	Priority    Priority      `json:"priority"`
	Status      Status        `json:"status"`
	Progress    float64       `json:"progress"`
	RetryCount  int           `json:"retry_count"`
	Worker      int           `json:"worker"`
	Duration    time.Duration `json:"duration"`
	Error       string        `json:"error,omitempty"`

	// Final marks a failure the retry supervisor will not pick up again.
	Final bool `json:"final,omitempty"`
}

// Stats is the engine-level status view (also the engine.report payload).
//
// Counts are taken in one pass under the table lock, so
// Pending+Running+Completed+Failed+Cancelled always equals Total.
type Stats struct {
	Started  bool `json:"started"`
	Workers  int  `json:"workers"`
	QueueLen int  `json:"queue_len"`
	RetryMax int  `json:"retry_max"`

	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`

	// Progress is the mean progress over non-cancelled jobs.
	Progress float64 `json:"progress"`

	// EstimatedRemaining sums the remaining watch time of jobs that still
	// have work ahead of them (pending, running, failed-awaiting-retry).
	EstimatedRemaining time.Duration `json:"estimated_remaining"`

	Plan *PlanSnapshot `json:"plan,omitempty"`

	WorkerStats []WorkerStats `json:"worker_stats,omitempty"`
}

// WorkerStats are best-effort per-worker counters.
type WorkerStats struct {
	Index         int           `json:"index"`
	JobsStarted   uint64        `json:"jobs_started"`
	JobsCompleted uint64        `json:"jobs_completed"`
	JobsFailed    uint64        `json:"jobs_failed"`
	JobsCancelled uint64        `json:"jobs_cancelled"`
	Busy          time.Duration `json:"busy"`
}
