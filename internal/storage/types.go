package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// DefaultBusyTimeout is the sqlite busy_timeout used when Config leaves it zero.
const DefaultBusyTimeout = time.Second

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (append-only jsonl)
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	Retention   time.Duration // drop run records older than this; 0 keeps everything
}

// RunRecord records one terminal outcome of a learning job. Failures that
// will be retried are recorded too, one row per attempt; Final marks the
// ones the retry supervisor gave up on.
// Keep it compact and schema-stable.
type RunRecord struct {
	At          time.Time `json:"at"`
	JobID       string    `json:"job_id"`
	CourseID    string    `json:"course_id"`
	CourseTitle string    `json:"course_title,omitempty"`
	CourseType  string    `json:"course_type"`
	Priority    int       `json:"priority"`
	Status      string    `json:"status"`
	Progress    float64   `json:"progress"`
	Retries     int       `json:"retries"`
	TookMS      int64     `json:"took_ms"`
	Final       bool      `json:"final,omitempty"`
	Error       string    `json:"error,omitempty"`
}
