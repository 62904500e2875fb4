// Package engine executes study jobs.
//
// It owns a four-tier priority queue feeding a small worker pool, a retry
// supervisor that rescues failed jobs after a cooldown, and a monitor loop
// that reports overall plan progress. Executors (the code that actually
// plays courses) are injected via a Factory; see internal/executor.
package engine
