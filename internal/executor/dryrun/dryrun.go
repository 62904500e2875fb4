// Package dryrun simulates course playback. It is the default executor so
// the daemon is runnable (and testable) without portal credentials.
package dryrun

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/huahua9185/auto-study-advanced-sub001/internal/engine"
	logx "github.com/huahua9185/auto-study-advanced-sub001/pkg/logx"
)

type Config struct {
	// Tick is the simulated playback heartbeat.
	Tick time.Duration

	// ProgressPerTick is how many percent each tick advances.
	ProgressPerTick float64

	// FailCourseIDs lists courses whose playback fails mid-run, for
	// exercising the retry path end to end.
	FailCourseIDs []string
}

func (c Config) withDefaults() Config {
	if c.Tick <= 0 {
		c.Tick = 200 * time.Millisecond
	}
	if c.ProgressPerTick <= 0 {
		c.ProgressPerTick = 20
	}
	return c
}

type Executor struct {
	cfg  Config
	log  logx.Logger
	fail map[string]bool
}

func New(cfg Config, log logx.Logger) *Executor {
	cfg = cfg.withDefaults()
	fail := make(map[string]bool, len(cfg.FailCourseIDs))
	for _, id := range cfg.FailCourseIDs {
		if id = strings.TrimSpace(id); id != "" {
			fail[id] = true
		}
	}
	return &Executor{cfg: cfg, log: log, fail: fail}
}

// Factory adapts New to the engine's executor factory.
func Factory(cfg Config, log logx.Logger) engine.Factory {
	return func() (engine.Executor, error) { return New(cfg, log), nil }
}

func (e *Executor) Prepare(ctx context.Context) error {
	e.log.Debug("dryrun session ready")
	return nil
}

func (e *Executor) Eligible(ctx context.Context, job engine.JobSnapshot) (bool, error) {
	return job.Progress < 100, nil
}

func (e *Executor) Run(ctx context.Context, job engine.JobSnapshot, report func(progress float64)) error {
	progress := job.Progress
	tick := time.NewTicker(e.cfg.Tick)
	defer tick.Stop()

	for progress < 100 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
		progress += e.cfg.ProgressPerTick
		if progress > 100 {
			progress = 100
		}
		report(progress)
		if e.fail[job.Course.ID] && progress >= 50 {
			return errors.New("simulated playback failure")
		}
	}

	e.log.Debug("dryrun playback finished",
		logx.String("course", job.Course.ID),
		logx.Float64("progress", progress),
	)
	return nil
}
