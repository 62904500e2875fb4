package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	logx "github.com/huahua9185/auto-study-advanced-sub001/pkg/logx"
)

// workerStat carries best-effort per-worker counters. It has its own lock
// so hot-path updates never touch the job table lock.
type workerStat struct {
	index int

	mu        sync.Mutex
	started   uint64
	completed uint64
	failed    uint64
	cancelled uint64
	busy      time.Duration
}

func (w *workerStat) snapshot() WorkerStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return WorkerStats{
		Index:         w.index,
		JobsStarted:   w.started,
		JobsCompleted: w.completed,
		JobsFailed:    w.failed,
		JobsCancelled: w.cancelled,
		Busy:          w.busy,
	}
}

func (w *workerStat) record(status Status, busy time.Duration) {
	w.mu.Lock()
	switch status {
	case StatusCompleted:
		w.completed++
	case StatusFailed:
		w.failed++
	case StatusCancelled:
		w.cancelled++
	}
	w.busy += busy
	w.mu.Unlock()
}

// session is a worker's hold on one pooled executor. Prepare runs at most
// once per instance; the prepared flag travels with it back into the pool.
type session struct {
	exec     Executor
	prepared bool
	broken   bool
}

// workerLoop pops jobs and runs them until stopCh closes. Each loop
// iteration claims at most one job; the claim is a single critical section
// on the job table, so two workers can never run the same job.
func (s *Service) workerLoop(ctx context.Context, stopCh <-chan struct{}, pool *executorPool, idx int) {
	log := s.log.With(logx.Int("worker", idx))

	var sess *session
	defer func() {
		if sess != nil {
			pool.release(sess.exec, sess.prepared, sess.broken)
		}
	}()

	var stat *workerStat
	s.mu.Lock()
	if idx < len(s.workers) {
		stat = s.workers[idx]
	}
	s.mu.Unlock()
	if stat == nil {
		stat = &workerStat{index: idx}
	}

	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		s.mu.Lock()
		cfg := s.cfg
		s.mu.Unlock()

		j := s.q.pop(cfg.PopTimeout, stopCh)
		if j == nil {
			continue
		}

		jobCtx, snap, ok := s.claim(ctx, j, idx)
		if !ok {
			// Stale queue entry (cancelled or cleared before we got here).
			continue
		}
		stat.mu.Lock()
		stat.started++
		stat.mu.Unlock()
		t0 := time.Now()
		log.Info("job started",
			logx.String("job", snap.ID),
			logx.String("course", snap.Course.ID),
			logx.String("priority", snap.Priority.String()),
			logx.Int("retry", snap.RetryCount),
		)
		s.publish("job.started", snap)

		if sess == nil {
			e, prepared, err := pool.acquire(ctx, stopCh)
			if err != nil {
				if errors.Is(err, ErrStopping) || ctx.Err() != nil {
					s.requeueInterrupted(j, log)
					return
				}
				s.finalize(cfg, j, stat, t0, StatusFailed, fmt.Errorf("executor: %w", err), log)
				continue
			}
			sess = &session{exec: e, prepared: prepared}
		}

		status, runErr := s.runJob(jobCtx, cfg, sess, j, snap)
		switch status {
		case StatusPending:
			// Shutdown interrupted the run; hand the job back untouched.
			s.requeueInterrupted(j, log)
			if sess.broken {
				pool.release(sess.exec, sess.prepared, true)
				sess = nil
			}
			return
		default:
			s.finalize(cfg, j, stat, t0, status, runErr, log)
		}
		if sess != nil && sess.broken {
			pool.release(sess.exec, sess.prepared, true)
			sess = nil
		}
	}
}

// claim moves a pending job to running. Returns ok=false if the job is no
// longer claimable (cancelled while queued). The returned context is
// cancelled by CancelJob and by worker shutdown.
func (s *Service) claim(parent context.Context, j *job, idx int) (context.Context, JobSnapshot, bool) {
	s.jmu.Lock()
	if j.status != StatusPending {
		s.jmu.Unlock()
		return nil, JobSnapshot{}, false
	}
	now := time.Now()
	j.status = StatusRunning
	j.startedAt = &now
	j.endedAt = nil
	j.assignedWorker = idx
	ctx, cancel := context.WithCancel(parent)
	j.cancel = cancel
	snap := j.snapshotLocked()
	s.jmu.Unlock()
	return ctx, snap, true
}

// runJob drives one claimed job through prepare, eligibility, and run.
// It returns the terminal status plus the error to record, or
// StatusPending when shutdown interrupted the run and the job should be
// requeued. Panics from the executor are converted into job failures and
// the session is marked broken.
func (s *Service) runJob(ctx context.Context, cfg Config, sess *session, j *job, snap JobSnapshot) (status Status, runErr error) {
	defer func() {
		if r := recover(); r != nil {
			sess.broken = true
			status = StatusFailed
			runErr = fmt.Errorf("executor panic: %v", r)
		}
	}()

	if !sess.prepared {
		if err := sess.exec.Prepare(ctx); err != nil {
			sess.broken = true
			if verdict := s.interrupted(ctx, j); verdict != "" {
				return s.interruptStatus(verdict), nil
			}
			return StatusFailed, fmt.Errorf("prepare: %w", err)
		}
		sess.prepared = true
	}

	eligible, err := sess.exec.Eligible(ctx, snap)
	if err != nil {
		if verdict := s.interrupted(ctx, j); verdict != "" {
			return s.interruptStatus(verdict), nil
		}
		return StatusFailed, fmt.Errorf("eligibility: %w", err)
	}
	if !eligible {
		// Nothing left to play; the job completes without a run.
		return StatusCompleted, nil
	}

	runCtx := ctx
	if cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, cfg.RunTimeout)
		defer cancel()
	}

	err = sess.exec.Run(runCtx, snap, func(progress float64) {
		s.recordProgress(j, progress)
	})
	if err == nil {
		return StatusCompleted, nil
	}
	if verdict := s.interrupted(ctx, j); verdict != "" {
		return s.interruptStatus(verdict), nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return StatusFailed, fmt.Errorf("run timed out after %s", cfg.RunTimeout)
	}
	return StatusFailed, err
}

// interrupted classifies why a job's context died mid-flight: "cancel" for
// an operator cancellation, "shutdown" for engine stop, "" for neither.
// Cancellation wins when both raced.
func (s *Service) interrupted(ctx context.Context, j *job) string {
	s.jmu.Lock()
	requested := j.cancelRequested
	s.jmu.Unlock()
	if requested {
		return "cancel"
	}
	if ctx.Err() != nil {
		return "shutdown"
	}
	return ""
}

func (s *Service) interruptStatus(verdict string) Status {
	if verdict == "cancel" {
		return StatusCancelled
	}
	return StatusPending
}

// recordProgress stores executor progress. Progress never moves backwards;
// portals occasionally report stale values right after a seek.
func (s *Service) recordProgress(j *job, progress float64) {
	if progress < 0 || progress != progress { // reject negatives and NaN
		return
	}
	if progress > 100 {
		progress = 100
	}
	s.jmu.Lock()
	if j.status == StatusRunning && progress > j.progress {
		j.progress = progress
	}
	s.jmu.Unlock()
}

// requeueInterrupted returns a running job to the queue as pending after a
// shutdown cut it off. The interruption does not count against retries and
// the job keeps its priority and progress.
func (s *Service) requeueInterrupted(j *job, log logx.Logger) {
	s.jmu.Lock()
	if j.status != StatusRunning {
		s.jmu.Unlock()
		return
	}
	j.status = StatusPending
	j.startedAt = nil
	j.assignedWorker = -1
	cancel := j.cancel
	j.cancel = nil
	s.planDone = false
	s.jmu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.q.push(j)
	log.Debug("job requeued after interrupt",
		logx.String("job", j.id),
		logx.String("course", j.course.ID),
	)
}

// finalize records a terminal status, publishes the lifecycle event, and
// fires the matching callbacks.
func (s *Service) finalize(cfg Config, j *job, stat *workerStat, t0 time.Time, status Status, runErr error, log logx.Logger) {
	s.jmu.Lock()
	now := time.Now()
	j.status = status
	j.endedAt = &now
	j.assignedWorker = -1
	cancel := j.cancel
	j.cancel = nil
	final := false
	switch status {
	case StatusCompleted:
		j.progress = 100
		j.lastError = ""
	case StatusFailed:
		if runErr != nil {
			j.lastError = runErr.Error()
			if IsNoRetry(runErr) {
				j.noRetry = true
			}
		}
		final = j.noRetry || j.retryCount >= cfg.RetryMax
	}
	snap := j.snapshotLocked()
	s.jmu.Unlock()

	if cancel != nil {
		cancel()
	}
	stat.record(status, time.Since(t0))

	s.cbMu.Lock()
	completed := append([]func(JobSnapshot)(nil), s.onCompleted...)
	failed := append([]func(JobSnapshot)(nil), s.onFailed...)
	s.cbMu.Unlock()

	switch status {
	case StatusCompleted:
		s.publish("job.completed", snap)
		log.Info("job completed",
			logx.String("job", snap.ID),
			logx.String("course", snap.Course.ID),
			logx.Duration("took", time.Since(t0)),
		)
		s.jobCallbacks("job_completed", completed, snap)
	case StatusFailed:
		ev := snap.event()
		ev.Final = final
		s.publishEvent("job.failed", ev)
		log.Warn("job failed",
			logx.String("job", snap.ID),
			logx.String("course", snap.Course.ID),
			logx.Int("retry", snap.RetryCount),
			logx.Bool("final", final),
			logx.Any("err", runErr),
		)
		s.jobCallbacks("job_failed", failed, snap)
	case StatusCancelled:
		s.publish("job.cancelled", snap)
		log.Info("job cancelled",
			logx.String("job", snap.ID),
			logx.String("course", snap.Course.ID),
		)
	}
}
