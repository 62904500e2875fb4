package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/huahua9185/auto-study-advanced-sub001/internal/eventbus"
	rtsup "github.com/huahua9185/auto-study-advanced-sub001/internal/runtime/supervisor"
	logx "github.com/huahua9185/auto-study-advanced-sub001/pkg/logx"
)

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	factory Factory

	// q outlives Start/Stop cycles: jobs queued while stopped are picked
	// up by the next start.
	q *priorityQueue

	// jmu guards the job table, insertion order, plan, and planDone.
	jmu      sync.Mutex
	jobs     map[string]*job
	order    []string
	plan     *PlanSnapshot
	planDone bool

	cbMu        sync.Mutex
	onCompleted []func(JobSnapshot)
	onFailed    []func(JobSnapshot)
	onProgress  []func(Stats)
	onPlanDone  []func(Stats)

	// Runtime state, valid between Start and the end of Stop.
	pool     *executorPool
	workers  []*workerStat
	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}
}

func New(cfg Config, factory Factory, log logx.Logger, bus eventbus.Bus) *Service {
	return &Service{
		cfg:     cfg.withDefaults(),
		factory: factory,
		log:     log,
		bus:     bus,
		q:       newPriorityQueue(),
		jobs:    make(map[string]*job),
	}
}

// Supervisor returns the engine's internal supervisor (nil if not started).
// Used for operational visibility.
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	return sup
}

// Started reports whether the worker pool is currently running.
func (s *Service) Started() bool {
	s.mu.Lock()
	st := s.stopCh != nil && s.stopDone == nil
	s.mu.Unlock()
	return st
}

// Start launches workers, the retry supervisor, and the monitor.
// A second Start without an intervening Stop returns ErrAlreadyStarted.
func (s *Service) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.factory == nil {
		s.mu.Unlock()
		return ErrNoExecutor
	}
	if s.stopDone != nil {
		s.mu.Unlock()
		return ErrStopping
	}
	if s.stopCh != nil {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	cfg := s.cfg
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh
	s.pool = newExecutorPool(s.factory, 2*cfg.Workers)
	pool := s.pool
	ws := make([]*workerStat, cfg.Workers)
	for i := range ws {
		ws[i] = &workerStat{index: i}
	}
	s.workers = ws
	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "engine"))),
		// Engine trouble should not hard-kill the daemon; workers self-heal.
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		idx := i
		name := fmt.Sprintf("worker.%d", idx)
		// Auto-restart workers if they panic or exit unexpectedly.
		sup.GoRestart(name, func(c context.Context) error {
			s.workerLoop(c, stopCh, pool, idx)
			return loopExit(c, stopCh, "worker")
		}, rtsup.WithPublishFirstError(true))
	}

	sup.GoRestart("retry", func(c context.Context) error {
		s.retryLoop(c, stopCh)
		return loopExit(c, stopCh, "retry supervisor")
	}, rtsup.WithPublishFirstError(true))

	sup.GoRestart("monitor", func(c context.Context) error {
		s.monitorLoop(c, stopCh)
		return loopExit(c, stopCh, "monitor")
	}, rtsup.WithPublishFirstError(true))

	s.log.Info("engine started",
		logx.Int("workers", cfg.Workers),
		logx.Int("queued", s.q.size()),
		logx.Int("retry_max", cfg.RetryMax),
		logx.Duration("retry_cooldown", cfg.RetryCooldown),
	)
	return nil
}

// loopExit classifies how a supervised loop came back: clean on shutdown,
// an error otherwise so GoRestart brings the loop up again.
func loopExit(ctx context.Context, stopCh <-chan struct{}, what string) error {
	select {
	case <-stopCh:
		return context.Canceled
	default:
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("%s exited unexpectedly", what)
}

// Stop winds down the worker pool. In-flight jobs get their context
// cancelled and are handed back to the queue as pending, so the next
// Start resumes them. Stop returns ctx.Err() if the drain outlives ctx,
// but the drain keeps finishing in the background either way.
func (s *Service) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return nil
	}
	if s.stopDone != nil {
		// Already stopping; wait alongside.
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	sup := s.sup
	pool := s.pool
	s.mu.Unlock()

	if sup != nil {
		sup.Cancel()
	}

	go func() {
		// Wait unbounded in background; caller can still time out.
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		if pool != nil {
			pool.closeIdle()
		}
		s.mu.Lock()
		s.stopCh = nil
		s.stopDone = nil
		s.sup = nil
		s.pool = nil
		s.workers = nil
		s.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("engine stopped")
		return nil
	case <-ctx.Done():
		s.log.Warn("engine stop timed out", logx.Any("err", ctx.Err()))
		return ctx.Err()
	}
}

// Apply swaps config at runtime. A worker-count change restarts the pool;
// everything else is picked up by the loops on their next tick.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.stopCh != nil && s.stopDone == nil
	s.mu.Unlock()

	if !running || prev.Workers == cfg.Workers {
		return
	}

	if err := s.Stop(ctx); err != nil {
		s.log.Warn("engine restart: stop failed", logx.Any("err", err))
		return
	}
	if err := s.Start(ctx); err != nil {
		s.log.Warn("engine restart: start failed", logx.Any("err", err))
	}
}

// AddJob enqueues one course at an explicit priority. Jobs can be added
// before Start; they wait in the queue.
func (s *Service) AddJob(course CourseRef, prio Priority) (JobSnapshot, error) {
	course.ID = strings.TrimSpace(course.ID)
	if course.ID == "" {
		return JobSnapshot{}, ErrInvalidCourse
	}
	if !prio.valid() {
		return JobSnapshot{}, ErrInvalidPriority
	}
	if course.Progress < 0 {
		course.Progress = 0
	} else if course.Progress > 100 {
		course.Progress = 100
	}

	s.mu.Lock()
	retryMax := s.cfg.RetryMax
	s.mu.Unlock()

	j := &job{
		id:             uuid.NewString(),
		course:         course,
		priority:       prio,
		status:         StatusPending,
		progress:       course.Progress,
		assignedWorker: -1,
		createdAt:      time.Now(),
	}

	s.jmu.Lock()
	for _, id := range s.order {
		if ex := s.jobs[id]; ex != nil && ex.course.ID == course.ID && jobActiveLocked(ex, retryMax) {
			s.jmu.Unlock()
			return JobSnapshot{}, ErrDuplicateCourse
		}
	}
	s.jobs[j.id] = j
	s.order = append(s.order, j.id)
	s.planDone = false // new work re-arms plan completion
	snap := j.snapshotLocked()
	s.jmu.Unlock()

	s.q.push(j)
	s.publish("job.added", snap)
	s.log.Debug("job added",
		logx.String("job", j.id),
		logx.String("course", course.ID),
		logx.String("priority", prio.String()),
	)
	return snap, nil
}

// jobActiveLocked reports whether the job still occupies its course:
// queued or running, or failed with retries left.
func jobActiveLocked(j *job, retryMax int) bool {
	switch j.status {
	case StatusPending, StatusRunning:
		return true
	case StatusFailed:
		return !j.noRetry && j.retryCount < retryMax
	default:
		return false
	}
}

// AddJobs enqueues a batch. With autoPrioritize, each course is mapped to
// a tier via PrioritizeCourse; otherwise everything lands on Normal.
// Duplicates and invalid courses are skipped (logged), not fatal.
func (s *Service) AddJobs(courses []CourseRef, autoPrioritize bool) ([]JobSnapshot, error) {
	added := make([]JobSnapshot, 0, len(courses))
	for _, c := range courses {
		prio := PriorityNormal
		if autoPrioritize {
			prio = PrioritizeCourse(c)
		}
		snap, err := s.AddJob(c, prio)
		if err != nil {
			if errors.Is(err, ErrDuplicateCourse) || errors.Is(err, ErrInvalidCourse) {
				s.log.Warn("job skipped", logx.String("course", c.ID), logx.Any("err", err))
				continue
			}
			return added, err
		}
		added = append(added, snap)
	}
	return added, nil
}

// CancelJob is idempotent. Pending jobs flip to cancelled immediately (the
// worker skips them at claim time); running jobs get their context
// cancelled and finalize as cancelled once the executor returns; terminal
// jobs are left untouched.
func (s *Service) CancelJob(id string) error {
	s.jmu.Lock()
	j := s.jobs[id]
	if j == nil {
		s.jmu.Unlock()
		return ErrJobNotFound
	}

	var snap JobSnapshot
	fire := false
	switch j.status {
	case StatusPending:
		now := time.Now()
		j.status = StatusCancelled
		j.endedAt = &now
		snap = j.snapshotLocked()
		fire = true
	case StatusRunning:
		if !j.cancelRequested {
			j.cancelRequested = true
			if j.cancel != nil {
				j.cancel()
			}
		}
		// The worker finalizes (and publishes job.cancelled) when Run returns.
	default:
		// Terminal; nothing to do.
	}
	s.jmu.Unlock()

	if fire {
		s.publish("job.cancelled", snap)
		s.log.Info("job cancelled", logx.String("job", id), logx.String("course", snap.Course.ID))
	}
	return nil
}

// JobStatus returns a snapshot of one job.
func (s *Service) JobStatus(id string) (JobSnapshot, error) {
	s.jmu.Lock()
	defer s.jmu.Unlock()
	j := s.jobs[id]
	if j == nil {
		return JobSnapshot{}, ErrJobNotFound
	}
	return j.snapshotLocked(), nil
}

// Jobs returns snapshots of all known jobs in insertion order.
func (s *Service) Jobs() []JobSnapshot {
	s.jmu.Lock()
	defer s.jmu.Unlock()
	out := make([]JobSnapshot, 0, len(s.order))
	for _, id := range s.order {
		if j := s.jobs[id]; j != nil {
			out = append(out, j.snapshotLocked())
		}
	}
	return out
}

// ClearTerminalJobs drops completed, failed, and cancelled jobs from the
// table and returns how many were removed. A failed job removed here will
// not be retried.
func (s *Service) ClearTerminalJobs() int {
	s.jmu.Lock()
	removed := 0
	ids := make([]string, 0, len(s.order))
	for _, id := range s.order {
		j := s.jobs[id]
		if j == nil {
			continue
		}
		if j.status.Terminal() {
			delete(s.jobs, id)
			removed++
			continue
		}
		ids = append(ids, id)
	}
	s.order = ids
	s.jmu.Unlock()

	if removed > 0 {
		s.log.Info("terminal jobs cleared", logx.Int("removed", removed))
	}
	return removed
}

// ---- Callbacks ----
//
// Callbacks run on engine goroutines; panics are logged and swallowed so a
// bad subscriber can't take down a worker.

func (s *Service) OnJobCompleted(fn func(JobSnapshot)) {
	if fn == nil {
		return
	}
	s.cbMu.Lock()
	s.onCompleted = append(s.onCompleted, fn)
	s.cbMu.Unlock()
}

func (s *Service) OnJobFailed(fn func(JobSnapshot)) {
	if fn == nil {
		return
	}
	s.cbMu.Lock()
	s.onFailed = append(s.onFailed, fn)
	s.cbMu.Unlock()
}

func (s *Service) OnProgressReport(fn func(Stats)) {
	if fn == nil {
		return
	}
	s.cbMu.Lock()
	s.onProgress = append(s.onProgress, fn)
	s.cbMu.Unlock()
}

func (s *Service) OnPlanCompleted(fn func(Stats)) {
	if fn == nil {
		return
	}
	s.cbMu.Lock()
	s.onPlanDone = append(s.onPlanDone, fn)
	s.cbMu.Unlock()
}

func (s *Service) jobCallbacks(which string, list []func(JobSnapshot), snap JobSnapshot) {
	for _, fn := range list {
		s.safeCallback(which, func() { fn(snap) })
	}
}

func (s *Service) statsCallbacks(which string, list []func(Stats), st Stats) {
	for _, fn := range list {
		s.safeCallback(which, func() { fn(st) })
	}
}

func (s *Service) safeCallback(which string, call func()) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("callback panicked",
				logx.String("callback", which),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())),
			)
		}
	}()
	call()
}

func (s *Service) publish(typ string, snap JobSnapshot) {
	s.publishEvent(typ, snap.event())
}

func (s *Service) publishEvent(typ string, ev JobEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}
