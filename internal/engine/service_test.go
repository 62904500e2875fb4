package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/huahua9185/auto-study-advanced-sub001/internal/eventbus"
	logx "github.com/huahua9185/auto-study-advanced-sub001/pkg/logx"
)

// fakeBackend records executor activity shared across pooled instances.
type fakeBackend struct {
	mu         sync.Mutex
	prepares   int
	closes     int
	prepareErr error
	eligibleFn func(job JobSnapshot) (bool, error)
	runFn      func(ctx context.Context, job JobSnapshot, report func(float64)) error

	running map[string]int
	runs    map[string]int
	overlap bool
}

func (b *fakeBackend) factory() (Executor, error) { return &fakeExec{b: b}, nil }

func (b *fakeBackend) setRun(fn func(ctx context.Context, job JobSnapshot, report func(float64)) error) {
	b.mu.Lock()
	b.runFn = fn
	b.mu.Unlock()
}

func (b *fakeBackend) setPrepareErr(err error) {
	b.mu.Lock()
	b.prepareErr = err
	b.mu.Unlock()
}

func (b *fakeBackend) runCount(id string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.runs[id]
}

func (b *fakeBackend) totals() (prepares, closes int, overlap bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.prepares, b.closes, b.overlap
}

type fakeExec struct{ b *fakeBackend }

func (e *fakeExec) Prepare(ctx context.Context) error {
	e.b.mu.Lock()
	e.b.prepares++
	err := e.b.prepareErr
	e.b.mu.Unlock()
	return err
}

func (e *fakeExec) Eligible(ctx context.Context, j JobSnapshot) (bool, error) {
	e.b.mu.Lock()
	fn := e.b.eligibleFn
	e.b.mu.Unlock()
	if fn != nil {
		return fn(j)
	}
	return true, nil
}

func (e *fakeExec) Run(ctx context.Context, j JobSnapshot, report func(progress float64)) error {
	b := e.b
	b.mu.Lock()
	if b.running == nil {
		b.running = make(map[string]int)
	}
	if b.runs == nil {
		b.runs = make(map[string]int)
	}
	b.running[j.ID]++
	if b.running[j.ID] > 1 {
		b.overlap = true
	}
	b.runs[j.ID]++
	fn := b.runFn
	b.mu.Unlock()

	var err error
	if fn != nil {
		err = fn(ctx, j, report)
	}

	b.mu.Lock()
	b.running[j.ID]--
	b.mu.Unlock()
	return err
}

func (e *fakeExec) Close() error {
	e.b.mu.Lock()
	e.b.closes++
	e.b.mu.Unlock()
	return nil
}

// quietConfig keeps the retry and monitor loops out of the way so tests
// drive them by hand.
func quietConfig() Config {
	return Config{
		Workers:         2,
		RetryMax:        2,
		RetryCooldown:   time.Hour,
		RetryPoll:       time.Hour,
		MonitorInterval: time.Hour,
		PopTimeout:      20 * time.Millisecond,
	}
}

func newTestService(cfg Config, b *fakeBackend) *Service {
	var f Factory
	if b != nil {
		f = b.factory
	}
	return New(cfg, f, logx.Nop(), eventbus.New())
}

func waitUntil(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out after %v waiting for %s", d, what)
}

func waitStatus(t *testing.T, s *Service, id string, want Status) JobSnapshot {
	t.Helper()
	var snap JobSnapshot
	waitUntil(t, 5*time.Second, fmt.Sprintf("job %s to reach %s", id, want), func() bool {
		got, err := s.JobStatus(id)
		if err != nil {
			return false
		}
		snap = got
		return got.Status == want
	})
	return snap
}

func mustStop(t *testing.T, s *Service) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func elective(id string, progress float64) CourseRef {
	return CourseRef{ID: id, Title: id, Type: CourseElective, Progress: progress, DurationMinutes: 30}
}

func TestAddJobValidation(t *testing.T) {
	t.Parallel()
	s := newTestService(quietConfig(), &fakeBackend{})

	if _, err := s.AddJob(CourseRef{ID: "  "}, PriorityNormal); !errors.Is(err, ErrInvalidCourse) {
		t.Fatalf("AddJob(blank id) error = %v, want ErrInvalidCourse", err)
	}
	if _, err := s.AddJob(elective("c1", 0), Priority(0)); !errors.Is(err, ErrInvalidPriority) {
		t.Fatalf("AddJob(priority 0) error = %v, want ErrInvalidPriority", err)
	}
	if _, err := s.AddJob(elective("c1", 0), Priority(5)); !errors.Is(err, ErrInvalidPriority) {
		t.Fatalf("AddJob(priority 5) error = %v, want ErrInvalidPriority", err)
	}

	first, err := s.AddJob(elective("c1", 0), PriorityNormal)
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	if first.Status != StatusPending || first.AssignedWorker != -1 {
		t.Fatalf("new job = %+v, want pending and unassigned", first)
	}

	if _, err := s.AddJob(elective("c1", 0), PriorityUrgent); !errors.Is(err, ErrDuplicateCourse) {
		t.Fatalf("duplicate AddJob error = %v, want ErrDuplicateCourse", err)
	}

	// Once the active job is terminal the course can be queued again.
	if err := s.CancelJob(first.ID); err != nil {
		t.Fatalf("CancelJob: %v", err)
	}
	if _, err := s.AddJob(elective("c1", 0), PriorityNormal); err != nil {
		t.Fatalf("AddJob after cancel: %v", err)
	}
}

func TestAddJobClampsProgress(t *testing.T) {
	t.Parallel()
	s := newTestService(quietConfig(), &fakeBackend{})

	snap, err := s.AddJob(elective("over", 130), PriorityNormal)
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	if snap.Progress != 100 {
		t.Fatalf("Progress = %v, want clamped to 100", snap.Progress)
	}
	snap, err = s.AddJob(elective("under", -10), PriorityNormal)
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	if snap.Progress != 0 {
		t.Fatalf("Progress = %v, want clamped to 0", snap.Progress)
	}
}

func TestAddJobsAutoPrioritize(t *testing.T) {
	t.Parallel()
	s := newTestService(quietConfig(), &fakeBackend{})

	courses := []CourseRef{
		{ID: "r85", Type: CourseRequired, Progress: 85, DurationMinutes: 30},
		{ID: "r40", Type: CourseRequired, Progress: 40, DurationMinutes: 30},
		{ID: "e95", Type: CourseElective, Progress: 95, DurationMinutes: 30},
		{ID: "e60", Type: CourseElective, Progress: 60, DurationMinutes: 30},
		{ID: "e10", Type: CourseElective, Progress: 10, DurationMinutes: 30},
	}
	added, err := s.AddJobs(courses, true)
	if err != nil {
		t.Fatalf("AddJobs: %v", err)
	}
	if len(added) != 5 {
		t.Fatalf("added %d jobs, want 5", len(added))
	}

	want := map[string]Priority{
		"r85": PriorityUrgent,
		"r40": PriorityHigh,
		"e95": PriorityUrgent,
		"e60": PriorityNormal,
		"e10": PriorityLow,
	}
	for _, snap := range added {
		if snap.Priority != want[snap.Course.ID] {
			t.Fatalf("course %s priority = %v, want %v", snap.Course.ID, snap.Priority, want[snap.Course.ID])
		}
	}

	// Duplicates are skipped, not fatal.
	again, err := s.AddJobs(courses[:2], true)
	if err != nil {
		t.Fatalf("AddJobs duplicates: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("re-adding queued courses added %d jobs, want 0", len(again))
	}
}

func TestStartStopLifecycle(t *testing.T) {
	t.Parallel()
	s := newTestService(quietConfig(), &fakeBackend{})
	ctx := context.Background()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Start(ctx); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("second Start error = %v, want ErrAlreadyStarted", err)
	}
	mustStop(t, s)
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop when stopped: %v", err)
	}
	if err := s.Start(ctx); err != nil {
		t.Fatalf("restart: %v", err)
	}
	mustStop(t, s)
}

func TestStartWithoutFactory(t *testing.T) {
	t.Parallel()
	s := newTestService(quietConfig(), nil)
	if err := s.Start(context.Background()); !errors.Is(err, ErrNoExecutor) {
		t.Fatalf("Start error = %v, want ErrNoExecutor", err)
	}
}

func TestApplyRestartsPoolOnWorkerChange(t *testing.T) {
	t.Parallel()
	s := newTestService(quietConfig(), &fakeBackend{})
	ctx := context.Background()

	cfg := quietConfig()
	cfg.Workers = 1
	s.Apply(ctx, cfg)
	if s.Started() {
		t.Fatal("Apply started a stopped engine")
	}

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer mustStop(t, s)
	if got := s.Status().Workers; got != 1 {
		t.Fatalf("workers = %d, want 1", got)
	}

	s.Apply(ctx, cfg)
	if !s.Started() {
		t.Fatal("Apply with unchanged workers stopped the engine")
	}

	cfg.Workers = 2
	s.Apply(ctx, cfg)
	if !s.Started() {
		t.Fatal("Apply did not bring the pool back after a worker change")
	}
	if got := s.Status().Workers; got != 2 {
		t.Fatalf("workers after restart = %d, want 2", got)
	}
}

func TestRunJobsToCompletion(t *testing.T) {
	t.Parallel()
	b := &fakeBackend{}
	b.setRun(func(ctx context.Context, j JobSnapshot, report func(float64)) error {
		report(50)
		report(100)
		return nil
	})
	s := newTestService(quietConfig(), b)

	done := make(chan JobSnapshot, 8)
	s.OnJobCompleted(func(j JobSnapshot) { done <- j })

	var ids []string
	for i := 0; i < 5; i++ {
		snap, err := s.AddJob(elective(fmt.Sprintf("course-%d", i), 0), PriorityNormal)
		if err != nil {
			t.Fatalf("AddJob: %v", err)
		}
		ids = append(ids, snap.ID)
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for i := 0; i < 5; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatalf("completed %d of 5 jobs before timeout", i)
		}
	}

	for _, id := range ids {
		snap := waitStatus(t, s, id, StatusCompleted)
		if snap.Progress != 100 {
			t.Fatalf("job %s progress = %v, want 100", id, snap.Progress)
		}
		if snap.AssignedWorker != -1 || snap.EndedAt == nil {
			t.Fatalf("completed job %s = %+v, want released and stamped", id, snap)
		}
	}

	st := s.Status()
	if st.Completed != 5 || st.Pending != 0 || st.Running != 0 || st.Total != 5 {
		t.Fatalf("stats = %+v, want 5 completed", st)
	}
	if st.Progress != 100 {
		t.Fatalf("overall progress = %v, want 100", st.Progress)
	}

	prepares, _, _ := b.totals()
	if prepares < 1 || prepares > 2 {
		t.Fatalf("prepares = %d, want one per worker session (1..2)", prepares)
	}
	mustStop(t, s)
}

func TestDispatchFollowsTiersWithSingleWorker(t *testing.T) {
	t.Parallel()
	b := &fakeBackend{}
	var (
		orderMu sync.Mutex
		order   []string
	)
	b.setRun(func(ctx context.Context, j JobSnapshot, report func(float64)) error {
		orderMu.Lock()
		order = append(order, j.Course.ID)
		orderMu.Unlock()
		report(100)
		return nil
	})
	cfg := quietConfig()
	cfg.Workers = 1
	s := newTestService(cfg, b)

	done := make(chan struct{}, 8)
	s.OnJobCompleted(func(JobSnapshot) { done <- struct{}{} })

	// Least urgent first, so submission order and dispatch order disagree
	// everywhere except inside the urgent tier.
	courses := []CourseRef{
		{ID: "e10", Type: CourseElective, Progress: 10, DurationMinutes: 30},
		{ID: "e60", Type: CourseElective, Progress: 60, DurationMinutes: 30},
		{ID: "r40", Type: CourseRequired, Progress: 40, DurationMinutes: 30},
		{ID: "e95", Type: CourseElective, Progress: 95, DurationMinutes: 30},
		{ID: "r85", Type: CourseRequired, Progress: 85, DurationMinutes: 30},
	}
	if added, err := s.AddJobs(courses, true); err != nil || len(added) != 5 {
		t.Fatalf("AddJobs = %d jobs, err %v, want 5", len(added), err)
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for i := 0; i < 5; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatalf("completed %d of 5 jobs before timeout", i)
		}
	}
	mustStop(t, s)

	orderMu.Lock()
	got := strings.Join(order, ",")
	orderMu.Unlock()
	if want := "e95,r85,r40,e60,e10"; got != want {
		t.Fatalf("dispatch order = %s, want %s", got, want)
	}
}

func TestAtMostOneWorkerPerJob(t *testing.T) {
	t.Parallel()
	b := &fakeBackend{}
	b.setRun(func(ctx context.Context, j JobSnapshot, report func(float64)) error {
		time.Sleep(3 * time.Millisecond)
		return nil
	})
	cfg := quietConfig()
	cfg.Workers = MaxWorkers
	s := newTestService(cfg, b)

	const n = 30
	for i := 0; i < n; i++ {
		if _, err := s.AddJob(elective(fmt.Sprintf("crs-%02d", i), float64(i%100)), Priority(i%4+1)); err != nil {
			t.Fatalf("AddJob: %v", err)
		}
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitUntil(t, 10*time.Second, "all jobs to finish", func() bool {
		st := s.Status()
		return st.Completed == n
	})
	mustStop(t, s)

	_, _, overlap := b.totals()
	if overlap {
		t.Fatal("a job was run by two workers at once")
	}
	for _, snap := range s.Jobs() {
		if got := b.runCount(snap.ID); got != 1 {
			t.Fatalf("job %s ran %d times, want 1", snap.ID, got)
		}
	}
}

func TestEligibleFalseCompletesWithoutRun(t *testing.T) {
	t.Parallel()
	b := &fakeBackend{eligibleFn: func(j JobSnapshot) (bool, error) { return false, nil }}
	s := newTestService(quietConfig(), b)

	snap, err := s.AddJob(elective("watched", 40), PriorityNormal)
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	got := waitStatus(t, s, snap.ID, StatusCompleted)
	mustStop(t, s)

	if got.Progress != 100 {
		t.Fatalf("progress = %v, want 100", got.Progress)
	}
	if runs := b.runCount(snap.ID); runs != 0 {
		t.Fatalf("Run called %d times for ineligible course, want 0", runs)
	}
}

func TestCancelPendingIdempotent(t *testing.T) {
	t.Parallel()
	s := newTestService(quietConfig(), &fakeBackend{})

	snap, err := s.AddJob(elective("c1", 0), PriorityNormal)
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	if err := s.CancelJob(snap.ID); err != nil {
		t.Fatalf("CancelJob: %v", err)
	}
	first, err := s.JobStatus(snap.ID)
	if err != nil || first.Status != StatusCancelled || first.EndedAt == nil {
		t.Fatalf("after cancel: %+v (err %v), want cancelled and stamped", first, err)
	}

	if err := s.CancelJob(snap.ID); err != nil {
		t.Fatalf("second CancelJob: %v", err)
	}
	second, _ := s.JobStatus(snap.ID)
	if second.Status != StatusCancelled || !second.EndedAt.Equal(*first.EndedAt) {
		t.Fatalf("second cancel changed the job: %+v vs %+v", second, first)
	}

	if err := s.CancelJob("no-such-job"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("CancelJob(unknown) error = %v, want ErrJobNotFound", err)
	}
}

func TestCancelRunningJob(t *testing.T) {
	t.Parallel()
	b := &fakeBackend{}
	b.setRun(func(ctx context.Context, j JobSnapshot, report func(float64)) error {
		<-ctx.Done()
		return ctx.Err()
	})
	s := newTestService(quietConfig(), b)

	snap, err := s.AddJob(elective("c1", 0), PriorityNormal)
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitStatus(t, s, snap.ID, StatusRunning)

	if err := s.CancelJob(snap.ID); err != nil {
		t.Fatalf("CancelJob: %v", err)
	}
	got := waitStatus(t, s, snap.ID, StatusCancelled)
	if got.RetryCount != 0 {
		t.Fatalf("cancelled job retryCount = %d, want 0", got.RetryCount)
	}

	// Still idempotent after the fact, and never retried.
	if err := s.CancelJob(snap.ID); err != nil {
		t.Fatalf("CancelJob again: %v", err)
	}
	if n := s.requeueEligibleRetries(time.Now().Add(48 * time.Hour)); n != 0 {
		t.Fatalf("requeued %d cancelled jobs, want 0", n)
	}
	mustStop(t, s)
}

func TestCancelledWhileQueuedNeverRuns(t *testing.T) {
	t.Parallel()
	b := &fakeBackend{}
	s := newTestService(quietConfig(), b)

	victim, err := s.AddJob(elective("victim", 0), PriorityUrgent)
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	if err := s.CancelJob(victim.ID); err != nil {
		t.Fatalf("CancelJob: %v", err)
	}
	other, err := s.AddJob(elective("other", 0), PriorityLow)
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitStatus(t, s, other.ID, StatusCompleted)
	mustStop(t, s)

	if got, _ := s.JobStatus(victim.ID); got.Status != StatusCancelled {
		t.Fatalf("victim status = %v, want cancelled", got.Status)
	}
	if runs := b.runCount(victim.ID); runs != 0 {
		t.Fatalf("cancelled job ran %d times, want 0", runs)
	}
}

func TestRetryBoundAndCooldown(t *testing.T) {
	t.Parallel()
	b := &fakeBackend{}
	b.setRun(func(ctx context.Context, j JobSnapshot, report func(float64)) error {
		return errors.New("portal hiccup")
	})
	s := newTestService(quietConfig(), b) // RetryMax 2, cooldown 1h, manual scans

	snap, err := s.AddJob(elective("flaky", 0), PriorityUrgent)
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	got := waitStatus(t, s, snap.ID, StatusFailed)
	if got.RetryCount != 0 {
		t.Fatalf("retryCount after first failure = %d, want 0", got.RetryCount)
	}
	if !strings.Contains(got.LastError, "portal hiccup") {
		t.Fatalf("LastError = %q, want the run error", got.LastError)
	}

	// Cooldown not elapsed: the scan must leave the job alone.
	if n := s.requeueEligibleRetries(time.Now()); n != 0 {
		t.Fatalf("requeued %d jobs inside cooldown, want 0", n)
	}

	for want := 1; want <= 2; want++ {
		if n := s.requeueEligibleRetries(time.Now().Add(2 * time.Hour)); n != 1 {
			t.Fatalf("requeued %d jobs, want 1", n)
		}
		waitUntil(t, 5*time.Second, "retry to fail again", func() bool {
			g, err := s.JobStatus(snap.ID)
			return err == nil && g.Status == StatusFailed && g.RetryCount == want
		})
		g, _ := s.JobStatus(snap.ID)
		if g.Priority != PriorityUrgent {
			t.Fatalf("retry changed priority to %v, want urgent kept", g.Priority)
		}
	}

	// Retry budget exhausted.
	if n := s.requeueEligibleRetries(time.Now().Add(48 * time.Hour)); n != 0 {
		t.Fatalf("requeued %d jobs past the retry budget, want 0", n)
	}
	if got := b.runCount(snap.ID); got != 3 {
		t.Fatalf("job ran %d times, want 3 (first attempt + 2 retries)", got)
	}
	mustStop(t, s)
}

func TestNoRetryFailureIsFinal(t *testing.T) {
	t.Parallel()
	b := &fakeBackend{}
	b.setRun(func(ctx context.Context, j JobSnapshot, report func(float64)) error {
		return NoRetry(errors.New("course delisted"))
	})
	s := newTestService(quietConfig(), b)

	snap, err := s.AddJob(elective("gone", 0), PriorityNormal)
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitStatus(t, s, snap.ID, StatusFailed)
	mustStop(t, s)

	if n := s.requeueEligibleRetries(time.Now().Add(48 * time.Hour)); n != 0 {
		t.Fatalf("requeued %d no-retry jobs, want 0", n)
	}
	if got := b.runCount(snap.ID); got != 1 {
		t.Fatalf("job ran %d times, want 1", got)
	}
}

func TestRunTimeoutFailsJob(t *testing.T) {
	t.Parallel()
	b := &fakeBackend{}
	b.setRun(func(ctx context.Context, j JobSnapshot, report func(float64)) error {
		<-ctx.Done()
		return ctx.Err()
	})
	cfg := quietConfig()
	cfg.RunTimeout = 30 * time.Millisecond
	s := newTestService(cfg, b)

	snap, err := s.AddJob(elective("slow", 0), PriorityNormal)
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	got := waitStatus(t, s, snap.ID, StatusFailed)
	mustStop(t, s)

	if !strings.Contains(got.LastError, "timed out") {
		t.Fatalf("LastError = %q, want a timeout failure", got.LastError)
	}
}

func TestShutdownRequeuesRunningJob(t *testing.T) {
	t.Parallel()
	b := &fakeBackend{}
	b.setRun(func(ctx context.Context, j JobSnapshot, report func(float64)) error {
		report(30)
		<-ctx.Done()
		return ctx.Err()
	})
	cfg := quietConfig()
	cfg.Workers = 1
	s := newTestService(cfg, b)

	snap, err := s.AddJob(elective("c1", 0), PriorityHigh)
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitStatus(t, s, snap.ID, StatusRunning)
	mustStop(t, s)

	got, err := s.JobStatus(snap.ID)
	if err != nil {
		t.Fatalf("JobStatus: %v", err)
	}
	if got.Status != StatusPending {
		t.Fatalf("status after shutdown = %v, want pending", got.Status)
	}
	if got.RetryCount != 0 {
		t.Fatalf("shutdown charged a retry: retryCount = %d", got.RetryCount)
	}
	if got.Progress != 30 {
		t.Fatalf("progress lost on requeue: %v, want 30", got.Progress)
	}

	// A restart picks the job up where it left off.
	b.setRun(func(ctx context.Context, j JobSnapshot, report func(float64)) error {
		return nil
	})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	waitStatus(t, s, snap.ID, StatusCompleted)
	mustStop(t, s)
}

func TestPrepareFailureFailsOnlyCurrentJob(t *testing.T) {
	t.Parallel()
	b := &fakeBackend{}
	b.setPrepareErr(errors.New("login rejected"))
	cfg := quietConfig()
	cfg.Workers = 1
	s := newTestService(cfg, b)

	snap, err := s.AddJob(elective("c1", 0), PriorityNormal)
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	got := waitStatus(t, s, snap.ID, StatusFailed)
	if !strings.Contains(got.LastError, "prepare") {
		t.Fatalf("LastError = %q, want a prepare failure", got.LastError)
	}

	// Backend recovers; the next job gets a fresh, working session.
	b.setPrepareErr(nil)
	next, err := s.AddJob(elective("c2", 0), PriorityNormal)
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	waitStatus(t, s, next.ID, StatusCompleted)
	mustStop(t, s)

	prepares, closes, _ := b.totals()
	if prepares < 2 {
		t.Fatalf("prepares = %d, want the broken session replaced", prepares)
	}
	if closes < 1 {
		t.Fatalf("closes = %d, want the broken session closed", closes)
	}
}

func TestExecutorPanicFailsJobWithoutKillingWorker(t *testing.T) {
	t.Parallel()
	b := &fakeBackend{}
	var once sync.Once
	b.setRun(func(ctx context.Context, j JobSnapshot, report func(float64)) error {
		var boom bool
		once.Do(func() { boom = true })
		if boom {
			panic("player crashed")
		}
		return nil
	})
	cfg := quietConfig()
	cfg.Workers = 1
	s := newTestService(cfg, b)

	first, err := s.AddJob(elective("c1", 0), PriorityUrgent)
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	second, err := s.AddJob(elective("c2", 0), PriorityLow)
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	got := waitStatus(t, s, first.ID, StatusFailed)
	if !strings.Contains(got.LastError, "panic") {
		t.Fatalf("LastError = %q, want panic failure", got.LastError)
	}
	waitStatus(t, s, second.ID, StatusCompleted)
	mustStop(t, s)
}

func TestCallbackPanicIsSwallowed(t *testing.T) {
	t.Parallel()
	b := &fakeBackend{}
	s := newTestService(quietConfig(), b)

	done := make(chan string, 8)
	s.OnJobCompleted(func(j JobSnapshot) { panic("bad subscriber") })
	s.OnJobCompleted(func(j JobSnapshot) { done <- j.Course.ID })

	if _, err := s.AddJob(elective("c1", 0), PriorityNormal); err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	if _, err := s.AddJob(elective("c2", 0), PriorityNormal); err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case id := <-done:
			seen[id] = true
		case <-time.After(5 * time.Second):
			t.Fatal("completion callback after a panicking one never fired")
		}
	}
	if !seen["c1"] || !seen["c2"] {
		t.Fatalf("callbacks fired for %v, want both courses", seen)
	}
	mustStop(t, s)
}

func TestStatusCountsAlwaysSum(t *testing.T) {
	t.Parallel()
	b := &fakeBackend{}
	b.setRun(func(ctx context.Context, j JobSnapshot, report func(float64)) error {
		time.Sleep(time.Millisecond)
		if strings.HasPrefix(j.Course.ID, "bad") {
			return NoRetry(errors.New("broken course"))
		}
		return nil
	})
	cfg := quietConfig()
	cfg.Workers = 4
	s := newTestService(cfg, b)

	const n = 40
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("ok-%02d", i)
		if i%5 == 0 {
			id = fmt.Sprintf("bad-%02d", i)
		}
		if _, err := s.AddJob(elective(id, 0), Priority(i%4+1)); err != nil {
			t.Fatalf("AddJob: %v", err)
		}
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(10 * time.Second)
	for {
		st := s.Status()
		if sum := st.Pending + st.Running + st.Completed + st.Failed + st.Cancelled; sum != st.Total {
			t.Fatalf("counts sum to %d, total is %d: %+v", sum, st.Total, st)
		}
		if st.Total == n && st.Pending == 0 && st.Running == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("jobs did not settle: %+v", st)
		}
		time.Sleep(time.Millisecond)
	}
	mustStop(t, s)

	st := s.Status()
	if st.Completed != 32 || st.Failed != 8 {
		t.Fatalf("final stats = %+v, want 32 completed and 8 failed", st)
	}
}

func TestEventualTermination(t *testing.T) {
	t.Parallel()
	b := &fakeBackend{}
	b.setRun(func(ctx context.Context, j JobSnapshot, report func(float64)) error {
		if strings.HasPrefix(j.Course.ID, "fail") {
			return errors.New("always down")
		}
		report(100)
		return nil
	})
	cfg := Config{
		Workers:         3,
		RetryMax:        1,
		RetryCooldown:   time.Millisecond,
		RetryPoll:       10 * time.Millisecond,
		MonitorInterval: time.Hour,
		PopTimeout:      10 * time.Millisecond,
	}
	s := newTestService(cfg, b)

	for i := 0; i < 6; i++ {
		id := fmt.Sprintf("ok-%d", i)
		if i%2 == 0 {
			id = fmt.Sprintf("fail-%d", i)
		}
		if _, err := s.AddJob(elective(id, 0), PriorityNormal); err != nil {
			t.Fatalf("AddJob: %v", err)
		}
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// With a finite retry budget every job must reach a terminal state.
	waitUntil(t, 10*time.Second, "all jobs to settle", func() bool {
		st := s.Status()
		return st.Pending == 0 && st.Running == 0 && st.Completed == 3 && st.Failed == 3
	})
	mustStop(t, s)

	for _, snap := range s.Jobs() {
		if snap.Status != StatusFailed {
			continue
		}
		if snap.RetryCount != 1 {
			t.Fatalf("failed job %s retryCount = %d, want full budget of 1", snap.Course.ID, snap.RetryCount)
		}
	}
}

func TestPlanCompletionFiresOnceAndRearms(t *testing.T) {
	t.Parallel()
	b := &fakeBackend{}
	s := newTestService(quietConfig(), b)

	var mu sync.Mutex
	fired := 0
	s.OnPlanCompleted(func(st Stats) {
		mu.Lock()
		fired++
		mu.Unlock()
	})

	plan, added, err := s.CreatePlan([]CourseRef{
		{ID: "p1", Type: CourseRequired, Progress: 0, DurationMinutes: 10},
		{ID: "p2", Type: CourseElective, Progress: 90, DurationMinutes: 10},
	}, 4)
	if err != nil {
		t.Fatalf("CreatePlan: %v", err)
	}
	if len(added) != 2 || len(plan.Courses) != 2 {
		t.Fatalf("plan added %d jobs over %d courses, want 2 and 2", len(added), len(plan.Courses))
	}

	// Nothing has completed yet: the monitor must stay quiet.
	s.checkPlanCompleted()
	mu.Lock()
	if fired != 0 {
		mu.Unlock()
		t.Fatalf("plan completion fired with %d pending jobs", len(added))
	}
	mu.Unlock()

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitUntil(t, 5*time.Second, "plan jobs to finish", func() bool {
		st := s.Status()
		return st.Completed == 2 && st.Pending == 0 && st.Running == 0
	})

	s.checkPlanCompleted()
	s.checkPlanCompleted() // latched: must not fire twice
	mu.Lock()
	if fired != 1 {
		mu.Unlock()
		t.Fatalf("plan completion fired %d times, want exactly 1", fired)
	}
	mu.Unlock()

	if got, ok := s.Plan(); !ok || got.CompletedAt == nil {
		t.Fatalf("plan = %+v (ok=%v), want completion stamped", got, ok)
	}

	// New work re-arms the edge.
	snap, err := s.AddJob(elective("p3", 0), PriorityNormal)
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	waitStatus(t, s, snap.ID, StatusCompleted)
	s.checkPlanCompleted()
	mu.Lock()
	if fired != 2 {
		mu.Unlock()
		t.Fatalf("plan completion fired %d times after new work, want 2", fired)
	}
	mu.Unlock()
	mustStop(t, s)
}

func TestCreatePlanEmptySelection(t *testing.T) {
	t.Parallel()
	s := newTestService(quietConfig(), &fakeBackend{})
	_, _, err := s.CreatePlan([]CourseRef{
		{ID: "done", Type: CourseRequired, Progress: 100, DurationMinutes: 60},
	}, 2)
	if !errors.Is(err, ErrEmptyPlan) {
		t.Fatalf("CreatePlan error = %v, want ErrEmptyPlan", err)
	}
}

func TestClearTerminalJobs(t *testing.T) {
	t.Parallel()
	s := newTestService(quietConfig(), &fakeBackend{})

	keep, err := s.AddJob(elective("keep", 0), PriorityNormal)
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	gone, err := s.AddJob(elective("gone", 0), PriorityNormal)
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	if err := s.CancelJob(gone.ID); err != nil {
		t.Fatalf("CancelJob: %v", err)
	}

	if n := s.ClearTerminalJobs(); n != 1 {
		t.Fatalf("ClearTerminalJobs = %d, want 1", n)
	}
	if _, err := s.JobStatus(gone.ID); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("cleared job lookup error = %v, want ErrJobNotFound", err)
	}
	if _, err := s.JobStatus(keep.ID); err != nil {
		t.Fatalf("pending job was cleared: %v", err)
	}

	// The cleared course can be queued again.
	if _, err := s.AddJob(elective("gone", 0), PriorityNormal); err != nil {
		t.Fatalf("AddJob after clear: %v", err)
	}
	if n := s.ClearTerminalJobs(); n != 0 {
		t.Fatalf("second ClearTerminalJobs = %d, want 0", n)
	}
}

func TestJobsReturnsInsertionOrder(t *testing.T) {
	t.Parallel()
	s := newTestService(quietConfig(), &fakeBackend{})
	for i := 0; i < 4; i++ {
		if _, err := s.AddJob(elective(fmt.Sprintf("c%d", i), 0), Priority(4-i)); err != nil {
			t.Fatalf("AddJob: %v", err)
		}
	}
	jobs := s.Jobs()
	if len(jobs) != 4 {
		t.Fatalf("Jobs() returned %d, want 4", len(jobs))
	}
	for i, snap := range jobs {
		if want := fmt.Sprintf("c%d", i); snap.Course.ID != want {
			t.Fatalf("Jobs()[%d] = %s, want %s", i, snap.Course.ID, want)
		}
	}
}
