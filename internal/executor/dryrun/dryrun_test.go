package dryrun

import (
	"context"
	"testing"
	"time"

	"github.com/huahua9185/auto-study-advanced-sub001/internal/engine"
	logx "github.com/huahua9185/auto-study-advanced-sub001/pkg/logx"
)

func testJob(courseID string, progress float64) engine.JobSnapshot {
	return engine.JobSnapshot{
		ID:     "job-1",
		Course: engine.CourseRef{ID: courseID, Type: engine.CourseElective, Progress: progress, DurationMinutes: 30},
	}
}

func TestRunAdvancesToCompletion(t *testing.T) {
	t.Parallel()
	e := New(Config{Tick: time.Millisecond, ProgressPerTick: 50}, logx.Nop())

	var reports []float64
	err := e.Run(context.Background(), testJob("c1", 0), func(p float64) {
		reports = append(reports, p)
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(reports) != 2 || reports[0] != 50 || reports[1] != 100 {
		t.Fatalf("reports = %v, want [50 100]", reports)
	}
}

func TestRunResumesFromExistingProgress(t *testing.T) {
	t.Parallel()
	e := New(Config{Tick: time.Millisecond, ProgressPerTick: 30}, logx.Nop())

	var last float64
	err := e.Run(context.Background(), testJob("c1", 80), func(p float64) { last = p })
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if last != 100 {
		t.Fatalf("final progress = %v, want 100", last)
	}
}

func TestRunFailsConfiguredCourses(t *testing.T) {
	t.Parallel()
	e := New(Config{Tick: time.Millisecond, ProgressPerTick: 25, FailCourseIDs: []string{"bad", " "}}, logx.Nop())

	var last float64
	err := e.Run(context.Background(), testJob("bad", 0), func(p float64) { last = p })
	if err == nil {
		t.Fatal("Run succeeded for a fail-listed course")
	}
	if last < 50 || last >= 100 {
		t.Fatalf("failure progress = %v, want mid-run (50..99)", last)
	}

	if err := e.Run(context.Background(), testJob("good", 0), func(float64) {}); err != nil {
		t.Fatalf("Run for unlisted course: %v", err)
	}
}

func TestRunHonorsContext(t *testing.T) {
	t.Parallel()
	e := New(Config{Tick: time.Hour}, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- e.Run(ctx, testJob("c1", 0), func(float64) {}) }()
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("Run error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestEligible(t *testing.T) {
	t.Parallel()
	e := New(Config{}, logx.Nop())
	if ok, err := e.Eligible(context.Background(), testJob("c1", 40)); err != nil || !ok {
		t.Fatalf("Eligible(40%%) = %v, %v; want true", ok, err)
	}
	if ok, err := e.Eligible(context.Background(), testJob("c1", 100)); err != nil || ok {
		t.Fatalf("Eligible(100%%) = %v, %v; want false", ok, err)
	}
}

func TestFactoryProducesWorkingExecutor(t *testing.T) {
	t.Parallel()
	f := Factory(Config{Tick: time.Millisecond, ProgressPerTick: 100}, logx.Nop())
	e, err := f()
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	if err := e.Prepare(context.Background()); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if err := e.Run(context.Background(), testJob("c1", 0), func(float64) {}); err != nil {
		t.Fatalf("Run: %v", err)
	}
}
