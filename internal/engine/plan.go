package engine

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/huahua9185/auto-study-advanced-sub001/internal/eventbus"
	logx "github.com/huahua9185/auto-study-advanced-sub001/pkg/logx"
)

// PlanSnapshot describes the most recent study plan.
type PlanSnapshot struct {
	ID          string      `json:"id"`
	CreatedAt   time.Time   `json:"created_at"`
	TargetHours float64     `json:"target_hours"`
	Courses     []CourseRef `json:"courses"`

	// TotalRemaining is the estimated watch time of the plan at creation.
	TotalRemaining time.Duration `json:"total_remaining"`

	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// PrioritizeCourse maps a course onto a queue tier: nearly-done courses
// first (quick wins free up portal slots), then the mandatory curriculum,
// then electives by how much is already watched.
func PrioritizeCourse(c CourseRef) Priority {
	switch {
	case c.Progress >= 80:
		return PriorityUrgent
	case c.Type == CourseRequired:
		return PriorityHigh
	case c.Progress >= 50:
		return PriorityNormal
	default:
		return PriorityLow
	}
}

// SelectCourses picks courses for a plan, greedily filling the time budget
// in priority order. Courses with nothing left to watch are skipped; a
// course that doesn't fit is passed over in favor of later, shorter ones.
// If any course has work left, the result is never empty even when the
// first candidate alone exceeds the budget.
func SelectCourses(courses []CourseRef, budget time.Duration) []CourseRef {
	cands := make([]CourseRef, 0, len(courses))
	for _, c := range courses {
		if strings.TrimSpace(c.ID) == "" {
			continue
		}
		if c.remainingAt(c.Progress) <= 0 {
			continue
		}
		cands = append(cands, c)
	}
	sort.SliceStable(cands, func(i, k int) bool {
		return PrioritizeCourse(cands[i]) < PrioritizeCourse(cands[k])
	})

	var out []CourseRef
	var used time.Duration
	for _, c := range cands {
		rem := c.remainingAt(c.Progress)
		if len(out) > 0 && used+rem > budget {
			continue
		}
		out = append(out, c)
		used += rem
	}
	return out
}

// CreatePlan selects courses against the daily target, enqueues them with
// automatic prioritization, and records the plan. targetHours <= 0 uses
// the configured default. Courses that already have active jobs are
// skipped by the enqueue, so re-running a plan is harmless.
func (s *Service) CreatePlan(courses []CourseRef, targetHours float64) (PlanSnapshot, []JobSnapshot, error) {
	s.mu.Lock()
	if targetHours <= 0 {
		targetHours = s.cfg.DailyTargetHours
	}
	s.mu.Unlock()

	budget := time.Duration(targetHours * float64(time.Hour))
	selected := SelectCourses(courses, budget)
	if len(selected) == 0 {
		return PlanSnapshot{}, nil, ErrEmptyPlan
	}

	plan := PlanSnapshot{
		ID:          uuid.NewString(),
		CreatedAt:   time.Now(),
		TargetHours: targetHours,
		Courses:     selected,
	}
	for _, c := range selected {
		plan.TotalRemaining += c.remainingAt(c.Progress)
	}

	added, err := s.AddJobs(selected, true)
	if err != nil {
		return PlanSnapshot{}, added, err
	}

	s.jmu.Lock()
	p := plan
	s.plan = &p
	s.planDone = false
	s.jmu.Unlock()

	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: "plan.created", Data: plan})
	}
	s.log.Info("plan created",
		logx.String("plan", plan.ID),
		logx.Int("courses", len(selected)),
		logx.Int("jobs", len(added)),
		logx.Float64("target_hours", targetHours),
		logx.Duration("remaining", plan.TotalRemaining),
	)
	return plan, added, nil
}

// Plan returns the most recent plan, if any.
func (s *Service) Plan() (PlanSnapshot, bool) {
	s.jmu.Lock()
	defer s.jmu.Unlock()
	if s.plan == nil {
		return PlanSnapshot{}, false
	}
	return *s.plan, true
}
