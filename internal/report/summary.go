package report

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	logx "github.com/huahua9185/auto-study-advanced-sub001/pkg/logx"
)

// Summary builds the daily report text from the last 24h of run history
// plus the live engine status. It returns "" when there is nothing worth
// saying (no runs and an empty job table), so an idle daemon stays silent.
func (s *Service) Summary(ctx context.Context, now time.Time) string {
	if s.engine == nil {
		return ""
	}
	st := s.engine.Status()

	completed, failedFinal, cancelled := 0, 0, 0
	var watched time.Duration
	var failures []string
	if s.store != nil {
		runs, err := s.store.RunsSince(ctx, now.Add(-24*time.Hour))
		if err != nil {
			s.log.Warn("daily summary: run history unavailable", logx.Any("err", err))
		}
		for _, r := range runs {
			switch r.Status {
			case "completed":
				completed++
				watched += time.Duration(r.TookMS) * time.Millisecond
			case "failed":
				if r.Final {
					failedFinal++
					title := r.CourseTitle
					if title == "" {
						title = r.CourseID
					}
					failures = append(failures, title)
				}
			case "cancelled":
				cancelled++
			}
		}
	}

	if completed == 0 && failedFinal == 0 && cancelled == 0 && st.Total == 0 {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Daily study report (%s)\n", now.Format("Mon, 02 Jan 2006"))
	fmt.Fprintf(&b, "Last 24h: %d completed, %d failed for good, %d cancelled\n", completed, failedFinal, cancelled)
	if watched > 0 {
		fmt.Fprintf(&b, "Watch time: %s\n", watched.Round(time.Minute))
	}
	if st.Total > 0 {
		fmt.Fprintf(&b, "Queue: %s%% done, %d pending, %d running", humanize.Ftoa(st.Progress), st.Pending, st.Running)
		if st.Plan != nil {
			fmt.Fprintf(&b, " (plan created %s)", humanize.RelTime(st.Plan.CreatedAt, now, "ago", "from now"))
		}
		b.WriteString("\n")
		if st.EstimatedRemaining > 0 {
			fmt.Fprintf(&b, "Remaining: about %s\n", st.EstimatedRemaining.Round(time.Minute))
		}
	}
	if len(failures) > 0 {
		fmt.Fprintf(&b, "Needs attention: %s\n", strings.Join(failures, ", "))
	}
	return strings.TrimRight(b.String(), "\n")
}
