package engine

import (
	"context"
	"time"

	"github.com/huahua9185/auto-study-advanced-sub001/internal/eventbus"
	logx "github.com/huahua9185/auto-study-advanced-sub001/pkg/logx"
)

// monitorLoop emits a periodic progress report and watches for the plan
// finishing. Detection is edge-triggered: once fired, plan completion stays
// quiet until new work arrives (AddJob, a retry, or a shutdown requeue
// re-arm it).
func (s *Service) monitorLoop(ctx context.Context, stopCh <-chan struct{}) {
	for {
		s.mu.Lock()
		interval := s.cfg.MonitorInterval
		s.mu.Unlock()

		tmr := time.NewTimer(interval)
		select {
		case <-stopCh:
			tmr.Stop()
			return
		case <-ctx.Done():
			tmr.Stop()
			return
		case <-tmr.C:
		}
		s.reportProgress()
		s.checkPlanCompleted()
	}
}

// reportProgress publishes engine.report and fires progress callbacks.
func (s *Service) reportProgress() {
	st := s.Status()

	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: "engine.report", Data: st})
	}

	s.cbMu.Lock()
	progress := append([]func(Stats)(nil), s.onProgress...)
	s.cbMu.Unlock()
	s.statsCallbacks("progress_report", progress, st)

	s.log.Debug("progress report",
		logx.Int("pending", st.Pending),
		logx.Int("running", st.Running),
		logx.Int("completed", st.Completed),
		logx.Int("failed", st.Failed),
		logx.Float64("progress", st.Progress),
		logx.Duration("remaining", st.EstimatedRemaining),
	)
}

// checkPlanCompleted fires plan.completed exactly once per quiet period.
// The condition and the edge flag are evaluated under one table lock, so a
// job added concurrently either re-arms the flag after us or defers the
// fire to a later tick; it can never be swallowed.
func (s *Service) checkPlanCompleted() {
	s.jmu.Lock()
	var pending, running, completed int
	for _, id := range s.order {
		j := s.jobs[id]
		if j == nil {
			continue
		}
		switch j.status {
		case StatusPending:
			pending++
		case StatusRunning:
			running++
		case StatusCompleted:
			completed++
		}
	}
	done := pending == 0 && running == 0 && completed > 0
	fire := done && !s.planDone
	if fire {
		s.planDone = true
		if s.plan != nil && s.plan.CompletedAt == nil {
			now := time.Now()
			s.plan.CompletedAt = &now
		}
	}
	s.jmu.Unlock()

	if !fire {
		return
	}

	st := s.Status()
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: "plan.completed", Data: st})
	}

	s.cbMu.Lock()
	planDone := append([]func(Stats)(nil), s.onPlanDone...)
	s.cbMu.Unlock()
	s.statsCallbacks("plan_completed", planDone, st)

	s.log.Info("plan completed",
		logx.Int("completed", st.Completed),
		logx.Int("failed", st.Failed),
		logx.Int("cancelled", st.Cancelled),
	)
}
