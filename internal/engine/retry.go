package engine

import (
	"context"
	"time"

	logx "github.com/huahua9185/auto-study-advanced-sub001/pkg/logx"
)

// retryLoop periodically scans for failed jobs whose cooldown has elapsed
// and hands them back to the queue. Scan-based rather than timer-per-job:
// the table is small and a scan survives restarts for free.
func (s *Service) retryLoop(ctx context.Context, stopCh <-chan struct{}) {
	for {
		s.mu.Lock()
		poll := s.cfg.RetryPoll
		s.mu.Unlock()

		tmr := time.NewTimer(poll)
		select {
		case <-stopCh:
			tmr.Stop()
			return
		case <-ctx.Done():
			tmr.Stop()
			return
		case <-tmr.C:
		}
		s.requeueEligibleRetries(time.Now())
	}
}

// requeueEligibleRetries moves every failed job that still has retry budget
// and has rested through the cooldown back to pending, consuming one retry
// each. Jobs keep their original priority, so a retried urgent course still
// jumps the line. Returns how many jobs were requeued.
func (s *Service) requeueEligibleRetries(now time.Time) int {
	s.mu.Lock()
	retryMax := s.cfg.RetryMax
	cooldown := s.cfg.RetryCooldown
	s.mu.Unlock()

	var requeued []*job
	var snaps []JobSnapshot
	s.jmu.Lock()
	for _, id := range s.order {
		j := s.jobs[id]
		if j == nil || j.status != StatusFailed || j.noRetry {
			continue
		}
		if j.retryCount >= retryMax {
			continue
		}
		if j.endedAt == nil || now.Sub(*j.endedAt) < cooldown {
			continue
		}
		j.retryCount++
		j.status = StatusPending
		j.endedAt = nil
		requeued = append(requeued, j)
		snaps = append(snaps, j.snapshotLocked())
	}
	if len(requeued) > 0 {
		s.planDone = false
	}
	s.jmu.Unlock()

	for i, j := range requeued {
		s.q.push(j)
		s.publish("job.retry", snaps[i])
		s.log.Info("job requeued for retry",
			logx.String("job", j.id),
			logx.String("course", j.course.ID),
			logx.Int("retry", snaps[i].RetryCount),
			logx.Int("retry_max", retryMax),
		)
	}
	return len(requeued)
}
