package engine

// Status assembles the engine-level view. Job counts are taken in a single
// pass under the table lock, so they always sum to Total even while
// workers are flipping statuses.
func (s *Service) Status() Stats {
	s.mu.Lock()
	cfg := s.cfg
	started := s.stopCh != nil && s.stopDone == nil
	workers := s.workers
	s.mu.Unlock()

	st := Stats{
		Started:  started,
		Workers:  cfg.Workers,
		RetryMax: cfg.RetryMax,
		QueueLen: s.q.size(),
	}

	s.jmu.Lock()
	var progressSum float64
	var progressN int
	for _, id := range s.order {
		j := s.jobs[id]
		if j == nil {
			continue
		}
		st.Total++
		switch j.status {
		case StatusPending:
			st.Pending++
			st.EstimatedRemaining += j.course.remainingAt(j.progress)
		case StatusRunning:
			st.Running++
			st.EstimatedRemaining += j.course.remainingAt(j.progress)
		case StatusCompleted:
			st.Completed++
		case StatusFailed:
			st.Failed++
			if !j.noRetry && j.retryCount < cfg.RetryMax {
				st.EstimatedRemaining += j.course.remainingAt(j.progress)
			}
		case StatusCancelled:
			st.Cancelled++
		}
		if j.status != StatusCancelled {
			progressSum += j.progress
			progressN++
		}
	}
	if progressN > 0 {
		st.Progress = progressSum / float64(progressN)
	}
	if s.plan != nil {
		p := *s.plan
		st.Plan = &p
	}
	s.jmu.Unlock()

	for _, w := range workers {
		st.WorkerStats = append(st.WorkerStats, w.snapshot())
	}
	return st
}
