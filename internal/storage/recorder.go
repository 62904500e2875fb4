package storage

import (
	"context"
	"sync"
	"time"

	"github.com/huahua9185/auto-study-advanced-sub001/internal/engine"
	"github.com/huahua9185/auto-study-advanced-sub001/internal/eventbus"
	logx "github.com/huahua9185/auto-study-advanced-sub001/pkg/logx"
)

// Recorder subscribes to engine events and writes one RunRecord per
// terminal job outcome. It is the only bridge between the engine and the
// store, so the engine itself never has to know persistence exists.
type Recorder struct {
	st  Store
	bus eventbus.Bus
	log logx.Logger

	mu    sync.Mutex
	unsub func()
	done  chan struct{}
}

func NewRecorder(st Store, bus eventbus.Bus, log logx.Logger) *Recorder {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Recorder{st: st, bus: bus, log: log}
}

// Start begins consuming events. Without a store or a bus it does nothing.
func (r *Recorder) Start(ctx context.Context) {
	if r.st == nil || r.bus == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	r.mu.Lock()
	if r.done != nil {
		r.mu.Unlock()
		return
	}
	events, unsub := r.bus.Subscribe(64)
	done := make(chan struct{})
	r.unsub = unsub
	r.done = done
	r.mu.Unlock()

	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				r.record(ctx, ev)
			}
		}
	}()
}

// Stop detaches from the bus and waits for the in-flight write to finish.
func (r *Recorder) Stop(ctx context.Context) {
	r.mu.Lock()
	unsub := r.unsub
	done := r.done
	r.unsub = nil
	r.done = nil
	r.mu.Unlock()

	if unsub == nil {
		return
	}
	unsub()
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (r *Recorder) record(ctx context.Context, ev eventbus.Event) {
	switch ev.Type {
	case "job.completed", "job.failed", "job.cancelled":
	default:
		return
	}
	je, ok := ev.Data.(engine.JobEvent)
	if !ok {
		return
	}

	at := ev.Time
	if at.IsZero() {
		at = time.Now()
	}
	rec := RunRecord{
		At:          at,
		JobID:       je.ID,
		CourseID:    je.CourseID,
		CourseTitle: je.CourseTitle,
		CourseType:  string(je.CourseType),
		Priority:    int(je.Priority),
		Status:      string(je.Status),
		Progress:    je.Progress,
		Retries:     je.RetryCount,
		TookMS:      je.Duration.Milliseconds(),
		Final:       je.Final,
		Error:       je.Error,
	}

	wctx, cancel := context.WithTimeout(ctx, time.Second)
	err := r.st.AppendRun(wctx, rec)
	cancel()
	if err != nil {
		r.log.Warn("run record write failed",
			logx.String("job", je.ID),
			logx.Any("err", err),
		)
	}
}
