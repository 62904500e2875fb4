package engine

import (
	"context"
	"io"
	"sync"
)

// Executor plays courses. Implementations live under internal/executor.
//
// The engine guarantees:
//   - Prepare is called at most once per pooled instance before any Run.
//   - Eligible/Run are never called concurrently on the same instance.
type Executor interface {
	// Prepare performs one-time setup (portal login, session warmup).
	Prepare(ctx context.Context) error

	// Eligible reports whether the course still needs playing.
	// (false, nil) means the job may complete without a Run.
	Eligible(ctx context.Context, job JobSnapshot) (bool, error)

	// Run plays the course to completion, calling report with the latest
	// progress percentage as it advances. Run must honor ctx; the engine
	// cancels it on job cancellation and on shutdown.
	Run(ctx context.Context, job JobSnapshot, report func(progress float64)) error
}

// Factory builds executors on demand. Injected into New so the engine never
// depends on a concrete backend.
type Factory func() (Executor, error)

// executorPool bounds live executor instances (2x the worker count) and
// recycles prepared instances across worker restarts, so a worker that
// panicked and came back does not have to log in again.
type executorPool struct {
	factory Factory
	slots   chan struct{}

	mu   sync.Mutex
	idle []pooledExecutor
}

type pooledExecutor struct {
	exec     Executor
	prepared bool
}

func newExecutorPool(factory Factory, size int) *executorPool {
	if size < 1 {
		size = 1
	}
	p := &executorPool{factory: factory, slots: make(chan struct{}, size)}
	for i := 0; i < size; i++ {
		p.slots <- struct{}{}
	}
	return p
}

// acquire blocks for a free slot, then hands out an idle instance or builds
// a fresh one. The prepared flag tells the caller whether Prepare already
// succeeded on this instance.
func (p *executorPool) acquire(ctx context.Context, stop <-chan struct{}) (Executor, bool, error) {
	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case <-stop:
		return nil, false, ErrStopping
	case <-p.slots:
	}

	p.mu.Lock()
	if n := len(p.idle); n > 0 {
		it := p.idle[n-1]
		p.idle[n-1] = pooledExecutor{}
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return it.exec, it.prepared, nil
	}
	p.mu.Unlock()

	e, err := p.factory()
	if err != nil {
		// Give the slot back so the next acquire can retry the factory.
		p.releaseSlot()
		return nil, false, err
	}
	return e, false, nil
}

// release returns an instance to the pool. Broken instances (dead sessions)
// are closed and dropped instead of being recycled.
func (p *executorPool) release(e Executor, prepared, broken bool) {
	if e != nil {
		if broken {
			closeExecutor(e)
		} else {
			p.mu.Lock()
			p.idle = append(p.idle, pooledExecutor{exec: e, prepared: prepared})
			p.mu.Unlock()
		}
	}
	p.releaseSlot()
}

func (p *executorPool) releaseSlot() {
	select {
	case p.slots <- struct{}{}:
	default:
	}
}

// closeIdle tears down recycled instances. Called once after the workers
// have drained on engine stop.
func (p *executorPool) closeIdle() {
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()
	for _, it := range idle {
		closeExecutor(it.exec)
	}
}

func closeExecutor(e Executor) {
	if c, ok := e.(io.Closer); ok {
		_ = c.Close()
	}
}
