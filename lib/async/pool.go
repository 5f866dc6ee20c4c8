// Package async provides a bounded worker pool with backpressure.
package async

import (
	"context"
	"fmt"
	"sync"

	"github.com/NakaSato/gridtokenx-anchor-sub005/errs"
)

// Task is a unit of work executed by a pool worker. The context passed to
// the task is cancelled when the pool closes.
type Task func(context.Context) error

// Pool runs tasks on a fixed set of workers. When the queue is full Submit
// fails instead of blocking, so saturated callers shed load explicitly.
type Pool struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
	queue  chan Task

	pending sync.WaitGroup
}

// NewPool starts a pool with the given worker count and queue depth.
func NewPool(workers, depth int) (*Pool, error) {
	if workers <= 0 {
		return nil, errs.New("lib/async", errs.CodeInvalid, errs.WithMessage("workers must be >0"))
	}
	if depth < 0 {
		depth = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		ctx:    ctx,
		cancel: cancel,
		queue:  make(chan Task, depth),
	}
	for i := 0; i < workers; i++ {
		go p.work()
	}
	return p, nil
}

// Submit queues the task. It fails when the task is nil, the pool is closed,
// the submit context expires, or the queue is full.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	if task == nil {
		return errs.New("lib/async", errs.CodeInvalid, errs.WithMessage("task must not be nil"))
	}
	if ctx == nil {
		ctx = context.Background()
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return errs.New("lib/async", errs.CodeUnavailable, errs.WithMessage("pool closed"))
	}

	p.pending.Add(1)
	select {
	case <-ctx.Done():
		p.pending.Done()
		return fmt.Errorf("submit context: %w", ctx.Err())
	case p.queue <- task:
		return nil
	default:
		p.pending.Done()
		return errs.New("lib/async", errs.CodeUnavailable, errs.WithMessage("pool at capacity"))
	}
}

// Close stops accepting tasks and cancels the worker context. Tasks already
// queued still run, observing the cancelled context.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.cancel()
	close(p.queue)
}

// Shutdown closes the pool and waits for in-flight tasks, or returns when
// the context expires.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.Close()
	drained := make(chan struct{})
	go func() {
		p.pending.Wait()
		close(drained)
	}()
	select {
	case <-ctx.Done():
		return fmt.Errorf("shutdown context: %w", ctx.Err())
	case <-drained:
		return nil
	}
}

func (p *Pool) work() {
	for task := range p.queue {
		p.run(task)
		p.pending.Done()
	}
}

func (p *Pool) run(task Task) {
	defer func() {
		// A panicking task must not take the worker down with it.
		_ = recover()
	}()
	_ = task(p.ctx)
}
