// Package workerpool provides a small bounded-concurrency executor for
// heterogeneous, identifiable units of work. It underlies batch-style
// convenience helpers (see cmd/loadimage) that are not part of the
// pipeline's serial orchestrator but still need capped parallelism.
package workerpool

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// Task is a unit of work submitted to a Pool.
type Task interface {
	// Execute performs the work, respecting ctx for cancellation.
	Execute(ctx context.Context) (any, error)
	// ID uniquely identifies this task within a batch, for result
	// correlation in ExecuteAll.
	ID() string
}

// Result is the outcome of one Task.
type Result struct {
	TaskID   string
	Value    any
	Err      error
	Duration time.Duration
}

// Config controls Pool sizing.
type Config struct {
	// WorkerCount is the number of goroutines draining the task queue. 0
	// defaults to runtime.NumCPU().
	WorkerCount int
	// BufferSize is the task queue's buffer. 0 defaults to WorkerCount*2.
	BufferSize int
}

// Pool runs Tasks with bounded concurrency and ordered batch results.
type Pool struct {
	cfg     Config
	tasks   chan Task
	results chan Result
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64

	mu      sync.Mutex
	started bool
	closed  bool
}

// New creates a Pool. Call Start before submitting work.
func New(cfg Config) *Pool {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = runtime.NumCPU()
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = cfg.WorkerCount * 2
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		cfg:     cfg,
		tasks:   make(chan Task, cfg.BufferSize),
		results: make(chan Result, cfg.BufferSize),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start spawns the worker goroutines. Safe to call once.
func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return fmt.Errorf("workerpool: already started")
	}
	if p.closed {
		return fmt.Errorf("workerpool: already shut down")
	}
	for i := 0; i < p.cfg.WorkerCount; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	p.started = true
	return nil
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for task := range p.tasks {
		start := time.Now()
		value, err := task.Execute(p.ctx)
		res := Result{TaskID: task.ID(), Value: value, Err: err, Duration: time.Since(start)}
		if err != nil {
			p.failed.Add(1)
		}
		p.completed.Add(1)
		select {
		case p.results <- res:
		case <-p.ctx.Done():
			return
		}
	}
}

// SubmitBlocking enqueues a task, blocking until there is room or ctx/pool
// cancellation.
func (p *Pool) SubmitBlocking(ctx context.Context, task Task) error {
	p.mu.Lock()
	started, closed := p.started, p.closed
	p.mu.Unlock()
	if !started {
		return fmt.Errorf("workerpool: not started")
	}
	if closed {
		return fmt.Errorf("workerpool: shutting down")
	}
	select {
	case p.tasks <- task:
		p.submitted.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return fmt.Errorf("workerpool: pool cancelled")
	}
}

// ExecuteAll submits every task and waits for all results, returned in the
// same order as the input.
func (p *Pool) ExecuteAll(ctx context.Context, tasks []Task) ([]Result, error) {
	if len(tasks) == 0 {
		return nil, nil
	}
	for _, t := range tasks {
		if err := p.SubmitBlocking(ctx, t); err != nil {
			return nil, fmt.Errorf("submit task %s: %w", t.ID(), err)
		}
	}
	byID := make(map[string]Result, len(tasks))
	for range tasks {
		select {
		case r := <-p.results:
			byID[r.TaskID] = r
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-p.ctx.Done():
			return nil, fmt.Errorf("workerpool: pool cancelled")
		}
	}
	ordered := make([]Result, len(tasks))
	for i, t := range tasks {
		r, ok := byID[t.ID()]
		if !ok {
			return nil, fmt.Errorf("workerpool: missing result for task %s", t.ID())
		}
		ordered[i] = r
	}
	return ordered, nil
}

// Stats reports pool counters.
type Stats struct {
	WorkerCount int
	Submitted   int64
	Completed   int64
	Failed      int64
	Pending     int
}

func (p *Pool) Stats() Stats {
	return Stats{
		WorkerCount: p.cfg.WorkerCount,
		Submitted:   p.submitted.Load(),
		Completed:   p.completed.Load(),
		Failed:      p.failed.Load(),
		Pending:     len(p.tasks),
	}
}

// Shutdown closes the task queue and waits for workers to drain it, up to
// timeout, after which it force-cancels.
func (p *Pool) Shutdown(timeout time.Duration) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	close(p.tasks)
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		p.cancel()
		p.wg.Wait()
	}
	close(p.results)
}
