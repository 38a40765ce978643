// Package tasks decouples background work (post-discovery classification,
// re-sync fan-out) from the request paths that trigger it. Production uses
// the bounded Pool; tests inject Sync to run tasks inline.
package tasks

import (
	"context"
	"log/slog"
	"sync"
)

// Runner executes a named task, either in the background or inline.
type Runner interface {
	Go(name string, fn func(ctx context.Context))
}

type job struct {
	name string
	fn   func(ctx context.Context)
}

// Pool runs tasks on a fixed number of workers. Submissions block once the
// queue is full, which caps the amount of deferred work in flight.
type Pool struct {
	jobs chan job
	wg   sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewPool starts workers goroutines that drain the task queue until Stop is
// called or ctx is cancelled.
func NewPool(ctx context.Context, workers int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	p := &Pool{jobs: make(chan job, workers*4)}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	return p
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-p.jobs:
			if !ok {
				return
			}
			p.run(ctx, j)
		}
	}
}

func (p *Pool) run(ctx context.Context, j job) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("tasks: task panicked", "task", j.name, "panic", r)
		}
	}()
	j.fn(ctx)
}

// Go enqueues fn. Tasks submitted after Stop are dropped with a warning.
func (p *Pool) Go(name string, fn func(ctx context.Context)) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		slog.Warn("tasks: pool stopped, dropping task", "task", name)
		return
	}
	p.mu.Unlock()
	p.jobs <- job{name: name, fn: fn}
}

// Stop closes the queue and waits for in-flight tasks to finish.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.jobs)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

// Sync runs every task inline on the caller's goroutine.
type Sync struct{}

func (Sync) Go(name string, fn func(ctx context.Context)) {
	fn(context.Background())
}
