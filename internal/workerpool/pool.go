package workerpool

import (
	"context"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/breeze-rmm/capturemgr/internal/logging"
)

var log = logging.L("workerpool")

// Task is a long-running unit of work. It must return once ctx is done.
type Task func(ctx context.Context)

// PanicHandler is called with the task name and recovered value when a task
// panics.
type PanicHandler func(name string, recovered any)

// Pool runs one goroutine per submitted task and stops them together. The
// pool context is the shared termination signal: Stop cancels it and every
// task is expected to observe it on its next iteration.
type Pool struct {
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	accepting atomic.Bool
	running   atomic.Int32
	stopOnce  sync.Once

	lockThreads bool
	onPanic     PanicHandler
}

// Option configures a Pool.
type Option func(*Pool)

// WithLockedThreads pins every task to its own OS thread for its whole
// lifetime, for APIs with thread affinity such as GPU device contexts.
func WithLockedThreads() Option {
	return func(p *Pool) { p.lockThreads = true }
}

// WithPanicHandler installs fn to be told about recovered task panics.
func WithPanicHandler(fn PanicHandler) Option {
	return func(p *Pool) { p.onPanic = fn }
}

// New creates a pool whose context derives from parent.
func New(parent context.Context, opts ...Option) *Pool {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	p := &Pool{ctx: ctx, cancel: cancel}
	for _, opt := range opts {
		opt(p)
	}
	p.accepting.Store(true)
	return p
}

// Context returns the pool context, cancelled by Stop.
func (p *Pool) Context() context.Context {
	return p.ctx
}

// Go starts task in its own goroutine. Returns false if the pool no longer
// accepts tasks. wg.Add is called before the goroutine starts so Wait never
// misses it.
func (p *Pool) Go(name string, task Task) bool {
	if !p.accepting.Load() {
		return false
	}

	p.wg.Add(1)
	p.running.Add(1)
	go p.run(name, task)
	return true
}

// StopAccepting prevents new tasks from being started.
func (p *Pool) StopAccepting() {
	p.accepting.Store(false)
}

// Stop stops accepting tasks and cancels the pool context.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		p.StopAccepting()
		p.cancel()
	})
}

// Wait blocks until every started task has returned.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Drain stops the pool and waits for all tasks, respecting the context
// deadline. It returns ctx.Err() if tasks are still running at the deadline.
func (p *Pool) Drain(ctx context.Context) error {
	p.Stop()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Debug("worker pool drained")
		return nil
	case <-ctx.Done():
		log.Warn("worker pool drain timed out", "running", p.Running())
		return ctx.Err()
	}
}

// Running returns the number of tasks that have not returned yet.
func (p *Pool) Running() int {
	return int(p.running.Load())
}

// run executes a single task with panic recovery. wg.Done is called here to
// match the wg.Add in Go.
func (p *Pool) run(name string, task Task) {
	defer p.wg.Done()
	defer p.running.Add(-1)
	if p.lockThreads {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		log.Debug("task pinned to os thread", "task", name, "thread", threadID())
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error("task panicked", "task", name, "panic", r, "stack", string(debug.Stack()))
			if p.onPanic != nil {
				p.onPanic(name, r)
			}
		}
	}()
	task(p.ctx)
}
