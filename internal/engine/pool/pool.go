// Package pool implements the fixed-size worker pool the dispatch engine and
// the task scheduler both execute on. It decouples transport I/O from handler
// latency: the broker callback goroutine only enqueues, workers run the work.
package pool

import (
	"runtime/debug"
	"sync"

	loggingpkg "github.com/drblury/msgflow/internal/engine/logging"
)

// Pool runs submitted work items on a fixed set of worker goroutines
// consuming one FIFO queue. Producers never block on execution; a single
// mutex orders the queue, so FIFO is only guaranteed per producer.
type Pool struct {
	log loggingpkg.ServiceLogger

	mu    sync.Mutex
	cond  *sync.Cond
	queue []func()
	done  bool

	size int
	wg   sync.WaitGroup
}

// New starts a pool with max(n, 1) workers.
func New(n int, log loggingpkg.ServiceLogger) *Pool {
	if n < 1 {
		n = 1
	}
	p := &Pool{
		log:  log,
		size: n,
	}
	p.cond = sync.NewCond(&p.mu)

	p.wg.Add(n)
	for i := 0; i < n; i++ {
		go p.worker()
	}
	return p
}

// Submit enqueues a work item and wakes one worker. It returns false without
// enqueuing if the pool is already shut down.
func (p *Pool) Submit(work func()) bool {
	if work == nil {
		return false
	}

	p.mu.Lock()
	if p.done {
		p.mu.Unlock()
		return false
	}
	p.queue = append(p.queue, work)
	p.cond.Signal()
	p.mu.Unlock()
	return true
}

// Shutdown stops the pool and joins all workers. It is idempotent. Workers
// finish the item they already popped; items still queued at this point are
// discarded, so Pending reports 0 once Shutdown returns.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.done {
		p.mu.Unlock()
		return
	}
	p.done = true
	dropped := len(p.queue)
	p.queue = nil
	p.cond.Broadcast()
	p.mu.Unlock()

	p.wg.Wait()

	if dropped > 0 {
		p.log.Debug("worker pool discarded queued work on shutdown",
			loggingpkg.LogFields{"dropped": dropped})
	}
}

// Size returns the configured worker count.
func (p *Pool) Size() int {
	return p.size
}

// Pending returns the number of items waiting in the queue.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// IsShutdown reports whether Shutdown has been initiated.
func (p *Pool) IsShutdown() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

func (p *Pool) worker() {
	defer p.wg.Done()

	for {
		p.mu.Lock()
		for !p.done && len(p.queue) == 0 {
			p.cond.Wait()
		}
		if p.done {
			p.mu.Unlock()
			return
		}
		work := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		p.mu.Unlock()

		p.run(work)
	}
}

// run executes one work item. A panicking item must never take the worker
// goroutine down with it.
func (p *Pool) run(work func()) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("work item panicked", nil, loggingpkg.LogFields{
				"panic": r,
				"stack": string(debug.Stack()),
			})
		}
	}()
	work()
}
