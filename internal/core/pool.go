package core

import (
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// PoolStats is a snapshot of pool counters.
type PoolStats struct {
	Workers  int   `json:"workers"`
	Capacity int   `json:"queue_capacity"`
	Queued   int   `json:"queued"`
	Busy     int64 `json:"busy"`
	Rejected int64 `json:"rejected"`
}

// Pool runs units of work on a fixed set of workers fed by a bounded queue.
type Pool struct {
	workers int
	jobs    chan func()
	logger  *slog.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	busy     atomic.Int64
	rejected atomic.Int64
	warn     rate.Sometimes
}

// NewPool starts workers goroutines draining a queue of queueSize units.
func NewPool(workers, queueSize int, logger *slog.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	p := &Pool{
		workers: workers,
		jobs:    make(chan func(), queueSize),
		logger:  logger,
		warn:    rate.Sometimes{First: 1, Interval: 30 * time.Second},
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.work()
	}
	return p
}

func (p *Pool) work() {
	defer p.wg.Done()
	for fn := range p.jobs {
		p.run(fn)
	}
}

func (p *Pool) run(fn func()) {
	p.busy.Add(1)
	defer p.busy.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("dispatch unit panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	fn()
}

// TrySubmit enqueues fn without blocking. It returns false when the queue is
// full or the pool has been stopped.
func (p *Pool) TrySubmit(fn func()) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.jobs <- fn:
		return true
	default:
		p.rejected.Add(1)
		p.warn.Do(func() {
			p.logger.Warn("worker pool saturated, rejecting dispatch",
				"workers", p.workers, "queue_capacity", cap(p.jobs), "rejected_total", p.rejected.Load())
		})
		return false
	}
}

// Stop stops accepting work and waits for queued and running units.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()
	p.wg.Wait()
}

// Stats returns current counters.
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Workers:  p.workers,
		Capacity: cap(p.jobs),
		Queued:   len(p.jobs),
		Busy:     p.busy.Load(),
		Rejected: p.rejected.Load(),
	}
}
