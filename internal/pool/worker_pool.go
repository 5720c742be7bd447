// Package pool provides a bounded worker pool for background workflow runs.
package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrPoolClosed = errors.New("pool is closed")
	ErrPoolFull   = errors.New("pool is full")
)

// Task is a unit of background work.
type Task func(ctx context.Context) error

// WorkerPool runs tasks on a bounded set of workers with a bounded queue.
// Workers spawn on demand and exit after idling; a full queue rejects the
// submission instead of blocking the caller.
type WorkerPool struct {
	maxWorkers  int
	queue       chan submission
	workerCount atomic.Int32
	closed      atomic.Bool
	wg          sync.WaitGroup

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64

	idleTimeout  time.Duration
	panicHandler func(any)
}

type submission struct {
	task Task
	ctx  context.Context
}

// Config sizes the pool.
type Config struct {
	MaxWorkers   int
	QueueSize    int
	IdleTimeout  time.Duration
	PanicHandler func(any)
}

// DefaultConfig returns sensible defaults for workflow runs.
func DefaultConfig() Config {
	return Config{
		MaxWorkers:  32,
		QueueSize:   256,
		IdleTimeout: time.Minute,
	}
}

// New creates a pool; no workers start until the first submission.
func New(cfg Config) *WorkerPool {
	if cfg.MaxWorkers < 1 {
		cfg.MaxWorkers = 1
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = time.Minute
	}
	return &WorkerPool{
		maxWorkers:   cfg.MaxWorkers,
		queue:        make(chan submission, cfg.QueueSize),
		idleTimeout:  cfg.IdleTimeout,
		panicHandler: cfg.PanicHandler,
	}
}

// Submit queues a task. Returns ErrPoolFull when the queue is saturated and
// no worker slot is free. The parameter is the unnamed func type so the pool
// satisfies caller-side runner interfaces without a conversion.
func (p *WorkerPool) Submit(ctx context.Context, t func(ctx context.Context) error) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}
	p.submitted.Add(1)

	sub := submission{task: t, ctx: ctx}
	select {
	case p.queue <- sub:
		p.ensureWorker()
		return nil
	default:
		if p.trySpawnWorker() {
			select {
			case p.queue <- sub:
				return nil
			default:
			}
		}
		p.rejected.Add(1)
		return ErrPoolFull
	}
}

func (p *WorkerPool) ensureWorker() {
	if p.workerCount.Load() < int32(p.maxWorkers) {
		p.trySpawnWorker()
	}
}

func (p *WorkerPool) trySpawnWorker() bool {
	for {
		current := p.workerCount.Load()
		if current >= int32(p.maxWorkers) {
			return false
		}
		if p.workerCount.CompareAndSwap(current, current+1) {
			p.wg.Add(1)
			go p.worker()
			return true
		}
	}
}

func (p *WorkerPool) worker() {
	defer p.wg.Done()
	defer p.workerCount.Add(-1)

	timer := time.NewTimer(p.idleTimeout)
	defer timer.Stop()

	for {
		select {
		case sub, ok := <-p.queue:
			if !ok {
				return
			}
			if err := p.run(sub); err != nil {
				p.failed.Add(1)
			} else {
				p.completed.Add(1)
			}
			timer.Reset(p.idleTimeout)

		case <-timer.C:
			// Keep one worker alive so the next submission is not cold.
			if p.workerCount.Load() > 1 {
				return
			}
			timer.Reset(p.idleTimeout)
		}
	}
}

func (p *WorkerPool) run(sub submission) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if p.panicHandler != nil {
				p.panicHandler(r)
			}
			err = errors.New("task panicked")
		}
	}()
	return sub.task(sub.ctx)
}

// Close stops accepting work and waits for in-flight tasks.
func (p *WorkerPool) Close() {
	if p.closed.Swap(true) {
		return
	}
	close(p.queue)
	p.wg.Wait()
}

// Stats reports pool counters.
func (p *WorkerPool) Stats() Stats {
	return Stats{
		Workers:   int(p.workerCount.Load()),
		Queued:    len(p.queue),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Rejected:  p.rejected.Load(),
	}
}

// Stats are point-in-time pool counters.
type Stats struct {
	Workers   int   `json:"workers"`
	Queued    int   `json:"queued"`
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Rejected  int64 `json:"rejected"`
}
