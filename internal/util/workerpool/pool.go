// Package workerpool runs short tasks on a fixed set of goroutines. Coordinators
// submit their flush rounds here so the number of concurrent flushes is bounded.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	ErrStopped   = errors.New("worker pool is stopped")
	ErrQueueFull = errors.New("worker pool queue is full")
)

// Task is a unit of work. It must not block on the pool it runs in.
type Task func(ctx context.Context)

type job struct {
	label string
	ctx   context.Context
	fn    Task
}

// Config holds worker pool configuration
type Config struct {
	Name      string
	Workers   int
	QueueSize int
}

// Pool is a bounded set of workers fed from a bounded queue.
type Pool struct {
	name    string
	workers int
	logger  *zap.Logger

	mu      sync.RWMutex
	queue   chan job
	stopped bool
	done    chan struct{}
	wg      sync.WaitGroup

	running   atomic.Int32
	submitted atomic.Uint64
	executed  atomic.Uint64
	panicked  atomic.Uint64
	rejected  atomic.Uint64
}

// New starts the workers of a pool.
func New(cfg Config, logger *zap.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 10
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Pool{
		name:    cfg.Name,
		workers: cfg.Workers,
		logger:  logger,
		queue:   make(chan job, cfg.QueueSize),
		done:    make(chan struct{}),
	}
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	p.logger.Info("Worker pool started",
		zap.String("name", p.name),
		zap.Int("workers", p.workers),
		zap.Int("queue_size", cfg.QueueSize))
	return p
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for {
		select {
		case j := <-p.queue:
			p.execute(id, j)
		case <-p.done:
			// Queued work still runs; nothing else will.
			for {
				select {
				case j := <-p.queue:
					p.execute(id, j)
				default:
					return
				}
			}
		}
	}
}

func (p *Pool) execute(workerID int, j job) {
	p.running.Add(1)
	defer p.running.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			p.panicked.Add(1)
			p.logger.Error("Task panic recovered",
				zap.String("pool", p.name),
				zap.Int("worker_id", workerID),
				zap.String("task", j.label),
				zap.Any("panic", r))
		}
	}()

	start := time.Now()
	j.fn(j.ctx)
	p.executed.Add(1)
	p.logger.Debug("Task completed",
		zap.String("pool", p.name),
		zap.String("task", j.label),
		zap.Duration("duration", time.Since(start)))
}

// Submit queues fn without blocking. It fails when the pool is stopped or the
// queue is full; callers decide how to run rejected work.
func (p *Pool) Submit(ctx context.Context, label string, fn Task) error {
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		p.rejected.Add(1)
		return fmt.Errorf("%s: %w", p.name, ErrStopped)
	}
	select {
	case p.queue <- job{label: label, ctx: ctx, fn: fn}:
		p.submitted.Add(1)
		return nil
	default:
		p.rejected.Add(1)
		return fmt.Errorf("%s: %w", p.name, ErrQueueFull)
	}
}

// Stop refuses new work, lets the workers drain the queue and waits for them
// until ctx is done.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.stopped {
		p.stopped = true
		close(p.done)
		p.logger.Info("Stopping worker pool", zap.String("name", p.name))
	}
	p.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		p.logger.Info("Worker pool stopped", zap.String("name", p.name))
		return nil
	case <-ctx.Done():
		p.logger.Warn("Worker pool stop timed out", zap.String("name", p.name))
		return fmt.Errorf("worker pool %s: %w", p.name, ctx.Err())
	}
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Name:      p.name,
		Workers:   p.workers,
		Running:   int(p.running.Load()),
		QueueSize: cap(p.queue),
		Queued:    len(p.queue),
		Submitted: p.submitted.Load(),
		Executed:  p.executed.Load(),
		Panicked:  p.panicked.Load(),
		Rejected:  p.rejected.Load(),
	}
}

type Stats struct {
	Name      string `json:"name"`
	Workers   int    `json:"workers"`
	Running   int    `json:"running"`
	QueueSize int    `json:"queue_size"`
	Queued    int    `json:"queued"`
	Submitted uint64 `json:"submitted"`
	Executed  uint64 `json:"executed"`
	Panicked  uint64 `json:"panicked"`
	Rejected  uint64 `json:"rejected"`
}

// QueueUtilization returns the queue fill level as a percentage
func (s Stats) QueueUtilization() float64 {
	if s.QueueSize == 0 {
		return 0
	}
	return float64(s.Queued) / float64(s.QueueSize) * 100.0
}

// WorkerUtilization returns the share of busy workers as a percentage
func (s Stats) WorkerUtilization() float64 {
	if s.Workers == 0 {
		return 0
	}
	return float64(s.Running) / float64(s.Workers) * 100.0
}
