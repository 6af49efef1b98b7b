// Package workerpool runs CPU-bound sealing work on a bounded set of goroutines.
//
// Accepted tasks always run: on Stop, workers drain the queue before exiting.
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

// ErrStopped is returned by Do once the pool is stopping.
var ErrStopped = errors.New("workerpool: pool is stopped")

type task struct {
	id   string
	fn   func(context.Context) error
	ctx  context.Context
	done chan error
}

// WorkerPool manages a bounded pool of goroutines for executing tasks
type WorkerPool struct {
	name           string
	maxWorkers     int
	taskQueue      chan task
	queueSize      int
	logger         *zap.Logger
	wg             sync.WaitGroup
	stopOnce       sync.Once
	stopChan       chan struct{}
	submitMu       sync.RWMutex // held for write while closing stopChan
	activeWorkers  int32
	totalTasks     uint64
	completedTasks uint64
	failedTasks    uint64
	rejectedTasks  uint64
}

// Config holds worker pool configuration
type Config struct {
	Name       string      `yaml:"name"`
	MaxWorkers int         `yaml:"max_workers"`
	QueueSize  int         `yaml:"queue_size"`
	Logger     *zap.Logger `yaml:"-"`
}

// NewWorkerPool creates a new worker pool and starts its workers.
func NewWorkerPool(cfg Config) *WorkerPool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	pool := &WorkerPool{
		name:       cfg.Name,
		maxWorkers: cfg.MaxWorkers,
		queueSize:  cfg.QueueSize,
		taskQueue:  make(chan task, cfg.QueueSize),
		logger:     cfg.Logger,
		stopChan:   make(chan struct{}),
	}

	for i := 0; i < pool.maxWorkers; i++ {
		pool.wg.Add(1)
		go pool.worker(i)
	}

	pool.logger.Info("worker pool started",
		zap.String("name", pool.name),
		zap.Int("max_workers", pool.maxWorkers),
		zap.Int("queue_size", pool.queueSize))

	return pool
}

func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()

	for {
		select {
		case t := <-p.taskQueue:
			p.executeTask(id, t)
		case <-p.stopChan:
			for {
				select {
				case t := <-p.taskQueue:
					p.executeTask(id, t)
				default:
					return
				}
			}
		}
	}
}

func (p *WorkerPool) executeTask(workerID int, t task) {
	atomic.AddInt32(&p.activeWorkers, 1)
	defer atomic.AddInt32(&p.activeWorkers, -1)

	start := time.Now()
	err := p.safeExecute(t)
	duration := time.Since(start)

	if err != nil {
		atomic.AddUint64(&p.failedTasks, 1)
		p.logger.Error("task failed",
			zap.String("pool", p.name),
			zap.Int("worker_id", workerID),
			zap.String("task_id", t.id),
			zap.Duration("duration", duration),
			zap.Error(err))
	} else {
		atomic.AddUint64(&p.completedTasks, 1)
		p.logger.Debug("task completed",
			zap.String("pool", p.name),
			zap.Int("worker_id", workerID),
			zap.String("task_id", t.id),
			zap.Duration("duration", duration))
	}

	t.done <- err
}

// safeExecute executes a task with panic recovery
func (p *WorkerPool) safeExecute(t task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
			p.logger.Error("task panic recovered",
				zap.String("pool", p.name),
				zap.String("task_id", t.id),
				zap.Any("panic", r))
		}
	}()

	return t.fn(t.ctx)
}

// enqueue blocks until t is accepted, ctx is canceled or the pool stops.
func (p *WorkerPool) enqueue(ctx context.Context, t task) error {
	p.submitMu.RLock()
	defer p.submitMu.RUnlock()

	select {
	case <-p.stopChan:
		atomic.AddUint64(&p.rejectedTasks, 1)
		return fmt.Errorf("%w: %s", ErrStopped, p.name)
	default:
	}

	select {
	case <-p.stopChan:
		atomic.AddUint64(&p.rejectedTasks, 1)
		return fmt.Errorf("%w: %s", ErrStopped, p.name)
	case <-ctx.Done():
		atomic.AddUint64(&p.rejectedTasks, 1)
		return ctx.Err()
	case p.taskQueue <- t:
		atomic.AddUint64(&p.totalTasks, 1)
		return nil
	}
}

// Do submits fn and waits for it to finish. ctx only bounds the wait for a
// queue slot: once accepted, the task runs to completion and Do returns its
// error.
func (p *WorkerPool) Do(ctx context.Context, id string, fn func(context.Context) error) error {
	done := make(chan error, 1)
	t := task{id: id, fn: fn, ctx: context.WithoutCancel(ctx), done: done}
	if err := p.enqueue(ctx, t); err != nil {
		return err
	}
	return <-done
}

// Stop gracefully stops the worker pool, waiting up to timeout for queued
// and running tasks.
func (p *WorkerPool) Stop(timeout time.Duration) error {
	var err error
	p.stopOnce.Do(func() {
		p.logger.Info("stopping worker pool", zap.String("name", p.name))
		p.submitMu.Lock()
		close(p.stopChan)
		p.submitMu.Unlock()

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			p.logger.Info("worker pool stopped", zap.String("name", p.name))
		case <-time.After(timeout):
			err = fmt.Errorf("worker pool '%s' stop timeout after %v", p.name, timeout)
			p.logger.Warn("worker pool stop timeout", zap.String("name", p.name))
		}
	})
	return err
}

// Stats returns current worker pool statistics
func (p *WorkerPool) Stats() Stats {
	return Stats{
		Name:           p.name,
		MaxWorkers:     p.maxWorkers,
		ActiveWorkers:  int(atomic.LoadInt32(&p.activeWorkers)),
		QueueSize:      p.queueSize,
		QueuedTasks:    len(p.taskQueue),
		TotalTasks:     atomic.LoadUint64(&p.totalTasks),
		CompletedTasks: atomic.LoadUint64(&p.completedTasks),
		FailedTasks:    atomic.LoadUint64(&p.failedTasks),
		RejectedTasks:  atomic.LoadUint64(&p.rejectedTasks),
	}
}

// Stats represents worker pool statistics
type Stats struct {
	Name           string `json:"name"`
	MaxWorkers     int    `json:"max_workers"`
	ActiveWorkers  int    `json:"active_workers"`
	QueueSize      int    `json:"queue_size"`
	QueuedTasks    int    `json:"queued_tasks"`
	TotalTasks     uint64 `json:"total_tasks"`
	CompletedTasks uint64 `json:"completed_tasks"`
	FailedTasks    uint64 `json:"failed_tasks"`
	RejectedTasks  uint64 `json:"rejected_tasks"`
}

// SuccessRate returns the task success rate as a percentage
func (s Stats) SuccessRate() float64 {
	if s.TotalTasks == 0 {
		return 100.0
	}
	return (float64(s.CompletedTasks) / float64(s.TotalTasks)) * 100.0
}
