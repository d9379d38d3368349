package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Worker pool errors
var (
	ErrPoolClosed = errors.New("worker pool is shut down")
	ErrQueueFull  = errors.New("task queue is full")
)

// Task is a unit of work run by the pool. Run receives the pool context,
// which is canceled on Shutdown.
type Task struct {
	ID        string
	Run       func(ctx context.Context) error
	CreatedAt time.Time
}

// NewTask creates a new task.
func NewTask(id string, run func(ctx context.Context) error) *Task {
	return &Task{
		ID:        id,
		Run:       run,
		CreatedAt: time.Now(),
	}
}

// PoolStats contains worker pool statistics.
type PoolStats struct {
	Name        string  `json:"name"`
	Workers     int     `json:"workers"`
	Active      int64   `json:"active"`
	Completed   int64   `json:"completed"`
	Failed      int64   `json:"failed"`
	Pending     int     `json:"pending"`
	SuccessRate float64 `json:"success_rate"`
}

// WorkerPool runs tasks on a fixed number of goroutines so that callers on
// latency-sensitive loops never block on slow work such as dialing.
type WorkerPool struct {
	name     string
	workers  int
	taskChan chan *Task
	wg       sync.WaitGroup

	active    int64
	completed int64
	failed    int64

	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	mu      sync.RWMutex
}

// NewWorkerPool starts workers goroutines with a queue of queueSize tasks.
func NewWorkerPool(name string, workers, queueSize int) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = workers * 16
	}

	ctx, cancel := context.WithCancel(context.Background())

	pool := &WorkerPool{
		name:     name,
		workers:  workers,
		taskChan: make(chan *Task, queueSize),
		ctx:      ctx,
		cancel:   cancel,
		running:  true,
	}

	for i := 0; i < workers; i++ {
		pool.wg.Add(1)
		go pool.worker()
	}

	return pool
}

func (p *WorkerPool) worker() {
	defer p.wg.Done()

	for task := range p.taskChan {
		p.runTask(task)
	}
}

// runTask executes a single task, converting a panic into a failure.
func (p *WorkerPool) runTask(task *Task) {
	atomic.AddInt64(&p.active, 1)
	defer atomic.AddInt64(&p.active, -1)

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic in task %s: %v", task.ID, r)
			}
		}()
		if task.Run == nil {
			return errors.New("no run function defined")
		}
		return task.Run(p.ctx)
	}()

	if err != nil {
		atomic.AddInt64(&p.failed, 1)
		return
	}
	atomic.AddInt64(&p.completed, 1)
}

// Submit queues a task without blocking.
func (p *WorkerPool) Submit(task *Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.running {
		return ErrPoolClosed
	}

	select {
	case p.taskChan <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

// Stats returns current worker pool statistics.
func (p *WorkerPool) Stats() PoolStats {
	completed := atomic.LoadInt64(&p.completed)
	failed := atomic.LoadInt64(&p.failed)
	total := completed + failed

	var successRate float64
	if total > 0 {
		successRate = float64(completed) / float64(total) * 100
	}

	return PoolStats{
		Name:        p.name,
		Workers:     p.workers,
		Active:      atomic.LoadInt64(&p.active),
		Completed:   completed,
		Failed:      failed,
		Pending:     len(p.taskChan),
		SuccessRate: successRate,
	}
}

// Shutdown cancels running tasks, drops nothing already queued and waits for
// the workers to exit. Queued tasks still run but see a canceled context.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.cancel()
	close(p.taskChan)
	p.mu.Unlock()

	p.wg.Wait()
}

// IsRunning returns true if the pool is still accepting tasks.
func (p *WorkerPool) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}
