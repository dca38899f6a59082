package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/martinsuchenak/routersync/internal/log"
)

// WorkerPool runs jobs on a fixed number of goroutines
type WorkerPool struct {
	maxWorkers int
	jobs       chan Job
	wg         sync.WaitGroup
	submitMu   sync.RWMutex
	stopped    bool
	ctx        context.Context
	cancel     context.CancelFunc
	startOnce  sync.Once
	stopOnce   sync.Once
}

// Job is a unit of work. Result, when set, receives the handler's error
// and should be buffered.
type Job struct {
	ID      string
	Handler func(context.Context) error
	Result  chan error
}

// NewWorkerPool creates a pool with maxWorkers goroutines (at least one)
func NewWorkerPool(maxWorkers int) *WorkerPool {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WorkerPool{
		maxWorkers: maxWorkers,
		jobs:       make(chan Job, maxWorkers*4),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start launches the workers. Calling it again is a no-op.
func (p *WorkerPool) Start() {
	p.startOnce.Do(func() {
		for i := 0; i < p.maxWorkers; i++ {
			p.wg.Add(1)
			go p.worker(i)
		}
		log.Info("Worker pool started", "workers", p.maxWorkers)
	})
}

// Stop cancels running jobs and waits for the workers to exit. Jobs still
// queued are not run; their Result receives the cancellation error.
func (p *WorkerPool) Stop() {
	p.stopOnce.Do(func() {
		p.cancel()
		p.submitMu.Lock()
		p.stopped = true
		p.submitMu.Unlock()
		p.wg.Wait()
		p.drain()
	})
}

func (p *WorkerPool) drain() {
	for {
		select {
		case job := <-p.jobs:
			log.Debug("Dropping queued job", "job_id", job.ID)
			if job.Result != nil {
				job.Result <- fmt.Errorf("job %s not run: %w", job.ID, p.ctx.Err())
			}
		default:
			return
		}
	}
}

// Submit queues a job, blocking while the queue is full
func (p *WorkerPool) Submit(ctx context.Context, job Job) error {
	p.submitMu.RLock()
	defer p.submitMu.RUnlock()
	if p.stopped {
		return context.Canceled
	}
	if err := p.ctx.Err(); err != nil {
		return err
	}
	select {
	case p.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return p.ctx.Err()
	}
}

func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case job := <-p.jobs:
			log.Debug("Worker executing job", "worker_id", id, "job_id", job.ID)

			err := p.run(job)
			if job.Result != nil {
				job.Result <- err
			}
		}
	}
}

func (p *WorkerPool) run(job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("Job panicked", "job_id", job.ID, "panic", r)
			err = fmt.Errorf("job %s panicked: %v", job.ID, r)
		}
	}()
	return job.Handler(p.ctx)
}
