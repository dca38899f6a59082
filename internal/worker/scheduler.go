package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/martinsuchenak/routersync/internal/log"
	"github.com/martinsuchenak/routersync/internal/model"
	"github.com/martinsuchenak/routersync/internal/reconcile"
	"github.com/robfig/cron/v3"
)

const (
	DefaultReconcileSchedule = "@every 5m"
	DefaultResumeSchedule    = "@every 1m"

	TaskReconcile = "reconcile"
	TaskResume    = "resume-pending"
)

// RouterLister lists the routers to reconcile
type RouterLister interface {
	ListRouters(ctx context.Context) ([]model.Router, error)
}

// RouterReconciler runs one reconciliation pass
type RouterReconciler interface {
	ReconcileRouter(ctx context.Context, routerID string) (*reconcile.Report, error)
}

// Resumer continues interrupted re-homing operations
type Resumer interface {
	ResumePending(ctx context.Context) (int, error)
}

// SchedulerConfig wires the scheduler
type SchedulerConfig struct {
	Routers           RouterLister
	Reconciler        RouterReconciler
	Resumer           Resumer
	Workers           int
	ReconcileSchedule string
	ResumeSchedule    string
}

// Task is the state of a scheduled job
type Task struct {
	ID        string     `json:"id"`
	Schedule  string     `json:"schedule"`
	Status    string     `json:"status"` // "idle", "running", "completed", "failed"
	LastRun   *time.Time `json:"last_run,omitempty"`
	NextRun   *time.Time `json:"next_run,omitempty"`
	LastError string     `json:"last_error,omitempty"`

	entry cron.EntryID
}

// Scheduler runs reconciliation and resume passes in the background
type Scheduler struct {
	mu      sync.RWMutex
	tasks   map[string]*Task
	running bool
	ctx     context.Context
	cancel  context.CancelFunc

	cron       *cron.Cron
	pool       *WorkerPool
	routers    RouterLister
	reconciler RouterReconciler
	resumer    Resumer
}

// NewScheduler creates a scheduler. A zero schedule takes the default; an
// invalid one is an error.
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.ReconcileSchedule == "" {
		cfg.ReconcileSchedule = DefaultReconcileSchedule
	}
	if cfg.ResumeSchedule == "" {
		cfg.ResumeSchedule = DefaultResumeSchedule
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		tasks:      make(map[string]*Task),
		ctx:        ctx,
		cancel:     cancel,
		pool:       NewWorkerPool(cfg.Workers),
		routers:    cfg.Routers,
		reconciler: cfg.Reconciler,
		resumer:    cfg.Resumer,
	}
	s.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger{}), cron.Recover(cronLogger{})))

	if err := s.register(TaskReconcile, cfg.ReconcileSchedule, func(ctx context.Context) error {
		_, err := s.ReconcileAll(ctx)
		return err
	}); err != nil {
		cancel()
		return nil, err
	}
	if cfg.Resumer != nil {
		if err := s.register(TaskResume, cfg.ResumeSchedule, func(ctx context.Context) error {
			_, err := s.resumer.ResumePending(ctx)
			return err
		}); err != nil {
			cancel()
			return nil, err
		}
	}
	return s, nil
}

func (s *Scheduler) register(id, schedule string, fn func(context.Context) error) error {
	task := &Task{ID: id, Schedule: schedule, Status: "idle"}
	entry, err := s.cron.AddFunc(schedule, func() { s.runTask(task, fn) })
	if err != nil {
		return fmt.Errorf("task %s schedule %q: %w", id, schedule, err)
	}
	task.entry = entry
	s.tasks[id] = task
	log.Info("Task registered", "task_id", id, "schedule", schedule)
	return nil
}

// Start starts the scheduler
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	s.running = true
	log.Info("Starting background scheduler")
	s.pool.Start()
	s.cron.Start()
}

// Stop cancels in-flight router calls and waits for running tasks. The
// worker pool is stopped even when only ReconcileAll was used.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	wasRunning := s.running
	s.running = false
	s.mu.Unlock()

	s.cancel()
	if wasRunning {
		log.Info("Stopping background scheduler")
		<-s.cron.Stop().Done()
	}
	s.pool.Stop()
}

// Tasks returns a snapshot of the scheduled tasks
func (s *Scheduler) Tasks() []Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Task, 0, len(s.tasks))
	for _, id := range []string{TaskReconcile, TaskResume} {
		task, ok := s.tasks[id]
		if !ok {
			continue
		}
		t := *task
		if next := s.cron.Entry(task.entry).Next; !next.IsZero() {
			t.NextRun = &next
		}
		out = append(out, t)
	}
	return out
}

func (s *Scheduler) runTask(task *Task, fn func(context.Context) error) {
	s.mu.Lock()
	task.Status = "running"
	now := time.Now().UTC()
	task.LastRun = &now
	s.mu.Unlock()

	log.Info("Running task", "task_id", task.ID)
	err := fn(s.ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		task.Status = "failed"
		task.LastError = err.Error()
		log.Error("Task failed", "task_id", task.ID, "error", err)
		return
	}
	task.Status = "completed"
	task.LastError = ""
	log.Info("Task completed", "task_id", task.ID)
}

// ReconcileAll reconciles every router through the worker pool. Reports of
// the routers that finished are returned alongside the joined errors of
// those that did not.
func (s *Scheduler) ReconcileAll(ctx context.Context) ([]*reconcile.Report, error) {
	s.pool.Start()
	routers, err := s.routers.ListRouters(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing routers: %w", err)
	}

	type outcome struct {
		report *reconcile.Report
		err    error
	}
	results := make([]outcome, len(routers))
	done := make(chan error, len(routers))
	submitted := 0

	for i := range routers {
		routerID := routers[i].ID
		job := Job{
			ID:     "reconcile-" + routerID,
			Result: done,
			Handler: func(poolCtx context.Context) error {
				jobCtx, cancel := context.WithCancel(ctx)
				defer cancel()
				stop := context.AfterFunc(poolCtx, cancel)
				defer stop()

				report, err := s.reconciler.ReconcileRouter(jobCtx, routerID)
				results[i] = outcome{report: report, err: err}
				return err
			},
		}
		if err := s.pool.Submit(ctx, job); err != nil {
			results[i] = outcome{err: err}
			break
		}
		submitted++
	}
	for range submitted {
		<-done
	}

	var (
		reports []*reconcile.Report
		errs    []error
	)
	for i, r := range results {
		if r.report != nil {
			reports = append(reports, r.report)
		}
		if r.err != nil {
			errs = append(errs, fmt.Errorf("router %s: %w", routers[i].ID, r.err))
		}
	}
	return reports, errors.Join(errs...)
}

// cronLogger routes cron's own messages to the process logger
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	log.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	log.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
