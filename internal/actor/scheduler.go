package actor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nexusnarrative/narrator/internal/apperr"
)

// TaskFunc is the work a scheduled task performs on each firing.
type TaskFunc func(ctx context.Context)

type scheduledTask struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Scheduler drives actor runs on their declared cadence. Scheduling a
// task id that already exists cancels the previous task first; a task's
// own failures are its closure's business and never stop the scheduler.
type Scheduler struct {
	mu     sync.Mutex
	tasks  map[string]*scheduledTask
	logger *slog.Logger
	now    func() time.Time
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithSchedulerLogger configures the scheduler logger.
func WithSchedulerLogger(logger *slog.Logger) SchedulerOption {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithSchedulerNow overrides the clock for tests.
func WithSchedulerNow(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// NewScheduler creates an idle scheduler.
func NewScheduler(opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		tasks:  make(map[string]*scheduledTask),
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Schedule installs fn under id with the given cadence, replacing any
// prior task with the same id.
func (s *Scheduler) Schedule(id string, sched ScheduleConfig, fn TaskFunc) error {
	run, err := s.loop(sched, fn)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	task := &scheduledTask{cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	if prior, ok := s.tasks[id]; ok {
		prior.cancel()
		<-prior.done
	}
	s.tasks[id] = task
	s.mu.Unlock()

	go func() {
		defer close(task.done)
		run(ctx)
	}()
	s.logger.Info("task scheduled", "task", id, "type", sched.Type)
	return nil
}

// loop builds the cadence-specific driver for fn.
func (s *Scheduler) loop(sched ScheduleConfig, fn TaskFunc) (func(context.Context), error) {
	switch sched.Type {
	case "", ScheduleImmediate:
		return func(ctx context.Context) {
			fn(ctx)
		}, nil

	case ScheduleInterval:
		if sched.Seconds <= 0 {
			return nil, apperr.Validation("scheduler.schedule", "seconds", "interval must be positive")
		}
		interval := time.Duration(sched.Seconds) * time.Second
		return func(ctx context.Context) {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					fn(ctx)
				}
			}
		}, nil

	case ScheduleOnce:
		at, err := time.Parse(time.RFC3339, sched.At)
		if err != nil {
			return nil, apperr.New(apperr.KindConfig, "scheduler.schedule", err, map[string]any{"at": sched.At})
		}
		return func(ctx context.Context) {
			wait := at.Sub(s.now())
			if wait > 0 {
				timer := time.NewTimer(wait)
				defer timer.Stop()
				select {
				case <-ctx.Done():
					return
				case <-timer.C:
				}
			}
			fn(ctx)
		}, nil

	case ScheduleCron:
		expr, err := cron.ParseStandard(sched.Expression)
		if err != nil {
			return nil, apperr.New(apperr.KindConfig, "scheduler.schedule", err, map[string]any{"expression": sched.Expression})
		}
		return func(ctx context.Context) {
			for {
				next := expr.Next(s.now())
				timer := time.NewTimer(next.Sub(s.now()))
				select {
				case <-ctx.Done():
					timer.Stop()
					return
				case <-timer.C:
					fn(ctx)
				}
			}
		}, nil
	}
	return nil, apperr.Validation("scheduler.schedule", "type", "unknown schedule type "+string(sched.Type))
}

// Cancel stops one task, waiting for its loop to exit.
func (s *Scheduler) Cancel(id string) {
	s.mu.Lock()
	task, ok := s.tasks[id]
	if ok {
		delete(s.tasks, id)
	}
	s.mu.Unlock()
	if ok {
		task.cancel()
		<-task.done
	}
}

// Stop cancels every task and waits for their loops to exit. In-flight
// work observes cancellation at its next blocking call.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	tasks := s.tasks
	s.tasks = make(map[string]*scheduledTask)
	s.mu.Unlock()

	for _, task := range tasks {
		task.cancel()
	}
	for _, task := range tasks {
		<-task.done
	}
}

// TaskIDs lists the ids of currently installed tasks.
func (s *Scheduler) TaskIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.tasks))
	for id := range s.tasks {
		ids = append(ids, id)
	}
	return ids
}
