package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/user/parley/internal/state"
)

// Handler is invoked when a scheduled task fires.
type Handler func(ctx context.Context, task *state.Task)

// Scheduler evaluates cron expressions from the task store and fires tasks
// through a handler callback.
type Scheduler struct {
	store   *state.TaskStore
	handler Handler
	logger  *slog.Logger

	mu   sync.Mutex
	ctx  context.Context
	cron *cron.Cron
}

// cronParser accepts both standard 5-field cron expressions and 6-field
// expressions with an optional seconds field.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// New creates a new Scheduler backed by the given task store. The handler is
// called each time a scheduled task fires.
func New(store *state.TaskStore, handler Handler, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:   store,
		handler: handler,
		logger:  logger.With("component", "scheduler"),
		cron:    cron.New(cron.WithParser(cronParser)),
	}
}

// Validate reports whether schedule is a cron expression the scheduler
// accepts.
func Validate(schedule string) error {
	_, err := cronParser.Parse(schedule)
	return err
}

// Start loads tasks from the store, registers enabled tasks that have a
// schedule as cron entries, and starts the cron ticker. Fired tasks run
// with ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctx = ctx
	return s.startLocked()
}

func (s *Scheduler) startLocked() error {
	tasks, err := s.store.List()
	if err != nil {
		return err
	}

	for _, task := range tasks {
		if task.Schedule == "" || !task.Enabled {
			continue
		}

		_, err := s.cron.AddFunc(task.Schedule, func() {
			s.logger.Info("cron firing task", "name", task.Name, "room_key", task.RoomKey)
			s.handler(s.ctx, task)
			if err := s.store.MarkFired(task.Name, time.Now()); err != nil {
				s.logger.Warn("record task fire", "name", task.Name, "error", err)
			}
		})
		if err != nil {
			s.logger.Error("invalid cron schedule", "name", task.Name, "schedule", task.Schedule, "error", err)
			continue
		}
		s.logger.Info("scheduled task", "name", task.Name, "schedule", task.Schedule)
	}

	s.cron.Start()
	return nil
}

// Reload stops the existing cron, creates a new one, and registers the
// tasks again.
func (s *Scheduler) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cron.Stop()
	s.cron = cron.New(cron.WithParser(cronParser))
	return s.startLocked()
}

// Stop stops the cron ticker.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cron.Stop()
}
