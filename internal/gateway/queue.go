package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// ErrQueueFull is returned by Enqueue when the backlog is saturated.
var ErrQueueFull = errors.New("queue full")

const defaultBacklog = 100

// Queue admits runs into a bounded backlog and processes them with a global
// concurrency limit. Runs for the same room are not serialized: a newer run
// may start while an older one is still generating, and the response tracker
// decides which of them delivers.
type Queue struct {
	pending   chan *Run
	semaphore *semaphore.Weighted
	processor func(*Run) error
	active    atomic.Int64
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

// NewQueue creates a Queue that allows up to maxConcurrent runs to execute
// simultaneously.
func NewQueue(maxConcurrent int64) *Queue {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Queue{
		pending:   make(chan *Run, defaultBacklog),
		semaphore: semaphore.NewWeighted(maxConcurrent),
		logger:    slog.Default().With("component", "queue"),
	}
}

// Start initialises the queue's context and begins dispatching. Must be
// called before Enqueue.
func (q *Queue) Start(ctx context.Context) {
	q.ctx, q.cancel = context.WithCancel(ctx)
	q.wg.Add(1)
	go q.dispatch()
}

// Stop cancels the queue context, stops admitting runs, and waits for
// in-flight processors to finish.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.pending)
	}
	q.mu.Unlock()
	q.wg.Wait()
}

// Enqueue adds a Run to the backlog. Returns ErrQueueFull if the backlog is
// saturated.
func (q *Queue) Enqueue(run *Run) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return errors.New("queue stopped")
	}

	q.active.Add(1)
	select {
	case q.pending <- run:
		return nil
	default:
		q.active.Add(-1)
		return ErrQueueFull
	}
}

// dispatch acquires a semaphore slot per run and processes it on its own
// goroutine.
func (q *Queue) dispatch() {
	defer q.wg.Done()
	for {
		select {
		case run, ok := <-q.pending:
			if !ok {
				return
			}
			if err := q.semaphore.Acquire(q.ctx, 1); err != nil {
				q.active.Add(-1)
				run.finish()
				return
			}
			q.wg.Add(1)
			go q.process(run)
		case <-q.ctx.Done():
			return
		}
	}
}

func (q *Queue) process(run *Run) {
	defer q.wg.Done()
	defer q.semaphore.Release(1)
	defer q.active.Add(-1)
	defer run.finish()

	if q.processor == nil {
		return
	}
	now := time.Now()
	run.StartedAt = &now
	run.Status = RunStatusRunning
	if run.Ctx == nil {
		run.Ctx = q.ctx
	}

	err := q.processor(run)
	ended := time.Now()
	run.EndedAt = &ended
	if err != nil {
		run.Status = RunStatusFailed
		run.Error = err
		var room string
		if run.Message != nil {
			room = string(run.Message.RoomID)
		}
		q.logger.Error("run failed", "run_id", string(run.ID), "room_id", room, "error", err)
		if run.Deliver != nil {
			if derr := run.Deliver(q.ctx, apology()); derr != nil {
				q.logger.Warn("deliver failure notice", "run_id", string(run.ID), "error", derr)
			}
		}
		return
	}
	run.Status = RunStatusComplete
}

// WaitIdle blocks until no runs are queued or being processed, or the timeout
// expires. Returns true if idle, false if timed out.
func (q *Queue) WaitIdle(timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		if q.active.Load() == 0 {
			return true
		}
		select {
		case <-deadline:
			return false
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// SetProcessor sets the function invoked for each dequeued Run.
func (q *Queue) SetProcessor(fn func(*Run) error) {
	q.processor = fn
}
