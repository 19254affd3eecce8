package gateway

import (
	"context"
	"time"

	"github.com/user/parley/internal/types"
)

// RunStatus represents the lifecycle state of a Run.
type RunStatus string

const (
	RunStatusQueued   RunStatus = "queued"
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
)

// DeliverFunc sends content produced by a run back to the platform.
type DeliverFunc func(ctx context.Context, content *types.Content) error

// ChunkFunc receives visible reply text while it is generated.
type ChunkFunc func(ctx context.Context, delta string) error

// Run tracks a single execution of an inbound message.
type Run struct {
	ID        types.RunID
	Message   *types.Message
	Room      *types.Room
	Status    RunStatus
	CreatedAt time.Time
	StartedAt *time.Time
	EndedAt   *time.Time
	Error     error

	Ctx     context.Context
	Deliver DeliverFunc
	OnChunk ChunkFunc

	done chan struct{}
}

// NewRun creates a Run in the Queued state for the given message and room.
func NewRun(msg *types.Message, room *types.Room) *Run {
	return &Run{
		ID:        types.NewRunID(),
		Message:   msg,
		Room:      room,
		Status:    RunStatusQueued,
		CreatedAt: time.Now(),
		done:      make(chan struct{}),
	}
}

// Done is closed once the run has finished, successfully or not. Status and
// Error are safe to read after it closes.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

func (r *Run) finish() {
	if r.done != nil {
		close(r.done)
	}
}
