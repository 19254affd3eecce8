package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/user/parley/internal/types"
)

// Gateway admits inbound messages. It resolves (or creates) the room for each
// message, wraps it in a Run, and enqueues the run for processing.
type Gateway struct {
	rooms types.RoomStore
	agent types.AgentID
	Queue *Queue

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Gateway for agent with the given concurrency limit for
// simultaneous run processing.
func New(rooms types.RoomStore, agent types.AgentID, maxConcurrent ...int64) *Gateway {
	var concurrency int64 = 2
	if len(maxConcurrent) > 0 && maxConcurrent[0] > 0 {
		concurrency = maxConcurrent[0]
	}
	return &Gateway{
		rooms: rooms,
		agent: agent,
		Queue: NewQueue(concurrency),
	}
}

// Start initialises the gateway's context and starts the internal queue.
func (g *Gateway) Start(ctx context.Context) {
	g.ctx, g.cancel = context.WithCancel(ctx)
	g.Queue.Start(g.ctx)
}

// Stop cancels the gateway context and drains the queue.
func (g *Gateway) Stop() {
	if g.cancel != nil {
		g.cancel()
	}
	g.Queue.Stop()
}

// RunOption configures optional behavior on a Run.
type RunOption func(*Run)

// WithDeliver sets the function that sends run output to the platform.
func WithDeliver(fn DeliverFunc) RunOption {
	return func(r *Run) { r.Deliver = fn }
}

// WithChunks streams visible reply text to fn.
func WithChunks(fn ChunkFunc) RunOption {
	return func(r *Run) { r.OnChunk = fn }
}

// HandleInbound resolves the room for key, fills in the message identity and
// enqueues a run. It returns the run so callers can correlate it.
func (g *Gateway) HandleInbound(ctx context.Context, key types.RoomKey, msg *types.Message, opts ...RunOption) (*Run, error) {
	room, err := g.rooms.ResolveOrCreate(ctx, key, g.agent, msg.Metadata.ChannelType)
	if err != nil {
		return nil, fmt.Errorf("resolve room: %w", err)
	}
	if msg.ID == "" {
		msg.ID = types.NewMessageID()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	msg.RoomID = room.ID
	msg.AgentID = g.agent
	if msg.Metadata.ChannelType == "" {
		msg.Metadata.ChannelType = room.ChannelType
	}

	run := NewRun(msg, room)
	for _, opt := range opts {
		opt(run)
	}
	if err := g.Queue.Enqueue(run); err != nil {
		return nil, fmt.Errorf("enqueue run: %w", err)
	}
	return run, nil
}

func apology() *types.Content {
	return &types.Content{
		Text:    "Sorry, something went wrong processing your message.",
		Actions: []string{"REPLY"},
		Simple:  true,
	}
}
