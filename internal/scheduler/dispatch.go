package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/user/parley/internal/gateway"
	"github.com/user/parley/internal/state"
	"github.com/user/parley/internal/types"
)

const source = "scheduler"

// Admitter accepts inbound messages. gateway.Gateway satisfies it.
type Admitter interface {
	HandleInbound(ctx context.Context, key types.RoomKey, msg *types.Message, opts ...gateway.RunOption) (*gateway.Run, error)
}

// Router returns the delivery function for a room. delivery.Registry
// satisfies it.
type Router interface {
	For(key types.RoomKey) func(ctx context.Context, content *types.Content) error
}

// Dispatcher turns tasks into autonomous messages and admits them. Replies
// are routed to the task's room through the router.
type Dispatcher struct {
	gateway Admitter
	router  Router
	logger  *slog.Logger
}

func NewDispatcher(gw Admitter, router Router, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{gateway: gw, router: router, logger: logger.With("component", "dispatcher")}
}

// Fire admits prompt into the task's room. An empty prompt uses the task's
// own prompt.
func (d *Dispatcher) Fire(ctx context.Context, task *state.Task, prompt string) (*gateway.Run, error) {
	if strings.TrimSpace(prompt) == "" {
		prompt = task.Prompt
	}
	if strings.TrimSpace(prompt) == "" {
		return nil, errors.New("task has no prompt")
	}
	key := types.RoomKey(task.RoomKey)
	msg := &types.Message{
		EntityID: types.EntityID(source + ":" + task.Name),
		Content: types.Content{
			Text:   prompt,
			Source: source,
		},
		Metadata: types.Metadata{
			Source:     source,
			Autonomous: true,
			EntityName: task.Name,
		},
	}

	var opts []gateway.RunOption
	if d.router != nil {
		opts = append(opts, gateway.WithDeliver(d.router.For(key)))
	}
	run, err := d.gateway.HandleInbound(ctx, key, msg, opts...)
	if err != nil {
		return nil, fmt.Errorf("fire task %s: %w", task.Name, err)
	}
	return run, nil
}

// Handle adapts Fire to the scheduler's Handler.
func (d *Dispatcher) Handle(ctx context.Context, task *state.Task) {
	if _, err := d.Fire(ctx, task, ""); err != nil {
		d.logger.Error("fire task", "name", task.Name, "error", err)
	}
}
