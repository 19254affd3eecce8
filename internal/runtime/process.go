package runtime

import (
	"context"

	"github.com/user/parley/internal/gateway"
	"github.com/user/parley/internal/stream"
	"github.com/user/parley/internal/types"
)

// ProcessRun handles a queued gateway run. It is passed to
// Queue.SetProcessor.
func (rt *Runtime) ProcessRun(run *gateway.Run) error {
	ctx := run.Ctx
	if ctx == nil {
		ctx = context.Background()
	}

	callback := func(ctx context.Context, content *types.Content) ([]*types.Message, error) {
		if run.Deliver == nil {
			return nil, nil
		}
		return nil, run.Deliver(ctx, content)
	}

	opts := []HandleOption{WithRunID(run.ID)}
	if run.OnChunk != nil {
		opts = append(opts, WithChunkFunc(stream.ChunkFunc(run.OnChunk)))
	}
	_, err := rt.HandleMessage(ctx, run.Message, callback, opts...)
	return err
}
