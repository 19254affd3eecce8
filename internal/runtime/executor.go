package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/user/parley/internal/telemetry"
	"github.com/user/parley/internal/types"
)

const artifactThreshold = 2000

// ResultCache collects action results per inbound message.
type ResultCache struct {
	mu      sync.Mutex
	results map[types.MessageID][]types.ActionResult
}

// NewResultCache creates an empty cache.
func NewResultCache() *ResultCache {
	return &ResultCache{results: make(map[types.MessageID][]types.ActionResult)}
}

// Add appends a result for id.
func (c *ResultCache) Add(id types.MessageID, r types.ActionResult) {
	c.mu.Lock()
	c.results[id] = append(c.results[id], r)
	c.mu.Unlock()
}

// Get returns a copy of the results recorded for id.
func (c *ResultCache) Get(id types.MessageID) []types.ActionResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]types.ActionResult(nil), c.results[id]...)
}

// Last returns the most recent result for id.
func (c *ResultCache) Last(id types.MessageID) (types.ActionResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rs := c.results[id]
	if len(rs) == 0 {
		return types.ActionResult{}, false
	}
	return rs[len(rs)-1], true
}

// Clear drops the results for id.
func (c *ResultCache) Clear(id types.MessageID) {
	c.mu.Lock()
	delete(c.results, id)
	c.mu.Unlock()
}

// ActionExecutor runs the actions named by response messages.
type ActionExecutor struct {
	registry  *Registry
	cache     *ResultCache
	artifacts types.ArtifactStore
	emitter   Emitter
	logger    *slog.Logger
}

// NewActionExecutor builds an executor. artifacts and emitter may be nil.
func NewActionExecutor(registry *Registry, cache *ResultCache, artifacts types.ArtifactStore, emitter Emitter, logger *slog.Logger) *ActionExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	if cache == nil {
		cache = NewResultCache()
	}
	return &ActionExecutor{
		registry:  registry,
		cache:     cache,
		artifacts: artifacts,
		emitter:   emitter,
		logger:    logger.With("component", "actions"),
	}
}

// Cache returns the per-message result cache.
func (e *ActionExecutor) Cache() *ResultCache { return e.cache }

// Process runs each action of each response in order. Results are recorded
// in the cache under msg.ID. Action failures are recorded, not returned.
func (e *ActionExecutor) Process(ctx context.Context, msg *types.Message, responses []*types.Message, st *types.State, callback Callback) error {
	for _, resp := range responses {
		for _, name := range resp.Content.Actions {
			if err := ctx.Err(); err != nil {
				return err
			}
			result, err := e.run(ctx, msg, resp, name, st, callback)
			e.cache.Add(msg.ID, result)
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// run executes one action. Only ErrSuperseded is returned; every other
// failure is recorded on the result.
func (e *ActionExecutor) run(ctx context.Context, msg, resp *types.Message, name string, st *types.State, callback Callback) (types.ActionResult, error) {
	runID := runIDFromContext(ctx)
	payload := telemetry.Payload{RunID: runID, MessageID: msg.ID, RoomID: msg.RoomID, Name: key(name)}
	e.emit(ctx, telemetry.ActionStarted, payload)

	start := time.Now()
	result := types.ActionResult{Name: key(name), Kind: types.TraceKindAction}
	var stale error

	action, ok := e.registry.Action(name)
	if !ok {
		result.Error = fmt.Sprintf("action %s not found", key(name))
		e.logger.Warn("unknown action", "action", name, "message_id", msg.ID)
	} else {
		opts := HandlerOptions{
			Params:   resp.Content.Params[key(name)],
			Response: &resp.Content,
		}
		out, err := action.Handle(ctx, msg, st, opts, callback)
		switch {
		case errors.Is(err, ErrSuperseded):
			result.Error = err.Error()
			stale = err
			e.logger.Debug("action superseded", "action", name, "run_id", runID)
		case err != nil:
			result.Error = err.Error()
			e.logger.Warn("action failed", "action", name, "run_id", runID, "error", err)
		case out != nil:
			result.Success = out.Success
			result.Text = out.Text
			result.Values = out.Values
			result.Data = out.Data
			result.Error = out.Error
		default:
			result.Success = true
		}
	}
	result.At = time.Now()
	e.offload(ctx, msg, &result)

	payload.Status = "success"
	if !result.Success {
		payload.Status = "failure"
		payload.Error = result.Error
	}
	payload.Duration = time.Since(start)
	e.emit(ctx, telemetry.ActionCompleted, payload)
	return result, stale
}

// offload stores oversized result text as an artifact and truncates it.
func (e *ActionExecutor) offload(ctx context.Context, msg *types.Message, r *types.ActionResult) {
	if e.artifacts == nil || len(r.Text) <= artifactThreshold {
		return
	}
	id, err := e.artifacts.Put(ctx, msg.RoomID, runIDFromContext(ctx), r.Name, r.Text)
	if err != nil {
		e.logger.Warn("store artifact", "action", r.Name, "error", err)
		return
	}
	if r.Data == nil {
		r.Data = make(map[string]any)
	}
	r.Data["artifact_id"] = string(id)
	r.Text = strings.TrimSpace(r.Text[:artifactThreshold]) + "\n[truncated, see artifact " + string(id) + "]"
}

func (e *ActionExecutor) emit(ctx context.Context, typ telemetry.EventType, p telemetry.Payload) {
	if e.emitter != nil {
		e.emitter.Emit(ctx, typ, p)
	}
}
