package runtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	ctxengine "github.com/user/parley/internal/context"
	"github.com/user/parley/internal/structured"
	"github.com/user/parley/internal/types"
)

// ProviderTimeoutText is delivered when the provider batch of a multi-step
// iteration does not settle in time.
const ProviderTimeoutText = "Sorry, gathering the information I needed took too long. Please try again."

var decisionFields = []structured.Field{
	{Name: "thought", Description: "your reasoning about the next step", Required: true},
	{Name: "providers", Description: "comma separated providers to consult, or empty"},
	{Name: "action", Description: "one action to run, or empty"},
	{Name: "parameters", Description: "JSON parameters for the action, or empty"},
	{Name: "isFinish", Description: "true once the request is fully handled"},
}

var summaryFields = []structured.Field{
	{Name: "thought", Description: "your private reasoning"},
	{Name: "text", Description: "the final reply shown to the user", Required: true, Stream: true},
}

// runMultiStep iterates decision, provider fan-out and one action per step,
// then summarises the trace into a reply. The loop stops without a reply once
// callback reports ErrSuperseded.
func (rt *Runtime) runMultiStep(ctx context.Context, msg *types.Message, st *types.State, o handleOptions, callback Callback) (*strategyResult, error) {
	ctx, span := rt.tracer.Start(ctx, "multi_step")
	defer span.End()

	var (
		trace []types.ActionResult
		stale atomic.Bool
	)
	next := callback
	callback = func(cctx context.Context, content *types.Content) ([]*types.Message, error) {
		out, err := next(cctx, content)
		if errors.Is(err, ErrSuperseded) {
			stale.Store(true)
		}
		return out, err
	}

	for iter := 1; iter <= o.maxIterations; iter++ {
		state := rt.composeState(ctx, msg, nil)
		state.Trace = append([]types.ActionResult(nil), trace...)

		data := rt.promptData(ctx, msg, state)
		data.Trace = formatTrace(trace)
		data.Iteration = iter
		data.MaxIterations = o.maxIterations
		prompt, err := rt.engine.Render(ctxengine.MultiStepDecision, data)
		if err != nil {
			return nil, fmt.Errorf("render decision prompt: %w", err)
		}

		res, err := rt.inference.Generate(ctx, structured.Request{
			Prompt:     prompt,
			Fields:     decisionFields,
			Size:       o.size,
			MaxRetries: o.maxRetries,
		})
		if err != nil {
			return nil, err
		}
		if !res.OK() {
			trace = append(trace, types.ActionResult{
				Name:  "DECISION",
				Kind:  types.TraceKindAction,
				Error: "could not parse the step decision",
				At:    time.Now(),
			})
			rt.logger.Debug("multi-step decision unparseable", "message_id", msg.ID, "iteration", iter)
			break
		}

		thought := res.Field("thought")
		if res.Bool("isFinish") {
			if _, err := callback(ctx, &types.Content{Thought: thought}); err != nil {
				rt.logger.Debug("finish callback failed", "error", err)
			}
			break
		}

		providers := normalizeNames(res.List("providers"))
		action := strings.ToUpper(strings.TrimSpace(res.Field("action")))
		if len(providers) == 0 && action == "" {
			break
		}

		if len(providers) > 0 {
			results, ok := rt.fanOut(ctx, msg, state, providers, rt.cfg.ProviderTimeout)
			if !ok {
				rt.logger.Warn("providers timed out", "message_id", msg.ID, "providers", providers)
				if _, err := callback(ctx, &types.Content{
					Text:    ProviderTimeoutText,
					Actions: []string{ActionReply},
					Simple:  true,
				}); err != nil {
					rt.logger.Debug("timeout callback failed", "error", err)
				}
				return &strategyResult{mode: ModeNone, state: state}, nil
			}
			for _, r := range results {
				trace = append(trace, r)
				if _, err := callback(ctx, &types.Content{
					Thought:   fmt.Sprintf("consulted %s", r.Name),
					Providers: []string{r.Name},
				}); err != nil {
					rt.logger.Debug("progress callback failed", "error", err)
				}
			}
		}

		if action != "" && !stale.Load() {
			trace = append(trace, rt.runStepAction(ctx, msg, state, action, thought, res.Field("parameters"), callback))
		}
		if stale.Load() {
			rt.logger.Debug("multi-step superseded", "message_id", msg.ID, "iteration", iter)
			return &strategyResult{mode: ModeNone, state: state}, nil
		}
	}

	st.Trace = trace
	return rt.summarize(ctx, msg, st, trace, o)
}

func (rt *Runtime) runStepAction(ctx context.Context, msg *types.Message, st *types.State, action, thought, rawParams string, callback Callback) types.ActionResult {
	content := types.Content{Thought: thought, Actions: []string{action}}
	params, err := structured.ParseActionParams(rawParams, action)
	if err != nil {
		rt.logger.Debug("discarding unparseable parameters", "action", action, "error", err)
	}
	if params != nil {
		content.Params = map[string]map[string]any{action: params}
	}

	step := rt.responseMessage(msg, &content)
	if err := rt.executor.Process(ctx, msg, []*types.Message{step}, st, callback); err != nil {
		return types.ActionResult{Name: action, Kind: types.TraceKindAction, Error: err.Error(), At: time.Now()}
	}
	result, ok := rt.executor.Cache().Last(msg.ID)
	if !ok {
		return types.ActionResult{Name: action, Kind: types.TraceKindAction, Error: "no result recorded", At: time.Now()}
	}
	return result
}

func (rt *Runtime) summarize(ctx context.Context, msg *types.Message, st *types.State, trace []types.ActionResult, o handleOptions) (*strategyResult, error) {
	data := rt.promptData(ctx, msg, st)
	data.Trace = formatTrace(trace)
	prompt, err := rt.engine.Render(ctxengine.MultiStepSummary, data)
	if err != nil {
		return nil, fmt.Errorf("render summary prompt: %w", err)
	}

	res, err := rt.inference.Generate(ctx, structured.Request{
		Prompt:     prompt,
		Fields:     summaryFields,
		Size:       o.size,
		MaxRetries: o.maxRetries,
	})
	if err != nil {
		return nil, err
	}
	text := res.Field("text")
	if !res.OK() || text == "" {
		return &strategyResult{mode: ModeNone, state: st}, nil
	}
	return &strategyResult{
		content: &types.Content{
			Thought: res.Field("thought"),
			Text:    text,
			Actions: []string{ActionMultiStepSummary},
			Simple:  true,
			Source:  msg.Metadata.Source,
		},
		mode:  ModeSimple,
		state: st,
	}, nil
}
