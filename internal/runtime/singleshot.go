package runtime

import (
	"context"
	"fmt"
	"sort"
	"strings"

	ctxengine "github.com/user/parley/internal/context"
	"github.com/user/parley/internal/stream"
	"github.com/user/parley/internal/structured"
	"github.com/user/parley/internal/types"
)

type strategyResult struct {
	content *types.Content
	mode    Mode
	state   *types.State
}

var messageHandlerFields = []structured.Field{
	{Name: "thought", Description: "your private reasoning", Required: true},
	{Name: "providers", Description: "comma separated providers to consult, or empty"},
	{Name: "actions", Description: "comma separated actions to take, in order", Required: true},
	{Name: "text", Description: "the reply shown to the user", Stream: true},
	{Name: "simple", Description: "true or false"},
	{Name: "params", Description: "JSON parameters keyed by action name, or empty"},
}

var paramRepairFields = []structured.Field{
	{Name: "params", Description: "JSON parameters keyed by action name", Required: true},
}

// runSingleShot produces the response with one structured call.
func (rt *Runtime) runSingleShot(ctx context.Context, msg *types.Message, st *types.State, responseID types.ResponseID, o handleOptions) (*strategyResult, error) {
	ctx, span := rt.tracer.Start(ctx, "single_shot")
	defer span.End()

	data := rt.promptData(ctx, msg, st)
	prompt, err := rt.engine.Render(ctxengine.MessageHandler, data)
	if err != nil {
		return nil, fmt.Errorf("render message prompt: %w", err)
	}

	res, err := rt.inference.Generate(ctx, structured.Request{
		Prompt:     prompt,
		Fields:     messageHandlerFields,
		Size:       o.size,
		MaxRetries: o.maxRetries,
	})
	if err != nil {
		return nil, err
	}

	var content *types.Content
	if res.OK() {
		content = rt.contentFromResult(ctx, msg, st, res, data, o)
	} else {
		content, err = rt.recoverStreamed(ctx, data, o)
		if err != nil {
			return nil, err
		}
	}
	if content == nil {
		rt.logger.Debug("no parseable response", "message_id", msg.ID, "response_id", responseID)
		return &strategyResult{mode: ModeNone, state: st}, nil
	}
	content.ResponseID = responseID
	content.Source = msg.Metadata.Source
	return &strategyResult{content: content, mode: classify(content), state: st}, nil
}

// recoverStreamed builds content from text that already reached the sink
// when the structured output could not be parsed.
func (rt *Runtime) recoverStreamed(ctx context.Context, data *ctxengine.PromptData, o handleOptions) (*types.Content, error) {
	sink := stream.FromContext(ctx)
	if sink == nil {
		return nil, nil
	}
	streamed := sink.Text()
	if strings.TrimSpace(streamed) == "" {
		return nil, nil
	}
	if sink.Complete() {
		return &types.Content{Text: streamed, Actions: []string{ActionReply}, Simple: true}, nil
	}

	src := ctxengine.ContinuationHead + structured.EscapeTemplate(streamed) + ctxengine.ContinuationTail
	prompt, err := rt.engine.RenderString(src, data)
	if err != nil {
		return nil, fmt.Errorf("render continuation prompt: %w", err)
	}
	rest, err := rt.inference.Text(ctx, prompt, o.size)
	if err != nil {
		return nil, fmt.Errorf("continue reply: %w", err)
	}
	if rest != "" {
		if err := sink.Write(ctx, rest); err != nil {
			rt.logger.Debug("stream sink rejected continuation", "error", err)
		}
	}
	return &types.Content{
		Thought: "continued after an interrupted stream",
		Text:    streamed + rest,
		Actions: []string{ActionReply},
		Simple:  true,
	}, nil
}

func (rt *Runtime) contentFromResult(ctx context.Context, msg *types.Message, st *types.State, res structured.Result, data *ctxengine.PromptData, o handleOptions) *types.Content {
	content := &types.Content{
		Thought:   res.Field("thought"),
		Text:      res.Field("text"),
		Actions:   normalizeNames(res.List("actions")),
		Providers: normalizeNames(res.List("providers")),
		Simple:    res.Bool("simple"),
	}

	params, err := structured.ParseParams(res.Field("params"))
	if err != nil {
		rt.logger.Debug("discarding unparseable params", "message_id", msg.ID, "error", err)
	}
	content.Params = params

	if !rt.cfg.ActionPlanning && len(content.Actions) > 1 {
		content.Actions = content.Actions[:1]
	}

	rt.repairParams(ctx, content, data, o)

	if st.BenchmarkActive() {
		if len(content.Actions) == 0 {
			content.Actions = []string{ActionReply}
		}
		if len(content.Providers) == 0 {
			content.Providers = []string{ProviderContextBench}
		}
		content.Text = ""
	}

	content.Actions = resolveIgnore(content.Actions, content.Text)
	return content
}

// repairParams asks once for parameters the selected actions require but
// the response did not supply.
func (rt *Runtime) repairParams(ctx context.Context, content *types.Content, data *ctxengine.PromptData, o handleOptions) {
	missing := rt.missingParams(content)
	if len(missing) == 0 {
		return
	}

	names := make([]string, 0, len(missing))
	for name := range missing {
		names = append(names, name)
	}
	sort.Strings(names)
	var lines []string
	for _, name := range names {
		lines = append(lines, fmt.Sprintf("%s: %s", name, strings.Join(missing[name], ", ")))
	}

	repair := *data
	repair.Missing = strings.Join(lines, "\n")
	prompt, err := rt.engine.Render(ctxengine.ParamRepair, &repair)
	if err != nil {
		rt.logger.Warn("render param repair prompt", "error", err)
		return
	}
	res, err := rt.inference.Generate(ctx, structured.Request{
		Prompt:     prompt,
		Fields:     paramRepairFields,
		Size:       o.size,
		MaxRetries: o.maxRetries,
	})
	if err != nil {
		rt.logger.Warn("param repair failed", "error", err)
		return
	}

	raw := res.Field("params")
	if !res.OK() {
		raw = structured.Scrape(res.Raw(), "params")["params"]
	}
	repaired, err := structured.ParseParams(raw)
	if err != nil || len(repaired) == 0 {
		rt.logger.Debug("param repair returned nothing usable", "error", err)
		return
	}
	if content.Params == nil {
		content.Params = make(map[string]map[string]any)
	}
	for action, params := range repaired {
		if content.Params[action] == nil {
			content.Params[action] = make(map[string]any)
		}
		for k, v := range params {
			content.Params[action][k] = v
		}
	}
}

// missingParams lists, per selected action, required parameters that have
// no value.
func (rt *Runtime) missingParams(content *types.Content) map[string][]string {
	missing := make(map[string][]string)
	for _, name := range content.Actions {
		action, ok := rt.registry.Action(name)
		if !ok {
			continue
		}
		have := content.Params[key(name)]
		for _, p := range action.RequiredParams() {
			if v, ok := have[p]; !ok || v == nil || v == "" {
				missing[key(name)] = append(missing[key(name)], p)
			}
		}
	}
	return missing
}

// resolveIgnore removes the conflict between IGNORE and other actions.
func resolveIgnore(actions []string, text string) []string {
	hasIgnore := false
	for _, a := range actions {
		if strings.EqualFold(a, ActionIgnore) {
			hasIgnore = true
			break
		}
	}
	if !hasIgnore || len(actions) == 1 {
		return actions
	}
	if strings.TrimSpace(text) == "" {
		return []string{ActionIgnore}
	}
	kept := make([]string, 0, len(actions))
	for _, a := range actions {
		if !strings.EqualFold(a, ActionIgnore) {
			kept = append(kept, a)
		}
	}
	if len(kept) == 0 {
		return []string{ActionReply}
	}
	return kept
}

// classify picks the dispatch mode for content.
func classify(c *types.Content) Mode {
	if len(c.Actions) == 1 && strings.EqualFold(c.Actions[0], ActionReply) &&
		len(c.Providers) == 0 && strings.TrimSpace(c.Text) != "" {
		c.Simple = true
		return ModeSimple
	}
	c.Simple = false
	return ModeActions
}

func normalizeNames(names []string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			out = append(out, strings.ToUpper(n))
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
